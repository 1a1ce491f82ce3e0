package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTransitionIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(transitions.WithLabelValues("orders", "completed"))
	RecordTransition("orders", "completed")
	after := testutil.ToFloat64(transitions.WithLabelValues("orders", "completed"))
	if after != before+1 {
		t.Fatalf("expected counter to increment by 1, got %f -> %f", before, after)
	}
}

func TestSetLockHeldTogglesGauge(t *testing.T) {
	SetLockHeld("orders", "0", true)
	if got := testutil.ToFloat64(lockHeld.WithLabelValues("orders", "0")); got != 1 {
		t.Fatalf("expected lock gauge 1, got %f", got)
	}
	SetLockHeld("orders", "0", false)
	if got := testutil.ToFloat64(lockHeld.WithLabelValues("orders", "0")); got != 0 {
		t.Fatalf("expected lock gauge 0, got %f", got)
	}
}

func TestSetQueueDepthSetsGauge(t *testing.T) {
	SetQueueDepth("orders", 42)
	if got := testutil.ToFloat64(queueDepth.WithLabelValues("orders")); got != 42 {
		t.Fatalf("expected queue depth 42, got %f", got)
	}
}

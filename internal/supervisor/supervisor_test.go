package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"durableq/internal/runner"
)

type fakeTarget struct {
	name    string
	runs    atomic.Int32
	maxRuns int32
}

func (f *fakeTarget) Name() string { return f.name }

func (f *fakeTarget) Run(ctx context.Context, opts runner.RunOptions) (bool, error) {
	n := f.runs.Add(1)
	return n < f.maxRuns, nil
}

func (f *fakeTarget) Maintain(ctx context.Context) error { return nil }

func TestRunLoopDrainsUntilNoMoreWork(t *testing.T) {
	target := &fakeTarget{name: "orders", maxRuns: 5}
	sup := New(Config{RunInterval: 50 * time.Millisecond}, target)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for target.runs.Load() < target.maxRuns && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	sup.Stop(stopCtx)

	if target.runs.Load() < target.maxRuns {
		t.Fatalf("expected at least %d runs, got %d", target.maxRuns, target.runs.Load())
	}
	if sup.Stats().RunsCompleted == 0 {
		t.Fatal("expected at least one completed run recorded in stats")
	}
}

func TestStopIsIdempotentWhenNeverStarted(t *testing.T) {
	sup := New(Config{}, &fakeTarget{name: "noop"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sup.Stop(ctx)
}

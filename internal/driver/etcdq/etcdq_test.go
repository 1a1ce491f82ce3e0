package etcdq

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"durableq/internal/driver"
	"durableq/internal/driver/drivertest"
)

// TestEtcdDriverConformance requires a reachable etcd cluster, given via
// DURABLEQ_TEST_ETCD_ENDPOINTS (comma-separated). Skipped otherwise.
func TestEtcdDriverConformance(t *testing.T) {
	raw := os.Getenv("DURABLEQ_TEST_ETCD_ENDPOINTS")
	if raw == "" {
		t.Skip("DURABLEQ_TEST_ETCD_ENDPOINTS not set")
	}
	endpoints := strings.Split(raw, ",")

	drivertest.Run(t, func(t *testing.T) driver.Driver {
		d, err := Open(endpoints, 5*time.Second)
		require.NoError(t, err)
		return d.Partition(uuid.NewString())
	})
}

package redisq

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"durableq/internal/driver"
	"durableq/internal/driver/drivertest"
)

// TestRedisDriverConformance requires a reachable Redis instance, given
// via DURABLEQ_TEST_REDIS_ADDR (e.g. "localhost:6379"). Skipped otherwise.
func TestRedisDriverConformance(t *testing.T) {
	addr := os.Getenv("DURABLEQ_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DURABLEQ_TEST_REDIS_ADDR not set")
	}

	drivertest.Run(t, func(t *testing.T) driver.Driver {
		d, err := Open(addr)
		require.NoError(t, err)
		t.Cleanup(func() { d.client.FlushDB(t.Context()) })
		return d
	})
}

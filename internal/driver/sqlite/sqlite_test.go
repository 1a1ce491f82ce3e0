package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"durableq/internal/driver"
	"durableq/internal/driver/drivertest"
)

func TestSQLiteDriverConformance(t *testing.T) {
	drivertest.Run(t, func(t *testing.T) driver.Driver {
		dsn := filepath.Join(t.TempDir(), "queue.db")
		d, err := Open(dsn)
		require.NoError(t, err)
		t.Cleanup(func() { d.Destroy(context.Background()) })
		return d
	})
}

package file

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"durableq/internal/driver"
	"durableq/internal/driver/drivertest"
	"durableq/internal/entry"
	"durableq/internal/logging"
)

func TestFileDriverConformance(t *testing.T) {
	drivertest.Run(t, func(t *testing.T) driver.Driver {
		path := filepath.Join(t.TempDir(), "queue.json")
		d, err := New(path, logging.Nop)
		require.NoError(t, err)
		return d
	})
}

func TestFileDriverPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.json")

	d1, err := New(path, logging.Nop)
	require.NoError(t, err)

	id, err := d1.Add(ctx, []byte("payload"), entry.AddOptions{ID: "persisted"})
	require.NoError(t, err)
	require.NoError(t, d1.SetStatus(ctx, id, entry.StatusProcessing, entry.SetStatusOptions{
		OldStatus: entry.StatusPending, HasOldStatus: true,
	}))

	d2, err := New(path, logging.Nop)
	require.NoError(t, err)

	got, err := d2.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got.Request)
	require.Equal(t, entry.StatusProcessing, got.Status)
}

func TestFileDriverPersistsPartitions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.json")

	d1, err := New(path, logging.Nop)
	require.NoError(t, err)

	child := d1.Partition("stage-two")
	_, err = child.Add(ctx, []byte("child-payload"), entry.AddOptions{ID: "child-entry"})
	require.NoError(t, err)

	d2, err := New(path, logging.Nop)
	require.NoError(t, err)

	got, err := d2.Partition("stage-two").Get(ctx, "child-entry")
	require.NoError(t, err)
	require.Equal(t, []byte("child-payload"), got.Request)

	_, err = d2.Get(ctx, "child-entry")
	require.ErrorIs(t, err, entry.ErrNotFound)
}

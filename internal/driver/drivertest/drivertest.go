// Package drivertest holds a behavioral conformance suite shared by every
// backend's tests, so each implementation of driver.Driver is checked
// against the same table of invariants.
package drivertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"durableq/internal/driver"
	"durableq/internal/entry"
)

// Factory builds a fresh, empty root driver for one test case.
type Factory func(t *testing.T) driver.Driver

// Run exercises the shared behavioral invariants against the driver
// produced by factory. Each sub-test gets its own fresh driver instance.
func Run(t *testing.T, factory Factory) {
	t.Run("AddIsIdempotentOnID", func(t *testing.T) { testAddIdempotentOnID(t, factory) })
	t.Run("AddRejectsCollidingIdempotentKeys", func(t *testing.T) { testIdempotentKeyCollision(t, factory) })
	t.Run("SetStatusAssertsOldStatus", func(t *testing.T) { testSetStatusAssertsOldStatus(t, factory) })
	t.Run("FailuresMonotonic", func(t *testing.T) { testFailuresMonotonic(t, factory) })
	t.Run("GetAndQueryReturnDeepCopies", func(t *testing.T) { testDeepCopies(t, factory) })
	t.Run("PartitionsAreIsolated", func(t *testing.T) { testPartitionIsolation(t, factory) })
	t.Run("SetStatusClearsLastErrorOnPendingOrCompleted", func(t *testing.T) { testLastErrorClearing(t, factory) })
	t.Run("QueryFiltersByStatusAndAge", func(t *testing.T) { testQueryFilter(t, factory) })
	t.Run("ConcurrentAddOnSameIDYieldsOneWinner", func(t *testing.T) { testConcurrentAddSameID(t, factory) })
	t.Run("ConcurrentSetStatusHasExactlyOneWinnerPerOldStatus", func(t *testing.T) { testConcurrentSetStatusRace(t, factory) })
}

func testAddIdempotentOnID(t *testing.T, factory Factory) {
	ctx := context.Background()
	d := factory(t)

	id, err := d.Add(ctx, []byte("req-1"), entry.AddOptions{ID: "fixed-id"})
	require.NoError(t, err)
	require.Equal(t, "fixed-id", id)

	id2, err := d.Add(ctx, []byte("req-2-ignored"), entry.AddOptions{ID: "fixed-id"})
	require.NoError(t, err)
	require.Equal(t, id, id2)

	got, err := d.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("req-1"), got.Request)
}

func testIdempotentKeyCollision(t *testing.T, factory Factory) {
	ctx := context.Background()
	d := factory(t)

	_, err := d.Add(ctx, []byte("a"), entry.AddOptions{
		ID:             "X",
		IdempotentKeys: keys("P"),
	})
	require.NoError(t, err)

	_, err = d.Add(ctx, []byte("b"), entry.AddOptions{
		ID:             "Y",
		IdempotentKeys: keys("P"),
	})
	require.True(t, entry.IsIdempotentExists(err))

	_, err = d.Add(ctx, []byte("c"), entry.AddOptions{
		ID:             "Z",
		IdempotentKeys: keys("P", "Q"),
	})
	require.True(t, entry.IsIdempotentExists(err))
	var idemErr *entry.IdempotentExistsError
	require.ErrorAs(t, err, &idemErr)
	require.ElementsMatch(t, []string{"P"}, idemErr.Keys)
}

func testSetStatusAssertsOldStatus(t *testing.T, factory Factory) {
	ctx := context.Background()
	d := factory(t)

	id, err := d.Add(ctx, []byte("req"), entry.AddOptions{})
	require.NoError(t, err)

	err = d.SetStatus(ctx, id, entry.StatusProcessing, entry.SetStatusOptions{
		OldStatus: entry.StatusPending, HasOldStatus: true,
	})
	require.NoError(t, err)

	err = d.SetStatus(ctx, id, entry.StatusProcessing, entry.SetStatusOptions{
		OldStatus: entry.StatusPending, HasOldStatus: true,
	})
	require.True(t, entry.IsIncorrectState(err))

	got, err := d.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, entry.StatusProcessing, got.Status)
}

func testFailuresMonotonic(t *testing.T, factory Factory) {
	ctx := context.Background()
	d := factory(t)

	id, err := d.Add(ctx, []byte("req"), entry.AddOptions{})
	require.NoError(t, err)

	require.NoError(t, d.SetStatus(ctx, id, entry.StatusProcessing, entry.SetStatusOptions{OldStatus: entry.StatusPending, HasOldStatus: true}))
	require.NoError(t, d.SetStatus(ctx, id, entry.StatusFailedTemporarily, entry.SetStatusOptions{OldStatus: entry.StatusProcessing, HasOldStatus: true}))

	got, err := d.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, got.Failures)

	require.NoError(t, d.SetStatus(ctx, id, entry.StatusPending, entry.SetStatusOptions{OldStatus: entry.StatusFailedTemporarily, HasOldStatus: true}))
	require.NoError(t, d.SetStatus(ctx, id, entry.StatusProcessing, entry.SetStatusOptions{OldStatus: entry.StatusPending, HasOldStatus: true}))
	require.NoError(t, d.SetStatus(ctx, id, entry.StatusFailedTemporarily, entry.SetStatusOptions{OldStatus: entry.StatusProcessing, HasOldStatus: true}))

	got, err = d.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, got.Failures)
}

func testDeepCopies(t *testing.T, factory Factory) {
	ctx := context.Background()
	d := factory(t)

	id, err := d.Add(ctx, []byte("req"), entry.AddOptions{})
	require.NoError(t, err)

	got, err := d.Get(ctx, id)
	require.NoError(t, err)
	got.Request[0] = 'X'
	got.Status = entry.StatusCompleted

	again, err := d.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("req"), again.Request)
	require.Equal(t, entry.StatusPending, again.Status)
}

func testPartitionIsolation(t *testing.T, factory Factory) {
	ctx := context.Background()
	d := factory(t)

	child := d.Partition("child")

	_, err := d.Add(ctx, []byte("root"), entry.AddOptions{ID: "shared-id"})
	require.NoError(t, err)
	_, err = child.Add(ctx, []byte("child"), entry.AddOptions{ID: "shared-id"})
	require.NoError(t, err)

	rootEntry, err := d.Get(ctx, "shared-id")
	require.NoError(t, err)
	childEntry, err := child.Get(ctx, "shared-id")
	require.NoError(t, err)
	require.Equal(t, []byte("root"), rootEntry.Request)
	require.Equal(t, []byte("child"), childEntry.Request)
}

func testLastErrorClearing(t *testing.T, factory Factory) {
	ctx := context.Background()
	d := factory(t)

	id, err := d.Add(ctx, []byte("req"), entry.AddOptions{})
	require.NoError(t, err)

	require.NoError(t, d.SetStatus(ctx, id, entry.StatusProcessing, entry.SetStatusOptions{OldStatus: entry.StatusPending, HasOldStatus: true}))
	require.NoError(t, d.SetStatus(ctx, id, entry.StatusFailedTemporarily, entry.SetStatusOptions{
		OldStatus: entry.StatusProcessing, HasOldStatus: true,
		Error: "boom", HasError: true,
	}))

	got, err := d.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "boom", got.LastError)

	require.NoError(t, d.SetStatus(ctx, id, entry.StatusPending, entry.SetStatusOptions{OldStatus: entry.StatusFailedTemporarily, HasOldStatus: true}))
	got, err = d.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "", got.LastError)

	require.NoError(t, d.SetStatus(ctx, id, entry.StatusProcessing, entry.SetStatusOptions{
		OldStatus: entry.StatusPending, HasOldStatus: true,
		Error: "boom again", HasError: true,
	}))
	got, err = d.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "boom again", got.LastError)

	require.NoError(t, d.SetStatus(ctx, id, entry.StatusCompleted, entry.SetStatusOptions{OldStatus: entry.StatusProcessing, HasOldStatus: true}))
	got, err = d.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "", got.LastError)
}

func testQueryFilter(t *testing.T, factory Factory) {
	ctx := context.Background()
	d := factory(t)

	id1, err := d.Add(ctx, []byte("a"), entry.AddOptions{})
	require.NoError(t, err)
	id2, err := d.Add(ctx, []byte("b"), entry.AddOptions{})
	require.NoError(t, err)

	require.NoError(t, d.SetStatus(ctx, id1, entry.StatusProcessing, entry.SetStatusOptions{OldStatus: entry.StatusPending, HasOldStatus: true}))

	pending, err := d.Query(ctx, entry.Filter{Status: entry.StatusPending, HasStatus: true})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, id2, pending[0].ID)

	future := time.Now().UTC().Add(time.Hour)
	old, err := d.Query(ctx, entry.Filter{UpdatedBefore: future, HasUpdatedBefore: true})
	require.NoError(t, err)
	require.Len(t, old, 2)
}

func testConcurrentAddSameID(t *testing.T, factory Factory) {
	ctx := context.Background()
	d := factory(t)

	const n = 8
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = d.Add(ctx, []byte{byte(i)}, entry.AddOptions{ID: "race-id"})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "Add racing on an id that already exists must never error")
		require.Equal(t, "race-id", ids[i])
	}

	got, err := d.Get(ctx, "race-id")
	require.NoError(t, err)
	require.Len(t, got.Request, 1, "exactly one racer's request must have been stored")
}

func testConcurrentSetStatusRace(t *testing.T, factory Factory) {
	ctx := context.Background()
	d := factory(t)

	id, err := d.Add(ctx, []byte("req"), entry.AddOptions{})
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.SetStatus(ctx, id, entry.StatusProcessing, entry.SetStatusOptions{
				OldStatus: entry.StatusPending, HasOldStatus: true,
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		require.True(t, entry.IsIncorrectState(err), "a losing racer must fail with IncorrectStateError, got %v", err)
	}
	require.Equal(t, 1, winners, "exactly one SetStatus asserting the same old status may win the race")

	got, err := d.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, entry.StatusProcessing, got.Status)
}

func keys(ks ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(ks))
	for _, k := range ks {
		m[k] = struct{}{}
	}
	return m
}

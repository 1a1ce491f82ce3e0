// Package driver defines the storage contract every queue backend must
// satisfy, plus the hierarchical partition path shared by all
// implementations.
package driver

import (
	"context"

	"durableq/internal/entry"
)

// Path is a hierarchical partition namespace. The root partition is the
// empty path.
type Path []string

// Child returns a new path with segment appended; it never mutates p.
func (p Path) Child(segment string) Path {
	child := make(Path, len(p), len(p)+1)
	copy(child, p)
	return append(child, segment)
}

// String renders the path for logging/keying purposes.
func (p Path) String() string {
	s := ""
	for i, seg := range p {
		if i > 0 {
			s += "/"
		}
		s += seg
	}
	return s
}

// Driver is the durable storage contract every backend implements. Every
// operation is partition-local and must be atomic with respect to the
// guarantees spelled out on each method.
type Driver interface {
	// Add inserts request with the given options, returning the
	// (possibly pre-existing) id. Atomic across the id check, the
	// idempotency check, and the insert.
	Add(ctx context.Context, request []byte, opts entry.AddOptions) (string, error)

	// SetStatus transitions id to newStatus, atomically asserting
	// opts.OldStatus when present.
	SetStatus(ctx context.Context, id string, newStatus entry.Status, opts entry.SetStatusOptions) error

	// Get returns a deep copy of the entry, or entry.ErrNotFound.
	Get(ctx context.Context, id string) (*entry.Entry, error)

	// Query returns deep copies of entries matching filter.
	Query(ctx context.Context, filter entry.Filter) ([]*entry.Entry, error)

	// Partition returns a driver scoped to this.Path()+[segment], sharing
	// the underlying storage substrate.
	Partition(segment string) Driver

	// Path returns this driver's own partition path.
	Path() Path

	// Destroy releases any held connections/handles. The memory and file
	// backends mark only this handle destroyed: its later operations fail
	// with entry.ErrDestroyed and repeated calls are no-ops. The sqlite,
	// postgres, redisq and etcdq backends close the client shared by every
	// partition handle of the same Open call, so later operations on any
	// of those handles fail with the client's own error, not ErrDestroyed.
	Destroy(ctx context.Context) error

	// Maintain performs optional driver-level housekeeping. Drivers with
	// nothing to do may implement it as a no-op.
	Maintain(ctx context.Context) error

	// Ping reports whether the underlying substrate is reachable.
	Ping(ctx context.Context) error
}

// Package memory implements the in-memory Driver backend: a mapping from
// partition path to an ordered list of entries, guarded by a single
// mutex so every operation runs with a cooperative, non-preemptive
// execution order. It is the substrate the file-snapshot driver
// decorates.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"durableq/internal/driver"
	"durableq/internal/entry"
)

type partitionData struct {
	entries    map[string]*entry.Entry
	order      []string
	idempotent map[string]string
}

func newPartitionData() *partitionData {
	return &partitionData{
		entries:    make(map[string]*entry.Entry),
		order:      make([]string, 0),
		idempotent: make(map[string]string),
	}
}

// sharedStore is the substrate multiple partition handles reference.
type sharedStore struct {
	mu         sync.Mutex
	partitions map[string]*partitionData
}

func newSharedStore() *sharedStore {
	return &sharedStore{partitions: make(map[string]*partitionData)}
}

// Driver is the in-memory realization of driver.Driver.
type Driver struct {
	store     *sharedStore
	path      driver.Path
	destroyed atomic.Bool
}

// New constructs a root in-memory driver.
func New() *Driver {
	return &Driver{store: newSharedStore(), path: driver.Path{}}
}

func (d *Driver) Path() driver.Path { return d.path }

func (d *Driver) Partition(segment string) driver.Driver {
	return d.PartitionTyped(segment)
}

// PartitionTyped is like Partition but returns the concrete type, for
// callers (e.g. the file driver) that need direct access to ExportAll/
// ImportAll without a type assertion.
func (d *Driver) PartitionTyped(segment string) *Driver {
	return &Driver{store: d.store, path: d.path.Child(segment)}
}

func (d *Driver) Destroy(_ context.Context) error {
	d.destroyed.Store(true)
	return nil
}

func (d *Driver) Maintain(_ context.Context) error {
	if d.destroyed.Load() {
		return entry.ErrDestroyed
	}
	return nil
}

func (d *Driver) Ping(_ context.Context) error {
	if d.destroyed.Load() {
		return entry.ErrDestroyed
	}
	return nil
}

func (d *Driver) partition() *partitionData {
	key := d.path.String()
	p, ok := d.store.partitions[key]
	if !ok {
		p = newPartitionData()
		d.store.partitions[key] = p
	}
	return p
}

func (d *Driver) Add(_ context.Context, request []byte, opts entry.AddOptions) (string, error) {
	if d.destroyed.Load() {
		return "", entry.ErrDestroyed
	}
	d.store.mu.Lock()
	defer d.store.mu.Unlock()

	p := d.partition()

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := p.entries[id]; exists {
		return id, nil
	}

	if len(opts.IdempotentKeys) > 0 {
		var collided []string
		for k := range opts.IdempotentKeys {
			if _, ok := p.idempotent[k]; ok {
				collided = append(collided, k)
			}
		}
		if len(collided) > 0 {
			return "", &entry.IdempotentExistsError{Keys: collided}
		}
	}

	status := opts.Status
	if status == "" {
		status = entry.StatusPending
	}
	now := time.Now().UTC()
	e := &entry.Entry{
		ID:             id,
		Request:        append([]byte(nil), request...),
		Status:         status,
		Created:        now,
		Updated:        now,
		IdempotentKeys: cloneKeys(opts.IdempotentKeys),
	}
	p.entries[id] = e
	p.order = append(p.order, id)
	for k := range opts.IdempotentKeys {
		p.idempotent[k] = id
	}
	return id, nil
}

func (d *Driver) SetStatus(_ context.Context, id string, newStatus entry.Status, opts entry.SetStatusOptions) error {
	if d.destroyed.Load() {
		return entry.ErrDestroyed
	}
	d.store.mu.Lock()
	defer d.store.mu.Unlock()

	p := d.partition()
	e, ok := p.entries[id]
	if !ok {
		return entry.ErrNotFound
	}
	if opts.HasOldStatus && e.Status != opts.OldStatus {
		return &entry.IncorrectStateError{ID: id, Expected: opts.OldStatus, Actual: e.Status}
	}

	e.Status = newStatus
	if opts.HasBy {
		e.Worker = opts.By
		e.HasWorker = true
	} else {
		e.Worker = 0
		e.HasWorker = false
	}
	e.Updated = time.Now().UTC()
	if newStatus == entry.StatusFailedTemporarily {
		e.Failures++
	}
	if newStatus == entry.StatusPending || newStatus == entry.StatusCompleted {
		e.LastError = ""
	}
	if opts.HasError {
		e.LastError = opts.Error
	}
	if opts.HasOutput {
		e.Output = append([]byte(nil), opts.Output...)
		e.HasOutput = true
	}
	return nil
}

func (d *Driver) Get(_ context.Context, id string) (*entry.Entry, error) {
	if d.destroyed.Load() {
		return nil, entry.ErrDestroyed
	}
	d.store.mu.Lock()
	defer d.store.mu.Unlock()

	p := d.partition()
	e, ok := p.entries[id]
	if !ok {
		return nil, entry.ErrNotFound
	}
	return e.Clone(), nil
}

func (d *Driver) Query(_ context.Context, filter entry.Filter) ([]*entry.Entry, error) {
	if d.destroyed.Load() {
		return nil, entry.ErrDestroyed
	}
	d.store.mu.Lock()
	defer d.store.mu.Unlock()

	p := d.partition()
	var results []*entry.Entry
	for _, id := range p.order {
		e, ok := p.entries[id]
		if !ok {
			continue
		}
		if filter.HasStatus && e.Status != filter.Status {
			continue
		}
		if filter.HasUpdatedBefore && !e.Updated.Before(filter.UpdatedBefore) {
			continue
		}
		results = append(results, e.Clone())
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

// Snapshot is the full, cross-partition state of a shared store, used by
// the file-snapshot driver to persist and rehydrate state.
type Snapshot struct {
	Partitions map[string][]*entry.Entry
}

// ExportAll returns a deep-copied snapshot of every partition in d's
// shared store, regardless of d's own partition path.
func (d *Driver) ExportAll() Snapshot {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()

	out := Snapshot{Partitions: make(map[string][]*entry.Entry, len(d.store.partitions))}
	for path, p := range d.store.partitions {
		list := make([]*entry.Entry, 0, len(p.order))
		for _, id := range p.order {
			if e, ok := p.entries[id]; ok {
				list = append(list, e.Clone())
			}
		}
		out.Partitions[path] = list
	}
	return out
}

// ImportAll replaces d's shared store contents with snapshot, rebuilding
// the order and idempotency indexes from the entries themselves.
func (d *Driver) ImportAll(snapshot Snapshot) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()

	d.store.partitions = make(map[string]*partitionData, len(snapshot.Partitions))
	for path, entries := range snapshot.Partitions {
		p := newPartitionData()
		for _, e := range entries {
			clone := e.Clone()
			p.entries[clone.ID] = clone
			p.order = append(p.order, clone.ID)
			for k := range clone.IdempotentKeys {
				p.idempotent[k] = clone.ID
			}
		}
		d.store.partitions[path] = p
	}
}

func cloneKeys(src map[string]struct{}) map[string]struct{} {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]struct{}, len(src))
	for k := range src {
		dst[k] = struct{}{}
	}
	return dst
}

var _ driver.Driver = (*Driver)(nil)

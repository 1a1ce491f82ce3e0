// Package etcdq implements the document-store Driver backend on
// go.etcd.io/etcd/client/v3. Each entry is one JSON document; Add and
// SetStatus use clientv3's Txn().If().Then().Else() to make multi-document
// writes (an entry plus its idempotency-key pointers) atomic, the pattern
// estuary-flow's own go/flow/journals.go wraps a KeySpace around, adapted
// here to the client/v3 API durableq's go.mod actually pins.
package etcdq

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	"durableq/internal/driver"
	"durableq/internal/entry"
)

const maxContendedRetries = 5

// Driver is the etcd realization of driver.Driver.
type Driver struct {
	client *clientv3.Client
	path   driver.Path
}

// Open dials the given etcd endpoints.
func Open(endpoints []string, dialTimeout time.Duration) (*Driver, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcdq: connect: %w", err)
	}
	return &Driver{client: client}, nil
}

func (d *Driver) Path() driver.Path { return d.path }

func (d *Driver) Partition(segment string) driver.Driver {
	return &Driver{client: d.client, path: d.path.Child(segment)}
}

func (d *Driver) Destroy(_ context.Context) error {
	return d.client.Close()
}

func (d *Driver) Maintain(_ context.Context) error { return nil }

func (d *Driver) Ping(ctx context.Context) error {
	_, err := d.client.Get(ctx, "durableq-ping", clientv3.WithCountOnly())
	return err
}

func (d *Driver) base() string            { return "durableq/" + d.path.String() }
func (d *Driver) entryKey(id string) string { return d.base() + "/entry/" + id }
func (d *Driver) entryPrefix() string       { return d.base() + "/entry/" }
func (d *Driver) idemKey(k string) string   { return d.base() + "/idem/" + k }

func (d *Driver) Add(ctx context.Context, request []byte, opts entry.AddOptions) (string, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	entryKey := d.entryKey(id)

	existing, err := d.client.Get(ctx, entryKey)
	if err != nil {
		return "", err
	}
	if len(existing.Kvs) > 0 {
		return id, nil
	}

	idemNames := make([]string, 0, len(opts.IdempotentKeys))
	for k := range opts.IdempotentKeys {
		idemNames = append(idemNames, k)
	}
	sort.Strings(idemNames)

	var collided []string
	for _, k := range idemNames {
		resp, err := d.client.Get(ctx, d.idemKey(k))
		if err != nil {
			return "", err
		}
		if len(resp.Kvs) > 0 {
			collided = append(collided, k)
		}
	}
	if len(collided) > 0 {
		return "", &entry.IdempotentExistsError{Keys: collided}
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
		IdempotentKeys: opts.IdempotentKeys,
	}
	data, err := e.MarshalJSON()
	if err != nil {
		return "", err
	}

	cmps := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(entryKey), "=", 0)}
	ops := []clientv3.Op{clientv3.OpPut(entryKey, string(data))}
	for _, k := range idemNames {
		idemKey := d.idemKey(k)
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(idemKey), "=", 0))
		ops = append(ops, clientv3.OpPut(idemKey, id))
	}

	resp, err := d.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return "", err
	}
	if !resp.Succeeded {
		// Someone raced us between the pre-checks and the commit; re-check
		// to report the right outcome instead of silently dropping the add.
		again, err := d.client.Get(ctx, entryKey)
		if err != nil {
			return "", err
		}
		if len(again.Kvs) > 0 {
			return id, nil
		}
		return "", entry.ErrSubstrate
	}
	return id, nil
}

func (d *Driver) SetStatus(ctx context.Context, id string, newStatus entry.Status, opts entry.SetStatusOptions) error {
	entryKey := d.entryKey(id)

	for attempt := 0; attempt < maxContendedRetries; attempt++ {
		resp, err := d.client.Get(ctx, entryKey)
		if err != nil {
			return err
		}
		if len(resp.Kvs) == 0 {
			return entry.ErrNotFound
		}
		kv := resp.Kvs[0]

		var e entry.Entry
		if err := e.UnmarshalJSON(kv.Value); err != nil {
			return err
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

		data, err := e.MarshalJSON()
		if err != nil {
			return err
		}

		txnResp, err := d.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(entryKey), "=", kv.ModRevision)).
			Then(clientv3.OpPut(entryKey, string(data))).
			Commit()
		if err != nil {
			return err
		}
		if txnResp.Succeeded {
			return nil
		}
		// Lost the race against a concurrent writer; retry from a fresh read.
	}
	return entry.ErrSubstrate
}

func (d *Driver) Get(ctx context.Context, id string) (*entry.Entry, error) {
	resp, err := d.client.Get(ctx, d.entryKey(id))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, entry.ErrNotFound
	}
	var e entry.Entry
	if err := e.UnmarshalJSON(resp.Kvs[0].Value); err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

func (d *Driver) Query(ctx context.Context, filter entry.Filter) ([]*entry.Entry, error) {
	resp, err := d.client.Get(ctx, d.entryPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	var all []*entry.Entry
	for _, kv := range resp.Kvs {
		var e entry.Entry
		if err := e.UnmarshalJSON(kv.Value); err != nil {
			return nil, err
		}
		all = append(all, &e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Created.Before(all[j].Created) })

	var out []*entry.Entry
	for _, e := range all {
		if filter.HasStatus && e.Status != filter.Status {
			continue
		}
		if filter.HasUpdatedBefore && !e.Updated.Before(filter.UpdatedBefore) {
			continue
		}
		out = append(out, e.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

var _ driver.Driver = (*Driver)(nil)

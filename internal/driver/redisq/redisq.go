// Package redisq implements the KV-with-scripted-transactions Driver
// backend on go-redis/v9, grounded on the client construction shape of
// yungbote-neurobridge-backend's internal/realtime/bus/redis_bus.go
// (goredis.NewClient + a bounded-timeout Ping before returning). Add and
// SetStatus are each a single Lua script run via EVAL, Redis's mechanism
// for server-side atomic transactions across multiple keys.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"durableq/internal/driver"
	"durableq/internal/entry"
)

const keyPrefix = "durableq"

var addScript = goredis.NewScript(`
local entryKey = KEYS[1]
local updatedZsetKey = KEYS[2]
local createdZsetKey = KEYS[3]
local statusSetKey = KEYS[4]

local id = ARGV[1]
local request = ARGV[2]
local status = ARGV[3]
local created = ARGV[4]
local updated = ARGV[5]
local idemCount = tonumber(ARGV[6])

if redis.call('EXISTS', entryKey) == 1 then
  return {1, id}
end

local collided = {}
for i = 1, idemCount do
  local idemKey = KEYS[4 + i]
  if redis.call('EXISTS', idemKey) == 1 then
    table.insert(collided, ARGV[6 + i])
  end
end
if #collided > 0 then
  return {2, collided}
end

redis.call('HSET', entryKey,
  'id', id, 'request', request, 'status', status,
  'created', created, 'updated', updated,
  'failures', '0', 'hasOutput', '0', 'hasWorker', '0', 'lastError', '')
redis.call('SADD', statusSetKey, id)
redis.call('ZADD', updatedZsetKey, updated, id)
redis.call('ZADD', createdZsetKey, created, id)
for i = 1, idemCount do
  local idemKey = KEYS[4 + i]
  redis.call('SET', idemKey, id)
  redis.call('HSET', entryKey, 'idem:' .. ARGV[6 + i], '1')
end
return {0, id}
`)

var setStatusScript = goredis.NewScript(`
local entryKey = KEYS[1]
local updatedZsetKey = KEYS[2]

local prefix = ARGV[1]
local newStatus = ARGV[2]
local updated = ARGV[3]
local hasOldStatus = ARGV[4]
local oldStatus = ARGV[5]
local hasBy = ARGV[6]
local byWorker = ARGV[7]
local hasError = ARGV[8]
local errMsg = ARGV[9]
local hasOutput = ARGV[10]
local output = ARGV[11]
local isFailedTemp = ARGV[12]
local clearsError = ARGV[13]
local id = ARGV[14]

if redis.call('EXISTS', entryKey) == 0 then
  return {1}
end

local currentStatus = redis.call('HGET', entryKey, 'status')
if hasOldStatus == '1' and currentStatus ~= oldStatus then
  return {2, currentStatus}
end

redis.call('SREM', prefix .. currentStatus, id)
redis.call('SADD', prefix .. newStatus, id)
redis.call('HSET', entryKey, 'status', newStatus, 'updated', updated)
redis.call('ZADD', updatedZsetKey, updated, id)

if isFailedTemp == '1' then
  redis.call('HINCRBY', entryKey, 'failures', 1)
end
if clearsError == '1' then
  redis.call('HSET', entryKey, 'lastError', '')
end
if hasError == '1' then
  redis.call('HSET', entryKey, 'lastError', errMsg)
end
if hasOutput == '1' then
  redis.call('HSET', entryKey, 'output', output, 'hasOutput', '1')
end
if hasBy == '1' then
  redis.call('HSET', entryKey, 'worker', byWorker, 'hasWorker', '1')
else
  redis.call('HSET', entryKey, 'worker', '', 'hasWorker', '0')
end

return {0}
`)

// Driver is the Redis realization of driver.Driver.
type Driver struct {
	client *goredis.Client
	path   driver.Path
}

// Open dials addr and verifies reachability before returning.
func Open(addr string) (*Driver, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisq: ping: %w", err)
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
	return d.client.Ping(ctx).Err()
}

func (d *Driver) base() string {
	return keyPrefix + ":" + d.path.String()
}

func (d *Driver) entryKey(id string) string       { return d.base() + ":entry:" + id }
func (d *Driver) updatedZsetKey() string          { return d.base() + ":updated" }
func (d *Driver) createdZsetKey() string          { return d.base() + ":created" }
func (d *Driver) statusSetKey(s entry.Status) string { return d.base() + ":status:" + string(s) }
func (d *Driver) statusPrefix() string            { return d.base() + ":status:" }
func (d *Driver) idemKey(k string) string         { return d.base() + ":idem:" + k }

func (d *Driver) Add(ctx context.Context, request []byte, opts entry.AddOptions) (string, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := opts.Status
	if status == "" {
		status = entry.StatusPending
	}
	now := time.Now().UTC().UnixNano()

	idemNames := make([]string, 0, len(opts.IdempotentKeys))
	for k := range opts.IdempotentKeys {
		idemNames = append(idemNames, k)
	}
	sort.Strings(idemNames)

	keys := []string{d.entryKey(id), d.updatedZsetKey(), d.createdZsetKey(), d.statusSetKey(status)}
	for _, k := range idemNames {
		keys = append(keys, d.idemKey(k))
	}

	argv := []any{id, request, string(status), strconv.FormatInt(now, 10), strconv.FormatInt(now, 10), len(idemNames)}
	for _, k := range idemNames {
		argv = append(argv, k)
	}

	res, err := addScript.Run(ctx, d.client, keys, argv...).Slice()
	if err != nil {
		return "", fmt.Errorf("redisq: add: %w", err)
	}
	code, _ := res[0].(int64)
	switch code {
	case 0, 1:
		return id, nil
	case 2:
		collided, err := toStringSlice(res[1])
		if err != nil {
			return "", err
		}
		return "", &entry.IdempotentExistsError{Keys: collided}
	default:
		return "", fmt.Errorf("redisq: unexpected add script result %v", res)
	}
}

func (d *Driver) SetStatus(ctx context.Context, id string, newStatus entry.Status, opts entry.SetStatusOptions) error {
	now := time.Now().UTC().UnixNano()
	argv := []any{
		d.statusPrefix(),
		string(newStatus),
		strconv.FormatInt(now, 10),
		boolFlag(opts.HasOldStatus),
		string(opts.OldStatus),
		boolFlag(opts.HasBy),
		strconv.Itoa(opts.By),
		boolFlag(opts.HasError),
		opts.Error,
		boolFlag(opts.HasOutput),
		string(opts.Output),
		boolFlag(newStatus == entry.StatusFailedTemporarily),
		boolFlag(newStatus == entry.StatusPending || newStatus == entry.StatusCompleted),
		id,
	}
	res, err := setStatusScript.Run(ctx, d.client, []string{d.entryKey(id), d.updatedZsetKey()}, argv...).Slice()
	if err != nil {
		return fmt.Errorf("redisq: set status: %w", err)
	}
	code, _ := res[0].(int64)
	switch code {
	case 0:
		return nil
	case 1:
		return entry.ErrNotFound
	case 2:
		actual, _ := res[1].(string)
		return &entry.IncorrectStateError{ID: id, Expected: opts.OldStatus, Actual: entry.Status(actual)}
	default:
		return fmt.Errorf("redisq: unexpected set-status script result %v", res)
	}
}

func (d *Driver) Get(ctx context.Context, id string) (*entry.Entry, error) {
	fields, err := d.client.HGetAll(ctx, d.entryKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, entry.ErrNotFound
	}
	return hashToEntry(fields)
}

func (d *Driver) Query(ctx context.Context, filter entry.Filter) ([]*entry.Entry, error) {
	var ids []string
	var err error
	if filter.HasStatus {
		ids, err = d.client.SMembers(ctx, d.statusSetKey(filter.Status)).Result()
	} else {
		ids, err = d.client.ZRange(ctx, d.createdZsetKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	var out []*entry.Entry
	for _, id := range ids {
		e, err := d.Get(ctx, id)
		if errors.Is(err, entry.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.HasUpdatedBefore && !e.Updated.Before(filter.UpdatedBefore) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func hashToEntry(fields map[string]string) (*entry.Entry, error) {
	e := &entry.Entry{
		ID:        fields["id"],
		Request:   []byte(fields["request"]),
		Output:    []byte(fields["output"]),
		HasOutput: fields["hasOutput"] == "1",
		LastError: fields["lastError"],
		Status:    entry.Status(fields["status"]),
		HasWorker: fields["hasWorker"] == "1",
	}
	if created, err := strconv.ParseInt(fields["created"], 10, 64); err == nil {
		e.Created = time.Unix(0, created).UTC()
	}
	if updated, err := strconv.ParseInt(fields["updated"], 10, 64); err == nil {
		e.Updated = time.Unix(0, updated).UTC()
	}
	if failures, err := strconv.Atoi(fields["failures"]); err == nil {
		e.Failures = failures
	}
	if e.HasWorker {
		if w, err := strconv.Atoi(fields["worker"]); err == nil {
			e.Worker = w
		}
	}
	for k, v := range fields {
		const prefix = "idem:"
		if len(k) > len(prefix) && k[:len(prefix)] == prefix && v == "1" {
			if e.IdempotentKeys == nil {
				e.IdempotentKeys = make(map[string]struct{})
			}
			e.IdempotentKeys[k[len(prefix):]] = struct{}{}
		}
	}
	return e, nil
}

func toStringSlice(v any) ([]string, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("redisq: expected array, got %T", v)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("redisq: expected string element, got %T", item)
		}
		out = append(out, s)
	}
	return out, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

var _ driver.Driver = (*Driver)(nil)

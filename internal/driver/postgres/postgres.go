// Package postgres implements the client/server SQL Driver backend on
// pgx/v5, grounded on the dist-job-scheduler repository's
// infrastructure/postgres/schedule_repo.go: pgxpool.Pool, a
// SELECT-inside-a-transaction-then-mutate pattern, and pgconn.PgError.Code
// classification of unique-violation and serialization failures. Add and
// SetStatus retry the whole transaction with jittered backoff on
// serialization failure, deadlock, and lock-timeout codes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"durableq/internal/driver"
	"durableq/internal/entry"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"

	maxSubstrateWait = 30 * time.Second
)

// Driver is the Postgres realization of driver.Driver.
type Driver struct {
	pool *pgxpool.Pool
	path driver.Path
}

// Open connects to dsn and migrates the schema.
func Open(ctx context.Context, dsn string) (*Driver, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	d := &Driver{pool: pool}
	if err := d.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return d, nil
}

func (d *Driver) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue_entries (
			id TEXT NOT NULL,
			path TEXT NOT NULL,
			request BYTEA,
			output BYTEA,
			has_output BOOLEAN NOT NULL DEFAULT FALSE,
			last_error TEXT,
			status TEXT NOT NULL,
			created TIMESTAMPTZ NOT NULL,
			updated TIMESTAMPTZ NOT NULL,
			worker INTEGER,
			has_worker BOOLEAN NOT NULL DEFAULT FALSE,
			failures INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (id, path)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_entries_status ON queue_entries(path, status);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_entries_updated ON queue_entries(path, updated);`,
		`CREATE TABLE IF NOT EXISTS queue_idempotent_keys (
			entry_id TEXT NOT NULL,
			idempotent_id TEXT NOT NULL,
			path TEXT NOT NULL,
			FOREIGN KEY (entry_id, path) REFERENCES queue_entries(id, path)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_idempotent_unique ON queue_idempotent_keys(idempotent_id, path);`,
	}
	for _, stmt := range stmts {
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

func (d *Driver) Path() driver.Path { return d.path }

func (d *Driver) Partition(segment string) driver.Driver {
	return &Driver{pool: d.pool, path: d.path.Child(segment)}
}

func (d *Driver) Destroy(_ context.Context) error {
	d.pool.Close()
	return nil
}

func (d *Driver) Maintain(_ context.Context) error { return nil }

func (d *Driver) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// classify maps a pgconn error to the driver-level sentinel it should
// surface as, or returns false if err is not a recognized PgError.
func classify(err error) (mapped error, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil, false
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return nil, true // caller decides which keys collided
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return entry.ErrSubstrate, true
	default:
		return nil, false
	}
}

// isRetryable reports whether err is a serialization failure, deadlock,
// or lock-timeout that a retry of the whole transaction can resolve.
func isRetryable(err error) bool {
	mapped, ok := classify(err)
	return ok && mapped == entry.ErrSubstrate
}

// withRetry retries fn while it fails with a serialization failure,
// deadlock, or lock-timeout, using jittered exponential backoff capped
// at maxSubstrateWait per attempt. After maxAttempts such failures it
// returns the last one wrapped in entry.ErrSubstrate.
func withRetry(ctx context.Context, fn func() error) error {
	const maxAttempts = 10
	backoff := 10 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !isRetryable(err) {
			return err
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("%w: %v", entry.ErrSubstrate, err)
		}
		wait := backoff + time.Duration(rand.Int63n(int64(backoff)+1))
		if wait > maxSubstrateWait {
			wait = maxSubstrateWait
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > maxSubstrateWait {
			backoff = maxSubstrateWait
		}
	}
}

func (d *Driver) Add(ctx context.Context, request []byte, opts entry.AddOptions) (string, error) {
	var id string
	err := withRetry(ctx, func() error {
		tx, err := d.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin: %w", err)
		}
		defer tx.Rollback(ctx)

		candidate := opts.ID
		if candidate == "" {
			candidate = uuid.NewString()
		}

		var exists int
		err = tx.QueryRow(ctx, `SELECT 1 FROM queue_entries WHERE id=$1 AND path=$2`, candidate, d.path.String()).Scan(&exists)
		if err == nil {
			id = candidate
			return nil
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		if len(opts.IdempotentKeys) > 0 {
			var collided []string
			for k := range opts.IdempotentKeys {
				var dummy string
				err := tx.QueryRow(ctx, `SELECT entry_id FROM queue_idempotent_keys WHERE idempotent_id=$1 AND path=$2`, k, d.path.String()).Scan(&dummy)
				if err == nil {
					collided = append(collided, k)
				} else if !errors.Is(err, pgx.ErrNoRows) {
					return err
				}
			}
			if len(collided) > 0 {
				return &entry.IdempotentExistsError{Keys: collided}
			}
		}

		status := opts.Status
		if status == "" {
			status = entry.StatusPending
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `INSERT INTO queue_entries(id, path, request, status, created, updated, failures) VALUES($1,$2,$3,$4,$5,$6,0)`,
			candidate, d.path.String(), request, string(status), now, now); err != nil {
			if mapped, ok := classify(err); ok && mapped == nil {
				// Lost a race against a concurrent Add for the same id.
				// This transaction is now aborted, so look up the winner's
				// committed row outside it.
				var dummy int
				selErr := d.pool.QueryRow(ctx, `SELECT 1 FROM queue_entries WHERE id=$1 AND path=$2`, candidate, d.path.String()).Scan(&dummy)
				if selErr == nil {
					id = candidate
					return nil
				}
			}
			return err
		}
		for k := range opts.IdempotentKeys {
			if _, err := tx.Exec(ctx, `INSERT INTO queue_idempotent_keys(entry_id, idempotent_id, path) VALUES($1,$2,$3)`,
				candidate, k, d.path.String()); err != nil {
				if mapped, ok := classify(err); ok && mapped == nil {
					return &entry.IdempotentExistsError{Keys: []string{k}}
				}
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		id = candidate
		return nil
	})
	return id, err
}

func (d *Driver) SetStatus(ctx context.Context, id string, newStatus entry.Status, opts entry.SetStatusOptions) error {
	return withRetry(ctx, func() error {
		tx, err := d.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin: %w", err)
		}
		defer tx.Rollback(ctx)

		var currentStatus string
		var failures int
		err = tx.QueryRow(ctx, `SELECT status, failures FROM queue_entries WHERE id=$1 AND path=$2`, id, d.path.String()).Scan(&currentStatus, &failures)
		if errors.Is(err, pgx.ErrNoRows) {
			return entry.ErrNotFound
		} else if err != nil {
			return err
		}
		if opts.HasOldStatus && entry.Status(currentStatus) != opts.OldStatus {
			return &entry.IncorrectStateError{ID: id, Expected: opts.OldStatus, Actual: entry.Status(currentStatus)}
		}

		set := []string{"status=$1", "updated=$2"}
		args := []any{string(newStatus), time.Now().UTC()}
		next := 3

		if newStatus == entry.StatusFailedTemporarily {
			failures++
			set = append(set, fmt.Sprintf("failures=$%d", next))
			args = append(args, failures)
			next++
		}
		if newStatus == entry.StatusPending || newStatus == entry.StatusCompleted {
			set = append(set, "last_error=NULL")
		}
		if opts.HasError {
			set = append(set, fmt.Sprintf("last_error=$%d", next))
			args = append(args, opts.Error)
			next++
		}
		if opts.HasOutput {
			set = append(set, fmt.Sprintf("output=$%d", next), "has_output=TRUE")
			args = append(args, opts.Output)
			next++
		}
		if opts.HasBy {
			set = append(set, fmt.Sprintf("worker=$%d", next), "has_worker=TRUE")
			args = append(args, opts.By)
			next++
		} else {
			set = append(set, "worker=NULL", "has_worker=FALSE")
		}

		args = append(args, id, d.path.String())
		q := fmt.Sprintf(`UPDATE queue_entries SET %s WHERE id=$%d AND path=$%d`, strings.Join(set, ", "), next, next+1)
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

func (d *Driver) Get(ctx context.Context, id string) (*entry.Entry, error) {
	row := d.pool.QueryRow(ctx, `SELECT id, request, output, has_output, last_error, status, created, updated, worker, has_worker, failures
		FROM queue_entries WHERE id=$1 AND path=$2`, id, d.path.String())
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entry.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	keys, err := d.loadKeys(ctx, id)
	if err != nil {
		return nil, err
	}
	e.IdempotentKeys = keys
	return e, nil
}

func (d *Driver) Query(ctx context.Context, filter entry.Filter) ([]*entry.Entry, error) {
	q := `SELECT id, request, output, has_output, last_error, status, created, updated, worker, has_worker, failures
		FROM queue_entries WHERE path=$1`
	args := []any{d.path.String()}
	next := 2
	if filter.HasStatus {
		q += fmt.Sprintf(` AND status=$%d`, next)
		args = append(args, string(filter.Status))
		next++
	}
	if filter.HasUpdatedBefore {
		q += fmt.Sprintf(` AND updated<$%d`, next)
		args = append(args, filter.UpdatedBefore)
		next++
	}
	q += ` ORDER BY created ASC`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := d.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*entry.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		keys, err := d.loadKeys(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		e.IdempotentKeys = keys
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*entry.Entry, error) {
	var e entry.Entry
	var output []byte
	var hasOutput bool
	var lastError *string
	var status string
	var worker *int
	var hasWorker bool
	if err := row.Scan(&e.ID, &e.Request, &output, &hasOutput, &lastError, &status, &e.Created, &e.Updated, &worker, &hasWorker, &e.Failures); err != nil {
		return nil, err
	}
	e.Status = entry.Status(status)
	e.Output = output
	e.HasOutput = hasOutput
	if lastError != nil {
		e.LastError = *lastError
	}
	if hasWorker && worker != nil {
		e.HasWorker = true
		e.Worker = *worker
	}
	return &e, nil
}

func (d *Driver) loadKeys(ctx context.Context, id string) (map[string]struct{}, error) {
	rows, err := d.pool.Query(ctx, `SELECT idempotent_id FROM queue_idempotent_keys WHERE entry_id=$1 AND path=$2`, id, d.path.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys map[string]struct{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		if keys == nil {
			keys = make(map[string]struct{})
		}
		keys[k] = struct{}{}
	}
	return keys, rows.Err()
}

var _ driver.Driver = (*Driver)(nil)

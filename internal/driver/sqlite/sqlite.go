// Package sqlite implements the embedded-SQL Driver backend on top of
// modernc.org/sqlite and database/sql, with a CREATE TABLE IF NOT EXISTS
// migration. Add is idempotent on id by checking for an existing row
// inside the same transaction before inserting.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"durableq/internal/driver"
	"durableq/internal/entry"
)

const maxBusyWait = 30 * time.Second

// Driver is the SQLite realization of driver.Driver.
type Driver struct {
	db   *sql.DB
	path driver.Path
}

// Open opens (creating if necessary) a SQLite database at dsn and migrates
// its schema.
func Open(dsn string) (*Driver, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers
	d := &Driver{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Driver) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue_entries (
			id TEXT NOT NULL,
			path TEXT NOT NULL,
			request BLOB,
			output BLOB,
			has_output INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			status TEXT NOT NULL,
			created TIMESTAMP NOT NULL,
			updated TIMESTAMP NOT NULL,
			worker INTEGER,
			has_worker INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			seq INTEGER,
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
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (d *Driver) Path() driver.Path { return d.path }

func (d *Driver) Partition(segment string) driver.Driver {
	return &Driver{db: d.db, path: d.path.Child(segment)}
}

func (d *Driver) Destroy(_ context.Context) error {
	return d.db.Close()
}

func (d *Driver) Maintain(_ context.Context) error { return nil }

func (d *Driver) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// withRetry retries fn while it fails with SQLITE_BUSY/SQLITE_LOCKED, using
// jittered exponential backoff capped at maxBusyWait per attempt. After
// maxAttempts busy/locked failures it returns the last one wrapped in
// entry.ErrSubstrate.
func withRetry(ctx context.Context, fn func() error) error {
	const maxAttempts = 10
	backoff := 10 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !isBusyOrLocked(err) {
			return err
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("%w: %v", entry.ErrSubstrate, err)
		}
		wait := backoff + time.Duration(rand.Int63n(int64(backoff)+1))
		if wait > maxBusyWait {
			wait = maxBusyWait
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > maxBusyWait {
			backoff = maxBusyWait
		}
	}
}

func isBusyOrLocked(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_locked")
}

func (d *Driver) Add(ctx context.Context, request []byte, opts entry.AddOptions) (string, error) {
	var id string
	err := withRetry(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		candidate := opts.ID
		if candidate == "" {
			candidate = uuid.NewString()
		}

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM queue_entries WHERE id=? AND path=?`, candidate, d.path.String()).Scan(&exists); err == nil {
			id = candidate
			return nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if len(opts.IdempotentKeys) > 0 {
			var collided []string
			for k := range opts.IdempotentKeys {
				var dummy string
				err := tx.QueryRowContext(ctx, `SELECT entry_id FROM queue_idempotent_keys WHERE idempotent_id=? AND path=?`, k, d.path.String()).Scan(&dummy)
				if err == nil {
					collided = append(collided, k)
				} else if !errors.Is(err, sql.ErrNoRows) {
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
		if _, err := tx.ExecContext(ctx, `INSERT INTO queue_entries(id, path, request, status, created, updated, failures) VALUES(?,?,?,?,?,?,0)`,
			candidate, d.path.String(), request, string(status), now, now); err != nil {
			return err
		}
		for k := range opts.IdempotentKeys {
			if _, err := tx.ExecContext(ctx, `INSERT INTO queue_idempotent_keys(entry_id, idempotent_id, path) VALUES(?,?,?)`,
				candidate, k, d.path.String()); err != nil {
				return err
			}
		}
		id = candidate
		return tx.Commit()
	})
	return id, err
}

func (d *Driver) SetStatus(ctx context.Context, id string, newStatus entry.Status, opts entry.SetStatusOptions) error {
	return withRetry(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var currentStatus string
		var failures int
		err = tx.QueryRowContext(ctx, `SELECT status, failures FROM queue_entries WHERE id=? AND path=?`, id, d.path.String()).Scan(&currentStatus, &failures)
		if errors.Is(err, sql.ErrNoRows) {
			return entry.ErrNotFound
		} else if err != nil {
			return err
		}
		if opts.HasOldStatus && entry.Status(currentStatus) != opts.OldStatus {
			return &entry.IncorrectStateError{ID: id, Expected: opts.OldStatus, Actual: entry.Status(currentStatus)}
		}

		set := []string{"status=?", "updated=?"}
		args := []any{string(newStatus), time.Now().UTC()}

		if newStatus == entry.StatusFailedTemporarily {
			failures++
			set = append(set, "failures=?")
			args = append(args, failures)
		}
		if newStatus == entry.StatusPending || newStatus == entry.StatusCompleted {
			set = append(set, "last_error=NULL")
		}
		if opts.HasError {
			set = append(set, "last_error=?")
			args = append(args, opts.Error)
		}
		if opts.HasOutput {
			set = append(set, "output=?", "has_output=1")
			args = append(args, opts.Output)
		}
		if opts.HasBy {
			set = append(set, "worker=?", "has_worker=1")
			args = append(args, opts.By)
		} else {
			set = append(set, "worker=NULL", "has_worker=0")
		}

		args = append(args, id, d.path.String())
		q := fmt.Sprintf(`UPDATE queue_entries SET %s WHERE id=? AND path=?`, strings.Join(set, ", "))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (d *Driver) Get(ctx context.Context, id string) (*entry.Entry, error) {
	row := d.db.QueryRowContext(ctx, `SELECT id, request, output, has_output, last_error, status, created, updated, worker, has_worker, failures
		FROM queue_entries WHERE id=? AND path=?`, id, d.path.String())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
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
		FROM queue_entries WHERE path=?`
	args := []any{d.path.String()}
	if filter.HasStatus {
		q += ` AND status=?`
		args = append(args, string(filter.Status))
	}
	if filter.HasUpdatedBefore {
		q += ` AND updated<?`
		args = append(args, filter.UpdatedBefore)
	}
	q += ` ORDER BY created ASC`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := d.db.QueryContext(ctx, q, args...)
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
	var hasOutput int
	var lastError sql.NullString
	var status string
	var worker sql.NullInt64
	var hasWorker int
	if err := row.Scan(&e.ID, &e.Request, &output, &hasOutput, &lastError, &status, &e.Created, &e.Updated, &worker, &hasWorker, &e.Failures); err != nil {
		return nil, err
	}
	e.Status = entry.Status(status)
	e.Output = output
	e.HasOutput = hasOutput != 0
	e.LastError = lastError.String
	if hasWorker != 0 {
		e.HasWorker = true
		e.Worker = int(worker.Int64)
	}
	return &e, nil
}

func (d *Driver) loadKeys(ctx context.Context, id string) (map[string]struct{}, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT idempotent_id FROM queue_idempotent_keys WHERE entry_id=? AND path=?`, id, d.path.String())
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

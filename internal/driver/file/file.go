// Package file implements the file-snapshot Driver backend: an in-memory
// driver whose entire cross-partition state is serialized to a single JSON
// file after every mutation, and rehydrated from that file on construction.
// It decorates internal/driver/memory with an fsnotify watch on its own
// output file, logging a warning on unexpected external writes.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"durableq/internal/driver"
	"durableq/internal/driver/memory"
	"durableq/internal/entry"
	"durableq/internal/logging"
)

// fileFormat is the on-disk shape: a single JSON file with top-level key
// "queue", mapping partition path to its ordered entries.
type fileFormat struct {
	Queue map[string][]*entry.Entry `json:"queue"`
}

// session is the state shared by every partition handle rooted at the same
// file, mirroring how memory.sharedStore is shared across memory.Driver
// handles.
type session struct {
	root   *memory.Driver
	path   string
	logger logging.Logger

	writeMu sync.Mutex // serializes writes so they land in submission order

	watchMu  sync.Mutex
	selfSize int64

	watcher *fsnotify.Watcher
	closeCh chan struct{}
}

// Driver is the file-snapshot realization of driver.Driver.
type Driver struct {
	sess *session
	mem  *memory.Driver
}

// New opens (or creates) path as a persistent queue store, rehydrating any
// existing state before returning.
func New(path string, logger logging.Logger) (*Driver, error) {
	if logger == nil {
		logger = logging.Nop
	}
	sess := &session{
		root:   memory.New(),
		path:   path,
		logger: logger,
	}
	if err := sess.load(); err != nil {
		return nil, fmt.Errorf("file driver: load %s: %w", path, err)
	}
	sess.startWatch()
	return &Driver{sess: sess, mem: sess.root}, nil
}

func (s *session) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return err
	}
	s.root.ImportAll(memory.Snapshot{Partitions: ff.Queue})
	return nil
}

// persist writes the full shared-store state to s.path via a temp file and
// atomic rename, recording the written size so the watcher can tell its own
// writes apart from external ones.
func (s *session) persist() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap := s.root.ExportAll()
	data, err := json.MarshalIndent(fileFormat{Queue: snap.Partitions}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".durableq-snapshot-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return err
	}

	s.watchMu.Lock()
	s.selfSize = int64(len(data))
	s.watchMu.Unlock()
	return nil
}

// startWatch watches the directory containing s.path for changes to that
// file and logs a warning when the observed size doesn't match the size of
// our own last write, a best-effort signal of external tampering. Watch
// failures are non-fatal: the driver still works, just without the warning.
func (s *session) startWatch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("file driver: fsnotify unavailable, external-write detection disabled", "error", err)
		return
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		s.logger.Warn("file driver: watch directory failed, external-write detection disabled", "dir", dir, "error", err)
		watcher.Close()
		return
	}

	s.watcher = watcher
	s.closeCh = make(chan struct{})
	base := filepath.Base(s.path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-s.closeCh:
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(evt.Name) != base {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				s.checkExternalWrite()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("file driver: watch error", "error", err)
			}
		}
	}()
}

func (s *session) checkExternalWrite() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	s.watchMu.Lock()
	expected := s.selfSize
	s.watchMu.Unlock()
	if info.Size() != expected {
		s.logger.Warn("file driver: snapshot file modified outside this process", "path", s.path)
	}
}

func (s *session) stopWatch() {
	if s.closeCh != nil {
		select {
		case <-s.closeCh:
		default:
			close(s.closeCh)
		}
	}
}

func (d *Driver) Path() driver.Path { return d.mem.Path() }

func (d *Driver) Partition(segment string) driver.Driver {
	return &Driver{sess: d.sess, mem: d.mem.PartitionTyped(segment)}
}

func (d *Driver) Add(ctx context.Context, request []byte, opts entry.AddOptions) (string, error) {
	id, err := d.mem.Add(ctx, request, opts)
	if err != nil {
		return id, err
	}
	if err := d.sess.persist(); err != nil {
		d.sess.logger.Error("file driver: persist after Add failed", "error", err)
		return id, entry.ErrSubstrate
	}
	return id, nil
}

func (d *Driver) SetStatus(ctx context.Context, id string, newStatus entry.Status, opts entry.SetStatusOptions) error {
	if err := d.mem.SetStatus(ctx, id, newStatus, opts); err != nil {
		return err
	}
	if err := d.sess.persist(); err != nil {
		d.sess.logger.Error("file driver: persist after SetStatus failed", "error", err)
		return entry.ErrSubstrate
	}
	return nil
}

func (d *Driver) Get(ctx context.Context, id string) (*entry.Entry, error) {
	return d.mem.Get(ctx, id)
}

func (d *Driver) Query(ctx context.Context, filter entry.Filter) ([]*entry.Entry, error) {
	return d.mem.Query(ctx, filter)
}

func (d *Driver) Destroy(ctx context.Context) error {
	d.sess.stopWatch()
	return d.mem.Destroy(ctx)
}

func (d *Driver) Maintain(ctx context.Context) error {
	return d.mem.Maintain(ctx)
}

func (d *Driver) Ping(ctx context.Context) error {
	return d.mem.Ping(ctx)
}

var _ driver.Driver = (*Driver)(nil)

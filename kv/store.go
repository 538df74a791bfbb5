// Package kv is the persistent key-value store behind the disk tier.
//
// A SQLite manifest (manifest.db, WAL mode) maps each key to its size,
// timestamps and location: either an inline blob in the row or a file in the
// data directory. The manifest is the source of truth for where a value
// lives, but it is never trusted blindly: a read that finds a referenced file
// missing deletes the row and reports a miss.
//
// Layout under the root:
//
//	manifest.db, manifest.db-wal, manifest.db-shm
//	data/         one file per file-backed key
//	trash/<uuid>/ staging for bulk deletion, emptied in the background
//
// Every operation reports success as a bool and logs the cause of a failure;
// nothing panics or returns an error past the Store boundary except Open.
// A Store is single-owner: callers serialise access (the disk tier does so
// with its worker queue and gate). Invalidate is the only method safe to
// call concurrently with the others.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/tiercache/lifecycle"
	"github.com/IvanBrykalov/tiercache/metrics"
)

// Mode selects where values are stored. It is fixed for the store's lifetime.
type Mode int

const (
	// ModeAuto stores a value in a file when Save is given a filename and
	// inline otherwise.
	ModeAuto Mode = iota
	// ModeRelational always stores values inline in the manifest; filenames
	// passed to Save are ignored.
	ModeRelational
	// ModeFile always stores values in files; Save requires a filename.
	ModeFile
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeRelational:
		return "relational"
	case ModeFile:
		return "file"
	default:
		return "unknown"
	}
}

// Batch sizes of the eviction scans.
const (
	fitBatch   = 16
	clearBatch = 32
)

// Clock provides time in UnixNano. Manifest timestamps are whole seconds.
type Clock interface{ NowUnixNano() int64 }

type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// Options configures a Store. Zero values are safe.
type Options struct {
	Mode Mode
	// Events, if set, invalidates the store on lifecycle.Terminate.
	Events lifecycle.Source
	// Metrics receives EvictInconsistent for rows dropped because their
	// file was gone. nil => metrics.Noop.
	Metrics metrics.Metrics
	Clock   Clock
	Logger  *slog.Logger
}

// Item is a stored value with its manifest metadata. Value is nil for
// results of GetItemInfo.
type Item struct {
	Key        string
	Value      []byte
	Filename   string
	Size       int64
	ModTime    time.Time
	AccessTime time.Time
}

// Store is the dual-mode key-value store.
type Store struct {
	root string
	mode Mode

	idx   *index
	files *blobs

	invalidated atomic.Bool
	unsubscribe func()

	clock   Clock
	metrics metrics.Metrics
	log     *slog.Logger
}

// Open opens or creates a store rooted at path. A manifest that cannot be
// opened is reset once (manifest deleted, data moved to trash) and retried.
func Open(path string, opt Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if opt.Clock == nil {
		opt.Clock = systemClock{}
	}
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.DiscardHandler)
	}
	if opt.Metrics == nil {
		opt.Metrics = metrics.Noop{}
	}

	data := filepath.Join(path, "data")
	trash := filepath.Join(path, "trash")
	for _, dir := range []string{path, data, trash} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPath, err)
		}
	}

	log := opt.Logger.With("store", path)
	s := &Store{
		root:    path,
		mode:    opt.Mode,
		idx:     newIndex(filepath.Join(path, manifestName)),
		files:   newBlobs(data, trash, log),
		clock:   opt.Clock,
		metrics: opt.Metrics,
		log:     log,
	}

	ctx := context.Background()
	if err := s.idx.open(ctx); err != nil {
		s.log.Warn("kv: manifest unusable, resetting", "err", err)
		if rerr := s.reset(); rerr != nil {
			s.log.Warn("kv: reset incomplete", "err", rerr)
		}
		if err := s.idx.open(ctx); err != nil {
			_ = s.idx.close()
			s.files.close()
			return nil, fmt.Errorf("%w: %w", ErrOpenIndex, err)
		}
	}
	s.files.emptyTrashAsync()

	if opt.Events != nil {
		s.unsubscribe = opt.Events.Subscribe(func(e lifecycle.Event) {
			if e == lifecycle.Terminate {
				s.Invalidate()
			}
		})
	}
	return s, nil
}

// Path returns the store root.
func (s *Store) Path() string { return s.root }

// Mode returns the storage mode.
func (s *Store) Mode() Mode { return s.mode }

// Invalidate makes every later operation fail without I/O.
func (s *Store) Invalidate() { s.invalidated.Store(true) }

// Close invalidates the store, waits for trash reclamation and closes the
// manifest.
func (s *Store) Close() error {
	if s.invalidated.Swap(true) && !s.idx.isOpen() {
		return nil
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.files.close()
	return s.idx.close()
}

// Save stores value under key. With a filename (and not in ModeRelational)
// the value goes to data/<filename>; otherwise it is stored inline.
func (s *Store) Save(ctx context.Context, key string, value []byte, filename string) bool {
	return s.ok("save", key, s.save(ctx, key, value, filename))
}

func (s *Store) save(ctx context.Context, key string, value []byte, filename string) error {
	if err := s.ready(); err != nil {
		return err
	}
	switch {
	case key == "":
		return errEmptyKey
	case value == nil:
		return errNilValue
	case s.mode == ModeFile && filename == "":
		return errFilenameRequired
	case s.mode == ModeRelational:
		filename = ""
	}
	if filename != "" && !plainName(filename) {
		return fmt.Errorf("%w: %q", errBadFilename, filename)
	}

	old, err := s.idx.filename(ctx, key)
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}
	now := s.now()

	if filename != "" {
		if err := s.files.write(filename, value); err != nil {
			return err
		}
		if err := s.idx.save(ctx, key, value, filename, now); err != nil {
			err = fmt.Errorf("upsert: %w", err)
			// The rename already replaced the blob the old row points at.
			if old == filename {
				return err
			}
			return errors.Join(err, s.files.remove(filename))
		}
		if old != "" && old != filename {
			if err := s.files.remove(old); err != nil {
				s.log.Debug("kv: stale file not removed", "key", key, "file", old, "err", err)
			}
		}
		return nil
	}

	if old != "" {
		if err := s.files.remove(old); err != nil {
			return fmt.Errorf("remove old file: %w", err)
		}
	}
	if err := s.idx.save(ctx, key, value, "", now); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// Get returns the item for key with its value and refreshes its access time.
func (s *Store) Get(ctx context.Context, key string) (*Item, bool) {
	it, err := s.get(ctx, key)
	if !s.ok("get", key, err) {
		return nil, false
	}
	return it, true
}

// GetValue returns only the value for key.
func (s *Store) GetValue(ctx context.Context, key string) ([]byte, bool) {
	it, ok := s.Get(ctx, key)
	if !ok {
		return nil, false
	}
	return it.Value, true
}

func (s *Store) get(ctx context.Context, key string) (*Item, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, errEmptyKey
	}
	r, err := s.idx.get(ctx, key, true)
	if err != nil {
		return nil, err
	}
	if err := s.load(ctx, &r); err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.idx.touch(ctx, key, now); err != nil {
		s.log.Debug("kv: access time not refreshed", "key", key, "err", err)
	} else {
		r.accessTime = now
	}
	return toItem(r), nil
}

// load reads the file of a file-backed row. A missing or unreadable file
// deletes the row.
func (s *Store) load(ctx context.Context, r *row) error {
	if r.filename == "" {
		if r.value == nil {
			r.value = []byte{}
		}
		return nil
	}
	b, err := s.files.read(r.filename)
	if err != nil {
		derr := s.idx.delete(ctx, r.key)
		s.metrics.Evict(metrics.EvictInconsistent)
		s.log.Debug("kv: dropped row with unreadable file", "key", r.key, "file", r.filename, "err", err)
		return errors.Join(errMissingBlob, err, derr)
	}
	r.value = b
	return nil
}

// GetItemInfo returns the metadata for key without reading the value.
// It does not refresh the access time.
func (s *Store) GetItemInfo(ctx context.Context, key string) (*Item, bool) {
	err := s.ready()
	if err == nil && key == "" {
		err = errEmptyKey
	}
	var r row
	if err == nil {
		r, err = s.idx.get(ctx, key, false)
	}
	if !s.ok("info", key, err) {
		return nil, false
	}
	return toItem(r), true
}

// GetItems returns the items present for keys. Rows whose files are gone
// are deleted and left out. Hits refresh their access time.
func (s *Store) GetItems(ctx context.Context, keys []string) ([]*Item, bool) {
	items, err := s.getItems(ctx, keys)
	if !s.ok("get items", "", err) {
		return nil, false
	}
	return items, true
}

func (s *Store) getItems(ctx context.Context, keys []string) ([]*Item, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := s.idx.getMany(ctx, keys, true)
	if err != nil {
		return nil, err
	}
	items := make([]*Item, 0, len(rows))
	hits := make([]string, 0, len(rows))
	for i := range rows {
		if err := s.load(ctx, &rows[i]); err != nil {
			continue
		}
		items = append(items, toItem(rows[i]))
		hits = append(hits, rows[i].key)
	}
	if len(hits) > 0 {
		if err := s.idx.touchMany(ctx, hits, s.now()); err != nil {
			s.log.Debug("kv: access times not refreshed", "err", err)
		}
	}
	return items, nil
}

// GetValues returns key→value for the keys present.
func (s *Store) GetValues(ctx context.Context, keys []string) (map[string][]byte, bool) {
	items, ok := s.GetItems(ctx, keys)
	if !ok {
		return nil, false
	}
	out := make(map[string][]byte, len(items))
	for _, it := range items {
		out[it.Key] = it.Value
	}
	return out, true
}

// Contains reports whether key has a row. It does not check the file.
func (s *Store) Contains(ctx context.Context, key string) bool {
	if err := s.ready(); err != nil || key == "" {
		return false
	}
	ok, err := s.idx.contains(ctx, key)
	if err != nil {
		s.log.Debug("kv: contains failed", "key", key, "err", err)
	}
	return ok
}

// Remove deletes key and its file. Removing an absent key succeeds.
func (s *Store) Remove(ctx context.Context, key string) bool {
	return s.ok("remove", key, s.remove(ctx, key))
}

func (s *Store) remove(ctx context.Context, key string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if key == "" {
		return errEmptyKey
	}
	if s.mode != ModeRelational {
		name, err := s.idx.filename(ctx, key)
		if err != nil {
			return err
		}
		if name != "" {
			if err := s.files.remove(name); err != nil {
				return err
			}
		}
	}
	return s.idx.delete(ctx, key)
}

// RemoveKeys deletes keys and their files.
func (s *Store) RemoveKeys(ctx context.Context, keys []string) bool {
	return s.ok("remove keys", "", s.removeKeys(ctx, keys))
}

func (s *Store) removeKeys(ctx context.Context, keys []string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if s.mode != ModeRelational {
		names, err := s.idx.filenames(ctx, keys)
		if err != nil {
			return err
		}
		if err := s.files.removeAll(names); err != nil {
			return err
		}
	}
	return s.idx.deleteMany(ctx, keys)
}

// Count returns the number of stored items, or -1 on failure.
func (s *Store) Count(ctx context.Context) int {
	n, _, err := s.totals(ctx)
	if !s.ok("count", "", err) {
		return -1
	}
	return n
}

// Size returns the sum of stored value sizes, or -1 on failure.
func (s *Store) Size(ctx context.Context) int64 {
	_, size, err := s.totals(ctx)
	if !s.ok("size", "", err) {
		return -1
	}
	return size
}

func (s *Store) totals(ctx context.Context) (int, int64, error) {
	if err := s.ready(); err != nil {
		return 0, 0, err
	}
	return s.idx.totals(ctx)
}

// RemoveAll drops everything: the manifest is closed and deleted, the data
// directory moved to trash, and a fresh manifest created.
func (s *Store) RemoveAll(ctx context.Context) bool {
	return s.ok("remove all", "", s.removeAll(ctx))
}

func (s *Store) removeAll(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.idx.close(); err != nil {
		s.log.Debug("kv: close before reset", "err", err)
	}
	if err := s.reset(); err != nil {
		s.log.Debug("kv: reset incomplete", "err", err)
	}
	if err := s.idx.open(ctx); err != nil {
		_ = s.idx.close()
		return fmt.Errorf("reopen: %w", err)
	}
	return nil
}

// reset deletes the manifest files and moves the data directory to trash.
// The index must be closed.
func (s *Store) reset() error {
	_ = s.idx.close()
	var errs []error
	for _, suffix := range []string{"", walSuffix, shmSuffix} {
		errs = append(errs, ignoreNotExist(os.Remove(s.idx.path+suffix)))
	}
	errs = append(errs, s.files.moveAllToTrash())
	s.files.emptyTrashAsync()
	return errors.Join(errs...)
}

// RemoveOrphans moves data files that no row references, and temp files
// left by interrupted writes, to trash. It returns how many were moved.
func (s *Store) RemoveOrphans(ctx context.Context) (int, bool) {
	n, err := s.removeOrphans(ctx)
	if !s.ok("remove orphans", "", err) {
		return 0, false
	}
	return n, true
}

func (s *Store) removeOrphans(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	names, err := s.files.list()
	if err != nil {
		return 0, err
	}
	refs, err := s.idx.allFilenames(ctx)
	if err != nil {
		return 0, err
	}
	var orphans []string
	for _, n := range names {
		if _, ok := refs[n]; !ok || isTemp(n) {
			orphans = append(orphans, n)
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	if err := s.files.moveToTrash(orphans); err != nil {
		return 0, err
	}
	s.files.emptyTrashAsync()
	s.log.Debug("kv: orphans moved to trash", "count", len(orphans))
	return len(orphans), nil
}

// ---- helpers ----

func (s *Store) ready() error {
	if s.invalidated.Load() || !s.idx.isOpen() {
		return ErrInvalidated
	}
	return nil
}

func (s *Store) now() int64 { return s.clock.NowUnixNano() / int64(time.Second) }

// ok logs err (if any) and converts it to the public bool.
func (s *Store) ok(op, key string, err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, errNotFound) || errors.Is(err, ErrInvalidated) {
		return false
	}
	s.log.Debug("kv: operation failed", "op", op, "key", key, "err", err)
	return false
}

func toItem(r row) *Item {
	return &Item{
		Key:        r.key,
		Value:      r.value,
		Filename:   r.filename,
		Size:       r.size,
		ModTime:    time.Unix(r.modTime, 0),
		AccessTime: time.Unix(r.accessTime, 0),
	}
}

// plainName reports whether name is a single path element inside data/ and
// cannot be mistaken for a temp file.
func plainName(name string) bool {
	return filepath.Base(name) == name && name != "." && name != ".." && !isTemp(name)
}

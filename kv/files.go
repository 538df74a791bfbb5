package kv

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/tiercache/internal/queue"
)

const (
	// tempPrefix marks files being written; a crash can leave them behind
	// and the orphan sweep removes them.
	tempPrefix = ".tmp-"
	// stagingPrefix marks a trash entry being filled by moveToTrash.
	stagingPrefix = ".staging-"
)

// blobs manages the data directory and the trash directory.
type blobs struct {
	data  string
	trash string

	trashQ *queue.Queue
	// staging holds the staging directories being filled right now; the
	// emptier skips them. Leftovers from a crash are not in it and get purged.
	staging sync.Map
	// purge deletes one trash entry; runs on trashQ with no lock held.
	purge func(path string) error
	warn  rate.Sometimes
	log   *slog.Logger
}

func newBlobs(data, trash string, log *slog.Logger) *blobs {
	return &blobs{
		data:   data,
		trash:  trash,
		trashQ: queue.New("kv.trash"),
		purge:  os.RemoveAll,
		warn:   rate.Sometimes{First: 1, Interval: time.Minute},
		log:    log,
	}
}

func (b *blobs) path(name string) string { return filepath.Join(b.data, name) }

// write stores data under name atomically: a temp file in the data directory
// is written, synced and renamed over name.
func (b *blobs) write(name string, data []byte) (err error) {
	f, err := os.CreateTemp(b.data, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			err = errors.Join(err, ignoreNotExist(os.Remove(tmp)))
		}
	}()

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err = os.Rename(tmp, b.path(name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

func (b *blobs) read(name string) ([]byte, error) {
	return os.ReadFile(b.path(name))
}

// remove deletes name; a missing file is not an error.
func (b *blobs) remove(name string) error {
	return ignoreNotExist(os.Remove(b.path(name)))
}

// removeAll deletes names and joins the failures.
func (b *blobs) removeAll(names []string) error {
	var errs []error
	for _, n := range names {
		if n == "" {
			continue
		}
		errs = append(errs, b.remove(n))
	}
	return errors.Join(errs...)
}

// moveAllToTrash renames the data directory into trash/<uuid> and recreates
// an empty data directory.
func (b *blobs) moveAllToTrash() error {
	if err := os.MkdirAll(b.trash, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(b.trash, uuid.NewString())
	err := os.Rename(b.data, dst)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("move data to trash: %w", err)
	}
	return os.MkdirAll(b.data, 0o755)
}

// moveToTrash moves the named data files into a staging directory under
// trash, then renames it to trash/<uuid> so the emptier only ever sees
// complete entries.
func (b *blobs) moveToTrash(names []string) error {
	if len(names) == 0 {
		return nil
	}
	id := uuid.NewString()
	b.staging.Store(stagingPrefix+id, struct{}{})
	defer b.staging.Delete(stagingPrefix + id)

	staging := filepath.Join(b.trash, stagingPrefix+id)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return err
	}
	var errs []error
	for _, n := range names {
		err := os.Rename(b.path(n), filepath.Join(staging, n))
		errs = append(errs, ignoreNotExist(err))
	}
	errs = append(errs, os.Rename(staging, filepath.Join(b.trash, id)))
	return errors.Join(errs...)
}

// list returns the names of regular files in the data directory.
func (b *blobs) list() ([]string, error) {
	entries, err := os.ReadDir(b.data)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// emptyTrashAsync deletes the complete entries under the trash directory on
// the trash queue. Failures are logged, never reported.
func (b *blobs) emptyTrashAsync() {
	b.trashQ.Go(func() {
		entries, err := os.ReadDir(b.trash)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				b.warnf("read trash", err)
			}
			return
		}
		for _, e := range entries {
			if _, busy := b.staging.Load(e.Name()); busy {
				continue
			}
			if err := b.purge(filepath.Join(b.trash, e.Name())); err != nil {
				b.warnf("empty trash", err)
			}
		}
	})
}

// close waits for pending trash work.
func (b *blobs) close() { b.trashQ.Close() }

func (b *blobs) warnf(op string, err error) {
	b.warn.Do(func() {
		b.log.Warn("kv: trash reclamation failed", "op", op, "err", err)
	})
}

func isTemp(name string) bool { return strings.HasPrefix(name, tempPrefix) }

func ignoreNotExist(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

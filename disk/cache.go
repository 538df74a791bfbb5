// Package disk implements the durable tier: a typed cache over kv.Store.
//
// Values are encoded with a codec.Codec and stored inline or in files
// according to the storage mode. Every operation exists in a synchronous
// form and a queued form. All store access is serialised by one FIFO worker
// queue plus a binary gate: synchronous calls take the gate, queued tasks run
// on the worker and call the synchronous forms, so the two never interleave
// in the middle of an operation.
package disk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/tiercache/codec"
	"github.com/IvanBrykalov/tiercache/internal/queue"
	"github.com/IvanBrykalov/tiercache/kv"
	"github.com/IvanBrykalov/tiercache/metrics"
)

// Cache is the disk tier. All methods are safe for concurrent use.
type Cache[K comparable, V any] struct {
	store *kv.Store
	opt   Options[K, V]
	log   *slog.Logger

	gate *semaphore.Weighted
	q    *queue.Queue

	freeSpace func(path string) (int64, error)
	warn      rate.Sometimes

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// Open opens (or creates) the disk tier rooted at path.
func Open[K comparable, V any](path string, opt Options[K, V]) (*Cache[K, V], error) {
	opt.applyDefaults()
	log := opt.Logger.With("tier", "disk")
	store, err := kv.Open(path, kv.Options{
		Mode:    opt.Mode,
		Events:  opt.Events,
		Metrics: opt.Metrics,
		Clock:   opt.Clock,
		Logger:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("disk: %w", err)
	}

	c := &Cache[K, V]{
		store:     store,
		opt:       opt,
		log:       log,
		gate:      semaphore.NewWeighted(1),
		q:         queue.New("disk"),
		freeSpace: freeDiskSpace,
		warn:      rate.Sometimes{First: 1, Interval: time.Minute},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if opt.SweepOrphansOnOpen {
		c.q.Go(func() {
			if err := c.withGate(context.Background(), func(ctx context.Context) error {
				if _, ok := c.store.RemoveOrphans(ctx); !ok {
					return errors.New("orphan sweep failed")
				}
				return nil
			}); err != nil {
				c.warnf("sweep orphans", err)
			}
		})
	}
	if opt.AutoTrimInterval > 0 {
		go c.autoTrim(opt.AutoTrimInterval)
	} else {
		close(c.done)
	}
	return c, nil
}

// Store exposes the underlying key-value store.
func (c *Cache[K, V]) Store() *kv.Store { return c.store }

// Get returns the decoded value for k.
func (c *Cache[K, V]) Get(ctx context.Context, k K) (V, bool) {
	var (
		zero V
		raw  []byte
		ok   bool
	)
	_ = c.withGate(ctx, func(ctx context.Context) error {
		raw, ok = c.store.GetValue(ctx, c.opt.KeyString(k))
		return nil
	})
	if !ok {
		c.opt.Metrics.Miss()
		return zero, false
	}
	v, err := c.opt.Codec.Decode(raw)
	if err != nil {
		if !errors.Is(err, codec.ErrUnsupported) {
			c.log.Debug("disk: decode failed", "key", c.opt.KeyString(k), "err", err)
		}
		c.opt.Metrics.Miss()
		return zero, false
	}
	c.opt.Metrics.Hit()
	return v, true
}

// Contains reports whether k is stored.
func (c *Cache[K, V]) Contains(ctx context.Context, k K) bool {
	var ok bool
	_ = c.withGate(ctx, func(ctx context.Context) error {
		ok = c.store.Contains(ctx, c.opt.KeyString(k))
		return nil
	})
	return ok
}

// Set encodes v and stores it under k. A codec without an encoder makes
// Set a silent no-op that returns false.
func (c *Cache[K, V]) Set(ctx context.Context, k K, v V) bool {
	b, err := c.opt.Codec.Encode(v)
	if err != nil {
		if !errors.Is(err, codec.ErrUnsupported) {
			c.log.Debug("disk: encode failed", "key", c.opt.KeyString(k), "err", err)
		}
		return false
	}
	if b == nil {
		b = []byte{}
	}
	key := c.opt.KeyString(k)
	filename := c.filenameFor(key, len(b))

	var ok bool
	_ = c.withGate(ctx, func(ctx context.Context) error {
		ok = c.store.Save(ctx, key, b, filename)
		return nil
	})
	return ok
}

// filenameFor picks the storage location: "" means inline.
func (c *Cache[K, V]) filenameFor(key string, size int) string {
	switch c.opt.Mode {
	case kv.ModeFile:
		return c.opt.Filename(key)
	case kv.ModeAuto:
		if size > c.opt.InlineThreshold {
			return c.opt.Filename(key)
		}
	}
	return ""
}

// Remove deletes k.
func (c *Cache[K, V]) Remove(ctx context.Context, k K) bool {
	var ok bool
	_ = c.withGate(ctx, func(ctx context.Context) error {
		ok = c.store.Remove(ctx, c.opt.KeyString(k))
		return nil
	})
	return ok
}

// RemoveAll drops every entry.
func (c *Cache[K, V]) RemoveAll(ctx context.Context) bool {
	return c.evicting(ctx, metrics.EvictClear, func(ctx context.Context) bool {
		return c.store.RemoveAll(ctx)
	})
}

// TrimToCount removes least recently used entries until at most n remain.
func (c *Cache[K, V]) TrimToCount(ctx context.Context, n int) bool {
	return c.evicting(ctx, metrics.EvictCount, func(ctx context.Context) bool {
		return c.store.RemoveToFitCount(ctx, n)
	})
}

// TrimToCost removes least recently used entries until the stored bytes are
// at most limit.
func (c *Cache[K, V]) TrimToCost(ctx context.Context, limit int64) bool {
	return c.evicting(ctx, metrics.EvictCost, func(ctx context.Context) bool {
		return c.store.RemoveToFitSize(ctx, limit)
	})
}

// TrimToAge removes entries not accessed within maxAge. maxAge <= 0 clears.
func (c *Cache[K, V]) TrimToAge(ctx context.Context, maxAge time.Duration) bool {
	return c.evicting(ctx, metrics.EvictAge, func(ctx context.Context) bool {
		if maxAge <= 0 {
			return c.store.RemoveAll(ctx)
		}
		cutoff := time.Unix(0, c.opt.Clock.NowUnixNano()).Add(-maxAge)
		return c.store.RemoveEarlierThan(ctx, cutoff)
	})
}

// TrimToFreeDiskSpace shrinks the cache so the volume gains enough room to
// have target bytes free. It never deletes more than the cache holds.
func (c *Cache[K, V]) TrimToFreeDiskSpace(ctx context.Context, target int64) bool {
	if target <= 0 {
		return true
	}
	return c.evicting(ctx, metrics.EvictDiskSpace, func(ctx context.Context) bool {
		size := c.store.Size(ctx)
		if size <= 0 {
			return size == 0
		}
		free, err := c.freeSpace(c.store.Path())
		if err != nil {
			c.log.Debug("disk: free space unknown", "err", err)
			return false
		}
		need := target - free
		if need <= 0 {
			return true
		}
		return c.store.RemoveToFitSize(ctx, max(size-need, 0))
	})
}

// Count returns the number of entries, or -1 on failure.
func (c *Cache[K, V]) Count(ctx context.Context) int {
	n := -1
	_ = c.withGate(ctx, func(ctx context.Context) error {
		n = c.store.Count(ctx)
		return nil
	})
	return n
}

// Cost returns the stored bytes, or -1 on failure.
func (c *Cache[K, V]) Cost(ctx context.Context) int64 {
	var n int64 = -1
	_ = c.withGate(ctx, func(ctx context.Context) error {
		n = c.store.Size(ctx)
		return nil
	})
	return n
}

// Close stops auto-trim, runs the queued tasks and closes the store.
// It must not be called from a completion callback.
func (c *Cache[K, V]) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
		c.q.Close()
		if gerr := c.gate.Acquire(context.Background(), 1); gerr != nil {
			err = gerr
			return
		}
		defer c.gate.Release(1)
		err = c.store.Close()
	})
	return err
}

// ---- internals ----

// withGate runs fn holding the gate. It fails only if ctx ends first.
func (c *Cache[K, V]) withGate(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.gate.Release(1)
	return fn(ctx)
}

// evicting runs a removal under the gate and records how many entries it
// dropped, then refreshes the size gauge.
func (c *Cache[K, V]) evicting(ctx context.Context, reason metrics.EvictReason, fn func(ctx context.Context) bool) bool {
	var ok bool
	_ = c.withGate(ctx, func(ctx context.Context) error {
		before := c.store.Count(ctx)
		ok = fn(ctx)
		after := c.store.Count(ctx)
		if after >= 0 && before > after {
			for range before - after {
				c.opt.Metrics.Evict(reason)
			}
		}
		if after >= 0 {
			c.opt.Metrics.Size(after, c.store.Size(ctx))
		}
		return nil
	})
	return ok
}

func (c *Cache[K, V]) autoTrim(every time.Duration) {
	defer close(c.done)
	t := time.NewTicker(every)
	defer t.Stop()
	var pending atomic.Bool
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			if !pending.CompareAndSwap(false, true) {
				continue
			}
			c.q.Go(func() {
				defer pending.Store(false)
				c.trimOnce(context.Background())
			})
		}
	}
}

// trimOnce applies every configured limit.
func (c *Cache[K, V]) trimOnce(ctx context.Context) {
	if c.opt.CostLimit > 0 && !c.TrimToCost(ctx, c.opt.CostLimit) {
		c.warnf("trim to cost", nil)
	}
	if c.opt.CountLimit > 0 && !c.TrimToCount(ctx, c.opt.CountLimit) {
		c.warnf("trim to count", nil)
	}
	if c.opt.AgeLimit > 0 && !c.TrimToAge(ctx, c.opt.AgeLimit) {
		c.warnf("trim to age", nil)
	}
	if c.opt.FreeDiskSpaceLimit > 0 && !c.TrimToFreeDiskSpace(ctx, c.opt.FreeDiskSpaceLimit) {
		c.warnf("trim to free disk space", nil)
	}
}

func (c *Cache[K, V]) warnf(op string, err error) {
	c.warn.Do(func() {
		c.log.Warn("disk: background task failed", "op", op, "err", err)
	})
}

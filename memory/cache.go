// Package memory implements the fast tier: a concurrent in-memory LRU with
// count, cost and age limits.
//
// Every list operation runs under one mutex. Trims never hold it for more
// than one eviction at a time: they TryLock, drop a single tail entry and
// unlock, backing off when the lock is busy, so a large trim cannot stall
// readers. Evicted entries are handed to OnEvict after the lock is released.
package memory

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/tiercache/internal/linkedmap"
	"github.com/IvanBrykalov/tiercache/internal/queue"
	"github.com/IvanBrykalov/tiercache/lifecycle"
	"github.com/IvanBrykalov/tiercache/metrics"
)

// Cache is a concurrent LRU. All methods are safe for concurrent use.
type Cache[K comparable, V any] struct {
	// ---- guarded by mu ----
	mu sync.Mutex
	lm *linkedmap.Map[K, V]

	opt Options[K, V]
	log *slog.Logger

	// release runs async OnEvict batches and cost trims scheduled by Set.
	release     *queue.Queue
	costPending atomic.Bool

	closed      atomic.Bool
	closeOnce   sync.Once
	stop        chan struct{}
	done        chan struct{}
	unsubscribe func()
}

// New constructs a memory cache. It panics on negative limits.
func New[K comparable, V any](opt Options[K, V]) *Cache[K, V] {
	opt.applyDefaults()
	c := &Cache[K, V]{
		lm:      linkedmap.New[K, V](opt.CountLimit),
		opt:     opt,
		log:     opt.Logger.With("tier", "memory"),
		release: queue.New("memory.release"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if opt.Events != nil {
		c.unsubscribe = opt.Events.Subscribe(c.onEvent)
	}
	if opt.AutoTrimInterval > 0 {
		go c.autoTrim(opt.AutoTrimInterval)
	} else {
		close(c.done)
	}
	return c
}

// Contains reports whether k is resident. It does not promote k.
func (c *Cache[K, V]) Contains(k K) bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	ok := c.lm.Contains(k)
	c.mu.Unlock()
	return ok
}

// Get returns the value for k, moving it to the MRU position and refreshing
// its timestamp.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	var zero V
	if c.closed.Load() {
		return zero, false
	}
	c.mu.Lock()
	h, ok := c.lm.Lookup(k)
	if !ok {
		c.mu.Unlock()
		c.opt.Metrics.Miss()
		return zero, false
	}
	c.lm.MoveToFront(h)
	c.lm.Touch(h, c.now())
	v := c.lm.Value(h)
	c.mu.Unlock()
	c.opt.Metrics.Hit()
	return v, true
}

// Set inserts or replaces k→v with the cost given by Options.Cost.
func (c *Cache[K, V]) Set(k K, v V) {
	c.SetWithCost(k, v, c.costOf(v))
}

// SetWithCost inserts or replaces k→v at the MRU position.
// A count overflow evicts the LRU entry right away; a cost overflow
// schedules TrimToCost on the release queue.
func (c *Cache[K, V]) SetWithCost(k K, v V, cost int64) {
	if c.closed.Load() {
		return
	}
	if cost < 0 {
		cost = 0
	}
	var hold holder[K, V]

	c.mu.Lock()
	c.lm.Set(k, v, cost, c.now())
	if c.opt.CountLimit > 0 && c.lm.Len() > c.opt.CountLimit {
		if e, ok := c.lm.RemoveTail(); ok {
			hold.add(e, metrics.EvictCount)
		}
	}
	overCost := c.opt.CostLimit > 0 && c.lm.Cost() > c.opt.CostLimit
	c.reportSizeLocked()
	c.mu.Unlock()

	c.dispose(hold)
	if overCost && c.costPending.CompareAndSwap(false, true) {
		c.release.Go(func() {
			c.costPending.Store(false)
			c.TrimToCost(c.opt.CostLimit)
		})
	}
}

// Remove deletes k. It reports whether k was resident.
// An explicit removal is not an eviction and does not call OnEvict.
func (c *Cache[K, V]) Remove(k K) bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	_, ok := c.lm.Delete(k)
	if ok {
		c.reportSizeLocked()
	}
	c.mu.Unlock()
	return ok
}

// RemoveAll drops every entry.
func (c *Cache[K, V]) RemoveAll() {
	c.clear(metrics.EvictClear)
}

// Len returns the number of resident entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lm.Len()
}

// Cost returns the total cost of resident entries.
func (c *Cache[K, V]) Cost() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lm.Cost()
}

// Close stops the auto-trim goroutine, detaches from the event source and
// drains pending releases. Further operations are ignored.
func (c *Cache[K, V]) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)
		<-c.done
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.release.Close()
	})
	return nil
}

// ---- internals ----

func (c *Cache[K, V]) onEvent(e lifecycle.Event) {
	if c.closed.Load() {
		return
	}
	switch e {
	case lifecycle.LowMemory:
		if fn := c.opt.OnLowMemory; fn != nil {
			fn(c)
		}
		if c.opt.ClearOnLowMemory {
			c.clear(metrics.EvictClear)
		}
	case lifecycle.Background:
		if fn := c.opt.OnBackground; fn != nil {
			fn(c)
		}
		if c.opt.ClearOnBackground {
			c.clear(metrics.EvictClear)
		}
	}
}

func (c *Cache[K, V]) clear(reason metrics.EvictReason) {
	var hold holder[K, V]
	c.mu.Lock()
	for _, e := range c.lm.RemoveAll() {
		hold.add(e, reason)
	}
	c.reportSizeLocked()
	c.mu.Unlock()
	c.dispose(hold)
}

func (c *Cache[K, V]) now() int64 { return c.opt.Clock.NowUnixNano() }

func (c *Cache[K, V]) costOf(v V) int64 {
	if c.opt.Cost == nil {
		return 0
	}
	return c.opt.Cost(v)
}

func (c *Cache[K, V]) reportSizeLocked() {
	c.opt.Metrics.Size(c.lm.Len(), c.lm.Cost())
}

// holder collects evicted entries while the lock is held.
type holder[K comparable, V any] struct {
	entries []linkedmap.Entry[K, V]
	reasons []metrics.EvictReason
}

func (h *holder[K, V]) add(e linkedmap.Entry[K, V], r metrics.EvictReason) {
	h.entries = append(h.entries, e)
	h.reasons = append(h.reasons, r)
}

// dispose records evictions and hands the batch to OnEvict on the
// configured context. Must be called without mu held.
func (c *Cache[K, V]) dispose(h holder[K, V]) {
	if len(h.entries) == 0 {
		return
	}
	for _, r := range h.reasons {
		c.opt.Metrics.Evict(r)
	}
	cb := c.opt.OnEvict
	if cb == nil {
		return
	}
	run := func() {
		for i, e := range h.entries {
			cb(e.Key, e.Value, h.reasons[i])
		}
	}
	switch {
	case c.opt.ReleaseOn != nil:
		c.opt.ReleaseOn(run)
	case c.opt.ReleaseAsynchronously:
		if !c.release.Go(run) {
			run()
		}
	default:
		run()
	}
}

func (c *Cache[K, V]) autoTrim(every time.Duration) {
	defer close(c.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			if c.opt.CostLimit > 0 {
				c.TrimToCost(c.opt.CostLimit)
			}
			if c.opt.CountLimit > 0 {
				c.TrimToCount(c.opt.CountLimit)
			}
			if c.opt.AgeLimit > 0 {
				c.TrimToAge(c.opt.AgeLimit)
			}
		}
	}
}

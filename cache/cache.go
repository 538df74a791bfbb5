package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/IvanBrykalov/tiercache/disk"
	"github.com/IvanBrykalov/tiercache/memory"
)

var errMiss = errors.New("cache: miss")

// Cache composes a memory tier and a disk tier.
// All methods are safe for concurrent use by multiple goroutines.
type Cache[K comparable, V any] struct {
	mem  *memory.Cache[K, V]
	disk *disk.Cache[K, V]
	key  func(K) string
	log  *slog.Logger

	// in-flight disk reads, keyed by the disk string form of K
	group singleflight.Group

	// mu guards slots, epoch and clearing. A disk read may promote its value
	// only if no write or clear touched its key between the start of the
	// read and the promotion; the check and the memory write happen under mu.
	mu       sync.Mutex
	slots    map[string]*slot
	epoch    uint64
	clearing int
}

// slot tracks one key while a disk read or a write is in progress.
type slot struct {
	gen    uint64
	reads  int
	writes int
}

// New opens the disk tier at path and builds the memory tier in front of it.
func New[K comparable, V any](path string, opt Options[K, V]) (*Cache[K, V], error) {
	opt.applyDefaults()
	d, err := disk.Open(path, opt.Disk)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &Cache[K, V]{
		mem:   memory.New(opt.Memory),
		disk:  d,
		key:   opt.Disk.KeyString,
		log:   opt.Logger,
		slots: make(map[string]*slot),
	}, nil
}

// Memory exposes the memory tier.
func (c *Cache[K, V]) Memory() *memory.Cache[K, V] { return c.mem }

// Disk exposes the disk tier.
func (c *Cache[K, V]) Disk() *disk.Cache[K, V] { return c.disk }

// Get returns the value for k from memory, or from disk on a memory miss.
// A disk hit is promoted into memory. If ctx ends while waiting on a shared
// disk read, Get reports a miss; the read itself keeps running.
func (c *Cache[K, V]) Get(ctx context.Context, k K) (V, bool) {
	if v, ok := c.mem.Get(k); ok {
		return v, true
	}
	var zero V
	key := c.key(k)
	ch := c.group.DoChan(key, func() (any, error) {
		r := c.beginRead(key)
		v, ok := c.disk.Get(context.WithoutCancel(ctx), k)
		c.endRead(r, func() {
			if ok {
				c.mem.Set(k, v)
			}
		})
		if !ok {
			return nil, errMiss
		}
		return v, nil
	})
	select {
	case <-ctx.Done():
		return zero, false
	case res := <-ch:
		if res.Err != nil {
			return zero, false
		}
		v, _ := res.Val.(V)
		return v, true
	}
}

// GetAsync looks k up in memory and calls done right away on a hit.
// Otherwise it queues a disk read and calls done on the disk worker.
func (c *Cache[K, V]) GetAsync(k K, done func(v V, ok bool)) {
	if v, ok := c.mem.Get(k); ok {
		if done != nil {
			done(v, true)
		}
		return
	}
	r := c.beginRead(c.key(k))
	c.disk.GetAsync(k, func(v V, ok bool) {
		c.endRead(r, func() {
			if ok {
				c.mem.Set(k, v)
			}
		})
		if done != nil {
			done(v, ok)
		}
	})
}

// Contains reports whether k is held by either tier. It does not promote.
func (c *Cache[K, V]) Contains(ctx context.Context, k K) bool {
	return c.mem.Contains(k) || c.disk.Contains(ctx, k)
}

// ContainsAsync is the queued form of Contains.
func (c *Cache[K, V]) ContainsAsync(k K, done func(ok bool)) {
	if c.mem.Contains(k) {
		if done != nil {
			done(true)
		}
		return
	}
	c.disk.ContainsAsync(k, done)
}

// Set writes v to memory and then to disk. It reports the disk result.
func (c *Cache[K, V]) Set(ctx context.Context, k K, v V) bool {
	key := c.beginWrite(k)
	defer c.endWrite(key)
	c.mem.Set(k, v)
	return c.disk.Set(ctx, k, v)
}

// SetWithCost is Set with an explicit memory cost.
func (c *Cache[K, V]) SetWithCost(ctx context.Context, k K, v V, cost int64) bool {
	key := c.beginWrite(k)
	defer c.endWrite(key)
	c.mem.SetWithCost(k, v, cost)
	return c.disk.Set(ctx, k, v)
}

// SetAsync writes v to memory and queues the disk write.
func (c *Cache[K, V]) SetAsync(k K, v V, done func(ok bool)) {
	key := c.beginWrite(k)
	c.mem.Set(k, v)
	c.disk.SetAsync(k, v, c.endWriteThen(key, done))
}

// Remove deletes k from both tiers.
func (c *Cache[K, V]) Remove(ctx context.Context, k K) bool {
	key := c.beginWrite(k)
	defer c.endWrite(key)
	c.mem.Remove(k)
	return c.disk.Remove(ctx, k)
}

// RemoveAsync deletes k from memory and queues the disk removal.
func (c *Cache[K, V]) RemoveAsync(k K, done func(ok bool)) {
	key := c.beginWrite(k)
	c.mem.Remove(k)
	c.disk.RemoveAsync(k, c.endWriteThen(key, done))
}

// RemoveAll empties both tiers.
func (c *Cache[K, V]) RemoveAll(ctx context.Context) bool {
	c.beginClear()
	defer c.endClear()
	c.mem.RemoveAll()
	return c.disk.RemoveAll(ctx)
}

// RemoveAllAsync empties memory and queues the disk reset.
func (c *Cache[K, V]) RemoveAllAsync(done func(ok bool)) {
	c.beginClear()
	c.mem.RemoveAll()
	c.disk.RemoveAllAsync(c.endClearThen(done))
}

// RemoveAllWithProgress empties memory, then removes the disk entries in
// batches on the disk worker. See disk.Cache.RemoveAllWithProgress.
func (c *Cache[K, V]) RemoveAllWithProgress(progress func(removed, total int), done func(ok bool)) {
	c.beginClear()
	c.mem.RemoveAll()
	c.disk.RemoveAllWithProgress(progress, c.endClearThen(done))
}

// Flush blocks until every disk task queued before the call has finished.
func (c *Cache[K, V]) Flush() { c.disk.Flush() }

// Close stops both tiers. Queued disk tasks run before the store closes.
func (c *Cache[K, V]) Close() error {
	err := errors.Join(c.mem.Close(), c.disk.Close())
	if err != nil {
		c.log.Warn("cache: close", "err", err)
	}
	return err
}

// ---- promotion guard ----

type read struct {
	key   string
	s     *slot
	gen   uint64
	epoch uint64
}

func (c *Cache[K, V]) slotLocked(key string) *slot {
	s := c.slots[key]
	if s == nil {
		s = &slot{}
		c.slots[key] = s
	}
	return s
}

func (c *Cache[K, V]) releaseLocked(key string, s *slot) {
	if s.reads == 0 && s.writes == 0 {
		delete(c.slots, key)
	}
}

func (c *Cache[K, V]) beginRead(key string) read {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slotLocked(key)
	s.reads++
	return read{key: key, s: s, gen: s.gen, epoch: c.epoch}
}

// endRead runs promote if nothing wrote the key or cleared the cache since
// beginRead, and nothing is writing or clearing now.
func (c *Cache[K, V]) endRead(r read, promote func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.s.gen == r.gen && r.s.writes == 0 && r.epoch == c.epoch && c.clearing == 0 {
		promote()
	}
	r.s.reads--
	c.releaseLocked(r.key, r.s)
}

// beginWrite marks k as being written. A disk read started earlier must not
// be joined by later callers, so its flight is forgotten.
func (c *Cache[K, V]) beginWrite(k K) string {
	key := c.key(k)
	c.mu.Lock()
	s := c.slotLocked(key)
	s.writes++
	s.gen++
	c.mu.Unlock()
	c.group.Forget(key)
	return key
}

func (c *Cache[K, V]) endWrite(key string) {
	c.mu.Lock()
	s := c.slotLocked(key)
	s.writes--
	s.gen++
	c.releaseLocked(key, s)
	c.mu.Unlock()
	c.group.Forget(key)
}

func (c *Cache[K, V]) endWriteThen(key string, done func(ok bool)) func(ok bool) {
	return func(ok bool) {
		c.endWrite(key)
		if done != nil {
			done(ok)
		}
	}
}

func (c *Cache[K, V]) beginClear() {
	c.mu.Lock()
	c.clearing++
	c.epoch++
	keys := make([]string, 0, len(c.slots))
	for key := range c.slots {
		keys = append(keys, key)
	}
	c.mu.Unlock()
	for _, key := range keys {
		c.group.Forget(key)
	}
}

func (c *Cache[K, V]) endClear() {
	c.mu.Lock()
	c.clearing--
	c.epoch++
	c.mu.Unlock()
}

func (c *Cache[K, V]) endClearThen(done func(ok bool)) func(ok bool) {
	return func(ok bool) {
		c.endClear()
		if done != nil {
			done(ok)
		}
	}
}

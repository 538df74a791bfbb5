package disk

import (
	"context"
	"time"
)

// Queued forms. Each task runs on the cache's worker in submission order and
// calls done (if non-nil) on the worker when it finishes. After Close, done
// is called immediately with a failed result.

func (c *Cache[K, V]) enqueue(task func(ctx context.Context), fail func()) {
	if !c.q.Go(func() { task(context.Background()) }) && fail != nil {
		fail()
	}
}

// GetAsync is the queued form of Get.
func (c *Cache[K, V]) GetAsync(k K, done func(v V, ok bool)) {
	c.enqueue(func(ctx context.Context) {
		v, ok := c.Get(ctx, k)
		if done != nil {
			done(v, ok)
		}
	}, func() {
		if done != nil {
			var zero V
			done(zero, false)
		}
	})
}

// ContainsAsync is the queued form of Contains.
func (c *Cache[K, V]) ContainsAsync(k K, done func(ok bool)) {
	c.enqueue(func(ctx context.Context) { call(done, c.Contains(ctx, k)) }, failed(done))
}

// SetAsync is the queued form of Set.
func (c *Cache[K, V]) SetAsync(k K, v V, done func(ok bool)) {
	c.enqueue(func(ctx context.Context) { call(done, c.Set(ctx, k, v)) }, failed(done))
}

// RemoveAsync is the queued form of Remove.
func (c *Cache[K, V]) RemoveAsync(k K, done func(ok bool)) {
	c.enqueue(func(ctx context.Context) { call(done, c.Remove(ctx, k)) }, failed(done))
}

// RemoveAllAsync is the queued form of RemoveAll.
func (c *Cache[K, V]) RemoveAllAsync(done func(ok bool)) {
	c.enqueue(func(ctx context.Context) { call(done, c.RemoveAll(ctx)) }, failed(done))
}

// RemoveAllWithProgress removes entries in batches on the worker, calling
// progress after each batch and done at the end. Unlike RemoveAll the store
// stays readable between batches.
func (c *Cache[K, V]) RemoveAllWithProgress(progress func(removed, total int), done func(ok bool)) {
	c.enqueue(func(ctx context.Context) {
		var ok bool
		_ = c.withGate(ctx, func(ctx context.Context) error {
			ok = c.store.RemoveAllWithProgress(ctx, progress)
			return nil
		})
		call(done, ok)
	}, failed(done))
}

// TrimToCountAsync is the queued form of TrimToCount.
func (c *Cache[K, V]) TrimToCountAsync(n int, done func(ok bool)) {
	c.enqueue(func(ctx context.Context) { call(done, c.TrimToCount(ctx, n)) }, failed(done))
}

// TrimToCostAsync is the queued form of TrimToCost.
func (c *Cache[K, V]) TrimToCostAsync(limit int64, done func(ok bool)) {
	c.enqueue(func(ctx context.Context) { call(done, c.TrimToCost(ctx, limit)) }, failed(done))
}

// TrimToAgeAsync is the queued form of TrimToAge.
func (c *Cache[K, V]) TrimToAgeAsync(maxAge time.Duration, done func(ok bool)) {
	c.enqueue(func(ctx context.Context) { call(done, c.TrimToAge(ctx, maxAge)) }, failed(done))
}

// CountAsync is the queued form of Count.
func (c *Cache[K, V]) CountAsync(done func(n int)) {
	c.enqueue(func(ctx context.Context) {
		n := c.Count(ctx)
		if done != nil {
			done(n)
		}
	}, func() {
		if done != nil {
			done(-1)
		}
	})
}

// Flush blocks until every task queued before the call has finished.
func (c *Cache[K, V]) Flush() { c.q.Flush() }

func call(done func(bool), ok bool) {
	if done != nil {
		done(ok)
	}
}

func failed(done func(bool)) func() {
	return func() { call(done, false) }
}

package memory

import (
	"time"

	"github.com/IvanBrykalov/tiercache/internal/linkedmap"
	"github.com/IvanBrykalov/tiercache/metrics"
)

// TrimToCount evicts LRU entries until at most n remain. n <= 0 clears.
func (c *Cache[K, V]) TrimToCount(n int) {
	if n <= 0 {
		c.clear(metrics.EvictCount)
		return
	}
	c.trim(metrics.EvictCount, func() bool { return c.lm.Len() > n })
}

// TrimToCost evicts LRU entries until the total cost is at most limit.
// limit <= 0 clears.
func (c *Cache[K, V]) TrimToCost(limit int64) {
	if limit <= 0 {
		c.clear(metrics.EvictCost)
		return
	}
	c.trim(metrics.EvictCost, func() bool { return c.lm.Cost() > limit })
}

// TrimToAge evicts entries not touched within maxAge. maxAge <= 0 clears.
func (c *Cache[K, V]) TrimToAge(maxAge time.Duration) {
	if maxAge <= 0 {
		c.clear(metrics.EvictAge)
		return
	}
	c.trim(metrics.EvictAge, func() bool {
		tail := c.lm.Tail()
		if tail == linkedmap.None {
			return false
		}
		return c.now()-c.lm.Time(tail) > int64(maxAge)
	})
}

// trim evicts tail entries while over() holds. over is evaluated under mu.
// Each lock acquisition evicts at most one entry; a busy lock makes the trim
// sleep for TrimBackoff instead of queueing behind readers.
func (c *Cache[K, V]) trim(reason metrics.EvictReason, over func() bool) {
	c.mu.Lock()
	need := over()
	c.mu.Unlock()
	if !need {
		return
	}

	var hold holder[K, V]
	for !c.closed.Load() {
		if !c.mu.TryLock() {
			time.Sleep(c.opt.TrimBackoff)
			continue
		}
		if !over() {
			c.mu.Unlock()
			break
		}
		e, ok := c.lm.RemoveTail()
		if ok {
			hold.add(e, reason)
			c.reportSizeLocked()
		}
		c.mu.Unlock()
		if !ok {
			break
		}
	}
	if n := len(hold.entries); n > 0 {
		c.log.Debug("trimmed", "reason", reason.String(), "evicted", n)
	}
	c.dispose(hold)
}

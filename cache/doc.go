// Package cache provides a generic two-tier cache: an LRU memory tier in
// front of a durable disk tier backed by SQLite and plain files.
//
// Design
//
//   - Memory tier (package memory): one mutex guards an index-addressed
//     linked map. Trims evict one tail entry per short lock acquisition and
//     back off under contention, so a large trim never stalls readers.
//     Evicted values are released outside the lock.
//
//   - Disk tier (package disk): a typed wrapper over kv.Store. Every
//     operation has a synchronous form and a queued form; both are serialised
//     by one FIFO worker and a binary gate.
//
//   - Storage (package kv): a manifest table in SQLite holds one row per key.
//     Small values are kept inline in the row, large ones in files under
//     <root>/data. Reads that find a missing file delete the row and report a
//     miss. Bulk removals move files to <root>/trash and reclaim them in the
//     background.
//
//   - Read-through: Get checks memory, then disk. A disk hit is promoted into
//     memory. Concurrent fall-throughs for the same key share one disk read.
//     A disk read that overlaps a write, a removal or a RemoveAll of its key
//     returns its value to the caller but is not promoted.
//
//   - Writes: Set writes both tiers before returning. SetAsync writes memory
//     immediately and queues the disk write. Remove and RemoveAll always clear
//     memory synchronously; the disk side follows the variant called.
//
//   - Host signals: Options.Events (a lifecycle.Source) lets the host deliver
//     LowMemory, Background and Terminate. Terminate invalidates the store so
//     later disk calls fail fast.
//
// Basic usage
//
//	c, err := cache.New[string, []byte](dir, cache.Options[string, []byte]{
//	    Memory: memory.Options[string, []byte]{CountLimit: 10_000},
//	    Disk:   disk.Options[string, []byte]{Codec: codec.Bytes{}, CostLimit: 64 << 20},
//	})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	c.Set(ctx, "a", []byte("1"))
//	if v, ok := c.Get(ctx, "a"); ok {
//	    _ = v
//	}
//
// Exporting metrics
//
//	opt.Memory.Metrics = prom.New(nil, "app", "memory", nil)
//	opt.Disk.Metrics = prom.New(nil, "app", "disk", nil)
//
// Thread-safety
//
// All methods on Cache are safe for concurrent use. Completion callbacks of
// the queued forms run on the disk worker; they must not call Close.
package cache

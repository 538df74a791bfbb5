package kv

import (
	"context"
	"math"
	"time"
)

// RemoveLargerThan removes every item whose size exceeds size.
// math.MaxInt64 is a no-op; size <= 0 removes everything.
func (s *Store) RemoveLargerThan(ctx context.Context, size int64) bool {
	if size == math.MaxInt64 {
		return true
	}
	if size <= 0 {
		return s.RemoveAll(ctx)
	}
	return s.ok("remove larger", "", s.drain(ctx, func() ([]sample, error) {
		return s.idx.largerThan(ctx, size, clearBatch)
	}))
}

// RemoveEarlierThan removes every item last accessed before t.
// A t before the Unix epoch is a no-op.
func (s *Store) RemoveEarlierThan(ctx context.Context, t time.Time) bool {
	sec := t.Unix()
	if sec < 0 {
		return true
	}
	return s.ok("remove earlier", "", s.drain(ctx, func() ([]sample, error) {
		return s.idx.earlierThan(ctx, sec, clearBatch)
	}))
}

// RemoveToFitSize removes least recently accessed items until the total size
// is at most maxSize. math.MaxInt64 is a no-op; maxSize <= 0 removes everything.
func (s *Store) RemoveToFitSize(ctx context.Context, maxSize int64) bool {
	if maxSize == math.MaxInt64 {
		return true
	}
	if maxSize <= 0 {
		return s.RemoveAll(ctx)
	}
	return s.ok("fit size", "", s.fit(ctx, func(count int, size int64) (int64, int64) {
		return size, maxSize
	}, func(sm sample) int64 { return sm.size }))
}

// RemoveToFitCount removes least recently accessed items until at most
// maxCount remain. math.MaxInt is a no-op; maxCount <= 0 removes everything.
func (s *Store) RemoveToFitCount(ctx context.Context, maxCount int) bool {
	if maxCount == math.MaxInt {
		return true
	}
	if maxCount <= 0 {
		return s.RemoveAll(ctx)
	}
	return s.ok("fit count", "", s.fit(ctx, func(count int, size int64) (int64, int64) {
		return int64(count), int64(maxCount)
	}, func(sample) int64 { return 1 }))
}

// RemoveAllWithProgress removes every item row by row, oldest first, in
// batches, reporting progress after each batch. Unlike RemoveAll it keeps
// the manifest open and can be observed while it runs.
func (s *Store) RemoveAllWithProgress(ctx context.Context, progress func(removed, total int)) bool {
	return s.ok("remove all (progress)", "", s.removeAllWithProgress(ctx, progress))
}

func (s *Store) removeAllWithProgress(ctx context.Context, progress func(removed, total int)) error {
	if err := s.ready(); err != nil {
		return err
	}
	total, _, err := s.idx.totals(ctx)
	if err != nil {
		return err
	}
	removed := 0
	for removed < total {
		batch, err := s.idx.oldest(ctx, clearBatch)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		if err := s.removeSamples(ctx, batch); err != nil {
			return err
		}
		if err := s.idx.checkpoint(ctx); err != nil {
			return err
		}
		removed += len(batch)
		if progress != nil {
			progress(min(removed, total), total)
		}
	}
	return nil
}

// fit evicts oldest-first in batches of fitBatch until measure's current
// value is within its limit. weight is how much one row contributes.
func (s *Store) fit(ctx context.Context, measure func(count int, size int64) (cur, limit int64), weight func(sample) int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	count, size, err := s.idx.totals(ctx)
	if err != nil {
		return err
	}
	cur, limit := measure(count, size)
	for cur > limit {
		batch, err := s.idx.oldest(ctx, fitBatch)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		n := 0
		for _, sm := range batch {
			if cur <= limit {
				break
			}
			cur -= weight(sm)
			n++
		}
		if err := s.removeSamples(ctx, batch[:n]); err != nil {
			return err
		}
		if err := s.idx.checkpoint(ctx); err != nil {
			return err
		}
	}
	return nil
}

// drain removes batches returned by next until it returns none.
func (s *Store) drain(ctx context.Context, next func() ([]sample, error)) error {
	if err := s.ready(); err != nil {
		return err
	}
	for {
		batch, err := next()
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := s.removeSamples(ctx, batch); err != nil {
			return err
		}
		if err := s.idx.checkpoint(ctx); err != nil {
			return err
		}
	}
}

// removeSamples deletes the files of batch, then its rows.
func (s *Store) removeSamples(ctx context.Context, batch []sample) error {
	if len(batch) == 0 {
		return nil
	}
	keys := make([]string, len(batch))
	names := make([]string, 0, len(batch))
	for i, sm := range batch {
		keys[i] = sm.key
		if sm.filename != "" {
			names = append(names, sm.filename)
		}
	}
	if err := s.files.removeAll(names); err != nil {
		return err
	}
	return s.idx.deleteMany(ctx, keys)
}

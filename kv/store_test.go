package kv

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/tiercache/lifecycle"
	"github.com/IvanBrykalov/tiercache/metrics"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (f *fakeClock) NowUnixNano() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t.UnixNano()
}

func (f *fakeClock) add(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

type countingMetrics struct {
	metrics.Noop
	mu     sync.Mutex
	evicts map[metrics.EvictReason]int
}

func (m *countingMetrics) Evict(r metrics.EvictReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.evicts == nil {
		m.evicts = make(map[metrics.EvictReason]int)
	}
	m.evicts[r]++
}

func (m *countingMetrics) count(r metrics.EvictReason) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evicts[r]
}

func openTest(t *testing.T, opt Options) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dir
}

func dataFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, "data"))
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func TestStore_RoundTripAcrossModes(t *testing.T) {
	ctx := context.Background()
	small := []byte("tiny")
	large := bytes.Repeat([]byte{0xAB}, 64<<10)

	t.Run("auto", func(t *testing.T) {
		s, dir := openTest(t, Options{Mode: ModeAuto})

		require.True(t, s.Save(ctx, "inline", small, ""))
		require.True(t, s.Save(ctx, "file", large, "f1"))
		require.True(t, s.Save(ctx, "empty", []byte{}, ""))

		it, ok := s.Get(ctx, "inline")
		require.True(t, ok)
		assert.Equal(t, small, it.Value)
		assert.Empty(t, it.Filename)
		assert.EqualValues(t, len(small), it.Size)

		it, ok = s.Get(ctx, "file")
		require.True(t, ok)
		assert.Equal(t, large, it.Value)
		assert.Equal(t, "f1", it.Filename)

		v, ok := s.GetValue(ctx, "empty")
		require.True(t, ok)
		assert.NotNil(t, v)
		assert.Empty(t, v)

		assert.Equal(t, []string{"f1"}, dataFiles(t, dir))
	})

	t.Run("file", func(t *testing.T) {
		s, dir := openTest(t, Options{Mode: ModeFile})

		assert.False(t, s.Save(ctx, "k", small, ""), "file mode needs a filename")
		require.True(t, s.Save(ctx, "k", small, "k.bin"))
		v, ok := s.GetValue(ctx, "k")
		require.True(t, ok)
		assert.Equal(t, small, v)
		assert.Equal(t, []string{"k.bin"}, dataFiles(t, dir))
	})

	t.Run("relational", func(t *testing.T) {
		s, dir := openTest(t, Options{Mode: ModeRelational})

		require.True(t, s.Save(ctx, "k", large, "ignored"))
		it, ok := s.Get(ctx, "k")
		require.True(t, ok)
		assert.Equal(t, large, it.Value)
		assert.Empty(t, it.Filename)
		assert.Empty(t, dataFiles(t, dir))
	})
}

func TestStore_SaveRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	s, _ := openTest(t, Options{})

	assert.False(t, s.Save(ctx, "", []byte("v"), ""))
	assert.False(t, s.Save(ctx, "k", nil, ""))
	assert.Equal(t, 0, s.Count(ctx))
}

func TestStore_SaveSwitchesStorage(t *testing.T) {
	ctx := context.Background()
	s, dir := openTest(t, Options{})

	require.True(t, s.Save(ctx, "k", []byte("one"), "a"))
	require.True(t, s.Save(ctx, "k", []byte("two"), "b"))
	assert.Equal(t, []string{"b"}, dataFiles(t, dir), "old file must be deleted")

	require.True(t, s.Save(ctx, "k", []byte("three"), ""))
	assert.Empty(t, dataFiles(t, dir), "going inline deletes the file")

	v, ok := s.GetValue(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("three"), v)
	assert.Equal(t, 1, s.Count(ctx))
	assert.EqualValues(t, 5, s.Size(ctx))
}

func TestStore_MissingFileSelfHeals(t *testing.T) {
	ctx := context.Background()
	m := &countingMetrics{}
	s, dir := openTest(t, Options{Metrics: m})

	require.True(t, s.Save(ctx, "k", []byte("payload"), "k.bin"))
	require.NoError(t, os.Remove(filepath.Join(dir, "data", "k.bin")))

	_, ok := s.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, s.Contains(ctx, "k"), "row must be deleted")
	assert.Equal(t, 1, m.count(metrics.EvictInconsistent))
}

// A failed upsert must not leave the just-written file behind.
func TestStore_FailedUpsertRemovesFile(t *testing.T) {
	ctx := context.Background()
	s, dir := openTest(t, Options{})

	_, err := s.idx.db.ExecContext(ctx,
		`create trigger reject_insert before insert on manifest
		 begin select raise(abort, 'rejected'); end`)
	require.NoError(t, err)

	assert.False(t, s.Save(ctx, "k", []byte("payload"), "k.bin"))
	assert.Empty(t, dataFiles(t, dir))
	assert.False(t, s.Contains(ctx, "k"))
}

// Rewriting a key under the same filename replaces the blob in place; a
// failed upsert must not then delete the file the surviving row points at.
func TestStore_FailedRewriteKeepsFile(t *testing.T) {
	ctx := context.Background()
	m := &countingMetrics{}
	s, dir := openTest(t, Options{Metrics: m})
	require.True(t, s.Save(ctx, "k", []byte("one"), "k.bin"))

	_, err := s.idx.db.ExecContext(ctx,
		`create trigger reject_insert before insert on manifest
		 begin select raise(abort, 'rejected'); end`)
	require.NoError(t, err)

	assert.False(t, s.Save(ctx, "k", []byte("two"), "k.bin"))
	assert.Equal(t, []string{"k.bin"}, dataFiles(t, dir))
	_, ok := s.GetValue(ctx, "k")
	assert.True(t, ok, "row still resolves to a file")
	assert.Zero(t, m.count(metrics.EvictInconsistent))
}

func TestStore_SaveRejectsPathLikeFilenames(t *testing.T) {
	ctx := context.Background()
	s, dir := openTest(t, Options{})

	for _, name := range []string{"../escape", "a/b", ".", "..", tempPrefix + "x"} {
		assert.False(t, s.Save(ctx, "k", []byte("v"), name), "filename %q", name)
	}
	assert.Equal(t, 0, s.Count(ctx))
	assert.Empty(t, dataFiles(t, dir))
	_, err := os.Stat(filepath.Join(dir, "escape"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_GetItemsSkipsBrokenRows(t *testing.T) {
	ctx := context.Background()
	s, dir := openTest(t, Options{})

	require.True(t, s.Save(ctx, "a", []byte("A"), ""))
	require.True(t, s.Save(ctx, "b", []byte("B"), "b.bin"))
	require.True(t, s.Save(ctx, "c", []byte("C"), "c.bin"))
	require.NoError(t, os.Remove(filepath.Join(dir, "data", "c.bin")))

	vals, ok := s.GetValues(ctx, []string{"a", "b", "c", "missing"})
	require.True(t, ok)
	assert.Equal(t, map[string][]byte{"a": []byte("A"), "b": []byte("B")}, vals)
	assert.False(t, s.Contains(ctx, "c"))

	info, ok := s.GetItemInfo(ctx, "b")
	require.True(t, ok)
	assert.Nil(t, info.Value)
	assert.EqualValues(t, 1, info.Size)
	assert.Equal(t, "b.bin", info.Filename)
}

func TestStore_RemoveKeys(t *testing.T) {
	ctx := context.Background()
	s, dir := openTest(t, Options{})

	for i := 0; i < 5; i++ {
		k := strconv.Itoa(i)
		require.True(t, s.Save(ctx, k, []byte(k), k+".bin"))
	}
	require.True(t, s.Remove(ctx, "0"))
	require.True(t, s.Remove(ctx, "0"), "removing an absent key succeeds")
	require.True(t, s.RemoveKeys(ctx, []string{"1", "2"}))

	assert.Equal(t, 2, s.Count(ctx))
	assert.ElementsMatch(t, []string{"3.bin", "4.bin"}, dataFiles(t, dir))
}

// saveAged stores n items of size 10, each one second newer than the last.
func saveAged(t *testing.T, s *Store, clk *fakeClock, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		k := strconv.Itoa(i)
		require.True(t, s.Save(context.Background(), k, bytes.Repeat([]byte{'x'}, 10), "f"+k))
		clk.add(time.Second)
	}
}

func TestStore_RemoveToFit(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	s, dir := openTest(t, Options{Clock: clk})
	saveAged(t, s, clk, 40)

	// Touch the oldest; it must now outlive its neighbours.
	_, ok := s.Get(ctx, "0")
	require.True(t, ok)

	require.True(t, s.RemoveToFitSize(ctx, 255))
	assert.EqualValues(t, 250, s.Size(ctx), "evicts no more than required")
	assert.True(t, s.Contains(ctx, "0"))
	assert.False(t, s.Contains(ctx, "1"))
	assert.Len(t, dataFiles(t, dir), 25)

	require.True(t, s.RemoveToFitCount(ctx, 3))
	assert.Equal(t, 3, s.Count(ctx))
	assert.True(t, s.Contains(ctx, "0"))
	assert.True(t, s.Contains(ctx, "39"))
	assert.True(t, s.Contains(ctx, "38"))

	require.True(t, s.RemoveToFitCount(ctx, math.MaxInt))
	require.True(t, s.RemoveToFitSize(ctx, math.MaxInt64))
	assert.Equal(t, 3, s.Count(ctx))

	require.True(t, s.RemoveToFitCount(ctx, 0))
	assert.Equal(t, 0, s.Count(ctx))
}

func TestStore_RemoveLargerAndEarlier(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	s, _ := openTest(t, Options{Clock: clk})
	saveAged(t, s, clk, 10)
	require.True(t, s.Save(ctx, "big", bytes.Repeat([]byte{'y'}, 100), ""))

	require.True(t, s.RemoveLargerThan(ctx, math.MaxInt64))
	assert.Equal(t, 11, s.Count(ctx))

	require.True(t, s.RemoveLargerThan(ctx, 50))
	assert.False(t, s.Contains(ctx, "big"))
	assert.Equal(t, 10, s.Count(ctx))

	require.True(t, s.RemoveEarlierThan(ctx, time.Unix(-5, 0)))
	assert.Equal(t, 10, s.Count(ctx))

	// Items 0..4 were saved more than 5s before the clock's current time.
	cutoff := time.Unix(0, clk.NowUnixNano()).Add(-5 * time.Second)
	require.True(t, s.RemoveEarlierThan(ctx, cutoff))
	assert.Equal(t, 5, s.Count(ctx))
	assert.False(t, s.Contains(ctx, "4"))
	assert.True(t, s.Contains(ctx, "5"))

	require.True(t, s.RemoveLargerThan(ctx, 0))
	assert.Equal(t, 0, s.Count(ctx))
}

func TestStore_RemoveAllIsReusable(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	s, dir := openTest(t, Options{Clock: clk})
	saveAged(t, s, clk, 5)
	require.True(t, s.Save(ctx, "inline", []byte("v"), ""))

	require.True(t, s.RemoveAll(ctx))
	assert.Equal(t, 0, s.Count(ctx))
	assert.EqualValues(t, 0, s.Size(ctx))
	assert.Empty(t, dataFiles(t, dir))

	s.files.trashQ.Flush()
	trash, err := os.ReadDir(filepath.Join(dir, "trash"))
	require.NoError(t, err)
	assert.Empty(t, trash)

	require.True(t, s.Save(ctx, "again", []byte("v"), "again.bin"))
	v, ok := s.GetValue(ctx, "again")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestStore_RemoveAllWithProgress(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	s, dir := openTest(t, Options{Clock: clk})
	saveAged(t, s, clk, 70)

	var calls [][2]int
	require.True(t, s.RemoveAllWithProgress(ctx, func(removed, total int) {
		calls = append(calls, [2]int{removed, total})
	}))
	assert.Equal(t, [][2]int{{32, 70}, {64, 70}, {70, 70}}, calls)
	assert.Equal(t, 0, s.Count(ctx))
	assert.Empty(t, dataFiles(t, dir))
}

func TestStore_RemoveAllWithProgressCheckpointsEachBatch(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	s, _ := openTest(t, Options{Clock: clk})
	saveAged(t, s, clk, 70)

	before := s.idx.checkpoints
	batches := 0
	require.True(t, s.RemoveAllWithProgress(ctx, func(int, int) {
		batches++
		assert.Equal(t, before+batches, s.idx.checkpoints, "checkpoint precedes progress")
	}))
	assert.Equal(t, 3, batches)
	assert.Equal(t, before+3, s.idx.checkpoints)
}

// Bulk removals only rename into trash; they never wait for the background
// purge of earlier trash.
func TestStore_RemoveAllDoesNotWaitForPurge(t *testing.T) {
	ctx := context.Background()
	s, dir := openTest(t, Options{})
	s.files.trashQ.Flush()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s.files.purge = func(path string) error {
		once.Do(func() { close(entered) })
		<-release
		return os.RemoveAll(path)
	}
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	old := filepath.Join(dir, "trash", "old")
	require.NoError(t, os.MkdirAll(old, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(old, "f"), []byte("x"), 0o644))
	s.files.emptyTrashAsync()
	<-entered

	require.True(t, s.Save(ctx, "k", []byte("v"), "k.bin"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data", "stray"), []byte("x"), 0o644))

	done := make(chan bool, 2)
	go func() {
		_, ok := s.RemoveOrphans(ctx)
		done <- ok
		done <- s.RemoveAll(ctx)
	}()
	for i := 0; i < 2; i++ {
		select {
		case ok := <-done:
			assert.True(t, ok)
		case <-time.After(5 * time.Second):
			t.Fatal("bulk removal blocked behind the trash purge")
		}
	}
	assert.Equal(t, 0, s.Count(ctx))

	close(release)
	s.files.trashQ.Flush()
	trash, err := os.ReadDir(filepath.Join(dir, "trash"))
	require.NoError(t, err)
	assert.Empty(t, trash)
}

func TestBlobs_EmptyTrashSkipsActiveStaging(t *testing.T) {
	dir := t.TempDir()
	b := newBlobs(filepath.Join(dir, "data"), filepath.Join(dir, "trash"), slog.New(slog.DiscardHandler))
	t.Cleanup(b.close)

	active := stagingPrefix + "busy"
	leftover := stagingPrefix + "crashed"
	for _, d := range []string{active, leftover} {
		require.NoError(t, os.MkdirAll(filepath.Join(b.trash, d), 0o755))
	}
	b.staging.Store(active, struct{}{})

	b.emptyTrashAsync()
	b.trashQ.Flush()

	entries, err := os.ReadDir(b.trash)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, active, entries[0].Name())
}

func TestStore_InvalidatedFailsFast(t *testing.T) {
	ctx := context.Background()
	hub := lifecycle.NewHub()
	s, dir := openTest(t, Options{Events: hub})
	require.True(t, s.Save(ctx, "k", []byte("v"), "k.bin"))

	hub.Publish(lifecycle.Terminate)

	assert.False(t, s.Save(ctx, "k2", []byte("v"), "k2.bin"))
	_, ok := s.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, s.Contains(ctx, "k"))
	assert.False(t, s.RemoveAll(ctx))
	assert.Equal(t, -1, s.Count(ctx))
	assert.Equal(t, []string{"k.bin"}, dataFiles(t, dir), "no I/O after invalidation")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestOpen_ResetsCorruptManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data", "stale.bin"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName), bytes.Repeat([]byte("garbage!"), 512), 0o644))

	s, err := Open(dir, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	assert.Equal(t, 0, s.Count(ctx))
	assert.Empty(t, dataFiles(t, dir), "data moved to trash by the reset")
	require.True(t, s.Save(ctx, "k", []byte("v"), ""))
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("", Options{})
	assert.True(t, errors.Is(err, ErrInvalidPath))

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = Open(file, Options{})
	assert.True(t, errors.Is(err, ErrInvalidPath))
}

func TestStore_RemoveOrphans(t *testing.T) {
	ctx := context.Background()
	s, dir := openTest(t, Options{})
	require.True(t, s.Save(ctx, "k", []byte("v"), "k.bin"))

	data := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(filepath.Join(data, "stray.bin"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(data, tempPrefix+"123"), []byte("x"), 0o644))

	n, ok := s.RemoveOrphans(ctx)
	require.True(t, ok)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"k.bin"}, dataFiles(t, dir))

	n, ok = s.RemoveOrphans(ctx)
	require.True(t, ok)
	assert.Zero(t, n)
}

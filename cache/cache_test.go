package cache

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/tiercache/codec"
	"github.com/IvanBrykalov/tiercache/disk"
	"github.com/IvanBrykalov/tiercache/kv"
	"github.com/IvanBrykalov/tiercache/lifecycle"
	"github.com/IvanBrykalov/tiercache/memory"
)

func newTest[K comparable, V any](t *testing.T, opt Options[K, V]) *Cache[K, V] {
	t.Helper()
	opt.Memory.AutoTrimInterval = -1
	opt.Disk.AutoTrimInterval = -1
	c, err := New(t.TempDir(), opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_SetGetRemove(t *testing.T) {
	ctx := context.Background()
	c := newTest(t, Options[string, string]{})

	require.True(t, c.Set(ctx, "a", "1"))
	v, ok := c.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
	assert.True(t, c.Memory().Contains("a"))
	assert.True(t, c.Disk().Contains(ctx, "a"))

	require.True(t, c.Remove(ctx, "a"))
	_, ok = c.Get(ctx, "a")
	assert.False(t, ok)
	assert.False(t, c.Contains(ctx, "a"))
}

func TestCache_DiskHitIsPromoted(t *testing.T) {
	ctx := context.Background()
	c := newTest(t, Options[int, string]{})

	require.True(t, c.Disk().Set(ctx, 1, "disk only"))
	require.False(t, c.Memory().Contains(1))

	v, ok := c.Get(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, "disk only", v)
	assert.True(t, c.Memory().Contains(1), "disk hit must land in memory")
}

// Entries evicted from memory are still served by disk.
func TestCache_MemoryEvictionFallsBackToDisk(t *testing.T) {
	ctx := context.Background()
	c := newTest(t, Options[int, string]{
		Memory: memory.Options[int, string]{CountLimit: 2},
	})
	for i := 1; i <= 3; i++ {
		require.True(t, c.Set(ctx, i, "v"+strconv.Itoa(i)))
	}
	assert.False(t, c.Memory().Contains(1))
	assert.Equal(t, 2, c.Memory().Len())

	v, ok := c.Get(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, "v1", v)
	assert.True(t, c.Memory().Contains(1))
	assert.False(t, c.Memory().Contains(2), "promotion evicts the LRU entry")
}

func TestCache_ConcurrentMissesShareOneDiskRead(t *testing.T) {
	ctx := context.Background()
	var decodes atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	c := newTest(t, Options[string, string]{
		Disk: disk.Options[string, string]{Codec: codec.Funcs[string]{
			EncodeFunc: func(v string) ([]byte, error) { return []byte(v), nil },
			DecodeFunc: func(b []byte) (string, error) {
				if decodes.Add(1) == 1 {
					close(entered)
					<-release
				}
				return string(b), nil
			},
		}},
	})
	require.True(t, c.Disk().Set(ctx, "k", "v"))

	var g errgroup.Group
	g.Go(func() error {
		if v, ok := c.Get(ctx, "k"); !ok || v != "v" {
			return assert.AnError
		}
		return nil
	})
	<-entered
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			if v, ok := c.Get(ctx, "k"); !ok || v != "v" {
				return assert.AnError
			}
			return nil
		})
	}
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, decodes.Load())
}

// blockingDecode returns a string codec whose first Decode signals entered
// and waits for release.
func blockingDecode(entered, release chan struct{}) codec.Funcs[string] {
	var decodes atomic.Int32
	return codec.Funcs[string]{
		EncodeFunc: func(v string) ([]byte, error) { return []byte(v), nil },
		DecodeFunc: func(b []byte) (string, error) {
			if decodes.Add(1) == 1 {
				close(entered)
				<-release
			}
			return string(b), nil
		},
	}
}

// A disk read that overlaps a Set must not overwrite the new value in memory.
func TestCache_SlowDiskReadDoesNotResurrectOverwrittenValue(t *testing.T) {
	ctx := context.Background()
	entered, release := make(chan struct{}), make(chan struct{})
	c := newTest(t, Options[string, string]{
		Disk: disk.Options[string, string]{Codec: blockingDecode(entered, release)},
	})
	require.True(t, c.Disk().Set(ctx, "k", "v1"))

	first := make(chan string, 1)
	go func() {
		v, _ := c.Get(ctx, "k")
		first <- v
	}()
	<-entered
	require.True(t, c.Set(ctx, "k", "v2"))
	close(release)
	assert.Equal(t, "v1", <-first, "the read that started first sees the old value")

	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
	v, ok = c.Memory().Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

// A disk read that overlaps a Remove must not bring the entry back.
func TestCache_SlowDiskReadDoesNotResurrectRemovedValue(t *testing.T) {
	ctx := context.Background()
	entered, release := make(chan struct{}), make(chan struct{})
	c := newTest(t, Options[string, string]{
		Disk: disk.Options[string, string]{Codec: blockingDecode(entered, release)},
	})
	require.True(t, c.Disk().Set(ctx, "k", "v1"))

	first := make(chan struct{})
	go func() {
		defer close(first)
		c.Get(ctx, "k")
	}()
	<-entered
	require.True(t, c.Remove(ctx, "k"))
	close(release)
	<-first

	assert.False(t, c.Memory().Contains("k"))
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

// Same as above for RemoveAll.
func TestCache_SlowDiskReadDoesNotSurviveRemoveAll(t *testing.T) {
	ctx := context.Background()
	entered, release := make(chan struct{}), make(chan struct{})
	c := newTest(t, Options[string, string]{
		Disk: disk.Options[string, string]{Codec: blockingDecode(entered, release)},
	})
	require.True(t, c.Disk().Set(ctx, "k", "v1"))

	first := make(chan struct{})
	go func() {
		defer close(first)
		c.Get(ctx, "k")
	}()
	<-entered
	require.True(t, c.RemoveAll(ctx))
	close(release)
	<-first

	assert.Equal(t, 0, c.Memory().Len())
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

// GetAsync blocked on the disk worker while SetAsync is queued behind it.
func TestCache_GetAsyncDoesNotOverwriteQueuedSet(t *testing.T) {
	ctx := context.Background()
	entered, release := make(chan struct{}), make(chan struct{})
	c := newTest(t, Options[string, string]{
		Disk: disk.Options[string, string]{Codec: blockingDecode(entered, release)},
	})
	require.True(t, c.Disk().Set(ctx, "k", "v1"))

	got := make(chan string, 1)
	c.GetAsync("k", func(v string, _ bool) { got <- v })
	<-entered
	done := make(chan bool, 1)
	c.SetAsync("k", "v2", func(ok bool) { done <- ok })
	close(release)
	assert.Equal(t, "v1", <-got)
	require.True(t, <-done)

	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestCache_GetHonoursContext(t *testing.T) {
	c := newTest(t, Options[string, string]{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := c.Get(ctx, "absent")
	assert.False(t, ok)
}

func TestCache_AsyncVariants(t *testing.T) {
	ctx := context.Background()
	c := newTest(t, Options[string, string]{})

	done := make(chan bool, 1)
	c.SetAsync("k", "v", func(ok bool) { done <- ok })
	assert.True(t, c.Memory().Contains("k"), "memory side is written synchronously")
	require.True(t, <-done)
	assert.True(t, c.Disk().Contains(ctx, "k"))

	// Drop the memory copy so GetAsync goes to disk and promotes.
	c.Memory().Remove("k")
	got := make(chan string, 1)
	c.GetAsync("k", func(v string, ok bool) {
		if !ok {
			v = "<miss>"
		}
		got <- v
	})
	assert.Equal(t, "v", <-got)
	assert.True(t, c.Memory().Contains("k"))

	c.ContainsAsync("k", func(ok bool) { done <- ok })
	assert.True(t, <-done)

	c.RemoveAsync("k", func(ok bool) { done <- ok })
	assert.False(t, c.Memory().Contains("k"))
	require.True(t, <-done)
	c.ContainsAsync("k", func(ok bool) { done <- ok })
	assert.False(t, <-done)
}

func TestCache_RemoveAllVariants(t *testing.T) {
	ctx := context.Background()
	c := newTest(t, Options[int, []byte]{
		Disk: disk.Options[int, []byte]{Codec: codec.Bytes{}},
	})
	fill := func(n int) {
		for i := 0; i < n; i++ {
			require.True(t, c.Set(ctx, i, make([]byte, i)))
		}
	}

	fill(10)
	require.True(t, c.RemoveAll(ctx))
	assert.Equal(t, 0, c.Memory().Len())
	assert.Equal(t, 0, c.Disk().Count(ctx))

	fill(10)
	done := make(chan bool, 1)
	c.RemoveAllAsync(func(ok bool) { done <- ok })
	assert.Equal(t, 0, c.Memory().Len())
	require.True(t, <-done)
	assert.Equal(t, 0, c.Disk().Count(ctx))

	fill(40)
	var calls int
	c.RemoveAllWithProgress(func(int, int) { calls++ }, func(ok bool) { done <- ok })
	require.True(t, <-done)
	assert.Positive(t, calls)
	assert.Equal(t, 0, c.Disk().Count(ctx))
	assert.EqualValues(t, 0, c.Memory().Cost())
}

func TestCache_SharedEvents(t *testing.T) {
	ctx := context.Background()
	hub := lifecycle.NewHub()
	c := newTest(t, Options[string, string]{
		Events: hub,
		Memory: memory.Options[string, string]{ClearOnLowMemory: true},
	})
	require.True(t, c.Set(ctx, "k", "v"))

	hub.Publish(lifecycle.LowMemory)
	assert.Equal(t, 0, c.Memory().Len())
	v, ok := c.Get(ctx, "k")
	require.True(t, ok, "disk keeps the entry")
	assert.Equal(t, "v", v)

	hub.Publish(lifecycle.Terminate)
	assert.False(t, c.Set(ctx, "k2", "v"), "terminated store refuses writes")
}

func TestNew_InvalidPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := New(filepath.Join(file, "cache"), Options[string, string]{})
	require.Error(t, err)
	assert.ErrorIs(t, err, kv.ErrInvalidPath)
}

func TestCache_Race(t *testing.T) {
	ctx := context.Background()
	c := newTest(t, Options[int, string]{
		Memory: memory.Options[int, string]{CountLimit: 64},
	})

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				k := (w*7 + i) % 128
				switch i % 5 {
				case 0:
					c.Remove(ctx, k)
				case 1:
					c.SetAsync(k, "a"+strconv.Itoa(k), nil)
				case 2:
					c.Set(ctx, k, "s"+strconv.Itoa(k))
				default:
					c.Get(ctx, k)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	c.Flush()
	assert.LessOrEqual(t, c.Memory().Len(), 64)
}

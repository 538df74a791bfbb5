package memory

import (
	"math/rand"
	"strconv"
	"sync/atomic"
	"testing"
)

// benchmarkMix exercises a read/write mix against a warm cache with
// parallel workers. The count limit keeps the eviction path hot.
func benchmarkMix(b *testing.B, readsPct int) {
	c := newTest(b, Options[string, string]{CountLimit: 50_000})

	for i := 0; i < 50_000; i++ {
		c.Set("k:"+strconv.Itoa(i), "v")
	}

	b.ReportAllocs()
	b.ResetTimer()

	var seed int64 = 1
	keyMask := (1 << 16) - 1

	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(atomic.AddInt64(&seed, 1)))
		i := 0
		for pb.Next() {
			k := "k:" + strconv.Itoa(i&keyMask)
			if r.Intn(100) < readsPct {
				c.Get(k)
			} else {
				c.Set(k, "v")
			}
			i++
		}
	})
}

func BenchmarkCache_90r10w(b *testing.B) { benchmarkMix(b, 90) }
func BenchmarkCache_50r50w(b *testing.B) { benchmarkMix(b, 50) }

// Large trims must not stall readers; this measures Get latency while
// another goroutine repeatedly refills and trims.
func BenchmarkCache_GetDuringTrim(b *testing.B) {
	c := newTest(b, Options[int, int]{})
	for i := 0; i < 100_000; i++ {
		c.Set(i, i)
	}
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			c.TrimToCount(1_000)
			for i := 0; i < 10_000; i++ {
				c.Set(i, i)
			}
		}
	}()
	b.Cleanup(func() { close(stop) })

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(i & 1023)
	}
}

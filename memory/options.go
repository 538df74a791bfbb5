package memory

import (
	"log/slog"
	"time"

	"github.com/IvanBrykalov/tiercache/lifecycle"
	"github.com/IvanBrykalov/tiercache/metrics"
)

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

const (
	defaultAutoTrimInterval = 5 * time.Second
	defaultTrimBackoff      = 10 * time.Millisecond
)

// Options configures a memory Cache. Zero values are safe;
// defaults are applied in New():
//   - CountLimit/CostLimit/AgeLimit == 0 => unlimited
//   - AutoTrimInterval == 0 => 5s, < 0 => no auto-trim goroutine
//   - TrimBackoff <= 0 => 10ms
//   - nil Metrics => metrics.Noop, nil Clock => wall clock, nil Logger => discard
type Options[K comparable, V any] struct {
	// Limits enforced by Set (count) and by the auto-trim loop (all three).
	CountLimit int
	CostLimit  int64
	AgeLimit   time.Duration

	AutoTrimInterval time.Duration
	// TrimBackoff is how long a trim sleeps when the lock is contended.
	TrimBackoff time.Duration

	// Cost computes the cost of a value stored with Set. nil => 0.
	Cost func(v V) int64

	// OnEvict runs for every entry dropped by a trim, a limit or a clear.
	// It never runs under the cache lock.
	OnEvict func(k K, v V, reason metrics.EvictReason)
	// ReleaseAsynchronously moves OnEvict calls to the cache's release queue.
	ReleaseAsynchronously bool
	// ReleaseOn, if set, receives each batch of OnEvict calls to run on a
	// caller-chosen context (an event loop, a worker). Takes precedence over
	// ReleaseAsynchronously.
	ReleaseOn func(func())

	// Host signals. The callbacks run before the optional clear.
	Events            lifecycle.Source
	OnLowMemory       func(c *Cache[K, V])
	OnBackground      func(c *Cache[K, V])
	ClearOnLowMemory  bool
	ClearOnBackground bool

	Metrics metrics.Metrics
	Clock   Clock
	Logger  *slog.Logger
}

func (o *Options[K, V]) applyDefaults() {
	if o.CountLimit < 0 {
		panic("memory: CountLimit must be >= 0")
	}
	if o.CostLimit < 0 {
		panic("memory: CostLimit must be >= 0")
	}
	if o.AutoTrimInterval == 0 {
		o.AutoTrimInterval = defaultAutoTrimInterval
	}
	if o.TrimBackoff <= 0 {
		o.TrimBackoff = defaultTrimBackoff
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Noop{}
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

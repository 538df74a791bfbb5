package disk

import (
	"log/slog"
	"time"

	"github.com/IvanBrykalov/tiercache/codec"
	"github.com/IvanBrykalov/tiercache/internal/util"
	"github.com/IvanBrykalov/tiercache/kv"
	"github.com/IvanBrykalov/tiercache/lifecycle"
	"github.com/IvanBrykalov/tiercache/metrics"
)

const (
	// DefaultInlineThreshold is the largest encoded value stored inline in
	// auto mode.
	DefaultInlineThreshold = 20 << 10

	defaultAutoTrimInterval = 60 * time.Second
)

// Options configures a disk Cache. Zero values are safe;
// defaults are applied in Open():
//   - nil Codec => codec.Msgpack
//   - Mode => kv.ModeAuto, InlineThreshold <= 0 => 20 KiB
//   - nil KeyString => util.KeyString, nil Filename => util.FileName (hex MD5)
//   - limits == 0 => unlimited
//   - AutoTrimInterval == 0 => 60s, < 0 => no auto-trim
type Options[K comparable, V any] struct {
	Codec codec.Codec[V]

	Mode kv.Mode
	// InlineThreshold applies to ModeAuto: an encoded value of at most this
	// many bytes is stored in the manifest, a larger one in its own file.
	InlineThreshold int

	KeyString func(k K) string
	Filename  func(key string) string

	CountLimit int
	CostLimit  int64
	AgeLimit   time.Duration
	// FreeDiskSpaceLimit is the free space (bytes) the auto-trim tries to
	// keep on the volume holding the cache.
	FreeDiskSpaceLimit int64

	AutoTrimInterval time.Duration
	// SweepOrphansOnOpen queues kv.Store.RemoveOrphans right after Open.
	SweepOrphansOnOpen bool

	// Events is forwarded to the store: Terminate invalidates it.
	Events  lifecycle.Source
	Metrics metrics.Metrics
	Clock   kv.Clock
	Logger  *slog.Logger
}

type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

func (o *Options[K, V]) applyDefaults() {
	if o.Codec == nil {
		o.Codec = codec.Msgpack[V]{}
	}
	if o.InlineThreshold <= 0 {
		o.InlineThreshold = DefaultInlineThreshold
	}
	if o.KeyString == nil {
		o.KeyString = util.KeyString[K]
	}
	if o.Filename == nil {
		o.Filename = util.FileName
	}
	if o.AutoTrimInterval == 0 {
		o.AutoTrimInterval = defaultAutoTrimInterval
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

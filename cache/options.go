package cache

import (
	"log/slog"

	"github.com/IvanBrykalov/tiercache/disk"
	"github.com/IvanBrykalov/tiercache/internal/util"
	"github.com/IvanBrykalov/tiercache/lifecycle"
	"github.com/IvanBrykalov/tiercache/memory"
)

// Options configures a tiered Cache. Zero values are safe; see
// memory.Options and disk.Options for the per-tier defaults.
//
// Events and Logger are shared: they are copied into a tier's options when
// that tier leaves its own field nil.
type Options[K comparable, V any] struct {
	Memory memory.Options[K, V]
	Disk   disk.Options[K, V]

	Events lifecycle.Source
	Logger *slog.Logger
}

func (o *Options[K, V]) applyDefaults() {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Memory.Events == nil {
		o.Memory.Events = o.Events
	}
	if o.Memory.Logger == nil {
		o.Memory.Logger = o.Logger
	}
	if o.Disk.Events == nil {
		o.Disk.Events = o.Events
	}
	if o.Disk.Logger == nil {
		o.Disk.Logger = o.Logger
	}
	// The facade needs the same string form as the disk tier to key its
	// in-flight reads.
	if o.Disk.KeyString == nil {
		o.Disk.KeyString = util.KeyString[K]
	}
}

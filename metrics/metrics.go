// Package metrics defines the observability hooks shared by the cache tiers.
package metrics

// EvictReason explains why an entry left a tier.
type EvictReason int

const (
	// EvictCount: removed to satisfy the entry count limit.
	EvictCount EvictReason = iota
	// EvictCost: removed to satisfy the cost (bytes) limit.
	EvictCost
	// EvictAge: older than the age limit.
	EvictAge
	// EvictClear: dropped by a full clear (RemoveAll, low-memory or
	// background signal).
	EvictClear
	// EvictInconsistent: the index pointed at a blob file that was gone.
	EvictInconsistent
	// EvictDiskSpace: removed to restore the free-disk-space limit.
	EvictDiskSpace
)

// String returns a stable label for the reason.
func (r EvictReason) String() string {
	switch r {
	case EvictCount:
		return "count"
	case EvictCost:
		return "cost"
	case EvictAge:
		return "age"
	case EvictClear:
		return "clear"
	case EvictInconsistent:
		return "inconsistent"
	case EvictDiskSpace:
		return "disk_space"
	default:
		return "unknown"
	}
}

// Metrics exposes tier-level observability hooks.
// Implementations must be safe for concurrent use.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	Size(entries int, cost int64)
}

// Noop is a drop-in Metrics implementation that does nothing.
// It is the default when no observability backend is configured.
type Noop struct{}

func (Noop) Hit()                         {}
func (Noop) Miss()                        {}
func (Noop) Evict(EvictReason)            {}
func (Noop) Size(entries int, cost int64) {}

var _ Metrics = Noop{}

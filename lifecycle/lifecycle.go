// Package lifecycle models host lifecycle signals (memory pressure, moving to
// the background, termination) as events that cache tiers subscribe to.
//
// Tiers never poll the host. They subscribe to a Source handed to them at
// construction; the embedding application publishes events through a Hub,
// optionally fed from OS signals by NotifyOS.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"
)

// Event is a host lifecycle signal.
type Event int

const (
	// LowMemory asks tiers to shed memory.
	LowMemory Event = iota
	// Background reports that the process moved to the background.
	Background
	// Terminate reports imminent shutdown; stores invalidate themselves.
	Terminate
)

func (e Event) String() string {
	switch e {
	case LowMemory:
		return "low_memory"
	case Background:
		return "background"
	case Terminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Source delivers events to subscribers. The returned cancel func removes
// the subscription; it is safe to call more than once.
type Source interface {
	Subscribe(fn func(Event)) (cancel func())
}

// Hub is an in-process Source. Publish calls subscribers synchronously, in
// subscription order, outside the hub lock.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Event)
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(Event))}
}

// Subscribe implements Source.
func (h *Hub) Subscribe(fn func(Event)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Publish delivers e to every current subscriber.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	fns := make([]func(Event), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, h.subs[id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

// NotifyOS publishes events on h when the mapped OS signals arrive, until
// ctx is done. Typical mapping: SIGTERM → Terminate, SIGUSR1 → LowMemory.
func NotifyOS(ctx context.Context, h *Hub, mapping map[os.Signal]Event) {
	if len(mapping) == 0 {
		return
	}
	sigs := make([]os.Signal, 0, len(mapping))
	for s := range mapping {
		sigs = append(sigs, s)
	}
	ch := make(chan os.Signal, len(sigs))
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-ch:
				if e, ok := mapping[s]; ok {
					h.Publish(e)
				}
			}
		}
	}()
}

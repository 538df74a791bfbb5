// Package linkedmap implements an arena-backed intrusive doubly linked list
// indexed by key. Head is MRU, tail is LRU.
//
// Nodes live in a slice and link to each other by index, so the list has no
// pointer cycles and removed slots are recycled through a free list.
// A Map is not safe for concurrent use; the owner serialises access.
package linkedmap

// Handle addresses a node in the arena. None means "no node".
type Handle int32

// None is the nil handle.
const None Handle = -1

// node is one arena slot. A free slot has live == false and its next field
// chains the free list.
type node[K comparable, V any] struct {
	key   K
	value V
	cost  int64
	time  int64 // last touch, UnixNano

	prev Handle
	next Handle
	live bool
}

// Entry is a detached copy of a node returned by removals.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
	Cost  int64
	Time  int64
}

// Map is the LRU list plus key→handle index with running totals.
type Map[K comparable, V any] struct {
	nodes []node[K, V]
	index map[K]Handle
	free  Handle

	head Handle
	tail Handle

	count int
	cost  int64
}

// New returns an empty Map with room for sizeHint entries.
func New[K comparable, V any](sizeHint int) *Map[K, V] {
	if sizeHint < 0 {
		sizeHint = 0
	}
	return &Map[K, V]{
		nodes: make([]node[K, V], 0, sizeHint),
		index: make(map[K]Handle, sizeHint),
		free:  None,
		head:  None,
		tail:  None,
	}
}

// Len returns the number of live entries.
func (m *Map[K, V]) Len() int { return m.count }

// Cost returns the sum of live entry costs.
func (m *Map[K, V]) Cost() int64 { return m.cost }

// Head returns the MRU handle or None.
func (m *Map[K, V]) Head() Handle { return m.head }

// Tail returns the LRU handle or None.
func (m *Map[K, V]) Tail() Handle { return m.tail }

// Contains reports whether key has a node.
func (m *Map[K, V]) Contains(key K) bool {
	_, ok := m.index[key]
	return ok
}

// Lookup returns the handle for key.
func (m *Map[K, V]) Lookup(key K) (Handle, bool) {
	h, ok := m.index[key]
	return h, ok
}

// Entry returns a copy of the node at h. h must be live.
func (m *Map[K, V]) Entry(h Handle) Entry[K, V] {
	n := &m.nodes[h]
	return Entry[K, V]{Key: n.key, Value: n.value, Cost: n.cost, Time: n.time}
}

// Value returns the value stored at h. h must be live.
func (m *Map[K, V]) Value(h Handle) V { return m.nodes[h].value }

// Time returns the last-touch time of h. h must be live.
func (m *Map[K, V]) Time(h Handle) int64 { return m.nodes[h].time }

// Touch refreshes the last-touch time of h.
func (m *Map[K, V]) Touch(h Handle, now int64) { m.nodes[h].time = now }

// Get returns the value for key without changing its position.
func (m *Map[K, V]) Get(key K) (V, bool) {
	h, ok := m.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	return m.nodes[h].value, true
}

// Set inserts key at the head, or replaces the existing node's value and
// moves it to the head. It returns the previous entry on replace.
func (m *Map[K, V]) Set(key K, value V, cost int64, now int64) (old Entry[K, V], replaced bool) {
	if h, ok := m.index[key]; ok {
		old = m.Entry(h)
		m.Replace(h, value, cost, now)
		return old, true
	}
	m.PushFront(key, value, cost, now)
	return old, false
}

// Delete removes key if present and returns the removed entry.
func (m *Map[K, V]) Delete(key K) (Entry[K, V], bool) {
	h, ok := m.index[key]
	if !ok {
		return Entry[K, V]{}, false
	}
	e := m.Entry(h)
	m.Remove(h)
	return e, true
}

// PushFront inserts a new node at the head. key must not be present.
func (m *Map[K, V]) PushFront(key K, value V, cost int64, now int64) Handle {
	h := m.alloc()
	n := &m.nodes[h]
	n.key, n.value, n.cost, n.time = key, value, cost, now
	n.live = true
	n.prev = None
	n.next = m.head
	if m.head != None {
		m.nodes[m.head].prev = h
	}
	m.head = h
	if m.tail == None {
		m.tail = h
	}
	m.index[key] = h
	m.count++
	m.cost += cost
	return h
}

// Replace swaps the value and cost of h in place and moves it to the head.
func (m *Map[K, V]) Replace(h Handle, value V, cost int64, now int64) {
	n := &m.nodes[h]
	m.cost += cost - n.cost
	n.value, n.cost, n.time = value, cost, now
	m.MoveToFront(h)
}

// MoveToFront promotes h to MRU in O(1).
func (m *Map[K, V]) MoveToFront(h Handle) {
	if h == m.head {
		return
	}
	n := &m.nodes[h]
	if h == m.tail {
		m.tail = n.prev
		m.nodes[m.tail].next = None
	} else {
		m.nodes[n.prev].next = n.next
		m.nodes[n.next].prev = n.prev
	}
	n.prev = None
	n.next = m.head
	m.nodes[m.head].prev = h
	m.head = h
}

// Remove unlinks h, drops its key from the index and recycles the slot.
func (m *Map[K, V]) Remove(h Handle) {
	n := &m.nodes[h]
	if n.prev != None {
		m.nodes[n.prev].next = n.next
	} else {
		m.head = n.next
	}
	if n.next != None {
		m.nodes[n.next].prev = n.prev
	} else {
		m.tail = n.prev
	}
	delete(m.index, n.key)
	m.count--
	m.cost -= n.cost
	m.release(h)
}

// RemoveTail removes and returns the LRU entry.
func (m *Map[K, V]) RemoveTail() (Entry[K, V], bool) {
	if m.tail == None {
		return Entry[K, V]{}, false
	}
	e := m.Entry(m.tail)
	m.Remove(m.tail)
	return e, true
}

// RemoveAll drops every entry and returns them, MRU first.
func (m *Map[K, V]) RemoveAll() []Entry[K, V] {
	out := make([]Entry[K, V], 0, m.count)
	for h := m.head; h != None; h = m.nodes[h].next {
		out = append(out, m.Entry(h))
	}
	clear(m.index)
	m.nodes = m.nodes[:0]
	m.free = None
	m.head, m.tail = None, None
	m.count, m.cost = 0, 0
	return out
}

func (m *Map[K, V]) alloc() Handle {
	if m.free != None {
		h := m.free
		m.free = m.nodes[h].next
		return h
	}
	m.nodes = append(m.nodes, node[K, V]{})
	return Handle(len(m.nodes) - 1)
}

func (m *Map[K, V]) release(h Handle) {
	var zero node[K, V] // drop key/value references for the GC
	m.nodes[h] = zero
	m.nodes[h].prev = None
	m.nodes[h].next = m.free
	m.free = h
}

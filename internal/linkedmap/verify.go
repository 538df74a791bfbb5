package linkedmap

import "fmt"

// Verify walks the list and checks structural invariants: head/tail
// reachability, back links, the key↔node bijection, and the running totals.
// It is O(n) and meant for tests and debugging.
func (m *Map[K, V]) Verify() error {
	if (m.head == None) != (m.tail == None) {
		return fmt.Errorf("linkedmap: head=%d tail=%d disagree on emptiness", m.head, m.tail)
	}
	var (
		count int
		cost  int64
		prev  = None
	)
	for h := m.head; h != None; h = m.nodes[h].next {
		n := &m.nodes[h]
		if !n.live {
			return fmt.Errorf("linkedmap: free slot %d reachable from head", h)
		}
		if n.prev != prev {
			return fmt.Errorf("linkedmap: node %d prev=%d, want %d", h, n.prev, prev)
		}
		if got, ok := m.index[n.key]; !ok || got != h {
			return fmt.Errorf("linkedmap: key %v maps to %d (ok=%v), node is %d", n.key, got, ok, h)
		}
		count++
		cost += n.cost
		if count > len(m.nodes) {
			return fmt.Errorf("linkedmap: cycle detected")
		}
		prev = h
	}
	if prev != m.tail {
		return fmt.Errorf("linkedmap: walk ended at %d, tail is %d", prev, m.tail)
	}
	if count != len(m.index) {
		return fmt.Errorf("linkedmap: %d reachable nodes, %d keys", count, len(m.index))
	}
	if count != m.count || cost != m.cost {
		return fmt.Errorf("linkedmap: totals count=%d cost=%d, walked count=%d cost=%d", m.count, m.cost, count, cost)
	}
	return nil
}

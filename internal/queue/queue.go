// Package queue provides a serial FIFO worker: tasks run one at a time, in
// submission order, on a single goroutine owned by the Queue.
package queue

import "sync"

// Queue is an unbounded serial task queue. Submission never blocks.
// All methods are safe for concurrent use.
type Queue struct {
	name string

	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{} // cap 1; signalled on submit and close

	done chan struct{} // closed when the worker exits
}

// New starts a queue worker. name is informational (logs, debugging).
func New(name string) *Queue {
	q := &Queue{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Name returns the queue label.
func (q *Queue) Name() string { return q.name }

// Go enqueues fn. It returns false if the queue is closed.
func (q *Queue) Go(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	q.signal()
	return true
}

// Flush blocks until every task submitted before the call has run.
// It returns immediately on a closed queue.
func (q *Queue) Flush() {
	ch := make(chan struct{})
	if !q.Go(func() { close(ch) }) {
		return
	}
	<-ch
}

// Close stops accepting tasks, runs the ones already queued, and waits for
// the worker to exit. Close must not be called from a queued task.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
	<-q.done
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.tasks
		q.tasks = nil
		closed := q.closed
		q.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

package pipeline

import (
	"sync"
)

// Check is a request to run one bonding attempt for (Account, Tier).
type Check struct {
	Account string
	Tier    string
}

// checkQueue is a thread-safe coalescing FIFO of checks.
//
// The queue is unbounded so watchers and cascades never block on a slow
// bonding attempt. A check already waiting in the queue is not added
// again; once a worker dequeues it, the same check may be queued anew,
// which covers atoms that arrive while the attempt runs.
//
// The signal channel (buffered, size 1) lets workers wait with select
// alongside ctx.Done().
type checkQueue struct {
	mu      sync.Mutex
	checks  []Check
	pending map[Check]struct{}
	closed  bool
	signal  chan struct{}
}

func newCheckQueue() *checkQueue {
	return &checkQueue{
		checks:  make([]Check, 0, 64),
		pending: make(map[Check]struct{}),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds c unless an identical check is already waiting.
// Returns (added, open); open is false once the queue is closed.
func (q *checkQueue) Enqueue(c Check) (added, open bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, false
	}
	if _, ok := q.pending[c]; ok {
		return false, true
	}

	q.pending[c] = struct{}{}
	q.checks = append(q.checks, c)
	q.notify()
	return true, true
}

// TryDequeue removes the front check without blocking.
func (q *checkQueue) TryDequeue() (Check, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.checks) == 0 {
		return Check{}, false
	}

	c := q.checks[0]
	delete(q.pending, c)

	if len(q.checks) == 1 {
		q.checks = q.checks[:0]
	} else {
		q.checks = q.checks[1:]
		// Wake another worker for the remainder.
		q.notify()
	}
	return c, true
}

// notify signals availability without blocking. Caller holds q.mu.
func (q *checkQueue) notify() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Wait returns a channel that signals when checks may be available. It is
// closed by Close.
func (q *checkQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of waiting checks.
func (q *checkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.checks)
}

// Close rejects further checks and wakes all waiters.
func (q *checkQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

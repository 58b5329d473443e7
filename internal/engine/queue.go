package engine

import (
	"sync"
)

// jobQueue is a thread-safe FIFO of job ids waiting for a worker.
//
// The queue is unbounded so that request handlers never block on submit.
// A buffered signal channel lets idle workers wait with a context.
type jobQueue struct {
	mu     sync.Mutex
	ids    []string
	closed bool
	signal chan struct{} // Signals availability (buffered, size 1)
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		ids:    make([]string, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a job id to the back of the queue.
// Returns false if the queue is closed.
func (q *jobQueue) Enqueue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.ids = append(q.ids, id)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front id without blocking.
func (q *jobQueue) TryDequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	if len(q.ids) == 1 {
		q.ids = q.ids[:0]
	} else {
		q.ids = q.ids[1:]
	}
	// Wake another worker if more remain; the signal coalesced.
	if len(q.ids) > 0 && !q.closed {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return id, true
}

// Wait returns a channel that signals when ids may be available. It is
// closed by Close, which wakes every waiter.
func (q *jobQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// Close stops accepting ids. Idempotent.
func (q *jobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

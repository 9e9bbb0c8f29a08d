package engine

import (
	"sync"

	"github.com/roach88/replicant/internal/registry"
)

// requestQueue is a thread-safe FIFO of replicables to re-prime, deduplicated
// by key.
//
// The queue uses a channel for signaling so the Run loop can wait on it in a
// select next to its tickers and ctx.Done().
type requestQueue struct {
	mu     sync.Mutex
	keys   []registry.Key
	queued map[registry.Key]bool
	closed bool
	signal chan struct{} // buffered, size 1
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		queued: make(map[registry.Key]bool),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds key unless it is already waiting. Returns false if the queue
// is closed.
func (q *requestQueue) Enqueue(key registry.Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if !q.queued[key] {
		q.queued[key] = true
		q.keys = append(q.keys, key)
	}
	q.notifyLocked()
	return true
}

// Poke wakes the waiter without queueing anything.
func (q *requestQueue) Poke() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.notifyLocked()
	}
}

func (q *requestQueue) notifyLocked() {
	// Non-blocking: the buffer of 1 coalesces signals
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TakeAll removes and returns every waiting key in arrival order.
func (q *requestQueue) TakeAll() []registry.Key {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := q.keys
	q.keys = nil
	clear(q.queued)
	return keys
}

// Wait returns a channel that signals when work may be available. It is
// closed by Close.
func (q *requestQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of waiting keys.
func (q *requestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}

// Close rejects further requests and wakes any waiter.
func (q *requestQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

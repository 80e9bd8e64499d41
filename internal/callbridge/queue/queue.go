// Package queue implements the bounded hand-off buffer used for real-time
// payload data (RTP packets, video frames, record chunks).
package queue

import "sync"

// Queue is a bounded FIFO that evicts its oldest item when full. Producers
// never block. Safe for concurrent use.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	count   int
	dropped uint64
}

// New creates a queue holding at most bound items. A bound below 1 is
// treated as 1.
func New[T any](bound int) *Queue[T] {
	if bound < 1 {
		bound = 1
	}
	return &Queue[T]{items: make([]T, bound)}
}

// Push appends v. When the queue is full the oldest item is discarded and
// dropped is true.
func (q *Queue[T]) Push(v T) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if q.count == n {
		var zero T
		q.items[q.head] = zero
		q.head = (q.head + 1) % n
		q.count--
		q.dropped++
		dropped = true
	}
	q.items[(q.head+q.count)%n] = v
	q.count++
	return dropped
}

// Pop removes and returns the oldest item.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.count == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return v, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Bound returns the capacity.
func (q *Queue[T]) Bound() int {
	return len(q.items)
}

// Dropped returns how many items have been evicted since creation.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear discards all items and returns how many were removed. Cleared items
// are not counted as dropped.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.head = 0
	q.count = 0
	return n
}

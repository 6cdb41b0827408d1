// Package queue provides the FIFO used by the transfer engine to decouple packet
// producers from the capacity-gated drain loop.
package queue

import "sync"

// SyncQueue is an unbounded FIFO safe for concurrent use.
//
// First and IsEmpty are observational; RemoveFirst is the only consuming operation.
type SyncQueue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
}

// New creates an empty queue.
func New[T any]() *SyncQueue[T] {
	return &SyncQueue[T]{}
}

// Append adds items to the tail of the queue.
func (q *SyncQueue[T]) Append(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
}

// First returns the head of the queue without removing it.
func (q *SyncQueue[T]) First() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head >= len(q.items) {
		var zero T
		return zero, false
	}
	return q.items[q.head], true
}

// RemoveFirst drops the head of the queue and returns it. No-op on an empty queue.
func (q *SyncQueue[T]) RemoveFirst() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.head >= len(q.items) {
		return zero, false
	}

	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	// Reclaim the consumed prefix once it dominates the backing array
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}

	return item, true
}

// IsEmpty reports whether the queue holds no items.
func (q *SyncQueue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Len returns the number of queued items.
func (q *SyncQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Clear drops all queued items and returns how many were discarded.
func (q *SyncQueue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items) - q.head
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
	return n
}

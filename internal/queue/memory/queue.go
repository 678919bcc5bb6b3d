// Package memory provides the in-process channel queues of the coordination bus.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/groupmonitor/internal/monitor"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue[T any] struct {
	ch      chan T
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		ch: make(chan T, capacity),
	}
}

// Enqueue pushes an item into the queue or returns if the context ends.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return monitor.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return zero, monitor.ErrQueueClosed
		}
		return item, nil
	}
}

// TryDequeue pops an item without blocking.
func (q *Queue[T]) TryDequeue() (T, bool) {
	select {
	case item, ok := <-q.ch:
		return item, ok
	default:
		var zero T
		return zero, false
	}
}

// C exposes the receive side for select loops.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. It waits for blocked
// Enqueue calls to finish.
func (q *Queue[T]) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}

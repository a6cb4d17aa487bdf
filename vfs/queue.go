package vfs

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO with a single consumer. Producers never block,
// which lets callbacks running on a dispatcher goroutine issue new requests
// against the same filesystem.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	wake   chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{wake: make(chan struct{}, 1)}
}

// push appends v. It returns false once the queue is closed.
func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
	return true
}

// close stops accepting items. Items already queued are still returned
// by pop.
func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop blocks until an item is available, the queue is closed and drained
// (ok=false, err=nil), or ctx is done (ok=false, err=ctx.Err()).
func (q *queue[T]) pop(ctx context.Context) (v T, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return v, false, nil
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return v, false, ctx.Err()
		}
	}
}

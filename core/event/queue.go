package event

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Send and Receive once the queue is closed.
var ErrQueueClosed = errors.New("event: queue closed")

// Queue is a bounded, context-aware channel carrying values from a session
// backend to the single consumer that drives the thread reducer. Send
// suspends when the buffer is full, so a fast-streaming producer is
// backpressured rather than buffered without bound.
type Queue[T any] struct {
	mu     sync.Mutex // guards ch close; held across Send's blocking select
	ch     chan T
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewQueue creates a Queue with the given buffer size.
func NewQueue[T any](bufferSize int) *Queue[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue[T]{
		ch:     make(chan T, bufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Send delivers v to the consumer, suspending while the buffer is full.
// Returns the context error if ctx expires, or ErrQueueClosed if the queue
// is closed. Senders are serialized; Close cancels the internal context
// before taking the lock, so a sender blocked on a full buffer unblocks
// rather than deadlocking Close.
func (q *Queue[T]) Send(ctx context.Context, v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return ErrQueueClosed
	}
}

// Receive returns the next value, suspending until one is available.
// Returns ErrQueueClosed once the queue is closed and fully drained.
func (q *Queue[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-q.ch:
		if !ok {
			return zero, ErrQueueClosed
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryReceive returns the next value without blocking.
func (q *Queue[T]) TryReceive() (T, bool) {
	select {
	case v, ok := <-q.ch:
		if !ok {
			var zero T
			return zero, false
		}
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Close marks the queue closed. Buffered values remain receivable; blocked
// senders unblock with ErrQueueClosed. Safe to call multiple times.
func (q *Queue[T]) Close() {
	q.cancel() // unblock any sender waiting inside Send
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Len returns the number of buffered values.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Package queue implements a bounded async FIFO: the
// primitive used throughout the core wherever one goroutine hands items
// to another without blocking a caller indefinitely (router neighbor
// queues, fiber accept queues and per-fiber send queues).
//
// The queue carries two independent
// bounds (queued items, queued waiters per side), FIFO on both items and
// waiters, and a close() that fails every pending waiter with
// operation_canceled while new operations fail broken_pipe.
package queue

import (
	"context"
	"sync"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
)

const unbounded = 0

// Queue is a bounded, closeable FIFO of type T.
type Queue[T any] struct {
	mu        sync.Mutex
	items     []T
	waiters   []chan getResult[T]
	pushers   []chan error
	queueMax  int
	opMax     int
	closed    bool
}

type getResult[T any] struct {
	val T
	err error
}

// New creates a Queue bounding the number of queued items at queueMax and
// the number of queued producer/consumer operations at opMax. A bound of
// 0 means unbounded.
func New[T any](queueMax, opMax int) *Queue[T] {
	return &Queue[T]{queueMax: queueMax, opMax: opMax}
}

// TryPush attempts a non-blocking push: ok on success, buffer_full if the
// queue is at queueMax, broken_pipe if closed.
func (q *Queue[T]) TryPush(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tryPushLocked(v)
}

func (q *Queue[T]) tryPushLocked(v T) error {
	if q.closed {
		return sferr.New(sferr.CodeBrokenPipe, "queue closed")
	}
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w <- getResult[T]{val: v}
		return nil
	}
	if q.queueMax != unbounded && len(q.items) >= q.queueMax {
		return sferr.New(sferr.CodeBufferFull, "queue full")
	}
	q.items = append(q.items, v)
	return nil
}

// Push blocks until the value is accepted, the queue is closed
// (operation_canceled), or the op-queue bound is hit (buffer_full) if the
// queue is currently full.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	q.mu.Lock()
	if err := q.tryPushLocked(v); err == nil {
		q.mu.Unlock()
		return nil
	} else if sferr.GetCode(err) != sferr.CodeBufferFull {
		q.mu.Unlock()
		return err
	}
	if q.opMax != unbounded && len(q.pushers) >= q.opMax {
		q.mu.Unlock()
		return sferr.New(sferr.CodeBufferFull, "push op queue full")
	}
	done := make(chan error, 1)
	q.pushers = append(q.pushers, done)
	q.mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		// Admitted: room has freed up, so push the value itself now.
		return q.Push(ctx, v)
	case <-ctx.Done():
		return sferr.Wrap(sferr.CodeOperationCanceled, ctx.Err())
	}
}

// TryGet attempts a non-blocking pop: a value on success, would_block
// (reported as buffer_full, matching the spec's try_get contract) if
// empty, broken_pipe if closed and drained.
func (q *Queue[T]) TryGet() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tryGetLocked()
}

func (q *Queue[T]) tryGetLocked() (T, error) {
	var zero T
	if len(q.items) > 0 {
		v := q.items[0]
		q.items = q.items[1:]
		q.admitOnePusherLocked()
		return v, nil
	}
	if q.closed {
		return zero, sferr.New(sferr.CodeBrokenPipe, "queue closed")
	}
	return zero, sferr.New(sferr.CodeBufferFull, "queue empty")
}

// admitOnePusherLocked wakes the oldest waiting Push, if any, now that
// room has freed up, so it retries its push. The wake-up is posted to a buffered channel so
// the caller's goroutine observes it asynchronously, never inline in
// this call frame.
func (q *Queue[T]) admitOnePusherLocked() {
	if len(q.pushers) == 0 {
		return
	}
	done := q.pushers[0]
	q.pushers = q.pushers[1:]
	done <- nil
}

// Get blocks until an item is available, the queue closes
// (operation_canceled), or ctx is done.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	q.mu.Lock()
	if v, err := q.tryGetLocked(); err == nil || sferr.GetCode(err) == sferr.CodeBrokenPipe {
		q.mu.Unlock()
		return v, err
	}
	if q.opMax != unbounded && len(q.waiters) >= q.opMax {
		q.mu.Unlock()
		var zero T
		return zero, sferr.New(sferr.CodeBufferFull, "get op queue full")
	}
	ch := make(chan getResult[T], 1)
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, sferr.Wrap(sferr.CodeOperationCanceled, ctx.Err())
	}
}

// Clear drops all queued items without completing any pending operation.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// Close fails every pending waiter with operation_canceled, drops queued
// items, and causes all subsequent operations to fail with broken_pipe.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	for _, w := range q.waiters {
		var zero T
		w <- getResult[T]{val: zero, err: sferr.New(sferr.CodeOperationCanceled, "queue closed")}
	}
	q.waiters = nil
	for _, p := range q.pushers {
		p <- sferr.New(sferr.CodeOperationCanceled, "queue closed")
	}
	q.pushers = nil
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Empty reports whether the queue currently holds no items.
func (q *Queue[T]) Empty() bool {
	return q.Len() == 0
}

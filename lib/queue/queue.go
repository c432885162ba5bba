// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue provides the unbounded FIFO that connects runstream's
// pipeline stages. Put never blocks, so a slow stage (the network
// sender during an outage) never stalls the stage feeding it. Memory
// grows instead; the durable log is the bound on what can be lost.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Put after Close, and by Get once a closed
// queue has been drained.
var ErrClosed = errors.New("queue: closed")

// Queue is an unbounded FIFO safe for concurrent use. The notify
// channel (capacity 1) wakes a blocked Get.
type Queue[T any] struct {
	mu      sync.Mutex
	entries []T
	closed  bool
	notify  chan struct{}
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

// Put appends value to the tail.
func (q *Queue[T]) Put(value T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.entries = append(q.entries, value)
	q.signal()
	return nil
}

// signal must be called with q.mu held.
func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Get removes and returns the head, blocking until a value is
// available, the queue is closed and empty, or ctx is done.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.entries) > 0 {
			value := q.entries[0]
			var zero T
			q.entries[0] = zero
			q.entries = q.entries[1:]
			if len(q.entries) > 0 || q.closed {
				// Pass the wakeup on so another getter, or the next
				// call, does not wait on an already-drained signal.
				q.signal()
			}
			q.mu.Unlock()
			return value, nil
		}
		if q.closed {
			// Wake the next waiting getter so it observes the close too.
			q.signal()
			q.mu.Unlock()
			var zero T
			return zero, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryGet removes and returns the head without blocking.
func (q *Queue[T]) TryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.entries) == 0 {
		return zero, false
	}
	value := q.entries[0]
	q.entries[0] = zero
	q.entries = q.entries[1:]
	return value, true
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close stops further Puts. Values already queued remain readable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signal()
}

// Package lockqueue implements a FIFO single-holder mutex with an optional
// bound on the number of waiters.
//
// Unlike sync.Mutex, acquisition order is first-come-first-served and the
// wait is context-aware, so a caller can give up without poisoning the queue.
package lockqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrOverflow is returned by Acquire when the configured waiter bound is
// exceeded. The caller may retry later; no queue slot was consumed.
var ErrOverflow = errors.New("lock queue overflow")

// Queue is a cooperative FIFO mutex. The zero value is unusable; use New.
type Queue struct {
	mu         sync.Mutex
	locked     bool
	waiters    []chan struct{}
	maxWaiters int // 0 = unbounded
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxWaiters bounds the number of goroutines allowed to wait at once.
func WithMaxWaiters(n int) Option {
	return func(q *Queue) {
		q.maxWaiters = n
	}
}

// New creates a Queue.
func New(optFns ...Option) *Queue {
	q := &Queue{}
	for _, fn := range optFns {
		fn(q)
	}
	return q
}

// Acquire blocks until the queue is free and this caller is at the head of
// the waiter line. It fails with ErrOverflow if the waiter bound would be
// exceeded, or with ctx.Err() if the context is done first.
func (q *Queue) Acquire(ctx context.Context) error {
	q.mu.Lock()
	if !q.locked {
		q.locked = true
		q.mu.Unlock()
		return nil
	}
	if q.maxWaiters > 0 && len(q.waiters) >= q.maxWaiters {
		q.mu.Unlock()
		return ErrOverflow
	}
	ready := make(chan struct{})
	q.waiters = append(q.waiters, ready)
	q.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		for i, w := range q.waiters {
			if w == ready {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				q.mu.Unlock()
				return ctx.Err()
			}
		}
		q.mu.Unlock()
		// The lock was handed to us between ctx.Done and removal.
		// Pass it on so the queue keeps moving.
		<-ready
		q.Release()
		return ctx.Err()
	}
}

// TryAcquire acquires the queue if it is free, without waiting.
func (q *Queue) TryAcquire() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.locked {
		return false
	}
	q.locked = true
	return true
}

// Release hands the queue to the next waiter in FIFO order, or unlocks it
// when no one is waiting. Releasing an unheld queue panics.
func (q *Queue) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.locked {
		panic("lockqueue: release of unheld queue")
	}
	if len(q.waiters) == 0 {
		q.locked = false
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}

// Waiters returns the current number of waiting acquirers.
func (q *Queue) Waiters() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Do runs fn while holding the queue.
func (q *Queue) Do(ctx context.Context, fn func() error) error {
	if err := q.Acquire(ctx); err != nil {
		return err
	}
	defer q.Release()
	return fn()
}

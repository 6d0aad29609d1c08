// Package lock provides the advisory mutual-exclusion flag used by the
// store manager and its consumers.
//
// Waiters are queued in arrival order and woken on release, so a Lock
// never needs to be polled.
package lock

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Lock is a FIFO mutex that also reports whether it is currently held.
// The zero value is not usable; call New.
type Lock struct {
	sem    *semaphore.Weighted
	active atomic.Bool
}

// New returns an unlocked Lock.
func New() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// Active reports whether the lock is held.
func (l *Lock) Active() bool {
	return l.active.Load()
}

// Acquire blocks until the lock is held or ctx is done.
// Waiting callers acquire in the order they arrived.
func (l *Lock) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.active.Store(true)
	return nil
}

// TryAcquire takes the lock only if nobody holds it and nobody is waiting.
func (l *Lock) TryAcquire() bool {
	if !l.sem.TryAcquire(1) {
		return false
	}
	l.active.Store(true)
	return true
}

// Release unlocks. Releasing an unheld lock is a no-op.
func (l *Lock) Release() {
	if !l.active.CompareAndSwap(true, false) {
		return
	}
	l.sem.Release(1)
}

// Do runs fn while holding the lock. The lock is released when fn
// returns or panics.
func (l *Lock) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

package storage

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultLockPoll is how often a blocked Lock call re-checks the flag.
const DefaultLockPoll = time.Second

// Lock is the cooperative guard around read-modify-write sequences on the
// shared history and calibration records. It is advisory: nothing stops a
// caller that skips it, and a holder that dies without Unlock leaves it set.
// Acquiring it twice from the same task deadlocks.
type Lock struct {
	held atomic.Bool
	poll time.Duration
}

// NewLock returns a lock polling at DefaultLockPoll.
func NewLock() *Lock {
	return NewLockWithPoll(DefaultLockPoll)
}

// NewLockWithPoll returns a lock polling at the given interval.
func NewLockWithPoll(poll time.Duration) *Lock {
	if poll <= 0 {
		poll = DefaultLockPoll
	}
	return &Lock{poll: poll}
}

// Lock waits until the flag is clear and sets it. It only gives up when ctx
// is done.
func (l *Lock) Lock(ctx context.Context) error {
	for {
		if l.held.CompareAndSwap(false, true) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

// TryLock sets the flag if it is clear.
func (l *Lock) TryLock() bool {
	return l.held.CompareAndSwap(false, true)
}

// Unlock clears the flag.
func (l *Lock) Unlock() {
	l.held.Store(false)
}

// Locked reports whether the flag is set.
func (l *Lock) Locked() bool {
	return l.held.Load()
}

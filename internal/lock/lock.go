// Package lock provides the per-file access lock: many readers or a single
// writer, acquired with a timeout instead of blocking indefinitely.
package lock

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/S0me0neR0man/ourfiles/internal/dberr"
)

const writerWeight = 1 << 20

// Lock is a timed reader/writer lock with a structural generation counter.
type Lock struct {
	name    string
	sem     *semaphore.Weighted
	timeout time.Duration
	gen     atomic.Uint64
}

// New returns a lock named for error messages. A non-positive timeout
// disables the timeout; callers' contexts still apply.
func New(name string, timeout time.Duration) *Lock {
	return &Lock{
		name:    name,
		sem:     semaphore.NewWeighted(writerWeight),
		timeout: timeout,
	}
}

func (l *Lock) acquire(ctx context.Context, n int64, mode string) error {
	if l.sem.TryAcquire(n) {
		return nil
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	if err := l.sem.Acquire(ctx, n); err != nil {
		return dberr.LockTimeoutf("%s lock on %s: %v", mode, l.name, err)
	}
	return nil
}

// Lock acquires exclusive access.
func (l *Lock) Lock(ctx context.Context) error {
	return l.acquire(ctx, writerWeight, "write")
}

// Unlock releases exclusive access.
func (l *Lock) Unlock() {
	l.sem.Release(writerWeight)
}

// RLock acquires shared access.
func (l *Lock) RLock(ctx context.Context) error {
	return l.acquire(ctx, 1, "read")
}

// RUnlock releases shared access.
func (l *Lock) RUnlock() {
	l.sem.Release(1)
}

// Generation returns the current structural generation.
func (l *Lock) Generation() uint64 {
	return l.gen.Load()
}

// Bump records a structural mutation. Callers hold the write lock.
func (l *Lock) Bump() {
	l.gen.Add(1)
}

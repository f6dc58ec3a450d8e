// Package gate bounds how many render dispatches may be in flight for a
// project at once.
package gate

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate is a counting semaphore with FIFO waiters. A released permit is
// handed directly to the longest-waiting caller rather than returned to
// the free pool, so a late arrival cannot steal it.
type Gate struct {
	sem *semaphore.Weighted
}

// New creates a gate with n permits. n must be at least 1.
func New(n int) *Gate {
	if n < 1 {
		n = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(n))}
}

// Acquire takes one permit, blocking until one is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// TryAcquire takes a permit without blocking, reporting success.
func (g *Gate) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

// Release returns one permit, waking the oldest waiter if any.
func (g *Gate) Release() {
	g.sem.Release(1)
}

// Run executes fn while holding a permit. The permit is released on every
// exit path, including a panic inside fn, and fn's error is returned
// unchanged.
func (g *Gate) Run(ctx context.Context, fn func() error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn()
}

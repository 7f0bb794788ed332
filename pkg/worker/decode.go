package worker

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// DecodePool bounds concurrent CPU-bound image decode/normalize work
// across every worker in the process, so a burst of large images can't
// starve the scheduling loop.
type DecodePool struct {
	sem *semaphore.Weighted
}

// NewDecodePool creates a pool allowing up to maxConcurrent decode
// operations at once.
func NewDecodePool(maxConcurrent int64) *DecodePool {
	return &DecodePool{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Run acquires a pool slot, runs fn, and releases the slot. It returns
// ctx.Err() if the context is cancelled before a slot becomes available.
func (p *DecodePool) Run(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

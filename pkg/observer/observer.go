// Package observer implements the result observer (C7): a bounded
// long-poll over a task's terminal state, used by the HTTP result
// endpoint so callers don't need to poll the API themselves.
package observer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/devco/imgrelay/pkg/task"
)

// Result is what a long-poll call returns: the task as observed at
// whichever point the wait ended, plus why it ended.
type Result struct {
	Task          *task.Task
	TimedOut      bool
	EstimatedWait time.Duration
}

// Observer polls the task manager for a task's terminal state, sleeping
// checkInterval between reads, up to a caller-supplied timeout.
type Observer struct {
	manager       *task.Manager
	checkInterval time.Duration
	maxTimeout    time.Duration
}

// New creates an Observer. checkInterval is the poll cadence; maxTimeout
// caps any caller-requested wait.
func New(manager *task.Manager, checkInterval, maxTimeout time.Duration) *Observer {
	return &Observer{manager: manager, checkInterval: checkInterval, maxTimeout: maxTimeout}
}

// ClampTimeout bounds a caller-requested wait to (0, maxTimeout].
func (o *Observer) ClampTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return o.maxTimeout
	}
	if requested > o.maxTimeout {
		return o.maxTimeout
	}
	return requested
}

// Await polls id until its status is terminal, any one of its partial
// image results reaches a terminal state, ctx is cancelled, or timeout
// elapses — whichever comes first. It always returns the most recently
// observed task record, even on timeout, so the caller can report
// partial progress.
func (o *Observer) Await(ctx context.Context, id uuid.UUID, timeout time.Duration) (Result, error) {
	timeout = o.ClampTimeout(timeout)
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(o.checkInterval)
	defer ticker.Stop()

	for {
		t, err := o.manager.Get(ctx, id)
		if err != nil {
			return Result{}, err
		}
		if t.Status.Terminal() || t.TerminalCount() > 0 {
			return Result{Task: t}, nil
		}
		if time.Now().After(deadline) {
			wait, waitErr := o.manager.EstimateWaitTime(ctx)
			if waitErr != nil {
				wait = 0
			}
			return Result{Task: t, TimedOut: true, EstimatedWait: wait}, nil
		}

		select {
		case <-ctx.Done():
			return Result{Task: t, TimedOut: true}, nil
		case <-ticker.C:
		}
	}
}

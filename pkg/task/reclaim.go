package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Reclaimer periodically scans the processing set for tasks that have
// been claimed longer than maxProcessingTime and fails them, closing the
// narrow window between a worker claiming a task and crashing before it
// completes.
type Reclaimer struct {
	manager           *Manager
	logger            *slog.Logger
	interval          time.Duration
	maxProcessingTime time.Duration

	onReclaim func(taskID uuid.UUID)
}

// NewReclaimer creates a Reclaimer. onReclaim, if non-nil, is called for
// every task it fails, so callers can emit metrics or audit entries
// without the reclaimer depending on those packages directly.
func NewReclaimer(manager *Manager, logger *slog.Logger, interval, maxProcessingTime time.Duration, onReclaim func(uuid.UUID)) *Reclaimer {
	return &Reclaimer{
		manager:           manager,
		logger:            logger,
		interval:          interval,
		maxProcessingTime: maxProcessingTime,
		onReclaim:         onReclaim,
	}
}

// Run blocks, sweeping on every tick, until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.logger.Error("stale task sweep failed", "error", err)
			}
		}
	}
}

func (r *Reclaimer) sweep(ctx context.Context) error {
	ids, err := r.manager.store.SMembers(ctx, processingKey)
	if err != nil {
		return fmt.Errorf("listing processing tasks: %w", err)
	}

	now := time.Now().UTC()
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			r.logger.Warn("processing set contains malformed task id", "raw", raw)
			continue
		}

		t, err := r.manager.Get(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				// Record expired out from under the claim; drop the
				// dangling membership.
				_ = r.manager.store.SRem(ctx, processingKey, raw)
				continue
			}
			r.logger.Error("loading task during sweep", "task_id", id, "error", err)
			continue
		}

		if t.Status.terminal() {
			_ = r.manager.store.SRem(ctx, processingKey, raw)
			continue
		}
		if t.StartedAt == nil || now.Sub(*t.StartedAt) < r.maxProcessingTime {
			continue
		}

		t.Status = StatusFailed
		t.FailureReason = fmt.Sprintf("timed out after %ds", int(r.maxProcessingTime.Seconds()))
		t.CompletedAt = &now
		t.ProcessingTime = now.Sub(*t.StartedAt).Seconds()
		for i := range t.PartialResults {
			if !t.PartialResults[i].Status.terminal() {
				t.PartialResults[i].Status = StatusFailed
				t.PartialResults[i].Error = t.FailureReason
				t.PartialResults[i].CompletedAt = &now
			}
		}

		if err := r.manager.persist(ctx, t); err != nil {
			r.logger.Error("persisting reclaimed task", "task_id", id, "error", err)
			continue
		}
		if err := r.manager.store.SRem(ctx, processingKey, raw); err != nil {
			r.logger.Error("removing reclaimed task from processing set", "task_id", id, "error", err)
		}

		r.logger.Warn("reclaimed stale task", "task_id", id, "worker_id", t.WorkerID)
		if r.onReclaim != nil {
			r.onReclaim(id)
		}
	}

	return nil
}

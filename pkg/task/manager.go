package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devco/imgrelay/pkg/store"
)

const (
	queueKey      = "translation_queue"
	processingKey = "processing_tasks"

	claimPollTimeout = time.Second
)

func taskKey(id uuid.UUID) string { return fmt.Sprintf("tasks:%s", id) }

// Manager is the task manager (C4): it owns task creation, claiming,
// partial-result aggregation, and wait-time estimation over the
// coordination store.
type Manager struct {
	store               store.Store
	retention           time.Duration
	avgImageServiceTime time.Duration
}

// NewManager creates a Manager. retention bounds how long a task record
// survives in the store; avgImageServiceTime feeds EstimateWaitTime.
func NewManager(s store.Store, retention, avgImageServiceTime time.Duration) *Manager {
	return &Manager{store: s, retention: retention, avgImageServiceTime: avgImageServiceTime}
}

// CreateTask allocates a task id, builds a PENDING partial result per
// image, persists the record, and pushes it onto the queue. Persistence
// happens before the push so any consumer observing the id can always
// resolve the record. images holds each image already base64-encoded,
// since the record itself is a serialized document in the store rather
// than a multipart stream.
func (m *Manager) CreateTask(ctx context.Context, images []string, targetLanguage string) (*Task, error) {
	t := &Task{
		ID:             uuid.New(),
		TargetLanguage: targetLanguage,
		Status:         StatusPending,
		TotalImages:    len(images),
		PartialResults: make([]ImageResult, len(images)),
		Images:         images,
		CreatedAt:      time.Now().UTC(),
	}
	for i := range t.PartialResults {
		t.PartialResults[i] = ImageResult{Index: i, Status: StatusPending}
	}

	if err := m.persist(ctx, t); err != nil {
		return nil, fmt.Errorf("persisting new task: %w", err)
	}

	if err := m.store.LPush(ctx, queueKey, t.ID.String()); err != nil {
		return nil, fmt.Errorf("enqueuing task: %w", err)
	}

	return t, nil
}

// ClaimNext performs a blocking right-pop off the queue with a short
// timeout. On success it adds the task to the processing set and stamps
// it PROCESSING with workerID and started_at. Returns (nil, nil) on
// timeout — callers should treat that as "nothing to claim right now",
// not an error.
//
// The pop and the sadd are not one atomic step; the stale-task reclaimer
// covers the narrow window between them.
func (m *Manager) ClaimNext(ctx context.Context, workerID string) (*Task, error) {
	kv, err := m.store.BRPop(ctx, claimPollTimeout, queueKey)
	if err != nil {
		if err == store.ErrNil {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming next task: %w", err)
	}

	id, err := uuid.Parse(kv.Value)
	if err != nil {
		return nil, fmt.Errorf("parsing claimed task id %q: %w", kv.Value, err)
	}

	if err := m.store.SAdd(ctx, processingKey, id.String()); err != nil {
		return nil, fmt.Errorf("adding task to processing set: %w", err)
	}

	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t.Status = StatusProcessing
	t.WorkerID = workerID
	t.StartedAt = &now

	if err := m.persist(ctx, t); err != nil {
		return nil, fmt.Errorf("persisting claimed task: %w", err)
	}

	return t, nil
}

// UpdatePartialResult loads the task, sets partial result i to a terminal
// state with the given text or error, and aggregates the task's overall
// status once every partial result is terminal.
func (m *Manager) UpdatePartialResult(ctx context.Context, id uuid.UUID, index int, translatedText string, resultErr error) (*Task, error) {
	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	for index >= len(t.PartialResults) {
		t.PartialResults = append(t.PartialResults, ImageResult{
			Index:  len(t.PartialResults),
			Status: StatusPending,
		})
	}

	now := time.Now().UTC()
	result := &t.PartialResults[index]
	result.CompletedAt = &now
	if t.StartedAt != nil {
		result.ProcessingTime = now.Sub(*t.StartedAt).Seconds()
	}

	if resultErr != nil {
		result.Status = StatusFailed
		result.Error = resultErr.Error()
	} else {
		result.Status = StatusCompleted
		result.TranslatedText = translatedText
	}

	if t.TerminalCount() == t.TotalImages {
		anyCompleted := false
		var firstCompletedText string
		for _, r := range t.PartialResults {
			if r.Status == StatusCompleted {
				if !anyCompleted {
					firstCompletedText = r.TranslatedText
				}
				anyCompleted = true
			}
		}

		if anyCompleted {
			t.Status = StatusCompleted
			t.TranslatedText = firstCompletedText
		} else {
			t.Status = StatusFailed
		}

		t.CompletedAt = &now
		if t.StartedAt != nil {
			t.ProcessingTime = now.Sub(*t.StartedAt).Seconds()
		}

		if err := m.store.SRem(ctx, processingKey, t.ID.String()); err != nil {
			return nil, fmt.Errorf("removing task from processing set: %w", err)
		}
	}

	if err := m.persist(ctx, t); err != nil {
		return nil, fmt.Errorf("persisting partial result: %w", err)
	}

	return t, nil
}

// Get loads a task record by id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	raw, err := m.store.Get(ctx, taskKey(id))
	if err != nil {
		if err == store.ErrNil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading task: %w", err)
	}

	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("decoding task record: %w", err)
	}
	return &t, nil
}

func (m *Manager) persist(ctx context.Context, t *Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task record: %w", err)
	}
	return m.store.Set(ctx, taskKey(t.ID), string(raw), m.retention)
}

// waitTimeFloor and waitTimeCeiling bound EstimateWaitTime's output.
const (
	waitTimeFloor   = 2 * time.Second
	waitTimeCeiling = 300 * time.Second
)

// EstimateWaitTime derives a linear, purely advisory estimate from queue
// depth, average per-image service time, and current processing
// cardinality.
func (m *Manager) EstimateWaitTime(ctx context.Context) (time.Duration, error) {
	queueDepth, err := m.queueLength(ctx)
	if err != nil {
		return 0, err
	}
	processing, err := m.store.SCard(ctx, processingKey)
	if err != nil {
		return 0, err
	}

	estimate := time.Duration(float64(queueDepth)+float64(processing)) * m.avgImageServiceTime

	if estimate < waitTimeFloor {
		estimate = waitTimeFloor
	}
	if estimate > waitTimeCeiling {
		estimate = waitTimeCeiling
	}
	return estimate, nil
}

// QueueDepth returns the number of tasks currently waiting in the queue.
func (m *Manager) QueueDepth(ctx context.Context) (int64, error) {
	return m.queueLength(ctx)
}

// ProcessingCount returns the number of tasks currently claimed.
func (m *Manager) ProcessingCount(ctx context.Context) (int64, error) {
	return m.store.SCard(ctx, processingKey)
}

func (m *Manager) queueLength(ctx context.Context) (int64, error) {
	return m.store.LLen(ctx, queueKey)
}

// ErrNotFound is returned by Get when the task id is unknown.
var ErrNotFound = fmt.Errorf("task not found")

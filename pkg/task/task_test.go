package task

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/devco/imgrelay/pkg/store"
)

func newTestManager() (*Manager, store.Store) {
	s := store.NewMemoryStore()
	return NewManager(s, time.Hour, 2500*time.Millisecond), s
}

func fakeImages(n int) []string {
	images := make([]string, n)
	for i := range images {
		images[i] = "ZmFrZQ=="
	}
	return images
}

func TestCreateTask_BuildsPendingPartialResults(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	tsk, err := m.CreateTask(ctx, fakeImages(3), "Japanese")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if len(tsk.PartialResults) != 3 {
		t.Fatalf("len(PartialResults) = %d, want 3", len(tsk.PartialResults))
	}
	for i, r := range tsk.PartialResults {
		if r.Status != StatusPending {
			t.Errorf("PartialResults[%d].Status = %v, want PENDING", i, r.Status)
		}
	}
	if tsk.Status != StatusPending {
		t.Errorf("Status = %v, want PENDING", tsk.Status)
	}
}

func TestClaimNext_ReturnsTaskAndMarksProcessing(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	created, err := m.CreateTask(ctx, fakeImages(1), "English")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	claimed, err := m.ClaimNext(ctx, "worker-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed == nil {
		t.Fatal("ClaimNext returned nil, want a task")
	}
	if claimed.ID != created.ID {
		t.Fatalf("claimed ID = %v, want %v", claimed.ID, created.ID)
	}
	if claimed.Status != StatusProcessing {
		t.Errorf("Status = %v, want PROCESSING", claimed.Status)
	}
	if claimed.WorkerID != "worker-1" {
		t.Errorf("WorkerID = %q, want worker-1", claimed.WorkerID)
	}
	if claimed.StartedAt == nil {
		t.Error("StartedAt is nil, want set")
	}
}

func TestClaimNext_ReturnsNilOnEmptyQueue(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	claimed, err := m.ClaimNext(ctx, "worker-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed != nil {
		t.Fatalf("ClaimNext = %+v, want nil", claimed)
	}
}

func TestUpdatePartialResult_AggregatesToCompleted(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	created, _ := m.CreateTask(ctx, fakeImages(2), "French")
	claimed, _ := m.ClaimNext(ctx, "worker-1")
	if claimed.ID != created.ID {
		t.Fatalf("unexpected claim")
	}

	_, err := m.UpdatePartialResult(ctx, created.ID, 0, "bonjour", nil)
	if err != nil {
		t.Fatalf("UpdatePartialResult(0): %v", err)
	}

	final, err := m.UpdatePartialResult(ctx, created.ID, 1, "au revoir", nil)
	if err != nil {
		t.Fatalf("UpdatePartialResult(1): %v", err)
	}

	if final.Status != StatusCompleted {
		t.Errorf("Status = %v, want COMPLETED", final.Status)
	}
	if final.TranslatedText != "bonjour" {
		t.Errorf("TranslatedText = %q, want bonjour (first completed)", final.TranslatedText)
	}
	if final.CompletedAt == nil {
		t.Error("CompletedAt is nil, want set")
	}
	if final.CompletedAt.Before(*final.StartedAt) {
		t.Error("CompletedAt before StartedAt")
	}

	processingCount, _ := m.ProcessingCount(ctx)
	if processingCount != 0 {
		t.Errorf("ProcessingCount = %d, want 0 after completion", processingCount)
	}
}

func TestUpdatePartialResult_AllFailedMeansTaskFailed(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	created, _ := m.CreateTask(ctx, fakeImages(2), "German")
	_, _ = m.ClaimNext(ctx, "worker-1")

	_, _ = m.UpdatePartialResult(ctx, created.ID, 0, "", errors.New("decode failed"))
	final, err := m.UpdatePartialResult(ctx, created.ID, 1, "", errors.New("provider error"))
	if err != nil {
		t.Fatalf("UpdatePartialResult: %v", err)
	}

	if final.Status != StatusFailed {
		t.Errorf("Status = %v, want FAILED", final.Status)
	}
}

func TestUpdatePartialResult_PadsSkippedIndices(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	created, _ := m.CreateTask(ctx, fakeImages(1), "Korean")
	_, _ = m.ClaimNext(ctx, "worker-1")

	final, err := m.UpdatePartialResult(ctx, created.ID, 3, "late result", nil)
	if err != nil {
		t.Fatalf("UpdatePartialResult: %v", err)
	}
	if len(final.PartialResults) != 4 {
		t.Fatalf("len(PartialResults) = %d, want 4 (padded)", len(final.PartialResults))
	}
	for i := 0; i < 3; i++ {
		if final.PartialResults[i].Status != StatusPending {
			t.Errorf("padded PartialResults[%d].Status = %v, want PENDING", i, final.PartialResults[i].Status)
		}
	}
}

func TestEstimateWaitTime_ClampsToBounds(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	estimate, err := m.EstimateWaitTime(ctx)
	if err != nil {
		t.Fatalf("EstimateWaitTime: %v", err)
	}
	if estimate != waitTimeFloor {
		t.Errorf("EstimateWaitTime on empty queue = %v, want floor %v", estimate, waitTimeFloor)
	}
}

func TestReclaimer_FailsStaleTask(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	created, _ := m.CreateTask(ctx, fakeImages(1), "Thai")
	_, _ = m.ClaimNext(ctx, "worker-1")

	// Backdate StartedAt past the max processing time.
	loaded, _ := m.Get(ctx, created.ID)
	past := time.Now().UTC().Add(-time.Hour)
	loaded.StartedAt = &past
	if err := m.persist(ctx, loaded); err != nil {
		t.Fatalf("persist: %v", err)
	}

	var reclaimedID string
	r := NewReclaimer(m, slog.Default(), time.Minute, time.Second, func(id uuid.UUID) {
		reclaimedID = id.String()
	})

	if err := r.sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	final, err := m.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != StatusFailed {
		t.Errorf("Status = %v, want FAILED", final.Status)
	}
	if reclaimedID != created.ID.String() {
		t.Errorf("onReclaim called with %q, want %q", reclaimedID, created.ID.String())
	}

	processingCount, _ := m.ProcessingCount(ctx)
	if processingCount != 0 {
		t.Errorf("ProcessingCount = %d, want 0 after reclaim", processingCount)
	}
}

package observer

import (
	"context"
	"testing"
	"time"

	"github.com/devco/imgrelay/pkg/store"
	"github.com/devco/imgrelay/pkg/task"
)

func TestAwait_ReturnsImmediatelyOnTerminalTask(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	manager := task.NewManager(s, time.Hour, 2500*time.Millisecond)
	obs := New(manager, 10*time.Millisecond, time.Second)

	created, _ := manager.CreateTask(ctx, []string{"ZmFrZQ=="}, "English")
	_, _ = manager.ClaimNext(ctx, "worker-1")
	_, err := manager.UpdatePartialResult(ctx, created.ID, 0, "hello", nil)
	if err != nil {
		t.Fatalf("UpdatePartialResult: %v", err)
	}

	start := time.Now()
	result, err := obs.Await(ctx, created.ID, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if result.TimedOut {
		t.Error("TimedOut = true, want false")
	}
	if result.Task.Status != task.StatusCompleted {
		t.Errorf("Status = %v, want COMPLETED", result.Task.Status)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Error("Await took too long for an already-terminal task")
	}
}

func TestAwait_TimesOutOnPendingTask(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	manager := task.NewManager(s, time.Hour, 2500*time.Millisecond)
	obs := New(manager, 10*time.Millisecond, 100*time.Millisecond)

	created, _ := manager.CreateTask(ctx, []string{"ZmFrZQ=="}, "English")

	result, err := obs.Await(ctx, created.ID, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !result.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if result.Task.Status != task.StatusPending {
		t.Errorf("Status = %v, want PENDING", result.Task.Status)
	}
}

func TestAwait_ReturnsOnFirstTerminalPartialResult(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	manager := task.NewManager(s, time.Hour, 2500*time.Millisecond)
	obs := New(manager, 10*time.Millisecond, time.Second)

	created, _ := manager.CreateTask(ctx, []string{"ZmFrZQ==", "ZmFrZQ=="}, "English")
	_, _ = manager.ClaimNext(ctx, "worker-1")
	if _, err := manager.UpdatePartialResult(ctx, created.ID, 0, "hello", nil); err != nil {
		t.Fatalf("UpdatePartialResult: %v", err)
	}

	start := time.Now()
	result, err := obs.Await(ctx, created.ID, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if result.TimedOut {
		t.Error("TimedOut = true, want false")
	}
	if result.Task.Status.Terminal() {
		t.Errorf("Status = %v, want still in-flight since only one of two images finished", result.Task.Status)
	}
	if result.Task.TerminalCount() != 1 {
		t.Errorf("TerminalCount = %d, want 1", result.Task.TerminalCount())
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Error("Await took too long after the first image reached a terminal state")
	}
}

func TestClampTimeout_BoundsToMax(t *testing.T) {
	obs := New(nil, time.Second, 60*time.Second)
	if got := obs.ClampTimeout(0); got != 60*time.Second {
		t.Errorf("ClampTimeout(0) = %v, want max", got)
	}
	if got := obs.ClampTimeout(500 * time.Second); got != 60*time.Second {
		t.Errorf("ClampTimeout(500s) = %v, want clamped to max", got)
	}
	if got := obs.ClampTimeout(5 * time.Second); got != 5*time.Second {
		t.Errorf("ClampTimeout(5s) = %v, want 5s unchanged", got)
	}
}

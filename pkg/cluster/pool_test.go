package cluster

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devco/imgrelay/pkg/credential"
	"github.com/devco/imgrelay/pkg/prompt"
	"github.com/devco/imgrelay/pkg/provider"
	"github.com/devco/imgrelay/pkg/store"
	"github.com/devco/imgrelay/pkg/task"
)

func testPool(t *testing.T, instanceID string, s store.Store) *Pool {
	t.Helper()
	manager := task.NewManager(s, time.Hour, 2500*time.Millisecond)
	rotator := credential.NewRotator(s, []credential.Credential{
		{ID: "cred-1", Limits: credential.Limits{RequestsPerMinute: 600, RequestsPerDay: 10000, TokensPerMinute: 1000000}},
	})
	prompts, _, err := prompt.Load(writePromptsFixture(t))
	if err != nil {
		t.Fatalf("prompt.Load: %v", err)
	}
	cfg := Config{
		InstanceID:         instanceID,
		WorkersPerInstance: 2,
		MaxWorkers:         100,
		DefaultRPM:         600,
		ScaleCheckInterval: time.Hour,
		HeartbeatInterval:  time.Hour,
		StaleInstanceSweep: time.Hour,
	}
	return NewPool(cfg, s, manager, rotator, provider.MockAdapter{}, prompts, slog.Default(), nil)
}

func writePromptsFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.yaml")
	if err := os.WriteFile(path, []byte("English: \"Translate to English.\"\n"), 0o644); err != nil {
		t.Fatalf("writing prompts fixture: %v", err)
	}
	return path
}

func TestPool_AddAndRemoveWorkers(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	p := testPool(t, "instance-a", s)

	p.addWorker(ctx)
	p.addWorker(ctx)
	if got := p.WorkerCount(); got != 2 {
		t.Fatalf("WorkerCount() = %d, want 2", got)
	}

	members, err := s.SMembers(ctx, activeWorkersKey)
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("active_workers set has %d members, want 2", len(members))
	}

	p.removeWorkers(1)
	if got := p.WorkerCount(); got != 1 {
		t.Fatalf("WorkerCount() after remove = %d, want 1", got)
	}

	members, _ = s.SMembers(ctx, activeWorkersKey)
	if len(members) != 1 {
		t.Errorf("active_workers set has %d members after remove, want 1", len(members))
	}
}

func TestPool_HeartbeatRegistersInstance(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	p := testPool(t, "instance-a", s)

	p.heartbeat(ctx)

	members, err := s.SMembers(ctx, activeInstancesKey)
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(members) != 1 || members[0] != "instance-a" {
		t.Errorf("active_instances = %v, want [instance-a]", members)
	}

	fields, err := s.HGetAll(ctx, heartbeatKey("instance-a"))
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if fields["worker_count"] != "0" {
		t.Errorf("worker_count = %q, want 0", fields["worker_count"])
	}
}

func TestPool_SweepStaleInstancesEvictsMissingHeartbeat(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	p := testPool(t, "instance-a", s)

	if err := s.SAdd(ctx, activeInstancesKey, "instance-a", "instance-stale"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	p.heartbeat(ctx)
	// instance-stale never wrote a heartbeat hash, so it should be evicted.

	if err := p.sweepStaleInstances(ctx); err != nil {
		t.Fatalf("sweepStaleInstances: %v", err)
	}

	members, err := s.SMembers(ctx, activeInstancesKey)
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	for _, m := range members {
		if m == "instance-stale" {
			t.Errorf("active_instances still contains stale instance: %v", members)
		}
	}
}

func TestPool_EvictInstanceRemovesItsActiveWorkers(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	p := testPool(t, "instance-a", s)

	if err := s.SAdd(ctx, activeWorkersKey, "instance-stale:w1", "instance-stale:w2", "instance-a:w1"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}

	p.evictInstance(ctx, "instance-stale")

	members, err := s.SMembers(ctx, activeWorkersKey)
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	for _, m := range members {
		if m == "instance-stale:w1" || m == "instance-stale:w2" {
			t.Errorf("active_workers still contains evicted instance's worker: %v", members)
		}
	}
	if len(members) != 1 || members[0] != "instance-a:w1" {
		t.Errorf("active_workers = %v, want [instance-a:w1]", members)
	}
}

func TestPool_ApplyLocalShareGrowsToTarget(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	p := testPool(t, "instance-a", s)

	if err := s.SAdd(ctx, activeInstancesKey, "instance-a"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}

	p.applyLocalShare(ctx, 3)
	if got := p.WorkerCount(); got != 3 {
		t.Fatalf("WorkerCount() = %d, want 3", got)
	}

	p.applyLocalShare(ctx, 1)
	if got := p.WorkerCount(); got != 1 {
		t.Fatalf("WorkerCount() after shrink = %d, want 1", got)
	}
}

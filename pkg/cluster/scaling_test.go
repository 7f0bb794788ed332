package cluster

import (
	"context"
	"testing"

	"github.com/devco/imgrelay/pkg/store"
)

func TestDecideTarget_CountsQueuedAndProcessingTasks(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	p := testPool(t, "instance-a", s)

	if err := s.SAdd(ctx, activeInstancesKey, "instance-a"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}

	// 55 tasks total: 45 claimed (in the processing set) and 10 left
	// queued. Queue depth alone (10) sits in the "default" band (no
	// scale-up); only queue+processing (55) crosses the ">50" threshold.
	for i := 0; i < 55; i++ {
		if _, err := p.manager.CreateTask(ctx, []string{"ZmFrZQ=="}, "English"); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	for i := 0; i < 45; i++ {
		if _, err := p.manager.ClaimNext(ctx, "worker-x"); err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
	}

	target, err := p.decideTarget(ctx)
	if err != nil {
		t.Fatalf("decideTarget: %v", err)
	}

	if target <= p.cfg.WorkersPerInstance {
		t.Errorf("target = %d, want scale-up above the configured base of %d (queue+processing pressure ignored?)",
			target, p.cfg.WorkersPerInstance)
	}
}

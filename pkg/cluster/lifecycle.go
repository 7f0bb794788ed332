package cluster

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/devco/imgrelay/pkg/worker"
)

// addWorker starts one new local worker and registers it in the
// cluster-wide active_workers set.
func (p *Pool) addWorker(ctx context.Context) {
	p.mu.Lock()
	p.nextWorkerSeq++
	id := fmt.Sprintf("%s:w%d", p.cfg.InstanceID, p.nextWorkerSeq)
	w := worker.New(id, p.manager, p.rotator, p.adapter, p.prompts, p.logger, p.decodePool)
	p.workers[id] = w
	p.mu.Unlock()

	if err := p.store.SAdd(ctx, activeWorkersKey, id); err != nil {
		p.logger.Error("cluster: registering worker", "worker_id", id, "error", err)
	}
	if err := p.store.Expire(ctx, activeWorkersKey, activeWorkersTTL); err != nil {
		p.logger.Error("cluster: refreshing active workers ttl", "error", err)
	}

	p.workerWG.Add(1)
	go func() {
		defer p.workerWG.Done()
		w.Run(ctx)
	}()
	p.logger.Info("cluster: worker added", "worker_id", id, "local_count", p.WorkerCount())
}

// removeWorkers stops n local workers, preferring idle ones so in-flight
// tasks are never interrupted. A busy worker that is stopped finishes
// its current task before exiting its loop.
func (p *Pool) removeWorkers(n int) {
	if n <= 0 {
		return
	}

	p.mu.Lock()
	idle := make([]*worker.Worker, 0, len(p.workers))
	busy := make([]*worker.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		if w.Busy() {
			busy = append(busy, w)
		} else {
			idle = append(idle, w)
		}
	}
	candidates := append(idle, busy...)
	if n > len(candidates) {
		n = len(candidates)
	}
	toStop := candidates[:n]
	for _, w := range toStop {
		delete(p.workers, w.ID)
	}
	p.mu.Unlock()

	for _, w := range toStop {
		w.Stop()
		if err := p.store.SRem(context.Background(), activeWorkersKey, w.ID); err != nil {
			p.logger.Error("cluster: deregistering worker", "worker_id", w.ID, "error", err)
		}
	}
	if n > 0 {
		p.logger.Info("cluster: workers removed", "count", n, "local_count", p.WorkerCount())
	}
}

// staleSweepLoop periodically drops instances whose heartbeat has
// expired from cluster membership, so a crashed instance's stale share
// doesn't permanently shrink everyone else's.
func (p *Pool) staleSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StaleInstanceSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.sweepStaleInstances(ctx); err != nil {
				p.logger.Error("cluster: sweeping stale instances", "error", err)
			}
		}
	}
}

const staleHeartbeatAge = 180 * time.Second

func (p *Pool) sweepStaleInstances(ctx context.Context) error {
	instances, err := p.store.SMembers(ctx, activeInstancesKey)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, instanceID := range instances {
		if instanceID == p.cfg.InstanceID {
			continue
		}
		fields, err := p.store.HGetAll(ctx, heartbeatKey(instanceID))
		if err != nil {
			continue
		}
		if len(fields) == 0 {
			p.evictInstance(ctx, instanceID)
			continue
		}
		var ts int64
		fmt.Sscanf(fields["timestamp"], "%d", &ts)
		age := now.Sub(time.Unix(ts, 0))
		if age > staleHeartbeatAge {
			p.evictInstance(ctx, instanceID)
		}
	}
	return nil
}

func (p *Pool) evictInstance(ctx context.Context, instanceID string) {
	if err := p.store.SRem(ctx, activeInstancesKey, instanceID); err != nil {
		p.logger.Error("cluster: evicting stale instance", "instance_id", instanceID, "error", err)
		return
	}
	_ = p.store.Del(ctx, heartbeatKey(instanceID))

	prefix := instanceID + ":"
	workerIDs, err := p.store.SMembers(ctx, activeWorkersKey)
	if err != nil {
		p.logger.Error("cluster: listing active workers during eviction", "instance_id", instanceID, "error", err)
	} else {
		var stale []string
		for _, id := range workerIDs {
			if strings.HasPrefix(id, prefix) {
				stale = append(stale, id)
			}
		}
		if len(stale) > 0 {
			if err := p.store.SRem(ctx, activeWorkersKey, stale...); err != nil {
				p.logger.Error("cluster: removing stale instance's workers", "instance_id", instanceID, "error", err)
			}
		}
	}

	p.logger.Info("cluster: evicted stale instance", "instance_id", instanceID)
}

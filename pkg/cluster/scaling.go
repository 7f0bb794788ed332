package cluster

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/devco/imgrelay/pkg/store"
)

// queuePressureDelta maps a queue depth into a worker-count delta per
// the scaling decision table: sharp ramps on growth, conservative,
// debounced shrink on sustained low pressure.
func queuePressureDelta(queueDepth, currentWorkers, consecutiveLow int) (delta int, lowThisRound bool) {
	switch {
	case queueDepth > 500:
		return 50, false
	case queueDepth > 200:
		return 25, false
	case queueDepth > 100:
		return 15, false
	case queueDepth > 50:
		return 5, false
	case queueDepth < 10:
		if consecutiveLow >= 2 {
			shrink := currentWorkers / 4
			if shrink > 10 {
				shrink = 10
			}
			return -shrink, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// clusterCapacity bounds the scaling target: credentials not disabled
// for RPM multiplied by how many workers one credential can keep busy,
// capped at the configured maximum.
func clusterCapacity(notDisabledForRPM, defaultRPM, maxWorkers int) int {
	perCredential := defaultRPM / 10
	if perCredential < 1 {
		perCredential = 1
	}
	capacity := notDisabledForRPM * perCredential
	if capacity > maxWorkers {
		capacity = maxWorkers
	}
	if capacity < 0 {
		capacity = 0
	}
	return capacity
}

func (p *Pool) scalingLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ScaleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runScalingCycle(ctx)
		}
	}
}

func (p *Pool) runScalingCycle(ctx context.Context) {
	acquired, err := p.store.SetNX(ctx, scalingLockKey, p.cfg.InstanceID, scalingLockTTL)
	if err != nil {
		p.logger.Error("scaling: acquiring lock", "error", err)
		return
	}

	var target int
	if acquired {
		target, err = p.decideTarget(ctx)
		if err != nil {
			p.logger.Error("scaling: deciding target", "error", err)
			return
		}
		if err := p.publishDecision(ctx, target); err != nil {
			p.logger.Error("scaling: publishing decision", "error", err)
		}
	} else {
		target, err = p.readDecision(ctx)
		if err != nil {
			p.logger.Error("scaling: reading decision", "error", err)
			return
		}
	}

	p.applyLocalShare(ctx, target)
}

// decideTarget is run only by the instance holding the scaling lock. It
// reads queue pressure and cluster capacity and computes the new
// cluster-wide worker target.
func (p *Pool) decideTarget(ctx context.Context) (int, error) {
	queueDepth64, err := p.manager.QueueDepth(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading queue depth: %w", err)
	}
	processingCount64, err := p.manager.ProcessingCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading processing count: %w", err)
	}
	queueDepth := int(queueDepth64 + processingCount64)

	current := p.clusterWorkerEstimate(ctx)

	consecutiveLow, err := p.readConsecutiveLow(ctx)
	if err != nil {
		return 0, err
	}

	delta, lowThisRound := queuePressureDelta(queueDepth, current, consecutiveLow)
	if lowThisRound {
		consecutiveLow++
	} else {
		consecutiveLow = 0
	}
	if err := p.writeConsecutiveLow(ctx, consecutiveLow); err != nil {
		p.logger.Error("scaling: writing consecutive-low counter", "error", err)
	}

	notDisabled := p.rotator.NotDisabledForRPM(ctx)
	capacity := clusterCapacity(notDisabled, p.cfg.DefaultRPM, p.cfg.MaxWorkers)

	target := current + delta
	if target < 0 {
		target = 0
	}
	if target > capacity {
		target = capacity
	}
	return target, nil
}

// clusterWorkerEstimate sums worker_count across every live instance
// heartbeat, falling back to this instance's own count if none are
// readable.
func (p *Pool) clusterWorkerEstimate(ctx context.Context) int {
	instances, err := p.sortedInstances(ctx)
	if err != nil || len(instances) == 0 {
		return p.WorkerCount()
	}
	total := 0
	for _, instanceID := range instances {
		fields, err := p.store.HGetAll(ctx, heartbeatKey(instanceID))
		if err != nil || len(fields) == 0 {
			continue
		}
		n, _ := strconv.Atoi(fields["worker_count"])
		total += n
	}
	return total
}

func (p *Pool) readConsecutiveLow(ctx context.Context) (int, error) {
	val, err := p.store.Get(ctx, consecutiveLowQueueKey)
	if err == store.ErrNil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, _ := strconv.Atoi(val)
	return n, nil
}

func (p *Pool) writeConsecutiveLow(ctx context.Context, n int) error {
	return p.store.Set(ctx, consecutiveLowQueueKey, strconv.Itoa(n), time.Hour)
}

func (p *Pool) publishDecision(ctx context.Context, target int) error {
	fields := map[string]string{
		"target":     strconv.Itoa(target),
		"decided_by": p.cfg.InstanceID,
		"decided_at": strconv.FormatInt(time.Now().Unix(), 10),
	}
	if err := p.store.HSet(ctx, scalingDecisionKey, fields); err != nil {
		return err
	}
	return p.store.Expire(ctx, scalingDecisionKey, decisionTTL)
}

func (p *Pool) readDecision(ctx context.Context) (int, error) {
	fields, err := p.store.HGetAll(ctx, scalingDecisionKey)
	if err != nil {
		return 0, err
	}
	if len(fields) == 0 {
		return p.cfg.WorkersPerInstance, nil
	}
	target, _ := strconv.Atoi(fields["target"])
	return target, nil
}

// applyLocalShare computes this instance's share of the cluster target
// and grows or shrinks the local worker set to match it.
func (p *Pool) applyLocalShare(ctx context.Context, clusterTarget int) {
	instances, err := p.sortedInstances(ctx)
	if err != nil {
		p.logger.Error("scaling: listing instances", "error", err)
		instances = []string{p.cfg.InstanceID}
	}
	if len(instances) == 0 {
		instances = []string{p.cfg.InstanceID}
	}
	position := p.positionOf(instances, p.cfg.InstanceID)
	share := localShare(clusterTarget, len(instances), position)

	current := p.WorkerCount()
	switch {
	case share > current:
		for i := 0; i < share-current; i++ {
			p.addWorker(ctx)
		}
	case share < current:
		p.removeWorkers(current - share)
	}
}

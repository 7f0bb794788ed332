// Package cluster implements the worker pool / cluster scaler (C6):
// cluster membership via heartbeats, leader-elected scaling decisions,
// and local worker lifecycle management.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/devco/imgrelay/pkg/credential"
	"github.com/devco/imgrelay/pkg/prompt"
	"github.com/devco/imgrelay/pkg/provider"
	"github.com/devco/imgrelay/pkg/store"
	"github.com/devco/imgrelay/pkg/task"
	"github.com/devco/imgrelay/pkg/worker"
)

const (
	activeInstancesKey    = "cluster:active_instances"
	activeWorkersKey      = "cluster:active_workers"
	scalingDecisionKey    = "cluster:scaling_decision"
	scalingLockKey        = "cluster:scaling_lock"
	consecutiveLowQueueKey = "cluster:consecutive_low_queue"

	heartbeatTTL     = 120 * time.Second
	activeWorkersTTL = 300 * time.Second
	scalingLockTTL   = 30 * time.Second
	decisionTTL      = 60 * time.Second
)

func heartbeatKey(instanceID string) string { return fmt.Sprintf("instance:heartbeat:%s", instanceID) }

// Config bounds the scaler's behavior.
type Config struct {
	InstanceID          string
	WorkersPerInstance  int
	MaxWorkers          int
	DefaultRPM          int
	ScaleCheckInterval  time.Duration
	HeartbeatInterval   time.Duration
	StaleInstanceSweep  time.Duration
	MaxProcessingTime   time.Duration
	ReclaimInterval     time.Duration
	AvgImageServiceTime time.Duration
}

// Pool is one process instance's worker pool and its participation in
// the cluster-wide scaling protocol.
type Pool struct {
	cfg       Config
	store     store.Store
	manager   *task.Manager
	rotator   *credential.Rotator
	adapter   provider.Adapter
	prompts   *prompt.Manager
	logger    *slog.Logger
	decodePool *worker.DecodePool

	mu               sync.Mutex
	workers          map[string]*worker.Worker
	nextWorkerSeq    int
	consecutiveLowLocal int

	workerWG sync.WaitGroup
}

// NewPool creates a Pool for this instance.
func NewPool(cfg Config, s store.Store, manager *task.Manager, rotator *credential.Rotator, adapter provider.Adapter, prompts *prompt.Manager, logger *slog.Logger, decodePool *worker.DecodePool) *Pool {
	return &Pool{
		cfg:        cfg,
		store:      s,
		manager:    manager,
		rotator:    rotator,
		adapter:    adapter,
		prompts:    prompts,
		logger:     logger,
		decodePool: decodePool,
		workers:    make(map[string]*worker.Worker),
	}
}

// Run starts the heartbeat, scaling, and stale-sweep loops, and the
// initial worker set. It blocks until ctx is cancelled, then stops every
// local worker gracefully (idle ones immediately, busy ones once their
// current task finishes) and waits for them to drain, bounded by
// MaxProcessingTime, before returning.
func (p *Pool) Run(ctx context.Context) {
	p.applyLocalShare(ctx, p.cfg.WorkersPerInstance)

	var wg sync.WaitGroup
	loops := []func(context.Context){p.heartbeatLoop, p.scalingLoop, p.staleSweepLoop}
	for _, loop := range loops {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(loop)
	}

	<-ctx.Done()
	p.stopAll()
	p.drainWorkers(p.cfg.MaxProcessingTime)
	wg.Wait()
}

// drainWorkers waits for every local worker goroutine to exit, bounded
// by timeout so a wedged provider call can't block shutdown forever.
func (p *Pool) drainWorkers(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		p.workerWG.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return
	}

	select {
	case <-done:
		p.logger.Info("cluster: all local workers drained")
	case <-time.After(timeout):
		p.logger.Warn("cluster: drain timeout exceeded, exiting with workers still in flight", "timeout", timeout)
	}
}

// WorkerCount returns the number of local workers currently registered.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// ActiveWorkerCount returns the number of local workers currently busy.
func (p *Pool) ActiveWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if w.Busy() {
			n++
		}
	}
	return n
}

// ProcessedTasks returns this instance's lifetime processed-task count
// across all its workers, for the heartbeat hash.
func (p *Pool) ProcessedTasks() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, w := range p.workers {
		processed, _, _ := w.Stats()
		total += processed
	}
	return total
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	p.heartbeat(ctx)
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.heartbeat(ctx)
		}
	}
}

func (p *Pool) heartbeat(ctx context.Context) {
	if err := p.store.SAdd(ctx, activeInstancesKey, p.cfg.InstanceID); err != nil {
		p.logger.Error("heartbeat: registering instance", "error", err)
		return
	}
	if err := p.store.Expire(ctx, activeInstancesKey, heartbeatTTL); err != nil {
		p.logger.Error("heartbeat: refreshing instance set ttl", "error", err)
	}

	fields := map[string]string{
		"timestamp":       strconv.FormatInt(time.Now().Unix(), 10),
		"worker_count":    strconv.Itoa(p.WorkerCount()),
		"active_workers":  strconv.Itoa(p.ActiveWorkerCount()),
		"processed_tasks": strconv.FormatInt(p.ProcessedTasks(), 10),
	}
	key := heartbeatKey(p.cfg.InstanceID)
	if err := p.store.HSet(ctx, key, fields); err != nil {
		p.logger.Error("heartbeat: writing hash", "error", err)
		return
	}
	if err := p.store.Expire(ctx, key, heartbeatTTL); err != nil {
		p.logger.Error("heartbeat: refreshing heartbeat ttl", "error", err)
	}
}

// sortedInstances returns the active instance set, sorted, for
// deterministic remainder-share assignment.
func (p *Pool) sortedInstances(ctx context.Context) ([]string, error) {
	instances, err := p.store.SMembers(ctx, activeInstancesKey)
	if err != nil {
		return nil, err
	}
	sort.Strings(instances)
	return instances, nil
}

func (p *Pool) positionOf(instances []string, id string) int {
	for i, inst := range instances {
		if inst == id {
			return i
		}
	}
	return -1
}

// localShare computes this instance's worker target given the
// cluster-wide target, per the base+remainder convention: instances in
// the first `remainder` sorted positions get one extra worker.
func localShare(target, numInstances, position int) int {
	if numInstances <= 0 {
		return target
	}
	base := target / numInstances
	remainder := target % numInstances
	if position >= 0 && position < remainder {
		return base + 1
	}
	return base
}

func (p *Pool) stopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.Stop()
	}
}

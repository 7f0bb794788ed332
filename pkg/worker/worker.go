// Package worker implements the worker (C5): a claim loop that decodes a
// task's images, fans out one provider call per image, and writes each
// outcome back through the task manager.
package worker

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/devco/imgrelay/pkg/prompt"
	"github.com/devco/imgrelay/pkg/provider"
	"github.com/devco/imgrelay/pkg/task"
)

// idlePollInterval is how long a worker sleeps after finding nothing to
// claim before trying again.
const idlePollInterval = 500 * time.Millisecond

// Worker owns at most one task at a time: claim, decode, fan out,
// aggregate, repeat. It never cancels sibling image operations when one
// fails.
type Worker struct {
	ID       string
	manager  *task.Manager
	rotator  provider.Rotator
	adapter  provider.Adapter
	prompts  *prompt.Manager
	logger   *slog.Logger
	decodeFn func(ctx context.Context, fn func() error) error

	processed  atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64

	busy    atomic.Bool
	stopped atomic.Bool
}

// New creates a Worker identified by id. decodeSem, if non-nil, bounds
// concurrent CPU-bound image decoding across the process so it never
// blocks the single-threaded scheduling model; pass nil to run decode
// inline (used in tests).
func New(id string, manager *task.Manager, rotator provider.Rotator, adapter provider.Adapter, prompts *prompt.Manager, logger *slog.Logger, decodeSem *DecodePool) *Worker {
	w := &Worker{
		ID:      id,
		manager: manager,
		rotator: rotator,
		adapter: adapter,
		prompts: prompts,
		logger:  logger,
	}
	if decodeSem != nil {
		w.decodeFn = decodeSem.Run
	} else {
		w.decodeFn = func(_ context.Context, fn func() error) error { return fn() }
	}
	return w
}

// Stop requests the worker's claim loop exit after it finishes any
// in-flight task. Idle workers stop on their next poll.
func (w *Worker) Stop() { w.stopped.Store(true) }

// Busy reports whether the worker currently owns a task — the cluster
// scaler prefers to stop idle workers before busy ones.
func (w *Worker) Busy() bool { return w.busy.Load() }

// Stats returns the worker's lifetime counters.
func (w *Worker) Stats() (processed, successful, failed int64) {
	return w.processed.Load(), w.successful.Load(), w.failed.Load()
}

// Run is the claim loop. It blocks until ctx is cancelled or Stop is
// called and observed between tasks.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil || w.stopped.Load() {
			return
		}

		t, err := w.manager.ClaimNext(ctx, w.ID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claiming task", "worker_id", w.ID, "error", err)
			time.Sleep(idlePollInterval)
			continue
		}
		if t == nil {
			time.Sleep(idlePollInterval)
			continue
		}

		w.busy.Store(true)
		w.processTask(ctx, t)
		w.busy.Store(false)
	}
}

// processTask decodes every image, fans out a translate call per image
// (waiting for all to settle — no cancellation on sibling failure), and
// writes each outcome back through the task manager.
func (w *Worker) processTask(ctx context.Context, t *task.Task) {
	promptText, _ := w.prompts.Prompt(t.TargetLanguage)

	g, gctx := errgroup.WithContext(context.Background())
	images := t.Images
	anySucceeded := atomic.Bool{}

	for i, encoded := range images {
		i, encoded := i, encoded
		g.Go(func() error {
			w.translateOne(gctx, t, i, encoded, promptText, &anySucceeded)
			return nil // never abort siblings
		})
	}
	_ = g.Wait()

	w.processed.Add(1)
	if anySucceeded.Load() {
		w.successful.Add(1)
	} else {
		w.failed.Add(1)
	}
	_ = ctx // retained for future cancellation-aware extensions
}

func (w *Worker) translateOne(ctx context.Context, t *task.Task, index int, encoded, promptText string, anySucceeded *atomic.Bool) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		w.writeResult(ctx, t, index, "", err)
		return
	}

	var normalized []byte
	decodeErr := w.decodeFn(ctx, func() error {
		var err error
		normalized, err = provider.NormalizeImage(raw)
		return err
	})
	if decodeErr != nil {
		w.writeResult(ctx, t, index, "", decodeErr)
		return
	}

	text, err := provider.Translate(ctx, w.rotator, w.adapter, normalized, promptText)
	if err != nil {
		w.writeResult(ctx, t, index, "", err)
		return
	}

	anySucceeded.Store(true)
	w.writeResult(ctx, t, index, text, nil)
}

func (w *Worker) writeResult(ctx context.Context, t *task.Task, index int, text string, resultErr error) {
	if _, err := w.manager.UpdatePartialResult(ctx, t.ID, index, text, resultErr); err != nil {
		w.logger.Error("writing partial result", "task_id", t.ID, "index", index, "error", err)
	}
}

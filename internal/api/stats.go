package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/devco/imgrelay/internal/httpserver"
	"github.com/devco/imgrelay/pkg/cluster"
	"github.com/devco/imgrelay/pkg/credential"
	"github.com/devco/imgrelay/pkg/prompt"
	"github.com/devco/imgrelay/pkg/task"
)

// StatsHandler serves the cluster-wide stats/health endpoint: queue
// depth, this instance's worker counts, and active credential capacity.
type StatsHandler struct {
	manager *task.Manager
	rotator *credential.Rotator
	pool    *cluster.Pool
	prompts *prompt.Manager
}

// NewStatsHandler creates a StatsHandler.
func NewStatsHandler(manager *task.Manager, rotator *credential.Rotator, pool *cluster.Pool, prompts *prompt.Manager) *StatsHandler {
	return &StatsHandler{manager: manager, rotator: rotator, pool: pool, prompts: prompts}
}

// Routes returns the /stats sub-router.
func (h *StatsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.HandleStats)
	return r
}

// HandleStats reports queue depth, processing count, this instance's
// worker counts, and active credential capacity.
func (h *StatsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	queueDepth, err := h.manager.QueueDepth(ctx)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read queue depth")
		return
	}
	processing, err := h.manager.ProcessingCount(ctx)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read processing count")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"queue_depth":           queueDepth,
		"processing_count":      processing,
		"local_worker_count":    h.pool.WorkerCount(),
		"local_active_workers":  h.pool.ActiveWorkerCount(),
		"credentials_total":     h.rotator.Count(),
		"credentials_available": h.rotator.NotDisabledForRPM(ctx),
		"configured_languages":  promptLanguages(h.prompts),
	})
}

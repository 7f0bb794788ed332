package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func parseTaskID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "task_id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("parsing task id %q: %w", raw, err)
	}
	return id, nil
}

// Routes returns the /translate sub-router: POST for submission, GET
// .../result/{task_id} for long-polled retrieval.
func (h *TranslateHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.HandleSubmit)
	r.Get("/result/{task_id}", h.HandleResult)
	return r
}

// Package api implements the HTTP surface over the task manager: task
// submission, long-polled result retrieval, and cluster stats.
package api

import (
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/devco/imgrelay/internal/audit"
	"github.com/devco/imgrelay/internal/httpserver"
	"github.com/devco/imgrelay/internal/telemetry"
	"github.com/devco/imgrelay/pkg/observer"
	"github.com/devco/imgrelay/pkg/prompt"
	"github.com/devco/imgrelay/pkg/task"
)

var allowedMIMETypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/tiff": true,
}

// TranslateHandler serves task submission and result retrieval.
type TranslateHandler struct {
	manager      *task.Manager
	observer     *observer.Observer
	logger       *slog.Logger
	auditWriter  *audit.Writer
	instanceID   string
	maxFileSize  int64
	maxTotalSize int64
	maxImages    int
}

// NewTranslateHandler creates a TranslateHandler.
func NewTranslateHandler(manager *task.Manager, obs *observer.Observer, logger *slog.Logger, auditWriter *audit.Writer, instanceID string, maxFileSize, maxTotalSize int64, maxImages int) *TranslateHandler {
	return &TranslateHandler{
		manager:      manager,
		observer:     obs,
		logger:       logger,
		auditWriter:  auditWriter,
		instanceID:   instanceID,
		maxFileSize:  maxFileSize,
		maxTotalSize: maxTotalSize,
		maxImages:    maxImages,
	}
}

func isSupportedLanguage(lang string) bool {
	for _, l := range prompt.SupportedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// HandleSubmit accepts a multipart task submission: 1..N image parts
// under the "images" field plus a "target_language" form value.
func (h *TranslateHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseMultipartForm(h.maxTotalSize); err != nil {
		httpserver.RespondError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "total upload exceeds the configured limit")
		return
	}

	targetLanguage := r.FormValue("target_language")
	if !isSupportedLanguage(targetLanguage) {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "target_language must be one of the supported languages")
		return
	}

	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "at least one image is required")
		return
	}
	if len(files) > h.maxImages {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("at most %d images are allowed per submission", h.maxImages))
		return
	}

	var totalSize int64
	encoded := make([]string, 0, len(files))
	for _, fh := range files {
		if fh.Size > h.maxFileSize {
			httpserver.RespondError(w, http.StatusRequestEntityTooLarge, "payload_too_large", fmt.Sprintf("file %q exceeds the per-file limit", fh.Filename))
			return
		}
		totalSize += fh.Size
		if totalSize > h.maxTotalSize {
			httpserver.RespondError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "total upload exceeds the configured limit")
			return
		}

		f, err := fh.Open()
		if err != nil {
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read uploaded file")
			return
		}
		raw, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read uploaded file")
			return
		}

		detected := mimetype.Detect(raw)
		if !allowedMIMETypes[detected.String()] {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("file %q has unsupported type %q", fh.Filename, detected.String()))
			return
		}

		encoded = append(encoded, base64.StdEncoding.EncodeToString(raw))
	}

	t, err := h.manager.CreateTask(ctx, encoded, targetLanguage)
	if err != nil {
		h.logger.Error("creating task", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create task")
		return
	}
	telemetry.TasksCreatedTotal.Inc()

	estimate, err := h.manager.EstimateWaitTime(ctx)
	if err != nil {
		estimate = 0
	}

	h.auditWriter.Log(audit.Entry{
		EventType:  "task_created",
		TaskID:     &t.ID,
		InstanceID: h.instanceID,
	})

	httpserver.Respond(w, http.StatusAccepted, map[string]any{
		"task_id":                    t.ID,
		"status":                     t.Status,
		"estimated_processing_time": estimate.Seconds(),
	})
}

// HandleResult serves GET /translate/result/{task_id}?timeout=N.
func (h *TranslateHandler) HandleResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := parseTaskID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid task id")
		return
	}

	timeout := h.observer.ClampTimeout(parseTimeout(r))

	result, err := h.observer.Await(ctx, id, timeout)
	if err != nil {
		if err == task.ErrNotFound {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		h.logger.Error("awaiting task result", "task_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read task")
		return
	}

	t := result.Task
	resp := map[string]any{
		"task_id":             t.ID,
		"status":              t.Status,
		"partial_results":     t.PartialResults,
		"completed_images":    t.TerminalCount(),
		"total_images":        t.TotalImages,
		"progress_percentage": t.Progress() * 100,
	}
	if t.Status == task.StatusCompleted {
		resp["success"] = true
		resp["translated_text"] = t.TranslatedText
	} else if t.Status == task.StatusFailed {
		resp["success"] = false
		resp["failure_reason"] = t.FailureReason
	}
	if result.TimedOut {
		resp["estimated_wait_time"] = result.EstimatedWait.Seconds()
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

func parseTimeout(r *http.Request) time.Duration {
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		return 0
	}
	seconds, err := time.ParseDuration(raw + "s")
	if err != nil {
		return 0
	}
	return seconds
}

// promptLanguages exposes the configured languages for the stats
// endpoint without coupling the api package to the prompt manager's
// internal map.
func promptLanguages(m *prompt.Manager) []string {
	if m == nil {
		return nil
	}
	return m.Languages()
}

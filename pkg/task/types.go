// Package task implements the task manager (C4): task creation, claiming,
// partial-result aggregation, wait-time estimation, and the stale-task
// reclaimer, all built over the coordination store.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Status is a task or partial-result lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Terminal reports whether s is a terminal lifecycle state
// (COMPLETED or FAILED).
func (s Status) Terminal() bool {
	return s.terminal()
}

// ImageResult is one image's translation outcome within a task.
type ImageResult struct {
	Index           int        `json:"index"`
	Status          Status     `json:"status"`
	TranslatedText  string     `json:"translated_text,omitempty"`
	Error           string     `json:"error,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ProcessingTime  float64    `json:"processing_time,omitempty"`
}

// Task is the full record persisted under tasks:{id}.
type Task struct {
	ID             uuid.UUID     `json:"id"`
	TargetLanguage string        `json:"target_language"`
	Status         Status        `json:"status"`
	WorkerID       string        `json:"worker_id,omitempty"`
	TotalImages    int           `json:"total_images"`
	PartialResults []ImageResult `json:"partial_results"`

	// Images holds the base64-encoded source payloads a worker decodes.
	// Kept on the record (rather than a side channel) so any worker
	// instance can claim and process the task independent of where it
	// was submitted.
	Images []string `json:"images,omitempty"`

	// TranslatedText mirrors the first COMPLETED partial result, kept for
	// clients still reading the single-image response shape.
	TranslatedText string `json:"translated_text,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ProcessingTime float64 `json:"processing_time,omitempty"`
	FailureReason  string  `json:"failure_reason,omitempty"`
}

// TerminalCount returns how many partial results have reached a terminal
// state.
func (t *Task) TerminalCount() int {
	n := 0
	for _, r := range t.PartialResults {
		if r.Status.terminal() {
			n++
		}
	}
	return n
}

// Progress is TerminalCount/TotalImages, clamped to [0,1].
func (t *Task) Progress() float64 {
	if t.TotalImages == 0 {
		return 0
	}
	p := float64(t.TerminalCount()) / float64(t.TotalImages)
	if p > 1 {
		p = 1
	}
	return p
}

package audit

import (
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

func TestLog_DropsWhenFull(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)
	// Don't start the background goroutine — nothing drains the channel.

	for i := 0; i < bufferSize; i++ {
		w.Log(Entry{EventType: "task_created", InstanceID: "inst-1"})
	}

	// The next log should be dropped (non-blocking).
	w.Log(Entry{EventType: "dropped", InstanceID: "inst-1"})

	if len(w.entries) != bufferSize {
		t.Errorf("buffer size = %d, want %d", len(w.entries), bufferSize)
	}
}

func TestLog_EnqueuesEntry(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)

	taskID := uuid.New()
	w.Log(Entry{EventType: "task_completed", TaskID: &taskID, InstanceID: "inst-1"})

	entry := <-w.entries
	if entry.EventType != "task_completed" {
		t.Errorf("EventType = %q, want %q", entry.EventType, "task_completed")
	}
	if entry.TaskID == nil || *entry.TaskID != taskID {
		t.Errorf("TaskID = %v, want %v", entry.TaskID, taskID)
	}
	if entry.InstanceID != "inst-1" {
		t.Errorf("InstanceID = %q, want %q", entry.InstanceID, "inst-1")
	}
}

func TestHashCredentialID_Deterministic(t *testing.T) {
	a := HashCredentialID("cred-1")
	b := HashCredentialID("cred-1")
	if a != b {
		t.Errorf("HashCredentialID not deterministic: %q != %q", a, b)
	}
}

func TestHashCredentialID_DistinctInputs(t *testing.T) {
	a := HashCredentialID("cred-1")
	b := HashCredentialID("cred-2")
	if a == b {
		t.Error("HashCredentialID produced the same hash for distinct credential IDs")
	}
}

func TestHashCredentialID_NeverRaw(t *testing.T) {
	raw := "sk-super-secret-api-key"
	hashed := HashCredentialID(raw)
	if hashed == raw {
		t.Error("HashCredentialID returned the raw credential ID unchanged")
	}
}

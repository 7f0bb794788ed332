package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/blake2b"
)

// Entry is a single dispatch-fabric lifecycle event: a task created or
// completed, a credential disabled, a scaling decision, a stale task
// reclaimed. Translated image/text content never appears here — the audit
// trail records what happened, not the data itself.
type Entry struct {
	EventType  string
	TaskID     *uuid.UUID
	InstanceID string
	Detail     json.RawMessage
}

// Writer is an async, buffered audit log writer.
// Entries are sent to an internal channel and flushed by a background goroutine.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background goroutine that flushes audit entries to the database.
// It returns when the context is cancelled and all pending entries are flushed.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the
// caller; if the buffer is full the entry is dropped and a warning logged,
// since the dispatch fabric's correctness never depends on the audit trail.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"event_type", entry.EventType, "instance_id", entry.InstanceID)
	}
}

// HashCredentialID derives a stable, non-reversible identifier for a
// credential so audit entries never carry the raw API key or even its
// plaintext configured ID.
func HashCredentialID(credentialID string) string {
	sum := blake2b.Sum256([]byte(credentialID))
	return uuid.NewSHA1(uuid.NameSpaceOID, sum[:]).String()
}

// run is the background loop that drains the entries channel.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				// Channel closed — flush remaining and exit.
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Drain any remaining entries.
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch of entries to the audit_log table.
func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		w.logger.Error("acquiring connection for audit flush", "error", err)
		return
	}
	defer conn.Release()

	for _, e := range entries {
		var taskID any
		if e.TaskID != nil {
			taskID = *e.TaskID
		}

		_, err := conn.Exec(ctx,
			`INSERT INTO audit_log (event_type, task_id, instance_id, detail) VALUES ($1, $2, $3, $4)`,
			e.EventType, taskID, e.InstanceID, e.Detail,
		)
		if err != nil {
			w.logger.Error("writing audit log entry", "error", err, "event_type", e.EventType)
		}
	}
}

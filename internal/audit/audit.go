// Package audit records gateway events to Postgres for after-the-fact
// investigation. The gateway writes admission denials to it; terminal proxy
// failures are not recorded. The trail is optional: without a configured
// database the gateway runs without it.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aeromesh/skygate/internal/httpserver"
)

// Entry represents a single audit record to be written.
type Entry struct {
	Timestamp time.Time
	Action    string // e.g. "admission_denied", "proxy_failure"
	SubjectID string
	Method    string
	Path      string
	Status    int
	RequestID string
	ClientIP  string
	Detail    json.RawMessage
}

// Writer is an async, buffered audit writer. Entries are sent to an internal
// channel and flushed by a background goroutine.
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

// Start begins the background goroutine that flushes entries to the database.
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

// Log enqueues an audit entry for async writing. It never blocks the caller;
// if the buffer is full the entry is dropped and a warning is logged.
func (w *Writer) Log(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit buffer full, dropping entry",
			"action", entry.Action, "path", entry.Path)
	}
}

// LogFromRequest extracts request metadata and enqueues the entry.
func (w *Writer) LogFromRequest(r *http.Request, action, subjectID string, status int, detail json.RawMessage) {
	w.Log(Entry{
		Action:    action,
		SubjectID: subjectID,
		Method:    r.Method,
		Path:      r.URL.Path,
		Status:    status,
		RequestID: httpserver.RequestIDFromContext(r.Context()),
		ClientIP:  r.RemoteAddr,
		Detail:    detail,
	})
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

// flush writes a batch of entries to the database.
func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, e := range entries {
		if _, err := w.pool.Exec(ctx, `
			INSERT INTO gateway_audit_log
				(occurred_at, action, subject_id, method, path, status, request_id, client_ip, detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.Timestamp, e.Action, nullable(e.SubjectID), e.Method, e.Path,
			e.Status, nullable(e.RequestID), nullable(e.ClientIP), e.Detail,
		); err != nil {
			w.logger.Error("writing audit entry", "error", err,
				"action", e.Action, "path", e.Path)
		}
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

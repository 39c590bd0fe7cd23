// Package execlog is an async, buffered writer for the execution log — the
// audit trail of dispatch attempts, call initiations, capacity skips, and
// mutation outcomes. Hot paths enqueue and move on; a background goroutine
// flushes batches.
package execlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is a single execution log row.
type Entry struct {
	TenantID     uuid.UUID
	EnrollmentID uuid.UUID
	StepID       uuid.UUID
	Action       string
	Status       string
	ProviderID   string
	Detail       json.RawMessage
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Writer is an async, buffered execution log writer. Entries are sent to an
// internal channel and flushed by a background goroutine.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

// NewWriter creates a Writer. Call Start to begin processing entries.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start launches the background flush goroutine and returns immediately. The
// goroutine flushes pending entries and exits when the context is cancelled
// or the writer is closed.
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

// Log enqueues an entry for async writing. It never blocks the caller; if the
// buffer is full the entry is dropped and a warning is logged.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("execution log buffer full, dropping entry",
			"action", entry.Action, "enrollment_id", entry.EnrollmentID)
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.write(batch); err != nil {
			w.logger.Error("flushing execution log", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain what is buffered, then stop.
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
				default:
					flush()
					return
				}
			}
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
		}
	}
}

func (w *Writer) write(batch []Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows := make([][]any, 0, len(batch))
	for _, e := range batch {
		rows = append(rows, []any{
			uuid.New(), e.TenantID, e.EnrollmentID, e.StepID, e.Action,
			e.Status, e.ProviderID, e.Detail, time.Now().UTC(),
		})
	}

	_, err := w.pool.CopyFrom(ctx,
		pgx.Identifier{"execution_log"},
		[]string{"id", "tenant_id", "enrollment_id", "step_id", "action", "status", "provider_id", "detail", "created_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// HasProviderAction reports whether an execution log row already exists for
// the given provider id and action.
func HasProviderAction(ctx context.Context, pool *pgxpool.Pool, providerID, action string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM execution_log WHERE provider_id = $1 AND action = $2
		)
	`, providerID, action).Scan(&exists)
	return exists, err
}

// InsertProviderAction writes a provider-keyed action row synchronously and
// reports whether it was newly inserted. A unique partial index on
// (provider_id, action) makes this the dedupe point for webhook-driven slot
// releases.
func InsertProviderAction(ctx context.Context, pool *pgxpool.Pool, entry Entry) (bool, error) {
	tag, err := pool.Exec(ctx, `
		INSERT INTO execution_log (id, tenant_id, enrollment_id, step_id, action, status, provider_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
		ON CONFLICT (provider_id, action) WHERE provider_id <> '' DO NOTHING
	`, uuid.New(), entry.TenantID, entry.EnrollmentID, entry.StepID,
		entry.Action, entry.Status, entry.ProviderID, entry.Detail)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

package healing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/cadence/pkg/sequence"
)

// LogEntry is one healing decision.
type LogEntry struct {
	ID           uuid.UUID
	EnrollmentID uuid.UUID
	StepOrder    int
	Channel      sequence.Channel
	FailureType  string
	Action       string
	Reason       string
	Details      string
	CreatedAt    time.Time
}

// LogStore persists healing decisions.
type LogStore struct {
	pool *pgxpool.Pool
}

// NewLogStore creates a LogStore.
func NewLogStore(pool *pgxpool.Pool) *LogStore {
	return &LogStore{pool: pool}
}

// Insert appends a healing log entry.
func (s *LogStore) Insert(ctx context.Context, entry *LogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO healing_log (
			id, enrollment_id, step_order, channel, failure_type, action,
			reason, details, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
	`,
		entry.ID, entry.EnrollmentID, entry.StepOrder, entry.Channel,
		entry.FailureType, entry.Action, entry.Reason, entry.Details,
	)
	if err != nil {
		return fmt.Errorf("inserting healing log entry: %w", err)
	}
	return nil
}

package mutation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/cadence/pkg/sequence"
)

// Record is the audit row for one applied mutation.
type Record struct {
	ID           uuid.UUID
	EnrollmentID uuid.UUID
	StepID       uuid.UUID

	OriginalContent sequence.StepContent
	MutatedContent  sequence.StepContent

	Confidence     float64
	Aggressiveness sequence.Aggressiveness
	Model          string

	ResultedInReply      bool
	ResultedInConversion bool

	CreatedAt time.Time
}

// Store provides database operations for mutation records.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a mutation Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Insert appends a mutation record.
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	original, _ := json.Marshal(rec.OriginalContent)
	mutated, _ := json.Marshal(rec.MutatedContent)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO mutations (
			id, enrollment_id, step_id, original_content, mutated_content,
			confidence, aggressiveness, model, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
	`,
		rec.ID, rec.EnrollmentID, rec.StepID, original, mutated,
		rec.Confidence, rec.Aggressiveness, rec.Model,
	)
	if err != nil {
		return fmt.Errorf("inserting mutation record: %w", err)
	}
	return nil
}

// MarkReply flags the enrollment's most recent mutation as having resulted in
// a reply. Attribution is best-effort; it credits the latest rewrite.
func (s *Store) MarkReply(ctx context.Context, enrollmentID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mutations SET resulted_in_reply = TRUE
		WHERE id = (
			SELECT id FROM mutations WHERE enrollment_id = $1
			ORDER BY created_at DESC LIMIT 1
		)
	`, enrollmentID)
	if err != nil {
		return fmt.Errorf("marking mutation reply for enrollment %s: %w", enrollmentID, err)
	}
	return nil
}

// MarkConversion flags the enrollment's most recent mutation as having
// resulted in a conversion (booking).
func (s *Store) MarkConversion(ctx context.Context, enrollmentID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mutations SET resulted_in_conversion = TRUE
		WHERE id = (
			SELECT id FROM mutations WHERE enrollment_id = $1
			ORDER BY created_at DESC LIMIT 1
		)
	`, enrollmentID)
	if err != nil {
		return fmt.Errorf("marking mutation conversion for enrollment %s: %w", enrollmentID, err)
	}
	return nil
}

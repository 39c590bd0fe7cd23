package sequence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for sequences, steps, and enrollments.
// It uses raw SQL with pgx; JSON-shaped columns (variables, overrides,
// emotional state, failures) are jsonb.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const enrollmentColumns = `
	id, tenant_id, contact_id, sequence_id, current_step_order,
	next_fire_time, status, variables, contact_replied, answered_call,
	appointment_booked, needs_human_intervention, emotional_state,
	channel_overrides, failures, last_variant_id, total_attempts,
	enrolled_at, updated_at`

func scanEnrollment(row pgx.Row) (*Enrollment, error) {
	var (
		e         Enrollment
		varsJSON  []byte
		stateJSON []byte
		overJSON  []byte
		failsJSON []byte
	)
	err := row.Scan(
		&e.ID, &e.TenantID, &e.ContactID, &e.SequenceID, &e.CurrentStepOrder,
		&e.NextFireTime, &e.Status, &varsJSON, &e.ContactReplied, &e.AnsweredCall,
		&e.AppointmentBooked, &e.NeedsHumanIntervention, &stateJSON,
		&overJSON, &failsJSON, &e.LastVariantID, &e.TotalAttempts,
		&e.EnrolledAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(varsJSON) > 0 {
		_ = json.Unmarshal(varsJSON, &e.Variables)
	}
	if len(stateJSON) > 0 {
		_ = json.Unmarshal(stateJSON, &e.Emotional)
	}
	if len(overJSON) > 0 {
		_ = json.Unmarshal(overJSON, &e.ChannelOverrides)
	}
	if len(failsJSON) > 0 {
		_ = json.Unmarshal(failsJSON, &e.Failures)
	}
	return &e, nil
}

// DueEnrollments fetches up to limit active enrollments whose next_fire_time
// has passed, ordered by ascending next_fire_time.
func (s *Store) DueEnrollments(ctx context.Context, now time.Time, limit int) ([]*Enrollment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+enrollmentColumns+`
		FROM enrollments
		WHERE status = 'active' AND next_fire_time IS NOT NULL AND next_fire_time <= $1
		ORDER BY next_fire_time ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("querying due enrollments: %w", err)
	}
	defer rows.Close()

	var result []*Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning enrollment: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// GetEnrollment fetches a single enrollment by id.
func (s *Store) GetEnrollment(ctx context.Context, id uuid.UUID) (*Enrollment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1
	`, id)
	e, err := scanEnrollment(row)
	if err != nil {
		return nil, fmt.Errorf("getting enrollment %s: %w", id, err)
	}
	return e, nil
}

// GetSequence fetches a sequence by id.
func (s *Store) GetSequence(ctx context.Context, id uuid.UUID) (*Sequence, error) {
	var (
		seq      Sequence
		triggers []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, urgency, respect_business_hours,
			mutation_enabled, mutation_aggressiveness, trigger_conditions,
			timeout_hours, created_at, updated_at
		FROM sequences WHERE id = $1
	`, id).Scan(
		&seq.ID, &seq.TenantID, &seq.Name, &seq.Urgency, &seq.RespectBusinessHours,
		&seq.MutationEnabled, &seq.MutationAggressiveness, &triggers,
		&seq.TimeoutHours, &seq.CreatedAt, &seq.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("getting sequence %s: %w", id, err)
	}
	if len(triggers) > 0 {
		_ = json.Unmarshal(triggers, &seq.TriggerConditions)
	}
	return &seq, nil
}

// GetStep fetches the step with the given 1-based order, or pgx.ErrNoRows
// when the sequence has no such step.
func (s *Store) GetStep(ctx context.Context, sequenceID uuid.UUID, order int) (*Step, error) {
	var (
		st          Step
		contentJSON []byte
		skipJSON    []byte
		onlyIfJSON  []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, sequence_id, step_order, channel, delay_seconds, content,
			skip_conditions, on_success, on_failure, mutation_override,
			mutation_instructions, only_if
		FROM sequence_steps
		WHERE sequence_id = $1 AND step_order = $2
	`, sequenceID, order).Scan(
		&st.ID, &st.SequenceID, &st.Order, &st.Channel, &st.DelaySeconds,
		&contentJSON, &skipJSON, &st.OnSuccess, &st.OnFailure,
		&st.MutationOverride, &st.MutationInstructions, &onlyIfJSON,
	)
	if err != nil {
		return nil, err
	}
	if len(contentJSON) > 0 {
		if err := json.Unmarshal(contentJSON, &st.Content); err != nil {
			return nil, fmt.Errorf("decoding step content: %w", err)
		}
	}
	st.Content.Channel = st.Channel
	if len(skipJSON) > 0 {
		_ = json.Unmarshal(skipJSON, &st.SkipConditions)
	}
	if len(onlyIfJSON) > 0 {
		_ = json.Unmarshal(onlyIfJSON, &st.OnlyIf)
	}
	return &st, nil
}

// Advance moves an enrollment forward: bumps current_step_order, sets the new
// next_fire_time, and increments total_attempts. The step-order guard keeps
// the invariant that the order never decreases even under a racing write.
func (s *Store) Advance(ctx context.Context, id uuid.UUID, newOrder int, nextFire time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET current_step_order = $2, next_fire_time = $3,
			total_attempts = total_attempts + 1, updated_at = now()
		WHERE id = $1 AND current_step_order < $2
	`, id, newOrder, nextFire)
	if err != nil {
		return fmt.Errorf("advancing enrollment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("advancing enrollment %s: step order would not increase", id)
	}
	return nil
}

// AdvanceWithoutAttempt is Advance for skip-condition moves: the step order
// and fire time change but no dispatch was attempted.
func (s *Store) AdvanceWithoutAttempt(ctx context.Context, id uuid.UUID, newOrder int, nextFire time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET current_step_order = $2, next_fire_time = $3, updated_at = now()
		WHERE id = $1 AND current_step_order < $2
	`, id, newOrder, nextFire)
	if err != nil {
		return fmt.Errorf("advancing enrollment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("advancing enrollment %s: step order would not increase", id)
	}
	return nil
}

// Reschedule sets only the next_fire_time (business-hours / compliance deferral).
func (s *Store) Reschedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE enrollments SET next_fire_time = $2, updated_at = now() WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("rescheduling enrollment %s: %w", id, err)
	}
	return nil
}

// SetStatus transitions an enrollment's status. Terminal statuses clear
// next_fire_time, maintaining the terminal ⇔ null-fire-time invariant.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status Status, reason string) error {
	var err error
	if status.Terminal() {
		_, err = s.pool.Exec(ctx, `
			UPDATE enrollments
			SET status = $2, status_reason = $3, next_fire_time = NULL, updated_at = now()
			WHERE id = $1
		`, id, status, reason)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE enrollments SET status = $2, status_reason = $3, updated_at = now() WHERE id = $1
		`, id, status, reason)
	}
	if err != nil {
		return fmt.Errorf("setting enrollment %s status %s: %w", id, status, err)
	}
	return nil
}

// MarkBooked sets the appointment flag, the booked status, and clears the
// fire time in one statement. Idempotent.
func (s *Store) MarkBooked(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET appointment_booked = TRUE, status = 'booked', next_fire_time = NULL, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("marking enrollment %s booked: %w", id, err)
	}
	return nil
}

// SetReplied records that the contact replied. The enrollment keeps firing;
// skip conditions decide what the reply means per step.
func (s *Store) SetReplied(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE enrollments SET contact_replied = TRUE, updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("setting enrollment %s replied: %w", id, err)
	}
	return nil
}

// SetAnsweredCall records that the contact answered an outbound call.
func (s *Store) SetAnsweredCall(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE enrollments SET answered_call = TRUE, updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("setting enrollment %s answered_call: %w", id, err)
	}
	return nil
}

// SetNeedsHuman sets or clears the human-intervention hold.
func (s *Store) SetNeedsHuman(ctx context.Context, id uuid.UUID, v bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE enrollments SET needs_human_intervention = $2, updated_at = now() WHERE id = $1
	`, id, v)
	if err != nil {
		return fmt.Errorf("setting enrollment %s needs_human: %w", id, err)
	}
	return nil
}

// UpdateEmotionalState replaces the cached emotional state.
func (s *Store) UpdateEmotionalState(ctx context.Context, id uuid.UUID, state EmotionalState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding emotional state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE enrollments SET emotional_state = $2, updated_at = now() WHERE id = $1
	`, id, data)
	if err != nil {
		return fmt.Errorf("updating enrollment %s emotional state: %w", id, err)
	}
	return nil
}

// AppendFailure appends a failure record to the enrollment's healing history.
func (s *Store) AppendFailure(ctx context.Context, id uuid.UUID, rec FailureRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding failure record: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE enrollments
		SET failures = COALESCE(failures, '[]'::jsonb) || $2::jsonb, updated_at = now()
		WHERE id = $1
	`, id, data)
	if err != nil {
		return fmt.Errorf("appending failure to enrollment %s: %w", id, err)
	}
	return nil
}

// SetLastVariant records the A/B variant chosen for the latest dispatch so
// replies and conversions can be attributed.
func (s *Store) SetLastVariant(ctx context.Context, id, variantID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE enrollments SET last_variant_id = $2, updated_at = now() WHERE id = $1
	`, id, variantID)
	if err != nil {
		return fmt.Errorf("setting enrollment %s last variant: %w", id, err)
	}
	return nil
}

// SetChannelOverride installs a healing channel substitution (from → to).
func (s *Store) SetChannelOverride(ctx context.Context, id uuid.UUID, from, to Channel) error {
	patch, _ := json.Marshal(map[Channel]Channel{from: to})
	_, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET channel_overrides = COALESCE(channel_overrides, '{}'::jsonb) || $2::jsonb,
			updated_at = now()
		WHERE id = $1
	`, id, patch)
	if err != nil {
		return fmt.Errorf("setting channel override on enrollment %s: %w", id, err)
	}
	return nil
}

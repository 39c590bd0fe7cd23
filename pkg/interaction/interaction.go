// Package interaction holds the append-only record of every inbound and
// outbound touch on a contact.
package interaction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/cadence/pkg/sequence"
)

// Direction of a touch.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Interaction is one immutable touch record. Outbound voice rows are the one
// exception to immutability: their outcome fields are filled in when the
// provider reports the call result, rather than duplicating the row.
type Interaction struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	ContactID    uuid.UUID
	EnrollmentID uuid.UUID

	Channel   sequence.Channel
	Direction Direction
	Content   string
	Outcome   string

	Sentiment string
	Intent    string

	CallDurationSeconds int
	CallDisposition     string

	Objections []string
	KeyTopics  []string

	ProviderID string
	Analysis   json.RawMessage

	CreatedAt time.Time
}

// Store provides database operations for interactions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an interaction Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Insert appends an interaction row and returns its id.
func (s *Store) Insert(ctx context.Context, in *Interaction) (uuid.UUID, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	objections, _ := json.Marshal(in.Objections)
	topics, _ := json.Marshal(in.KeyTopics)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO interactions (
			id, tenant_id, contact_id, enrollment_id, channel, direction,
			content, outcome, sentiment, intent, call_duration_seconds,
			call_disposition, objections, key_topics, provider_id, analysis,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16, now())
	`,
		in.ID, in.TenantID, in.ContactID, in.EnrollmentID, in.Channel, in.Direction,
		in.Content, in.Outcome, in.Sentiment, in.Intent, in.CallDurationSeconds,
		in.CallDisposition, objections, topics, in.ProviderID, in.Analysis,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("inserting interaction: %w", err)
	}
	return in.ID, nil
}

// UpdateCallOutcome fills in the result fields of the outbound voice
// interaction identified by the provider call id.
func (s *Store) UpdateCallOutcome(ctx context.Context, providerID, outcome, disposition string, durationSeconds int, transcript string, analysis json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE interactions
		SET outcome = $2, call_disposition = $3, call_duration_seconds = $4,
			content = CASE WHEN $5 <> '' THEN $5 ELSE content END,
			analysis = CASE WHEN $6::jsonb IS NOT NULL THEN $6 ELSE analysis END
		WHERE provider_id = $1 AND direction = 'outbound' AND channel = 'voice'
	`, providerID, outcome, disposition, durationSeconds, transcript, analysis)
	if err != nil {
		return fmt.Errorf("updating call outcome for %s: %w", providerID, err)
	}
	return nil
}

// UpdateDeliveryStatus sets the outcome of an outbound message identified by
// its provider id (sms delivery reports, email events).
func (s *Store) UpdateDeliveryStatus(ctx context.Context, providerID, outcome string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE interactions SET outcome = $2
		WHERE provider_id = $1 AND direction = 'outbound'
	`, providerID, outcome)
	if err != nil {
		return fmt.Errorf("updating delivery status for %s: %w", providerID, err)
	}
	return nil
}

// SetAnalysis attaches an emotional analysis blob to an interaction.
func (s *Store) SetAnalysis(ctx context.Context, id uuid.UUID, sentiment, intent string, objections []string, analysis json.RawMessage) error {
	obj, _ := json.Marshal(objections)
	_, err := s.pool.Exec(ctx, `
		UPDATE interactions SET sentiment = $2, intent = $3, objections = $4, analysis = $5
		WHERE id = $1
	`, id, sentiment, intent, obj, analysis)
	if err != nil {
		return fmt.Errorf("setting interaction %s analysis: %w", id, err)
	}
	return nil
}

// Recent lists a contact's most recent interactions, newest first.
func (s *Store) Recent(ctx context.Context, contactID uuid.UUID, limit int) ([]*Interaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, contact_id, enrollment_id, channel, direction,
			content, outcome, sentiment, intent, call_duration_seconds,
			call_disposition, objections, key_topics, provider_id, analysis,
			created_at
		FROM interactions
		WHERE contact_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing interactions for contact %s: %w", contactID, err)
	}
	defer rows.Close()

	var result []*Interaction
	for rows.Next() {
		var (
			in         Interaction
			objections []byte
			topics     []byte
		)
		if err := rows.Scan(
			&in.ID, &in.TenantID, &in.ContactID, &in.EnrollmentID, &in.Channel,
			&in.Direction, &in.Content, &in.Outcome, &in.Sentiment, &in.Intent,
			&in.CallDurationSeconds, &in.CallDisposition, &objections, &topics,
			&in.ProviderID, &in.Analysis, &in.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning interaction: %w", err)
		}
		if len(objections) > 0 {
			_ = json.Unmarshal(objections, &in.Objections)
		}
		if len(topics) > 0 {
			_ = json.Unmarshal(topics, &in.KeyTopics)
		}
		result = append(result, &in)
	}
	return result, rows.Err()
}

// FirstContactAt returns the timestamp of the contact's earliest interaction.
func (s *Store) FirstContactAt(ctx context.Context, contactID uuid.UUID) (*time.Time, error) {
	var at *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT min(created_at) FROM interactions WHERE contact_id = $1
	`, contactID).Scan(&at)
	if err != nil {
		return nil, fmt.Errorf("finding first contact for %s: %w", contactID, err)
	}
	return at, nil
}

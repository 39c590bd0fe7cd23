// Package variant implements A/B content splits on sequence steps: weighted
// selection and sent/reply/conversion attribution counters.
package variant

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/cadence/pkg/sequence"
)

// Variant is one arm of a step's A/B split.
type Variant struct {
	ID          uuid.UUID
	StepID      uuid.UUID
	Name        string
	Content     sequence.StepContent
	Weight      float64
	Active      bool
	Sent        int
	Replies     int
	Conversions int
}

// Select draws one active variant weighted by traffic weights. Weights are
// normalized over the active set; ties in the draw are broken by stable
// variant id order. Returns nil when no active variant carries weight.
func Select(variants []Variant, rnd *rand.Rand) *Variant {
	active := make([]Variant, 0, len(variants))
	total := 0.0
	for _, v := range variants {
		if v.Active && v.Weight > 0 {
			active = append(active, v)
			total += v.Weight
		}
	}
	if len(active) == 0 || total <= 0 {
		return nil
	}

	// Stable id order makes the draw deterministic for a given random value.
	sort.Slice(active, func(i, j int) bool {
		return active[i].ID.String() < active[j].ID.String()
	})

	draw := rnd.Float64() * total
	acc := 0.0
	for i := range active {
		acc += active[i].Weight
		if draw < acc {
			return &active[i]
		}
	}
	return &active[len(active)-1]
}

// Store provides database operations for step variants.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a variant Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ForStep lists a step's variants.
func (s *Store) ForStep(ctx context.Context, stepID uuid.UUID) ([]Variant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, step_id, name, content, weight, active, sent, replies, conversions
		FROM step_variants WHERE step_id = $1
	`, stepID)
	if err != nil {
		return nil, fmt.Errorf("listing variants for step %s: %w", stepID, err)
	}
	defer rows.Close()

	var result []Variant
	for rows.Next() {
		var (
			v       Variant
			content []byte
		)
		if err := rows.Scan(&v.ID, &v.StepID, &v.Name, &content, &v.Weight,
			&v.Active, &v.Sent, &v.Replies, &v.Conversions); err != nil {
			return nil, fmt.Errorf("scanning variant: %w", err)
		}
		if len(content) > 0 {
			_ = json.Unmarshal(content, &v.Content)
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

// RecordSent increments the variant's sent counter.
func (s *Store) RecordSent(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE step_variants SET sent = sent + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("recording variant %s sent: %w", id, err)
	}
	return nil
}

// RecordReply increments the variant's reply counter.
func (s *Store) RecordReply(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE step_variants SET replies = replies + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("recording variant %s reply: %w", id, err)
	}
	return nil
}

// RecordConversion increments the variant's conversion counter.
func (s *Store) RecordConversion(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE step_variants SET conversions = conversions + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("recording variant %s conversion: %w", id, err)
	}
	return nil
}

// Package mutation adapts upcoming step content to the unfolding
// conversation: it asks the model for a rewrite, validates the invariants the
// rewrite must preserve, applies a confidence floor, and records the audit
// trail.
package mutation

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wisbric/cadence/pkg/llm"
	"github.com/wisbric/cadence/pkg/memory"
	"github.com/wisbric/cadence/pkg/sequence"
)

// Outcome describes what the mutator did with one step.
type Outcome string

const (
	OutcomeApplied                Outcome = "applied"
	OutcomeSkipped                Outcome = "skipped"
	OutcomeDiscardedLowConfidence Outcome = "mutation_discarded_low_confidence"
	OutcomeDiscardedInvalid       Outcome = "mutation_discarded_invalid"
	OutcomeFailed                 Outcome = "mutation_failed"
)

// Recorder persists mutation records. Satisfied by *Store.
type Recorder interface {
	Insert(ctx context.Context, rec *Record) error
}

// Mutator runs the adaptive-mutation stage of the dispatch pipeline.
type Mutator struct {
	llm           llm.Client
	recorder      Recorder
	minConfidence float64
	logger        *slog.Logger
}

// NewMutator creates a Mutator.
func NewMutator(client llm.Client, recorder Recorder, minConfidence float64, logger *slog.Logger) *Mutator {
	return &Mutator{
		llm:           client,
		recorder:      recorder,
		minConfidence: minConfidence,
		logger:        logger,
	}
}

// ShouldMutate checks the mutation preconditions: the sequence allows it, the
// step does not opt out, the conversation is informative, and this is not the
// first step.
func ShouldMutate(seq *sequence.Sequence, step *sequence.Step, e *sequence.Enrollment, mem *memory.Context) bool {
	if !step.MutationAllowed(seq.MutationEnabled) {
		return false
	}
	if e.CurrentStepOrder == 0 {
		return false
	}
	return mem.Informative()
}

// Apply requests a rewrite of the rendered content and returns the content to
// dispatch plus what happened. The original is returned unchanged for every
// outcome except OutcomeApplied. A record is persisted only when the rewrite
// is used.
func (m *Mutator) Apply(ctx context.Context, seq *sequence.Sequence, step *sequence.Step, e *sequence.Enrollment, mem *memory.Context, rendered sequence.StepContent, brandVoice string) (sequence.StepContent, Outcome) {
	result, err := m.llm.MutateContent(ctx, llm.MutationRequest{
		Channel:        step.Channel,
		Original:       rendered,
		Context:        mem,
		BrandVoice:     brandVoice,
		Aggressiveness: seq.MutationAggressiveness,
		Instructions:   step.MutationInstructions,
	})
	if err != nil {
		m.logger.Warn("content mutation unavailable, dispatching original",
			"enrollment_id", e.ID, "step_order", step.Order, "error", err)
		return rendered, OutcomeFailed
	}

	if result.Confidence < m.minConfidence {
		m.logger.Info("content mutation discarded below confidence floor",
			"enrollment_id", e.ID, "step_order", step.Order,
			"confidence", result.Confidence, "floor", m.minConfidence)
		return rendered, OutcomeDiscardedLowConfidence
	}

	if err := ValidateRewrite(rendered, result.Content); err != nil {
		m.logger.Warn("content mutation violated invariants, dispatching original",
			"enrollment_id", e.ID, "step_order", step.Order, "error", err)
		return rendered, OutcomeDiscardedInvalid
	}

	rec := &Record{
		ID:              uuid.New(),
		EnrollmentID:    e.ID,
		StepID:          step.ID,
		OriginalContent: rendered,
		MutatedContent:  result.Content,
		Confidence:      result.Confidence,
		Aggressiveness:  seq.MutationAggressiveness,
		Model:           result.Model,
	}
	if err := m.recorder.Insert(ctx, rec); err != nil {
		// The rewrite is good; a failed audit write should not block it.
		m.logger.Error("persisting mutation record failed",
			"enrollment_id", e.ID, "step_order", step.Order, "error", err)
	}

	return result.Content, OutcomeApplied
}

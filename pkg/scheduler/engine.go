// Package scheduler advances every active enrollment at the right wall-clock
// moment: it finds due enrollments, gates them through compliance and
// capacity checks, renders and adapts content, dispatches steps onto the job
// bus, and moves enrollment state forward.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/cadence/internal/telemetry"
	"github.com/wisbric/cadence/pkg/contact"
	"github.com/wisbric/cadence/pkg/email"
	"github.com/wisbric/cadence/pkg/execlog"
	"github.com/wisbric/cadence/pkg/healing"
	"github.com/wisbric/cadence/pkg/jobbus"
	"github.com/wisbric/cadence/pkg/memory"
	"github.com/wisbric/cadence/pkg/mutation"
	"github.com/wisbric/cadence/pkg/render"
	"github.com/wisbric/cadence/pkg/sequence"
	"github.com/wisbric/cadence/pkg/sms"
	"github.com/wisbric/cadence/pkg/tenantprofile"
	"github.com/wisbric/cadence/pkg/timeops"
	"github.com/wisbric/cadence/pkg/variant"
	"github.com/wisbric/cadence/pkg/voice"
)

// EnrollmentStore is the slice of the sequence store the engine drives.
type EnrollmentStore interface {
	DueEnrollments(ctx context.Context, now time.Time, limit int) ([]*sequence.Enrollment, error)
	GetSequence(ctx context.Context, id uuid.UUID) (*sequence.Sequence, error)
	GetStep(ctx context.Context, sequenceID uuid.UUID, order int) (*sequence.Step, error)
	Advance(ctx context.Context, id uuid.UUID, newOrder int, nextFire time.Time) error
	AdvanceWithoutAttempt(ctx context.Context, id uuid.UUID, newOrder int, nextFire time.Time) error
	Reschedule(ctx context.Context, id uuid.UUID, at time.Time) error
	SetStatus(ctx context.Context, id uuid.UUID, status sequence.Status, reason string) error
	SetLastVariant(ctx context.Context, id, variantID uuid.UUID) error
}

// ContactReader loads contacts.
type ContactReader interface {
	Get(ctx context.Context, id uuid.UUID) (*contact.Contact, error)
}

// ProfileReader loads tenant profiles.
type ProfileReader interface {
	Get(ctx context.Context, tenantID uuid.UUID) (*tenantprofile.Profile, error)
}

// MemoryBuilder assembles conversation context. Best-effort: failures
// degrade to an empty context.
type MemoryBuilder interface {
	Build(ctx context.Context, contactID uuid.UUID) (*memory.Context, error)
}

// VariantSource provides A/B variants and records draws.
type VariantSource interface {
	ForStep(ctx context.Context, stepID uuid.UUID) ([]variant.Variant, error)
	RecordSent(ctx context.Context, id uuid.UUID) error
}

// ContentMutator is the adaptive-mutation stage.
type ContentMutator interface {
	Apply(ctx context.Context, seq *sequence.Sequence, step *sequence.Step, e *sequence.Enrollment, mem *memory.Context, rendered sequence.StepContent, brandVoice string) (sequence.StepContent, mutation.Outcome)
}

// FailureHandler is the self-healer's entry point for pre-dispatch failures.
type FailureHandler interface {
	HandleFailure(ctx context.Context, e *sequence.Enrollment, c *contact.Contact, step *sequence.Step, failureType, details string) error
}

// Enqueuer dispatches jobs. Satisfied by *jobbus.Bus.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any, opts jobbus.Options) (string, error)
}

// ExecLogger is the async execution log.
type ExecLogger interface {
	Log(entry execlog.Entry)
}

// Config tunes the engine loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// Engine is the scheduler loop.
type Engine struct {
	store    EnrollmentStore
	contacts ContactReader
	profiles ProfileReader
	mem      MemoryBuilder
	variants VariantSource
	mutator  ContentMutator
	healer   FailureHandler
	bus      Enqueuer
	execLog  ExecLogger
	clock    timeops.Clock
	rnd      *rand.Rand
	cfg      Config
	logger   *slog.Logger
}

// NewEngine creates a scheduler Engine.
func NewEngine(store EnrollmentStore, contacts ContactReader, profiles ProfileReader, mem MemoryBuilder, variants VariantSource, mutator ContentMutator, healer FailureHandler, bus Enqueuer, execLog ExecLogger, clock timeops.Clock, rnd *rand.Rand, cfg Config, logger *slog.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Engine{
		store:    store,
		contacts: contacts,
		profiles: profiles,
		mem:      mem,
		variants: variants,
		mutator:  mutator,
		healer:   healer,
		bus:      bus,
		execLog:  execLog,
		clock:    clock,
		rnd:      rnd,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run starts the scheduler loop. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("scheduler started",
		"poll_interval", e.cfg.PollInterval,
		"batch_size", e.cfg.BatchSize,
	)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			start := time.Now()
			if err := e.Tick(ctx); err != nil {
				e.logger.Error("scheduler tick", "error", err)
			}
			elapsed := time.Since(start)
			telemetry.SchedulerTickDuration.Observe(elapsed.Seconds())
			if elapsed > e.cfg.PollInterval {
				e.logger.Warn("scheduler tick exceeded poll interval",
					"elapsed", elapsed, "interval", e.cfg.PollInterval)
			}
		}
	}
}

// Tick processes one batch of due enrollments. Failures inside one
// enrollment never affect the rest of the batch.
func (e *Engine) Tick(ctx context.Context) error {
	now := e.clock.Now()
	due, err := e.store.DueEnrollments(ctx, now, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetching due enrollments: %w", err)
	}

	for _, enr := range due {
		if err := e.processEnrollment(ctx, enr); err != nil {
			e.logger.Error("processing enrollment",
				"enrollment_id", enr.ID,
				"step_order", enr.CurrentStepOrder,
				"error", err,
			)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (e *Engine) processEnrollment(ctx context.Context, enr *sequence.Enrollment) error {
	now := e.clock.Now()

	seq, err := e.store.GetSequence(ctx, enr.SequenceID)
	if err != nil {
		return fmt.Errorf("loading sequence: %w", err)
	}

	// Sequence timeout: an enrollment that has lingered past the window
	// fails out instead of firing stale touches.
	if seq.TimeoutHours > 0 && now.Sub(enr.EnrolledAt) > time.Duration(seq.TimeoutHours)*time.Hour {
		return e.store.SetStatus(ctx, enr.ID, sequence.StatusFailed, "timeout")
	}

	// 1. Load the next step; exhaustion completes the enrollment.
	step, err := e.store.GetStep(ctx, enr.SequenceID, enr.CurrentStepOrder+1)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e.store.SetStatus(ctx, enr.ID, sequence.StatusCompleted, "sequence exhausted")
		}
		return fmt.Errorf("loading step %d: %w", enr.CurrentStepOrder+1, err)
	}

	// 2. Human-intervention hold: leave untouched until cleared externally.
	if enr.NeedsHumanIntervention {
		return nil
	}

	// 3. Skip conditions advance without dispatching.
	if key, skip := e.matchSkipCondition(enr, step); skip {
		return e.advanceSkipped(ctx, enr, step, key)
	}

	profile, err := e.profiles.Get(ctx, enr.TenantID)
	if err != nil {
		return fmt.Errorf("loading tenant profile: %w", err)
	}

	// 4. Business-hours gate (sms and voice; bypassable per sequence/tenant).
	if gated(step.Channel) && seq.RespectBusinessHours && !profile.Hours.Always247 {
		local := now.In(timeops.LoadLocation(profile.Timezone))
		if !profile.Hours.InBusinessWindow(local) {
			next := profile.Hours.NextBusinessWindow(now, profile.Timezone)
			telemetry.StepsDeferredTotal.WithLabelValues("business_hours").Inc()
			return e.store.Reschedule(ctx, enr.ID, next)
		}
	}

	// 5. Regulatory gate (sms and voice; always on).
	if gated(step.Channel) {
		local := now.In(timeops.LoadLocation(profile.Timezone))
		if !timeops.InComplianceWindow(local) {
			next := timeops.NextComplianceWindow(now, profile.Timezone)
			telemetry.StepsDeferredTotal.WithLabelValues("compliance").Inc()
			return e.store.Reschedule(ctx, enr.ID, next)
		}
	}

	con, err := e.contacts.Get(ctx, enr.ContactID)
	if err != nil {
		return fmt.Errorf("loading contact: %w", err)
	}

	// 6. Conversation context, best-effort.
	mem, err := e.mem.Build(ctx, enr.ContactID)
	if err != nil {
		e.logger.Warn("conversation memory unavailable",
			"enrollment_id", enr.ID, "error", err)
		mem = &memory.Context{}
	}

	// 7. Variable binding.
	vars := render.BindVariables(con, enr, mem.TemplateVars())

	// 8. A/B variant selection.
	content := step.Content
	var selectedVariant *variant.Variant
	variants, err := e.variants.ForStep(ctx, step.ID)
	if err != nil {
		e.logger.Warn("variant lookup failed, using base content",
			"step_id", step.ID, "error", err)
	} else if v := variant.Select(variants, e.rnd); v != nil {
		selectedVariant = v
		content = v.Content
		content.Channel = step.Channel
	}

	// 9. Template rendering.
	rendered := render.RenderContent(content, vars)

	// 10. Adaptive mutation; the rewrite re-renders through the substituter.
	if mutation.ShouldMutate(seq, step, enr, mem) {
		mutated, outcome := e.mutator.Apply(ctx, seq, step, enr, mem, rendered, profile.BrandVoice)
		telemetry.MutationsTotal.WithLabelValues(string(outcome)).Inc()
		switch outcome {
		case mutation.OutcomeApplied:
			rendered = render.RenderContent(mutated, vars)
		case mutation.OutcomeDiscardedLowConfidence:
			e.execLog.Log(execlog.Entry{
				TenantID:     enr.TenantID,
				EnrollmentID: enr.ID,
				StepID:       step.ID,
				Action:       string(mutation.OutcomeDiscardedLowConfidence),
				Status:       "discarded",
			})
		}
	}

	// 11. Self-healing pre-checks: channel override, then address validity.
	dispatchChannel := healing.ChannelOverride(enr, step.Channel)
	if validity := healing.CheckContactValidity(con, dispatchChannel); !validity.Valid {
		if err := e.healer.HandleFailure(ctx, enr, con, step, validity.FailureType, validity.Reason); err != nil {
			return fmt.Errorf("healing pre-check failure: %w", err)
		}
		return nil
	}

	// 12. Dispatch.
	if err := e.dispatch(ctx, seq, step, enr, con, mem, rendered, dispatchChannel, vars); err != nil {
		// Not advanced; the next tick retries the whole step.
		return fmt.Errorf("dispatching step %d: %w", step.Order, err)
	}
	telemetry.StepsDispatchedTotal.WithLabelValues(string(dispatchChannel)).Inc()
	e.execLog.Log(execlog.Entry{
		TenantID:     enr.TenantID,
		EnrollmentID: enr.ID,
		StepID:       step.ID,
		Action:       "step_dispatched",
		Status:       "ok",
	})
	if selectedVariant != nil {
		if err := e.variants.RecordSent(ctx, selectedVariant.ID); err != nil {
			e.logger.Warn("recording variant draw failed", "variant_id", selectedVariant.ID, "error", err)
		}
		if err := e.store.SetLastVariant(ctx, enr.ID, selectedVariant.ID); err != nil {
			e.logger.Warn("recording variant correlation failed", "variant_id", selectedVariant.ID, "error", err)
		}
	}

	// 13. Advance past the dispatched step.
	return e.advanceDispatched(ctx, enr, step)
}

// matchSkipCondition returns the first skip-condition key matching the
// enrollment's flags.
func (e *Engine) matchSkipCondition(enr *sequence.Enrollment, step *sequence.Step) (string, bool) {
	for _, key := range step.SkipConditions {
		if enr.FlagSet(key) {
			return key, true
		}
	}
	return "", false
}

// advanceSkipped moves past a skipped step using the following step's delay.
func (e *Engine) advanceSkipped(ctx context.Context, enr *sequence.Enrollment, step *sequence.Step, key string) error {
	now := e.clock.Now()
	nextFire := now
	if following, err := e.store.GetStep(ctx, enr.SequenceID, step.Order+1); err == nil {
		nextFire = now.Add(adjustedDelay(following.DelaySeconds, enr.Emotional))
	}
	e.logger.Info("step skipped by condition",
		"enrollment_id", enr.ID, "step_order", step.Order, "condition", key)
	return e.store.AdvanceWithoutAttempt(ctx, enr.ID, step.Order, nextFire)
}

// advanceDispatched computes the next fire time from the following step's
// delay scaled by the emotion multiplier. When no step follows, the next tick
// observes exhaustion and completes the enrollment.
func (e *Engine) advanceDispatched(ctx context.Context, enr *sequence.Enrollment, step *sequence.Step) error {
	now := e.clock.Now()
	nextFire := now
	if following, err := e.store.GetStep(ctx, enr.SequenceID, step.Order+1); err == nil {
		nextFire = now.Add(adjustedDelay(following.DelaySeconds, enr.Emotional))
	}
	return e.store.Advance(ctx, enr.ID, step.Order, nextFire)
}

func gated(ch sequence.Channel) bool {
	return ch == sequence.ChannelSMS || ch == sequence.ChannelVoice
}

// dispatch enqueues the rendered content onto the channel's queue.
func (e *Engine) dispatch(ctx context.Context, seq *sequence.Sequence, step *sequence.Step, enr *sequence.Enrollment, con *contact.Contact, mem *memory.Context, rendered sequence.StepContent, channel sequence.Channel, vars map[string]string) error {
	switch channel {
	case sequence.ChannelVoice:
		payload := voice.JobPayload{
			TenantID:     enr.TenantID,
			EnrollmentID: enr.ID,
			StepID:       step.ID,
			StepOrder:    step.Order,
			ContactID:    con.ID,
			Phone:        con.Phone,
			FirstMessage: rendered.FirstMessage,
			SystemPrompt: voiceSystemPrompt(rendered.SystemPrompt, mem, enr.Emotional),
			AssistantID:  rendered.AssistantID,
			Variables:    vars,
			Priority:     seq.Urgency.QueuePriority(),
		}
		_, err := e.bus.Enqueue(ctx, jobbus.QueueVoice, payload, jobbus.Options{Priority: payload.Priority})
		return err

	case sequence.ChannelSMS:
		body := rendered.Body
		if body == "" {
			// Channel substitution can route a non-SMS step here; fall
			// back to the most text-like field available.
			body = firstNonEmpty(rendered.Text, rendered.FirstMessage, rendered.Subject)
		}
		payload := sms.JobPayload{
			TenantID:     enr.TenantID,
			EnrollmentID: enr.ID,
			StepID:       step.ID,
			StepOrder:    step.Order,
			ContactID:    con.ID,
			Phone:        con.Phone,
			Body:         body,
		}
		_, err := e.bus.Enqueue(ctx, jobbus.QueueSMS, payload, jobbus.Options{})
		return err

	case sequence.ChannelEmail:
		if con.Email == nil {
			return fmt.Errorf("contact %s has no email", con.ID)
		}
		subject := rendered.Subject
		if subject == "" {
			subject = "Following up"
		}
		text := rendered.Text
		if text == "" {
			text = firstNonEmpty(rendered.Body, rendered.FirstMessage)
		}
		payload := email.JobPayload{
			TenantID:     enr.TenantID,
			EnrollmentID: enr.ID,
			StepID:       step.ID,
			StepOrder:    step.Order,
			ContactID:    con.ID,
			To:           *con.Email,
			Subject:      subject,
			HTML:         rendered.HTML,
			Text:         text,
		}
		_, err := e.bus.Enqueue(ctx, jobbus.QueueEmail, payload, jobbus.Options{})
		return err
	}
	return fmt.Errorf("unknown dispatch channel %q", channel)
}

// voiceSystemPrompt appends the conversation context block and the tone
// directive to the base system prompt.
func voiceSystemPrompt(base string, mem *memory.Context, es sequence.EmotionalState) string {
	var sb strings.Builder
	sb.WriteString(base)
	if mem != nil && mem.Timeline != "" {
		sb.WriteString("\n\nConversation history:\n")
		sb.WriteString(mem.Timeline)
	}
	if es.RecommendedTone != "" {
		sb.WriteString("\n\nTone: speak in a ")
		sb.WriteString(es.RecommendedTone)
		sb.WriteString(" tone throughout the call.")
	}
	return sb.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

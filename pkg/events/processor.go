package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/cadence/internal/telemetry"
	"github.com/wisbric/cadence/pkg/contact"
	"github.com/wisbric/cadence/pkg/healing"
	"github.com/wisbric/cadence/pkg/interaction"
	"github.com/wisbric/cadence/pkg/jobbus"
	"github.com/wisbric/cadence/pkg/llm"
	"github.com/wisbric/cadence/pkg/memory"
	"github.com/wisbric/cadence/pkg/notify"
	"github.com/wisbric/cadence/pkg/sequence"
	"github.com/wisbric/cadence/pkg/timeops"
)

// transcriptMinLength is the shortest transcript worth analyzing.
const transcriptMinLength = 30

// EnrollmentStore is the slice of the sequence store the processor mutates.
type EnrollmentStore interface {
	GetEnrollment(ctx context.Context, id uuid.UUID) (*sequence.Enrollment, error)
	SetReplied(ctx context.Context, id uuid.UUID) error
	SetAnsweredCall(ctx context.Context, id uuid.UUID) error
	MarkBooked(ctx context.Context, id uuid.UUID) error
	SetNeedsHuman(ctx context.Context, id uuid.UUID, v bool) error
	SetStatus(ctx context.Context, id uuid.UUID, status sequence.Status, reason string) error
	UpdateEmotionalState(ctx context.Context, id uuid.UUID, state sequence.EmotionalState) error
}

// ContactStore is the slice of the contact store the processor needs.
type ContactStore interface {
	Get(ctx context.Context, id uuid.UUID) (*contact.Contact, error)
	UpdateEngagement(ctx context.Context, id uuid.UUID, score int, trend string) error
}

// InteractionStore is the slice of the interaction store the processor needs.
type InteractionStore interface {
	Insert(ctx context.Context, in *interaction.Interaction) (uuid.UUID, error)
	UpdateCallOutcome(ctx context.Context, providerID, outcome, disposition string, durationSeconds int, transcript string, analysis json.RawMessage) error
	UpdateDeliveryStatus(ctx context.Context, providerID, outcome string) error
	SetAnalysis(ctx context.Context, id uuid.UUID, sentiment, intent string, objections []string, analysis json.RawMessage) error
	Recent(ctx context.Context, contactID uuid.UUID, limit int) ([]*interaction.Interaction, error)
}

// SlotReleaser returns umbrella slots on call end.
type SlotReleaser interface {
	Release(ctx context.Context, umbrellaID, tenantID uuid.UUID) error
}

// Deduper is the idempotency gate: MarkProcessed returns false when the
// (provider id, event type) pair was seen before.
type Deduper interface {
	MarkProcessed(ctx context.Context, providerID, eventType string) (bool, error)
}

// Notifier emits operator notifications.
type Notifier interface {
	Emit(ctx context.Context, n notify.Notification)
}

// MutationMarker attributes replies and conversions to mutations.
type MutationMarker interface {
	MarkReply(ctx context.Context, enrollmentID uuid.UUID) error
	MarkConversion(ctx context.Context, enrollmentID uuid.UUID) error
}

// VariantMarker attributes replies and conversions to A/B variants.
type VariantMarker interface {
	RecordReply(ctx context.Context, id uuid.UUID) error
	RecordConversion(ctx context.Context, id uuid.UUID) error
}

// Enqueuer feeds the healing queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any, opts jobbus.Options) (string, error)
}

// Processor drains the events queue.
type Processor struct {
	bus          *jobbus.Bus
	enrollments  EnrollmentStore
	contacts     ContactStore
	interactions InteractionStore
	slots        SlotReleaser
	dedupe       Deduper
	analyzer     llm.Client
	notifier     Notifier
	mutations    MutationMarker
	variants     VariantMarker
	healingQ     Enqueuer
	clock        timeops.Clock
	locks        *keyedLock
	logger       *slog.Logger
}

// NewProcessor creates an event Processor.
func NewProcessor(bus *jobbus.Bus, enrollments EnrollmentStore, contacts ContactStore, interactions InteractionStore, slots SlotReleaser, dedupe Deduper, analyzer llm.Client, notifier Notifier, mutations MutationMarker, variants VariantMarker, clock timeops.Clock, logger *slog.Logger) *Processor {
	return &Processor{
		bus:          bus,
		enrollments:  enrollments,
		contacts:     contacts,
		interactions: interactions,
		slots:        slots,
		dedupe:       dedupe,
		analyzer:     analyzer,
		notifier:     notifier,
		mutations:    mutations,
		variants:     variants,
		healingQ:     bus,
		clock:        clock,
		locks:        newKeyedLock(),
		logger:       logger,
	}
}

// Run consumes the events queue until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	return p.bus.Consume(ctx, jobbus.ConsumerConfig{
		Queue:       jobbus.QueueEvents,
		Concurrency: 5,
		Lease:       60 * time.Second,
	}, p.Handle)
}

// Handle processes one provider event. Replays of the same (provider id,
// event type) pair are no-ops.
func (p *Processor) Handle(ctx context.Context, job *jobbus.Job) error {
	var ev Event
	if err := json.Unmarshal(job.Payload, &ev); err != nil {
		return fmt.Errorf("decoding event: %w", err)
	}

	if ev.ProviderID != "" {
		fresh, err := p.dedupe.MarkProcessed(ctx, ev.ProviderID, ev.Type)
		if err != nil {
			return fmt.Errorf("dedupe check: %w", err)
		}
		if !fresh {
			p.logger.Debug("duplicate event ignored", "type", ev.Type, "provider_id", ev.ProviderID)
			return nil
		}
	}

	telemetry.EventsProcessedTotal.WithLabelValues(ev.Type).Inc()

	// Enrollment mutations are serialized per enrollment.
	if ev.EnrollmentID != uuid.Nil {
		unlock := p.locks.Lock(ev.EnrollmentID)
		defer unlock()
	}

	switch ev.Type {
	case TypeCallOutcome:
		return p.handleCallOutcome(ctx, ev)
	case TypeSMSReply:
		return p.handleSMSReply(ctx, ev)
	case TypeSMSDelivery:
		return p.handleSMSDelivery(ctx, ev)
	case TypeEmailOpened, TypeEmailClicked:
		return p.handleEmailEngagement(ctx, ev)
	case TypeEmailBounced:
		return p.handleEmailBounced(ctx, ev)
	}
	p.logger.Warn("unrecognized event type", "type", ev.Type)
	return nil
}

func (p *Processor) handleCallOutcome(ctx context.Context, ev Event) error {
	// A call produces several deliveries (status-update ended, then the
	// richer end-of-call-report), each with its own event dedupe key. The
	// bare call id keys everything that must happen once per call.
	callID := ev.CallID
	if callID == "" {
		callID = ev.ProviderID
	}

	// Release the umbrella slot exactly once per call id, whichever
	// delivery lands first. A double release would be absorbed by the
	// manager anyway.
	if ev.UmbrellaID != uuid.Nil {
		fresh, err := p.dedupe.MarkProcessed(ctx, callID, "slot-release")
		if err != nil {
			p.logger.Error("slot release dedupe", "call_id", callID, "error", err)
		} else if fresh {
			if err := p.slots.Release(ctx, ev.UmbrellaID, ev.TenantID); err != nil {
				p.logger.Error("releasing umbrella slot", "call_id", callID, "error", err)
			}
		}
	}

	e, err := p.enrollments.GetEnrollment(ctx, ev.EnrollmentID)
	if err != nil {
		return fmt.Errorf("loading enrollment: %w", err)
	}

	answered := ev.Disposition == "answered" || ev.Disposition == "completed"
	outcome := ev.Disposition
	if outcome == "" {
		outcome = ev.EndedReason
	}

	// Update the outbound call interaction in place rather than duplicating.
	if err := p.interactions.UpdateCallOutcome(ctx, callID, outcome, ev.Disposition, ev.DurationSeconds, ev.Transcript, nil); err != nil {
		p.logger.Error("updating call interaction", "call_id", callID, "error", err)
	}

	if answered {
		if err := p.enrollments.SetAnsweredCall(ctx, e.ID); err != nil {
			return err
		}
	}

	if ev.AppointmentBooked {
		if err := p.markBooked(ctx, e); err != nil {
			return err
		}
	}

	if len(ev.Transcript) > transcriptMinLength {
		verdict, err := p.analyzer.AnalyzeTranscript(ctx, llm.AnalyzeTranscriptRequest{
			Transcript:      ev.Transcript,
			DurationSeconds: ev.DurationSeconds,
			Disposition:     ev.Disposition,
		})
		if err != nil {
			p.logger.Warn("transcript analysis failed", "call_id", callID, "error", err)
		} else {
			p.applyAnalysis(ctx, e, verdict, uuid.Nil)
		}
	}

	// Unanswered terminal dispositions feed the healing path — once per
	// call, not once per delivery (each failure yields one healing decision).
	switch ev.Disposition {
	case "no-answer", "busy", "voicemail", "failed":
		fresh, err := p.dedupe.MarkProcessed(ctx, callID, "call-failure")
		if err != nil {
			p.logger.Error("call failure dedupe", "call_id", callID, "error", err)
		} else if fresh {
			p.surfaceFailure(ctx, e, sequence.ChannelVoice, healing.FailureCallFailed,
				fmt.Sprintf("call ended %s (%s)", ev.Disposition, ev.EndedReason))
		}
	}
	return nil
}

func (p *Processor) handleSMSReply(ctx context.Context, ev Event) error {
	e, err := p.enrollments.GetEnrollment(ctx, ev.EnrollmentID)
	if err != nil {
		return fmt.Errorf("loading enrollment: %w", err)
	}

	interactionID, err := p.interactions.Insert(ctx, &interaction.Interaction{
		TenantID:     e.TenantID,
		ContactID:    e.ContactID,
		EnrollmentID: e.ID,
		Channel:      sequence.ChannelSMS,
		Direction:    interaction.DirectionInbound,
		Content:      ev.Body,
		Outcome:      "received",
		ProviderID:   ev.ProviderID,
	})
	if err != nil {
		return fmt.Errorf("recording inbound sms: %w", err)
	}

	if err := p.enrollments.SetReplied(ctx, e.ID); err != nil {
		return err
	}
	if err := p.mutations.MarkReply(ctx, e.ID); err != nil {
		p.logger.Warn("mutation reply attribution failed", "enrollment_id", e.ID, "error", err)
	}
	if e.LastVariantID != nil {
		if err := p.variants.RecordReply(ctx, *e.LastVariantID); err != nil {
			p.logger.Warn("variant reply attribution failed", "variant_id", e.LastVariantID, "error", err)
		}
	}

	verdict, err := p.analyzer.AnalyzeMessage(ctx, llm.AnalyzeMessageRequest{
		Body:    ev.Body,
		Channel: sequence.ChannelSMS,
	})
	if err != nil {
		p.logger.Warn("reply analysis failed", "enrollment_id", e.ID, "error", err)
		return nil
	}
	p.applyAnalysis(ctx, e, verdict, interactionID)
	return nil
}

func (p *Processor) handleSMSDelivery(ctx context.Context, ev Event) error {
	if err := p.interactions.UpdateDeliveryStatus(ctx, ev.ProviderID, ev.DeliveryStatus); err != nil {
		p.logger.Warn("updating sms delivery status", "provider_id", ev.ProviderID, "error", err)
	}

	switch ev.DeliveryStatus {
	case "undelivered", "failed":
		e, err := p.enrollments.GetEnrollment(ctx, ev.EnrollmentID)
		if err != nil {
			return fmt.Errorf("loading enrollment: %w", err)
		}
		p.surfaceFailure(ctx, e, sequence.ChannelSMS, healing.FailureUndelivered,
			"delivery report: "+ev.DeliveryStatus)
	}
	return nil
}

func (p *Processor) handleEmailEngagement(ctx context.Context, ev Event) error {
	e, err := p.enrollments.GetEnrollment(ctx, ev.EnrollmentID)
	if err != nil {
		return fmt.Errorf("loading enrollment: %w", err)
	}

	outcome := "opened"
	if ev.Type == TypeEmailClicked {
		outcome = "clicked"
	}
	if _, err := p.interactions.Insert(ctx, &interaction.Interaction{
		TenantID:     e.TenantID,
		ContactID:    e.ContactID,
		EnrollmentID: e.ID,
		Channel:      sequence.ChannelEmail,
		Direction:    interaction.DirectionInbound,
		Outcome:      outcome,
		ProviderID:   ev.ProviderID,
	}); err != nil {
		return fmt.Errorf("recording email engagement: %w", err)
	}
	return nil
}

func (p *Processor) handleEmailBounced(ctx context.Context, ev Event) error {
	e, err := p.enrollments.GetEnrollment(ctx, ev.EnrollmentID)
	if err != nil {
		return fmt.Errorf("loading enrollment: %w", err)
	}
	if err := p.interactions.UpdateDeliveryStatus(ctx, ev.ProviderID, "bounced"); err != nil {
		p.logger.Warn("updating email bounce status", "provider_id", ev.ProviderID, "error", err)
	}
	p.surfaceFailure(ctx, e, sequence.ChannelEmail, healing.FailureEmailBounced, "email bounced")
	return nil
}

// markBooked applies the booking shortcut: status, flag, cleared fire time,
// attribution. Idempotent.
func (p *Processor) markBooked(ctx context.Context, e *sequence.Enrollment) error {
	if err := p.enrollments.MarkBooked(ctx, e.ID); err != nil {
		return fmt.Errorf("marking booked: %w", err)
	}
	if err := p.mutations.MarkConversion(ctx, e.ID); err != nil {
		p.logger.Warn("mutation conversion attribution failed", "enrollment_id", e.ID, "error", err)
	}
	if e.LastVariantID != nil {
		if err := p.variants.RecordConversion(ctx, *e.LastVariantID); err != nil {
			p.logger.Warn("variant conversion attribution failed", "variant_id", e.LastVariantID, "error", err)
		}
	}
	p.logger.Info("appointment booked", "enrollment_id", e.ID)
	return nil
}

// applyAnalysis folds an analyzer verdict into the enrollment's cached
// emotional state, the contact's engagement score, and notifications.
func (p *Processor) applyAnalysis(ctx context.Context, e *sequence.Enrollment, verdict memory.Verdict, interactionID uuid.UUID) {
	if !verdict.Available() {
		p.logger.Debug("analysis unavailable", "enrollment_id", e.ID, "reason", verdict.UnavailableReason)
		return
	}
	a := verdict.Analysis

	objectionTypes := make([]string, 0, len(a.Objections))
	for _, o := range a.Objections {
		objectionTypes = append(objectionTypes, o.Type)
	}

	if interactionID != uuid.Nil {
		if err := p.interactions.SetAnalysis(ctx, interactionID, sentimentLabel(a), a.Intent, objectionTypes, a.Blob()); err != nil {
			p.logger.Warn("attaching analysis to interaction", "interaction_id", interactionID, "error", err)
		}
	}

	// Recompute the rolling engagement view over recent history.
	score := 50
	trend := memory.TrendStable
	recent, err := p.interactions.Recent(ctx, e.ContactID, 10)
	if err != nil {
		p.logger.Warn("reading recent interactions", "contact_id", e.ContactID, "error", err)
	} else {
		score = memory.EngagementScore(recent, p.clock.Now())
		sentiments := make([]string, 0, len(recent))
		for i := len(recent) - 1; i >= 0; i-- { // oldest → newest
			if recent[i].Sentiment != "" {
				sentiments = append(sentiments, recent[i].Sentiment)
			}
		}
		trend = memory.SentimentTrend(sentiments)
	}

	state := sequence.EmotionalState{
		SentimentTrend:     trend,
		LastEmotion:        a.PrimaryEmotion,
		RecommendedTone:    a.RecommendedTone,
		EngagementScore:    score,
		NeedsHuman:         a.NeedsHumanIntervention,
		IsHotLead:          a.IsHotLead,
		IsAtRisk:           a.IsAtRisk,
		ObjectionsDetected: objectionTypes,
	}
	if err := p.enrollments.UpdateEmotionalState(ctx, e.ID, state); err != nil {
		p.logger.Error("updating emotional state", "enrollment_id", e.ID, "error", err)
	}
	if err := p.contacts.UpdateEngagement(ctx, e.ContactID, score, trend); err != nil {
		p.logger.Warn("updating contact engagement", "contact_id", e.ContactID, "error", err)
	}

	if a.NeedsHumanIntervention {
		if err := p.enrollments.SetNeedsHuman(ctx, e.ID, true); err != nil {
			p.logger.Error("setting human-intervention hold", "enrollment_id", e.ID, "error", err)
		}
	}

	p.emitNotifications(ctx, e, a)

	// Stop intent ends the sequence immediately.
	if a.Intent == memory.IntentStop {
		if err := p.enrollments.SetStatus(ctx, e.ID, sequence.StatusManualStop, "contact asked to stop"); err != nil {
			p.logger.Error("applying stop intent", "enrollment_id", e.ID, "error", err)
		}
	}
}

func (p *Processor) emitNotifications(ctx context.Context, e *sequence.Enrollment, a *memory.Analysis) {
	base := notify.Notification{
		TenantID:     e.TenantID,
		EnrollmentID: e.ID,
		ContactID:    e.ContactID,
	}

	if a.IsHotLead {
		n := base
		n.Kind = notify.KindHotLead
		n.Title = "Hot lead"
		n.Body = fmt.Sprintf("Contact shows strong buying signals (urgency: %s).", a.UrgencyLevel)
		p.notifier.Emit(ctx, n)
	}
	if a.NeedsHumanIntervention {
		n := base
		n.Kind = notify.KindNeedsHuman
		n.Title = "Needs human attention"
		n.Body = fmt.Sprintf("Sequence paused; recommended action: %s.", a.RecommendedAction)
		p.notifier.Emit(ctx, n)
	}
	for _, o := range a.StrongObjections() {
		n := base
		n.Kind = notify.KindObjectionDetected
		n.Title = "Strong objection: " + o.Type
		n.Body = o.Detail
		p.notifier.Emit(ctx, n)
	}
	if a.IsAtRisk {
		n := base
		n.Kind = notify.KindAtRisk
		n.Title = "Lead at risk"
		n.Body = "Conversation is trending away; consider a different approach."
		p.notifier.Emit(ctx, n)
	}
}

func (p *Processor) surfaceFailure(ctx context.Context, e *sequence.Enrollment, ch sequence.Channel, failureType, details string) {
	if _, err := p.healingQ.Enqueue(ctx, jobbus.QueueHealing, healing.JobPayload{
		TenantID:     e.TenantID,
		EnrollmentID: e.ID,
		ContactID:    e.ContactID,
		StepOrder:    e.CurrentStepOrder,
		Channel:      ch,
		FailureType:  failureType,
		Details:      details,
	}, jobbus.Options{}); err != nil {
		p.logger.Error("enqueueing healing job", "enrollment_id", e.ID, "error", err)
	}
}

// sentimentLabel maps an analysis onto the coarse sentiment scale used by
// trend math.
func sentimentLabel(a *memory.Analysis) string {
	switch a.PrimaryEmotion {
	case memory.EmotionExcited, memory.EmotionInterested:
		if a.Intent == memory.IntentReadyToBuy {
			return "positive"
		}
		return "interested"
	case memory.EmotionConfused, memory.EmotionHesitant:
		return "confused"
	case memory.EmotionFrustrated, memory.EmotionAngry, memory.EmotionDismissive:
		return "negative"
	}
	if a.Intent == memory.IntentObjection {
		return "objection"
	}
	return "neutral"
}

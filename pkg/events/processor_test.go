package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/cadence/pkg/contact"
	"github.com/wisbric/cadence/pkg/healing"
	"github.com/wisbric/cadence/pkg/interaction"
	"github.com/wisbric/cadence/pkg/jobbus"
	"github.com/wisbric/cadence/pkg/llm"
	"github.com/wisbric/cadence/pkg/notify"
	"github.com/wisbric/cadence/pkg/sequence"
	"github.com/wisbric/cadence/pkg/timeops"
)

// --- fakes ---

type fakeEnrollments struct {
	enrollment *sequence.Enrollment

	replied      bool
	answeredCall bool
	booked       int
	needsHuman   *bool
	status       sequence.Status
	state        *sequence.EmotionalState
}

func (f *fakeEnrollments) GetEnrollment(context.Context, uuid.UUID) (*sequence.Enrollment, error) {
	return f.enrollment, nil
}

func (f *fakeEnrollments) SetReplied(context.Context, uuid.UUID) error {
	f.replied = true
	return nil
}

func (f *fakeEnrollments) SetAnsweredCall(context.Context, uuid.UUID) error {
	f.answeredCall = true
	return nil
}

func (f *fakeEnrollments) MarkBooked(context.Context, uuid.UUID) error {
	f.booked++
	return nil
}

func (f *fakeEnrollments) SetNeedsHuman(_ context.Context, _ uuid.UUID, v bool) error {
	f.needsHuman = &v
	return nil
}

func (f *fakeEnrollments) SetStatus(_ context.Context, _ uuid.UUID, status sequence.Status, _ string) error {
	f.status = status
	return nil
}

func (f *fakeEnrollments) UpdateEmotionalState(_ context.Context, _ uuid.UUID, state sequence.EmotionalState) error {
	f.state = &state
	return nil
}

type fakeContacts struct {
	score int
	trend string
}

func (f *fakeContacts) Get(context.Context, uuid.UUID) (*contact.Contact, error) {
	return &contact.Contact{}, nil
}

func (f *fakeContacts) UpdateEngagement(_ context.Context, _ uuid.UUID, score int, trend string) error {
	f.score = score
	f.trend = trend
	return nil
}

type fakeInteractions struct {
	inserted      []*interaction.Interaction
	callOutcomes  []string
	deliveries    []string
	analysisCalls int
	recent        []*interaction.Interaction
}

func (f *fakeInteractions) Insert(_ context.Context, in *interaction.Interaction) (uuid.UUID, error) {
	in.ID = uuid.New()
	f.inserted = append(f.inserted, in)
	return in.ID, nil
}

func (f *fakeInteractions) UpdateCallOutcome(_ context.Context, providerID, _, _ string, _ int, _ string, _ json.RawMessage) error {
	f.callOutcomes = append(f.callOutcomes, providerID)
	return nil
}

func (f *fakeInteractions) UpdateDeliveryStatus(_ context.Context, providerID, outcome string) error {
	f.deliveries = append(f.deliveries, providerID+":"+outcome)
	return nil
}

func (f *fakeInteractions) SetAnalysis(context.Context, uuid.UUID, string, string, []string, json.RawMessage) error {
	f.analysisCalls++
	return nil
}

func (f *fakeInteractions) Recent(context.Context, uuid.UUID, int) ([]*interaction.Interaction, error) {
	return f.recent, nil
}

type fakeSlots struct {
	released int
}

func (f *fakeSlots) Release(context.Context, uuid.UUID, uuid.UUID) error {
	f.released++
	return nil
}

type memDeduper struct {
	seen map[string]bool
}

func (d *memDeduper) MarkProcessed(_ context.Context, providerID, eventType string) (bool, error) {
	key := providerID + "|" + eventType
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

type fakeNotifier struct {
	emitted []notify.Notification
}

func (f *fakeNotifier) Emit(_ context.Context, n notify.Notification) {
	f.emitted = append(f.emitted, n)
}

type fakeMarkers struct {
	replies     int
	conversions int
}

func (f *fakeMarkers) MarkReply(context.Context, uuid.UUID) error {
	f.replies++
	return nil
}

func (f *fakeMarkers) MarkConversion(context.Context, uuid.UUID) error {
	f.conversions++
	return nil
}

func (f *fakeMarkers) RecordReply(context.Context, uuid.UUID) error {
	f.replies++
	return nil
}

func (f *fakeMarkers) RecordConversion(context.Context, uuid.UUID) error {
	f.conversions++
	return nil
}

// --- harness ---

type harness struct {
	p            *Processor
	bus          *jobbus.Bus
	enrollments  *fakeEnrollments
	contacts     *fakeContacts
	interactions *fakeInteractions
	slots        *fakeSlots
	notifier     *fakeNotifier
	markers      *fakeMarkers
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := timeops.FixedClock{T: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	bus := jobbus.NewBus(rdb, slog.Default(), clock)

	h := &harness{
		bus: bus,
		enrollments: &fakeEnrollments{enrollment: &sequence.Enrollment{
			ID: uuid.New(), TenantID: uuid.New(), ContactID: uuid.New(),
			Status: sequence.StatusActive,
		}},
		contacts:     &fakeContacts{},
		interactions: &fakeInteractions{},
		slots:        &fakeSlots{},
		notifier:     &fakeNotifier{},
		markers:      &fakeMarkers{},
	}
	analyzer := llm.NewWithFallback(nil, slog.Default())
	h.p = NewProcessor(bus, h.enrollments, h.contacts, h.interactions, h.slots,
		&memDeduper{seen: map[string]bool{}}, analyzer, h.notifier, h.markers,
		h.markers, clock, slog.Default())
	return h
}

func deliver(t *testing.T, h *harness, ev Event) {
	t.Helper()
	payload, _ := json.Marshal(ev)
	if err := h.p.Handle(context.Background(), &jobbus.Job{ID: uuid.New().String(), Payload: payload}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func drainHealing(t *testing.T, h *harness) []healing.JobPayload {
	t.Helper()
	var out []healing.JobPayload
	for {
		job, err := h.bus.Dequeue(context.Background(), jobbus.QueueHealing, time.Minute)
		if err != nil {
			t.Fatalf("Dequeue healing: %v", err)
		}
		if job == nil {
			return out
		}
		var p healing.JobPayload
		_ = json.Unmarshal(job.Payload, &p)
		out = append(out, p)
	}
}

// --- tests ---

func TestCallOutcome_BookingShortcut(t *testing.T) {
	h := newHarness(t)
	ev := Event{
		Type: TypeCallOutcome, ProviderID: "call-1",
		TenantID:     h.enrollments.enrollment.TenantID,
		EnrollmentID: h.enrollments.enrollment.ID,
		UmbrellaID:   uuid.New(),
		Disposition:  "answered", DurationSeconds: 240,
		AppointmentBooked: true,
	}

	deliver(t, h, ev)

	if h.slots.released != 1 {
		t.Errorf("slot released %d times, want 1", h.slots.released)
	}
	if h.enrollments.booked != 1 {
		t.Errorf("MarkBooked calls = %d, want 1", h.enrollments.booked)
	}
	if !h.enrollments.answeredCall {
		t.Error("answered call flag should be set")
	}

	// Replay: full no-op, slot released exactly once.
	deliver(t, h, ev)
	if h.slots.released != 1 {
		t.Errorf("slot released %d times after replay, want still 1", h.slots.released)
	}
	if h.enrollments.booked != 1 {
		t.Errorf("MarkBooked calls after replay = %d, want still 1", h.enrollments.booked)
	}
}

func TestCallOutcome_TwoPhaseDelivery(t *testing.T) {
	// The provider sends an ended status-update first, then the richer
	// end-of-call-report. The report must not be dropped as a replay, and
	// the slot must be released exactly once across both.
	h := newHarness(t)
	umbrellaID := uuid.New()

	deliver(t, h, Event{
		Type: TypeCallOutcome, ProviderID: "call-7", CallID: "call-7",
		EnrollmentID: h.enrollments.enrollment.ID,
		UmbrellaID:   umbrellaID,
		Disposition:  "answered",
	})
	deliver(t, h, Event{
		Type: TypeCallOutcome, ProviderID: "call-7:report", CallID: "call-7",
		EnrollmentID: h.enrollments.enrollment.ID,
		UmbrellaID:   umbrellaID,
		Disposition:  "answered", DurationSeconds: 180,
		Transcript: "yes, how much does it cost and what's your availability next week?",
	})

	if h.slots.released != 1 {
		t.Errorf("slot released %d times, want exactly 1 across both deliveries", h.slots.released)
	}
	// Both deliveries update the same interaction row by bare call id.
	for _, id := range h.interactions.callOutcomes {
		if id != "call-7" {
			t.Errorf("call outcome keyed by %q, want bare call id", id)
		}
	}
	// The report's transcript reached the analyzer.
	if h.enrollments.state == nil {
		t.Fatal("end-of-call-report transcript should be analyzed")
	}
	if !h.enrollments.state.IsHotLead {
		t.Error("pricing transcript should flag a hot lead")
	}
}

func TestCallOutcome_FailureHealedOncePerCall(t *testing.T) {
	// Both deliveries report no-answer; only one healing decision results.
	h := newHarness(t)
	for _, providerID := range []string{"call-8", "call-8:report"} {
		deliver(t, h, Event{
			Type: TypeCallOutcome, ProviderID: providerID, CallID: "call-8",
			EnrollmentID: h.enrollments.enrollment.ID,
			UmbrellaID:   uuid.New(),
			Disposition:  "no-answer",
		})
	}

	jobs := drainHealing(t, h)
	if len(jobs) != 1 {
		t.Fatalf("healing jobs = %d, want exactly 1 per call", len(jobs))
	}
	if h.slots.released != 1 {
		t.Errorf("slot released %d times, want 1", h.slots.released)
	}
}

func TestCallOutcome_TranscriptAnalyzed(t *testing.T) {
	h := newHarness(t)
	deliver(t, h, Event{
		Type: TypeCallOutcome, ProviderID: "call-2",
		EnrollmentID: h.enrollments.enrollment.ID,
		Disposition:  "answered", DurationSeconds: 200,
		Transcript: "sure, how much does it cost? I'd like to know the pricing options",
	})

	if h.enrollments.state == nil {
		t.Fatal("emotional state should be updated from the transcript")
	}
	if !h.enrollments.state.IsHotLead {
		t.Error("pricing transcript should flag a hot lead (fallback classifier)")
	}
	// Hot lead notification emitted.
	found := false
	for _, n := range h.notifier.emitted {
		if n.Kind == notify.KindHotLead {
			found = true
		}
	}
	if !found {
		t.Errorf("notifications = %+v, want a hot_lead", h.notifier.emitted)
	}
}

func TestCallOutcome_ShortTranscriptNotAnalyzed(t *testing.T) {
	h := newHarness(t)
	deliver(t, h, Event{
		Type: TypeCallOutcome, ProviderID: "call-3",
		EnrollmentID: h.enrollments.enrollment.ID,
		Disposition:  "answered", Transcript: "hello?",
	})
	if h.enrollments.state != nil {
		t.Error("short transcripts must not trigger analysis")
	}
}

func TestCallOutcome_NoAnswerFeedsHealing(t *testing.T) {
	h := newHarness(t)
	deliver(t, h, Event{
		Type: TypeCallOutcome, ProviderID: "call-4",
		EnrollmentID: h.enrollments.enrollment.ID,
		UmbrellaID:   uuid.New(),
		Disposition:  "no-answer",
	})

	jobs := drainHealing(t, h)
	if len(jobs) != 1 {
		t.Fatalf("healing jobs = %d, want 1", len(jobs))
	}
	if jobs[0].FailureType != healing.FailureCallFailed {
		t.Errorf("failure type = %s, want call_failed", jobs[0].FailureType)
	}
	if h.slots.released != 1 {
		t.Errorf("slot released %d times, want 1 (even for failed calls)", h.slots.released)
	}
}

func TestSMSReply_RecordsAndAnalyzes(t *testing.T) {
	h := newHarness(t)
	variantID := uuid.New()
	h.enrollments.enrollment.LastVariantID = &variantID

	deliver(t, h, Event{
		Type: TypeSMSReply, ProviderID: "msg-1",
		EnrollmentID: h.enrollments.enrollment.ID,
		Body:         "yes I'm interested, tell me more",
	})

	if len(h.interactions.inserted) != 1 {
		t.Fatalf("interactions inserted = %d, want 1", len(h.interactions.inserted))
	}
	in := h.interactions.inserted[0]
	if in.Direction != interaction.DirectionInbound || in.Channel != sequence.ChannelSMS {
		t.Errorf("interaction = %+v, want inbound sms", in)
	}
	if !h.enrollments.replied {
		t.Error("contact_replied should be set")
	}
	// Mutation + variant attribution both fire.
	if h.markers.replies != 2 {
		t.Errorf("reply attributions = %d, want 2 (mutation + variant)", h.markers.replies)
	}
	if h.enrollments.state == nil {
		t.Fatal("reply should be analyzed")
	}
	if h.interactions.analysisCalls != 1 {
		t.Errorf("analysis attached %d times, want 1", h.interactions.analysisCalls)
	}
}

func TestSMSReply_StopIntent(t *testing.T) {
	h := newHarness(t)
	deliver(t, h, Event{
		Type: TypeSMSReply, ProviderID: "msg-2",
		EnrollmentID: h.enrollments.enrollment.ID,
		Body:         "STOP texting me",
	})

	if h.enrollments.status != sequence.StatusManualStop {
		t.Errorf("status = %s, want manual_stop", h.enrollments.status)
	}
}

func TestSMSReply_AngryEscalates(t *testing.T) {
	h := newHarness(t)
	deliver(t, h, Event{
		Type: TypeSMSReply, ProviderID: "msg-3",
		EnrollmentID: h.enrollments.enrollment.ID,
		Body:         "this is a scam, I'm getting my lawyer",
	})

	if h.enrollments.needsHuman == nil || !*h.enrollments.needsHuman {
		t.Error("angry reply should install the human-intervention hold")
	}
	found := false
	for _, n := range h.notifier.emitted {
		if n.Kind == notify.KindNeedsHuman {
			found = true
		}
	}
	if !found {
		t.Error("needs_human notification should be emitted")
	}
}

func TestSMSDelivery_FailureFeedsHealing(t *testing.T) {
	h := newHarness(t)
	deliver(t, h, Event{
		Type: TypeSMSDelivery, ProviderID: "msg-4",
		EnrollmentID:   h.enrollments.enrollment.ID,
		DeliveryStatus: "undelivered",
	})

	jobs := drainHealing(t, h)
	if len(jobs) != 1 || jobs[0].FailureType != healing.FailureUndelivered {
		t.Errorf("healing jobs = %+v, want one undelivered", jobs)
	}
}

func TestSMSDelivery_DeliveredIsQuiet(t *testing.T) {
	h := newHarness(t)
	deliver(t, h, Event{
		Type: TypeSMSDelivery, ProviderID: "msg-5",
		EnrollmentID:   h.enrollments.enrollment.ID,
		DeliveryStatus: "delivered",
	})

	if jobs := drainHealing(t, h); len(jobs) != 0 {
		t.Errorf("healing jobs = %d, want 0", len(jobs))
	}
	if len(h.interactions.deliveries) != 1 {
		t.Errorf("delivery updates = %v, want 1", h.interactions.deliveries)
	}
}

func TestEmailBounced_FeedsHealing(t *testing.T) {
	h := newHarness(t)
	deliver(t, h, Event{
		Type: TypeEmailBounced, ProviderID: "em-1",
		EnrollmentID: h.enrollments.enrollment.ID,
	})

	jobs := drainHealing(t, h)
	if len(jobs) != 1 || jobs[0].FailureType != healing.FailureEmailBounced {
		t.Errorf("healing jobs = %+v, want one email_bounced", jobs)
	}
}

func TestEmailEngagement_RecordsInteraction(t *testing.T) {
	h := newHarness(t)
	deliver(t, h, Event{
		Type: TypeEmailClicked, ProviderID: "em-2",
		EnrollmentID: h.enrollments.enrollment.ID,
	})

	if len(h.interactions.inserted) != 1 {
		t.Fatalf("interactions = %d, want 1", len(h.interactions.inserted))
	}
	if h.interactions.inserted[0].Outcome != "clicked" {
		t.Errorf("outcome = %s, want clicked", h.interactions.inserted[0].Outcome)
	}
}

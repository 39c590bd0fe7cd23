package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/cadence/pkg/contact"
	"github.com/wisbric/cadence/pkg/events"
	"github.com/wisbric/cadence/pkg/jobbus"
	"github.com/wisbric/cadence/pkg/umbrella"
)

type capturedEnqueue struct {
	queue   string
	payload events.Event
}

type fakeBus struct {
	enqueued []capturedEnqueue
}

func (f *fakeBus) Enqueue(_ context.Context, queue string, payload any, _ jobbus.Options) (string, error) {
	ev, _ := payload.(events.Event)
	f.enqueued = append(f.enqueued, capturedEnqueue{queue: queue, payload: ev})
	return uuid.New().String(), nil
}

type fakeSync struct {
	synced  bool
	current int
	limit   int
}

func (f *fakeSync) SyncFromWebhook(_ context.Context, _ uuid.UUID, current, limit int) error {
	f.synced = true
	f.current = current
	f.limit = limit
	return nil
}

type fakeUmbrellas struct {
	umbrella *umbrella.Umbrella
}

func (f *fakeUmbrellas) UmbrellaByProviderOrgID(_ context.Context, orgID string) (*umbrella.Umbrella, error) {
	if f.umbrella != nil && f.umbrella.ProviderOrgID == orgID {
		return f.umbrella, nil
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeUmbrellas) RecordSync(context.Context, uuid.UUID, int, int, time.Time) error {
	return nil
}

type fakeTenants struct {
	orgID    string
	tenantID uuid.UUID
}

func (f *fakeTenants) TenantByProviderOrgID(_ context.Context, orgID string) (uuid.UUID, error) {
	if orgID == f.orgID {
		return f.tenantID, nil
	}
	return uuid.Nil, pgx.ErrNoRows
}

type fakeContacts struct {
	contact *contact.Contact
}

func (f *fakeContacts) FindByPhone(context.Context, uuid.UUID, string) (*contact.Contact, error) {
	if f.contact == nil {
		return nil, pgx.ErrNoRows
	}
	return f.contact, nil
}

func newTestHandler(secret string) (*Handler, *fakeBus, *fakeSync, *fakeUmbrellas) {
	bus := &fakeBus{}
	sync := &fakeSync{}
	umbrellas := &fakeUmbrellas{umbrella: &umbrella.Umbrella{
		ID: uuid.New(), ProviderOrgID: "org-1", Limit: 10,
	}}
	h := NewHandler(bus, sync, umbrellas,
		&fakeTenants{orgID: "org-1", tenantID: uuid.New()},
		&fakeContacts{contact: &contact.Contact{FirstName: "Ana"}},
		secret, slog.Default())
	return h, bus, sync, umbrellas
}

func post(t *testing.T, h *Handler, path string, body any, sign string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	if sign != "" {
		mac := hmac.New(sha256.New, []byte(sign))
		mac.Write(data)
		req.Header.Set(signatureHeader, hex.EncodeToString(mac.Sum(nil)))
	}
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func TestCallEvents_EndedStatusEnqueuesOutcome(t *testing.T) {
	h, bus, _, _ := newTestHandler("")
	enrollmentID := uuid.New()

	payload := map[string]any{
		"message": map[string]any{
			"type":   "status-update",
			"status": "ended",
			"call": map[string]any{
				"id": "call-1",
				"metadata": map[string]any{
					"tenant_id":     uuid.New(),
					"umbrella_id":   uuid.New(),
					"enrollment_id": enrollmentID,
				},
			},
			"endedReason": "customer-ended-call",
		},
	}

	rec := post(t, h, "/voice/call-events", payload, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(bus.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(bus.enqueued))
	}
	ev := bus.enqueued[0].payload
	if ev.Type != events.TypeCallOutcome || ev.ProviderID != "call-1" {
		t.Errorf("event = %+v", ev)
	}
	if ev.EnrollmentID != enrollmentID {
		t.Errorf("enrollment id = %s, want %s", ev.EnrollmentID, enrollmentID)
	}
	if ev.Disposition != "answered" {
		t.Errorf("disposition = %s, want answered", ev.Disposition)
	}
}

func TestCallEvents_ReportCarriesDistinctKeyAndTranscript(t *testing.T) {
	h, bus, _, _ := newTestHandler("")
	payload := map[string]any{
		"message": map[string]any{
			"type": "end-of-call-report",
			"call": map[string]any{
				"id": "call-1",
				"metadata": map[string]any{
					"tenant_id":     uuid.New(),
					"umbrella_id":   uuid.New(),
					"enrollment_id": uuid.New(),
				},
			},
			"endedReason":     "customer-ended-call",
			"transcript":      "we talked about pricing for a while",
			"durationSeconds": 187.4,
		},
	}

	rec := post(t, h, "/voice/call-events", payload, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(bus.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(bus.enqueued))
	}
	ev := bus.enqueued[0].payload
	// A distinct dedupe key keeps the report from colliding with the
	// earlier ended status-update for the same call.
	if ev.ProviderID != "call-1:report" {
		t.Errorf("provider id = %q, want call-1:report", ev.ProviderID)
	}
	if ev.CallID != "call-1" {
		t.Errorf("call id = %q, want bare call-1", ev.CallID)
	}
	if ev.Transcript == "" || ev.DurationSeconds != 187 {
		t.Errorf("event = %+v, want transcript and duration carried", ev)
	}
}

func TestCallEvents_IntermediateStatusDropped(t *testing.T) {
	h, bus, _, _ := newTestHandler("")
	payload := map[string]any{
		"message": map[string]any{
			"type":   "status-update",
			"status": "in-progress",
			"call":   map[string]any{"id": "call-2"},
		},
	}
	rec := post(t, h, "/voice/call-events", payload, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(bus.enqueued) != 0 {
		t.Errorf("enqueued = %d, want 0", len(bus.enqueued))
	}
}

func TestCallEvents_BookingFastPath(t *testing.T) {
	h, bus, _, _ := newTestHandler("")
	payload := map[string]any{
		"message": map[string]any{
			"type": "function-call",
			"call": map[string]any{
				"id": "call-3",
				"metadata": map[string]any{
					"tenant_id":     uuid.New(),
					"enrollment_id": uuid.New(),
				},
			},
			"functionCall": map[string]any{"name": "book_appointment"},
		},
	}
	rec := post(t, h, "/voice/call-events", payload, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(bus.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(bus.enqueued))
	}
	if !bus.enqueued[0].payload.AppointmentBooked {
		t.Error("booking fast path must carry appointment_booked")
	}
}

func TestCallEvents_AssistantRequest(t *testing.T) {
	h, _, _, _ := newTestHandler("")
	payload := map[string]any{
		"message": map[string]any{
			"type": "assistant-request",
			"call": map[string]any{
				"id":       "call-4",
				"orgId":    "org-1",
				"customer": map[string]any{"number": "+15551234567"},
			},
		},
	}
	rec := post(t, h, "/voice/call-events", payload, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Assistant struct {
			FirstMessage string `json:"firstMessage"`
		} `json:"assistant"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Assistant.FirstMessage == "" {
		t.Error("assistant-request must return an assistant config")
	}
	if want := "Hello Ana!"; !bytes.Contains(rec.Body.Bytes(), []byte(want)) {
		t.Errorf("greeting should use the contact's name, got %s", rec.Body.String())
	}
}

func TestCallEvents_UnknownTypeRejected(t *testing.T) {
	h, _, _, _ := newTestHandler("")
	payload := map[string]any{"message": map[string]any{"type": "mystery"}}
	rec := post(t, h, "/voice/call-events", payload, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestConcurrencySync(t *testing.T) {
	h, _, sync, _ := newTestHandler("")
	rec := post(t, h, "/voice/concurrency-sync", map[string]any{
		"orgId": "org-1", "current": 4, "limit": 10,
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !sync.synced || sync.current != 4 || sync.limit != 10 {
		t.Errorf("sync = %+v", sync)
	}
}

func TestConcurrencySync_UnknownOrg(t *testing.T) {
	h, _, _, _ := newTestHandler("")
	rec := post(t, h, "/voice/concurrency-sync", map[string]any{
		"orgId": "org-unknown", "current": 1, "limit": 2,
	}, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSMSWebhook_Reply(t *testing.T) {
	h, bus, _, _ := newTestHandler("")
	rec := post(t, h, "/sms", map[string]any{
		"type": "reply", "message_id": "m-1",
		"enrollment_id": uuid.New(), "body": "sounds good",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(bus.enqueued) != 1 || bus.enqueued[0].payload.Type != events.TypeSMSReply {
		t.Errorf("enqueued = %+v", bus.enqueued)
	}
}

func TestSMSWebhook_Malformed(t *testing.T) {
	h, _, _, _ := newTestHandler("")
	rec := post(t, h, "/sms", map[string]any{"type": "reply"}, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 (missing message_id)", rec.Code)
	}
}

func TestEmailWebhook_Bounced(t *testing.T) {
	h, bus, _, _ := newTestHandler("")
	rec := post(t, h, "/email", map[string]any{
		"event": "bounced", "message_id": "em-1", "enrollment_id": uuid.New(),
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(bus.enqueued) != 1 || bus.enqueued[0].payload.Type != events.TypeEmailBounced {
		t.Errorf("enqueued = %+v", bus.enqueued)
	}
}

func TestSignatureVerification(t *testing.T) {
	h, bus, _, _ := newTestHandler("topsecret")

	body := map[string]any{
		"type": "reply", "message_id": "m-2",
		"enrollment_id": uuid.New(), "body": "hello",
	}

	// Missing signature.
	rec := post(t, h, "/sms", body, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unsigned status = %d, want 401", rec.Code)
	}

	// Wrong secret.
	rec = post(t, h, "/sms", body, "wrongsecret")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad signature status = %d, want 401", rec.Code)
	}

	// Correct secret.
	rec = post(t, h, "/sms", body, "topsecret")
	if rec.Code != http.StatusOK {
		t.Errorf("signed status = %d, want 200", rec.Code)
	}
	if len(bus.enqueued) != 1 {
		t.Errorf("enqueued = %d, want 1", len(bus.enqueued))
	}
}

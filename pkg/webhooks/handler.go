// Package webhooks is the HTTP intake for provider callbacks. Handlers verify
// the signature, normalize the payload, and enqueue an event for the event
// processor. Two paths act inline instead: the concurrency-sync route writes
// the umbrella counters and umbrella row directly, and an assistant-request
// call event is answered with an assistant config in the response.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/cadence/internal/httpserver"
	"github.com/wisbric/cadence/internal/telemetry"
	"github.com/wisbric/cadence/pkg/contact"
	"github.com/wisbric/cadence/pkg/events"
	"github.com/wisbric/cadence/pkg/jobbus"
	"github.com/wisbric/cadence/pkg/umbrella"
)

// maxBodySize bounds webhook payloads (transcripts included).
const maxBodySize = 1 << 20

// Enqueuer feeds the events queue. Satisfied by *jobbus.Bus.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any, opts jobbus.Options) (string, error)
}

// UmbrellaSync is the slice of the UCM the sync endpoint needs.
type UmbrellaSync interface {
	SyncFromWebhook(ctx context.Context, umbrellaID uuid.UUID, reportedCurrent, reportedLimit int) error
}

// UmbrellaLookup resolves provider org ids to umbrellas.
type UmbrellaLookup interface {
	UmbrellaByProviderOrgID(ctx context.Context, orgID string) (*umbrella.Umbrella, error)
	RecordSync(ctx context.Context, umbrellaID uuid.UUID, current, limit int, at time.Time) error
}

// TenantLookup resolves provider org ids to tenants (assistant-request path).
type TenantLookup interface {
	TenantByProviderOrgID(ctx context.Context, orgID string) (uuid.UUID, error)
}

// ContactLookup finds contacts by phone for inbound calls.
type ContactLookup interface {
	FindByPhone(ctx context.Context, tenantID uuid.UUID, phone string) (*contact.Contact, error)
}

// Handler provides the webhook routes.
type Handler struct {
	bus           Enqueuer
	umbrellaSync  UmbrellaSync
	umbrellas     UmbrellaLookup
	tenants       TenantLookup
	contacts      ContactLookup
	signingSecret string
	logger        *slog.Logger
}

// NewHandler creates a webhook Handler.
func NewHandler(bus Enqueuer, umbrellaSync UmbrellaSync, umbrellas UmbrellaLookup, tenants TenantLookup, contacts ContactLookup, signingSecret string, logger *slog.Logger) *Handler {
	return &Handler{
		bus:           bus,
		umbrellaSync:  umbrellaSync,
		umbrellas:     umbrellas,
		tenants:       tenants,
		contacts:      contacts,
		signingSecret: signingSecret,
		logger:        logger,
	}
}

// Routes returns a chi.Router with the webhook routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/voice/call-events", h.handleVoiceCallEvents)
	r.Post("/voice/concurrency-sync", h.handleConcurrencySync)
	r.Post("/sms", h.handleSMS)
	r.Post("/email", h.handleEmail)
	return r
}

// readBody reads and signature-checks the request body. A nil return means
// the response has already been written.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) []byte {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return nil
	}
	if !validSignature(h.signingSecret, body, r.Header.Get(signatureHeader)) {
		httpserver.RespondError(w, http.StatusUnauthorized, "invalid_signature", "")
		return nil
	}
	return body
}

func (h *Handler) enqueue(ctx context.Context, ev events.Event) error {
	_, err := h.bus.Enqueue(ctx, jobbus.QueueEvents, ev, jobbus.Options{})
	return err
}

// --- voice call events ---

type callMetadata struct {
	TenantID     uuid.UUID `json:"tenant_id"`
	UmbrellaID   uuid.UUID `json:"umbrella_id"`
	EnrollmentID uuid.UUID `json:"enrollment_id"`
	StepID       uuid.UUID `json:"step_id"`
}

type voiceCallPayload struct {
	Message struct {
		Type   string `json:"type"`
		Status string `json:"status"`
		Call   struct {
			ID       string       `json:"id"`
			OrgID    string       `json:"orgId"`
			Metadata callMetadata `json:"metadata"`
			Customer struct {
				Number string `json:"number"`
			} `json:"customer"`
		} `json:"call"`
		EndedReason  string  `json:"endedReason"`
		Transcript   string  `json:"transcript"`
		Summary      string  `json:"summary"`
		DurationSecs float64 `json:"durationSeconds"`
		Analysis     struct {
			SuccessEvaluation string `json:"successEvaluation"`
		} `json:"analysis"`
		FunctionCall struct {
			Name       string          `json:"name"`
			Parameters json.RawMessage `json:"parameters"`
		} `json:"functionCall"`
		PhoneNumber struct {
			Number string `json:"number"`
		} `json:"phoneNumber"`
	} `json:"message"`
}

func (h *Handler) handleVoiceCallEvents(w http.ResponseWriter, r *http.Request) {
	body := h.readBody(w, r)
	if body == nil {
		return
	}
	telemetry.WebhooksReceivedTotal.WithLabelValues("voice_call_events").Inc()

	var p voiceCallPayload
	if err := json.Unmarshal(body, &p); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "malformed payload")
		return
	}

	msg := p.Message
	meta := msg.Call.Metadata

	switch msg.Type {
	case "status-update":
		if msg.Status != "ended" {
			// Intermediate statuses are acknowledged and dropped.
			httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
			return
		}
		ev := events.Event{
			Type:         events.TypeCallOutcome,
			ProviderID:   msg.Call.ID,
			CallID:       msg.Call.ID,
			TenantID:     meta.TenantID,
			UmbrellaID:   meta.UmbrellaID,
			EnrollmentID: meta.EnrollmentID,
			Disposition:  dispositionFromEndedReason(msg.EndedReason),
			EndedReason:  msg.EndedReason,
		}
		if err := h.enqueue(r.Context(), ev); err != nil {
			h.logger.Error("enqueueing call outcome", "call_id", msg.Call.ID, "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "enqueue_failed", "")
			return
		}

	case "end-of-call-report":
		// The report follows the ended status-update for the same call; a
		// distinct dedupe key keeps this richer delivery (transcript,
		// duration) from being dropped as a replay of the first.
		ev := events.Event{
			Type:            events.TypeCallOutcome,
			ProviderID:      msg.Call.ID + ":report",
			CallID:          msg.Call.ID,
			TenantID:        meta.TenantID,
			UmbrellaID:      meta.UmbrellaID,
			EnrollmentID:    meta.EnrollmentID,
			Disposition:     dispositionFromEndedReason(msg.EndedReason),
			EndedReason:     msg.EndedReason,
			Transcript:      msg.Transcript,
			DurationSeconds: int(msg.DurationSecs),
		}
		if err := h.enqueue(r.Context(), ev); err != nil {
			h.logger.Error("enqueueing end-of-call report", "call_id", msg.Call.ID, "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "enqueue_failed", "")
			return
		}

	case "function-call":
		if msg.FunctionCall.Name == "book_appointment" {
			ev := events.Event{
				Type:              events.TypeCallOutcome,
				ProviderID:        msg.Call.ID + ":book",
				CallID:            msg.Call.ID,
				TenantID:          meta.TenantID,
				EnrollmentID:      meta.EnrollmentID,
				Disposition:       "answered",
				AppointmentBooked: true,
			}
			if err := h.enqueue(r.Context(), ev); err != nil {
				h.logger.Error("enqueueing booking fast path", "call_id", msg.Call.ID, "error", err)
				httpserver.RespondError(w, http.StatusInternalServerError, "enqueue_failed", "")
				return
			}
		}

	case "assistant-request":
		h.handleAssistantRequest(w, r, p)
		return

	default:
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "unrecognized message type")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAssistantRequest answers inbound calls: the provider asks which
// assistant config to use for a caller. Tenant comes from the provider org
// id; the caller's number selects the contact.
func (h *Handler) handleAssistantRequest(w http.ResponseWriter, r *http.Request, p voiceCallPayload) {
	tenantID, err := h.tenants.TenantByProviderOrgID(r.Context(), p.Message.Call.OrgID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "unknown_org", "")
		return
	}

	greeting := "Hello! Thanks for calling back. How can I help you today?"
	firstName := ""
	if con, err := h.contacts.FindByPhone(r.Context(), tenantID, p.Message.Call.Customer.Number); err == nil {
		firstName = con.FirstName
	} else if !errors.Is(err, pgx.ErrNoRows) {
		h.logger.Warn("contact lookup for inbound call failed",
			"number", p.Message.Call.Customer.Number, "error", err)
	}
	if firstName != "" {
		greeting = "Hello " + firstName + "! Thanks for calling back. How can I help you today?"
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"assistant": map[string]any{
			"firstMessage": greeting,
			"model": map[string]any{
				"messages": []map[string]string{{
					"role":    "system",
					"content": "You are a friendly assistant handling an inbound return call. Answer questions and offer to book an appointment.",
				}},
			},
		},
	})
}

// dispositionFromEndedReason folds provider ended reasons onto the
// disposition vocabulary.
func dispositionFromEndedReason(reason string) string {
	switch reason {
	case "customer-did-not-answer", "no-answer":
		return "no-answer"
	case "customer-busy", "busy":
		return "busy"
	case "voicemail":
		return "voicemail"
	case "customer-ended-call", "assistant-ended-call", "":
		return "answered"
	default:
		return "failed"
	}
}

// --- concurrency sync ---

type concurrencySyncPayload struct {
	OrgID     string `json:"orgId"`
	Current   int    `json:"current"`
	Limit     int    `json:"limit"`
	Timestamp int64  `json:"timestamp"`
}

func (h *Handler) handleConcurrencySync(w http.ResponseWriter, r *http.Request) {
	body := h.readBody(w, r)
	if body == nil {
		return
	}
	telemetry.WebhooksReceivedTotal.WithLabelValues("concurrency_sync").Inc()

	var p concurrencySyncPayload
	if err := json.Unmarshal(body, &p); err != nil || p.OrgID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "malformed payload")
		return
	}

	u, err := h.umbrellas.UmbrellaByProviderOrgID(r.Context(), p.OrgID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "unknown_org", "")
		return
	}

	if err := h.umbrellaSync.SyncFromWebhook(r.Context(), u.ID, p.Current, p.Limit); err != nil {
		h.logger.Error("syncing umbrella concurrency", "umbrella_id", u.ID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "sync_failed", "")
		return
	}
	if err := h.umbrellas.RecordSync(r.Context(), u.ID, p.Current, p.Limit, time.Now().UTC()); err != nil {
		h.logger.Warn("persisting umbrella sync", "umbrella_id", u.ID, "error", err)
	}

	httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- sms ---

type smsWebhookPayload struct {
	Type         string    `json:"type"` // "reply" or "delivery"
	MessageID    string    `json:"message_id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	EnrollmentID uuid.UUID `json:"enrollment_id"`
	Body         string    `json:"body"`
	Status       string    `json:"status"`
}

func (h *Handler) handleSMS(w http.ResponseWriter, r *http.Request) {
	body := h.readBody(w, r)
	if body == nil {
		return
	}
	telemetry.WebhooksReceivedTotal.WithLabelValues("sms").Inc()

	var p smsWebhookPayload
	if err := json.Unmarshal(body, &p); err != nil || p.MessageID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "malformed payload")
		return
	}

	var ev events.Event
	switch p.Type {
	case "reply":
		ev = events.Event{
			Type:         events.TypeSMSReply,
			ProviderID:   p.MessageID,
			TenantID:     p.TenantID,
			EnrollmentID: p.EnrollmentID,
			Body:         p.Body,
		}
	case "delivery":
		ev = events.Event{
			Type:           events.TypeSMSDelivery,
			ProviderID:     p.MessageID,
			TenantID:       p.TenantID,
			EnrollmentID:   p.EnrollmentID,
			DeliveryStatus: p.Status,
		}
	default:
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "unrecognized sms webhook type")
		return
	}

	if err := h.enqueue(r.Context(), ev); err != nil {
		h.logger.Error("enqueueing sms event", "message_id", p.MessageID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "enqueue_failed", "")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- email ---

type emailWebhookPayload struct {
	Event        string    `json:"event"` // opened, clicked, bounced
	MessageID    string    `json:"message_id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	EnrollmentID uuid.UUID `json:"enrollment_id"`
}

func (h *Handler) handleEmail(w http.ResponseWriter, r *http.Request) {
	body := h.readBody(w, r)
	if body == nil {
		return
	}
	telemetry.WebhooksReceivedTotal.WithLabelValues("email").Inc()

	var p emailWebhookPayload
	if err := json.Unmarshal(body, &p); err != nil || p.MessageID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "malformed payload")
		return
	}

	var typ string
	switch p.Event {
	case "opened":
		typ = events.TypeEmailOpened
	case "clicked":
		typ = events.TypeEmailClicked
	case "bounced":
		typ = events.TypeEmailBounced
	default:
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "unrecognized email event")
		return
	}

	if err := h.enqueue(r.Context(), events.Event{
		Type:         typ,
		ProviderID:   p.MessageID,
		TenantID:     p.TenantID,
		EnrollmentID: p.EnrollmentID,
	}); err != nil {
		h.logger.Error("enqueueing email event", "message_id", p.MessageID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "enqueue_failed", "")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
}

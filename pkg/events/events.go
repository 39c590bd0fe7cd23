// Package events ingests provider webhooks off the events queue: call
// outcomes, SMS replies and delivery reports, email engagement. It updates
// enrollment state, feeds the emotional analyzer, emits notifications, and
// hands failures to the healing path.
package events

import (
	"github.com/google/uuid"
)

// Event types on the events queue.
const (
	TypeCallOutcome  = "call-outcome"
	TypeSMSReply     = "sms-reply"
	TypeSMSDelivery  = "sms-delivery"
	TypeEmailOpened  = "email-opened"
	TypeEmailClicked = "email-clicked"
	TypeEmailBounced = "email-bounced"
)

// Event is the events queue's job body. The webhook intake layer normalizes
// every provider payload into this shape; ProviderID plus Type is the
// idempotency key, so distinct deliveries about the same call (status-update,
// end-of-call-report, booking fast path) carry distinct ProviderID suffixes.
type Event struct {
	Type       string `json:"type"`
	ProviderID string `json:"provider_id"`

	// CallID is the provider's bare call id for call-outcome events. It
	// keys the interaction row, the slot release, and the healing decision
	// across the call's multiple deliveries. Empty for non-voice events.
	CallID string `json:"call_id,omitempty"`

	TenantID     uuid.UUID `json:"tenant_id"`
	EnrollmentID uuid.UUID `json:"enrollment_id"`
	ContactID    uuid.UUID `json:"contact_id,omitempty"`
	UmbrellaID   uuid.UUID `json:"umbrella_id,omitempty"`

	// Call outcome fields.
	Disposition       string `json:"disposition,omitempty"`
	DurationSeconds   int    `json:"duration_seconds,omitempty"`
	Transcript        string `json:"transcript,omitempty"`
	AppointmentBooked bool   `json:"appointment_booked,omitempty"`
	EndedReason       string `json:"ended_reason,omitempty"`

	// SMS fields.
	Body           string `json:"body,omitempty"`
	DeliveryStatus string `json:"delivery_status,omitempty"`
}

// Package healing reacts to dispatch failures by substituting channel,
// content, or timing instead of blindly retrying. Every failure yields
// exactly one healing decision; healing itself is never retried.
package healing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/cadence/internal/telemetry"
	"github.com/wisbric/cadence/pkg/contact"
	"github.com/wisbric/cadence/pkg/sequence"
	"github.com/wisbric/cadence/pkg/timeops"
)

// Failure kinds routed into the healer.
const (
	FailureNoContactMethod  = "no_contact_method"
	FailureLandlineDetected = "landline_detected"
	FailureInvalidNumber    = "invalid_number"
	FailureUndelivered      = "undelivered"
	FailureEmailBounced     = "email_bounced"
	FailureCallFailed       = "call_failed"
	FailureProviderRejected = "provider_rejected"
)

// Healing actions.
const (
	ActionSwitchChannel = "switch_channel"
	ActionFallbackSMS   = "fallback_sms"
	ActionExtendDelay   = "extend_delay"
	ActionEndSequence   = "end_sequence"
	ActionMarkInvalid   = "mark_invalid"
)

// retryDelay is how far out a healed step is pushed when the decision keeps
// the enrollment alive.
const retryDelay = 4 * time.Hour

// Validity is the result of a contact-address check for a channel.
type Validity struct {
	Valid       bool
	FailureType string
	Reason      string
}

// EnrollmentWriter is the slice of the enrollment store the healer mutates.
type EnrollmentWriter interface {
	AppendFailure(ctx context.Context, id uuid.UUID, rec sequence.FailureRecord) error
	SetChannelOverride(ctx context.Context, id uuid.UUID, from, to sequence.Channel) error
	SetStatus(ctx context.Context, id uuid.UUID, status sequence.Status, reason string) error
	Reschedule(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ContactWriter is the slice of the contact store the healer mutates.
type ContactWriter interface {
	SetPhoneType(ctx context.Context, id uuid.UUID, pt contact.PhoneType) error
	SetEmailBounced(ctx context.Context, id uuid.UUID) error
}

// LogWriter persists healing decisions. Satisfied by *LogStore.
type LogWriter interface {
	Insert(ctx context.Context, entry *LogEntry) error
}

// Healer implements channel overrides, contact validity checks, and the
// one-decision failure policy.
type Healer struct {
	enrollments EnrollmentWriter
	contacts    ContactWriter
	log         LogWriter
	clock       timeops.Clock
	logger      *slog.Logger
}

// NewHealer creates a Healer.
func NewHealer(enrollments EnrollmentWriter, contacts ContactWriter, log LogWriter, clock timeops.Clock, logger *slog.Logger) *Healer {
	return &Healer{
		enrollments: enrollments,
		contacts:    contacts,
		log:         log,
		clock:       clock,
		logger:      logger,
	}
}

// ChannelOverride returns the substituted channel for a step, or the original
// when no override is installed.
func ChannelOverride(e *sequence.Enrollment, original sequence.Channel) sequence.Channel {
	if to, ok := e.ChannelOverrides[original]; ok && to.Valid() {
		return to
	}
	return original
}

// CheckContactValidity reports whether the contact has a usable address for
// the channel.
func CheckContactValidity(c *contact.Contact, ch sequence.Channel) Validity {
	switch ch {
	case sequence.ChannelVoice:
		if c.Phone == "" {
			return Validity{FailureType: FailureNoContactMethod, Reason: "contact has no phone number"}
		}
		if c.PhoneType == contact.PhoneTypeLandline {
			// Landlines can still take calls; the voice channel stays
			// valid. SMS is what a landline cannot receive.
			return Validity{Valid: true}
		}
	case sequence.ChannelSMS:
		if c.Phone == "" {
			return Validity{FailureType: FailureNoContactMethod, Reason: "contact has no phone number"}
		}
		if c.PhoneType == contact.PhoneTypeLandline {
			return Validity{FailureType: FailureLandlineDetected, Reason: "phone is a landline"}
		}
	case sequence.ChannelEmail:
		if c.Email == nil || *c.Email == "" {
			return Validity{FailureType: FailureNoContactMethod, Reason: "contact has no email address"}
		}
		if c.EmailBounced {
			return Validity{FailureType: FailureEmailBounced, Reason: "email address bounced repeatedly"}
		}
	}
	return Validity{Valid: true}
}

// HandleFailure appends the failure to the enrollment's history, picks
// exactly one healing action, applies it, and logs it.
func (h *Healer) HandleFailure(ctx context.Context, e *sequence.Enrollment, c *contact.Contact, step *sequence.Step, failureType, details string) error {
	now := h.clock.Now()

	if err := h.enrollments.AppendFailure(ctx, e.ID, sequence.FailureRecord{
		Channel:     step.Channel,
		FailureType: failureType,
		StepOrder:   step.Order,
		At:          now,
	}); err != nil {
		return fmt.Errorf("recording failure: %w", err)
	}

	action, reason, err := h.decide(ctx, e, c, step, failureType)
	if err != nil {
		return err
	}

	entry := &LogEntry{
		ID:           uuid.New(),
		EnrollmentID: e.ID,
		StepOrder:    step.Order,
		Channel:      step.Channel,
		FailureType:  failureType,
		Action:       action,
		Reason:       reason,
		Details:      details,
	}
	if err := h.log.Insert(ctx, entry); err != nil {
		h.logger.Error("persisting healing log entry failed",
			"enrollment_id", e.ID, "action", action, "error", err)
	}

	telemetry.HealingActionsTotal.WithLabelValues(action).Inc()

	h.logger.Info("healing decision applied",
		"enrollment_id", e.ID,
		"step_order", step.Order,
		"failure_type", failureType,
		"action", action,
		"reason", reason,
	)
	return nil
}

// decide picks and applies the single healing action for a failure.
func (h *Healer) decide(ctx context.Context, e *sequence.Enrollment, c *contact.Contact, step *sequence.Step, failureType string) (action, reason string, err error) {
	now := h.clock.Now()
	hasEmail := c != nil && c.Email != nil && *c.Email != "" && !c.EmailBounced
	hasMobile := c != nil && c.Phone != "" && c.PhoneType != contact.PhoneTypeLandline

	switch failureType {
	case FailureLandlineDetected, FailureInvalidNumber:
		// A landline cannot take SMS; calls still work. Install the
		// voice→sms guard in reverse: future voice stays, SMS routes away.
		if c != nil && failureType == FailureLandlineDetected {
			if err := h.contacts.SetPhoneType(ctx, c.ID, contact.PhoneTypeLandline); err != nil {
				return "", "", err
			}
		}
		if step.Channel == sequence.ChannelSMS {
			if hasEmail {
				if err := h.enrollments.SetChannelOverride(ctx, e.ID, sequence.ChannelSMS, sequence.ChannelEmail); err != nil {
					return "", "", err
				}
				if err := h.enrollments.Reschedule(ctx, e.ID, now); err != nil {
					return "", "", err
				}
				return ActionSwitchChannel, "sms undeliverable, routing to email", nil
			}
			if err := h.enrollments.SetStatus(ctx, e.ID, sequence.StatusFailed, "sms undeliverable and no email on file"); err != nil {
				return "", "", err
			}
			return ActionEndSequence, "sms undeliverable and no email on file", nil
		}
		// Voice step with a bad number: nothing can reach this phone.
		if err := h.enrollments.SetStatus(ctx, e.ID, sequence.StatusFailed, "phone number unusable"); err != nil {
			return "", "", err
		}
		return ActionMarkInvalid, "phone number unusable", nil

	case FailureEmailBounced:
		if c != nil {
			if err := h.contacts.SetEmailBounced(ctx, c.ID); err != nil {
				return "", "", err
			}
		}
		if hasMobile {
			if err := h.enrollments.SetChannelOverride(ctx, e.ID, sequence.ChannelEmail, sequence.ChannelSMS); err != nil {
				return "", "", err
			}
			if err := h.enrollments.Reschedule(ctx, e.ID, now); err != nil {
				return "", "", err
			}
			return ActionFallbackSMS, "email bounced, routing to sms", nil
		}
		if err := h.enrollments.SetStatus(ctx, e.ID, sequence.StatusFailed, "email bounced and no mobile on file"); err != nil {
			return "", "", err
		}
		return ActionEndSequence, "email bounced and no mobile on file", nil

	case FailureNoContactMethod:
		if alt, ok := alternativeChannel(step.Channel, hasMobile, hasEmail); ok {
			if err := h.enrollments.SetChannelOverride(ctx, e.ID, step.Channel, alt); err != nil {
				return "", "", err
			}
			if err := h.enrollments.Reschedule(ctx, e.ID, now); err != nil {
				return "", "", err
			}
			return ActionSwitchChannel, fmt.Sprintf("no address for %s, routing to %s", step.Channel, alt), nil
		}
		if err := h.enrollments.SetStatus(ctx, e.ID, sequence.StatusFailed, "no usable contact method"); err != nil {
			return "", "", err
		}
		return ActionEndSequence, "no usable contact method", nil

	case FailureCallFailed, FailureUndelivered:
		// Transient delivery trouble: push the step out and let the next
		// tick try again inside its windows.
		if err := h.enrollments.Reschedule(ctx, e.ID, now.Add(retryDelay)); err != nil {
			return "", "", err
		}
		return ActionExtendDelay, "delivery failed, extending delay", nil

	case FailureProviderRejected:
		if err := h.enrollments.SetStatus(ctx, e.ID, sequence.StatusFailed, "provider permanently rejected the address"); err != nil {
			return "", "", err
		}
		return ActionMarkInvalid, "provider permanently rejected the address", nil
	}

	// Unknown failure kinds get the conservative treatment.
	if err := h.enrollments.Reschedule(ctx, e.ID, now.Add(retryDelay)); err != nil {
		return "", "", err
	}
	return ActionExtendDelay, "unrecognized failure, extending delay", nil
}

// alternativeChannel picks a usable substitute for a dead channel.
func alternativeChannel(ch sequence.Channel, hasMobile, hasEmail bool) (sequence.Channel, bool) {
	switch ch {
	case sequence.ChannelVoice, sequence.ChannelSMS:
		if hasEmail {
			return sequence.ChannelEmail, true
		}
	case sequence.ChannelEmail:
		if hasMobile {
			return sequence.ChannelSMS, true
		}
	}
	return "", false
}

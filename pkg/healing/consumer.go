package healing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/cadence/pkg/contact"
	"github.com/wisbric/cadence/pkg/jobbus"
	"github.com/wisbric/cadence/pkg/sequence"
)

// JobPayload is the healing queue's job body. Channel workers and the event
// processor enqueue one per dispatch failure.
type JobPayload struct {
	TenantID     uuid.UUID        `json:"tenant_id"`
	EnrollmentID uuid.UUID        `json:"enrollment_id"`
	ContactID    uuid.UUID        `json:"contact_id"`
	StepOrder    int              `json:"step_order"`
	Channel      sequence.Channel `json:"channel"`
	FailureType  string           `json:"failure_type"`
	Details      string           `json:"details"`
}

// EnrollmentLoader loads enrollment state for a healing decision.
type EnrollmentLoader interface {
	GetEnrollment(ctx context.Context, id uuid.UUID) (*sequence.Enrollment, error)
	GetStep(ctx context.Context, sequenceID uuid.UUID, order int) (*sequence.Step, error)
}

// ContactLoader loads the contact for a healing decision.
type ContactLoader interface {
	Get(ctx context.Context, id uuid.UUID) (*contact.Contact, error)
}

// Consumer drains the healing queue and applies one healing decision per
// failure.
type Consumer struct {
	bus         *jobbus.Bus
	healer      *Healer
	enrollments EnrollmentLoader
	contacts    ContactLoader
	logger      *slog.Logger
}

// NewConsumer creates a healing Consumer.
func NewConsumer(bus *jobbus.Bus, healer *Healer, enrollments EnrollmentLoader, contacts ContactLoader, logger *slog.Logger) *Consumer {
	return &Consumer{
		bus:         bus,
		healer:      healer,
		enrollments: enrollments,
		contacts:    contacts,
		logger:      logger,
	}
}

// Run consumes the healing queue until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.bus.Consume(ctx, jobbus.ConsumerConfig{
		Queue:       jobbus.QueueHealing,
		Concurrency: 2,
		Lease:       60 * time.Second,
	}, c.handle)
}

func (c *Consumer) handle(ctx context.Context, job *jobbus.Job) error {
	var p JobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decoding healing job: %w", err)
	}

	e, err := c.enrollments.GetEnrollment(ctx, p.EnrollmentID)
	if err != nil {
		return fmt.Errorf("loading enrollment: %w", err)
	}
	if e.Status.Terminal() {
		c.logger.Debug("healing skipped, enrollment already terminal",
			"enrollment_id", e.ID, "status", e.Status)
		return nil
	}

	con, err := c.contacts.Get(ctx, e.ContactID)
	if err != nil {
		return fmt.Errorf("loading contact: %w", err)
	}

	order := p.StepOrder
	if order <= 0 {
		order = e.CurrentStepOrder + 1
	}
	step, err := c.enrollments.GetStep(ctx, e.SequenceID, order)
	if err != nil {
		// The step may be gone (sequence edited); heal with what we know.
		step = &sequence.Step{Channel: p.Channel, Order: order}
	}

	if err := c.healer.HandleFailure(ctx, e, con, step, p.FailureType, p.Details); err != nil {
		return fmt.Errorf("applying healing decision: %w", err)
	}
	return nil
}

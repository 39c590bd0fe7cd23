package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/cadence/internal/telemetry"
	"github.com/wisbric/cadence/pkg/healing"
	"github.com/wisbric/cadence/pkg/interaction"
	"github.com/wisbric/cadence/pkg/jobbus"
	"github.com/wisbric/cadence/pkg/sequence"
	"github.com/wisbric/cadence/pkg/umbrella"
)

// JobPayload is the voice queue's job body, produced by the scheduler.
type JobPayload struct {
	TenantID     uuid.UUID `json:"tenant_id"`
	EnrollmentID uuid.UUID `json:"enrollment_id"`
	StepID       uuid.UUID `json:"step_id"`
	StepOrder    int       `json:"step_order"`
	ContactID    uuid.UUID `json:"contact_id"`

	Phone        string            `json:"phone"`
	FirstMessage string            `json:"first_message"`
	SystemPrompt string            `json:"system_prompt"`
	AssistantID  string            `json:"assistant_id,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`

	Priority int `json:"priority"`
}

// AssignmentResolver is the slice of the umbrella resolver the worker needs.
type AssignmentResolver interface {
	Resolve(ctx context.Context, tenantID uuid.UUID) (umbrella.Assignment, error)
}

// SlotManager is the slice of the umbrella manager the worker needs.
type SlotManager interface {
	TryAcquire(ctx context.Context, umbrellaID, tenantID uuid.UUID, limit, cap int) (umbrella.AcquireResult, error)
	Release(ctx context.Context, umbrellaID, tenantID uuid.UUID) error
}

// InteractionWriter records the outbound call interaction.
type InteractionWriter interface {
	Insert(ctx context.Context, in *interaction.Interaction) (uuid.UUID, error)
}

// ExecLogger is the async execution log.
type ExecLogger interface {
	Log(entry ExecEntry)
}

// ExecEntry mirrors execlog.Entry without importing it (the worker is wired
// with the real writer through a thin adapter in app).
type ExecEntry struct {
	TenantID     uuid.UUID
	EnrollmentID uuid.UUID
	StepID       uuid.UUID
	Action       string
	Status       string
	ProviderID   string
	Detail       json.RawMessage
}

// Config tunes the voice worker.
type Config struct {
	Concurrency int
	RetryDelay  time.Duration
	MaxRetries  int
}

// Worker drains the voice queue.
type Worker struct {
	bus          *jobbus.Bus
	resolver     AssignmentResolver
	slots        SlotManager
	provider     Provider
	interactions InteractionWriter
	execLog      ExecLogger
	cfg          Config
	logger       *slog.Logger
}

// NewWorker creates a voice Worker.
func NewWorker(bus *jobbus.Bus, resolver AssignmentResolver, slots SlotManager, provider Provider, interactions InteractionWriter, execLog ExecLogger, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Worker{
		bus:          bus,
		resolver:     resolver,
		slots:        slots,
		provider:     provider,
		interactions: interactions,
		execLog:      execLog,
		cfg:          cfg,
		logger:       logger,
	}
}

// Run consumes the voice queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.bus.Consume(ctx, jobbus.ConsumerConfig{
		Queue:       jobbus.QueueVoice,
		Concurrency: w.cfg.Concurrency,
		Lease:       60 * time.Second,
	}, w.Handle)
}

// Handle processes one voice job.
func (w *Worker) Handle(ctx context.Context, job *jobbus.Job) error {
	var p JobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decoding voice job: %w", err)
	}

	assignment, err := w.resolver.Resolve(ctx, p.TenantID)
	if err != nil {
		return fmt.Errorf("resolving umbrella for tenant %s: %w", p.TenantID, err)
	}

	res, err := w.slots.TryAcquire(ctx, assignment.UmbrellaID, p.TenantID, assignment.Limit, assignment.TenantCap)
	if err != nil {
		return fmt.Errorf("acquiring slot: %w", err)
	}
	observeAcquire(res)

	if res != umbrella.Acquired {
		return w.handleCapacityRejection(ctx, job, p, res)
	}

	callResp, err := w.provider.InitiateCall(ctx, assignment.ProviderKey, CallRequest{
		Phone:        p.Phone,
		FirstMessage: p.FirstMessage,
		SystemPrompt: p.SystemPrompt,
		AssistantID:  p.AssistantID,
		Variables:    p.Variables,
		Metadata: CallMetadata{
			TenantID:     p.TenantID,
			UmbrellaID:   assignment.UmbrellaID,
			EnrollmentID: p.EnrollmentID,
			StepID:       p.StepID,
		},
	})
	if err != nil {
		// The call never started; give the slot back and route the failure
		// into healing.
		if relErr := w.slots.Release(ctx, assignment.UmbrellaID, p.TenantID); relErr != nil {
			w.logger.Error("releasing slot after failed initiation", "error", relErr)
		}
		telemetry.CallsInitiatedTotal.WithLabelValues("failed").Inc()
		w.execLog.Log(ExecEntry{
			TenantID:     p.TenantID,
			EnrollmentID: p.EnrollmentID,
			StepID:       p.StepID,
			Action:       "call_initiation_failed",
			Status:       "error",
			Detail:       jsonDetail(map[string]string{"error": err.Error()}),
		})
		w.surfaceFailure(ctx, p, healing.FailureCallFailed, err.Error())
		return nil
	}

	telemetry.CallsInitiatedTotal.WithLabelValues("initiated").Inc()
	w.execLog.Log(ExecEntry{
		TenantID:     p.TenantID,
		EnrollmentID: p.EnrollmentID,
		StepID:       p.StepID,
		Action:       "call_initiated",
		Status:       "ok",
		ProviderID:   callResp.CallID,
	})

	if _, err := w.interactions.Insert(ctx, &interaction.Interaction{
		TenantID:     p.TenantID,
		ContactID:    p.ContactID,
		EnrollmentID: p.EnrollmentID,
		Channel:      sequence.ChannelVoice,
		Direction:    interaction.DirectionOutbound,
		Content:      p.FirstMessage,
		Outcome:      "delivered",
		ProviderID:   callResp.CallID,
	}); err != nil {
		w.logger.Error("recording outbound call interaction", "call_id", callResp.CallID, "error", err)
	}

	// The slot stays held: the provider's end-of-call webhook releases it.
	return nil
}

// handleCapacityRejection re-enqueues with linear backoff, or drops the job
// after the retry budget with an execution record.
func (w *Worker) handleCapacityRejection(ctx context.Context, job *jobbus.Job, p JobPayload, res umbrella.AcquireResult) error {
	if job.Attempt >= w.cfg.MaxRetries {
		w.logger.Warn("voice job dropped after capacity retries",
			"enrollment_id", p.EnrollmentID, "attempts", job.Attempt, "last_result", res)
		w.execLog.Log(ExecEntry{
			TenantID:     p.TenantID,
			EnrollmentID: p.EnrollmentID,
			StepID:       p.StepID,
			Action:       "skipped_capacity",
			Status:       "capacity_exhausted",
			Detail:       jsonDetail(map[string]any{"attempts": job.Attempt, "result": res}),
		})
		return nil
	}

	delay := w.cfg.RetryDelay * time.Duration(job.Attempt+1)
	if _, err := w.bus.Enqueue(ctx, jobbus.QueueVoice, p, jobbus.Options{
		Delay:    delay,
		Priority: p.Priority,
		Attempt:  job.Attempt + 1,
	}); err != nil {
		return fmt.Errorf("re-enqueueing capacity-rejected job: %w", err)
	}
	w.logger.Debug("voice job re-enqueued on capacity rejection",
		"enrollment_id", p.EnrollmentID, "result", res, "delay", delay, "attempt", job.Attempt+1)
	return nil
}

// surfaceFailure hands a dispatch failure to the healing queue.
func (w *Worker) surfaceFailure(ctx context.Context, p JobPayload, failureType, details string) {
	if _, err := w.bus.Enqueue(ctx, jobbus.QueueHealing, healing.JobPayload{
		TenantID:     p.TenantID,
		EnrollmentID: p.EnrollmentID,
		ContactID:    p.ContactID,
		StepOrder:    p.StepOrder,
		Channel:      sequence.ChannelVoice,
		FailureType:  failureType,
		Details:      details,
	}, jobbus.Options{}); err != nil {
		w.logger.Error("enqueueing healing job", "enrollment_id", p.EnrollmentID, "error", err)
	}
}

func observeAcquire(res umbrella.AcquireResult) {
	telemetry.UmbrellaAcquisitionsTotal.With(prometheus.Labels{"outcome": string(res)}).Inc()
}

func jsonDetail(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

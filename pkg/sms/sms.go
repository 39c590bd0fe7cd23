// Package sms drains the sms queue and delivers messages through the
// external SMS provider with bounded retries.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/wisbric/cadence/pkg/healing"
	"github.com/wisbric/cadence/pkg/interaction"
	"github.com/wisbric/cadence/pkg/jobbus"
	"github.com/wisbric/cadence/pkg/sequence"
)

// JobPayload is the sms queue's job body.
type JobPayload struct {
	TenantID     uuid.UUID `json:"tenant_id"`
	EnrollmentID uuid.UUID `json:"enrollment_id"`
	StepID       uuid.UUID `json:"step_id"`
	StepOrder    int       `json:"step_order"`
	ContactID    uuid.UUID `json:"contact_id"`

	Phone string `json:"phone"`
	Body  string `json:"body"`
}

// SendRequest is the provider payload. EnrollmentID and StepID ride along so
// delivery reports can be correlated.
type SendRequest struct {
	To           string    `json:"to"`
	Body         string    `json:"body"`
	EnrollmentID uuid.UUID `json:"enrollment_id"`
	StepID       uuid.UUID `json:"step_id"`
}

// SendResponse is the provider's answer.
type SendResponse struct {
	MessageID string `json:"id"`
}

// Provider is the SMS vendor surface.
type Provider interface {
	Send(ctx context.Context, req SendRequest) (*SendResponse, error)
}

// HTTPProvider calls the vendor over HTTPS with bearer auth.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider creates an HTTPProvider.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Send implements Provider.
func (p *HTTPProvider) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding sms request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building sms request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending sms: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Permanent rejection: retrying the same payload cannot help.
		return nil, backoff.Permanent(fmt.Errorf("sms provider rejected request (%d): %s", resp.StatusCode, respBody))
	default:
		return nil, fmt.Errorf("sms provider returned %d: %s", resp.StatusCode, respBody)
	}

	var out SendResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decoding sms response: %w", err)
	}
	return &out, nil
}

// InteractionWriter records the outbound interaction.
type InteractionWriter interface {
	Insert(ctx context.Context, in *interaction.Interaction) (uuid.UUID, error)
}

// Worker drains the sms queue.
type Worker struct {
	bus          *jobbus.Bus
	provider     Provider
	interactions InteractionWriter
	logger       *slog.Logger
}

// NewWorker creates an sms Worker.
func NewWorker(bus *jobbus.Bus, provider Provider, interactions InteractionWriter, logger *slog.Logger) *Worker {
	return &Worker{bus: bus, provider: provider, interactions: interactions, logger: logger}
}

// Run consumes the sms queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.bus.Consume(ctx, jobbus.ConsumerConfig{
		Queue:       jobbus.QueueSMS,
		Concurrency: 5,
		Lease:       60 * time.Second,
	}, w.Handle)
}

// Handle processes one sms job: deliver with backoff, record the
// interaction, route failures into healing.
func (w *Worker) Handle(ctx context.Context, job *jobbus.Job) error {
	var p JobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decoding sms job: %w", err)
	}

	resp, err := backoff.Retry(ctx, func() (*SendResponse, error) {
		return w.provider.Send(ctx, SendRequest{
			To:           p.Phone,
			Body:         p.Body,
			EnrollmentID: p.EnrollmentID,
			StepID:       p.StepID,
		})
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(4))
	if err != nil {
		w.logger.Error("sms delivery failed", "enrollment_id", p.EnrollmentID, "error", err)
		failureType := healing.FailureUndelivered
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			failureType = healing.FailureProviderRejected
		}
		w.surfaceFailure(ctx, p, failureType, err.Error())
		return nil
	}

	if _, err := w.interactions.Insert(ctx, &interaction.Interaction{
		TenantID:     p.TenantID,
		ContactID:    p.ContactID,
		EnrollmentID: p.EnrollmentID,
		Channel:      sequence.ChannelSMS,
		Direction:    interaction.DirectionOutbound,
		Content:      p.Body,
		Outcome:      "sent",
		ProviderID:   resp.MessageID,
	}); err != nil {
		w.logger.Error("recording outbound sms interaction", "error", err)
	}
	return nil
}

func (w *Worker) surfaceFailure(ctx context.Context, p JobPayload, failureType, details string) {
	if _, err := w.bus.Enqueue(ctx, jobbus.QueueHealing, healing.JobPayload{
		TenantID:     p.TenantID,
		EnrollmentID: p.EnrollmentID,
		ContactID:    p.ContactID,
		StepOrder:    p.StepOrder,
		Channel:      sequence.ChannelSMS,
		FailureType:  failureType,
		Details:      details,
	}, jobbus.Options{}); err != nil {
		w.logger.Error("enqueueing healing job", "enrollment_id", p.EnrollmentID, "error", err)
	}
}

// Package email drains the email queue and delivers messages through the
// external email provider with bounded retries.
package email

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

// JobPayload is the email queue's job body.
type JobPayload struct {
	TenantID     uuid.UUID `json:"tenant_id"`
	EnrollmentID uuid.UUID `json:"enrollment_id"`
	StepID       uuid.UUID `json:"step_id"`
	StepOrder    int       `json:"step_order"`
	ContactID    uuid.UUID `json:"contact_id"`

	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// SendRequest is the provider payload; enrollment and step ids ride along
// for webhook correlation.
type SendRequest struct {
	To           string    `json:"to"`
	From         string    `json:"from"`
	Subject      string    `json:"subject"`
	HTML         string    `json:"html,omitempty"`
	Text         string    `json:"text,omitempty"`
	EnrollmentID uuid.UUID `json:"enrollment_id"`
	StepID       uuid.UUID `json:"step_id"`
}

// SendResponse is the provider's answer.
type SendResponse struct {
	MessageID string `json:"id"`
}

// Provider is the email vendor surface.
type Provider interface {
	Send(ctx context.Context, req SendRequest) (*SendResponse, error)
}

// HTTPProvider calls the vendor over HTTPS with bearer auth.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	from    string
	client  *http.Client
}

// NewHTTPProvider creates an HTTPProvider.
func NewHTTPProvider(baseURL, apiKey, from string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		from:    from,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Send implements Provider.
func (p *HTTPProvider) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	if req.From == "" {
		req.From = p.from
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding email request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building email request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending email: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, backoff.Permanent(fmt.Errorf("email provider rejected request (%d): %s", resp.StatusCode, respBody))
	default:
		return nil, fmt.Errorf("email provider returned %d: %s", resp.StatusCode, respBody)
	}

	var out SendResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decoding email response: %w", err)
	}
	return &out, nil
}

// InteractionWriter records the outbound interaction.
type InteractionWriter interface {
	Insert(ctx context.Context, in *interaction.Interaction) (uuid.UUID, error)
}

// Worker drains the email queue.
type Worker struct {
	bus          *jobbus.Bus
	provider     Provider
	interactions InteractionWriter
	logger       *slog.Logger
}

// NewWorker creates an email Worker.
func NewWorker(bus *jobbus.Bus, provider Provider, interactions InteractionWriter, logger *slog.Logger) *Worker {
	return &Worker{bus: bus, provider: provider, interactions: interactions, logger: logger}
}

// Run consumes the email queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.bus.Consume(ctx, jobbus.ConsumerConfig{
		Queue:       jobbus.QueueEmail,
		Concurrency: 5,
		Lease:       60 * time.Second,
	}, w.Handle)
}

// Handle processes one email job.
func (w *Worker) Handle(ctx context.Context, job *jobbus.Job) error {
	var p JobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decoding email job: %w", err)
	}

	resp, err := backoff.Retry(ctx, func() (*SendResponse, error) {
		return w.provider.Send(ctx, SendRequest{
			To:           p.To,
			Subject:      p.Subject,
			HTML:         p.HTML,
			Text:         p.Text,
			EnrollmentID: p.EnrollmentID,
			StepID:       p.StepID,
		})
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(4))
	if err != nil {
		w.logger.Error("email delivery failed", "enrollment_id", p.EnrollmentID, "error", err)
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
		Channel:      sequence.ChannelEmail,
		Direction:    interaction.DirectionOutbound,
		Content:      p.Subject,
		Outcome:      "sent",
		ProviderID:   resp.MessageID,
	}); err != nil {
		w.logger.Error("recording outbound email interaction", "error", err)
	}
	return nil
}

func (w *Worker) surfaceFailure(ctx context.Context, p JobPayload, failureType, details string) {
	if _, err := w.bus.Enqueue(ctx, jobbus.QueueHealing, healing.JobPayload{
		TenantID:     p.TenantID,
		EnrollmentID: p.EnrollmentID,
		ContactID:    p.ContactID,
		StepOrder:    p.StepOrder,
		Channel:      sequence.ChannelEmail,
		FailureType:  failureType,
		Details:      details,
	}, jobbus.Options{}); err != nil {
		w.logger.Error("enqueueing healing job", "enrollment_id", p.EnrollmentID, "error", err)
	}
}

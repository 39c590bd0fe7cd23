// Package voice drains the voice queue: it acquires umbrella slots, places
// calls with the external voice provider, and records execution. A placed
// call's slot is released by the provider's end-of-call webhook; the worker
// releases a slot itself only when call initiation fails.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// initiateTimeout bounds the provider's initiate-call endpoint.
const initiateTimeout = 30 * time.Second

// CallMetadata is echoed back by the provider on every webhook so events can
// be correlated without provider-side state.
type CallMetadata struct {
	TenantID     uuid.UUID `json:"tenant_id"`
	UmbrellaID   uuid.UUID `json:"umbrella_id"`
	EnrollmentID uuid.UUID `json:"enrollment_id"`
	StepID       uuid.UUID `json:"step_id"`
}

// CallRequest is the provider initiate-call payload.
type CallRequest struct {
	Phone        string            `json:"phone"`
	FirstMessage string            `json:"first_message"`
	SystemPrompt string            `json:"system_prompt"`
	AssistantID  string            `json:"assistant_id,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	Metadata     CallMetadata      `json:"metadata"`
}

// CallResponse is the provider's answer to an initiate-call request.
type CallResponse struct {
	CallID string `json:"id"`
	Status string `json:"status"`
}

// Provider is the initiate-call surface of the external voice vendor.
type Provider interface {
	InitiateCall(ctx context.Context, apiKey string, req CallRequest) (*CallResponse, error)
}

// HTTPProvider calls the vendor over HTTPS with bearer auth. The per-call
// api key comes from the umbrella, not the client, because many umbrellas
// share one process.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider creates an HTTPProvider.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: initiateTimeout},
	}
}

// InitiateCall implements Provider.
func (p *HTTPProvider) InitiateCall(ctx context.Context, apiKey string, req CallRequest) (*CallResponse, error) {
	body, err := json.Marshal(map[string]any{
		"customer": map[string]string{"number": req.Phone},
		"assistant": map[string]any{
			"firstMessage": req.FirstMessage,
			"model": map[string]any{
				"messages": []map[string]string{
					{"role": "system", "content": req.SystemPrompt},
				},
			},
			"variableValues": req.Variables,
		},
		"assistantId": req.AssistantID,
		"metadata":    req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding call request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/call/phone", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building call request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("initiating call: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("voice provider returned %d: %s", resp.StatusCode, respBody)
	}

	var out CallResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decoding call response: %w", err)
	}
	return &out, nil
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"

	"github.com/wisbric/cadence/pkg/memory"
	"github.com/wisbric/cadence/pkg/sequence"
)

const (
	analyzeTimeout = 30 * time.Second
	mutateTimeout  = 45 * time.Second
)

// AnthropicClient talks to the Anthropic Messages API. A circuit breaker
// short-circuits calls while the provider is failing so the scheduler's hot
// path degrades to the fallback immediately instead of waiting out timeouts.
type AnthropicClient struct {
	client  anthropic.Client
	model   string
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewAnthropicClient creates an AnthropicClient.
func NewAnthropicClient(apiKey, model string, logger *slog.Logger) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "anthropic",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: logger,
	}
}

// complete sends one user prompt and returns the text of the response.
func (c *AnthropicClient) complete(ctx context.Context, timeout time.Duration, system, prompt string, maxTokens int64) (string, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		msg, err := c.client.Messages.New(callCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: maxTokens,
			System: []anthropic.TextBlockParam{
				{Text: system},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return nil, err
		}
		var sb strings.Builder
		for _, block := range msg.Content {
			sb.WriteString(block.Text)
		}
		return sb.String(), nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}
	return out.(string), nil
}

// AnalyzeMessage implements Client.
func (c *AnthropicClient) AnalyzeMessage(ctx context.Context, req AnalyzeMessageRequest) (memory.Verdict, error) {
	if strings.TrimSpace(req.Body) == "" {
		return memory.Unavailable("empty message body"), nil
	}

	prompt := buildAnalyzeMessagePrompt(req)
	text, err := c.complete(ctx, analyzeTimeout, analysisSystemPrompt, prompt, 1024)
	if err != nil {
		return memory.Verdict{}, err
	}

	analysis, err := parseAnalysisJSON(text)
	if err != nil {
		return memory.Verdict{}, fmt.Errorf("parsing analysis response: %w", err)
	}
	return memory.Of(analysis), nil
}

// AnalyzeTranscript implements Client.
func (c *AnthropicClient) AnalyzeTranscript(ctx context.Context, req AnalyzeTranscriptRequest) (memory.Verdict, error) {
	if strings.TrimSpace(req.Transcript) == "" {
		return memory.Unavailable("empty transcript"), nil
	}

	prompt := buildAnalyzeTranscriptPrompt(req)
	text, err := c.complete(ctx, analyzeTimeout, analysisSystemPrompt, prompt, 1024)
	if err != nil {
		return memory.Verdict{}, err
	}

	analysis, err := parseAnalysisJSON(text)
	if err != nil {
		return memory.Verdict{}, fmt.Errorf("parsing analysis response: %w", err)
	}
	return memory.Of(analysis), nil
}

// MutateContent implements Client.
func (c *AnthropicClient) MutateContent(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	prompt := buildMutationPrompt(req)
	text, err := c.complete(ctx, mutateTimeout, mutationSystemPrompt, prompt, 2048)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Body         string  `json:"body"`
		Subject      string  `json:"subject"`
		HTML         string  `json:"html"`
		Text         string  `json:"text"`
		FirstMessage string  `json:"first_message"`
		SystemPrompt string  `json:"system_prompt"`
		Confidence   float64 `json:"confidence"`
	}
	if err := json.Unmarshal(extractJSON(text), &parsed); err != nil {
		return nil, fmt.Errorf("parsing mutation response: %w", err)
	}

	content := sequence.StepContent{Channel: req.Channel}
	switch req.Channel {
	case sequence.ChannelSMS:
		content.Body = parsed.Body
	case sequence.ChannelEmail:
		content.Subject = parsed.Subject
		content.HTML = parsed.HTML
		content.Text = parsed.Text
	case sequence.ChannelVoice:
		content.FirstMessage = parsed.FirstMessage
		content.SystemPrompt = parsed.SystemPrompt
		content.AssistantID = req.Original.AssistantID
		content.Metadata = req.Original.Metadata
	}
	if err := content.Validate(); err != nil {
		return nil, fmt.Errorf("mutation produced invalid content: %w", err)
	}

	return &MutationResult{
		Content:    content,
		Confidence: parsed.Confidence,
		Model:      c.model,
	}, nil
}

// GenerateSequence implements Client.
func (c *AnthropicClient) GenerateSequence(ctx context.Context, req GenerateSequenceRequest) (*GeneratedSequence, error) {
	prompt := buildGenerateSequencePrompt(req)
	text, err := c.complete(ctx, mutateTimeout, generateSystemPrompt, prompt, 4096)
	if err != nil {
		return nil, err
	}

	var seq GeneratedSequence
	if err := json.Unmarshal(extractJSON(text), &seq); err != nil {
		return nil, fmt.Errorf("parsing generated sequence: %w", err)
	}
	for i := range seq.Steps {
		seq.Steps[i].Content.Channel = seq.Steps[i].Channel
		if err := seq.Steps[i].Content.Validate(); err != nil {
			return nil, fmt.Errorf("generated step %d invalid: %w", i+1, err)
		}
	}
	return &seq, nil
}

// parseAnalysisJSON decodes the model's JSON into a complete Analysis. Any
// missing enum field is a validation failure, never a partial result.
func parseAnalysisJSON(text string) (*memory.Analysis, error) {
	var a memory.Analysis
	if err := json.Unmarshal(extractJSON(text), &a); err != nil {
		return nil, err
	}
	if a.PrimaryEmotion == "" || a.Intent == "" || a.RecommendedAction == "" ||
		a.RecommendedChannel == "" || a.RecommendedTone == "" || a.UrgencyLevel == "" {
		return nil, fmt.Errorf("analysis response missing required fields")
	}
	if a.Objections == nil {
		a.Objections = []memory.Objection{}
	}
	if a.BuyingSignals == nil {
		a.BuyingSignals = []memory.BuyingSignal{}
	}
	return &a, nil
}

// extractJSON strips markdown fences and surrounding prose from a model
// response, keeping the outermost JSON object.
func extractJSON(text string) []byte {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return []byte(strings.TrimSpace(s))
}

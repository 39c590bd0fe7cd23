package llm

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wisbric/cadence/pkg/memory"
)

// ErrUnavailable is returned for operations that have no degraded path when
// no model is reachable.
var ErrUnavailable = errors.New("llm unavailable")

// WithFallback wraps a primary client with the deterministic keyword
// classifier. Analysis calls never fail: when the primary errors (or is nil),
// the classifier answers in the same shape at its fixed confidence. Mutation
// and generation have no degraded equivalent and surface the error.
type WithFallback struct {
	primary Client // may be nil when no API key is configured
	logger  *slog.Logger
}

// NewWithFallback wraps primary. Pass nil to run classifier-only.
func NewWithFallback(primary Client, logger *slog.Logger) *WithFallback {
	return &WithFallback{primary: primary, logger: logger}
}

// AnalyzeMessage implements Client.
func (c *WithFallback) AnalyzeMessage(ctx context.Context, req AnalyzeMessageRequest) (memory.Verdict, error) {
	if c.primary != nil {
		verdict, err := c.primary.AnalyzeMessage(ctx, req)
		if err == nil {
			return verdict, nil
		}
		c.logger.Warn("message analysis degraded to keyword classifier", "error", err)
	}
	return memory.Of(memory.ClassifyMessage(req.Body)), nil
}

// AnalyzeTranscript implements Client.
func (c *WithFallback) AnalyzeTranscript(ctx context.Context, req AnalyzeTranscriptRequest) (memory.Verdict, error) {
	if c.primary != nil {
		verdict, err := c.primary.AnalyzeTranscript(ctx, req)
		if err == nil {
			return verdict, nil
		}
		c.logger.Warn("transcript analysis degraded to keyword classifier", "error", err)
	}
	return memory.Of(memory.ClassifyTranscript(req.Transcript, req.Disposition, req.DurationSeconds)), nil
}

// MutateContent implements Client.
func (c *WithFallback) MutateContent(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	if c.primary == nil {
		return nil, ErrUnavailable
	}
	return c.primary.MutateContent(ctx, req)
}

// GenerateSequence implements Client.
func (c *WithFallback) GenerateSequence(ctx context.Context, req GenerateSequenceRequest) (*GeneratedSequence, error) {
	if c.primary == nil {
		return nil, ErrUnavailable
	}
	return c.primary.GenerateSequence(ctx, req)
}

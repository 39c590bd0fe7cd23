// Package llm is the narrow interface to the language model: emotional
// analysis, content mutation, and sequence generation. The deterministic
// fallback is part of the contract — callers never learn which path answered.
package llm

import (
	"context"

	"github.com/wisbric/cadence/pkg/memory"
	"github.com/wisbric/cadence/pkg/sequence"
)

// AnalyzeMessageRequest asks for emotional analysis of an inbound message.
type AnalyzeMessageRequest struct {
	Body    string
	Channel sequence.Channel
	// Context is optional conversation history; nil is fine.
	Context *memory.Context
}

// AnalyzeTranscriptRequest asks for emotional analysis of a call transcript.
type AnalyzeTranscriptRequest struct {
	Transcript      string
	DurationSeconds int
	Disposition     string
}

// MutationRequest asks for a conversation-conditioned rewrite of step
// content.
type MutationRequest struct {
	Channel        sequence.Channel
	Original       sequence.StepContent
	Context        *memory.Context
	BrandVoice     string
	Aggressiveness sequence.Aggressiveness
	// Instructions is optional per-step human guidance.
	Instructions string
}

// MutationResult is the mutator's answer. Confidence below the configured
// floor discards the rewrite.
type MutationResult struct {
	Content    sequence.StepContent
	Confidence float64
	Model      string
}

// GenerateSequenceRequest asks for a full sequence draft (used by the
// onboarding surface).
type GenerateSequenceRequest struct {
	Goal       string
	BrandVoice string
	ChannelMix []sequence.Channel
	StepCount  int
}

// GeneratedStep is one drafted step.
type GeneratedStep struct {
	Channel      sequence.Channel     `json:"channel"`
	DelaySeconds int                  `json:"delay_seconds"`
	Content      sequence.StepContent `json:"content"`
}

// GeneratedSequence is a drafted sequence.
type GeneratedSequence struct {
	Name  string          `json:"name"`
	Steps []GeneratedStep `json:"steps"`
}

// Client is the model interface. Implementations must return a
// memory.Unavailable verdict only for inputs that cannot be analyzed at all;
// transport failures are handled by the fallback wrapper, not surfaced.
type Client interface {
	AnalyzeMessage(ctx context.Context, req AnalyzeMessageRequest) (memory.Verdict, error)
	AnalyzeTranscript(ctx context.Context, req AnalyzeTranscriptRequest) (memory.Verdict, error)
	MutateContent(ctx context.Context, req MutationRequest) (*MutationResult, error)
	GenerateSequence(ctx context.Context, req GenerateSequenceRequest) (*GeneratedSequence, error)
}

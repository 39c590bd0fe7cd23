// Package memory assembles conversation context for content adaptation and
// models the emotional analysis of inbound messages and call transcripts.
package memory

import "encoding/json"

// Emotion values the analyzer may produce.
const (
	EmotionExcited    = "excited"
	EmotionInterested = "interested"
	EmotionNeutral    = "neutral"
	EmotionHesitant   = "hesitant"
	EmotionFrustrated = "frustrated"
	EmotionConfused   = "confused"
	EmotionAngry      = "angry"
	EmotionDismissive = "dismissive"
)

// Intent values the analyzer may produce.
const (
	IntentInterested    = "interested"
	IntentNotInterested = "not_interested"
	IntentStop          = "stop"
	IntentReschedule    = "reschedule"
	IntentQuestion      = "question"
	IntentUnknown       = "unknown"
	IntentObjection     = "objection"
	IntentReadyToBuy    = "ready_to_buy"
	IntentNeedsInfo     = "needs_info"
)

// Recommended actions.
const (
	ActionEscalateToHuman  = "escalate_to_human"
	ActionContinueSequence = "continue_sequence"
	ActionPauseAndNotify   = "pause_and_notify"
	ActionFastTrack        = "fast_track"
	ActionEndSequence      = "end_sequence"
	ActionSwitchChannel    = "switch_channel"
	ActionAddressObjection = "address_objection"
)

// Objection is one detected objection.
type Objection struct {
	// Type ∈ {price, timing, competitor, authority, need, trust, urgency}.
	Type     string `json:"type"`
	Detail   string `json:"detail"`
	Severity string `json:"severity"` // mild, moderate, strong
}

// BuyingSignal is one detected buying signal.
type BuyingSignal struct {
	Signal   string `json:"signal"`
	Strength string `json:"strength"` // weak, moderate, strong
}

// Analysis is the fixed-shape result of emotional analysis. Every field is
// always populated; the Unavailable case is a separate Verdict variant, never
// a partially-filled Analysis.
type Analysis struct {
	PrimaryEmotion    string  `json:"primary_emotion"`
	EmotionConfidence float64 `json:"emotion_confidence"`
	Intent            string  `json:"intent"`

	Objections    []Objection    `json:"objections"`
	BuyingSignals []BuyingSignal `json:"buying_signals"`

	UrgencyLevel       string `json:"urgency_level"` // immediate, soon, flexible, no_rush, lost
	RecommendedAction  string `json:"recommended_action"`
	RecommendedChannel string `json:"recommended_channel"` // sms, email, voice, any
	RecommendedTone    string `json:"recommended_tone"`    // empathetic, urgent, casual, professional, reassuring

	NeedsHumanIntervention bool `json:"needs_human_intervention"`
	IsHotLead              bool `json:"is_hot_lead"`
	IsAtRisk               bool `json:"is_at_risk"`
}

// Blob serializes the analysis for storage on an interaction row.
func (a *Analysis) Blob() json.RawMessage {
	data, _ := json.Marshal(a)
	return data
}

// StrongObjections returns the objections with severity "strong".
func (a *Analysis) StrongObjections() []Objection {
	var out []Objection
	for _, o := range a.Objections {
		if o.Severity == "strong" {
			out = append(out, o)
		}
	}
	return out
}

// Verdict is the analyzer's result: either an Analysis or an explicit
// Unavailable variant carrying a reason. Exactly one side is set.
type Verdict struct {
	Analysis          *Analysis
	UnavailableReason string
}

// Available reports whether the verdict carries an analysis.
func (v Verdict) Available() bool { return v.Analysis != nil }

// Unavailable constructs the unavailable variant.
func Unavailable(reason string) Verdict {
	return Verdict{UnavailableReason: reason}
}

// Of wraps an analysis in a verdict.
func Of(a *Analysis) Verdict { return Verdict{Analysis: a} }

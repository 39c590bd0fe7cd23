// Package sequence holds the core domain model: sequences, steps, and the
// enrollments that walk them.
package sequence

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel is an outbound communication channel.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelVoice Channel = "voice"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelVoice:
		return true
	}
	return false
}

// Urgency is a sequence's urgency tier. It maps to voice queue priority.
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

// QueuePriority maps urgency to a job priority integer (lower = sooner).
func (u Urgency) QueuePriority() int {
	switch u {
	case UrgencyCritical:
		return 1
	case UrgencyHigh:
		return 3
	case UrgencyMedium:
		return 5
	case UrgencyLow:
		return 8
	}
	return 5
}

// Aggressiveness dictates how much latitude the content mutator has.
type Aggressiveness string

const (
	AggressivenessConservative Aggressiveness = "conservative"
	AggressivenessModerate     Aggressiveness = "moderate"
	AggressivenessAggressive   Aggressiveness = "aggressive"
)

// Status is an enrollment lifecycle status.
type Status string

const (
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusReplied    Status = "replied"
	StatusBooked     Status = "booked"
	StatusFailed     Status = "failed"
	StatusManualStop Status = "manual_stop"
)

// Terminal reports whether the status ends the enrollment's traversal.
// A terminal enrollment has a null next_fire_time.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusBooked, StatusFailed, StatusManualStop:
		return true
	}
	return false
}

// Sequence is a template of ordered steps owned by a tenant.
type Sequence struct {
	ID                     uuid.UUID
	TenantID               uuid.UUID
	Name                   string
	Urgency                Urgency
	RespectBusinessHours   bool
	MutationEnabled        bool
	MutationAggressiveness Aggressiveness
	TriggerConditions      []string
	TimeoutHours           int // 0 = no timeout
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// StepContent is the channel-tagged content payload of a step. Exactly the
// fields of the step's channel are populated; Validate rejects cross-channel
// leakage at boundaries.
type StepContent struct {
	Channel Channel `json:"channel"`

	// SMS
	Body string `json:"body,omitempty"`

	// Email
	Subject string `json:"subject,omitempty"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`

	// Voice
	FirstMessage string            `json:"first_message,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	AssistantID  string            `json:"assistant_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Validate checks that only the channel's own fields are populated.
func (c StepContent) Validate() error {
	if !c.Channel.Valid() {
		return fmt.Errorf("unknown channel %q", c.Channel)
	}
	switch c.Channel {
	case ChannelSMS:
		if c.Body == "" {
			return fmt.Errorf("sms content requires body")
		}
		if c.Subject != "" || c.HTML != "" || c.Text != "" || c.FirstMessage != "" || c.SystemPrompt != "" ||
			c.AssistantID != "" || len(c.Metadata) > 0 {
			return fmt.Errorf("sms content carries non-sms fields")
		}
	case ChannelEmail:
		if c.Subject == "" || (c.HTML == "" && c.Text == "") {
			return fmt.Errorf("email content requires subject and a body")
		}
		if c.Body != "" || c.FirstMessage != "" || c.SystemPrompt != "" ||
			c.AssistantID != "" || len(c.Metadata) > 0 {
			return fmt.Errorf("email content carries non-email fields")
		}
	case ChannelVoice:
		if c.FirstMessage == "" {
			return fmt.Errorf("voice content requires first_message")
		}
		if c.Body != "" || c.Subject != "" || c.HTML != "" || c.Text != "" {
			return fmt.Errorf("voice content carries non-voice fields")
		}
	}
	return nil
}

// Step is one scheduled outbound touch within a sequence. Order is 1-based.
// DelaySeconds is relative to enrollment for step 1, otherwise to the
// previous step's dispatch.
type Step struct {
	ID           uuid.UUID
	SequenceID   uuid.UUID
	Order        int
	Channel      Channel
	DelaySeconds int
	Content      StepContent

	// SkipConditions are predicate keys matched against enrollment flags:
	// contact_replied, contact_answered_call, appointment_booked.
	SkipConditions []string

	OnSuccess string
	OnFailure string

	// MutationOverride is "" (inherit), "enabled", or "disabled".
	MutationOverride     string
	MutationInstructions string

	// OnlyIf conditions are stored but advisory; they are not enforced.
	OnlyIf map[string]string
}

// MutationAllowed reports whether this step may be mutated given the
// sequence-level flag.
func (s Step) MutationAllowed(sequenceEnabled bool) bool {
	switch s.MutationOverride {
	case "disabled":
		return false
	case "enabled":
		return true
	}
	return sequenceEnabled
}

// EmotionalState is the enrollment's cached view of the last emotional
// analysis. Zero value means "no analysis yet".
type EmotionalState struct {
	SentimentTrend     string   `json:"sentiment_trend,omitempty"`
	LastEmotion        string   `json:"last_emotion,omitempty"`
	RecommendedTone    string   `json:"recommended_tone,omitempty"`
	EngagementScore    int      `json:"engagement_score"`
	NeedsHuman         bool     `json:"needs_human"`
	IsHotLead          bool     `json:"is_hot_lead"`
	IsAtRisk           bool     `json:"is_at_risk"`
	ObjectionsDetected []string `json:"objections_detected,omitempty"`
}

// FailureRecord is kept on the enrollment as healing history.
type FailureRecord struct {
	Channel     Channel   `json:"channel"`
	FailureType string    `json:"failure_type"`
	StepOrder   int       `json:"step_order"`
	At          time.Time `json:"at"`
}

// Enrollment is a single contact's live traversal of a sequence.
// CurrentStepOrder 0 means step 1 has not been sent yet.
type Enrollment struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	ContactID        uuid.UUID
	SequenceID       uuid.UUID
	CurrentStepOrder int
	NextFireTime     *time.Time
	Status           Status

	Variables map[string]string

	ContactReplied         bool
	AnsweredCall           bool
	AppointmentBooked      bool
	NeedsHumanIntervention bool

	Emotional EmotionalState

	// ChannelOverrides maps an original channel to a substituted one,
	// installed by the self-healer (e.g. voice → sms for a landline).
	ChannelOverrides map[Channel]Channel

	Failures []FailureRecord

	// LastVariantID correlates replies and conversions back to the A/B
	// variant of the most recently dispatched step.
	LastVariantID *uuid.UUID

	TotalAttempts int
	EnrolledAt    time.Time
	UpdatedAt     time.Time
}

// FlagSet reports whether the named skip-condition flag is set.
func (e *Enrollment) FlagSet(key string) bool {
	switch key {
	case "contact_replied":
		return e.ContactReplied
	case "contact_answered_call":
		return e.AnsweredCall
	case "appointment_booked":
		return e.AppointmentBooked
	}
	return false
}

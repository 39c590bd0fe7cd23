package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/cadence/pkg/interaction"
	"github.com/wisbric/cadence/pkg/sequence"
	"github.com/wisbric/cadence/pkg/timeops"
)

// maxTimelineLines bounds the formatted timeline injected into voice system
// prompts.
const maxTimelineLines = 12

// ChannelSummary is the last interaction seen on one channel.
type ChannelSummary struct {
	Direction interaction.Direction
	Content   string
	Outcome   string
	At        time.Time
}

// Context is the assembled conversation memory for one contact.
type Context struct {
	LastByChannel map[sequence.Channel]ChannelSummary

	TotalCount    int
	CallCount     int
	SMSCount      int
	EmailCount    int
	InboundCount  int
	OutboundCount int

	// ObjectionsHistory and KeyTopicsHistory are deduplicated and sorted
	// most-recent-first.
	ObjectionsHistory []string
	KeyTopicsHistory  []string

	// OverallSentiment is the majority sentiment class across the last K
	// interactions.
	OverallSentiment string

	DaysSinceFirstContact int

	// LastAnalysis is the most recent emotional analysis blob, if any.
	LastAnalysis *Analysis

	HasReply      bool
	HasTranscript bool

	// Timeline is a bounded plain-text block suitable for injection into a
	// voice system prompt.
	Timeline string
}

// Informative reports whether the context carries enough signal to condition
// a content mutation on: a reply, a call transcript, recorded objections,
// a prior analysis, or a non-neutral overall sentiment.
func (c *Context) Informative() bool {
	if c == nil {
		return false
	}
	return c.HasReply || c.HasTranscript || len(c.ObjectionsHistory) > 0 ||
		c.LastAnalysis != nil || (c.OverallSentiment != "" && c.OverallSentiment != "neutral")
}

// TemplateVars flattens the context into renderer variables.
func (c *Context) TemplateVars() map[string]string {
	vars := make(map[string]string, 8)
	if c == nil {
		return vars
	}

	var lastChannel string
	var lastAt time.Time
	for ch, s := range c.LastByChannel {
		if s.At.After(lastAt) {
			lastAt = s.At
			lastChannel = string(ch)
		}
	}
	if lastChannel != "" {
		vars["last_channel_used"] = lastChannel
	}
	vars["days_since_contact"] = strconv.Itoa(c.DaysSinceFirstContact)
	vars["total_touches"] = strconv.Itoa(c.TotalCount)
	if c.OverallSentiment != "" {
		vars["overall_sentiment"] = c.OverallSentiment
	}
	if c.LastAnalysis != nil {
		vars["last_reply_intent"] = c.LastAnalysis.Intent
	}
	if len(c.ObjectionsHistory) > 0 {
		vars["last_objection"] = c.ObjectionsHistory[0]
	}
	return vars
}

// InteractionReader is the slice of the interaction store the builder needs.
type InteractionReader interface {
	Recent(ctx context.Context, contactID uuid.UUID, limit int) ([]*interaction.Interaction, error)
	FirstContactAt(ctx context.Context, contactID uuid.UUID) (*time.Time, error)
}

// Builder assembles conversation memory from the interaction log.
type Builder struct {
	reader InteractionReader
	clock  timeops.Clock
	logger *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(reader InteractionReader, clock timeops.Clock, logger *slog.Logger) *Builder {
	return &Builder{reader: reader, clock: clock, logger: logger}
}

// Build assembles the context for a contact. An empty history yields an
// empty (non-nil) context.
func (b *Builder) Build(ctx context.Context, contactID uuid.UUID) (*Context, error) {
	recent, err := b.reader.Recent(ctx, contactID, 50)
	if err != nil {
		return nil, fmt.Errorf("reading interactions: %w", err)
	}

	c := &Context{
		LastByChannel: make(map[sequence.Channel]ChannelSummary),
	}

	now := b.clock.Now()
	var sentiments []string // oldest → newest for trend math

	for i := len(recent) - 1; i >= 0; i-- {
		in := recent[i]
		c.TotalCount++
		switch in.Channel {
		case sequence.ChannelVoice:
			c.CallCount++
		case sequence.ChannelSMS:
			c.SMSCount++
		case sequence.ChannelEmail:
			c.EmailCount++
		}
		if in.Direction == interaction.DirectionInbound {
			c.InboundCount++
			c.HasReply = true
		} else {
			c.OutboundCount++
		}
		if in.Channel == sequence.ChannelVoice && in.Content != "" && in.CallDurationSeconds > 0 {
			c.HasTranscript = true
		}

		if in.Sentiment != "" {
			sentiments = append(sentiments, in.Sentiment)
		}

		c.LastByChannel[in.Channel] = ChannelSummary{
			Direction: in.Direction,
			Content:   truncate(in.Content, 160),
			Outcome:   in.Outcome,
			At:        in.CreatedAt,
		}
	}

	// Newest-first dedup for histories; recent list is already newest first.
	c.ObjectionsHistory = dedupKeepOrder(collect(recent, func(in *interaction.Interaction) []string { return in.Objections }))
	c.KeyTopicsHistory = dedupKeepOrder(collect(recent, func(in *interaction.Interaction) []string { return in.KeyTopics }))

	if len(sentiments) > historyWindow {
		sentiments = sentiments[len(sentiments)-historyWindow:]
	}
	c.OverallSentiment = majoritySentiment(sentiments)

	for _, in := range recent {
		if a := decodeAnalysis(in.Analysis); a != nil {
			c.LastAnalysis = a
			break
		}
	}

	first, err := b.reader.FirstContactAt(ctx, contactID)
	if err != nil {
		b.logger.Debug("first contact lookup failed", "contact_id", contactID, "error", err)
	} else if first != nil {
		c.DaysSinceFirstContact = int(now.Sub(*first).Hours() / 24)
	}

	c.Timeline = formatTimeline(recent)
	return c, nil
}

func collect(recent []*interaction.Interaction, f func(*interaction.Interaction) []string) []string {
	var out []string
	for _, in := range recent {
		out = append(out, f(in)...)
	}
	return out
}

func dedupKeepOrder(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, it := range items {
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

func majoritySentiment(sentiments []string) string {
	if len(sentiments) == 0 {
		return ""
	}
	counts := make(map[string]int)
	for _, s := range sentiments {
		counts[s]++
	}
	best, bestN := "", -1
	for s, n := range counts {
		if n > bestN || (n == bestN && s < best) {
			best, bestN = s, n
		}
	}
	return best
}

// formatTimeline renders the newest interactions oldest-first as a bounded
// plain-text block.
func formatTimeline(recent []*interaction.Interaction) string {
	if len(recent) == 0 {
		return ""
	}
	n := len(recent)
	if n > maxTimelineLines {
		n = maxTimelineLines
	}
	lines := make([]string, 0, n)
	for i := n - 1; i >= 0; i-- {
		in := recent[i]
		line := fmt.Sprintf("%s %s %s", in.CreatedAt.Format("Jan 02"), in.Direction, in.Channel)
		if in.Outcome != "" {
			line += " (" + in.Outcome + ")"
		}
		if in.Content != "" {
			line += ": " + truncate(in.Content, 120)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

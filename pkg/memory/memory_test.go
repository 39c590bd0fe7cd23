package memory

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/cadence/pkg/interaction"
	"github.com/wisbric/cadence/pkg/sequence"
	"github.com/wisbric/cadence/pkg/timeops"
)

type fakeReader struct {
	recent []*interaction.Interaction
	first  *time.Time
}

func (f *fakeReader) Recent(_ context.Context, _ uuid.UUID, _ int) ([]*interaction.Interaction, error) {
	return f.recent, nil
}

func (f *fakeReader) FirstContactAt(_ context.Context, _ uuid.UUID) (*time.Time, error) {
	return f.first, nil
}

func TestBuild_EmptyHistory(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	b := NewBuilder(&fakeReader{}, timeops.FixedClock{T: now}, slog.Default())

	c, err := b.Build(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if c.TotalCount != 0 {
		t.Errorf("TotalCount = %d, want 0", c.TotalCount)
	}
	if c.Informative() {
		t.Error("empty context must not be informative")
	}
	if c.Timeline != "" {
		t.Errorf("Timeline = %q, want empty", c.Timeline)
	}
}

func TestBuild_AssemblesContext(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	first := now.Add(-5 * 24 * time.Hour)
	analysis := &Analysis{Intent: IntentQuestion, PrimaryEmotion: EmotionInterested}

	// Newest first, as the store returns them.
	recent := []*interaction.Interaction{
		{
			Channel: sequence.ChannelSMS, Direction: interaction.DirectionInbound,
			Content: "does it come with a warranty?", Sentiment: "interested",
			Objections: []string{"price"}, KeyTopics: []string{"warranty"},
			Analysis:  analysis.Blob(),
			CreatedAt: now.Add(-1 * time.Hour),
		},
		{
			Channel: sequence.ChannelVoice, Direction: interaction.DirectionOutbound,
			Content: "long transcript about warranty and pricing", Outcome: "answered",
			CallDurationSeconds: 120, Sentiment: "neutral",
			KeyTopics: []string{"pricing", "warranty"},
			CreatedAt: now.Add(-1 * 24 * time.Hour),
		},
		{
			Channel: sequence.ChannelSMS, Direction: interaction.DirectionOutbound,
			Content: "intro text", Outcome: "delivered", Sentiment: "neutral",
			CreatedAt: now.Add(-4 * 24 * time.Hour),
		},
	}

	b := NewBuilder(&fakeReader{recent: recent, first: &first}, timeops.FixedClock{T: now}, slog.Default())
	c, err := b.Build(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if c.TotalCount != 3 || c.SMSCount != 2 || c.CallCount != 1 {
		t.Errorf("counts = total %d sms %d calls %d", c.TotalCount, c.SMSCount, c.CallCount)
	}
	if c.InboundCount != 1 || c.OutboundCount != 2 {
		t.Errorf("direction counts = in %d out %d", c.InboundCount, c.OutboundCount)
	}
	if !c.HasReply {
		t.Error("HasReply should be true")
	}
	if !c.HasTranscript {
		t.Error("HasTranscript should be true")
	}
	if c.DaysSinceFirstContact != 5 {
		t.Errorf("DaysSinceFirstContact = %d, want 5", c.DaysSinceFirstContact)
	}
	if c.LastAnalysis == nil || c.LastAnalysis.Intent != IntentQuestion {
		t.Errorf("LastAnalysis = %+v, want the newest analysis", c.LastAnalysis)
	}
	if !c.Informative() {
		t.Error("context with a reply must be informative")
	}

	// Deduplicated, newest-first topic history.
	if len(c.KeyTopicsHistory) != 2 || c.KeyTopicsHistory[0] != "warranty" {
		t.Errorf("KeyTopicsHistory = %v", c.KeyTopicsHistory)
	}
	if len(c.ObjectionsHistory) != 1 || c.ObjectionsHistory[0] != "price" {
		t.Errorf("ObjectionsHistory = %v", c.ObjectionsHistory)
	}

	// Last-by-channel tracks the newest row per channel.
	sms := c.LastByChannel[sequence.ChannelSMS]
	if sms.Direction != interaction.DirectionInbound {
		t.Errorf("sms summary direction = %s, want inbound", sms.Direction)
	}

	// Timeline holds one line per interaction, oldest first.
	lines := strings.Split(c.Timeline, "\n")
	if len(lines) != 3 {
		t.Errorf("timeline lines = %d, want 3", len(lines))
	}
	if !strings.Contains(lines[0], "intro text") {
		t.Errorf("timeline[0] = %q, want the oldest interaction first", lines[0])
	}

	vars := c.TemplateVars()
	if vars["last_channel_used"] != "sms" {
		t.Errorf("last_channel_used = %q, want sms", vars["last_channel_used"])
	}
	if vars["days_since_contact"] != "5" {
		t.Errorf("days_since_contact = %q, want 5", vars["days_since_contact"])
	}
	if vars["last_reply_intent"] != IntentQuestion {
		t.Errorf("last_reply_intent = %q, want question", vars["last_reply_intent"])
	}
}

func TestBuild_TimelineBounded(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	var recent []*interaction.Interaction
	for i := 0; i < 30; i++ {
		recent = append(recent, &interaction.Interaction{
			Channel: sequence.ChannelSMS, Direction: interaction.DirectionOutbound,
			Content: "msg", Outcome: "delivered",
			CreatedAt: now.Add(-time.Duration(i) * time.Hour),
		})
	}

	b := NewBuilder(&fakeReader{recent: recent}, timeops.FixedClock{T: now}, slog.Default())
	c, err := b.Build(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if n := len(strings.Split(c.Timeline, "\n")); n > maxTimelineLines {
		t.Errorf("timeline lines = %d, want ≤ %d", n, maxTimelineLines)
	}
}

func TestMajoritySentiment(t *testing.T) {
	got := majoritySentiment([]string{"positive", "neutral", "positive", "negative"})
	if got != "positive" {
		t.Errorf("majoritySentiment = %s, want positive", got)
	}
	// Ties break deterministically by label order.
	got = majoritySentiment([]string{"negative", "positive"})
	if got != "negative" {
		t.Errorf("majoritySentiment tie = %s, want negative", got)
	}
}

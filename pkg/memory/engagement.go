package memory

import (
	"encoding/json"
	"time"

	"github.com/wisbric/cadence/pkg/interaction"
	"github.com/wisbric/cadence/pkg/sequence"
)

// historyWindow is K: how many recent interactions feed the engagement score
// and the overall sentiment.
const historyWindow = 10

// EngagementScore blends the last K interactions into a bounded [0,100]
// score. Interactions are ordered newest first. The score drives tone and
// timing only; it never gates a dispatch.
func EngagementScore(interactions []*interaction.Interaction, now time.Time) int {
	if len(interactions) > historyWindow {
		interactions = interactions[:historyWindow]
	}

	score := 50.0
	if len(interactions) == 0 {
		return int(score)
	}

	// Inbound ratio: ±20 around an even conversation.
	inbound := 0
	for _, in := range interactions {
		if in.Direction == interaction.DirectionInbound {
			inbound++
		}
	}
	ratio := float64(inbound) / float64(len(interactions))
	score += (ratio - 0.5) * 40

	// Recent sentiments with recency decay: ±15.
	sumW, sumS := 0.0, 0.0
	for i, in := range interactions {
		w := 1.0 / float64(i+1)
		sumW += w
		sumS += sentimentScore(in.Sentiment) * w
	}
	if sumW > 0 {
		score += (sumS / sumW) / 2 * 15
	}

	// Answered-call rate: ±10 over outbound voice attempts.
	calls, answered := 0, 0
	for _, in := range interactions {
		if in.Channel != sequence.ChannelVoice || in.Direction != interaction.DirectionOutbound {
			continue
		}
		calls++
		if in.CallDisposition == "answered" || in.Outcome == "answered" {
			answered++
		}
	}
	if calls > 0 {
		score += (float64(answered)/float64(calls) - 0.5) * 20
	}

	// Appointment discussed: +10 once.
	for _, in := range interactions {
		if in.Intent == IntentReadyToBuy || hasTopic(in.KeyTopics, "appointment") {
			score += 10
			break
		}
	}

	// Staleness decay: up to −15 after 3 quiet days.
	days := now.Sub(interactions[0].CreatedAt).Hours() / 24
	if days > 3 {
		penalty := (days - 3) * 5
		if penalty > 15 {
			penalty = 15
		}
		score -= penalty
	}

	// Per-interaction analysis flags.
	for _, in := range interactions {
		a := decodeAnalysis(in.Analysis)
		if a == nil {
			continue
		}
		if a.IsHotLead {
			score += 5
		}
		if a.IsAtRisk {
			score -= 5
		}
		score += 2 * float64(len(a.BuyingSignals))
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return int(score)
}

func hasTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

func decodeAnalysis(blob json.RawMessage) *Analysis {
	if len(blob) == 0 {
		return nil
	}
	var a Analysis
	if err := json.Unmarshal(blob, &a); err != nil {
		return nil
	}
	return &a
}

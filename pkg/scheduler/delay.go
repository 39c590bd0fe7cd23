package scheduler

import (
	"time"

	"github.com/wisbric/cadence/pkg/memory"
	"github.com/wisbric/cadence/pkg/sequence"
)

// DelayMultiplier maps the enrollment's cached emotional state onto the
// pacing multiplier. Conditions are evaluated in order; the first match wins.
func DelayMultiplier(es sequence.EmotionalState) float64 {
	switch {
	case es.IsHotLead && es.SentimentTrend == memory.TrendHot:
		return 0.6
	case es.SentimentTrend == memory.TrendWarming || es.SentimentTrend == memory.TrendHot:
		return 0.8
	case es.SentimentTrend == memory.TrendCooling:
		return 1.5
	case es.SentimentTrend == memory.TrendCold:
		return 2.0
	case es.LastEmotion == memory.EmotionAngry || es.LastEmotion == memory.EmotionFrustrated:
		return 1.8
	case es.IsAtRisk:
		return 1.3
	}
	return 1.0
}

// adjustedDelay applies the emotion multiplier to a step delay.
func adjustedDelay(delaySeconds int, es sequence.EmotionalState) time.Duration {
	scaled := float64(delaySeconds) * DelayMultiplier(es)
	return time.Duration(scaled+0.5) * time.Second
}

package memory

import "strings"

// fallbackConfidence is the fixed confidence of the keyword classifier.
const fallbackConfidence = 0.5

// Keyword tables for the deterministic classifier. Conservative by design:
// no hot-lead without explicit pricing/availability language, no human
// escalation without anger/scam language.
var (
	stopKeywords = []string{
		"stop", "unsubscribe", "remove me", "take me off", "don't contact",
		"do not contact", "opt out", "leave me alone",
	}
	angryKeywords = []string{
		"scam", "lawyer", "attorney", "harass", "report you", "sue",
		"fraud", "police",
	}
	hotKeywords = []string{
		"how much", "price", "pricing", "cost", "quote", "available",
		"availability", "when can you", "book", "schedule me", "sign up",
		"ready to",
	}
	interestedKeywords = []string{
		"interested", "tell me more", "sounds good", "more info",
		"more information", "yes please",
	}
	notInterestedKeywords = []string{
		"not interested", "no thanks", "no thank you", "we're all set",
		"already have",
	}
	rescheduleKeywords = []string{
		"reschedule", "call me later", "another time", "next week",
		"busy right now", "call back",
	}
)

// objectionKeywords maps objection type to trigger phrases.
var objectionKeywords = map[string][]string{
	"price":      {"too expensive", "can't afford", "cheaper", "out of budget", "too much money"},
	"timing":     {"not right now", "bad time", "maybe later", "in a few months"},
	"competitor": {"someone else", "another company", "competitor", "other provider"},
	"authority":  {"ask my", "talk to my", "not my decision", "check with"},
	"need":       {"don't need", "no need", "not necessary"},
	"trust":      {"don't trust", "never heard of", "is this legit", "sounds like a scam"},
	"urgency":    {"no rush", "no hurry", "whenever"},
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// ClassifyMessage is the deterministic fallback analyzer for inbound message
// bodies. It produces the same shape as the LLM path at confidence 0.5 with
// conservative defaults; callers cannot tell the two apart.
func ClassifyMessage(body string) *Analysis {
	text := strings.ToLower(body)

	a := &Analysis{
		PrimaryEmotion:     EmotionNeutral,
		EmotionConfidence:  fallbackConfidence,
		Intent:             IntentUnknown,
		Objections:         []Objection{},
		BuyingSignals:      []BuyingSignal{},
		UrgencyLevel:       "flexible",
		RecommendedAction:  ActionContinueSequence,
		RecommendedChannel: "any",
		RecommendedTone:    "professional",
	}

	switch {
	case containsAny(text, stopKeywords):
		a.Intent = IntentStop
		a.PrimaryEmotion = EmotionDismissive
		a.RecommendedAction = ActionEndSequence
		a.UrgencyLevel = "lost"
	case containsAny(text, angryKeywords):
		a.Intent = IntentObjection
		a.PrimaryEmotion = EmotionAngry
		a.NeedsHumanIntervention = true
		a.RecommendedAction = ActionEscalateToHuman
		a.RecommendedTone = "empathetic"
	case containsAny(text, hotKeywords):
		a.Intent = IntentReadyToBuy
		a.PrimaryEmotion = EmotionInterested
		a.IsHotLead = true
		a.UrgencyLevel = "soon"
		a.RecommendedAction = ActionFastTrack
		a.BuyingSignals = append(a.BuyingSignals, BuyingSignal{
			Signal: "pricing_or_availability_inquiry", Strength: "moderate",
		})
	case containsAny(text, notInterestedKeywords):
		a.Intent = IntentNotInterested
		a.PrimaryEmotion = EmotionDismissive
		a.IsAtRisk = true
		a.UrgencyLevel = "no_rush"
	case containsAny(text, rescheduleKeywords):
		a.Intent = IntentReschedule
		a.PrimaryEmotion = EmotionHesitant
	case containsAny(text, interestedKeywords):
		a.Intent = IntentInterested
		a.PrimaryEmotion = EmotionInterested
		a.RecommendedTone = "casual"
	case strings.Contains(text, "?"):
		a.Intent = IntentQuestion
		a.PrimaryEmotion = EmotionInterested
		a.RecommendedAction = ActionAddressObjection
	}

	for typ, phrases := range objectionKeywords {
		if containsAny(text, phrases) {
			a.Objections = append(a.Objections, Objection{
				Type:     typ,
				Detail:   "keyword match",
				Severity: "mild",
			})
			if a.Intent == IntentUnknown {
				a.Intent = IntentObjection
			}
		}
	}

	return a
}

// ClassifyTranscript is the deterministic fallback for call transcripts. The
// disposition decides the coarse shape; the transcript body refines it
// through the message classifier.
func ClassifyTranscript(transcript, disposition string, durationSeconds int) *Analysis {
	a := ClassifyMessage(transcript)
	a.EmotionConfidence = fallbackConfidence

	switch strings.ToLower(disposition) {
	case "voicemail", "no-answer", "busy":
		a.PrimaryEmotion = EmotionNeutral
		a.Intent = IntentUnknown
		a.IsHotLead = false
		a.RecommendedAction = ActionContinueSequence
	case "failed":
		a.RecommendedAction = ActionSwitchChannel
		a.RecommendedChannel = "sms"
	}

	// A long conversation is itself a weak engagement signal.
	if durationSeconds > 120 && a.Intent == IntentUnknown {
		a.Intent = IntentInterested
		a.PrimaryEmotion = EmotionInterested
	}
	return a
}

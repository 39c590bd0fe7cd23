package render

import (
	"github.com/wisbric/cadence/pkg/contact"
	"github.com/wisbric/cadence/pkg/sequence"
)

// BindVariables merges the variable sources for one dispatch in precedence
// order, lowest to highest: contact core fields, contact custom fields,
// per-enrollment variables, conversation-memory variables, tone variables
// derived from the cached emotional state.
func BindVariables(c *contact.Contact, e *sequence.Enrollment, memoryVars map[string]string) map[string]string {
	vars := make(map[string]string, 16)

	// 1. Contact core fields.
	if c != nil {
		vars["name"] = c.DisplayName()
		vars["first_name"] = c.FirstName
		vars["last_name"] = c.LastName
		vars["phone"] = c.Phone
		if c.Email != nil {
			vars["email"] = *c.Email
		}
		vars["company"] = c.Company

		// 2. Contact custom fields.
		for k, v := range c.CustomFields {
			vars[k] = v
		}
	}

	// 3. Per-enrollment variables.
	if e != nil {
		for k, v := range e.Variables {
			vars[k] = v
		}
	}

	// 4. Conversation memory variables.
	for k, v := range memoryVars {
		vars[k] = v
	}

	// 5. Tone variables from the cached emotional state.
	if e != nil {
		for k, v := range toneVariables(e.Emotional) {
			vars[k] = v
		}
	}

	return vars
}

// toneVariables exposes the emotional cache to templates.
func toneVariables(es sequence.EmotionalState) map[string]string {
	vars := make(map[string]string, 4)
	if es.RecommendedTone != "" {
		vars["recommended_tone"] = es.RecommendedTone
	}
	if es.SentimentTrend != "" {
		vars["sentiment_trend"] = es.SentimentTrend
	}
	if es.LastEmotion != "" {
		vars["last_emotion"] = es.LastEmotion
	}
	return vars
}

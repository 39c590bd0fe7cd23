package mutation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/wisbric/cadence/pkg/sequence"
)

// smsMaxLength is the hard grapheme budget for SMS bodies. Lengths are
// approximated by rune count.
const smsMaxLength = 320

var (
	urlRe = regexp.MustCompile(`https?://[^\s<>"]+`)
	// phoneRe matches phone-shaped tokens; candidates are reduced to digit
	// runs for comparison so formatting changes don't matter.
	phoneRe  = regexp.MustCompile(`\+?[0-9][0-9()\-\s.]{5,}[0-9]`)
	digitsRe = regexp.MustCompile(`[^0-9]`)
)

// optOutPhrases are protected compliance phrases; when one appears in the
// original it must survive the rewrite verbatim (case-insensitive).
var optOutPhrases = []string{
	"reply stop to opt out",
	"reply stop",
	"text stop to cancel",
	"unsubscribe",
	"opt out",
	"msg & data rates may apply",
	"msg and data rates may apply",
}

// ValidateRewrite checks the invariant rules a mutation must preserve:
// phone numbers, URLs, and opt-out/compliance language remain literally
// present; SMS bodies stay within the length budget; voice prompts stay
// non-empty natural language.
func ValidateRewrite(original, mutated sequence.StepContent) error {
	origText := flatten(original)
	mutText := flatten(mutated)

	for _, phone := range phoneNumbers(origText) {
		if !containsPhone(mutText, phone) {
			return fmt.Errorf("rewrite dropped phone number %s", phone)
		}
	}

	for _, u := range urlRe.FindAllString(origText, -1) {
		if !strings.Contains(mutText, u) {
			return fmt.Errorf("rewrite dropped URL %s", u)
		}
	}

	lowerOrig := strings.ToLower(origText)
	lowerMut := strings.ToLower(mutText)
	for _, phrase := range optOutPhrases {
		if strings.Contains(lowerOrig, phrase) && !strings.Contains(lowerMut, phrase) {
			return fmt.Errorf("rewrite dropped opt-out language %q", phrase)
		}
	}

	switch mutated.Channel {
	case sequence.ChannelSMS:
		if n := utf8.RuneCountInString(mutated.Body); n > smsMaxLength {
			return fmt.Errorf("sms rewrite is %d characters, budget is %d", n, smsMaxLength)
		}
	case sequence.ChannelVoice:
		if strings.TrimSpace(mutated.FirstMessage) == "" {
			return fmt.Errorf("voice rewrite lost its first message")
		}
	}

	return nil
}

// flatten joins a content payload's text fields for scanning.
func flatten(c sequence.StepContent) string {
	switch c.Channel {
	case sequence.ChannelSMS:
		return c.Body
	case sequence.ChannelEmail:
		return c.Subject + "\n" + c.Text + "\n" + c.HTML
	case sequence.ChannelVoice:
		return c.FirstMessage + "\n" + c.SystemPrompt
	}
	return ""
}

// phoneNumbers extracts digit runs of phone length from text.
func phoneNumbers(text string) []string {
	var out []string
	for _, m := range phoneRe.FindAllString(text, -1) {
		digits := digitsRe.ReplaceAllString(m, "")
		if len(digits) >= 7 && len(digits) <= 15 {
			out = append(out, digits)
		}
	}
	return out
}

func containsPhone(text, digits string) bool {
	return strings.Contains(digitsRe.ReplaceAllString(text, ""), digits)
}

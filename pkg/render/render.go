// Package render substitutes {{key}} placeholders into step content and
// assembles the variable bag that feeds them.
package render

import (
	"regexp"
	"strings"

	"github.com/wisbric/cadence/pkg/sequence"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Render substitutes {{key}} placeholders from vars. Missing keys render as
// the literal placeholder, which makes the operation idempotent: rendering a
// rendered string again is a no-op unless new keys became available.
func Render(template string, vars map[string]string) string {
	if template == "" || !strings.Contains(template, "{{") {
		return template
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return match
	})
}

// RenderContent renders every text field of a channel-tagged content payload.
func RenderContent(c sequence.StepContent, vars map[string]string) sequence.StepContent {
	out := c
	switch c.Channel {
	case sequence.ChannelSMS:
		out.Body = Render(c.Body, vars)
	case sequence.ChannelEmail:
		out.Subject = Render(c.Subject, vars)
		out.HTML = Render(c.HTML, vars)
		out.Text = Render(c.Text, vars)
	case sequence.ChannelVoice:
		out.FirstMessage = Render(c.FirstMessage, vars)
		out.SystemPrompt = Render(c.SystemPrompt, vars)
	}
	return out
}

// Placeholders returns the distinct placeholder keys present in the template,
// in order of first appearance.
func Placeholders(template string) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}

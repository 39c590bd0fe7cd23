package render

import (
	"reflect"
	"testing"

	"github.com/wisbric/cadence/pkg/contact"
	"github.com/wisbric/cadence/pkg/sequence"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		template string
		vars     map[string]string
		want     string
	}{
		{
			"simple substitution",
			"Hi {{name}}, this is {{company}}.",
			map[string]string{"name": "Ana", "company": "Acme"},
			"Hi Ana, this is Acme.",
		},
		{
			"missing key stays literal",
			"Hi {{name}}, your code is {{code}}.",
			map[string]string{"name": "Ana"},
			"Hi Ana, your code is {{code}}.",
		},
		{
			"whitespace inside braces",
			"Hi {{ name }}!",
			map[string]string{"name": "Ana"},
			"Hi Ana!",
		},
		{
			"no placeholders",
			"plain text",
			map[string]string{"name": "Ana"},
			"plain text",
		},
		{
			"unicode values",
			"Hola {{name}} — ¿todo bien?",
			map[string]string{"name": "José"},
			"Hola José — ¿todo bien?",
		},
		{
			"empty template",
			"",
			nil,
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.template, tt.vars); got != tt.want {
				t.Errorf("Render = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderIdempotent(t *testing.T) {
	vars := map[string]string{"name": "Ana"}
	once := Render("Hi {{name}} {{missing}}", vars)
	twice := Render(once, vars)
	if once != twice {
		t.Errorf("render not idempotent: %q != %q", once, twice)
	}
}

func TestRenderContent_Voice(t *testing.T) {
	c := sequence.StepContent{
		Channel:      sequence.ChannelVoice,
		FirstMessage: "Hi {{name}}",
		SystemPrompt: "You are calling for {{company}}.",
	}
	got := RenderContent(c, map[string]string{"name": "Ana", "company": "Acme"})
	if got.FirstMessage != "Hi Ana" {
		t.Errorf("FirstMessage = %q", got.FirstMessage)
	}
	if got.SystemPrompt != "You are calling for Acme." {
		t.Errorf("SystemPrompt = %q", got.SystemPrompt)
	}
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("{{a}} then {{b}} then {{a}} again")
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Placeholders = %v, want %v", got, want)
	}
}

func TestBindVariables_Precedence(t *testing.T) {
	email := "ana@example.com"
	c := &contact.Contact{
		FirstName: "Ana",
		LastName:  "Reyes",
		Phone:     "+15551234567",
		Email:     &email,
		Company:   "Acme",
		CustomFields: map[string]string{
			"company": "Acme Custom", // overrides core field
			"city":    "Austin",
		},
	}
	e := &sequence.Enrollment{
		Variables: map[string]string{
			"city":  "Dallas", // overrides custom field
			"offer": "spring promo",
		},
		Emotional: sequence.EmotionalState{
			RecommendedTone: "empathetic",
			SentimentTrend:  "warming",
		},
	}
	memoryVars := map[string]string{
		"offer":        "renewal promo", // overrides enrollment variable
		"last_channel": "sms",
	}

	vars := BindVariables(c, e, memoryVars)

	tests := map[string]string{
		"name":             "Ana Reyes",
		"company":          "Acme Custom",
		"city":             "Dallas",
		"offer":            "renewal promo",
		"last_channel":     "sms",
		"recommended_tone": "empathetic",
		"sentiment_trend":  "warming",
		"email":            "ana@example.com",
	}
	for k, want := range tests {
		if vars[k] != want {
			t.Errorf("vars[%q] = %q, want %q", k, vars[k], want)
		}
	}
}

package llm

import (
	"fmt"
	"strings"

	"github.com/wisbric/cadence/pkg/sequence"
)

const analysisSystemPrompt = `You analyze sales conversation messages. Respond with ONLY a JSON object, no prose, matching exactly this shape:
{
  "primary_emotion": "excited|interested|neutral|hesitant|frustrated|confused|angry|dismissive",
  "emotion_confidence": 0.0,
  "intent": "interested|not_interested|stop|reschedule|question|unknown|objection|ready_to_buy|needs_info",
  "objections": [{"type": "price|timing|competitor|authority|need|trust|urgency", "detail": "", "severity": "mild|moderate|strong"}],
  "buying_signals": [{"signal": "", "strength": "weak|moderate|strong"}],
  "urgency_level": "immediate|soon|flexible|no_rush|lost",
  "recommended_action": "escalate_to_human|continue_sequence|pause_and_notify|fast_track|end_sequence|switch_channel|address_objection",
  "recommended_channel": "sms|email|voice|any",
  "recommended_tone": "empathetic|urgent|casual|professional|reassuring",
  "needs_human_intervention": false,
  "is_hot_lead": false,
  "is_at_risk": false
}
Every field is required. Use empty arrays, not null.`

const mutationSystemPrompt = `You rewrite outreach messages conditioned on conversation history. Respond with ONLY a JSON object containing the rewritten content fields for the channel plus a "confidence" number in [0,1] reflecting how well the rewrite fits the conversation. Preserve all phone numbers, URLs, legal disclaimers, and opt-out language exactly as written. SMS bodies must stay under 320 characters, ideally under 160.`

const generateSystemPrompt = `You draft multi-step outbound follow-up sequences. Respond with ONLY a JSON object: {"name": "...", "steps": [{"channel": "sms|email|voice", "delay_seconds": 0, "content": {...channel fields...}}]}. SMS content uses "body"; email uses "subject", "html", "text"; voice uses "first_message", "system_prompt".`

func buildAnalyzeMessagePrompt(req AnalyzeMessageRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Channel: %s\n", req.Channel)
	if req.Context != nil && req.Context.Timeline != "" {
		sb.WriteString("Conversation so far:\n")
		sb.WriteString(req.Context.Timeline)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Inbound message:\n%s\n", req.Body)
	return sb.String()
}

func buildAnalyzeTranscriptPrompt(req AnalyzeTranscriptRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Call disposition: %s\nDuration: %d seconds\n\nTranscript:\n%s\n",
		req.Disposition, req.DurationSeconds, req.Transcript)
	return sb.String()
}

func buildMutationPrompt(req MutationRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Channel: %s\n", req.Channel)
	fmt.Fprintf(&sb, "Latitude: %s\n", aggressivenessInstructions(req.Aggressiveness))
	if req.BrandVoice != "" {
		fmt.Fprintf(&sb, "Brand voice: %s\n", req.BrandVoice)
	}
	if req.Instructions != "" {
		fmt.Fprintf(&sb, "Operator guidance: %s\n", req.Instructions)
	}
	if req.Context != nil && req.Context.Timeline != "" {
		sb.WriteString("\nConversation so far:\n")
		sb.WriteString(req.Context.Timeline)
		sb.WriteString("\n")
		if len(req.Context.ObjectionsHistory) > 0 {
			fmt.Fprintf(&sb, "Known objections: %s\n", strings.Join(req.Context.ObjectionsHistory, ", "))
		}
	}

	sb.WriteString("\nOriginal content:\n")
	switch req.Channel {
	case sequence.ChannelSMS:
		fmt.Fprintf(&sb, "body: %s\n", req.Original.Body)
	case sequence.ChannelEmail:
		fmt.Fprintf(&sb, "subject: %s\ntext: %s\nhtml: %s\n", req.Original.Subject, req.Original.Text, req.Original.HTML)
	case sequence.ChannelVoice:
		fmt.Fprintf(&sb, "first_message: %s\nsystem_prompt: %s\n", req.Original.FirstMessage, req.Original.SystemPrompt)
	}
	return sb.String()
}

// aggressivenessInstructions spells out the rewrite latitude per tier.
func aggressivenessInstructions(a sequence.Aggressiveness) string {
	switch a {
	case sequence.AggressivenessConservative:
		return "conservative — adjust tone and add one or two references to the conversation; keep the call to action and the offer verbatim"
	case sequence.AggressivenessAggressive:
		return "aggressive — regenerate freely; the original is topic inspiration only"
	default:
		return "moderate — restructure the message as needed but preserve the call to action and the intent"
	}
}

func buildGenerateSequencePrompt(req GenerateSequenceRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", req.Goal)
	if req.BrandVoice != "" {
		fmt.Fprintf(&sb, "Brand voice: %s\n", req.BrandVoice)
	}
	if len(req.ChannelMix) > 0 {
		channels := make([]string, len(req.ChannelMix))
		for i, ch := range req.ChannelMix {
			channels[i] = string(ch)
		}
		fmt.Fprintf(&sb, "Channels to use: %s\n", strings.Join(channels, ", "))
	}
	steps := req.StepCount
	if steps <= 0 {
		steps = 5
	}
	fmt.Fprintf(&sb, "Number of steps: %d\n", steps)
	return sb.String()
}

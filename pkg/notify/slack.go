package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// SlackNotifier posts notifications to a Slack channel. If botToken is
// empty, the notifier is a noop (logging only).
type SlackNotifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackNotifier creates a SlackNotifier.
func NewSlackNotifier(botToken, channel string, logger *slog.Logger) *SlackNotifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackNotifier{client: client, channel: channel, logger: logger}
}

// Name implements Provider.
func (n *SlackNotifier) Name() string { return "slack" }

// IsEnabled returns true if the notifier has a valid Slack client.
func (n *SlackNotifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// PostNotification implements Provider.
func (n *SlackNotifier) PostNotification(ctx context.Context, notif Notification) error {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping post", "kind", notif.Kind)
		return nil
	}

	text := fmt.Sprintf("%s *%s*\n%s", kindEmoji(notif.Kind), notif.Title, notif.Body)
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("posting notification to slack: %w", err)
	}
	return nil
}

// kindEmoji returns the emoji prefix for a notification kind.
func kindEmoji(kind string) string {
	switch kind {
	case KindHotLead:
		return "\U0001F525" // fire
	case KindNeedsHuman:
		return "\U0001F198" // SOS
	case KindObjectionDetected:
		return "\u26A0\uFE0F" // warning sign
	case KindAtRisk:
		return "\U0001F9CA" // ice
	default:
		return "\U0001F514" // bell
	}
}

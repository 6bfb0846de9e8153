// Package notify posts backend state transitions to an operator channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// SlackNotifier sends backend up/down notices to a Slack channel. If the bot
// token or the channel is empty the notifier is a noop (logging only).
type SlackNotifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackNotifier creates a Slack notifier.
func NewSlackNotifier(botToken, channel string, logger *slog.Logger) *SlackNotifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackNotifier{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// IsEnabled returns true if the notifier has a Slack client and a channel.
func (n *SlackNotifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// BackendDown posts a notice that a backend instance stopped responding.
func (n *SlackNotifier) BackendDown(ctx context.Context, backend, instanceID, reason string) {
	n.post(ctx, fmt.Sprintf(":red_circle: backend `%s` instance `%s` is down (%s)", backend, instanceID, reason))
}

// BackendRecovered posts a notice that a backend instance is healthy again.
func (n *SlackNotifier) BackendRecovered(ctx context.Context, backend, instanceID string) {
	n.post(ctx, fmt.Sprintf(":large_green_circle: backend `%s` instance `%s` recovered", backend, instanceID))
}

func (n *SlackNotifier) post(ctx context.Context, text string) {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping notice", "text", text)
		return
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionText(text, false),
	)
	if err != nil {
		n.logger.Error("posting to slack", "error", err, "channel", n.channel)
	}
}

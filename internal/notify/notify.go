// Package notify posts runner events to Slack. Everything is optional:
// a nil or disabled Notifier swallows every call.
package notify

import (
	"context"
	"log/slog"
	"os"

	"github.com/slack-go/slack"
	"github.com/spf13/viper"
)

// Event types gating which outcomes produce a message.
const (
	EventStart   = "on_start"
	EventSuccess = "on_success"
	EventFailure = "on_failure"
)

// slackAPI is the slice of the Slack client we use, for test fakes.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier sends task lifecycle messages to a Slack channel.
type Notifier struct {
	client    slackAPI
	channelID string
	events    map[string]bool
	logger    *slog.Logger
}

// NewFromConfig builds a Notifier from viper config. Returns nil when
// notifications are disabled or the bot token is missing.
func NewFromConfig(logger *slog.Logger) *Notifier {
	if !viper.GetBool("notifications.slack.enabled") {
		return nil
	}
	token := os.Getenv("SLACK_BOT_USER_TOKEN")
	if token == "" {
		if logger != nil {
			logger.Warn("SLACK_BOT_USER_TOKEN not set, slack notifications disabled")
		}
		return nil
	}

	events := make(map[string]bool)
	for _, e := range viper.GetStringSlice("notifications.slack.events") {
		events[e] = true
	}
	if len(events) == 0 {
		events[EventSuccess] = true
		events[EventFailure] = true
	}

	return &Notifier{
		client:    slack.New(token),
		channelID: viper.GetString("notifications.slack.channel"),
		events:    events,
		logger:    logger,
	}
}

// Notify posts message when the event type is enabled. Errors are logged,
// never propagated: notifications must not disturb the runner loop.
func (n *Notifier) Notify(ctx context.Context, event, message string) {
	if n == nil || n.client == nil || n.channelID == "" {
		return
	}
	if !n.events[event] {
		return
	}
	_, _, err := n.client.PostMessageContext(ctx, n.channelID, slack.MsgOptionText(message, false))
	if err != nil && n.logger != nil {
		n.logger.Warn("slack notification failed", "event", event, "error", err)
	}
}

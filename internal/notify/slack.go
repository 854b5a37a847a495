package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
)

// slackAPI is the slice of the slack client the notifier uses; tests
// substitute it.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts digests to Slack users or channels.
type SlackNotifier struct {
	client slackAPI
}

// NewSlackNotifier builds a notifier from a bot token.
func NewSlackNotifier(botToken string) (*SlackNotifier, error) {
	if botToken == "" {
		return nil, fmt.Errorf("slack bot token is not configured")
	}
	return &SlackNotifier{client: slack.New(botToken)}, nil
}

// Send posts the message to a user (direct message) or channel id.
func (s *SlackNotifier) Send(ctx context.Context, target, message string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return fmt.Errorf("empty delivery target")
	}
	_, _, err := s.client.PostMessageContext(ctx, target,
		slack.MsgOptionText(message, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return fmt.Errorf("failed to post to %s: %w", target, err)
	}
	return nil
}

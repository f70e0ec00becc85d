package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackSender posts to one Slack channel with a bot token.
type SlackSender struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackSender creates a Slack sender. opts are passed to slack.New.
func NewSlackSender(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *SlackSender {
	return &SlackSender{
		client:  slack.New(botToken, opts...),
		channel: channel,
		logger:  logger,
	}
}

func (s *SlackSender) Platform() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, text string) error {
	_, ts, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	s.logger.Debug("slack notification sent", zap.String("channel", s.channel), zap.String("ts", ts))
	return nil
}

// Close is a no-op; the web API client holds no connection.
func (s *SlackSender) Close() error { return nil }

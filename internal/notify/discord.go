package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordSender posts to one Discord channel through the REST API. It never
// opens the gateway websocket.
type DiscordSender struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

// NewDiscordSender creates a Discord sender for a bot token.
func NewDiscordSender(token, channelID string, logger *zap.Logger) (*DiscordSender, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordSender{session: session, channelID: channelID, logger: logger}, nil
}

func (s *DiscordSender) Platform() string { return "discord" }

func (s *DiscordSender) Send(ctx context.Context, text string) error {
	msg, err := s.session.ChannelMessageSend(s.channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	s.logger.Debug("discord notification sent", zap.String("channel", s.channelID), zap.String("message", msg.ID))
	return nil
}

func (s *DiscordSender) Close() error {
	return s.session.Close()
}

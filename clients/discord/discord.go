// Package discord delivers trigger alerts to a Discord channel as embeds.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"polytrigger/clients/notifier"
	"polytrigger/config"
)

// DiscordClient sends alerts to Discord.
// Implements notifier.Notifier interface.
type DiscordClient struct {
	logger    *zap.Logger
	session   *discordgo.Session
	channelID string
}

// NewDiscordClient builds the client. With no bot token configured it
// returns a disabled client that drops alerts with a warning.
func NewDiscordClient(logger *zap.Logger, cfg *config.Config) *DiscordClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("discord")

	if cfg.Discord.BotToken == "" {
		logger.Warn("DISCORD_BOT_TOKEN not set, Discord alerts disabled")
		return &DiscordClient{logger: logger, channelID: cfg.Discord.ChannelID}
	}

	session, err := discordgo.New("Bot " + cfg.Discord.BotToken)
	if err != nil {
		logger.Error("failed to create discord session", zap.Error(err))
		return &DiscordClient{logger: logger, channelID: cfg.Discord.ChannelID}
	}

	logger.Info("discord bot initialized", zap.String("channelID", cfg.Discord.ChannelID))
	return &DiscordClient{
		logger:    logger,
		session:   session,
		channelID: cfg.Discord.ChannelID,
	}
}

// Send delivers an alert as an embed.
// Implements notifier.Notifier interface.
func (dc *DiscordClient) Send(_ context.Context, alert notifier.Alert) error {
	if dc.session == nil {
		dc.logger.Warn("discord session not initialized, skipping alert")
		return nil
	}

	embed := dc.buildEmbed(alert)
	if _, err := dc.session.ChannelMessageSendEmbed(dc.channelID, embed); err != nil {
		dc.logger.Error("failed to send discord alert", zap.Error(err))
		return fmt.Errorf("discord send: %w", err)
	}
	dc.logger.Debug("sent discord alert", zap.String("kind", string(alert.Kind)))
	return nil
}

func (dc *DiscordClient) buildEmbed(alert notifier.Alert) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       alert.Title,
		Description: alert.Body,
		Color:       embedColor(alert.Kind),
		Timestamp:   alert.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
	}

	if alert.MarketTitle != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Market", Value: alert.MarketTitle, Inline: false,
		})
	}
	if alert.Outcome != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Outcome", Value: alert.Outcome, Inline: true,
		})
	}
	if alert.Price > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Price", Value: fmt.Sprintf("%.3f", alert.Price), Inline: true,
		})
	}
	if alert.Size > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Size", Value: fmt.Sprintf("%.2f", alert.Size), Inline: true,
		})
	}
	if alert.OrderID != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Order", Value: alert.OrderID, Inline: false,
		})
	}
	return embed
}

func embedColor(kind notifier.AlertKind) int {
	switch kind {
	case notifier.AlertKindTakeProfit:
		return 0x2ecc71 // green
	case notifier.AlertKindStopLoss, notifier.AlertKindEngineError:
		return 0xe74c3c // red
	case notifier.AlertKindAutoTrade, notifier.AlertKindCopyTrade:
		return 0x3498db // blue
	default:
		return 0xf1c40f // yellow
	}
}

// Close closes the Discord session.
func (dc *DiscordClient) Close() error {
	if dc.session != nil {
		return dc.session.Close()
	}
	return nil
}

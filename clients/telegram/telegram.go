// Package telegram delivers trigger alerts to a Telegram chat via the bot
// API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"polytrigger/clients/notifier"
	"polytrigger/config"
)

const telegramAPIURL = "https://api.telegram.org/bot%s/%s"

// TelegramClient sends alerts to Telegram.
// Implements notifier.Notifier interface.
type TelegramClient struct {
	logger   *zap.Logger
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramClient builds the client. Without a bot token it returns a
// disabled client that drops alerts with a warning.
func NewTelegramClient(logger *zap.Logger, cfg *config.Config) *TelegramClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("telegram")

	if cfg.Telegram.BotToken == "" {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, Telegram alerts disabled")
		return &TelegramClient{logger: logger, chatID: cfg.Telegram.ChatID}
	}

	logger.Info("telegram bot initialized", zap.String("chatID", cfg.Telegram.ChatID))
	return &TelegramClient{
		logger:   logger,
		botToken: cfg.Telegram.BotToken,
		chatID:   cfg.Telegram.ChatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Send delivers an alert as a Markdown message.
// Implements notifier.Notifier interface.
func (tc *TelegramClient) Send(ctx context.Context, alert notifier.Alert) error {
	if tc.botToken == "" || tc.chatID == "" {
		tc.logger.Warn("telegram not configured, skipping alert")
		return nil
	}

	message := buildAlertMessage(alert)
	if err := tc.sendMessage(ctx, message); err != nil {
		tc.logger.Error("failed to send telegram message", zap.Error(err))
		return err
	}

	tc.logger.Debug("sent telegram alert", zap.String("kind", string(alert.Kind)))
	return nil
}

func buildAlertMessage(alert notifier.Alert) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("*%s %s*\n", kindEmoji(alert.Kind), escapeMarkdown(alert.Title)))

	if alert.MarketTitle != "" {
		sb.WriteString(fmt.Sprintf("*Market:* %s\n", escapeMarkdown(alert.MarketTitle)))
	}
	if alert.Outcome != "" {
		sb.WriteString(fmt.Sprintf("*Outcome:* %s\n", escapeMarkdown(alert.Outcome)))
	}

	if alert.Side != "" {
		sideEmoji := "🟢"
		if strings.ToUpper(alert.Side) == "SELL" {
			sideEmoji = "🔴"
		}
		sb.WriteString(fmt.Sprintf("*Side:* %s %s\n", sideEmoji, alert.Side))
	}
	if alert.Price > 0 {
		sb.WriteString(fmt.Sprintf("*Price:* $%.3f\n", alert.Price))
	}
	if alert.Size > 0 {
		sb.WriteString(fmt.Sprintf("*Size:* %.2f\n", alert.Size))
	}
	if alert.OrderID != "" {
		sb.WriteString(fmt.Sprintf("*Order:* `%s`\n", alert.OrderID))
	}
	if alert.Body != "" {
		sb.WriteString(escapeMarkdown(alert.Body))
		sb.WriteString("\n")
	}
	return sb.String()
}

func kindEmoji(kind notifier.AlertKind) string {
	switch kind {
	case notifier.AlertKindTakeProfit:
		return "💰"
	case notifier.AlertKindStopLoss:
		return "🛑"
	case notifier.AlertKindAutoTrade:
		return "⚡"
	case notifier.AlertKindCopyTrade:
		return "👥"
	case notifier.AlertKindEngineError:
		return "⚠️"
	default:
		return "🔔"
	}
}

// escapeMarkdown escapes the characters Telegram's Markdown parser treats
// specially.
func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"`", "\\`",
	)
	return replacer.Replace(s)
}

func (tc *TelegramClient) sendMessage(ctx context.Context, text string) error {
	payload := map[string]any{
		"chat_id":    tc.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	endpoint := fmt.Sprintf(telegramAPIURL, tc.botToken, "sendMessage")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tc.client.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram status=%d body=%s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Close is a no-op; the client holds no persistent resources.
func (tc *TelegramClient) Close() error {
	return nil
}

// Package twilio delivers trigger alerts as SMS messages through the Twilio
// REST API.
package twilio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"polytrigger/clients/notifier"
	"polytrigger/config"
)

const twilioAPIURL = "https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json"

// TwilioClient sends alerts as SMS.
// Implements notifier.Notifier interface.
type TwilioClient struct {
	logger     *zap.Logger
	accountSID string
	authToken  string
	fromNumber string
	toNumber   string
	client     *http.Client
}

// NewTwilioClient builds the client. Missing credentials yield a disabled
// client that drops alerts with a warning.
func NewTwilioClient(logger *zap.Logger, cfg *config.Config) *TwilioClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("twilio")

	if cfg.Twilio.AccountSID == "" || cfg.Twilio.AuthToken == "" {
		logger.Warn("TWILIO_ACCOUNT_SID / TWILIO_AUTH_TOKEN not set, SMS alerts disabled")
		return &TwilioClient{logger: logger}
	}

	logger.Info("twilio sms initialized", zap.String("to", cfg.Twilio.ToNumber))
	return &TwilioClient{
		logger:     logger,
		accountSID: cfg.Twilio.AccountSID,
		authToken:  cfg.Twilio.AuthToken,
		fromNumber: cfg.Twilio.FromNumber,
		toNumber:   cfg.Twilio.ToNumber,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send delivers an alert as a single SMS.
// Implements notifier.Notifier interface.
func (tc *TwilioClient) Send(ctx context.Context, alert notifier.Alert) error {
	if tc.accountSID == "" || tc.toNumber == "" {
		tc.logger.Warn("twilio not configured, skipping alert")
		return nil
	}

	body := buildSMSBody(alert)
	if err := tc.sendSMS(ctx, body); err != nil {
		tc.logger.Error("failed to send sms", zap.Error(err))
		return err
	}
	tc.logger.Info("sent sms alert", zap.String("kind", string(alert.Kind)))
	return nil
}

func buildSMSBody(alert notifier.Alert) string {
	var sb strings.Builder
	sb.WriteString(alert.Title)
	if alert.MarketTitle != "" {
		sb.WriteString("\n")
		sb.WriteString(alert.MarketTitle)
		if alert.Outcome != "" {
			sb.WriteString(" / ")
			sb.WriteString(alert.Outcome)
		}
	}
	if alert.Price > 0 {
		sb.WriteString(fmt.Sprintf("\nPrice: %.3f", alert.Price))
	}
	if alert.Size > 0 {
		sb.WriteString(fmt.Sprintf(" Size: %.2f", alert.Size))
	}
	if alert.Body != "" {
		sb.WriteString("\n")
		sb.WriteString(alert.Body)
	}
	// SMS segments are 160 chars; keep messages to a few segments
	msg := sb.String()
	if len(msg) > 480 {
		msg = msg[:477] + "..."
	}
	return msg
}

func (tc *TwilioClient) sendSMS(ctx context.Context, body string) error {
	form := url.Values{}
	form.Set("To", tc.toNumber)
	form.Set("From", tc.fromNumber)
	form.Set("Body", body)

	endpoint := fmt.Sprintf(twilioAPIURL, tc.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(tc.accountSID, tc.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tc.client.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("twilio status=%d body=%s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Close is a no-op; the client holds no persistent resources.
func (tc *TwilioClient) Close() error {
	return nil
}

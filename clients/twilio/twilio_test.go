package twilio

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"polytrigger/clients/notifier"
	"polytrigger/config"
)

func TestNewTwilioClient_NoCredentials(t *testing.T) {
	cfg := &config.Config{}
	client := NewTwilioClient(zap.NewNop(), cfg)

	if client.accountSID != "" {
		t.Error("expected disabled client without credentials")
	}
	// a disabled client drops the alert without error
	err := client.Send(context.Background(), notifier.Alert{Kind: notifier.AlertKindPriceAlert})
	if err != nil {
		t.Errorf("disabled client must not error: %v", err)
	}
}

func TestNewTwilioClient_Configured(t *testing.T) {
	cfg := &config.Config{
		Twilio: config.TwilioConfig{
			AccountSID: "AC123",
			AuthToken:  "token",
			FromNumber: "+15550001111",
			ToNumber:   "+15552223333",
		},
	}
	client := NewTwilioClient(zap.NewNop(), cfg)

	if client.accountSID != "AC123" || client.toNumber != "+15552223333" {
		t.Errorf("credentials not carried: %s -> %s", client.accountSID, client.toNumber)
	}
	if client.client == nil {
		t.Error("expected http client set")
	}
}

func TestBuildSMSBody(t *testing.T) {
	alert := notifier.Alert{
		Kind:        notifier.AlertKindStopLoss,
		Title:       "Stop loss hit",
		Body:        "sold position",
		MarketTitle: "Will it rain?",
		Outcome:     "Yes",
		Price:       0.28,
		Size:        15,
	}

	body := buildSMSBody(alert)

	if !strings.HasPrefix(body, "Stop loss hit") {
		t.Errorf("title must lead: %q", body)
	}
	if !strings.Contains(body, "Will it rain? / Yes") {
		t.Errorf("market context missing: %q", body)
	}
	if !strings.Contains(body, "Price: 0.280") || !strings.Contains(body, "Size: 15.00") {
		t.Errorf("trade context missing: %q", body)
	}
	if !strings.Contains(body, "sold position") {
		t.Errorf("body text missing: %q", body)
	}
}

func TestBuildSMSBodyTruncates(t *testing.T) {
	alert := notifier.Alert{
		Title: "Alert",
		Body:  strings.Repeat("x", 600),
	}

	body := buildSMSBody(alert)

	if len(body) != 480 {
		t.Errorf("expected 480 chars after truncation, got %d", len(body))
	}
	if !strings.HasSuffix(body, "...") {
		t.Errorf("truncated body should end with ellipsis: %q", body[len(body)-10:])
	}
}

func TestBuildSMSBodyBareAlert(t *testing.T) {
	body := buildSMSBody(notifier.Alert{Title: "Engine stopped"})
	if body != "Engine stopped" {
		t.Errorf("bare alert should be title only, got %q", body)
	}
}

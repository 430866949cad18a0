package notifier

import (
	"context"
	"time"
)

// AlertKind indicates which trigger produced an alert.
type AlertKind string

const (
	AlertKindPriceAlert  AlertKind = "price_alert"
	AlertKindAutoTrade   AlertKind = "auto_trade"
	AlertKindTakeProfit  AlertKind = "take_profit"
	AlertKindStopLoss    AlertKind = "stop_loss"
	AlertKindCopyTrade   AlertKind = "copy_trade"
	AlertKindResolved    AlertKind = "position_resolved"
	AlertKindEngineError AlertKind = "engine_error"
)

// Alert contains the data needed for a trigger notification.
type Alert struct {
	Kind  AlertKind
	Title string
	Body  string

	// Market context
	TokenID     string
	MarketTitle string
	Outcome     string

	// Trade context, zero when the alert carries no order
	Side    string
	Price   float64
	Size    float64
	OrderID string

	Timestamp time.Time
}

// Notifier is the interface for delivering alerts to a channel. Delivery is
// best-effort: a failed send never blocks the trigger that produced it.
type Notifier interface {
	// Send delivers one alert.
	Send(ctx context.Context, alert Alert) error

	// Close cleans up any resources.
	Close() error
}

// MultiNotifier broadcasts alerts to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a MultiNotifier with the given notifiers.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	// Filter out nil notifiers
	var active []Notifier
	for _, n := range notifiers {
		if n != nil {
			active = append(active, n)
		}
	}
	return &MultiNotifier{notifiers: active}
}

// Send delivers the alert to all registered notifiers. Individual failures
// are collected but never abort remaining deliveries; the last error is
// returned for logging.
func (m *MultiNotifier) Send(ctx context.Context, alert Alert) error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, alert); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Close closes all registered notifiers.
func (m *MultiNotifier) Close() error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Count returns the number of active notifiers.
func (m *MultiNotifier) Count() int {
	return len(m.notifiers)
}

// Package store persists engine state. Two implementations exist: an
// in-memory store for tests and local runs, and a Redis-backed store for
// durability across restarts. Guarded mutations (fired flags, cursors,
// disables) are compare-and-set so concurrent writers cannot double-apply a
// terminal transition.
package store

import (
	"context"
	"errors"
	"time"

	"polytrigger/internal/model"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract for the trigger engine.
type Store interface {
	SaveSubscription(ctx context.Context, sub model.MarketSubscription) error
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context) ([]model.MarketSubscription, error)

	SavePriceAlert(ctx context.Context, rule model.PriceAlertRule) error
	DeletePriceAlert(ctx context.Context, id string) error
	ListPriceAlerts(ctx context.Context) ([]model.PriceAlertRule, error)
	// RearmPriceAlert moves the rule's reference price to the price that
	// fired and stamps the fire time.
	RearmPriceAlert(ctx context.Context, id string, firedPrice float64, firedAt time.Time) error

	SaveAutoTrade(ctx context.Context, rule model.AutoTradeRule) error
	DeleteAutoTrade(ctx context.Context, id string) error
	ListAutoTrades(ctx context.Context) ([]model.AutoTradeRule, error)
	// MarkAutoTradeFired flips the one-shot flag. Returns false when the rule
	// had already fired, so callers can suppress duplicate side effects.
	MarkAutoTradeFired(ctx context.Context, id string) (bool, error)

	SavePMConfig(ctx context.Context, cfg model.PMConfig) error
	GetPMConfig(ctx context.Context, id string) (model.PMConfig, error)
	DeletePMConfig(ctx context.Context, id string) error
	ListPMConfigs(ctx context.Context) ([]model.PMConfig, error)
	// DisablePMConfig is the terminal transition after a TP or SL exit.
	// Returns false when the config was already disabled.
	DisablePMConfig(ctx context.Context, id string) (bool, error)

	SaveCopyTrader(ctx context.Context, cfg model.CopyTraderConfig) error
	GetCopyTrader(ctx context.Context, id string) (model.CopyTraderConfig, error)
	DeleteCopyTrader(ctx context.Context, id string) error
	ListCopyTraders(ctx context.Context) ([]model.CopyTraderConfig, error)
	// AdvanceCopyCursor moves the config's watermark forward. Returns false
	// without writing when ts is not past the stored cursor.
	AdvanceCopyCursor(ctx context.Context, id string, ts int64) (bool, error)

	// RecordDetectedTrade appends to the detection ledger. Returns false when
	// a trade with the same SourceTradeID was already recorded.
	RecordDetectedTrade(ctx context.Context, trade model.DetectedTrade) (bool, error)
	RecordExecutedTrade(ctx context.Context, trade model.ExecutedTrade) error
	HasExecutedTrade(ctx context.Context, sourceTradeID string) (bool, error)
	ListDetectedTrades(ctx context.Context, configID string) ([]model.DetectedTrade, error)

	SaveTriggerState(ctx context.Context, state model.TriggerState) error
	LoadTriggerState(ctx context.Context) (model.TriggerState, error)

	Close() error
}

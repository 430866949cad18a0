// Package model holds the persisted entities shared by the engine and the
// state store.
package model

import (
	"fmt"
	"time"
)

// EngineStatus is the scheduler lifecycle state.
type EngineStatus string

const (
	StatusStopped  EngineStatus = "stopped"
	StatusRunning  EngineStatus = "running"
	StatusStopping EngineStatus = "stopping"
)

// TradeSide is the order direction on the exchange.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// TriggerDirection controls which way an auto-trade rule crosses its price.
type TriggerDirection string

const (
	DirectionBelow TriggerDirection = "below"
	DirectionAbove TriggerDirection = "above"
)

// MarketSubscription names an outcome token the engine keeps priced.
type MarketSubscription struct {
	ID          string    `json:"id"`
	Question    string    `json:"question"`
	ConditionID string    `json:"condition_id"`
	TokenID     string    `json:"token_id"`
	Outcome     string    `json:"outcome"`
	AddedAt     time.Time `json:"added_at"`
}

// PriceAlertRule fires whenever the price moves at least Threshold away from
// LastAlertedPrice, then re-arms at the price that fired. A zero
// LastAlertedPrice means the rule is unseeded and the next snapshot seeds it
// without firing.
type PriceAlertRule struct {
	ID               string        `json:"id"`
	TokenID          string        `json:"token_id"`
	Threshold        float64       `json:"threshold"`
	LastAlertedPrice float64       `json:"last_alerted_price"`
	Cooldown         time.Duration `json:"cooldown"`
	LastFiredAt      time.Time     `json:"last_fired_at"`
	Enabled          bool          `json:"enabled"`
	CreatedAt        time.Time     `json:"created_at"`
}

// AutoTradeRule submits a single order when price crosses TriggerPrice in
// Direction. Fired guards one-shot semantics; a rule whose order was rejected
// stays armed.
type AutoTradeRule struct {
	ID           string           `json:"id"`
	TokenID      string           `json:"token_id"`
	TriggerPrice float64          `json:"trigger_price"`
	Direction    TriggerDirection `json:"direction"`
	Side         TradeSide        `json:"side"`
	Size         float64          `json:"size"`
	LimitPrice   *float64         `json:"limit_price,omitempty"`
	Fired        bool             `json:"fired"`
	CreatedAt    time.Time        `json:"created_at"`
}

// PMConfig monitors an open position for take-profit and stop-loss exits.
// Prices are stored, never percentages. A zero threshold is unset: a config
// may watch only one side, but never neither. Every set threshold sits on
// its side of the entry, so tp > entry > sl holds whenever both are present.
type PMConfig struct {
	ID              string    `json:"id"`
	TokenID         string    `json:"token_id"`
	EntryPrice      float64   `json:"entry_price"`
	Size            float64   `json:"size"`
	TakeProfitPrice float64   `json:"take_profit_price,omitempty"`
	StopLossPrice   float64   `json:"stop_loss_price,omitempty"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
}

// Validate enforces the exit-price ordering invariant for the thresholds
// that are set.
func (c PMConfig) Validate() error {
	if c.TokenID == "" {
		return fmt.Errorf("token id required")
	}
	if c.Size <= 0 {
		return fmt.Errorf("size must be positive, got %v", c.Size)
	}
	if c.EntryPrice <= 0 {
		return fmt.Errorf("entry price must be positive, got %v", c.EntryPrice)
	}
	if c.TakeProfitPrice < 0 || c.StopLossPrice < 0 {
		return fmt.Errorf("exit prices must not be negative")
	}
	if c.TakeProfitPrice == 0 && c.StopLossPrice == 0 {
		return fmt.Errorf("at least one of take profit and stop loss required")
	}
	if c.TakeProfitPrice != 0 && c.TakeProfitPrice <= c.EntryPrice {
		return fmt.Errorf("require tp %.4f > entry %.4f", c.TakeProfitPrice, c.EntryPrice)
	}
	if c.StopLossPrice != 0 && c.StopLossPrice >= c.EntryPrice {
		return fmt.Errorf("require entry %.4f > sl %.4f", c.EntryPrice, c.StopLossPrice)
	}
	return nil
}

// CopyTraderConfig follows one wallet and replicates its trades.
// LastCheckCursor is a unix-seconds watermark; it never moves backwards.
type CopyTraderConfig struct {
	ID              string    `json:"id"`
	Handle          string    `json:"handle"`
	Wallet          string    `json:"wallet"`
	MaxAmount       float64   `json:"max_amount"`
	ExtraPct        float64   `json:"extra_pct"`
	Enabled         bool      `json:"enabled"`
	LastCheckCursor int64     `json:"last_check_cursor"`
	CreatedAt       time.Time `json:"created_at"`
}

// DetectedTrade is one consolidated trade observed on a followed wallet.
// SourceTradeID is txhash_asset_timestamp and is unique across the ledger.
type DetectedTrade struct {
	SourceTradeID string    `json:"source_trade_id"`
	ConfigID      string    `json:"config_id"`
	Wallet        string    `json:"wallet"`
	TokenID       string    `json:"token_id"`
	Side          TradeSide `json:"side"`
	Price         float64   `json:"price"`
	Size          float64   `json:"size"`
	UsdcSize      float64   `json:"usdc_size"`
	Timestamp     int64     `json:"timestamp"`
	Replicated    bool      `json:"replicated"`
	SkipReason    string    `json:"skip_reason,omitempty"`
	DetectedAt    time.Time `json:"detected_at"`
}

// ExecutedTrade records one replica order. At most one exists per
// SourceTradeID.
type ExecutedTrade struct {
	ID            string    `json:"id"`
	SourceTradeID string    `json:"source_trade_id"`
	ConfigID      string    `json:"config_id"`
	TokenID       string    `json:"token_id"`
	Side          TradeSide `json:"side"`
	Price         float64   `json:"price"`
	Size          float64   `json:"size"`
	OrderID       string    `json:"order_id"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// TriggerState is the scheduler's persisted heartbeat.
type TriggerState struct {
	Status            EngineStatus  `json:"status"`
	StartedAt         time.Time     `json:"started_at,omitempty"`
	LastCycleAt       time.Time     `json:"last_cycle_at,omitempty"`
	LastCycleDuration time.Duration `json:"last_cycle_duration"`
	CycleCount        int64         `json:"cycle_count"`
	LastError         string        `json:"last_error,omitempty"`
}

// SourceTradeID builds the canonical dedup key for an observed fill.
func SourceTradeID(txHash, asset string, timestamp int64) string {
	return fmt.Sprintf("%s_%s_%d", txHash, asset, timestamp)
}

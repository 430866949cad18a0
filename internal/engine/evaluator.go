package engine

import (
	"time"

	"polytrigger/internal/model"
)

// DecisionKind classifies what a rule evaluation concluded.
type DecisionKind int

const (
	DecisionNone DecisionKind = iota
	// DecisionSeed sets an unseeded price alert's reference without firing.
	DecisionSeed
	DecisionFirePriceAlert
	DecisionFireAutoTrade
	DecisionFireTakeProfit
	DecisionFireStopLoss
)

// Decision is the outcome of evaluating one rule against one snapshot.
// Evaluation is pure; applying the decision is the executor's job.
type Decision struct {
	Kind DecisionKind

	// Price is the snapshot price that produced the decision.
	Price float64

	// SellPrice is the limit price for exit decisions.
	SellPrice float64
}

// maxStopSpread is the widest book an automatic stop-loss will sell into.
// A gapped book makes the midpoint meaningless; the position holds until
// the book tightens.
const maxStopSpread = 0.50

// evaluatePriceAlert checks the absolute move since the last fire. The rule
// re-arms at the price that fired, so a slow drift alerts once per
// threshold-sized step rather than once per tick.
func evaluatePriceAlert(rule model.PriceAlertRule, snap Snapshot, now time.Time) Decision {
	if !rule.Enabled || snap.Mid <= 0 {
		return Decision{}
	}
	if rule.LastAlertedPrice == 0 {
		return Decision{Kind: DecisionSeed, Price: snap.Mid}
	}
	delta := snap.Mid - rule.LastAlertedPrice
	if delta < 0 {
		delta = -delta
	}
	if delta < rule.Threshold {
		return Decision{}
	}
	if rule.Cooldown > 0 && !rule.LastFiredAt.IsZero() && now.Sub(rule.LastFiredAt) < rule.Cooldown {
		return Decision{}
	}
	return Decision{Kind: DecisionFirePriceAlert, Price: snap.Mid}
}

// evaluateAutoTrade checks a one-shot trigger crossing.
func evaluateAutoTrade(rule model.AutoTradeRule, snap Snapshot) Decision {
	if rule.Fired || snap.Mid <= 0 {
		return Decision{}
	}
	crossed := false
	switch rule.Direction {
	case model.DirectionBelow:
		crossed = snap.Mid <= rule.TriggerPrice
	case model.DirectionAbove:
		crossed = snap.Mid >= rule.TriggerPrice
	}
	if !crossed {
		return Decision{}
	}
	return Decision{Kind: DecisionFireAutoTrade, Price: snap.Mid}
}

// evaluatePMConfig checks exit conditions. Take-profit is tested first: when
// a single snapshot satisfies both exits, the position closes as a win.
// Take-profit keys off the best bid (the price a sell actually gets);
// stop-loss keys off the midpoint, guarded against wide books. An unset
// threshold (zero) never fires.
func evaluatePMConfig(cfg model.PMConfig, snap Snapshot) Decision {
	if !cfg.Enabled {
		return Decision{}
	}
	if cfg.TakeProfitPrice > 0 && snap.BestBid > 0 && snap.BestBid >= cfg.TakeProfitPrice {
		return Decision{
			Kind:      DecisionFireTakeProfit,
			Price:     snap.BestBid,
			SellPrice: sellPrice(snap.BestBid),
		}
	}
	if cfg.StopLossPrice > 0 && snap.Mid > 0 && snap.BestBid > 0 && snap.Mid <= cfg.StopLossPrice && snap.Spread < maxStopSpread {
		return Decision{
			Kind:      DecisionFireStopLoss,
			Price:     snap.Mid,
			SellPrice: sellPrice(snap.BestBid),
		}
	}
	return Decision{}
}

// sellPrice prices an exit one tick under the best bid, floored at the
// exchange minimum price.
func sellPrice(bestBid float64) float64 {
	p := bestBid - 0.001
	if p < 0.01 {
		p = 0.01
	}
	return p
}

// computeCopySize scales a leader's notional to the follower's configured cap.
// Trades inside the cap copy at full size; oversized trades copy the cap
// plus a configured fraction of the excess.
func computeCopySize(original, maxAmount, extraPct float64) float64 {
	if original <= maxAmount {
		return original
	}
	return maxAmount + (original-maxAmount)*extraPct
}

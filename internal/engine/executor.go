package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"polytrigger/clients/notifier"
	"polytrigger/clients/polymarket"
	"polytrigger/internal/metrics"
	"polytrigger/internal/model"
	"polytrigger/internal/store"
)

// executor applies fire decisions: submits orders, commits the guarded state
// transition, and dispatches alerts. Ordering matters: the transition commits
// only after the order is accepted, so a rejected order leaves the rule
// armed for the next cycle; a crash between order and commit re-fires, which
// trades accept as at-least-once.
type executor struct {
	logger       *zap.Logger
	store        store.Store
	exchange     Exchange
	notifier     notifier.Notifier
	funderWallet string
}

func newExecutor(logger *zap.Logger, st store.Store, exchange Exchange, n notifier.Notifier, funderWallet string) *executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &executor{
		logger:       logger.Named("executor"),
		store:        st,
		exchange:     exchange,
		notifier:     n,
		funderWallet: funderWallet,
	}
}

// applyPriceAlert re-arms the rule at the fired price, then alerts. The
// re-arm persists first: an alert for a reference that never moved would
// re-fire every cycle.
func (e *executor) applyPriceAlert(ctx context.Context, rule model.PriceAlertRule, dec Decision, now time.Time) error {
	switch dec.Kind {
	case DecisionSeed:
		if err := e.store.RearmPriceAlert(ctx, rule.ID, dec.Price, time.Time{}); err != nil {
			return fmt.Errorf("seed alert %s: %w", rule.ID, err)
		}
		e.logger.Info("price alert seeded",
			zap.String("rule", rule.ID), zap.Float64("reference", dec.Price))
		return nil
	case DecisionFirePriceAlert:
		if err := e.store.RearmPriceAlert(ctx, rule.ID, dec.Price, now); err != nil {
			return fmt.Errorf("rearm alert %s: %w", rule.ID, err)
		}
		metrics.TriggersFired.WithLabelValues("price_alert").Inc()
		e.logger.Info("price alert fired",
			zap.String("rule", rule.ID),
			zap.String("token", rule.TokenID),
			zap.Float64("reference", rule.LastAlertedPrice),
			zap.Float64("price", dec.Price))
		e.send(ctx, notifier.Alert{
			Kind:      notifier.AlertKindPriceAlert,
			Title:     "Price alert",
			Body:      fmt.Sprintf("moved %.3f -> %.3f (threshold %.3f)", rule.LastAlertedPrice, dec.Price, rule.Threshold),
			TokenID:   rule.TokenID,
			Price:     dec.Price,
			Timestamp: now,
		})
		return nil
	default:
		return nil
	}
}

// applyAutoTrade submits the rule's order, then flips the one-shot flag.
// The CAS returning false means another path already fired the rule; the
// duplicate order is this crash-window's accepted cost and the alert is
// suppressed.
func (e *executor) applyAutoTrade(ctx context.Context, rule model.AutoTradeRule, dec Decision) error {
	if dec.Kind != DecisionFireAutoTrade {
		return nil
	}

	var result *polymarket.OrderResult
	var err error
	if rule.LimitPrice != nil {
		result, err = e.exchange.PlaceLimitOrder(ctx, rule.TokenID, string(rule.Side), *rule.LimitPrice, rule.Size)
	} else {
		result, err = e.exchange.PlaceMarketOrder(ctx, rule.TokenID, string(rule.Side), rule.Size)
	}
	if err != nil {
		metrics.OrdersSubmitted.WithLabelValues("failed").Inc()
		// rule stays armed; next qualifying cycle retries
		return fmt.Errorf("auto trade %s order: %w", rule.ID, err)
	}
	metrics.OrdersSubmitted.WithLabelValues("ok").Inc()

	applied, err := e.store.MarkAutoTradeFired(ctx, rule.ID)
	if err != nil {
		return fmt.Errorf("mark fired %s: %w", rule.ID, err)
	}
	if !applied {
		e.logger.Warn("auto trade already marked fired, duplicate suppressed",
			zap.String("rule", rule.ID), zap.String("order", result.OrderID))
		return nil
	}

	metrics.TriggersFired.WithLabelValues("auto_trade").Inc()
	e.logger.Info("auto trade fired",
		zap.String("rule", rule.ID),
		zap.String("token", rule.TokenID),
		zap.Float64("trigger", rule.TriggerPrice),
		zap.Float64("price", dec.Price),
		zap.String("order", result.OrderID))
	e.send(ctx, notifier.Alert{
		Kind:      notifier.AlertKindAutoTrade,
		Title:     "Auto trade executed",
		Body:      fmt.Sprintf("%s %.2f at trigger %.3f (price %.3f)", rule.Side, rule.Size, rule.TriggerPrice, dec.Price),
		TokenID:   rule.TokenID,
		Side:      string(rule.Side),
		Price:     dec.Price,
		Size:      rule.Size,
		OrderID:   result.OrderID,
		Timestamp: time.Now(),
	})
	return nil
}

// applyExit sells out of a monitored position for a take-profit or
// stop-loss decision, then disables the config.
func (e *executor) applyExit(ctx context.Context, cfg model.PMConfig, dec Decision) error {
	if dec.Kind != DecisionFireTakeProfit && dec.Kind != DecisionFireStopLoss {
		return nil
	}

	result, err := e.exchange.PlaceLimitOrder(ctx, cfg.TokenID, string(model.SideSell), dec.SellPrice, cfg.Size)
	if err != nil && polymarket.IsBalanceError(err) {
		// configured size no longer matches the wallet: reconcile against
		// the actual position and retry once
		actual, rerr := e.positionSize(ctx, cfg.TokenID)
		if rerr != nil {
			metrics.OrdersSubmitted.WithLabelValues("failed").Inc()
			return fmt.Errorf("exit %s reconcile: %w", cfg.ID, rerr)
		}
		if actual <= 0 {
			// nothing left to sell; the config outlived its position
			return e.disableOrphan(ctx, cfg)
		}
		e.logger.Warn("exit size mismatch, retrying with actual position",
			zap.String("config", cfg.ID),
			zap.Float64("configured", cfg.Size),
			zap.Float64("actual", actual))
		result, err = e.exchange.PlaceLimitOrder(ctx, cfg.TokenID, string(model.SideSell), dec.SellPrice, actual)
	}
	if err != nil {
		metrics.OrdersSubmitted.WithLabelValues("failed").Inc()
		// config stays enabled; next qualifying cycle retries
		return fmt.Errorf("exit %s order: %w", cfg.ID, err)
	}
	metrics.OrdersSubmitted.WithLabelValues("ok").Inc()

	applied, err := e.store.DisablePMConfig(ctx, cfg.ID)
	if err != nil {
		return fmt.Errorf("disable pm config %s: %w", cfg.ID, err)
	}
	if !applied {
		e.logger.Warn("pm config already disabled, duplicate exit suppressed",
			zap.String("config", cfg.ID), zap.String("order", result.OrderID))
		return nil
	}

	kind := notifier.AlertKindTakeProfit
	title := "Take profit hit"
	label := "take_profit"
	if dec.Kind == DecisionFireStopLoss {
		kind = notifier.AlertKindStopLoss
		title = "Stop loss hit"
		label = "stop_loss"
	}
	metrics.TriggersFired.WithLabelValues(label).Inc()
	e.logger.Info("position exit",
		zap.String("config", cfg.ID),
		zap.String("token", cfg.TokenID),
		zap.String("kind", label),
		zap.Float64("entry", cfg.EntryPrice),
		zap.Float64("price", dec.Price),
		zap.Float64("sell_price", dec.SellPrice),
		zap.String("order", result.OrderID))
	e.send(ctx, notifier.Alert{
		Kind:      kind,
		Title:     title,
		Body:      fmt.Sprintf("entry %.3f, exit %.3f, size %.2f", cfg.EntryPrice, dec.SellPrice, cfg.Size),
		TokenID:   cfg.TokenID,
		Side:      string(model.SideSell),
		Price:     dec.SellPrice,
		Size:      cfg.Size,
		OrderID:   result.OrderID,
		Timestamp: time.Now(),
	})
	return nil
}

// retireResolved disables monitors whose market has resolved. The data API
// flags those positions redeemable; their books stop trading, so no exit can
// ever fill and the position only needs an on-chain redeem.
func (e *executor) retireResolved(ctx context.Context, cfgs []model.PMConfig) error {
	if e.funderWallet == "" {
		return nil
	}

	var redeemable map[string]polymarket.Position
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		if redeemable == nil {
			positions, err := e.exchange.GetPositions(ctx, e.funderWallet)
			if err != nil {
				return fmt.Errorf("list positions: %w", err)
			}
			redeemable = make(map[string]polymarket.Position)
			for _, p := range positions {
				if p.Redeemable {
					redeemable[p.Asset] = p
				}
			}
		}
		pos, ok := redeemable[cfg.TokenID]
		if !ok {
			continue
		}

		applied, err := e.store.DisablePMConfig(ctx, cfg.ID)
		if err != nil {
			return fmt.Errorf("disable resolved %s: %w", cfg.ID, err)
		}
		if !applied {
			continue
		}
		e.logger.Info("position resolved, monitor retired",
			zap.String("config", cfg.ID),
			zap.String("token", cfg.TokenID),
			zap.Float64("size", pos.Size))
		e.send(ctx, notifier.Alert{
			Kind:        notifier.AlertKindResolved,
			Title:       "Position resolved",
			Body:        fmt.Sprintf("market resolved with %.2f shares held; redeem to collect", pos.Size),
			TokenID:     cfg.TokenID,
			MarketTitle: pos.Title,
			Outcome:     pos.Outcome,
			Size:        pos.Size,
			Timestamp:   time.Now(),
		})
	}
	return nil
}

// disableOrphan retires a config whose position no longer exists.
func (e *executor) disableOrphan(ctx context.Context, cfg model.PMConfig) error {
	e.logger.Warn("pm config has no backing position, disabling",
		zap.String("config", cfg.ID), zap.String("token", cfg.TokenID))
	if _, err := e.store.DisablePMConfig(ctx, cfg.ID); err != nil {
		return fmt.Errorf("disable orphan %s: %w", cfg.ID, err)
	}
	return nil
}

// positionSize reads the wallet's current holding of a token.
func (e *executor) positionSize(ctx context.Context, tokenID string) (float64, error) {
	positions, err := e.exchange.GetPositions(ctx, e.funderWallet)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.Asset == tokenID {
			return p.Size, nil
		}
	}
	return 0, nil
}

// send dispatches an alert without letting delivery failures surface.
func (e *executor) send(ctx context.Context, alert notifier.Alert) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Send(ctx, alert); err != nil {
		e.logger.Warn("alert delivery failed", zap.String("kind", string(alert.Kind)), zap.Error(err))
	}
}

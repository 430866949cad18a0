package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"polytrigger/clients/notifier"
	"polytrigger/clients/polymarket"
	"polytrigger/internal/metrics"
	"polytrigger/internal/model"
	"polytrigger/internal/store"

	"github.com/google/uuid"
)

// copyWatcher replicates trades from followed wallets. Each cycle it reads
// activity past the config's cursor, records every observed trade in the
// detection ledger, replicates the ones that qualify, and advances the
// cursor only after the ledger rows are durable. The executed-trade key is
// checked before every submission, so a crash replays detection but never
// replays an order.
type copyWatcher struct {
	logger        *zap.Logger
	store         store.Store
	exchange      Exchange
	notifier      notifier.Notifier
	funderWallet  string
	activityLimit int
}

func newCopyWatcher(logger *zap.Logger, st store.Store, exchange Exchange, n notifier.Notifier, funderWallet string, activityLimit int) *copyWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if activityLimit <= 0 {
		activityLimit = 100
	}
	return &copyWatcher{
		logger:        logger.Named("copywatcher"),
		store:         st,
		exchange:      exchange,
		notifier:      n,
		funderWallet:  funderWallet,
		activityLimit: activityLimit,
	}
}

// runCycle processes every enabled config. One config's upstream failure
// never blocks the others; store failures abort the cycle as fatal.
func (w *copyWatcher) runCycle(ctx context.Context) error {
	configs, err := w.store.ListCopyTraders(ctx)
	if err != nil {
		return fmt.Errorf("list copy traders: %w", err)
	}

	var lastErr error
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := w.processConfig(ctx, cfg); err != nil {
			if isFatal(err) {
				return err
			}
			w.logger.Warn("copy trader cycle failed",
				zap.String("config", cfg.ID), zap.String("handle", cfg.Handle), zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

// leaderTrade is one consolidated trade: partial fills sharing a
// transaction, asset and side collapse into a single replication decision.
type leaderTrade struct {
	txHash    string
	asset     string
	side      string
	size      float64
	usdcSize  float64
	price     float64
	timestamp int64
	title     string
	outcome   string
}

func (w *copyWatcher) processConfig(ctx context.Context, cfg model.CopyTraderConfig) error {
	activities, err := w.exchange.GetUserActivity(ctx, cfg.Wallet, w.activityLimit, cfg.LastCheckCursor+1)
	if err != nil {
		// upstream hiccup; the cursor is untouched so nothing is lost
		return fmt.Errorf("activity for %s: %w", cfg.Handle, err)
	}

	trades := consolidateFills(activities, cfg.LastCheckCursor)
	for _, trade := range trades {
		if err := w.processTrade(ctx, cfg, trade); err != nil {
			if isFatal(err) {
				return err
			}
			// a rejected replica order is not retried; the detection row
			// already says Replicated=false
			w.logger.Warn("replication failed",
				zap.String("config", cfg.ID), zap.Error(err))
		}
		// the trade's ledger rows are durable; the watermark may pass it
		if _, err := w.store.AdvanceCopyCursor(ctx, cfg.ID, trade.timestamp); err != nil {
			return fmt.Errorf("advance cursor %s: %w", cfg.ID, err)
		}
	}
	return nil
}

// consolidateFills filters to TRADE rows newer than the cursor and merges
// partial fills, returning trades oldest first.
func consolidateFills(activities []polymarket.Activity, cursor int64) []leaderTrade {
	type fillKey struct {
		txHash string
		asset  string
		side   string
	}
	merged := make(map[fillKey]*leaderTrade)
	order := make([]fillKey, 0)

	for _, act := range activities {
		if act.Type != "TRADE" || act.Timestamp <= cursor {
			continue
		}
		key := fillKey{txHash: act.TransactionHash, asset: act.Asset, side: act.Side}
		t, ok := merged[key]
		if !ok {
			t = &leaderTrade{
				txHash:    act.TransactionHash,
				asset:     act.Asset,
				side:      act.Side,
				timestamp: act.Timestamp,
				title:     act.Title,
				outcome:   act.Outcome,
			}
			merged[key] = t
			order = append(order, key)
		}
		t.size += act.Size
		t.usdcSize += act.UsdcSize
		if act.Timestamp > t.timestamp {
			t.timestamp = act.Timestamp
		}
	}

	out := make([]leaderTrade, 0, len(order))
	for _, key := range order {
		t := merged[key]
		if t.size > 0 {
			t.price = t.usdcSize / t.size
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].timestamp < out[j].timestamp })
	return out
}

func (w *copyWatcher) processTrade(ctx context.Context, cfg model.CopyTraderConfig, trade leaderTrade) error {
	sourceID := model.SourceTradeID(trade.txHash, trade.asset, trade.timestamp)

	detected := model.DetectedTrade{
		SourceTradeID: sourceID,
		ConfigID:      cfg.ID,
		Wallet:        cfg.Wallet,
		TokenID:       trade.asset,
		Side:          model.TradeSide(trade.side),
		Price:         trade.price,
		Size:          trade.size,
		UsdcSize:      trade.usdcSize,
		Timestamp:     trade.timestamp,
		DetectedAt:    time.Now(),
	}

	// size the replica before recording so a skip carries its reason
	copyNotional := computeCopySize(trade.usdcSize, cfg.MaxAmount, cfg.ExtraPct)
	if detected.Side == model.SideBuy && copyNotional < polymarket.MinOrderSize {
		detected.SkipReason = fmt.Sprintf("copy amount %.2f below exchange minimum", copyNotional)
	}

	isNew, err := w.store.RecordDetectedTrade(ctx, detected)
	if err != nil {
		return fmt.Errorf("record detected %s: %w", sourceID, err)
	}
	if !isNew {
		w.logger.Debug("trade already detected, skipping", zap.String("source", sourceID))
		return nil
	}
	metrics.CopyTradesDetected.Inc()
	w.logger.Info("leader trade detected",
		zap.String("handle", cfg.Handle),
		zap.String("source", sourceID),
		zap.String("side", trade.side),
		zap.Float64("usdc", trade.usdcSize))

	if detected.SkipReason != "" {
		w.logger.Info("replication skipped",
			zap.String("source", sourceID), zap.String("reason", detected.SkipReason))
		return nil
	}

	already, err := w.store.HasExecutedTrade(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("check executed %s: %w", sourceID, err)
	}
	if already {
		w.logger.Debug("trade already replicated, skipping", zap.String("source", sourceID))
		return nil
	}

	switch detected.Side {
	case model.SideBuy:
		return w.replicateBuy(ctx, cfg, trade, sourceID, copyNotional)
	case model.SideSell:
		return w.replicateSell(ctx, cfg, trade, sourceID)
	default:
		w.logger.Warn("unknown trade side", zap.String("source", sourceID), zap.String("side", trade.side))
		return nil
	}
}

func (w *copyWatcher) replicateBuy(ctx context.Context, cfg model.CopyTraderConfig, trade leaderTrade, sourceID string, notional float64) error {
	result, err := w.exchange.PlaceMarketOrder(ctx, trade.asset, string(model.SideBuy), notional)
	if err != nil {
		metrics.OrdersSubmitted.WithLabelValues("failed").Inc()
		// not recorded as executed; never retried either, the cursor moves on
		return fmt.Errorf("copy buy %s: %w", sourceID, err)
	}
	metrics.OrdersSubmitted.WithLabelValues("ok").Inc()
	return w.recordReplica(ctx, cfg, trade, sourceID, model.SideBuy, trade.price, notional, result.OrderID)
}

// replicateSell exits the follower's entire holding of the token, one tick
// under the best bid. The leader scaling down still reads as a full exit
// signal; partial tracking is not attempted.
func (w *copyWatcher) replicateSell(ctx context.Context, cfg model.CopyTraderConfig, trade leaderTrade, sourceID string) error {
	positions, err := w.exchange.GetPositions(ctx, w.funderWallet)
	if err != nil {
		return fmt.Errorf("copy sell %s positions: %w", sourceID, err)
	}
	var held float64
	for _, p := range positions {
		if p.Asset == trade.asset {
			held = p.Size
			break
		}
	}
	if held <= 0 {
		w.logger.Info("leader sold but no position held, skipping",
			zap.String("source", sourceID), zap.String("token", trade.asset))
		return nil
	}

	book, err := w.exchange.GetOrderBook(ctx, trade.asset)
	if err != nil {
		return fmt.Errorf("copy sell %s book: %w", sourceID, err)
	}
	price := sellPrice(book.BestBid())

	result, err := w.exchange.PlaceLimitOrder(ctx, trade.asset, string(model.SideSell), price, held)
	if err != nil {
		metrics.OrdersSubmitted.WithLabelValues("failed").Inc()
		return fmt.Errorf("copy sell %s: %w", sourceID, err)
	}
	metrics.OrdersSubmitted.WithLabelValues("ok").Inc()
	return w.recordReplica(ctx, cfg, trade, sourceID, model.SideSell, price, held, result.OrderID)
}

func (w *copyWatcher) recordReplica(ctx context.Context, cfg model.CopyTraderConfig, trade leaderTrade, sourceID string, side model.TradeSide, price, size float64, orderID string) error {
	executed := model.ExecutedTrade{
		ID:            uuid.NewString(),
		SourceTradeID: sourceID,
		ConfigID:      cfg.ID,
		TokenID:       trade.asset,
		Side:          side,
		Price:         price,
		Size:          size,
		OrderID:       orderID,
		ExecutedAt:    time.Now(),
	}
	if err := w.store.RecordExecutedTrade(ctx, executed); err != nil {
		return fmt.Errorf("record executed %s: %w", sourceID, err)
	}

	metrics.CopyTradesReplicated.Inc()
	metrics.TriggersFired.WithLabelValues("copy_trade").Inc()
	w.logger.Info("trade replicated",
		zap.String("handle", cfg.Handle),
		zap.String("source", sourceID),
		zap.String("side", string(side)),
		zap.Float64("size", size),
		zap.String("order", orderID))

	if w.notifier != nil {
		alert := notifier.Alert{
			Kind:        notifier.AlertKindCopyTrade,
			Title:       fmt.Sprintf("Copied %s from %s", side, cfg.Handle),
			Body:        fmt.Sprintf("leader traded %.2f USDC, copied %.2f", trade.usdcSize, size),
			TokenID:     trade.asset,
			MarketTitle: trade.title,
			Outcome:     trade.outcome,
			Side:        string(side),
			Price:       price,
			Size:        size,
			OrderID:     orderID,
			Timestamp:   time.Now(),
		}
		if err := w.notifier.Send(ctx, alert); err != nil {
			w.logger.Warn("alert delivery failed", zap.Error(err))
		}
	}
	return nil
}

// Package engine is the trigger and replication core: a cycle scheduler, a
// snapshot poller, pure rule evaluation, order execution, and the
// copy-trade watcher, behind a validated control surface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"polytrigger/clients/notifier"
	"polytrigger/config"
	"polytrigger/internal/model"
	"polytrigger/internal/store"
)

// Engine owns the trigger rules and the scheduler that evaluates them.
type Engine struct {
	logger    *zap.Logger
	cfg       config.EngineConfig
	store     store.Store
	exchange  Exchange
	poller    *poller
	executor  *executor
	watcher   *copyWatcher
	scheduler *scheduler
}

// Options bundles the engine's collaborators.
type Options struct {
	Store        store.Store
	Exchange     Exchange
	Notifier     notifier.Notifier
	PriceCache   PriceCache // optional
	FunderWallet string
}

// New wires an engine. The scheduler starts stopped; call Start to begin
// evaluating.
func New(logger *zap.Logger, cfg config.EngineConfig, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("engine")

	e := &Engine{
		logger:   logger,
		cfg:      cfg,
		store:    opts.Store,
		exchange: opts.Exchange,
		poller:   newPoller(logger, opts.Exchange, opts.PriceCache, cfg.WorkerCount, cfg.PollInterval),
		executor: newExecutor(logger, opts.Store, opts.Exchange, opts.Notifier, opts.FunderWallet),
		watcher:  newCopyWatcher(logger, opts.Store, opts.Exchange, opts.Notifier, opts.FunderWallet, cfg.ActivityLimit),
	}
	e.scheduler = newScheduler(logger, opts.Store, cfg.PollInterval, e.runCycle)
	return e
}

// ---- lifecycle ----

// Start begins scheduled evaluation.
func (e *Engine) Start(ctx context.Context) error {
	return e.scheduler.Start(ctx)
}

// Stop halts evaluation after the in-flight cycle completes.
func (e *Engine) Stop() error {
	return e.scheduler.Stop()
}

// Status reports the scheduler's state and last cycle outcome.
func (e *Engine) Status() model.TriggerState {
	return e.scheduler.Status()
}

// ---- cycle ----

// runCycle evaluates every rule against fresh snapshots, then runs the copy
// watcher. Store failures abort the cycle as fatal; everything else is
// collected and surfaced as the cycle's recoverable error.
func (e *Engine) runCycle(ctx context.Context) error {
	alerts, err := e.store.ListPriceAlerts(ctx)
	if err != nil {
		return fmt.Errorf("%w: list alerts: %v", ErrStateCorrupt, err)
	}
	autos, err := e.store.ListAutoTrades(ctx)
	if err != nil {
		return fmt.Errorf("%w: list auto trades: %v", ErrStateCorrupt, err)
	}
	pms, err := e.store.ListPMConfigs(ctx)
	if err != nil {
		return fmt.Errorf("%w: list pm configs: %v", ErrStateCorrupt, err)
	}
	subs, err := e.store.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("%w: list subscriptions: %v", ErrStateCorrupt, err)
	}

	snapshots := e.poller.fetch(ctx, activeTokens(subs, alerts, autos, pms))

	var errs []error
	now := time.Now()

	for _, rule := range alerts {
		snap, ok := snapshots[rule.TokenID]
		if !ok {
			continue
		}
		dec := evaluatePriceAlert(rule, snap, now)
		if err := e.executor.applyPriceAlert(ctx, rule, dec, now); err != nil {
			if isFatal(err) {
				return err
			}
			errs = append(errs, err)
		}
	}

	for _, rule := range autos {
		snap, ok := snapshots[rule.TokenID]
		if !ok {
			continue
		}
		dec := evaluateAutoTrade(rule, snap)
		if err := e.executor.applyAutoTrade(ctx, rule, dec); err != nil {
			if isFatal(err) {
				return err
			}
			errs = append(errs, err)
		}
	}

	for _, cfg := range pms {
		snap, ok := snapshots[cfg.TokenID]
		if !ok {
			continue
		}
		dec := evaluatePMConfig(cfg, snap)
		if err := e.executor.applyExit(ctx, cfg, dec); err != nil {
			if isFatal(err) {
				return err
			}
			errs = append(errs, err)
		}
	}

	// monitors on resolved markets can never exit; retire them
	if err := e.executor.retireResolved(ctx, pms); err != nil {
		if isFatal(err) {
			return err
		}
		errs = append(errs, err)
	}

	if err := e.watcher.runCycle(ctx); err != nil {
		if isFatal(err) {
			return err
		}
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// activeTokens collects the distinct token IDs a cycle must price:
// subscriptions plus every token referenced by a live rule.
func activeTokens(subs []model.MarketSubscription, alerts []model.PriceAlertRule, autos []model.AutoTradeRule, pms []model.PMConfig) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, s := range subs {
		add(s.TokenID)
	}
	for _, r := range alerts {
		if r.Enabled {
			add(r.TokenID)
		}
	}
	for _, r := range autos {
		if !r.Fired {
			add(r.TokenID)
		}
	}
	for _, c := range pms {
		if c.Enabled {
			add(c.TokenID)
		}
	}
	return out
}

// ---- control surface: markets ----

// AddMarket resolves a market by condition ID and subscribes to the token
// for the requested outcome (the first outcome when empty).
func (e *Engine) AddMarket(ctx context.Context, conditionID, outcome string) (model.MarketSubscription, error) {
	conditionID = strings.TrimSpace(conditionID)
	if conditionID == "" {
		return model.MarketSubscription{}, fmt.Errorf("%w: condition id required", ErrInvalidInput)
	}

	market, err := e.exchange.GetMarketByCondition(ctx, conditionID)
	if err != nil {
		return model.MarketSubscription{}, fmt.Errorf("resolve market: %w", err)
	}

	tokenIDs := market.GetTokenIDs()
	outcomes := market.GetOutcomes()
	if len(tokenIDs) == 0 {
		return model.MarketSubscription{}, fmt.Errorf("%w: market %s has no tokens", ErrInvalidInput, conditionID)
	}

	idx := 0
	if outcome != "" {
		idx = -1
		for i, o := range outcomes {
			if strings.EqualFold(o, outcome) {
				idx = i
				break
			}
		}
		if idx == -1 || idx >= len(tokenIDs) {
			return model.MarketSubscription{}, fmt.Errorf("%w: outcome %q not in market %s", ErrInvalidInput, outcome, conditionID)
		}
	}

	resolvedOutcome := ""
	if idx < len(outcomes) {
		resolvedOutcome = outcomes[idx]
	}

	sub := model.MarketSubscription{
		ID:          uuid.NewString(),
		Question:    market.Question,
		ConditionID: conditionID,
		TokenID:     tokenIDs[idx],
		Outcome:     resolvedOutcome,
		AddedAt:     time.Now(),
	}
	if err := e.store.SaveSubscription(ctx, sub); err != nil {
		return model.MarketSubscription{}, fmt.Errorf("save subscription: %w", err)
	}
	e.logger.Info("market subscribed",
		zap.String("id", sub.ID), zap.String("question", sub.Question), zap.String("outcome", sub.Outcome))
	return sub, nil
}

// RemoveMarket drops a subscription. Rules on its token are untouched.
func (e *Engine) RemoveMarket(ctx context.Context, id string) error {
	return e.store.DeleteSubscription(ctx, id)
}

// ListMarkets returns the current subscriptions.
func (e *Engine) ListMarkets(ctx context.Context) ([]model.MarketSubscription, error) {
	return e.store.ListSubscriptions(ctx)
}

// ---- control surface: price alerts ----

// AddPriceAlert creates an alert rule. The reference price seeds from a
// live midpoint when one is readable; otherwise the first snapshot seeds it.
func (e *Engine) AddPriceAlert(ctx context.Context, tokenID string, threshold float64, cooldown time.Duration) (model.PriceAlertRule, error) {
	if strings.TrimSpace(tokenID) == "" {
		return model.PriceAlertRule{}, fmt.Errorf("%w: token id required", ErrInvalidInput)
	}
	if threshold <= 0 {
		return model.PriceAlertRule{}, fmt.Errorf("%w: threshold must be positive, got %v", ErrInvalidInput, threshold)
	}
	if cooldown < 0 {
		return model.PriceAlertRule{}, fmt.Errorf("%w: cooldown must not be negative", ErrInvalidInput)
	}

	reference := 0.0
	if mid, err := e.exchange.GetMidpoint(ctx, tokenID); err == nil {
		reference = mid
	}

	rule := model.PriceAlertRule{
		ID:               uuid.NewString(),
		TokenID:          tokenID,
		Threshold:        threshold,
		LastAlertedPrice: reference,
		Cooldown:         cooldown,
		Enabled:          true,
		CreatedAt:        time.Now(),
	}
	if err := e.store.SavePriceAlert(ctx, rule); err != nil {
		return model.PriceAlertRule{}, fmt.Errorf("save alert: %w", err)
	}
	e.logger.Info("price alert added",
		zap.String("id", rule.ID), zap.String("token", tokenID),
		zap.Float64("threshold", threshold), zap.Float64("reference", reference))
	return rule, nil
}

// DeletePriceAlert removes an alert rule.
func (e *Engine) DeletePriceAlert(ctx context.Context, id string) error {
	return e.store.DeletePriceAlert(ctx, id)
}

// ListPriceAlerts returns all alert rules.
func (e *Engine) ListPriceAlerts(ctx context.Context) ([]model.PriceAlertRule, error) {
	return e.store.ListPriceAlerts(ctx)
}

// ---- control surface: auto trades ----

// AddAutoTrade creates a one-shot trade rule. Size is USDC notional for
// market orders and shares when a limit price is given.
func (e *Engine) AddAutoTrade(ctx context.Context, tokenID string, trigger float64, direction model.TriggerDirection, side model.TradeSide, size float64, limitPrice *float64) (model.AutoTradeRule, error) {
	if strings.TrimSpace(tokenID) == "" {
		return model.AutoTradeRule{}, fmt.Errorf("%w: token id required", ErrInvalidInput)
	}
	if trigger <= 0 || trigger >= 1 {
		return model.AutoTradeRule{}, fmt.Errorf("%w: trigger price must be in (0,1), got %v", ErrInvalidInput, trigger)
	}
	if direction != model.DirectionBelow && direction != model.DirectionAbove {
		return model.AutoTradeRule{}, fmt.Errorf("%w: direction must be below or above", ErrInvalidInput)
	}
	if side != model.SideBuy && side != model.SideSell {
		return model.AutoTradeRule{}, fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidInput)
	}
	if size <= 0 {
		return model.AutoTradeRule{}, fmt.Errorf("%w: size must be positive, got %v", ErrInvalidInput, size)
	}
	if limitPrice != nil && (*limitPrice <= 0 || *limitPrice >= 1) {
		return model.AutoTradeRule{}, fmt.Errorf("%w: limit price must be in (0,1)", ErrInvalidInput)
	}

	rule := model.AutoTradeRule{
		ID:           uuid.NewString(),
		TokenID:      tokenID,
		TriggerPrice: trigger,
		Direction:    direction,
		Side:         side,
		Size:         size,
		LimitPrice:   limitPrice,
		CreatedAt:    time.Now(),
	}
	if err := e.store.SaveAutoTrade(ctx, rule); err != nil {
		return model.AutoTradeRule{}, fmt.Errorf("save auto trade: %w", err)
	}
	e.logger.Info("auto trade added",
		zap.String("id", rule.ID), zap.String("token", tokenID),
		zap.Float64("trigger", trigger), zap.String("direction", string(direction)))
	return rule, nil
}

// DeleteAutoTrade removes a trade rule.
func (e *Engine) DeleteAutoTrade(ctx context.Context, id string) error {
	return e.store.DeleteAutoTrade(ctx, id)
}

// ListAutoTrades returns all trade rules.
func (e *Engine) ListAutoTrades(ctx context.Context) ([]model.AutoTradeRule, error) {
	return e.store.ListAutoTrades(ctx)
}

// ---- control surface: position monitors ----

// AddPMConfig creates a position monitor with explicit exit prices. A zero
// threshold leaves that exit unwatched; at least one must be set.
func (e *Engine) AddPMConfig(ctx context.Context, tokenID string, entry, size, tp, sl float64) (model.PMConfig, error) {
	cfg := model.PMConfig{
		ID:              uuid.NewString(),
		TokenID:         strings.TrimSpace(tokenID),
		EntryPrice:      entry,
		Size:            size,
		TakeProfitPrice: tp,
		StopLossPrice:   sl,
		Enabled:         true,
		CreatedAt:       time.Now(),
	}
	if err := cfg.Validate(); err != nil {
		return model.PMConfig{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := e.store.SavePMConfig(ctx, cfg); err != nil {
		return model.PMConfig{}, fmt.Errorf("save pm config: %w", err)
	}
	e.logger.Info("position monitor added",
		zap.String("id", cfg.ID), zap.String("token", cfg.TokenID),
		zap.Float64("entry", entry), zap.Float64("tp", tp), zap.Float64("sl", sl))
	return cfg, nil
}

// AddPMConfigPct creates a position monitor from percentage offsets:
// tp = entry*(1+tpPct), sl = entry*(1-slPct). Prices are stored. A zero
// percentage leaves that exit unwatched.
func (e *Engine) AddPMConfigPct(ctx context.Context, tokenID string, entry, size, tpPct, slPct float64) (model.PMConfig, error) {
	if tpPct < 0 || slPct < 0 {
		return model.PMConfig{}, fmt.Errorf("%w: percentages must not be negative", ErrInvalidInput)
	}
	if tpPct == 0 && slPct == 0 {
		return model.PMConfig{}, fmt.Errorf("%w: at least one percentage required", ErrInvalidInput)
	}
	tp, sl := 0.0, 0.0
	if tpPct > 0 {
		tp = entry * (1 + tpPct)
	}
	if slPct > 0 {
		sl = entry * (1 - slPct)
	}
	return e.AddPMConfig(ctx, tokenID, entry, size, tp, sl)
}

// EditPMConfig replaces a monitor's exit prices, revalidating the ordering.
// A zero clears that threshold; both cannot be cleared.
func (e *Engine) EditPMConfig(ctx context.Context, id string, tp, sl float64) (model.PMConfig, error) {
	cfg, err := e.store.GetPMConfig(ctx, id)
	if err != nil {
		return model.PMConfig{}, err
	}
	cfg.TakeProfitPrice = tp
	cfg.StopLossPrice = sl
	if err := cfg.Validate(); err != nil {
		return model.PMConfig{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := e.store.SavePMConfig(ctx, cfg); err != nil {
		return model.PMConfig{}, fmt.Errorf("save pm config: %w", err)
	}
	e.logger.Info("position monitor updated",
		zap.String("id", cfg.ID), zap.Float64("tp", tp), zap.Float64("sl", sl))
	return cfg, nil
}

// DeletePMConfig removes a position monitor.
func (e *Engine) DeletePMConfig(ctx context.Context, id string) error {
	return e.store.DeletePMConfig(ctx, id)
}

// ListPMConfigs returns all position monitors.
func (e *Engine) ListPMConfigs(ctx context.Context) ([]model.PMConfig, error) {
	return e.store.ListPMConfigs(ctx)
}

// ---- control surface: copy traders ----

// AddCopyTrader follows a wallet. The cursor starts at now, so only trades
// made after the config exists are replicated.
func (e *Engine) AddCopyTrader(ctx context.Context, handle, wallet string, maxAmount, extraPct float64) (model.CopyTraderConfig, error) {
	handle = strings.TrimSpace(handle)
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	if handle == "" || wallet == "" {
		return model.CopyTraderConfig{}, fmt.Errorf("%w: handle and wallet required", ErrInvalidInput)
	}
	if maxAmount <= 0 {
		return model.CopyTraderConfig{}, fmt.Errorf("%w: max amount must be positive, got %v", ErrInvalidInput, maxAmount)
	}
	if extraPct < 0 {
		return model.CopyTraderConfig{}, fmt.Errorf("%w: extra pct must not be negative", ErrInvalidInput)
	}

	cfg := model.CopyTraderConfig{
		ID:              uuid.NewString(),
		Handle:          handle,
		Wallet:          wallet,
		MaxAmount:       maxAmount,
		ExtraPct:        extraPct,
		Enabled:         true,
		LastCheckCursor: time.Now().Unix(),
		CreatedAt:       time.Now(),
	}
	if err := e.store.SaveCopyTrader(ctx, cfg); err != nil {
		return model.CopyTraderConfig{}, fmt.Errorf("save copy trader: %w", err)
	}
	e.logger.Info("copy trader added",
		zap.String("id", cfg.ID), zap.String("handle", handle),
		zap.Float64("max", maxAmount), zap.Float64("extra_pct", extraPct))
	return cfg, nil
}

// EditCopyTrader updates sizing and enablement. The cursor is never edited:
// rewinding it would replay old trades.
func (e *Engine) EditCopyTrader(ctx context.Context, id string, maxAmount, extraPct float64, enabled bool) (model.CopyTraderConfig, error) {
	if maxAmount <= 0 {
		return model.CopyTraderConfig{}, fmt.Errorf("%w: max amount must be positive, got %v", ErrInvalidInput, maxAmount)
	}
	if extraPct < 0 {
		return model.CopyTraderConfig{}, fmt.Errorf("%w: extra pct must not be negative", ErrInvalidInput)
	}
	cfg, err := e.store.GetCopyTrader(ctx, id)
	if err != nil {
		return model.CopyTraderConfig{}, err
	}
	cfg.MaxAmount = maxAmount
	cfg.ExtraPct = extraPct
	cfg.Enabled = enabled
	if err := e.store.SaveCopyTrader(ctx, cfg); err != nil {
		return model.CopyTraderConfig{}, fmt.Errorf("save copy trader: %w", err)
	}
	e.logger.Info("copy trader updated",
		zap.String("id", cfg.ID), zap.Float64("max", maxAmount), zap.Bool("enabled", enabled))
	return cfg, nil
}

// DeleteCopyTrader stops following a wallet. Ledger rows are kept.
func (e *Engine) DeleteCopyTrader(ctx context.Context, id string) error {
	return e.store.DeleteCopyTrader(ctx, id)
}

// ListCopyTraders returns all copy-trader configs.
func (e *Engine) ListCopyTraders(ctx context.Context) ([]model.CopyTraderConfig, error) {
	return e.store.ListCopyTraders(ctx)
}

// ListDetectedTrades returns the detection ledger, optionally filtered by
// config.
func (e *Engine) ListDetectedTrades(ctx context.Context, configID string) ([]model.DetectedTrade, error) {
	return e.store.ListDetectedTrades(ctx, configID)
}

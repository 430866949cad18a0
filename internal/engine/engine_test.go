package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"polytrigger/clients/polymarket"
	"polytrigger/config"
	"polytrigger/internal/model"
	"polytrigger/internal/store"
)

func newTestEngine(st store.Store, ex *mockExchange) *Engine {
	cfg := config.EngineConfig{
		PollInterval:  time.Minute,
		WorkerCount:   2,
		ActivityLimit: 100,
	}
	return New(zap.NewNop(), cfg, Options{
		Store:        st,
		Exchange:     ex,
		Notifier:     &mockNotifier{},
		FunderWallet: "0xfunder",
	})
}

func gammaMarket(question string, tokens, outcomes []string) *polymarket.GammaMarket {
	tokRaw, _ := json.Marshal(tokens)
	outRaw, _ := json.Marshal(outcomes)
	return &polymarket.GammaMarket{
		Question:     question,
		ClobTokenIDs: tokRaw,
		Outcomes:     outRaw,
		Active:       true,
	}
}

func TestEngineAddMarketResolvesOutcome(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ex := newMockExchange()
	ex.markets["0xcond"] = gammaMarket("Will it rain?", []string{"tokYes", "tokNo"}, []string{"Yes", "No"})
	e := newTestEngine(st, ex)

	sub, err := e.AddMarket(ctx, "0xcond", "no")
	if err != nil {
		t.Fatalf("add market: %v", err)
	}
	if sub.TokenID != "tokNo" || sub.Outcome != "No" {
		t.Errorf("expected No outcome resolved, got %+v", sub)
	}
	if sub.Question != "Will it rain?" {
		t.Errorf("question not carried: %q", sub.Question)
	}

	subs, _ := st.ListSubscriptions(ctx)
	if len(subs) != 1 {
		t.Fatalf("subscription not saved, got %d", len(subs))
	}
}

func TestEngineAddMarketDefaultsToFirstOutcome(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ex := newMockExchange()
	ex.markets["0xcond"] = gammaMarket("Q", []string{"tokYes", "tokNo"}, []string{"Yes", "No"})
	e := newTestEngine(st, ex)

	sub, err := e.AddMarket(ctx, "0xcond", "")
	if err != nil {
		t.Fatalf("add market: %v", err)
	}
	if sub.TokenID != "tokYes" || sub.Outcome != "Yes" {
		t.Errorf("expected first outcome, got %+v", sub)
	}
}

func TestEngineAddMarketRejections(t *testing.T) {
	ctx := context.Background()
	ex := newMockExchange()
	ex.markets["0xcond"] = gammaMarket("Q", []string{"tokYes", "tokNo"}, []string{"Yes", "No"})
	e := newTestEngine(store.NewMemory(), ex)

	if _, err := e.AddMarket(ctx, "", ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty condition id: got %v", err)
	}
	if _, err := e.AddMarket(ctx, "0xcond", "Maybe"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown outcome: got %v", err)
	}
	if _, err := e.AddMarket(ctx, "0xmissing", ""); !errors.Is(err, ErrMarketUnavailable) {
		t.Errorf("unresolvable market: got %v", err)
	}
}

func TestEngineAddPriceAlertSeedsReference(t *testing.T) {
	ctx := context.Background()
	ex := newMockExchange()
	ex.mids["tok"] = 0.42
	e := newTestEngine(store.NewMemory(), ex)

	rule, err := e.AddPriceAlert(ctx, "tok", 0.05, 0)
	if err != nil {
		t.Fatalf("add alert: %v", err)
	}
	if rule.LastAlertedPrice != 0.42 {
		t.Errorf("expected reference seeded from midpoint, got %v", rule.LastAlertedPrice)
	}
	if !rule.Enabled {
		t.Error("new alert should be enabled")
	}
}

func TestEngineAddPriceAlertUnreadableMidpointDefersSeed(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(store.NewMemory(), newMockExchange())

	rule, err := e.AddPriceAlert(ctx, "tok", 0.05, 0)
	if err != nil {
		t.Fatalf("add alert: %v", err)
	}
	if rule.LastAlertedPrice != 0 {
		t.Errorf("expected zero reference when midpoint unreadable, got %v", rule.LastAlertedPrice)
	}
}

func TestEngineAddPriceAlertValidation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(store.NewMemory(), newMockExchange())

	if _, err := e.AddPriceAlert(ctx, "", 0.05, 0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty token: got %v", err)
	}
	if _, err := e.AddPriceAlert(ctx, "tok", 0, 0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("zero threshold: got %v", err)
	}
	if _, err := e.AddPriceAlert(ctx, "tok", 0.05, -time.Second); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("negative cooldown: got %v", err)
	}
}

func TestEngineAddAutoTradeValidation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(store.NewMemory(), newMockExchange())
	bad := 1.5

	cases := []struct {
		name string
		fn   func() error
	}{
		{"empty token", func() error {
			_, err := e.AddAutoTrade(ctx, "", 0.5, model.DirectionBelow, model.SideBuy, 10, nil)
			return err
		}},
		{"trigger at zero", func() error {
			_, err := e.AddAutoTrade(ctx, "tok", 0, model.DirectionBelow, model.SideBuy, 10, nil)
			return err
		}},
		{"trigger at one", func() error {
			_, err := e.AddAutoTrade(ctx, "tok", 1, model.DirectionBelow, model.SideBuy, 10, nil)
			return err
		}},
		{"bad direction", func() error {
			_, err := e.AddAutoTrade(ctx, "tok", 0.5, model.TriggerDirection("sideways"), model.SideBuy, 10, nil)
			return err
		}},
		{"bad side", func() error {
			_, err := e.AddAutoTrade(ctx, "tok", 0.5, model.DirectionBelow, model.TradeSide("HOLD"), 10, nil)
			return err
		}},
		{"zero size", func() error {
			_, err := e.AddAutoTrade(ctx, "tok", 0.5, model.DirectionBelow, model.SideBuy, 0, nil)
			return err
		}},
		{"limit out of range", func() error {
			_, err := e.AddAutoTrade(ctx, "tok", 0.5, model.DirectionBelow, model.SideBuy, 10, &bad)
			return err
		}},
	}
	for _, tc := range cases {
		if err := tc.fn(); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}

	rule, err := e.AddAutoTrade(ctx, "tok", 0.5, model.DirectionBelow, model.SideBuy, 10, nil)
	if err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}
	if rule.Fired {
		t.Error("new rule must start unfired")
	}
}

func TestEnginePMConfigOrderingEnforced(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(store.NewMemory(), newMockExchange())

	// tp must exceed entry, sl must sit below it
	if _, err := e.AddPMConfig(ctx, "tok", 0.5, 10, 0.4, 0.3); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("tp below entry: got %v", err)
	}
	if _, err := e.AddPMConfig(ctx, "tok", 0.5, 10, 0.7, 0.6); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("sl above entry: got %v", err)
	}

	cfg, err := e.AddPMConfig(ctx, "tok", 0.5, 10, 0.7, 0.3)
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	// edits revalidate
	if _, err := e.EditPMConfig(ctx, cfg.ID, 0.4, 0.3); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("invalid edit accepted: %v", err)
	}
	updated, err := e.EditPMConfig(ctx, cfg.ID, 0.8, 0.2)
	if err != nil {
		t.Fatalf("valid edit rejected: %v", err)
	}
	if updated.TakeProfitPrice != 0.8 || updated.StopLossPrice != 0.2 {
		t.Errorf("edit not applied: %+v", updated)
	}
}

func TestEnginePMConfigSingleThreshold(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(store.NewMemory(), newMockExchange())

	slOnly, err := e.AddPMConfig(ctx, "tok", 0.5, 10, 0, 0.4)
	if err != nil {
		t.Fatalf("stop-loss-only config rejected: %v", err)
	}
	if slOnly.TakeProfitPrice != 0 || slOnly.StopLossPrice != 0.4 {
		t.Errorf("unexpected thresholds: %+v", slOnly)
	}

	tpOnly, err := e.AddPMConfig(ctx, "tok", 0.5, 10, 0.7, 0)
	if err != nil {
		t.Fatalf("take-profit-only config rejected: %v", err)
	}
	if tpOnly.TakeProfitPrice != 0.7 || tpOnly.StopLossPrice != 0 {
		t.Errorf("unexpected thresholds: %+v", tpOnly)
	}

	// a monitor watching neither side is meaningless
	if _, err := e.AddPMConfig(ctx, "tok", 0.5, 10, 0, 0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("both thresholds unset: got %v", err)
	}

	// an edit may clear one threshold but not both
	updated, err := e.EditPMConfig(ctx, tpOnly.ID, 0, 0.3)
	if err != nil {
		t.Fatalf("edit to stop-loss-only rejected: %v", err)
	}
	if updated.TakeProfitPrice != 0 || updated.StopLossPrice != 0.3 {
		t.Errorf("edit not applied: %+v", updated)
	}
	if _, err := e.EditPMConfig(ctx, tpOnly.ID, 0, 0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("clearing both thresholds: got %v", err)
	}
}

func TestEnginePMConfigPctDerivesPrices(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(store.NewMemory(), newMockExchange())

	cfg, err := e.AddPMConfigPct(ctx, "tok", 0.5, 10, 0.2, 0.1)
	if err != nil {
		t.Fatalf("add pct config: %v", err)
	}
	if !closeTo(cfg.TakeProfitPrice, 0.6) || !closeTo(cfg.StopLossPrice, 0.45) {
		t.Errorf("derived prices wrong: tp=%v sl=%v", cfg.TakeProfitPrice, cfg.StopLossPrice)
	}

	slPct, err := e.AddPMConfigPct(ctx, "tok", 0.5, 10, 0, 0.1)
	if err != nil {
		t.Fatalf("stop-loss-only pct config rejected: %v", err)
	}
	if slPct.TakeProfitPrice != 0 || !closeTo(slPct.StopLossPrice, 0.45) {
		t.Errorf("derived prices wrong: tp=%v sl=%v", slPct.TakeProfitPrice, slPct.StopLossPrice)
	}
	if _, err := e.AddPMConfigPct(ctx, "tok", 0.5, 10, 0, 0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("both pcts unset: got %v", err)
	}
	if _, err := e.AddPMConfigPct(ctx, "tok", 0.5, 10, -0.1, 0.1); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("negative pct: got %v", err)
	}
}

func TestEngineCopyTraderCursorStartsNowAndNeverEdits(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	e := newTestEngine(st, newMockExchange())

	before := time.Now().Unix()
	cfg, err := e.AddCopyTrader(ctx, "whale", "0xABCDEF", 5, 0.1)
	if err != nil {
		t.Fatalf("add copy trader: %v", err)
	}
	if cfg.LastCheckCursor < before {
		t.Errorf("cursor must start at creation time, got %d", cfg.LastCheckCursor)
	}
	if cfg.Wallet != "0xabcdef" {
		t.Errorf("wallet not normalized: %q", cfg.Wallet)
	}

	// simulate progress, then edit sizing
	if _, err := st.AdvanceCopyCursor(ctx, cfg.ID, cfg.LastCheckCursor+500); err != nil {
		t.Fatalf("advance: %v", err)
	}
	updated, err := e.EditCopyTrader(ctx, cfg.ID, 8, 0.2, true)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if updated.LastCheckCursor != cfg.LastCheckCursor+500 {
		t.Errorf("edit must not touch the cursor, got %d", updated.LastCheckCursor)
	}
	if updated.MaxAmount != 8 || updated.ExtraPct != 0.2 {
		t.Errorf("sizing not updated: %+v", updated)
	}
}

func TestEngineCycleFiresAutoTradeExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ex := newMockExchange()
	ex.setBook("tok", 0.28, 0.32)
	ex.mids["tok"] = 0.30
	e := newTestEngine(st, ex)

	rule := model.AutoTradeRule{
		ID:           "a1",
		TokenID:      "tok",
		TriggerPrice: 0.35,
		Direction:    model.DirectionBelow,
		Side:         model.SideBuy,
		Size:         10,
		CreatedAt:    time.Now(),
	}
	if err := st.SaveAutoTrade(ctx, rule); err != nil {
		t.Fatalf("save rule: %v", err)
	}

	// two qualifying cycles, one order
	if err := e.runCycle(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if err := e.runCycle(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if got := len(ex.marketOrders); got != 1 {
		t.Fatalf("one-shot rule fired %d times", got)
	}
	rules, _ := st.ListAutoTrades(ctx)
	if len(rules) != 1 || !rules[0].Fired {
		t.Errorf("rule not marked fired: %+v", rules)
	}
}

func TestEngineCycleMarketFailureIsolated(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ex := newMockExchange()
	ex.bookErr["tokBad"] = polymarket.ErrMarketUnavailable
	ex.setBook("tokGood", 0.28, 0.32)
	ex.mids["tokGood"] = 0.30
	e := newTestEngine(st, ex)

	bad := model.AutoTradeRule{ID: "bad", TokenID: "tokBad", TriggerPrice: 0.35,
		Direction: model.DirectionBelow, Side: model.SideBuy, Size: 10, CreatedAt: time.Now()}
	good := model.AutoTradeRule{ID: "good", TokenID: "tokGood", TriggerPrice: 0.35,
		Direction: model.DirectionBelow, Side: model.SideBuy, Size: 10, CreatedAt: time.Now()}
	st.SaveAutoTrade(ctx, bad)
	st.SaveAutoTrade(ctx, good)

	if err := e.runCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if got := len(ex.marketOrders); got != 1 {
		t.Fatalf("expected the healthy rule to fire, got %d orders", got)
	}
	if ex.marketOrders[0].tokenID != "tokGood" {
		t.Errorf("wrong token fired: %s", ex.marketOrders[0].tokenID)
	}
	rules, _ := st.ListAutoTrades(ctx)
	for _, r := range rules {
		if r.ID == "bad" && r.Fired {
			t.Error("rule on the failed market must stay armed")
		}
	}
}

func TestEngineCycleFeedsStreamCache(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ex := newMockExchange()
	ex.bookErr["tok"] = polymarket.ErrMarketUnavailable
	cache := newMockPriceCache()
	cache.prices["tok"] = 0.30

	cfg := config.EngineConfig{PollInterval: time.Minute, WorkerCount: 2, ActivityLimit: 100}
	e := New(zap.NewNop(), cfg, Options{
		Store:        st,
		Exchange:     ex,
		Notifier:     &mockNotifier{},
		PriceCache:   cache,
		FunderWallet: "0xfunder",
	})

	rule := model.AutoTradeRule{ID: "r1", TokenID: "tok", TriggerPrice: 0.35,
		Direction: model.DirectionBelow, Side: model.SideBuy, Size: 10, CreatedAt: time.Now()}
	st.SaveAutoTrade(ctx, rule)

	if err := e.runCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	// the cycle pushed its active token set into the stream
	tokens := cache.lastTokens()
	if len(tokens) != 1 || tokens[0] != "tok" {
		t.Errorf("expected stream subscribed to [tok], got %v", tokens)
	}

	// the cached price backstopped the unreadable book and fired the rule
	if got := len(ex.marketOrders); got != 1 {
		t.Fatalf("expected cached price to drive the rule, got %d orders", got)
	}
}

func TestEngineCycleRemovesOnlySubscription(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ex := newMockExchange()
	ex.markets["0xcond"] = gammaMarket("Q", []string{"tok"}, []string{"Yes"})
	ex.mids["tok"] = 0.5
	e := newTestEngine(st, ex)

	sub, err := e.AddMarket(ctx, "0xcond", "")
	if err != nil {
		t.Fatalf("add market: %v", err)
	}
	if _, err := e.AddPriceAlert(ctx, "tok", 0.05, 0); err != nil {
		t.Fatalf("add alert: %v", err)
	}

	if err := e.RemoveMarket(ctx, sub.ID); err != nil {
		t.Fatalf("remove market: %v", err)
	}

	alerts, _ := e.ListPriceAlerts(ctx)
	if len(alerts) != 1 {
		t.Errorf("rules must survive unsubscribe, got %d", len(alerts))
	}
}

func TestActiveTokensSkipsDeadRules(t *testing.T) {
	subs := []model.MarketSubscription{{TokenID: "sub1"}}
	alerts := []model.PriceAlertRule{
		{TokenID: "al1", Enabled: true},
		{TokenID: "alOff", Enabled: false},
	}
	autos := []model.AutoTradeRule{
		{TokenID: "au1"},
		{TokenID: "auFired", Fired: true},
	}
	pms := []model.PMConfig{
		{TokenID: "pm1", Enabled: true},
		{TokenID: "pmOff", Enabled: false},
		{TokenID: "al1", Enabled: true}, // duplicate token
	}

	tokens := activeTokens(subs, alerts, autos, pms)
	want := map[string]bool{"sub1": true, "al1": true, "au1": true, "pm1": true}
	if len(tokens) != len(want) {
		t.Fatalf("expected %d tokens, got %v", len(want), tokens)
	}
	for _, tok := range tokens {
		if !want[tok] {
			t.Errorf("unexpected token %q", tok)
		}
	}
}

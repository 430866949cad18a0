package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"polytrigger/internal/model"
)

// Memory is a Store kept entirely in process memory. It backs tests and
// local runs without Redis; all methods return copies so callers cannot
// mutate stored state through aliasing.
type Memory struct {
	mu sync.RWMutex

	subs     map[string]model.MarketSubscription
	alerts   map[string]model.PriceAlertRule
	autos    map[string]model.AutoTradeRule
	pms      map[string]model.PMConfig
	copiers  map[string]model.CopyTraderConfig
	detected map[string]model.DetectedTrade
	executed map[string]model.ExecutedTrade
	state    model.TriggerState
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		subs:     make(map[string]model.MarketSubscription),
		alerts:   make(map[string]model.PriceAlertRule),
		autos:    make(map[string]model.AutoTradeRule),
		pms:      make(map[string]model.PMConfig),
		copiers:  make(map[string]model.CopyTraderConfig),
		detected: make(map[string]model.DetectedTrade),
		executed: make(map[string]model.ExecutedTrade),
		state:    model.TriggerState{Status: model.StatusStopped},
	}
}

func (m *Memory) SaveSubscription(_ context.Context, sub model.MarketSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *Memory) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *Memory) ListSubscriptions(_ context.Context) ([]model.MarketSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.MarketSubscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out, nil
}

func (m *Memory) SavePriceAlert(_ context.Context, rule model.PriceAlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[rule.ID] = rule
	return nil
}

func (m *Memory) DeletePriceAlert(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[id]; !ok {
		return ErrNotFound
	}
	delete(m.alerts, id)
	return nil
}

func (m *Memory) ListPriceAlerts(_ context.Context) ([]model.PriceAlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.PriceAlertRule, 0, len(m.alerts))
	for _, r := range m.alerts {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) RearmPriceAlert(_ context.Context, id string, firedPrice float64, firedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.alerts[id]
	if !ok {
		return ErrNotFound
	}
	rule.LastAlertedPrice = firedPrice
	rule.LastFiredAt = firedAt
	m.alerts[id] = rule
	return nil
}

func (m *Memory) SaveAutoTrade(_ context.Context, rule model.AutoTradeRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autos[rule.ID] = rule
	return nil
}

func (m *Memory) DeleteAutoTrade(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.autos[id]; !ok {
		return ErrNotFound
	}
	delete(m.autos, id)
	return nil
}

func (m *Memory) ListAutoTrades(_ context.Context) ([]model.AutoTradeRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AutoTradeRule, 0, len(m.autos))
	for _, r := range m.autos {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) MarkAutoTradeFired(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.autos[id]
	if !ok {
		return false, ErrNotFound
	}
	if rule.Fired {
		return false, nil
	}
	rule.Fired = true
	m.autos[id] = rule
	return true, nil
}

func (m *Memory) SavePMConfig(_ context.Context, cfg model.PMConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pms[cfg.ID] = cfg
	return nil
}

func (m *Memory) GetPMConfig(_ context.Context, id string) (model.PMConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.pms[id]
	if !ok {
		return model.PMConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (m *Memory) DeletePMConfig(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pms[id]; !ok {
		return ErrNotFound
	}
	delete(m.pms, id)
	return nil
}

func (m *Memory) ListPMConfigs(_ context.Context) ([]model.PMConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.PMConfig, 0, len(m.pms))
	for _, c := range m.pms {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DisablePMConfig(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.pms[id]
	if !ok {
		return false, ErrNotFound
	}
	if !cfg.Enabled {
		return false, nil
	}
	cfg.Enabled = false
	m.pms[id] = cfg
	return true, nil
}

func (m *Memory) SaveCopyTrader(_ context.Context, cfg model.CopyTraderConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copiers[cfg.ID] = cfg
	return nil
}

func (m *Memory) GetCopyTrader(_ context.Context, id string) (model.CopyTraderConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.copiers[id]
	if !ok {
		return model.CopyTraderConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (m *Memory) DeleteCopyTrader(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.copiers[id]; !ok {
		return ErrNotFound
	}
	delete(m.copiers, id)
	return nil
}

func (m *Memory) ListCopyTraders(_ context.Context) ([]model.CopyTraderConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.CopyTraderConfig, 0, len(m.copiers))
	for _, c := range m.copiers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AdvanceCopyCursor(_ context.Context, id string, ts int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.copiers[id]
	if !ok {
		return false, ErrNotFound
	}
	if ts <= cfg.LastCheckCursor {
		return false, nil
	}
	cfg.LastCheckCursor = ts
	m.copiers[id] = cfg
	return true, nil
}

func (m *Memory) RecordDetectedTrade(_ context.Context, trade model.DetectedTrade) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.detected[trade.SourceTradeID]; ok {
		return false, nil
	}
	m.detected[trade.SourceTradeID] = trade
	return true, nil
}

func (m *Memory) RecordExecutedTrade(_ context.Context, trade model.ExecutedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed[trade.SourceTradeID] = trade
	if det, ok := m.detected[trade.SourceTradeID]; ok {
		det.Replicated = true
		m.detected[trade.SourceTradeID] = det
	}
	return nil
}

func (m *Memory) HasExecutedTrade(_ context.Context, sourceTradeID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.executed[sourceTradeID]
	return ok, nil
}

func (m *Memory) ListDetectedTrades(_ context.Context, configID string) ([]model.DetectedTrade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.DetectedTrade, 0)
	for _, t := range m.detected {
		if configID == "" || t.ConfigID == configID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (m *Memory) SaveTriggerState(_ context.Context, state model.TriggerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	return nil
}

func (m *Memory) LoadTriggerState(_ context.Context) (model.TriggerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, nil
}

func (m *Memory) Close() error { return nil }

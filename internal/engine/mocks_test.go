package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"polytrigger/clients/notifier"
	"polytrigger/clients/polymarket"
)

// mockExchange is a configurable in-memory Exchange.
type mockExchange struct {
	mu sync.Mutex

	books    map[string]*polymarket.OrderBook
	bookErr  map[string]error
	mids     map[string]float64
	markets  map[string]*polymarket.GammaMarket
	activity []polymarket.Activity

	positions    []polymarket.Position
	positionsErr error
	activityErr  error

	orderErr      error
	failNextN     int // fail this many order submissions, then succeed
	marketOrders  []mockOrder
	limitOrders   []mockOrder
	nextOrderID   int
	activityCalls []activityCall
}

type mockOrder struct {
	tokenID string
	side    string
	amount  float64 // market orders
	price   float64 // limit orders
	size    float64 // limit orders
}

type activityCall struct {
	wallet    string
	startTime int64
}

func newMockExchange() *mockExchange {
	return &mockExchange{
		books:   make(map[string]*polymarket.OrderBook),
		bookErr: make(map[string]error),
		mids:    make(map[string]float64),
		markets: make(map[string]*polymarket.GammaMarket),
	}
}

// setBook installs a one-level book with the given bid and ask.
func (m *mockExchange) setBook(tokenID string, bid, ask float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[tokenID] = &polymarket.OrderBook{
		TokenID: tokenID,
		Bids:    []polymarket.Level{{Price: bid, Size: 100}},
		Asks:    []polymarket.Level{{Price: ask, Size: 100}},
	}
}

func (m *mockExchange) GetMarketByCondition(_ context.Context, conditionID string) (*polymarket.GammaMarket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mkt, ok := m.markets[conditionID]; ok {
		return mkt, nil
	}
	return nil, polymarket.ErrMarketUnavailable
}

func (m *mockExchange) GetOrderBook(_ context.Context, tokenID string) (*polymarket.OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.bookErr[tokenID]; ok {
		return nil, err
	}
	if book, ok := m.books[tokenID]; ok {
		return book, nil
	}
	return nil, polymarket.ErrMarketUnavailable
}

func (m *mockExchange) GetMidpoint(_ context.Context, tokenID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mid, ok := m.mids[tokenID]; ok {
		return mid, nil
	}
	return 0, polymarket.ErrMarketUnavailable
}

func (m *mockExchange) PlaceMarketOrder(_ context.Context, tokenID, side string, amount float64) (*polymarket.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.orderFailure(); err != nil {
		return nil, err
	}
	m.marketOrders = append(m.marketOrders, mockOrder{tokenID: tokenID, side: side, amount: amount})
	return m.orderResult(), nil
}

func (m *mockExchange) PlaceLimitOrder(_ context.Context, tokenID, side string, price, size float64) (*polymarket.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.orderFailure(); err != nil {
		return nil, err
	}
	m.limitOrders = append(m.limitOrders, mockOrder{tokenID: tokenID, side: side, price: price, size: size})
	return m.orderResult(), nil
}

// orderFailure fails the next failNextN submissions with orderErr (or the
// generic rejection), then lets submissions through.
func (m *mockExchange) orderFailure() error {
	if m.failNextN > 0 {
		m.failNextN--
		if m.orderErr != nil {
			return m.orderErr
		}
		return polymarket.ErrOrderRejected
	}
	return nil
}

func (m *mockExchange) orderResult() *polymarket.OrderResult {
	m.nextOrderID++
	return &polymarket.OrderResult{OrderID: fmt.Sprintf("order-%d", m.nextOrderID), Status: "matched"}
}

func (m *mockExchange) GetPositions(_ context.Context, _ string) ([]polymarket.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.positionsErr != nil {
		return nil, m.positionsErr
	}
	return m.positions, nil
}

func (m *mockExchange) GetUserActivity(_ context.Context, wallet string, _ int, startTime int64) ([]polymarket.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activityCalls = append(m.activityCalls, activityCall{wallet: wallet, startTime: startTime})
	if m.activityErr != nil {
		return nil, m.activityErr
	}
	return m.activity, nil
}

func (m *mockExchange) totalOrders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.marketOrders) + len(m.limitOrders)
}

// mockPriceCache records subscription pushes and serves fixed prices.
type mockPriceCache struct {
	mu       sync.Mutex
	prices   map[string]float64
	setCalls [][]string
}

func newMockPriceCache() *mockPriceCache {
	return &mockPriceCache{prices: make(map[string]float64)}
}

func (m *mockPriceCache) SetTokens(tokens []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]string, len(tokens))
	copy(cp, tokens)
	m.setCalls = append(m.setCalls, cp)
}

func (m *mockPriceCache) Price(tokenID string, _ time.Duration) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[tokenID]
	return p, ok
}

func (m *mockPriceCache) lastTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.setCalls) == 0 {
		return nil
	}
	return m.setCalls[len(m.setCalls)-1]
}

// mockNotifier records every alert it is asked to send.
type mockNotifier struct {
	mu     sync.Mutex
	alerts []notifier.Alert
	err    error
}

func (m *mockNotifier) Send(_ context.Context, alert notifier.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return m.err
}

func (m *mockNotifier) Close() error { return nil }

func (m *mockNotifier) sent() []notifier.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]notifier.Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

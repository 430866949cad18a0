package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"polytrigger/clients/polymarket"
	"polytrigger/config"
	"polytrigger/internal/engine"
	"polytrigger/internal/model"
	"polytrigger/internal/store"
)

// stubExchange serves fixed data so handlers can be exercised over HTTP.
type stubExchange struct {
	market *polymarket.GammaMarket
	mid    float64
}

func (s *stubExchange) GetMarketByCondition(context.Context, string) (*polymarket.GammaMarket, error) {
	if s.market == nil {
		return nil, polymarket.ErrMarketUnavailable
	}
	return s.market, nil
}

func (s *stubExchange) GetOrderBook(context.Context, string) (*polymarket.OrderBook, error) {
	return nil, polymarket.ErrMarketUnavailable
}

func (s *stubExchange) GetMidpoint(context.Context, string) (float64, error) {
	if s.mid <= 0 {
		return 0, polymarket.ErrMarketUnavailable
	}
	return s.mid, nil
}

func (s *stubExchange) PlaceMarketOrder(context.Context, string, string, float64) (*polymarket.OrderResult, error) {
	return &polymarket.OrderResult{OrderID: "stub"}, nil
}

func (s *stubExchange) PlaceLimitOrder(context.Context, string, string, float64, float64) (*polymarket.OrderResult, error) {
	return &polymarket.OrderResult{OrderID: "stub"}, nil
}

func (s *stubExchange) GetPositions(context.Context, string) ([]polymarket.Position, error) {
	return nil, nil
}

func (s *stubExchange) GetUserActivity(context.Context, string, int, int64) ([]polymarket.Activity, error) {
	return nil, nil
}

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	tokens, _ := json.Marshal([]string{"tokYes", "tokNo"})
	outcomes, _ := json.Marshal([]string{"Yes", "No"})
	ex := &stubExchange{
		market: &polymarket.GammaMarket{
			Question:     "Will it?",
			ClobTokenIDs: tokens,
			Outcomes:     outcomes,
		},
		mid: 0.5,
	}
	eng := engine.New(zap.NewNop(), config.EngineConfig{
		PollInterval:  time.Hour,
		WorkerCount:   1,
		ActivityLimit: 10,
	}, engine.Options{Store: st, Exchange: ex})
	return NewServer(zap.NewNop(), eng, ":0"), st
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("healthz status %d", w.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Errorf("metrics status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected prometheus output")
	}
}

func TestAddMarketEndpoint(t *testing.T) {
	s, st := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/markets", `{"condition_id":"0xcond","outcome":"No"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add market status %d: %s", w.Code, w.Body.String())
	}
	var sub model.MarketSubscription
	if err := json.Unmarshal(w.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub.TokenID != "tokNo" {
		t.Errorf("outcome not resolved: %+v", sub)
	}

	subs, _ := st.ListSubscriptions(context.Background())
	if len(subs) != 1 {
		t.Errorf("subscription not persisted")
	}

	// missing condition_id fails binding
	w = doRequest(t, s, http.MethodPost, "/markets", `{"outcome":"No"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing condition, got %d", w.Code)
	}
}

func TestAlertEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/alerts", `{"token_id":"tok","threshold":0.05,"cooldown_seconds":60}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add alert status %d: %s", w.Code, w.Body.String())
	}
	var rule model.PriceAlertRule
	json.Unmarshal(w.Body.Bytes(), &rule)
	if rule.LastAlertedPrice != 0.5 {
		t.Errorf("reference not seeded: %+v", rule)
	}

	w = doRequest(t, s, http.MethodGet, "/alerts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list alerts status %d", w.Code)
	}
	var rules []model.PriceAlertRule
	json.Unmarshal(w.Body.Bytes(), &rules)
	if len(rules) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(rules))
	}

	w = doRequest(t, s, http.MethodDelete, "/alerts/"+rule.ID, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("delete alert status %d", w.Code)
	}
	w = doRequest(t, s, http.MethodDelete, "/alerts/"+rule.ID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("double delete should 404, got %d", w.Code)
	}
}

func TestAutoTradeEndpointValidation(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/autotrades",
		`{"token_id":"tok","trigger_price":0.35,"direction":"below","side":"BUY","size":10}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add auto trade status %d: %s", w.Code, w.Body.String())
	}

	// binding rejects a direction outside the enum
	w = doRequest(t, s, http.MethodPost, "/autotrades",
		`{"token_id":"tok","trigger_price":0.35,"direction":"sideways","side":"BUY","size":10}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad direction should 400, got %d", w.Code)
	}

	// engine rejects a trigger outside (0,1)
	w = doRequest(t, s, http.MethodPost, "/autotrades",
		`{"token_id":"tok","trigger_price":1.5,"direction":"below","side":"BUY","size":10}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("out-of-range trigger should 400, got %d", w.Code)
	}
}

func TestPMConfigEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	// explicit prices
	w := doRequest(t, s, http.MethodPost, "/positions",
		`{"token_id":"tok","entry_price":0.5,"size":10,"take_profit_price":0.7,"stop_loss_price":0.3}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add pm config status %d: %s", w.Code, w.Body.String())
	}
	var cfg model.PMConfig
	json.Unmarshal(w.Body.Bytes(), &cfg)

	// percentage offsets
	w = doRequest(t, s, http.MethodPost, "/positions",
		`{"token_id":"tok","entry_price":0.5,"size":10,"take_profit_pct":0.2,"stop_loss_pct":0.1}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("pct pm config status %d: %s", w.Code, w.Body.String())
	}

	// stop-loss-only monitor
	w = doRequest(t, s, http.MethodPost, "/positions",
		`{"token_id":"tok","entry_price":0.5,"size":10,"stop_loss_price":0.4}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("sl-only pm config status %d: %s", w.Code, w.Body.String())
	}
	var slOnly model.PMConfig
	json.Unmarshal(w.Body.Bytes(), &slOnly)
	if slOnly.TakeProfitPrice != 0 || slOnly.StopLossPrice != 0.4 {
		t.Errorf("unexpected sl-only thresholds: %+v", slOnly)
	}

	// ordering violation surfaces as 400
	w = doRequest(t, s, http.MethodPost, "/positions",
		`{"token_id":"tok","entry_price":0.5,"size":10,"take_profit_price":0.4,"stop_loss_price":0.3}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("tp below entry should 400, got %d", w.Code)
	}

	// a monitor watching neither side is rejected by the engine
	w = doRequest(t, s, http.MethodPost, "/positions",
		`{"token_id":"tok","entry_price":0.5,"size":10}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("no thresholds should 400, got %d", w.Code)
	}

	// edit revalidates
	w = doRequest(t, s, http.MethodPut, "/positions/"+cfg.ID,
		`{"take_profit_price":0.45,"stop_loss_price":0.3}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid edit should 400, got %d", w.Code)
	}
	w = doRequest(t, s, http.MethodPut, "/positions/"+cfg.ID,
		`{"take_profit_price":0.8,"stop_loss_price":0.2}`)
	if w.Code != http.StatusOK {
		t.Errorf("valid edit status %d: %s", w.Code, w.Body.String())
	}

	// an edit may clear one threshold
	w = doRequest(t, s, http.MethodPut, "/positions/"+cfg.ID,
		`{"take_profit_price":0.8}`)
	if w.Code != http.StatusOK {
		t.Errorf("tp-only edit status %d: %s", w.Code, w.Body.String())
	}

	// editing a missing config is 404
	w = doRequest(t, s, http.MethodPut, "/positions/missing",
		`{"take_profit_price":0.8,"stop_loss_price":0.2}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing config should 404, got %d", w.Code)
	}
}

func TestCopyTraderEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/copytraders",
		`{"handle":"whale","wallet":"0xABC","max_amount":5,"extra_pct":0.1}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add copy trader status %d: %s", w.Code, w.Body.String())
	}
	var cfg model.CopyTraderConfig
	json.Unmarshal(w.Body.Bytes(), &cfg)
	if cfg.Wallet != "0xabc" {
		t.Errorf("wallet not normalized: %q", cfg.Wallet)
	}

	w = doRequest(t, s, http.MethodPut, "/copytraders/"+cfg.ID,
		`{"max_amount":8,"extra_pct":0.2,"enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("edit copy trader status %d: %s", w.Code, w.Body.String())
	}
	var updated model.CopyTraderConfig
	json.Unmarshal(w.Body.Bytes(), &updated)
	if updated.MaxAmount != 8 || updated.Enabled {
		t.Errorf("edit not applied: %+v", updated)
	}

	w = doRequest(t, s, http.MethodGet, "/copytraders/"+cfg.ID+"/detections", "")
	if w.Code != http.StatusOK {
		t.Errorf("detections status %d", w.Code)
	}
}

func TestEngineLifecycleEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/engine/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status endpoint %d", w.Code)
	}
	var state model.TriggerState
	json.Unmarshal(w.Body.Bytes(), &state)
	if state.Status != model.StatusStopped {
		t.Errorf("expected stopped, got %s", state.Status)
	}

	w = doRequest(t, s, http.MethodPost, "/engine/start", "")
	if w.Code != http.StatusOK {
		t.Fatalf("start status %d: %s", w.Code, w.Body.String())
	}

	// redundant start is a no-op
	w = doRequest(t, s, http.MethodPost, "/engine/start", "")
	if w.Code != http.StatusOK {
		t.Errorf("redundant start should 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, s, http.MethodPost, "/engine/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stop status %d: %s", w.Code, w.Body.String())
	}
	w = doRequest(t, s, http.MethodPost, "/engine/stop", "")
	if w.Code != http.StatusOK {
		t.Errorf("redundant stop should 200, got %d: %s", w.Code, w.Body.String())
	}
}

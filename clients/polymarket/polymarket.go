// Package polymarket is the HTTP client for the three Polymarket API
// surfaces the engine touches: gamma (market metadata), data (positions and
// wallet activity) and CLOB (prices, books, orders).
package polymarket

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MinOrderSize is the exchange minimum order notional in USDC.
const MinOrderSize = 1.0

var (
	// ErrMarketUnavailable marks a token whose price could not be read this
	// cycle: empty book, 404, or upstream failure.
	ErrMarketUnavailable = errors.New("polymarket: market unavailable")
	// ErrOrderRejected marks a deliberate refusal from the CLOB (4xx or an
	// explicit error in the order response).
	ErrOrderRejected = errors.New("polymarket: order rejected")
)

// Config holds endpoints and trading credentials.
type Config struct {
	GammaBaseURL  string
	DataBaseURL   string
	ClobBaseURL   string
	APIKey        string
	APISecret     string
	APIPassphrase string
	FunderWallet  string
}

// Client talks to the Polymarket APIs.
type Client struct {
	logger     *zap.Logger
	httpClient *http.Client
	cfg        Config
}

// NewClient builds a client with a 30s request timeout.
func NewClient(logger *zap.Logger, cfg Config) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		logger:     logger.Named("polymarket"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cfg:        cfg,
	}
}

// ---- Gamma API ----

// GammaMarket is the subset of gamma market metadata the engine uses.
// ClobTokenIDs and Outcomes are sometimes arrays, sometimes JSON strings
// containing arrays, so they stay raw until parsed.
type GammaMarket struct {
	ID           string          `json:"id"`
	Question     string          `json:"question"`
	ConditionID  string          `json:"conditionId"`
	ClobTokenIDs json.RawMessage `json:"clobTokenIds"`
	Outcomes     json.RawMessage `json:"outcomes"`
	Active       bool            `json:"active"`
	Closed       bool            `json:"closed"`
}

// GetTokenIDs parses ClobTokenIDs, tolerating the nested-string encoding.
func (m *GammaMarket) GetTokenIDs() []string {
	return parseMaybeNestedStringArray(m.ClobTokenIDs)
}

// GetOutcomes parses Outcomes, tolerating the nested-string encoding.
func (m *GammaMarket) GetOutcomes() []string {
	return parseMaybeNestedStringArray(m.Outcomes)
}

func parseMaybeNestedStringArray(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr
	}
	var jsonStr string
	if err := json.Unmarshal(raw, &jsonStr); err == nil {
		if err := json.Unmarshal([]byte(jsonStr), &arr); err == nil {
			return arr
		}
	}
	return nil
}

// GetMarketByCondition fetches one market's metadata from the gamma API.
func (c *Client) GetMarketByCondition(ctx context.Context, conditionID string) (*GammaMarket, error) {
	conditionID = strings.TrimSpace(conditionID)
	if conditionID == "" {
		return nil, fmt.Errorf("condition id is empty")
	}

	u, err := url.Parse(c.cfg.GammaBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid gamma base url: %w", err)
	}
	u.Path = "/markets"
	q := u.Query()
	q.Set("condition_ids", conditionID)
	u.RawQuery = q.Encode()

	var markets []GammaMarket
	if err := c.doGet(ctx, u.String(), &markets); err != nil {
		return nil, fmt.Errorf("fetch market %s: %w", conditionID, err)
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("%w: no market for condition %s", ErrMarketUnavailable, conditionID)
	}
	return &markets[0], nil
}

// ---- CLOB API: prices, books ----

// Level is one side entry of an order book.
type Level struct {
	Price float64
	Size  float64
}

// OrderBook is a parsed CLOB book for one token.
type OrderBook struct {
	TokenID string
	Bids    []Level
	Asks    []Level
}

// BestBid returns the highest bid, or 0 when the side is empty.
func (b *OrderBook) BestBid() float64 {
	best := 0.0
	for _, l := range b.Bids {
		if l.Price > best {
			best = l.Price
		}
	}
	return best
}

// BestAsk returns the lowest ask, or 0 when the side is empty.
func (b *OrderBook) BestAsk() float64 {
	best := 0.0
	for _, l := range b.Asks {
		if best == 0 || l.Price < best {
			best = l.Price
		}
	}
	return best
}

// Midpoint returns (bid+ask)/2, or 0 when either side is empty.
func (b *OrderBook) Midpoint() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Spread returns ask−bid, or 1 when either side is empty.
func (b *OrderBook) Spread() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == 0 || ask == 0 {
		return 1
	}
	return ask - bid
}

type rawLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type rawBook struct {
	AssetID string     `json:"asset_id"`
	Bids    []rawLevel `json:"bids"`
	Asks    []rawLevel `json:"asks"`
}

// GetOrderBook fetches and parses the CLOB book for a token. An empty book
// reports ErrMarketUnavailable.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	u, err := url.Parse(c.cfg.ClobBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid clob base url: %w", err)
	}
	u.Path = "/book"
	q := u.Query()
	q.Set("token_id", tokenID)
	u.RawQuery = q.Encode()

	var raw rawBook
	if err := c.doGet(ctx, u.String(), &raw); err != nil {
		return nil, fmt.Errorf("%w: book %s: %v", ErrMarketUnavailable, tokenID, err)
	}

	book := &OrderBook{TokenID: tokenID}
	for _, l := range raw.Bids {
		if lvl, ok := parseLevel(l); ok {
			book.Bids = append(book.Bids, lvl)
		}
	}
	for _, l := range raw.Asks {
		if lvl, ok := parseLevel(l); ok {
			book.Asks = append(book.Asks, lvl)
		}
	}
	if len(book.Bids) == 0 && len(book.Asks) == 0 {
		return nil, fmt.Errorf("%w: empty book for %s", ErrMarketUnavailable, tokenID)
	}
	return book, nil
}

func parseLevel(l rawLevel) (Level, bool) {
	price, err1 := strconv.ParseFloat(l.Price, 64)
	size, err2 := strconv.ParseFloat(l.Size, 64)
	if err1 != nil || err2 != nil {
		return Level{}, false
	}
	return Level{Price: price, Size: size}, true
}

// GetMidpoint fetches the CLOB midpoint for a token.
func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	u, err := url.Parse(c.cfg.ClobBaseURL)
	if err != nil {
		return 0, fmt.Errorf("invalid clob base url: %w", err)
	}
	u.Path = "/midpoint"
	q := u.Query()
	q.Set("token_id", tokenID)
	u.RawQuery = q.Encode()

	var resp struct {
		Mid string `json:"mid"`
	}
	if err := c.doGet(ctx, u.String(), &resp); err != nil {
		return 0, fmt.Errorf("%w: midpoint %s: %v", ErrMarketUnavailable, tokenID, err)
	}
	mid, err := strconv.ParseFloat(resp.Mid, 64)
	if err != nil || mid <= 0 {
		return 0, fmt.Errorf("%w: bad midpoint %q for %s", ErrMarketUnavailable, resp.Mid, tokenID)
	}
	return mid, nil
}

// ---- CLOB API: orders ----

// OrderResult is the CLOB's acknowledgement of a submitted order.
type OrderResult struct {
	OrderID string `json:"orderID"`
	Status  string `json:"status"`
}

type orderResponse struct {
	Success  bool   `json:"success"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
	ErrorMsg string `json:"errorMsg"`
}

// PlaceMarketOrder submits a market order. For buys, amount is USDC
// notional; for sells it is shares.
func (c *Client) PlaceMarketOrder(ctx context.Context, tokenID, side string, amount float64) (*OrderResult, error) {
	payload := map[string]any{
		"tokenID":   tokenID,
		"side":      side,
		"amount":    amount,
		"orderType": "FOK",
	}
	return c.submitOrder(ctx, payload)
}

// PlaceLimitOrder submits a limit order for size shares at price.
func (c *Client) PlaceLimitOrder(ctx context.Context, tokenID, side string, price, size float64) (*OrderResult, error) {
	payload := map[string]any{
		"tokenID":   tokenID,
		"side":      side,
		"price":     price,
		"size":      size,
		"orderType": "GTC",
	}
	return c.submitOrder(ctx, payload)
}

func (c *Client) submitOrder(ctx context.Context, payload map[string]any) (*OrderResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	u, err := url.Parse(c.cfg.ClobBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid clob base url: %w", err)
	}
	u.Path = "/order"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.signRequest(req, http.MethodPost, "/order", body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read order response: %w", err)
	}

	if resp.StatusCode/100 == 4 {
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrOrderRejected, resp.StatusCode, string(respBody))
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("order submit status=%d body=%s", resp.StatusCode, string(respBody))
	}

	var parsed orderResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	if !parsed.Success {
		return nil, fmt.Errorf("%w: %s", ErrOrderRejected, parsed.ErrorMsg)
	}
	return &OrderResult{OrderID: parsed.OrderID, Status: parsed.Status}, nil
}

// signRequest attaches L2-style HMAC auth headers. Requests go out unsigned
// when no credentials are configured, which read-only deployments rely on.
func (c *Client) signRequest(req *http.Request, method, path string, body []byte) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(ts + method + path))
	mac.Write(body)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("POLY_ADDRESS", c.cfg.FunderWallet)
	req.Header.Set("POLY_API_KEY", c.cfg.APIKey)
	req.Header.Set("POLY_PASSPHRASE", c.cfg.APIPassphrase)
	req.Header.Set("POLY_TIMESTAMP", ts)
	req.Header.Set("POLY_SIGNATURE", sig)
}

// IsBalanceError reports whether an order failure looks like insufficient
// balance or allowance, which callers treat as a size mismatch worth
// reconciling against the actual position.
func IsBalanceError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "balance") || strings.Contains(msg, "allowance")
}

// ---- Data API ----

// Position is an open position from the data API.
type Position struct {
	ProxyWallet  string  `json:"proxyWallet"`
	Asset        string  `json:"asset"`
	ConditionID  string  `json:"conditionId"`
	Size         float64 `json:"size"`
	AvgPrice     float64 `json:"avgPrice"`
	CurrentValue float64 `json:"currentValue"`
	CurPrice     float64 `json:"curPrice"`
	Redeemable   bool    `json:"redeemable"`
	Title        string  `json:"title"`
	Outcome      string  `json:"outcome"`
}

// GetPositions fetches a wallet's open positions from the data API.
func (c *Client) GetPositions(ctx context.Context, wallet string) ([]Position, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, fmt.Errorf("wallet is empty")
	}

	u, err := url.Parse(c.cfg.DataBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid data base url: %w", err)
	}
	u.Path = "/positions"
	q := u.Query()
	q.Set("user", wallet)
	u.RawQuery = q.Encode()

	var positions []Position
	if err := c.doGet(ctx, u.String(), &positions); err != nil {
		return nil, fmt.Errorf("fetch positions for %s: %w", wallet, err)
	}
	return positions, nil
}

// Activity is one row of a wallet's on-chain activity from the data API.
type Activity struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Timestamp       int64   `json:"timestamp"`
	ConditionID     string  `json:"conditionId"`
	Asset           string  `json:"asset"`
	Type            string  `json:"type"` // TRADE, SPLIT, MERGE, REDEEM, REWARD, CONVERSION
	Size            float64 `json:"size"`
	UsdcSize        float64 `json:"usdcSize"`
	Price           float64 `json:"price"`
	Side            string  `json:"side"`
	TransactionHash string  `json:"transactionHash"`
	Title           string  `json:"title"`
	Outcome         string  `json:"outcome"`
}

// GetUserActivity fetches a wallet's activity at or after startTime
// (unix seconds). A zero startTime fetches the most recent rows.
func (c *Client) GetUserActivity(ctx context.Context, wallet string, limit int, startTime int64) ([]Activity, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, fmt.Errorf("wallet is empty")
	}
	if limit <= 0 {
		limit = 100
	}

	u, err := url.Parse(c.cfg.DataBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid data base url: %w", err)
	}
	u.Path = "/activity"
	q := u.Query()
	q.Set("user", wallet)
	q.Set("limit", strconv.Itoa(limit))
	if startTime > 0 {
		q.Set("start", strconv.FormatInt(startTime, 10))
	}
	u.RawQuery = q.Encode()

	var activities []Activity
	if err := c.doGet(ctx, u.String(), &activities); err != nil {
		return nil, fmt.Errorf("fetch activity for %s: %w", wallet, err)
	}
	return activities, nil
}

func (c *Client) doGet(ctx context.Context, url string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

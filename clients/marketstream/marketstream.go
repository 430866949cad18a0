// Package marketstream keeps a live last-trade-price cache fed by the public
// CLOB market websocket. The poller pushes its active token set here each
// cycle and falls back to the cached price when a token's order book is
// unreadable over REST.
package marketstream

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Stream maintains a websocket subscription to a set of token IDs and caches
// the most recent traded price per token.
type Stream struct {
	logger *zap.Logger
	wsURL  string
	dialer *websocket.Dialer

	mu     sync.RWMutex
	conn   *websocket.Conn
	tokens map[string]struct{}
	prices map[string]cachedPrice

	writeMu   sync.Mutex
	closeCh   chan struct{}
	closeOnce sync.Once
}

type cachedPrice struct {
	price float64
	at    time.Time
}

// New builds a stream for the given market websocket URL. Nothing connects
// until Run is called.
func New(logger *zap.Logger, wsURL string) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		logger:  logger.Named("marketstream"),
		wsURL:   wsURL,
		dialer:  websocket.DefaultDialer,
		tokens:  make(map[string]struct{}),
		prices:  make(map[string]cachedPrice),
		closeCh: make(chan struct{}),
	}
}

// Run connects and keeps reconnecting with backoff until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		default:
		}

		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("stream disconnected", zap.Error(err), zap.Duration("retry_in", backoff))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	tokens := make([]string, 0, len(s.tokens))
	for t := range s.tokens {
		tokens = append(tokens, t)
	}
	s.mu.Unlock()

	if len(tokens) > 0 {
		if err := s.writeJSON(conn, map[string]any{"type": "market", "assets_ids": tokens}); err != nil {
			return err
		}
	}

	s.logger.Info("stream connected", zap.Int("tokens", len(tokens)))

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(conn, pingDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			return err
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		s.handleFrame(data)
	}
}

func (s *Stream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// priceEvent covers both last_trade_price and price_change frames; only the
// fields the cache needs are decoded.
type priceEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
}

func (s *Stream) handleFrame(data []byte) {
	// frames arrive both as single events and as arrays of events
	var events []priceEvent
	if err := json.Unmarshal(data, &events); err != nil {
		var single priceEvent
		if err := json.Unmarshal(data, &single); err != nil {
			return
		}
		events = []priceEvent{single}
	}

	now := time.Now()
	for _, ev := range events {
		if ev.EventType != "last_trade_price" || ev.AssetID == "" {
			continue
		}
		price, err := strconv.ParseFloat(ev.Price, 64)
		if err != nil || price <= 0 {
			continue
		}
		s.mu.Lock()
		s.prices[ev.AssetID] = cachedPrice{price: price, at: now}
		s.mu.Unlock()
	}
}

// SetTokens replaces the subscription set. Newly added tokens are subscribed
// on the live connection; a full resubscribe happens on reconnect anyway.
func (s *Stream) SetTokens(tokens []string) {
	s.mu.Lock()
	added := make([]string, 0)
	next := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		next[t] = struct{}{}
		if _, ok := s.tokens[t]; !ok {
			added = append(added, t)
		}
	}
	s.tokens = next
	conn := s.conn
	s.mu.Unlock()

	if conn != nil && len(added) > 0 {
		if err := s.writeJSON(conn, map[string]any{"operation": "subscribe", "assets_ids": added}); err != nil {
			s.logger.Warn("subscribe failed", zap.Error(err), zap.Int("tokens", len(added)))
		}
	}
}

// Price returns the cached price for a token when it is younger than maxAge.
func (s *Stream) Price(tokenID string, maxAge time.Duration) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cached, ok := s.prices[tokenID]
	if !ok || time.Since(cached.at) > maxAge {
		return 0, false
	}
	return cached.price, true
}

func (s *Stream) writeJSON(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// Close stops the reconnect loop and drops the connection.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

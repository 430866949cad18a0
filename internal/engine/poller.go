package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"polytrigger/clients/polymarket"
)

// Exchange is the slice of the Polymarket client the engine uses. Tests
// substitute a mock.
type Exchange interface {
	GetMarketByCondition(ctx context.Context, conditionID string) (*polymarket.GammaMarket, error)
	GetOrderBook(ctx context.Context, tokenID string) (*polymarket.OrderBook, error)
	GetMidpoint(ctx context.Context, tokenID string) (float64, error)
	PlaceMarketOrder(ctx context.Context, tokenID, side string, amount float64) (*polymarket.OrderResult, error)
	PlaceLimitOrder(ctx context.Context, tokenID, side string, price, size float64) (*polymarket.OrderResult, error)
	GetPositions(ctx context.Context, wallet string) ([]polymarket.Position, error)
	GetUserActivity(ctx context.Context, wallet string, limit int, startTime int64) ([]polymarket.Activity, error)
}

// PriceCache is an optional live price source. The poller pushes its active
// token set into it each cycle and falls back to the cached price when a
// token's order book is unreadable.
type PriceCache interface {
	SetTokens(tokens []string)
	Price(tokenID string, maxAge time.Duration) (float64, bool)
}

// Snapshot is one token's price view for a cycle. BestBid of 0 means the
// book was not readable this cycle; mid-only snapshots still drive price
// alerts and auto-trades.
type Snapshot struct {
	TokenID string
	Mid     float64
	BestBid float64
	BestAsk float64
	Spread  float64
	At      time.Time
}

// poller fetches per-token snapshots with a bounded worker pool. A token
// whose fetch fails is simply absent from the result; its rules sit out the
// cycle.
type poller struct {
	logger   *zap.Logger
	exchange Exchange
	cache    PriceCache
	workers  int
	maxAge   time.Duration
}

func newPoller(logger *zap.Logger, exchange Exchange, cache PriceCache, workers int, pollInterval time.Duration) *poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	return &poller{
		logger:   logger.Named("poller"),
		exchange: exchange,
		cache:    cache,
		workers:  workers,
		maxAge:   2 * pollInterval,
	}
}

func (p *poller) fetch(ctx context.Context, tokenIDs []string) map[string]Snapshot {
	if p.cache != nil {
		// keep the stream subscribed to exactly the tokens in play
		p.cache.SetTokens(tokenIDs)
	}

	snapshots := make(map[string]Snapshot, len(tokenIDs))
	if len(tokenIDs) == 0 {
		return snapshots
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	jobs := make(chan string)

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tokenID := range jobs {
				snap, ok := p.fetchOne(ctx, tokenID)
				if !ok {
					continue
				}
				mu.Lock()
				snapshots[tokenID] = snap
				mu.Unlock()
			}
		}()
	}

	for _, id := range tokenIDs {
		select {
		case jobs <- id:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return snapshots
		}
	}
	close(jobs)
	wg.Wait()
	return snapshots
}

func (p *poller) fetchOne(ctx context.Context, tokenID string) (Snapshot, bool) {
	book, err := p.exchange.GetOrderBook(ctx, tokenID)
	if err == nil {
		return Snapshot{
			TokenID: tokenID,
			Mid:     book.Midpoint(),
			BestBid: book.BestBid(),
			BestAsk: book.BestAsk(),
			Spread:  book.Spread(),
			At:      time.Now(),
		}, true
	}

	// book unreadable: a fresh stream price still serves the mid-only rules
	if p.cache != nil {
		if price, ok := p.cache.Price(tokenID, p.maxAge); ok {
			p.logger.Debug("book fetch failed, using stream price",
				zap.String("token", tokenID), zap.Error(err))
			return Snapshot{TokenID: tokenID, Mid: price, Spread: 1, At: time.Now()}, true
		}
	}

	p.logger.Warn("snapshot unavailable", zap.String("token", tokenID), zap.Error(err))
	return Snapshot{}, false
}

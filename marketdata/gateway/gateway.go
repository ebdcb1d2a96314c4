package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linluma/klinecache/marketdata/indicators"
	"github.com/linluma/klinecache/shared/models"
)

const (
	// indicatorFloor is the largest lookback any consumer indicator needs;
	// long moving averages top out at 200 bars.
	indicatorFloor = 200

	// bootstrapLimit is the minimum depth of a cold-cache historical fetch
	bootstrapLimit = 500

	priceMaxAge   = 30 * time.Second
	candlesMaxAge = 120 * time.Second

	connectWait     = 15 * time.Second
	connectPollStep = 100 * time.Millisecond
)

// ErrInsufficientData marks the expected "no data yet" state: neither the
// cache nor the bootstrap fetch holds enough history. Callers skip the
// evaluation cycle; this is not a failure.
var ErrInsufficientData = errors.New("insufficient market data")

// Cache is the live stream cache surface the gateway reads
type Cache interface {
	Subscribe(symbol, interval string)
	Start()
	IsRunning() bool
	IsConnected() bool
	GetRecent(symbol, interval string, limit int) []models.Candle
	LatestPrice(symbol string) (float64, time.Time, bool)
	IsFresh(symbol, interval string, maxAge time.Duration) bool
}

// History is the REST collaborator used to bootstrap a cold cache. It is
// never polled in steady state.
type History interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	Price(ctx context.Context, symbol string) (float64, error)
}

// Gateway is the façade strategy and order code call for candle history and
// prices. It reads the stream cache first and falls back to a one-shot
// historical fetch when the cache is cold or stale. Bootstrap results are
// returned directly and never written back into the cache, keeping the live
// path the ring buffers' single writer.
type Gateway struct {
	cache   Cache
	history History
	clock   clock.Clock
}

// NewGateway wires the gateway to its collaborators
func NewGateway(cache Cache, history History, clk clock.Clock) *Gateway {
	if clk == nil {
		clk = clock.New()
	}
	return &Gateway{
		cache:   cache,
		history: history,
		clock:   clk,
	}
}

// GetCurrentPrice returns the freshest known price for the symbol: the
// stream cache when its latest candle is at most 30s old, otherwise a
// one-shot REST ticker query.
func (g *Gateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if price, receivedAt, ok := g.cache.LatestPrice(symbol); ok {
		if g.clock.Since(receivedAt) <= priceMaxAge {
			return price, nil
		}
	}

	price, err := g.history.Price(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("price fallback for %s: %w", symbol, err)
	}
	return price, nil
}

// GetMarketData returns at least minCandles recent candles for the series
// in ascending time order. The cache is served directly when it is deep and
// fresh enough; otherwise a single historical fetch bootstraps the result.
// When both sources lack the requested history it returns
// ErrInsufficientData, which callers must treat as "indicators not
// computable yet" rather than a failure.
func (g *Gateway) GetMarketData(ctx context.Context, symbol, interval string, minCandles int) ([]models.Candle, error) {
	required := minCandles
	if required < indicatorFloor {
		required = indicatorFloor
	}

	cached := g.cache.GetRecent(symbol, interval, required)
	if len(cached) >= required && g.cache.IsFresh(symbol, interval, candlesMaxAge) {
		return cached, nil
	}

	limit := required
	if limit < bootstrapLimit {
		limit = bootstrapLimit
	}
	log.Printf("📥 Bootstrapping %s %s from history (cached=%d, need=%d)", symbol, interval, len(cached), required)

	rows, err := g.history.Klines(ctx, symbol, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("historical bootstrap for %s %s: %w", symbol, interval, err)
	}
	if len(rows) < minCandles {
		return nil, fmt.Errorf("%s %s: got %d of %d candles: %w", symbol, interval, len(rows), minCandles, ErrInsufficientData)
	}
	return rows, nil
}

// EnsureSubscribed subscribes the series, starts the transport if needed,
// and waits (bounded) for the connection so the cache can warm up before
// the first strategy evaluation.
func (g *Gateway) EnsureSubscribed(ctx context.Context, symbol, interval string) error {
	g.cache.Subscribe(symbol, interval)

	if !g.cache.IsRunning() {
		g.cache.Start()
	}

	deadline := g.clock.Now().Add(connectWait)
	ticker := g.clock.Ticker(connectPollStep)
	defer ticker.Stop()

	for {
		if g.cache.IsConnected() {
			return nil
		}
		if !g.clock.Now().Before(deadline) {
			return fmt.Errorf("timed out waiting for stream connection for %s %s", symbol, interval)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ComputeIndicators augments candles with the indicator columns consumers
// evaluate. Pure function, no I/O; rows whose lookback window is not yet
// covered carry NaN values, never zeros.
func (g *Gateway) ComputeIndicators(candles []models.Candle) []indicators.Row {
	return indicators.Compute(candles)
}

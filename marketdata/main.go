package main

import (
	"context"
	"errors"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linluma/klinecache/marketdata/gateway"
	"github.com/linluma/klinecache/marketdata/history"
	"github.com/linluma/klinecache/marketdata/stream"
	"github.com/linluma/klinecache/shared/config"
)

func main() {
	cfg := config.ParseStreamFlags()
	creds := config.LoadCredentials()

	log.Printf("🚀 Starting Market Data Service...")
	log.Printf("📊 Config: Symbols=%v, Intervals=%v, CacheSize=%d", cfg.Symbols, cfg.Intervals, cfg.CacheSize)

	realClock := clock.New()

	cache := stream.NewCache(cfg.CacheSize, realClock)
	retry := stream.DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxReconnects
	cache.SetRetryConfig(retry)

	hist := history.NewClient(creds.APIKey, creds.APISecret)
	gw := gateway.NewGateway(cache, hist, realClock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Warm the cache before the first evaluation cycle
	for _, symbol := range cfg.Symbols {
		for _, interval := range cfg.Intervals {
			if err := gw.EnsureSubscribed(ctx, symbol, interval); err != nil {
				log.Printf("❌ Failed to warm %s %s: %v", symbol, interval, err)
			}
		}
	}

	// Periodic status report for operators
	go func() {
		ticker := realClock.Ticker(cfg.StatusEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats := cache.Statistics()
				log.Printf("📈 Status: connected=%v messages=%d klines=%d reconnections=%d uptime=%.0fs",
					stats.IsConnected, stats.MessagesReceived, stats.KlinesProcessed,
					stats.Reconnections, stats.UptimeSeconds)
				for _, status := range cache.CacheStatus() {
					log.Printf("   %s %s: %d cached, fresh=%v",
						status.Symbol, status.Interval, status.CachedKlines, status.IsFresh)
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	// Sample consumer loop standing in for a strategy evaluator
	go func() {
		ticker := realClock.Ticker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				evaluate(ctx, gw, cfg)

			case <-ctx.Done():
				return
			}
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("🛑 Shutdown signal received, initiating graceful shutdown...")

	cancel()
	cache.Stop()

	log.Println("👋 Market Data Service stopped")
}

// evaluate exercises the gateway the way strategy code would: fetch
// history, compute indicators, skip the cycle when data is not there yet.
func evaluate(ctx context.Context, gw *gateway.Gateway, cfg *config.StreamConfig) {
	for _, symbol := range cfg.Symbols {
		for _, interval := range cfg.Intervals {
			candles, err := gw.GetMarketData(ctx, symbol, interval, 200)
			if errors.Is(err, gateway.ErrInsufficientData) {
				log.Printf("⏳ %s %s: not enough history yet, skipping cycle", symbol, interval)
				continue
			}
			if err != nil {
				log.Printf("⚠️ %s %s: market data unavailable: %v", symbol, interval, err)
				continue
			}

			rows := gw.ComputeIndicators(candles)
			last := rows[len(rows)-1]
			if math.IsNaN(last.RSI) {
				continue
			}
			log.Printf("🧮 %s %s: close=%.4f rsi=%.2f macd_hist=%.6f",
				symbol, interval, last.Close, last.RSI, last.MACDHistogram)
		}
	}
}

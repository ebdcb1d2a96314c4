package config

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// StreamConfig holds configuration for the market data service
type StreamConfig struct {
	Symbols       []string
	Intervals     []string
	CacheSize     int
	MaxReconnects int
	StatusEvery   time.Duration
}

// Credentials holds Binance API credentials for the historical REST client.
// The public kline endpoints work unauthenticated, so empty values are fine.
type Credentials struct {
	APIKey    string
	APISecret string
}

// ParseStreamFlags parses command line flags for the market data service
func ParseStreamFlags() *StreamConfig {
	var (
		symbols       = flag.String("symbols", "BTCUSDT,ETHUSDT,SOLUSDT", "Comma-separated futures symbols")
		intervals     = flag.String("intervals", "1m,5m", "Comma-separated kline intervals")
		cacheSize     = flag.Int("cache-size", 1000, "Max candles kept per symbol/interval series")
		maxReconnects = flag.Int("max-reconnects", 20, "Reconnection attempts before giving up")
		statusEvery   = flag.Int("status-every", 30, "Seconds between status log lines")
	)
	flag.Parse()

	return &StreamConfig{
		Symbols:       splitList(*symbols),
		Intervals:     splitList(*intervals),
		CacheSize:     *cacheSize,
		MaxReconnects: *maxReconnects,
		StatusEvery:   time.Duration(*statusEvery) * time.Second,
	}
}

// LoadCredentials reads API credentials from the environment, loading a
// .env file first when one is present.
func LoadCredentials() Credentials {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found, using process environment")
	}
	return Credentials{
		APIKey:    os.Getenv("BINANCE_API_KEY"),
		APISecret: os.Getenv("BINANCE_API_SECRET"),
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

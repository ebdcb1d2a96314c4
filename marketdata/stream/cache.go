package stream

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/linluma/klinecache/shared/models"
)

const (
	// DefaultBaseURL is the Binance USDⓈ-M futures combined stream endpoint
	DefaultBaseURL = "wss://fstream.binance.com/ws/"

	defaultCacheSize = 1000

	// Freshness is relaxed while the cache warms up after a (re)connect.
	warmupWindow = 5 * time.Minute
	warmupMaxAge = 300 * time.Second

	shutdownTimeout = 5 * time.Second
)

// intervalPreference orders intervals shortest first; current-price reads
// take the first subscribed interval with data, since shorter bars are
// closer to "now".
var intervalPreference = []string{"1m", "3m", "5m", "15m", "1h", "4h", "1d"}

type seriesKey struct {
	symbol   string
	interval string
}

// series is the ring buffer for one (symbol, interval) pair. It is written
// only by the connection goroutine and survives socket drops; only
// Unsubscribe discards it.
type series struct {
	candles    []models.Candle
	maxSize    int
	lastUpdate time.Time
}

func newSeries(maxSize int) *series {
	return &series{
		candles: make([]models.Candle, 0, maxSize),
		maxSize: maxSize,
	}
}

// add appends a candle, replacing the tail in place when the bar is an
// update of the still-open candle (same OpenTime). Frames older than the
// tail are ignored so readers always observe non-decreasing OpenTime.
func (s *series) add(candle models.Candle) bool {
	if n := len(s.candles); n > 0 {
		tail := s.candles[n-1]
		if candle.OpenTime == tail.OpenTime {
			s.candles[n-1] = candle
			return true
		}
		if candle.OpenTime < tail.OpenTime {
			return false
		}
	}
	s.candles = append(s.candles, candle)
	if len(s.candles) > s.maxSize {
		s.candles = s.candles[1:]
	}
	return true
}

// counters mirrors the transport statistics exposed via Statistics()
type counters struct {
	messagesReceived int64
	klinesProcessed  int64
	reconnections    int64
	lastMessageAt    time.Time
}

// StreamCache owns the live WebSocket connection and the per-series candle
// cache. The connection goroutine is the only writer to the ring buffers;
// every read method returns copies and never blocks on network I/O.
//
// The instance is meant to be created by the composition root and handed to
// consumers explicitly, not shared as a package-level singleton.
type StreamCache struct {
	baseURL string
	clock   clock.Clock

	mu        sync.RWMutex
	cacheSize int
	series    map[seriesKey]*series
	streams   map[string]seriesKey // stream name -> series key

	running           bool
	connected         bool
	reconnectAttempts int
	connectedAt       time.Time

	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	retryConfig    RetryConfig
	recentFailures []time.Time
	stats          counters
	unknownFrames  int64

	// Allow test override of the dial step
	dialFunc func(url string) (*websocket.Conn, error)
}

// NewCache creates a stream cache. cacheSize bounds each series ring
// buffer; values <= 0 fall back to the default of 1000.
func NewCache(cacheSize int, clk clock.Clock) *StreamCache {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	if clk == nil {
		clk = clock.New()
	}
	return &StreamCache{
		baseURL:     DefaultBaseURL,
		clock:       clk,
		cacheSize:   cacheSize,
		series:      make(map[seriesKey]*series),
		streams:     make(map[string]seriesKey),
		retryConfig: DefaultRetryConfig(),
	}
}

// SetRetryConfig configures reconnection behavior
func (sc *StreamCache) SetRetryConfig(config RetryConfig) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.retryConfig = config
}

// SetBaseURL overrides the streaming endpoint (test servers, testnets)
func (sc *StreamCache) SetBaseURL(url string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.baseURL = url
}

func streamName(symbol, interval string) string {
	return strings.ToLower(symbol) + "@kline_" + interval
}

// Subscribe adds a (symbol, interval) stream and ensures its series exists.
// Idempotent. If the transport is already connected the socket is closed so
// the connection loop redials with the updated combined URL; series data
// lives outside the socket and survives the drop.
func (sc *StreamCache) Subscribe(symbol, interval string) {
	symbol = strings.ToUpper(symbol)
	name := streamName(symbol, interval)

	sc.mu.Lock()
	if _, ok := sc.streams[name]; ok {
		sc.mu.Unlock()
		return
	}
	key := seriesKey{symbol: symbol, interval: interval}
	sc.streams[name] = key
	if _, ok := sc.series[key]; !ok {
		sc.series[key] = newSeries(sc.cacheSize)
	}
	conn := sc.conn
	connected := sc.connected
	sc.mu.Unlock()

	log.Printf("📡 Added kline stream: %s", name)

	if connected && conn != nil {
		log.Printf("🔄 Resubscribing with updated stream list...")
		conn.Close()
	}
}

// Unsubscribe removes a stream and discards its cached series. Idempotent.
func (sc *StreamCache) Unsubscribe(symbol, interval string) {
	symbol = strings.ToUpper(symbol)
	name := streamName(symbol, interval)

	sc.mu.Lock()
	key, ok := sc.streams[name]
	if !ok {
		sc.mu.Unlock()
		return
	}
	delete(sc.streams, name)
	delete(sc.series, key)
	conn := sc.conn
	connected := sc.connected
	sc.mu.Unlock()

	log.Printf("📡 Removed kline stream: %s", name)

	if connected && conn != nil {
		conn.Close()
	}
}

// Start spawns the background connection loop. No-op if already running.
// With zero subscribed streams there is nothing to connect to, so it only
// logs and returns.
func (sc *StreamCache) Start() {
	sc.mu.Lock()
	if sc.running {
		sc.mu.Unlock()
		log.Printf("Stream cache is already running")
		return
	}
	if len(sc.streams) == 0 {
		sc.mu.Unlock()
		log.Printf("⚠️ No streams subscribed, nothing to connect to")
		return
	}
	sc.running = true
	sc.ctx, sc.cancel = context.WithCancel(context.Background())
	ctx := sc.ctx
	streamCount := len(sc.streams)
	sc.mu.Unlock()

	sc.wg.Add(1)
	go sc.run(ctx)

	log.Printf("🚀 Stream cache started with %d streams", streamCount)
}

// Stop closes the socket and joins the connection loop with a bounded
// timeout. Cached series data remains queryable afterwards; it just stops
// updating.
func (sc *StreamCache) Stop() {
	sc.mu.Lock()
	if !sc.running {
		sc.mu.Unlock()
		return
	}
	sc.running = false
	cancel := sc.cancel
	conn := sc.conn
	sc.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("Error closing WebSocket: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		sc.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		log.Printf("⚠️ Stream cache shutdown timeout reached")
	}

	sc.mu.Lock()
	sc.connected = false
	sc.mu.Unlock()
	log.Printf("🛑 Stream cache stopped")
}

// IsRunning reports user intent: whether the connection loop should be up
func (sc *StreamCache) IsRunning() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.running
}

// IsConnected reports the actual socket state
func (sc *StreamCache) IsConnected() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.connected
}

// GetRecent returns up to limit most recent candles for the series in
// ascending time order. Never blocks; returns whatever is cached, possibly
// nothing.
func (sc *StreamCache) GetRecent(symbol, interval string, limit int) []models.Candle {
	symbol = strings.ToUpper(symbol)
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	s, ok := sc.series[seriesKey{symbol: symbol, interval: interval}]
	if !ok || len(s.candles) == 0 || limit <= 0 {
		return nil
	}

	start := 0
	if len(s.candles) > limit {
		start = len(s.candles) - limit
	}
	out := make([]models.Candle, len(s.candles)-start)
	copy(out, s.candles[start:])
	return out
}

// GetLatest returns the most recent candle (open or closed) for the series
func (sc *StreamCache) GetLatest(symbol, interval string) (models.Candle, bool) {
	symbol = strings.ToUpper(symbol)
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	s, ok := sc.series[seriesKey{symbol: symbol, interval: interval}]
	if !ok || len(s.candles) == 0 {
		return models.Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// LatestPrice returns the close of the most recent candle across the
// shortest subscribed interval for the symbol, along with when it was
// received.
func (sc *StreamCache) LatestPrice(symbol string) (float64, time.Time, bool) {
	symbol = strings.ToUpper(symbol)
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	for _, interval := range intervalPreference {
		s, ok := sc.series[seriesKey{symbol: symbol, interval: interval}]
		if !ok || len(s.candles) == 0 {
			continue
		}
		tail := s.candles[len(s.candles)-1]
		return tail.Close, tail.ReceivedAt, true
	}
	return 0, time.Time{}, false
}

// GetCurrentPrice returns the latest known price for the symbol
func (sc *StreamCache) GetCurrentPrice(symbol string) (float64, bool) {
	price, _, ok := sc.LatestPrice(symbol)
	return price, ok
}

// IsFresh reports whether the series was updated within maxAge. During the
// first five minutes after a (re)connect the effective threshold is relaxed
// to at least 300s so a still-warming cache is not reported stale.
func (sc *StreamCache) IsFresh(symbol, interval string, maxAge time.Duration) bool {
	symbol = strings.ToUpper(symbol)
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.isFreshLocked(seriesKey{symbol: symbol, interval: interval}, maxAge)
}

func (sc *StreamCache) isFreshLocked(key seriesKey, maxAge time.Duration) bool {
	s, ok := sc.series[key]
	if !ok || len(s.candles) == 0 {
		return false
	}

	if !sc.connectedAt.IsZero() && sc.clock.Since(sc.connectedAt) < warmupWindow {
		if maxAge < warmupMaxAge {
			maxAge = warmupMaxAge
		}
	}

	// A non-empty series always carries an update timestamp; applyEvent is
	// the only writer and stamps it on every accepted candle.
	if s.lastUpdate.IsZero() {
		return false
	}
	return sc.clock.Since(s.lastUpdate) <= maxAge
}

// Statistics returns a snapshot of the transport counters. Safe from any
// goroutine.
func (sc *StreamCache) Statistics() models.Statistics {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	st := models.Statistics{
		MessagesReceived:  sc.stats.messagesReceived,
		KlinesProcessed:   sc.stats.klinesProcessed,
		Reconnections:     sc.stats.reconnections,
		LastMessageAt:     sc.stats.lastMessageAt,
		IsConnected:       sc.connected,
		IsRunning:         sc.running,
		ReconnectAttempts: sc.reconnectAttempts,
		SubscribedStreams: len(sc.streams),
		CachedSeries:      len(sc.series),
	}
	if sc.connected && !sc.connectedAt.IsZero() {
		st.UptimeSeconds = sc.clock.Since(sc.connectedAt).Seconds()
	}
	return st
}

// CacheStatus returns a per-series freshness and depth report, using the
// default 60s freshness window.
func (sc *StreamCache) CacheStatus() []models.SeriesStatus {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	out := make([]models.SeriesStatus, 0, len(sc.series))
	for key, s := range sc.series {
		out = append(out, models.SeriesStatus{
			Symbol:       key.symbol,
			Interval:     key.interval,
			CachedKlines: len(s.candles),
			LastUpdate:   s.lastUpdate,
			IsFresh:      sc.isFreshLocked(key, 60*time.Second),
		})
	}
	return out
}

// applyEvent converts a decoded kline event into a candle and stores it.
// Events for streams that were unsubscribed mid-flight are dropped.
func (sc *StreamCache) applyEvent(ev klineEvent) {
	candle, err := ev.candle(sc.clock.Now())
	if err != nil {
		log.Printf("Error converting kline for %s %s: %v", ev.Symbol, ev.Interval, err)
		return
	}

	key := seriesKey{symbol: ev.Symbol, interval: ev.Interval}
	sc.mu.Lock()
	s, ok := sc.series[key]
	if !ok {
		sc.mu.Unlock()
		return
	}
	accepted := s.add(candle)
	if accepted {
		s.lastUpdate = sc.clock.Now()
		sc.stats.klinesProcessed++
	}
	sc.mu.Unlock()

	if accepted && candle.IsClosed {
		log.Printf("📊 Kline closed: %s %s @ $%.4f", ev.Symbol, ev.Interval, candle.Close)
	}
}

package models

import "time"

// Candle represents one OHLCV kline observation for a fixed time bucket.
// OpenTime is the unique key within a series: a second frame carrying the
// same OpenTime updates the still-open bar rather than appending a new one.
type Candle struct {
	OpenTime   int64     `json:"open_time"` // ms epoch, bar start
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	CloseTime  int64     `json:"close_time"` // ms epoch, bar end
	IsClosed   bool      `json:"is_closed"`  // true once the exchange finalizes the bar
	ReceivedAt time.Time `json:"received_at"`
}

// Statistics is a point-in-time snapshot of the streaming transport's
// counters. Counters are monotonic and reset only on process restart.
type Statistics struct {
	MessagesReceived  int64     `json:"messages_received"`
	KlinesProcessed   int64     `json:"klines_processed"`
	Reconnections     int64     `json:"reconnections"`
	LastMessageAt     time.Time `json:"last_message_at"`
	UptimeSeconds     float64   `json:"uptime_seconds"`
	IsConnected       bool      `json:"is_connected"`
	IsRunning         bool      `json:"is_running"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	SubscribedStreams int       `json:"subscribed_streams"`
	CachedSeries      int       `json:"cached_series"`
}

// SeriesStatus reports cache depth and freshness for one (symbol, interval)
// pair. Exposed for dashboards and operators; read-only.
type SeriesStatus struct {
	Symbol       string    `json:"symbol"`
	Interval     string    `json:"interval"`
	CachedKlines int       `json:"cached_klines"`
	LastUpdate   time.Time `json:"last_update"`
	IsFresh      bool      `json:"is_fresh"`
}

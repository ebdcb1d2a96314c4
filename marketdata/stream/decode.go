package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/linluma/klinecache/shared/models"
)

// wireKline is the exchange's kline payload. Prices and volume arrive as
// strings.
type wireKline struct {
	StartTime int64  `json:"t"` // Kline start time
	CloseTime int64  `json:"T"` // Kline close time
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	Closed    bool   `json:"x"` // true once this kline is finalized
}

// wireFrame covers every accepted envelope. The same endpoint delivers both
// a wrapped combined-stream shape and flat event shapes.
type wireFrame struct {
	Stream    string          `json:"stream"`
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol string          `json:"s"`
	Kline  *wireKline      `json:"k"`
}

// klineEvent is the one canonical update shape the cache logic consumes;
// every accepted wire variant is normalized into it before any business
// logic runs.
type klineEvent struct {
	Symbol   string
	Interval string
	Kline    wireKline
}

var errUnknownFrame = errors.New("unrecognized frame shape")

// decodeFrame normalizes an inbound frame. Accepted shapes:
//
//	{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":...,"k":{...}}}
//	{"e":"kline","s":"BTCUSDT","k":{...}}
//	{"s":"BTCUSDT","k":{...}}
//
// Anything else returns errUnknownFrame; broken JSON returns a decode error.
func decodeFrame(raw []byte) (klineEvent, error) {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return klineEvent{}, fmt.Errorf("malformed frame: %w", err)
	}

	if frame.Stream != "" && len(frame.Data) > 0 {
		var inner wireFrame
		if err := json.Unmarshal(frame.Data, &inner); err != nil {
			return klineEvent{}, fmt.Errorf("malformed combined frame payload: %w", err)
		}
		frame.Event = inner.Event
		frame.Symbol = inner.Symbol
		frame.Kline = inner.Kline
	}

	if frame.Event != "" && frame.Event != "kline" {
		return klineEvent{}, errUnknownFrame
	}
	if frame.Kline == nil || frame.Symbol == "" || frame.Kline.Interval == "" {
		return klineEvent{}, errUnknownFrame
	}

	return klineEvent{
		Symbol:   strings.ToUpper(frame.Symbol),
		Interval: frame.Kline.Interval,
		Kline:    *frame.Kline,
	}, nil
}

// candle parses the wire kline into the domain shape
func (ev klineEvent) candle(receivedAt time.Time) (models.Candle, error) {
	open, err := strconv.ParseFloat(ev.Kline.Open, 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("invalid open %q: %w", ev.Kline.Open, err)
	}
	high, err := strconv.ParseFloat(ev.Kline.High, 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("invalid high %q: %w", ev.Kline.High, err)
	}
	low, err := strconv.ParseFloat(ev.Kline.Low, 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("invalid low %q: %w", ev.Kline.Low, err)
	}
	closePrice, err := strconv.ParseFloat(ev.Kline.Close, 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("invalid close %q: %w", ev.Kline.Close, err)
	}
	volume, err := strconv.ParseFloat(ev.Kline.Volume, 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("invalid volume %q: %w", ev.Kline.Volume, err)
	}

	return models.Candle{
		OpenTime:   ev.Kline.StartTime,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePrice,
		Volume:     volume,
		CloseTime:  ev.Kline.CloseTime,
		IsClosed:   ev.Kline.Closed,
		ReceivedAt: receivedAt,
	}, nil
}

package history

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/linluma/klinecache/shared/models"
)

// Client fetches historical futures klines and ticker prices over REST.
// Used only to bootstrap a cold cache or answer a one-shot price query,
// never for steady-state polling.
type Client struct {
	api *futures.Client
}

// NewClient creates a REST history client. Credentials may be empty; the
// kline and ticker endpoints are public.
func NewClient(apiKey, apiSecret string) *Client {
	return &Client{api: futures.NewClient(apiKey, apiSecret)}
}

// Klines returns up to limit candles for the series in ascending time
// order.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	rows, err := c.api.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, interval, err)
	}

	now := time.Now()
	candles := make([]models.Candle, 0, len(rows))
	for _, k := range rows {
		candle, err := convertKline(k, now)
		if err != nil {
			return nil, fmt.Errorf("convert kline %s %s: %w", symbol, interval, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// Price returns the current mark ticker price for the symbol
func (c *Client) Price(ctx context.Context, symbol string) (float64, error) {
	prices, err := c.api.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch ticker price %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no ticker price returned for %s", symbol)
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ticker price %q for %s: %w", prices[0].Price, symbol, err)
	}
	return price, nil
}

func convertKline(k *futures.Kline, receivedAt time.Time) (models.Candle, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("invalid open %q: %w", k.Open, err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("invalid high %q: %w", k.High, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("invalid low %q: %w", k.Low, err)
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("invalid close %q: %w", k.Close, err)
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("invalid volume %q: %w", k.Volume, err)
	}

	return models.Candle{
		OpenTime:  k.OpenTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		CloseTime: k.CloseTime,
		// The last row of a REST fetch may still be in progress.
		IsClosed:   k.CloseTime <= receivedAt.UnixMilli(),
		ReceivedAt: receivedAt,
	}, nil
}

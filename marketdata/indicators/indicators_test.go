package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linluma/klinecache/shared/models"
)

func candlesFromCloses(closes []float64) []models.Candle {
	out := make([]models.Candle, len(closes))
	for i, c := range closes {
		out[i] = models.Candle{
			OpenTime: int64(1700000000000) + int64(i)*60000,
			Open:     c,
			High:     c + 1,
			Low:      c - 1,
			Close:    c,
			Volume:   10,
			IsClosed: true,
		}
	}
	return out
}

func risingCloses(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i)
	}
	return out
}

func flatCloses(n int, value float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = value
	}
	return out
}

func TestComputeEmptyInput(t *testing.T) {
	assert.Nil(t, Compute(nil))
	assert.Nil(t, Compute([]models.Candle{}))
}

func TestInsufficientWindowsYieldNaNNotZero(t *testing.T) {
	rows := Compute(candlesFromCloses(risingCloses(10)))
	require.Len(t, rows, 10)

	for i, row := range rows {
		assert.True(t, math.IsNaN(row.RSI), "RSI[%d]", i)
		assert.True(t, math.IsNaN(row.SMA20), "SMA20[%d]", i)
		assert.True(t, math.IsNaN(row.SMA50), "SMA50[%d]", i)
		assert.True(t, math.IsNaN(row.EMA26), "EMA26[%d]", i)
		assert.True(t, math.IsNaN(row.MACD), "MACD[%d]", i)
		assert.True(t, math.IsNaN(row.BBUpper), "BBUpper[%d]", i)
		assert.True(t, math.IsNaN(row.VolumeSMA), "VolumeSMA[%d]", i)
		assert.True(t, math.IsNaN(row.VolumeRatio), "VolumeRatio[%d]", i)
	}
}

func TestSMAWindows(t *testing.T) {
	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = float64(i + 1) // 1..25
	}
	rows := Compute(candlesFromCloses(closes))

	assert.True(t, math.IsNaN(rows[18].SMA20), "One short of a full window")
	assert.InDelta(t, 10.5, rows[19].SMA20, 1e-9, "Mean of 1..20")
	assert.InDelta(t, 15.5, rows[24].SMA20, 1e-9, "Mean of 6..25")
	assert.True(t, math.IsNaN(rows[24].SMA50), "25 candles never fill a 50 window")
}

func TestEMAConvergesOnFlatSeries(t *testing.T) {
	rows := Compute(candlesFromCloses(flatCloses(60, 250)))

	assert.True(t, math.IsNaN(rows[10].EMA12))
	for i := 11; i < 60; i++ {
		assert.InDelta(t, 250, rows[i].EMA12, 1e-9, "EMA12[%d] of a constant series is the constant", i)
	}
	for i := 25; i < 60; i++ {
		assert.InDelta(t, 250, rows[i].EMA26, 1e-9, "EMA26[%d]", i)
	}
}

func TestRSIExtremes(t *testing.T) {
	up := Compute(candlesFromCloses(risingCloses(30)))
	assert.True(t, math.IsNaN(up[13].RSI), "RSI needs period+1 closes")
	for i := 14; i < 30; i++ {
		assert.InDelta(t, 100, up[i].RSI, 1e-9, "All gains pin RSI[%d] at 100", i)
	}

	falling := make([]float64, 30)
	for i := range falling {
		falling[i] = 500 - float64(i)
	}
	down := Compute(candlesFromCloses(falling))
	for i := 14; i < 30; i++ {
		assert.InDelta(t, 0, down[i].RSI, 1e-9, "All losses pin RSI[%d] at 0", i)
	}
}

func TestRSIMixedSeries(t *testing.T) {
	// Alternate +2/-1 so both smoothed averages stay positive.
	closes := make([]float64, 40)
	closes[0] = 100
	for i := 1; i < 40; i++ {
		if i%2 == 1 {
			closes[i] = closes[i-1] + 2
		} else {
			closes[i] = closes[i-1] - 1
		}
	}
	rows := Compute(candlesFromCloses(closes))
	for i := 14; i < 40; i++ {
		assert.False(t, math.IsNaN(rows[i].RSI))
		assert.Greater(t, rows[i].RSI, 50.0, "Net-up series keeps RSI[%d] above the midline", i)
		assert.Less(t, rows[i].RSI, 100.0)
	}
}

func TestMACDWindows(t *testing.T) {
	rows := Compute(candlesFromCloses(flatCloses(60, 100)))

	// MACD needs the slow EMA (valid from index 25); the signal EMA needs
	// nine MACD values on top of that.
	assert.True(t, math.IsNaN(rows[24].MACD))
	assert.InDelta(t, 0, rows[25].MACD, 1e-9)
	assert.True(t, math.IsNaN(rows[32].MACDSignal))
	assert.InDelta(t, 0, rows[33].MACDSignal, 1e-9)
	assert.InDelta(t, 0, rows[33].MACDHistogram, 1e-9)
	assert.InDelta(t, 0, rows[59].MACDHistogram, 1e-9, "Flat prices carry no momentum")
}

func TestMACDSignOnTrendingSeries(t *testing.T) {
	rows := Compute(candlesFromCloses(risingCloses(80)))
	for i := 40; i < 80; i++ {
		assert.Greater(t, rows[i].MACD, 0.0, "Uptrend keeps the fast EMA above the slow at %d", i)
	}
}

func TestBollingerBands(t *testing.T) {
	flat := Compute(candlesFromCloses(flatCloses(30, 100)))
	assert.True(t, math.IsNaN(flat[18].BBMiddle))
	assert.InDelta(t, 100, flat[19].BBMiddle, 1e-9)
	assert.InDelta(t, 100, flat[19].BBUpper, 1e-9, "Zero variance collapses the bands")
	assert.InDelta(t, 100, flat[19].BBLower, 1e-9)

	noisy := Compute(candlesFromCloses([]float64{
		100, 102, 98, 103, 97, 104, 96, 105, 95, 106,
		94, 107, 93, 108, 92, 109, 91, 110, 90, 111,
	}))
	last := noisy[19]
	assert.False(t, math.IsNaN(last.BBUpper))
	assert.Greater(t, last.BBUpper, last.BBMiddle)
	assert.Less(t, last.BBLower, last.BBMiddle)
	assert.InDelta(t, last.BBMiddle-last.BBLower, last.BBUpper-last.BBMiddle, 1e-9, "Bands are symmetric around the middle")
}

func TestVolumeRatio(t *testing.T) {
	candles := candlesFromCloses(flatCloses(25, 100))
	candles[24].Volume = 30 // 3x the steady volume

	rows := Compute(candles)
	assert.True(t, math.IsNaN(rows[18].VolumeRatio))
	assert.InDelta(t, 10, rows[19].VolumeSMA, 1e-9)
	assert.InDelta(t, 1, rows[19].VolumeRatio, 1e-9)
	assert.InDelta(t, 11, rows[24].VolumeSMA, 1e-9, "Window mean includes the spike")
	assert.InDelta(t, 30.0/11.0, rows[24].VolumeRatio, 1e-9)
}

func TestEngulfingPatterns(t *testing.T) {
	bullish := []models.Candle{
		{Open: 105, Close: 100, High: 106, Low: 99, Volume: 10},  // red
		{Open: 99, Close: 106, High: 107, Low: 98, Volume: 10},   // green body engulfs
		{Open: 106, Close: 104, High: 107, Low: 103, Volume: 10}, // red but small
	}
	rows := Compute(bullish)
	assert.False(t, rows[0].BullishEngulfing, "First candle has no predecessor")
	assert.True(t, rows[1].BullishEngulfing)
	assert.False(t, rows[1].BearishEngulfing)
	assert.False(t, rows[2].BearishEngulfing, "Body does not cover the prior candle")

	bearish := []models.Candle{
		{Open: 100, Close: 104, High: 105, Low: 99, Volume: 10}, // green
		{Open: 105, Close: 99, High: 106, Low: 98, Volume: 10},  // red body engulfs
	}
	rows = Compute(bearish)
	assert.True(t, rows[1].BearishEngulfing)
	assert.False(t, rows[1].BullishEngulfing)
}

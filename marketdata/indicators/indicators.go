package indicators

import (
	"math"

	"github.com/linluma/klinecache/shared/models"
)

const (
	rsiPeriod       = 14
	smaFastWindow   = 20
	smaSlowWindow   = 50
	emaFastSpan     = 12
	emaSlowSpan     = 26
	macdSignalSpan  = 9
	bollingerWindow = 20
	bollingerWidth  = 2.0
	volumeWindow    = 20
)

// Row pairs a candle with its computed indicator values. Values whose
// lookback window is not yet covered are NaN, never zero.
type Row struct {
	models.Candle

	RSI float64

	SMA20 float64
	SMA50 float64
	EMA12 float64
	EMA26 float64

	MACD          float64
	MACDSignal    float64
	MACDHistogram float64

	BBUpper  float64
	BBMiddle float64
	BBLower  float64

	VolumeSMA   float64
	VolumeRatio float64

	BullishEngulfing bool
	BearishEngulfing bool
}

// Compute augments candles with indicator columns. Deterministic given the
// input sequence; performs no I/O.
func Compute(candles []models.Candle) []Row {
	n := len(candles)
	if n == 0 {
		return nil
	}

	closes := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	rsi := wilderRSI(closes, rsiPeriod)
	sma20 := sma(closes, smaFastWindow)
	sma50 := sma(closes, smaSlowWindow)
	ema12 := ema(closes, emaFastSpan)
	ema26 := ema(closes, emaSlowSpan)
	macd, signal, histogram := macdSeries(ema12, ema26)
	bbMiddle, bbUpper, bbLower := bollinger(closes, bollingerWindow, bollingerWidth)
	volSMA := sma(volumes, volumeWindow)

	rows := make([]Row, n)
	for i, c := range candles {
		rows[i] = Row{
			Candle:        c,
			RSI:           rsi[i],
			SMA20:         sma20[i],
			SMA50:         sma50[i],
			EMA12:         ema12[i],
			EMA26:         ema26[i],
			MACD:          macd[i],
			MACDSignal:    signal[i],
			MACDHistogram: histogram[i],
			BBUpper:       bbUpper[i],
			BBMiddle:      bbMiddle[i],
			BBLower:       bbLower[i],
			VolumeSMA:     volSMA[i],
			VolumeRatio:   math.NaN(),
		}
		if !math.IsNaN(volSMA[i]) && volSMA[i] != 0 {
			rows[i].VolumeRatio = c.Volume / volSMA[i]
		}
		if i > 0 {
			rows[i].BullishEngulfing = bullishEngulfing(candles[i-1], c)
			rows[i].BearishEngulfing = bearishEngulfing(candles[i-1], c)
		}
	}
	return rows
}

// sma returns the rolling simple moving average; positions before a full
// window are NaN.
func sma(values []float64, window int) []float64 {
	out := nanSeries(len(values))
	if window <= 0 || len(values) < window {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		if i >= window-1 {
			out[i] = sum / float64(window)
		}
	}
	return out
}

// ema returns the exponential moving average with alpha = 2/(span+1),
// seeded from the first value; positions before span-1 are NaN.
func ema(values []float64, span int) []float64 {
	out := nanSeries(len(values))
	if span <= 0 || len(values) < span {
		return out
	}
	alpha := 2.0 / (float64(span) + 1.0)
	current := values[0]
	for i := 1; i < len(values); i++ {
		current = alpha*values[i] + (1-alpha)*current
		if i >= span-1 {
			out[i] = current
		}
	}
	if span == 1 {
		copy(out, values)
	}
	return out
}

// wilderRSI computes RSI with Wilder's smoothing, matching the exchange's
// charting; positions before period deltas are NaN.
func wilderRSI(closes []float64, period int) []float64 {
	out := nanSeries(len(closes))
	if period <= 0 || len(closes) < period+1 {
		return out
	}

	avgGain := 0.0
	avgLoss := 0.0
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// macdSeries derives MACD, its signal line, and the histogram from the fast
// and slow EMAs. The signal EMA starts once nine MACD values exist.
func macdSeries(emaFast, emaSlow []float64) (macd, signal, histogram []float64) {
	n := len(emaFast)
	macd = nanSeries(n)
	signal = nanSeries(n)
	histogram = nanSeries(n)

	firstValid := -1
	for i := 0; i < n; i++ {
		if !math.IsNaN(emaFast[i]) && !math.IsNaN(emaSlow[i]) {
			macd[i] = emaFast[i] - emaSlow[i]
			if firstValid < 0 {
				firstValid = i
			}
		}
	}
	if firstValid < 0 {
		return macd, signal, histogram
	}

	alpha := 2.0 / (float64(macdSignalSpan) + 1.0)
	current := macd[firstValid]
	for i := firstValid + 1; i < n; i++ {
		current = alpha*macd[i] + (1-alpha)*current
		if i >= firstValid+macdSignalSpan-1 {
			signal[i] = current
			histogram[i] = macd[i] - signal[i]
		}
	}
	return macd, signal, histogram
}

// bollinger returns the middle band (SMA) with upper/lower bands at width
// sample standard deviations.
func bollinger(closes []float64, window int, width float64) (middle, upper, lower []float64) {
	n := len(closes)
	middle = sma(closes, window)
	upper = nanSeries(n)
	lower = nanSeries(n)

	for i := window - 1; i < n; i++ {
		if math.IsNaN(middle[i]) {
			continue
		}
		variance := 0.0
		for j := i - window + 1; j <= i; j++ {
			d := closes[j] - middle[i]
			variance += d * d
		}
		sd := math.Sqrt(variance / float64(window-1))
		upper[i] = middle[i] + width*sd
		lower[i] = middle[i] - width*sd
	}
	return middle, upper, lower
}

// bullishEngulfing reports whether cur is a green body fully engulfing a
// red prev body.
func bullishEngulfing(prev, cur models.Candle) bool {
	return prev.Close < prev.Open &&
		cur.Close > cur.Open &&
		cur.Open <= prev.Close &&
		cur.Close >= prev.Open
}

// bearishEngulfing reports whether cur is a red body fully engulfing a
// green prev body.
func bearishEngulfing(prev, cur models.Candle) bool {
	return prev.Close > prev.Open &&
		cur.Close < cur.Open &&
		cur.Open >= prev.Close &&
		cur.Close <= prev.Open
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

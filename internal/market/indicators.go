package market

import (
	"errors"
	"math"

	"evo-trader/internal/models"
)

var (
	// ErrInsufficientData is returned when there's not enough data for calculation.
	ErrInsufficientData = errors.New("insufficient data for calculation")
	// ErrInvalidPeriod is returned when the period is invalid.
	ErrInvalidPeriod = errors.New("invalid period")
)

// Indicator periods.
const (
	RSIPeriod  = 14
	ATRPeriod  = 14
	FastEMA    = 20
	SlowEMA    = 50
	neutralRSI = 50
)

// EMA returns the exponential moving average series of values, seeded with
// the SMA of the first period values. Entries before the seed are zero.
func EMA(values []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(values) < period {
		return nil, ErrInsufficientData
	}

	result := make([]float64, len(values))
	multiplier := 2.0 / float64(period+1)

	result[period-1] = mean(values[:period])
	for i := period; i < len(values); i++ {
		result[i] = (values[i]-result[i-1])*multiplier + result[i-1]
	}
	return result, nil
}

// RSI returns the relative strength index series using Wilder smoothing.
func RSI(candles []models.Candle, period int) ([]float64, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < period+1 {
		return nil, ErrInsufficientData
	}

	n := len(candles)
	result := make([]float64, n)
	gains := make([]float64, n)
	losses := make([]float64, n)

	for i := 1; i < n; i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains[i] = change
		} else {
			losses[i] = -change
		}
	}

	avgGain := mean(gains[1 : period+1])
	avgLoss := mean(losses[1 : period+1])
	result[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < n; i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
		result[i] = rsiValue(avgGain, avgLoss)
	}
	return result, nil
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return neutralRSI
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ATR returns the average true range series using Wilder smoothing.
func ATR(candles []models.Candle, period int) ([]float64, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < period+1 {
		return nil, ErrInsufficientData
	}

	n := len(candles)
	result := make([]float64, n)
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		tr[i] = trueRange(candles[i], candles[i-1])
	}

	// The first candle has no previous close.
	result[period] = mean(tr[1 : period+1])
	for i := period + 1; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return result, nil
}

// Compute derives the latest indicator values from candles ordered oldest
// first. Short histories degrade to neutral values rather than failing.
func Compute(candles []models.Candle) models.Indicators {
	ind := models.Indicators{RSI14: neutralRSI, Trend: "neutral"}
	if len(candles) == 0 {
		return ind
	}
	last := len(candles) - 1
	lastClose := candles[last].Close

	if rsi, err := RSI(candles, RSIPeriod); err == nil {
		ind.RSI14 = rsi[last]
	}
	if atr, err := ATR(candles, ATRPeriod); err == nil {
		ind.ATR14 = atr[last]
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	ind.EMA20 = lastEMA(closes, FastEMA, lastClose)
	ind.EMA50 = lastEMA(closes, SlowEMA, lastClose)

	switch {
	case ind.EMA20 > ind.EMA50:
		ind.Trend = "bullish"
	case ind.EMA20 < ind.EMA50:
		ind.Trend = "bearish"
	}
	return ind
}

func lastEMA(values []float64, period int, fallback float64) float64 {
	ema, err := EMA(values, period)
	if err != nil {
		return fallback
	}
	return ema[len(ema)-1]
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func trueRange(current, previous models.Candle) float64 {
	highLow := current.High - current.Low
	highClose := math.Abs(current.High - previous.Close)
	lowClose := math.Abs(current.Low - previous.Close)
	return math.Max(highLow, math.Max(highClose, lowClose))
}

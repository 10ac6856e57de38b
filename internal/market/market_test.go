package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "evo-trader/internal/errors"
	"evo-trader/internal/models"
)

func rampCandles(n int, start, step float64) []models.Candle {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Candle, n)
	price := start
	for i := 0; i < n; i++ {
		next := price + step
		out[i] = models.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      maxf(price, next) + 1,
			Low:       minf(price, next) - 1,
			Close:     next,
			Volume:    100,
		}
		price = next
	}
	return out
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func TestCompute_Uptrend(t *testing.T) {
	ind := Compute(rampCandles(80, 100, 1))
	assert.Equal(t, 100.0, ind.RSI14)
	assert.Equal(t, "bullish", ind.Trend)
	assert.Greater(t, ind.EMA20, ind.EMA50)
	// Each candle spans step+2 and gaps nothing.
	assert.InDelta(t, 3.0, ind.ATR14, 1e-9)
}

func TestCompute_Downtrend(t *testing.T) {
	ind := Compute(rampCandles(80, 200, -1))
	assert.Equal(t, 0.0, ind.RSI14)
	assert.Equal(t, "bearish", ind.Trend)
}

func TestCompute_ShortHistoryIsNeutral(t *testing.T) {
	ind := Compute(rampCandles(5, 100, 1))
	assert.Equal(t, 50.0, ind.RSI14)
	assert.Equal(t, 0.0, ind.ATR14)
	assert.Equal(t, "neutral", ind.Trend)

	assert.Equal(t, "neutral", Compute(nil).Trend)
}

func TestEMA_SeedIsSMA(t *testing.T) {
	ema, err := EMA([]float64{1, 2, 3, 4}, 3)
	require.NoError(t, err)
	assert.Equal(t, 2.0, ema[2])
	assert.Equal(t, 3.0, ema[3])

	_, err = EMA([]float64{1}, 3)
	assert.ErrorIs(t, err, ErrInsufficientData)
	_, err = EMA([]float64{1}, 0)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

type fakeMarketData struct {
	candles []models.Candle
	err     error
	funding float64
}

func (f *fakeMarketData) Candles(ctx context.Context, symbol, bar string, limit int) ([]models.Candle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.candles, nil
}

func (f *fakeMarketData) FundingRate(ctx context.Context, symbol string) (float64, error) {
	return f.funding, nil
}

func (f *fakeMarketData) OpenInterest(ctx context.Context, symbol string) (float64, error) {
	return 0, errors.New("unsupported")
}

type memCandles struct {
	saved map[string][]models.Candle
}

func (m *memCandles) SaveCandles(ctx context.Context, symbol, timeframe string, candles []models.Candle) error {
	if m.saved == nil {
		m.saved = map[string][]models.Candle{}
	}
	m.saved[symbol] = candles
	return nil
}

func (m *memCandles) GetCandles(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]models.Candle, error) {
	return m.saved[symbol], nil
}

func TestCandleSource_Snapshot(t *testing.T) {
	data := &fakeMarketData{candles: rampCandles(60, 100, 1), funding: 0.0001}
	store := &memCandles{}
	src := NewCandleSource(DefaultConfig(), data, store, zerolog.Nop())

	mc, err := src.Snapshot(context.Background(), "BTC-USDT-SWAP")
	require.NoError(t, err)
	assert.Equal(t, 160.0, mc.Price)
	assert.Equal(t, 0.0001, mc.FundingRate)
	assert.Equal(t, "bullish", mc.Indicators.Trend)
	assert.Len(t, store.saved["BTC-USDT-SWAP"], 60)
}

func TestCandleSource_SnapshotFailureIsDegradedInput(t *testing.T) {
	src := NewCandleSource(DefaultConfig(), &fakeMarketData{err: errors.New("down")}, nil, zerolog.Nop())

	_, err := src.Snapshot(context.Background(), "BTC-USDT-SWAP")
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassDegradedInput, apperrors.Classify(err))
}

func TestCandleSource_HistoryFiltersAndFallsBack(t *testing.T) {
	candles := rampCandles(48, 100, 1)
	data := &fakeMarketData{candles: candles}
	store := &memCandles{}
	src := NewCandleSource(DefaultConfig(), data, store, zerolog.Nop())

	from := candles[24].Timestamp
	to := candles[47].Timestamp
	got, err := src.History(context.Background(), "BTC-USDT-SWAP", from, to)
	require.NoError(t, err)
	assert.Len(t, got, 24)
	assert.True(t, got[0].Timestamp.Equal(from))

	data.err = errors.New("down")
	got, err = src.History(context.Background(), "BTC-USDT-SWAP", from, to)
	require.NoError(t, err)
	assert.Len(t, got, 48, "falls back to stored candles")
}

func TestBarDuration(t *testing.T) {
	assert.Equal(t, time.Hour, BarDuration("1H"))
	assert.Equal(t, 15*time.Minute, BarDuration("15m"))
	assert.Equal(t, 24*time.Hour, BarDuration("1Dutc"))
	assert.Equal(t, time.Hour, BarDuration("bogus"))
}

func TestCandleSource_LastPrice(t *testing.T) {
	src := NewCandleSource(DefaultConfig(), &fakeMarketData{candles: rampCandles(5, 100, 2)}, nil, zerolog.Nop())
	price, err := src.LastPrice(context.Background(), "BTC-USDT-SWAP")
	require.NoError(t, err)
	assert.Equal(t, 110.0, price)

	_, err = NewCandleSource(DefaultConfig(), &fakeMarketData{}, nil, zerolog.Nop()).LastPrice(context.Background(), "BTC-USDT-SWAP")
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = NewCandleSource(DefaultConfig(), &fakeMarketData{err: errors.New("down")}, nil, zerolog.Nop()).LastPrice(context.Background(), "BTC-USDT-SWAP")
	assert.Error(t, err)
}

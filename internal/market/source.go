// Package market builds market context snapshots and candle history for the
// decision loop and the opportunity scanner.
package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "evo-trader/internal/errors"
	"evo-trader/internal/exchange"
	"evo-trader/internal/logging"
	"evo-trader/internal/models"
)

// ContextSource produces a market context snapshot for a symbol.
type ContextSource interface {
	Snapshot(ctx context.Context, symbol string) (models.MarketContext, error)
}

// HistorySource returns candles for a symbol over a time range, oldest first.
type HistorySource interface {
	History(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error)
}

// PriceSource reports the latest traded price for a symbol.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// CandleStore caches candles.
type CandleStore interface {
	SaveCandles(ctx context.Context, symbol, timeframe string, candles []models.Candle) error
	GetCandles(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]models.Candle, error)
}

// Config configures a CandleSource.
type Config struct {
	Timeframe string // OKX bar, e.g. "1H"
	Lookback  int    // candles fetched per snapshot
}

// DefaultConfig returns the default market configuration.
func DefaultConfig() Config {
	return Config{Timeframe: "1H", Lookback: 100}
}

// CandleSource derives context from venue candles and caches them in the store.
type CandleSource struct {
	cfg    Config
	data   exchange.MarketData
	store  CandleStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewCandleSource creates a candle-backed context and history source. store
// may be nil.
func NewCandleSource(cfg Config, data exchange.MarketData, store CandleStore, logger zerolog.Logger) *CandleSource {
	if cfg.Timeframe == "" {
		cfg.Timeframe = "1H"
	}
	if cfg.Lookback <= SlowEMA {
		cfg.Lookback = 100
	}
	return &CandleSource{
		cfg:    cfg,
		data:   data,
		store:  store,
		logger: logging.WithComponent(logger, "market"),
		now:    time.Now,
	}
}

// Snapshot fetches recent candles and derives indicators. Funding rate and
// open interest are best effort.
func (s *CandleSource) Snapshot(ctx context.Context, symbol string) (models.MarketContext, error) {
	candles, err := s.data.Candles(ctx, symbol, s.cfg.Timeframe, s.cfg.Lookback)
	if err != nil {
		return models.MarketContext{}, apperrors.NewDecisionError("market", symbol, err)
	}
	if len(candles) == 0 {
		return models.MarketContext{}, apperrors.NewDecisionError("market", symbol, ErrInsufficientData)
	}
	s.cache(ctx, symbol, candles)

	last := candles[len(candles)-1]
	mc := models.MarketContext{
		Symbol:     symbol,
		Price:      last.Close,
		Timestamp:  last.Timestamp,
		Indicators: Compute(candles),
	}

	if rate, err := s.data.FundingRate(ctx, symbol); err == nil {
		mc.FundingRate = rate
	} else {
		s.logger.Debug().Err(err).Str("symbol", symbol).Msg("Funding rate unavailable")
	}
	if oi, err := s.data.OpenInterest(ctx, symbol); err == nil {
		mc.OpenInterest = oi
	} else {
		s.logger.Debug().Err(err).Str("symbol", symbol).Msg("Open interest unavailable")
	}
	return mc, nil
}

// LastPrice returns the close of the most recent candle. It derives no
// indicators and is used to mark open positions.
func (s *CandleSource) LastPrice(ctx context.Context, symbol string) (float64, error) {
	candles, err := s.data.Candles(ctx, symbol, s.cfg.Timeframe, 1)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price for %s: %w", symbol, err)
	}
	if len(candles) == 0 {
		return 0, ErrInsufficientData
	}
	return candles[len(candles)-1].Close, nil
}

// History returns candles in [from, to]. It fetches from the venue and falls
// back to the store when the venue is unavailable.
func (s *CandleSource) History(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error) {
	bar := BarDuration(s.cfg.Timeframe)
	limit := int(to.Sub(from)/bar) + 2
	if limit > 300 {
		limit = 300
	}

	candles, err := s.data.Candles(ctx, symbol, s.cfg.Timeframe, limit)
	if err != nil {
		if s.store == nil {
			return nil, fmt.Errorf("failed to fetch history for %s: %w", symbol, err)
		}
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("Venue history unavailable, using stored candles")
		return s.store.GetCandles(ctx, symbol, s.cfg.Timeframe, from, to)
	}
	s.cache(ctx, symbol, candles)

	out := make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		if c.Timestamp.Before(from) || c.Timestamp.After(to) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *CandleSource) cache(ctx context.Context, symbol string, candles []models.Candle) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveCandles(ctx, symbol, s.cfg.Timeframe, candles); err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache candles")
	}
}

// BarDuration converts an OKX bar string to a duration. Unknown bars map to
// one hour.
func BarDuration(bar string) time.Duration {
	if len(bar) < 2 {
		return time.Hour
	}
	unit := bar[len(bar)-1:]
	var n int
	if _, err := fmt.Sscanf(bar[:len(bar)-1], "%d", &n); err != nil || n <= 0 {
		return time.Hour
	}
	switch unit {
	case "m":
		return time.Duration(n) * time.Minute
	case "H", "h":
		return time.Duration(n) * time.Hour
	case "D", "d":
		return time.Duration(n) * 24 * time.Hour
	case "W", "w":
		return time.Duration(n) * 7 * 24 * time.Hour
	}
	if strings.HasSuffix(bar, "utc") {
		return BarDuration(strings.TrimSuffix(bar, "utc"))
	}
	return time.Hour
}

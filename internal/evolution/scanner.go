package evolution

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"evo-trader/internal/logging"
	"evo-trader/internal/market"
	"evo-trader/internal/models"
)

// ActivityStore answers whether a symbol was traded and remembers which
// moves have been scanned.
type ActivityStore interface {
	HasActivity(ctx context.Context, symbol string, from, to time.Time) (bool, error)
	ClaimScanWindow(ctx context.Context, key string) (bool, error)
	ReleaseScanWindow(ctx context.Context, key string) error
}

// ScannerConfig holds opportunity scanner configuration.
type ScannerConfig struct {
	Symbols   []string
	Interval  time.Duration
	Window    time.Duration
	Threshold float64 // fractional close-to-close move, 0.05 = 5%
	Lookback  time.Duration
}

// DefaultScannerConfig returns the default scanner configuration.
func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		Interval:  time.Hour,
		Window:    24 * time.Hour,
		Threshold: 0.05,
		Lookback:  12 * time.Hour,
	}
}

// Scanner looks back over recent candles for large moves the system did
// not trade and records a MISSED_OPPORTUNITY lesson for each.
type Scanner struct {
	cfg     ScannerConfig
	history market.HistorySource
	store   ActivityStore
	sink    LessonSink
	logger  zerolog.Logger
	now     func() time.Time
}

// NewScanner creates an opportunity scanner.
func NewScanner(cfg ScannerConfig, history market.HistorySource, store ActivityStore, sink LessonSink, logger zerolog.Logger) *Scanner {
	def := DefaultScannerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	return &Scanner{
		cfg:     cfg,
		history: history,
		store:   store,
		sink:    sink,
		logger:  logging.WithComponent(logger, "scanner"),
		now:     time.Now,
	}
}

// Run scans all symbols once at start and then every interval.
func (s *Scanner) Run(ctx context.Context) error {
	s.ScanAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.ScanAll(ctx)
		}
	}
}

// ScanAll scans every configured symbol. Per-symbol failures are logged.
func (s *Scanner) ScanAll(ctx context.Context) int {
	total := 0
	for _, symbol := range s.cfg.Symbols {
		if ctx.Err() != nil {
			break
		}
		n, err := s.ScanSymbol(ctx, symbol)
		if err != nil {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("Scan failed")
			continue
		}
		total += n
	}
	if total > 0 {
		s.logger.Info().Int("lessons", total).Msg("Missed opportunities recorded")
	}
	return total
}

// ScanSymbol examines the trailing window for symbol and returns the number
// of lessons emitted.
func (s *Scanner) ScanSymbol(ctx context.Context, symbol string) (int, error) {
	to := s.now()
	candles, err := s.history.History(ctx, symbol, to.Add(-s.cfg.Window), to)
	if err != nil {
		return 0, fmt.Errorf("failed to load history for %s: %w", symbol, err)
	}

	emitted := 0
	for i := 1; i < len(candles); i++ {
		prev, cur := candles[i-1], candles[i]
		if prev.Close <= 0 {
			continue
		}
		change := (cur.Close - prev.Close) / prev.Close
		if math.IsNaN(change) || math.Abs(change) < s.cfg.Threshold {
			continue
		}

		moveStart := cur.Timestamp.UTC()
		active, err := s.store.HasActivity(ctx, symbol, moveStart.Add(-s.cfg.Lookback), moveStart)
		if err != nil {
			return emitted, err
		}
		if active {
			s.logger.Debug().Str("symbol", symbol).Time("move_start", moveStart).Msg("Move excluded, symbol was traded")
			continue
		}

		key := ScanKey(symbol, moveStart)
		claimed, err := s.store.ClaimScanWindow(ctx, key)
		if err != nil {
			return emitted, err
		}
		if !claimed {
			continue
		}

		lesson := missedLesson(symbol, candles[:i], change, moveStart, s.now())
		lesson.Key = key
		if err := s.sink.Write(lesson); err != nil {
			s.logger.Error().Err(err).Str("key", key).Msg("Failed to queue missed opportunity")
			// Unclaim so the next scan retries the move.
			if rerr := s.store.ReleaseScanWindow(ctx, key); rerr != nil {
				s.logger.Error().Err(rerr).Str("key", key).Msg("Failed to release scan window")
			}
			continue
		}
		emitted++
	}
	return emitted, nil
}

// ScanKey is the dedup key of a move.
func ScanKey(symbol string, moveStart time.Time) string {
	return symbol + "|" + moveStart.UTC().Format(time.RFC3339)
}

// missedLesson builds the lesson from the candles before the move.
func missedLesson(symbol string, before []models.Candle, change float64, moveStart, now time.Time) models.LessonRecord {
	last := before[len(before)-1]
	mc := models.MarketContext{
		Symbol:     symbol,
		Price:      last.Close,
		Timestamp:  last.Timestamp,
		Indicators: market.Compute(before),
	}

	direction := models.DirectionLong
	if change < 0 {
		direction = models.DirectionShort
	}

	return models.LessonRecord{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Tag:         models.LessonMissedOpportunity,
		Fingerprint: mc.Fingerprint(),
		Rationale: fmt.Sprintf("Price moved %+.2f%% in the candle opening %s with no position. A %s entry from this state was missed.",
			change*100, moveStart.Format(time.RFC3339), direction),
		SourceRef: ScanKey(symbol, moveStart),
		Features:  models.FeaturesOf(mc),
		CreatedAt: now.UTC(),
	}
}

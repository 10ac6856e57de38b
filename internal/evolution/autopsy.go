package evolution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"evo-trader/internal/logging"
	"evo-trader/internal/models"
)

// ReviewStore is the part of the trade ledger the autopsy needs.
type ReviewStore interface {
	ListTrades(ctx context.Context, filter models.TradeFilter) ([]models.TradeRecord, error)
	MarkReviewed(ctx context.Context, tradeID string) (bool, error)
}

// AutopsyConfig holds autopsy configuration.
type AutopsyConfig struct {
	// ROEThreshold selects trades for the periodic sweep: only losses with
	// ROE below it are reviewed.
	ROEThreshold float64
	// Window is how far back the sweep looks.
	Window time.Duration
}

// Autopsy reviews losing trades and records one PAST_MISTAKE lesson each.
type Autopsy struct {
	cfg    AutopsyConfig
	store  ReviewStore
	sink   LessonSink
	logger zerolog.Logger

	// mu serializes the reviewed check-and-set with lesson emission.
	mu  sync.Mutex
	now func() time.Time
}

// NewAutopsy creates an autopsy reviewer.
func NewAutopsy(cfg AutopsyConfig, store ReviewStore, sink LessonSink, logger zerolog.Logger) *Autopsy {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	return &Autopsy{
		cfg:    cfg,
		store:  store,
		sink:   sink,
		logger: logging.WithComponent(logger, "autopsy"),
		now:    time.Now,
	}
}

// Review records a lesson for a losing trade. It returns true when a lesson
// was emitted. Winning or already reviewed trades are skipped.
func (a *Autopsy) Review(ctx context.Context, trade models.TradeRecord) (bool, error) {
	if !trade.IsLoss() || trade.Reviewed {
		return false, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// The lesson is queued before the flag is set so a full queue leaves the
	// trade eligible for the next sweep. The writer and memory store both
	// drop repeated keys.
	lesson := MistakeLesson(trade, a.now())
	if err := a.sink.Write(lesson); err != nil {
		return false, fmt.Errorf("failed to queue lesson for trade %s: %w", trade.ID, err)
	}

	flipped, err := a.store.MarkReviewed(ctx, trade.ID)
	if err != nil {
		return false, fmt.Errorf("failed to mark trade %s reviewed: %w", trade.ID, err)
	}
	if !flipped {
		return false, nil
	}

	a.logger.Info().
		Str("trade_id", trade.ID).
		Str("symbol", trade.Symbol).
		Float64("roe", trade.ROE()).
		Float64("pnl", trade.RealizedPnL).
		Msg("Losing trade reviewed")
	return true, nil
}

// ReviewPending reviews every unreviewed loss in the trailing window whose
// ROE is below the threshold. It returns the number of lessons emitted.
func (a *Autopsy) ReviewPending(ctx context.Context) (int, error) {
	trades, err := a.store.ListTrades(ctx, models.TradeFilter{
		Since:      a.now().Add(-a.cfg.Window),
		Unreviewed: true,
		LossesOnly: true,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list trades for review: %w", err)
	}

	reviewed := 0
	for _, t := range trades {
		if t.ROE() >= a.cfg.ROEThreshold {
			continue
		}
		ok, err := a.Review(ctx, t)
		if err != nil {
			a.logger.Error().Err(err).Str("trade_id", t.ID).Msg("Review failed")
			continue
		}
		if ok {
			reviewed++
		}
	}
	if reviewed > 0 {
		a.logger.Info().Int("count", reviewed).Msg("Periodic review complete")
	}
	return reviewed, nil
}

// Run sweeps pending reviews every interval until ctx is canceled.
func (a *Autopsy) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = a.cfg.Window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.ReviewPending(ctx); err != nil {
				a.logger.Error().Err(err).Msg("Periodic review failed")
			}
		}
	}
}

// MistakeLesson builds the PAST_MISTAKE lesson for a losing trade.
func MistakeLesson(trade models.TradeRecord, now time.Time) models.LessonRecord {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s ended in a loss: ROE %.2f%%, PnL %.2f.",
		strings.ToUpper(string(trade.Direction)), trade.Symbol, trade.ROE()*100, trade.RealizedPnL)
	if trade.PredictedPayoff > 0 {
		expected := trade.PredictedWinProb*trade.PredictedPayoff - (1 - trade.PredictedWinProb)
		fmt.Fprintf(&b, " Predicted win probability %.2f at payoff %.2f (expected edge %+.2fR) against realized ROE %.2f%%.",
			trade.PredictedWinProb, trade.PredictedPayoff, expected, trade.ROE()*100)
	}
	b.WriteString(" Avoid similar setups.")

	return models.LessonRecord{
		ID:          uuid.NewString(),
		Key:         "trade|" + trade.ID,
		Symbol:      trade.Symbol,
		Tag:         models.LessonPastMistake,
		Fingerprint: trade.ContextSnapshot,
		Rationale:   b.String(),
		SourceRef:   trade.ID,
		Features:    models.FeaturesFromFingerprint(trade.ContextSnapshot),
		CreatedAt:   now.UTC(),
	}
}

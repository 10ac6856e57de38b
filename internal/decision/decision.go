// Package decision turns a market context and recalled lessons into a trade
// intent. Sources are untrusted: every output passes through a Guard that
// enforces a deadline and degrades anything unusable to a no-trade.
package decision

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	apperrors "evo-trader/internal/errors"
	"evo-trader/internal/logging"
	"evo-trader/internal/metrics"
	"evo-trader/internal/models"
)

// Source produces a trade intent.
type Source interface {
	Decide(ctx context.Context, mc models.MarketContext, lessons []models.LessonRecord) (models.TradeIntent, error)
}

// None never trades.
type None struct{}

// Decide returns a no-trade intent.
func (None) Decide(ctx context.Context, mc models.MarketContext, lessons []models.LessonRecord) (models.TradeIntent, error) {
	return models.NoTrade(mc.Symbol, "decision source disabled"), nil
}

// Guard wraps a Source with a timeout and output validation.
type Guard struct {
	source          Source
	timeout         time.Duration
	strategyVersion string
	metrics         *metrics.Metrics
	logger          zerolog.Logger
}

// NewGuard creates a guard around source.
func NewGuard(source Source, timeout time.Duration, strategyVersion string, m *metrics.Metrics, logger zerolog.Logger) *Guard {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Guard{
		source:          source,
		timeout:         timeout,
		strategyVersion: strategyVersion,
		metrics:         m,
		logger:          logging.WithComponent(logger, "decision"),
	}
}

type outcome struct {
	intent models.TradeIntent
	err    error
}

// Decide calls the source and always returns a usable intent. Timeouts,
// errors and malformed output become a no-trade for this symbol.
func (g *Guard) Decide(ctx context.Context, mc models.MarketContext, lessons []models.LessonRecord) models.TradeIntent {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		intent, err := g.source.Decide(callCtx, mc, lessons)
		done <- outcome{intent: intent, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		out.err = fmt.Errorf("%w after %s", apperrors.ErrDecisionTimeout, g.timeout)
	}

	if out.err != nil {
		return g.degrade(mc, out.err)
	}

	intent, err := g.validate(mc, out.intent)
	if err != nil {
		return g.degrade(mc, err)
	}

	if intent.IsNoTrade() {
		g.metrics.RecordDecision("no_trade")
	} else {
		g.metrics.RecordDecision("trade")
	}
	logging.LogDecision(g.logger, mc.Symbol, string(intent.Direction), intent.WinProbability, intent.PayoffRatio, intent.Reason)
	return intent
}

func (g *Guard) degrade(mc models.MarketContext, err error) models.TradeIntent {
	g.metrics.RecordDecision("degraded")
	g.logger.Warn().
		Err(apperrors.NewDecisionError("guard", mc.Symbol, err)).
		Str("symbol", mc.Symbol).
		Msg("Decision degraded to no-trade")
	intent := models.NoTrade(mc.Symbol, "degraded: "+err.Error())
	intent.Context = mc
	intent.StrategyVersion = g.strategyVersion
	return intent
}

// validate fills in context fields and rejects values no sizing rule could
// use.
func (g *Guard) validate(mc models.MarketContext, intent models.TradeIntent) (models.TradeIntent, error) {
	intent.Symbol = mc.Symbol
	intent.Context = mc
	if intent.StrategyVersion == "" {
		intent.StrategyVersion = g.strategyVersion
	}
	if intent.Direction == "" {
		intent.Direction = models.DirectionFlat
	}
	if !intent.Direction.Valid() {
		return intent, fmt.Errorf("%w: unknown direction %q", apperrors.ErrMalformedDecision, intent.Direction)
	}
	if intent.IsNoTrade() {
		return intent, nil
	}

	p, b := intent.WinProbability, intent.PayoffRatio
	if math.IsNaN(p) || p < 0 || p > 1 {
		return intent, fmt.Errorf("%w: win probability %v", apperrors.ErrMalformedDecision, p)
	}
	if math.IsNaN(b) || math.IsInf(b, 0) || b <= 0 {
		return intent, fmt.Errorf("%w: payoff ratio %v", apperrors.ErrMalformedDecision, b)
	}
	if math.IsNaN(intent.StopDistance) || intent.StopDistance < 0 || intent.StopDistance >= 1 {
		return intent, fmt.Errorf("%w: stop distance %v", apperrors.ErrMalformedDecision, intent.StopDistance)
	}
	return intent, nil
}

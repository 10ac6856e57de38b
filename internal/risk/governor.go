// Package risk implements the drawdown circuit breaker that gates all new
// trading.
//
// The governor has two states. ACTIVE allows trading. HALTED is entered when
// drawdown from peak equity reaches the configured limit and is left only by
// an explicit operator Reset; the governor never resumes on its own.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "evo-trader/internal/errors"
	"evo-trader/internal/logging"
	"evo-trader/internal/metrics"
	"evo-trader/internal/models"
	"evo-trader/internal/notify"
)

// HardWinProbCeiling is the highest win probability ever used for sizing.
const HardWinProbCeiling = 0.75

// ErrNotHalted is returned by Reset when there is nothing to reset.
var ErrNotHalted = errors.New("governor is not halted")

// Config holds governor limits.
type Config struct {
	MaxDrawdown    float64
	WinProbCeiling float64
}

// DefaultConfig returns the default governor configuration.
func DefaultConfig() Config {
	return Config{MaxDrawdown: 0.10, WinProbCeiling: HardWinProbCeiling}
}

// StateStore persists the ledger so a halt survives restart.
type StateStore interface {
	SaveRiskState(ctx context.Context, state models.RiskState) error
	LoadRiskState(ctx context.Context) (models.RiskState, bool, error)
}

// Option configures a Governor.
type Option func(*Governor)

// WithStateStore persists every mutation to store.
func WithStateStore(store StateStore) Option {
	return func(g *Governor) { g.store = store }
}

// WithNotifier sends halt, reset and failed-order alerts to n.
func WithNotifier(n notify.Notifier) Option {
	return func(g *Governor) { g.notifier = n }
}

// WithMetrics records the ledger on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Governor) { g.metrics = m }
}

// Governor owns the RiskState. All mutation happens under mu.
type Governor struct {
	mu    sync.Mutex
	cfg   Config
	state models.RiskState

	store    StateStore
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// NewGovernor creates a governor starting ACTIVE at startingEquity.
func NewGovernor(cfg Config, startingEquity float64, logger zerolog.Logger, opts ...Option) *Governor {
	g := &Governor{
		cfg: cfg,
		state: models.RiskState{
			StartingEquity: startingEquity,
			CurrentEquity:  startingEquity,
			PeakEquity:     startingEquity,
		},
		notifier: notify.NoOpNotifier{},
		logger:   logging.WithComponent(logger, "risk"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.state.UpdatedAt = g.now()
	return g
}

// Restore loads the persisted ledger, if any, replacing the in-memory one.
func (g *Governor) Restore(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	state, ok, err := g.store.LoadRiskState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load risk state: %w", err)
	}
	if !ok {
		g.mu.Lock()
		g.persist(ctx, g.state)
		g.mu.Unlock()
		return nil
	}

	g.mu.Lock()
	g.state = state
	g.mu.Unlock()

	g.metrics.SetRisk(state.CurrentEquity, state.Drawdown, state.Halted)
	event := g.logger.Info()
	if state.Halted {
		event = g.logger.Warn()
	}
	event.
		Float64("equity", state.CurrentEquity).
		Float64("peak", state.PeakEquity).
		Bool("halted", state.Halted).
		Msg("Risk state restored")
	return nil
}

// Snapshot returns a copy of the current ledger.
func (g *Governor) Snapshot() models.RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// MayTrade reports whether new trading is allowed.
func (g *Governor) MayTrade() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.state.Halted
}

// Check returns a RiskError when trading is halted.
func (g *Governor) Check() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Halted {
		return apperrors.NewRiskError("max_drawdown", g.state.Drawdown, g.cfg.MaxDrawdown, g.state.HaltReason)
	}
	return nil
}

// Ceiling returns the effective win probability ceiling.
func (g *Governor) Ceiling() float64 {
	c := g.cfg.WinProbCeiling
	if c <= 0 || c > HardWinProbCeiling || math.IsNaN(c) {
		return HardWinProbCeiling
	}
	return c
}

// CapWinProbability caps p at the configured ceiling, never above 0.75.
func (g *Governor) CapWinProbability(p float64) float64 {
	if math.IsNaN(p) {
		return 0
	}
	return math.Min(p, g.Ceiling())
}

// RecordClose applies a closed trade's realized P&L to the ledger.
func (g *Governor) RecordClose(ctx context.Context, pnl float64) models.RiskState {
	if math.IsNaN(pnl) || math.IsInf(pnl, 0) {
		g.logger.Error().Float64("pnl", pnl).Msg("Ignoring non-finite realized P&L")
		return g.Snapshot()
	}

	g.mu.Lock()
	tripped := g.applyEquity(g.state.CurrentEquity + pnl)
	snapshot := g.state
	g.persist(ctx, snapshot)
	g.mu.Unlock()

	g.logger.Info().
		Float64("pnl", pnl).
		Float64("equity", snapshot.CurrentEquity).
		Float64("drawdown", snapshot.Drawdown).
		Msg("Trade close recorded")

	g.afterMutation(ctx, snapshot, tripped)
	return snapshot
}

// SyncEquity applies an exchange-reported equity reading to the ledger.
func (g *Governor) SyncEquity(ctx context.Context, equity float64) models.RiskState {
	if math.IsNaN(equity) || math.IsInf(equity, 0) {
		return g.Snapshot()
	}

	g.mu.Lock()
	tripped := g.applyEquity(equity)
	snapshot := g.state
	g.persist(ctx, snapshot)
	g.mu.Unlock()

	g.afterMutation(ctx, snapshot, tripped)
	return snapshot
}

// applyEquity must be called with mu held. It reports whether the call
// tripped the breaker.
func (g *Governor) applyEquity(equity float64) bool {
	g.state.CurrentEquity = equity
	if equity > g.state.PeakEquity {
		g.state.PeakEquity = equity
	}
	g.state.Drawdown = models.ComputeDrawdown(g.state.PeakEquity, equity)
	g.state.UpdatedAt = g.now()

	if g.state.Halted || g.state.Drawdown < g.cfg.MaxDrawdown {
		return false
	}

	g.state.Halted = true
	g.state.HaltedAt = g.state.UpdatedAt
	g.state.HaltReason = fmt.Sprintf("drawdown %.2f%% reached limit %.2f%%",
		g.state.Drawdown*100, g.cfg.MaxDrawdown*100)
	return true
}

func (g *Governor) afterMutation(ctx context.Context, snapshot models.RiskState, tripped bool) {
	g.metrics.SetRisk(snapshot.CurrentEquity, snapshot.Drawdown, snapshot.Halted)

	if !tripped {
		return
	}
	logging.LogHalt(g.logger, true, snapshot.Drawdown, snapshot.CurrentEquity, snapshot.HaltReason)
	g.notifier.Notify(ctx, notify.Notification{
		Type:    notify.NotificationHalt,
		Title:   "Trading halted",
		Message: snapshot.HaltReason + ". Manual reset required.",
		Data: map[string]interface{}{
			"equity":   snapshot.CurrentEquity,
			"peak":     snapshot.PeakEquity,
			"drawdown": snapshot.Drawdown,
		},
	})
}

// RecordFailedOrder notes an order that exhausted its retries. Equity is
// unchanged.
func (g *Governor) RecordFailedOrder(ctx context.Context, clientOrderID, symbol string, cause error) {
	g.mu.Lock()
	g.state.FailedOrders++
	g.state.UpdatedAt = g.now()
	snapshot := g.state
	g.persist(ctx, snapshot)
	g.mu.Unlock()

	g.logger.Error().
		Err(cause).
		Str("client_order_id", clientOrderID).
		Str("symbol", symbol).
		Int("failed_orders", snapshot.FailedOrders).
		Msg("Order failed after retries")

	msg := "order exhausted retries"
	if cause != nil {
		msg = cause.Error()
	}
	g.notifier.Notify(ctx, notify.Notification{
		Type:    notify.NotificationFailure,
		Title:   "Order failed: " + symbol,
		Message: msg,
		Data: map[string]interface{}{
			"client_order_id": clientOrderID,
			"symbol":          symbol,
		},
	})
}

// Reset leaves HALTED. Peak equity is re-baselined to current equity so the
// drawdown that caused the halt does not immediately re-trip it.
func (g *Governor) Reset(ctx context.Context, operator, reason string) (models.RiskState, error) {
	if operator == "" {
		return g.Snapshot(), fmt.Errorf("reset requires an operator name")
	}

	g.mu.Lock()
	if !g.state.Halted {
		snapshot := g.state
		g.mu.Unlock()
		return snapshot, ErrNotHalted
	}
	previousReason := g.state.HaltReason
	g.state.Halted = false
	g.state.HaltReason = ""
	g.state.HaltedAt = time.Time{}
	g.state.PeakEquity = g.state.CurrentEquity
	g.state.Drawdown = 0
	g.state.UpdatedAt = g.now()
	snapshot := g.state
	g.persist(ctx, snapshot)
	g.mu.Unlock()

	g.metrics.SetRisk(snapshot.CurrentEquity, snapshot.Drawdown, snapshot.Halted)

	g.logger.Warn().
		Str("event", "audit").
		Str("action", "risk_reset").
		Str("operator", operator).
		Str("reason", reason).
		Str("previous_halt_reason", previousReason).
		Float64("equity", snapshot.CurrentEquity).
		Msg("Risk governor reset by operator")

	g.notifier.Notify(ctx, notify.Notification{
		Type:    notify.NotificationReset,
		Title:   "Trading resumed",
		Message: fmt.Sprintf("Reset by %s: %s", operator, reason),
		Data: map[string]interface{}{
			"equity":   snapshot.CurrentEquity,
			"operator": operator,
		},
	})

	return snapshot, nil
}

// persist must be called with mu held so saves land in mutation order.
func (g *Governor) persist(ctx context.Context, state models.RiskState) {
	if g.store == nil {
		return
	}
	if err := g.store.SaveRiskState(ctx, state); err != nil {
		g.logger.Error().Err(err).Msg("Failed to persist risk state")
	}
}

// Package engine runs the decision-execution-governance cycle: it gathers
// market context, recalls lessons, asks the decision source, sizes and
// submits orders, and feeds closed trades back into the risk ledger and
// the autopsy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"evo-trader/internal/exchange"
	"evo-trader/internal/logging"
	"evo-trader/internal/market"
	"evo-trader/internal/memory"
	"evo-trader/internal/metrics"
	"evo-trader/internal/models"
	"evo-trader/internal/store"
)

// TradeStore is the persistence the loop needs for closed trades.
type TradeStore interface {
	AppendTrade(ctx context.Context, trade *models.TradeRecord) (bool, error)
	GetJournal(ctx context.Context, clientOrderID string) (models.JournalEntry, error)
	LatestFilled(ctx context.Context, symbol string, before time.Time) (models.JournalEntry, bool, error)
	GetLastSync(ctx context.Context, dataType string) (time.Time, error)
	SetLastSync(ctx context.Context, dataType string, t time.Time) error
}

// Governor is the risk governor as seen by the loop.
type Governor interface {
	MayTrade() bool
	Snapshot() models.RiskState
	CapWinProbability(p float64) float64
	RecordClose(ctx context.Context, pnl float64) models.RiskState
}

// Decider returns a validated intent for a context. It never fails.
type Decider interface {
	Decide(ctx context.Context, mc models.MarketContext, lessons []models.LessonRecord) models.TradeIntent
}

// Sizer converts an intent into a sized order.
type Sizer interface {
	Size(intent models.TradeIntent, equity, price float64) models.SizedOrder
}

// Executor submits sized orders.
type Executor interface {
	Submit(ctx context.Context, order models.SizedOrder) models.ExecutionResult
}

// Reviewer reviews closed trades.
type Reviewer interface {
	Review(ctx context.Context, trade models.TradeRecord) (bool, error)
}

// PriceSink receives the latest observed price. The paper venue uses it to
// mark positions and trigger stops.
type PriceSink interface {
	SetPrice(symbol string, price float64)
}

// PositionMarker is a venue that marks its own open positions from pushed
// prices.
type PositionMarker interface {
	PriceSink
	OpenPositions() []string
}

// Config holds loop configuration.
type Config struct {
	Symbols     []string
	MemoryLimit int
	// Leverage converts journaled notional into initial margin when the
	// venue does not report margin on a closed trade.
	Leverage float64
}

// Deps are the collaborators of a Loop.
type Deps struct {
	Market   market.ContextSource
	Memory   memory.Store
	Decider  Decider
	Sizer    Sizer
	Governor Governor
	Executor Executor
	Exchange exchange.Exchange
	Store    TradeStore
	Reviewer Reviewer
	Metrics  *metrics.Metrics
}

// Loop runs evaluation cycles.
type Loop struct {
	cfg Config
	Deps
	logger zerolog.Logger

	// closeMu serializes closed-trade handling between the cycle and
	// external callers.
	closeMu sync.Mutex
	now     func() time.Time
}

// New creates a loop.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Loop {
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = 4
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	return &Loop{
		cfg:    cfg,
		Deps:   deps,
		logger: logging.WithComponent(logger, "loop"),
		now:    time.Now,
	}
}

// RunCycle runs one evaluation cycle and returns the highest volatility
// observed across symbols. It returns -1 when no symbol produced a reading,
// which tells the heartbeat to keep its cadence.
func (l *Loop) RunCycle(ctx context.Context) (float64, error) {
	start := l.now()

	// Ledger upkeep runs while halted; only evaluation is skipped.
	l.markPositions(ctx)
	if err := l.SyncClosedTrades(ctx); err != nil {
		l.logger.Error().Err(err).Msg("Closed trade sync failed")
	}

	if !l.Governor.MayTrade() {
		state := l.Governor.Snapshot()
		l.Metrics.RecordCycle("halted", l.now().Sub(start))
		l.logger.Warn().
			Float64("drawdown", state.Drawdown).
			Str("reason", state.HaltReason).
			Msg("Trading halted, cycle skipped")
		return -1, nil
	}

	volatility := -1.0
	for _, symbol := range l.cfg.Symbols {
		if ctx.Err() != nil {
			break
		}
		if !l.Governor.MayTrade() {
			l.logger.Warn().Msg("Trading halted mid-cycle, remaining symbols skipped")
			break
		}
		vol, ok := l.evaluate(ctx, symbol)
		if ok && vol > volatility {
			volatility = vol
		}
	}

	if err := ctx.Err(); err != nil {
		l.Metrics.RecordCycle("error", l.now().Sub(start))
		return volatility, err
	}
	l.Metrics.RecordCycle("run", l.now().Sub(start))
	return volatility, nil
}

// markPositions pushes the latest price for every open position so the
// venue can trigger its stops.
func (l *Loop) markPositions(ctx context.Context) {
	marker, ok := l.Exchange.(PositionMarker)
	if !ok {
		return
	}
	prices, ok := l.Market.(market.PriceSource)
	if !ok {
		return
	}
	for _, symbol := range marker.OpenPositions() {
		price, err := prices.LastPrice(ctx, symbol)
		if err != nil || price <= 0 {
			l.logger.Warn().Err(err).Str("symbol", symbol).Msg("No mark price for open position")
			continue
		}
		marker.SetPrice(symbol, price)
	}
}

// evaluate runs context, recall, decision, sizing and execution for one
// symbol. It reports the symbol's volatility and whether a context was
// obtained.
func (l *Loop) evaluate(ctx context.Context, symbol string) (float64, bool) {
	logger := logging.WithSymbol(l.logger, symbol)

	mc, err := l.Market.Snapshot(ctx, symbol)
	if err != nil {
		logger.Warn().Err(err).Msg("Market context unavailable, no trade this cycle")
		return 0, false
	}
	if sink, ok := l.Exchange.(PriceSink); ok {
		sink.SetPrice(symbol, mc.Price)
	}
	vol := mc.VolatilityPct()

	lessons, err := l.Memory.QuerySimilar(ctx, mc, l.cfg.MemoryLimit)
	if err != nil {
		logger.Warn().Err(err).Msg("Lesson recall failed, deciding without lessons")
		lessons = nil
	}

	intent := l.Decider.Decide(ctx, mc, lessons)
	if intent.IsNoTrade() {
		return vol, true
	}
	intent.WinProbability = l.Governor.CapWinProbability(intent.WinProbability)

	equity := l.Governor.Snapshot().CurrentEquity
	if venue, err := l.Exchange.Equity(ctx); err == nil && venue > 0 {
		equity = venue
	} else if err != nil {
		logger.Debug().Err(err).Msg("Venue equity unavailable, sizing from ledger")
	}

	order := l.Sizer.Size(intent, equity, mc.Price)
	if order.Size <= 0 {
		logger.Info().
			Str("direction", string(intent.Direction)).
			Float64("fraction", order.Fraction).
			Msg("Sized to zero, no order")
		return vol, true
	}

	// The governor may have halted while the decision source was thinking.
	if !l.Governor.MayTrade() {
		logger.Warn().Msg("Trading halted before submission, order dropped")
		return vol, true
	}

	result := l.Executor.Submit(ctx, order)
	if result.Status == models.ExecFilled {
		logger.Info().
			Str("client_order_id", result.ClientOrderID).
			Str("direction", string(intent.Direction)).
			Float64("size", result.FilledSize).
			Float64("price", result.AveragePrice).
			Float64("fraction", order.Fraction).
			Msg("Position opened")
	}
	return vol, true
}

// SyncClosedTrades pulls trades closed since the last sync and handles
// each. The sync mark only advances past trades that were handled.
func (l *Loop) SyncClosedTrades(ctx context.Context) error {
	since, err := l.Store.GetLastSync(ctx, store.SyncClosedTrades)
	if err != nil {
		return fmt.Errorf("failed to read sync mark: %w", err)
	}
	closed, err := l.Exchange.ClosedTrades(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to fetch closed trades: %w", err)
	}

	mark := since
	for _, ct := range closed {
		record := l.toRecord(ctx, ct)
		if err := l.HandleClosedTrade(ctx, record); err != nil {
			l.logger.Error().Err(err).Str("order_id", ct.OrderID).Msg("Closed trade not recorded")
			break
		}
		if ct.ClosedAt.After(mark) {
			mark = ct.ClosedAt
		}
	}
	if mark.After(since) {
		if err := l.Store.SetLastSync(ctx, store.SyncClosedTrades, mark); err != nil {
			return fmt.Errorf("failed to advance sync mark: %w", err)
		}
	}
	return nil
}

// toRecord links a venue close to its journaled entry order.
func (l *Loop) toRecord(ctx context.Context, ct models.ClosedTrade) models.TradeRecord {
	record := models.TradeRecord{
		ID:            uuid.NewString(),
		Symbol:        ct.Symbol,
		Direction:     ct.Direction,
		RealizedPnL:   ct.RealizedPnL + ct.Fee,
		InitialMargin: ct.InitialMargin,
		OrderID:       ct.OrderID,
		CreatedAt:     ct.ClosedAt,
	}
	if record.OrderID == "" {
		record.OrderID = ct.ClientOrderID
	}

	entry, found := l.findEntry(ctx, ct)
	if !found {
		return record
	}
	if record.Direction == "" {
		record.Direction = entry.Direction
	}
	if record.InitialMargin == 0 {
		record.InitialMargin = entry.Size * entry.Price / l.cfg.Leverage
	}
	record.ContextSnapshot = entry.ContextSnapshot
	record.StrategyVersion = entry.StrategyVersion
	record.EntryClientOrderID = entry.ClientOrderID
	record.PredictedWinProb = entry.WinProbability
	record.PredictedPayoff = entry.PayoffRatio
	return record
}

func (l *Loop) findEntry(ctx context.Context, ct models.ClosedTrade) (models.JournalEntry, bool) {
	if ct.ClientOrderID != "" {
		entry, err := l.Store.GetJournal(ctx, ct.ClientOrderID)
		if err == nil && entry.Status == models.JournalFilled {
			return entry, true
		}
	}
	entry, ok, err := l.Store.LatestFilled(ctx, ct.Symbol, ct.ClosedAt)
	if err != nil {
		l.logger.Warn().Err(err).Str("symbol", ct.Symbol).Msg("Journal lookup failed")
		return models.JournalEntry{}, false
	}
	return entry, ok
}

// HandleClosedTrade records a closed trade, applies its P&L to the risk
// ledger and reviews it if it lost. A trade already recorded is ignored.
func (l *Loop) HandleClosedTrade(ctx context.Context, trade models.TradeRecord) error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()

	if math.IsNaN(trade.RealizedPnL) || math.IsInf(trade.RealizedPnL, 0) {
		return fmt.Errorf("non-finite realized P&L for order %s", trade.OrderID)
	}

	added, err := l.Store.AppendTrade(ctx, &trade)
	if err != nil {
		return fmt.Errorf("failed to append trade: %w", err)
	}
	if !added {
		l.logger.Debug().Str("order_id", trade.OrderID).Msg("Closed trade already recorded")
		return nil
	}

	state := l.Governor.RecordClose(ctx, trade.RealizedPnL)
	l.logger.Info().
		Str("symbol", trade.Symbol).
		Str("direction", string(trade.Direction)).
		Float64("pnl", trade.RealizedPnL).
		Float64("roe", trade.ROE()).
		Float64("equity", state.CurrentEquity).
		Msg("Trade closed")

	if trade.IsLoss() && l.Reviewer != nil {
		if _, err := l.Reviewer.Review(ctx, trade); err != nil {
			// The periodic sweep picks it up again.
			l.logger.Warn().Err(err).Str("trade_id", trade.ID).Msg("Autopsy deferred")
		}
	}
	return nil
}

// ErrNoSymbols is returned by Validate when the loop has nothing to trade.
var ErrNoSymbols = errors.New("no symbols configured")

// Validate checks that the loop is fully wired.
func (l *Loop) Validate() error {
	if len(l.cfg.Symbols) == 0 {
		return ErrNoSymbols
	}
	switch {
	case l.Market == nil:
		return fmt.Errorf("market source not set")
	case l.Memory == nil:
		return fmt.Errorf("memory store not set")
	case l.Decider == nil:
		return fmt.Errorf("decider not set")
	case l.Sizer == nil:
		return fmt.Errorf("sizer not set")
	case l.Governor == nil:
		return fmt.Errorf("governor not set")
	case l.Executor == nil:
		return fmt.Errorf("executor not set")
	case l.Exchange == nil:
		return fmt.Errorf("exchange not set")
	case l.Store == nil:
		return fmt.Errorf("trade store not set")
	}
	return nil
}

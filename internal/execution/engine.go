package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "evo-trader/internal/errors"
	"evo-trader/internal/exchange"
	"evo-trader/internal/logging"
	"evo-trader/internal/metrics"
	"evo-trader/internal/models"
	"evo-trader/internal/notify"
)

// Journal records every submission before it is sent so that an
// interrupted order can be reconciled on restart.
type Journal interface {
	InsertJournal(ctx context.Context, entry models.JournalEntry) error
	UpdateJournal(ctx context.Context, entry models.JournalEntry) error
	PendingJournal(ctx context.Context) ([]models.JournalEntry, error)
}

// Gate is the risk governor as seen by the engine.
type Gate interface {
	MayTrade() bool
	RecordFailedOrder(ctx context.Context, clientOrderID, symbol string, cause error)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Config holds engine configuration.
type Config struct {
	Retry             RetryConfig
	CallTimeout       time.Duration
	LargeFillNotional float64
}

// Engine submits SizedOrders.
type Engine struct {
	cfg      Config
	exchange exchange.Exchange
	journal  Journal
	gate     Gate
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	sleep Sleeper
	newID func() string
	now   func() time.Time
}

// NewEngine creates a new execution engine.
func NewEngine(cfg Config, ex exchange.Exchange, journal Journal, gate Gate, notifier notify.Notifier, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if notifier == nil {
		notifier = notify.NoOpNotifier{}
	}
	return &Engine{
		cfg:      cfg,
		exchange: ex,
		journal:  journal,
		gate:     gate,
		notifier: notifier,
		metrics:  m,
		logger:   logging.WithComponent(logger, "execution"),
		sleep:    sleepCtx,
		newID:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

// SetSleeper replaces the delay function between attempts.
func (e *Engine) SetSleeper(s Sleeper) {
	e.sleep = s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Submit sends order to the exchange. Size and the governor gate are checked
// here, immediately before the first submission. Transient failures are
// retried; before every resubmission the engine asks the venue whether an
// earlier attempt already landed.
func (e *Engine) Submit(ctx context.Context, order models.SizedOrder) models.ExecutionResult {
	intent := order.Intent
	if intent.IsNoTrade() {
		return e.reject(order, fmt.Errorf("flat intent: %w", apperrors.ErrInvalidOrder))
	}
	if order.Size <= 0 {
		return e.reject(order, apperrors.ErrZeroSize)
	}
	if !e.gate.MayTrade() {
		return e.reject(order, apperrors.ErrTradingHalted)
	}

	if order.ClientOrderID == "" {
		order.ClientOrderID = e.newID()
	}
	req := BuildRequest(order)
	logger := logging.WithSymbol(logging.WithOrderID(e.logger, req.ClientOrderID), req.Symbol)

	entry := models.JournalEntry{
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Direction:       req.Direction,
		Size:            req.Size,
		Price:           order.ReferencePrice,
		Fraction:        order.Fraction,
		WinProbability:  intent.WinProbability,
		PayoffRatio:     intent.PayoffRatio,
		Status:          models.JournalPending,
		ContextSnapshot: intent.Context.Fingerprint(),
		StrategyVersion: intent.StrategyVersion,
		CreatedAt:       e.now(),
		UpdatedAt:       e.now(),
	}
	if err := e.journal.InsertJournal(ctx, entry); err != nil {
		// Nothing was sent; an unjournaled order could not be reconciled.
		result := models.ExecutionResult{
			Status:        models.ExecFailed,
			ClientOrderID: req.ClientOrderID,
			Err:           fmt.Errorf("failed to journal order: %w", err),
		}
		e.metrics.RecordExecution(string(result.Status))
		e.gate.RecordFailedOrder(ctx, req.ClientOrderID, req.Symbol, result.Err)
		return result
	}

	policy := NewRetryPolicy(e.cfg.Retry)
	sent := 0

	for {
		if sent > 0 {
			status, qerr := e.query(ctx, req)
			if ctx.Err() != nil {
				return e.interrupted(logger, entry, sent, ctx.Err())
			}
			switch {
			case qerr == nil:
				logger.Info().
					Str("state", string(status.State)).
					Int("attempts", sent).
					Msg("Reconciled earlier attempt with venue")
				return e.finishFromStatus(ctx, logger, order, entry, status, sent)
			case errors.Is(qerr, apperrors.ErrOrderNotFound):
				// not on the venue, safe to resubmit
			default:
				dec := policy.Next(qerr)
				if !dec.Retry {
					// Outcome unknown: keep PENDING for startup reconciliation.
					return e.unknown(ctx, logger, entry, sent, qerr)
				}
				logger.Warn().Err(qerr).Dur("delay", dec.Delay).Msg("Order status query failed, retrying")
				if err := e.sleep(ctx, dec.Delay); err != nil {
					return e.interrupted(logger, entry, sent, err)
				}
				continue
			}
		}

		sent++
		e.metrics.RecordAttempt()
		status, err := e.place(ctx, req)
		if ctx.Err() != nil {
			return e.interrupted(logger, entry, sent, ctx.Err())
		}
		if err == nil {
			return e.finishFromStatus(ctx, logger, order, entry, status, sent)
		}

		dec := policy.Next(err)
		entry.Attempts = sent
		entry.LastError = err.Error()
		if !dec.Retry && dec.Status == models.ExecFailed {
			return e.settleExhausted(ctx, logger, order, entry, req, sent, err)
		}
		if !dec.Retry {
			entry.Status = models.JournalStatus(dec.Status)
			return e.finish(ctx, logger, order, entry, models.ExecutionResult{
				Status:        dec.Status,
				ClientOrderID: req.ClientOrderID,
				Attempts:      sent,
				Err:           err,
			})
		}

		e.updateJournal(ctx, logger, entry)
		logger.Warn().
			Err(err).
			Int("attempt", sent).
			Dur("delay", dec.Delay).
			Msg("Transient submission failure, retrying")

		if err := e.sleep(ctx, dec.Delay); err != nil {
			return e.interrupted(logger, entry, sent, err)
		}
	}
}

// BuildRequest converts a SizedOrder into a venue order with absolute stop
// and take-profit prices.
func BuildRequest(order models.SizedOrder) models.OrderRequest {
	intent := order.Intent
	req := models.OrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        intent.Symbol,
		Direction:     intent.Direction,
		Size:          order.Size,
		Price:         order.ReferencePrice,
	}
	price := order.ReferencePrice
	if price <= 0 {
		return req
	}
	switch intent.Direction {
	case models.DirectionLong:
		if intent.StopDistance > 0 {
			req.StopLoss = price * (1 - intent.StopDistance)
		}
		if intent.TakeProfit > 0 {
			req.TakeProfit = price * (1 + intent.TakeProfit)
		}
	case models.DirectionShort:
		if intent.StopDistance > 0 {
			req.StopLoss = price * (1 + intent.StopDistance)
		}
		if intent.TakeProfit > 0 {
			req.TakeProfit = price * (1 - intent.TakeProfit)
		}
	}
	return req
}

func (e *Engine) place(ctx context.Context, req models.OrderRequest) (models.OrderStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.exchange.PlaceOrder(callCtx, req)
}

func (e *Engine) query(ctx context.Context, req models.OrderRequest) (models.OrderStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.exchange.QueryOrder(callCtx, req.Symbol, req.ClientOrderID)
}

// finishFromStatus maps a venue order state onto a terminal result. A
// market order the venue reports as open has been accepted and counts as
// filled.
func (e *Engine) finishFromStatus(ctx context.Context, logger zerolog.Logger, order models.SizedOrder, entry models.JournalEntry, status models.OrderStatus, sent int) models.ExecutionResult {
	result := models.ExecutionResult{
		ClientOrderID:   entry.ClientOrderID,
		ExchangeOrderID: status.ExchangeOrderID,
		Attempts:        sent,
		FilledSize:      status.FilledSize,
		AveragePrice:    status.AveragePrice,
	}
	switch status.State {
	case models.OrderStateFilled, models.OrderStateOpen:
		result.Status = models.ExecFilled
		if result.FilledSize == 0 {
			result.FilledSize = order.Size
		}
		if result.AveragePrice == 0 {
			result.AveragePrice = order.ReferencePrice
		}
	default:
		result.Status = models.ExecRejected
		reason := status.Reason
		if reason == "" {
			reason = string(status.State)
		}
		result.Err = apperrors.NewRejectedError(string(status.State), reason, apperrors.ErrOrderRejected)
	}

	entry.Status = models.JournalStatus(result.Status)
	entry.ExchangeOrderID = status.ExchangeOrderID
	entry.Attempts = sent
	if result.Status == models.ExecFilled {
		entry.Size = result.FilledSize
		entry.Price = result.AveragePrice
	}
	return e.finish(ctx, logger, order, entry, result)
}

func (e *Engine) finish(ctx context.Context, logger zerolog.Logger, order models.SizedOrder, entry models.JournalEntry, result models.ExecutionResult) models.ExecutionResult {
	e.updateJournal(ctx, logger, entry)
	e.metrics.RecordExecution(string(result.Status))
	logging.LogOrder(logger, result.ClientOrderID, order.Intent.Symbol, string(order.Intent.Direction), string(result.Status), result.Attempts)

	switch result.Status {
	case models.ExecFilled:
		notional := result.FilledSize * result.AveragePrice
		if e.cfg.LargeFillNotional > 0 && notional >= e.cfg.LargeFillNotional {
			e.notifier.Notify(ctx, notify.Notification{
				Type:    notify.NotificationLargeFill,
				Title:   fmt.Sprintf("Large fill: %s %s", order.Intent.Direction, order.Intent.Symbol),
				Message: fmt.Sprintf("Filled %.6f at %.4f (notional %.2f)", result.FilledSize, result.AveragePrice, notional),
				Data: map[string]interface{}{
					"client_order_id": result.ClientOrderID,
					"notional":        notional,
				},
			})
		}
	case models.ExecRejected:
		logger.Warn().Err(result.Err).Msg("Order rejected")
	case models.ExecFailed:
		e.gate.RecordFailedOrder(ctx, result.ClientOrderID, order.Intent.Symbol, result.Err)
	}
	return result
}

// settleExhausted resolves a submission whose last attempt failed
// transiently. That attempt may still have landed, so the venue is asked
// before the order is declared FAILED.
func (e *Engine) settleExhausted(ctx context.Context, logger zerolog.Logger, order models.SizedOrder, entry models.JournalEntry, req models.OrderRequest, sent int, cause error) models.ExecutionResult {
	status, qerr := e.query(ctx, req)
	if ctx.Err() != nil {
		return e.interrupted(logger, entry, sent, ctx.Err())
	}
	switch {
	case qerr == nil:
		logger.Info().
			Str("state", string(status.State)).
			Int("attempts", sent).
			Msg("Final attempt found on venue")
		return e.finishFromStatus(ctx, logger, order, entry, status, sent)
	case errors.Is(qerr, apperrors.ErrOrderNotFound):
		entry.Status = models.JournalFailed
		return e.finish(ctx, logger, order, entry, models.ExecutionResult{
			Status:        models.ExecFailed,
			ClientOrderID: req.ClientOrderID,
			Attempts:      sent,
			Err:           fmt.Errorf("retries exhausted: %w", cause),
		})
	default:
		return e.unknown(ctx, logger, entry, sent, qerr)
	}
}

// unknown reports a submission whose venue state could not be determined.
func (e *Engine) unknown(ctx context.Context, logger zerolog.Logger, entry models.JournalEntry, sent int, err error) models.ExecutionResult {
	entry.Attempts = sent
	entry.LastError = err.Error()
	e.updateJournal(ctx, logger, entry)
	e.metrics.RecordExecution(string(models.ExecFailed))
	e.gate.RecordFailedOrder(ctx, entry.ClientOrderID, entry.Symbol, err)
	return models.ExecutionResult{
		Status:        models.ExecFailed,
		ClientOrderID: entry.ClientOrderID,
		Attempts:      sent,
		Err:           fmt.Errorf("order state unknown, left pending: %w", err),
	}
}

// interrupted handles shutdown mid-submission. The journal entry stays
// PENDING and is reconciled on next start.
func (e *Engine) interrupted(logger zerolog.Logger, entry models.JournalEntry, sent int, err error) models.ExecutionResult {
	logger.Warn().Err(err).Int("attempts", sent).Msg("Submission interrupted, left pending for reconciliation")
	return models.ExecutionResult{
		Status:        models.ExecFailed,
		ClientOrderID: entry.ClientOrderID,
		Attempts:      sent,
		Err:           err,
	}
}

func (e *Engine) reject(order models.SizedOrder, err error) models.ExecutionResult {
	err = apperrors.NewOrderError(order.ClientOrderID, order.Intent.Symbol, "submit", "not sent", err)
	e.metrics.RecordExecution(string(models.ExecRejected))
	e.logger.Info().
		Err(err).
		Str("symbol", order.Intent.Symbol).
		Float64("size", order.Size).
		Msg("Order not sent")
	return models.ExecutionResult{
		Status:        models.ExecRejected,
		ClientOrderID: order.ClientOrderID,
		Err:           err,
	}
}

func (e *Engine) updateJournal(ctx context.Context, logger zerolog.Logger, entry models.JournalEntry) {
	entry.UpdatedAt = e.now()
	if err := e.journal.UpdateJournal(context.WithoutCancel(ctx), entry); err != nil {
		logger.Error().Err(err).Msg("Failed to update order journal")
	}
}

// ReconcilePending resolves journaled submissions left PENDING by an
// earlier process. Each is looked up on the venue before anything is
// assumed. Entries the venue cannot be reached for stay PENDING.
func (e *Engine) ReconcilePending(ctx context.Context) ([]models.JournalEntry, error) {
	pending, err := e.journal.PendingJournal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending orders: %w", err)
	}

	var resolved []models.JournalEntry
	for _, entry := range pending {
		logger := logging.WithSymbol(logging.WithOrderID(e.logger, entry.ClientOrderID), entry.Symbol)

		status, qerr := e.query(ctx, models.OrderRequest{Symbol: entry.Symbol, ClientOrderID: entry.ClientOrderID})
		switch {
		case qerr == nil:
			switch status.State {
			case models.OrderStateFilled, models.OrderStateOpen:
				entry.Status = models.JournalFilled
				entry.ExchangeOrderID = status.ExchangeOrderID
				if status.FilledSize > 0 {
					entry.Size = status.FilledSize
				}
				if status.AveragePrice > 0 {
					entry.Price = status.AveragePrice
				}
			default:
				entry.Status = models.JournalRejected
				entry.LastError = status.Reason
			}
		case errors.Is(qerr, apperrors.ErrOrderNotFound):
			entry.Status = models.JournalFailed
			entry.LastError = "not found on venue after restart"
		default:
			logger.Warn().Err(qerr).Msg("Could not reconcile pending order, will retry on next start")
			continue
		}

		e.updateJournal(ctx, logger, entry)
		logging.LogOrder(logger, entry.ClientOrderID, entry.Symbol, string(entry.Direction), string(entry.Status), entry.Attempts)
		resolved = append(resolved, entry)
	}

	if len(pending) > 0 {
		e.logger.Info().
			Int("pending", len(pending)).
			Int("resolved", len(resolved)).
			Msg("Pending order reconciliation complete")
	}
	return resolved, nil
}

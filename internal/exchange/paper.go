package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "evo-trader/internal/errors"
	"evo-trader/internal/models"
)

// Paper is a simulated venue. Orders fill immediately at the last known
// price plus slippage; open positions close when a price update crosses
// their stop-loss or take-profit.
type Paper struct {
	cash     float64
	leverage float64
	slippage float64
	feeRate  float64

	prices    map[string]float64
	positions map[string]*paperPosition
	orders    map[string]models.OrderStatus
	closed    []models.ClosedTrade

	orderCounter int
	now          func() time.Time

	mu sync.RWMutex
}

type paperPosition struct {
	clientOrderID string
	orderID       string
	direction     models.Direction
	size          float64
	entry         float64
	stopLoss      float64
	takeProfit    float64
	margin        float64
	openedAt      time.Time
}

// PaperConfig holds configuration for the paper venue.
type PaperConfig struct {
	InitialEquity float64
	Leverage      float64
	Slippage      float64 // fraction of price
	FeeRate       float64 // fraction of notional per fill
}

// NewPaper creates a new paper venue.
func NewPaper(cfg PaperConfig) *Paper {
	equity := cfg.InitialEquity
	if equity <= 0 {
		equity = 10000
	}
	leverage := cfg.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	return &Paper{
		cash:      equity,
		leverage:  leverage,
		slippage:  cfg.Slippage,
		feeRate:   cfg.FeeRate,
		prices:    make(map[string]float64),
		positions: make(map[string]*paperPosition),
		orders:    make(map[string]models.OrderStatus),
		now:       time.Now,
	}
}

// Name returns the venue name.
func (p *Paper) Name() string {
	return "paper"
}

// SetPrice records the latest price for symbol and closes any position whose
// stop-loss or take-profit it crosses.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prices[symbol] = price

	pos, ok := p.positions[symbol]
	if !ok {
		return
	}

	var hit bool
	switch pos.direction {
	case models.DirectionLong:
		hit = (pos.stopLoss > 0 && price <= pos.stopLoss) || (pos.takeProfit > 0 && price >= pos.takeProfit)
	case models.DirectionShort:
		hit = (pos.stopLoss > 0 && price >= pos.stopLoss) || (pos.takeProfit > 0 && price <= pos.takeProfit)
	}
	if hit {
		p.closePosition(symbol, price)
	}
}

// Price returns the last known price for symbol.
func (p *Paper) Price(symbol string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[symbol]
	return price, ok
}

// PlaceOrder simulates order placement.
func (p *Paper) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.orders[req.ClientOrderID]; ok {
		return existing, nil
	}

	if req.ClientOrderID == "" {
		return models.OrderStatus{}, apperrors.NewRejectedError("missing_cl_ord_id", "client order id required", apperrors.ErrInvalidOrder)
	}
	if req.Size <= 0 {
		return p.reject(req, "size must be positive", apperrors.ErrZeroSize)
	}
	if req.Direction != models.DirectionLong && req.Direction != models.DirectionShort {
		return p.reject(req, "direction must be long or short", apperrors.ErrInvalidOrder)
	}

	price := p.prices[req.Symbol]
	if price <= 0 {
		price = req.Price
	}
	if price <= 0 {
		return p.reject(req, "no price for symbol", apperrors.ErrInvalidOrder)
	}

	// An order against an open position closes it.
	if pos, ok := p.positions[req.Symbol]; ok && pos.direction != req.Direction {
		p.closePosition(req.Symbol, price)
		if req.ReduceOnly {
			return p.fill(req, price, pos.size), nil
		}
	} else if ok && pos.direction == req.Direction {
		return p.reject(req, "position already open", apperrors.ErrOrderRejected)
	}
	if req.ReduceOnly {
		return p.reject(req, "no position to reduce", apperrors.ErrOrderRejected)
	}

	execPrice := price * (1 + p.slippage)
	if req.Direction == models.DirectionShort {
		execPrice = price * (1 - p.slippage)
	}

	notional := execPrice * req.Size
	margin := notional / p.leverage
	fee := notional * p.feeRate
	if margin+fee > p.freeCash() {
		return p.reject(req, fmt.Sprintf("insufficient funds: need %.2f, have %.2f", margin+fee, p.freeCash()), apperrors.ErrInsufficientFunds)
	}
	p.cash -= fee

	status := p.fill(req, execPrice, req.Size)
	p.positions[req.Symbol] = &paperPosition{
		clientOrderID: req.ClientOrderID,
		orderID:       status.ExchangeOrderID,
		direction:     req.Direction,
		size:          req.Size,
		entry:         execPrice,
		stopLoss:      req.StopLoss,
		takeProfit:    req.TakeProfit,
		margin:        margin,
		openedAt:      p.now(),
	}
	return status, nil
}

// fill must be called with mu held.
func (p *Paper) fill(req models.OrderRequest, price, size float64) models.OrderStatus {
	p.orderCounter++
	status := models.OrderStatus{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: fmt.Sprintf("PAPER_%d_%d", p.now().Unix(), p.orderCounter),
		Symbol:          req.Symbol,
		State:           models.OrderStateFilled,
		FilledSize:      size,
		AveragePrice:    price,
		UpdatedAt:       p.now(),
	}
	p.orders[req.ClientOrderID] = status
	return status
}

// reject must be called with mu held. Rejections are recorded so a query
// by client order ID reports them.
func (p *Paper) reject(req models.OrderRequest, reason string, cause error) (models.OrderStatus, error) {
	status := models.OrderStatus{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		State:         models.OrderStateRejected,
		Reason:        reason,
		UpdatedAt:     p.now(),
	}
	p.orders[req.ClientOrderID] = status
	return status, apperrors.NewRejectedError("paper_reject", reason, cause)
}

// closePosition must be called with mu held.
func (p *Paper) closePosition(symbol string, price float64) {
	pos, ok := p.positions[symbol]
	if !ok {
		return
	}
	delete(p.positions, symbol)

	pnl := (price - pos.entry) * pos.size
	if pos.direction == models.DirectionShort {
		pnl = -pnl
	}
	fee := price * pos.size * p.feeRate
	p.cash += pnl - fee

	p.closed = append(p.closed, models.ClosedTrade{
		OrderID:       pos.orderID,
		ClientOrderID: pos.clientOrderID,
		Symbol:        symbol,
		Direction:     pos.direction,
		RealizedPnL:   pnl,
		Fee:           -fee,
		InitialMargin: pos.margin,
		ClosedAt:      p.now(),
	})
}

// freeCash must be called with mu held.
func (p *Paper) freeCash() float64 {
	used := 0.0
	for _, pos := range p.positions {
		used += pos.margin
	}
	return p.cash - used
}

// ClosePosition closes the open position for symbol at the last price.
func (p *Paper) ClosePosition(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.positions[symbol]; !ok {
		return fmt.Errorf("no open position for %s", symbol)
	}
	price := p.prices[symbol]
	if price <= 0 {
		price = p.positions[symbol].entry
	}
	p.closePosition(symbol, price)
	return nil
}

// QueryOrder looks an order up by client order ID.
func (p *Paper) QueryOrder(ctx context.Context, symbol, clientOrderID string) (models.OrderStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status, ok := p.orders[clientOrderID]
	if !ok {
		return models.OrderStatus{}, fmt.Errorf("paper order %s: %w", clientOrderID, apperrors.ErrOrderNotFound)
	}
	return status, nil
}

// CancelOrder is a no-op for filled orders; paper orders never rest.
func (p *Paper) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, ok := p.orders[clientOrderID]; !ok {
		return fmt.Errorf("paper order %s: %w", clientOrderID, apperrors.ErrOrderNotFound)
	}
	return nil
}

// Equity returns cash plus unrealized P&L at last prices.
func (p *Paper) Equity(ctx context.Context) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	equity := p.cash
	for symbol, pos := range p.positions {
		price, ok := p.prices[symbol]
		if !ok {
			continue
		}
		upl := (price - pos.entry) * pos.size
		if pos.direction == models.DirectionShort {
			upl = -upl
		}
		equity += upl
	}
	return equity, nil
}

// ClosedTrades returns positions closed at or after since, oldest first.
func (p *Paper) ClosedTrades(ctx context.Context, since time.Time) ([]models.ClosedTrade, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []models.ClosedTrade
	for _, c := range p.closed {
		if !c.ClosedAt.Before(since) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(out[j].ClosedAt) })
	return out, nil
}

// OpenPositions returns the symbols with an open position.
func (p *Paper) OpenPositions() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	symbols := make([]string, 0, len(p.positions))
	for s := range p.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

package models

import "time"

// TradeIntent is a proposed action before sizing. Treat as immutable.
type TradeIntent struct {
	Symbol          string
	Direction       Direction
	WinProbability  float64
	PayoffRatio     float64
	Confidence      float64
	StopDistance    float64 // fraction of price
	TakeProfit      float64 // fraction of price
	Reason          string
	StrategyVersion string
	Context         MarketContext
}

// IsNoTrade reports whether the intent asks for no action.
func (t TradeIntent) IsNoTrade() bool {
	return t.Direction == DirectionFlat || t.Direction == ""
}

// NoTrade returns an explicit flat intent for symbol.
func NoTrade(symbol, reason string) TradeIntent {
	return TradeIntent{Symbol: symbol, Direction: DirectionFlat, Reason: reason}
}

// SizedOrder is a TradeIntent with a capital fraction and absolute size.
type SizedOrder struct {
	Intent         TradeIntent
	Fraction       float64
	Size           float64
	ReferencePrice float64
	ClientOrderID  string
}

// Notional returns size times reference price.
func (o SizedOrder) Notional() float64 {
	return o.Size * o.ReferencePrice
}

// ExecutionStatus is the terminal status of a submission.
type ExecutionStatus string

const (
	ExecFilled   ExecutionStatus = "FILLED"
	ExecRejected ExecutionStatus = "REJECTED"
	ExecFailed   ExecutionStatus = "FAILED"
)

// ExecutionResult is what the execution engine reports for one SizedOrder.
type ExecutionResult struct {
	Status          ExecutionStatus
	ClientOrderID   string
	ExchangeOrderID string
	Attempts        int
	FilledSize      float64
	AveragePrice    float64
	Err             error
}

// OrderState is the venue-side state of an order.
type OrderState string

const (
	OrderStateOpen     OrderState = "OPEN"
	OrderStateFilled   OrderState = "FILLED"
	OrderStateRejected OrderState = "REJECTED"
	OrderStateCanceled OrderState = "CANCELED"
)

// OrderRequest is the venue-agnostic order sent to an exchange adapter.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Direction     Direction
	Size          float64
	Price         float64
	StopLoss      float64 // absolute price, 0 when unset
	TakeProfit    float64 // absolute price, 0 when unset
	ReduceOnly    bool
}

// OrderStatus is an exchange's report on an order.
type OrderStatus struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	State           OrderState
	FilledSize      float64
	AveragePrice    float64
	Reason          string
	UpdatedAt       time.Time
}

// JournalStatus is the state of a journaled submission.
type JournalStatus string

const (
	JournalPending  JournalStatus = "PENDING"
	JournalFilled   JournalStatus = "FILLED"
	JournalRejected JournalStatus = "REJECTED"
	JournalFailed   JournalStatus = "FAILED"
)

// JournalEntry records one submission to the exchange.
type JournalEntry struct {
	ClientOrderID   string
	Symbol          string
	Direction       Direction
	Size            float64
	Price           float64
	Fraction        float64
	WinProbability  float64
	PayoffRatio     float64
	Status          JournalStatus
	ExchangeOrderID string
	Attempts        int
	LastError       string
	ContextSnapshot string
	StrategyVersion string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

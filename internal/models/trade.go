package models

import "time"

// TradeRecord is the closed-trade ledger entry. ROE is always derived.
type TradeRecord struct {
	ID              string
	Symbol          string
	Direction       Direction
	RealizedPnL     float64
	InitialMargin   float64
	ContextSnapshot string
	OrderID         string
	StrategyVersion string
	Reviewed        bool
	CreatedAt       time.Time

	// EntryClientOrderID is the journaled order the trade was matched to.
	// Predicted payoff comes from that journal entry when it is known.
	EntryClientOrderID string
	PredictedWinProb   float64
	PredictedPayoff    float64
}

// ROE returns realized P&L divided by initial margin.
func (t TradeRecord) ROE() float64 {
	if t.InitialMargin == 0 {
		return 0
	}
	return t.RealizedPnL / t.InitialMargin
}

// IsLoss reports whether the trade closed with negative P&L.
func (t TradeRecord) IsLoss() bool {
	return t.RealizedPnL < 0
}

// ClosedTrade is a venue report of a closed position, before it is
// matched to a journaled order.
type ClosedTrade struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Direction     Direction
	RealizedPnL   float64
	Fee           float64
	InitialMargin float64
	ClosedAt      time.Time
}

// TradeFilter represents filters for querying trade records.
type TradeFilter struct {
	Symbol     string
	Since      time.Time
	Until      time.Time
	Unreviewed bool
	LossesOnly bool
	Limit      int
}

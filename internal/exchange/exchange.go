// Package exchange provides venue adapters for order execution.
package exchange

import (
	"context"
	"time"

	"evo-trader/internal/models"
)

// Exchange defines the order and account operations the execution engine
// needs from a venue. Every PlaceOrder carries a client order ID which the
// venue must treat as an idempotency key.
type Exchange interface {
	Name() string

	// PlaceOrder submits req. A duplicate client order ID must not create a
	// second order.
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderStatus, error)

	// QueryOrder looks an order up by client order ID. It returns an error
	// wrapping errors.ErrOrderNotFound when the venue has no such order.
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (models.OrderStatus, error)

	CancelOrder(ctx context.Context, symbol, clientOrderID string) error

	// Equity returns total account equity in quote currency.
	Equity(ctx context.Context) (float64, error)

	// ClosedTrades returns positions closed at or after since.
	ClosedTrades(ctx context.Context, since time.Time) ([]models.ClosedTrade, error)
}

// MarketData supplies candles and derivatives data from a venue.
type MarketData interface {
	Candles(ctx context.Context, symbol, bar string, limit int) ([]models.Candle, error)
	FundingRate(ctx context.Context, symbol string) (float64, error)
	OpenInterest(ctx context.Context, symbol string) (float64, error)
}

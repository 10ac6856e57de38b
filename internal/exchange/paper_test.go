package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "evo-trader/internal/errors"
	"evo-trader/internal/models"
)

func longOrder(id string, size float64) models.OrderRequest {
	return models.OrderRequest{
		ClientOrderID: id,
		Symbol:        "BTC-USDT-SWAP",
		Direction:     models.DirectionLong,
		Size:          size,
		StopLoss:      98,
		TakeProfit:    104,
	}
}

func TestPaper_FillAndIdempotentResubmit(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(PaperConfig{InitialEquity: 10000, Leverage: 1})
	p.SetPrice("BTC-USDT-SWAP", 100)

	first, err := p.PlaceOrder(ctx, longOrder("cid-1", 10))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateFilled, first.State)
	assert.Equal(t, 100.0, first.AveragePrice)

	again, err := p.PlaceOrder(ctx, longOrder("cid-1", 10))
	require.NoError(t, err)
	assert.Equal(t, first.ExchangeOrderID, again.ExchangeOrderID)
	assert.Equal(t, []string{"BTC-USDT-SWAP"}, p.OpenPositions())

	got, err := p.QueryOrder(ctx, "BTC-USDT-SWAP", "cid-1")
	require.NoError(t, err)
	assert.Equal(t, first, got)
}

func TestPaper_RejectionsAreTerminal(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(PaperConfig{InitialEquity: 1000, Leverage: 1})
	p.SetPrice("BTC-USDT-SWAP", 100)

	_, err := p.PlaceOrder(ctx, longOrder("cid-big", 50))
	require.Error(t, err)
	assert.Equal(t, apperrors.ClassRejected, apperrors.Classify(err))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

	status, err := p.QueryOrder(ctx, "BTC-USDT-SWAP", "cid-big")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateRejected, status.State)

	_, err = p.PlaceOrder(ctx, longOrder("cid-zero", 0))
	assert.ErrorIs(t, err, apperrors.ErrZeroSize)
}

func TestPaper_StopLossClosesPosition(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(PaperConfig{InitialEquity: 10000, Leverage: 1})
	p.SetPrice("BTC-USDT-SWAP", 100)

	start := time.Now().Add(-time.Second)
	_, err := p.PlaceOrder(ctx, longOrder("cid-1", 10))
	require.NoError(t, err)

	p.SetPrice("BTC-USDT-SWAP", 99)
	assert.Len(t, p.OpenPositions(), 1)

	p.SetPrice("BTC-USDT-SWAP", 97.5)
	assert.Empty(t, p.OpenPositions())

	closed, err := p.ClosedTrades(ctx, start)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "cid-1", closed[0].ClientOrderID)
	assert.Equal(t, models.DirectionLong, closed[0].Direction)
	assert.InDelta(t, -25.0, closed[0].RealizedPnL, 1e-9)
	assert.InDelta(t, 1000.0, closed[0].InitialMargin, 1e-9)

	equity, err := p.Equity(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 9975.0, equity, 1e-9)
}

func TestPaper_ShortTakeProfit(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(PaperConfig{InitialEquity: 10000, Leverage: 2})
	p.SetPrice("ETH-USDT-SWAP", 200)

	_, err := p.PlaceOrder(ctx, models.OrderRequest{
		ClientOrderID: "cid-s",
		Symbol:        "ETH-USDT-SWAP",
		Direction:     models.DirectionShort,
		Size:          5,
		StopLoss:      210,
		TakeProfit:    190,
	})
	require.NoError(t, err)

	p.SetPrice("ETH-USDT-SWAP", 189)
	closed, err := p.ClosedTrades(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.InDelta(t, 55.0, closed[0].RealizedPnL, 1e-9)
	assert.InDelta(t, 500.0, closed[0].InitialMargin, 1e-9)
}

func TestPaper_UnknownOrder(t *testing.T) {
	p := NewPaper(PaperConfig{})
	_, err := p.QueryOrder(context.Background(), "BTC-USDT-SWAP", "nope")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "evo-trader/internal/errors"
	"evo-trader/internal/models"
)

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mysql", DSN: "x"})
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)

	_, err = Open(Config{Driver: "sqlite3"})
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)
}

func TestTrades_AppendIsIdempotentByOrderID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	trade := &models.TradeRecord{
		ID:              "t-1",
		Symbol:          "BTC-USDT-SWAP",
		Direction:       models.DirectionLong,
		RealizedPnL:     -150,
		InitialMargin:   1000,
		ContextSnapshot: "Symbol: BTC-USDT-SWAP",
		OrderID:         "ord-1",
		StrategyVersion: "v1",
		CreatedAt:       time.Now(),
	}
	inserted, err := s.AppendTrade(ctx, trade)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := *trade
	dup.ID = "t-2"
	inserted, err = s.AppendTrade(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	trades, err := s.ListTrades(ctx, models.TradeFilter{Symbol: "BTC-USDT-SWAP"})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "t-1", trades[0].ID)
	assert.InDelta(t, -0.15, trades[0].ROE(), 1e-12)
	assert.False(t, trades[0].Reviewed)
}

func TestTrades_MarkReviewedOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.AppendTrade(ctx, &models.TradeRecord{ID: "t-1", OrderID: "o-1", Symbol: "ETH-USDT-SWAP", Direction: models.DirectionShort, RealizedPnL: -10, InitialMargin: 100})
	require.NoError(t, err)

	first, err := s.MarkReviewed(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.MarkReviewed(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, second)

	unreviewed, err := s.ListTrades(ctx, models.TradeFilter{Unreviewed: true})
	require.NoError(t, err)
	assert.Empty(t, unreviewed)
}

func TestTrades_Filters(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, pnl := range []float64{10, -5, -20} {
		_, err := s.AppendTrade(ctx, &models.TradeRecord{
			ID:            string(rune('a' + i)),
			OrderID:       string(rune('A' + i)),
			Symbol:        "BTC-USDT-SWAP",
			Direction:     models.DirectionLong,
			RealizedPnL:   pnl,
			InitialMargin: 100,
			CreatedAt:     base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	losses, err := s.ListTrades(ctx, models.TradeFilter{LossesOnly: true})
	require.NoError(t, err)
	require.Len(t, losses, 2)
	assert.Equal(t, "c", losses[0].ID, "newest first")

	recent, err := s.ListTrades(ctx, models.TradeFilter{Since: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, recent, 1)

	limited, err := s.ListTrades(ctx, models.TradeFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestTrades_ListCarriesJournaledPrediction(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertJournal(ctx, models.JournalEntry{
		ClientOrderID:  "cid-1",
		Symbol:         "BTC-USDT-SWAP",
		Direction:      models.DirectionLong,
		Size:           0.5,
		Price:          50000,
		WinProbability: 0.6,
		PayoffRatio:    2,
		Status:         models.JournalFilled,
		CreatedAt:      created,
	}))

	_, err := s.AppendTrade(ctx, &models.TradeRecord{
		ID: "t-linked", OrderID: "o-1", Symbol: "BTC-USDT-SWAP", Direction: models.DirectionLong,
		RealizedPnL: -50, InitialMargin: 100, EntryClientOrderID: "cid-1", CreatedAt: created.Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = s.AppendTrade(ctx, &models.TradeRecord{
		ID: "t-bare", OrderID: "o-2", Symbol: "BTC-USDT-SWAP", Direction: models.DirectionLong,
		RealizedPnL: -10, InitialMargin: 100, CreatedAt: created.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	trades, err := s.ListTrades(ctx, models.TradeFilter{Unreviewed: true, LossesOnly: true})
	require.NoError(t, err)
	require.Len(t, trades, 2)

	assert.Equal(t, "t-bare", trades[0].ID)
	assert.Zero(t, trades[0].PredictedPayoff)
	assert.Empty(t, trades[0].EntryClientOrderID)

	assert.Equal(t, "t-linked", trades[1].ID)
	assert.Equal(t, "cid-1", trades[1].EntryClientOrderID)
	assert.InDelta(t, 0.6, trades[1].PredictedWinProb, 1e-12)
	assert.InDelta(t, 2, trades[1].PredictedPayoff, 1e-12)
}

func TestScanWindow_ReleaseAllowsReclaim(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	claimed, err := s.ClaimScanWindow(ctx, "ETH|2024-03-01T01:00:00Z")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, s.ReleaseScanWindow(ctx, "ETH|2024-03-01T01:00:00Z"))

	claimed, err = s.ClaimScanWindow(ctx, "ETH|2024-03-01T01:00:00Z")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestLessonOutbox(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	first := models.LessonRecord{ID: "l-1", Key: "trade|1", Symbol: "BTC-USDT-SWAP", Tag: models.LessonPastMistake, CreatedAt: base}
	second := models.LessonRecord{ID: "l-2", Key: "scan|1", Symbol: "ETH-USDT-SWAP", Tag: models.LessonMissedOpportunity,
		Features: models.LessonFeatures{RSI: 71, Trend: 1}, CreatedAt: base.Add(time.Hour)}
	require.NoError(t, s.SaveOutbox(ctx, second))
	require.NoError(t, s.SaveOutbox(ctx, first))
	require.NoError(t, s.SaveOutbox(ctx, first))

	parked, err := s.ListOutbox(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 2)
	assert.Equal(t, "trade|1", parked[0].Key, "oldest first")
	assert.Equal(t, models.LessonMissedOpportunity, parked[1].Tag)
	assert.InDelta(t, 71, parked[1].Features.RSI, 1e-12)

	require.NoError(t, s.DeleteOutbox(ctx, "trade|1"))
	parked, err = s.ListOutbox(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "scan|1", parked[0].Key)

	// The outbox is separate from lesson memory.
	lessons, err := s.RecentLessons(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, lessons)
}

func TestJournal_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	entry := models.JournalEntry{
		ClientOrderID:  "cid-1",
		Symbol:         "BTC-USDT-SWAP",
		Direction:      models.DirectionLong,
		Size:           0.5,
		Price:          50000,
		Fraction:       0.1,
		WinProbability: 0.6,
		PayoffRatio:    2,
		Status:         models.JournalPending,
		CreatedAt:      created,
	}
	require.NoError(t, s.InsertJournal(ctx, entry))

	pending, err := s.PendingJournal(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0.6, pending[0].WinProbability)

	entry.Status = models.JournalFilled
	entry.ExchangeOrderID = "ex-1"
	entry.Attempts = 2
	require.NoError(t, s.UpdateJournal(ctx, entry))

	pending, err = s.PendingJournal(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := s.GetJournal(ctx, "cid-1")
	require.NoError(t, err)
	assert.Equal(t, models.JournalFilled, got.Status)
	assert.Equal(t, 2, got.Attempts)

	latest, ok, err := s.LatestFilled(ctx, "BTC-USDT-SWAP", created.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cid-1", latest.ClientOrderID)

	_, ok, err = s.LatestFilled(ctx, "BTC-USDT-SWAP", created.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetJournal(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrDataNotFound)

	err = s.UpdateJournal(ctx, models.JournalEntry{ClientOrderID: "missing", Status: models.JournalFailed})
	assert.ErrorIs(t, err, apperrors.ErrDataNotFound)
}

func TestHasActivity(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertJournal(ctx, models.JournalEntry{
		ClientOrderID: "cid-1",
		Symbol:        "SOL-USDT-SWAP",
		Direction:     models.DirectionShort,
		Status:        models.JournalRejected,
		CreatedAt:     at,
	}))

	active, err := s.HasActivity(ctx, "SOL-USDT-SWAP", at.Add(-12*time.Hour), at.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, active)

	active, err = s.HasActivity(ctx, "SOL-USDT-SWAP", at.Add(time.Hour), at.Add(13*time.Hour))
	require.NoError(t, err)
	assert.False(t, active)

	active, err = s.HasActivity(ctx, "BTC-USDT-SWAP", at.Add(-time.Hour), at.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRiskState_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, ok, err := s.LoadRiskState(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	halted := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	state := models.RiskState{
		StartingEquity: 10000,
		CurrentEquity:  8900,
		PeakEquity:     11000,
		Drawdown:       0.19,
		Halted:         true,
		HaltReason:     "drawdown limit reached",
		HaltedAt:       halted,
		FailedOrders:   3,
	}
	require.NoError(t, s.SaveRiskState(ctx, state))

	state.FailedOrders = 4
	require.NoError(t, s.SaveRiskState(ctx, state))

	got, ok, err := s.LoadRiskState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Halted)
	assert.Equal(t, 4, got.FailedOrders)
	assert.Equal(t, 11000.0, got.PeakEquity)
	assert.True(t, got.HaltedAt.Equal(halted))
}

func TestLastSync(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	got, err := s.GetLastSync(ctx, SyncClosedTrades)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetLastSync(ctx, SyncClosedTrades, at))
	require.NoError(t, s.SetLastSync(ctx, SyncClosedTrades, at.Add(time.Hour)))

	got, err = s.GetLastSync(ctx, SyncClosedTrades)
	require.NoError(t, err)
	assert.True(t, got.Equal(at.Add(time.Hour)))
}

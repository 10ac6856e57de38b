package evolution

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evo-trader/internal/models"
	"evo-trader/internal/store"
)

func TestAutopsy_ReviewPendingUsesJournaledPrediction(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(store.Config{Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "evotrader.db")})
	require.NoError(t, err)
	defer st.Close()

	opened := time.Now().Add(-2 * time.Hour)
	require.NoError(t, st.InsertJournal(ctx, models.JournalEntry{
		ClientOrderID:  "cid-open",
		Symbol:         "BTC-USDT-SWAP",
		Direction:      models.DirectionLong,
		Size:           0.02,
		Price:          50000,
		WinProbability: 0.6,
		PayoffRatio:    2,
		Status:         models.JournalFilled,
		CreatedAt:      opened,
	}))

	trade := losingTrade("t-sweep", -200, opened.Add(time.Hour))
	trade.OrderID = "ex-open"
	trade.EntryClientOrderID = "cid-open"
	trade.PredictedWinProb = 0
	trade.PredictedPayoff = 0
	_, err = st.AppendTrade(ctx, &trade)
	require.NoError(t, err)

	sink := &captureSink{}
	a := NewAutopsy(AutopsyConfig{}, st, sink, zerolog.Nop())
	n, err := a.ReviewPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lessons := sink.all()
	require.Len(t, lessons, 1)
	assert.Equal(t, "trade|t-sweep", lessons[0].Key)
	assert.Contains(t, lessons[0].Rationale, "Predicted win probability 0.60 at payoff 2.00")

	pending, err := st.ListTrades(ctx, models.TradeFilter{Unreviewed: true})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "evo-trader/internal/errors"
	"evo-trader/internal/exchange"
	"evo-trader/internal/memory"
	"evo-trader/internal/models"
	"evo-trader/internal/risk"
	"evo-trader/internal/sizing"
)

type fakeMarket struct {
	contexts map[string]models.MarketContext
}

func (f fakeMarket) Snapshot(ctx context.Context, symbol string) (models.MarketContext, error) {
	mc, ok := f.contexts[symbol]
	if !ok {
		return models.MarketContext{}, apperrors.NewDecisionError("market", symbol, errors.New("no candles"))
	}
	return mc, nil
}

type fakeDecider struct {
	mu      sync.Mutex
	intents map[string]models.TradeIntent
	calls   int
	lessons [][]models.LessonRecord
}

func (f *fakeDecider) Decide(ctx context.Context, mc models.MarketContext, lessons []models.LessonRecord) models.TradeIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lessons = append(f.lessons, lessons)
	intent, ok := f.intents[mc.Symbol]
	if !ok {
		return models.NoTrade(mc.Symbol, "no view")
	}
	intent.Symbol = mc.Symbol
	intent.Context = mc
	return intent
}

type recordingExecutor struct {
	mu     sync.Mutex
	orders []models.SizedOrder
}

func (r *recordingExecutor) Submit(ctx context.Context, order models.SizedOrder) models.ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, order)
	return models.ExecutionResult{Status: models.ExecFilled, ClientOrderID: "cid", FilledSize: order.Size, AveragePrice: order.ReferencePrice, Attempts: 1}
}

type fakeTradeStore struct {
	mu       sync.Mutex
	trades   map[string]models.TradeRecord
	journal  map[string]models.JournalEntry
	lastSync time.Time
}

func newFakeTradeStore() *fakeTradeStore {
	return &fakeTradeStore{trades: map[string]models.TradeRecord{}, journal: map[string]models.JournalEntry{}}
}

func (s *fakeTradeStore) AppendTrade(ctx context.Context, t *models.TradeRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.trades[t.OrderID]; dup {
		return false, nil
	}
	s.trades[t.OrderID] = *t
	return true, nil
}

func (s *fakeTradeStore) GetJournal(ctx context.Context, cid string) (models.JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.journal[cid]
	if !ok {
		return models.JournalEntry{}, apperrors.ErrDataNotFound
	}
	return e, nil
}

func (s *fakeTradeStore) LatestFilled(ctx context.Context, symbol string, before time.Time) (models.JournalEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best models.JournalEntry
	found := false
	for _, e := range s.journal {
		if e.Symbol == symbol && e.Status == models.JournalFilled && !e.CreatedAt.After(before) {
			if !found || e.CreatedAt.After(best.CreatedAt) {
				best, found = e, true
			}
		}
	}
	return best, found, nil
}

func (s *fakeTradeStore) GetLastSync(ctx context.Context, dataType string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync, nil
}

func (s *fakeTradeStore) SetLastSync(ctx context.Context, dataType string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = t
	return nil
}

type recordingReviewer struct {
	mu     sync.Mutex
	trades []models.TradeRecord
}

func (r *recordingReviewer) Review(ctx context.Context, t models.TradeRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, t)
	return true, nil
}

// closedTradesExchange is a paper venue that also reports scripted closes.
type closedTradesExchange struct {
	*exchange.Paper
	closed []models.ClosedTrade
}

func (c *closedTradesExchange) ClosedTrades(ctx context.Context, since time.Time) ([]models.ClosedTrade, error) {
	var out []models.ClosedTrade
	for _, ct := range c.closed {
		if !ct.ClosedAt.Before(since) {
			out = append(out, ct)
		}
	}
	return out, nil
}

type harness struct {
	loop     *Loop
	decider  *fakeDecider
	executor *recordingExecutor
	governor *risk.Governor
	store    *fakeTradeStore
	reviewer *recordingReviewer
	venue    *closedTradesExchange
	memory   *memory.Local
}

func ctxFor(symbol string, price, atr float64) models.MarketContext {
	return models.MarketContext{
		Symbol:     symbol,
		Price:      price,
		Indicators: models.Indicators{RSI14: 55, ATR14: atr, Trend: "bullish"},
	}
}

func newHarness(t *testing.T, contexts map[string]models.MarketContext, intents map[string]models.TradeIntent) *harness {
	t.Helper()
	h := &harness{
		decider:  &fakeDecider{intents: intents},
		executor: &recordingExecutor{},
		governor: risk.NewGovernor(risk.DefaultConfig(), 10000, zerolog.Nop()),
		store:    newFakeTradeStore(),
		reviewer: &recordingReviewer{},
		venue:    &closedTradesExchange{Paper: exchange.NewPaper(exchange.PaperConfig{InitialEquity: 10000})},
		memory:   memory.NewLocal(),
	}
	symbols := []string{"BTC-USDT-SWAP", "ETH-USDT-SWAP", "SOL-USDT-SWAP"}
	h.loop = New(Config{Symbols: symbols, MemoryLimit: 2}, Deps{
		Market:   fakeMarket{contexts: contexts},
		Memory:   h.memory,
		Decider:  h.decider,
		Sizer:    sizing.NewSizer(sizing.DefaultConfig(), h.governor),
		Governor: h.governor,
		Executor: h.executor,
		Exchange: h.venue,
		Store:    h.store,
		Reviewer: h.reviewer,
	}, zerolog.Nop())
	return h
}

func TestRunCycle_DecidesSizesAndSubmits(t *testing.T) {
	h := newHarness(t,
		map[string]models.MarketContext{
			"BTC-USDT-SWAP": ctxFor("BTC-USDT-SWAP", 50000, 500), // 1%
			"ETH-USDT-SWAP": ctxFor("ETH-USDT-SWAP", 2000, 50),   // 2.5%
		},
		map[string]models.TradeIntent{
			"ETH-USDT-SWAP": {Direction: models.DirectionLong, WinProbability: 0.95, PayoffRatio: 2, StopDistance: 0.02},
		},
	)
	require.NoError(t, h.memory.Write(context.Background(), models.LessonRecord{Key: "k1", Symbol: "ETH-USDT-SWAP"}))

	vol, err := h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 2.5, vol, 1e-9)
	assert.Equal(t, 2, h.decider.calls)
	assert.Len(t, h.decider.lessons[0], 1)

	require.Len(t, h.executor.orders, 1)
	order := h.executor.orders[0]
	assert.Equal(t, "ETH-USDT-SWAP", order.Intent.Symbol)
	assert.Equal(t, risk.HardWinProbCeiling, order.Intent.WinProbability)
	assert.InDelta(t, 0.25, order.Fraction, 1e-9)
	assert.InDelta(t, 0.25*10000/(0.02*2000), order.Size, 1e-9)

	price, ok := h.venue.Price("ETH-USDT-SWAP")
	assert.True(t, ok)
	assert.Equal(t, 2000.0, price)
}

func TestRunCycle_HaltedShortCircuits(t *testing.T) {
	h := newHarness(t,
		map[string]models.MarketContext{"BTC-USDT-SWAP": ctxFor("BTC-USDT-SWAP", 50000, 500)},
		map[string]models.TradeIntent{"BTC-USDT-SWAP": {Direction: models.DirectionLong, WinProbability: 0.6, PayoffRatio: 2}},
	)
	h.governor.RecordClose(context.Background(), -2000)
	require.False(t, h.governor.MayTrade())

	vol, err := h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1.0, vol)
	assert.Zero(t, h.decider.calls)
	assert.Empty(t, h.executor.orders)
}

// pricedMarket serves marks for open positions but no full contexts.
type pricedMarket struct {
	fakeMarket
	prices map[string]float64
}

func (p pricedMarket) LastPrice(ctx context.Context, symbol string) (float64, error) {
	price, ok := p.prices[symbol]
	if !ok {
		return 0, errors.New("no price")
	}
	return price, nil
}

func TestRunCycle_HaltedStillRecordsCloses(t *testing.T) {
	ctx := context.Background()
	venue := exchange.NewPaper(exchange.PaperConfig{InitialEquity: 10000, Leverage: 5})
	venue.SetPrice("BTC-USDT-SWAP", 100)
	_, err := venue.PlaceOrder(ctx, models.OrderRequest{
		ClientOrderID: "cid-open",
		Symbol:        "BTC-USDT-SWAP",
		Direction:     models.DirectionLong,
		Size:          10,
		Price:         100,
		StopLoss:      90,
	})
	require.NoError(t, err)

	governor := risk.NewGovernor(risk.DefaultConfig(), 10000, zerolog.Nop())
	governor.RecordClose(ctx, -1500)
	require.False(t, governor.MayTrade())

	st := newFakeTradeStore()
	st.journal["cid-open"] = models.JournalEntry{
		ClientOrderID:  "cid-open",
		Symbol:         "BTC-USDT-SWAP",
		Direction:      models.DirectionLong,
		Size:           10,
		Price:          100,
		WinProbability: 0.6,
		PayoffRatio:    2,
		Status:         models.JournalFilled,
		CreatedAt:      time.Now().Add(-time.Hour),
	}
	decider := &fakeDecider{}
	reviewer := &recordingReviewer{}
	loop := New(Config{Symbols: []string{"BTC-USDT-SWAP"}, Leverage: 5}, Deps{
		Market:   pricedMarket{prices: map[string]float64{"BTC-USDT-SWAP": 85}},
		Memory:   memory.NewLocal(),
		Decider:  decider,
		Sizer:    sizing.NewSizer(sizing.DefaultConfig(), governor),
		Governor: governor,
		Executor: &recordingExecutor{},
		Exchange: venue,
		Store:    st,
		Reviewer: reviewer,
	}, zerolog.Nop())

	// The stop is crossed while halted: 10 * (85 - 100) = -150.
	vol, err := loop.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1.0, vol)
	assert.Zero(t, decider.calls)
	assert.Empty(t, venue.OpenPositions())
	assert.Len(t, st.trades, 1)
	assert.Equal(t, 8350.0, governor.Snapshot().CurrentEquity)
	require.Len(t, reviewer.trades, 1)
	assert.Equal(t, 0.6, reviewer.trades[0].PredictedWinProb)

	// The reset baselines on equity that already includes the close.
	_, err = governor.Reset(ctx, "ops", "stops reviewed")
	require.NoError(t, err)
	assert.Equal(t, 8350.0, governor.Snapshot().PeakEquity)

	_, err = loop.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, governor.MayTrade())
	assert.Equal(t, 8350.0, governor.Snapshot().CurrentEquity)
	assert.Len(t, st.trades, 1)
}

func TestRunCycle_DegradedContextSkipsSymbolOnly(t *testing.T) {
	h := newHarness(t,
		map[string]models.MarketContext{"SOL-USDT-SWAP": ctxFor("SOL-USDT-SWAP", 100, 3)},
		nil,
	)

	vol, err := h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 3.0, vol, 1e-9)
	assert.Equal(t, 1, h.decider.calls)
	assert.Empty(t, h.executor.orders)
}

func TestRunCycle_NoContextKeepsCadence(t *testing.T) {
	h := newHarness(t, map[string]models.MarketContext{}, nil)
	vol, err := h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1.0, vol)
}

func TestHandleClosedTrade_RecordsOnceAndReviewsLoss(t *testing.T) {
	h := newHarness(t, map[string]models.MarketContext{}, nil)
	ctx := context.Background()
	loss := models.TradeRecord{ID: "t1", OrderID: "o1", Symbol: "BTC-USDT-SWAP", RealizedPnL: -300, InitialMargin: 1000}

	require.NoError(t, h.loop.HandleClosedTrade(ctx, loss))
	require.NoError(t, h.loop.HandleClosedTrade(ctx, loss))

	assert.Equal(t, 9700.0, h.governor.Snapshot().CurrentEquity)
	require.Len(t, h.reviewer.trades, 1)
	assert.Equal(t, "t1", h.reviewer.trades[0].ID)

	win := models.TradeRecord{ID: "t2", OrderID: "o2", Symbol: "BTC-USDT-SWAP", RealizedPnL: 100, InitialMargin: 1000}
	require.NoError(t, h.loop.HandleClosedTrade(ctx, win))
	assert.Len(t, h.reviewer.trades, 1)
}

func TestHandleClosedTrade_BreachHaltsBeforeNextCycle(t *testing.T) {
	h := newHarness(t,
		map[string]models.MarketContext{"BTC-USDT-SWAP": ctxFor("BTC-USDT-SWAP", 50000, 500)},
		map[string]models.TradeIntent{"BTC-USDT-SWAP": {Direction: models.DirectionLong, WinProbability: 0.6, PayoffRatio: 2}},
	)
	ctx := context.Background()
	h.venue.closed = []models.ClosedTrade{{
		OrderID: "o1", Symbol: "BTC-USDT-SWAP", Direction: models.DirectionLong,
		RealizedPnL: -1500, InitialMargin: 5000, ClosedAt: time.Now(),
	}}

	_, err := h.loop.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, h.governor.Snapshot().Halted)
	assert.Zero(t, h.decider.calls)
	assert.Empty(t, h.executor.orders)
}

func TestSyncClosedTrades_LinksJournalAndAdvancesMark(t *testing.T) {
	h := newHarness(t, map[string]models.MarketContext{}, nil)
	ctx := context.Background()
	opened := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	closedAt := opened.Add(3 * time.Hour)

	h.store.journal["cid-1"] = models.JournalEntry{
		ClientOrderID:   "cid-1",
		Symbol:          "BTC-USDT-SWAP",
		Direction:       models.DirectionShort,
		Size:            0.1,
		Price:           50000,
		WinProbability:  0.6,
		PayoffRatio:     2,
		Status:          models.JournalFilled,
		ContextSnapshot: "RSI(14): 80.00",
		StrategyVersion: "v3",
		CreatedAt:       opened,
	}
	h.venue.closed = []models.ClosedTrade{{
		OrderID:     "close-1",
		Symbol:      "BTC-USDT-SWAP",
		RealizedPnL: -200,
		Fee:         -5,
		ClosedAt:    closedAt,
	}}

	require.NoError(t, h.loop.SyncClosedTrades(ctx))
	rec, ok := h.store.trades["close-1"]
	require.True(t, ok)
	assert.Equal(t, models.DirectionShort, rec.Direction)
	assert.Equal(t, -205.0, rec.RealizedPnL)
	assert.Equal(t, 5000.0, rec.InitialMargin)
	assert.Equal(t, "v3", rec.StrategyVersion)
	assert.Equal(t, 0.6, rec.PredictedWinProb)
	assert.Equal(t, closedAt, h.store.lastSync)

	// Re-fetching the boundary trade does not double count.
	require.NoError(t, h.loop.SyncClosedTrades(ctx))
	assert.Equal(t, 9795.0, h.governor.Snapshot().CurrentEquity)
	assert.Len(t, h.reviewer.trades, 1)
}

func TestRun_StartsWorkersAndStopsOnCancel(t *testing.T) {
	h := newHarness(t, map[string]models.MarketContext{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	restored := false
	started := make(chan string, 2)
	worker := func(name string) Worker {
		return Worker{Name: name, Run: func(ctx context.Context) error {
			started <- name
			<-ctx.Done()
			return nil
		}}
	}

	done := make(chan error, 1)
	go func() {
		done <- h.loop.Run(ctx, Startup{
			Restore: func(context.Context) error { restored = true; return nil },
			Reconcile: func(context.Context) ([]models.JournalEntry, error) {
				return []models.JournalEntry{{ClientOrderID: "cid", Status: models.JournalFilled}}, nil
			},
		}, worker("scanner"), worker("writer"))
	}()

	<-started
	<-started
	cancel()
	require.NoError(t, <-done)
	assert.True(t, restored)
}

func TestRun_WorkerFailureStopsLoop(t *testing.T) {
	h := newHarness(t, map[string]models.MarketContext{}, nil)
	blocking := Worker{Name: "heartbeat", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}}
	failing := Worker{Name: "api", Run: func(ctx context.Context) error {
		return errors.New("address in use")
	}}

	err := h.loop.Run(context.Background(), Startup{}, blocking, failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api: address in use")
}

func TestRun_RestoreFailureAborts(t *testing.T) {
	h := newHarness(t, map[string]models.MarketContext{}, nil)
	err := h.loop.Run(context.Background(), Startup{
		Restore: func(context.Context) error { return apperrors.ErrDatabaseError },
	})
	assert.ErrorIs(t, err, apperrors.ErrDatabaseError)
}

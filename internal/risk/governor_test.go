package risk

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "evo-trader/internal/errors"
	"evo-trader/internal/models"
	"evo-trader/internal/notify"
)

type memStateStore struct {
	mu    sync.Mutex
	state models.RiskState
	saved bool
	saves int
}

func (m *memStateStore) SaveRiskState(ctx context.Context, s models.RiskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	m.saved = true
	m.saves++
	return nil
}

func (m *memStateStore) LoadRiskState(ctx context.Context) (models.RiskState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.saved, nil
}

type captureNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (c *captureNotifier) Notify(ctx context.Context, n notify.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
}

func (c *captureNotifier) types() []notify.NotificationType {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.NotificationType
	for _, n := range c.got {
		out = append(out, n.Type)
	}
	return out
}

func TestGovernor_HaltsAtLimitAndAlerts(t *testing.T) {
	ctx := context.Background()
	n := &captureNotifier{}
	g := NewGovernor(DefaultConfig(), 10000, zerolog.Nop(), WithNotifier(n))

	g.RecordClose(ctx, 1000) // peak 11000
	assert.True(t, g.MayTrade())

	g.RecordClose(ctx, -1000) // dd 0.0909
	assert.True(t, g.MayTrade())

	state := g.RecordClose(ctx, -100) // 9900 / 11000 => dd 0.10
	assert.InDelta(t, 0.10, state.Drawdown, 1e-9)
	assert.False(t, g.MayTrade())
	assert.Equal(t, models.GovernorHalted, state.State())
	assert.NotEmpty(t, state.HaltReason)
	assert.False(t, state.HaltedAt.IsZero())

	assert.Equal(t, []notify.NotificationType{notify.NotificationHalt}, n.types())

	err := g.Check()
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrTradingHalted))
	assert.Equal(t, apperrors.ClassFatal, apperrors.Classify(err))

	// Recovery to a new peak does not clear the latch.
	g.RecordClose(ctx, 5000)
	assert.False(t, g.MayTrade())
	assert.Len(t, n.types(), 1, "halt alert fires once per transition")
}

func TestGovernor_ResetIsManualAndRebaselines(t *testing.T) {
	ctx := context.Background()
	n := &captureNotifier{}
	g := NewGovernor(DefaultConfig(), 10000, zerolog.Nop(), WithNotifier(n))

	_, err := g.Reset(ctx, "alice", "nothing to do")
	assert.ErrorIs(t, err, ErrNotHalted)

	g.RecordClose(ctx, -1500)
	require.False(t, g.MayTrade())

	_, err = g.Reset(ctx, "", "no operator")
	assert.Error(t, err)
	assert.False(t, g.MayTrade())

	state, err := g.Reset(ctx, "alice", "reviewed losses")
	require.NoError(t, err)
	assert.True(t, g.MayTrade())
	assert.Equal(t, 8500.0, state.PeakEquity)
	assert.Equal(t, 0.0, state.Drawdown)
	assert.Contains(t, n.types(), notify.NotificationReset)

	// A small loss after reset is measured from the new baseline.
	g.RecordClose(ctx, -100)
	assert.True(t, g.MayTrade())
}

func TestGovernor_FailedOrderLeavesEquity(t *testing.T) {
	ctx := context.Background()
	n := &captureNotifier{}
	g := NewGovernor(DefaultConfig(), 10000, zerolog.Nop(), WithNotifier(n))

	before := g.Snapshot()
	g.RecordFailedOrder(ctx, "cid-1", "BTC-USDT-SWAP", errors.New("timeout"))
	after := g.Snapshot()

	assert.Equal(t, before.CurrentEquity, after.CurrentEquity)
	assert.Equal(t, before.PeakEquity, after.PeakEquity)
	assert.Equal(t, 1, after.FailedOrders)
	assert.True(t, g.MayTrade())
	assert.Equal(t, []notify.NotificationType{notify.NotificationFailure}, n.types())
}

func TestGovernor_HaltSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := &memStateStore{}

	g := NewGovernor(DefaultConfig(), 10000, zerolog.Nop(), WithStateStore(store))
	require.NoError(t, g.Restore(ctx))
	g.RecordClose(ctx, -2000)
	require.False(t, g.MayTrade())

	restarted := NewGovernor(DefaultConfig(), 10000, zerolog.Nop(), WithStateStore(store))
	require.NoError(t, restarted.Restore(ctx))
	assert.False(t, restarted.MayTrade())
	assert.Equal(t, 8000.0, restarted.Snapshot().CurrentEquity)
}

func TestGovernor_CapWinProbability(t *testing.T) {
	g := NewGovernor(DefaultConfig(), 1000, zerolog.Nop())
	assert.Equal(t, 0.75, g.CapWinProbability(0.95))
	assert.Equal(t, 0.6, g.CapWinProbability(0.6))

	lowered := NewGovernor(Config{MaxDrawdown: 0.1, WinProbCeiling: 0.65}, 1000, zerolog.Nop())
	assert.Equal(t, 0.65, lowered.CapWinProbability(0.95))

	raised := NewGovernor(Config{MaxDrawdown: 0.1, WinProbCeiling: 0.9}, 1000, zerolog.Nop())
	assert.Equal(t, 0.75, raised.CapWinProbability(0.95))
}

func TestGovernor_ConcurrentClosesDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	g := NewGovernor(Config{MaxDrawdown: 0.99, WinProbCeiling: 0.75}, 10000, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.RecordClose(ctx, -10)
		}()
	}
	wg.Wait()

	assert.InDelta(t, 9000.0, g.Snapshot().CurrentEquity, 1e-9)
}

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evo-trader/internal/config"
	"evo-trader/internal/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Driver = "sqlite3"
	cfg.Store.DSN = filepath.Join(t.TempDir(), "evotrader.db")
	cfg.Logging.Level = "error"
	cfg.Logging.Console = false
	cfg.Logging.File = false
	return cfg
}

func execute(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	app := &App{
		Logger:     zerolog.Nop(),
		loadConfig: func(string) (*config.Config, error) { return cfg, nil },
	}
	cmd := newRootCmd(app)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// haltLedger drives the persisted ledger into HALTED.
func haltLedger(t *testing.T, cfg *config.Config) {
	t.Helper()
	st, err := openStore(cfg)
	require.NoError(t, err)
	defer st.Close()

	gov := newGovernor(cfg, st, zerolog.Nop())
	require.NoError(t, gov.Restore(context.Background()))
	gov.RecordClose(context.Background(), -1500)
	require.False(t, gov.MayTrade())
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, testConfig(t), "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestStatusCmd_ReportsHalt(t *testing.T) {
	cfg := testConfig(t)
	haltLedger(t, cfg)

	out, err := execute(t, cfg, "status", "--json")
	require.NoError(t, err)

	var report StatusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "HALTED", report.State)
	assert.Equal(t, 8500.0, report.Equity)
	assert.InDelta(t, 0.15, report.Drawdown, 1e-9)
	assert.NotEmpty(t, report.HaltReason)
	assert.Equal(t, 0, report.PendingOrders)
}

func TestResetHaltCmd(t *testing.T) {
	cfg := testConfig(t)

	_, err := execute(t, cfg, "reset-halt", "--reason", "x")
	require.Error(t, err, "operator is required")

	out, err := execute(t, cfg, "reset-halt", "--operator", "alice", "--reason", "nothing to do")
	require.NoError(t, err)
	assert.Contains(t, out, "not halted")

	haltLedger(t, cfg)
	out, err = execute(t, cfg, "reset-halt", "--operator", "alice", "--reason", "reviewed losses", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"reset": true`)

	// The reset is persisted: a fresh governor restores ACTIVE with the
	// peak re-baselined to current equity.
	st, err := openStore(cfg)
	require.NoError(t, err)
	defer st.Close()
	gov := newGovernor(cfg, st, zerolog.Nop())
	require.NoError(t, gov.Restore(context.Background()))
	state := gov.Snapshot()
	assert.True(t, gov.MayTrade())
	assert.Equal(t, 8500.0, state.PeakEquity)
	assert.Equal(t, models.GovernorActive, state.State())
}

func TestTradesCmd(t *testing.T) {
	cfg := testConfig(t)
	st, err := openStore(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now().UTC()
	trades := []models.TradeRecord{
		{ID: "t1", Symbol: "BTC-USDT-SWAP", Direction: models.DirectionLong, RealizedPnL: -150, InitialMargin: 1000, OrderID: "o1", StrategyVersion: "v1", CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "t2", Symbol: "ETH-USDT-SWAP", Direction: models.DirectionShort, RealizedPnL: 80, InitialMargin: 400, OrderID: "o2", StrategyVersion: "v1", CreatedAt: now.Add(-time.Hour)},
	}
	for i := range trades {
		_, err := st.AppendTrade(ctx, &trades[i])
		require.NoError(t, err)
	}
	require.NoError(t, st.Close())

	out, err := execute(t, cfg, "trades", "--json")
	require.NoError(t, err)
	var views []TradeView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "t2", views[0].ID)
	assert.InDelta(t, 0.2, views[0].ROE, 1e-9)

	out, err = execute(t, cfg, "trades", "--losses", "--json")
	require.NoError(t, err)
	views = nil
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.InDelta(t, -0.15, views[0].ROE, 1e-9)

	out, err = execute(t, cfg, "trades", "--symbol", "btc-usdt-swap")
	require.NoError(t, err)
	assert.Contains(t, out, "BTC-USDT-SWAP")
	assert.Contains(t, out, "-15.00%")
	assert.NotContains(t, out, "ETH-USDT-SWAP")
}

func TestRunCmd_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trading.Mode = "yolo"
	_, err := execute(t, cfg, "run")
	require.Error(t, err)
}

package cli

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"evo-trader/internal/engine"
	"evo-trader/internal/exchange"
)

func newRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading loop",
		Long: `Run the trading loop until interrupted.

On start the persisted risk ledger is restored and orders left pending by a
previous run are reconciled against the venue. The loop then evaluates every
configured symbol on a volatility-adaptive heartbeat while the opportunity
scanner, lesson writer and periodic autopsy run alongside it.`,
		Example: `  evotrader run
  evotrader run --symbols BTC-USDT-SWAP,ETH-USDT-SWAP
  evotrader run --config ./deploy --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg := app.Config

			if symbols, _ := cmd.Flags().GetString("symbols"); symbols != "" {
				cfg.Trading.Symbols = strings.Split(symbols, ",")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := buildServices(ctx, cfg, app.Logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			output.Bold("Starting evotrader")
			output.Printf("  Mode:      %s\n", cfg.Trading.Mode)
			output.Printf("  Venue:     %s\n", svc.venue.Name())
			output.Printf("  Symbols:   %s\n", strings.Join(cfg.Trading.Symbols, ", "))
			output.Printf("  Decision:  %s\n", cfg.Decision.Provider)
			output.Printf("  Memory:    %s\n", cfg.Memory.Backend)
			output.Printf("  Drawdown:  %.1f%% limit\n", cfg.Risk.MaxDrawdown*100)
			if cfg.Server.Enabled {
				output.Printf("  Ops API:   http://%s\n", cfg.Server.Addr)
			}
			output.Println()
			if cfg.IsPaperMode() {
				output.Warning("PAPER TRADING MODE")
			}

			startup := engine.Startup{
				Restore: func(ctx context.Context) error {
					if err := svc.governor.Restore(ctx); err != nil {
						return err
					}
					// A live venue is the authority on account equity.
					if _, paper := svc.venue.(*exchange.Paper); !paper {
						if equity, err := svc.venue.Equity(ctx); err == nil {
							svc.governor.SyncEquity(ctx, equity)
						} else {
							app.Logger.Warn().Err(err).Msg("Venue equity unavailable at start")
						}
					}
					return nil
				},
				Reconcile: svc.executor.ReconcilePending,
			}

			err = svc.loop.Run(ctx, startup, svc.workers(cfg)...)
			output.Info("evotrader stopped")
			return err
		},
	}

	cmd.Flags().String("symbols", "", "comma-separated symbols, overrides trading.symbols")
	return cmd
}

package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"evo-trader/internal/models"
)

// Worker is a long-running component started by Run.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// Startup holds the steps run once before any worker starts.
type Startup struct {
	// Restore loads the persisted risk ledger.
	Restore func(ctx context.Context) error
	// Reconcile resolves orders left PENDING by a previous run.
	Reconcile func(ctx context.Context) ([]models.JournalEntry, error)
}

// Run restores state, reconciles interrupted orders and then runs the
// workers until ctx is canceled or one of them fails.
func (l *Loop) Run(ctx context.Context, startup Startup, workers ...Worker) error {
	if err := l.Validate(); err != nil {
		return err
	}

	if startup.Restore != nil {
		if err := startup.Restore(ctx); err != nil {
			return fmt.Errorf("failed to restore risk state: %w", err)
		}
	}

	if startup.Reconcile != nil {
		entries, err := startup.Reconcile(ctx)
		if err != nil {
			l.logger.Warn().Err(err).Msg("Reconciliation incomplete, pending orders kept")
		}
		for _, e := range entries {
			l.logger.Info().
				Str("client_order_id", e.ClientOrderID).
				Str("symbol", e.Symbol).
				Str("status", string(e.Status)).
				Msg("Interrupted order reconciled")
		}
	}

	state := l.Governor.Snapshot()
	l.logger.Info().
		Strs("symbols", l.cfg.Symbols).
		Float64("equity", state.CurrentEquity).
		Bool("halted", state.Halted).
		Int("workers", len(workers)).
		Msg("Trading loop starting")

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			l.logger.Debug().Str("worker", w.Name).Msg("Worker started")
			if err := w.Run(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("%s: %w", w.Name, err)
			}
			l.logger.Debug().Str("worker", w.Name).Msg("Worker stopped")
			return nil
		})
	}

	err := g.Wait()
	l.logger.Info().Msg("Trading loop stopped")
	return err
}

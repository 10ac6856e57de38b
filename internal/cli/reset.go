package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"evo-trader/internal/risk"
)

func newResetHaltCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-halt",
		Short: "Clear a drawdown halt",
		Long: `Clear a latched drawdown halt so trading can resume.

The halt never clears on its own. Peak equity is re-baselined to current
equity on reset. The operator and reason are written to the audit log.
Stop the running process first; it holds the risk state in memory and
serves the same reset on POST /risk/reset when the ops API is enabled.`,
		Example: `  evotrader reset-halt --operator alice --reason "reviewed BTC losses"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			operator, _ := cmd.Flags().GetString("operator")
			reason, _ := cmd.Flags().GetString("reason")

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			st, err := openStore(app.Config)
			if err != nil {
				return err
			}
			defer st.Close()

			gov := newGovernor(app.Config, st, app.Logger)
			if err := gov.Restore(ctx); err != nil {
				return err
			}

			state, err := gov.Reset(ctx, operator, reason)
			if errors.Is(err, risk.ErrNotHalted) {
				if output.IsJSON() {
					return output.JSON(map[string]interface{}{"state": string(state.State()), "reset": false})
				}
				output.Info("Trading is not halted; nothing to reset.")
				return nil
			}
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"state":    string(state.State()),
					"reset":    true,
					"equity":   state.CurrentEquity,
					"operator": operator,
				})
			}
			output.Success("Halt cleared by %s", operator)
			output.Printf("  Equity:      %s\n", FormatCurrency(state.CurrentEquity))
			output.Printf("  Peak equity: %s\n", FormatCurrency(state.PeakEquity))
			return nil
		},
	}

	cmd.Flags().String("operator", "", "name of the operator clearing the halt")
	cmd.Flags().String("reason", "", "why trading may resume")
	_ = cmd.MarkFlagRequired("operator")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

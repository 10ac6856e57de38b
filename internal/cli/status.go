package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

// StatusReport is the JSON form of the status command.
type StatusReport struct {
	State          string    `json:"state"`
	Mode           string    `json:"mode"`
	StartingEquity float64   `json:"starting_equity"`
	Equity         float64   `json:"equity"`
	PeakEquity     float64   `json:"peak_equity"`
	Drawdown       float64   `json:"drawdown"`
	MaxDrawdown    float64   `json:"max_drawdown"`
	HaltReason     string    `json:"halt_reason,omitempty"`
	HaltedAt       time.Time `json:"halted_at,omitempty"`
	FailedOrders   int       `json:"failed_orders"`
	PendingOrders  int       `json:"pending_orders"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted risk state",
		Long:  "Show the risk governor state and pending orders recorded in the store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
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
			pending, err := st.PendingJournal(ctx)
			if err != nil {
				return err
			}

			state := gov.Snapshot()
			report := StatusReport{
				State:          string(state.State()),
				Mode:           app.Config.Trading.Mode,
				StartingEquity: state.StartingEquity,
				Equity:         state.CurrentEquity,
				PeakEquity:     state.PeakEquity,
				Drawdown:       state.Drawdown,
				MaxDrawdown:    app.Config.Risk.MaxDrawdown,
				HaltReason:     state.HaltReason,
				HaltedAt:       state.HaltedAt,
				FailedOrders:   state.FailedOrders,
				PendingOrders:  len(pending),
				UpdatedAt:      state.UpdatedAt,
			}
			if output.IsJSON() {
				return output.JSON(report)
			}

			output.Bold("Risk Governor")
			if state.Halted {
				output.Printf("  State:          %s\n", output.Red(report.State))
			} else {
				output.Printf("  State:          %s\n", output.Green(report.State))
			}
			output.Printf("  Mode:           %s\n", report.Mode)
			output.Printf("  Equity:         %s\n", FormatCurrency(report.Equity))
			output.Printf("  Peak equity:    %s\n", FormatCurrency(report.PeakEquity))
			output.Printf("  Drawdown:       %.2f%% of %.2f%% limit\n", report.Drawdown*100, report.MaxDrawdown*100)
			output.Printf("  Failed orders:  %d\n", report.FailedOrders)
			output.Printf("  Pending orders: %d\n", report.PendingOrders)
			output.Printf("  Updated:        %s\n", FormatDateTime(report.UpdatedAt))
			if state.Halted {
				output.Println()
				output.Warning("Halted at %s: %s", FormatDateTime(report.HaltedAt), report.HaltReason)
				output.Dim("Resume with: evotrader reset-halt --operator <name> --reason <text>")
			}
			return nil
		},
	}
}

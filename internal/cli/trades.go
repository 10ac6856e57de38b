package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"evo-trader/internal/models"
)

// TradeView is the JSON form of a trade row.
type TradeView struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	Direction       string    `json:"direction"`
	RealizedPnL     float64   `json:"realized_pnl"`
	InitialMargin   float64   `json:"initial_margin"`
	ROE             float64   `json:"roe"`
	OrderID         string    `json:"order_id"`
	StrategyVersion string    `json:"strategy_version"`
	Reviewed        bool      `json:"reviewed"`
	CreatedAt       time.Time `json:"created_at"`
}

func newTradesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List closed trades",
		Long:  "List closed trades from the ledger, newest first. ROE is derived from P&L and margin.",
		Example: `  evotrader trades
  evotrader trades --symbol BTC-USDT-SWAP --limit 50
  evotrader trades --losses --since 72h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbol, _ := cmd.Flags().GetString("symbol")
			limit, _ := cmd.Flags().GetInt("limit")
			losses, _ := cmd.Flags().GetBool("losses")
			since, _ := cmd.Flags().GetDuration("since")

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			st, err := openStore(app.Config)
			if err != nil {
				return err
			}
			defer st.Close()

			filter := models.TradeFilter{
				Symbol:     strings.ToUpper(symbol),
				LossesOnly: losses,
				Limit:      limit,
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			trades, err := st.ListTrades(ctx, filter)
			if err != nil {
				return fmt.Errorf("listing trades: %w", err)
			}

			if output.IsJSON() {
				views := make([]TradeView, 0, len(trades))
				for _, t := range trades {
					views = append(views, TradeView{
						ID:              t.ID,
						Symbol:          t.Symbol,
						Direction:       string(t.Direction),
						RealizedPnL:     t.RealizedPnL,
						InitialMargin:   t.InitialMargin,
						ROE:             t.ROE(),
						OrderID:         t.OrderID,
						StrategyVersion: t.StrategyVersion,
						Reviewed:        t.Reviewed,
						CreatedAt:       t.CreatedAt,
					})
				}
				return output.JSON(views)
			}

			if len(trades) == 0 {
				output.Info("No trades recorded.")
				return nil
			}

			var total float64
			var wins int
			table := NewTable(output, "Closed", "Symbol", "Dir", "P&L", "Margin", "ROE", "Reviewed")
			for _, t := range trades {
				total += t.RealizedPnL
				if t.RealizedPnL > 0 {
					wins++
				}
				reviewed := ""
				if t.Reviewed {
					reviewed = "yes"
				}
				table.AddRow(
					FormatDateTime(t.CreatedAt),
					t.Symbol,
					string(t.Direction),
					FormatPnL(t.RealizedPnL),
					FormatCurrency(t.InitialMargin),
					FormatPercent(t.ROE()),
					reviewed,
				)
			}
			if err := table.Render(); err != nil {
				return err
			}

			output.Println()
			output.Printf("Trades: %d  Wins: %d  Net P&L: %s\n", len(trades), wins, output.FormatPnL(total))
			return nil
		},
	}

	cmd.Flags().String("symbol", "", "filter by symbol")
	cmd.Flags().Int("limit", 20, "maximum rows")
	cmd.Flags().Bool("losses", false, "only losing trades")
	cmd.Flags().Duration("since", 0, "only trades closed within this window")
	return cmd
}

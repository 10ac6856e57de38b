// Package cli provides the command-line interface for the trading loop.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"evo-trader/internal/config"
	"evo-trader/internal/logging"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2026-10-01"
)

// App holds the application dependencies shared by commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	// loadConfig is replaced in tests.
	loadConfig func(dir string) (*config.Config, error)
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	app := &App{
		Logger:     logger,
		loadConfig: config.Load,
	}
	return newRootCmd(app)
}

func newRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "evotrader",
		Short: "Self-improving crypto perpetuals trading loop",
		Long: `evotrader runs an autonomous decision, execution and governance loop
for crypto perpetual futures.

Each cycle gathers market context, recalls similar past lessons, asks the
decision source for a trade, sizes it with a capped Kelly fraction and
submits it with retries. A drawdown breaker halts trading until an operator
resets it. Losing trades and missed moves become lessons for later cycles.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			dir, _ := cmd.Flags().GetString("config")
			cfg, err := app.loadConfig(dir)
			if err != nil {
				return err
			}
			app.Config = cfg

			logCfg := logging.DefaultLogConfig()
			logCfg.Level = cfg.Logging.Level
			logCfg.Console = cfg.Logging.Console
			logCfg.File = cfg.Logging.File
			logCfg.FilePath = cfg.Logging.FilePath

			// Commands other than run keep the console for their own output.
			if cmd.Name() != "run" {
				logCfg.Console = false
			}
			app.Logger = logging.NewLoggerWithConfig(logCfg)

			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/evo-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newResetHaltCmd(app))
	rootCmd.AddCommand(newTradesCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("evotrader v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

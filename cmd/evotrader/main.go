// Command evotrader runs the self-improving trading loop.
package main

import (
	"errors"
	"fmt"
	"os"

	"evo-trader/internal/cli"
	"evo-trader/internal/config"
	"evo-trader/internal/logging"
)

func main() {
	logger := logging.NewLogger()

	if err := cli.NewRootCmd(logger).Execute(); err != nil {
		if errors.Is(err, config.ErrTemplateCreated) {
			fmt.Fprintf(os.Stderr, "%v\nEdit the template and credentials.toml, then run again.\n", err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

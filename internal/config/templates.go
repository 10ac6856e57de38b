package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# evo-trader configuration

[trading]
# Trading mode: "live" or "paper"
mode = "paper"
symbols = ["BTC-USDT-SWAP"]
strategy_version = "v1"
starting_equity = 10000.0
# Candle bar used for indicators and the opportunity scanner
timeframe = "1H"

[risk]
# Drawdown fraction that latches the governor into HALTED
max_drawdown = 0.10
# Win probability ceiling, never above 0.75
win_prob_ceiling = 0.75
# Maximum Kelly fraction of equity risked per trade
max_position_cap = 0.25
# 1.0 = full Kelly, 0.5 = half Kelly
kelly_multiplier = 1.0
# Venue lot size, 0 disables rounding
lot_size = 0.0
# Stop distance used when the decision carries none
default_stop = 0.02

[heartbeat]
base_interval = "5m"
min_interval = "1m"
max_interval = "15m"
# Volatility (ATR % of price) at which the interval equals base_interval
reference_volatility = 0.5
floor_ratio = 0.5

[execution]
base_delay = "500ms"
max_delay = "2m"
max_attempts = 10
call_timeout = "10s"
# Fills with notional at or above this trigger an alert
large_fill_notional = 5000.0

[evolution]
scan_interval = "1h"
scan_window = "24h"
# Close-to-close move fraction that counts as a missed opportunity
move_threshold = 0.05
exclusion_lookback = "12h"
review_interval = "24h"
autopsy_roe_threshold = 0.0
writer_queue_size = 256
writer_retry = "1m"

[memory]
# "sql" keeps lessons in the store database, "local" in process, "redis" in redis
backend = "sql"
query_limit = 4
redis_addr = "localhost:6379"
redis_db = 0
key_prefix = "evotrader"

[store]
# "sqlite3" or "postgres"
driver = "sqlite3"
dsn = ""

[decision]
provider = "openai"
model = "gpt-4o"
base_url = ""
timeout = "60s"
temperature = 0.2

[exchange]
# "paper" or "okx"
name = "paper"
base_url = "https://www.okx.com"
simulated = true
rate_per_second = 5.0
request_timeout = "10s"
leverage = 1.0
paper_slippage = 0.0005

[notifications]
enabled = false
# Notification level: all, trades_only, errors_only
level = "all"

[notifications.webhook]
enabled = false
url = ""

[notifications.telegram]
enabled = false
chat_id = 0

[server]
enabled = false
addr = "127.0.0.1:8089"

[logging]
level = "info"
console = true
file = true
file_path = ""
`

const credentialsTemplate = `# evo-trader credentials
# WARNING: Keep this file secure! Do not commit to version control.

[okx]
api_key = ""
api_secret = ""
passphrase = ""

[openai]
api_key = ""

[telegram]
bot_token = ""

[webhook]
secret = ""

[redis]
password = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("%w at %s", ErrTemplateCreated, path)
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return nil
}

// Package config provides configuration management for the trading loop.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrTemplateCreated is returned when config.toml was missing and a template was written.
var ErrTemplateCreated = errors.New("config file not found, template created")

// Config holds all application configuration.
type Config struct {
	Trading       TradingConfig      `mapstructure:"trading"`
	Risk          RiskConfig         `mapstructure:"risk"`
	Heartbeat     HeartbeatConfig    `mapstructure:"heartbeat"`
	Execution     ExecutionConfig    `mapstructure:"execution"`
	Evolution     EvolutionConfig    `mapstructure:"evolution"`
	Memory        MemoryConfig       `mapstructure:"memory"`
	Store         StoreConfig        `mapstructure:"store"`
	Decision      DecisionConfig     `mapstructure:"decision"`
	Exchange      ExchangeConfig     `mapstructure:"exchange"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Server        ServerConfig       `mapstructure:"server"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Credentials   Credentials        `mapstructure:"-"` // Loaded separately
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Mode            string   `mapstructure:"mode"` // "live", "paper"
	Symbols         []string `mapstructure:"symbols"`
	StrategyVersion string   `mapstructure:"strategy_version"`
	StartingEquity  float64  `mapstructure:"starting_equity"`
	Timeframe       string   `mapstructure:"timeframe"`
}

// RiskConfig holds risk governor and sizing configuration.
type RiskConfig struct {
	MaxDrawdown     float64 `mapstructure:"max_drawdown"`
	WinProbCeiling  float64 `mapstructure:"win_prob_ceiling"`
	MaxPositionCap  float64 `mapstructure:"max_position_cap"`
	KellyMultiplier float64 `mapstructure:"kelly_multiplier"`
	LotSize         float64 `mapstructure:"lot_size"`
	DefaultStop     float64 `mapstructure:"default_stop"`
}

// HeartbeatConfig holds evaluation cadence configuration.
type HeartbeatConfig struct {
	BaseInterval        time.Duration `mapstructure:"base_interval"`
	MinInterval         time.Duration `mapstructure:"min_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	ReferenceVolatility float64       `mapstructure:"reference_volatility"`
	FloorRatio          float64       `mapstructure:"floor_ratio"`
}

// ExecutionConfig holds retry and submission configuration.
type ExecutionConfig struct {
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	LargeFillNotional float64       `mapstructure:"large_fill_notional"`
}

// EvolutionConfig holds autopsy, scanner and lesson writer configuration.
type EvolutionConfig struct {
	ScanInterval      time.Duration `mapstructure:"scan_interval"`
	ScanWindow        time.Duration `mapstructure:"scan_window"`
	MoveThreshold     float64       `mapstructure:"move_threshold"`
	ExclusionLookback time.Duration `mapstructure:"exclusion_lookback"`
	ReviewInterval    time.Duration `mapstructure:"review_interval"`
	AutopsyThreshold  float64       `mapstructure:"autopsy_roe_threshold"`
	WriterQueueSize   int           `mapstructure:"writer_queue_size"`
	WriterRetry       time.Duration `mapstructure:"writer_retry"`
}

// MemoryConfig holds lesson memory configuration.
type MemoryConfig struct {
	Backend    string `mapstructure:"backend"` // "sql", "local", "redis"
	QueryLimit int    `mapstructure:"query_limit"`
	RedisAddr  string `mapstructure:"redis_addr"`
	RedisDB    int    `mapstructure:"redis_db"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite3", "postgres"
	DSN    string `mapstructure:"dsn"`
}

// DecisionConfig holds decision source configuration.
type DecisionConfig struct {
	Provider    string        `mapstructure:"provider"` // "openai", "none"
	Model       string        `mapstructure:"model"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float32       `mapstructure:"temperature"`
}

// ExchangeConfig holds exchange adapter configuration.
type ExchangeConfig struct {
	Name           string        `mapstructure:"name"` // "paper", "okx"
	BaseURL        string        `mapstructure:"base_url"`
	Simulated      bool          `mapstructure:"simulated"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Leverage       float64       `mapstructure:"leverage"`
	PaperSlippage  float64       `mapstructure:"paper_slippage"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Level    string         `mapstructure:"level"` // all, trades_only, errors_only
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled bool  `mapstructure:"enabled"`
	ChatID  int64 `mapstructure:"chat_id"`
}

// ServerConfig holds the ops HTTP server configuration.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Console  bool   `mapstructure:"console"`
	File     bool   `mapstructure:"file"`
	FilePath string `mapstructure:"file_path"`
}

// Credentials holds API secrets.
type Credentials struct {
	OKX      OKXCredentials      `mapstructure:"okx"`
	OpenAI   OpenAICredentials   `mapstructure:"openai"`
	Telegram TelegramCredentials `mapstructure:"telegram"`
	Webhook  WebhookCredentials  `mapstructure:"webhook"`
	Redis    RedisCredentials    `mapstructure:"redis"`
}

// OKXCredentials holds OKX API credentials.
type OKXCredentials struct {
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Passphrase string `mapstructure:"passphrase"`
}

// OpenAICredentials holds OpenAI API credentials.
type OpenAICredentials struct {
	APIKey string `mapstructure:"api_key"`
}

// TelegramCredentials holds the Telegram bot token.
type TelegramCredentials struct {
	BotToken string `mapstructure:"bot_token"`
}

// WebhookCredentials holds the webhook signing secret.
type WebhookCredentials struct {
	Secret string `mapstructure:"secret"`
}

// RedisCredentials holds the redis password.
type RedisCredentials struct {
	Password string `mapstructure:"password"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/evo-trader"
	}
	return filepath.Join(home, ".config", "evo-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env is optional; values already in the environment win.
	_ = godotenv.Load(filepath.Join(configDir, ".env"))
	_ = godotenv.Load()

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.Store.DSN == "" && cfg.Store.Driver == "sqlite3" {
		cfg.Store.DSN = filepath.Join(configDir, "evotrader.db")
	}
	if cfg.Logging.FilePath == "" {
		cfg.Logging.FilePath = filepath.Join(configDir, "logs", "evotrader.log")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration populated only from defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.symbols", []string{"BTC-USDT-SWAP"})
	v.SetDefault("trading.strategy_version", "v1")
	v.SetDefault("trading.starting_equity", 10000.0)
	v.SetDefault("trading.timeframe", "1H")

	v.SetDefault("risk.max_drawdown", 0.10)
	v.SetDefault("risk.win_prob_ceiling", 0.75)
	v.SetDefault("risk.max_position_cap", 0.25)
	v.SetDefault("risk.kelly_multiplier", 1.0)
	v.SetDefault("risk.lot_size", 0.0)
	v.SetDefault("risk.default_stop", 0.02)

	v.SetDefault("heartbeat.base_interval", 300*time.Second)
	v.SetDefault("heartbeat.min_interval", 60*time.Second)
	v.SetDefault("heartbeat.max_interval", 900*time.Second)
	v.SetDefault("heartbeat.reference_volatility", 0.5)
	v.SetDefault("heartbeat.floor_ratio", 0.5)

	v.SetDefault("execution.base_delay", 500*time.Millisecond)
	v.SetDefault("execution.max_delay", 2*time.Minute)
	v.SetDefault("execution.max_attempts", 10)
	v.SetDefault("execution.call_timeout", 10*time.Second)
	v.SetDefault("execution.large_fill_notional", 5000.0)

	v.SetDefault("evolution.scan_interval", time.Hour)
	v.SetDefault("evolution.scan_window", 24*time.Hour)
	v.SetDefault("evolution.move_threshold", 0.05)
	v.SetDefault("evolution.exclusion_lookback", 12*time.Hour)
	v.SetDefault("evolution.review_interval", 24*time.Hour)
	v.SetDefault("evolution.autopsy_roe_threshold", 0.0)
	v.SetDefault("evolution.writer_queue_size", 256)
	v.SetDefault("evolution.writer_retry", time.Minute)

	v.SetDefault("memory.backend", "sql")
	v.SetDefault("memory.query_limit", 4)
	v.SetDefault("memory.redis_addr", "localhost:6379")
	v.SetDefault("memory.redis_db", 0)
	v.SetDefault("memory.key_prefix", "evotrader")

	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", filepath.Join(DefaultConfigDir(), "evotrader.db"))

	v.SetDefault("decision.provider", "openai")
	v.SetDefault("decision.model", "gpt-4o")
	v.SetDefault("decision.timeout", 60*time.Second)
	v.SetDefault("decision.temperature", 0.2)

	v.SetDefault("exchange.name", "paper")
	v.SetDefault("exchange.base_url", "https://www.okx.com")
	v.SetDefault("exchange.simulated", true)
	v.SetDefault("exchange.rate_per_second", 5.0)
	v.SetDefault("exchange.request_timeout", 10*time.Second)
	v.SetDefault("exchange.leverage", 1.0)
	v.SetDefault("exchange.paper_slippage", 0.0005)

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.level", "all")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", "127.0.0.1:8089")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(DefaultConfigDir(), "logs", "evotrader.log"))
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("EVOTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return createTemplateConfig(configDir)
		}
		return err
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Secrets may come from the environment alone.
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OKX_API_KEY"); v != "" {
		cfg.Credentials.OKX.APIKey = v
	}
	if v := os.Getenv("OKX_SECRET_KEY"); v != "" {
		cfg.Credentials.OKX.APISecret = v
	}
	if v := os.Getenv("OKX_PASSPHRASE"); v != "" {
		cfg.Credentials.OKX.Passphrase = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Credentials.OpenAI.APIKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Credentials.Telegram.BotToken = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Credentials.Webhook.Secret = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Credentials.Redis.Password = v
	}
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		return fmt.Errorf("invalid trading mode: %s (must be 'live' or 'paper')", c.Trading.Mode)
	}
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must not be empty")
	}
	if c.Trading.StartingEquity <= 0 {
		return fmt.Errorf("trading.starting_equity must be positive")
	}

	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown >= 1 {
		return fmt.Errorf("risk.max_drawdown must be between 0 and 1")
	}
	if c.Risk.WinProbCeiling <= 0 || c.Risk.WinProbCeiling > 0.75 {
		return fmt.Errorf("risk.win_prob_ceiling must be in (0, 0.75]")
	}
	if c.Risk.MaxPositionCap <= 0 || c.Risk.MaxPositionCap > 1 {
		return fmt.Errorf("risk.max_position_cap must be in (0, 1]")
	}
	if c.Risk.KellyMultiplier <= 0 || c.Risk.KellyMultiplier > 1 {
		return fmt.Errorf("risk.kelly_multiplier must be in (0, 1]")
	}
	if c.Risk.LotSize < 0 {
		return fmt.Errorf("risk.lot_size must be non-negative")
	}

	if c.Heartbeat.MinInterval <= 0 || c.Heartbeat.MaxInterval < c.Heartbeat.MinInterval {
		return fmt.Errorf("heartbeat intervals must satisfy 0 < min_interval <= max_interval")
	}
	if c.Heartbeat.ReferenceVolatility <= 0 || c.Heartbeat.FloorRatio <= 0 {
		return fmt.Errorf("heartbeat reference_volatility and floor_ratio must be positive")
	}

	if c.Execution.MaxAttempts < 1 {
		return fmt.Errorf("execution.max_attempts must be at least 1")
	}
	if c.Execution.BaseDelay <= 0 || c.Execution.MaxDelay < c.Execution.BaseDelay {
		return fmt.Errorf("execution delays must satisfy 0 < base_delay <= max_delay")
	}

	if c.Evolution.MoveThreshold <= 0 {
		return fmt.Errorf("evolution.move_threshold must be positive")
	}

	switch c.Memory.Backend {
	case "sql", "local", "redis":
	default:
		return fmt.Errorf("invalid memory backend: %s", c.Memory.Backend)
	}
	switch c.Store.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("invalid store driver: %s", c.Store.Driver)
	}
	switch c.Exchange.Name {
	case "paper", "okx":
	default:
		return fmt.Errorf("invalid exchange: %s", c.Exchange.Name)
	}
	if c.IsLiveMode() && c.Exchange.Name == "paper" {
		return fmt.Errorf("live mode requires a real exchange")
	}

	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}

// IsLiveMode returns true if live trading mode is enabled.
func (c *Config) IsLiveMode() bool {
	return c.Trading.Mode == "live"
}

package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"evo-trader/internal/api"
	"evo-trader/internal/config"
	"evo-trader/internal/decision"
	"evo-trader/internal/engine"
	"evo-trader/internal/evolution"
	"evo-trader/internal/exchange"
	"evo-trader/internal/execution"
	"evo-trader/internal/heartbeat"
	"evo-trader/internal/market"
	"evo-trader/internal/memory"
	"evo-trader/internal/metrics"
	"evo-trader/internal/notify"
	"evo-trader/internal/risk"
	"evo-trader/internal/sizing"
	"evo-trader/internal/store"
)

// services is the fully wired trading process.
type services struct {
	store     *store.SQLStore
	venue     exchange.Exchange
	notifier  *notify.MultiNotifier
	metrics   *metrics.Metrics
	governor  *risk.Governor
	executor  *execution.Engine
	writer    *evolution.Writer
	autopsy   *evolution.Autopsy
	scanner   *evolution.Scanner
	loop      *engine.Loop
	scheduler *heartbeat.Scheduler
	server    *api.Server

	closers []io.Closer
}

func openStore(cfg *config.Config) (*store.SQLStore, error) {
	sc := store.DefaultConfig()
	sc.Driver = cfg.Store.Driver
	sc.DSN = cfg.Store.DSN
	return store.Open(sc)
}

func newGovernor(cfg *config.Config, st risk.StateStore, logger zerolog.Logger, opts ...risk.Option) *risk.Governor {
	rc := risk.Config{MaxDrawdown: cfg.Risk.MaxDrawdown, WinProbCeiling: cfg.Risk.WinProbCeiling}
	opts = append([]risk.Option{risk.WithStateStore(st)}, opts...)
	return risk.NewGovernor(rc, cfg.Trading.StartingEquity, logger, opts...)
}

// buildServices wires every component from cfg. Call Close when done.
func buildServices(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*services, error) {
	s := &services{metrics: metrics.New()}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	s.store = st
	s.closers = append(s.closers, st)

	s.notifier = notify.NewMultiNotifier(&cfg.Notifications, cfg.Credentials, logger)

	// Market data always comes from OKX; public endpoints need no keys.
	okx := exchange.NewOKX(exchange.OKXConfig{
		BaseURL:       cfg.Exchange.BaseURL,
		APIKey:        cfg.Credentials.OKX.APIKey,
		APISecret:     cfg.Credentials.OKX.APISecret,
		Passphrase:    cfg.Credentials.OKX.Passphrase,
		Simulated:     cfg.Exchange.Simulated,
		RatePerSecond: cfg.Exchange.RatePerSecond,
		Timeout:       cfg.Exchange.RequestTimeout,
		Leverage:      cfg.Exchange.Leverage,
	}, logger)

	switch cfg.Exchange.Name {
	case "okx":
		if cfg.Credentials.OKX.APIKey == "" {
			s.Close()
			return nil, fmt.Errorf("exchange okx requires OKX credentials")
		}
		s.venue = okx
	default:
		s.venue = exchange.NewPaper(exchange.PaperConfig{
			InitialEquity: cfg.Trading.StartingEquity,
			Leverage:      cfg.Exchange.Leverage,
			Slippage:      cfg.Exchange.PaperSlippage,
			FeeRate:       0.0005,
		})
	}

	source := market.NewCandleSource(market.Config{
		Timeframe: cfg.Trading.Timeframe,
		Lookback:  market.DefaultConfig().Lookback,
	}, okx, st, logger)

	var mem memory.Store
	switch cfg.Memory.Backend {
	case "redis":
		r, err := memory.NewRedis(ctx, memory.RedisConfig{
			Addr:      cfg.Memory.RedisAddr,
			Password:  cfg.Credentials.Redis.Password,
			DB:        cfg.Memory.RedisDB,
			KeyPrefix: cfg.Memory.KeyPrefix + ":",
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("connecting to redis memory: %w", err)
		}
		s.closers = append(s.closers, r)
		mem = r
	case "local":
		mem = memory.NewLocal()
	default:
		mem = memory.NewSQL(st, memory.SQLConfig{})
	}

	var src decision.Source = decision.None{}
	if cfg.Decision.Provider == "openai" {
		src = decision.NewOpenAI(decision.OpenAIConfig{
			APIKey:      cfg.Credentials.OpenAI.APIKey,
			BaseURL:     cfg.Decision.BaseURL,
			Model:       cfg.Decision.Model,
			Temperature: cfg.Decision.Temperature,
			MaxLeverage: int(cfg.Exchange.Leverage),
		})
	}
	guard := decision.NewGuard(src, cfg.Decision.Timeout, cfg.Trading.StrategyVersion, s.metrics, logger)

	s.governor = newGovernor(cfg, st, logger, risk.WithNotifier(s.notifier), risk.WithMetrics(s.metrics))

	sizer := sizing.NewSizer(sizing.Config{
		MaxPositionCap:  cfg.Risk.MaxPositionCap,
		KellyMultiplier: cfg.Risk.KellyMultiplier,
		LotSize:         cfg.Risk.LotSize,
		DefaultStop:     cfg.Risk.DefaultStop,
	}, s.governor)

	s.executor = execution.NewEngine(execution.Config{
		Retry: execution.RetryConfig{
			BaseDelay:   cfg.Execution.BaseDelay,
			MaxDelay:    cfg.Execution.MaxDelay,
			MaxAttempts: cfg.Execution.MaxAttempts,
		},
		CallTimeout:       cfg.Execution.CallTimeout,
		LargeFillNotional: cfg.Execution.LargeFillNotional,
	}, s.venue, st, s.governor, s.notifier, s.metrics, logger)

	s.writer = evolution.NewWriter(evolution.WriterConfig{
		QueueSize:     cfg.Evolution.WriterQueueSize,
		RetryInterval: cfg.Evolution.WriterRetry,
	}, mem, s.metrics, logger, evolution.WithOutbox(st))
	s.autopsy = evolution.NewAutopsy(evolution.AutopsyConfig{
		ROEThreshold: cfg.Evolution.AutopsyThreshold,
	}, st, s.writer, logger)
	s.scanner = evolution.NewScanner(evolution.ScannerConfig{
		Symbols:   cfg.Trading.Symbols,
		Interval:  cfg.Evolution.ScanInterval,
		Window:    cfg.Evolution.ScanWindow,
		Threshold: cfg.Evolution.MoveThreshold,
		Lookback:  cfg.Evolution.ExclusionLookback,
	}, source, st, s.writer, logger)

	s.loop = engine.New(engine.Config{
		Symbols:     cfg.Trading.Symbols,
		MemoryLimit: cfg.Memory.QueryLimit,
		Leverage:    cfg.Exchange.Leverage,
	}, engine.Deps{
		Market:   source,
		Memory:   mem,
		Decider:  guard,
		Sizer:    sizer,
		Governor: s.governor,
		Executor: s.executor,
		Exchange: s.venue,
		Store:    st,
		Reviewer: s.autopsy,
		Metrics:  s.metrics,
	}, logger)

	s.scheduler = heartbeat.NewScheduler(heartbeat.Config{
		BaseInterval:        cfg.Heartbeat.BaseInterval,
		MinInterval:         cfg.Heartbeat.MinInterval,
		MaxInterval:         cfg.Heartbeat.MaxInterval,
		ReferenceVolatility: cfg.Heartbeat.ReferenceVolatility,
		FloorRatio:          cfg.Heartbeat.FloorRatio,
	}, s.loop.RunCycle, logger)
	s.scheduler.OnInterval = s.metrics.SetInterval

	if cfg.Server.Enabled {
		s.server = api.NewServer(api.Config{Addr: cfg.Server.Addr}, s.governor, s.scheduler, s.metrics, logger)
	}
	return s, nil
}

// workers lists the long-running components.
func (s *services) workers(cfg *config.Config) []engine.Worker {
	ws := []engine.Worker{
		{Name: "notifier", Run: s.notifier.Run},
		{Name: "lesson_writer", Run: s.writer.Run},
		{Name: "heartbeat", Run: s.scheduler.Run},
		{Name: "scanner", Run: s.scanner.Run},
		{Name: "autopsy", Run: func(ctx context.Context) error {
			return s.autopsy.Run(ctx, cfg.Evolution.ReviewInterval)
		}},
	}
	if s.server != nil {
		ws = append(ws, engine.Worker{Name: "api", Run: s.server.Run})
	}
	return ws
}

// Close releases stores and connections.
func (s *services) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

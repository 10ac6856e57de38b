package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"evo-trader/internal/models"
)

// ErrCycleInFlight is returned when a cycle is requested while another runs.
var ErrCycleInFlight = errors.New("evaluation cycle already in flight")

// CycleFunc runs one evaluation cycle and reports the volatility it observed.
type CycleFunc func(ctx context.Context) (float64, error)

// Scheduler runs a cycle, waits the interval chosen by NextInterval and
// repeats. At most one cycle runs at a time.
type Scheduler struct {
	cfg    Config
	cycle  CycleFunc
	logger zerolog.Logger

	guard *semaphore.Weighted

	mu    sync.RWMutex
	state models.HeartbeatState

	// OnInterval, when set, is called with each newly chosen interval.
	OnInterval func(time.Duration)
}

// NewScheduler creates a new scheduler.
func NewScheduler(cfg Config, cycle CycleFunc, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		cycle:  cycle,
		logger: logger.With().Str("component", "heartbeat").Logger(),
		guard:  semaphore.NewWeighted(1),
		state:  models.HeartbeatState{Interval: clamp(cfg, cfg.BaseInterval)},
	}
}

// State returns a snapshot of the heartbeat state.
func (s *Scheduler) State() models.HeartbeatState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Trigger runs a cycle immediately in the caller's goroutine. It returns
// ErrCycleInFlight without running anything if a cycle is already running.
func (s *Scheduler) Trigger(ctx context.Context) error {
	return s.runOnce(ctx)
}

func (s *Scheduler) runOnce(ctx context.Context) error {
	if !s.guard.TryAcquire(1) {
		return ErrCycleInFlight
	}
	defer s.guard.Release(1)

	volatility, err := s.cycle(ctx)

	s.mu.Lock()
	prev := s.state.Interval
	switch {
	case err != nil:
		// no reading, keep cadence
		volatility = -1
	case volatility >= 0:
		s.state.LastVolatility = volatility
	}
	next := NextInterval(s.cfg, volatility, prev)
	s.state.Interval = next
	s.state.LastCycleAt = time.Now()
	s.state.Cycles++
	s.mu.Unlock()

	if s.OnInterval != nil {
		s.OnInterval(next)
	}
	if next != prev {
		s.logger.Debug().
			Dur("previous", prev).
			Dur("next", next).
			Float64("volatility", volatility).
			Msg("Heartbeat interval adjusted")
	}

	return err
}

// Run loops until ctx is cancelled. Cycle errors are logged and do not stop
// the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.State().Interval).Msg("Heartbeat started")

	for {
		if err := s.runOnce(ctx); err != nil {
			if errors.Is(err, ErrCycleInFlight) {
				s.logger.Debug().Msg("Skipping tick, cycle in flight")
			} else if ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Evaluation cycle failed")
			}
		}

		timer := time.NewTimer(s.State().Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("Heartbeat stopped")
			return nil
		case <-timer.C:
		}
	}
}

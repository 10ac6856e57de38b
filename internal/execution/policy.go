// Package execution submits sized orders to an exchange with bounded,
// idempotent retries.
package execution

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "evo-trader/internal/errors"
	"evo-trader/internal/models"
)

// RetryConfig bounds the retry schedule.
type RetryConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    2 * time.Minute,
		MaxAttempts: 10,
	}
}

// Decision is the policy's verdict after an attempt.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Status models.ExecutionStatus // terminal status when Retry is false
}

// RetryPolicy is a pure state machine over attempt count and next delay. It
// performs no I/O and never sleeps.
type RetryPolicy struct {
	cfg      RetryConfig
	backoff  *backoff.ExponentialBackOff
	attempts int
}

// NewRetryPolicy creates a policy with deterministic doubling delays.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = cfg.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	return &RetryPolicy{cfg: cfg, backoff: b}
}

// Attempts returns the number of outcomes recorded so far.
func (p *RetryPolicy) Attempts() int {
	return p.attempts
}

// Next records the outcome of one attempt and decides what happens next.
// Success is FILLED. Anything not classified transient is REJECTED at once.
// A transient failure retries after the next delay until MaxAttempts is
// reached, then FAILED.
func (p *RetryPolicy) Next(err error) Decision {
	p.attempts++

	if err == nil {
		return Decision{Status: models.ExecFilled}
	}
	if !apperrors.IsTransient(err) {
		return Decision{Status: models.ExecRejected}
	}
	if p.attempts >= p.cfg.MaxAttempts {
		return Decision{Status: models.ExecFailed}
	}

	delay := p.backoff.NextBackOff()
	if delay == backoff.Stop {
		return Decision{Status: models.ExecFailed}
	}
	return Decision{Retry: true, Delay: delay}
}

package execution

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	apperrors "evo-trader/internal/errors"
	"evo-trader/internal/models"
)

// TestProperty_RetryDelaysNonDecreasingAndBounded checks that delays never
// shrink, never exceed the cap, and that the attempt budget is honored.
func TestProperty_RetryDelaysNonDecreasingAndBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("delays are monotone, capped and budgeted", prop.ForAll(
		func(baseMs, maxMs, attempts int) bool {
			cfg := RetryConfig{
				BaseDelay:   time.Duration(baseMs) * time.Millisecond,
				MaxDelay:    time.Duration(baseMs+maxMs) * time.Millisecond,
				MaxAttempts: attempts,
			}
			p := NewRetryPolicy(cfg)
			transient := apperrors.NewTransientError("", "x", apperrors.ErrTimeout)

			var prev time.Duration
			retries := 0
			for {
				d := p.Next(transient)
				if !d.Retry {
					return d.Status == models.ExecFailed && retries == attempts-1
				}
				if d.Delay < prev || d.Delay > cfg.MaxDelay {
					return false
				}
				prev = d.Delay
				retries++
			}
		},
		gen.IntRange(1, 1000),
		gen.IntRange(0, 100000),
		gen.IntRange(1, 15),
	))

	properties.TestingRun(t)
}

// TestProperty_NonTransientNeverRetried checks that rejected and unknown
// errors terminate on the first attempt.
func TestProperty_NonTransientNeverRetried(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("non-transient errors are terminal", prop.ForAll(
		func(msg string, attempts int) bool {
			p := NewRetryPolicy(RetryConfig{BaseDelay: time.Millisecond, MaxDelay: time.Second, MaxAttempts: attempts})
			d := p.Next(errors.New(msg))
			return !d.Retry && d.Status == models.ExecRejected && p.Attempts() == 1
		},
		gen.AlphaString(),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}

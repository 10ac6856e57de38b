// Package heartbeat decides how long to wait between evaluation cycles and
// drives the cycle loop.
package heartbeat

import (
	"math"
	"time"
)

// Config controls the volatility-adaptive interval.
type Config struct {
	BaseInterval        time.Duration
	MinInterval         time.Duration
	MaxInterval         time.Duration
	ReferenceVolatility float64 // volatility at which the interval equals BaseInterval
	FloorRatio          float64 // lower bound of volatility/reference, caps how far the interval stretches
}

// DefaultConfig returns the default heartbeat configuration.
func DefaultConfig() Config {
	return Config{
		BaseInterval:        300 * time.Second,
		MinInterval:         60 * time.Second,
		MaxInterval:         900 * time.Second,
		ReferenceVolatility: 0.5,
		FloorRatio:          0.5,
	}
}

// NextInterval returns the wait before the next cycle. Higher volatility
// never yields a longer interval. The result always lies in
// [MinInterval, MaxInterval]. A negative or NaN volatility is treated as a
// missing reading and carries the previous interval forward, or the base
// interval when there is none.
func NextInterval(cfg Config, volatility float64, previous time.Duration) time.Duration {
	if math.IsNaN(volatility) || volatility < 0 {
		if previous <= 0 {
			return clamp(cfg, cfg.BaseInterval)
		}
		return clamp(cfg, previous)
	}

	ref := cfg.ReferenceVolatility
	if ref <= 0 {
		ref = 0.5
	}
	ratio := math.Max(volatility/ref, cfg.FloorRatio)
	if ratio <= 0 {
		return cfg.MaxInterval
	}

	secs := cfg.BaseInterval.Seconds() / ratio
	if secs > cfg.MaxInterval.Seconds() {
		return cfg.MaxInterval
	}
	return clamp(cfg, time.Duration(secs*float64(time.Second)))
}

func clamp(cfg Config, d time.Duration) time.Duration {
	if d < cfg.MinInterval {
		return cfg.MinInterval
	}
	if d > cfg.MaxInterval {
		return cfg.MaxInterval
	}
	return d
}

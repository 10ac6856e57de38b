// Package sizing turns a trade intent into an order size using a capped
// Kelly fraction.
package sizing

import (
	"math"

	"github.com/shopspring/decimal"

	"evo-trader/internal/models"
)

// Config holds sizing limits.
type Config struct {
	MaxPositionCap  float64 // upper clamp on the Kelly fraction
	KellyMultiplier float64 // 1.0 full Kelly, 0.5 half Kelly
	LotSize         float64 // 0 disables lot rounding
	DefaultStop     float64 // stop distance used when the intent carries none
}

// DefaultConfig returns the default sizing configuration.
func DefaultConfig() Config {
	return Config{
		MaxPositionCap:  0.25,
		KellyMultiplier: 1.0,
		DefaultStop:     0.02,
	}
}

// ProbabilityCap caps a win probability before sizing.
type ProbabilityCap interface {
	CapWinProbability(p float64) float64
}

// KellyFraction returns p - (1-p)/b clamped to [0, cap]. Non-positive or NaN
// inputs yield 0.
func KellyFraction(p, b, cap float64) float64 {
	if math.IsNaN(p) || math.IsNaN(b) || math.IsNaN(cap) {
		return 0
	}
	if p <= 0 || b <= 0 || cap <= 0 {
		return 0
	}
	if p > 1 {
		p = 1
	}
	f := p - (1-p)/b
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f > cap {
		return cap
	}
	return f
}

// Sizer computes SizedOrders.
type Sizer struct {
	cfg    Config
	capper ProbabilityCap
}

// NewSizer creates a new Sizer. capper applies the governor's probability
// ceiling.
func NewSizer(cfg Config, capper ProbabilityCap) *Sizer {
	return &Sizer{cfg: cfg, capper: capper}
}

// Size converts intent into a SizedOrder. Size is
// fraction * equity / (stop distance * price), so the fraction expresses
// capital at risk rather than notional exposure. A flat intent, or any
// non-positive equity, price or stop, yields size 0.
func (s *Sizer) Size(intent models.TradeIntent, equity, price float64) models.SizedOrder {
	order := models.SizedOrder{Intent: intent, ReferencePrice: price}
	if intent.IsNoTrade() {
		return order
	}

	p := intent.WinProbability
	if s.capper != nil {
		p = s.capper.CapWinProbability(p)
	}

	mult := s.cfg.KellyMultiplier
	if mult <= 0 || mult > 1 || math.IsNaN(mult) {
		mult = 1
	}
	order.Fraction = KellyFraction(p, intent.PayoffRatio, s.cfg.MaxPositionCap) * mult

	stop := intent.StopDistance
	if stop <= 0 || math.IsNaN(stop) {
		stop = s.cfg.DefaultStop
	}
	order.Intent.StopDistance = stop

	if order.Fraction <= 0 || equity <= 0 || price <= 0 || stop <= 0 ||
		math.IsNaN(equity) || math.IsNaN(price) {
		return order
	}

	size := order.Fraction * equity / (stop * price)
	order.Size = AlignToLot(size, s.cfg.LotSize)
	return order
}

// AlignToLot floors size to a whole number of lots. lot <= 0 returns size.
func AlignToLot(size, lot float64) float64 {
	if lot <= 0 || size <= 0 {
		return math.Max(size, 0)
	}
	d := decimal.NewFromFloat(size)
	l := decimal.NewFromFloat(lot)
	aligned, _ := d.Div(l).Floor().Mul(l).Float64()
	return aligned
}

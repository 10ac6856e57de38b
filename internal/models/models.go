// Package models provides domain models for the trading application.
package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Direction represents the side of a trade intent.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionLong, DirectionShort, DirectionFlat:
		return true
	}
	return false
}

// Opposite returns the closing side for d.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	}
	return DirectionFlat
}

// Candle represents OHLCV data for a time period.
type Candle struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Indicators holds the technical readings attached to a market context.
type Indicators struct {
	RSI14 float64
	ATR14 float64
	EMA20 float64
	EMA50 float64
	Trend string // "bullish", "bearish", "neutral"
}

// MarketContext is a point-in-time snapshot of technicals and sentiment.
type MarketContext struct {
	Symbol        string
	Price         float64
	Timestamp     time.Time
	Indicators    Indicators
	FundingRate   float64
	OpenInterest  float64
	Sentiment     float64 // -1..1
	NewsSummary   string
	SocialSummary string
}

// VolatilityPct returns ATR as a percentage of price.
func (m MarketContext) VolatilityPct() float64 {
	if m.Price <= 0 || math.IsNaN(m.Indicators.ATR14) || m.Indicators.ATR14 <= 0 {
		return 0
	}
	return m.Indicators.ATR14 / m.Price * 100
}

// TrendScore maps the trend label onto -1, 0 or 1.
func (m MarketContext) TrendScore() float64 {
	switch strings.ToLower(m.Indicators.Trend) {
	case "bullish":
		return 1
	case "bearish":
		return -1
	}
	return 0
}

// Fingerprint renders the deterministic text form of the context.
func (m MarketContext) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\n", m.Symbol)
	fmt.Fprintf(&b, "Price: %.4f\n", m.Price)
	fmt.Fprintf(&b, "RSI(14): %.2f\n", m.Indicators.RSI14)
	fmt.Fprintf(&b, "ATR(14): %.4f (%.2f%%)\n", m.Indicators.ATR14, m.VolatilityPct())
	fmt.Fprintf(&b, "EMA(20/50): %.4f / %.4f\n", m.Indicators.EMA20, m.Indicators.EMA50)
	fmt.Fprintf(&b, "Trend: %s\n", orDefault(m.Indicators.Trend, "neutral"))
	fmt.Fprintf(&b, "Funding: %.6f\n", m.FundingRate)
	fmt.Fprintf(&b, "Open Interest: %.2f\n", m.OpenInterest)
	fmt.Fprintf(&b, "Sentiment: %.2f", m.Sentiment)
	if m.NewsSummary != "" {
		fmt.Fprintf(&b, "\nNews: %s", m.NewsSummary)
	}
	if m.SocialSummary != "" {
		fmt.Fprintf(&b, "\nSocial: %s", m.SocialSummary)
	}
	return b.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// HeartbeatState is the scheduler's view of its last cycle.
type HeartbeatState struct {
	Interval       time.Duration
	LastVolatility float64
	LastCycleAt    time.Time
	Cycles         int64
}

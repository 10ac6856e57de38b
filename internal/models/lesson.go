package models

import (
	"fmt"
	"strings"
	"time"
)

// LessonTag classifies a lesson.
type LessonTag string

const (
	LessonPastMistake       LessonTag = "PAST_MISTAKE"
	LessonMissedOpportunity LessonTag = "MISSED_OPPORTUNITY"
)

// LessonRecord is a reviewed event handed to the memory store. Immutable.
type LessonRecord struct {
	ID          string
	Key         string
	Symbol      string
	Tag         LessonTag
	Fingerprint string
	Rationale   string
	SourceRef   string
	Features    LessonFeatures
	CreatedAt   time.Time
}

// LessonFeatures are the numeric context features used for similarity.
type LessonFeatures struct {
	RSI        float64
	Volatility float64
	Trend      float64
	Sentiment  float64
}

// FeaturesOf extracts similarity features from a market context.
func FeaturesOf(m MarketContext) LessonFeatures {
	return LessonFeatures{
		RSI:        m.Indicators.RSI14,
		Volatility: m.VolatilityPct(),
		Trend:      m.TrendScore(),
		Sentiment:  m.Sentiment,
	}
}

// FeaturesFromFingerprint recovers similarity features from the text form
// produced by MarketContext.Fingerprint. Missing lines leave zero values.
func FeaturesFromFingerprint(fp string) LessonFeatures {
	var f LessonFeatures
	for _, line := range strings.Split(fp, "\n") {
		switch {
		case strings.HasPrefix(line, "RSI(14): "):
			fmt.Sscanf(line, "RSI(14): %g", &f.RSI)
		case strings.HasPrefix(line, "ATR(14): "):
			var atr float64
			fmt.Sscanf(line, "ATR(14): %g (%g%%)", &atr, &f.Volatility)
		case strings.HasPrefix(line, "Trend: "):
			f.Trend = MarketContext{Indicators: Indicators{Trend: strings.TrimPrefix(line, "Trend: ")}}.TrendScore()
		case strings.HasPrefix(line, "Sentiment: "):
			fmt.Sscanf(line, "Sentiment: %g", &f.Sentiment)
		}
	}
	return f
}

// Package memory stores reviewed lessons and retrieves the ones most similar
// to a market context.
package memory

import (
	"context"
	"math"
	"sort"

	"evo-trader/internal/models"
)

// Store is the lesson memory.
type Store interface {
	// QuerySimilar returns at most limit lessons, nearest first.
	QuerySimilar(ctx context.Context, mc models.MarketContext, limit int) ([]models.LessonRecord, error)
	// Write stores a lesson. Writing a key that already exists is a no-op.
	Write(ctx context.Context, lesson models.LessonRecord) error
}

// Feature scales bring each feature onto a comparable range.
const (
	rsiScale        = 100.0
	volatilityScale = 5.0 // percent
	trendScale      = 2.0
	sentimentScale  = 2.0

	// otherSymbolPenalty is added to the distance of lessons recorded for a
	// different symbol.
	otherSymbolPenalty = 0.25
)

// Distance returns the scaled Euclidean distance between two feature sets.
func Distance(a, b models.LessonFeatures) float64 {
	d := func(x, y, scale float64) float64 {
		v := (x - y) / scale
		if math.IsNaN(v) {
			return 0
		}
		return v * v
	}
	return math.Sqrt(
		d(a.RSI, b.RSI, rsiScale) +
			d(a.Volatility, b.Volatility, volatilityScale) +
			d(a.Trend, b.Trend, trendScale) +
			d(a.Sentiment, b.Sentiment, sentimentScale))
}

// Rank orders lessons by similarity to mc and truncates to limit.
func Rank(mc models.MarketContext, lessons []models.LessonRecord, limit int) []models.LessonRecord {
	if limit <= 0 || len(lessons) == 0 {
		return nil
	}
	target := models.FeaturesOf(mc)

	type scored struct {
		lesson models.LessonRecord
		dist   float64
	}
	ranked := make([]scored, 0, len(lessons))
	for _, l := range lessons {
		dist := Distance(target, l.Features)
		if l.Symbol != mc.Symbol {
			dist += otherSymbolPenalty
		}
		ranked = append(ranked, scored{lesson: l, dist: dist})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].dist != ranked[j].dist {
			return ranked[i].dist < ranked[j].dist
		}
		return ranked[i].lesson.CreatedAt.After(ranked[j].lesson.CreatedAt)
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]models.LessonRecord, len(ranked))
	for i, s := range ranked {
		out[i] = s.lesson
	}
	return out
}

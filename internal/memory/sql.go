package memory

import (
	"context"
	"fmt"

	"evo-trader/internal/models"
)

// LessonTable is the relational lesson storage the SQL store ranks over.
type LessonTable interface {
	SaveLesson(ctx context.Context, lesson models.LessonRecord) (bool, error)
	RecentLessons(ctx context.Context, limit int) ([]models.LessonRecord, error)
}

// SQLConfig holds SQL memory configuration.
type SQLConfig struct {
	// ScanLimit bounds how many recent lessons a query ranks.
	ScanLimit int
}

// SQL keeps lessons in the application database so they survive restarts.
type SQL struct {
	table     LessonTable
	scanLimit int
}

// NewSQL creates a lesson store over table.
func NewSQL(table LessonTable, cfg SQLConfig) *SQL {
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 500
	}
	return &SQL{table: table, scanLimit: cfg.ScanLimit}
}

// Write stores lesson unless its key was already written.
func (s *SQL) Write(ctx context.Context, lesson models.LessonRecord) error {
	if lesson.Key == "" {
		return fmt.Errorf("lesson has no key")
	}
	if _, err := s.table.SaveLesson(ctx, lesson); err != nil {
		return fmt.Errorf("failed to store lesson %s: %w", lesson.Key, err)
	}
	return nil
}

// QuerySimilar ranks the most recent ScanLimit lessons against mc.
func (s *SQL) QuerySimilar(ctx context.Context, mc models.MarketContext, limit int) ([]models.LessonRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	lessons, err := s.table.RecentLessons(ctx, s.scanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list lessons: %w", err)
	}
	return Rank(mc, lessons, limit), nil
}

package memory

import (
	"context"
	"sync"

	"evo-trader/internal/models"
)

// Local is an in-process lesson store.
type Local struct {
	mu      sync.RWMutex
	byKey   map[string]struct{}
	lessons []models.LessonRecord
}

// NewLocal creates an empty in-process store.
func NewLocal() *Local {
	return &Local{byKey: make(map[string]struct{})}
}

// Write stores lesson unless its key was already written.
func (l *Local) Write(ctx context.Context, lesson models.LessonRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byKey[lesson.Key]; ok {
		return nil
	}
	l.byKey[lesson.Key] = struct{}{}
	l.lessons = append(l.lessons, lesson)
	return nil
}

// QuerySimilar returns the nearest lessons.
func (l *Local) QuerySimilar(ctx context.Context, mc models.MarketContext, limit int) ([]models.LessonRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Rank(mc, l.lessons, limit), nil
}

// Len returns the number of stored lessons.
func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.lessons)
}

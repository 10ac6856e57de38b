// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"evo-trader/internal/models"
)

// DataStore defines the interface for data persistence.
type DataStore interface {
	// Trade records
	AppendTrade(ctx context.Context, trade *models.TradeRecord) (bool, error)
	ListTrades(ctx context.Context, filter models.TradeFilter) ([]models.TradeRecord, error)
	MarkReviewed(ctx context.Context, tradeID string) (bool, error)
	HasActivity(ctx context.Context, symbol string, from, to time.Time) (bool, error)

	// Order journal
	InsertJournal(ctx context.Context, entry models.JournalEntry) error
	UpdateJournal(ctx context.Context, entry models.JournalEntry) error
	PendingJournal(ctx context.Context) ([]models.JournalEntry, error)
	GetJournal(ctx context.Context, clientOrderID string) (models.JournalEntry, error)
	LatestFilled(ctx context.Context, symbol string, before time.Time) (models.JournalEntry, bool, error)

	// Risk state
	SaveRiskState(ctx context.Context, state models.RiskState) error
	LoadRiskState(ctx context.Context) (models.RiskState, bool, error)

	// Scanner windows
	ClaimScanWindow(ctx context.Context, key string) (bool, error)
	ReleaseScanWindow(ctx context.Context, key string) error

	// Lessons
	SaveLesson(ctx context.Context, lesson models.LessonRecord) (bool, error)
	RecentLessons(ctx context.Context, limit int) ([]models.LessonRecord, error)
	SaveOutbox(ctx context.Context, lesson models.LessonRecord) error
	ListOutbox(ctx context.Context) ([]models.LessonRecord, error)
	DeleteOutbox(ctx context.Context, key string) error

	// Candles
	SaveCandles(ctx context.Context, symbol, timeframe string, candles []models.Candle) error
	GetCandles(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]models.Candle, error)

	// Sync
	GetLastSync(ctx context.Context, dataType string) (time.Time, error)
	SetLastSync(ctx context.Context, dataType string, t time.Time) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// Config selects the SQL driver and DSN.
type Config struct {
	Driver string // sqlite3 or postgres
	DSN    string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Driver:          "sqlite3",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// SyncClosedTrades is the sync key for the closed-trade checkpoint.
const SyncClosedTrades = "closed_trades"

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	apperrors "evo-trader/internal/errors"
	"evo-trader/internal/models"
)

// SQLStore implements DataStore over sqlx with sqlite3 or postgres.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// Open opens the database and creates the schema.
func Open(cfg Config) (*SQLStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite3"
	}
	if driver != "sqlite3" && driver != "postgres" {
		return nil, fmt.Errorf("unsupported store driver %q: %w", driver, apperrors.ErrConfigInvalid)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store dsn is required: %w", apperrors.ErrConfigInvalid)
	}

	dsn := cfg.DSN
	if driver == "sqlite3" && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLStore) initSchema() error {
	tsType, floatType := "TIMESTAMP", "REAL"
	if s.driver == "postgres" {
		tsType, floatType = "TIMESTAMPTZ", "DOUBLE PRECISION"
	}

	schema := `
	-- Closed trades. ROE is derived from realized_pnl / initial_margin and never stored.
	CREATE TABLE IF NOT EXISTS trade_records (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		realized_pnl {{REAL}} NOT NULL,
		initial_margin {{REAL}} NOT NULL,
		context_snapshot TEXT NOT NULL DEFAULT '',
		order_id TEXT NOT NULL UNIQUE,
		strategy_version TEXT NOT NULL DEFAULT '',
		reviewed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at {{TS}} NOT NULL
	);

	-- Every submission, written before it is sent.
	CREATE TABLE IF NOT EXISTS order_journal (
		client_order_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		size {{REAL}} NOT NULL,
		price {{REAL}} NOT NULL,
		fraction {{REAL}} NOT NULL,
		win_probability {{REAL}} NOT NULL DEFAULT 0,
		payoff_ratio {{REAL}} NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		exchange_order_id TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		context_snapshot TEXT NOT NULL DEFAULT '',
		strategy_version TEXT NOT NULL DEFAULT '',
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL
	);

	-- Single-row risk ledger.
	CREATE TABLE IF NOT EXISTS risk_state (
		id INTEGER PRIMARY KEY,
		starting_equity {{REAL}} NOT NULL,
		current_equity {{REAL}} NOT NULL,
		peak_equity {{REAL}} NOT NULL,
		drawdown {{REAL}} NOT NULL,
		halted BOOLEAN NOT NULL,
		halt_reason TEXT NOT NULL DEFAULT '',
		halted_at {{TS}} NOT NULL,
		failed_orders INTEGER NOT NULL DEFAULT 0,
		updated_at {{TS}} NOT NULL
	);

	-- Scanner windows already turned into lessons.
	CREATE TABLE IF NOT EXISTS scan_windows (
		window_key TEXT PRIMARY KEY,
		created_at {{TS}} NOT NULL
	);

	-- Entry order a closed trade was matched to. Joined for predicted payoff.
	CREATE TABLE IF NOT EXISTS trade_entries (
		trade_id TEXT PRIMARY KEY,
		client_order_id TEXT NOT NULL
	);

	-- Lesson memory.
	CREATE TABLE IF NOT EXISTS lessons (
		lesson_key TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		tag TEXT NOT NULL,
		fingerprint TEXT NOT NULL DEFAULT '',
		rationale TEXT NOT NULL DEFAULT '',
		source_ref TEXT NOT NULL DEFAULT '',
		rsi {{REAL}} NOT NULL DEFAULT 0,
		volatility {{REAL}} NOT NULL DEFAULT 0,
		trend {{REAL}} NOT NULL DEFAULT 0,
		sentiment {{REAL}} NOT NULL DEFAULT 0,
		created_at {{TS}} NOT NULL
	);

	-- Lessons whose memory write has not succeeded yet.
	CREATE TABLE IF NOT EXISTS lesson_outbox (
		lesson_key TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		tag TEXT NOT NULL,
		fingerprint TEXT NOT NULL DEFAULT '',
		rationale TEXT NOT NULL DEFAULT '',
		source_ref TEXT NOT NULL DEFAULT '',
		rsi {{REAL}} NOT NULL DEFAULT 0,
		volatility {{REAL}} NOT NULL DEFAULT 0,
		trend {{REAL}} NOT NULL DEFAULT 0,
		sentiment {{REAL}} NOT NULL DEFAULT 0,
		created_at {{TS}} NOT NULL
	);

	CREATE TABLE IF NOT EXISTS candles (
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		ts {{TS}} NOT NULL,
		open {{REAL}} NOT NULL,
		high {{REAL}} NOT NULL,
		low {{REAL}} NOT NULL,
		close {{REAL}} NOT NULL,
		volume {{REAL}} NOT NULL,
		PRIMARY KEY (symbol, timeframe, ts)
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		data_type TEXT PRIMARY KEY,
		last_sync {{TS}} NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trade_records_symbol ON trade_records(symbol, created_at);
	CREATE INDEX IF NOT EXISTS idx_order_journal_symbol ON order_journal(symbol, created_at);
	CREATE INDEX IF NOT EXISTS idx_order_journal_status ON order_journal(status);
	CREATE INDEX IF NOT EXISTS idx_lessons_created ON lessons(created_at);
	`
	schema = strings.NewReplacer("{{TS}}", tsType, "{{REAL}}", floatType).Replace(schema)

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func dbError(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, apperrors.ErrDatabaseError, err)
}

// ============================================================================
// Trade Records
// ============================================================================

type tradeRow struct {
	ID              string    `db:"id"`
	Symbol          string    `db:"symbol"`
	Direction       string    `db:"direction"`
	RealizedPnL     float64   `db:"realized_pnl"`
	InitialMargin   float64   `db:"initial_margin"`
	ContextSnapshot string    `db:"context_snapshot"`
	OrderID         string    `db:"order_id"`
	StrategyVersion string    `db:"strategy_version"`
	Reviewed        bool      `db:"reviewed"`
	CreatedAt       time.Time `db:"created_at"`

	// Joined from trade_entries and order_journal.
	EntryClientOrderID string  `db:"entry_client_order_id"`
	PredictedWinProb   float64 `db:"predicted_win_prob"`
	PredictedPayoff    float64 `db:"predicted_payoff"`
}

func (r tradeRow) model() models.TradeRecord {
	return models.TradeRecord{
		ID:                 r.ID,
		Symbol:             r.Symbol,
		Direction:          models.Direction(r.Direction),
		RealizedPnL:        r.RealizedPnL,
		InitialMargin:      r.InitialMargin,
		ContextSnapshot:    r.ContextSnapshot,
		OrderID:            r.OrderID,
		StrategyVersion:    r.StrategyVersion,
		Reviewed:           r.Reviewed,
		CreatedAt:          r.CreatedAt,
		EntryClientOrderID: r.EntryClientOrderID,
		PredictedWinProb:   r.PredictedWinProb,
		PredictedPayoff:    r.PredictedPayoff,
	}
}

// AppendTrade inserts a closed trade and its link to the entry order. A
// trade whose order id is already recorded is ignored and false is returned.
func (s *SQLStore) AppendTrade(ctx context.Context, trade *models.TradeRecord) (bool, error) {
	if trade.ID == "" || trade.OrderID == "" {
		return false, fmt.Errorf("trade id and order id are required: %w", apperrors.ErrInvalidOrder)
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now()
	}
	row := tradeRow{
		ID:              trade.ID,
		Symbol:          trade.Symbol,
		Direction:       string(trade.Direction),
		RealizedPnL:     trade.RealizedPnL,
		InitialMargin:   trade.InitialMargin,
		ContextSnapshot: trade.ContextSnapshot,
		OrderID:         trade.OrderID,
		StrategyVersion: trade.StrategyVersion,
		Reviewed:        trade.Reviewed,
		CreatedAt:       trade.CreatedAt.UTC(),
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, dbError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO trade_records (id, symbol, direction, realized_pnl, initial_margin, context_snapshot, order_id, strategy_version, reviewed, created_at)
		VALUES (:id, :symbol, :direction, :realized_pnl, :initial_margin, :context_snapshot, :order_id, :strategy_version, :reviewed, :created_at)
		ON CONFLICT (order_id) DO NOTHING
	`, row)
	if err != nil {
		return false, dbError("failed to append trade", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbError("failed to append trade", err)
	}
	if n != 1 {
		return false, nil
	}

	if trade.EntryClientOrderID != "" {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			"INSERT INTO trade_entries (trade_id, client_order_id) VALUES (?, ?) ON CONFLICT (trade_id) DO NOTHING"),
			trade.ID, trade.EntryClientOrderID); err != nil {
			return false, dbError("failed to link trade entry", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, dbError("failed to commit trade", err)
	}
	return true, nil
}

// ListTrades retrieves trade records, newest first.
func (s *SQLStore) ListTrades(ctx context.Context, filter models.TradeFilter) ([]models.TradeRecord, error) {
	query := `SELECT t.id, t.symbol, t.direction, t.realized_pnl, t.initial_margin, t.context_snapshot,
		t.order_id, t.strategy_version, t.reviewed, t.created_at,
		COALESCE(e.client_order_id, '') AS entry_client_order_id,
		COALESCE(j.win_probability, 0) AS predicted_win_prob,
		COALESCE(j.payoff_ratio, 0) AS predicted_payoff
		FROM trade_records t
		LEFT JOIN trade_entries e ON e.trade_id = t.id
		LEFT JOIN order_journal j ON j.client_order_id = e.client_order_id
		WHERE 1=1`
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND t.symbol = ?"
		args = append(args, filter.Symbol)
	}
	if !filter.Since.IsZero() {
		query += " AND t.created_at >= ?"
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query += " AND t.created_at <= ?"
		args = append(args, filter.Until.UTC())
	}
	if filter.Unreviewed {
		query += " AND t.reviewed = ?"
		args = append(args, false)
	}
	if filter.LossesOnly {
		query += " AND t.realized_pnl < 0"
	}

	query += " ORDER BY t.created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []tradeRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, dbError("failed to query trades", err)
	}

	trades := make([]models.TradeRecord, 0, len(rows))
	for _, r := range rows {
		trades = append(trades, r.model())
	}
	return trades, nil
}

// MarkReviewed sets the reviewed flag. It returns true only for the caller
// that flipped it, so a trade is reviewed at most once.
func (s *SQLStore) MarkReviewed(ctx context.Context, tradeID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE trade_records SET reviewed = ? WHERE id = ? AND reviewed = ?"),
		true, tradeID, false)
	if err != nil {
		return false, dbError("failed to mark trade reviewed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbError("failed to mark trade reviewed", err)
	}
	return n == 1, nil
}

// HasActivity reports whether any order was journaled or trade recorded for
// symbol within [from, to].
func (s *SQLStore) HasActivity(ctx context.Context, symbol string, from, to time.Time) (bool, error) {
	from, to = from.UTC(), to.UTC()

	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`
		SELECT
			(SELECT COUNT(*) FROM order_journal WHERE symbol = ? AND created_at >= ? AND created_at <= ?) +
			(SELECT COUNT(*) FROM trade_records WHERE symbol = ? AND created_at >= ? AND created_at <= ?)
	`), symbol, from, to, symbol, from, to)
	if err != nil {
		return false, dbError("failed to check symbol activity", err)
	}
	return n > 0, nil
}

// ============================================================================
// Order Journal
// ============================================================================

type journalRow struct {
	ClientOrderID   string    `db:"client_order_id"`
	Symbol          string    `db:"symbol"`
	Direction       string    `db:"direction"`
	Size            float64   `db:"size"`
	Price           float64   `db:"price"`
	Fraction        float64   `db:"fraction"`
	WinProbability  float64   `db:"win_probability"`
	PayoffRatio     float64   `db:"payoff_ratio"`
	Status          string    `db:"status"`
	ExchangeOrderID string    `db:"exchange_order_id"`
	Attempts        int       `db:"attempts"`
	LastError       string    `db:"last_error"`
	ContextSnapshot string    `db:"context_snapshot"`
	StrategyVersion string    `db:"strategy_version"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

const journalColumns = "client_order_id, symbol, direction, size, price, fraction, win_probability, payoff_ratio, status, exchange_order_id, attempts, last_error, context_snapshot, strategy_version, created_at, updated_at"

func journalRowOf(e models.JournalEntry) journalRow {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	return journalRow{
		ClientOrderID:   e.ClientOrderID,
		Symbol:          e.Symbol,
		Direction:       string(e.Direction),
		Size:            e.Size,
		Price:           e.Price,
		Fraction:        e.Fraction,
		WinProbability:  e.WinProbability,
		PayoffRatio:     e.PayoffRatio,
		Status:          string(e.Status),
		ExchangeOrderID: e.ExchangeOrderID,
		Attempts:        e.Attempts,
		LastError:       e.LastError,
		ContextSnapshot: e.ContextSnapshot,
		StrategyVersion: e.StrategyVersion,
		CreatedAt:       e.CreatedAt.UTC(),
		UpdatedAt:       e.UpdatedAt.UTC(),
	}
}

func (r journalRow) model() models.JournalEntry {
	return models.JournalEntry{
		ClientOrderID:   r.ClientOrderID,
		Symbol:          r.Symbol,
		Direction:       models.Direction(r.Direction),
		Size:            r.Size,
		Price:           r.Price,
		Fraction:        r.Fraction,
		WinProbability:  r.WinProbability,
		PayoffRatio:     r.PayoffRatio,
		Status:          models.JournalStatus(r.Status),
		ExchangeOrderID: r.ExchangeOrderID,
		Attempts:        r.Attempts,
		LastError:       r.LastError,
		ContextSnapshot: r.ContextSnapshot,
		StrategyVersion: r.StrategyVersion,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// InsertJournal records a submission before it is sent.
func (s *SQLStore) InsertJournal(ctx context.Context, entry models.JournalEntry) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO order_journal (`+journalColumns+`)
		VALUES (:client_order_id, :symbol, :direction, :size, :price, :fraction, :win_probability, :payoff_ratio, :status, :exchange_order_id, :attempts, :last_error, :context_snapshot, :strategy_version, :created_at, :updated_at)
	`, journalRowOf(entry))
	if err != nil {
		return dbError("failed to insert journal entry", err)
	}
	return nil
}

// UpdateJournal updates a journaled submission's outcome.
func (s *SQLStore) UpdateJournal(ctx context.Context, entry models.JournalEntry) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE order_journal SET
			size = :size,
			price = :price,
			status = :status,
			exchange_order_id = :exchange_order_id,
			attempts = :attempts,
			last_error = :last_error,
			updated_at = :updated_at
		WHERE client_order_id = :client_order_id
	`, journalRowOf(entry))
	if err != nil {
		return dbError("failed to update journal entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("journal entry %s: %w", entry.ClientOrderID, apperrors.ErrDataNotFound)
	}
	return nil
}

// PendingJournal returns submissions with no terminal outcome, oldest first.
func (s *SQLStore) PendingJournal(ctx context.Context) ([]models.JournalEntry, error) {
	var rows []journalRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT "+journalColumns+" FROM order_journal WHERE status = ? ORDER BY created_at ASC"),
		string(models.JournalPending))
	if err != nil {
		return nil, dbError("failed to query pending journal", err)
	}

	entries := make([]models.JournalEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.model())
	}
	return entries, nil
}

// GetJournal returns the journal entry for a client order id.
func (s *SQLStore) GetJournal(ctx context.Context, clientOrderID string) (models.JournalEntry, error) {
	var row journalRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		"SELECT "+journalColumns+" FROM order_journal WHERE client_order_id = ?"), clientOrderID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.JournalEntry{}, fmt.Errorf("journal entry %s: %w", clientOrderID, apperrors.ErrDataNotFound)
	}
	if err != nil {
		return models.JournalEntry{}, dbError("failed to get journal entry", err)
	}
	return row.model(), nil
}

// LatestFilled returns the most recent filled submission for symbol created
// at or before the given time.
func (s *SQLStore) LatestFilled(ctx context.Context, symbol string, before time.Time) (models.JournalEntry, bool, error) {
	var row journalRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		"SELECT "+journalColumns+" FROM order_journal WHERE symbol = ? AND status = ? AND created_at <= ? ORDER BY created_at DESC LIMIT 1"),
		symbol, string(models.JournalFilled), before.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return models.JournalEntry{}, false, nil
	}
	if err != nil {
		return models.JournalEntry{}, false, dbError("failed to get latest fill", err)
	}
	return row.model(), true, nil
}

// ============================================================================
// Risk State
// ============================================================================

type riskRow struct {
	ID             int       `db:"id"`
	StartingEquity float64   `db:"starting_equity"`
	CurrentEquity  float64   `db:"current_equity"`
	PeakEquity     float64   `db:"peak_equity"`
	Drawdown       float64   `db:"drawdown"`
	Halted         bool      `db:"halted"`
	HaltReason     string    `db:"halt_reason"`
	HaltedAt       time.Time `db:"halted_at"`
	FailedOrders   int       `db:"failed_orders"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// SaveRiskState upserts the risk ledger.
func (s *SQLStore) SaveRiskState(ctx context.Context, state models.RiskState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	row := riskRow{
		ID:             1,
		StartingEquity: state.StartingEquity,
		CurrentEquity:  state.CurrentEquity,
		PeakEquity:     state.PeakEquity,
		Drawdown:       state.Drawdown,
		Halted:         state.Halted,
		HaltReason:     state.HaltReason,
		HaltedAt:       state.HaltedAt.UTC(),
		FailedOrders:   state.FailedOrders,
		UpdatedAt:      state.UpdatedAt.UTC(),
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO risk_state (id, starting_equity, current_equity, peak_equity, drawdown, halted, halt_reason, halted_at, failed_orders, updated_at)
		VALUES (:id, :starting_equity, :current_equity, :peak_equity, :drawdown, :halted, :halt_reason, :halted_at, :failed_orders, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			starting_equity = excluded.starting_equity,
			current_equity = excluded.current_equity,
			peak_equity = excluded.peak_equity,
			drawdown = excluded.drawdown,
			halted = excluded.halted,
			halt_reason = excluded.halt_reason,
			halted_at = excluded.halted_at,
			failed_orders = excluded.failed_orders,
			updated_at = excluded.updated_at
	`, row)
	if err != nil {
		return dbError("failed to save risk state", err)
	}
	return nil
}

// LoadRiskState returns the persisted risk ledger, if any.
func (s *SQLStore) LoadRiskState(ctx context.Context) (models.RiskState, bool, error) {
	var row riskRow
	err := s.db.GetContext(ctx, &row,
		"SELECT id, starting_equity, current_equity, peak_equity, drawdown, halted, halt_reason, halted_at, failed_orders, updated_at FROM risk_state WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return models.RiskState{}, false, nil
	}
	if err != nil {
		return models.RiskState{}, false, dbError("failed to load risk state", err)
	}

	state := models.RiskState{
		StartingEquity: row.StartingEquity,
		CurrentEquity:  row.CurrentEquity,
		PeakEquity:     row.PeakEquity,
		Drawdown:       row.Drawdown,
		Halted:         row.Halted,
		HaltReason:     row.HaltReason,
		FailedOrders:   row.FailedOrders,
		UpdatedAt:      row.UpdatedAt,
	}
	if row.Halted {
		state.HaltedAt = row.HaltedAt
	}
	return state, true, nil
}

// ============================================================================
// Scanner Windows
// ============================================================================

// ClaimScanWindow records a scanner window key. It returns true only the
// first time a key is claimed.
func (s *SQLStore) ClaimScanWindow(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO scan_windows (window_key, created_at) VALUES (?, ?) ON CONFLICT (window_key) DO NOTHING"),
		key, time.Now().UTC())
	if err != nil {
		return false, dbError("failed to claim scan window", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbError("failed to claim scan window", err)
	}
	return n == 1, nil
}

// ReleaseScanWindow forgets a claimed key so a later scan can claim it again.
func (s *SQLStore) ReleaseScanWindow(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM scan_windows WHERE window_key = ?"), key); err != nil {
		return dbError("failed to release scan window", err)
	}
	return nil
}

// ============================================================================
// Lessons
// ============================================================================

type lessonRow struct {
	Key         string    `db:"lesson_key"`
	ID          string    `db:"id"`
	Symbol      string    `db:"symbol"`
	Tag         string    `db:"tag"`
	Fingerprint string    `db:"fingerprint"`
	Rationale   string    `db:"rationale"`
	SourceRef   string    `db:"source_ref"`
	RSI         float64   `db:"rsi"`
	Volatility  float64   `db:"volatility"`
	Trend       float64   `db:"trend"`
	Sentiment   float64   `db:"sentiment"`
	CreatedAt   time.Time `db:"created_at"`
}

func lessonRowOf(l models.LessonRecord) lessonRow {
	return lessonRow{
		Key:         l.Key,
		ID:          l.ID,
		Symbol:      l.Symbol,
		Tag:         string(l.Tag),
		Fingerprint: l.Fingerprint,
		Rationale:   l.Rationale,
		SourceRef:   l.SourceRef,
		RSI:         l.Features.RSI,
		Volatility:  l.Features.Volatility,
		Trend:       l.Features.Trend,
		Sentiment:   l.Features.Sentiment,
		CreatedAt:   l.CreatedAt.UTC(),
	}
}

func (r lessonRow) model() models.LessonRecord {
	return models.LessonRecord{
		ID:          r.ID,
		Key:         r.Key,
		Symbol:      r.Symbol,
		Tag:         models.LessonTag(r.Tag),
		Fingerprint: r.Fingerprint,
		Rationale:   r.Rationale,
		SourceRef:   r.SourceRef,
		Features: models.LessonFeatures{
			RSI:        r.RSI,
			Volatility: r.Volatility,
			Trend:      r.Trend,
			Sentiment:  r.Sentiment,
		},
		CreatedAt: r.CreatedAt,
	}
}

const lessonColumns = "lesson_key, id, symbol, tag, fingerprint, rationale, source_ref, rsi, volatility, trend, sentiment, created_at"

// insertLesson writes into lessons or lesson_outbox.
func (s *SQLStore) insertLesson(ctx context.Context, table string, lesson models.LessonRecord) (bool, error) {
	if lesson.Key == "" {
		return false, fmt.Errorf("lesson key is required: %w", apperrors.ErrConfigInvalid)
	}
	if lesson.CreatedAt.IsZero() {
		lesson.CreatedAt = time.Now()
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO `+table+` (`+lessonColumns+`)
		VALUES (:lesson_key, :id, :symbol, :tag, :fingerprint, :rationale, :source_ref, :rsi, :volatility, :trend, :sentiment, :created_at)
		ON CONFLICT (lesson_key) DO NOTHING
	`, lessonRowOf(lesson))
	if err != nil {
		return false, dbError("failed to store lesson", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbError("failed to store lesson", err)
	}
	return n == 1, nil
}

func (s *SQLStore) selectLessons(ctx context.Context, query string, args ...interface{}) ([]models.LessonRecord, error) {
	var rows []lessonRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, dbError("failed to query lessons", err)
	}
	out := make([]models.LessonRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// SaveLesson stores a lesson. A key already stored is ignored and false is
// returned.
func (s *SQLStore) SaveLesson(ctx context.Context, lesson models.LessonRecord) (bool, error) {
	return s.insertLesson(ctx, "lessons", lesson)
}

// RecentLessons returns up to limit lessons, newest first.
func (s *SQLStore) RecentLessons(ctx context.Context, limit int) ([]models.LessonRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.selectLessons(ctx, "SELECT "+lessonColumns+" FROM lessons ORDER BY created_at DESC LIMIT ?", limit)
}

// SaveOutbox parks a lesson whose memory write failed.
func (s *SQLStore) SaveOutbox(ctx context.Context, lesson models.LessonRecord) error {
	_, err := s.insertLesson(ctx, "lesson_outbox", lesson)
	return err
}

// ListOutbox returns parked lessons, oldest first.
func (s *SQLStore) ListOutbox(ctx context.Context) ([]models.LessonRecord, error) {
	return s.selectLessons(ctx, "SELECT "+lessonColumns+" FROM lesson_outbox ORDER BY created_at ASC")
}

// DeleteOutbox removes a parked lesson once it has been written.
func (s *SQLStore) DeleteOutbox(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM lesson_outbox WHERE lesson_key = ?"), key); err != nil {
		return dbError("failed to delete outbox lesson", err)
	}
	return nil
}

// ============================================================================
// Candles
// ============================================================================

// SaveCandles upserts candles.
func (s *SQLStore) SaveCandles(ctx context.Context, symbol, timeframe string, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return dbError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO candles (symbol, timeframe, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, timeframe, ts) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume
	`))
	if err != nil {
		return dbError("failed to prepare statement", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, symbol, timeframe, c.Timestamp.UTC(), c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return dbError("failed to insert candle", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return dbError("failed to commit transaction", err)
	}
	return nil
}

type candleRow struct {
	Timestamp time.Time `db:"ts"`
	Open      float64   `db:"open"`
	High      float64   `db:"high"`
	Low       float64   `db:"low"`
	Close     float64   `db:"close"`
	Volume    float64   `db:"volume"`
}

// GetCandles retrieves candles in [from, to], oldest first.
func (s *SQLStore) GetCandles(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]models.Candle, error) {
	var rows []candleRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT ts, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`), symbol, timeframe, from.UTC(), to.UTC())
	if err != nil {
		return nil, dbError("failed to query candles", err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, r := range rows {
		candles = append(candles, models.Candle{
			Symbol:    symbol,
			Timestamp: r.Timestamp,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		})
	}
	return candles, nil
}

// ============================================================================
// Sync
// ============================================================================

// GetLastSync returns the last sync time for a data type, or the zero time.
func (s *SQLStore) GetLastSync(ctx context.Context, dataType string) (time.Time, error) {
	var t time.Time
	err := s.db.GetContext(ctx, &t, s.db.Rebind("SELECT last_sync FROM sync_state WHERE data_type = ?"), dataType)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, dbError("failed to get last sync", err)
	}
	return t, nil
}

// SetLastSync records the last sync time for a data type.
func (s *SQLStore) SetLastSync(ctx context.Context, dataType string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sync_state (data_type, last_sync) VALUES (?, ?)
		ON CONFLICT (data_type) DO UPDATE SET last_sync = excluded.last_sync
	`), dataType, t.UTC())
	if err != nil {
		return dbError("failed to set last sync", err)
	}
	return nil
}

var _ DataStore = (*SQLStore)(nil)

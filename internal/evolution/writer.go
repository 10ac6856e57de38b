// Package evolution turns outcomes into lessons: losing trades are reviewed
// by the autopsy, large untraded moves are found by the scanner, and both
// hand their lessons to a single background writer.
package evolution

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "evo-trader/internal/errors"
	"evo-trader/internal/logging"
	"evo-trader/internal/memory"
	"evo-trader/internal/metrics"
	"evo-trader/internal/models"
)

// LessonSink accepts lessons for asynchronous storage.
type LessonSink interface {
	Write(lesson models.LessonRecord) error
}

// Outbox persists lessons whose memory write failed so they survive a
// restart.
type Outbox interface {
	SaveOutbox(ctx context.Context, lesson models.LessonRecord) error
	ListOutbox(ctx context.Context) ([]models.LessonRecord, error)
	DeleteOutbox(ctx context.Context, key string) error
}

// WriterConfig holds lesson writer configuration.
type WriterConfig struct {
	QueueSize     int
	RetryInterval time.Duration
	WriteTimeout  time.Duration
	// DrainTimeout bounds the final flush after Run's context is canceled.
	DrainTimeout time.Duration
}

// DefaultWriterConfig returns the default writer configuration.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:     256,
		RetryInterval: time.Minute,
		WriteTimeout:  10 * time.Second,
		DrainTimeout:  5 * time.Second,
	}
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithOutbox parks failed writes in o and restores them when Run starts.
func WithOutbox(o Outbox) WriterOption {
	return func(w *Writer) { w.outbox = o }
}

// Writer serializes lesson writes to the memory store through one worker.
// Write never blocks; failed writes are kept and retried on a timer, and
// parked in the outbox when one is configured.
type Writer struct {
	cfg     WriterConfig
	store   memory.Store
	outbox  Outbox
	metrics *metrics.Metrics
	logger  zerolog.Logger

	queue chan models.LessonRecord

	mu      sync.Mutex
	seen    map[string]struct{}
	retries []models.LessonRecord
}

// NewWriter creates a lesson writer.
func NewWriter(cfg WriterConfig, store memory.Store, m *metrics.Metrics, logger zerolog.Logger, opts ...WriterOption) *Writer {
	def := DefaultWriterConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	w := &Writer{
		cfg:     cfg,
		store:   store,
		metrics: m,
		logger:  logging.WithComponent(logger, "lesson_writer"),
		queue:   make(chan models.LessonRecord, cfg.QueueSize),
		seen:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write enqueues a lesson. A key that was already accepted is ignored.
// It returns ErrQueueFull when the queue has no room.
func (w *Writer) Write(lesson models.LessonRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, dup := w.seen[lesson.Key]; dup {
		return nil
	}

	select {
	case w.queue <- lesson:
		w.seen[lesson.Key] = struct{}{}
		return nil
	default:
		w.logger.Warn().Str("key", lesson.Key).Msg("Lesson queue full, dropping")
		return apperrors.ErrQueueFull
	}
}

// Pending returns the number of lessons waiting to be written.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) + len(w.retries)
}

// Run drains the queue until ctx is canceled, then flushes what is left
// within DrainTimeout. Lessons still unwritten stay in the outbox.
func (w *Writer) Run(ctx context.Context) error {
	w.restore(ctx)

	ticker := time.NewTicker(w.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			w.logger.Info().Int("pending", w.Pending()).Msg("Lesson writer stopped")
			return nil
		case lesson := <-w.queue:
			w.writeNew(ctx, lesson)
		case <-ticker.C:
			w.retry(ctx)
		}
	}
}

// restore loads parked lessons into the retry list and tries them once.
func (w *Writer) restore(ctx context.Context) {
	if w.outbox == nil {
		return
	}
	parked, err := w.outbox.ListOutbox(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to load lesson outbox")
		return
	}
	if len(parked) == 0 {
		return
	}

	w.mu.Lock()
	for _, lesson := range parked {
		if _, dup := w.seen[lesson.Key]; dup {
			continue
		}
		w.seen[lesson.Key] = struct{}{}
		w.retries = append(w.retries, lesson)
	}
	w.mu.Unlock()

	w.logger.Info().Int("lessons", len(parked)).Msg("Restored lessons from outbox")
	w.retry(ctx)
}

// drain flushes the queue and the retry list on shutdown.
func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DrainTimeout)
	defer cancel()

	// Run is the only reader of the queue.
	for len(w.queue) > 0 {
		w.writeNew(ctx, <-w.queue)
	}
	w.retry(ctx)
}

// writeNew makes the first attempt at a queued lesson and parks it on
// failure.
func (w *Writer) writeNew(ctx context.Context, lesson models.LessonRecord) {
	if w.write(ctx, lesson) {
		return
	}
	w.mu.Lock()
	w.retries = append(w.retries, lesson)
	w.mu.Unlock()
	w.park(lesson)
}

func (w *Writer) park(lesson models.LessonRecord) {
	if w.outbox == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
	defer cancel()
	if err := w.outbox.SaveOutbox(ctx, lesson); err != nil {
		w.logger.Error().Err(err).Str("key", lesson.Key).Msg("Failed to park lesson in outbox")
	}
}

func (w *Writer) unpark(ctx context.Context, key string) {
	if w.outbox == nil {
		return
	}
	if err := w.outbox.DeleteOutbox(ctx, key); err != nil {
		w.logger.Warn().Err(err).Str("key", key).Msg("Failed to clear outbox lesson")
	}
}

func (w *Writer) write(ctx context.Context, lesson models.LessonRecord) bool {
	wctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()

	if err := w.store.Write(wctx, lesson); err != nil {
		w.metrics.RecordLessonFailure()
		w.logger.Error().Err(err).Str("key", lesson.Key).Msg("Lesson write failed, will retry")
		return false
	}

	w.metrics.RecordLesson(string(lesson.Tag))
	w.logger.Info().
		Str("key", lesson.Key).
		Str("tag", string(lesson.Tag)).
		Str("symbol", lesson.Symbol).
		Msg("Lesson written")
	return true
}

func (w *Writer) retry(ctx context.Context) {
	w.mu.Lock()
	batch := w.retries
	w.retries = nil
	w.mu.Unlock()

	for _, lesson := range batch {
		if ctx.Err() == nil && w.write(ctx, lesson) {
			w.unpark(ctx, lesson.Key)
			continue
		}
		w.mu.Lock()
		w.retries = append(w.retries, lesson)
		w.mu.Unlock()
	}
}

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"evo-trader/internal/models"
)

// RedisConfig configures the redis-backed store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// ScanLimit bounds how many recent lessons a query ranks.
	ScanLimit int64
}

// Redis stores lessons as JSON values indexed by a sorted set of keys
// scored by creation time.
type Redis struct {
	client    *redis.Client
	prefix    string
	scanLimit int64
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return NewRedisWithClient(client, cfg), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, cfg RedisConfig) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "evotrader:"
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 500
	}
	return &Redis{client: client, prefix: cfg.KeyPrefix, scanLimit: cfg.ScanLimit}
}

func (r *Redis) lessonKey(key string) string {
	return r.prefix + "lesson:" + key
}

func (r *Redis) indexKey() string {
	return r.prefix + "lessons"
}

type lessonDoc struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Symbol      string    `json:"symbol"`
	Tag         string    `json:"tag"`
	Fingerprint string    `json:"fingerprint"`
	Rationale   string    `json:"rationale"`
	SourceRef   string    `json:"source_ref"`
	RSI         float64   `json:"rsi"`
	Volatility  float64   `json:"volatility"`
	Trend       float64   `json:"trend"`
	Sentiment   float64   `json:"sentiment"`
	CreatedAt   time.Time `json:"created_at"`
}

func encodeLesson(l models.LessonRecord) (string, error) {
	b, err := json.Marshal(lessonDoc{
		ID:          l.ID,
		Key:         l.Key,
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
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeLesson(s string) (models.LessonRecord, error) {
	var d lessonDoc
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return models.LessonRecord{}, err
	}
	return models.LessonRecord{
		ID:          d.ID,
		Key:         d.Key,
		Symbol:      d.Symbol,
		Tag:         models.LessonTag(d.Tag),
		Fingerprint: d.Fingerprint,
		Rationale:   d.Rationale,
		SourceRef:   d.SourceRef,
		Features: models.LessonFeatures{
			RSI:        d.RSI,
			Volatility: d.Volatility,
			Trend:      d.Trend,
			Sentiment:  d.Sentiment,
		},
		CreatedAt: d.CreatedAt,
	}, nil
}

// Write stores the lesson with SETNX and indexes it with ZADD NX. Both
// commands are idempotent, so a retried write never duplicates.
func (r *Redis) Write(ctx context.Context, lesson models.LessonRecord) error {
	if lesson.Key == "" {
		return fmt.Errorf("lesson key is required")
	}
	payload, err := encodeLesson(lesson)
	if err != nil {
		return fmt.Errorf("failed to encode lesson: %w", err)
	}

	if err := r.client.SetNX(ctx, r.lessonKey(lesson.Key), payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to store lesson %s: %w", lesson.Key, err)
	}

	member := &redis.Z{Score: float64(lesson.CreatedAt.UnixMilli()), Member: lesson.Key}
	if err := r.client.ZAddNX(ctx, r.indexKey(), member).Err(); err != nil {
		return fmt.Errorf("failed to index lesson %s: %w", lesson.Key, err)
	}
	return nil
}

// QuerySimilar ranks the most recent ScanLimit lessons against mc.
func (r *Redis) QuerySimilar(ctx context.Context, mc models.MarketContext, limit int) ([]models.LessonRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	keys, err := r.client.ZRevRange(ctx, r.indexKey(), 0, r.scanLimit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list lessons: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.lessonKey(k)
	}
	values, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load lessons: %w", err)
	}

	lessons := make([]models.LessonRecord, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		l, err := decodeLesson(s)
		if err != nil {
			continue
		}
		lessons = append(lessons, l)
	}
	return Rank(mc, lessons, limit), nil
}

// Close closes the redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

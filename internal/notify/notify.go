// Package notify provides fire-and-forget alert delivery.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"evo-trader/internal/config"
)

// Notifier delivers alerts without blocking or failing the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationHalt      NotificationType = "halt"
	NotificationReset     NotificationType = "reset"
	NotificationFailure   NotificationType = "execution_failure"
	NotificationLargeFill NotificationType = "large_fill"
	NotificationTrade     NotificationType = "trade"
	NotificationError     NotificationType = "error"
	NotificationInfo      NotificationType = "info"
)

// Critical reports whether the notification bypasses the level filter.
func (t NotificationType) Critical() bool {
	return t == NotificationHalt || t == NotificationFailure
}

// NotificationLevel represents the notification level filter.
type NotificationLevel string

const (
	LevelAll        NotificationLevel = "all"
	LevelTradesOnly NotificationLevel = "trades_only"
	LevelErrorsOnly NotificationLevel = "errors_only"
)

const (
	defaultQueueSize   = 64
	defaultSendTimeout = 10 * time.Second
)

// MultiNotifier fans notifications out to multiple channels from a
// background worker. Notify never blocks; when the queue is full the
// notification is logged and dropped.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	mu       sync.RWMutex

	queue   chan Notification
	logger  zerolog.Logger
	timeout time.Duration
}

// NewMultiNotifier creates a new MultiNotifier with the given configuration.
// The log channel is always attached.
func NewMultiNotifier(cfg *config.NotificationConfig, creds config.Credentials, logger zerolog.Logger) *MultiNotifier {
	mn := &MultiNotifier{
		channels: []NotificationChannel{NewLogChannel(logger)},
		level:    NotificationLevel(cfg.Level),
		queue:    make(chan Notification, defaultQueueSize),
		logger:   logger.With().Str("component", "notify").Logger(),
		timeout:  defaultSendTimeout,
	}

	if mn.level == "" {
		mn.level = LevelAll
	}

	if !cfg.Enabled {
		return mn
	}

	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook, creds.Webhook.Secret))
	}
	if cfg.Telegram.Enabled {
		mn.channels = append(mn.channels, NewTelegramNotifier(cfg.Telegram, creds.Telegram.BotToken))
	}

	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// shouldSend checks if a notification should be sent based on the level filter.
func (mn *MultiNotifier) shouldSend(notifType NotificationType) bool {
	if notifType.Critical() {
		return true
	}
	switch mn.level {
	case LevelTradesOnly:
		return notifType == NotificationTrade || notifType == NotificationLargeFill
	case LevelErrorsOnly:
		return notifType == NotificationError || notifType == NotificationReset
	default:
		return true
	}
}

// Notify enqueues n for delivery.
func (mn *MultiNotifier) Notify(ctx context.Context, n Notification) {
	if !mn.shouldSend(n.Type) {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	select {
	case mn.queue <- n:
	default:
		mn.logger.Warn().
			Str("type", string(n.Type)).
			Str("title", n.Title).
			Msg("Notification queue full, dropping")
	}
}

// Run delivers queued notifications until ctx is cancelled, then drains
// whatever is still queued.
func (mn *MultiNotifier) Run(ctx context.Context) error {
	for {
		select {
		case n := <-mn.queue:
			mn.deliver(n)
		case <-ctx.Done():
			for {
				select {
				case n := <-mn.queue:
					mn.deliver(n)
				default:
					return nil
				}
			}
		}
	}
}

func (mn *MultiNotifier) deliver(n Notification) {
	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), mn.timeout)
		err := ch.Send(ctx, n)
		cancel()
		if err != nil {
			mn.logger.Error().
				Err(err).
				Str("channel", ch.Name()).
				Str("type", string(n.Type)).
				Msg("Notification delivery failed")
		}
	}
}

// LogChannel writes notifications to the structured log.
type LogChannel struct {
	logger zerolog.Logger
}

// NewLogChannel creates a new LogChannel.
func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{logger: logger.With().Str("channel", "log").Logger()}
}

// Name returns the name of the channel.
func (l *LogChannel) Name() string {
	return "log"
}

// IsEnabled returns whether the channel is enabled.
func (l *LogChannel) IsEnabled() bool {
	return true
}

// Send writes n to the log.
func (l *LogChannel) Send(ctx context.Context, n Notification) error {
	event := l.logger.Info()
	if n.Type.Critical() || n.Type == NotificationError {
		event = l.logger.Warn()
	}
	event.
		Str("event", "alert").
		Str("type", string(n.Type)).
		Fields(n.Data).
		Msg(n.Title + ": " + n.Message)
	return nil
}

// formatData renders notification data as sorted key=value lines.
func formatData(data map[string]interface{}) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, data[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

// NoOpNotifier discards notifications.
type NoOpNotifier struct{}

// Notify does nothing.
func (NoOpNotifier) Notify(context.Context, Notification) {}

package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"evo-trader/internal/config"
)

// TelegramNotifier sends notifications via Telegram bot.
type TelegramNotifier struct {
	botToken string
	chatID   int64
	enabled  bool

	once    sync.Once
	bot     *tgbotapi.BotAPI
	initErr error
}

// NewTelegramNotifier creates a new TelegramNotifier. The bot connects on
// first use.
func NewTelegramNotifier(cfg config.TelegramConfig, botToken string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && botToken != "" && cfg.ChatID != 0,
	}
}

// Name returns the name of the notifier.
func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// IsEnabled returns whether the notifier is enabled.
func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

// Send sends a notification via Telegram.
func (t *TelegramNotifier) Send(ctx context.Context, n Notification) error {
	if !t.enabled {
		return nil
	}

	t.once.Do(func() {
		t.bot, t.initErr = tgbotapi.NewBotAPI(t.botToken)
	})
	if t.initErr != nil {
		return fmt.Errorf("connecting telegram bot: %w", t.initErr)
	}

	msg := tgbotapi.NewMessage(t.chatID, formatTelegram(n))
	msg.ParseMode = tgbotapi.ModeHTML

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	return nil
}

func formatTelegram(n Notification) string {
	text := fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(n.Title), escapeHTML(n.Message))
	if data := formatData(n.Data); data != "" {
		text += "\n\n<pre>" + escapeHTML(data) + "</pre>"
	}
	return text
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

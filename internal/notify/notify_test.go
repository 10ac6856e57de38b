package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evo-trader/internal/config"
)

type recordingChannel struct {
	mu   sync.Mutex
	got  []Notification
	fail bool
}

func (r *recordingChannel) Name() string    { return "recording" }
func (r *recordingChannel) IsEnabled() bool { return true }
func (r *recordingChannel) Send(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	if r.fail {
		return errors.New("channel down")
	}
	return nil
}

func (r *recordingChannel) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestMultiNotifier_DeliversAsync(t *testing.T) {
	mn := NewMultiNotifier(&config.NotificationConfig{Level: "all"}, config.Credentials{}, zerolog.Nop())
	failing := &recordingChannel{fail: true}
	ok := &recordingChannel{}
	mn.AddChannel(failing)
	mn.AddChannel(ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = mn.Run(ctx)
		close(done)
	}()

	mn.Notify(ctx, Notification{Type: NotificationHalt, Title: "halted", Message: "drawdown"})

	assert.Eventually(t, func() bool { return ok.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, failing.count())

	cancel()
	<-done
}

func TestMultiNotifier_LevelFilter(t *testing.T) {
	mn := NewMultiNotifier(&config.NotificationConfig{Level: "errors_only"}, config.Credentials{}, zerolog.Nop())

	assert.True(t, mn.shouldSend(NotificationHalt))
	assert.True(t, mn.shouldSend(NotificationFailure))
	assert.True(t, mn.shouldSend(NotificationError))
	assert.False(t, mn.shouldSend(NotificationLargeFill))
	assert.False(t, mn.shouldSend(NotificationInfo))
}

func TestMultiNotifier_NeverBlocksWhenFull(t *testing.T) {
	mn := NewMultiNotifier(&config.NotificationConfig{}, config.Credentials{}, zerolog.Nop())

	finished := make(chan struct{})
	go func() {
		for i := 0; i < defaultQueueSize*2; i++ {
			mn.Notify(context.Background(), Notification{Type: NotificationInfo, Title: "x"})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked with no worker running")
	}
}

func TestWebhookNotifier_SignsBody(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(config.WebhookConfig{Enabled: true, URL: srv.URL}, "s3cret")
	err := w.Send(context.Background(), Notification{Type: NotificationHalt, Title: "t", Timestamp: time.Now()})
	require.NoError(t, err)

	assert.NotEmpty(t, gotBody)
	assert.Equal(t, Sign("s3cret", gotBody), gotSig)
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(config.WebhookConfig{Enabled: true, URL: srv.URL}, "")
	err := w.Send(context.Background(), Notification{Type: NotificationInfo})
	assert.Error(t, err)
}

func TestTelegramNotifier_DisabledWithoutToken(t *testing.T) {
	tg := NewTelegramNotifier(config.TelegramConfig{Enabled: true, ChatID: 42}, "")
	assert.False(t, tg.IsEnabled())
	assert.NoError(t, tg.Send(context.Background(), Notification{}))
}

func TestFormatTelegram_EscapesAndIncludesData(t *testing.T) {
	text := formatTelegram(Notification{
		Title:   "Halt <BTC>",
		Message: "a & b",
		Data:    map[string]interface{}{"drawdown": 0.12, "equity": 8800.0},
	})
	assert.Contains(t, text, "Halt &lt;BTC&gt;")
	assert.Contains(t, text, "a &amp; b")
	assert.Contains(t, text, "drawdown: 0.12\nequity: 8800")
}

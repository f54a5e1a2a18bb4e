package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name string
	err  error
	sent []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.sent = append(r.sent, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifier_FiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"auto_close", " auto_close_failed "}, quietLogger())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "auto_close", "closed", ""))
	require.NoError(t, n.Notify(ctx, "trade_buy", "bought", ""))
	require.NoError(t, n.Notify(ctx, "auto_close_failed", "failed", ""))
	require.NoError(t, n.NotifyAll(ctx, "startup", ""))

	assert.Equal(t, []string{"closed", "failed", "startup"}, s.sent)
}

func TestNotifier_NoFilterAllowsAll(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, quietLogger())
	require.NoError(t, n.Notify(context.Background(), "anything", "t", ""))
	assert.Len(t, s.sent, 1)
	assert.True(t, n.Enabled())
	assert.False(t, NewNotifier(nil, nil, quietLogger()).Enabled())
}

func TestNotifier_OneFailureDoesNotStopOthers(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordingSender{name: "bad", err: boom}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quietLogger())

	err := n.NotifyAll(context.Background(), "t", "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, good.sent, 1)
}

func TestDiscordSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), "Position closed", "stop_loss hit"))
	assert.Equal(t, "**Position closed**\nstop_loss hit", got["content"])
}

func TestDiscordSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unknown webhook", http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

type fakeBotAPI struct {
	params *bot.SendMessageParams
	err    error
}

func (f *fakeBotAPI) SendMessage(_ context.Context, p *bot.SendMessageParams) (*models.Message, error) {
	f.params = p
	return &models.Message{}, f.err
}

func TestTelegramSender(t *testing.T) {
	api := &fakeBotAPI{}
	s := &TelegramSender{api: api, chatID: 42}

	require.NoError(t, s.Send(context.Background(), "Sold <all>", "a & b"))
	assert.Equal(t, int64(42), api.params.ChatID)
	assert.Equal(t, "<b>Sold &lt;all&gt;</b>\na &amp; b", api.params.Text)
	assert.Equal(t, models.ParseModeHTML, api.params.ParseMode)

	api.err = errors.New("chat not found")
	assert.Error(t, s.Send(context.Background(), "t", "m"))
}

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/xarb/internal/domain"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type recorder struct {
	name   string
	err    error
	titles []string
}

func (r *recorder) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recorder) Name() string { return r.name }

func TestNotifierFilters(t *testing.T) {
	rec := &recorder{name: "rec"}
	n := NewNotifier([]Sender{rec}, domain.SeverityWarning, []string{"partial_fill", "circuit_open"}, discard)
	ctx := context.Background()

	require.NoError(t, n.Deliver(ctx, domain.Alert{Rule: "partial_fill", Severity: domain.SeverityInfo, Title: "low"}))
	require.NoError(t, n.Deliver(ctx, domain.Alert{Rule: "avg_latency", Severity: domain.SeverityCritical, Title: "other rule"}))
	require.NoError(t, n.Deliver(ctx, domain.Alert{Rule: "partial_fill", Severity: domain.SeverityCritical, Title: "Partial execution"}))

	assert.Equal(t, []string{"[CRITICAL] Partial execution"}, rec.titles)
}

func TestNotifierKeepsGoingAfterFailure(t *testing.T) {
	bad := &recorder{name: "bad", err: errors.New("boom")}
	good := &recorder{name: "good"}
	n := NewNotifier([]Sender{bad, good}, "", nil, discard)

	err := n.Deliver(context.Background(), domain.Alert{Rule: "x", Severity: domain.SeverityWarning, Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, good.titles, 1)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("token", "42").WithAPIBase(srv.URL)
	require.NoError(t, s.Send(context.Background(), "title", "body"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*title*\nbody", got["text"])
}

func TestTelegramSenderEscapesAndReportsErrors(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("token", "42").WithAPIBase(srv.URL)
	err := s.Send(context.Background(), "pair bybit_binance_btcusdt", "disabled")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.Equal(t, "*pair bybit\\_binance\\_btcusdt*\ndisabled", got["text"])
}

func TestDiscordSender(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), "[CRITICAL] trip", "pair disabled"))
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, colorCritical, got.Embeds[0].Color)
	assert.Equal(t, "pair disabled", got.Embeds[0].Description)

	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer fail.Close()
	assert.Error(t, NewDiscordSender(fail.URL).Send(context.Background(), "t", "m"))
}

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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name string
	err  error
	got  []Message
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.got = append(s.got, msg)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifyFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, Config{Events: []string{"position_opened", " venue_error "}}, discard())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "position_opened", "Opened", "x"))
	require.NoError(t, n.Notify(ctx, "leg_closed", "Leg", "x"))
	require.NoError(t, n.Notify(ctx, "venue_error", "Venue", "x"))

	require.Len(t, s.got, 2)
	assert.Equal(t, "position_opened", s.got[0].Event)
	assert.Equal(t, "venue_error", s.got[1].Event)
}

func TestNotifyCooldownSuppressesRepeats(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, Config{Cooldown: time.Minute, Clock: func() time.Time { return now }}, discard())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "venue_error", "VENUE ERROR BTCUSDT", "a"))
	require.NoError(t, n.Notify(ctx, "venue_error", "VENUE ERROR BTCUSDT", "b"))
	require.NoError(t, n.Notify(ctx, "venue_error", "VENUE ERROR ETHUSDT", "c"))
	now = now.Add(2 * time.Minute)
	require.NoError(t, n.Notify(ctx, "venue_error", "VENUE ERROR BTCUSDT", "d"))

	require.Len(t, s.got, 3)
	assert.Equal(t, "d", s.got[2].Body)
}

func TestNotifyKeepsDeliveringAfterFailure(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, Config{}, discard())

	err := n.Notify(context.Background(), "fill_timeout", "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.got, 1)
}

func TestNilNotifierIsDisabled(t *testing.T) {
	var n *Notifier
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), "e", "t", "m"))
}

func TestTelegramSend(t *testing.T) {
	var path string
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	err := newTelegramSender(srv.URL, "tok", "42").Send(context.Background(), Message{Title: "Opened", Body: "size: 1"})
	require.NoError(t, err)
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", body["chat_id"])
	assert.Equal(t, "*Opened*\nsize: 1", body["text"])
}

func TestDiscordSend(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), Message{Event: "fill_timeout", Title: "T", Body: "B"})
	require.NoError(t, err)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, colorFailure, got.Embeds[0].Color)
	assert.Equal(t, "fill_timeout", got.Embeds[0].Footer.Text)
}

func TestSendReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), Message{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}

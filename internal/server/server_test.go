package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/alanyoungcy/divergebot/internal/server/handler"
	"github.com/alanyoungcy/divergebot/internal/server/ws"
	"github.com/alanyoungcy/divergebot/internal/store/memory"
	"github.com/alanyoungcy/divergebot/internal/tickstore"
)

type staticFeed struct{}

func (staticFeed) Venue() string     { return domain.VenueBinance }
func (staticFeed) Symbols() []string { return []string{"btcusdt"} }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestServer(t *testing.T, apiKey string) (*httptest.Server, *memory.Store) {
	t.Helper()
	store := memory.New()
	logger := discard()
	srv := NewServer(Config{APIKey: apiKey}, Handlers{
		Health:     handler.NewHealthHandler("trade", staticFeed{}),
		Positions:  handler.NewPositionHandler(store.Positions(), store.Executions(), logger),
		Audit:      handler.NewAuditHandler(store.Audit(), logger),
		Strategies: handler.NewStrategyHandler(store.Strategies(), store.Instruments(), logger),
	}, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func getJSON(t *testing.T, url, key string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	ts, _ := newTestServer(t, "secret")

	var health struct {
		Status        string              `json:"status"`
		Mode          string              `json:"mode"`
		Subscriptions map[string][]string `json:"subscriptions"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/health", "", &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, []string{"btcusdt"}, health.Subscriptions["binance"])

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "divergebot_http_requests_total")
}

func TestAPIRequiresKey(t *testing.T) {
	ts, _ := newTestServer(t, "secret")
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, ts.URL+"/api/strategies", "", nil))
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, ts.URL+"/api/strategies", "wrong", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/strategies", "secret", nil))
}

func TestPositionEndpoints(t *testing.T) {
	ts, store := newTestServer(t, "")
	ctx := context.Background()
	opened := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pos := domain.Position{
		ID: "p1", StrategyID: "s1", InstrumentID: "btc", Symbol: "BTCUSDT", Account: "main",
		Mode: domain.ModeLive, Side: domain.SideLong, Open: true, Size: 1, EntryPrice: 100, OpenedAt: opened,
	}
	require.NoError(t, store.Positions().CreateWithExecutions(ctx, pos, []domain.Execution{{
		ID: "e1", PositionID: "p1", FillID: "f1", TradeID: "o1", OrderID: "o1",
		Side: domain.OrderSideBuy, Kind: domain.ExecOpen, Size: 1, Price: 100, Time: opened,
	}}))

	var list struct {
		Positions []map[string]any `json:"positions"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/positions?account=main", "", &list))
	require.Len(t, list.Positions, 1)
	assert.Equal(t, "p1", list.Positions[0]["id"])

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/positions", "", nil))

	var one struct {
		Position   map[string]any   `json:"position"`
		Executions []map[string]any `json:"executions"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/positions/p1", "", &one))
	assert.Equal(t, "BTCUSDT", one.Position["symbol"])
	require.Len(t, one.Executions, 1)
	assert.Equal(t, "open", one.Executions[0]["kind"])

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/positions/missing", "", nil))
}

func TestAuditEndpoint(t *testing.T) {
	ts, store := newTestServer(t, "")
	ctx := context.Background()
	require.NoError(t, store.Audit().Log(ctx, "position_opened", map[string]any{"position_id": "p1"}))
	require.NoError(t, store.Audit().Log(ctx, "position_closed", map[string]any{"position_id": "p1"}))

	var out struct {
		Entries []struct {
			Event string `json:"event"`
		} `json:"entries"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/audit?limit=1", "", &out))
	require.Len(t, out.Entries, 1)
	assert.Equal(t, "position_closed", out.Entries[0].Event)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/audit?since=yesterday", "", nil))
}

func TestHubStreamsBusEvents(t *testing.T) {
	bus := tickstore.NewBus(0)
	hub := ws.NewHub(bus, ws.Config{Channels: []string{domain.ChannelPositions}, Mode: "trade"}, discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	ts := httptest.NewServer(NewServer(Config{}, Handlers{Hub: hub}, discard()).Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	_, hello, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(hello), `"type":"status"`)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, bus.Publish(ctx, domain.ChannelPositions, []byte(`{"event":"position_opened"}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env ws.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, domain.ChannelPositions, env.Channel)
	assert.JSONEq(t, `{"event":"position_opened"}`, string(env.Data))
}

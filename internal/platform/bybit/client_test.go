package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/divergebot/internal/crypto"
	"github.com/alanyoungcy/divergebot/internal/domain"
)

type recorded struct {
	method, path, query string
	headers             http.Header
	body                map[string]any
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *[]recorded) {
	t.Helper()
	var mu sync.Mutex
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, headers: r.Header.Clone()}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			require.NoError(t, json.Unmarshal(data, &rec.body))
		}
		mu.Lock()
		calls = append(calls, rec)
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		BaseURL:  srv.URL,
		Accounts: map[string]crypto.HMACAuth{"main": {Key: "k", Secret: "s"}},
	})
	return c, &calls
}

func reply(w http.ResponseWriter, result string) {
	_, _ = io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":`+result+`,"time":1700000000000}`)
}

func TestPlaceLimitOrder(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		reply(w, `{"orderId":"o-1","orderLinkId":"dvg-l1"}`)
	})

	res, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		Account: "main", Symbol: "BTCUSDT", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit,
		Qty: 0.25, Price: 101.3, ReduceOnly: true, ClientID: "dvg-l1",
	})
	require.NoError(t, err)
	assert.Equal(t, "o-1", res.OrderID)
	assert.Equal(t, "dvg-l1", res.ClientID)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodPost, call.method)
	assert.Equal(t, "/v5/order/create", call.path)
	assert.Equal(t, "linear", call.body["category"])
	assert.Equal(t, "Sell", call.body["side"])
	assert.Equal(t, "Limit", call.body["orderType"])
	assert.Equal(t, "0.25", call.body["qty"])
	assert.Equal(t, "101.3", call.body["price"])
	assert.Equal(t, true, call.body["reduceOnly"])
	assert.Equal(t, "k", call.headers.Get(crypto.HeaderAPIKey))
	assert.NotEmpty(t, call.headers.Get(crypto.HeaderSignature))
}

func TestNonZeroRetCodeIsVenueRequestError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"retCode":110007,"retMsg":"ab not enough for new order","result":{}}`)
	})

	_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{Account: "main", Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Qty: 1})
	var vre *domain.VenueRequestError
	require.ErrorAs(t, err, &vre)
	assert.Equal(t, "bybit", vre.Venue)
	assert.Equal(t, "order/create", vre.Op)
	assert.Equal(t, 110007, vre.Code)
	assert.Equal(t, "ab not enough for new order", vre.Message)
}

func TestHTTPErrorIsVenueRequestError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	err := c.CancelOrder(context.Background(), "main", "BTCUSDT", "o-1")
	var vre *domain.VenueRequestError
	require.ErrorAs(t, err, &vre)
	assert.Equal(t, http.StatusForbidden, vre.Code)
}

func TestUnknownAccount(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) { reply(w, `{}`) })

	_, err := c.GetPositions(context.Background(), "other")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Empty(t, *calls)
}

func TestGetFillsPagesAndOrdersOldestFirst(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			reply(w, `{"category":"linear","nextPageCursor":"p2","list":[
				{"symbol":"BTCUSDT","orderId":"o-2","orderLinkId":"dvg-close","side":"Sell","execId":"e-3","execPrice":"101","execQty":"1","execFee":"0.05","execType":"Trade","execTime":"1700000003000"},
				{"symbol":"BTCUSDT","orderId":"","side":"Sell","execId":"e-f","execPrice":"0","execQty":"0","execFee":"0.01","execType":"Funding","execTime":"1700000002000"}]}`)
			return
		}
		reply(w, `{"category":"linear","nextPageCursor":"","list":[
			{"symbol":"BTCUSDT","orderId":"o-1","orderLinkId":"dvg-open","side":"Buy","execId":"e-1","execPrice":"100","execQty":"1","execFee":"0.05","execType":"Trade","execTime":"1700000001000"}]}`)
	})

	since := time.UnixMilli(1700000000000)
	fills, err := c.GetFills(context.Background(), domain.FillQuery{Account: "main", Symbol: "BTCUSDT", Since: since, Limit: 2})
	require.NoError(t, err)
	require.Len(t, fills, 2)

	assert.Equal(t, "e-1", fills[0].FillID)
	assert.Equal(t, "o-1", fills[0].TradeID)
	assert.Equal(t, domain.OrderSideBuy, fills[0].Side)
	assert.Equal(t, "dvg-open", fills[0].ClientID)
	assert.Equal(t, "main", fills[0].Account)
	assert.Equal(t, time.UnixMilli(1700000001000).UTC(), fills[0].Time)
	assert.Equal(t, "e-3", fills[1].FillID)
	assert.Equal(t, 101.0, fills[1].Price)

	require.Len(t, *calls, 2)
	assert.Contains(t, (*calls)[0].query, "startTime=1700000000000")
	assert.Contains(t, (*calls)[1].query, "cursor=p2")
}

func TestGetPositionsSkipsFlat(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		reply(w, `{"list":[
			{"symbol":"BTCUSDT","side":"Sell","size":"0.5","avgPrice":"30000"},
			{"symbol":"ETHUSDT","side":"","size":"0","avgPrice":"0"}]}`)
	})

	got, err := c.GetPositions(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, []domain.VenuePosition{{Symbol: "BTCUSDT", Side: domain.SideShort, Size: 0.5, AvgPrice: 30000}}, got)
}

func TestSetTradingStopOmitsUnsetTriggers(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) { reply(w, `{}`) })

	require.NoError(t, c.SetTradingStop(context.Background(), domain.TradingStop{Account: "main", Symbol: "BTCUSDT", StopLoss: 99}))
	body := (*calls)[0].body
	assert.Equal(t, "99", body["stopLoss"])
	assert.NotContains(t, body, "takeProfit")
	assert.Equal(t, "Full", body["tpslMode"])
}

func TestGetTickerIsPublic(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		reply(w, `{"list":[{"symbol":"BTCUSDT","markPrice":"30001.5","fundingRate":"-0.0001","nextFundingTime":"1700006400000"}]}`)
	})

	tk, err := c.GetTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 30001.5, tk.MarkPrice)
	assert.Equal(t, -0.0001, tk.FundingRate)
	assert.Equal(t, time.UnixMilli(1700006400000).UTC(), tk.NextFundingTime)
	assert.Empty(t, (*calls)[0].headers.Get(crypto.HeaderAPIKey))

	_, err = c.GetTicker(context.Background(), "ETHUSDT")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

type countingLimiter struct{ waits []string }

func (l *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (l *countingLimiter) Wait(_ context.Context, key string) error {
	l.waits = append(l.waits, key)
	return nil
}

func TestPrivateRequestsAreRateLimited(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) { reply(w, `{"list":[]}`) })
	lim := &countingLimiter{}
	c.limiter = lim

	_, err := c.ListOpenOrders(context.Background(), "main", "BTCUSDT")
	require.NoError(t, err)
	_, err = c.GetTicker(context.Background(), "BTCUSDT")
	require.Error(t, err)

	assert.Equal(t, []string{"bybit:main"}, lim.waits)
}

// Package bybit is the REST client for the Bybit v5 unified trading API,
// limited to the linear perpetual endpoints the bot trades on.
package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/divergebot/internal/crypto"
	"github.com/alanyoungcy/divergebot/internal/domain"
)

const (
	category          = "linear"
	defaultRecvWindow = 5 * time.Second
	maxFillPages      = 5
)

// Config configures a Client.
type Config struct {
	// BaseURL is the REST root, e.g. "https://api.bybit.com".
	BaseURL string
	// Accounts maps an account key to its API credentials.
	Accounts   map[string]crypto.HMACAuth
	RecvWindow time.Duration
	// Limiter throttles private requests per account when set.
	Limiter    domain.RateLimiter
	HTTPClient *http.Client
}

// Client implements domain.Venue against the Bybit v5 REST API.
type Client struct {
	baseURL    string
	accounts   map[string]crypto.HMACAuth
	recvWindow time.Duration
	limiter    domain.RateLimiter
	httpClient *http.Client
}

// NewClient creates a new Bybit REST client.
func NewClient(cfg Config) *Client {
	recv := cfg.RecvWindow
	if recv <= 0 {
		recv = defaultRecvWindow
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		accounts:   cfg.Accounts,
		recvWindow: recv,
		limiter:    cfg.Limiter,
		httpClient: hc,
	}
}

// Name returns the venue name.
func (c *Client) Name() string { return domain.VenueBybit }

// PlaceOrder submits a market or limit order.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	body := orderCreateRequest{
		Category:    category,
		Symbol:      req.Symbol,
		Side:        venueSide(req.Side),
		OrderType:   "Market",
		Qty:         strconv.FormatFloat(req.Qty, 'f', -1, 64),
		ReduceOnly:  req.ReduceOnly,
		OrderLinkID: req.ClientID,
	}
	if req.Type == domain.OrderTypeLimit {
		body.OrderType = "Limit"
		body.Price = decimalString(req.Price)
		body.TimeInForce = "GTC"
	}

	var ack orderAck
	if err := c.post(ctx, req.Account, "order/create", "/v5/order/create", body, &ack); err != nil {
		return domain.OrderResult{}, err
	}
	return domain.OrderResult{OrderID: ack.OrderID, ClientID: ack.OrderLinkID, Accepted: time.Now().UTC()}, nil
}

// CancelOrder cancels a resting order.
func (c *Client) CancelOrder(ctx context.Context, account, symbol, orderID string) error {
	body := orderCancelRequest{Category: category, Symbol: symbol, OrderID: orderID}
	return c.post(ctx, account, "order/cancel", "/v5/order/cancel", body, nil)
}

// ListOpenOrders returns the resting orders of account on symbol.
func (c *Client) ListOpenOrders(ctx context.Context, account, symbol string) ([]domain.OpenOrder, error) {
	q := url.Values{"category": {category}, "symbol": {symbol}}
	var res listResult[openOrder]
	if err := c.get(ctx, account, "order/realtime", "/v5/order/realtime", q, &res); err != nil {
		return nil, err
	}
	out := make([]domain.OpenOrder, 0, len(res.List))
	for _, o := range res.List {
		out = append(out, o.toDomain())
	}
	return out, nil
}

// GetPositions returns the non-empty USDT linear positions of account.
func (c *Client) GetPositions(ctx context.Context, account string) ([]domain.VenuePosition, error) {
	q := url.Values{"category": {category}, "settleCoin": {"USDT"}}
	var res listResult[position]
	if err := c.get(ctx, account, "position/list", "/v5/position/list", q, &res); err != nil {
		return nil, err
	}
	out := make([]domain.VenuePosition, 0, len(res.List))
	for _, p := range res.List {
		vp := p.toDomain()
		if vp.Size > 0 {
			out = append(out, vp)
		}
	}
	return out, nil
}

// GetFills pages through the execution list, oldest first.
func (c *Client) GetFills(ctx context.Context, fq domain.FillQuery) ([]domain.Fill, error) {
	q := url.Values{"category": {category}}
	if fq.Symbol != "" {
		q.Set("symbol", fq.Symbol)
	}
	if fq.OrderID != "" {
		q.Set("orderId", fq.OrderID)
	}
	if !fq.Since.IsZero() {
		q.Set("startTime", strconv.FormatInt(fq.Since.UnixMilli(), 10))
	}
	limit := fq.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	q.Set("limit", strconv.Itoa(limit))

	var fills []domain.Fill
	for page := 0; page < maxFillPages; page++ {
		var res listResult[Execution]
		if err := c.get(ctx, fq.Account, "execution/list", "/v5/execution/list", q, &res); err != nil {
			return nil, err
		}
		for _, e := range res.List {
			if e.IsTrade() {
				fills = append(fills, e.ToFill(fq.Account))
			}
		}
		if res.NextPageCursor == "" || len(res.List) < limit {
			break
		}
		q.Set("cursor", res.NextPageCursor)
	}

	// The venue returns newest first.
	for i, j := 0, len(fills)-1; i < j; i, j = i+1, j-1 {
		fills[i], fills[j] = fills[j], fills[i]
	}
	return fills, nil
}

// SetTradingStop places or amends the position's conditional stops.
func (c *Client) SetTradingStop(ctx context.Context, stop domain.TradingStop) error {
	body := tradingStopRequest{
		Category:   category,
		Symbol:     stop.Symbol,
		TpslMode:   "Full",
		StopLoss:   decimalString(stop.StopLoss),
		TakeProfit: decimalString(stop.TakeProfit),
	}
	return c.post(ctx, stop.Account, "position/trading-stop", "/v5/position/trading-stop", body, nil)
}

// GetTicker returns the mark price and funding schedule of symbol. It is a
// public endpoint and needs no credentials.
func (c *Client) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	q := url.Values{"category": {category}, "symbol": {symbol}}
	var res listResult[ticker]
	if err := c.do(ctx, http.MethodGet, "", "market/tickers", "/v5/market/tickers?"+q.Encode(), nil, &res); err != nil {
		return domain.Ticker{}, err
	}
	for _, t := range res.List {
		if t.Symbol == symbol {
			return t.toDomain(), nil
		}
	}
	return domain.Ticker{}, fmt.Errorf("bybit: ticker %s: %w", symbol, domain.ErrNotFound)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *Client) get(ctx context.Context, account, op, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, account, op, path+"?"+q.Encode(), nil, out)
}

func (c *Client) post(ctx context.Context, account, op, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bybit: %s: marshal request: %w", op, err)
	}
	return c.do(ctx, http.MethodPost, account, op, path, data, out)
}

// do sends a request, signing it when account is set, and decodes the
// result of a successful envelope into out.
func (c *Client) do(ctx context.Context, method, account, op, pathAndQuery string, body []byte, out any) error {
	var headers map[string]string
	if account != "" {
		auth, ok := c.accounts[account]
		if !ok || !auth.Valid() {
			return fmt.Errorf("bybit: %s: account %q: %w", op, account, domain.ErrUnauthorized)
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, "bybit:"+account); err != nil {
				return fmt.Errorf("bybit: %s: rate limit: %w", op, err)
			}
		}
		payload := string(body)
		if method == http.MethodGet {
			if u, err := url.Parse(pathAndQuery); err == nil {
				payload = u.RawQuery
			}
		}
		headers = auth.Headers(payload, c.recvWindow)
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathAndQuery, bodyReader)
	if err != nil {
		return fmt.Errorf("bybit: %s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bybit: %s: http request: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("bybit: %s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.VenueRequestError{Venue: domain.VenueBybit, Op: op, Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("bybit: %s: decode envelope: %w", op, err)
	}
	if env.RetCode != 0 {
		return &domain.VenueRequestError{Venue: domain.VenueBybit, Op: op, Code: env.RetCode, Message: env.RetMsg}
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("bybit: %s: decode result: %w", op, err)
	}
	return nil
}

var _ domain.Venue = (*Client)(nil)

package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// DefaultBinanceURL is the USDⓈ-M futures market stream endpoint.
const DefaultBinanceURL = "wss://fstream.binance.com/ws"

// BinanceCodec decodes the futures <symbol>@bookTicker stream.
type BinanceCodec struct {
	url   string
	reqID atomic.Int64
}

// NewBinanceCodec creates a codec for the given endpoint.
func NewBinanceCodec(url string) *BinanceCodec {
	if url == "" {
		url = DefaultBinanceURL
	}
	return &BinanceCodec{url: url}
}

func (c *BinanceCodec) Venue() string { return domain.VenueBinance }
func (c *BinanceCodec) URL() string   { return c.url }
func (c *BinanceCodec) Heartbeat() []byte {
	return nil
}
func (c *BinanceCodec) Reset() {}

func (c *BinanceCodec) Normalize(symbol string) string {
	return strings.ToLower(symbol)
}

type binanceRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (c *BinanceCodec) Subscribe(symbols []string) ([][]byte, error) {
	return c.request("SUBSCRIBE", symbols)
}

func (c *BinanceCodec) Unsubscribe(symbols []string) ([][]byte, error) {
	return c.request("UNSUBSCRIBE", symbols)
}

func (c *BinanceCodec) request(method string, symbols []string) ([][]byte, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		params = append(params, c.Normalize(s)+"@bookTicker")
	}
	data, err := json.Marshal(binanceRequest{Method: method, Params: params, ID: c.reqID.Add(1)})
	if err != nil {
		return nil, fmt.Errorf("binance: marshal %s: %w", method, err)
	}
	return [][]byte{data}, nil
}

type binanceBookTicker struct {
	Event   string `json:"e"`
	Symbol  string `json:"s"`
	Bid     string `json:"b"`
	BidSize string `json:"B"`
	Ask     string `json:"a"`
	AskSize string `json:"A"`
}

func (c *BinanceCodec) Decode(raw []byte, received time.Time) ([]Quote, error) {
	var msg binanceBookTicker
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("binance: decode: %w", err)
	}
	if msg.Event != "bookTicker" || msg.Symbol == "" {
		return nil, nil
	}
	tick, err := parseTick(msg.Bid, msg.BidSize, msg.Ask, msg.AskSize, received)
	if err != nil {
		return nil, fmt.Errorf("binance: %s: %w", msg.Symbol, err)
	}
	return []Quote{{Symbol: c.Normalize(msg.Symbol), Tick: tick}}, nil
}

func parseTick(bid, bidSize, ask, askSize string, ts time.Time) (domain.Tick, error) {
	var t domain.Tick
	var err error
	if t.Bid, err = strconv.ParseFloat(bid, 64); err != nil {
		return t, fmt.Errorf("bid %q: %w", bid, err)
	}
	if t.Ask, err = strconv.ParseFloat(ask, 64); err != nil {
		return t, fmt.Errorf("ask %q: %w", ask, err)
	}
	t.BidSize, _ = strconv.ParseFloat(bidSize, 64)
	t.AskSize, _ = strconv.ParseFloat(askSize, 64)
	t.Time = ts
	return t, nil
}

package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// DefaultBybitPublicURL is the v5 linear public stream endpoint.
const DefaultBybitPublicURL = "wss://stream.bybit.com/v5/public/linear"

const bybitBookTopic = "orderbook.1."

// BybitCodec decodes the v5 orderbook.1 stream. Level-1 deltas may carry
// one side only, so the codec keeps the last book per symbol.
type BybitCodec struct {
	url string

	mu    sync.Mutex
	books map[string]domain.Tick
}

// NewBybitCodec creates a codec for the given endpoint.
func NewBybitCodec(url string) *BybitCodec {
	if url == "" {
		url = DefaultBybitPublicURL
	}
	return &BybitCodec{url: url, books: make(map[string]domain.Tick)}
}

func (c *BybitCodec) Venue() string { return domain.VenueBybit }
func (c *BybitCodec) URL() string   { return c.url }

func (c *BybitCodec) Normalize(symbol string) string {
	return strings.ToUpper(symbol)
}

func (c *BybitCodec) Heartbeat() []byte {
	return []byte(`{"op":"ping"}`)
}

func (c *BybitCodec) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.books = make(map[string]domain.Tick)
}

type bybitOp struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

func (c *BybitCodec) Subscribe(symbols []string) ([][]byte, error) {
	return c.op("subscribe", symbols)
}

func (c *BybitCodec) Unsubscribe(symbols []string) ([][]byte, error) {
	return c.op("unsubscribe", symbols)
}

// op batches topics; the venue accepts at most 10 args per request.
func (c *BybitCodec) op(name string, symbols []string) ([][]byte, error) {
	var frames [][]byte
	for start := 0; start < len(symbols); start += 10 {
		end := min(start+10, len(symbols))
		args := make([]string, 0, end-start)
		for _, s := range symbols[start:end] {
			args = append(args, bybitBookTopic+c.Normalize(s))
		}
		data, err := json.Marshal(bybitOp{Op: name, Args: args})
		if err != nil {
			return nil, fmt.Errorf("bybit: marshal %s: %w", name, err)
		}
		frames = append(frames, data)
	}
	return frames, nil
}

type bybitBookMessage struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Data  struct {
		Symbol string      `json:"s"`
		Bids   [][2]string `json:"b"`
		Asks   [][2]string `json:"a"`
	} `json:"data"`
}

func (c *BybitCodec) Decode(raw []byte, received time.Time) ([]Quote, error) {
	var msg bybitBookMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("bybit: decode: %w", err)
	}
	if !strings.HasPrefix(msg.Topic, bybitBookTopic) {
		return nil, nil
	}
	symbol := c.Normalize(msg.Data.Symbol)
	if symbol == "" {
		symbol = strings.TrimPrefix(msg.Topic, bybitBookTopic)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	book := c.books[symbol]
	if msg.Type == "snapshot" {
		book = domain.Tick{}
	}
	if err := applyLevel(msg.Data.Bids, &book.Bid, &book.BidSize); err != nil {
		return nil, fmt.Errorf("bybit: %s bid: %w", symbol, err)
	}
	if err := applyLevel(msg.Data.Asks, &book.Ask, &book.AskSize); err != nil {
		return nil, fmt.Errorf("bybit: %s ask: %w", symbol, err)
	}
	book.Time = received
	c.books[symbol] = book

	if book.Bid <= 0 || book.Ask <= 0 {
		return nil, nil
	}
	return []Quote{{Symbol: symbol, Tick: book}}, nil
}

// applyLevel updates one side of the book. A zero size removes the level.
func applyLevel(levels [][2]string, price, size *float64) error {
	if len(levels) == 0 {
		return nil
	}
	p, err := strconv.ParseFloat(levels[0][0], 64)
	if err != nil {
		return err
	}
	s, err := strconv.ParseFloat(levels[0][1], 64)
	if err != nil {
		return err
	}
	if s == 0 {
		*price, *size = 0, 0
		return nil
	}
	*price, *size = p, s
	return nil
}

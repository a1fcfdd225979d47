package domain

import (
	"context"
	"time"
)

// TickStore holds a bounded, time-ordered series of ticks per instrument
// and venue. Each venue series has a single writer.
type TickStore interface {
	Append(ctx context.Context, instrumentID, venue string, t Tick) error
	// Window returns ticks with from <= Time <= to, oldest first.
	Window(ctx context.Context, instrumentID, venue string, from, to time.Time) ([]Tick, error)
	// Last returns the newest tick, or ErrNotFound.
	Last(ctx context.Context, instrumentID, venue string) (Tick, error)
	// Trim drops ticks older than before across all series.
	Trim(ctx context.Context, before time.Time) error
}

// PriceCache provides fast access to the latest mark prices.
type PriceCache interface {
	SetPrice(ctx context.Context, assetID string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, assetID string) (float64, time.Time, error)
	GetPrices(ctx context.Context, assetIDs []string) (map[string]float64, error)
}

// OrderFillCache keeps recently confirmed fills keyed by order id, fed by the
// venue's private order-event stream.
type OrderFillCache interface {
	Put(ctx context.Context, f Fill) error
	// Get returns the fills recorded for the order, or ErrNotFound.
	Get(ctx context.Context, account, orderID string) ([]Fill, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// Channels and streams used for lifecycle and order events.
const (
	ChannelPositions = "positions"
	StreamPositions  = "stream:positions"
)

// ChannelFills is the pub/sub channel carrying venue fills for an account.
func ChannelFills(account string) string { return "fills:" + account }

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

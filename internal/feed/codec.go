// Package feed owns the long-lived websocket connections: one public market
// data listener per venue and the private order-event listener.
package feed

import (
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// Quote is a decoded top-of-book update for one venue symbol.
type Quote struct {
	Symbol string
	Tick   domain.Tick
}

// Codec speaks one venue's public market data protocol.
type Codec interface {
	// Venue is the venue name written to the tick store.
	Venue() string
	// URL is the websocket endpoint.
	URL() string
	// Normalize maps a configured symbol to the form the venue echoes.
	Normalize(symbol string) string
	// Subscribe and Unsubscribe build the frames that change the topic set.
	Subscribe(symbols []string) ([][]byte, error)
	Unsubscribe(symbols []string) ([][]byte, error)
	// Heartbeat returns an application-level ping, or nil when the venue
	// relies on websocket pings.
	Heartbeat() []byte
	// Decode parses one frame. Acks and pongs yield no quotes.
	Decode(raw []byte, received time.Time) ([]Quote, error)
	// Reset drops any per-connection book state.
	Reset()
}

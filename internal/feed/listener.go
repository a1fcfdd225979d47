package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/alanyoungcy/divergebot/internal/metrics"
)

// ListenerConfig wires a MarketListener.
type ListenerConfig struct {
	Codec Codec
	Ticks domain.TickStore
	// Marks receives the mid price of every accepted quote. Optional.
	Marks      domain.PriceCache
	Logger     *slog.Logger
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Heartbeat  time.Duration
	Clock      func() time.Time
}

type route struct {
	symbol      string
	instruments []string
}

// MarketListener owns one venue's public websocket. It is the single writer
// of that venue's tick series: quotes are appended for every instrument
// listed under the symbol, and unchanged (ask, bid) pairs are dropped.
type MarketListener struct {
	codec     Codec
	ticks     domain.TickStore
	marks     domain.PriceCache
	logger    *slog.Logger
	dialer    *websocket.Dialer
	backoff   backoff
	heartbeat time.Duration
	clock     func() time.Time

	mu     sync.Mutex
	routes map[string]route
	conn   *wsConn

	// last and markedAt are only touched by the reading goroutine.
	last     map[string][2]float64
	markedAt map[string]time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMarketListener creates a listener. It does nothing until Run.
func NewMarketListener(cfg ListenerConfig) *MarketListener {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &MarketListener{
		codec:     cfg.Codec,
		ticks:     cfg.Ticks,
		marks:     cfg.Marks,
		logger:    cfg.Logger.With(slog.String("component", "market_listener"), slog.String("venue", cfg.Codec.Venue())),
		dialer:    dialer,
		backoff:   newBackoff(cfg.MinBackoff, cfg.MaxBackoff),
		heartbeat: heartbeat,
		clock:     clock,
		routes:    make(map[string]route),
		last:      make(map[string][2]float64),
		markedAt:  make(map[string]time.Time),
		stop:      make(chan struct{}),
	}
}

// Venue returns the venue this listener feeds.
func (l *MarketListener) Venue() string { return l.codec.Venue() }

// SetSymbols replaces the subscription set with the listings of instruments
// on this listener's venue. On a live connection only the difference is
// sent; otherwise the set is applied on the next connect.
func (l *MarketListener) SetSymbols(ctx context.Context, instruments []domain.Instrument) error {
	venue := l.codec.Venue()
	next := make(map[string]route)
	for _, inst := range instruments {
		var listing domain.Listing
		switch venue {
		case inst.VenueA.Venue:
			listing = inst.VenueA
		case inst.VenueB.Venue:
			listing = inst.VenueB
		default:
			continue
		}
		key := l.codec.Normalize(listing.Symbol)
		r := next[key]
		r.symbol = listing.Symbol
		r.instruments = append(r.instruments, inst.ID)
		next[key] = r
	}

	l.mu.Lock()
	var added, removed []string
	for key := range next {
		if _, ok := l.routes[key]; !ok {
			added = append(added, key)
		}
	}
	for key := range l.routes {
		if _, ok := next[key]; !ok {
			removed = append(removed, key)
		}
	}
	l.routes = next
	conn := l.conn
	l.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)
	if len(added) > 0 || len(removed) > 0 {
		l.logger.InfoContext(ctx, "subscriptions changed",
			slog.Any("added", added),
			slog.Any("removed", removed),
		)
	}
	if conn == nil {
		return nil
	}

	unsub, err := l.codec.Unsubscribe(removed)
	if err != nil {
		return err
	}
	sub, err := l.codec.Subscribe(added)
	if err != nil {
		return err
	}
	if err := conn.writeAll(append(unsub, sub...)); err != nil {
		return fmt.Errorf("feed: %s: update subscriptions: %w", l.codec.Venue(), err)
	}
	return nil
}

// Symbols returns the subscribed venue symbols, sorted.
func (l *MarketListener) Symbols() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.routes))
	for key := range l.routes {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Run connects and ingests until ctx is cancelled or Stop is called,
// reconnecting with exponential backoff.
func (l *MarketListener) Run(ctx context.Context) error {
	l.logger.Info("market listener started")
	defer l.logger.Info("market listener stopped")
	return l.backoff.run(ctx, l.stop, "market_"+l.codec.Venue(), l.logger, l.session)
}

// Stop ends Run at the next read boundary.
func (l *MarketListener) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *MarketListener) session(ctx context.Context) (bool, error) {
	conn, err := dial(ctx, l.dialer, l.codec.URL(), l.heartbeat)
	if err != nil {
		return false, err
	}
	l.codec.Reset()

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		conn.close()
	}()

	frames, err := l.codec.Subscribe(l.Symbols())
	if err != nil {
		return false, err
	}
	if err := conn.writeAll(frames); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go conn.keepAlive(ctx, l.stop, done, l.codec.Heartbeat())

	delivered := false
	for {
		msg, err := conn.read()
		if err != nil {
			select {
			case <-l.stop:
				return delivered, errStopped
			default:
			}
			return delivered, err
		}
		quotes, err := l.codec.Decode(msg, l.clock().UTC())
		if err != nil {
			l.logger.Debug("decode failed", slog.String("error", err.Error()))
			continue
		}
		for _, q := range quotes {
			if l.handle(ctx, q) {
				delivered = true
			}
		}
	}
}

// handle writes an accepted quote and reports whether it was new.
func (l *MarketListener) handle(ctx context.Context, q Quote) bool {
	l.mu.Lock()
	r, ok := l.routes[q.Symbol]
	l.mu.Unlock()
	if !ok || !q.Tick.Valid() {
		return false
	}

	venue := l.codec.Venue()
	key := [2]float64{q.Tick.Ask, q.Tick.Bid}
	if l.last[q.Symbol] == key {
		metrics.TicksSuppressed.WithLabelValues(venue).Inc()
		// An unchanged book still proves the mark current.
		if q.Tick.Time.Sub(l.markedAt[q.Symbol]) >= markRefresh {
			l.setMark(ctx, venue, r, q)
		}
		return false
	}
	l.last[q.Symbol] = key

	for _, id := range r.instruments {
		if err := l.ticks.Append(ctx, id, venue, q.Tick); err != nil {
			l.logger.Warn("append tick failed",
				slog.String("instrument_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	l.setMark(ctx, venue, r, q)
	metrics.TicksIngested.WithLabelValues(venue).Inc()
	return true
}

func (l *MarketListener) setMark(ctx context.Context, venue string, r route, q Quote) {
	if l.marks == nil {
		return
	}
	if err := l.marks.SetPrice(ctx, domain.MarkKey(venue, r.symbol), q.Tick.Mid(), q.Tick.Time); err != nil {
		l.logger.Warn("set mark failed",
			slog.String("symbol", r.symbol),
			slog.String("error", err.Error()),
		)
		return
	}
	l.markedAt[q.Symbol] = q.Tick.Time
}

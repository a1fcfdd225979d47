package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// TickerCache memoises the venue's funding schedule per symbol. An entry is
// refreshed after ttl or once its funding time has passed.
type TickerCache struct {
	venue   domain.Venue
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]tickerEntry
	clock   func() time.Time
}

type tickerEntry struct {
	ticker  domain.Ticker
	fetched time.Time
}

// NewTickerCache creates a TickerCache over venue.
func NewTickerCache(venue domain.Venue, ttl time.Duration) *TickerCache {
	return &TickerCache{
		venue:   venue,
		ttl:     ttl,
		entries: make(map[string]tickerEntry),
		clock:   time.Now,
	}
}

// Get returns the cached ticker for symbol, fetching it when stale.
func (c *TickerCache) Get(ctx context.Context, symbol string) (domain.Ticker, error) {
	now := c.clock()
	c.mu.Lock()
	e, ok := c.entries[symbol]
	c.mu.Unlock()
	if ok && now.Sub(e.fetched) < c.ttl && (e.ticker.NextFundingTime.IsZero() || now.Before(e.ticker.NextFundingTime)) {
		return e.ticker, nil
	}

	t, err := c.venue.GetTicker(ctx, symbol)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("executor: ticker %s: %w", symbol, err)
	}
	c.mu.Lock()
	c.entries[symbol] = tickerEntry{ticker: t, fetched: now}
	c.mu.Unlock()
	return t, nil
}

// FundingGate refuses an open when now falls within the strategy's lead
// time before the next funding. A funding-aware strategy may still open
// when the rate pays its side: longs are paid by a negative rate, shorts by
// a positive one.
func FundingGate(now time.Time, t domain.Ticker, s domain.Strategy, side domain.Side) error {
	if s.FundingLeadTime <= 0 || t.NextFundingTime.IsZero() {
		return nil
	}
	if now.Before(t.NextFundingTime.Add(-s.FundingLeadTime)) || now.After(t.NextFundingTime) {
		return nil
	}
	if s.FundingAware {
		if (side == domain.SideLong && t.FundingRate < 0) || (side == domain.SideShort && t.FundingRate > 0) {
			return nil
		}
	}
	return fmt.Errorf("executor: funding at %s: %w", t.NextFundingTime.Format(time.RFC3339), domain.ErrFundingWindow)
}

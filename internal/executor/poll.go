package executor

import (
	"context"
	"errors"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/alanyoungcy/divergebot/internal/metrics"
)

// PollConfig bounds every wait on the venue: a fixed interval between
// attempts, a maximum number of attempts and an overall deadline.
type PollConfig struct {
	Interval time.Duration
	Attempts int
	Deadline time.Duration
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	if c.Attempts <= 0 {
		c.Attempts = 10
	}
	if c.Deadline <= 0 {
		c.Deadline = time.Duration(c.Attempts) * c.Interval
	}
	return c
}

// Poller repeats venue queries until they succeed or the bounds run out.
type Poller struct {
	venue domain.Venue
	cfg   PollConfig
}

// NewPoller creates a Poller for venue.
func NewPoller(venue domain.Venue, cfg PollConfig) *Poller {
	return &Poller{venue: venue, cfg: cfg.withDefaults()}
}

// Poll calls fn until it reports done. When attempts or the deadline run out
// it returns a *domain.FillTimeoutError for orderID, joined with the last
// error fn returned.
func (p *Poller) Poll(ctx context.Context, orderID string, fn func(ctx context.Context) (bool, error)) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Deadline)
	defer cancel()

	var lastErr error
loop:
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		done, err := fn(ctx)
		if err == nil && done {
			return nil
		}
		if err != nil {
			lastErr = err
		}
		if attempt == p.cfg.Attempts {
			break
		}

		timer := time.NewTimer(p.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			break loop
		case <-timer.C:
		}
	}

	metrics.FillTimeouts.Inc()
	timeout := &domain.FillTimeoutError{OrderID: orderID, Waited: time.Since(start)}
	if lastErr != nil {
		return errors.Join(timeout, lastErr)
	}
	return timeout
}

// AwaitFills polls the venue until the fills matching q add up to want.
// On timeout it returns whatever fills were seen together with the error.
func (p *Poller) AwaitFills(ctx context.Context, q domain.FillQuery, want float64) ([]domain.Fill, error) {
	var fills []domain.Fill
	err := p.Poll(ctx, q.OrderID, func(ctx context.Context) (bool, error) {
		got, err := p.venue.GetFills(ctx, q)
		if err != nil {
			return false, err
		}
		fills = got
		_, qty, _ := domain.AveragePrice(got)
		return qty > 0 && qty >= want-1e-9, nil
	})
	return fills, err
}

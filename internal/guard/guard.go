// Package guard hands out short-lived leases that keep a (strategy,
// instrument) pair, or a shared venue polling task, to one cycle at a time.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/alanyoungcy/divergebot/internal/metrics"
)

// DefaultTTL bounds how long a crashed holder can wedge a lease.
const DefaultTTL = 10 * time.Second

// CycleKey is the lease name for one strategy on one instrument.
func CycleKey(strategyID, instrumentID string) string {
	return "cycle:" + strategyID + ":" + instrumentID
}

// PollKey is the lease name for a venue-account polling task.
func PollKey(venue, account string) string {
	return "poll:" + venue + ":" + account
}

// Guard acquires leases without blocking.
type Guard struct {
	locks domain.LockManager
	ttl   time.Duration
}

// New creates a Guard over locks. A non-positive ttl uses DefaultTTL.
func New(locks domain.LockManager, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{locks: locks, ttl: ttl}
}

// Lease is a held guard. Release is idempotent.
type Lease struct {
	Key    string
	unlock func()
	once   sync.Once
}

// Release gives the lease back. It is safe to call from several places,
// such as early on a terminal transition and again when the cycle ends.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if l.unlock != nil {
			l.unlock()
		}
	})
}

// TryAcquire takes the lease for key or returns domain.ErrLockContention.
func (g *Guard) TryAcquire(ctx context.Context, key string) (*Lease, error) {
	unlock, err := g.locks.Acquire(ctx, key, g.ttl)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			metrics.LockContention.Inc()
			return nil, fmt.Errorf("guard: %s: %w", key, domain.ErrLockContention)
		}
		return nil, fmt.Errorf("guard: acquire %s: %w", key, err)
	}
	return &Lease{Key: key, unlock: unlock}, nil
}

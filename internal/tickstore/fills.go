package tickstore

import (
	"context"
	"sort"
	"sync"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// Fills implements domain.OrderFillCache in memory for single-process runs.
// Entries are keyed by fill id per order, so replays overwrite.
type Fills struct {
	mu    sync.RWMutex
	fills map[string]map[string]domain.Fill
}

// NewFills creates an empty fill cache.
func NewFills() *Fills {
	return &Fills{fills: make(map[string]map[string]domain.Fill)}
}

func (c *Fills) Put(_ context.Context, f domain.Fill) error {
	key := f.Account + ":" + f.OrderID
	c.mu.Lock()
	defer c.mu.Unlock()
	byID, ok := c.fills[key]
	if !ok {
		byID = make(map[string]domain.Fill)
		c.fills[key] = byID
	}
	byID[f.FillID] = f
	return nil
}

func (c *Fills) Get(_ context.Context, account, orderID string) ([]domain.Fill, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byID := c.fills[account+":"+orderID]
	if len(byID) == 0 {
		return nil, domain.ErrNotFound
	}
	out := make([]domain.Fill, 0, len(byID))
	for _, f := range byID {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

var _ domain.OrderFillCache = (*Fills)(nil)

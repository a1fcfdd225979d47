package tickstore

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

type mark struct {
	price float64
	ts    time.Time
}

// Marks implements domain.PriceCache in memory.
type Marks struct {
	mu    sync.RWMutex
	marks map[string]mark
}

// NewMarks creates an empty mark table.
func NewMarks() *Marks {
	return &Marks{marks: make(map[string]mark)}
}

func (m *Marks) SetPrice(_ context.Context, assetID string, price float64, ts time.Time) error {
	m.mu.Lock()
	m.marks[assetID] = mark{price: price, ts: ts}
	m.mu.Unlock()
	return nil
}

func (m *Marks) GetPrice(_ context.Context, assetID string) (float64, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mk, ok := m.marks[assetID]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return mk.price, mk.ts, nil
}

func (m *Marks) GetPrices(_ context.Context, assetIDs []string) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(assetIDs))
	for _, id := range assetIDs {
		if mk, ok := m.marks[id]; ok {
			out[id] = mk.price
		}
	}
	return out, nil
}

var _ domain.PriceCache = (*Marks)(nil)

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// FillCache implements domain.OrderFillCache. Fills for an order live in a
// hash at "orderfills:{account}:{orderID}" keyed by fill id, so replays from
// the order-event stream overwrite rather than duplicate.
type FillCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFillCache creates a FillCache whose entries expire after ttl.
func NewFillCache(c *Client, ttl time.Duration) *FillCache {
	return &FillCache{rdb: c.Underlying(), ttl: ttl}
}

func orderFillsKey(account, orderID string) string {
	return "orderfills:" + account + ":" + orderID
}

// Put records f under its order id.
func (fc *FillCache) Put(ctx context.Context, f domain.Fill) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("redis: marshal fill %s: %w", f.FillID, err)
	}
	key := orderFillsKey(f.Account, f.OrderID)
	pipe := fc.rdb.TxPipeline()
	pipe.HSet(ctx, key, f.FillID, data)
	if fc.ttl > 0 {
		pipe.Expire(ctx, key, fc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put fill %s: %w", f.FillID, err)
	}
	return nil
}

// Get returns the fills seen for the order, oldest first, or
// domain.ErrNotFound.
func (fc *FillCache) Get(ctx context.Context, account, orderID string) ([]domain.Fill, error) {
	vals, err := fc.rdb.HVals(ctx, orderFillsKey(account, orderID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get fills %s: %w", orderID, err)
	}
	if len(vals) == 0 {
		return nil, domain.ErrNotFound
	}

	fills := make([]domain.Fill, 0, len(vals))
	for _, v := range vals {
		var f domain.Fill
		if err := json.Unmarshal([]byte(v), &f); err != nil {
			continue
		}
		fills = append(fills, f)
	}
	sort.Slice(fills, func(i, j int) bool { return fills[i].Time.Before(fills[j].Time) })
	return fills, nil
}

var _ domain.OrderFillCache = (*FillCache)(nil)

package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// MarkCache implements domain.PriceCache for venue mark prices. Each key is
// a hash at "mark:{venue}:{symbol}" with fields "price" and "ts" (unix
// nanos) and expires after ttl so a dead listener cannot serve stale marks.
type MarkCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewMarkCache creates a MarkCache. A zero ttl disables expiry.
func NewMarkCache(c *Client, ttl time.Duration) *MarkCache {
	return &MarkCache{rdb: c.Underlying(), ttl: ttl}
}

func markKey(assetID string) string {
	return "mark:" + assetID
}

// SetPrice stores the latest mark and its timestamp.
func (mc *MarkCache) SetPrice(ctx context.Context, assetID string, price float64, ts time.Time) error {
	key := markKey(assetID)
	pipe := mc.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	})
	if mc.ttl > 0 {
		pipe.Expire(ctx, key, mc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set mark %s: %w", assetID, err)
	}
	return nil
}

// GetPrice returns the cached mark or domain.ErrNotFound.
func (mc *MarkCache) GetPrice(ctx context.Context, assetID string) (float64, time.Time, error) {
	vals, err := mc.rdb.HGetAll(ctx, markKey(assetID)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get mark %s: %w", assetID, err)
	}
	price, ts, ok := parseMark(vals)
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return price, ts, nil
}

// GetPrices fetches several marks in one pipeline. Missing assets are
// omitted from the result.
func (mc *MarkCache) GetPrices(ctx context.Context, assetIDs []string) (map[string]float64, error) {
	if len(assetIDs) == 0 {
		return map[string]float64{}, nil
	}

	pipe := mc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(assetIDs))
	for _, id := range assetIDs {
		cmds[id] = pipe.HGetAll(ctx, markKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get marks pipeline: %w", err)
	}

	out := make(map[string]float64, len(assetIDs))
	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if price, _, ok := parseMark(vals); ok {
			out[id] = price
		}
	}
	return out, nil
}

func parseMark(vals map[string]string) (float64, time.Time, bool) {
	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, false
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	nanos, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return price, time.Unix(0, nanos), true
}

var _ domain.PriceCache = (*MarkCache)(nil)

package redis

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/tick_append.lua
var tickAppendLua string

const tickIndexKey = "ticks:index"

// TickStore implements domain.TickStore on Redis sorted sets so several
// processes can share one set of listeners.
//
// Key schema:
//
//	ticks:{instrumentID}:{venue} - sorted set, score = unix micros,
//	                               member = "micros:ask:bid:askSize:bidSize"
//	ticks:index                  - set of all series keys, used by Trim
type TickStore struct {
	rdb      *redis.Client
	appendSc *redis.Script
	horizon  time.Duration
}

// NewTickStore creates a TickStore keeping horizon worth of ticks per series.
func NewTickStore(c *Client, horizon time.Duration) *TickStore {
	return &TickStore{
		rdb:      c.Underlying(),
		appendSc: redis.NewScript(tickAppendLua),
		horizon:  horizon,
	}
}

func tickKey(instrumentID, venue string) string {
	return "ticks:" + instrumentID + ":" + venue
}

func encodeTick(t domain.Tick) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return strings.Join([]string{
		strconv.FormatInt(t.Time.UnixMicro(), 10),
		f(t.Ask), f(t.Bid), f(t.AskSize), f(t.BidSize),
	}, ":")
}

func decodeTick(member string) (domain.Tick, error) {
	parts := strings.Split(member, ":")
	if len(parts) != 5 {
		return domain.Tick{}, fmt.Errorf("redis: malformed tick %q", member)
	}
	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("redis: tick time %q: %w", member, err)
	}
	var vals [4]float64
	for i := range vals {
		if vals[i], err = strconv.ParseFloat(parts[i+1], 64); err != nil {
			return domain.Tick{}, fmt.Errorf("redis: tick field %q: %w", member, err)
		}
	}
	return domain.Tick{
		Time:    time.UnixMicro(micros).UTC(),
		Ask:     vals[0],
		Bid:     vals[1],
		AskSize: vals[2],
		BidSize: vals[3],
	}, nil
}

// Append adds t atomically. Ticks older than the newest stored tick are
// dropped and the series is trimmed to the horizon.
func (ts *TickStore) Append(ctx context.Context, instrumentID, venue string, t domain.Tick) error {
	cutoff := int64(-1)
	if ts.horizon > 0 {
		cutoff = t.Time.Add(-ts.horizon).UnixMicro()
	}
	err := ts.appendSc.Run(ctx, ts.rdb,
		[]string{tickKey(instrumentID, venue), tickIndexKey},
		t.Time.UnixMicro(), encodeTick(t), cutoff,
	).Err()
	if err != nil {
		return fmt.Errorf("redis: append tick %s/%s: %w", instrumentID, venue, err)
	}
	return nil
}

// Window returns ticks with from <= Time <= to, oldest first. Malformed
// members are skipped.
func (ts *TickStore) Window(ctx context.Context, instrumentID, venue string, from, to time.Time) ([]domain.Tick, error) {
	members, err := ts.rdb.ZRangeByScore(ctx, tickKey(instrumentID, venue), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMicro(), 10),
		Max: strconv.FormatInt(to.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: tick window %s/%s: %w", instrumentID, venue, err)
	}

	out := make([]domain.Tick, 0, len(members))
	for _, m := range members {
		t, err := decodeTick(m)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Last returns the newest tick or domain.ErrNotFound.
func (ts *TickStore) Last(ctx context.Context, instrumentID, venue string) (domain.Tick, error) {
	members, err := ts.rdb.ZRevRange(ctx, tickKey(instrumentID, venue), 0, 0).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.Tick{}, fmt.Errorf("redis: last tick %s/%s: %w", instrumentID, venue, err)
	}
	if len(members) == 0 {
		return domain.Tick{}, domain.ErrNotFound
	}
	return decodeTick(members[0])
}

// Trim drops ticks before the cutoff in every known series.
func (ts *TickStore) Trim(ctx context.Context, before time.Time) error {
	keys, err := ts.rdb.SMembers(ctx, tickIndexKey).Result()
	if err != nil {
		return fmt.Errorf("redis: list tick series: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	maxScore := "(" + strconv.FormatInt(before.UnixMicro(), 10)
	pipe := ts.rdb.Pipeline()
	for _, k := range keys {
		pipe.ZRemRangeByScore(ctx, k, "-inf", maxScore)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: trim ticks: %w", err)
	}
	return nil
}

var _ domain.TickStore = (*TickStore)(nil)

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

var t0 = time.Unix(1_700_000_000, 0).UTC()

func TestLockManagerExclusive(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	lm := NewLockManager(c)

	unlock, err := lm.Acquire(ctx, "cycle:s1:btc", 10*time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "cycle:s1:btc", 10*time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()

	unlock2, err := lm.Acquire(ctx, "cycle:s1:btc", 10*time.Second)
	require.NoError(t, err)
	defer unlock2()

	// A different pair is independent.
	other, err := lm.Acquire(ctx, "cycle:s1:eth", 10*time.Second)
	require.NoError(t, err)
	other()

	_ = mr
}

func TestLockManagerExpires(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	lm := NewLockManager(c)

	stale, err := lm.Acquire(ctx, "cycle:s1:btc", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := lm.Acquire(ctx, "cycle:s1:btc", time.Second)
	require.NoError(t, err)

	// The expired holder must not release the new holder's lease.
	stale()
	_, err = lm.Acquire(ctx, "cycle:s1:btc", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	fresh()
}

func TestTickStoreWindowAndTrim(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	ts := NewTickStore(c, 10*time.Second)

	for i := 0; i < 3; i++ {
		tk := domain.Tick{Bid: 100 + float64(i), Ask: 100.5 + float64(i), BidSize: 1, AskSize: 2, Time: t0.Add(time.Duration(i) * time.Second)}
		require.NoError(t, ts.Append(ctx, "btc", "binance", tk))
	}
	// Out-of-order tick is ignored.
	require.NoError(t, ts.Append(ctx, "btc", "binance", domain.Tick{Bid: 1, Ask: 2, Time: t0}))

	got, err := ts.Window(ctx, "btc", "binance", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 100.0, got[0].Bid)
	assert.Equal(t, 102.5, got[2].Ask)
	assert.Equal(t, 2.0, got[2].AskSize)
	assert.True(t, got[1].Time.Equal(t0.Add(time.Second)))

	last, err := ts.Last(ctx, "btc", "binance")
	require.NoError(t, err)
	assert.Equal(t, 102.0, last.Bid)

	// Appending past the horizon drops the old ticks.
	require.NoError(t, ts.Append(ctx, "btc", "binance", domain.Tick{Bid: 200, Ask: 201, Time: t0.Add(20 * time.Second)}))
	got, err = ts.Window(ctx, "btc", "binance", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, ts.Trim(ctx, t0.Add(time.Hour)))
	_, err = ts.Last(ctx, "btc", "binance")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkCache(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	mc := NewMarkCache(c, time.Minute)

	asset := domain.MarkKey(domain.VenueBybit, "BTCUSDT")
	require.NoError(t, mc.SetPrice(ctx, asset, 65000.5, t0))

	price, ts, err := mc.GetPrice(ctx, asset)
	require.NoError(t, err)
	assert.Equal(t, 65000.5, price)
	assert.True(t, ts.Equal(t0))

	prices, err := mc.GetPrices(ctx, []string{asset, "bybit:NOPE"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{asset: 65000.5}, prices)

	mr.FastForward(2 * time.Minute)
	_, _, err = mc.GetPrice(ctx, asset)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFillCacheDedupesByFillID(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	fc := NewFillCache(c, time.Hour)

	f := domain.Fill{FillID: "e1", TradeID: "1", OrderID: "o1", Account: "main", Symbol: "BTCUSDT", Qty: 0.5, Price: 100, Time: t0}
	require.NoError(t, fc.Put(ctx, f))
	require.NoError(t, fc.Put(ctx, f))
	f2 := f
	f2.FillID, f2.Time = "e2", t0.Add(time.Second)
	require.NoError(t, fc.Put(ctx, f2))

	fills, err := fc.Get(ctx, "main", "o1")
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "e1", fills[0].FillID)

	_, err = fc.Get(ctx, "main", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRateLimiterAllow(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c, 2, time.Minute)

	ok, err := rl.Allow(ctx, "bybit:main", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = rl.Allow(ctx, "bybit:main", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = rl.Allow(ctx, "bybit:main", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	waitCtx, cancel := context.WithTimeout(ctx, 120*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(waitCtx, "bybit:main"))
}

func TestSignalBusStream(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	sb := NewSignalBusWithMaxLen(c, 100)

	require.NoError(t, sb.PublishJSON(ctx, domain.ChannelPositions, domain.StreamPositions, map[string]string{"event": "opened"}))
	msgs, err := sb.StreamRead(ctx, domain.StreamPositions, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"event":"opened"}`, string(msgs[0].Payload))
}

func TestClientOptionsFromURL(t *testing.T) {
	opts, err := ClientConfig{URL: "rediss://:secret@cache:6380/2", PoolSize: 7}.Options()
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 7, opts.PoolSize)
	assert.NotNil(t, opts.TLSConfig)

	opts, err = ClientConfig{Addr: "localhost:6379", DB: 1}.Options()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Nil(t, opts.TLSConfig)

	_, err = ClientConfig{URL: "http://nope"}.Options()
	assert.Error(t, err)
}

func TestClientPingAndStats(t *testing.T) {
	c, _ := newTestClient(t)
	rtt, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))
	assert.NotNil(t, c.Stats())
}

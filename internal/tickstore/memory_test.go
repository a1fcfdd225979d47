package tickstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func tick(sec int, bid float64) domain.Tick {
	return domain.Tick{Bid: bid, Ask: bid + 0.1, Time: t0.Add(time.Duration(sec) * time.Second)}
}

func TestAppendAndWindow(t *testing.T) {
	ctx := context.Background()
	s := New(time.Minute)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, "btc", "binance", tick(i, 100+float64(i))))
	}

	got, err := s.Window(ctx, "btc", "binance", t0.Add(time.Second), t0.Add(3*time.Second))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 101.0, got[0].Bid)
	assert.Equal(t, 103.0, got[2].Bid)

	last, err := s.Last(ctx, "btc", "binance")
	require.NoError(t, err)
	assert.Equal(t, 104.0, last.Bid)

	_, err = s.Last(ctx, "btc", "bybit")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAppendTrimsHorizon(t *testing.T) {
	ctx := context.Background()
	s := New(10 * time.Second)
	require.NoError(t, s.Append(ctx, "btc", "bybit", tick(0, 100)))
	require.NoError(t, s.Append(ctx, "btc", "bybit", tick(5, 101)))
	require.NoError(t, s.Append(ctx, "btc", "bybit", tick(30, 102)))

	got, err := s.Window(ctx, "btc", "bybit", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 102.0, got[0].Bid)
}

func TestAppendDropsOutOfOrder(t *testing.T) {
	ctx := context.Background()
	s := New(time.Minute)
	require.NoError(t, s.Append(ctx, "btc", "bybit", tick(5, 101)))
	require.NoError(t, s.Append(ctx, "btc", "bybit", tick(2, 99)))

	got, err := s.Window(ctx, "btc", "bybit", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestTrimAllSeries(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	require.NoError(t, s.Append(ctx, "btc", "bybit", tick(0, 100)))
	require.NoError(t, s.Append(ctx, "eth", "bybit", tick(1, 10)))
	require.NoError(t, s.Append(ctx, "eth", "bybit", tick(9, 11)))

	require.NoError(t, s.Trim(ctx, t0.Add(5*time.Second)))

	btc, _ := s.Window(ctx, "btc", "bybit", t0, t0.Add(time.Minute))
	eth, _ := s.Window(ctx, "eth", "bybit", t0, t0.Add(time.Minute))
	assert.Empty(t, btc)
	assert.Len(t, eth, 1)
}

func TestConcurrentReadersSingleWriter(t *testing.T) {
	ctx := context.Background()
	s := New(time.Minute)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = s.Append(ctx, "btc", "binance", domain.Tick{Bid: 1, Ask: 2, Time: t0.Add(time.Duration(i) * time.Millisecond)})
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				w, err := s.Window(ctx, "btc", "binance", t0, t0.Add(time.Second))
				if err != nil {
					t.Error(err)
					return
				}
				for k := 1; k < len(w); k++ {
					if w[k].Time.Before(w[k-1].Time) {
						t.Error("window out of order")
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

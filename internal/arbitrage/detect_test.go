package arbitrage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/alanyoungcy/divergebot/internal/tickstore"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func testInstrument() domain.Instrument {
	return domain.Instrument{
		ID:       "btc",
		Symbol:   "BTCUSDT",
		VenueA:   domain.Listing{Venue: domain.VenueBinance, Symbol: "btcusdt"},
		VenueB:   domain.Listing{Venue: domain.VenueBybit, Symbol: "BTCUSDT"},
		LotSize:  0.001,
		TickSize: 0.1,
	}
}

func testStrategy(target float64) domain.Strategy {
	return domain.Strategy{
		ID:                "s1",
		Name:              "div",
		Mode:              domain.ModePaper,
		SizeUSD:           100,
		FeePercent:        0.1,
		TakeProfitPercent: target,
		StopLossPercent:   1,
		SearchDuration:    10 * time.Second,
	}
}

// workedWindow is venue A bid 100 -> 101 and venue B ask 100 -> 100.3 with a
// 0.05% venue-B spread on the last snapshot.
func workedWindow() []domain.Snapshot {
	return []domain.Snapshot{
		{
			Time: t0,
			A:    domain.Tick{Bid: 100, Ask: 100.1, Time: t0},
			B:    domain.Tick{Bid: 99.95, Ask: 100, Time: t0},
		},
		{
			Time: t0.Add(time.Second),
			A:    domain.Tick{Bid: 101, Ask: 101.1, Time: t0.Add(time.Second)},
			B:    domain.Tick{Bid: 100.3 * (1 - 0.0005), Ask: 100.3, Time: t0.Add(time.Second)},
		},
	}
}

func TestDetectNeedsTwoSnapshots(t *testing.T) {
	s := testStrategy(0.2)
	_, ok := Detect(nil, s, testInstrument())
	assert.False(t, ok)

	_, ok = Detect(workedWindow()[:1], s, testInstrument())
	assert.False(t, ok)
}

func TestDetectWorkedExampleLong(t *testing.T) {
	sig, ok := Detect(workedWindow(), testStrategy(0.2), testInstrument())
	require.True(t, ok)

	assert.Equal(t, domain.SideLong, sig.Side)
	assert.InDelta(t, 1.0, sig.DeltaAPercent, 1e-9)
	assert.InDelta(t, 0.3, sig.DeltaBPercent, 1e-9)
	assert.InDelta(t, 0.7, sig.DeltaPercent, 1e-9)
	assert.InDelta(t, 0.05, sig.SpreadPercent, 1e-9)
	assert.InDelta(t, 0.35, sig.Threshold, 1e-9)
	assert.InDelta(t, 10, sig.DeltaATicks, 1e-9)
	assert.InDelta(t, 3, sig.DeltaBTicks, 1e-9)
	assert.Equal(t, t0.Add(time.Second), sig.DetectedAt)
}

func TestDetectTargetTooHigh(t *testing.T) {
	_, ok := Detect(workedWindow(), testStrategy(1.0), testInstrument())
	assert.False(t, ok)
}

func TestDetectLadderUsesFirstLeg(t *testing.T) {
	s := testStrategy(5) // take-profit ignored in ladder mode
	s.LadderEnabled = true
	s.LadderPercents = []float64{0.2, 0.4}
	_, ok := Detect(workedWindow(), s, testInstrument())
	assert.True(t, ok)
}

func TestDetectShort(t *testing.T) {
	window := []domain.Snapshot{
		{
			Time: t0,
			A:    domain.Tick{Bid: 99.9, Ask: 100, Time: t0},
			B:    domain.Tick{Bid: 100, Ask: 100.05, Time: t0},
		},
		{
			Time: t0.Add(time.Second),
			A:    domain.Tick{Bid: 98.9, Ask: 99, Time: t0.Add(time.Second)},
			B:    domain.Tick{Bid: 99.8, Ask: 99.85, Time: t0.Add(time.Second)},
		},
	}
	sig, ok := Detect(window, testStrategy(0.2), testInstrument())
	require.True(t, ok)
	assert.Equal(t, domain.SideShort, sig.Side)
	assert.InDelta(t, 1.0, sig.DeltaAPercent, 1e-9)
	assert.InDelta(t, 0.2, sig.DeltaBPercent, 1e-9)
}

func TestDetectRejectsVenueBMovingAgainst(t *testing.T) {
	window := workedWindow()
	// Venue B ask fell: its edge already closed for a long.
	window[1].B = domain.Tick{Bid: 99.7, Ask: 99.75, Time: window[1].Time}
	_, ok := Detect(window, testStrategy(0.2), testInstrument())
	assert.False(t, ok)
}

func TestDetectFirstMatchNewestToOldest(t *testing.T) {
	w := workedWindow()
	// An older candidate with a bigger move on A must not beat the nearest
	// qualifying neighbour.
	older := domain.Snapshot{
		Time: t0.Add(-time.Second),
		A:    domain.Tick{Bid: 95, Ask: 95.1, Time: t0.Add(-time.Second)},
		B:    domain.Tick{Bid: 99.95, Ask: 100, Time: t0.Add(-time.Second)},
	}
	window := append([]domain.Snapshot{older}, w...)

	sig, ok := Detect(window, testStrategy(0.2), testInstrument())
	require.True(t, ok)
	assert.Equal(t, 100.0, sig.PrevA.Bid)
}

func TestDetectSkipsMalformedSnapshots(t *testing.T) {
	w := workedWindow()
	broken := domain.Snapshot{Time: t0.Add(2 * time.Second), A: domain.Tick{Bid: 0, Ask: 0}, B: w[1].B}
	window := append(w, broken)

	sig, ok := Detect(window, testStrategy(0.2), testInstrument())
	require.True(t, ok)
	assert.Equal(t, 101.0, sig.LastA.Bid)
}

func TestDetectorEvaluateFromStore(t *testing.T) {
	ctx := context.Background()
	store := tickstore.New(time.Minute)
	inst := testInstrument()
	for _, snap := range workedWindow() {
		require.NoError(t, store.Append(ctx, inst.ID, inst.VenueA.Venue, snap.A))
		require.NoError(t, store.Append(ctx, inst.ID, inst.VenueB.Venue, snap.B))
	}

	d := NewDetector(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s := testStrategy(0.2)
	lc := domain.NewLogContext(s, inst)

	sig, ok, err := d.Evaluate(ctx, lc, s, inst, t0.Add(2*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.SideLong, sig.Side)

	_, _, err = d.Evaluate(ctx, lc, s, domain.Instrument{ID: "eth", VenueA: inst.VenueA, VenueB: inst.VenueB}, t0)
	assert.True(t, errors.Is(err, domain.ErrDataUnavailable))
}

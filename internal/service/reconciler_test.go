package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/alanyoungcy/divergebot/internal/executor"
	"github.com/alanyoungcy/divergebot/internal/guard"
)

func (h *harness) reconciler() *Reconciler {
	return NewReconciler(ReconcilerConfig{
		Venue:       h.venue,
		Positions:   h.store.Positions(),
		Executions:  h.store.Executions(),
		Instruments: h.store.Instruments(),
		Guard:       h.guard,
		Poll:        executor.PollConfig{Interval: time.Millisecond, Attempts: 2},
		Accounts:    []string{"main"},
		Lookback:    time.Hour,
		Reporter:    h.reporter,
		Logger:      h.logger,
		Clock:       h.clock,
	})
}

// seedLiveEntry fills a market entry on the venue and stores the position
// without any execution, as after a fill timeout.
func (h *harness) seedLiveEntry(t *testing.T) domain.Position {
	t.Helper()
	ctx := context.Background()
	inst := testInstrument()
	id := uuid.NewString()
	h.venue.FillPrice = 100
	res, err := h.venue.PlaceOrder(ctx, domain.OrderRequest{
		Account:  "main",
		Symbol:   inst.VenueB.Symbol,
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Qty:      1,
		ClientID: executor.ClientID(id, "open"),
	})
	require.NoError(t, err)

	s := liveStrategy(singleTPStrategy())
	pos := domain.Position{
		ID:             id,
		StrategyID:     s.ID,
		InstrumentID:   inst.ID,
		Symbol:         inst.VenueB.Symbol,
		Account:        "main",
		Mode:           domain.ModeLive,
		Side:           domain.SideLong,
		Open:           true,
		Size:           1,
		EntryPrice:     100,
		EntryOrderID:   res.OrderID,
		OpenedAt:       h.now.Add(-time.Hour),
		NeedsReconcile: true,
		Exit:           executor.PlanExit(domain.SideLong, 100, 1, s, inst, 0),
	}
	require.NoError(t, h.store.Positions().CreateWithExecutions(ctx, pos, nil))
	return pos
}

func TestSyncPositionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pos := h.seedLiveEntry(t)
	r := h.reconciler()

	n, err := r.SyncPosition(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := h.store.Positions().GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.False(t, stored.NeedsReconcile)

	n, err = r.SyncPosition(ctx, stored)
	require.NoError(t, err)
	assert.Zero(t, n)

	opens := h.executions(t, pos.ID)[domain.ExecOpen]
	require.Len(t, opens, 1)
	assert.Equal(t, pos.EntryOrderID, opens[0].OrderID)
	assert.Nil(t, opens[0].PnL)
}

func TestSyncPositionKeepsFillsSharingATimestamp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.venue.HoldFills = true
	h.venue.FillTime = h.now.Add(-30 * time.Minute)
	pos := h.seedLiveEntry(t)

	first := h.venue.Fill(pos.EntryOrderID, 0.4, 100)
	second := h.venue.Fill(pos.EntryOrderID, 0.6, 100.1)
	require.Equal(t, first.Time, second.Time)

	// Only the first part was recorded before the entry poll gave up.
	_, err := h.store.Executions().Insert(ctx, executor.ToExecution(pos.ID, domain.ExecOpen, first, nil))
	require.NoError(t, err)

	n, err := h.reconciler().SyncPosition(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	opens := h.executions(t, pos.ID)[domain.ExecOpen]
	require.Len(t, opens, 2)
	ids := []string{opens[0].FillID, opens[1].FillID}
	assert.ElementsMatch(t, []string{first.FillID, second.FillID}, ids)

	stored, err := h.store.Positions().GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.False(t, stored.NeedsReconcile)
}

func TestSyncPositionTimesOut(t *testing.T) {
	h := newHarness(t)
	pos := h.seedLiveEntry(t)
	h.venue.FillsErr = &domain.VenueRequestError{Venue: "fake", Op: "fills", Code: 10006, Message: "too many visits"}

	_, err := h.reconciler().SyncPosition(context.Background(), pos)
	var fte *domain.FillTimeoutError
	require.ErrorAs(t, err, &fte)
	var vre *domain.VenueRequestError
	assert.ErrorAs(t, err, &vre)
}

func TestSweepClosesPositionsTheVenueDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pos := h.seedLiveEntry(t)
	require.NoError(t, h.store.Instruments().Upsert(ctx, testInstrument()))

	// A venue-side stop fills without one of our client ids.
	h.venue.FillPrice = 99
	_, err := h.venue.PlaceOrder(ctx, domain.OrderRequest{
		Account: "main", Symbol: pos.Symbol, Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Qty: 1, ReduceOnly: true,
	})
	require.NoError(t, err)

	require.NoError(t, h.reconciler().Sweep(ctx))

	stored, err := h.store.Positions().GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.False(t, stored.Open)
	assert.Equal(t, domain.CloseReasonVenueClosed, stored.Exit.CloseReason)
	assert.False(t, stored.NeedsReconcile)

	byKind := h.executions(t, pos.ID)
	require.Len(t, byKind[domain.ExecOpen], 1)
	require.Len(t, byKind[domain.ExecClose], 1)
	require.NotNil(t, byKind[domain.ExecClose][0].PnL)
	assert.InDelta(t, -1.0, *byKind[domain.ExecClose][0].PnL, 1e-9)
	assert.Contains(t, h.auditEvents(t), EventPositionClosed)
}

func TestSweepKeepsPositionsTheVenueHolds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pos := h.seedLiveEntry(t)

	require.NoError(t, h.reconciler().Sweep(ctx))

	stored, err := h.store.Positions().GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, stored.Open)
	assert.Len(t, h.executions(t, pos.ID)[domain.ExecOpen], 1)
}

func TestSweepSkipsAccountWhenPollLeaseHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pos := h.seedLiveEntry(t)
	h.venue.ClosePosition(pos.Symbol)

	lease, err := h.guard.TryAcquire(ctx, guard.PollKey(h.venue.Name(), "main"))
	require.NoError(t, err)
	defer lease.Release()

	require.NoError(t, h.reconciler().Sweep(ctx))

	stored, err := h.store.Positions().GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, stored.Open)
}

func TestClassifyFill(t *testing.T) {
	pos := domain.Position{
		ID:           "1b4e28ba-2fa1-11d2-883f-0016d3cca427",
		Symbol:       "BTCUSDT",
		EntryOrderID: "entry",
		Exit: domain.ExitState{
			Legs:            []domain.Leg{{OrderID: "leg1"}, {OrderID: "leg2"}},
			IncreaseOrderID: "inc",
		},
	}
	tag := func(t string) string { return executor.ClientID(pos.ID, t) }

	cases := []struct {
		name string
		fill domain.Fill
		want domain.ExecutionKind
	}{
		{"entry order", domain.Fill{OrderID: "entry"}, domain.ExecOpen},
		{"leg order", domain.Fill{OrderID: "leg2"}, domain.ExecPart(1)},
		{"increase order", domain.Fill{OrderID: "inc"}, domain.ExecIncrease},
		{"entry by client id", domain.Fill{OrderID: "x", ClientID: tag("open")}, domain.ExecOpen},
		{"limit leg by client id", domain.Fill{OrderID: "x", ClientID: tag("l3")}, domain.ExecPart(2)},
		{"market leg by client id", domain.Fill{OrderID: "x", ClientID: tag("p1")}, domain.ExecPart(0)},
		{"full close", domain.Fill{OrderID: "x", ClientID: tag("close")}, domain.ExecClose},
		{"venue stop", domain.Fill{OrderID: "x"}, domain.ExecClose},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyFill(pos, tc.fill))
		})
	}

	assert.False(t, belongsTo(pos, domain.Fill{Symbol: "BTCUSDT", ClientID: executor.ClientID(uuid.NewString(), "open")}))
	assert.True(t, belongsTo(pos, domain.Fill{Symbol: "BTCUSDT", ClientID: tag("p2")}))
	assert.True(t, belongsTo(pos, domain.Fill{Symbol: "BTCUSDT"}))
	assert.False(t, belongsTo(pos, domain.Fill{Symbol: "ETHUSDT"}))
}

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/alanyoungcy/divergebot/internal/guard"
)

func TestManageLadderAdvancesInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, inst := ladderStrategy(), testInstrument()
	pos := h.seedPosition(t, s, domain.SideLong, 1, 100)
	lc := domain.NewLogContext(s, inst)

	lease, err := h.guard.TryAcquire(ctx, guard.CycleKey(s.ID, inst.ID))
	require.NoError(t, err)

	// Leg 1 at 101.3, then breakeven promotion ends the cycle.
	h.setMark(t, 101.5)
	pos, err = h.manager.Manage(ctx, lc, s, inst, pos, lease)
	require.NoError(t, err)
	assert.Equal(t, domain.StagePart1Closed, pos.Stage())
	assert.True(t, pos.Exit.Breakeven)
	assert.Equal(t, 100.3, pos.ActiveStop())

	again, err := h.guard.TryAcquire(ctx, guard.CycleKey(s.ID, inst.ID))
	require.NoError(t, err, "breakeven releases the lease early")
	again.Release()

	part1 := h.executions(t, pos.ID)[domain.ExecPart(0)]
	require.Len(t, part1, 1)
	require.NotNil(t, part1[0].PnL)
	// 1.5 * 0.25 - entry fee share 0.025 - close fee 0.025375
	assert.InDelta(t, 0.324625, *part1[0].PnL, 1e-9)

	// Legs 2 and 3 in one cycle.
	h.setMark(t, 103.5)
	pos, err = h.manager.Manage(ctx, lc, s, inst, pos, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StagePart3Closed, pos.Stage())
	assert.True(t, pos.Open)

	// Back through breakeven closes the rest.
	h.setMark(t, 100.2)
	pos, err = h.manager.Manage(ctx, lc, s, inst, pos, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StageClosed, pos.Stage())
	assert.Equal(t, domain.CloseReasonBreakeven, pos.Exit.CloseReason)

	stored, err := h.store.Positions().GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.False(t, stored.Open)
	require.NotNil(t, stored.ClosedAt)
	assert.Equal(t, 1.0, stored.Exit.ClosedSize)
	for i := 0; i < 3; i++ {
		assert.True(t, stored.Exit.Legs[i].Closed, "leg %d", i+1)
	}
	assert.False(t, stored.Exit.Legs[3].Closed)

	byKind := h.executions(t, pos.ID)
	assert.Equal(t, 5, countExecutions(byKind))
	assert.Len(t, byKind[domain.ExecClose], 1)

	_, err = h.store.Positions().LastOpen(ctx, s.ID, inst.ID, s.Mode)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, h.auditEvents(t), EventPositionClosed)
}

func TestManageLadderGapClosesEveryLeg(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, inst := ladderStrategy(), testInstrument()
	pos := h.seedPosition(t, s, domain.SideLong, 1, 100)

	h.setMark(t, 105)
	pos, err := h.manager.Manage(ctx, domain.NewLogContext(s, inst), s, inst, pos, nil)
	require.NoError(t, err)

	assert.False(t, pos.Open)
	assert.Equal(t, domain.CloseReasonLadder, pos.Exit.CloseReason)
	byKind := h.executions(t, pos.ID)
	assert.Equal(t, 5, countExecutions(byKind))
	assert.Empty(t, byKind[domain.ExecClose])
}

func TestManageNonLadderTakeProfit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, inst := singleTPStrategy(), testInstrument()
	pos := h.seedPosition(t, s, domain.SideLong, 1, 100)
	assert.Equal(t, 100.8, pos.Exit.TakeProfit)

	h.setMark(t, 100.7)
	pos, err := h.manager.Manage(ctx, domain.NewLogContext(s, inst), s, inst, pos, nil)
	require.NoError(t, err)
	assert.True(t, pos.Open)

	h.setMark(t, 101)
	pos, err = h.manager.Manage(ctx, domain.NewLogContext(s, inst), s, inst, pos, nil)
	require.NoError(t, err)
	assert.False(t, pos.Open)
	assert.Equal(t, domain.CloseReasonTakeProfit, pos.Exit.CloseReason)

	byKind := h.executions(t, pos.ID)
	require.Len(t, byKind[domain.ExecOpen], 1)
	require.Len(t, byKind[domain.ExecClose], 1)
	assert.Nil(t, byKind[domain.ExecOpen][0].PnL)
	// (101 - 100) * 1 - 0.1 entry fee - 0.101 close fee
	require.NotNil(t, byKind[domain.ExecClose][0].PnL)
	assert.InDelta(t, 0.799, *byKind[domain.ExecClose][0].PnL, 1e-9)
}

func TestManageShortStopLoss(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, inst := singleTPStrategy(), testInstrument()
	pos := h.seedPosition(t, s, domain.SideShort, 1, 100)
	assert.Equal(t, 101.0, pos.Exit.StopLoss)

	h.setMark(t, 101.2)
	pos, err := h.manager.Manage(ctx, domain.NewLogContext(s, inst), s, inst, pos, nil)
	require.NoError(t, err)
	assert.False(t, pos.Open)
	assert.Equal(t, domain.CloseReasonStopLoss, pos.Exit.CloseReason)

	closes := h.executions(t, pos.ID)[domain.ExecClose]
	require.Len(t, closes, 1)
	assert.InDelta(t, -1.4012, *closes[0].PnL, 1e-9)
}

func TestManageTimeCloseWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, inst := ladderStrategy(), testInstrument()
	s.TimeToClose = 30 * time.Second
	pos := h.seedPosition(t, s, domain.SideLong, 1, 100)

	// Leg 1 is crossed too, but the time limit comes first.
	h.setMark(t, 101.5)
	pos, err := h.manager.Manage(ctx, domain.NewLogContext(s, inst), s, inst, pos, nil)
	require.NoError(t, err)
	assert.False(t, pos.Open)
	assert.Equal(t, domain.CloseReasonTime, pos.Exit.CloseReason)
	assert.Len(t, h.executions(t, pos.ID)[domain.ExecClose], 1)
}

func TestManageWithoutMarkIsSilent(t *testing.T) {
	h := newHarness(t)
	s, inst := ladderStrategy(), testInstrument()
	pos := h.seedPosition(t, s, domain.SideLong, 1, 100)

	_, err := h.manager.Manage(context.Background(), domain.NewLogContext(s, inst), s, inst, pos, nil)
	require.ErrorIs(t, err, domain.ErrDataUnavailable)
	assert.True(t, domain.IsSilent(err))
}

func TestManageRejectsStaleMark(t *testing.T) {
	h := newHarness(t)
	h.manager.markMaxAge = 30 * time.Second
	ctx := context.Background()
	s, inst := singleTPStrategy(), testInstrument()
	pos := h.seedPosition(t, s, domain.SideLong, 1, 100)
	lc := domain.NewLogContext(s, inst)

	require.NoError(t, h.marks.SetPrice(ctx, inst.MarkKeyB(), 150, h.now.Add(-time.Minute)))
	got, err := h.manager.Manage(ctx, lc, s, inst, pos, nil)
	require.ErrorIs(t, err, domain.ErrDataUnavailable)
	assert.True(t, got.Open, "a stale mark must not close")
	assert.Empty(t, h.executions(t, pos.ID)[domain.ExecClose])

	require.NoError(t, h.marks.SetPrice(ctx, inst.MarkKeyB(), 150, h.now.Add(-10*time.Second)))
	got, err = h.manager.Manage(ctx, lc, s, inst, pos, nil)
	require.NoError(t, err)
	assert.False(t, got.Open)
	assert.Equal(t, domain.CloseReasonTakeProfit, got.Exit.CloseReason)
}

func TestManageIncreaseRunsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, inst := ladderStrategy(), testInstrument()
	s.IncreaseEnabled = true
	s.SizeUSD = 101.5
	pos := h.seedPosition(t, s, domain.SideLong, 1, 100)
	lc := domain.NewLogContext(s, inst)

	h.setMark(t, 101.5)
	pos, err := h.manager.Manage(ctx, lc, s, inst, pos, nil)
	require.NoError(t, err)
	require.True(t, pos.Exit.Breakeven)
	assert.False(t, pos.Exit.Increased, "no signal yet")

	h.seedSignal(t)
	pos, err = h.manager.Manage(ctx, lc, s, inst, pos, nil)
	require.NoError(t, err)

	require.True(t, pos.Exit.Increased)
	assert.Equal(t, 1.0, pos.Exit.IncreaseSize)
	assert.Equal(t, 101.5, pos.Exit.IncreasePrice)
	assert.InDelta(t, 176.5/1.75, pos.Exit.BlendedEntry, 1e-9)
	assert.Equal(t, 101.2, pos.Exit.BreakevenPrice)
	assert.InDelta(t, 1.75, pos.Remaining(), 1e-9)

	assert.Equal(t, 102.3, pos.Exit.Legs[1].Price, "leg 2 keeps its target")
	assert.Equal(t, 0.25, pos.Exit.Legs[1].Size)
	assert.Equal(t, 104.2, pos.Exit.Legs[2].Price)
	assert.Equal(t, 105.2, pos.Exit.Legs[3].Price)
	assert.Equal(t, 0.75, pos.Exit.Legs[2].Size)
	assert.Equal(t, 0.75, pos.Exit.Legs[3].Size)

	pos, err = h.manager.Manage(ctx, lc, s, inst, pos, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, pos.Exit.IncreaseSize)

	byKind := h.executions(t, pos.ID)
	require.Len(t, byKind[domain.ExecIncrease], 1)
	assert.Nil(t, byKind[domain.ExecIncrease][0].PnL)
	assert.Equal(t, 3, countExecutions(byKind))

	stored, err := h.store.Positions().GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, pos.Exit, stored.Exit)
}

func TestManageIncreaseFollowsStoredLadderAfterStrategyEdit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, inst := ladderStrategy(), testInstrument()
	s.IncreaseEnabled = true
	s.SizeUSD = 101.5
	pos := h.seedPosition(t, s, domain.SideLong, 1, 100)
	lc := domain.NewLogContext(s, inst)

	h.setMark(t, 101.5)
	pos, err := h.manager.Manage(ctx, lc, s, inst, pos, nil)
	require.NoError(t, err)
	require.True(t, pos.Exit.Breakeven)

	// The strategy is switched to a single take-profit while the ladder
	// position is still open.
	s.LadderEnabled = false
	s.LadderPercents = nil
	s.TakeProfitPercent = 0.5
	h.seedSignal(t)

	for range 3 {
		pos, err = h.manager.Manage(ctx, lc, s, inst, pos, nil)
		require.NoError(t, err)
	}

	require.True(t, pos.Exit.Increased)
	assert.Equal(t, 104.2, pos.Exit.Legs[2].Price)
	assert.Equal(t, 105.2, pos.Exit.Legs[3].Price)
	assert.Equal(t, 0.75, pos.Exit.Legs[2].Size)
	assert.Equal(t, 0.75, pos.Exit.Legs[3].Size)
	require.Len(t, h.executions(t, pos.ID)[domain.ExecIncrease], 1)

	stored, err := h.store.Positions().GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, stored.Exit.Increased)
	assert.Equal(t, 1.0, stored.Exit.IncreaseSize)
}

func TestManageLiveLimitLegFromFillCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, inst := liveStrategy(ladderStrategy()), testInstrument()
	s.LadderLimitOrders = true
	pos := h.seedPosition(t, s, domain.SideLong, 1, 100)

	require.NoError(t, h.trader.PlaceLegs(ctx, &pos))
	require.NoError(t, h.store.Positions().UpdateExitState(ctx, pos.ID, pos.Exit))
	require.Equal(t, 4, h.venue.OrderCount())

	// Mark below the target: the confirmed limit fill alone advances the leg.
	fill := h.venue.Fill(pos.Exit.Legs[0].OrderID, 0.25, 101.3)
	require.NoError(t, h.fills.Put(ctx, fill))
	h.setMark(t, 101)

	pos, err := h.manager.Manage(ctx, domain.NewLogContext(s, inst), s, inst, pos, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.StagePart1Closed, pos.Stage())
	assert.True(t, pos.Exit.Breakeven)
	assert.Equal(t, 4, h.venue.OrderCount(), "no market order for a filled limit leg")
	assert.Equal(t, 100.3, h.venue.LastStop().StopLoss)

	part1 := h.executions(t, pos.ID)[domain.ExecPart(0)]
	require.Len(t, part1, 1)
	assert.Equal(t, fill.FillID, part1[0].FillID)
	assert.InDelta(t, 0.3, *part1[0].PnL, 1e-9)
}

func TestManageLiveCloseTimeoutStillCloses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, inst := liveStrategy(singleTPStrategy()), testInstrument()
	s.TimeToClose = 30 * time.Second
	pos := h.seedPosition(t, s, domain.SideLong, 1, 100)
	h.venue.HoldFills = true
	h.setMark(t, 100.5)

	pos, err := h.manager.Manage(ctx, domain.NewLogContext(s, inst), s, inst, pos, nil)
	var fte *domain.FillTimeoutError
	require.ErrorAs(t, err, &fte)

	assert.False(t, pos.Open)
	assert.True(t, pos.NeedsReconcile)

	flagged, err := h.store.Positions().ListNeedsReconcile(ctx, 10)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, pos.ID, flagged[0].ID)
	assert.False(t, flagged[0].Open)
}

func TestManageLiveTimeCloseWithoutMark(t *testing.T) {
	tests := []struct {
		name   string
		ticker float64
		want   float64
	}{
		{name: "venue ticker", ticker: 100.4, want: 100.4},
		{name: "cost basis", ticker: 0, want: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			s, inst := liveStrategy(singleTPStrategy()), testInstrument()
			s.TimeToClose = 30 * time.Second
			pos := h.seedPosition(t, s, domain.SideLong, 1, 100)
			h.venue.HoldFills = true
			h.venue.Ticker = domain.Ticker{MarkPrice: tt.ticker}

			pos, err := h.manager.Manage(ctx, domain.NewLogContext(s, inst), s, inst, pos, nil)
			var fte *domain.FillTimeoutError
			require.ErrorAs(t, err, &fte)
			assert.False(t, pos.Open)
			assert.Equal(t, domain.CloseReasonTime, pos.Exit.CloseReason)

			detail := h.auditDetail(t, EventPositionClosed)
			assert.Equal(t, tt.want, detail["price"])
			assert.NotContains(t, detail, "pnl", "unconfirmed close reports no PnL")
		})
	}
}

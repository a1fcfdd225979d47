package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/divergebot/internal/arbitrage"
	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/alanyoungcy/divergebot/internal/executor"
	"github.com/alanyoungcy/divergebot/internal/guard"
	"github.com/alanyoungcy/divergebot/internal/store/memory"
	"github.com/alanyoungcy/divergebot/internal/tickstore"
	"github.com/alanyoungcy/divergebot/internal/venuetest"
)

func testInstrument() domain.Instrument {
	return domain.Instrument{
		ID:            "btc",
		Symbol:        "BTCUSDT",
		VenueA:        domain.Listing{Venue: domain.VenueBinance, Symbol: "btcusdt"},
		VenueB:        domain.Listing{Venue: domain.VenueBybit, Symbol: "BTCUSDT"},
		LotSize:       0.001,
		TickSize:      0.1,
		ContractValue: 1,
		Enabled:       true,
	}
}

func ladderStrategy() domain.Strategy {
	return domain.Strategy{
		ID:              "s1",
		Name:            "ladder",
		Enabled:         true,
		Mode:            domain.ModePaper,
		SizeUSD:         100,
		FeePercent:      0.2,
		StopLossPercent: 1,
		LadderEnabled:   true,
		LadderPercents:  []float64{1, 2, 3, 4},
		Breakeven:       true,
		SearchDuration:  10 * time.Second,
	}
}

func singleTPStrategy() domain.Strategy {
	s := ladderStrategy()
	s.Name = "single"
	s.LadderEnabled = false
	s.LadderPercents = nil
	s.TakeProfitPercent = 0.5
	return s
}

func liveStrategy(s domain.Strategy) domain.Strategy {
	s.Mode = domain.ModeLive
	s.Account = "main"
	return s
}

type harness struct {
	store    *memory.Store
	marks    *tickstore.Marks
	fills    *tickstore.Fills
	ticks    *tickstore.Store
	venue    *venuetest.Venue
	locks    *guard.LocalLocks
	guard    *guard.Guard
	reporter *Reporter
	trader   *executor.Trader
	detector *arbitrage.Detector
	manager  *PositionManager
	logger   *slog.Logger
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  memory.New(),
		marks:  tickstore.NewMarks(),
		fills:  tickstore.NewFills(),
		ticks:  tickstore.New(time.Hour),
		venue:  venuetest.New(),
		locks:  guard.NewLocalLocks(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now().UTC(),
	}
	h.guard = guard.New(h.locks, time.Minute)
	h.reporter = NewReporter(h.store.Audit(), nil, nil, h.logger)
	h.trader = executor.NewTrader(h.venue, executor.NewPoller(h.venue, executor.PollConfig{Interval: time.Millisecond, Attempts: 2}), h.logger)
	h.detector = arbitrage.NewDetector(h.ticks, h.logger)
	h.manager = NewPositionManager(ManagerConfig{
		Positions:  h.store.Positions(),
		Executions: h.store.Executions(),
		Marks:      h.marks,
		Fills:      h.fills,
		Trader:     h.trader,
		Detector:   h.detector,
		Reporter:   h.reporter,
		Logger:     h.logger,
		Clock:      h.clock,
	})
	return h
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) setMark(t *testing.T, price float64) {
	t.Helper()
	require.NoError(t, h.marks.SetPrice(context.Background(), testInstrument().MarkKeyB(), price, h.now))
}

// seedPosition stores an open position entered a minute ago at entry, with
// its opening execution and a plan built on a 0.1% spread.
func (h *harness) seedPosition(t *testing.T, s domain.Strategy, side domain.Side, size, entry float64) domain.Position {
	t.Helper()
	inst := testInstrument()
	pos := domain.Position{
		ID:           uuid.NewString(),
		StrategyID:   s.ID,
		InstrumentID: inst.ID,
		Symbol:       inst.VenueB.Symbol,
		Account:      s.Account,
		Mode:         s.Mode,
		Side:         side,
		Open:         true,
		Size:         size,
		EntryPrice:   entry,
		OpenedAt:     h.now.Add(-time.Minute),
		Signal:       domain.Signal{Side: side, SpreadPercent: 0.1},
	}
	fill := executor.PaperFill(pos.Account, pos.Symbol, side.EntryOrder(), size, entry, s, inst, pos.OpenedAt)
	pos.EntryFee = fill.Fee
	pos.EntryOrderID = fill.OrderID
	pos.Exit = executor.PlanExit(side, entry, size, s, inst, 0.1)

	exec := executor.ToExecution(pos.ID, domain.ExecOpen, fill, nil)
	require.NoError(t, h.store.Positions().CreateWithExecutions(context.Background(), pos, []domain.Execution{exec}))
	return pos
}

// seedSignal writes ticks for a long divergence: venue A bid up 2%, venue
// B ask up 0.3%.
func (h *harness) seedSignal(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	inst := testInstrument()
	prev, last := h.now.Add(-2*time.Second), h.now.Add(-time.Second)
	require.NoError(t, h.ticks.Append(ctx, inst.ID, inst.VenueA.Venue, domain.Tick{Bid: 100, Ask: 100.1, Time: prev}))
	require.NoError(t, h.ticks.Append(ctx, inst.ID, inst.VenueB.Venue, domain.Tick{Bid: 99.95, Ask: 100, Time: prev}))
	require.NoError(t, h.ticks.Append(ctx, inst.ID, inst.VenueA.Venue, domain.Tick{Bid: 102, Ask: 102.1, Time: last}))
	require.NoError(t, h.ticks.Append(ctx, inst.ID, inst.VenueB.Venue, domain.Tick{Bid: 100.25, Ask: 100.3, Time: last}))
}

func (h *harness) executions(t *testing.T, positionID string) map[domain.ExecutionKind][]domain.Execution {
	t.Helper()
	execs, err := h.store.Executions().ListByPosition(context.Background(), positionID)
	require.NoError(t, err)
	out := make(map[domain.ExecutionKind][]domain.Execution)
	for _, e := range execs {
		out[e.Kind] = append(out[e.Kind], e)
	}
	return out
}

func (h *harness) auditEvents(t *testing.T) []string {
	t.Helper()
	entries, err := h.store.Audit().List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	events := make([]string, 0, len(entries))
	for _, e := range entries {
		events = append(events, e.Event)
	}
	return events
}

func countExecutions(byKind map[domain.ExecutionKind][]domain.Execution) int {
	n := 0
	for _, execs := range byKind {
		n += len(execs)
	}
	return n
}

// auditDetail returns the detail of the newest audit entry for event.
func (h *harness) auditDetail(t *testing.T, event string) map[string]any {
	t.Helper()
	entries, err := h.store.Audit().List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	for _, e := range entries {
		if e.Event == event {
			return e.Detail
		}
	}
	t.Fatalf("no %s audit entry", event)
	return nil
}

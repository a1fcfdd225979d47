package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/divergebot/internal/arbitrage"
	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/alanyoungcy/divergebot/internal/executor"
	"github.com/alanyoungcy/divergebot/internal/guard"
	"github.com/alanyoungcy/divergebot/internal/metrics"
)

// ManagerConfig wires a PositionManager. Trader is only needed for live
// strategies and Detector only for increases.
type ManagerConfig struct {
	Positions  domain.PositionStore
	Executions domain.ExecutionStore
	Marks      domain.PriceCache
	Fills      domain.OrderFillCache
	Trader     *executor.Trader
	Detector   *arbitrage.Detector
	Reporter   *Reporter
	Logger     *slog.Logger
	Clock      func() time.Time
	// MarkMaxAge rejects marks older than this. Zero accepts any age.
	MarkMaxAge time.Duration
}

// PositionManager drives an open position through its exit plan, one
// guarded cycle at a time.
type PositionManager struct {
	positions  domain.PositionStore
	executions domain.ExecutionStore
	marks      domain.PriceCache
	fills      domain.OrderFillCache
	trader     *executor.Trader
	detector   *arbitrage.Detector
	reporter   *Reporter
	logger     *slog.Logger
	clock      func() time.Time
	markMaxAge time.Duration
}

// NewPositionManager creates a PositionManager.
func NewPositionManager(cfg ManagerConfig) *PositionManager {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &PositionManager{
		positions:  cfg.Positions,
		executions: cfg.Executions,
		marks:      cfg.Marks,
		fills:      cfg.Fills,
		trader:     cfg.Trader,
		detector:   cfg.Detector,
		reporter:   cfg.Reporter,
		logger:     cfg.Logger.With(slog.String("component", "position_manager")),
		clock:      clock,
		markMaxAge: cfg.MarkMaxAge,
	}
}

// Manage runs the exit checks for pos in priority order and returns the
// updated position. Each transition is persisted before the next check.
// Close and breakeven transitions end the cycle and release lease early;
// lease may be nil.
func (m *PositionManager) Manage(ctx context.Context, lc domain.LogContext, s domain.Strategy, inst domain.Instrument, pos domain.Position, lease *guard.Lease) (domain.Position, error) {
	lc = lc.WithPosition(pos.ID)
	now := m.clock()
	mark, markErr := m.mark(ctx, inst, now)

	if s.TimeToClose > 0 && now.Sub(pos.OpenedAt) >= s.TimeToClose {
		if markErr != nil {
			if pos.Mode == domain.ModePaper {
				return pos, markErr
			}
			mark = m.fallbackMark(ctx, lc, pos)
		}
		return m.closeAll(ctx, lc, s, inst, pos, domain.CloseReasonTime, mark, lease)
	}
	if markErr != nil {
		return pos, markErr
	}

	if !pos.Exit.Ladder() {
		switch {
		case executor.Crossed(pos.Side, mark, pos.Exit.TakeProfit):
			return m.closeAll(ctx, lc, s, inst, pos, domain.CloseReasonTakeProfit, mark, lease)
		case executor.StopHit(pos.Side, mark, pos.ActiveStop()):
			return m.closeAll(ctx, lc, s, inst, pos, domain.CloseReasonStopLoss, mark, lease)
		}
		return pos, nil
	}

	pos, err := m.advanceLadder(ctx, lc, s, inst, pos, mark, lease)
	if err != nil || !pos.Open {
		return pos, err
	}

	if s.Breakeven && !pos.Exit.Breakeven && pos.Exit.ClosedLegs() > 0 {
		return m.promoteBreakeven(ctx, lc, pos, mark, lease)
	}

	if executor.StopHit(pos.Side, mark, pos.ActiveStop()) {
		reason := domain.CloseReasonStopLoss
		if pos.Exit.Breakeven {
			reason = domain.CloseReasonBreakeven
		}
		return m.closeAll(ctx, lc, s, inst, pos, reason, mark, lease)
	}

	if m.canIncrease(s, pos) {
		return m.increase(ctx, lc, s, inst, pos, mark, now)
	}
	return pos, nil
}

// mark reads the venue-B mark written by the market listener. A mark older
// than markMaxAge counts as missing.
func (m *PositionManager) mark(ctx context.Context, inst domain.Instrument, now time.Time) (float64, error) {
	price, ts, err := m.marks.GetPrice(ctx, inst.MarkKeyB())
	if errors.Is(err, domain.ErrNotFound) || (err == nil && price <= 0) {
		return 0, fmt.Errorf("manager: no mark for %s: %w", inst.MarkKeyB(), domain.ErrDataUnavailable)
	}
	if err != nil {
		return 0, fmt.Errorf("manager: mark %s: %w", inst.MarkKeyB(), err)
	}
	if m.markMaxAge > 0 && !ts.IsZero() && now.Sub(ts) > m.markMaxAge {
		return 0, fmt.Errorf("manager: mark %s stale since %s: %w", inst.MarkKeyB(), ts.Format(time.RFC3339), domain.ErrDataUnavailable)
	}
	return price, nil
}

// fallbackMark prices a forced live close without a listener mark: the
// venue ticker, else the cost basis.
func (m *PositionManager) fallbackMark(ctx context.Context, lc domain.LogContext, pos domain.Position) float64 {
	price, err := m.trader.MarkPrice(ctx, pos.Symbol)
	if err == nil {
		return price
	}
	lc.Logger(m.logger).WarnContext(ctx, "no mark for forced close, using cost basis",
		slog.String("error", err.Error()),
	)
	return pos.CostBasis()
}

// advanceLadder closes every leg whose exit has been reached, in order,
// stopping at the first leg that has not.
func (m *PositionManager) advanceLadder(ctx context.Context, lc domain.LogContext, s domain.Strategy, inst domain.Instrument, pos domain.Position, mark float64, lease *guard.Lease) (domain.Position, error) {
	for pos.Open {
		i := pos.Exit.NextLeg()
		if i < 0 {
			return pos, nil
		}
		leg := pos.Exit.Legs[i]

		var (
			ex  legExecution
			err error
		)
		switch {
		case leg.Size <= 0:
			if !executor.Crossed(pos.Side, mark, leg.Price) {
				return pos, nil
			}
		case pos.Mode == domain.ModeLive && leg.OrderID != "":
			var filled bool
			ex, filled, err = m.restingLegFills(ctx, pos, leg)
			if err != nil {
				return pos, err
			}
			if !filled {
				return pos, nil
			}
		default:
			if !executor.Crossed(pos.Side, mark, leg.Price) {
				return pos, nil
			}
			price := mark
			if pos.Mode == domain.ModePaper && s.LadderLimitOrders {
				price = leg.Price
			}
			ex, err = m.execute(ctx, s, inst, pos, pos.Side.ExitOrder(), leg.Size, price, true, fmt.Sprintf("p%d", i+1))
			if err != nil {
				return pos, fmt.Errorf("manager: close leg %d: %w", i+1, err)
			}
		}

		pnl := m.record(ctx, pos, domain.ExecPart(i), ex, inst, true)
		if err := pos.Exit.CloseLeg(i); err != nil {
			return pos, err
		}

		terminal := pos.Exit.NextLeg() < 0
		if terminal {
			pos.Exit.CloseReason = domain.CloseReasonLadder
		}
		pos, err = m.commit(ctx, lc, pos, terminal, ex, pnl, lease)
		if err != nil {
			return pos, err
		}
		if ex.timeout != nil {
			return pos, ex.timeout
		}
	}
	return pos, nil
}

// restingLegFills looks up the confirmed fills of a leg's limit order. The
// leg counts as filled once they cover its size.
func (m *PositionManager) restingLegFills(ctx context.Context, pos domain.Position, leg domain.Leg) (legExecution, bool, error) {
	if m.fills == nil {
		return legExecution{}, false, nil
	}
	fills, err := m.fills.Get(ctx, pos.Account, leg.OrderID)
	if errors.Is(err, domain.ErrNotFound) {
		return legExecution{}, false, nil
	}
	if err != nil {
		return legExecution{}, false, fmt.Errorf("manager: leg fills %s: %w", leg.OrderID, err)
	}
	avg, qty, fee := domain.AveragePrice(fills)
	if qty < leg.Size-1e-9 {
		return legExecution{}, false, nil
	}
	return legExecution{fills: fills, price: avg, qty: qty, fee: fee, orderID: leg.OrderID}, true, nil
}

func (m *PositionManager) promoteBreakeven(ctx context.Context, lc domain.LogContext, pos domain.Position, mark float64, lease *guard.Lease) (domain.Position, error) {
	pos.Exit.Breakeven = true
	if err := m.positions.UpdateExitState(ctx, pos.ID, pos.Exit); err != nil {
		return pos, fmt.Errorf("manager: promote breakeven: %w", err)
	}
	var err error
	if pos.Mode == domain.ModeLive {
		if syncErr := m.trader.SyncStop(ctx, pos); syncErr != nil {
			err = fmt.Errorf("manager: amend stop: %w", syncErr)
		}
	}
	lease.Release()

	metrics.Transitions.WithLabelValues("breakeven").Inc()
	m.reporter.Position(ctx, lc, EventBreakeven, pos, mark, nil)
	lc.Logger(m.logger).InfoContext(ctx, "stop moved to breakeven",
		slog.Float64("breakeven_price", pos.Exit.BreakevenPrice),
	)
	return pos, err
}

// closeAll exits the remaining size at market and closes the position.
func (m *PositionManager) closeAll(ctx context.Context, lc domain.LogContext, s domain.Strategy, inst domain.Instrument, pos domain.Position, reason string, mark float64, lease *guard.Lease) (domain.Position, error) {
	if pos.Mode == domain.ModeLive && s.LadderLimitOrders {
		if err := m.trader.CancelLegs(ctx, &pos, 0); err != nil {
			m.reporter.Report(ctx, lc, fmt.Errorf("manager: cancel legs before close: %w", err))
		}
	}

	var (
		ex  legExecution
		pnl *float64
	)
	if qty := pos.Remaining(); qty > 0 {
		var err error
		ex, err = m.execute(ctx, s, inst, pos, pos.Side.ExitOrder(), qty, mark, true, "close")
		if err != nil {
			return pos, fmt.Errorf("manager: close %s: %w", reason, err)
		}
		pnl = m.record(ctx, pos, domain.ExecClose, ex, inst, true)
	}

	pos.Exit.ClosedSize = pos.Size + pos.Exit.IncreaseSize
	pos.Exit.CloseReason = reason
	pos, err := m.commit(ctx, lc, pos, true, ex, pnl, lease)
	if err != nil {
		return pos, err
	}
	return pos, ex.timeout
}

// commit persists a leg or full close and emits its side effects.
func (m *PositionManager) commit(ctx context.Context, lc domain.LogContext, pos domain.Position, terminal bool, ex legExecution, pnl *float64, lease *guard.Lease) (domain.Position, error) {
	if ex.timeout != nil {
		pos.NeedsReconcile = true
		if err := m.positions.FlagReconcile(ctx, pos.ID); err != nil {
			lc.Logger(m.logger).WarnContext(ctx, "flag reconcile failed", slog.String("error", err.Error()))
		}
	}

	event := EventLegClosed
	if terminal {
		now := m.clock()
		if err := m.positions.Close(ctx, pos.ID, pos.Exit, now); err != nil {
			return pos, fmt.Errorf("manager: close position: %w", err)
		}
		pos.Open = false
		pos.ClosedAt = &now
		lease.Release()
		event = EventPositionClosed
	} else if err := m.positions.UpdateExitState(ctx, pos.ID, pos.Exit); err != nil {
		return pos, fmt.Errorf("manager: update exit state: %w", err)
	}

	metrics.Transitions.WithLabelValues(string(pos.Stage())).Inc()
	m.reporter.Position(ctx, lc, event, pos, ex.price, pnl)

	log := lc.Logger(m.logger)
	attrs := []any{
		slog.String("stage", string(pos.Stage())),
		slog.Float64("price", ex.price),
		slog.Float64("remaining", pos.Remaining()),
	}
	if pnl != nil {
		attrs = append(attrs, slog.Float64("pnl", *pnl))
	}
	if terminal {
		attrs = append(attrs, slog.String("reason", pos.Exit.CloseReason))
		log.InfoContext(ctx, "position closed", attrs...)
	} else {
		log.InfoContext(ctx, "leg closed", attrs...)
	}
	return pos, nil
}

func (m *PositionManager) canIncrease(s domain.Strategy, pos domain.Position) bool {
	return s.IncreaseEnabled &&
		m.detector != nil &&
		pos.Open &&
		len(pos.Exit.Legs) == 4 &&
		pos.Exit.Breakeven &&
		!pos.Exit.Increased
}

// increase adds a second entry on a fresh same-side signal, blends the cost
// basis and re-targets legs 3 and 4.
func (m *PositionManager) increase(ctx context.Context, lc domain.LogContext, s domain.Strategy, inst domain.Instrument, pos domain.Position, mark float64, now time.Time) (domain.Position, error) {
	sig, ok, err := m.detector.Evaluate(ctx, lc, s, inst, now)
	if err != nil {
		if domain.IsSilent(err) {
			return pos, nil
		}
		return pos, fmt.Errorf("manager: increase signal: %w", err)
	}
	if !ok || sig.Side != pos.Side || !sig.DetectedAt.After(pos.OpenedAt) {
		return pos, nil
	}

	ref := mark
	if pos.Mode == domain.ModeLive {
		ref = sig.EntryPrice()
	}
	qty, err := executor.SizeContracts(s.SizeUSD, ref, inst)
	if err != nil {
		return pos, fmt.Errorf("manager: increase: %w", err)
	}
	ex, err := m.execute(ctx, s, inst, pos, pos.Side.EntryOrder(), qty, mark, false, "inc")
	if err != nil {
		return pos, fmt.Errorf("manager: increase: %w", err)
	}

	open := pos.Remaining()
	blended := (open*pos.CostBasis() + qty*ex.price) / (open + qty)
	spread := pos.Signal.SpreadPercent

	pos.Exit.Increased = true
	pos.Exit.IncreaseSize = qty
	pos.Exit.IncreasePrice = ex.price
	pos.Exit.IncreaseFee = ex.fee
	pos.Exit.IncreaseOrderID = ex.orderID
	pos.Exit.BlendedEntry = blended
	pos.Exit.BreakevenPrice = executor.LegPrice(pos.Side, blended, 0, s.FeePercent, spread, inst.TickSize)

	// The order has filled: the increase is saved before anything else can
	// fail, so no later cycle adds again.
	var errs []error
	if ex.timeout != nil {
		pos.NeedsReconcile = true
		if err := m.positions.FlagReconcile(ctx, pos.ID); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, ex.timeout)
	}
	if err := m.positions.UpdateExitState(ctx, pos.ID, pos.Exit); err != nil {
		return pos, errors.Join(append(errs, fmt.Errorf("manager: save increase: %w", err))...)
	}
	m.record(ctx, pos, domain.ExecIncrease, ex, inst, false)

	from := pos.Exit.NextLeg()
	if from < 2 {
		from = 2
	}
	held := 0.0
	for i := pos.Exit.NextLeg(); i >= 0 && i < from; i++ {
		held += pos.Exit.Legs[i].Size
	}

	resting := s.LadderLimitOrders
	for _, l := range pos.Exit.Legs[from:] {
		resting = resting || l.OrderID != ""
	}
	if pos.Mode == domain.ModeLive && resting {
		if err := m.trader.CancelLegs(ctx, &pos, from); err != nil {
			errs = append(errs, err)
		}
	}
	executor.RepriceLegs(&pos.Exit, from, pos.Side, blended, pos.Remaining()-held, s.FeePercent, spread, inst)
	if pos.Mode == domain.ModeLive {
		if resting {
			if err := m.trader.PlaceLegs(ctx, &pos); err != nil {
				errs = append(errs, err)
			}
		}
		if err := m.trader.SyncStop(ctx, pos); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.positions.UpdateExitState(ctx, pos.ID, pos.Exit); err != nil {
		return pos, errors.Join(append(errs, fmt.Errorf("manager: save repriced legs: %w", err))...)
	}

	metrics.Transitions.WithLabelValues("increase").Inc()
	m.reporter.Position(ctx, lc, EventPositionIncreased, pos, ex.price, nil)
	lc.Logger(m.logger).InfoContext(ctx, "position increased",
		slog.Float64("added", qty),
		slog.Float64("price", ex.price),
		slog.Float64("blended_entry", blended),
	)
	return pos, errors.Join(errs...)
}

// legExecution is the outcome of one exit or increase order.
type legExecution struct {
	fills   []domain.Fill
	price   float64
	qty     float64
	fee     float64
	orderID string
	timeout error
}

// execute fills qty at market: synthesized at price in paper mode, through
// the venue in live mode. A live fill timeout is kept on the result so the
// caller can still apply the transition.
func (m *PositionManager) execute(ctx context.Context, s domain.Strategy, inst domain.Instrument, pos domain.Position, side domain.OrderSide, qty, price float64, reduceOnly bool, tag string) (legExecution, error) {
	if pos.Mode == domain.ModePaper {
		f := executor.PaperFill(pos.Account, pos.Symbol, side, qty, price, s, inst, m.clock())
		return legExecution{fills: []domain.Fill{f}, price: price, qty: qty, fee: f.Fee, orderID: f.OrderID}, nil
	}

	res, fills, err := m.trader.Market(ctx, domain.OrderRequest{
		Account:    pos.Account,
		Symbol:     pos.Symbol,
		Side:       side,
		Qty:        qty,
		ReduceOnly: reduceOnly,
		ClientID:   executor.ClientID(pos.ID, tag),
	})
	if res.OrderID == "" {
		return legExecution{}, err
	}

	ex := legExecution{fills: fills, qty: qty, orderID: res.OrderID, timeout: err}
	avg, filled, fee := domain.AveragePrice(fills)
	ex.fee = fee
	switch {
	case filled >= qty-1e-9:
		ex.price = avg
	case filled > 0:
		ex.price = (avg*filled + price*(qty-filled)) / qty
	default:
		ex.price = price
	}
	return ex, nil
}

// record stores the fills of ex against pos and returns the realised PnL
// when withPnL is set. PnL is measured against pos as it was before the
// transition.
func (m *PositionManager) record(ctx context.Context, pos domain.Position, kind domain.ExecutionKind, ex legExecution, inst domain.Instrument, withPnL bool) *float64 {
	for _, f := range ex.fills {
		var pnl *float64
		if withPnL {
			v := executor.RealizedPnL(pos, f.Qty, f.Price, f.Fee, inst)
			pnl = &v
		}
		inserted, err := m.executions.Insert(ctx, executor.ToExecution(pos.ID, kind, f, pnl))
		if err != nil {
			m.logger.WarnContext(ctx, "record execution failed",
				slog.String("position_id", pos.ID),
				slog.String("fill_id", f.FillID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if inserted {
			metrics.FillsRecorded.WithLabelValues(string(pos.Mode)).Inc()
		}
	}
	// An unconfirmed live close has only an estimated price; its PnL comes
	// from the fills the reconciler records later.
	if !withPnL || ex.qty <= 0 || (ex.timeout != nil && len(ex.fills) == 0) {
		return nil
	}
	total := executor.RealizedPnL(pos, ex.qty, ex.price, ex.fee, inst)
	return &total
}

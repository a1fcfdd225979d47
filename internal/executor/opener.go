package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/alanyoungcy/divergebot/internal/metrics"
)

// OpenerConfig wires an Opener.
type OpenerConfig struct {
	Positions domain.PositionStore
	Marks     domain.PriceCache
	Tickers   *TickerCache
	Trader    *Trader
	Reporter  Reporter
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Opener turns a signal into a position, in live or paper mode.
type Opener struct {
	positions domain.PositionStore
	marks     domain.PriceCache
	tickers   *TickerCache
	trader    *Trader
	reporter  Reporter
	logger    *slog.Logger
	clock     func() time.Time
}

// NewOpener creates an Opener.
func NewOpener(cfg OpenerConfig) *Opener {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Opener{
		positions: cfg.Positions,
		marks:     cfg.Marks,
		tickers:   cfg.Tickers,
		trader:    cfg.Trader,
		reporter:  cfg.Reporter,
		logger:    cfg.Logger.With(slog.String("component", "opener")),
		clock:     clock,
	}
}

// Open sizes and enters a position for sig and persists it with its opening
// fills and exit plan.
//
// Failing to submit the entry order creates nothing. If the entry fills are
// not confirmed before the poll deadline the position is still stored,
// flagged for reconciliation, and the *domain.FillTimeoutError is returned
// alongside it.
func (o *Opener) Open(ctx context.Context, lc domain.LogContext, s domain.Strategy, inst domain.Instrument, sig domain.Signal) (domain.Position, error) {
	now := o.clock()

	// 1. Funding gate.
	ticker, err := o.tickers.Get(ctx, inst.VenueB.Symbol)
	if err != nil {
		return domain.Position{}, fmt.Errorf("opener: %w", err)
	}
	if err := FundingGate(now, ticker, s, sig.Side); err != nil {
		return domain.Position{}, err
	}

	// 2. Sizing.
	price := o.referencePrice(ctx, s, inst, sig)
	qty, err := SizeContracts(s.SizeUSD, price, inst)
	if err != nil {
		return domain.Position{}, fmt.Errorf("opener: %w", err)
	}

	pos := domain.Position{
		ID:           uuid.NewString(),
		StrategyID:   s.ID,
		InstrumentID: inst.ID,
		Symbol:       inst.VenueB.Symbol,
		Account:      s.Account,
		Mode:         s.Mode,
		Side:         sig.Side,
		Open:         true,
		Size:         qty,
		OpenedAt:     now,
		Signal:       sig,
	}
	lc = lc.WithPosition(pos.ID)

	// 3. Entry.
	if s.Mode == domain.ModePaper {
		pos, err = o.openPaper(ctx, pos, s, inst, price)
	} else {
		pos, err = o.openLive(ctx, lc, pos, s, inst, ticker)
	}
	if err != nil && pos.ID == "" {
		return domain.Position{}, err
	}

	metrics.PositionsOpened.WithLabelValues(string(s.Mode), string(pos.Side)).Inc()
	lc.Logger(o.logger).InfoContext(ctx, "position opened",
		slog.String("side", string(pos.Side)),
		slog.Float64("size", pos.Size),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("delta_pct", sig.DeltaPercent),
		slog.Bool("needs_reconcile", pos.NeedsReconcile),
	)
	return pos, err
}

// referencePrice is the price used for sizing: the venue-B mark in paper
// mode, the side's touch price in live mode.
func (o *Opener) referencePrice(ctx context.Context, s domain.Strategy, inst domain.Instrument, sig domain.Signal) float64 {
	if s.Mode == domain.ModePaper {
		if mark, _, err := o.marks.GetPrice(ctx, inst.MarkKeyB()); err == nil && mark > 0 {
			return mark
		}
		return sig.LastB.Mid()
	}
	return sig.EntryPrice()
}

func (o *Opener) openPaper(ctx context.Context, pos domain.Position, s domain.Strategy, inst domain.Instrument, price float64) (domain.Position, error) {
	fill := PaperFill(pos.Account, pos.Symbol, pos.Side.EntryOrder(), pos.Size, price, s, inst, pos.OpenedAt)
	exec := ToExecution(pos.ID, domain.ExecOpen, fill, nil)

	pos.EntryPrice = price
	pos.EntryFee = fill.Fee
	pos.EntryOrderID = fill.OrderID
	pos.Exit = PlanExit(pos.Side, price, pos.Size, s, inst, pos.Signal.SpreadPercent)
	pos.ExecutionIDs = []string{exec.ID}

	if err := o.positions.CreateWithExecutions(ctx, pos, []domain.Execution{exec}); err != nil {
		return domain.Position{}, fmt.Errorf("opener: persist paper position: %w", err)
	}
	return pos, nil
}

func (o *Opener) openLive(ctx context.Context, lc domain.LogContext, pos domain.Position, s domain.Strategy, inst domain.Instrument, ticker domain.Ticker) (domain.Position, error) {
	res, fills, err := o.trader.Market(ctx, domain.OrderRequest{
		Account:  pos.Account,
		Symbol:   pos.Symbol,
		Side:     pos.Side.EntryOrder(),
		Qty:      pos.Size,
		ClientID: ClientID(pos.ID, "open"),
	})
	if res.OrderID == "" {
		return domain.Position{}, fmt.Errorf("opener: entry order: %w", err)
	}
	pos.EntryOrderID = res.OrderID

	var timeout error
	if err != nil {
		var fte *domain.FillTimeoutError
		if !errors.As(err, &fte) {
			return domain.Position{}, fmt.Errorf("opener: entry fills: %w", err)
		}
		timeout = err
		pos.NeedsReconcile = true
	}

	avg, filled, fee := domain.AveragePrice(fills)
	pos.EntryFee = fee
	switch {
	case timeout == nil && filled > 0:
		pos.EntryPrice = avg
	default:
		pos.EntryPrice = o.fallbackEntry(ctx, pos, ticker, avg)
	}
	pos.Exit = PlanExit(pos.Side, pos.EntryPrice, pos.Size, s, inst, pos.Signal.SpreadPercent)

	execs := make([]domain.Execution, 0, len(fills))
	for _, f := range fills {
		e := ToExecution(pos.ID, domain.ExecOpen, f, nil)
		execs = append(execs, e)
		pos.ExecutionIDs = append(pos.ExecutionIDs, e.ID)
	}
	if err := o.positions.CreateWithExecutions(ctx, pos, execs); err != nil {
		// The venue holds a position we failed to record. The sweep will
		// not adopt it, so this must reach an operator.
		return domain.Position{}, errors.Join(
			fmt.Errorf("opener: persist live position for order %s: %w", res.OrderID, err),
			timeout,
		)
	}

	if err := o.placeExitOrders(ctx, &pos, s); err != nil {
		o.reporter.Report(ctx, lc, fmt.Errorf("opener: exit orders: %w", err))
	}
	return pos, timeout
}

// fallbackEntry estimates the entry when fills were not confirmed: the
// venue's average position price, then any partial fills, then the mark.
func (o *Opener) fallbackEntry(ctx context.Context, pos domain.Position, ticker domain.Ticker, partialAvg float64) float64 {
	if vp, ok, err := o.trader.VenuePosition(ctx, pos.Account, pos.Symbol); err == nil && ok && vp.AvgPrice > 0 {
		return vp.AvgPrice
	}
	if partialAvg > 0 {
		return partialAvg
	}
	if ticker.MarkPrice > 0 {
		return ticker.MarkPrice
	}
	return pos.Signal.EntryPrice()
}

// placeExitOrders submits the live exit plan: ladder limit orders in limit
// mode and the venue-side conditional stop. Failures leave the position in
// place; the manager still watches prices every cycle.
func (o *Opener) placeExitOrders(ctx context.Context, pos *domain.Position, s domain.Strategy) error {
	var errs []error
	if pos.Exit.Ladder() && s.LadderLimitOrders {
		if err := o.trader.PlaceLegs(ctx, pos); err != nil {
			errs = append(errs, err)
		}
		if err := o.positions.UpdateExitState(ctx, pos.ID, pos.Exit); err != nil {
			errs = append(errs, fmt.Errorf("opener: save leg orders: %w", err))
		}
	}
	if err := o.trader.SyncStop(ctx, *pos); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

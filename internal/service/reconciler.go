package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/alanyoungcy/divergebot/internal/executor"
	"github.com/alanyoungcy/divergebot/internal/guard"
	"github.com/alanyoungcy/divergebot/internal/metrics"
)

// ReconcilerConfig wires a Reconciler.
type ReconcilerConfig struct {
	Venue       domain.Venue
	Positions   domain.PositionStore
	Executions  domain.ExecutionStore
	Instruments domain.InstrumentStore
	Guard       *guard.Guard
	Poll        executor.PollConfig
	// Accounts are the venue accounts swept for drift.
	Accounts []string
	// Lookback bounds how far back the sweep requests fills.
	Lookback time.Duration
	// MinAge keeps the sweep from closing positions younger than this
	// when the venue does not report them yet.
	MinAge   time.Duration
	Reporter *Reporter
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Reconciler makes sure every venue fill ends up recorded exactly once and
// that local positions follow the venue when it closes them.
type Reconciler struct {
	venue       domain.Venue
	positions   domain.PositionStore
	executions  domain.ExecutionStore
	instruments domain.InstrumentStore
	guard       *guard.Guard
	poller      *executor.Poller
	accounts    []string
	lookback    time.Duration
	minAge      time.Duration
	reporter    *Reporter
	logger      *slog.Logger
	clock       func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = time.Hour
	}
	minAge := cfg.MinAge
	if minAge <= 0 {
		minAge = 30 * time.Second
	}
	return &Reconciler{
		venue:       cfg.Venue,
		positions:   cfg.Positions,
		executions:  cfg.Executions,
		instruments: cfg.Instruments,
		guard:       cfg.Guard,
		poller:      executor.NewPoller(cfg.Venue, cfg.Poll),
		accounts:    cfg.Accounts,
		lookback:    lookback,
		minAge:      minAge,
		reporter:    cfg.Reporter,
		logger:      cfg.Logger.With(slog.String("component", "reconciler")),
		clock:       clock,
	}
}

// AwaitFills waits for the fills of an order to add up to want, within the
// configured poll bounds.
func (r *Reconciler) AwaitFills(ctx context.Context, q domain.FillQuery, want float64) ([]domain.Fill, error) {
	return r.poller.AwaitFills(ctx, q, want)
}

// SyncPosition pulls the venue fills at or after the last one recorded for
// pos and stores the ones that belong to it. It returns the number of new
// executions and clears the reconcile flag on success.
func (r *Reconciler) SyncPosition(ctx context.Context, pos domain.Position) (int, error) {
	since := pos.OpenedAt
	last, err := r.executions.LastFillTime(ctx, pos.ID)
	switch {
	case err == nil:
		since = last
	case !errors.Is(err, domain.ErrNotFound):
		return 0, fmt.Errorf("reconciler: last fill %s: %w", pos.ID, err)
	}

	var fills []domain.Fill
	err = r.poller.Poll(ctx, pos.EntryOrderID, func(ctx context.Context) (bool, error) {
		got, err := r.venue.GetFills(ctx, domain.FillQuery{
			Account: pos.Account,
			Symbol:  pos.Symbol,
			Since:   since,
		})
		if err != nil {
			return false, err
		}
		fills = got
		return true, nil
	})
	if err != nil {
		return 0, fmt.Errorf("reconciler: sync %s: %w", pos.ID, err)
	}

	// Fills of one order often share a millisecond timestamp, so the fill at
	// since is requested again and the (fill, trade) key drops repeats.
	fresh := fills[:0]
	for _, f := range fills {
		if !f.Time.Before(since) {
			fresh = append(fresh, f)
		}
	}
	n := r.apply(ctx, pos, fresh)

	if err := r.positions.MarkReconciled(ctx, pos.ID); err != nil {
		return n, fmt.Errorf("reconciler: mark reconciled %s: %w", pos.ID, err)
	}
	if pos.NeedsReconcile {
		r.logger.InfoContext(ctx, "position reconciled",
			slog.String("position_id", pos.ID),
			slog.Int("new_fills", n),
		)
	}
	return n, nil
}

// Sweep reconciles every configured account, then every position flagged
// by a fill timeout. Accounts whose poll lease is held elsewhere are
// skipped.
func (r *Reconciler) Sweep(ctx context.Context) error {
	var errs []error
	for _, account := range r.accounts {
		if err := r.sweepAccount(ctx, account); err != nil && !domain.IsSilent(err) {
			errs = append(errs, err)
		}
	}
	if err := r.syncFlagged(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Reconciler) sweepAccount(ctx context.Context, account string) error {
	lease, err := r.guard.TryAcquire(ctx, guard.PollKey(r.venue.Name(), account))
	if err != nil {
		return err
	}
	defer lease.Release()

	open, err := r.positions.ListOpenByAccount(ctx, account)
	if err != nil {
		return fmt.Errorf("reconciler: open positions %s: %w", account, err)
	}
	if len(open) == 0 {
		return nil
	}

	now := r.clock()
	venuePositions, err := r.venue.GetPositions(ctx, account)
	if err != nil {
		return fmt.Errorf("reconciler: venue positions %s: %w", account, err)
	}
	fills, err := r.venue.GetFills(ctx, domain.FillQuery{Account: account, Since: now.Add(-r.lookback)})
	if err != nil {
		return fmt.Errorf("reconciler: venue fills %s: %w", account, err)
	}

	live := make(map[string]bool, len(venuePositions))
	for _, vp := range venuePositions {
		if vp.Size > 0 {
			live[vp.Symbol] = true
		}
	}
	bySymbol := make(map[string][]domain.Fill)
	for _, f := range fills {
		bySymbol[f.Symbol] = append(bySymbol[f.Symbol], f)
	}

	var errs []error
	for _, pos := range open {
		var mine []domain.Fill
		for _, f := range bySymbol[pos.Symbol] {
			if !f.Time.Before(pos.OpenedAt) && belongsTo(pos, f) {
				mine = append(mine, f)
			}
		}
		r.apply(ctx, pos, mine)

		if live[pos.Symbol] || now.Sub(pos.OpenedAt) < r.minAge {
			continue
		}
		if err := r.closeVenueClosed(ctx, pos); err != nil && !domain.IsSilent(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// closeVenueClosed flips a position the venue no longer holds. It takes the
// position's cycle lease so it never races the manager.
func (r *Reconciler) closeVenueClosed(ctx context.Context, pos domain.Position) error {
	lease, err := r.guard.TryAcquire(ctx, guard.CycleKey(pos.StrategyID, pos.InstrumentID))
	if err != nil {
		return err
	}
	defer lease.Release()

	current, err := r.positions.GetByID(ctx, pos.ID)
	if err != nil {
		return fmt.Errorf("reconciler: reload %s: %w", pos.ID, err)
	}
	if !current.Open {
		return nil
	}

	now := r.clock()
	current.Exit.ClosedSize = current.Size + current.Exit.IncreaseSize
	current.Exit.CloseReason = domain.CloseReasonVenueClosed
	if err := r.positions.Close(ctx, current.ID, current.Exit, now); err != nil {
		return fmt.Errorf("reconciler: close %s: %w", current.ID, err)
	}
	current.Open = false
	current.ClosedAt = &now

	lc := domain.LogContext{
		StrategyID:   current.StrategyID,
		InstrumentID: current.InstrumentID,
		Symbol:       current.Symbol,
		Mode:         current.Mode,
		PositionID:   current.ID,
	}
	metrics.Transitions.WithLabelValues(string(domain.StageClosed)).Inc()
	r.reporter.Position(ctx, lc, EventPositionClosed, current, 0, nil)
	lc.Logger(r.logger).WarnContext(ctx, "position closed on venue",
		slog.String("reason", domain.CloseReasonVenueClosed),
	)
	return nil
}

func (r *Reconciler) syncFlagged(ctx context.Context) error {
	flagged, err := r.positions.ListNeedsReconcile(ctx, 50)
	if err != nil {
		return fmt.Errorf("reconciler: flagged positions: %w", err)
	}
	var errs []error
	for _, pos := range flagged {
		if _, err := r.SyncPosition(ctx, pos); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// apply stores fills against pos and returns how many were new.
func (r *Reconciler) apply(ctx context.Context, pos domain.Position, fills []domain.Fill) int {
	if len(fills) == 0 {
		return 0
	}
	var inst domain.Instrument
	if r.instruments != nil {
		if got, err := r.instruments.GetByID(ctx, pos.InstrumentID); err == nil {
			inst = got
		}
	}

	n := 0
	for _, f := range fills {
		if !belongsTo(pos, f) {
			continue
		}
		kind := ClassifyFill(pos, f)
		var pnl *float64
		if kind != domain.ExecOpen && kind != domain.ExecIncrease {
			v := executor.RealizedPnL(pos, f.Qty, f.Price, f.Fee, inst)
			pnl = &v
		}
		inserted, err := r.executions.Insert(ctx, executor.ToExecution(pos.ID, kind, f, pnl))
		if err != nil {
			r.logger.WarnContext(ctx, "insert execution failed",
				slog.String("position_id", pos.ID),
				slog.String("fill_id", f.FillID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if inserted {
			n++
			metrics.FillsRecorded.WithLabelValues("reconcile").Inc()
		}
	}
	return n
}

// belongsTo rejects fills of orders placed for another position. Fills
// without a client id, such as a triggered venue stop, are attributed by
// symbol.
func belongsTo(pos domain.Position, f domain.Fill) bool {
	if f.Symbol != "" && f.Symbol != pos.Symbol {
		return false
	}
	if f.ClientID == "" || !strings.HasPrefix(f.ClientID, "dvg") {
		return true
	}
	return strings.HasPrefix(f.ClientID, executor.ClientID(pos.ID, ""))
}

// ClassifyFill names the lifecycle step a fill belongs to, by order id and
// then by the tag in its client id. Anything unrecognised is a close.
func ClassifyFill(pos domain.Position, f domain.Fill) domain.ExecutionKind {
	switch {
	case f.OrderID != "" && f.OrderID == pos.EntryOrderID:
		return domain.ExecOpen
	case f.OrderID != "" && f.OrderID == pos.Exit.IncreaseOrderID:
		return domain.ExecIncrease
	}
	for i, leg := range pos.Exit.Legs {
		if leg.OrderID != "" && leg.OrderID == f.OrderID {
			return domain.ExecPart(i)
		}
	}

	prefix := executor.ClientID(pos.ID, "")
	if f.ClientID == "" || !strings.HasPrefix(f.ClientID, prefix) {
		return domain.ExecClose
	}
	switch tag := strings.TrimPrefix(f.ClientID, prefix); {
	case tag == "open":
		return domain.ExecOpen
	case tag == "inc":
		return domain.ExecIncrease
	case len(tag) == 2 && (tag[0] == 'l' || tag[0] == 'p') && tag[1] >= '1' && tag[1] <= '9':
		return domain.ExecPart(int(tag[1] - '1'))
	}
	return domain.ExecClose
}

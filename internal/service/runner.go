package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/alanyoungcy/divergebot/internal/arbitrage"
	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/alanyoungcy/divergebot/internal/executor"
	"github.com/alanyoungcy/divergebot/internal/guard"
	"github.com/alanyoungcy/divergebot/internal/metrics"
)

// Cycle outcomes, also used as the metric label.
const (
	OutcomeIdle    = "idle"
	OutcomeOpened  = "opened"
	OutcomeManaged = "managed"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
	OutcomePanic   = "panic"
)

// RunnerConfig wires a CycleRunner.
type RunnerConfig struct {
	Guard     *guard.Guard
	Positions domain.PositionStore
	Detector  *arbitrage.Detector
	Opener    *executor.Opener
	Manager   *PositionManager
	Reporter  *Reporter
	Logger    *slog.Logger
	Clock     func() time.Time
}

// CycleRunner executes one guarded cycle for a (strategy, instrument) pair:
// manage the open position if there is one, otherwise look for a signal
// and open.
type CycleRunner struct {
	guard     *guard.Guard
	positions domain.PositionStore
	detector  *arbitrage.Detector
	opener    *executor.Opener
	manager   *PositionManager
	reporter  *Reporter
	logger    *slog.Logger
	clock     func() time.Time
}

// NewCycleRunner creates a CycleRunner.
func NewCycleRunner(cfg RunnerConfig) *CycleRunner {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CycleRunner{
		guard:     cfg.Guard,
		positions: cfg.Positions,
		detector:  cfg.Detector,
		opener:    cfg.Opener,
		manager:   cfg.Manager,
		reporter:  cfg.Reporter,
		logger:    cfg.Logger.With(slog.String("component", "cycle")),
		clock:     clock,
	}
}

// RunCycle runs one cycle and returns its outcome. Errors and panics stop
// at this boundary: they are logged with the cycle's context, reported
// when an operator needs to know, and never returned. The next cycle
// retries from the persisted state.
func (r *CycleRunner) RunCycle(ctx context.Context, s domain.Strategy, inst domain.Instrument) (outcome string) {
	lc := domain.NewLogContext(s, inst)
	defer func() {
		if rec := recover(); rec != nil {
			outcome = OutcomePanic
			r.reporter.Report(ctx, lc, fmt.Errorf("cycle panic: %v", rec))
			lc.Logger(r.logger).ErrorContext(ctx, "cycle panicked",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
		metrics.Cycles.WithLabelValues(outcome).Inc()
	}()

	outcome, lc, err := r.cycle(ctx, lc, s, inst)
	switch {
	case err == nil:
		return outcome
	case domain.IsSilent(err):
		lc.Logger(r.logger).DebugContext(ctx, "cycle skipped", slog.String("reason", err.Error()))
		return OutcomeSkipped
	default:
		r.reporter.Report(ctx, lc, err)
		return OutcomeError
	}
}

func (r *CycleRunner) cycle(ctx context.Context, lc domain.LogContext, s domain.Strategy, inst domain.Instrument) (string, domain.LogContext, error) {
	if err := s.Validate(); err != nil {
		return OutcomeError, lc, err
	}
	if err := inst.Validate(); err != nil {
		return OutcomeError, lc, err
	}

	lease, err := r.guard.TryAcquire(ctx, guard.CycleKey(s.ID, inst.ID))
	if err != nil {
		return OutcomeSkipped, lc, err
	}
	defer lease.Release()

	pos, err := r.positions.LastOpen(ctx, s.ID, inst.ID, s.Mode)
	switch {
	case err == nil:
		lc = lc.WithPosition(pos.ID)
		_, err = r.manager.Manage(ctx, lc, s, inst, pos, lease)
		return OutcomeManaged, lc, err
	case !errors.Is(err, domain.ErrNotFound):
		return OutcomeError, lc, fmt.Errorf("cycle: last open: %w", err)
	}

	sig, ok, err := r.detector.Evaluate(ctx, lc, s, inst, r.clock())
	if err != nil || !ok {
		return OutcomeIdle, lc, err
	}

	pos, err = r.opener.Open(ctx, lc, s, inst, sig)
	if pos.ID == "" {
		return OutcomeIdle, lc, err
	}
	lc = lc.WithPosition(pos.ID)
	r.reporter.Position(ctx, lc, EventPositionOpened, pos, pos.EntryPrice, nil)
	return OutcomeOpened, lc, err
}

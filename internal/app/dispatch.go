package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// CycleRunner runs one guarded cycle for a pair.
type CycleRunner interface {
	RunCycle(ctx context.Context, s domain.Strategy, inst domain.Instrument) string
}

// Pair is one (strategy, instrument) unit of work.
type Pair struct {
	Strategy   domain.Strategy
	Instrument domain.Instrument
}

// Pairs matches enabled strategies with the enabled instruments they list.
func Pairs(strategies []domain.Strategy, instruments []domain.Instrument) []Pair {
	byID := make(map[string]domain.Instrument, len(instruments))
	for _, inst := range instruments {
		byID[inst.ID] = inst
	}
	var out []Pair
	for _, s := range strategies {
		if !s.Enabled {
			continue
		}
		for _, id := range s.Instruments {
			if inst, ok := byID[id]; ok && inst.Enabled {
				out = append(out, Pair{Strategy: s, Instrument: inst})
			}
		}
	}
	return out
}

// Dispatcher starts one cycle per pair on every tick with at most limit in
// flight. A tick that finds the previous one still running is dropped by
// the ticker.
type Dispatcher struct {
	strategies  domain.StrategyStore
	instruments domain.InstrumentStore
	runner      CycleRunner
	interval    time.Duration
	limit       int
	logger      *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(strategies domain.StrategyStore, instruments domain.InstrumentStore, runner CycleRunner, interval time.Duration, limit int, logger *slog.Logger) *Dispatcher {
	if limit < 1 {
		limit = 1
	}
	return &Dispatcher{
		strategies:  strategies,
		instruments: instruments,
		runner:      runner,
		interval:    interval,
		limit:       limit,
		logger:      logger.With(slog.String("component", "dispatcher")),
	}
}

// Run ticks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "dispatcher started",
		slog.Duration("interval", d.interval),
		slog.Int("max_concurrent", d.limit),
	)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil {
				d.logger.ErrorContext(ctx, "dispatch failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick runs one cycle for every current pair and returns the outcome
// counts. Strategies and instruments are reloaded each time so store edits
// apply without a restart.
func (d *Dispatcher) Tick(ctx context.Context) (map[string]int, error) {
	strategies, err := d.strategies.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch: strategies: %w", err)
	}
	instruments, err := d.instruments.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch: instruments: %w", err)
	}
	pairs := Pairs(strategies, instruments)

	outcomes := make([]string, len(pairs))
	var g errgroup.Group
	g.SetLimit(d.limit)
	for i, p := range pairs {
		g.Go(func() error {
			outcomes[i] = d.runner.RunCycle(ctx, p.Strategy, p.Instrument)
			return nil
		})
	}
	_ = g.Wait()

	counts := make(map[string]int)
	for _, o := range outcomes {
		counts[o]++
	}
	return counts, nil
}

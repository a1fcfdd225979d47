// Package pipeline runs the periodic maintenance jobs that sit beside the
// trading cycles: reconcile sweeps, subscription refresh, tick trimming and
// the cold-storage archive.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// Immediate runs the job once before the first tick.
	Immediate bool
	Run       func(ctx context.Context) error
}

// Orchestrator runs every job on its own ticker until the context ends. A
// failed run is logged and retried on the next tick.
type Orchestrator struct {
	jobs   []Job
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator. Jobs with a non-positive interval
// are dropped.
func NewOrchestrator(logger *slog.Logger, jobs ...Job) *Orchestrator {
	o := &Orchestrator{logger: logger.With(slog.String("component", "pipeline"))}
	for _, j := range jobs {
		if j.Interval <= 0 || j.Run == nil {
			o.logger.Warn("job disabled", slog.String("job", j.Name))
			continue
		}
		o.jobs = append(o.jobs, j)
	}
	return o
}

// Jobs returns the names of the scheduled jobs.
func (o *Orchestrator) Jobs() []string {
	names := make([]string, len(o.jobs))
	for i, j := range o.jobs {
		names[i] = j.Name
	}
	return names
}

// Run blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting", slog.Any("jobs", o.Jobs()))

	g, ctx := errgroup.WithContext(ctx)
	for _, j := range o.jobs {
		g.Go(func() error {
			o.loop(ctx, j)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}

func (o *Orchestrator) loop(ctx context.Context, j Job) {
	logger := o.logger.With(slog.String("job", j.Name))
	if j.Immediate {
		o.runOnce(ctx, logger, j)
	}

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("job loop stopped")
			return
		case <-ticker.C:
			o.runOnce(ctx, logger, j)
		}
	}
}

func (o *Orchestrator) runOnce(ctx context.Context, logger *slog.Logger, j Job) {
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.ErrorContext(ctx, "job failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		return
	}
	logger.DebugContext(ctx, "job done", slog.Duration("elapsed", time.Since(start)))
}

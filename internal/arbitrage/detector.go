package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/alanyoungcy/divergebot/internal/metrics"
)

// Detector loads the search window for an instrument from the tick store
// and runs Detect over it.
type Detector struct {
	ticks  domain.TickStore
	logger *slog.Logger
}

// NewDetector creates a detector reading from ticks.
func NewDetector(ticks domain.TickStore, logger *slog.Logger) *Detector {
	return &Detector{
		ticks:  ticks,
		logger: logger.With(slog.String("component", "detector")),
	}
}

// Window returns the merged two-venue window ending at now.
func (d *Detector) Window(ctx context.Context, s domain.Strategy, inst domain.Instrument, now time.Time) ([]domain.Snapshot, error) {
	from := now.Add(-s.SearchDuration)
	a, err := d.ticks.Window(ctx, inst.ID, inst.VenueA.Venue, from, now)
	if err != nil {
		return nil, fmt.Errorf("detector: window %s/%s: %w", inst.ID, inst.VenueA.Venue, err)
	}
	b, err := d.ticks.Window(ctx, inst.ID, inst.VenueB.Venue, from, now)
	if err != nil {
		return nil, fmt.Errorf("detector: window %s/%s: %w", inst.ID, inst.VenueB.Venue, err)
	}
	if len(a) == 0 || len(b) == 0 {
		return nil, domain.ErrDataUnavailable
	}
	return domain.MergeSnapshots(a, b), nil
}

// Evaluate returns a signal for the pair if one exists at now. It returns
// domain.ErrDataUnavailable when either venue has no ticks in the window.
func (d *Detector) Evaluate(ctx context.Context, lc domain.LogContext, s domain.Strategy, inst domain.Instrument, now time.Time) (domain.Signal, bool, error) {
	window, err := d.Window(ctx, s, inst, now)
	if err != nil {
		return domain.Signal{}, false, err
	}

	sig, ok := Detect(window, s, inst)
	if !ok {
		return domain.Signal{}, false, nil
	}

	metrics.SignalsDetected.WithLabelValues(string(sig.Side)).Inc()
	lc.Logger(d.logger).DebugContext(ctx, "signal detected",
		slog.String("side", string(sig.Side)),
		slog.Float64("delta_pct", sig.DeltaPercent),
		slog.Float64("threshold_pct", sig.Threshold),
		slog.Float64("spread_pct", sig.SpreadPercent),
		slog.Int("window", len(window)),
	)
	return sig, true, nil
}

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// Archiver moves closed positions older than the retention window to cold
// storage.
type Archiver struct {
	blobArchiver  domain.Archiver
	retentionDays int
	clock         func() time.Time
	logger        *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		clock:         time.Now,
		logger:        logger.With(slog.String("component", "archive")),
	}
}

// Cutoff is the close time before which positions are archived.
func (a *Archiver) Cutoff() time.Time {
	return a.clock().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
}

// Run executes a single archive run.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.Cutoff()
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	n, err := a.blobArchiver.ArchivePositions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving positions before %v (%d done): %w", cutoff, n, err)
	}
	a.logger.InfoContext(ctx, "archive run complete", slog.Int64("positions_archived", n))
	return nil
}

// Job wraps the archiver for the orchestrator.
func (a *Archiver) Job(interval time.Duration) Job {
	return Job{Name: "archive", Interval: interval, Run: a.Run}
}

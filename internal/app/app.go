// Package app builds divergebot from its configuration and runs it in the
// configured mode until the context ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/divergebot/internal/config"
)

// App owns the resources opened while wiring.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run wires the backends, seeds instruments and strategies from config and
// blocks in the selected mode. Cancellation is a clean stop.
func (a *App) Run(ctx context.Context) error {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	if err := Seed(ctx, a.cfg, deps); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.logger.InfoContext(ctx, "backends ready",
		slog.String("mode", a.cfg.Mode),
		slog.String("storage", a.cfg.Storage.Backend),
		slog.String("guard", a.cfg.Guard.Backend),
	)

	var run func(context.Context, *Dependencies) error
	switch strings.ToLower(a.cfg.Mode) {
	case "trade":
		run = a.TradeMode
	case "monitor":
		run = a.MonitorMode
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
	if err := run(ctx, deps); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases resources newest first. Calling it again does nothing.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

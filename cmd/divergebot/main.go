// Command divergebot watches Binance for moves that Bybit has not followed
// yet and trades the gap on Bybit.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"

	"github.com/alanyoungcy/divergebot/internal/app"
	"github.com/alanyoungcy/divergebot/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "divergebot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration")
	printConfig := flag.Bool("print-config", false, "print the effective configuration with secrets redacted and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", *configPath, err)
	}
	if *printConfig {
		return toml.NewEncoder(os.Stdout).Encode(config.RedactedConfig(cfg))
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("divergebot starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Int("instruments", len(cfg.Instruments)),
		slog.Int("strategies", len(cfg.Strategies)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg, logger)
	defer a.Close()
	if err := a.Run(ctx); err != nil {
		logger.Error("divergebot exited", slog.String("error", err.Error()))
		return err
	}
	logger.Info("divergebot stopped")
	return nil
}

// logLevel maps the configured name onto a slog level, defaulting to info.
func logLevel(name string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

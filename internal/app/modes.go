package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/divergebot/internal/arbitrage"
	"github.com/alanyoungcy/divergebot/internal/crypto"
	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/alanyoungcy/divergebot/internal/executor"
	"github.com/alanyoungcy/divergebot/internal/feed"
	"github.com/alanyoungcy/divergebot/internal/guard"
	"github.com/alanyoungcy/divergebot/internal/pipeline"
	"github.com/alanyoungcy/divergebot/internal/server"
	"github.com/alanyoungcy/divergebot/internal/server/handler"
	"github.com/alanyoungcy/divergebot/internal/server/ws"
	"github.com/alanyoungcy/divergebot/internal/service"
)

// tickTrimInterval is how often expired ticks are dropped across series.
const tickTrimInterval = time.Minute

// engine is the cycle machinery shared by the trade mode jobs.
type engine struct {
	runner     *service.CycleRunner
	reconciler *service.Reconciler
	reporter   *service.Reporter
}

func (a *App) buildEngine(deps *Dependencies) *engine {
	ec := a.cfg.Engine

	var notifier service.Notifier
	if deps.Notifier.Enabled() {
		notifier = deps.Notifier
	}
	reporter := service.NewReporter(deps.Audit, deps.Bus, notifier, a.logger)
	g := guard.New(deps.Locks, ec.LeaseTTL.Duration)

	reconciler := service.NewReconciler(service.ReconcilerConfig{
		Venue:       deps.Venue,
		Positions:   deps.Positions,
		Executions:  deps.Executions,
		Instruments: deps.Instruments,
		Guard:       g,
		Poll: executor.PollConfig{
			Interval: ec.PollInterval.Duration,
			Attempts: ec.PollAttempts,
			Deadline: ec.PollDeadline.Duration,
		},
		Accounts: a.cfg.LiveAccounts(),
		Lookback: ec.SweepLookback.Duration,
		Reporter: reporter,
		Logger:   a.logger,
	})
	trader := executor.NewTrader(deps.Venue, reconciler, a.logger)
	detector := arbitrage.NewDetector(deps.Ticks, a.logger)

	opener := executor.NewOpener(executor.OpenerConfig{
		Positions: deps.Positions,
		Marks:     deps.Marks,
		Tickers:   executor.NewTickerCache(deps.Venue, ec.TickerTTL.Duration),
		Trader:    trader,
		Reporter:  reporter,
		Logger:    a.logger,
	})
	manager := service.NewPositionManager(service.ManagerConfig{
		Positions:  deps.Positions,
		Executions: deps.Executions,
		Marks:      deps.Marks,
		Fills:      deps.Fills,
		Trader:     trader,
		Detector:   detector,
		Reporter:   reporter,
		Logger:     a.logger,
		MarkMaxAge: ec.MarkMaxAge.Duration,
	})
	runner := service.NewCycleRunner(service.RunnerConfig{
		Guard:     g,
		Positions: deps.Positions,
		Detector:  detector,
		Opener:    opener,
		Manager:   manager,
		Reporter:  reporter,
		Logger:    a.logger,
	})
	return &engine{runner: runner, reconciler: reconciler, reporter: reporter}
}

// newListeners creates the public market listeners for both venues.
func (a *App) newListeners(deps *Dependencies) []*feed.MarketListener {
	return []*feed.MarketListener{
		feed.NewMarketListener(feed.ListenerConfig{
			Codec:  feed.NewBinanceCodec(a.cfg.Binance.WSHost),
			Ticks:  deps.Ticks,
			Logger: a.logger,
		}),
		feed.NewMarketListener(feed.ListenerConfig{
			Codec:  feed.NewBybitCodec(a.cfg.Bybit.PublicWS),
			Ticks:  deps.Ticks,
			Marks:  deps.Marks,
			Logger: a.logger,
		}),
	}
}

// subscriptionJob keeps every listener subscribed to the enabled
// instruments.
func (a *App) subscriptionJob(deps *Dependencies, listeners []*feed.MarketListener) pipeline.Job {
	return pipeline.Job{
		Name:      "subscriptions",
		Interval:  a.cfg.Engine.SubscriptionInterval.Duration,
		Immediate: true,
		Run: func(ctx context.Context) error {
			instruments, err := deps.Instruments.ListEnabled(ctx)
			if err != nil {
				return fmt.Errorf("subscriptions: instruments: %w", err)
			}
			for _, l := range listeners {
				if err := l.SetSymbols(ctx, instruments); err != nil {
					return fmt.Errorf("subscriptions: %s: %w", l.Venue(), err)
				}
			}
			return nil
		},
	}
}

func (a *App) trimJob(deps *Dependencies) pipeline.Job {
	horizon := a.cfg.Engine.TickHorizon.Duration
	return pipeline.Job{
		Name:     "tick_trim",
		Interval: tickTrimInterval,
		Run: func(ctx context.Context) error {
			return deps.Ticks.Trim(ctx, time.Now().Add(-horizon))
		},
	}
}

// orderEventListeners creates one private listener per live account with
// credentials.
func (a *App) orderEventListeners(deps *Dependencies, dedup *executor.Dedup) []*feed.OrderEventListener {
	if !a.cfg.Bybit.OrderEvents {
		return nil
	}
	var out []*feed.OrderEventListener
	for _, account := range a.cfg.LiveAccounts() {
		acct, ok := a.cfg.Bybit.Accounts[account]
		if !ok {
			continue
		}
		out = append(out, feed.NewOrderEventListener(feed.OrderEventConfig{
			URL:     a.cfg.Bybit.PrivateWS,
			Account: account,
			Auth:    crypto.HMACAuth{Key: acct.APIKey, Secret: acct.APISecret},
			Fills:   deps.Fills,
			Bus:     deps.Bus,
			Dedup:   dedup,
			Logger:  a.logger,
		}))
	}
	return out
}

// TradeMode runs the listeners, the cycle dispatcher, the reconcile sweep,
// the maintenance jobs and the HTTP server.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")
	g, ctx := errgroup.WithContext(ctx)

	eng := a.buildEngine(deps)
	listeners := a.newListeners(deps)
	for _, l := range listeners {
		g.Go(func() error { return l.Run(ctx) })
	}

	dedup := executor.NewDedup(time.Hour)
	for _, l := range a.orderEventListeners(deps, dedup) {
		g.Go(func() error { return l.Run(ctx) })
	}

	jobs := []pipeline.Job{
		a.subscriptionJob(deps, listeners),
		a.trimJob(deps),
		{
			Name:     "reconcile",
			Interval: a.cfg.Engine.ReconcileInterval.Duration,
			Run:      eng.reconciler.Sweep,
		},
		{
			Name:     "dedup_cleanup",
			Interval: 10 * time.Minute,
			Run: func(context.Context) error {
				dedup.Cleanup()
				return nil
			},
		},
	}
	if deps.Archiver != nil {
		archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
		jobs = append(jobs, archiver.Job(a.cfg.Archive.Interval.Duration))
	}
	orchestrator := pipeline.NewOrchestrator(a.logger, jobs...)
	g.Go(func() error { return orchestrator.Run(ctx) })

	dispatcher := NewDispatcher(deps.Strategies, deps.Instruments, eng.runner,
		a.cfg.Engine.CycleInterval.Duration, a.cfg.Engine.MaxConcurrentCycles, a.logger)
	g.Go(func() error { return dispatcher.Run(ctx) })

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, listeners)
	}
	return g.Wait()
}

// MonitorMode runs the listeners and the HTTP server without trading.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	g, ctx := errgroup.WithContext(ctx)

	listeners := a.newListeners(deps)
	for _, l := range listeners {
		g.Go(func() error { return l.Run(ctx) })
	}
	orchestrator := pipeline.NewOrchestrator(a.logger,
		a.subscriptionJob(deps, listeners),
		a.trimJob(deps),
	)
	g.Go(func() error { return orchestrator.Run(ctx) })

	// HTTP server is always started in monitor mode.
	a.startHTTPServer(ctx, g, deps, listeners)
	return g.Wait()
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, listeners []*feed.MarketListener) {
	feeds := make([]handler.Feed, len(listeners))
	for i, l := range listeners {
		feeds[i] = l
	}

	hub := ws.NewHub(deps.Bus, ws.Config{
		Channels: []string{domain.ChannelPositions, domain.ChannelFills("*")},
		Mode:     a.cfg.Mode,
	}, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Port:       a.cfg.Server.Port,
		APIKey:     a.cfg.Server.APIKey,
		Limiter:    deps.Limiter,
		RateLimit:  a.cfg.Server.RateLimit,
		RateWindow: a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:     handler.NewHealthHandler(a.cfg.Mode, feeds...),
		Positions:  handler.NewPositionHandler(deps.Positions, deps.Executions, a.logger),
		Audit:      handler.NewAuditHandler(deps.Audit, a.logger),
		Strategies: handler.NewStrategyHandler(deps.Strategies, deps.Instruments, a.logger),
		Hub:        hub,
	}, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Run(ctx)
	})
}

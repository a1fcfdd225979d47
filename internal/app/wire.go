package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/divergebot/internal/blob/s3"
	"github.com/alanyoungcy/divergebot/internal/cache/redis"
	"github.com/alanyoungcy/divergebot/internal/config"
	"github.com/alanyoungcy/divergebot/internal/crypto"
	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/alanyoungcy/divergebot/internal/guard"
	"github.com/alanyoungcy/divergebot/internal/notify"
	"github.com/alanyoungcy/divergebot/internal/platform/bybit"
	"github.com/alanyoungcy/divergebot/internal/service"
	"github.com/alanyoungcy/divergebot/internal/store/memory"
	"github.com/alanyoungcy/divergebot/internal/store/postgres"
	"github.com/alanyoungcy/divergebot/internal/tickstore"
)

// localStreamMaxLen bounds each in-process stream.
const localStreamMaxLen = 10000

// Bus is the event bus as the app uses it: raw pub/sub for the websocket
// hub and JSON publishing for the reporter.
type Bus interface {
	domain.SignalBus
	service.Publisher
}

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	Instruments domain.InstrumentStore
	Strategies  domain.StrategyStore
	Positions   domain.PositionStore
	Executions  domain.ExecutionStore
	Audit       domain.AuditStore

	// Caches and coordination
	Ticks   domain.TickStore
	Marks   domain.PriceCache
	Fills   domain.OrderFillCache
	Limiter domain.RateLimiter
	Locks   domain.LockManager
	Bus     Bus

	// Venue
	Venue domain.Venue

	// Blob storage
	Archiver domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}
	horizon := cfg.Engine.TickHorizon.Duration

	// --- Storage ---
	if cfg.UsesPostgres() {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		stores := pgClient.Stores()
		deps.Instruments = stores.Instruments
		deps.Strategies = stores.Strategies
		deps.Positions = stores.Positions
		deps.Executions = stores.Executions
		deps.Audit = stores.Audit
	} else {
		mem := memory.New()
		deps.Instruments = mem.Instruments()
		deps.Strategies = mem.Strategies()
		deps.Positions = mem.Positions()
		deps.Executions = mem.Executions()
		deps.Audit = mem.Audit()
	}

	// --- Redis or in-process coordination ---
	if cfg.UsesRedis() {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Ticks = redis.NewTickStore(redisClient, horizon)
		deps.Marks = redis.NewMarkCache(redisClient, horizon)
		deps.Fills = redis.NewFillCache(redisClient, cfg.Redis.FillTTL.Duration)
		deps.Limiter = redis.NewRateLimiter(redisClient, cfg.Bybit.RateLimit, cfg.Bybit.RateWindow.Duration)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Bus = redis.NewSignalBusWithMaxLen(redisClient, localStreamMaxLen)
	} else {
		deps.Ticks = tickstore.New(horizon)
		deps.Marks = tickstore.NewMarks()
		deps.Fills = tickstore.NewFills()
		deps.Locks = guard.NewLocalLocks()
		deps.Bus = tickstore.NewBus(localStreamMaxLen)
	}

	// --- Venue ---
	accounts := make(map[string]crypto.HMACAuth, len(cfg.Bybit.Accounts))
	for name, acct := range cfg.Bybit.Accounts {
		accounts[name] = crypto.HMACAuth{Key: acct.APIKey, Secret: acct.APISecret}
	}
	deps.Venue = bybit.NewClient(bybit.Config{
		BaseURL:    cfg.Bybit.RestHost,
		Accounts:   accounts,
		RecvWindow: cfg.Bybit.RecvWindow.Duration,
		Limiter:    deps.Limiter,
	})

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		if err := s3Client.Health(ctx); err != nil {
			logger.WarnContext(ctx, "archive bucket unreachable, runs will fail until it is",
				slog.String("bucket", s3Client.Bucket()),
				slog.String("error", err.Error()),
			)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.ArchiverConfig{
			Writer:     s3blob.NewWriter(s3Client),
			Positions:  deps.Positions,
			Executions: deps.Executions,
			Audit:      deps.Audit,
			Prefix:     cfg.Archive.Prefix,
			BatchSize:  cfg.Archive.BatchSize,
			Logger:     logger,
		})
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, notify.Config{
		Events:   cfg.Notify.Events,
		Cooldown: cfg.Notify.Cooldown.Duration,
	}, logger)

	return deps, cleanup, nil
}

// Seed upserts the instruments and strategies declared in the config file.
// Rows already in the store and not named in the file are left alone.
func Seed(ctx context.Context, cfg *config.Config, deps *Dependencies) error {
	for _, ic := range cfg.Instruments {
		if err := deps.Instruments.Upsert(ctx, ic.Domain()); err != nil {
			return fmt.Errorf("seed instrument %s: %w", ic.ID, err)
		}
	}
	for _, sc := range cfg.Strategies {
		if err := deps.Strategies.Upsert(ctx, sc.Domain()); err != nil {
			return fmt.Errorf("seed strategy %s: %w", sc.ID, err)
		}
	}
	return nil
}

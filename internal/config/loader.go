package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DIVERGEBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DIVERGEBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Bybit ──
	setStr(&cfg.Bybit.RestHost, "DIVERGEBOT_BYBIT_REST_HOST")
	setStr(&cfg.Bybit.PublicWS, "DIVERGEBOT_BYBIT_PUBLIC_WS")
	setStr(&cfg.Bybit.PrivateWS, "DIVERGEBOT_BYBIT_PRIVATE_WS")
	setDuration(&cfg.Bybit.RecvWindow, "DIVERGEBOT_BYBIT_RECV_WINDOW")
	setInt(&cfg.Bybit.RateLimit, "DIVERGEBOT_BYBIT_RATE_LIMIT")
	setBool(&cfg.Bybit.OrderEvents, "DIVERGEBOT_BYBIT_ORDER_EVENTS")
	setAccounts(cfg.Bybit.Accounts, "DIVERGEBOT_BYBIT_")

	// ── Binance ──
	setStr(&cfg.Binance.WSHost, "DIVERGEBOT_BINANCE_WS_HOST")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DIVERGEBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "DIVERGEBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DIVERGEBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DIVERGEBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DIVERGEBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DIVERGEBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DIVERGEBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "DIVERGEBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "DIVERGEBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DIVERGEBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "DIVERGEBOT_REDIS_URL")
	setStr(&cfg.Redis.Addr, "DIVERGEBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DIVERGEBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DIVERGEBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DIVERGEBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "DIVERGEBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "DIVERGEBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "DIVERGEBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DIVERGEBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "DIVERGEBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DIVERGEBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DIVERGEBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "DIVERGEBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "DIVERGEBOT_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "DIVERGEBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "DIVERGEBOT_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "DIVERGEBOT_ARCHIVE_INTERVAL")

	// ── Engine ──
	setDuration(&cfg.Engine.CycleInterval, "DIVERGEBOT_ENGINE_CYCLE_INTERVAL")
	setInt(&cfg.Engine.MaxConcurrentCycles, "DIVERGEBOT_ENGINE_MAX_CONCURRENT_CYCLES")
	setDuration(&cfg.Engine.LeaseTTL, "DIVERGEBOT_ENGINE_LEASE_TTL")
	setDuration(&cfg.Engine.PollInterval, "DIVERGEBOT_ENGINE_POLL_INTERVAL")
	setInt(&cfg.Engine.PollAttempts, "DIVERGEBOT_ENGINE_POLL_ATTEMPTS")
	setDuration(&cfg.Engine.ReconcileInterval, "DIVERGEBOT_ENGINE_RECONCILE_INTERVAL")
	setDuration(&cfg.Engine.TickHorizon, "DIVERGEBOT_ENGINE_TICK_HORIZON")

	// ── Backends ──
	setStr(&cfg.Storage.Backend, "DIVERGEBOT_STORAGE_BACKEND")
	setStr(&cfg.Guard.Backend, "DIVERGEBOT_GUARD_BACKEND")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "DIVERGEBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "DIVERGEBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "DIVERGEBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "DIVERGEBOT_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DIVERGEBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DIVERGEBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DIVERGEBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "DIVERGEBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "DIVERGEBOT_MODE")
	setStr(&cfg.LogLevel, "DIVERGEBOT_LOG_LEVEL")
}

// setAccounts overrides the credentials of configured accounts from
// <prefix><ACCOUNT>_API_KEY and <prefix><ACCOUNT>_API_SECRET.
func setAccounts(accounts map[string]AccountConfig, prefix string) {
	for name, acct := range accounts {
		key := prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		setStr(&acct.APIKey, key+"_API_KEY")
		setStr(&acct.APISecret, key+"_API_SECRET")
		accounts[name] = acct
	}
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

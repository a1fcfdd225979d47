// Package config defines the top-level configuration for divergebot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by DIVERGEBOT_* environment variables.
type Config struct {
	Bybit       BybitConfig        `toml:"bybit"`
	Binance     BinanceConfig      `toml:"binance"`
	Postgres    PostgresConfig     `toml:"postgres"`
	Redis       RedisConfig        `toml:"redis"`
	S3          S3Config           `toml:"s3"`
	Archive     ArchiveConfig      `toml:"archive"`
	Engine      EngineConfig       `toml:"engine"`
	Storage     StorageConfig      `toml:"storage"`
	Guard       GuardConfig        `toml:"guard"`
	Server      ServerConfig       `toml:"server"`
	Notify      NotifyConfig       `toml:"notify"`
	Instruments []InstrumentConfig `toml:"instruments"`
	Strategies  []StrategyConfig   `toml:"strategies"`
	Mode        string             `toml:"mode"`
	LogLevel    string             `toml:"log_level"`
}

// BybitConfig holds the trading venue endpoints and per-account API keys.
type BybitConfig struct {
	RestHost    string                   `toml:"rest_host"`
	PublicWS    string                   `toml:"public_ws"`
	PrivateWS   string                   `toml:"private_ws"`
	RecvWindow  duration                 `toml:"recv_window"`
	RateLimit   int                      `toml:"rate_limit"`
	RateWindow  duration                 `toml:"rate_window"`
	Accounts    map[string]AccountConfig `toml:"accounts"`
	OrderEvents bool                     `toml:"order_events"`
}

// AccountConfig is one set of Bybit API credentials.
type AccountConfig struct {
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
}

// BinanceConfig holds the leading venue's market stream endpoint.
type BinanceConfig struct {
	WSHost string `toml:"ws_host"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	// URL, when set, replaces addr, password and db.
	URL        string   `toml:"url"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	FillTTL    duration `toml:"fill_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the closed-position archive sweep.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
	BatchSize     int      `toml:"batch_size"`
	Prefix        string   `toml:"prefix"`
}

// EngineConfig holds the scheduling and polling parameters.
type EngineConfig struct {
	CycleInterval        duration `toml:"cycle_interval"`
	MaxConcurrentCycles  int      `toml:"max_concurrent_cycles"`
	LeaseTTL             duration `toml:"lease_ttl"`
	PollInterval         duration `toml:"poll_interval"`
	PollAttempts         int      `toml:"poll_attempts"`
	PollDeadline         duration `toml:"poll_deadline"`
	ReconcileInterval    duration `toml:"reconcile_interval"`
	SweepLookback        duration `toml:"sweep_lookback"`
	SubscriptionInterval duration `toml:"subscription_interval"`
	TickHorizon          duration `toml:"tick_horizon"`
	TickerTTL            duration `toml:"ticker_ttl"`
	// MarkMaxAge rejects venue-B marks older than this. Zero disables it.
	MarkMaxAge           duration `toml:"mark_max_age"`
}

// PollBound is the longest a single venue wait can take: the attempts at
// the poll interval, capped by the deadline when one is set.
func (e EngineConfig) PollBound() time.Duration {
	bound := time.Duration(e.PollAttempts) * e.PollInterval.Duration
	if d := e.PollDeadline.Duration; d > 0 && d < bound {
		bound = d
	}
	return bound
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string `toml:"backend"`
}

// GuardConfig selects the lease backend for cycle and poll locks.
type GuardConfig struct {
	Backend string `toml:"backend"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
	// APIKey guards the read API. Empty leaves it open.
	APIKey     string   `toml:"api_key"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// InstrumentConfig seeds an instrument at startup.
type InstrumentConfig struct {
	ID            string  `toml:"id"`
	Symbol        string  `toml:"symbol"`
	BinanceSymbol string  `toml:"binance_symbol"`
	BybitSymbol   string  `toml:"bybit_symbol"`
	LotSize       float64 `toml:"lot_size"`
	TickSize      float64 `toml:"tick_size"`
	ContractValue float64 `toml:"contract_value"`
	MinQty        float64 `toml:"min_qty"`
	Enabled       bool    `toml:"enabled"`
}

// Domain converts the seed to a domain.Instrument. Venue symbols default
// to Symbol.
func (c InstrumentConfig) Domain() domain.Instrument {
	a, b := c.BinanceSymbol, c.BybitSymbol
	if a == "" {
		a = c.Symbol
	}
	if b == "" {
		b = c.Symbol
	}
	return domain.Instrument{
		ID:            c.ID,
		Symbol:        c.Symbol,
		VenueA:        domain.Listing{Venue: domain.VenueBinance, Symbol: a},
		VenueB:        domain.Listing{Venue: domain.VenueBybit, Symbol: b},
		LotSize:       c.LotSize,
		TickSize:      c.TickSize,
		ContractValue: c.ContractValue,
		MinQty:        c.MinQty,
		Enabled:       c.Enabled,
	}
}

// StrategyConfig seeds a strategy at startup. Percent fields are in percent.
type StrategyConfig struct {
	ID      string `toml:"id"`
	Name    string `toml:"name"`
	Enabled bool   `toml:"enabled"`
	Mode    string `toml:"mode"`
	Account string `toml:"account"`

	SizeUSD    float64 `toml:"size_usd"`
	Fee        float64 `toml:"fee_percent"`
	TakeProfit float64 `toml:"take_profit_percent"`
	StopLoss   float64 `toml:"stop_loss_percent"`

	Ladder            bool      `toml:"ladder"`
	LadderPercents    []float64 `toml:"ladder_percents"`
	LadderParts       []float64 `toml:"ladder_parts"`
	LadderLimitOrders bool      `toml:"ladder_limit_orders"`

	Breakeven       bool     `toml:"breakeven"`
	Increase        bool     `toml:"increase"`
	TimeToClose     duration `toml:"time_to_close"`
	FundingAware    bool     `toml:"funding_aware"`
	FundingLeadTime duration `toml:"funding_lead_time"`
	SearchDuration  duration `toml:"search_duration"`

	Instruments []string `toml:"instruments"`
}

// Domain converts the seed to a domain.Strategy.
func (c StrategyConfig) Domain() domain.Strategy {
	name := c.Name
	if name == "" {
		name = c.ID
	}
	return domain.Strategy{
		ID:                c.ID,
		Name:              name,
		Enabled:           c.Enabled,
		Mode:              domain.Mode(strings.ToLower(c.Mode)),
		Account:           c.Account,
		SizeUSD:           c.SizeUSD,
		FeePercent:        c.Fee,
		TakeProfitPercent: c.TakeProfit,
		StopLossPercent:   c.StopLoss,
		LadderEnabled:     c.Ladder,
		LadderPercents:    append([]float64(nil), c.LadderPercents...),
		LadderParts:       append([]float64(nil), c.LadderParts...),
		LadderLimitOrders: c.LadderLimitOrders,
		Breakeven:         c.Breakeven,
		IncreaseEnabled:   c.Increase,
		TimeToClose:       c.TimeToClose.Duration,
		FundingAware:      c.FundingAware,
		FundingLeadTime:   c.FundingLeadTime.Duration,
		SearchDuration:    c.SearchDuration.Duration,
		Instruments:       append([]string(nil), c.Instruments...),
	}
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Bybit: BybitConfig{
			RestHost:    "https://api.bybit.com",
			PublicWS:    "wss://stream.bybit.com/v5/public/linear",
			PrivateWS:   "wss://stream.bybit.com/v5/private",
			RecvWindow:  duration{5 * time.Second},
			RateLimit:   10,
			RateWindow:  duration{time.Second},
			Accounts:    map[string]AccountConfig{},
			OrderEvents: true,
		},
		Binance: BinanceConfig{
			WSHost: "wss://fstream.binance.com/ws",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "divergebot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			FillTTL:    duration{time.Hour},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "divergebot-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 30,
			Interval:      duration{6 * time.Hour},
			BatchSize:     500,
			Prefix:        "positions",
		},
		Engine: EngineConfig{
			CycleInterval:        duration{time.Second},
			MaxConcurrentCycles:  8,
			LeaseTTL:             duration{30 * time.Second},
			PollInterval:         duration{500 * time.Millisecond},
			PollAttempts:         20,
			PollDeadline:         duration{15 * time.Second},
			ReconcileInterval:    duration{30 * time.Second},
			SweepLookback:        duration{time.Hour},
			SubscriptionInterval: duration{time.Minute},
			TickHorizon:          duration{10 * time.Minute},
			TickerTTL:            duration{2 * time.Second},
			MarkMaxAge:           duration{30 * time.Second},
		},
		Storage: StorageConfig{Backend: "postgres"},
		Guard:   GuardConfig{Backend: "redis"},
		Server: ServerConfig{
			Enabled:    true,
			Port:       8000,
			RateLimit:  120,
			RateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:   []string{"position_opened", "position_closed", "venue_error", "fill_timeout"},
			Cooldown: duration{time.Minute},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// UsesPostgres reports whether the configuration needs a database.
func (c *Config) UsesPostgres() bool {
	return strings.ToLower(c.Storage.Backend) != "memory"
}

// UsesRedis reports whether the configuration needs Redis.
func (c *Config) UsesRedis() bool {
	return strings.ToLower(c.Guard.Backend) != "local"
}

// LiveAccounts returns the accounts referenced by enabled live strategies.
func (c *Config) LiveAccounts() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range c.Strategies {
		if !s.Enabled || !strings.EqualFold(s.Mode, string(domain.ModeLive)) || seen[s.Account] {
			continue
		}
		seen[s.Account] = true
		out = append(out, s.Account)
	}
	return out
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Bybit
	if c.Bybit.RestHost == "" {
		errs = append(errs, "bybit: rest_host must not be empty")
	}
	if c.Bybit.PublicWS == "" {
		errs = append(errs, "bybit: public_ws must not be empty")
	}
	if c.Bybit.RecvWindow.Duration <= 0 {
		errs = append(errs, "bybit: recv_window must be positive")
	}
	for name, acct := range c.Bybit.Accounts {
		if acct.APIKey == "" || acct.APISecret == "" {
			errs = append(errs, fmt.Sprintf("bybit: account %q needs api_key and api_secret", name))
		}
	}
	for _, account := range c.LiveAccounts() {
		if _, ok := c.Bybit.Accounts[account]; !ok {
			errs = append(errs, fmt.Sprintf("bybit: account %q is used by a live strategy but not configured", account))
		}
	}

	// Binance
	if c.Binance.WSHost == "" {
		errs = append(errs, "binance: ws_host must not be empty")
	}

	// Storage
	switch strings.ToLower(c.Storage.Backend) {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: postgres, memory)", c.Storage.Backend))
	}
	switch strings.ToLower(c.Guard.Backend) {
	case "redis", "local":
	default:
		errs = append(errs, fmt.Sprintf("guard: unknown backend %q (valid: redis, local)", c.Guard.Backend))
	}

	// Postgres
	if c.UsesPostgres() {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.UsesRedis() {
		if c.Redis.Addr == "" && c.Redis.URL == "" {
			errs = append(errs, "redis: addr or url must be set")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if !c.UsesPostgres() {
			errs = append(errs, "archive: requires the postgres storage backend")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be positive")
		}
	}

	// Engine
	if c.Engine.CycleInterval.Duration <= 0 {
		errs = append(errs, "engine: cycle_interval must be positive")
	}
	if c.Engine.MaxConcurrentCycles < 1 {
		errs = append(errs, "engine: max_concurrent_cycles must be >= 1")
	}
	if c.Engine.LeaseTTL.Duration <= 0 {
		errs = append(errs, "engine: lease_ttl must be positive")
	}
	if c.Engine.PollInterval.Duration <= 0 || c.Engine.PollAttempts < 1 {
		errs = append(errs, "engine: poll_interval and poll_attempts must be positive")
	} else if bound := c.Engine.PollBound(); c.Engine.LeaseTTL.Duration > 0 && c.Engine.LeaseTTL.Duration <= bound {
		errs = append(errs, fmt.Sprintf("engine: lease_ttl %s must exceed the poll bound %s", c.Engine.LeaseTTL.Duration, bound))
	}
	if c.Engine.MarkMaxAge.Duration < 0 {
		errs = append(errs, "engine: mark_max_age must not be negative")
	}
	if c.Engine.TickHorizon.Duration <= 0 {
		errs = append(errs, "engine: tick_horizon must be positive")
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	// Seeds
	instruments := make(map[string]bool, len(c.Instruments))
	for _, ic := range c.Instruments {
		if instruments[ic.ID] {
			errs = append(errs, fmt.Sprintf("instruments: duplicate id %q", ic.ID))
		}
		instruments[ic.ID] = true
		if err := ic.Domain().Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	for _, sc := range c.Strategies {
		s := sc.Domain()
		if err := s.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
		if s.SearchDuration > c.Engine.TickHorizon.Duration {
			errs = append(errs, fmt.Sprintf("strategy.%s.search_duration: exceeds engine.tick_horizon", s.Name))
		}
		for _, id := range s.Instruments {
			if len(c.Instruments) > 0 && !instruments[id] {
				errs = append(errs, fmt.Sprintf("strategy.%s.instruments: unknown instrument %q", s.Name, id))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

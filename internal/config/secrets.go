package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	// Bybit
	out.Bybit.Accounts = make(map[string]AccountConfig, len(cfg.Bybit.Accounts))
	for name, acct := range cfg.Bybit.Accounts {
		redact(&acct.APIKey)
		redact(&acct.APISecret)
		out.Bybit.Accounts[name] = acct
	}

	// Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	redact(&out.Redis.Password)
	redact(&out.Redis.URL)

	// S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Server
	redact(&out.Server.APIKey)

	// Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	out.Instruments = append([]InstrumentConfig(nil), cfg.Instruments...)
	out.Strategies = append([]StrategyConfig(nil), cfg.Strategies...)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// Package config defines the surplusd configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields are decoded from TOML on top of
// Defaults and then overridden by SURPLUS_* environment variables.
type Config struct {
	Pricing  PricingConfig  `toml:"pricing"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Catalog  CatalogConfig  `toml:"catalog"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Kafka    KafkaConfig    `toml:"kafka"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PricingConfig holds the recompute loop and formula parameters.
type PricingConfig struct {
	TickInterval         duration `toml:"tick_interval"`
	HistoryCapacity      int      `toml:"history_capacity"`
	MinMultiplier        float64  `toml:"min_multiplier"`
	MaxMultiplier        float64  `toml:"max_multiplier"`
	DemandWeight         float64  `toml:"demand_weight"`
	SurplusWeight        float64  `toml:"surplus_weight"`
	UrgencyWeight        float64  `toml:"urgency_weight"`
	ClosingHorizon       duration `toml:"closing_horizon"`
	ExpiryHorizon        duration `toml:"expiry_horizon"`
	CurrencyDecimals     int      `toml:"currency_decimals"`
	DefaultNearbySurplus float64  `toml:"default_nearby_surplus"`
}

// LedgerConfig holds the demand scoring parameters.
type LedgerConfig struct {
	DemandWindow        duration `toml:"demand_window"`
	QuantitySaturation  float64  `toml:"quantity_saturation"`
	FrequencySaturation float64  `toml:"frequency_saturation"`
	PopularLimit        int      `toml:"popular_limit"`

	// WarmupWindow is how much purchase history is loaded from Postgres at
	// startup.
	WarmupWindow duration `toml:"warmup_window"`
}

// CatalogConfig selects where the initial catalog comes from.
type CatalogConfig struct {
	// Source is "demo" or "postgres".
	Source string `toml:"source"`

	// SeedDemo writes the demo catalog into Postgres on startup.
	SeedDemo bool `toml:"seed_demo"`
}

// PostgresConfig holds the connection parameters. Postgres is used when
// Enabled is set or the catalog source is "postgres".
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`

	// EngineLockTTL bounds how long a crashed engine keeps the authority
	// lock.
	EngineLockTTL duration `toml:"engine_lock_ttl"`
}

// S3Config holds the archive bucket parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// KafkaConfig holds the event publisher parameters.
type KafkaConfig struct {
	Enabled         bool              `toml:"enabled"`
	Brokers         []string          `toml:"brokers"`
	Topics          map[string]string `toml:"topics"`
	WriteTimeout    duration          `toml:"write_timeout"`
	BreakerFailures int               `toml:"breaker_failures"`
	BreakerCooldown duration          `toml:"breaker_cooldown"`
}

// ArchiveConfig controls the cold storage job.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`

	// Prune deletes archived rows from Postgres after a successful export.
	Prune bool `toml:"prune"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
	Metrics     bool     `toml:"metrics"`
	WebSocket   bool     `toml:"websocket"`

	// IdempotencyTTL is how long checkout outcomes are kept for replay.
	IdempotencyTTL duration `toml:"idempotency_ttl"`
}

// NotifyConfig holds alert channel credentials. Requests to WebhookURL are
// signed when WebhookSecret is set.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	WebhookURL        string   `toml:"webhook_url"`
	WebhookSecret     string   `toml:"webhook_secret"`
	Events            []string `toml:"events"`
}

// duration decodes TOML strings such as "10s" or "1h".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the configuration used when nothing is overridden. It
// runs the engine on the demo catalog with every external system disabled.
func Defaults() Config {
	return Config{
		Pricing: PricingConfig{
			TickInterval:         duration{10 * time.Second},
			HistoryCapacity:      50,
			MinMultiplier:        0.5,
			MaxMultiplier:        2.0,
			DemandWeight:         0.3,
			SurplusWeight:        0.3,
			UrgencyWeight:        0.1,
			ClosingHorizon:       duration{12 * time.Hour},
			ExpiryHorizon:        duration{24 * time.Hour},
			CurrencyDecimals:     2,
			DefaultNearbySurplus: 0.2,
		},
		Ledger: LedgerConfig{
			DemandWindow:        duration{time.Hour},
			QuantitySaturation:  10,
			FrequencySaturation: 5,
			PopularLimit:        5,
			WarmupWindow:        duration{24 * time.Hour},
		},
		Catalog: CatalogConfig{Source: "demo"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "surplus",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			PoolSize:      20,
			MaxRetries:    3,
			EngineLockTTL: duration{30 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "surplus-archive",
			ForcePathStyle: true,
		},
		Kafka: KafkaConfig{
			Brokers:         []string{"localhost:9092"},
			Topics:          map[string]string{},
			WriteTimeout:    duration{5 * time.Second},
			BreakerFailures: 5,
			BreakerCooldown: duration{30 * time.Second},
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Cron:          "0 3 * * *",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
			Metrics:     true,
			WebSocket:   true,

			IdempotencyTTL: duration{24 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"price_floor", "price_ceiling", "checkout_failed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"full":    true,
	"engine":  true,
	"archive": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// UsePostgres reports whether a database connection is needed.
func (c *Config) UsePostgres() bool {
	return c.Postgres.Enabled || c.Catalog.Source == "postgres" || c.Mode == "archive"
}

// Validate checks every section and returns one error listing all problems.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: full, engine, archive)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	p := c.Pricing
	if p.TickInterval.Duration <= 0 {
		add("pricing: tick_interval must be > 0")
	}
	if p.HistoryCapacity < 1 {
		add("pricing: history_capacity must be >= 1")
	}
	if p.MinMultiplier <= 0 || p.MaxMultiplier < p.MinMultiplier {
		add("pricing: need 0 < min_multiplier <= max_multiplier, got %g and %g", p.MinMultiplier, p.MaxMultiplier)
	}
	if p.ClosingHorizon.Duration <= 0 || p.ExpiryHorizon.Duration <= 0 {
		add("pricing: closing_horizon and expiry_horizon must be > 0")
	}
	if p.CurrencyDecimals < 0 || p.CurrencyDecimals > 8 {
		add("pricing: currency_decimals must be 0-8, got %d", p.CurrencyDecimals)
	}
	if p.DefaultNearbySurplus < 0 || p.DefaultNearbySurplus > 1 {
		add("pricing: default_nearby_surplus must be within [0,1]")
	}

	if c.Ledger.DemandWindow.Duration <= 0 {
		add("ledger: demand_window must be > 0")
	}
	if c.Ledger.QuantitySaturation <= 0 || c.Ledger.FrequencySaturation <= 0 {
		add("ledger: saturation values must be > 0")
	}

	switch c.Catalog.Source {
	case "demo", "postgres":
	default:
		add("catalog: unknown source %q (valid: demo, postgres)", c.Catalog.Source)
	}

	if c.UsePostgres() {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
		}
		if c.Postgres.PoolMaxConns < 1 || c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: need 0 <= pool_min_conns <= pool_max_conns and pool_max_conns >= 1")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.EngineLockTTL.Duration < time.Second {
			add("redis: engine_lock_ttl must be >= 1s")
		}
	}

	if c.S3.Enabled || c.Archive.Enabled || c.Mode == "archive" {
		if c.S3.Bucket == "" || c.S3.Region == "" {
			add("s3: bucket and region must be set for archiving")
		}
	}
	if (c.Archive.Enabled || c.Mode == "archive") && c.Archive.RetentionDays < 1 {
		add("archive: retention_days must be >= 1")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		add("kafka: at least one broker is required")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit < 0 {
			add("server: rate_limit must be >= 0")
		}
		if c.Server.IdempotencyTTL.Duration <= 0 {
			add("server: idempotency_ttl must be > 0")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if c.Notify.WebhookSecret != "" && c.Notify.WebhookURL == "" {
		add("notify: webhook_secret is set without webhook_url")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

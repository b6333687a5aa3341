package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load decodes the TOML file at path over Defaults, loads .env if present
// and applies SURPLUS_* overrides. An empty path skips the file. The result
// is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// pricing
	setDuration(&cfg.Pricing.TickInterval, "SURPLUS_PRICING_TICK_INTERVAL")
	setInt(&cfg.Pricing.HistoryCapacity, "SURPLUS_PRICING_HISTORY_CAPACITY")
	setFloat64(&cfg.Pricing.MinMultiplier, "SURPLUS_PRICING_MIN_MULTIPLIER")
	setFloat64(&cfg.Pricing.MaxMultiplier, "SURPLUS_PRICING_MAX_MULTIPLIER")

	// ledger
	setDuration(&cfg.Ledger.DemandWindow, "SURPLUS_LEDGER_DEMAND_WINDOW")
	setInt(&cfg.Ledger.PopularLimit, "SURPLUS_LEDGER_POPULAR_LIMIT")

	// catalog
	setStr(&cfg.Catalog.Source, "SURPLUS_CATALOG_SOURCE")
	setBool(&cfg.Catalog.SeedDemo, "SURPLUS_CATALOG_SEED_DEMO")

	// postgres
	setBool(&cfg.Postgres.Enabled, "SURPLUS_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "SURPLUS_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "SURPLUS_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SURPLUS_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SURPLUS_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SURPLUS_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SURPLUS_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SURPLUS_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SURPLUS_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SURPLUS_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SURPLUS_POSTGRES_RUN_MIGRATIONS")

	// redis
	setBool(&cfg.Redis.Enabled, "SURPLUS_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SURPLUS_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SURPLUS_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SURPLUS_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "SURPLUS_REDIS_TLS_ENABLED")

	// s3
	setBool(&cfg.S3.Enabled, "SURPLUS_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SURPLUS_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SURPLUS_S3_REGION")
	setStr(&cfg.S3.Bucket, "SURPLUS_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SURPLUS_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SURPLUS_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SURPLUS_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SURPLUS_S3_FORCE_PATH_STYLE")

	// kafka
	setBool(&cfg.Kafka.Enabled, "SURPLUS_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "SURPLUS_KAFKA_BROKERS")

	// archive
	setBool(&cfg.Archive.Enabled, "SURPLUS_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "SURPLUS_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "SURPLUS_ARCHIVE_CRON")
	setBool(&cfg.Archive.Prune, "SURPLUS_ARCHIVE_PRUNE")

	// server
	setBool(&cfg.Server.Enabled, "SURPLUS_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SURPLUS_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SURPLUS_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SURPLUS_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SURPLUS_SERVER_RATE_LIMIT")

	// notify
	setStr(&cfg.Notify.TelegramToken, "SURPLUS_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SURPLUS_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SURPLUS_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookURL, "SURPLUS_NOTIFY_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookSecret, "SURPLUS_NOTIFY_WEBHOOK_SECRET")
	setStringSlice(&cfg.Notify.Events, "SURPLUS_NOTIFY_EVENTS")

	setStr(&cfg.Mode, "SURPLUS_MODE")
	setStr(&cfg.LogLevel, "SURPLUS_LOG_LEVEL")
}

// The set* helpers only touch dst when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = n
	}
}

func setFloat64(dst *float64, key string) {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		*dst = f
	}
}

func setBool(dst *bool, key string) {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		*dst = b
	}
}

func setDuration(dst *duration, key string) {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		dst.Duration = d
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

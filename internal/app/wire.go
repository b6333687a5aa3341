package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/surplusmarket/internal/blob/s3"
	"github.com/alanyoungcy/surplusmarket/internal/broker/kafka"
	"github.com/alanyoungcy/surplusmarket/internal/cache/redis"
	"github.com/alanyoungcy/surplusmarket/internal/config"
	"github.com/alanyoungcy/surplusmarket/internal/crypto"
	"github.com/alanyoungcy/surplusmarket/internal/domain"
	"github.com/alanyoungcy/surplusmarket/internal/ledger"
	"github.com/alanyoungcy/surplusmarket/internal/metrics"
	"github.com/alanyoungcy/surplusmarket/internal/notify"
	"github.com/alanyoungcy/surplusmarket/internal/pricing"
	"github.com/alanyoungcy/surplusmarket/internal/server/handler"
	"github.com/alanyoungcy/surplusmarket/internal/store/postgres"
)

// Dependencies bundles the infrastructure the modes build on. Every external
// system is optional; its fields stay nil when it is not configured.
type Dependencies struct {
	// Stores
	CatalogStore     domain.CatalogStore
	TransactionStore domain.TransactionStore
	PurchaseStore    domain.PurchaseStore
	PricePointStore  domain.PricePointStore
	AuditStore       domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Events
	Events domain.EventPublisher

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Probes are reported by the health endpoint, one per wired system.
	Probes []handler.Probe
}

// Wire constructs the configured infrastructure and returns it with a
// cleanup function that releases it in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Metrics: metrics.New()}

	// --- PostgreSQL ---
	if cfg.UsePostgres() {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.CatalogStore = postgres.NewCatalogStore(pool)
		deps.TransactionStore = postgres.NewTransactionStore(pool)
		deps.PurchaseStore = postgres.NewPurchaseStore(pool)
		deps.PricePointStore = postgres.NewPricePointStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Probes = append(deps.Probes, handler.Probe{Name: "postgres", Check: pgClient.Ping})
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Probes = append(deps.Probes, handler.Probe{Name: "redis", Check: redisClient.Ping})
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled || cfg.Archive.Enabled || cfg.Mode == "archive" {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		writer := s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobWriter = writer
		deps.BlobReader = reader
		deps.Probes = append(deps.Probes, handler.Probe{Name: "s3", Check: s3Client.Health})

		if deps.PurchaseStore != nil {
			deps.Archiver = s3blob.NewArchiver(
				writer, reader,
				deps.PurchaseStore,
				deps.TransactionStore,
				deps.PricePointStore,
				deps.AuditStore,
			)
		}
	}

	// --- Kafka ---
	if cfg.Kafka.Enabled {
		pub, err := kafka.NewPublisher(kafka.Config{
			Brokers:         cfg.Kafka.Brokers,
			Topics:          cfg.Kafka.Topics,
			WriteTimeout:    cfg.Kafka.WriteTimeout.Duration,
			BreakerFailures: uint32(cfg.Kafka.BreakerFailures),
			BreakerCooldown: cfg.Kafka.BreakerCooldown.Duration,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: kafka: %w", err)
		}
		closers = append(closers, func() { _ = pub.Close() })
		deps.Events = pub
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
	if cfg.Notify.WebhookURL != "" {
		var signer *crypto.WebhookSigner
		if cfg.Notify.WebhookSecret != "" {
			signer = crypto.NewWebhookSigner(cfg.Notify.WebhookSecret)
		}
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL, signer))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// ledgerConfig converts the [ledger] section.
func ledgerConfig(cfg *config.Config) ledger.Config {
	return ledger.Config{
		DemandWindow:        cfg.Ledger.DemandWindow.Duration,
		QuantitySaturation:  cfg.Ledger.QuantitySaturation,
		FrequencySaturation: cfg.Ledger.FrequencySaturation,
	}
}

// pricingConfig converts the [pricing] section.
func pricingConfig(cfg *config.Config) pricing.Config {
	p := cfg.Pricing
	return pricing.Config{
		TickInterval:         p.TickInterval.Duration,
		HistoryCapacity:      p.HistoryCapacity,
		MinMultiplier:        p.MinMultiplier,
		MaxMultiplier:        p.MaxMultiplier,
		DemandWeight:         p.DemandWeight,
		SurplusWeight:        p.SurplusWeight,
		UrgencyWeight:        p.UrgencyWeight,
		ClosingHorizon:       p.ClosingHorizon.Duration,
		ExpiryHorizon:        p.ExpiryHorizon.Duration,
		CurrencyDecimals:     int32(p.CurrencyDecimals),
		DefaultNearbySurplus: p.DefaultNearbySurplus,
	}
}

// warmupSince is the earliest purchase loaded into the ledger at startup.
func warmupSince(cfg *config.Config, now time.Time) time.Time {
	w := cfg.Ledger.WarmupWindow.Duration
	if w < cfg.Ledger.DemandWindow.Duration {
		w = cfg.Ledger.DemandWindow.Duration
	}
	return now.Add(-w)
}

// historySince is where restored transaction history starts. Rows older
// than the archive retention live in S3, so they are not reloaded.
func historySince(cfg *config.Config, now time.Time) time.Time {
	if !cfg.Archive.Enabled {
		return time.Time{}
	}
	return now.AddDate(0, 0, -cfg.Archive.RetentionDays)
}

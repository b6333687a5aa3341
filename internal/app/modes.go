package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
	"github.com/alanyoungcy/surplusmarket/internal/feed"
	"github.com/alanyoungcy/surplusmarket/internal/ledger"
	"github.com/alanyoungcy/surplusmarket/internal/notify"
	"github.com/alanyoungcy/surplusmarket/internal/pipeline"
	"github.com/alanyoungcy/surplusmarket/internal/pricing"
	"github.com/alanyoungcy/surplusmarket/internal/seed"
	"github.com/alanyoungcy/surplusmarket/internal/server"
	"github.com/alanyoungcy/surplusmarket/internal/server/handler"
	"github.com/alanyoungcy/surplusmarket/internal/server/middleware"
	"github.com/alanyoungcy/surplusmarket/internal/server/ws"
	"github.com/alanyoungcy/surplusmarket/internal/service"
)

// engineLockKey names the lock that makes one replica the pricing authority.
const engineLockKey = "pricing-engine"

// bootstrap is the state the engine starts from.
type bootstrap struct {
	listings     []domain.Listing
	sellers      []domain.Seller
	purchases    []domain.PurchaseRecord
	transactions []domain.Transaction
}

// EngineMode runs the pricing engine, its subscribers and the HTTP API.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")
	return a.runEngine(ctx, deps, false)
}

// FullMode is EngineMode plus the scheduled archive job.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	return a.runEngine(ctx, deps, true)
}

// ArchiveMode runs the archive job once and returns.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	if deps.Archiver == nil {
		return errors.New("archive mode: postgres and s3 must both be configured")
	}
	res, err := a.archiveJob(deps).Run(ctx)
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	a.logger.InfoContext(ctx, "archive finished",
		slog.Time("cutoff", res.Cutoff),
		slog.Int64("purchases", res.Purchases),
		slog.Int64("transactions", res.Transactions),
		slog.Int64("price_points", res.PricePoints),
		slog.Int64("pruned", res.Pruned),
	)
	return nil
}

func (a *App) runEngine(ctx context.Context, deps *Dependencies, withArchive bool) error {
	// lost stays nil, and never fires, without a lock manager.
	var lost <-chan struct{}
	if deps.LockManager != nil {
		lease, err := deps.LockManager.Acquire(ctx, engineLockKey, a.cfg.Redis.EngineLockTTL.Duration)
		if errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("app: another replica is the pricing authority: %w", err)
		}
		if err != nil {
			return fmt.Errorf("app: acquire engine lock: %w", err)
		}
		defer lease.Release()
		lost = lease.Lost
	}

	boot, err := a.loadBootstrap(ctx, deps, time.Now())
	if err != nil {
		return err
	}

	led := ledger.New(ledgerConfig(a.cfg))
	if err := led.RecordBatch(boot.purchases); err != nil {
		return fmt.Errorf("app: warm ledger: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	bus := feed.NewBus(a.logger)
	bus.OnFailure(deps.Metrics.SubscriberFailed)

	// Subscribers are attached before Start so the initial snapshot reaches
	// all of them.
	if deps.PriceCache != nil || deps.SignalBus != nil || deps.PricePointStore != nil {
		mirror := feed.NewSnapshotMirror(deps.PriceCache, deps.SignalBus, deps.PricePointStore, a.logger)
		bus.Subscribe("mirror", mirror.Handle)
		g.Go(func() error { return mirror.Run(ctx) })
	}

	checkoutOpts := []service.CheckoutOption{
		service.WithTransactionStore(deps.TransactionStore),
		service.WithSignalBus(deps.SignalBus),
		service.WithEventPublisher(deps.Events),
		service.WithAuditStore(deps.AuditStore),
		service.WithCheckoutRecorder(deps.Metrics),
		service.WithHistory(boot.transactions),
	}

	if deps.Notifier.Enabled() {
		alerts := notify.NewAlerts(deps.Notifier,
			a.cfg.Pricing.MinMultiplier, a.cfg.Pricing.MaxMultiplier,
			int32(a.cfg.Pricing.CurrencyDecimals), a.logger)
		bus.Subscribe("alerts", alerts.HandleSnapshot)
		checkoutOpts = append(checkoutOpts, service.WithFailureHook(alerts.CheckoutFailed))
		g.Go(func() error { return alerts.Run(ctx) })
	}

	var hub *ws.Hub
	if a.cfg.Server.Enabled && a.cfg.Server.WebSocket {
		hub = ws.NewHub(a.cfg.Server.CORSOrigins, a.logger)
		bus.Subscribe("websocket", hub.HandleSnapshot)
		defer hub.Close()
	}

	engine := pricing.NewEngine(pricingConfig(a.cfg), led, bus, a.logger,
		pricing.WithRecorder(deps.Metrics))
	if err := engine.Start(ctx, boot.listings, boot.sellers); err != nil {
		return fmt.Errorf("app: start engine: %w", err)
	}
	defer engine.Stop()

	catalog := service.NewCatalogService(engine, led, service.NewHeuristicAnalyzer(),
		deps.CatalogStore, deps.AuditStore, a.logger)
	checkout := service.NewCheckoutService(engine, led, a.logger, checkoutOpts...)

	if deps.SignalBus != nil {
		feeder := feed.NewInventoryFeeder(deps.SignalBus, engine, a.logger)
		g.Go(func() error { return feeder.Run(ctx) })
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, engine, catalog, checkout, hub)
	}

	if withArchive && a.cfg.Archive.Enabled {
		if deps.Archiver == nil {
			a.logger.WarnContext(ctx, "archive enabled but postgres or s3 is not configured; skipping")
		} else {
			job := a.archiveJob(deps)
			g.Go(func() error { return job.RunCron(ctx, a.cfg.Archive.Cron) })
		}
	}

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			a.logger.ErrorContext(ctx, "engine lock lost, stopping")
			engine.Stop()
			return fmt.Errorf("app: pricing authority lost: %w", domain.ErrLockLost)
		}
	})

	return g.Wait()
}

// loadBootstrap reads the initial catalog and history from the configured
// source, seeding the database with the demo data first when asked to.
func (a *App) loadBootstrap(ctx context.Context, deps *Dependencies, now time.Time) (bootstrap, error) {
	if a.cfg.Catalog.SeedDemo && deps.CatalogStore != nil {
		if err := seed.Store(ctx, deps.CatalogStore, deps.TransactionStore, now); err != nil {
			return bootstrap{}, fmt.Errorf("app: seed demo data: %w", err)
		}
		a.logger.InfoContext(ctx, "demo data written to postgres")
	}

	if a.cfg.Catalog.Source != "postgres" {
		return bootstrap{
			listings:     seed.DemoListings(now),
			sellers:      seed.DemoSellers(),
			purchases:    seed.DemoPurchases(now),
			transactions: seed.DemoTransactions(now),
		}, nil
	}

	if deps.CatalogStore == nil || deps.PurchaseStore == nil || deps.TransactionStore == nil {
		return bootstrap{}, errors.New("app: catalog source postgres requires a database connection")
	}
	var (
		boot bootstrap
		err  error
	)
	if boot.sellers, err = deps.CatalogStore.ListSellers(ctx); err != nil {
		return bootstrap{}, fmt.Errorf("app: load sellers: %w", err)
	}
	if boot.listings, err = deps.CatalogStore.ListListings(ctx); err != nil {
		return bootstrap{}, fmt.Errorf("app: load listings: %w", err)
	}
	if boot.purchases, err = deps.PurchaseStore.ListSince(ctx, warmupSince(a.cfg, now)); err != nil {
		return bootstrap{}, fmt.Errorf("app: load purchases: %w", err)
	}
	if boot.transactions, err = deps.TransactionStore.ListSince(ctx, historySince(a.cfg, now)); err != nil {
		return bootstrap{}, fmt.Errorf("app: load transactions: %w", err)
	}
	a.logger.InfoContext(ctx, "catalog loaded from postgres",
		slog.Int("listings", len(boot.listings)),
		slog.Int("sellers", len(boot.sellers)),
		slog.Int("purchases", len(boot.purchases)),
		slog.Int("transactions", len(boot.transactions)),
	)
	return boot, nil
}

func (a *App) archiveJob(deps *Dependencies) *pipeline.ArchiveJob {
	var pruners []pipeline.Pruner
	if a.cfg.Archive.Prune {
		for _, s := range []any{deps.PurchaseStore, deps.PricePointStore} {
			if p, ok := s.(pipeline.Pruner); ok {
				pruners = append(pruners, p)
			}
		}
	}
	return pipeline.NewArchiveJob(deps.Archiver, a.cfg.Archive.RetentionDays, deps.LockManager, a.logger, pruners...)
}

func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	engine *pricing.Engine,
	catalog *service.CatalogService,
	checkout *service.CheckoutService,
	hub *ws.Hub,
) {
	var limiter domain.RateLimiter = deps.RateLimiter
	if limiter == nil {
		limiter = middleware.NewLocalLimiter()
	}

	replays := service.NewReplays(a.cfg.Server.IdempotencyTTL.Duration)
	g.Go(func() error { return replays.Run(ctx, time.Minute) })

	health := handler.NewHealthHandler(engine, deps.Probes...)
	if deps.PriceCache != nil {
		health.WithMirrorVersion(deps.PriceCache.Version)
	}

	handlers := server.Handlers{
		Health:   health,
		Listings: handler.NewListingHandler(catalog, a.cfg.Ledger.PopularLimit, a.logger),
		Checkout: handler.NewCheckoutHandler(checkout, a.logger).WithReplays(replays),
		Hub:      hub,
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}
	if a.cfg.Server.Metrics {
		handlers.Metrics = deps.Metrics.Handler()
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, server.Extras{
		Limiter: limiter,
		Observe: deps.Metrics.ObserveHTTP,
	}, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}

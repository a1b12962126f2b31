// Package app assembles the loyalty components from configuration. Both the
// API server and the operator CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"loyaltyshop/internal/cache"
	"loyaltyshop/internal/config"
	"loyaltyshop/internal/database"
	"loyaltyshop/internal/events"
	"loyaltyshop/internal/export"
	"loyaltyshop/internal/features"
	"loyaltyshop/internal/handler"
	"loyaltyshop/internal/ledger"
	"loyaltyshop/internal/reaper"
	"loyaltyshop/internal/service"
	"loyaltyshop/internal/tier"
)

const tierNamespace = "loyalty_tier"

// App holds every wired component.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	DB          *database.DB
	Ledger      *ledger.Client
	Flags       *features.Manager
	Queue       *events.Manager
	Tiers       *tier.Cache
	Entitlement *tier.Entitlement
	Producer    *export.Producer
	Consumer    *export.Consumer
	Placer      *export.OrderPlacer
	Reconciler  *service.Reconciler
	Reaper      *reaper.Reaper

	redis *cache.RedisCache
}

// New connects storage and builds the component graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	db, err := database.NewDB(cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, DB: db}

	var shared cache.Cache
	if cfg.Redis.Enabled {
		rc, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, tierNamespace)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = rc
		shared = rc
		logger.Info("tier cache backed by redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		shared = cache.NewInMemoryCache(tierNamespace)
		logger.Info("tier cache is in-memory")
	}

	loyalty := cfg.Loyalty
	a.Ledger = ledger.NewClient(ledger.Config{
		BaseURL:     loyalty.APIURL,
		TenantID:    loyalty.TenantID,
		BearerToken: loyalty.BearerToken,
		Timeout:     loyalty.Timeout,
	}, logger.Named("ledger"))

	a.Flags = features.NewManagerFromToggles(features.Toggles{
		ModuleEnabled:  loyalty.Enabled,
		PurchaseExport: cfg.Exports.Purchase,
		ReturnExport:   cfg.Exports.Return,
		ReviewExport:   cfg.Exports.Review,
		FreeShipping:   cfg.Exports.FreeShipping,
	})

	a.Queue = events.NewManager(true, logger.Named("queue"))
	a.Consumer = export.NewConsumer(a.Ledger, db, logger.Named("consumer"))
	a.Consumer.Register(a.Queue)
	a.Producer = export.NewProducer(a.Queue, db, a.Flags, loyalty.ReviewMinCharacters, logger.Named("producer"))
	a.Placer = export.NewOrderPlacer(db, a.Ledger, loyalty.OrderPlaceRetryLimit, a.Flags, logger.Named("order_place"))

	a.Tiers = tier.NewCache(shared, a.Ledger, loyalty.TierCacheTTL, logger.Named("tier"))
	a.Entitlement = tier.NewEntitlement(a.Tiers, loyalty.FreeShippingTiers, a.Flags, logger.Named("tier"))

	a.Reconciler = service.NewReconciler(db, a.Ledger, service.Options{
		WebsiteID:        loyalty.WebsiteID,
		CustomerGroupIDs: loyalty.CustomerGroupIDs,
		Features:         a.Flags,
		Notifier:         a.Producer,
	}, logger.Named("reconciler"))

	a.Reaper = reaper.New(db, a.Ledger, reaper.Config{
		Expiry:     loyalty.CartExpiry(),
		BestEffort: loyalty.ReaperBestEffort,
	}, a.Flags, logger.Named("reaper"))

	return a, nil
}

// HandlerDeps returns the components the HTTP handlers drive.
func (a *App) HandlerDeps() handler.Deps {
	return handler.Deps{
		Reconciler:  a.Reconciler,
		Entitlement: a.Entitlement,
		Tiers:       a.Tiers,
		Producer:    a.Producer,
		Reaper:      a.Reaper,
		Placer:      a.Placer,
		Flags:       a.Flags,
		DB:          a.DB,
	}
}

// PlaceOrders runs one order placement pass. It matches reaper.Job.
func (a *App) PlaceOrders(ctx context.Context) error {
	_, err := a.Placer.Run(ctx)
	return err
}

// Close drains the queue and releases storage connections.
func (a *App) Close() error {
	a.Queue.Shutdown()

	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.DB.Close())
	return errors.Join(errs...)
}

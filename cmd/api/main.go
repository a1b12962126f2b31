package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"loyaltyshop/internal/app"
	"loyaltyshop/internal/config"
	"loyaltyshop/internal/handler"
	"loyaltyshop/internal/logging"
	"loyaltyshop/internal/middleware"
	"loyaltyshop/internal/reaper"
	"loyaltyshop/internal/tracing"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to a config file (yaml, json or env)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.JaegerEndpoint,
		Environment: cfg.Environment,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("error closing resources", zap.Error(err))
		}
	}()

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
	defer rateLimiter.Stop()

	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.Tracing())
	if cfg.RateLimit.Enabled {
		r.Use(middleware.RateLimit(rateLimiter, logger))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.Security.AllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "X-RateLimit-Limit"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h := handler.NewHandler(a.HandlerDeps(), handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
	}, logger.Named("http"))
	h.Register(r, handler.Guards{
		Customer: middleware.CustomerAuth(cfg.Security.CustomerTokenSecret, "customer_id", logger),
		Webhook:  middleware.WebhookAuth(cfg.Security.WebhookTokenHash, logger),
		Admin:    middleware.AdminAuth(cfg.Security.AdminTokenHash, logger),
	})

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server",
			zap.String("addr", addr),
			zap.Bool("tls", cfg.Server.EnableTLS),
			zap.String("database", cfg.Database.Driver),
			zap.Bool("loyalty_enabled", cfg.Loyalty.Enabled),
		)
		var err error
		if cfg.Server.EnableTLS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return a.Reaper.Schedule(gctx, cfg.Loyalty.ReaperInterval)
	})

	g.Go(func() error {
		return reaper.Every(gctx, "order_place", cfg.Loyalty.OrderPlaceInterval, a.PlaceOrders, logger)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during server shutdown", zap.Error(err))
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("error flushing traces", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

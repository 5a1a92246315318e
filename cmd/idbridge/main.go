package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"idbridge/internal/api"
	"idbridge/internal/auth"
	"idbridge/internal/auth/custos"
	"idbridge/internal/config"
	"idbridge/internal/observability"
)

func main() {
	// Initialize structured logger from environment configuration
	logCfg := observability.ConfigFromEnv()
	logger := observability.NewLogger(logCfg)

	configPath := flag.String("config", envOr("IDBRIDGE_CONFIG", "idbridge.yaml"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration error", "path", *configPath, "error", err)
		os.Exit(1)
	}

	// Initialize Sentry if DSN is provided
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      envOr("SENTRY_ENVIRONMENT", "production"),
			Release:          envOr("APP_VERSION", "dev"),
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn("sentry initialization failed", "error", err)
		} else {
			logger.Info("sentry initialized",
				"environment", envOr("SENTRY_ENVIRONMENT", "production"),
				"release", envOr("APP_VERSION", "dev"),
			)
			defer sentry.Flush(2 * time.Second)
		}
	}

	// Select storage based on build tags (see store_*.go in this package).
	store, recorder, closeStore := selectStore(logger, cfg.DatabaseDSN)
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("store close error", "error", err)
		}
	}()

	metricsCfg := observability.MetricsConfigFromEnv()
	var metrics *observability.Metrics
	if metricsCfg.Enabled {
		metrics = observability.NewMetrics(metricsCfg)
		logger.Info("metrics enabled", "namespace", metricsCfg.Namespace, "version", metricsCfg.Version)
	} else {
		logger.Info("metrics disabled")
	}

	// Resolve each configured provider. Endpoint resolution hits the network,
	// so a misconfigured or unreachable provider fails startup.
	ctx := context.Background()
	adapters := make([]*custos.Authnz, 0, len(cfg.Providers))
	sole := len(cfg.Providers) == 1
	for _, pc := range cfg.Providers {
		adapter, err := custos.New(ctx, pc, store, custos.Options{
			Logger:            logger,
			SoleAuthenticator: sole,
		})
		if err != nil {
			if errors.Is(err, custos.ErrConfiguration) {
				logger.Error("provider configuration invalid", "provider", pc.Provider, "error", err)
			} else {
				logger.Error("provider resolution failed", "provider", pc.Provider, "error", err)
			}
			os.Exit(1)
		}
		adapters = append(adapters, adapter)
		logger.Info("provider resolved", "provider", adapter.Provider())
	}

	sessions := auth.NewMemorySessionStore()

	mux := http.NewServeMux()
	srv := api.NewServer(mux, api.Options{
		Adapters:         adapters,
		Store:            store,
		Sessions:         sessions,
		Recorder:         recorder,
		Logger:           logger,
		Metrics:          metrics,
		LoginRedirectURL: cfg.LoginRedirectURL,
		SessionDuration:  cfg.SessionDuration,
		LoginRateLimit: api.RateLimitConfig{
			RequestsPerSecond: cfg.LoginRateLimit,
			Burst:             cfg.LoginRateBurst,
		},
	})
	srv.RegisterRoutes()

	// Background session cleanup every 15 minutes.
	go func() {
		ticker := time.NewTicker(15 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			n, err := sessions.Cleanup(context.Background())
			if err != nil {
				logger.Warn("session cleanup error", "error", err)
			} else if n > 0 {
				logger.Info("cleaned up expired sessions", "count", n)
			}
		}
	}()

	handler := api.ApplyMiddlewares(
		mux,
		api.RequestIDMiddleware(),
		api.LoggingMiddleware(logger, metrics),
	)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("idbridge listening", "addr", cfg.Addr, "providers", len(adapters))
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = server.Close()
	}
	logger.Info("shutdown complete")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

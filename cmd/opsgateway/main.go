// Package main is the entry point for the ops gateway. It loads
// configuration, wires the service directory, probes, relays and the REST
// surface, assembles the middleware stack, starts the HTTP server, and
// handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"github.com/dskow/ops-gateway/internal/admin"
	"github.com/dskow/ops-gateway/internal/aggregate"
	"github.com/dskow/ops-gateway/internal/api"
	"github.com/dskow/ops-gateway/internal/auth"
	"github.com/dskow/ops-gateway/internal/config"
	"github.com/dskow/ops-gateway/internal/directory"
	"github.com/dskow/ops-gateway/internal/logging"
	"github.com/dskow/ops-gateway/internal/logquery"
	"github.com/dskow/ops-gateway/internal/metrics"
	"github.com/dskow/ops-gateway/internal/middleware"
	"github.com/dskow/ops-gateway/internal/probe"
	"github.com/dskow/ops-gateway/internal/ratelimit"
	"github.com/dskow/ops-gateway/internal/relay"
	"github.com/dskow/ops-gateway/internal/tlsutil"
)

func main() {
	configPath := flag.String("config", "configs/opsgateway.yaml", "path to configuration file")
	flag.Parse()

	// Secrets like OPS_API_KEY commonly live in a .env file during
	// development; absence is not an error.
	_ = godotenv.Load()

	// Bootstrap logger so config load failures are still structured.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logOut, closeLog, err := logging.NewWriter(cfg.Logging)
	if err != nil {
		logger.Error("failed to open log output", "error", err)
		os.Exit(1)
	}
	defer closeLog()
	logger = slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: slog.LevelInfo}))

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"services", len(cfg.Services),
		"auth_configured", cfg.Auth.APIKey != "",
		"log_store_configured", cfg.Loki.URL != "",
		"metrics_store_configured", cfg.Prometheus.URL != "",
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"trusted_proxies", len(cfg.Server.TrustedProxies),
		"max_body_bytes", cfg.Server.MaxBodyBytes,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Core components: directory of downstream services, single-service
	// prober, fan-out aggregator, store relays, log query adapter.
	dir := directory.New(cfg.Services)
	prober := probe.New(cfg.Probe, cfg.Auth)
	agg := aggregate.New(dir, prober, cfg.Probe.AggregateTimeout())
	relayer := relay.New(dir, cfg, logger)
	logs := logquery.New(cfg.Loki)
	gate := auth.New(cfg.Auth)

	mux := http.NewServeMux()
	api.New(dir, agg, prober, relayer, logs, gate, logger).RegisterRoutes(mux)

	limiter := ratelimit.New(cfg.RateLimit, cfg.Server.TrustedProxies, logger)
	defer limiter.Stop()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", cfg.Auth.Header},
		MaxAge:         600,
	})

	// Assemble middleware stack:
	// Recovery → RequestID → SecurityHeaders → Logging → CORS → Deadline →
	// BodyLimit → RateLimit → routes (key check sits inside the /api mux)
	var handler http.Handler = mux
	handler = limiter.Middleware()(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.Deadline(cfg.Server.GlobalTimeout())(handler)
	handler = corsHandler.Handler(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Gateway-local metrics and the admin surface live on a side mux that
	// bypasses the stack (no rate limiting or body limits for scrapes).
	sideMux := http.NewServeMux()
	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		sideMux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit)
		dir.ReplaceStatic(newCfg.Services)
	})

	if cfg.Admin.Enabled {
		admin.New(reloader, limiter, dir, cfg.Admin.IPAllowlist, logger).RegisterRoutes(sideMux)
		logger.Info("admin endpoints registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if (cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) ||
			(cfg.Admin.Enabled && strings.HasPrefix(r.URL.Path, "/admin/")) {
			sideMux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var certLoader *tlsutil.CertLoader
	if cfg.Server.TLS.Enabled {
		certLoader, err = tlsutil.New(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
		if err != nil {
			logger.Error("failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		defer certLoader.Stop()
		srv.TLSConfig = tlsutil.ServerConfig(certLoader, cfg.Server.TLS.MinVersion)
	}

	go func() {
		var err error
		if cfg.Server.TLS.Enabled {
			logger.Info("starting ops gateway", "addr", srv.Addr, "tls", true)
			err = srv.ListenAndServeTLS("", "")
		} else {
			logger.Info("starting ops gateway", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("ops gateway stopped gracefully")
}

// Package main is the entry point for the request governor daemon. It loads
// configuration, assembles the governor, cache, and HTTP surface, starts the
// server, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tickerdeck/apigovernor/internal/admin"
	"github.com/tickerdeck/apigovernor/internal/apierror"
	"github.com/tickerdeck/apigovernor/internal/auth"
	"github.com/tickerdeck/apigovernor/internal/cache"
	"github.com/tickerdeck/apigovernor/internal/config"
	"github.com/tickerdeck/apigovernor/internal/governor"
	"github.com/tickerdeck/apigovernor/internal/health"
	"github.com/tickerdeck/apigovernor/internal/logging"
	"github.com/tickerdeck/apigovernor/internal/metrics"
	"github.com/tickerdeck/apigovernor/internal/middleware"
	"github.com/tickerdeck/apigovernor/internal/persist"
	"github.com/tickerdeck/apigovernor/internal/queryapi"
	"github.com/tickerdeck/apigovernor/internal/ratelimit"
	"github.com/tickerdeck/apigovernor/internal/tlsutil"
	"github.com/tickerdeck/apigovernor/internal/upstream"
)

func main() {
	configPath := flag.String("config", "configs/governor.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger for config-load failures; replaced once config is read.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"upstream", cfg.Governor.Name,
		"base_url", cfg.Upstream.BaseURL,
		"daily_limit", cfg.Governor.DailyLimit,
		"quota_limit", cfg.Governor.QuotaLimit,
		"state_path", cfg.Persistence.StatePath,
		"cache_enabled", cfg.Cache.IsEnabled(),
		"auth_enabled", cfg.Auth.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Upstream client and the governor that paces every call to it.
	client, err := upstream.New(cfg.Upstream, logger)
	if err != nil {
		logger.Error("failed to create upstream client", "error", err)
		os.Exit(1)
	}

	store := persist.NewFileStore(cfg.Persistence.StatePath)
	gov := governor.New(cfg.Governor, func(ctx context.Context, payload any) (any, error) {
		req, ok := payload.(upstream.Request)
		if !ok {
			return nil, fmt.Errorf("unexpected payload type %T", payload)
		}
		return client.Call(ctx, req)
	}, store, logger)
	gov.Start()

	// Result cache follows governor health events to decide when serving
	// stale entries beats surfacing errors.
	var resultCache *cache.Cache
	if cfg.Cache.IsEnabled() {
		resultCache, err = cache.New(cfg.Cache, cfg.Governor.EmergencyTTL, logger)
		if err != nil {
			logger.Error("failed to create result cache", "error", err)
			os.Exit(1)
		}
		events, cancelSub := gov.Subscribe()
		defer cancelSub()
		go resultCache.Run(events)
	}

	routeLabel := func(path string) string {
		switch {
		case path == "/v1/search":
			return "/v1/search"
		case strings.HasPrefix(path, "/admin/"):
			return "/admin"
		case path == "/health" || path == "/ready":
			return path
		default:
			return "other"
		}
	}

	limiter := ratelimit.New(cfg.RateLimit, cfg.Server.TrustedProxies, routeLabel, logger)
	defer limiter.Stop()

	// API mux: search plus the auth-guarded admin surface.
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "no such endpoint")
	})
	queryHandler := queryapi.New(gov, resultCache, logger)
	queryHandler.RegisterRoutes(apiMux)

	reloader := config.NewReloader(*configPath, cfg, logger)

	if cfg.Admin.Enabled {
		adminMux := http.NewServeMux()
		adminHandler := admin.New(reloader, gov, cfg.Admin.IPAllowlist, logger)
		adminHandler.RegisterRoutes(adminMux)
		apiMux.Handle("/admin/", auth.Middleware(cfg.Auth, logger)(adminMux))
	}

	// Middleware stack: Recovery → RequestID → SecurityHeaders → Logging →
	// RateLimit → routes.
	var handler http.Handler = apiMux
	handler = limiter.Middleware()(handler)
	handler = middleware.Logging(logger, routeLabel)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Health and metrics bypass the middleware stack.
	opsMux := http.NewServeMux()
	healthHandler := health.New(gov, logger)
	healthHandler.RegisterRoutes(opsMux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		opsMux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/ready" ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			opsMux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	reloader.Start()
	defer reloader.Stop()

	// Pacing parameters, caps, and TTL advice follow config edits without
	// a restart. Structural settings (ports, upstream URL) still need one.
	reloader.OnReload(func(newCfg *config.Config) {
		gov.UpdateLimits(newCfg.Governor)
		limiter.UpdateConfig(newCfg.RateLimit)
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

		tlsCfg := certLoader.TLSConfig()
		if cfg.Server.TLS.MinVersion == "1.3" {
			tlsCfg.MinVersion = tls.VersionTLS13
		}
		srv.TLSConfig = tlsCfg
	}

	go func() {
		logger.Info("starting governor", "addr", srv.Addr, "tls", cfg.Server.TLS.Enabled)
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
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
	}

	// Server first, then the governor: no new submissions can arrive while
	// the worker drains and persists its counters.
	gov.Stop()
	if resultCache != nil {
		resultCache.Close()
	}

	logger.Info("governor stopped gracefully")
}

// Package main is the entry point for the health engine daemon. It
// loads configuration, recovers persisted endpoint state, assembles the
// admin API middleware stack, starts the HTTP server, and handles
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/modelgate/healthcore/internal/admin"
	"github.com/modelgate/healthcore/internal/auth"
	"github.com/modelgate/healthcore/internal/config"
	"github.com/modelgate/healthcore/internal/journal"
	"github.com/modelgate/healthcore/internal/logging"
	"github.com/modelgate/healthcore/internal/metrics"
	"github.com/modelgate/healthcore/internal/middleware"
	"github.com/modelgate/healthcore/internal/quota"
	"github.com/modelgate/healthcore/internal/ratelimit"
)

func main() {
	configPath := flag.String("config", "configs/healthd.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, closeLog, err := buildLogger(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to open log output", "error", err)
		os.Exit(1)
	}
	defer closeLog()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"endpoints", len(cfg.Endpoints),
		"auth_enabled", cfg.Auth.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"persistence_dir", cfg.Persistence.Dir,
		"sweep_interval", cfg.Engine.SweepInterval,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Persistence is optional: an empty dir runs the engine in-memory only.
	var writer *journal.Writer
	if cfg.Persistence.Dir != "" {
		writer, err = journal.NewWriter(journal.Options{
			Dir:          cfg.Persistence.Dir,
			QueueSize:    cfg.Persistence.QueueSize,
			MaxRecords:   cfg.Persistence.MaxRecords,
			MaxAge:       cfg.Persistence.MaxAge,
			CompactEvery: cfg.Persistence.CompactInterval,
		}, logger)
		if err != nil {
			logger.Error("failed to prepare journal", "error", err)
			os.Exit(1)
		}
	}

	var j quota.Journal
	if writer != nil {
		j = writer
	}
	store := quota.NewStore(cfg.Engine.Rules(), j, logger)
	for _, e := range cfg.Endpoints {
		store.Register(e.Key, quota.ParseAuthType(e.AuthType), e.Limits())
	}

	var ready atomic.Bool
	if writer != nil {
		snaps, err := journal.Load(cfg.Persistence.Dir, cfg.Persistence.MaxAge, logger)
		if err != nil {
			logger.Error("failed to load persisted state", "error", err)
			os.Exit(1)
		}
		store.Restore(snaps, time.Now())
		logger.Info("state recovered", "persisted", len(snaps))

		if err := writer.Start(store.Snapshots); err != nil {
			logger.Error("failed to start journal", "error", err)
			os.Exit(1)
		}
		defer writer.Close() //nolint:errcheck
	}
	ready.Store(true)

	store.StartSweep(cfg.Engine.SweepInterval)
	defer store.Stop()

	limiter := ratelimit.New(cfg.Admin.RateLimit, logger)
	defer limiter.Stop()

	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	reloader.OnReload(func(newCfg *config.Config) {
		store.UpdateRules(newCfg.Engine.Rules())
		for _, e := range newCfg.Endpoints {
			store.Register(e.Key, quota.ParseAuthType(e.AuthType), e.Limits())
		}
		limiter.UpdateConfig(newCfg.Admin.RateLimit)
	})

	mux := http.NewServeMux()
	adminHandler := admin.New(store, reloader, cfg.Admin.IPAllowlist, ready.Load, logger)
	adminHandler.RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	// Control actions require a token; read-only views rely on the
	// IP allowlist alone.
	actionRequiresAuth := func(r *http.Request) bool {
		return strings.HasPrefix(r.URL.Path, "/admin/actions/")
	}

	// Middleware stack: Recovery → RequestID → Logging → BodyLimit →
	// RateLimit → Auth → mux. Probes and metrics bypass the stack.
	var handler http.Handler = mux
	handler = auth.Middleware(cfg.Auth, actionRequiresAuth, logger)(handler)
	handler = limiter.Middleware()(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			mux.ServeHTTP(w, r)
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

	go func() {
		logger.Info("starting health engine", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	logger.Info("health engine stopped gracefully")
}

// buildLogger creates the JSON logger on the configured output. File
// outputs get size-based rotation.
func buildLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	var w io.Writer
	closeFn := func() {}

	switch cfg.Output {
	case "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		rw, err := logging.NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, err
		}
		w = rw
		closeFn = func() { rw.Close() } //nolint:errcheck
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})), closeFn, nil
}

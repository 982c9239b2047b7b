package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apihttp "cacherr/internal/api/http"
	"cacherr/internal/app"
	"cacherr/internal/manager"
	"cacherr/internal/metrics"
	"cacherr/internal/mover"
	"cacherr/internal/plex"
	"cacherr/internal/telemetry"
	"cacherr/internal/tracker"
	"cacherr/internal/usecase"
)

// version is stamped via -ldflags "-X main.version=..." at release build time.
var version = "dev"

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "cacherr", version)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	cacheTotal, err := mover.DiskTotalBytes(cfg.CacheDestination)
	if err != nil {
		logger.Warn("cache filesystem size unavailable", slog.String("error", err.Error()))
	}
	if err := cfg.Validate(cacheTotal); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		slog.String("service", "cacherr"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("arraySource", cfg.ArraySource),
		slog.String("cacheDestination", cfg.CacheDestination),
		slog.Int64("cacheLimitBytes", cfg.CacheLimitBytes),
		slog.String("cacheMethod", string(cfg.CacheMethod)),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		logger.Error("state dir unavailable", slog.String("error", err.Error()))
		os.Exit(1)
	}

	timestamps := tracker.NewTimestamps(filepath.Join(cfg.StateDir, "cache_timestamps.json"), logger)
	watchlist := tracker.NewWatchlist(filepath.Join(cfg.StateDir, "watchlist_tracker.json"), logger)
	ondeck := tracker.NewOnDeck(filepath.Join(cfg.StateDir, "ondeck_tracker.json"), logger)

	mv := mover.New(mover.Config{
		ArrayRoot:  cfg.ArraySource,
		CacheRoot:  cfg.CacheDestination,
		Method:     cfg.CacheMethod,
		MaxToCache: cfg.MaxConcurrentToCache,
		MaxToArray: cfg.MaxConcurrentToArray,
	}, logger)

	upstream := plex.New(plex.Config{
		BaseURL:           cfg.PlexURL,
		Token:             cfg.PlexToken,
		RequestsPerSecond: 5,
	})

	mgr := manager.New(manager.Deps{
		Upstream:   upstream,
		Mover:      mv,
		Timestamps: timestamps,
		Watchlist:  watchlist,
		OnDeck:     ondeck,
		CycleConfig: usecase.CycleConfig{
			ExitIfActiveSession:      cfg.ExitIfActiveSession,
			EpisodesAhead:            cfg.EpisodesAhead,
			DaysToMonitor:            cfg.DaysToMonitor,
			SkipOnDeckUsers:          cfg.SkipOnDeckUsers,
			WatchlistEnabled:         cfg.WatchlistEnabled,
			WatchlistEpisodesPerShow: cfg.WatchlistEpisodesShow,
			SkipWatchlistUsers:       cfg.SkipWatchlistUsers,
			MinRetentionHours:        cfg.MinRetentionHours,
			MaxCacheHours:            cfg.MaxCacheHours,
			WatchlistRetentionDays:   cfg.WatchlistRetentionDays,
			OnDeckProtected:          cfg.OnDeckProtected,
			EvictionEnabled:          cfg.EvictionEnabled,
			CacheLimitBytes:          cfg.CacheLimitBytes,
			EvictionThresholdPercent: cfg.EvictionThresholdPercent,
			EvictionTargetPercent:    cfg.EvictionTargetPercent,
			EvictionMinPriority:      cfg.EvictionMinPriority,
			EvictionProtectedHours:   cfg.EvictionProtectedHours,
			CacheMethod:              cfg.CacheMethod,
			MaxConcurrent:            int(cfg.MaxConcurrentToCache),
		},
		Monitor: manager.MonitorConfig{
			Enabled:          cfg.RealtimeEnabled,
			Interval:         time.Duration(cfg.RealtimeCheckInterval) * time.Second,
			CacheOnPlayStart: cfg.CacheOnPlayStart,
			WatchedThreshold: cfg.WatchedThresholdPct,
		},
		CacheRoot: cfg.CacheDestination,
		Logger:    logger,
	})

	if err := mgr.Start(rootCtx); err != nil {
		logger.Error("manager start failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	handler := apihttp.NewServer(mgr, apihttp.WithLogger(logger))

	// Scheduler: run a cycle at startup and then on every interval.
	go runScheduler(rootCtx, mgr, handler, cfg.CycleIntervalMinutes, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	mgr.Stop()

	logger.Info("server stopped")
}

func runScheduler(ctx context.Context, mgr *manager.Manager, handler *apihttp.Server, intervalMinutes int, logger *slog.Logger) {
	if intervalMinutes <= 0 {
		intervalMinutes = 60
	}
	interval := time.Duration(intervalMinutes) * time.Minute

	runOnce := func() {
		summary, err := mgr.RunCycle(ctx)
		if err != nil {
			logger.Warn("scheduled cycle refused", slog.String("error", err.Error()))
			return
		}
		handler.BroadcastStats(mgr.Stats())
		if summary.Skipped != "" {
			logger.Info("scheduled cycle skipped", slog.String("reason", string(summary.Skipped)))
		}
	}

	runOnce()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

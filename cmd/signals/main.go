package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tutorwise/signals/internal/config"
	"github.com/tutorwise/signals/internal/database"
	"github.com/tutorwise/signals/internal/geo"
	"github.com/tutorwise/signals/internal/httpserver"
	"github.com/tutorwise/signals/internal/metrics"
	"github.com/tutorwise/signals/internal/middleware"
	sig "github.com/tutorwise/signals/internal/signals"
	"github.com/tutorwise/signals/internal/storage"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting signals service",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
		zap.String("event_log", cfg.Signals.EventLogBackend),
		zap.String("metrics_store", cfg.Signals.MetricsBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
	}

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open backends", zap.Error(err))
	}
	defer b.Close()

	st, err := b.buildStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build stores", zap.Error(err))
	}

	var enricher sig.MetadataEnricher
	if cfg.Geo.Enabled {
		provider, err := geo.NewMaxMindProvider(cfg.Geo.DatabasePath)
		if err != nil {
			logger.Warn("geo database not available, enrichment disabled", zap.Error(err))
		} else {
			e := geo.NewEnricher(provider, cfg.Geo.CacheSize, cfg.Geo.CacheTTL, m)
			defer e.Close()
			enricher = e
		}
	}

	// Services
	aggregator := sig.NewAggregator(st.metrics, st.events, logger)
	journeys := sig.NewReconstructor(st.events, st.signals, m)
	calculator := sig.NewCalculator(journeys, cfg.Signals.AttributionWorkers, logger, m)

	handler := httpserver.NewServer(&httpserver.Dependencies{
		Config:     cfg,
		Logger:     logger,
		Metrics:    m,
		Health:     b.health(),
		Issuer:     sig.NewIssuer(st.signals, cfg.Signals.DistributionTTL, cfg.Signals.OrganicTTL, logger, m),
		Recorder:   sig.NewRecorder(st.signals, st.events, aggregator, enricher, logger, m),
		Aggregator: aggregator,
		Reporting:  sig.NewReportingService(st.metrics, st.events, journeys, calculator, cfg.Signals.DefaultWindowDays, logger),
	})

	proxies, err := middleware.NewProxyTrust(cfg.Server.TrustedProxies)
	if err != nil {
		logger.Fatal("invalid SIGNALS_TRUSTED_PROXIES", zap.Error(err))
	}

	// RequestID -> ClientIP -> Recovery -> Logging -> RateLimit -> Auth -> Handler
	rateLimitMW := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger)
	rateLimitMW.SetMetrics(m)
	finalHandler := middleware.Chain(handler,
		middleware.RequestID,
		proxies.Handler,
		middleware.NewRecoveryMiddleware(logger).Handler,
		middleware.NewLoggingMiddleware(logger).Handler,
		rateLimitMW.HandlerPerIP,
		rateLimitMW.Handler,
		middleware.NewAuthMiddleware(cfg.Auth, logger).Handler,
	)

	if cfg.Drift.Enabled {
		checker := sig.NewDriftChecker(aggregator, st.events, cfg.Drift.BatchSize, cfg.Drift.Interval, logger, m)
		go checker.Run(ctx)
	}
	go maintenance(ctx, b, rateLimitMW, m)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           finalHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// maintenance refreshes pool gauges and drops idle per-IP limiters.
func maintenance(ctx context.Context, b *backends, rl *middleware.RateLimitMiddleware, m *metrics.Metrics) {
	stats := time.NewTicker(15 * time.Second)
	defer stats.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stats.C:
			if m != nil && b.postgres != nil {
				s := b.postgres.Stats()
				m.UpdateDBStats(s.Idle, s.InUse, s.Total)
			}
		case <-cleanup.C:
			rl.CleanupIPLimiters()
		}
	}
}

// ---- Backends ----

type backends struct {
	postgres   *database.PostgresDB
	redis      *database.RedisDB
	clickhouse *database.ClickHouseDB
}

type stores struct {
	signals storage.SignalRepo
	events  storage.EventLog
	metrics storage.MetricsStore
}

// openBackends connects to the databases the configuration needs. Outside
// production an unreachable backend degrades to in-memory storage.
func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{}
	strict := cfg.IsProduction()

	db, err := database.NewPostgresDB(ctx, cfg.Database, logger)
	switch {
	case err == nil:
		b.postgres = db
		if cfg.Database.RunMigrations {
			if err := database.RunMigrations(cfg.Database, logger); err != nil {
				b.Close()
				return nil, err
			}
		}
	case strict:
		return nil, err
	default:
		logger.Warn("PostgreSQL not available, using in-memory storage", zap.Error(err))
	}

	if cfg.Signals.MetricsBackend == "redis" || cfg.Signals.CacheSignals {
		rdb, err := database.NewRedisDB(ctx, cfg.Redis, logger)
		switch {
		case err == nil:
			b.redis = rdb
		case strict && cfg.Signals.MetricsBackend == "redis":
			b.Close()
			return nil, err
		default:
			logger.Warn("Redis not available, signal cache disabled", zap.Error(err))
		}
	}

	if cfg.Signals.EventLogBackend == "clickhouse" {
		ch, err := database.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		switch {
		case err == nil:
			b.clickhouse = ch
		case strict:
			b.Close()
			return nil, err
		default:
			logger.Warn("ClickHouse not available, using in-memory event log", zap.Error(err))
		}
	}

	return b, nil
}

func (b *backends) buildStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	s := &stores{
		signals: storage.NewInMemorySignalRepo(),
		events:  storage.NewInMemoryEventLog(),
		metrics: storage.NewInMemoryMetricsStore(),
	}

	if b.postgres != nil {
		s.signals = storage.NewPostgresSignalRepo(b.postgres.Pool)
		if cfg.Signals.EventLogBackend == "postgres" {
			s.events = storage.NewPostgresEventLog(b.postgres.Pool)
		}
		if cfg.Signals.MetricsBackend == "postgres" {
			s.metrics = storage.NewPostgresMetricsStore(b.postgres.Pool)
		}
	}

	if b.clickhouse != nil {
		events := storage.NewClickHouseEventLog(b.clickhouse.Conn)
		if err := events.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		s.events = events
	}

	if b.redis != nil {
		if cfg.Signals.MetricsBackend == "redis" {
			s.metrics = storage.NewRedisMetricsStore(b.redis.Client)
		}
		if cfg.Signals.CacheSignals {
			s.signals = storage.NewCachedSignalRepo(s.signals, b.redis.Client)
		}
	}

	logger.Info("storage ready",
		zap.String("signals", fmt.Sprintf("%T", s.signals)),
		zap.String("events", fmt.Sprintf("%T", s.events)),
		zap.String("metrics", fmt.Sprintf("%T", s.metrics)),
	)
	return s, nil
}

func (b *backends) health() map[string]httpserver.HealthChecker {
	h := make(map[string]httpserver.HealthChecker)
	if b.postgres != nil {
		h["postgres"] = b.postgres
	}
	if b.redis != nil {
		h["redis"] = b.redis
	}
	if b.clickhouse != nil {
		h["clickhouse"] = b.clickhouse
	}
	return h
}

func (b *backends) Close() {
	if b.clickhouse != nil {
		b.clickhouse.Close()
	}
	if b.redis != nil {
		b.redis.Close()
	}
	if b.postgres != nil {
		b.postgres.Close()
	}
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/pssim/internal/config"
	"github.com/ehr/pssim/internal/domain/record"
	"github.com/ehr/pssim/internal/platform/db"
	"github.com/ehr/pssim/internal/platform/discovery"
	"github.com/ehr/pssim/internal/platform/identity"
	"github.com/ehr/pssim/internal/platform/location"
	"github.com/ehr/pssim/internal/platform/metrics"
	"github.com/ehr/pssim/internal/platform/middleware"
	"github.com/ehr/pssim/internal/platform/propagation"
)

const appName = "pssim"

// runtime is the wired routing core shared by the server and the CLI.
type runtime struct {
	cache      *location.Cache
	discoverer *discovery.Discoverer
	injector   *propagation.Injector
	health     db.Pinger
	closers    []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}
	return logger
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		AppName:  appName,
	}
}

// buildRuntime connects the configured store, warms the cache and builds
// the discoverer and injector. m may be nil.
func buildRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (*runtime, error) {
	rt := &runtime{}
	cacheOpts := []location.CacheOption{location.WithLogger(logger)}

	switch cfg.LocationStore {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, pool.Close)
		rt.health = pool
		cacheOpts = append(cacheOpts, location.WithStore(location.NewPGStore(pool)))
		logger.Info().Msg("connected to database")

	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		rt.closers = append(rt.closers, func() { client.Close() })
		rt.health = db.PingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
		cacheOpts = append(cacheOpts, location.WithStore(location.NewRedisStore(client, cfg.RedisKey)))
		logger.Info().Msg("connected to redis")
	}

	rt.cache = location.NewCache(cacheOpts...)
	n, err := rt.cache.Warm(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if n > 0 {
		logger.Info().Int("locations", n).Msg("location cache warmed")
	}

	candidates, err := discovery.NewHTTPCandidates(cfg.BackendCandidates,
		discovery.WithHTTPClient(&http.Client{Timeout: cfg.ProbeTimeout}),
		discovery.WithProbePath(cfg.ProbePath),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.discoverer = discovery.NewDiscoverer(rt.cache, candidates,
		discovery.WithUserAgent(cfg.ProbeUserAgent),
		discovery.WithLogger(logger),
		discovery.WithMetrics(m),
	)

	injCfg := propagation.DefaultConfig()
	injCfg.RoutingHeader = cfg.RoutingHeader
	injCfg.ActorHeader = cfg.ActorHeader
	injCfg.FallbackKeys = cfg.InsurantFallbackKeys
	injCfg.Exclusions = append([]string{cfg.ProbePath}, cfg.RoutingExclusions...)
	rt.injector = propagation.NewInjector(rt.cache, injCfg,
		propagation.WithLogger(logger),
		propagation.WithMetrics(m),
	)
	return rt, nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	var (
		reg *prometheus.Registry
		m   *metrics.Metrics
	)
	if cfg.MetricsEnabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
	}

	ctx := context.Background()
	rt, err := buildRuntime(ctx, cfg, logger, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build routing core")
	}
	defer rt.Close()
	if reg != nil {
		metrics.RegisterCacheSize(reg, rt.cache.Len)
	}

	e := newEcho(cfg, logger, rt, reg)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Strs("candidates", cfg.BackendCandidates).
			Str("store", cfg.LocationStore).
			Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger, rt *runtime, reg *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(identity.Middleware(identity.ExtractConfig{
		InsurantKeys: cfg.InsurantKeys,
		ActorHeader:  cfg.ActorHeader,
		ActorClaim:   cfg.ActorClaim,
	}, logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"locations": rt.cache.Len(),
		})
	})
	if rt.health != nil {
		e.GET("/health/store", db.HealthHandler(cfg.LocationStore, rt.health))
	}
	if reg != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	svc := record.NewService(rt.discoverer, rt.cache, rt.injector.Client(cfg.OutboundTimeout), logger)
	record.NewHandler(svc).RegisterRoutes(e.Group("/api/v1"))
	return e
}

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/robfig/cron/v3"

	"github.com/museflow/ai-gateway/internal/analytics"
	"github.com/museflow/ai-gateway/internal/engine"
	"github.com/museflow/ai-gateway/internal/metrics"
	"github.com/museflow/ai-gateway/internal/providers"
	"github.com/museflow/ai-gateway/internal/proxy"
	"github.com/museflow/ai-gateway/internal/secrets"
	"github.com/museflow/ai-gateway/internal/store"
	"github.com/museflow/ai-gateway/internal/template"
)

// initInfra opens the provider store and any optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	st, err := store.Open(a.cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	a.st = st
	a.log.Info("provider store opened", slog.String("path", a.cfg.Database.Path))

	if err := a.seedProviders(ctx); err != nil {
		return err
	}

	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices creates metrics, the analytics sink, the credentials
// resolver, the invocation engine, and the template executor.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	backend, err := a.analyticsBackend(ctx)
	if err != nil {
		return err
	}
	sink, err := analytics.NewSink(a.baseCtx, backend)
	if err != nil {
		return fmt.Errorf("analytics: %w", err)
	}
	a.sink = sink
	a.collector = metrics.NewCollector(sink)

	a.resolver = secrets.NewResolver(a.log)
	a.eng = engine.New(a.log, engine.WithGlobalTimeout(a.cfg.RequestTimeout))

	a.templates = template.NewExecutor(a.st, a.log,
		executorOptions(a.cfg.Cache.Mode, a.rdb)...)
	a.log.Info("template executor ready", slog.String("cache_mode", a.cfg.Cache.Mode))

	return nil
}

// initProxy wires the proxy core, the health monitor, and the HTTP server.
func (a *App) initProxy(_ context.Context) error {
	px, err := proxy.New(a.st, a.eng, a.resolver, proxy.Options{
		Logger:   a.log,
		Registry: a.prom,
		CBConfig: proxy.CBConfig{
			FailureThreshold:   a.cfg.CircuitBreaker.FailureThreshold,
			OpenTimeout:        a.cfg.CircuitBreaker.OpenTimeout,
			HalfOpenRetryDelay: a.cfg.CircuitBreaker.HalfOpenRetryDelay,
			HalfOpenMaxCalls:   a.cfg.CircuitBreaker.HalfOpenMaxCalls,
		},
		Collector: a.collector,
		Analytics: a.sink,
	})
	if err != nil {
		return err
	}
	a.px = px

	cacheReady := func() bool { return true }
	if a.rdb != nil {
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	}

	a.monitor = proxy.NewHealthMonitor(a.baseCtx, a.st, a.eng, a.resolver, proxy.MonitorOptions{
		Interval:   a.cfg.HealthCheck.Interval,
		CacheReady: cacheReady,
		DBReady:    storePinger(a.baseCtx, a.st),
		Logger:     a.log,
		Registry:   a.prom,
	})
	if a.cfg.HealthLoopEnabled() {
		if err := a.monitor.Start(); err != nil {
			return err
		}
	}

	a.srv = proxy.NewServer(a.px, a.st, a.templates, a.prom, proxy.ServerOptions{
		Monitor:     a.monitor,
		CORSOrigins: a.cfg.CORSOrigins,
		Logger:      a.log,
	})

	return nil
}

// initJobs schedules the periodic in-process sweeps: expired template cache
// entries every 10 minutes and stale collector windows hourly.
func (a *App) initJobs(_ context.Context) error {
	a.jobs = cron.New()

	if _, err := a.jobs.AddFunc("@every 10m", func() {
		if n := a.templates.Cleanup(); n > 0 {
			a.log.Debug("template cache sweep", slog.Int("evicted", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule cache sweep: %w", err)
	}

	if _, err := a.jobs.AddFunc("@every 1h", func() {
		if n := a.collector.Cleanup(); n > 0 {
			a.log.Debug("metric window sweep", slog.Int("evicted", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule metric sweep: %w", err)
	}

	a.jobs.Start()
	return nil
}

// analyticsBackend picks ClickHouse when configured, slog otherwise.
func (a *App) analyticsBackend(ctx context.Context) (analytics.Backend, error) {
	if a.cfg.Analytics.Addr == "" {
		a.log.Info("analytics backend: slog (set CLICKHOUSE_ADDR for queryable history)")
		return analytics.NewLogBackend(a.log), nil
	}

	backend, err := analytics.NewClickHouseBackend(ctx, analytics.ClickHouseConfig{
		Addr:     a.cfg.Analytics.Addr,
		Database: a.cfg.Analytics.Database,
		Username: a.cfg.Analytics.Username,
		Password: a.cfg.Analytics.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("analytics: %w", err)
	}
	a.log.Info("analytics backend: clickhouse", slog.String("addr", a.cfg.Analytics.Addr))
	return backend, nil
}

// seedProviders loads provider configurations from the configured seed file
// into an empty store. A non-empty store is never reseeded, so operator
// edits through the management API survive restarts.
func (a *App) seedProviders(ctx context.Context) error {
	if a.cfg.SeedFile == "" {
		return nil
	}

	n, err := a.st.Count(ctx)
	if err != nil {
		return fmt.Errorf("seed: count providers: %w", err)
	}
	if n > 0 {
		a.log.Debug("provider store already populated, skipping seed",
			slog.Int("providers", n))
		return nil
	}

	raw, err := os.ReadFile(a.cfg.SeedFile)
	if err != nil {
		return fmt.Errorf("seed: read %s: %w", a.cfg.SeedFile, err)
	}

	var configs []*providers.ProviderConfiguration
	if err := json.Unmarshal(raw, &configs); err != nil {
		return fmt.Errorf("seed: parse %s: %w", a.cfg.SeedFile, err)
	}

	for _, cfg := range configs {
		if _, err := a.st.Create(ctx, cfg); err != nil {
			return fmt.Errorf("seed: create provider %q: %w", cfg.ProviderID, err)
		}
	}
	a.log.Info("provider store seeded",
		slog.String("file", a.cfg.SeedFile),
		slog.Int("providers", len(configs)),
	)
	return nil
}

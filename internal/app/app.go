// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — provider store (SQLite), Redis when CACHE_MODE=redis
//  2. initServices — metrics, analytics sink, credentials, invocation engine
//  3. initProxy    — proxy core, health monitor, HTTP server
//  4. initJobs     — scheduled cache and metric sweeps
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/museflow/ai-gateway/internal/analytics"
	gwcache "github.com/museflow/ai-gateway/internal/cache"
	"github.com/museflow/ai-gateway/internal/config"
	"github.com/museflow/ai-gateway/internal/engine"
	"github.com/museflow/ai-gateway/internal/metrics"
	"github.com/museflow/ai-gateway/internal/proxy"
	"github.com/museflow/ai-gateway/internal/secrets"
	"github.com/museflow/ai-gateway/internal/store"
	"github.com/museflow/ai-gateway/internal/template"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	st   *store.Store
	sink *analytics.Sink

	prom      *metrics.Registry
	collector *metrics.Collector

	resolver  *secrets.Resolver
	eng       *engine.Engine
	templates *template.Executor

	px      *proxy.Proxy
	monitor *proxy.HealthMonitor
	srv     *proxy.Server

	jobs *cron.Cron
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"proxy", a.initProxy},
		{"jobs", a.initJobs},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("env", a.cfg.Env),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Bool("health_loop", a.cfg.HealthLoopEnabled()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.jobs != nil {
		<-a.jobs.Stop().Done()
		a.jobs = nil
	}
	if a.monitor != nil {
		a.monitor.Stop()
		a.monitor = nil
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.log.Error("analytics close error", slog.String("error", err.Error()))
		}
		a.sink = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthMonitor. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// storePinger probes the provider store with a cheap count query.
func storePinger(ctx context.Context, st *store.Store) func() bool {
	return func() bool {
		probeCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_, err := st.Count(probeCtx)
		return err == nil
	}
}

// executorOptions maps the cache mode onto template executor options.
func executorOptions(mode string, rdb *redis.Client) []template.Option {
	switch mode {
	case "redis":
		return []template.Option{template.WithSharedCache(gwcache.NewRedisCacheFromClient(rdb))}
	case "none":
		return []template.Option{template.WithExecutionCacheDisabled()}
	default:
		return nil
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}

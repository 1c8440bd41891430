package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/museflow/ai-gateway/internal/metrics"
	"github.com/museflow/ai-gateway/internal/providers"
	"github.com/museflow/ai-gateway/internal/store"
)

const healthProbeTimeout = 10 * time.Second

// HealthMonitor periodically probes every active provider and persists
// the resulting health status. Sweeps run on a cron schedule; updates are
// serialized so concurrent sweeps can never interleave writes.
type HealthMonitor struct {
	store    ConfigStore
	engine   Invoker
	creds    CredentialSource
	registry *metrics.Registry
	log      *slog.Logger

	baseCtx    context.Context
	cron       *cron.Cron
	interval   time.Duration
	cacheReady func() bool
	dbReady    func() bool
	startTime  time.Time

	mu       sync.Mutex
	sweeping bool
	statuses map[string]providers.HealthStatus
}

// MonitorOptions configures a HealthMonitor.
type MonitorOptions struct {
	// Interval between sweeps. Default 30s.
	Interval time.Duration

	// CacheReady and DBReady are readiness probes for /readiness. Nil
	// probes report ready.
	CacheReady func() bool
	DBReady    func() bool

	Logger   *slog.Logger
	Registry *metrics.Registry
}

// NewHealthMonitor builds a monitor. Call Start to begin sweeping.
func NewHealthMonitor(ctx context.Context, st ConfigStore, eng Invoker, creds CredentialSource, opts MonitorOptions) *HealthMonitor {
	if ctx == nil {
		panic("healthmonitor: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = metrics.New()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		store:      st,
		engine:     eng,
		creds:      creds,
		registry:   registry,
		log:        log,
		baseCtx:    ctx,
		cron:       cron.New(),
		interval:   interval,
		cacheReady: opts.CacheReady,
		dbReady:    opts.DBReady,
		startTime:  time.Now(),
		statuses:   make(map[string]providers.HealthStatus),
	}
}

// Start runs one immediate sweep and schedules the recurring ones.
func (hm *HealthMonitor) Start() error {
	spec := fmt.Sprintf("@every %s", hm.interval)
	if _, err := hm.cron.AddFunc(spec, hm.Sweep); err != nil {
		return fmt.Errorf("healthmonitor: schedule %q: %w", spec, err)
	}
	go hm.Sweep()
	hm.cron.Start()
	return nil
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (hm *HealthMonitor) Stop() {
	<-hm.cron.Stop().Done()
}

// Forget drops the tracked status for a deleted provider so the health
// snapshot stops reporting it.
func (hm *HealthMonitor) Forget(providerID string) {
	hm.mu.Lock()
	delete(hm.statuses, providerID)
	hm.mu.Unlock()
}

// Sweep probes every active provider once. Overlapping invocations are
// coalesced: a sweep that finds another in progress returns immediately.
func (hm *HealthMonitor) Sweep() {
	hm.mu.Lock()
	if hm.sweeping {
		hm.mu.Unlock()
		return
	}
	hm.sweeping = true
	hm.mu.Unlock()
	defer func() {
		hm.mu.Lock()
		hm.sweeping = false
		hm.mu.Unlock()
	}()

	active := true
	all, err := hm.store.FindAll(hm.baseCtx, store.ListFilter{IsActive: &active})
	if err != nil {
		hm.log.Error("health_sweep_list_failed", slog.String("error", err.Error()))
		return
	}

	for _, cfg := range all {
		status := hm.probeOne(cfg)
		hm.setStatus(cfg.ProviderID, status)
	}
}

// probeOne determines the health of a single provider.
//
// Providers whose every request costs money (music generation without a
// free health endpoint) are assumed healthy rather than probed. A free
// dedicated endpoint is hit directly; everything else gets a minimal
// request whose well-formed rejection (400/422/429) still counts as
// healthy.
func (hm *HealthMonitor) probeOne(cfg *providers.ProviderConfiguration) providers.HealthStatus {
	ctx, cancel := context.WithTimeout(hm.baseCtx, healthProbeTimeout)
	defer cancel()

	creds := hm.creds.Resolve(cfg.ProviderID, cfg.Config.Auth)
	he := cfg.Config.HealthEndpoint

	if he != nil && he.IsFree {
		status, err := hm.engine.ProbeHealth(ctx, cfg, creds)
		if err != nil {
			return providers.HealthUnhealthy
		}
		if healthyStatus(status) {
			return providers.HealthHealthy
		}
		return providers.HealthUnhealthy
	}

	if cfg.ProviderType == providers.TypeMusic {
		return providers.HealthHealthy
	}

	if !creds.IsValid {
		return providers.HealthUnhealthy
	}

	req := &providers.ProviderRequest{
		ProviderID:      cfg.ProviderID,
		Operation:       operationForType(cfg.ProviderType),
		Payload:         map[string]any{"prompt": "ping"},
		RequestID:       uuid.New().String(),
		Options:         &providers.RequestOptions{MaxTokens: 1},
		SuppressLogging: true,
	}
	_, err := hm.engine.Invoke(ctx, cfg, req, creds)
	if err == nil {
		return providers.HealthHealthy
	}
	var pe *providers.Error
	if errors.As(err, &pe) && healthyStatus(pe.StatusCode) {
		return providers.HealthHealthy
	}
	return providers.HealthUnhealthy
}

// setStatus records a probe result, persisting only real transitions.
func (hm *HealthMonitor) setStatus(providerID string, status providers.HealthStatus) {
	hm.mu.Lock()
	prev, known := hm.statuses[providerID]
	hm.statuses[providerID] = status
	hm.mu.Unlock()

	hm.registry.SetProviderHealth(providerID, status == providers.HealthHealthy)

	if known && prev == status {
		return
	}
	ctx, cancel := context.WithTimeout(hm.baseCtx, 5*time.Second)
	defer cancel()
	if err := hm.store.UpdateHealthStatus(ctx, providerID, status); err != nil {
		hm.log.Error("health_status_persist_failed",
			slog.String("provider_id", providerID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		return
	}
	hm.log.Info("provider_health_changed",
		slog.String("provider_id", providerID),
		slog.String("status", string(status)),
	)
}

// HealthSnapshot is the /health payload.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Cache         string            `json:"cache"`
	Database      string            `json:"database"`
}

// Snapshot builds the current health view.
func (hm *HealthMonitor) Snapshot() HealthSnapshot {
	overall := "ok"

	hm.mu.Lock()
	provs := make(map[string]string, len(hm.statuses))
	for id, st := range hm.statuses {
		provs[id] = string(st)
		if st != providers.HealthHealthy {
			overall = "degraded"
		}
	}
	hm.mu.Unlock()

	cacheSt := "ok"
	if hm.cacheReady != nil && !hm.cacheReady() {
		cacheSt = "degraded"
	}
	dbSt := "ok"
	if hm.dbReady != nil && !hm.dbReady() {
		dbSt = "down"
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hm.startTime).Seconds()),
		Providers:     provs,
		Cache:         cacheSt,
		Database:      dbSt,
	}
}

// ReadinessOK reports whether the storage layer is reachable.
func (hm *HealthMonitor) ReadinessOK() bool {
	return hm.dbReady == nil || hm.dbReady()
}

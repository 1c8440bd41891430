// Package proxy is the core provider dispatcher.
//
// The Proxy receives a normalized provider request, selects candidate
// providers by priority, and walks them until one succeeds — skipping
// providers whose circuit breaker is open and recording every attempt in
// metrics and the analytics pipeline.
//
// Key design constraints:
//   - Provider configurations are data, not code: the engine executes
//     whatever the store describes.
//   - Client faults (400/401/403) and rate limits never trip a breaker.
//   - All I/O takes context.Context so timeouts propagate correctly.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/museflow/ai-gateway/internal/analytics"
	"github.com/museflow/ai-gateway/internal/metrics"
	"github.com/museflow/ai-gateway/internal/providers"
	"github.com/museflow/ai-gateway/internal/secrets"
	"github.com/museflow/ai-gateway/internal/store"
)

// ConfigStore is the slice of the provider repository the dispatcher needs.
// *store.Store satisfies it; tests inject fakes.
type ConfigStore interface {
	FindActiveProviders(ctx context.Context, pt providers.ProviderType) ([]*providers.ProviderConfiguration, error)
	FindByProviderAndType(ctx context.Context, providerID string, pt providers.ProviderType) (*providers.ProviderConfiguration, error)
	FindAll(ctx context.Context, filter store.ListFilter) ([]*providers.ProviderConfiguration, error)
	UpdateHealthStatus(ctx context.Context, providerID string, status providers.HealthStatus) error
}

// Invoker executes one provider attempt. *engine.Engine satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, cfg *providers.ProviderConfiguration, req *providers.ProviderRequest, creds secrets.Credentials) (*providers.ProviderResponse, error)
	ProbeHealth(ctx context.Context, cfg *providers.ProviderConfiguration, creds secrets.Credentials) (int, error)
}

// CredentialSource resolves provider auth material. *secrets.Resolver
// satisfies it.
type CredentialSource interface {
	Resolve(providerID string, auth *providers.AuthConfig) secrets.Credentials
	Invalidate(providerID string)
}

// Options holds optional Proxy tuning. All fields have defaults.
type Options struct {
	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// CBConfig configures per-provider breaker thresholds.
	CBConfig CBConfig

	// Registry enables Prometheus metrics. Required in production wiring;
	// tests may pass a fresh registry.
	Registry *metrics.Registry

	// Collector backs the usage-statistics API. Optional.
	Collector *metrics.Collector

	// Analytics receives per-invocation events. Optional.
	Analytics *analytics.Sink
}

// Proxy coordinates selection, circuit breaking, and failover across the
// configured providers.
type Proxy struct {
	store    ConfigStore
	engine   Invoker
	creds    CredentialSource
	cb       *CircuitBreaker
	log      *slog.Logger
	registry *metrics.Registry

	collector *metrics.Collector
	analytics *analytics.Sink

	strategy providers.LoadBalancingStrategy
}

// New builds a Proxy. store, eng, and creds are required.
func New(st ConfigStore, eng Invoker, creds CredentialSource, opts Options) (*Proxy, error) {
	if st == nil || eng == nil || creds == nil {
		return nil, fmt.Errorf("proxy: store, engine, and credential source are required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = metrics.New()
	}
	return &Proxy{
		store:     st,
		engine:    eng,
		creds:     creds,
		cb:        NewCircuitBreakerWithConfig(opts.CBConfig),
		log:       log,
		registry:  registry,
		collector: opts.Collector,
		analytics: opts.Analytics,
		strategy:  providers.StrategyPriority,
	}, nil
}

// Invoke dispatches req to the best available provider, failing over on
// retryable errors. Client faults abort the loop immediately; exhausted
// candidates surface as PROVIDER_UNAVAILABLE carrying the last failure.
func (p *Proxy) Invoke(ctx context.Context, req *providers.ProviderRequest) (*providers.ProviderResponse, error) {
	if req == nil || req.Operation == "" {
		return nil, providers.NewError(providers.CodeValidation, "operation is required", 400)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	candidates, err := p.buildCandidateList(ctx, req)
	if err != nil {
		return nil, err
	}

	primary := candidates[0].ProviderID
	var lastErr error
	prevProvider := ""

	for _, cfg := range candidates {
		// Allow is the consuming check: selection only filtered on
		// availability, and pinned providers bypass selection entirely.
		stateBefore := p.cb.State(cfg.ProviderID)
		if !p.cb.Allow(cfg.ProviderID) {
			p.registry.RecordCircuitBreakerRejection(cfg.ProviderID)
			p.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", req.RequestID),
				slog.String("provider_id", cfg.ProviderID),
			)
			if lastErr == nil {
				lastErr = providers.NewError(providers.CodeCircuitOpen,
					fmt.Sprintf("circuit breaker open for provider %q", cfg.ProviderID), 503)
			}
			continue
		}
		if p.collector != nil && stateBefore == cbOpen && p.cb.State(cfg.ProviderID) == cbHalfOpen {
			p.collector.RecordCircuitBreakerEvent(cfg.ProviderID, "half_open")
		}

		creds := p.creds.Resolve(cfg.ProviderID, cfg.Config.Auth)
		if !creds.IsValid {
			p.cb.ProbeFinished(cfg.ProviderID)
			lastErr = providers.NewError(providers.CodeAPIKeyMissing,
				fmt.Sprintf("missing credentials for provider %q: %v",
					cfg.ProviderID, creds.MissingCredentials), 503)
			p.log.WarnContext(ctx, "credentials_missing",
				slog.String("request_id", req.RequestID),
				slog.String("provider_id", cfg.ProviderID),
			)
			continue
		}

		if prevProvider != "" {
			reason := string(providers.Classify(lastErr))
			p.registry.RecordFallback(prevProvider, cfg.ProviderID, reason)
			p.log.InfoContext(ctx, "fallback_attempt",
				slog.String("request_id", req.RequestID),
				slog.String("from", prevProvider),
				slog.String("to", cfg.ProviderID),
				slog.String("reason", reason),
			)
		}

		start := time.Now()
		resp, err := p.engine.Invoke(ctx, cfg, req, creds)
		dur := time.Since(start)

		if err == nil {
			p.recordOutcome(ctx, cfg, req, true, dur, resp, nil)
			if cfg.ProviderID != primary {
				p.log.InfoContext(ctx, "fallback_success",
					slog.String("request_id", req.RequestID),
					slog.String("from", primary),
					slog.String("to", cfg.ProviderID),
					slog.Int64("latency_ms", dur.Milliseconds()),
				)
			}
			return resp, nil
		}

		p.recordOutcome(ctx, cfg, req, false, dur, nil, err)
		lastErr = err
		prevProvider = cfg.ProviderID

		// Caller faults will fail identically on every provider.
		if providers.IsClientFault(err) {
			return nil, err
		}
	}

	p.registry.RecordFallbackExhausted(string(req.Operation))
	if lastErr == nil {
		lastErr = providers.NewError(providers.CodeNoProviders, "no providers available", 503)
	}
	return nil, &providers.Error{
		Code:       providers.CodeProviderUnavailable,
		Message:    fmt.Sprintf("all providers failed for operation %q: %v", req.Operation, lastErr),
		Kind:       providers.Classify(lastErr),
		StatusCode: 503,
	}
}

// recordOutcome updates the breaker and every observability surface for
// one provider attempt.
func (p *Proxy) recordOutcome(ctx context.Context, cfg *providers.ProviderConfiguration, req *providers.ProviderRequest, success bool, dur time.Duration, resp *providers.ProviderResponse, attemptErr error) {
	cost := 0.0
	if success {
		prev := p.cb.State(cfg.ProviderID)
		p.cb.RecordSuccess(cfg.ProviderID)
		if p.collector != nil && prev != cbClosed {
			p.collector.RecordCircuitBreakerEvent(cfg.ProviderID, "closed")
		}
		cost = resp.Metadata.Cost
		if u := resp.Metadata.TokensUsed; u != nil {
			p.registry.AddTokens(cfg.ProviderID, u.Prompt, u.Completion)
		}
	} else {
		kind := providers.Classify(attemptErr)
		p.registry.RecordError(cfg.ProviderID, string(kind))
		// Client faults and rate limits say nothing about provider health.
		if !providers.IsClientFault(attemptErr) && kind != providers.KindRateLimit {
			prev := p.cb.State(cfg.ProviderID)
			p.cb.RecordFailure(cfg.ProviderID)
			if p.collector != nil && prev != cbOpen && p.cb.State(cfg.ProviderID) == cbOpen {
				p.collector.RecordCircuitBreakerEvent(cfg.ProviderID, "opened")
			}
		} else {
			p.cb.ProbeFinished(cfg.ProviderID)
		}
		p.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider_id", cfg.ProviderID),
			slog.String("kind", string(kind)),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", attemptErr.Error()),
		)
	}
	p.registry.SetCircuitBreaker(cfg.ProviderID, int64(p.cb.State(cfg.ProviderID)))
	p.registry.ObserveInvocation(cfg.ProviderID, string(req.Operation), success, dur, cost)

	if p.collector != nil {
		p.collector.RecordProviderRequest(cfg.ProviderID, string(req.Operation), success, dur.Milliseconds(), cost)
	}
	if p.analytics != nil {
		ev := analytics.InvocationEvent{
			RequestID:    req.RequestID,
			ProviderID:   cfg.ProviderID,
			ProviderName: cfg.ProviderName,
			Operation:    string(req.Operation),
			Success:      success,
			DurationMs:   dur.Milliseconds(),
			Cost:         cost,
		}
		if success {
			if u := resp.Metadata.TokensUsed; u != nil {
				ev.TokensUsed = u.Total
			}
		} else {
			var pe *providers.Error
			if errors.As(attemptErr, &pe) {
				ev.ErrorCode = pe.Code
			} else {
				ev.ErrorCode = providers.CodeInvocationFailed
			}
		}
		p.analytics.RecordInvocation(ev)
	}
}

// TestResult is the outcome of a one-off provider test invocation.
type TestResult struct {
	ProviderID string `json:"providerId"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode,omitempty"`
	LatencyMs  int64  `json:"latencyMs"`
	Error      string `json:"error,omitempty"`
}

// TestProvider runs a minimal invocation against one provider without
// touching the breaker or failover. Intended for the management API.
func (p *Proxy) TestProvider(ctx context.Context, providerID string) (*TestResult, error) {
	cfg, err := p.findProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}

	creds := p.creds.Resolve(cfg.ProviderID, cfg.Config.Auth)
	if !creds.IsValid {
		return &TestResult{
			ProviderID: providerID,
			Error:      fmt.Sprintf("missing credentials: %v", creds.MissingCredentials),
		}, nil
	}

	start := time.Now()
	result := &TestResult{ProviderID: providerID}

	if he := cfg.Config.HealthEndpoint; he != nil {
		status, perr := p.engine.ProbeHealth(ctx, cfg, creds)
		result.LatencyMs = time.Since(start).Milliseconds()
		result.StatusCode = status
		if perr != nil {
			result.Error = perr.Error()
		} else {
			result.Success = healthyStatus(status)
		}
		return result, nil
	}

	req := &providers.ProviderRequest{
		ProviderID:      cfg.ProviderID,
		Operation:       operationForType(cfg.ProviderType),
		Payload:         map[string]any{"prompt": "ping"},
		RequestID:       uuid.New().String(),
		SuppressLogging: true,
	}
	resp, ierr := p.engine.Invoke(ctx, cfg, req, creds)
	result.LatencyMs = time.Since(start).Milliseconds()
	if ierr != nil {
		result.Error = ierr.Error()
		var pe *providers.Error
		if errors.As(ierr, &pe) {
			result.StatusCode = pe.StatusCode
			// A well-formed rejection still proves the endpoint is up.
			result.Success = pe.IsClientFault() || pe.StatusCode == 422
		}
		return result, nil
	}
	result.Success = true
	result.StatusCode = resp.Metadata.HTTPStatus
	return result, nil
}

// ProvidersByCapability lists the active providers able to serve op, in
// priority order, without consulting circuit breakers.
func (p *Proxy) ProvidersByCapability(ctx context.Context, op providers.Operation) ([]*providers.ProviderConfiguration, error) {
	pt, ok := providers.TypeForOperation(op)
	if !ok {
		return nil, providers.NewError(providers.CodeValidation,
			fmt.Sprintf("unsupported operation %q", op), 400)
	}
	return p.store.FindActiveProviders(ctx, pt)
}

// UsageStatistics summarizes one provider's recent traffic. Window
// defaults to one hour.
func (p *Proxy) UsageStatistics(providerID string, window time.Duration) metrics.ProviderStats {
	if p.collector == nil {
		return metrics.ProviderStats{}
	}
	if window <= 0 {
		window = time.Hour
	}
	return p.collector.GetProviderStats(providerID, window)
}

// ConfigureLoadBalancing sets the candidate-ordering strategy. Only
// priority ordering is implemented; other strategies are rejected.
func (p *Proxy) ConfigureLoadBalancing(strategy providers.LoadBalancingStrategy) error {
	if strategy != providers.StrategyPriority {
		return providers.NewError(providers.CodeValidation,
			fmt.Sprintf("load balancing strategy %q is not supported", strategy), 400)
	}
	p.strategy = strategy
	return nil
}

// BreakerState exposes the breaker label for one provider (health API).
func (p *Proxy) BreakerState(providerID string) string {
	return p.cb.StateLabel(providerID)
}

// ForgetProvider drops the runtime state tied to a provider id: its
// breaker entry and any cached credentials. Called when a configuration
// is deleted so a later re-registration starts clean.
func (p *Proxy) ForgetProvider(providerID string) {
	p.cb.Reset(providerID)
	p.creds.Invalidate(providerID)
}

func (p *Proxy) findProvider(ctx context.Context, providerID string) (*providers.ProviderConfiguration, error) {
	all, err := p.store.FindAll(ctx, store.ListFilter{})
	if err != nil {
		return nil, err
	}
	for _, cfg := range all {
		if cfg.ProviderID == providerID {
			return cfg, nil
		}
	}
	return nil, providers.NewError(providers.CodeProviderNotFound,
		fmt.Sprintf("provider %q not found", providerID), 404)
}

// operationForType picks a representative operation for probe requests.
func operationForType(pt providers.ProviderType) providers.Operation {
	switch pt {
	case providers.TypeMusic:
		return providers.OpMusicGeneration
	case providers.TypeImage:
		return providers.OpImageGeneration
	case providers.TypeAudio:
		return providers.OpAudioTranscription
	}
	return providers.OpTextGeneration
}

// healthyStatus interprets a probe response: success, rate limiting, and
// request-shape rejections all prove the provider is reachable.
func healthyStatus(status int) bool {
	if status >= 200 && status < 300 {
		return true
	}
	switch status {
	case 400, 422, 429:
		return true
	}
	return false
}

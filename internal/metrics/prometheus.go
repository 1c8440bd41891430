// Package metrics provides the gateway's observability surface: a
// Prometheus registry for scrape-based monitoring and an in-memory
// collector that powers per-provider usage statistics.
//
// All Prometheus metrics are scoped to a private registry (not the global
// default) so they don't interfere with host-level metrics when embedded
// in other applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported Prometheus metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_invocations_total{provider,operation,status}
	invocationsTotal *prometheus.CounterVec

	// gateway_invocation_duration_seconds{provider,operation}
	invocationDuration *prometheus.HistogramVec

	// gateway_invocation_cost_total{provider,operation}
	invocationCost *prometheus.CounterVec

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// circuit_breaker_state{provider} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_transitions_total{provider,to_state}
	cbTransitions *prometheus.CounterVec

	// gateway_circuit_breaker_rejections_total{provider}
	cbRejections *prometheus.CounterVec

	// gateway_fallback_events_total{from,to,reason}
	fallbackEvents *prometheus.CounterVec

	// gateway_fallback_exhausted_total{operation}
	fallbackExhausted *prometheus.CounterVec

	// gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"route"},
		),

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_invocations_total",
				Help: "Provider invocations by operation and outcome",
			},
			[]string{"provider", "operation", "status"},
		),

		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_invocation_duration_seconds",
				Help:    "Provider invocation duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"provider", "operation"},
		),

		invocationCost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_invocation_cost_total",
				Help: "Accumulated invocation cost in provider billing units",
			},
			[]string{"provider", "operation"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_errors_total",
				Help: "Total provider errors by classification",
			},
			[]string{"provider", "error_type"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_rejections_total",
				Help: "Candidates skipped because their breaker was open",
			},
			[]string{"provider"},
		),

		fallbackEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fallback_events_total",
				Help: "Fallback transitions between candidates in one invocation",
			},
			[]string{"from", "to", "reason"},
		),

		fallbackExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fallback_exhausted_total",
				Help: "Invocations that exhausted every candidate without success",
			},
			[]string{"operation"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=healthy, 0=unhealthy)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.invocationsTotal,
		r.invocationDuration,
		r.invocationCost,
		r.tokensTotal,
		r.cacheHits,
		r.cacheMisses,
		r.providerErrors,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.fallbackEvents,
		r.fallbackExhausted,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveInvocation records one provider invocation outcome.
func (r *Registry) ObserveInvocation(provider, operation string, success bool, dur time.Duration, cost float64) {
	status := "error"
	if success {
		status = "success"
	}
	r.invocationsTotal.WithLabelValues(provider, operation, status).Inc()
	r.invocationDuration.WithLabelValues(provider, operation).Observe(dur.Seconds())
	if cost > 0 {
		r.invocationCost.WithLabelValues(provider, operation).Add(cost)
	}
}

// AddTokens records token usage for a provider.
func (r *Registry) AddTokens(provider string, prompt, completion int) {
	if prompt > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(prompt))
	}
	if completion > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(completion))
	}
	if prompt+completion > 0 {
		r.tokensTotal.WithLabelValues(provider, "total").Add(float64(prompt + completion))
	}
}

func (r *Registry) CacheHit()  { r.cacheHits.Inc() }
func (r *Registry) CacheMiss() { r.cacheMisses.Inc() }

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

func (r *Registry) RecordFallback(from, to, reason string) {
	r.fallbackEvents.WithLabelValues(from, to, reason).Inc()
}

func (r *Registry) RecordFallbackExhausted(operation string) {
	r.fallbackExhausted.WithLabelValues(operation).Inc()
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != float64(state) {
		r.lastCBState[provider] = float64(state)
		r.cbTransitions.WithLabelValues(provider, strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(provider string) {
	r.cbRejections.WithLabelValues(provider).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }

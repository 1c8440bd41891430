package proxy

import (
	"sync"
	"time"

	"github.com/museflow/ai-gateway/internal/providers"
)

// cbState is the operational state of a per-provider circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — provider is failing; requests are rejected immediately.
//	cbHalfOpen — recovery window; a bounded number of probes is allowed.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back
// to the package defaults in providers.
type CBConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker. Default: providers.CBFailureThreshold (5).
	FailureThreshold int

	// OpenTimeout is how long the breaker stays open after the initial
	// trip before probing. Default: providers.CBOpenTimeout (60s).
	OpenTimeout time.Duration

	// HalfOpenRetryDelay is the shorter re-probe delay applied when a
	// half-open probe fails. Default: providers.CBHalfOpenRetryDelay (30s).
	HalfOpenRetryDelay time.Duration

	// HalfOpenMaxCalls bounds concurrent half-open probes.
	// Default: providers.CBHalfOpenMaxCalls (3).
	HalfOpenMaxCalls int
}

func (c *CBConfig) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return providers.CBFailureThreshold
}

func (c *CBConfig) openTimeout() time.Duration {
	if c.OpenTimeout > 0 {
		return c.OpenTimeout
	}
	return providers.CBOpenTimeout
}

func (c *CBConfig) halfOpenRetryDelay() time.Duration {
	if c.HalfOpenRetryDelay > 0 {
		return c.HalfOpenRetryDelay
	}
	return providers.CBHalfOpenRetryDelay
}

func (c *CBConfig) halfOpenMaxCalls() int {
	if c.HalfOpenMaxCalls > 0 {
		return c.HalfOpenMaxCalls
	}
	return providers.CBHalfOpenMaxCalls
}

// providerCB holds breaker state for one provider.
type providerCB struct {
	mu sync.Mutex

	state        cbState
	failures     int       // consecutive failures while closed
	openedAt     time.Time // when the breaker last opened
	reprobeDelay time.Duration
	probes       int // half-open probes currently in flight
}

// CircuitBreaker manages an independent breaker per provider id. Providers
// are tracked lazily on first use. Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.Mutex
	breakers map[string]*providerCB
	cfg      CBConfig
	now      func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker with default thresholds.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with thresholds
// loaded from configuration.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*providerCB),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Allow reports whether providerID should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false until the open period elapses, then the breaker
//     transitions to half-open and admits a probe.
//   - HalfOpen → true while fewer than HalfOpenMaxCalls probes are in flight.
func (cb *CircuitBreaker) Allow(providerID string) bool {
	pcb := cb.get(providerID)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if cb.now().Sub(pcb.openedAt) >= pcb.reprobeDelay {
			pcb.state = cbHalfOpen
			pcb.probes = 1
			return true
		}
		return false

	case cbHalfOpen:
		if pcb.probes >= cb.cfg.halfOpenMaxCalls() {
			return false
		}
		pcb.probes++
		return true
	}
	return true
}

// Available reports whether providerID could serve a request right now,
// without consuming a half-open probe slot. Selection uses this; the
// dispatch loop must still call Allow before invoking.
func (cb *CircuitBreaker) Available(providerID string) bool {
	pcb := cb.get(providerID)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return true
	case cbOpen:
		return cb.now().Sub(pcb.openedAt) >= pcb.reprobeDelay
	case cbHalfOpen:
		return pcb.probes < cb.cfg.halfOpenMaxCalls()
	}
	return true
}

// RecordSuccess closes the breaker and clears all failure state.
func (cb *CircuitBreaker) RecordSuccess(providerID string) {
	pcb := cb.get(providerID)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.state = cbClosed
	pcb.failures = 0
	pcb.probes = 0
}

// RecordFailure counts one server-side failure. Consecutive failures at or
// above the threshold open the breaker; a failed half-open probe re-opens
// it with the shorter retry delay. Callers must not report client faults
// (400/401/403) or rate limits here.
func (cb *CircuitBreaker) RecordFailure(providerID string) {
	pcb := cb.get(providerID)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbHalfOpen:
		pcb.state = cbOpen
		pcb.openedAt = cb.now()
		pcb.reprobeDelay = cb.cfg.halfOpenRetryDelay()
		pcb.probes = 0

	case cbClosed:
		pcb.failures++
		if pcb.failures >= cb.cfg.failureThreshold() {
			pcb.state = cbOpen
			pcb.openedAt = cb.now()
			pcb.reprobeDelay = cb.cfg.openTimeout()
		}
	}
}

// ProbeFinished releases a half-open probe slot without deciding the
// outcome. Used when a probe is abandoned (e.g. credentials missing).
func (cb *CircuitBreaker) ProbeFinished(providerID string) {
	pcb := cb.get(providerID)
	pcb.mu.Lock()
	if pcb.state == cbHalfOpen && pcb.probes > 0 {
		pcb.probes--
	}
	pcb.mu.Unlock()
}

// State returns the current state for providerID (metrics export).
func (cb *CircuitBreaker) State(providerID string) cbState {
	pcb := cb.get(providerID)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// StateLabel returns "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(providerID string) string {
	switch cb.State(providerID) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Reset clears the breaker for providerID (used after reconfiguration).
func (cb *CircuitBreaker) Reset(providerID string) {
	cb.RecordSuccess(providerID)
}

func (cb *CircuitBreaker) get(providerID string) *providerCB {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	pcb, ok := cb.breakers[providerID]
	if !ok {
		pcb = &providerCB{state: cbClosed}
		cb.breakers[providerID] = pcb
	}
	return pcb
}

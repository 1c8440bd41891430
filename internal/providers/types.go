// Package providers defines the shared domain types for the provider gateway:
// logical operations, provider configurations, normalized request/response
// envelopes, and the error taxonomy used across the proxy and the engine.
//
// Providers themselves are not hard-coded — each one is described by a
// persisted ProviderConfiguration record (endpoint, request template,
// response mapping, auth). The engine turns that record into a concrete
// HTTP call at runtime.
package providers

import (
	"time"
)

// Operation is a logical action a caller can request from the gateway.
type Operation string

const (
	OpTextGeneration     Operation = "text_generation"
	OpTextAnalysis       Operation = "text_analysis"
	OpImageAnalysis      Operation = "image_analysis"
	OpMusicGeneration    Operation = "music_generation"
	OpImageGeneration    Operation = "image_generation"
	OpAudioTranscription Operation = "audio_transcription"
)

// ProviderType partitions configurations by the kind of media they produce.
type ProviderType string

const (
	TypeLLM   ProviderType = "llm"
	TypeMusic ProviderType = "music"
	TypeImage ProviderType = "image"
	TypeVideo ProviderType = "video"
	TypeAudio ProviderType = "audio"
	TypeText  ProviderType = "text"
)

// operationTypes maps each logical operation to the provider type that
// serves it. Vision-style image analysis is served by LLM providers.
var operationTypes = map[Operation]ProviderType{
	OpTextGeneration:     TypeLLM,
	OpTextAnalysis:       TypeLLM,
	OpImageAnalysis:      TypeLLM,
	OpMusicGeneration:    TypeMusic,
	OpImageGeneration:    TypeImage,
	OpAudioTranscription: TypeAudio,
}

// TypeForOperation returns the provider type serving op and whether the
// operation is known.
func TypeForOperation(op Operation) (ProviderType, bool) {
	t, ok := operationTypes[op]
	return t, ok
}

// ValidProviderType reports whether t is one of the known provider types.
func ValidProviderType(t ProviderType) bool {
	switch t {
	case TypeLLM, TypeMusic, TypeImage, TypeVideo, TypeAudio, TypeText:
		return true
	}
	return false
}

// RequestOptions are optional per-request tuning knobs.
type RequestOptions struct {
	Model             string         `json:"model,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
	MaxTokens         int            `json:"maxTokens,omitempty"`
	Timeout           time.Duration  `json:"-"`
	Retries           int            `json:"retries,omitempty"`
	FallbackProviders []string       `json:"fallbackProviders,omitempty"`
	Extra             map[string]any `json:"-"`
}

// ProviderRequest is the normalized caller request handed to the proxy.
type ProviderRequest struct {
	// ProviderID pins the request to a specific provider. When empty the
	// proxy runs selection for the operation's provider type.
	ProviderID string          `json:"providerId,omitempty"`
	Operation  Operation       `json:"operation"`
	Payload    map[string]any  `json:"payload"`
	Options    *RequestOptions `json:"options,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	RequestID  string          `json:"-"`

	// SuppressLogging silences error logs for expected-failure probes
	// (health checks treat 400/422 as a healthy signal).
	SuppressLogging bool `json:"-"`
}

// TokensUsed holds token accounting extracted from a provider response.
type TokensUsed struct {
	Prompt     int `json:"prompt,omitempty"`
	Completion int `json:"completion,omitempty"`
	Total      int `json:"total,omitempty"`
}

// ResponseMetadata carries per-invocation observability fields.
type ResponseMetadata struct {
	ProcessingTimeMs   int64       `json:"processingTimeMs"`
	TokensUsed         *TokensUsed `json:"tokensUsed,omitempty"`
	Cost               float64     `json:"cost,omitempty"`
	RateLimitRemaining int         `json:"rateLimitRemaining,omitempty"`
	RateLimitResetTime *time.Time  `json:"rateLimitResetTime,omitempty"`
	ResponseFormat     string      `json:"responseFormat,omitempty"`
	IsBase64           bool        `json:"isBase64,omitempty"`
	IsEarlyPlayback    bool        `json:"isEarlyPlayback,omitempty"`
	HTTPStatus         int         `json:"-"`
}

// ProviderResponse is the normalized result returned to callers.
type ProviderResponse struct {
	ProviderID   string           `json:"providerId"`
	ProviderName string           `json:"providerName"`
	Model        string           `json:"model,omitempty"`
	Success      bool             `json:"success"`
	Result       any              `json:"result,omitempty"`
	Error        *ErrorDetail     `json:"error,omitempty"`
	Metadata     ResponseMetadata `json:"metadata"`
}

// ErrorDetail is the caller-facing error shape inside a ProviderResponse.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Retryable bool   `json:"retryable"`
}

// HealthStatus is the persisted health state of a provider configuration.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthError     HealthStatus = "error"
	HealthUnknown   HealthStatus = "unknown"
)

// HealthTransition is one entry of a provider's persisted health log.
type HealthTransition struct {
	Status     HealthStatus `json:"status"`
	RecordedAt time.Time    `json:"recordedAt"`
}

// LoadBalancingStrategy names a candidate-ordering policy. Only
// StrategyPriority is implemented; the proxy rejects the rest until they
// are wired to a real scorer.
type LoadBalancingStrategy string

const (
	StrategyPriority         LoadBalancingStrategy = "priority"
	StrategyRoundRobin       LoadBalancingStrategy = "round_robin"
	StrategyWeighted         LoadBalancingStrategy = "weighted"
	StrategyLeastConnections LoadBalancingStrategy = "least_connections"
	StrategyHealthBased      LoadBalancingStrategy = "health_based"
	StrategyCostOptimized    LoadBalancingStrategy = "cost_optimized"
)

// Default circuit breaker and failover constants.
const (
	CBFailureThreshold   = 5
	CBOpenTimeout        = 60 * time.Second
	CBHalfOpenRetryDelay = 30 * time.Second
	CBHalfOpenMaxCalls   = 3

	MaxFallbackProviders = 3
	DefaultGlobalTimeout = 90 * time.Second
)

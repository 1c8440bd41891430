package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error codes surfaced to callers. Kinds, not implementation types.
const (
	CodeValidation          = "VALIDATION"
	CodeProviderNotFound    = "PROVIDER_NOT_FOUND"
	CodeNoProviders         = "NO_PROVIDERS_AVAILABLE"
	CodeCircuitOpen         = "CIRCUIT_BREAKER_OPEN"
	CodeAPIKeyMissing       = "API_KEY_MISSING"
	CodeInvocationFailed    = "PROVIDER_INVOCATION_FAILED"
	CodeTimeout             = "TIMEOUT"
	CodeRateLimited         = "RATE_LIMITED"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeNetworkError        = "NETWORK_ERROR"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
)

// FailureKind is the coarse classification recorded in metrics and used to
// drive circuit breaker and fallback decisions.
type FailureKind string

const (
	KindTimeout       FailureKind = "timeout"
	KindRateLimit     FailureKind = "rate_limit"
	KindQuotaExceeded FailureKind = "quota_exceeded"
	KindNetworkError  FailureKind = "network_error"
	KindProviderError FailureKind = "provider_error"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Error is the gateway's provider error. It carries the taxonomy code, the
// failure classification, and the upstream status when one is available.
type Error struct {
	Code       string
	Message    string
	Kind       FailureKind
	StatusCode int
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status=%d)", e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus implements StatusCoder. Zero when no upstream status applies.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// Retryable reports whether the candidate loop should fall through to the
// next provider: timeouts, rate limits, and transport failures are worth
// retrying elsewhere; exhausted quotas and most provider errors are not.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimit, KindNetworkError:
		return true
	case KindQuotaExceeded:
		return false
	}
	// 5xx provider errors are an infrastructure failure on that provider;
	// another candidate may still succeed.
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsClientFault reports whether the error represents a caller fault
// (HTTP 400/401/403). Client faults never increment the breaker.
func (e *Error) IsClientFault() bool {
	switch e.StatusCode {
	case 400, 401, 403:
		return true
	}
	return false
}

// NewError builds an *Error with a classification derived from code/status.
func NewError(code, message string, status int) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Kind:       kindFor(code, status),
		StatusCode: status,
	}
}

func kindFor(code string, status int) FailureKind {
	switch code {
	case CodeTimeout:
		return KindTimeout
	case CodeRateLimited:
		return KindRateLimit
	case CodeQuotaExceeded:
		return KindQuotaExceeded
	case CodeNetworkError:
		return KindNetworkError
	}
	switch status {
	case 429:
		return KindRateLimit
	case 402:
		return KindQuotaExceeded
	}
	return KindProviderError
}

// Classify maps an arbitrary error onto the failure taxonomy. Unknown
// errors are treated as provider errors.
func Classify(err error) FailureKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetworkError
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		return KindTimeout
	case strings.Contains(msg, "quota"):
		return KindQuotaExceeded
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return KindRateLimit
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host"):
		return KindNetworkError
	}
	return KindProviderError
}

// IsRetryable reports whether err is worth retrying on another candidate.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	switch Classify(err) {
	case KindTimeout, KindRateLimit, KindNetworkError:
		return true
	}
	return false
}

// IsNotFound reports whether err is a PROVIDER_NOT_FOUND error.
func IsNotFound(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == CodeProviderNotFound
}

// IsClientFault reports whether err is a caller fault (400/401/403).
func IsClientFault(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.IsClientFault()
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		switch sc.HTTPStatus() {
		case 400, 401, 403:
			return true
		}
	}
	return false
}

// Detail converts err into the caller-facing ErrorDetail shape.
func Detail(err error) *ErrorDetail {
	var pe *Error
	if errors.As(err, &pe) {
		return &ErrorDetail{
			Code:      pe.Code,
			Message:   pe.Message,
			Type:      string(pe.Kind),
			Retryable: pe.Retryable(),
		}
	}
	return &ErrorDetail{
		Code:      CodeInvocationFailed,
		Message:   err.Error(),
		Type:      string(Classify(err)),
		Retryable: IsRetryable(err),
	}
}

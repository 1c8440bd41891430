// Package apierr writes the gateway's structured error envelope to
// fasthttp responses and maps the provider error taxonomy onto HTTP
// statuses.
package apierr

import (
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/museflow/ai-gateway/internal/providers"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Type      string `json:"type,omitempty"`
		Retryable bool   `json:"retryable"`
	}
	envelope struct {
		Success bool     `json:"success"`
		Error   APIError `json:"error"`
	}
)

// Write writes an error envelope with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, code, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Code:    code,
		Message: message,
	}})
	ctx.SetBody(body)
}

// WriteValidation writes a 400 VALIDATION error.
func WriteValidation(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, providers.CodeValidation, message)
}

// WriteError maps err onto the envelope. Taxonomy errors keep their code
// and classification; anything else becomes a 500 internal error.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	var pe *providers.Error
	if errors.As(err, &pe) {
		status := statusFor(pe)
		if pe.Code == providers.CodeRateLimited {
			ctx.Response.Header.Set("Retry-After", "60")
		}
		ctx.SetStatusCode(status)
		ctx.SetContentType("application/json")
		body, _ := json.Marshal(envelope{Error: APIError{
			Code:      pe.Code,
			Message:   pe.Message,
			Type:      string(pe.Kind),
			Retryable: pe.Retryable(),
		}})
		ctx.SetBody(body)
		return
	}
	Write(ctx, fasthttp.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
}

// statusFor picks the response status for a taxonomy error: an explicit
// upstream status wins, otherwise the code decides.
func statusFor(pe *providers.Error) int {
	if pe.StatusCode >= 400 && pe.StatusCode < 600 {
		return pe.StatusCode
	}
	switch pe.Code {
	case providers.CodeValidation:
		return fasthttp.StatusBadRequest
	case providers.CodeProviderNotFound:
		return fasthttp.StatusNotFound
	case providers.CodeRateLimited:
		return fasthttp.StatusTooManyRequests
	case providers.CodeTimeout:
		return fasthttp.StatusGatewayTimeout
	case providers.CodeNoProviders, providers.CodeProviderUnavailable,
		providers.CodeCircuitOpen, providers.CodeAPIKeyMissing:
		return fasthttp.StatusServiceUnavailable
	}
	return fasthttp.StatusBadGateway
}

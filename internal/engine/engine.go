// Package engine turns a (provider configuration, logical request,
// resolved credentials) tuple into a concrete HTTP call and back into
// normalized content. It has no knowledge of business semantics: every
// provider-specific detail lives in the configuration's request template
// and response mapping.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/museflow/ai-gateway/internal/metrics"
	"github.com/museflow/ai-gateway/internal/providers"
	"github.com/museflow/ai-gateway/internal/secrets"
)

const (
	// maxRetries bounds the in-engine retry loop for upstream gateway
	// failures (502/503/504). Other failures are the proxy's concern.
	maxRetries = 2

	// retryBaseDelay is doubled per attempt: 1s, 2s.
	retryBaseDelay = time.Second

	maxErrorBodyBytes = 2048
)

// providerTimeoutDefaults is consulted after the template timeout and the
// per-provider env override, before the global default.
var providerTimeoutDefaults = map[string]time.Duration{
	"openai":       60 * time.Second,
	"anthropic":    60 * time.Second,
	"elevenlabs":   90 * time.Second,
	"musicapi":     120 * time.Second,
	"stability-ai": 60 * time.Second,
}

// Engine executes template-driven provider requests.
type Engine struct {
	client        *http.Client
	log           *slog.Logger
	getenv        func(string) string
	globalTimeout time.Duration

	// sleep is swappable for tests of the retry/poll delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient overrides the outbound HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithEnv overrides environment lookup (tests).
func WithEnv(getenv func(string) string) Option {
	return func(e *Engine) { e.getenv = getenv }
}

// WithGlobalTimeout sets the last-resort request timeout.
func WithGlobalTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.globalTimeout = d
		}
	}
}

// New builds an Engine.
func New(log *slog.Logger, opts ...Option) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		// Per-request deadlines come from the context; the client itself
		// stays unbounded.
		client:        &http.Client{},
		log:           log,
		getenv:        os.Getenv,
		globalTimeout: providers.DefaultGlobalTimeout,
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Invoke renders and executes the provider request described by cfg and
// returns the normalized response. Music generation against task-based
// providers goes through the poll workflow instead.
func (e *Engine) Invoke(ctx context.Context, cfg *providers.ProviderConfiguration, req *providers.ProviderRequest, creds secrets.Credentials) (*providers.ProviderResponse, error) {
	if req.Operation == providers.OpMusicGeneration && cfg.Config.ResponseMapping["taskId"] != "" {
		return e.runMusicTask(ctx, cfg, req, creds)
	}
	return e.invokeHTTP(ctx, cfg, req, creds)
}

func (e *Engine) invokeHTTP(ctx context.Context, cfg *providers.ProviderConfiguration, req *providers.ProviderRequest, creds secrets.Credentials) (*providers.ProviderResponse, error) {
	subCtx := substitutionContext(req)

	endpoint, headers, body, err := e.buildRequest(cfg, req, creds, subCtx)
	if err != nil {
		return nil, err
	}

	timeout := e.resolveTimeout(cfg, req)
	start := time.Now()

	status, respBody, respHeaders, err := e.execute(ctx, cfg, endpoint, headers, body, timeout, req.SuppressLogging)
	if err != nil {
		return nil, err
	}

	// A blank success body is a shape drift, not a result. A literal
	// `{}` or `[]` is still structured content and passes through.
	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, providers.NewError(providers.CodeInvocationFailed,
			fmt.Sprintf("provider %s returned empty content", cfg.ProviderID), 502)
	}

	decoded := map[string]any{}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		// Non-JSON success bodies are passed through as raw text.
		decoded = map[string]any{"text": string(respBody)}
	}

	content, err := extractContent(decoded, cfg.Config.ResponseMapping)
	if err != nil {
		return nil, err
	}

	resp := &providers.ProviderResponse{
		ProviderID:   cfg.ProviderID,
		ProviderName: cfg.ProviderName,
		Success:      true,
		Result:       content,
		Metadata: providers.ResponseMetadata{
			ProcessingTimeMs: time.Since(start).Milliseconds(),
			TokensUsed:       extractUsage(decoded),
			Cost:             cfg.Cost(),
			HTTPStatus:       status,
		},
	}
	if opts := req.Options; opts != nil {
		resp.Model = opts.Model
	}
	format := cfg.Config.ResponseMapping["format"]
	if format == "" {
		format = "text"
	}
	resp.Metadata.ResponseFormat = format
	resp.Metadata.IsBase64 = format == "base64"
	if info := metrics.ParseRateLimitHeaders(respHeaders); info != nil {
		resp.Metadata.RateLimitRemaining = info.Remaining
		resp.Metadata.RateLimitResetTime = info.ResetTime
	}
	return resp, nil
}

// buildRequest renders the endpoint, headers, and body for one attempt.
func (e *Engine) buildRequest(cfg *providers.ProviderConfiguration, req *providers.ProviderRequest, creds secrets.Credentials, subCtx map[string]any) (endpoint string, headers map[string]string, body []byte, err error) {
	endpoint = renderString(cfg.Config.Endpoint, subCtx)

	if len(creds.Query) > 0 {
		u, perr := url.Parse(endpoint)
		if perr != nil {
			return "", nil, nil, providers.NewError(providers.CodeValidation,
				fmt.Sprintf("invalid endpoint %q", endpoint), 400)
		}
		q := u.Query()
		for k, v := range creds.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	headers = map[string]string{"Content-Type": "application/json"}
	for k, v := range cfg.Config.Headers {
		headers[k] = renderString(v, subCtx)
	}
	// Credential headers always win over templated ones.
	for k, v := range creds.Headers {
		headers[k] = v
	}

	if cfg.Config.RequestMethod() == http.MethodGet {
		return endpoint, headers, nil, nil
	}

	var doc any
	if isVisionRequest(subCtx) {
		doc = visionBody(req, subCtx)
	} else {
		doc = renderTemplate(map[string]any(cfg.Config.RequestTemplate), subCtx)
	}
	body, err = json.Marshal(doc)
	if err != nil {
		return "", nil, nil, fmt.Errorf("engine: marshal request body: %w", err)
	}
	return endpoint, headers, body, nil
}

// resolveTimeout picks the request deadline: template timeout, then the
// <PROVIDER>_TIMEOUT_MS env override, then the per-provider default
// table, then the global fallback. A caller-supplied option overrides
// everything.
func (e *Engine) resolveTimeout(cfg *providers.ProviderConfiguration, req *providers.ProviderRequest) time.Duration {
	if opts := req.Options; opts != nil && opts.Timeout > 0 {
		return opts.Timeout
	}
	if d := cfg.Config.Timeout(); d > 0 {
		return d
	}
	envVar := strings.ToUpper(strings.ReplaceAll(cfg.ProviderID, "-", "_")) + "_TIMEOUT_MS"
	if raw := e.getenv(envVar); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	if d, ok := providerTimeoutDefaults[cfg.ProviderID]; ok {
		return d
	}
	return e.globalTimeout
}

// execute performs the HTTP call with the retry loop for upstream gateway
// failures. It returns the response only for 2xx statuses.
func (e *Engine) execute(ctx context.Context, cfg *providers.ProviderConfiguration, endpoint string, headers map[string]string, body []byte, timeout time.Duration, suppressLogging bool) (int, []byte, http.Header, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-1))
			if err := e.sleep(ctx, delay); err != nil {
				return 0, nil, nil, e.timeoutError(cfg, timeout)
			}
		}

		status, respBody, respHeaders, err := e.doRequest(ctx, cfg, endpoint, headers, body, timeout)
		if err != nil {
			return 0, nil, nil, err
		}

		if status >= 200 && status < 300 {
			return status, respBody, respHeaders, nil
		}

		lastErr = e.statusError(cfg, status, respBody, suppressLogging)
		if !retryableStatus(status) {
			return 0, nil, nil, lastErr
		}

		if !suppressLogging {
			e.log.Warn("provider_retry",
				slog.String("provider_id", cfg.ProviderID),
				slog.Int("status", status),
				slog.Int("attempt", attempt+1),
			)
		}
	}
	return 0, nil, nil, lastErr
}

func (e *Engine) doRequest(ctx context.Context, cfg *providers.ProviderConfiguration, endpoint string, headers map[string]string, body []byte, timeout time.Duration) (int, []byte, http.Header, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, cfg.Config.RequestMethod(), endpoint, reader)
	if err != nil {
		return 0, nil, nil, providers.NewError(providers.CodeValidation,
			fmt.Sprintf("build request for %s: %v", cfg.ProviderID, err), 400)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() == context.DeadlineExceeded {
			return 0, nil, nil, e.timeoutError(cfg, timeout)
		}
		return 0, nil, nil, &providers.Error{
			Code:    providers.CodeNetworkError,
			Message: fmt.Sprintf("request to %s failed: %v", cfg.ProviderID, err),
			Kind:    providers.KindNetworkError,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, &providers.Error{
			Code:    providers.CodeNetworkError,
			Message: fmt.Sprintf("read response from %s: %v", cfg.ProviderID, err),
			Kind:    providers.KindNetworkError,
		}
	}
	return resp.StatusCode, respBody, resp.Header, nil
}

func (e *Engine) timeoutError(cfg *providers.ProviderConfiguration, timeout time.Duration) *providers.Error {
	return &providers.Error{
		Code:    providers.CodeInvocationFailed,
		Message: fmt.Sprintf("request to %s timed out after %s", cfg.ProviderID, timeout),
		Kind:    providers.KindTimeout,
	}
}

// statusError builds the failure for a non-2xx response, capturing the
// body text best-effort.
func (e *Engine) statusError(cfg *providers.ProviderConfiguration, status int, body []byte, suppressLogging bool) *providers.Error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrorBodyBytes {
		snippet = snippet[:maxErrorBodyBytes]
	}
	snippet = secrets.MaskString(snippet)

	msg := fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status))
	if snippet != "" {
		msg += " - " + snippet
	}

	code := providers.CodeInvocationFailed
	switch status {
	case http.StatusTooManyRequests:
		code = providers.CodeRateLimited
	case http.StatusPaymentRequired:
		code = providers.CodeQuotaExceeded
	}

	if !suppressLogging {
		e.log.Error("provider_http_error",
			slog.String("provider_id", cfg.ProviderID),
			slog.Int("status", status),
			slog.String("body", snippet),
		)
	}
	return providers.NewError(code, msg, status)
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/museflow/ai-gateway/internal/providers"
	"github.com/museflow/ai-gateway/internal/secrets"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine builds an engine with empty env, instant sleeps, and a
// 7s global timeout so the fallback branch is distinguishable.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(discardLogger(),
		WithEnv(func(string) string { return "" }),
		WithGlobalTimeout(7*time.Second),
	)
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func testCfg(providerID, endpoint string) *providers.ProviderConfiguration {
	return &providers.ProviderConfiguration{
		ProviderID:   providerID,
		ProviderName: providerID,
		ProviderType: providers.TypeLLM,
		IsActive:     true,
		CostPerUnit:  "0.0025",
		Config: providers.Configuration{
			Endpoint: endpoint,
			RequestTemplate: map[string]any{
				"model":       "${model}",
				"temperature": "${temperature}",
				"messages": []any{
					map[string]any{"role": "user", "content": "${prompt}"},
				},
			},
			ResponseMapping: map[string]string{
				"content": "choices[0].message.content",
			},
			Headers: map[string]string{
				"X-Static":      "static-value",
				"Authorization": "template-should-lose",
			},
		},
	}
}

func testReq() *providers.ProviderRequest {
	return &providers.ProviderRequest{
		Operation: providers.OpTextGeneration,
		Payload:   map[string]any{"prompt": "write a haiku"},
		Options: &providers.RequestOptions{
			Model:       "gpt-4o",
			Temperature: 0.3,
		},
	}
}

func bearerCreds(key string) secrets.Credentials {
	return secrets.Credentials{
		Headers: map[string]string{"Authorization": "Bearer " + key},
		Query:   map[string]string{},
		IsValid: true,
	}
}

func asProviderError(t *testing.T, err error) *providers.Error {
	t.Helper()
	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.Error, got %T: %v", err, err)
	}
	return pe
}

func TestInvoke_Success(t *testing.T) {
	var gotBody map[string]any
	var gotHeader http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("X-RateLimit-Remaining", "41")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": "a haiku"}}},
			"usage":   map[string]any{"prompt_tokens": 9, "completion_tokens": 17, "total_tokens": 26},
		})
	}))
	defer srv.Close()

	e := newTestEngine(t)
	resp, err := e.Invoke(context.Background(), testCfg("openai", srv.URL), testReq(), bearerCreds("sk-test-1234"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if !resp.Success || resp.Result != "a haiku" {
		t.Errorf("result = %v (success=%v)", resp.Result, resp.Success)
	}
	if resp.ProviderID != "openai" || resp.Model != "gpt-4o" {
		t.Errorf("provider/model = %s / %s", resp.ProviderID, resp.Model)
	}
	if u := resp.Metadata.TokensUsed; u == nil || u.Total != 26 {
		t.Errorf("tokens = %+v", u)
	}
	if resp.Metadata.Cost != 0.0025 {
		t.Errorf("cost = %v", resp.Metadata.Cost)
	}
	if resp.Metadata.RateLimitRemaining != 41 {
		t.Errorf("rate limit remaining = %d", resp.Metadata.RateLimitRemaining)
	}

	// Credential headers win over templated ones; static headers survive.
	if got := gotHeader.Get("Authorization"); got != "Bearer sk-test-1234" {
		t.Errorf("Authorization = %q", got)
	}
	if got := gotHeader.Get("X-Static"); got != "static-value" {
		t.Errorf("X-Static = %q", got)
	}
	if got := gotHeader.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}

	// The body keeps native JSON types through substitution.
	if gotBody["model"] != "gpt-4o" {
		t.Errorf("body model = %v", gotBody["model"])
	}
	if gotBody["temperature"] != 0.3 {
		t.Errorf("body temperature = %v (%T)", gotBody["temperature"], gotBody["temperature"])
	}
	msgs := gotBody["messages"].([]any)
	if msgs[0].(map[string]any)["content"] != "write a haiku" {
		t.Errorf("body message = %v", msgs[0])
	}
}

func TestInvoke_QueryCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("key"); got != "qk-123" {
			t.Errorf("query key = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"text": "ok"})
	}))
	defer srv.Close()

	creds := secrets.Credentials{
		Headers: map[string]string{},
		Query:   map[string]string{"key": "qk-123"},
		IsValid: true,
	}
	e := newTestEngine(t)
	resp, err := e.Invoke(context.Background(), testCfg("gemini", srv.URL+"?alt=json"), testReq(), creds)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Result != "ok" {
		t.Errorf("result = %v", resp.Result)
	}
}

func TestInvoke_NonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "plain text answer")
	}))
	defer srv.Close()

	e := newTestEngine(t)
	resp, err := e.Invoke(context.Background(), testCfg("openai", srv.URL), testReq(), bearerCreds("k"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Result != "plain text answer" {
		t.Errorf("result = %v", resp.Result)
	}
}

func TestInvoke_EmptySuccessBodyFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newTestEngine(t)
	_, err := e.Invoke(context.Background(), testCfg("openai", srv.URL), testReq(), bearerCreds("k"))
	pe := asProviderError(t, err)
	if pe.Code != providers.CodeInvocationFailed {
		t.Errorf("code = %s", pe.Code)
	}
	if !strings.Contains(pe.Message, "returned empty content") {
		t.Errorf("message = %q", pe.Message)
	}
}

func TestInvoke_ResponseFormatMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"text": "QmFzZTY0IGF1ZGlv"})
	}))
	defer srv.Close()

	e := newTestEngine(t)

	// No format in the mapping defaults to text.
	resp, err := e.Invoke(context.Background(), testCfg("openai", srv.URL), testReq(), bearerCreds("k"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Metadata.ResponseFormat != "text" || resp.Metadata.IsBase64 {
		t.Errorf("format = %q, isBase64 = %v", resp.Metadata.ResponseFormat, resp.Metadata.IsBase64)
	}

	// format is a literal value, not a path into the response body.
	cfg := testCfg("elevenlabs", srv.URL)
	cfg.Config.ResponseMapping["format"] = "base64"
	resp, err = e.Invoke(context.Background(), cfg, testReq(), bearerCreds("k"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Metadata.ResponseFormat != "base64" || !resp.Metadata.IsBase64 {
		t.Errorf("format = %q, isBase64 = %v", resp.Metadata.ResponseFormat, resp.Metadata.IsBase64)
	}
}

func TestInvoke_GetRequestHasNoBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		if len(body) != 0 {
			t.Errorf("unexpected body: %s", body)
		}
		json.NewEncoder(w).Encode(map[string]any{"text": "listed"})
	}))
	defer srv.Close()

	cfg := testCfg("openai", srv.URL)
	cfg.Config.Method = "GET"
	e := newTestEngine(t)
	if _, err := e.Invoke(context.Background(), cfg, testReq(), bearerCreds("k")); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
}

func TestInvoke_RetriesGatewayFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"text": "recovered"})
	}))
	defer srv.Close()

	var delays []time.Duration
	e := newTestEngine(t)
	e.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	resp, err := e.Invoke(context.Background(), testCfg("openai", srv.URL), testReq(), bearerCreds("k"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Result != "recovered" {
		t.Errorf("result = %v", resp.Result)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(delays) != 2 || delays[0] != want[0] || delays[1] != want[1] {
		t.Errorf("backoff delays = %v, want %v", delays, want)
	}
}

func TestInvoke_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := newTestEngine(t)
	_, err := e.Invoke(context.Background(), testCfg("openai", srv.URL), testReq(), bearerCreds("k"))
	pe := asProviderError(t, err)
	if pe.Code != providers.CodeInvocationFailed {
		t.Errorf("code = %s", pe.Code)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want initial + 2 retries", calls.Load())
	}
}

func TestInvoke_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error": {"message": "invalid model"}}`)
	}))
	defer srv.Close()

	e := newTestEngine(t)
	_, err := e.Invoke(context.Background(), testCfg("openai", srv.URL), testReq(), bearerCreds("k"))
	pe := asProviderError(t, err)
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if pe.StatusCode != 400 {
		t.Errorf("status = %d", pe.StatusCode)
	}
	if !strings.Contains(pe.Message, "HTTP 400") || !strings.Contains(pe.Message, "invalid model") {
		t.Errorf("message = %q", pe.Message)
	}
}

func TestInvoke_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := newTestEngine(t)
	_, err := e.Invoke(context.Background(), testCfg("openai", srv.URL), testReq(), bearerCreds("k"))
	pe := asProviderError(t, err)
	if pe.Code != providers.CodeRateLimited {
		t.Errorf("code = %s", pe.Code)
	}
	if pe.Kind != providers.KindRateLimit {
		t.Errorf("kind = %s", pe.Kind)
	}
}

func TestInvoke_QuotaExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	e := newTestEngine(t)
	_, err := e.Invoke(context.Background(), testCfg("openai", srv.URL), testReq(), bearerCreds("k"))
	pe := asProviderError(t, err)
	if pe.Code != providers.CodeQuotaExceeded {
		t.Errorf("code = %s", pe.Code)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	e := newTestEngine(t)
	req := testReq()
	req.Options.Timeout = 50 * time.Millisecond
	_, err := e.Invoke(context.Background(), testCfg("openai", srv.URL), req, bearerCreds("k"))
	pe := asProviderError(t, err)
	if pe.Kind != providers.KindTimeout {
		t.Errorf("kind = %s", pe.Kind)
	}
	if !strings.Contains(pe.Message, "timed out after") {
		t.Errorf("message = %q", pe.Message)
	}
}

func TestInvoke_NetworkError(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Invoke(context.Background(),
		testCfg("openai", "http://127.0.0.1:1/unreachable"), testReq(), bearerCreds("k"))
	pe := asProviderError(t, err)
	if pe.Code != providers.CodeNetworkError {
		t.Errorf("code = %s", pe.Code)
	}
}

func TestResolveTimeout_Chain(t *testing.T) {
	env := map[string]string{}
	e := New(discardLogger(),
		WithEnv(func(k string) string { return env[k] }),
		WithGlobalTimeout(7*time.Second),
	)

	cfg := testCfg("stability-ai", "https://api.example.com")
	req := testReq()

	// Per-provider default table.
	if got := e.resolveTimeout(cfg, req); got != 60*time.Second {
		t.Errorf("table default = %s", got)
	}

	// Unknown provider falls through to the global timeout.
	unknown := testCfg("acme-llm", "https://api.example.com")
	if got := e.resolveTimeout(unknown, req); got != 7*time.Second {
		t.Errorf("global fallback = %s", got)
	}

	// Env override beats the table.
	env["STABILITY_AI_TIMEOUT_MS"] = "5000"
	if got := e.resolveTimeout(cfg, req); got != 5*time.Second {
		t.Errorf("env override = %s", got)
	}

	// Template timeout beats the env override.
	cfg.Config.TimeoutMs = 1500
	if got := e.resolveTimeout(cfg, req); got != 1500*time.Millisecond {
		t.Errorf("template timeout = %s", got)
	}

	// Caller option beats everything.
	req.Options.Timeout = 2 * time.Second
	if got := e.resolveTimeout(cfg, req); got != 2*time.Second {
		t.Errorf("option timeout = %s", got)
	}
}

func TestInvoke_VisionRequest(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": "a sunset"}}},
		})
	}))
	defer srv.Close()

	req := &providers.ProviderRequest{
		Operation: providers.OpImageAnalysis,
		Payload: map[string]any{
			"prompt":     "describe the artwork",
			"artworkUrl": "https://img/cover.png",
		},
		Options: &providers.RequestOptions{Model: "gpt-4o", MaxTokens: 200},
	}

	e := newTestEngine(t)
	resp, err := e.Invoke(context.Background(), testCfg("openai", srv.URL), req, bearerCreds("k"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Result != "a sunset" {
		t.Errorf("result = %v", resp.Result)
	}

	msgs := gotBody["messages"].([]any)
	content := msgs[0].(map[string]any)["content"].([]any)
	image := content[1].(map[string]any)["image_url"].(map[string]any)
	if image["url"] != "https://img/cover.png" || image["detail"] != "low" {
		t.Errorf("image part = %v", image)
	}
	if gotBody["max_tokens"] != float64(200) {
		t.Errorf("max_tokens = %v", gotBody["max_tokens"])
	}
}

func TestProbeHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer hk" {
			t.Errorf("Authorization = %q", got)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := testCfg("openai", srv.URL)
	cfg.Config.HealthEndpoint = &providers.HealthEndpoint{
		URL:          srv.URL + "/health",
		RequiresAuth: true,
	}

	e := newTestEngine(t)
	status, err := e.ProbeHealth(context.Background(), cfg, bearerCreds("hk"))
	if err != nil {
		t.Fatalf("ProbeHealth: %v", err)
	}
	if status != http.StatusNoContent {
		t.Errorf("status = %d", status)
	}
}

func TestProbeHealth_NoEndpoint(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.ProbeHealth(context.Background(), testCfg("openai", "https://x"), secrets.Credentials{})
	pe := asProviderError(t, err)
	if pe.Code != providers.CodeValidation {
		t.Errorf("code = %s", pe.Code)
	}
}

package proxy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/museflow/ai-gateway/internal/providers"
	"github.com/museflow/ai-gateway/internal/store"
	"github.com/museflow/ai-gateway/internal/template"
	"github.com/museflow/ai-gateway/pkg/apierr"
)

type (
	// invokeOptions is the wire shape of per-request options; the timeout
	// arrives in milliseconds.
	invokeOptions struct {
		Model             string   `json:"model"`
		Temperature       float64  `json:"temperature"`
		MaxTokens         int      `json:"maxTokens"`
		TimeoutMs         int      `json:"timeout"`
		FallbackProviders []string `json:"fallbackProviders"`
	}

	invokeRequest struct {
		ProviderID string         `json:"providerId"`
		Operation  string         `json:"operation"`
		Payload    map[string]any `json:"payload"`
		Options    *invokeOptions `json:"options"`
		Metadata   map[string]any `json:"metadata"`
	}
)

// handleInvoke is POST /v1/invoke: dispatch one provider request through
// selection, circuit breaking, and failover.
func (s *Server) handleInvoke(ctx *fasthttp.RequestCtx) {
	var in invokeRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteValidation(ctx, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if in.Operation == "" {
		apierr.WriteValidation(ctx, "field 'operation' is required")
		return
	}
	if in.Payload == nil {
		apierr.WriteValidation(ctx, "field 'payload' is required")
		return
	}

	reqID, _ := ctx.UserValue("request_id").(string)
	req := &providers.ProviderRequest{
		ProviderID: in.ProviderID,
		Operation:  providers.Operation(in.Operation),
		Payload:    in.Payload,
		Metadata:   in.Metadata,
		RequestID:  reqID,
	}
	if o := in.Options; o != nil {
		req.Options = &providers.RequestOptions{
			Model:             o.Model,
			Temperature:       o.Temperature,
			MaxTokens:         o.MaxTokens,
			Timeout:           time.Duration(o.TimeoutMs) * time.Millisecond,
			FallbackProviders: o.FallbackProviders,
		}
	}

	resp, err := s.proxy.Invoke(ctx, req)
	if err != nil {
		s.log.ErrorContext(ctx, "invoke_failed",
			slog.String("request_id", reqID),
			slog.String("operation", in.Operation),
			slog.String("error", err.Error()),
		)
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, resp)
}

// ── Provider management ───────────────────────────────────────────────────────

func (s *Server) handleListProviders(ctx *fasthttp.RequestCtx) {
	filter := store.ListFilter{
		ProviderType: providers.ProviderType(ctx.QueryArgs().Peek("type")),
		HealthStatus: providers.HealthStatus(ctx.QueryArgs().Peek("health")),
	}
	if raw := string(ctx.QueryArgs().Peek("active")); raw != "" {
		active := raw == "true" || raw == "1"
		filter.IsActive = &active
	}

	list, err := s.store.FindAll(ctx, filter)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{"providers": list, "count": len(list)})
}

func (s *Server) handleCreateProvider(ctx *fasthttp.RequestCtx) {
	var p providers.ProviderConfiguration
	if err := json.Unmarshal(ctx.PostBody(), &p); err != nil {
		apierr.WriteValidation(ctx, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	created, err := s.store.Create(ctx, &p)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, created)
}

func (s *Server) handleGetProvider(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	p, err := s.store.FindByID(ctx, id)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, p)
}

func (s *Server) handleUpdateProvider(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	var p providers.ProviderConfiguration
	if err := json.Unmarshal(ctx.PostBody(), &p); err != nil {
		apierr.WriteValidation(ctx, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	p.ID = id
	updated, err := s.store.Update(ctx, &p)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, updated)
}

func (s *Server) handleDeleteProvider(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	cfg, err := s.store.FindByID(ctx, id)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	if err := s.store.Delete(ctx, id); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	// Runtime state keyed by provider id must not outlive the row: a
	// re-registered provider starts with a closed breaker and fresh
	// credentials, and the health snapshot stops reporting it.
	s.proxy.ForgetProvider(cfg.ProviderID)
	if s.monitor != nil {
		s.monitor.Forget(cfg.ProviderID)
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (s *Server) handleSetActive(active bool) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := pathID(ctx)
		if !ok {
			return
		}
		if err := s.store.SetProviderActive(ctx, id, active); err != nil {
			apierr.WriteError(ctx, err)
			return
		}
		writeJSON(ctx, map[string]any{"id": id, "isActive": active})
	}
}

func (s *Server) handleSetPrimary(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	if err := s.store.SetPrimaryProvider(ctx, id); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{"id": id, "isPrimary": true})
}

// The test, stats, and health-history routes address providers by their
// string provider id, not the numeric record id.
func (s *Server) handleTestProvider(ctx *fasthttp.RequestCtx) {
	providerID, _ := ctx.UserValue("id").(string)
	result, err := s.proxy.TestProvider(ctx, providerID)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, result)
}

func (s *Server) handleProviderStats(ctx *fasthttp.RequestCtx) {
	providerID, _ := ctx.UserValue("id").(string)
	window := time.Hour
	if raw := string(ctx.QueryArgs().Peek("window")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			apierr.WriteValidation(ctx, fmt.Sprintf("invalid window %q", raw))
			return
		}
		window = d
	}
	stats := s.proxy.UsageStatistics(providerID, window)
	writeJSON(ctx, map[string]any{
		"providerId":   providerID,
		"window":       window.String(),
		"stats":        stats,
		"breakerState": s.proxy.BreakerState(providerID),
	})
}

func (s *Server) handleHealthHistory(ctx *fasthttp.RequestCtx) {
	providerID, _ := ctx.UserValue("id").(string)
	limit := 0
	if raw := string(ctx.QueryArgs().Peek("limit")); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	history, err := s.store.HealthHistory(ctx, providerID, limit)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{"providerId": providerID, "history": history})
}

func (s *Server) handleProvidersByCapability(ctx *fasthttp.RequestCtx) {
	op, _ := ctx.UserValue("operation").(string)
	list, err := s.proxy.ProvidersByCapability(ctx, providers.Operation(op))
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{"operation": op, "providers": list})
}

func (s *Server) handleLoadBalancing(ctx *fasthttp.RequestCtx) {
	var in struct {
		Strategy string `json:"strategy"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteValidation(ctx, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if err := s.proxy.ConfigureLoadBalancing(providers.LoadBalancingStrategy(in.Strategy)); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]string{"strategy": in.Strategy})
}

// ── Templates ─────────────────────────────────────────────────────────────────

func (s *Server) handleTemplateExecute(ctx *fasthttp.RequestCtx) {
	var req template.ExecuteRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteValidation(ctx, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	resp, err := s.templates.Execute(ctx, req)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, resp)
}

func (s *Server) handleTemplatePreview(ctx *fasthttp.RequestCtx) {
	var in struct {
		TemplateID string         `json:"templateId"`
		Variables  map[string]any `json:"variables"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteValidation(ctx, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	resp, err := s.templates.Preview(ctx, in.TemplateID, in.Variables)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, resp)
}

func (s *Server) handleTemplateBatch(ctx *fasthttp.RequestCtx) {
	var req template.BatchRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteValidation(ctx, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	writeJSON(ctx, s.templates.BatchExecute(ctx, req))
}

func (s *Server) handleTemplateSave(ctx *fasthttp.RequestCtx) {
	var tpl template.Template
	if err := json.Unmarshal(ctx.PostBody(), &tpl); err != nil {
		apierr.WriteValidation(ctx, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if tpl.ID == "" {
		apierr.WriteValidation(ctx, "field 'id' is required")
		return
	}
	if err := s.store.SaveTemplate(ctx, &tpl); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	// Cached copies of the previous version must not serve new requests.
	s.templates.InvalidateTemplate(ctx, tpl.ID)
	writeJSON(ctx, map[string]string{"id": tpl.ID})
}

func (s *Server) handleTemplateDelete(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if err := s.store.DeleteTemplate(ctx, id); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	s.templates.InvalidateTemplate(ctx, id)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func pathID(ctx *fasthttp.RequestCtx) (int64, bool) {
	raw, _ := ctx.UserValue("id").(string)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		apierr.WriteValidation(ctx, fmt.Sprintf("invalid provider id %q", raw))
		return 0, false
	}
	return id, true
}

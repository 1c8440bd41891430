package template

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/museflow/ai-gateway/internal/cache"
	"github.com/museflow/ai-gateway/internal/providers"
)

// Source loads templates by id. The gateway's store satisfies this; tests
// plug in a map-backed fake.
type Source interface {
	GetTemplate(ctx context.Context, id string) (*Template, error)
}

// Executor renders templates with a two-tier cache: an in-process LRU for
// templates and execution results, plus an optional shared Redis tier for
// execution results only.
type Executor struct {
	source Source
	log    *slog.Logger

	templates  *cache.LRU[*Template]
	executions *cache.LRU[ExecuteResponse]
	shared     *cache.RedisCache
	noCache    bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithSharedCache enables the Redis execution-result tier.
func WithSharedCache(rc *cache.RedisCache) Option {
	return func(e *Executor) { e.shared = rc }
}

// WithExecutionCacheDisabled turns off execution-result caching entirely
// (CACHE_MODE=none). Template caching stays on; it never returns stale
// renders because saves invalidate it.
func WithExecutionCacheDisabled() Option {
	return func(e *Executor) { e.noCache = true }
}

// NewExecutor builds an Executor over the given template source.
func NewExecutor(source Source, log *slog.Logger, opts ...Option) *Executor {
	if log == nil {
		log = slog.Default()
	}
	e := &Executor{
		source:     source,
		log:        log,
		templates:  cache.NewLRU[*Template](cache.TemplateMaxSize, cache.TemplateTTL),
		executions: cache.NewLRU[ExecuteResponse](cache.ExecutionMaxSize, cache.ExecutionTTL),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute renders a template against the request's variables. Results of
// successful executions are cached; failures never are.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	if req.TemplateID == "" {
		return nil, providers.NewError(providers.CodeValidation, "templateId is required", 400)
	}

	useCache := !e.noCache && (req.UseCache == nil || *req.UseCache)
	key := cache.ExecutionKey(req.TemplateID, req.Variables)

	if useCache {
		if resp, ok := e.lookupExecution(ctx, key); ok {
			resp.Cached = true
			return &resp, nil
		}
	}

	tpl, err := e.loadTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if !tpl.IsActive {
		return nil, providers.NewError(providers.CodeValidation,
			fmt.Sprintf("template %s is not active", tpl.ID), 400)
	}

	if missing := missingRequired(tpl, req.Variables); len(missing) > 0 {
		return nil, providers.NewError(providers.CodeValidation,
			"Missing required variables: "+strings.Join(missing, ", "), 400)
	}

	start := time.Now()
	vars := withDefaults(tpl, req.Variables)

	resp := ExecuteResponse{
		Success:      true,
		Result:       e.render(tpl.ID, tpl.Content, vars),
		TemplateUsed: TemplateRef{ID: tpl.ID, Name: tpl.Name, Version: tpl.Version},
	}
	if tpl.SystemPrompt != "" {
		resp.SystemPrompt = e.render(tpl.ID, tpl.SystemPrompt, vars)
		resp.Messages = append(resp.Messages, Message{Role: "system", Content: resp.SystemPrompt})
	}
	if tpl.UserPrompt != "" {
		resp.UserPrompt = e.render(tpl.ID, tpl.UserPrompt, vars)
		resp.Messages = append(resp.Messages, Message{Role: "user", Content: resp.UserPrompt})
	}
	resp.ExecutionTimeMs = time.Since(start).Milliseconds()

	if useCache {
		e.storeExecution(ctx, key, resp)
	}
	return &resp, nil
}

// Preview renders without failing on missing required variables and
// reports which declared variables are missing and which provided keys
// the template does not declare.
func (e *Executor) Preview(ctx context.Context, templateID string, variables map[string]any) (*PreviewResponse, error) {
	tpl, err := e.loadTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	missing := missingRequired(tpl, variables)

	declared := make(map[string]struct{}, len(tpl.Variables))
	for _, v := range tpl.Variables {
		declared[v.Name] = struct{}{}
	}
	unused := make([]string, 0)
	for k := range variables {
		if _, ok := declared[k]; !ok {
			unused = append(unused, k)
		}
	}

	return &PreviewResponse{
		Success:          len(missing) == 0,
		Preview:          e.render(tpl.ID, tpl.Content, withDefaults(tpl, variables)),
		MissingVariables: missing,
		UnusedVariables:  unused,
	}, nil
}

// BatchExecute runs executions sequentially in request order so that
// stopOnFirstError has deterministic meaning.
func (e *Executor) BatchExecute(ctx context.Context, req BatchRequest) *BatchResponse {
	out := &BatchResponse{Results: make([]BatchItemResult, 0, len(req.Executions))}

	for _, item := range req.Executions {
		start := time.Now()
		resp, err := e.Execute(ctx, ExecuteRequest{TemplateID: item.TemplateID, Variables: item.Variables})

		r := BatchItemResult{
			ExecutionID:     item.ExecutionID,
			TemplateID:      item.TemplateID,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			r.Error = err.Error()
		} else {
			r.Success = true
			r.Result = resp.Result
			r.ExecutionTimeMs = resp.ExecutionTimeMs
		}

		out.Results = append(out.Results, r)
		out.Summary.Total++
		out.Summary.TotalExecutionTimeMs += r.ExecutionTimeMs
		if r.Success {
			out.Summary.Successful++
		} else {
			out.Summary.Failed++
			if req.Options.StopOnFirstError {
				break
			}
		}
	}
	return out
}

// InvalidateTemplate drops the cached template and every execution result
// it produced, across both tiers.
func (e *Executor) InvalidateTemplate(ctx context.Context, templateID string) {
	e.templates.Delete(templateID)
	e.executions.DeleteFunc(func(_ string, v ExecuteResponse) bool {
		return v.TemplateUsed.ID == templateID
	})
	if e.shared != nil {
		if err := e.shared.DeletePrefix(ctx, "exec_"+templateID+"_"); err != nil {
			e.log.WarnContext(ctx, "shared_cache_invalidate_failed",
				slog.String("template_id", templateID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Cleanup sweeps expired entries from both in-process tiers. Wired to a
// scheduled job by the composition root.
func (e *Executor) Cleanup() int {
	return e.templates.Cleanup() + e.executions.Cleanup()
}

// CacheStats reports both in-process tiers.
func (e *Executor) CacheStats() (templates, executions cache.Stats) {
	return e.templates.Stats(), e.executions.Stats()
}

// ── internals ──────────────────────────────────────────────────────────

func (e *Executor) loadTemplate(ctx context.Context, id string) (*Template, error) {
	if tpl, ok := e.templates.Get(id); ok {
		return tpl, nil
	}
	tpl, err := e.source.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if tpl == nil {
		return nil, providers.NewError(providers.CodeValidation,
			fmt.Sprintf("template %s not found", id), 404)
	}
	e.templates.Set(id, tpl)
	return tpl, nil
}

// render runs the interpreter and falls back to plain substitution when
// the template does not parse. Rendering itself never fails an execution.
func (e *Executor) render(templateID, src string, vars map[string]any) string {
	out, err := Render(src, vars)
	if err != nil {
		e.log.Warn("template_render_fallback",
			slog.String("template_id", templateID),
			slog.String("error", err.Error()),
		)
		return SimpleSubstitute(src, vars)
	}
	return out
}

func missingRequired(tpl *Template, vars map[string]any) []string {
	missing := make([]string, 0)
	for _, v := range tpl.Variables {
		if !v.Required {
			continue
		}
		if _, ok := vars[v.Name]; !ok {
			missing = append(missing, v.Name)
		}
	}
	return missing
}

// withDefaults overlays declared default values under the caller's
// variables without mutating the input map.
func withDefaults(tpl *Template, vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars)+len(tpl.Variables))
	for _, v := range tpl.Variables {
		if v.DefaultValue != nil {
			out[v.Name] = v.DefaultValue
		}
	}
	for k, v := range vars {
		out[k] = v
	}
	return out
}

func (e *Executor) lookupExecution(ctx context.Context, key string) (ExecuteResponse, bool) {
	if resp, ok := e.executions.Get(key); ok {
		return resp, true
	}
	if e.shared != nil {
		if raw, ok := e.shared.Get(ctx, key); ok {
			var resp ExecuteResponse
			if err := json.Unmarshal(raw, &resp); err == nil {
				e.executions.Set(key, resp)
				return resp, true
			}
		}
	}
	return ExecuteResponse{}, false
}

func (e *Executor) storeExecution(ctx context.Context, key string, resp ExecuteResponse) {
	e.executions.Set(key, resp)
	if e.shared != nil {
		if raw, err := json.Marshal(resp); err == nil {
			_ = e.shared.Set(ctx, key, raw, cache.ExecutionTTL)
		}
	}
}

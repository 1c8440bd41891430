package proxy

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/museflow/ai-gateway/internal/metrics"
	"github.com/museflow/ai-gateway/internal/store"
	"github.com/museflow/ai-gateway/internal/template"
)

// Server exposes the gateway over HTTP: the invocation endpoint, the
// provider management API, template execution, and operational probes.
type Server struct {
	proxy     *Proxy
	store     *store.Store
	templates *template.Executor
	monitor   *HealthMonitor
	registry  *metrics.Registry
	log       *slog.Logger

	corsOrigins []string
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// Monitor backs /health and /readiness. Optional.
	Monitor *HealthMonitor

	// CORSOrigins is the allowed origin list; nil or ["*"] allows all.
	CORSOrigins []string

	Logger *slog.Logger
}

// NewServer wires the HTTP surface. proxy, st, and templates are required.
func NewServer(p *Proxy, st *store.Store, templates *template.Executor, registry *metrics.Registry, opts ServerOptions) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		proxy:       p,
		store:       st,
		templates:   templates,
		monitor:     opts.Monitor,
		registry:    registry,
		log:         log,
		corsOrigins: opts.CORSOrigins,
	}
}

// Handler builds the routed, middleware-wrapped request handler.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/invoke", s.handleInvoke)

	r.GET("/v1/providers", s.handleListProviders)
	r.POST("/v1/providers", s.handleCreateProvider)
	r.GET("/v1/providers/{id}", s.handleGetProvider)
	r.PUT("/v1/providers/{id}", s.handleUpdateProvider)
	r.DELETE("/v1/providers/{id}", s.handleDeleteProvider)
	r.POST("/v1/providers/{id}/activate", s.handleSetActive(true))
	r.POST("/v1/providers/{id}/deactivate", s.handleSetActive(false))
	r.POST("/v1/providers/{id}/primary", s.handleSetPrimary)

	r.POST("/v1/providers/{id}/test", s.handleTestProvider)
	r.GET("/v1/providers/{id}/stats", s.handleProviderStats)
	r.GET("/v1/providers/{id}/health-history", s.handleHealthHistory)

	r.GET("/v1/operations/{operation}/providers", s.handleProvidersByCapability)
	r.PUT("/v1/load-balancing", s.handleLoadBalancing)

	r.POST("/v1/templates/execute", s.handleTemplateExecute)
	r.POST("/v1/templates/preview", s.handleTemplatePreview)
	r.POST("/v1/templates/batch", s.handleTemplateBatch)
	r.PUT("/v1/templates", s.handleTemplateSave)
	r.DELETE("/v1/templates/{id}", s.handleTemplateDelete)

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.registry != nil {
		r.GET("/metrics", s.registry.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		s.observe,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start serves on addr (e.g. ":8080") until the listener fails.
func (s *Server) Start(addr string) error {
	srv := &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 300 * time.Second, // music generation can poll for minutes
	}
	return srv.ListenAndServe(addr)
}

// observe records per-request Prometheus metrics.
func (s *Server) observe(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if s.registry == nil {
			next(ctx)
			return
		}
		s.registry.IncInFlight()
		start := time.Now()
		next(ctx)
		s.registry.DecInFlight()
		s.registry.ObserveHTTP(string(ctx.Path()), ctx.Response.StatusCode(), time.Since(start))
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.monitor == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, s.monitor.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.monitor == nil || s.monitor.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// Package server implements the HTTP API of the governor.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/cognalith/governor/internal/ctxutil"
	"github.com/cognalith/governor/internal/ratelimit"
	"github.com/cognalith/governor/internal/service/governor"
)

// Server is the governor HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, OpenAPISpec, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Service *governor.Service
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte

	// Middlewares wrap the whole handler chain. The first entry is outermost.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Service:             cfg.Service,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Manual triggers are rate limited per actor.
	triggerRL := ratelimit.Middleware(cfg.Limiter, actorKeyFunc, func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}, cfg.Logger)
	limited := func(fn http.HandlerFunc) http.Handler { return triggerRL(fn) }

	mux := http.NewServeMux()

	// Read surface.
	mux.HandleFunc("GET /v1/agents", h.HandleListAgents)
	mux.HandleFunc("GET /v1/agents/{role}", h.HandleGetAgent)
	mux.HandleFunc("GET /v1/agents/{role}/knowledge", h.HandleAgentKnowledge)
	mux.HandleFunc("GET /v1/agents/{role}/instructions", h.HandleAgentInstructions)
	mux.HandleFunc("GET /v1/amendments", h.HandleListAmendments)
	mux.HandleFunc("GET /v1/amendments/pending", h.HandlePendingAmendments)
	mux.HandleFunc("GET /v1/amendments/{id}", h.HandleGetAmendment)
	mux.HandleFunc("GET /v1/amendments/{id}/progress", h.HandleEvaluationProgress)
	mux.HandleFunc("GET /v1/amendments/{id}/versions", h.HandleVersionChain)
	mux.HandleFunc("GET /v1/escalations", h.HandleListEscalations)
	mux.HandleFunc("GET /v1/safety-events", h.HandleListSafetyEvents)

	// Human decisions.
	mux.HandleFunc("POST /v1/amendments/{id}/approve", h.HandleApproveAmendment)
	mux.HandleFunc("POST /v1/amendments/{id}/reject", h.HandleRejectAmendment)
	mux.HandleFunc("POST /v1/amendments/{id}/revise", h.HandleReviseAmendment)
	mux.HandleFunc("POST /v1/escalations/{id}/resolve", h.HandleResolveEscalation)

	// Ingestion.
	mux.HandleFunc("POST /v1/tasks", h.HandleRecordTask)
	mux.HandleFunc("POST /v1/tasks/batch", h.HandleRecordTasks)

	// Manual triggers (rate limited).
	mux.Handle("POST /v1/recommendations", limited(h.HandleSubmitRecommendation))
	mux.Handle("POST /v1/review", limited(h.HandleReview))
	mux.Handle("POST /v1/sweep", limited(h.HandleSweep))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → actor → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = actorMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// actorKeyFunc keys manual-trigger rate limits on the acting operator and
// client IP.
func actorKeyFunc(r *http.Request) string {
	return ctxutil.ActorFromContext(r.Context()) + "@" + ratelimit.IPKeyFunc(r)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

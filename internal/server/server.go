package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kanshi-ai/seigyo/internal/engine"
	"github.com/kanshi-ai/seigyo/internal/liveness"
)

// Server is the seigyo HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds dependencies and settings for creating a Server.
// Optional fields (nil-safe): Tracker, MCPServer.
type Config struct {
	Engine  *engine.Engine
	Tracker *liveness.Tracker
	Logger  *slog.Logger

	MCPServer *mcpserver.MCPServer

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64 // zero means no limit
	Version      string
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(cfg.Engine, cfg.Tracker, cfg.Logger, cfg.Version)

	mux := http.NewServeMux()

	// Governance cycle and per-agent reads.
	mux.HandleFunc("POST /v1/agents/{agent_id}/cycle", h.HandleCycle)
	mux.HandleFunc("GET /v1/agents/{agent_id}/metrics", h.HandleAgentMetrics)

	// Agent lifecycle.
	mux.HandleFunc("GET /v1/agents", h.HandleListAgents)
	mux.HandleFunc("POST /v1/agents/{agent_id}/reset", h.HandleResetAgent)
	mux.HandleFunc("DELETE /v1/agents/{agent_id}", h.HandleDeleteAgent)

	// Policy.
	mux.HandleFunc("GET /v1/policy", h.HandleGetPolicy)
	mux.HandleFunc("PUT /v1/policy", h.HandlePutPolicy)

	// Audit trail and calibration.
	mux.HandleFunc("GET /v1/audit", h.HandleAudit)
	mux.HandleFunc("GET /v1/calibration", h.HandleCalibration)

	// Worker liveness.
	mux.HandleFunc("GET /v1/workers", h.HandleListWorkers)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no middleware concerns beyond the shared chain).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	if cfg.MaxBodyBytes > 0 {
		handler = http.MaxBytesHandler(handler, cfg.MaxBodyBytes)
	}
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
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

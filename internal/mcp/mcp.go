// Package mcp exposes the governance engine over the Model Context Protocol.
//
// Each connected MCP caller runs its own worker process (stdio transport),
// which is exactly the regime the store's file locks exist for; the same
// server also mounts under the HTTP surface via StreamableHTTP.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kanshi-ai/seigyo/internal/engine"
	"github.com/kanshi-ai/seigyo/internal/model"
	"github.com/kanshi-ai/seigyo/internal/store"
)

// Server wraps the MCP server around the governance engine.
type Server struct {
	mcpServer *mcpserver.MCPServer
	engine    *engine.Engine
	logger    *slog.Logger
}

// New creates and configures the MCP server with all tools registered.
func New(eng *engine.Engine, logger *slog.Logger, version string) *Server {
	s := &Server{
		engine: eng,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"seigyo",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio serves the MCP protocol over stdin/stdout. One caller, one
// process: cross-process safety comes from the store's locks.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func (s *Server) registerTools() {
	// seigyo_cycle — run one governance cycle for an agent.
	s.mcpServer.AddTool(
		mcplib.NewTool("seigyo_cycle",
			mcplib.WithDescription(`Report one activity for an agent and get a governance verdict.

Evolves the agent's tracked state from the supplied parameter and drift
vectors, then returns approve, revise, or reject plus updated metrics.
Reject is autonomous: halt or escalate to another automated layer, do not
wait for a human.

Set dry_run=true to see what would happen without changing anything.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("Agent identifier"),
				mcplib.Required(),
			),
			mcplib.WithArray("params",
				mcplib.Description("Current parameter vector (numbers)"),
				mcplib.Required(),
			),
			mcplib.WithArray("drift",
				mcplib.Description("Drift vector; omitted means it is derived from the previous parameter vector"),
			),
			mcplib.WithNumber("confidence",
				mcplib.Description("Confidence in this report (0.0-1.0); gates the adaptive controller"),
				mcplib.Min(0),
				mcplib.Max(1),
				mcplib.DefaultNumber(1),
			),
			mcplib.WithNumber("response_length",
				mcplib.Description("Length in characters of the response being governed"),
			),
			mcplib.WithNumber("stated_complexity",
				mcplib.Description("Self-assessed task complexity (0.0-1.0)"),
				mcplib.Min(0),
				mcplib.Max(1),
			),
			mcplib.WithBoolean("disallowed_terms",
				mcplib.Description("Whether disallowed terms were detected in the activity"),
			),
			mcplib.WithBoolean("dry_run",
				mcplib.Description("Compute the verdict against a copy of state without persisting"),
			),
		),
		s.handleCycle,
	)

	// seigyo_metrics — read an agent's current persisted metrics.
	s.mcpServer.AddTool(
		mcplib.NewTool("seigyo_metrics",
			mcplib.WithDescription("Read the current persisted metrics for an agent: EISV coordinates, coherence, risk, lambda1, void latch, and update count."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("Agent identifier"),
				mcplib.Required(),
			),
		),
		s.handleMetrics,
	)

	// seigyo_agents — list tracked agents with health counts.
	s.mcpServer.AddTool(
		mcplib.NewTool("seigyo_agents",
			mcplib.WithDescription("List tracked agents with lifecycle status and aggregate health counts."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleAgents,
	)

	// seigyo_policy — read the active governance policy.
	s.mcpServer.AddTool(
		mcplib.NewTool("seigyo_policy",
			mcplib.WithDescription("Read the active decision thresholds, risk weights, and controller bounds."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handlePolicy,
	)
}

func (s *Server) handleCycle(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	args := request.GetArguments()

	params, err := floatSlice(args["params"])
	if err != nil {
		return errorResult(fmt.Sprintf("invalid params: %v", err)), nil
	}
	drift, err := floatSlice(args["drift"])
	if err != nil {
		return errorResult(fmt.Sprintf("invalid drift: %v", err)), nil
	}

	in := model.CycleInput{
		AgentID:    request.GetString("agent_id", ""),
		Params:     params,
		Drift:      drift,
		Confidence: request.GetFloat("confidence", 1.0),
		Signals: model.HeuristicSignals{
			ResponseLength:   request.GetInt("response_length", 0),
			StatedComplexity: request.GetFloat("stated_complexity", 0),
			DisallowedTerms:  request.GetBool("disallowed_terms", false),
		},
		DryRun: request.GetBool("dry_run", false),
	}

	result, err := s.engine.RunCycle(ctx, in)
	if err != nil {
		return errorResult(errorMessage(err)), nil
	}
	return jsonResult(result)
}

func (s *Server) handleMetrics(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentID := request.GetString("agent_id", "")
	metrics, err := s.engine.GetMetrics(ctx, agentID)
	if err != nil {
		return errorResult(errorMessage(err)), nil
	}
	return jsonResult(metrics)
}

func (s *Server) handleAgents(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agents, health, err := s.engine.ListAgents(ctx)
	if err != nil {
		return errorResult(errorMessage(err)), nil
	}
	return jsonResult(map[string]any{
		"agents": agents,
		"health": health,
	})
}

func (s *Server) handlePolicy(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(s.engine.Policy())
}

// errorMessage keeps the machine-distinguishable kind visible in the text
// surfaced to MCP callers.
func errorMessage(err error) string {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		return fmt.Sprintf("validation error: %s: %s", verr.Field, verr.Reason)
	case errors.Is(err, store.ErrLockTimeout):
		return fmt.Sprintf("lock timeout: %v (safe to retry)", err)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Sprintf("not found: %v", err)
	default:
		return err.Error()
	}
}

// floatSlice coerces a JSON array argument into []float64. A missing
// argument yields nil, which downstream validation treats as absent.
func floatSlice(raw any) ([]float64, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array of numbers")
	}
	out := make([]float64, len(items))
	for i, item := range items {
		f, ok := item.(float64)
		if !ok {
			return nil, fmt.Errorf("element %d is not a number", i)
		}
		out[i] = f
	}
	return out, nil
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

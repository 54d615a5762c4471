package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kanshi-ai/seigyo/internal/engine"
	"github.com/kanshi-ai/seigyo/internal/liveness"
	"github.com/kanshi-ai/seigyo/internal/model"
	"github.com/kanshi-ai/seigyo/internal/policy"
	"github.com/kanshi-ai/seigyo/internal/store"
)

// Handlers holds dependencies for HTTP request handlers.
type Handlers struct {
	engine  *engine.Engine
	tracker *liveness.Tracker // optional, nil disables worker listing
	logger  *slog.Logger
	version string
	started time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(eng *engine.Engine, tracker *liveness.Tracker, logger *slog.Logger, version string) *Handlers {
	return &Handlers{
		engine:  eng,
		tracker: tracker,
		logger:  logger,
		version: version,
		started: time.Now().UTC(),
	}
}

// HandleHealth reports service liveness plus aggregate agent health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_, health, err := h.engine.ListAgents(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	resp := map[string]any{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"agents":         health,
	}
	if h.tracker != nil {
		workers, err := h.tracker.List()
		if err == nil {
			resp["workers"] = len(workers)
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

type cycleRequest struct {
	Params           []float64 `json:"params"`
	Drift            []float64 `json:"drift,omitempty"`
	Confidence       *float64  `json:"confidence,omitempty"`
	ResponseLength   int       `json:"response_length,omitempty"`
	StatedComplexity float64   `json:"stated_complexity,omitempty"`
	DisallowedTerms  bool      `json:"disallowed_terms,omitempty"`
	DryRun           bool      `json:"dry_run,omitempty"`
}

// HandleCycle runs one governance cycle for the agent in the path.
func (h *Handlers) HandleCycle(w http.ResponseWriter, r *http.Request) {
	var req cycleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	confidence := 1.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	result, err := h.engine.RunCycle(r.Context(), model.CycleInput{
		AgentID:    r.PathValue("agent_id"),
		Params:     req.Params,
		Drift:      req.Drift,
		Confidence: confidence,
		Signals: model.HeuristicSignals{
			ResponseLength:   req.ResponseLength,
			StatedComplexity: req.StatedComplexity,
			DisallowedTerms:  req.DisallowedTerms,
		},
		DryRun: req.DryRun,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleAgentMetrics returns the persisted metrics for one agent.
func (h *Handlers) HandleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.engine.GetMetrics(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, metrics)
}

// HandleListAgents lists tracked agents with aggregate health counts.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, health, err := h.engine.ListAgents(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"agents": agents,
		"health": health,
	})
}

// HandleResetAgent restores an agent to its default initial state.
func (h *Handlers) HandleResetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if err := h.engine.Reset(r.Context(), agentID); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "reset", "agent_id": agentID})
}

// HandleDeleteAgent removes an agent's durable record.
func (h *Handlers) HandleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if err := h.engine.Delete(r.Context(), agentID); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "deleted", "agent_id": agentID})
}

// HandleGetPolicy returns the active policy.
func (h *Handlers) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.engine.Policy())
}

// HandlePutPolicy installs a runtime policy override. The override lasts
// until the next policy file reload or process restart.
func (h *Handlers) HandlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	if err := h.engine.SetPolicy(p); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_policy", err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, h.engine.Policy())
}

// HandleAudit returns recent audit records, optionally filtered by agent.
func (h *Handlers) HandleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, r, http.StatusBadRequest, "bad_request", "limit must be an integer in [1, 1000]")
			return
		}
		limit = n
	}
	records, err := h.engine.AuditRecent(r.Context(), r.URL.Query().Get("agent_id"), limit)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"records": records})
}

// HandleCalibration returns the confidence calibration bins.
func (h *Handlers) HandleCalibration(w http.ResponseWriter, r *http.Request) {
	bins, err := h.engine.Calibration(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"bins": bins})
}

// HandleListWorkers lists live worker heartbeats.
func (h *Handlers) HandleListWorkers(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		writeError(w, r, http.StatusNotFound, "not_found", "worker tracking disabled")
		return
	}
	workers, err := h.tracker.List()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"workers": workers})
}

// writeEngineError maps engine error kinds onto HTTP statuses. Lock
// timeouts are 503 so callers retry rather than treat them as verdicts.
func (h *Handlers) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusBadRequest, "validation", verr.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "lock_timeout", err.Error())
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "internal server error")
	}
}

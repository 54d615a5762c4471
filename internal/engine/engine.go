// Package engine orchestrates one governance cycle: lock, load-or-create,
// evolve, decide, periodically adapt, persist, cache into metadata, audit.
// All mutation happens compute-then-commit: nothing durable changes until the
// full cycle computation has succeeded, so any failure leaves state
// untouched and retries are always safe.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kanshi-ai/seigyo/internal/audit"
	"github.com/kanshi-ai/seigyo/internal/controller"
	"github.com/kanshi-ai/seigyo/internal/dynamics"
	"github.com/kanshi-ai/seigyo/internal/model"
	"github.com/kanshi-ai/seigyo/internal/policy"
	"github.com/kanshi-ai/seigyo/internal/risk"
	"github.com/kanshi-ai/seigyo/internal/store"
)

// Config holds the engine's fixed (non-policy) tunables.
type Config struct {
	DT            float64
	VoidThreshold float64
	HistoryDepth  int
	MaxVectorLen  int
}

// Engine is the concurrent agent-state engine behind runCycle/getMetrics.
type Engine struct {
	store    *store.Store
	sink     *audit.Sink
	policies *policy.Store
	cfg      Config
	metrics  *Metrics
	logger   *slog.Logger
}

// New wires an engine from its collaborators.
func New(st *store.Store, sink *audit.Sink, policies *policy.Store, cfg Config, metrics *Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		store:    st,
		sink:     sink,
		policies: policies,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
	}
}

// Health aggregates lifecycle counts across agents.
type Health struct {
	Active       int    `json:"active"`
	Archived     int    `json:"archived"`
	Deleted      int    `json:"deleted"`
	TotalUpdates uint64 `json:"total_updates"`
}

// RunCycle runs one governance cycle for the input's agent. An unknown agent
// is created with default initial state. Dry runs compute against a copy of
// current state and persist nothing. Errors: *model.ValidationError for
// malformed input (no mutation), store.ErrLockTimeout (wrapped) when the
// agent lock cannot be acquired in time (no mutation).
func (e *Engine) RunCycle(ctx context.Context, in model.CycleInput) (model.CycleResult, error) {
	if err := in.Validate(e.cfg.MaxVectorLen); err != nil {
		return model.CycleResult{}, err
	}
	pol := e.policies.Get()
	now := time.Now().UTC()

	if in.DryRun {
		st, err := e.loadOrCreate(in.AgentID, pol, now)
		if err != nil {
			return model.CycleResult{}, err
		}
		// State files are written by atomic rename, so an unlocked read
		// sees a complete record; the copy isolates the computation.
		cp := st.Clone()
		decision, score, _ := e.compute(cp, in, pol, now)
		return model.CycleResult{
			Status:   "dry_run",
			Decision: decision,
			Metrics:  metricsWithRisk(cp, score),
		}, nil
	}

	var result model.CycleResult
	err := e.store.WithAgentLock(ctx, in.AgentID, func() error {
		st, err := e.loadOrCreate(in.AgentID, pol, now)
		if err != nil {
			return err
		}
		decision, score, ctrl := e.compute(st, in, pol, now)

		if err := e.store.SaveState(st); err != nil {
			return err
		}

		// The shared metadata file is a read-through cache of AgentState
		// counters. A failed refresh lags the cache but never loses the
		// committed cycle, so it degrades to a warning.
		if err := e.store.MergeMetadata(ctx, metadataEntry(st)); err != nil {
			e.logger.Warn("metadata refresh failed after cycle", "agent_id", st.AgentID, "error", err)
		}

		e.audit(ctx, st, in, decision, score, ctrl)
		result = model.CycleResult{
			Status:   "ok",
			Decision: decision,
			Metrics:  model.MetricsOf(st),
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrLockTimeout) {
			e.metrics.LockTimeout(ctx)
		}
		return model.CycleResult{}, err
	}
	e.metrics.CycleCompleted(ctx, result.Decision.Action)
	return result, nil
}

// compute runs the pure pipeline against st in place: evolve, decide, and
// (when due) the confidence-gated controller step. No I/O.
func (e *Engine) compute(st *model.AgentState, in model.CycleInput, pol policy.Policy, now time.Time) (model.Decision, float64, controller.Result) {
	drift := in.EffectiveDrift(st.LastParams)

	dynamics.Evolve(st, drift, e.cfg.DT, e.cfg.VoidThreshold)
	score, decision := risk.Decide(st, drift, in.Signals, pol)

	st.UpdateCount++
	var ctrl controller.Result
	if controller.Due(st.UpdateCount, pol.Controller.Period) {
		ctrl = controller.Apply(st, in.Confidence, pol.Controller)
	}

	st.LastRisk = score
	st.LastAction = decision.Action
	st.LastParams = append([]float64(nil), in.Params...)
	st.UpdatedAt = now
	if st.History.Cap == 0 {
		st.History = model.NewHistory(e.cfg.HistoryDepth)
	}
	st.History.Push(model.Snapshot{
		E: st.E, I: st.I, S: st.S, V: st.V,
		Coherence: st.Coherence,
		Risk:      score,
		At:        now,
	})
	return decision, score, ctrl
}

func (e *Engine) audit(ctx context.Context, st *model.AgentState, in model.CycleInput, decision model.Decision, score float64, ctrl controller.Result) {
	e.sink.TryAppend(ctx, audit.Record{
		AgentID:    st.AgentID,
		Event:      audit.EventCycle,
		Verdict:    decision.Action,
		Risk:       score,
		Confidence: in.Confidence,
		Reason:     decision.Reason,
	})
	if ctrl.Skipped {
		e.metrics.ControllerSkip(ctx)
		e.sink.TryAppend(ctx, audit.Record{
			AgentID:    st.AgentID,
			Event:      audit.EventControllerSkip,
			Risk:       score,
			Confidence: in.Confidence,
			Reason:     ctrl.Reason,
		})
	} else if ctrl.Ran {
		e.sink.TryAppend(ctx, audit.Record{
			AgentID:    st.AgentID,
			Event:      audit.EventControllerStep,
			Risk:       score,
			Confidence: in.Confidence,
			Reason:     ctrl.Reason,
		})
	}
}

// loadOrCreate reads the agent's record, creating a default one for an
// unknown agent. The created record is not persisted here — a dry run
// against an unknown agent must leave no trace.
func (e *Engine) loadOrCreate(agentID string, pol policy.Policy, now time.Time) (*model.AgentState, error) {
	st, err := e.store.LoadState(agentID)
	if err == nil {
		return st, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		lambda1 := defaultLambda1(pol.Controller)
		return model.NewAgentState(agentID, lambda1, e.cfg.HistoryDepth, now), nil
	}
	return nil, err
}

// GetMetrics returns the persisted metrics for an agent, or a wrapped
// store.ErrNotFound when the agent has never run a cycle.
func (e *Engine) GetMetrics(ctx context.Context, agentID string) (model.Metrics, error) {
	if err := model.ValidateAgentID(agentID); err != nil {
		return model.Metrics{}, &model.ValidationError{Field: "agent_id", Reason: err.Error()}
	}
	st, err := e.store.LoadState(agentID)
	if err != nil {
		return model.Metrics{}, err
	}
	return model.MetricsOf(st), nil
}

// Reset replaces an agent's state with the default initial state, keeping
// its creation time. The only path on which update_count restarts.
func (e *Engine) Reset(ctx context.Context, agentID string) error {
	if err := model.ValidateAgentID(agentID); err != nil {
		return &model.ValidationError{Field: "agent_id", Reason: err.Error()}
	}
	pol := e.policies.Get()
	now := time.Now().UTC()
	return e.store.WithAgentLock(ctx, agentID, func() error {
		old, err := e.store.LoadState(agentID)
		if err != nil {
			return err
		}
		fresh := model.NewAgentState(agentID, defaultLambda1(pol.Controller), e.cfg.HistoryDepth, now)
		fresh.CreatedAt = old.CreatedAt
		if err := e.store.SaveState(fresh); err != nil {
			return err
		}
		// Reset is the one writer allowed to move metadata counters
		// backwards, so it bypasses Merge's forward-only rule.
		if err := e.store.MutateMetadata(ctx, func(md *model.MetadataFile) {
			md.Agents[agentID] = metadataEntry(fresh)
		}); err != nil {
			e.logger.Warn("metadata refresh failed after reset", "agent_id", agentID, "error", err)
		}
		e.sink.TryAppend(ctx, audit.Record{AgentID: agentID, Event: audit.EventReset, Reason: "agent state reset"})
		return nil
	})
}

// Delete removes an agent's durable record and marks it deleted in metadata.
func (e *Engine) Delete(ctx context.Context, agentID string) error {
	if err := model.ValidateAgentID(agentID); err != nil {
		return &model.ValidationError{Field: "agent_id", Reason: err.Error()}
	}
	return e.store.WithAgentLock(ctx, agentID, func() error {
		if _, err := e.store.LoadState(agentID); err != nil {
			return err
		}
		if err := e.store.DeleteState(agentID); err != nil {
			return err
		}
		if err := e.store.MutateMetadata(ctx, func(md *model.MetadataFile) {
			entry, ok := md.Agents[agentID]
			if !ok {
				entry = model.AgentMetadata{AgentID: agentID, CreatedAt: time.Now().UTC()}
			}
			entry.Status = model.StatusDeleted
			entry.UpdatedAt = time.Now().UTC()
			md.Agents[agentID] = entry
		}); err != nil {
			e.logger.Warn("metadata update failed after delete", "agent_id", agentID, "error", err)
		}
		e.sink.TryAppend(ctx, audit.Record{AgentID: agentID, Event: audit.EventDelete, Reason: "agent state deleted"})
		return nil
	})
}

// ListAgents returns all metadata entries sorted by agent ID plus aggregate
// health counts. Served from the shared metadata store, which may lag the
// per-agent records by one in-flight cycle.
func (e *Engine) ListAgents(ctx context.Context) ([]model.AgentMetadata, Health, error) {
	md, fallback, err := e.store.ReadMetadata(ctx)
	if err != nil {
		return nil, Health{}, err
	}
	if fallback {
		e.metrics.MetadataFallback(ctx)
		e.sink.TryAppend(ctx, audit.Record{Event: audit.EventMetadataFallback, Reason: "metadata shared lock timed out; served unlocked read"})
	}

	agents := make([]model.AgentMetadata, 0, len(md.Agents))
	var health Health
	for _, entry := range md.Agents {
		agents = append(agents, entry)
		switch entry.Status {
		case model.StatusArchived:
			health.Archived++
		case model.StatusDeleted:
			health.Deleted++
		default:
			health.Active++
		}
		health.TotalUpdates += entry.TotalUpdates
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	return agents, health, nil
}

// Policy returns the current policy snapshot.
func (e *Engine) Policy() policy.Policy {
	return e.policies.Get()
}

// SetPolicy validates and installs a runtime policy override.
func (e *Engine) SetPolicy(p policy.Policy) error {
	if err := e.policies.Set(p); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.logger.Info("policy overridden at runtime",
		"approve_below", p.Decision.ApproveBelow,
		"reject_from", p.Decision.RejectFrom,
		"controller_period", p.Controller.Period,
	)
	return nil
}

// AuditRecent exposes the audit trail for the admin surface.
func (e *Engine) AuditRecent(ctx context.Context, agentID string, limit int) ([]audit.Record, error) {
	return e.sink.Recent(ctx, agentID, limit)
}

// Calibration exposes the confidence calibration bins.
func (e *Engine) Calibration(ctx context.Context) ([]audit.Bin, error) {
	return e.sink.Calibration(ctx)
}

func metadataEntry(st *model.AgentState) model.AgentMetadata {
	return model.AgentMetadata{
		AgentID:         st.AgentID,
		Status:          model.StatusActive,
		TotalUpdates:    st.UpdateCount,
		ControllerSkips: st.ControllerSkips,
		CreatedAt:       st.CreatedAt,
		UpdatedAt:       st.UpdatedAt,
	}
}

// metricsWithRisk is MetricsOf with the just-computed risk, for dry runs
// where LastRisk is already set on the copy anyway but the intent is
// explicit.
func metricsWithRisk(st *model.AgentState, score float64) model.Metrics {
	m := model.MetricsOf(st)
	m.Risk = score
	return m
}

// defaultLambda1 places a new agent's controller scalar at the canonical
// starting point, clipped into the configured bounds.
func defaultLambda1(c policy.Controller) float64 {
	v := 0.1
	if v < c.Lambda1Min {
		v = c.Lambda1Min
	}
	if v > c.Lambda1Max {
		v = c.Lambda1Max
	}
	return v
}

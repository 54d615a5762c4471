package engine

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kanshi-ai/seigyo/internal/model"
	"github.com/kanshi-ai/seigyo/internal/telemetry"
)

// Metrics holds the engine's OTEL counters. All methods are safe on a
// zero-value receiver obtained from NewMetrics even when OTEL is disabled —
// the global no-op meter absorbs the increments.
type Metrics struct {
	cycles            metric.Int64Counter
	lockTimeouts      metric.Int64Counter
	controllerSkips   metric.Int64Counter
	metadataFallbacks metric.Int64Counter
	reaps             metric.Int64Counter
}

// NewMetrics creates the engine instrument set.
func NewMetrics(logger *slog.Logger) *Metrics {
	meter := telemetry.Meter("seigyo/engine")
	m := &Metrics{}
	var err error
	if m.cycles, err = meter.Int64Counter("seigyo.cycles",
		metric.WithDescription("Governance cycles completed, by verdict")); err != nil {
		logger.Warn("metrics: create cycles counter", "error", err)
	}
	if m.lockTimeouts, err = meter.Int64Counter("seigyo.lock_timeouts",
		metric.WithDescription("Cycles failed on agent lock acquisition timeout")); err != nil {
		logger.Warn("metrics: create lock_timeouts counter", "error", err)
	}
	if m.controllerSkips, err = meter.Int64Counter("seigyo.controller_skips",
		metric.WithDescription("Adaptive controller steps skipped by the confidence gate")); err != nil {
		logger.Warn("metrics: create controller_skips counter", "error", err)
	}
	if m.metadataFallbacks, err = meter.Int64Counter("seigyo.metadata_fallbacks",
		metric.WithDescription("Metadata reads degraded to unlocked reads")); err != nil {
		logger.Warn("metrics: create metadata_fallbacks counter", "error", err)
	}
	if m.reaps, err = meter.Int64Counter("seigyo.reaps",
		metric.WithDescription("Stale worker processes reaped")); err != nil {
		logger.Warn("metrics: create reaps counter", "error", err)
	}
	return m
}

// CycleCompleted records one completed cycle with its verdict.
func (m *Metrics) CycleCompleted(ctx context.Context, verdict model.Verdict) {
	if m == nil || m.cycles == nil {
		return
	}
	m.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", string(verdict))))
}

// LockTimeout records one failed lock acquisition.
func (m *Metrics) LockTimeout(ctx context.Context) {
	if m == nil || m.lockTimeouts == nil {
		return
	}
	m.lockTimeouts.Add(ctx, 1)
}

// ControllerSkip records one gated-out controller step.
func (m *Metrics) ControllerSkip(ctx context.Context) {
	if m == nil || m.controllerSkips == nil {
		return
	}
	m.controllerSkips.Add(ctx, 1)
}

// MetadataFallback records one degraded metadata read.
func (m *Metrics) MetadataFallback(ctx context.Context) {
	if m == nil || m.metadataFallbacks == nil {
		return
	}
	m.metadataFallbacks.Add(ctx, 1)
}

// Reaped records reaped worker processes.
func (m *Metrics) Reaped(ctx context.Context, n int64) {
	if m == nil || m.reaps == nil {
		return
	}
	m.reaps.Add(ctx, n)
}

package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanshi-ai/seigyo/internal/audit"
	"github.com/kanshi-ai/seigyo/internal/config"
	"github.com/kanshi-ai/seigyo/internal/lockfile"
	"github.com/kanshi-ai/seigyo/internal/model"
	"github.com/kanshi-ai/seigyo/internal/policy"
	"github.com/kanshi-ai/seigyo/internal/store"
)

type fixture struct {
	eng      *Engine
	st       *store.Store
	sink     *audit.Sink
	policies *policy.Store
}

func baseConfig(dataDir string) config.Config {
	return config.Config{
		DataDir:              dataDir,
		AgentLockTimeout:     2 * time.Second,
		MetadataReadTimeout:  time.Second,
		MetadataWriteTimeout: 2 * time.Second,
		DT:                   1.0,
		VoidThreshold:        0.15,
		HistoryDepth:         32,
		ControllerPeriod:     10,
		ConfidenceThreshold:  0.8,
		Lambda1Min:           0.05,
		Lambda1Max:           0.20,
		Lambda1MaxStep:       0.01,
		MaxVectorLen:         64,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := baseConfig(t.TempDir())

	st, err := store.New(cfg.DataDir, store.Options{
		AgentLockTimeout:     cfg.AgentLockTimeout,
		MetadataReadTimeout:  cfg.MetadataReadTimeout,
		MetadataWriteTimeout: cfg.MetadataWriteTimeout,
	}, logger)
	require.NoError(t, err)

	sink, err := audit.New(filepath.Join(cfg.DataDir, "audit.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	policies, err := policy.NewStore(policy.Default(cfg))
	require.NoError(t, err)

	eng := New(st, sink, policies, Config{
		DT:            cfg.DT,
		VoidThreshold: cfg.VoidThreshold,
		HistoryDepth:  cfg.HistoryDepth,
		MaxVectorLen:  cfg.MaxVectorLen,
	}, NewMetrics(logger), logger)

	return &fixture{eng: eng, st: st, sink: sink, policies: policies}
}

func cycleInput(agentID string) model.CycleInput {
	return model.CycleInput{
		AgentID:    agentID,
		Params:     []float64{0.1, 0.2},
		Confidence: 1.0,
	}
}

func TestRunCycleCreatesUnknownAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.eng.RunCycle(ctx, cycleInput("agent-1"))
	require.NoError(t, err)

	assert.Equal(t, "ok", result.Status)
	assert.NotEmpty(t, result.Decision.Action)
	assert.NotEmpty(t, result.Decision.Reason)
	assert.Equal(t, uint64(1), result.Metrics.UpdateCount)

	st, err := f.st.LoadState("agent-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.UpdateCount)
	assert.Equal(t, []float64{0.1, 0.2}, st.LastParams)
	assert.Equal(t, 1, st.History.Len())
	assert.True(t, st.Finite())
}

func TestRunCycleRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)

	in := cycleInput("agent-1")
	in.Confidence = 2.0
	_, err := f.eng.RunCycle(context.Background(), in)

	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "confidence", verr.Field)

	_, err = f.st.LoadState("agent-1")
	require.ErrorIs(t, err, store.ErrNotFound, "invalid input must not create the agent")
}

func TestRunCycleUpdateCountUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 8

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.eng.RunCycle(ctx, cycleInput("agent-1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := f.st.LoadState("agent-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(n), st.UpdateCount, "every accepted cycle advances the count exactly once")
}

func TestRunCycleDryRunPersistsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Dry run against an unknown agent leaves no trace.
	in := cycleInput("agent-1")
	in.DryRun = true
	result, err := f.eng.RunCycle(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "dry_run", result.Status)
	assert.NotEmpty(t, result.Decision.Action)

	_, err = f.st.LoadState("agent-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	// Dry run against a known agent changes nothing durable.
	_, err = f.eng.RunCycle(ctx, cycleInput("agent-1"))
	require.NoError(t, err)
	before, err := f.st.LoadState("agent-1")
	require.NoError(t, err)

	in = cycleInput("agent-1")
	in.Params = []float64{5, 5}
	in.DryRun = true
	_, err = f.eng.RunCycle(ctx, in)
	require.NoError(t, err)

	after, err := f.st.LoadState("agent-1")
	require.NoError(t, err)
	assert.Equal(t, before.UpdateCount, after.UpdateCount)
	assert.Equal(t, before.E, after.E)
	assert.Equal(t, before.LastParams, after.LastParams)

	// And no audit record either.
	recs, err := f.sink.Recent(ctx, "agent-1", 100)
	require.NoError(t, err)
	assert.Len(t, recs, 1, "only the one real cycle is audited")
}

func TestRunCycleLockTimeout(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := baseConfig(t.TempDir())

	st, err := store.New(cfg.DataDir, store.Options{
		AgentLockTimeout:     150 * time.Millisecond,
		MetadataReadTimeout:  time.Second,
		MetadataWriteTimeout: time.Second,
	}, logger)
	require.NoError(t, err)
	sink, err := audit.New(filepath.Join(cfg.DataDir, "audit.db"), logger)
	require.NoError(t, err)
	defer sink.Close()
	policies, err := policy.NewStore(policy.Default(cfg))
	require.NoError(t, err)
	eng := New(st, sink, policies, Config{DT: 1, VoidThreshold: 0.15, HistoryDepth: 8, MaxVectorLen: 64}, NewMetrics(logger), logger)

	// Another holder pins the agent lock, as a stuck worker would.
	held, err := lockfile.AcquireExclusive(context.Background(),
		filepath.Join(cfg.DataDir, "locks", "agent-agent-1.lock"), time.Second)
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = eng.RunCycle(context.Background(), cycleInput("agent-1"))
	require.ErrorIs(t, err, store.ErrLockTimeout)
	assert.Less(t, time.Since(start), time.Second, "timeout must surface promptly, not hang")

	_, err = st.LoadState("agent-1")
	require.ErrorIs(t, err, store.ErrNotFound, "a timed-out cycle mutates nothing")
}

func TestControllerGatedByConfidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Ten low-confidence cycles: the tenth is a controller opportunity, but
	// the gate skips it.
	in := cycleInput("agent-1")
	in.Confidence = 0.5
	for i := 0; i < 10; i++ {
		_, err := f.eng.RunCycle(ctx, in)
		require.NoError(t, err)
	}

	st, err := f.st.LoadState("agent-1")
	require.NoError(t, err)
	assert.Equal(t, 0.1, st.Lambda1, "gated controller must not move lambda1")
	assert.Equal(t, uint64(1), st.ControllerSkips)

	recs, err := f.sink.Recent(ctx, "agent-1", 100)
	require.NoError(t, err)
	var skips int
	for _, r := range recs {
		if r.Event == audit.EventControllerSkip {
			skips++
		}
	}
	assert.Equal(t, 1, skips)
}

func TestControllerStepsAtHighConfidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := cycleInput("agent-1")
	in.Confidence = 0.95
	for i := 0; i < 10; i++ {
		_, err := f.eng.RunCycle(ctx, in)
		require.NoError(t, err)
	}

	st, err := f.st.LoadState("agent-1")
	require.NoError(t, err)
	assert.NotEqual(t, 0.1, st.Lambda1, "high-confidence opportunity takes a step")
	assert.GreaterOrEqual(t, st.Lambda1, 0.05)
	assert.LessOrEqual(t, st.Lambda1, 0.20)
	assert.Equal(t, uint64(0), st.ControllerSkips)

	recs, err := f.sink.Recent(ctx, "agent-1", 100)
	require.NoError(t, err)
	var steps int
	for _, r := range recs {
		if r.Event == audit.EventControllerStep {
			steps++
		}
	}
	assert.Equal(t, 1, steps)
}

func TestGetMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.GetMetrics(ctx, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.eng.RunCycle(ctx, cycleInput("agent-1"))
	require.NoError(t, err)

	m, err := f.eng.GetMetrics(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.UpdateCount)
	assert.Equal(t, 0.1, m.Lambda1)
}

func TestResetRestoresDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.eng.RunCycle(ctx, cycleInput("agent-1"))
		require.NoError(t, err)
	}
	before, err := f.st.LoadState("agent-1")
	require.NoError(t, err)

	require.NoError(t, f.eng.Reset(ctx, "agent-1"))

	after, err := f.st.LoadState("agent-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), after.UpdateCount)
	assert.Equal(t, 0.5, after.E)
	assert.Equal(t, before.CreatedAt, after.CreatedAt, "reset keeps the creation time")

	// Metadata counters follow the reset, the one sanctioned rollback.
	md, _, err := f.st.ReadMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), md.Agents["agent-1"].TotalUpdates)
}

func TestResetUnknownAgent(t *testing.T) {
	f := newFixture(t)
	err := f.eng.Reset(context.Background(), "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.RunCycle(ctx, cycleInput("agent-1"))
	require.NoError(t, err)

	require.NoError(t, f.eng.Delete(ctx, "agent-1"))

	_, err = f.st.LoadState("agent-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	md, _, err := f.st.ReadMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, md.Agents["agent-1"].Status)

	err = f.eng.Delete(ctx, "agent-1")
	require.ErrorIs(t, err, store.ErrNotFound, "second delete reports the record gone")
}

func TestListAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"beta", "alpha"} {
		_, err := f.eng.RunCycle(ctx, cycleInput(id))
		require.NoError(t, err)
	}
	_, err := f.eng.RunCycle(ctx, cycleInput("gone"))
	require.NoError(t, err)
	require.NoError(t, f.eng.Delete(ctx, "gone"))

	agents, health, err := f.eng.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 3)
	assert.Equal(t, "alpha", agents[0].AgentID, "sorted by agent ID")
	assert.Equal(t, 2, health.Active)
	assert.Equal(t, 1, health.Deleted)
	assert.Equal(t, uint64(3), health.TotalUpdates)
}

func TestSetPolicyTakesEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Drop the reject threshold so a benign cycle rejects.
	p := f.eng.Policy()
	p.Decision.ApproveBelow = 0.001
	p.Decision.RejectFrom = 0.002
	require.NoError(t, f.eng.SetPolicy(p))

	result, err := f.eng.RunCycle(ctx, cycleInput("agent-1"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictReject, result.Decision.Action)
}

func TestSetPolicyRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	p := f.eng.Policy()
	p.Decision.ApproveBelow = 0.9 // above reject_from
	require.Error(t, f.eng.SetPolicy(p))
	assert.Equal(t, 0.30, f.eng.Policy().Decision.ApproveBelow)
}

func TestVoidOverrideForcesReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Plant a state mid-void directly, as a prior turbulent run would leave.
	st := model.NewAgentState("agent-1", 0.1, 8, time.Now().UTC())
	st.V = 0.9
	st.VoidActive = true
	require.NoError(t, f.st.SaveState(st))

	result, err := f.eng.RunCycle(ctx, cycleInput("agent-1"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictReject, result.Decision.Action)
	assert.Contains(t, result.Decision.Reason, "void")
}

package store

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanshi-ai/seigyo/internal/lockfile"
	"github.com/kanshi-ai/seigyo/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), Options{
		AgentLockTimeout:     2 * time.Second,
		MetadataReadTimeout:  time.Second,
		MetadataWriteTimeout: 2 * time.Second,
	}, discardLogger())
	require.NoError(t, err)
	return s
}

func TestNewCreatesLayout(t *testing.T) {
	s := newStore(t)
	for _, sub := range []string{"agents", "locks", "heartbeats"} {
		info, err := os.Stat(filepath.Join(s.Dir(), sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	s := newStore(t)
	st := model.NewAgentState("agent-1", 0.1, 8, time.Now().UTC().Truncate(time.Second))
	st.UpdateCount = 7
	st.LastParams = []float64{1, 2}
	st.History.Push(model.Snapshot{Risk: 0.4})

	require.NoError(t, s.SaveState(st))

	got, err := s.LoadState("agent-1")
	require.NoError(t, err)
	assert.Equal(t, st.AgentID, got.AgentID)
	assert.Equal(t, st.UpdateCount, got.UpdateCount)
	assert.Equal(t, st.LastParams, got.LastParams)
	assert.Equal(t, 1, got.History.Len())
	assert.Equal(t, st.Theta, got.Theta)
}

func TestLoadStateNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.LoadState("ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteStateIdempotent(t *testing.T) {
	s := newStore(t)
	st := model.NewAgentState("agent-1", 0.1, 8, time.Now().UTC())
	require.NoError(t, s.SaveState(st))

	require.NoError(t, s.DeleteState("agent-1"))
	_, err := s.LoadState("agent-1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteState("agent-1"), "second delete is a no-op")
}

func TestListAgentIDs(t *testing.T) {
	s := newStore(t)
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, s.SaveState(model.NewAgentState(id, 0.1, 8, time.Now().UTC())))
	}
	ids, err := s.ListAgentIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids)
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SaveState(model.NewAgentState("agent-1", 0.1, 8, time.Now().UTC())))

	entries, err := os.ReadDir(filepath.Join(s.Dir(), "agents"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "agent-1.json", entries[0].Name())
}

func TestWithAgentLockSerializes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var inSection, max, counter int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithAgentLock(ctx, "agent-1", func() error {
				mu.Lock()
				inSection++
				if inSection > max {
					max = inSection
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)
				counter++

				mu.Lock()
				inSection--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, max, "critical sections must not overlap")
	assert.Equal(t, 8, counter)
}

func TestWithAgentLockTimeout(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Hold the agent lock out-of-band, as a second worker process would.
	held, err := lockfile.AcquireExclusive(ctx, s.agentLockPath("agent-1"), time.Second)
	require.NoError(t, err)
	defer held.Release()

	short, err := New(s.Dir(), Options{
		AgentLockTimeout:     100 * time.Millisecond,
		MetadataReadTimeout:  time.Second,
		MetadataWriteTimeout: time.Second,
	}, discardLogger())
	require.NoError(t, err)

	start := time.Now()
	err = short.WithAgentLock(ctx, "agent-1", func() error {
		t.Fatal("callback must not run without the lock")
		return nil
	})
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWithAgentLockDifferentAgentsIndependent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	held, err := lockfile.AcquireExclusive(ctx, s.agentLockPath("busy"), time.Second)
	require.NoError(t, err)
	defer held.Release()

	ran := false
	require.NoError(t, s.WithAgentLock(ctx, "idle", func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

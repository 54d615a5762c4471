package liveness

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTracker(t *testing.T, opts Options) *Tracker {
	t.Helper()
	if opts.Interval == 0 {
		opts.Interval = time.Second
	}
	if opts.Staleness == 0 {
		opts.Staleness = 5 * time.Minute
	}
	if opts.MaxWorkers == 0 {
		opts.MaxWorkers = 4
	}
	if opts.Grace == 0 {
		opts.Grace = 100 * time.Millisecond
	}
	return New(t.TempDir(), opts, discardLogger())
}

// writeBeat plants a heartbeat record for a process that does not exist.
// PIDs far above pid_max make the reaper's liveness probe fail cleanly.
func writeBeat(t *testing.T, dir string, pid int, lastBeat time.Time) {
	t.Helper()
	hb := Heartbeat{
		PID:       pid,
		ProcessID: uuid.New(),
		Hostname:  "test",
		StartedAt: lastBeat,
		LastBeat:  lastBeat,
	}
	data, err := json.Marshal(hb)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, strconv.Itoa(pid)+".json"), data, 0o644))
}

const fakePIDBase = 1 << 26 // far above any real pid_max

func TestBeatAndList(t *testing.T) {
	tr := newTracker(t, Options{})
	require.NoError(t, tr.Beat())

	beats, err := tr.List()
	require.NoError(t, err)
	require.Len(t, beats, 1)
	assert.Equal(t, os.Getpid(), beats[0].PID)
	assert.False(t, beats[0].LastBeat.IsZero())
}

func TestBeatRefreshes(t *testing.T) {
	tr := newTracker(t, Options{})
	require.NoError(t, tr.Beat())
	beats, err := tr.List()
	require.NoError(t, err)
	first := beats[0].LastBeat

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, tr.Beat())
	beats, err = tr.List()
	require.NoError(t, err)
	assert.True(t, beats[0].LastBeat.After(first))
}

func TestListRecoversUnparsableRecord(t *testing.T) {
	tr := newTracker(t, Options{})
	pid := fakePIDBase + 1
	path := filepath.Join(tr.dir, strconv.Itoa(pid)+".json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	beats, err := tr.List()
	require.NoError(t, err)
	require.Len(t, beats, 1)
	assert.Equal(t, pid, beats[0].PID)
	assert.False(t, beats[0].LastBeat.IsZero(), "file mtime stands in for the beat")
}

func TestRunRemovesRecordOnShutdown(t *testing.T) {
	tr := newTracker(t, Options{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	require.Eventually(t, func() bool {
		beats, err := tr.List()
		return err == nil && len(beats) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	beats, err := tr.List()
	require.NoError(t, err)
	assert.Empty(t, beats)
}

func TestReapNoopUnderCap(t *testing.T) {
	tr := newTracker(t, Options{MaxWorkers: 4, Staleness: time.Minute})
	stale := time.Now().UTC().Add(-time.Hour)

	// Stale workers, but the total count stays at the cap.
	for i := 0; i < 4; i++ {
		writeBeat(t, tr.dir, fakePIDBase+i, stale)
	}

	n, err := tr.Reap(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "stale alone never reaps while under the cap")

	beats, err := tr.List()
	require.NoError(t, err)
	assert.Len(t, beats, 4)
}

func TestReapNoopWhenFreshOverCap(t *testing.T) {
	tr := newTracker(t, Options{MaxWorkers: 2, Staleness: time.Minute})
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		writeBeat(t, tr.dir, fakePIDBase+i, now)
	}

	n, err := tr.Reap(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "over the cap alone never reaps fresh workers")
}

func TestReapStaleAndOverCapOldestFirst(t *testing.T) {
	tr := newTracker(t, Options{MaxWorkers: 3, Staleness: time.Minute, Grace: 50 * time.Millisecond})
	now := time.Now().UTC()

	// Five records, cap three: the two oldest stale workers go.
	writeBeat(t, tr.dir, fakePIDBase+0, now.Add(-3*time.Hour)) // oldest
	writeBeat(t, tr.dir, fakePIDBase+1, now.Add(-2*time.Hour))
	writeBeat(t, tr.dir, fakePIDBase+2, now.Add(-90*time.Minute))
	writeBeat(t, tr.dir, fakePIDBase+3, now)
	writeBeat(t, tr.dir, fakePIDBase+4, now)

	var reapedPIDs []int
	tr.OnReap = func(pid int) { reapedPIDs = append(reapedPIDs, pid) }

	n, err := tr.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "reaping stops once the count is back at the cap")
	assert.Equal(t, []int{fakePIDBase + 0, fakePIDBase + 1}, reapedPIDs)

	beats, err := tr.List()
	require.NoError(t, err)
	assert.Len(t, beats, 3)
}

func TestReapSparesOwnRecord(t *testing.T) {
	tr := newTracker(t, Options{MaxWorkers: 1, Staleness: time.Minute})

	// Own record planted with an ancient beat plus one stale stranger.
	writeBeat(t, tr.dir, tr.pid, time.Now().UTC().Add(-time.Hour))
	writeBeat(t, tr.dir, fakePIDBase+9, time.Now().UTC().Add(-time.Hour))

	n, err := tr.Reap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	beats, err := tr.List()
	require.NoError(t, err)
	require.Len(t, beats, 1)
	assert.Equal(t, tr.pid, beats[0].PID, "a process never reaps itself")
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(fakePIDBase+123))
}

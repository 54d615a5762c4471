// Package liveness tracks worker processes through per-process heartbeat
// records and reaps workers that are both stale and in excess of the
// concurrency cap. Heartbeats are the only durable resource one process may
// forcibly reclaim from another without a cooperative lock.
package liveness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Heartbeat is one per-process liveness record.
type Heartbeat struct {
	PID       int       `json:"pid"`
	ProcessID uuid.UUID `json:"process_id"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	LastBeat  time.Time `json:"last_beat"`
}

// Options configures a Tracker.
type Options struct {
	Interval   time.Duration // refresh period
	Staleness  time.Duration // age past which a record is reapable
	MaxWorkers int           // records above this make stale workers reapable
	Grace      time.Duration // SIGTERM to SIGKILL escalation window
}

// Tracker owns this process's heartbeat record and the reaping of others'.
type Tracker struct {
	dir       string
	opts      Options
	logger    *slog.Logger
	pid       int
	processID uuid.UUID
	hostname  string
	startedAt time.Time

	// Optional observer for reaped workers.
	OnReap func(pid int)
}

// New creates a tracker for the current process. Beat or Run must be called
// before the record exists on disk.
func New(dir string, opts Options, logger *slog.Logger) *Tracker {
	host, _ := os.Hostname()
	return &Tracker{
		dir:       dir,
		opts:      opts,
		logger:    logger,
		pid:       os.Getpid(),
		processID: uuid.New(),
		hostname:  host,
		startedAt: time.Now().UTC(),
	}
}

func (t *Tracker) path() string {
	return filepath.Join(t.dir, strconv.Itoa(t.pid)+".json")
}

// Beat writes or refreshes this process's heartbeat record.
func (t *Tracker) Beat() error {
	hb := Heartbeat{
		PID:       t.pid,
		ProcessID: t.processID,
		Hostname:  t.hostname,
		StartedAt: t.startedAt,
		LastBeat:  time.Now().UTC(),
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("liveness: marshal heartbeat: %w", err)
	}
	// Temp-plus-rename keeps concurrent readers from seeing a torn record.
	tmp := t.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("liveness: write heartbeat: %w", err)
	}
	if err := os.Rename(tmp, t.path()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("liveness: rename heartbeat: %w", err)
	}
	return nil
}

// Run writes the initial heartbeat, refreshes it on the configured interval,
// and removes the record on clean shutdown. Blocks until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	if err := t.Beat(); err != nil {
		return err
	}
	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := os.Remove(t.path()); err != nil && !os.IsNotExist(err) {
				t.logger.Warn("liveness: remove own heartbeat", "error", err)
			}
			return nil
		case <-ticker.C:
			if err := t.Beat(); err != nil {
				t.logger.Warn("liveness: heartbeat refresh failed", "error", err)
			}
		}
	}
}

// List returns all heartbeat records in the directory. Records that cannot
// be parsed are returned with only the PID (from the filename) so the reaper
// can still consider them by file age.
func (t *Tracker) List() ([]Heartbeat, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, fmt.Errorf("liveness: list heartbeats: %w", err)
	}
	var beats []Heartbeat
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		full := filepath.Join(t.dir, name)
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		var hb Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil || hb.PID != pid {
			hb = Heartbeat{PID: pid}
			if info, statErr := os.Stat(full); statErr == nil {
				hb.LastBeat = info.ModTime().UTC()
			}
		}
		beats = append(beats, hb)
	}
	return beats, nil
}

// Reap terminates and removes workers whose heartbeat age exceeds the
// staleness threshold, but only while the total record count exceeds the
// worker cap. Both conditions are required: a burst of simultaneous live
// workers is never culled, and a single stale worker under the cap is left
// for a later pass. Stale workers are reaped oldest first, stopping as soon
// as the count is back under the cap. Returns the number reaped.
func (t *Tracker) Reap(ctx context.Context) (int, error) {
	beats, err := t.List()
	if err != nil {
		return 0, err
	}
	if len(beats) <= t.opts.MaxWorkers {
		return 0, nil
	}

	now := time.Now().UTC()
	var stale []Heartbeat
	for _, hb := range beats {
		if hb.PID == t.pid {
			continue
		}
		if now.Sub(hb.LastBeat) > t.opts.Staleness {
			stale = append(stale, hb)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].LastBeat.Before(stale[j].LastBeat) })

	count := len(beats)
	reaped := 0
	for _, hb := range stale {
		if count <= t.opts.MaxWorkers {
			break
		}
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		t.terminate(ctx, hb)
		if err := os.Remove(filepath.Join(t.dir, strconv.Itoa(hb.PID)+".json")); err != nil && !os.IsNotExist(err) {
			t.logger.Warn("liveness: remove reaped heartbeat", "pid", hb.PID, "error", err)
			continue
		}
		t.logger.Info("liveness: reaped stale worker", "pid", hb.PID, "last_beat", hb.LastBeat)
		if t.OnReap != nil {
			t.OnReap(hb.PID)
		}
		count--
		reaped++
	}
	return reaped, nil
}

// terminate asks the worker to exit with SIGTERM, escalating to SIGKILL
// after the grace period. A worker that is already gone is a no-op.
func (t *Tracker) terminate(ctx context.Context, hb Heartbeat) {
	if !processAlive(hb.PID) {
		return
	}
	if err := unix.Kill(hb.PID, unix.SIGTERM); err != nil {
		t.logger.Warn("liveness: SIGTERM failed", "pid", hb.PID, "error", err)
		return
	}
	deadline := time.Now().Add(t.opts.Grace)
	for time.Now().Before(deadline) {
		if !processAlive(hb.PID) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	if processAlive(hb.PID) {
		t.logger.Warn("liveness: escalating to SIGKILL", "pid", hb.PID)
		_ = unix.Kill(hb.PID, unix.SIGKILL)
	}
}

// processAlive checks process existence with signal 0.
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

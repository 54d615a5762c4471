// Package store is the persistence and lock layer: the only component that
// touches the durable data directory. Per-agent state files are mutated under
// per-agent exclusive locks; the shared metadata file has its own lock with
// reload-merge-write semantics; all writes are temp-file-plus-rename so a
// crash mid-write never corrupts a durable record.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kanshi-ai/seigyo/internal/lockfile"
	"github.com/kanshi-ai/seigyo/internal/model"
)

// ErrNotFound is returned when a requested agent has no persisted record.
var ErrNotFound = errors.New("store: not found")

// ErrLockTimeout is returned when a required lock could not be acquired
// within its bound. No partial mutation has happened; retries are safe.
var ErrLockTimeout = lockfile.ErrTimeout

// Store owns the data directory layout:
//
//	<dir>/agents/<id>.json   one durable record per agent
//	<dir>/locks/agent-<id>.lock
//	<dir>/locks/metadata.lock
//	<dir>/metadata.json      shared metadata, all agents
//	<dir>/heartbeats/        owned by the liveness layer
type Store struct {
	dir                  string
	agentLockTimeout     time.Duration
	metadataReadTimeout  time.Duration
	metadataWriteTimeout time.Duration
	logger               *slog.Logger
}

// Options bounds the store's lock waits.
type Options struct {
	AgentLockTimeout     time.Duration
	MetadataReadTimeout  time.Duration
	MetadataWriteTimeout time.Duration
}

// New creates the directory layout and returns a ready store.
func New(dir string, opts Options, logger *slog.Logger) (*Store, error) {
	for _, sub := range []string{"agents", "locks", "heartbeats"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", sub, err)
		}
	}
	return &Store{
		dir:                  dir,
		agentLockTimeout:     opts.AgentLockTimeout,
		metadataReadTimeout:  opts.MetadataReadTimeout,
		metadataWriteTimeout: opts.MetadataWriteTimeout,
		logger:               logger,
	}, nil
}

// Dir returns the data directory root.
func (s *Store) Dir() string { return s.dir }

// HeartbeatDir returns the directory the liveness layer owns.
func (s *Store) HeartbeatDir() string { return filepath.Join(s.dir, "heartbeats") }

func (s *Store) agentPath(agentID string) string {
	return filepath.Join(s.dir, "agents", agentID+".json")
}

func (s *Store) agentLockPath(agentID string) string {
	return filepath.Join(s.dir, "locks", "agent-"+agentID+".lock")
}

func (s *Store) metadataPath() string { return filepath.Join(s.dir, "metadata.json") }

func (s *Store) metadataLockPath() string {
	return filepath.Join(s.dir, "locks", "metadata.lock")
}

// WithAgentLock runs fn while holding the agent's exclusive lock. The lock is
// released on every exit path. A lock held past the configured bound yields
// ErrLockTimeout (wrapped) without running fn.
func (s *Store) WithAgentLock(ctx context.Context, agentID string, fn func() error) error {
	lock, err := lockfile.AcquireExclusive(ctx, s.agentLockPath(agentID), s.agentLockTimeout)
	if err != nil {
		return fmt.Errorf("store: lock agent %s: %w", agentID, err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			s.logger.Warn("store: release agent lock", "agent_id", agentID, "error", err)
		}
	}()
	return fn()
}

// LoadState reads an agent's durable record. Call only while holding the
// agent's lock (or for a read-only snapshot where staleness is acceptable).
func (s *Store) LoadState(agentID string) (*model.AgentState, error) {
	data, err := os.ReadFile(s.agentPath(agentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("store: agent %s: %w", agentID, ErrNotFound)
		}
		return nil, fmt.Errorf("store: read agent %s: %w", agentID, err)
	}
	var st model.AgentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("store: parse agent %s: %w", agentID, err)
	}
	return &st, nil
}

// SaveState persists an agent's record atomically: write to a temp file in
// the same directory, then rename over the target.
func (s *Store) SaveState(st *model.AgentState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal agent %s: %w", st.AgentID, err)
	}
	return s.atomicWrite(s.agentPath(st.AgentID), data)
}

// DeleteState removes an agent's durable record. Missing records are not an
// error: delete is idempotent.
func (s *Store) DeleteState(agentID string) error {
	if err := os.Remove(s.agentPath(agentID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete agent %s: %w", agentID, err)
	}
	return nil
}

// ListAgentIDs returns the IDs of all agents with a persisted record.
func (s *Store) ListAgentIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "agents"))
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// atomicWrite writes data to path via a temp file and rename. The temp file
// lives in the target's directory so the rename stays on one filesystem.
func (s *Store) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: rename %s -> %s: %w", tmpName, path, err)
	}
	return nil
}

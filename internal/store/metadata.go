package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/kanshi-ai/seigyo/internal/lockfile"
	"github.com/kanshi-ai/seigyo/internal/model"
)

// ReadMetadata returns the shared metadata file. It takes a shared lock with
// a short bound; on timeout it degrades to an unlocked read rather than
// hanging the caller, accepting a small staleness risk. The fallback return
// reports which path was taken so callers can record the degradation.
func (s *Store) ReadMetadata(ctx context.Context) (model.MetadataFile, bool, error) {
	lock, err := lockfile.AcquireShared(ctx, s.metadataLockPath(), s.metadataReadTimeout)
	if err != nil {
		if errors.Is(err, lockfile.ErrTimeout) {
			s.logger.Warn("metadata read falling back to unlocked read", "timeout", s.metadataReadTimeout)
			md, readErr := s.readMetadataFile()
			return md, true, readErr
		}
		return model.MetadataFile{}, false, fmt.Errorf("store: metadata read lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			s.logger.Warn("store: release metadata read lock", "error", err)
		}
	}()

	md, err := s.readMetadataFile()
	return md, false, err
}

// MergeMetadata folds the given entries into the shared file under its
// exclusive lock. The on-disk file is reloaded after the lock is held and
// before merging — many agents share this file, and a naive read-then-write
// would lose concurrent updates from other processes.
func (s *Store) MergeMetadata(ctx context.Context, entries ...model.AgentMetadata) error {
	return s.MutateMetadata(ctx, func(md *model.MetadataFile) {
		for _, e := range entries {
			md.Merge(e)
		}
	})
}

// MutateMetadata applies fn to the freshly-reloaded metadata file under the
// exclusive metadata lock, then writes the result atomically.
func (s *Store) MutateMetadata(ctx context.Context, fn func(*model.MetadataFile)) error {
	lock, err := lockfile.AcquireExclusive(ctx, s.metadataLockPath(), s.metadataWriteTimeout)
	if err != nil {
		return fmt.Errorf("store: metadata write lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			s.logger.Warn("store: release metadata write lock", "error", err)
		}
	}()

	md, err := s.readMetadataFile()
	if err != nil {
		return err
	}
	fn(&md)

	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}
	return s.atomicWrite(s.metadataPath(), data)
}

// readMetadataFile reads and parses the metadata file without locking.
// A missing file is an empty store, not an error.
func (s *Store) readMetadataFile() (model.MetadataFile, error) {
	data, err := os.ReadFile(s.metadataPath())
	if err != nil {
		if os.IsNotExist(err) {
			return model.MetadataFile{Agents: map[string]model.AgentMetadata{}}, nil
		}
		return model.MetadataFile{}, fmt.Errorf("store: read metadata: %w", err)
	}
	var md model.MetadataFile
	if err := json.Unmarshal(data, &md); err != nil {
		return model.MetadataFile{}, fmt.Errorf("store: parse metadata: %w", err)
	}
	if md.Agents == nil {
		md.Agents = map[string]model.AgentMetadata{}
	}
	return md, nil
}

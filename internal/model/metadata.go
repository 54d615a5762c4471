package model

import "time"

// AgentStatus is the lifecycle status of an agent in the metadata store.
type AgentStatus string

const (
	StatusActive   AgentStatus = "active"
	StatusArchived AgentStatus = "archived"
	StatusDeleted  AgentStatus = "deleted"
)

// AgentMetadata is the shared-store entry for one agent. Many agents share
// one metadata file, written under its own exclusive lock with
// reload-merge-write semantics. TotalUpdates and ControllerSkips are
// read-through caches of the AgentState counters and may briefly lag them;
// callers must tolerate eventual consistency here.
type AgentMetadata struct {
	AgentID         string      `json:"agent_id"`
	Status          AgentStatus `json:"status"`
	TotalUpdates    uint64      `json:"total_updates"`
	ControllerSkips uint64      `json:"controller_skips"`
	Tags            []string    `json:"tags,omitempty"`
	Notes           string      `json:"notes,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// MetadataFile is the on-disk shape of the shared metadata store.
type MetadataFile struct {
	Agents map[string]AgentMetadata `json:"agents"`
}

// Merge folds an updated entry into the file, preserving fields the update
// does not own. Counters only move forward: a stale writer never rolls back
// a counter advanced by a concurrent cycle.
func (f *MetadataFile) Merge(entry AgentMetadata) {
	if f.Agents == nil {
		f.Agents = make(map[string]AgentMetadata)
	}
	existing, ok := f.Agents[entry.AgentID]
	if !ok {
		f.Agents[entry.AgentID] = entry
		return
	}
	if entry.TotalUpdates < existing.TotalUpdates {
		entry.TotalUpdates = existing.TotalUpdates
	}
	if entry.ControllerSkips < existing.ControllerSkips {
		entry.ControllerSkips = existing.ControllerSkips
	}
	if entry.CreatedAt.After(existing.CreatedAt) && !existing.CreatedAt.IsZero() {
		entry.CreatedAt = existing.CreatedAt
	}
	if len(entry.Tags) == 0 {
		entry.Tags = existing.Tags
	}
	if entry.Notes == "" {
		entry.Notes = existing.Notes
	}
	f.Agents[entry.AgentID] = entry
}

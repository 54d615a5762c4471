// Package model defines the durable data model for the governance engine:
// per-agent numeric state, controller parameters, shared metadata, and the
// cycle input/output shapes exchanged with transports.
package model

import (
	"fmt"
	"math"
	"time"
)

// Coordinate ranges. Every coordinate is clipped into its range after each
// cycle; the dynamics engine relies on these to guard against divergence.
const (
	EMin, EMax = 0.0, 1.0
	IMin, IMax = 0.0, 1.0
	SMin, SMax = 0.0, 1.0
	VMin, VMax = -1.0, 1.0
)

// Theta is the set of tunable dynamics constants owned by an AgentState.
// Only the adaptive controller (lambda1) and an explicit reset mutate it.
type Theta struct {
	C1         float64 `json:"c1"`          // coherence sharpness
	DecayE     float64 `json:"decay_e"`     // energy decay rate
	DecayI     float64 `json:"decay_i"`     // integrity relaxation rate toward 1
	DecayS     float64 `json:"decay_s"`     // entropy decay rate
	DecayV     float64 `json:"decay_v"`     // imbalance decay rate
	CouplingE  float64 `json:"coupling_e"`  // drift magnitude -> energy
	DriftSense float64 `json:"drift_sense"` // drift magnitude -> integrity erosion
	GrowthS    float64 `json:"growth_s"`    // drift magnitude -> entropy
	CouplingV  float64 `json:"coupling_v"`  // (E - I) gap -> imbalance
}

// DefaultTheta returns the canonical dynamics constants for a new agent.
func DefaultTheta() Theta {
	return Theta{
		C1:         1.0,
		DecayE:     0.10,
		DecayI:     0.05,
		DecayS:     0.10,
		DecayV:     0.10,
		CouplingE:  0.20,
		DriftSense: 0.15,
		GrowthS:    0.25,
		CouplingV:  0.30,
	}
}

// Snapshot is one history entry: the coordinates after a cycle plus the
// derived values the cycle produced.
type Snapshot struct {
	E         float64   `json:"e"`
	I         float64   `json:"i"`
	S         float64   `json:"s"`
	V         float64   `json:"v"`
	Coherence float64   `json:"coherence"`
	Risk      float64   `json:"risk"`
	At        time.Time `json:"at"`
}

// History is a fixed-capacity ring buffer of past snapshots. Bounded so
// per-agent memory is deterministic regardless of agent age. Trend
// inspection only — never read on the decision path.
type History struct {
	Cap   int        `json:"cap"`
	Head  int        `json:"head"` // next write position once the buffer is full
	Snaps []Snapshot `json:"snaps"`
}

// NewHistory creates an empty history with the given capacity.
func NewHistory(capacity int) History {
	if capacity < 1 {
		capacity = 1
	}
	return History{Cap: capacity}
}

// Push appends a snapshot, overwriting the oldest entry when full.
func (h *History) Push(s Snapshot) {
	if h.Cap < 1 {
		h.Cap = 1
	}
	if len(h.Snaps) < h.Cap {
		h.Snaps = append(h.Snaps, s)
		return
	}
	h.Snaps[h.Head] = s
	h.Head = (h.Head + 1) % h.Cap
}

// Len returns the number of stored snapshots.
func (h *History) Len() int { return len(h.Snaps) }

// List returns the snapshots in chronological order (oldest first).
func (h *History) List() []Snapshot {
	out := make([]Snapshot, 0, len(h.Snaps))
	if len(h.Snaps) < h.Cap {
		return append(out, h.Snaps...)
	}
	out = append(out, h.Snaps[h.Head:]...)
	out = append(out, h.Snaps[:h.Head]...)
	return out
}

// AgentState is the durable per-agent record. One JSON file per agent,
// mutated only while holding that agent's exclusive lock.
type AgentState struct {
	AgentID string `json:"agent_id"`

	// EISV coordinates.
	E float64 `json:"e"`
	I float64 `json:"i"`
	S float64 `json:"s"`
	V float64 `json:"v"`

	// Derived each cycle from V: 0.5 * (1 + tanh(C1*V)).
	Coherence float64 `json:"coherence"`

	// Adaptive controller scalar, clipped to the configured bounds.
	Lambda1 float64 `json:"lambda1"`

	// Strictly +1 per accepted cycle. Never resets except on agent reset.
	UpdateCount uint64 `json:"update_count"`

	// Controller invocation opportunities skipped by the confidence gate.
	// Single source of truth; metadata only caches it.
	ControllerSkips uint64 `json:"controller_skips"`

	// Latched when |V| exceeds the void threshold. Cleared only by a later
	// cycle measuring |V| back under the threshold, never by time.
	VoidActive bool `json:"void_active"`

	// Result of the most recent accepted cycle, for metrics reads.
	LastRisk   float64 `json:"last_risk"`
	LastAction Verdict `json:"last_action,omitempty"`

	// Parameter vector from the previous cycle; used to derive drift when
	// the caller does not supply one.
	LastParams []float64 `json:"last_params,omitempty"`

	History History `json:"history"`
	Theta   Theta   `json:"theta"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAgentState creates an agent with default initial state.
func NewAgentState(agentID string, lambda1 float64, historyDepth int, now time.Time) *AgentState {
	return &AgentState{
		AgentID:   agentID,
		E:         0.5,
		I:         1.0,
		S:         0.1,
		V:         0.0,
		Coherence: 0.5,
		Lambda1:   lambda1,
		History:   NewHistory(historyDepth),
		Theta:     DefaultTheta(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy, used for dry-run cycles so the caller can
// compute "what would happen" without touching the persisted record.
func (a *AgentState) Clone() *AgentState {
	cp := *a
	if a.LastParams != nil {
		cp.LastParams = append([]float64(nil), a.LastParams...)
	}
	cp.History.Snaps = append([]Snapshot(nil), a.History.Snaps...)
	return &cp
}

// Finite reports whether every scalar field holds a finite value.
func (a *AgentState) Finite() bool {
	for _, v := range []float64{a.E, a.I, a.S, a.V, a.Coherence, a.Lambda1, a.LastRisk} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ValidateAgentID checks that an agent ID conforms to the allowed format.
// Agent IDs must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, and @ signs.
func ValidateAgentID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("agent_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("agent_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("agent_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// Package policy holds the runtime-tunable governance policy: decision
// thresholds, risk weights, and controller bounds. A Store serves immutable
// snapshots to the decision path and accepts validated overrides from the
// admin API or from a watched YAML file, so thresholds change without a
// restart.
package policy

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/kanshi-ai/seigyo/internal/config"
)

// Decision holds the verdict thresholds and safety overrides.
type Decision struct {
	// Risk below ApproveBelow -> approve; below RejectFrom -> revise;
	// at or above RejectFrom -> reject.
	ApproveBelow float64 `yaml:"approve_below" json:"approve_below"`
	RejectFrom   float64 `yaml:"reject_from" json:"reject_from"`

	// Coherence under this floor forces reject regardless of risk.
	CoherenceFloor float64 `yaml:"coherence_floor" json:"coherence_floor"`
}

// Risk holds the blend and objective weights for the risk score.
type Risk struct {
	StateWeight     float64 `yaml:"state_weight" json:"state_weight"`
	HeuristicWeight float64 `yaml:"heuristic_weight" json:"heuristic_weight"`

	// Weights of the scalar objective phi.
	WE   float64 `yaml:"w_e" json:"w_e"`
	WI   float64 `yaml:"w_i" json:"w_i"`
	WS   float64 `yaml:"w_s" json:"w_s"`
	WV   float64 `yaml:"w_v" json:"w_v"`
	WEta float64 `yaml:"w_eta" json:"w_eta"`

	// Steepness of the phi -> risk logistic map.
	Sharpness float64 `yaml:"sharpness" json:"sharpness"`

	// Heuristic signal weights (normalized contributions in [0,1]).
	WLength       float64 `yaml:"w_length" json:"w_length"`
	WComplexity   float64 `yaml:"w_complexity" json:"w_complexity"`
	WLowCoherence float64 `yaml:"w_low_coherence" json:"w_low_coherence"`
	WDisallowed   float64 `yaml:"w_disallowed" json:"w_disallowed"`

	// Response length (in characters) at which the length signal saturates.
	LengthScale float64 `yaml:"length_scale" json:"length_scale"`
}

// Controller holds the adaptive controller bounds and gate.
type Controller struct {
	Period              uint64  `yaml:"period" json:"period"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`
	Lambda1Min          float64 `yaml:"lambda1_min" json:"lambda1_min"`
	Lambda1Max          float64 `yaml:"lambda1_max" json:"lambda1_max"`
	MaxStep             float64 `yaml:"max_step" json:"max_step"`
}

// Policy is one immutable snapshot of all tunables.
type Policy struct {
	Decision   Decision   `yaml:"decision" json:"decision"`
	Risk       Risk       `yaml:"risk" json:"risk"`
	Controller Controller `yaml:"controller" json:"controller"`
}

// Default builds the policy from configuration defaults.
func Default(cfg config.Config) Policy {
	return Policy{
		Decision: Decision{
			ApproveBelow:   0.30,
			RejectFrom:     0.50,
			CoherenceFloor: 0.40,
		},
		Risk: Risk{
			StateWeight:     0.7,
			HeuristicWeight: 0.3,
			WE:              1.0,
			WI:              1.0,
			WS:              0.5,
			WV:              1.0,
			WEta:            0.5,
			Sharpness:       2.0,
			WLength:         0.25,
			WComplexity:     0.25,
			WLowCoherence:   0.30,
			WDisallowed:     0.20,
			LengthScale:     4000,
		},
		Controller: Controller{
			Period:              cfg.ControllerPeriod,
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			Lambda1Min:          cfg.Lambda1Min,
			Lambda1Max:          cfg.Lambda1Max,
			MaxStep:             cfg.Lambda1MaxStep,
		},
	}
}

// Validate rejects overrides that would make the decision policy
// inconsistent or push the controller outside sane numeric ranges.
func (p Policy) Validate() error {
	d := p.Decision
	if d.ApproveBelow <= 0 || d.ApproveBelow >= 1 {
		return fmt.Errorf("policy: approve_below must be in (0,1)")
	}
	if d.RejectFrom <= 0 || d.RejectFrom > 1 {
		return fmt.Errorf("policy: reject_from must be in (0,1]")
	}
	if d.ApproveBelow >= d.RejectFrom {
		return fmt.Errorf("policy: approve_below %.3f must be below reject_from %.3f", d.ApproveBelow, d.RejectFrom)
	}
	if d.CoherenceFloor < 0 || d.CoherenceFloor > 1 {
		return fmt.Errorf("policy: coherence_floor must be in [0,1]")
	}

	r := p.Risk
	if r.StateWeight < 0 || r.HeuristicWeight < 0 || r.StateWeight+r.HeuristicWeight == 0 {
		return fmt.Errorf("policy: risk blend weights must be non-negative and not both zero")
	}
	if r.Sharpness <= 0 {
		return fmt.Errorf("policy: risk sharpness must be positive")
	}
	if r.LengthScale <= 0 {
		return fmt.Errorf("policy: length_scale must be positive")
	}
	for _, w := range []float64{r.WE, r.WI, r.WS, r.WV, r.WEta, r.WLength, r.WComplexity, r.WLowCoherence, r.WDisallowed} {
		if w < 0 {
			return fmt.Errorf("policy: risk weights must be non-negative")
		}
	}

	c := p.Controller
	if c.Period == 0 {
		return fmt.Errorf("policy: controller period must be positive")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("policy: confidence_threshold must be in [0,1]")
	}
	if c.Lambda1Min <= 0 || c.Lambda1Max <= c.Lambda1Min {
		return fmt.Errorf("policy: lambda1 bounds must satisfy 0 < min < max")
	}
	if c.Lambda1Max > 1 {
		return fmt.Errorf("policy: lambda1_max must be at most 1")
	}
	if c.MaxStep <= 0 || c.MaxStep > c.Lambda1Max-c.Lambda1Min {
		return fmt.Errorf("policy: max_step must be in (0, lambda1_max-lambda1_min]")
	}
	return nil
}

// LoadFile parses and validates a YAML policy file.
func LoadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: read %s: %w", path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Store serves immutable policy snapshots to the decision path. Reads are a
// single atomic pointer load; every cycle sees one consistent policy.
type Store struct {
	current atomic.Pointer[Policy]
}

// NewStore creates a store holding the given initial policy.
func NewStore(initial Policy) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Store{}
	s.current.Store(&initial)
	return s, nil
}

// Get returns the current policy snapshot. The returned value must not be
// mutated.
func (s *Store) Get() Policy {
	return *s.current.Load()
}

// Set validates and installs a new policy. Invalid overrides leave the
// current policy in place.
func (s *Store) Set(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.current.Store(&p)
	return nil
}

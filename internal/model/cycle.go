package model

import (
	"fmt"
	"math"
)

// HeuristicSignals are the independently-observable inputs to the heuristic
// half of the risk blend. All optional; zero values contribute no risk.
type HeuristicSignals struct {
	ResponseLength   int     `json:"response_length,omitempty"`
	StatedComplexity float64 `json:"stated_complexity,omitempty"` // 0-1
	DisallowedTerms  bool    `json:"disallowed_terms,omitempty"`
}

// CycleInput carries one reported activity into the engine.
type CycleInput struct {
	AgentID string    `json:"agent_id"`
	Params  []float64 `json:"params"`
	// Drift may be empty, in which case it is derived as the element-wise
	// difference against the agent's last-seen parameter vector.
	Drift      []float64        `json:"drift,omitempty"`
	Confidence float64          `json:"confidence"` // callers that omit it pass 1.0
	Signals    HeuristicSignals `json:"signals,omitempty"`
	DryRun     bool             `json:"dry_run,omitempty"`
}

// ValidationError is a malformed-input error. Surfaced immediately; no state
// is touched when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validate checks the input against format and range rules. maxVectorLen
// bounds both vectors.
func (in CycleInput) Validate(maxVectorLen int) error {
	if err := ValidateAgentID(in.AgentID); err != nil {
		return &ValidationError{Field: "agent_id", Reason: err.Error()}
	}
	if len(in.Params) == 0 {
		return &ValidationError{Field: "params", Reason: "parameter vector is required"}
	}
	if len(in.Params) > maxVectorLen {
		return &ValidationError{Field: "params", Reason: fmt.Sprintf("length %d exceeds maximum %d", len(in.Params), maxVectorLen)}
	}
	for i, v := range in.Params {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: "params", Reason: fmt.Sprintf("element %d is not finite", i)}
		}
	}
	if len(in.Drift) > 0 {
		if len(in.Drift) != len(in.Params) {
			return &ValidationError{Field: "drift", Reason: fmt.Sprintf("length %d does not match params length %d", len(in.Drift), len(in.Params))}
		}
		for i, v := range in.Drift {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return &ValidationError{Field: "drift", Reason: fmt.Sprintf("element %d is not finite", i)}
			}
		}
	}
	if in.Confidence < 0 || in.Confidence > 1 || math.IsNaN(in.Confidence) {
		return &ValidationError{Field: "confidence", Reason: "must be in [0,1]"}
	}
	if in.Signals.StatedComplexity < 0 || in.Signals.StatedComplexity > 1 || math.IsNaN(in.Signals.StatedComplexity) {
		return &ValidationError{Field: "signals.stated_complexity", Reason: "must be in [0,1]"}
	}
	if in.Signals.ResponseLength < 0 {
		return &ValidationError{Field: "signals.response_length", Reason: "must be non-negative"}
	}
	return nil
}

// EffectiveDrift returns the drift vector for this cycle: the caller's drift
// when supplied, otherwise the successive difference against lastParams.
// A brand-new agent with no prior parameters has zero drift.
func (in CycleInput) EffectiveDrift(lastParams []float64) []float64 {
	if len(in.Drift) > 0 {
		return in.Drift
	}
	if len(lastParams) != len(in.Params) {
		return make([]float64, len(in.Params))
	}
	drift := make([]float64, len(in.Params))
	for i := range in.Params {
		drift[i] = in.Params[i] - lastParams[i]
	}
	return drift
}

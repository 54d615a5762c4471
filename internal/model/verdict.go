package model

// Verdict is the three-way governance outcome for one cycle.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictRevise  Verdict = "revise"
	VerdictReject  Verdict = "reject"
)

// Valid reports whether v is one of the three defined verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictApprove, VerdictRevise, VerdictReject:
		return true
	}
	return false
}

// Decision is the verdict plus the reason it was reached. Reject is fully
// autonomous — it means "halt or escalate to another automated layer", never
// "wait for a person".
type Decision struct {
	Action Verdict `json:"action"`
	Reason string  `json:"reason"`
}

// Metrics is the caller-visible view of an agent's state after a cycle or
// a metrics read.
type Metrics struct {
	E               float64 `json:"e"`
	I               float64 `json:"i"`
	S               float64 `json:"s"`
	V               float64 `json:"v"`
	Coherence       float64 `json:"coherence"`
	Risk            float64 `json:"risk"`
	Lambda1         float64 `json:"lambda1"`
	VoidActive      bool    `json:"void_active"`
	UpdateCount     uint64  `json:"update_count"`
	ControllerSkips uint64  `json:"controller_skips"`
}

// MetricsOf projects an AgentState into its caller-visible metrics.
func MetricsOf(a *AgentState) Metrics {
	return Metrics{
		E:               a.E,
		I:               a.I,
		S:               a.S,
		V:               a.V,
		Coherence:       a.Coherence,
		Risk:            a.LastRisk,
		Lambda1:         a.Lambda1,
		VoidActive:      a.VoidActive,
		UpdateCount:     a.UpdateCount,
		ControllerSkips: a.ControllerSkips,
	}
}

// CycleResult is what one governance cycle returns to the caller.
type CycleResult struct {
	Status   string   `json:"status"` // "ok" or "dry_run"
	Decision Decision `json:"decision"`
	Metrics  Metrics  `json:"metrics"`
}

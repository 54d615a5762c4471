// Package risk implements the pure risk scoring and verdict policy for one
// governance cycle. Like the dynamics engine it is deterministic: no I/O and
// no hidden randomness, so risk scores are reproducible from state and input
// alone.
package risk

import (
	"fmt"
	"math"

	"github.com/kanshi-ai/seigyo/internal/dynamics"
	"github.com/kanshi-ai/seigyo/internal/model"
	"github.com/kanshi-ai/seigyo/internal/policy"
)

// Decide computes the blended risk score and the verdict for the given
// post-evolution state. Safety overrides (void latch, coherence floor) are
// applied before the risk thresholds and force reject regardless of score.
func Decide(a *model.AgentState, drift []float64, sig model.HeuristicSignals, p policy.Policy) (float64, model.Decision) {
	score := Score(a, drift, sig, p.Risk)

	if a.VoidActive {
		return score, model.Decision{
			Action: model.VerdictReject,
			Reason: fmt.Sprintf("void state active (|V|=%.3f)", math.Abs(a.V)),
		}
	}
	if a.Coherence < p.Decision.CoherenceFloor {
		return score, model.Decision{
			Action: model.VerdictReject,
			Reason: fmt.Sprintf("coherence %.3f below critical floor %.3f", a.Coherence, p.Decision.CoherenceFloor),
		}
	}

	switch {
	case score < p.Decision.ApproveBelow:
		return score, model.Decision{
			Action: model.VerdictApprove,
			Reason: fmt.Sprintf("risk %.3f below approve threshold %.3f", score, p.Decision.ApproveBelow),
		}
	case score < p.Decision.RejectFrom:
		return score, model.Decision{
			Action: model.VerdictRevise,
			Reason: fmt.Sprintf("risk %.3f in revise band [%.3f, %.3f)", score, p.Decision.ApproveBelow, p.Decision.RejectFrom),
		}
	default:
		return score, model.Decision{
			Action: model.VerdictReject,
			Reason: fmt.Sprintf("risk %.3f at or above reject threshold %.3f", score, p.Decision.RejectFrom),
		}
	}
}

// Score blends the state-derived risk with the heuristic risk using the
// configured weights. The result is clamped to [0,1].
func Score(a *model.AgentState, drift []float64, sig model.HeuristicSignals, w policy.Risk) float64 {
	rs := FromState(a, drift, w)
	rh := FromHeuristics(a, sig, w)
	total := w.StateWeight + w.HeuristicWeight
	return clamp01((w.StateWeight*rs + w.HeuristicWeight*rh) / total)
}

// FromState maps the scalar objective phi monotonically into [0,1]: higher
// phi means a healthier state and therefore lower risk.
//
//	phi = wE*E - wI*(1-I) - wS*S - wV*|V| - wEta*||drift||^2
func FromState(a *model.AgentState, drift []float64, w policy.Risk) float64 {
	mag := dynamics.Norm(drift)
	phi := w.WE*a.E - w.WI*(1-a.I) - w.WS*a.S - w.WV*math.Abs(a.V) - w.WEta*mag*mag
	return clamp01(1 / (1 + math.Exp(w.Sharpness*phi)))
}

// FromHeuristics is the weighted sum of the independently-observable
// signals, each normalized to [0,1]: response length, stated complexity,
// low coherence, and presence of disallowed terms.
func FromHeuristics(a *model.AgentState, sig model.HeuristicSignals, w policy.Risk) float64 {
	lengthRisk := clamp01(float64(sig.ResponseLength) / w.LengthScale)
	disallowed := 0.0
	if sig.DisallowedTerms {
		disallowed = 1.0
	}
	sum := w.WLength*lengthRisk +
		w.WComplexity*sig.StatedComplexity +
		w.WLowCoherence*(1-a.Coherence) +
		w.WDisallowed*disallowed
	return clamp01(sum)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Package dynamics implements the deterministic state-evolution rule for the
// EISV coordinates. Evolve is a pure function of its inputs: no I/O, no
// randomness, no clock reads, so identical inputs always produce bit-identical
// output.
package dynamics

import (
	"math"

	"github.com/kanshi-ai/seigyo/internal/model"
)

// Evolve advances the agent's coordinates by one step of length dt.
//
// Each coordinate's rate combines a decay term proportional to the coordinate
// itself, a coupling term proportional to drift magnitude, and (for V) a
// feedback term on the E-I gap. After integration every coordinate is clipped
// into its valid range; a non-finite result falls back to the pre-step value
// rather than propagating NaN/Inf.
//
// Coherence is recomputed as 0.5 * (1 + tanh(C1*V)). The void latch is set
// when |V| exceeds voidThreshold and cleared only when a later cycle measures
// |V| back under it.
func Evolve(a *model.AgentState, drift []float64, dt, voidThreshold float64) {
	th := a.Theta
	mag := Norm(drift)

	dE := -th.DecayE*a.E + th.CouplingE*mag
	dI := th.DecayI*(1-a.I) - th.DriftSense*mag
	dS := th.GrowthS*mag - th.DecayS*a.S
	dV := th.CouplingV*(a.E-a.I) - th.DecayV*a.V

	a.E = clip(a.E+dE*dt, model.EMin, model.EMax, a.E)
	a.I = clip(a.I+dI*dt, model.IMin, model.IMax, a.I)
	a.S = clip(a.S+dS*dt, model.SMin, model.SMax, a.S)
	a.V = clip(a.V+dV*dt, model.VMin, model.VMax, a.V)

	a.Coherence = Coherence(th.C1, a.V)

	if math.Abs(a.V) > voidThreshold {
		a.VoidActive = true
	} else if a.VoidActive {
		a.VoidActive = false
	}
}

// Coherence maps V into (0,1): 0.5 at V=0, approaching 1 for large positive V
// and 0 for large negative V.
func Coherence(c1, v float64) float64 {
	return 0.5 * (1 + math.Tanh(c1*v))
}

// Norm returns the L2 norm of a vector.
func Norm(vec []float64) float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	return math.Sqrt(sum)
}

// clip bounds v into [lo, hi]. A non-finite v recovers to the previous value
// (itself clipped) instead of surfacing an error.
func clip(v, lo, hi, prev float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = prev
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = lo
		}
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

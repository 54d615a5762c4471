// Package controller implements the confidence-gated adaptive step that
// periodically nudges lambda1 toward a coherence-derived target.
package controller

import (
	"fmt"

	"github.com/kanshi-ai/seigyo/internal/model"
	"github.com/kanshi-ai/seigyo/internal/policy"
)

// Gain of the proportional step before the per-step clamp.
const gain = 0.5

// Result records what the controller did on one invocation opportunity.
type Result struct {
	Ran     bool
	Skipped bool
	Reason  string
	Old     float64
	New     float64
}

// Due reports whether this cycle is a controller invocation opportunity.
// Evaluated after the cycle's update count has been assigned, so with the
// default period of 10 the first opportunity is the tenth cycle.
func Due(updateCount, period uint64) bool {
	return period > 0 && updateCount > 0 && updateCount%period == 0
}

// Apply runs one controller opportunity against the state. When the caller's
// confidence is below the gate threshold the step is skipped and the state's
// skip counter is incremented; the cycle itself proceeds identically either
// way. When the gate passes, lambda1 takes a bounded proportional step toward
// a target interpolated across the bounds by current coherence, then is
// clipped back into [min, max].
func Apply(a *model.AgentState, confidence float64, c policy.Controller) Result {
	if confidence < c.ConfidenceThreshold {
		a.ControllerSkips++
		return Result{
			Skipped: true,
			Reason:  fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, c.ConfidenceThreshold),
			Old:     a.Lambda1,
			New:     a.Lambda1,
		}
	}

	old := a.Lambda1
	target := c.Lambda1Min + (c.Lambda1Max-c.Lambda1Min)*a.Coherence

	step := gain * (target - old)
	if step > c.MaxStep {
		step = c.MaxStep
	} else if step < -c.MaxStep {
		step = -c.MaxStep
	}

	next := old + step
	if next < c.Lambda1Min {
		next = c.Lambda1Min
	} else if next > c.Lambda1Max {
		next = c.Lambda1Max
	}
	a.Lambda1 = next

	return Result{
		Ran:    true,
		Reason: fmt.Sprintf("lambda1 %.4f -> %.4f (target %.4f)", old, next, target),
		Old:    old,
		New:    next,
	}
}

package bark

import (
	"fmt"

	"github.com/roach88/shield/internal/anchor"
	"github.com/roach88/shield/internal/ir"
)

// Limits on the iteration bound and window keep the worst case constant.
const (
	MaxBound  = 1024
	MaxWindow = 256
)

// Params configures a validation run.
type Params struct {
	// Bound is the maximum number of iterations.
	Bound int

	// Window is the number of most recent observations cycled through.
	Window int

	// Tolerance is the largest step (L-infinity) still counted as settled.
	Tolerance ir.Fixed

	// DeviationTolerance is the largest allowed distance between the
	// settled estimate and the anchor point.
	DeviationTolerance ir.Fixed

	// DivergenceThreshold aborts the run when a single step exceeds it.
	DivergenceThreshold ir.Fixed
}

// DefaultParams returns the default validation parameters.
func DefaultParams() Params {
	return Params{
		Bound:               64,
		Window:              16,
		Tolerance:           ir.MustParseFixed("0.001"),
		DeviationTolerance:  ir.FixedFromInt(1),
		DivergenceThreshold: ir.FixedFromInt(1_000_000),
	}
}

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	if p.Bound <= 0 || p.Bound > MaxBound {
		return fmt.Errorf("bark: bound %d out of range [1,%d]", p.Bound, MaxBound)
	}
	if p.Window <= 0 || p.Window > MaxWindow {
		return fmt.Errorf("bark: window %d out of range [1,%d]", p.Window, MaxWindow)
	}
	if p.Tolerance < 0 || p.DeviationTolerance < 0 {
		return fmt.Errorf("bark: tolerances must be non-negative")
	}
	if p.DivergenceThreshold <= 0 {
		return fmt.Errorf("bark: divergence threshold must be positive")
	}
	return nil
}

// Verdict is the outcome of one validation run. It is produced fresh per
// call and never cached.
type Verdict struct {
	Converged  bool
	Diverged   bool
	Iterations int
	Residual   ir.Fixed
	Deviation  ir.Fixed
	Estimate   []ir.Fixed
}

// Check turns the verdict into an IDENTITY_VIOLATION error when the run did
// not settle or settled too far from the anchor. It returns nil otherwise.
func (v Verdict) Check(p Params) error {
	switch {
	case v.Diverged:
		return ir.NewError(ir.CodeIdentityViolation, "estimate diverged after %d iterations", v.Iterations).
			WithDetail("residual", v.Residual.String())
	case !v.Converged:
		return ir.NewError(ir.CodeIdentityViolation, "no convergence within %d iterations", v.Iterations).
			WithDetail("residual", v.Residual.String())
	case v.Deviation > p.DeviationTolerance:
		return ir.NewError(ir.CodeIdentityViolation, "deviation %s exceeds tolerance %s", v.Deviation, p.DeviationTolerance).
			WithDetail("deviation", v.Deviation.String())
	}
	return nil
}

// Evidence summarizes the verdict for a proof record.
func (v Verdict) Evidence() map[string]string {
	return map[string]string{
		"converged":  fmt.Sprint(v.Converged),
		"iterations": fmt.Sprint(v.Iterations),
		"residual":   v.Residual.String(),
		"deviation":  v.Deviation.String(),
	}
}

// Validate runs the bounded fixed-point iteration for a fingerprint and
// trajectory.
//
// The anchor point a is expanded from the fingerprint and g is the GENESIS
// vector. The window is the last Window observations after GENESIS (or
// GENESIS alone for a single-element trajectory). Starting from e = a, each
// step consumes the next observation x of the window (cycling) and moves
// half way toward the drift-shifted anchor:
//
//	e' = e + (a + (x - g) - e) / 2
//
// The run has converged once every step of one full pass over the window
// is within Tolerance. A stable trajectory settles on a + drift; an
// oscillating one keeps stepping by two thirds of its amplitude and never
// settles.
func Validate(fp anchor.Fingerprint, trajectory []ir.Observation, p Params) (Verdict, error) {
	if err := p.Validate(); err != nil {
		return Verdict{}, err
	}
	if len(trajectory) == 0 {
		return Verdict{}, ir.NewError(ir.CodeEmptyTrajectory, "trajectory has no observations")
	}
	dim := len(trajectory[0].Vector)
	for i, obs := range trajectory {
		if len(obs.Vector) != dim {
			return Verdict{}, ir.NewError(ir.CodeDimensionMismatch,
				"observation %d has %d components, want %d", i, len(obs.Vector), dim)
		}
	}

	a := anchor.AnchorVector(fp, dim)
	g := trajectory[0].Vector
	window := trajectory
	if len(window) > 1 {
		window = window[1:]
	}
	if len(window) > p.Window {
		window = window[len(window)-p.Window:]
	}

	e := append([]ir.Fixed(nil), a...)
	next := make([]ir.Fixed, dim)
	settled := 0
	v := Verdict{}

	for k := 0; k < p.Bound; k++ {
		x := window[k%len(window)].Vector
		for i := range e {
			target := a[i] + (x[i] - g[i])
			next[i] = e[i] + (target-e[i])/2
		}
		v.Residual = ir.MaxAbsDiff(next, e)
		v.Iterations = k + 1
		e, next = next, e

		if v.Residual > p.DivergenceThreshold {
			v.Diverged = true
			break
		}
		if v.Residual <= p.Tolerance {
			settled++
		} else {
			settled = 0
		}
		if settled >= len(window) {
			v.Converged = true
			break
		}
	}

	v.Estimate = e
	v.Deviation = ir.MaxAbsDiff(e, a)
	return v, nil
}

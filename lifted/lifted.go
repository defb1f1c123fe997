// Package lifted implements bilinear Koopman models over a lifted state
// space. A model evolves a lifted state z according to
//
// z⁺ = A z + u₀ B₀ z + ... + u_{m-1} B_{m-1} z
//
// and maps back to the physical state through the output matrix C. The
// lifting map ("basis") itself is supplied by the caller.
package lifted

import (
	"gonum.org/v1/gonum/mat"
)

// Basis is the external lifting map. It maps a batch of raw states
// (T by n) to the corresponding lifted states (T by nLift).
type Basis func(x mat.Matrix) *mat.Dense

// Dynamics is the minimal contract the controllers require of a
// discrete-time system over the lifted coordinates.
type Dynamics interface {
	// The lifted state dimension
	StateDim() int
	// The control input dimension
	InputDim() int
	// One discrete-time step of the dynamics
	Step(z, u mat.Vector) *mat.VecDense
}

// OutputMapped is implemented by any dynamics that carry an
// output/selection matrix mapping lifted state to physical state.
type OutputMapped interface {
	Output() mat.Matrix
}

// Linearizer provides local linear approximants of the dynamics around a
// consecutive state pair. The residual r satisfies
//
// Δz⁺ = A Δz + B Δu + r, r = f(z, u) - zNext
//
// so that r vanishes exactly on a dynamically feasible trajectory.
type Linearizer interface {
	Linearize(z, zNext, u mat.Vector, t float64) (A, B *mat.Dense, r *mat.VecDense)
}

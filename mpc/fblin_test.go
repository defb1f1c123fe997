package mpc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/koopmanctl/koopman/lifted"
)

// dampedActuated is a two-dimensional continuous-time bilinear model with
// an identity lifting, damped drift and control acting on the second
// coordinate. Its actuation stays invertible away from z₂ = 0.
func dampedActuated(t *testing.T) *lifted.Model {
	t.Helper()
	A := mat.NewDense(2, 2, []float64{0, 1, -1, -0.5})
	G := mat.NewDense(2, 2, []float64{0, 0, 0, 1})
	C := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	basis := func(x mat.Matrix) *mat.Dense { return mat.DenseCopyOf(x) }
	m, err := lifted.NewModel(A, []*mat.Dense{G}, C, basis, 0)
	require.NoError(t, err)
	return m
}

func fblinParams(nPred int) FBLinParams {
	const dt = 0.1
	// Double-integrator error dynamics over η = [e; ė].
	afl := mat.NewDense(4, 4, []float64{
		1, 0, dt, 0,
		0, 1, 0, dt,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	bfl := mat.NewDense(4, 2, []float64{
		0, 0,
		0, 0,
		dt, 0,
		0, dt,
	})
	q := mat.NewSymDense(4, nil)
	for i := 0; i < 4; i++ {
		q.SetSym(i, i, 1)
	}
	qn := mat.NewSymDense(4, nil)
	for i := 0; i < 4; i++ {
		qn.SetSym(i, i, 10)
	}
	r := mat.NewSymDense(2, []float64{0.1, 0, 0, 0.1})
	return FBLinParams{
		NPred: nPred,
		AFl:   afl, BFl: bfl,
		Cx: mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		Ch: mat.NewDense(1, 2, []float64{0, 1}),
		Xmin: []float64{-10, -10}, Xmax: []float64{10, 10},
		Umin: []float64{-100}, Umax: []float64{100},
		Q: q, QN: qn, R: r,
		SetPt: []float64{0.3, 0},
	}
}

func TestNewFBLinMPCValidation(t *testing.T) {
	model := dampedActuated(t)

	discrete, err := model.Discretize(0.1)
	require.NoError(t, err)
	_, err = NewFBLinMPC(discrete, fblinParams(5))
	assert.Error(t, err, "the controller needs the continuous-time model")

	p := fblinParams(5)
	p.Ch = mat.NewDense(2, 2, []float64{0, 1, 1, 0})
	_, err = NewFBLinMPC(model, p)
	assert.Error(t, err, "inversion output rows must match the control dimension")

	p = fblinParams(5)
	p.NPred = 0
	_, err = NewFBLinMPC(model, p)
	assert.Error(t, err)

	p = fblinParams(5)
	p.Q = mat.NewSymDense(2, nil)
	_, err = NewFBLinMPC(model, p)
	assert.Error(t, err)

	_, err = NewFBLinMPC(model, fblinParams(5))
	assert.NoError(t, err)
}

func TestFBLinMPCEvalRecoversFiniteAction(t *testing.T) {
	model := dampedActuated(t)
	c, err := NewFBLinMPC(model, fblinParams(5))
	require.NoError(t, err)
	require.NoError(t, c.Construct())

	// States with non-positive velocity error keep the paired
	// control-encoding rows satisfiable.
	u := c.Eval(mat.NewVecDense(2, []float64{0.3, -0.1}), 0)
	require.Equal(t, 1, u.Len())
	assert.False(t, math.IsNaN(u.AtVec(0)))
	assert.False(t, math.IsInf(u.AtVec(0), 0))

	// A second evaluation reuses the warm-started structure.
	u2 := c.Eval(mat.NewVecDense(2, []float64{0.28, -0.05}), 0.1)
	require.Equal(t, 1, u2.Len())
	assert.False(t, math.IsNaN(u2.AtVec(0)))
}

// With Ch = [0 1] the two control-encoding rows bound ν₂ from both
// sides around the same offset, with slack proportional to minus the
// velocity error. A state with positive velocity error therefore has no
// feasible auxiliary input, and Eval treats the failed solve as fatal.
func TestFBLinMPCEvalPanicsOnInfeasibleState(t *testing.T) {
	model := dampedActuated(t)
	c, err := NewFBLinMPC(model, fblinParams(5))
	require.NoError(t, err)
	require.NoError(t, c.Construct())

	assert.Panics(t, func() { c.Eval(mat.NewVecDense(2, []float64{0.5, 1}), 0) })
}

func TestFBLinMPCEvalRequiresConstruct(t *testing.T) {
	c, err := NewFBLinMPC(dampedActuated(t), fblinParams(3))
	require.NoError(t, err)

	assert.Panics(t, func() { c.Eval(mat.NewVecDense(2, []float64{0.5, 1}), 0) })
}

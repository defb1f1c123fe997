package qp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestADMMSolvesBoxConstrainedQP(t *testing.T) {
	// minimize ½‖x‖² - x₁ - x₂ over the box [0, 0.4]². The unconstrained
	// minimizer (1, 1) lies outside, so both bounds are active.
	P := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	q := []float64{-1, -1}
	A := FromDense(mat.NewDense(2, 2, []float64{1, 0, 0, 1}))
	l := []float64{0, 0}
	u := []float64{0.4, 0.4}

	s := NewADMM()
	require.NoError(t, s.Setup(P, q, A, l, u, Options{}))

	res, err := s.Solve()
	require.NoError(t, err)
	require.Equal(t, StatusOptimal, res.Status)
	assert.InDelta(t, 0.4, res.X[0], 1e-5)
	assert.InDelta(t, 0.4, res.X[1], 1e-5)
}

func TestADMMSolvesEqualityConstrainedQP(t *testing.T) {
	P := mat.NewSymDense(2, []float64{4, 1, 1, 2})
	q := []float64{1, 1}
	A := FromDense(mat.NewDense(3, 2, []float64{
		1, 1,
		1, 0,
		0, 1,
	}))
	l := []float64{1, 0, 0}
	u := []float64{1, 0.7, 0.7}

	s := NewADMM()
	require.NoError(t, s.Setup(P, q, A, l, u, Options{}))

	res, err := s.Solve()
	require.NoError(t, err)
	require.Equal(t, StatusOptimal, res.Status)
	assert.InDelta(t, 0.3, res.X[0], 1e-4)
	assert.InDelta(t, 0.7, res.X[1], 1e-4)
	assert.InDelta(t, 1.0, res.X[0]+res.X[1], 1e-6, "the equality row must hold tightly")
}

func TestADMMReportsMaxIterations(t *testing.T) {
	P := mat.NewSymDense(2, []float64{4, 1, 1, 2})
	q := []float64{1, 1}
	A := FromDense(mat.NewDense(3, 2, []float64{
		1, 1,
		1, 0,
		0, 1,
	}))
	l := []float64{1, 0, 0}
	u := []float64{1, 0.7, 0.7}

	s := NewADMM()
	require.NoError(t, s.Setup(P, q, A, l, u, Options{MaxIterations: 2}))

	res, err := s.Solve()
	require.NoError(t, err)
	assert.Equal(t, StatusMaxIterations, res.Status)
	assert.Equal(t, 2, res.Iterations)
}

func TestADMMWarmStartReusesSolution(t *testing.T) {
	P := mat.NewSymDense(2, []float64{4, 1, 1, 2})
	q := []float64{1, 1}
	A := FromDense(mat.NewDense(3, 2, []float64{
		1, 1,
		1, 0,
		0, 1,
	}))
	l := []float64{1, 0, 0}
	u := []float64{1, 0.7, 0.7}

	s := NewADMM()
	require.NoError(t, s.Setup(P, q, A, l, u, Options{WarmStart: true}))

	first, err := s.Solve()
	require.NoError(t, err)
	require.Equal(t, StatusOptimal, first.Status)

	second, err := s.Solve()
	require.NoError(t, err)
	require.Equal(t, StatusOptimal, second.Status)
	assert.LessOrEqual(t, second.Iterations, first.Iterations)
	assert.InDelta(t, first.X[0], second.X[0], 1e-6)
	assert.InDelta(t, first.X[1], second.X[1], 1e-6)
}

func TestADMMUpdateQMovesTheOptimum(t *testing.T) {
	P := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	q := []float64{-1, -1}
	A := FromDense(mat.NewDense(2, 2, []float64{1, 0, 0, 1}))
	l := []float64{0, 0}
	u := []float64{0.4, 0.4}

	s := NewADMM()
	require.NoError(t, s.Setup(P, q, A, l, u, Options{}))

	res, err := s.Solve()
	require.NoError(t, err)
	require.Equal(t, StatusOptimal, res.Status)
	require.InDelta(t, 0.4, res.X[0], 1e-5)

	require.NoError(t, s.UpdateQ([]float64{1, 1}))
	res, err = s.Solve()
	require.NoError(t, err)
	require.Equal(t, StatusOptimal, res.Status)
	assert.InDelta(t, 0, res.X[0], 1e-5)
	assert.InDelta(t, 0, res.X[1], 1e-5)
}

func TestADMMUpdateBoundsHandlesNewEqualities(t *testing.T) {
	P := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	q := []float64{-1, -1}
	A := FromDense(mat.NewDense(2, 2, []float64{1, 0, 0, 1}))

	s := NewADMM()
	require.NoError(t, s.Setup(P, q, A, []float64{0, 0}, []float64{0.4, 0.4}, Options{}))
	_, err := s.Solve()
	require.NoError(t, err)

	// Pinning both variables turns the box rows into equalities.
	require.NoError(t, s.UpdateBounds([]float64{0.2, 0.2}, []float64{0.2, 0.2}))
	res, err := s.Solve()
	require.NoError(t, err)
	require.Equal(t, StatusOptimal, res.Status)
	assert.InDelta(t, 0.2, res.X[0], 1e-6)
	assert.InDelta(t, 0.2, res.X[1], 1e-6)
}

func TestADMMUpdateValuesRescalesConstraints(t *testing.T) {
	P := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	q := []float64{0, 0}
	A := FromDense(mat.NewDense(1, 2, []float64{1, 1}))
	l := []float64{1}
	u := []float64{1}

	s := NewADMM()
	require.NoError(t, s.Setup(P, q, A, l, u, Options{}))

	res, err := s.Solve()
	require.NoError(t, err)
	require.Equal(t, StatusOptimal, res.Status)
	assert.InDelta(t, 0.5, res.X[0], 1e-5)
	assert.InDelta(t, 0.5, res.X[1], 1e-5)

	// Doubling the row halves the feasible sum.
	require.NoError(t, s.UpdateValues([]float64{2, 2}))
	res, err = s.Solve()
	require.NoError(t, err)
	require.Equal(t, StatusOptimal, res.Status)
	assert.InDelta(t, 0.25, res.X[0], 1e-5)
	assert.InDelta(t, 0.25, res.X[1], 1e-5)
}

func TestADMMValidatesSetup(t *testing.T) {
	P := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	A := FromDense(mat.NewDense(2, 2, []float64{1, 0, 0, 1}))

	s := NewADMM()
	assert.Error(t, s.Setup(P, []float64{0}, A, []float64{0, 0}, []float64{1, 1}, Options{}),
		"linear cost length must match the variable count")
	assert.Error(t, s.Setup(P, []float64{0, 0}, A, []float64{0}, []float64{1, 1}, Options{}),
		"bound length must match the constraint count")
	assert.Error(t, s.Setup(P, []float64{0, 0}, A, []float64{0, 0}, []float64{1, 1}, Options{Alpha: 2.5}))

	_, err := NewADMM().Solve()
	assert.Error(t, err, "solving before setup must fail")
}

func TestADMMRejectsNonFiniteData(t *testing.T) {
	A := FromDense(mat.NewDense(2, 2, []float64{1, 0, 0, 1}))

	bad := mat.NewSymDense(2, []float64{1, 0, 0, math.NaN()})
	s := NewADMM()
	assert.Error(t, s.Setup(bad, []float64{0, 0}, A, []float64{0, 0}, []float64{1, 1}, Options{}))

	good := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	require.NoError(t, s.Setup(good, []float64{0, 0}, A, []float64{0, 0}, []float64{1, 1}, Options{}))
	assert.Error(t, s.UpdateValues([]float64{math.Inf(1), 1}),
		"non-finite constraint values must be rejected before factorization")
}

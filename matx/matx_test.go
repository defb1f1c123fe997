package matx

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestKron(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	b := mat.NewDense(2, 2, []float64{0, 1, 1, 0})
	got := Kron(a, b)
	want := mat.NewDense(4, 4, []float64{
		0, 1, 0, 2,
		1, 0, 2, 0,
		0, 3, 0, 4,
		3, 0, 4, 0,
	})
	assert.True(t, mat.Equal(got, want), "kron mismatch:\n%v", mat.Formatted(got))
}

func TestKronIdentityLeft(t *testing.T) {
	b := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	got := Kron(Eye(3), b)
	want := BlockDiag(b, b, b)
	assert.True(t, mat.Equal(got, want))
}

func TestBlockDiag(t *testing.T) {
	a := mat.NewDense(1, 2, []float64{1, 2})
	b := mat.NewDense(2, 1, []float64{3, 4})
	got := BlockDiag(a, b)
	want := mat.NewDense(3, 3, []float64{
		1, 2, 0,
		0, 0, 3,
		0, 0, 4,
	})
	assert.True(t, mat.Equal(got, want))
}

func TestSymFromDense(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{1, 2, 2, 5})
	s := SymFromDense(a)
	assert.Equal(t, 2, s.SymmetricDim())
	assert.Equal(t, 2.0, s.At(1, 0))

	assert.Panics(t, func() { SymFromDense(mat.NewDense(1, 2, nil)) })
}

func TestTile(t *testing.T) {
	assert.Equal(t, []float64{1, 2, 1, 2, 1, 2}, Tile([]float64{1, 2}, 3))
}

func TestNaNOrInf(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	assert.False(t, NaNOrInf(a))
	a.Set(0, 1, math.NaN())
	assert.True(t, NaNOrInf(a))
	a.Set(0, 1, math.Inf(-1))
	assert.True(t, NaNOrInf(a))
}

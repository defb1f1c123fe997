// Package matx collects small matrix construction helpers on top of
// gonum/mat that the model and controller packages share.
package matx

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Ones returns a (m by n) matrix filled with ones
func Ones(m, n int) *mat.Dense {
	return Full(m, n, 1.)
}

// Full returns a (m by n) matrix filled with value
func Full(m, n int, value float64) *mat.Dense {
	data := make([]float64, m*n)
	for index := range data {
		data[index] = value
	}
	return mat.NewDense(m, n, data)
}

// Eye returns the (n by n) identity matrix.
func Eye(n int) *mat.Dense {
	res := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		res.Set(i, i, 1)
	}
	return res
}

// Kron returns the Kronecker product a ⊗ b.
func Kron(a, b mat.Matrix) *mat.Dense {
	ma, na := a.Dims()
	mb, nb := b.Dims()
	res := mat.NewDense(ma*mb, na*nb, nil)
	for i := 0; i < ma; i++ {
		for j := 0; j < na; j++ {
			v := a.At(i, j)
			if v == 0 {
				continue
			}
			for k := 0; k < mb; k++ {
				for l := 0; l < nb; l++ {
					res.Set(i*mb+k, j*nb+l, v*b.At(k, l))
				}
			}
		}
	}
	return res
}

// BlockDiag stacks the given matrices along the diagonal.
func BlockDiag(blocks ...mat.Matrix) *mat.Dense {
	var m, n int
	for _, b := range blocks {
		mb, nb := b.Dims()
		m += mb
		n += nb
	}
	res := mat.NewDense(m, n, nil)
	var ro, co int
	for _, b := range blocks {
		mb, nb := b.Dims()
		res.Slice(ro, ro+mb, co, co+nb).(*mat.Dense).Copy(b)
		ro += mb
		co += nb
	}
	return res
}

// SymFromDense copies the upper triangle of a into a symmetric matrix.
// The caller asserts that a is symmetric up to round-off.
func SymFromDense(a *mat.Dense) *mat.SymDense {
	m, n := a.Dims()
	if m != n {
		panic("matx: symmetric matrix must be square")
	}
	res := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			res.SetSym(i, j, a.At(i, j))
		}
	}
	return res
}

// Tile repeats v n times into a single flat slice.
func Tile(v []float64, n int) []float64 {
	res := make([]float64, 0, len(v)*n)
	for i := 0; i < n; i++ {
		res = append(res, v...)
	}
	return res
}

// NaNOrInf checks if there are any NaN or Inf entries in matrix
func NaNOrInf(matrix mat.Matrix) bool {
	m, n := matrix.Dims()
	for row := 0; row < m; row++ {
		for col := 0; col < n; col++ {
			if math.IsNaN(matrix.At(row, col)) || math.IsInf(matrix.At(row, col), 0) {
				return true
			}
		}
	}
	return false
}

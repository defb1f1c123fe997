package edmd

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// DifferentiateVec numerically differentiates every column of the
// (T by d) trace z against the sample times t. Interior points use the
// second-order three-point stencil for possibly non-uniform spacing, the
// endpoints use the matching one-sided second-order stencils.
func DifferentiateVec(z *mat.Dense, t []float64) *mat.Dense {
	rows, cols := z.Dims()
	if rows != len(t) {
		panic(errors.New("edmd: trace length doesn't match time vector"))
	}
	if rows < 3 {
		panic(errors.New("edmd: need at least three samples to differentiate"))
	}

	res := mat.NewDense(rows, cols, nil)
	for j := 0; j < cols; j++ {
		for i := 1; i < rows-1; i++ {
			hs := t[i] - t[i-1]
			hd := t[i+1] - t[i]
			a := -hd / (hs * (hs + hd))
			b := (hd - hs) / (hs * hd)
			c := hs / (hd * (hs + hd))
			res.Set(i, j, a*z.At(i-1, j)+b*z.At(i, j)+c*z.At(i+1, j))
		}

		// One-sided stencils at the boundaries.
		h0 := t[1] - t[0]
		h1 := t[2] - t[1]
		a := -(2*h0 + h1) / (h0 * (h0 + h1))
		b := (h0 + h1) / (h0 * h1)
		c := -h0 / (h1 * (h0 + h1))
		res.Set(0, j, a*z.At(0, j)+b*z.At(1, j)+c*z.At(2, j))

		hm := t[rows-1] - t[rows-2]
		hp := t[rows-2] - t[rows-3]
		a = hm / (hp * (hp + hm))
		b = -(hm + hp) / (hp * hm)
		c = (2*hm + hp) / (hm * (hp + hm))
		res.Set(rows-1, j, a*z.At(rows-3, j)+b*z.At(rows-2, j)+c*z.At(rows-1, j))
	}
	return res
}

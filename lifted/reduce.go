package lifted

import (
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Reduce restricts the model to the lifted coordinates that influence the
// physical outputs. Starting from the nonzero columns of C, the in-use
// set is grown by following nonzero couplings in A and every Bᵢ until a
// fixed point. The returned model carries A, Bs and C restricted to the
// surviving rows/columns, a basis that lazily evaluates the original
// basis restricted to the surviving coordinates, and the sorted indices
// of those coordinates. The receiver is left untouched.
func (m *Model) Reduce() (*Model, []int) {
	nl := m.StateDim()
	inUse := make([]bool, nl)

	// Observables read by the output map seed the closure.
	nOut, _ := m.C.Dims()
	for i := 0; i < nOut; i++ {
		for j := 0; j < nl; j++ {
			if m.C.At(i, j) != 0 {
				inUse[j] = true
			}
		}
	}

	// Closure under "coordinate j feeds a coordinate already in use".
	for changed := true; changed; {
		changed = false
		for i := 0; i < nl; i++ {
			if !inUse[i] {
				continue
			}
			for j := 0; j < nl; j++ {
				if inUse[j] {
					continue
				}
				if m.A.At(i, j) != 0 {
					inUse[j] = true
					changed = true
					continue
				}
				for _, B := range m.Bs {
					if B.At(i, j) != 0 {
						inUse[j] = true
						changed = true
						break
					}
				}
			}
		}
	}

	idx := make([]int, 0, nl)
	for j := 0; j < nl; j++ {
		if inUse[j] {
			idx = append(idx, j)
		}
	}
	sort.Ints(idx)

	reduced := &Model{
		A:  submatrix(m.A, idx, idx),
		Bs: make([]*mat.Dense, len(m.Bs)),
		C:  submatrix(m.C, nil, idx),
		Dt: m.Dt,
	}
	for i, B := range m.Bs {
		reduced.Bs[i] = submatrix(B, idx, idx)
	}
	if m.Basis != nil {
		basis := m.Basis
		reduced.Basis = func(x mat.Matrix) *mat.Dense {
			return submatrix(basis(x), nil, idx)
		}
	}
	return reduced, idx
}

// submatrix extracts the given rows and columns of a. A nil index slice
// selects all rows.
func submatrix(a *mat.Dense, rows, cols []int) *mat.Dense {
	ma, _ := a.Dims()
	if rows == nil {
		rows = make([]int, ma)
		for i := range rows {
			rows[i] = i
		}
	}
	res := mat.NewDense(len(rows), len(cols), nil)
	for i, r := range rows {
		for j, c := range cols {
			res.Set(i, j, a.At(r, c))
		}
	}
	return res
}

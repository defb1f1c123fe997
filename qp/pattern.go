// Package qp defines the quadratic-program solver contract used by the
// controllers, the compressed-column constraint structure those
// controllers refresh in place between solves, and a dense ADMM solver
// implementing the contract.
package qp

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ConstraintMatrix is a compressed sparse column matrix. The controllers
// mutate Data in place through precomputed index maps; ColPtr and RowIdx
// never change after construction.
type ConstraintMatrix struct {
	Rows, Cols int
	ColPtr     []int
	RowIdx     []int
	Data       []float64
}

// Dense materializes the matrix.
func (c *ConstraintMatrix) Dense() *mat.Dense {
	res := mat.NewDense(c.Rows, c.Cols, nil)
	for j := 0; j < c.Cols; j++ {
		for p := c.ColPtr[j]; p < c.ColPtr[j+1]; p++ {
			res.Set(c.RowIdx[p], j, c.Data[p])
		}
	}
	return res
}

// Clone returns a deep copy.
func (c *ConstraintMatrix) Clone() *ConstraintMatrix {
	res := &ConstraintMatrix{
		Rows:   c.Rows,
		Cols:   c.Cols,
		ColPtr: append([]int(nil), c.ColPtr...),
		RowIdx: append([]int(nil), c.RowIdx...),
		Data:   append([]float64(nil), c.Data...),
	}
	return res
}

// FromDense compresses a dense matrix, dropping exact zeros.
func FromDense(a mat.Matrix) *ConstraintMatrix {
	m, n := a.Dims()
	res := &ConstraintMatrix{Rows: m, Cols: n, ColPtr: make([]int, n+1)}
	for j := 0; j < n; j++ {
		res.ColPtr[j] = len(res.Data)
		for i := 0; i < m; i++ {
			if v := a.At(i, j); v != 0 {
				res.RowIdx = append(res.RowIdx, i)
				res.Data = append(res.Data, v)
			}
		}
	}
	res.ColPtr[n] = len(res.Data)
	return res
}

// Pattern is the constant sparsity structure of the stacked MPC
// constraint matrix
//
// [ -I + shifted blkdiag(A_t) | blkdiag(B_t) ]   dynamics equalities
// [            0              |      I       ]   input bounds
// [    kron(I_{N+1}, C)       |      0       ]   state bounds
//
// together with the flat positions inside Matrix.Data at which the
// per-stage linearization blocks land. Build once per horizon
// configuration, then Refresh numeric values every iteration.
type Pattern struct {
	N, NX, NU, NS int

	// The structure with current numeric values
	Matrix *ConstraintMatrix
	// Flat Data positions of the A_t blocks, stage-major then column-major
	AIdx []int
	// Flat Data positions of the B_t blocks, same ordering
	BIdx []int
}

// BuildPattern constructs the constraint structure for horizon N, lifted
// state dimension nx, input dimension nu and output matrix C. The
// linearization blocks are stored dense (all nx entries per column) so
// the structure is independent of their values; entries of -I, the input
// identity and C are filled in immediately.
func BuildPattern(N, nx, nu int, C mat.Matrix) (*Pattern, error) {
	if N < 1 || nx < 1 || nu < 1 {
		return nil, errors.New("qp: horizon and dimensions must be positive")
	}
	ns, nc := C.Dims()
	if nc != nx {
		return nil, fmt.Errorf("qp: output matrix has %d columns, want %d", nc, nx)
	}

	mEq := (N + 1) * nx
	mU := N * nu
	nv := (N+1)*nx + N*nu

	p := &Pattern{N: N, NX: nx, NU: nu, NS: ns}
	cm := &ConstraintMatrix{
		Rows:   mEq + mU + (N+1)*ns,
		Cols:   nv,
		ColPtr: make([]int, nv+1),
	}

	// Row/value lists of each column of C, reused for every stage.
	cRows := make([][]int, nx)
	cVals := make([][]float64, nx)
	for i := 0; i < nx; i++ {
		for k := 0; k < ns; k++ {
			if v := C.At(k, i); v != 0 {
				cRows[i] = append(cRows[i], k)
				cVals[i] = append(cVals[i], v)
			}
		}
	}

	push := func(row int, val float64) {
		cm.RowIdx = append(cm.RowIdx, row)
		cm.Data = append(cm.Data, val)
	}

	col := 0
	// State variable columns.
	for t := 0; t <= N; t++ {
		for i := 0; i < nx; i++ {
			cm.ColPtr[col] = len(cm.Data)
			push(t*nx+i, -1)
			if t < N {
				for r := 0; r < nx; r++ {
					p.AIdx = append(p.AIdx, len(cm.Data))
					push((t+1)*nx+r, 0)
				}
			}
			for k, row := range cRows[i] {
				push(mEq+mU+t*ns+row, cVals[i][k])
			}
			col++
		}
	}
	// Input variable columns.
	for t := 0; t < N; t++ {
		for i := 0; i < nu; i++ {
			cm.ColPtr[col] = len(cm.Data)
			for r := 0; r < nx; r++ {
				p.BIdx = append(p.BIdx, len(cm.Data))
				push((t+1)*nx+r, 0)
			}
			push(mEq+t*nu+i, 1)
			col++
		}
	}
	cm.ColPtr[nv] = len(cm.Data)

	p.Matrix = cm
	return p, nil
}

// Refresh overwrites the numeric values of the linearization blocks in
// place. ALst and BLst hold one (nx by nx) and one (nx by nu) block per
// stage; nothing else in the structure is touched.
func (p *Pattern) Refresh(ALst, BLst []*mat.Dense) {
	if len(ALst) != p.N || len(BLst) != p.N {
		panic(errors.New("qp: linearization block count doesn't match horizon"))
	}
	k := 0
	for t := 0; t < p.N; t++ {
		for i := 0; i < p.NX; i++ {
			for r := 0; r < p.NX; r++ {
				p.Matrix.Data[p.AIdx[k]] = ALst[t].At(r, i)
				k++
			}
		}
	}
	k = 0
	for t := 0; t < p.N; t++ {
		for i := 0; i < p.NU; i++ {
			for r := 0; r < p.NX; r++ {
				p.Matrix.Data[p.BIdx[k]] = BLst[t].At(r, i)
				k++
			}
		}
	}
}

package qp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/koopmanctl/koopman/matx"
)

func TestBuildPatternRejectsBadArguments(t *testing.T) {
	C := matx.Eye(3)

	_, err := BuildPattern(0, 3, 1, C)
	assert.Error(t, err)

	_, err = BuildPattern(4, 2, 1, C)
	assert.Error(t, err, "output matrix column count must match the state dimension")
}

func TestFromDenseDropsZeros(t *testing.T) {
	a := mat.NewDense(2, 3, []float64{
		1, 0, 2,
		0, 3, 0,
	})
	c := FromDense(a)

	assert.Len(t, c.Data, 3)
	assert.True(t, mat.Equal(a, c.Dense()))
}

func TestRefreshMatchesStackedConstruction(t *testing.T) {
	const (
		N  = 3
		nx = 4
		nu = 2
	)
	C := mat.NewDense(2, nx, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
	})

	p, err := BuildPattern(N, nx, nu, C)
	require.NoError(t, err)

	for trial := 0; trial < 2; trial++ {
		ALst, BLst := stageBlocks(N, nx, nu, float64(trial+1))
		p.Refresh(ALst, BLst)
		want := stackConstraints(N, nx, nu, C, ALst, BLst)
		assert.True(t, mat.EqualApprox(want, p.Matrix.Dense(), 1e-14),
			"refresh %d must reproduce the from-scratch stacking", trial)
	}
}

func TestRefreshKeepsStructureFixed(t *testing.T) {
	C := matx.Eye(2)
	p, err := BuildPattern(2, 2, 1, C)
	require.NoError(t, err)

	colPtr := append([]int(nil), p.Matrix.ColPtr...)
	rowIdx := append([]int(nil), p.Matrix.RowIdx...)

	ALst, BLst := stageBlocks(2, 2, 1, 3)
	p.Refresh(ALst, BLst)

	assert.Equal(t, colPtr, p.Matrix.ColPtr)
	assert.Equal(t, rowIdx, p.Matrix.RowIdx)
}

func TestRefreshPanicsOnBlockCountMismatch(t *testing.T) {
	p, err := BuildPattern(3, 2, 1, matx.Eye(2))
	require.NoError(t, err)

	ALst, BLst := stageBlocks(2, 2, 1, 1)
	assert.Panics(t, func() { p.Refresh(ALst, BLst) })
}

// stageBlocks fills per-stage linearization blocks with distinct values so
// index-map mistakes show up as mismatched entries.
func stageBlocks(N, nx, nu int, seed float64) ([]*mat.Dense, []*mat.Dense) {
	ALst := make([]*mat.Dense, N)
	BLst := make([]*mat.Dense, N)
	for t := 0; t < N; t++ {
		A := mat.NewDense(nx, nx, nil)
		for i := 0; i < nx; i++ {
			for j := 0; j < nx; j++ {
				A.Set(i, j, seed*float64(t+1)+0.1*float64(i*nx+j))
			}
		}
		B := mat.NewDense(nx, nu, nil)
		for i := 0; i < nx; i++ {
			for j := 0; j < nu; j++ {
				B.Set(i, j, -seed*float64(t+1)-0.01*float64(i*nu+j))
			}
		}
		ALst[t], BLst[t] = A, B
	}
	return ALst, BLst
}

// stackConstraints builds the full constraint matrix from scratch with the
// blockwise helpers, without any structure reuse.
func stackConstraints(N, nx, nu int, C mat.Matrix, ALst, BLst []*mat.Dense) *mat.Dense {
	ns, _ := C.Dims()
	mEq := (N + 1) * nx
	mU := N * nu
	nv := (N+1)*nx + N*nu

	res := mat.NewDense(mEq+mU+(N+1)*ns, nv, nil)
	for i := 0; i < mEq; i++ {
		res.Set(i, i, -1)
	}

	blocks := make([]mat.Matrix, N)
	for t := range ALst {
		blocks[t] = ALst[t]
	}
	abd := matx.BlockDiag(blocks...)
	for i := 0; i < N*nx; i++ {
		for j := 0; j < N*nx; j++ {
			res.Set(nx+i, j, res.At(nx+i, j)+abd.At(i, j))
		}
	}

	for t := range BLst {
		blocks[t] = BLst[t]
	}
	bbd := matx.BlockDiag(blocks...)
	for i := 0; i < N*nx; i++ {
		for j := 0; j < N*nu; j++ {
			res.Set(nx+i, (N+1)*nx+j, bbd.At(i, j))
		}
	}

	for i := 0; i < mU; i++ {
		res.Set(mEq+i, (N+1)*nx+i, 1)
	}

	cs := matx.Kron(matx.Eye(N+1), C)
	for i := 0; i < (N+1)*ns; i++ {
		for j := 0; j < (N+1)*nx; j++ {
			res.Set(mEq+mU+i, j, cs.At(i, j))
		}
	}
	return res
}

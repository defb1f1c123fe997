package mpc

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/koopmanctl/koopman/lifted"
	"github.com/koopmanctl/koopman/matx"
	"github.com/koopmanctl/koopman/qp"
)

// FBLinParams configures a FBLinMPC controller. AFl and BFl are the
// discrete-time feedback-linearized (double-integrator-like) dynamics
// over the error coordinates η = [z - z_d; ż - ż_d], driven by the
// auxiliary input ν. Cx selects the physical state from the lifted
// coordinates for the state bounds, Ch the outputs used to invert the
// auxiliary input back to a physical action; its row count must match
// the control dimension.
type FBLinParams struct {
	// Prediction horizon, number of timesteps
	NPred int
	// Feedback-linearized error dynamics
	AFl, BFl *mat.Dense
	// Output matrices
	Cx, Ch *mat.Dense
	// Bounds on the physical state and control
	Xmin, Xmax []float64
	Umin, Umax []float64
	// Error-state, terminal and auxiliary-input cost matrices
	Q, QN, R *mat.SymDense
	// Physical set point the error coordinates are taken around
	SetPt []float64
	// QP backend; nil selects a warm-started ADMM solver
	Solver        qp.Solver
	SolverOptions qp.Options
}

// FBLinMPC is a single-solve feedback-linearizing controller around a
// fixed set point. The QP structure is static; every Eval only refreshes
// the parameter-dependent bound vectors, solves, and back-solves the
// bilinear actuation to recover the physical control. A non-optimal
// solve is fatal.
type FBLinMPC struct {
	dyn *lifted.Model
	p   FBLinParams

	nl, m, n, k int

	solver qp.Solver
	l, u   []float64

	// Static precomputations
	zd         *mat.VecDense
	mMin, mMax *mat.Dense
	ff         *mat.Dense

	uPrev       *mat.VecDense
	constructed bool
}

// NewFBLinMPC validates the configuration against a continuous-time
// bilinear lifted model.
func NewFBLinMPC(dyn *lifted.Model, p FBLinParams) (*FBLinMPC, error) {
	if dyn.Dt != 0 {
		return nil, errors.New("mpc: feedback linearization needs the continuous-time model")
	}
	if dyn.Basis == nil {
		return nil, errors.New("mpc: model must carry its lifting basis")
	}
	nl := dyn.StateDim()
	m := dyn.InputDim()

	n, cxc := p.Cx.Dims()
	k, chc := p.Ch.Dims()
	switch {
	case p.NPred < 1:
		return nil, errors.New("mpc: horizon must be positive")
	case cxc != nl || chc != nl:
		return nil, fmt.Errorf("mpc: output matrices must have %d columns", nl)
	case k != m:
		return nil, fmt.Errorf("mpc: inversion output has %d rows, control dimension is %d", k, m)
	case len(p.Xmin) != n || len(p.Xmax) != n:
		return nil, fmt.Errorf("mpc: state bounds must have %d entries", n)
	case len(p.Umin) != m || len(p.Umax) != m:
		return nil, fmt.Errorf("mpc: control bounds must have %d entries", m)
	case p.Q == nil || p.QN == nil || p.R == nil:
		return nil, errors.New("mpc: cost matrices are required")
	case p.Q.SymmetricDim() != 2*nl || p.QN.SymmetricDim() != 2*nl:
		return nil, fmt.Errorf("mpc: error-state cost matrices must be %d by %d", 2*nl, 2*nl)
	case p.R.SymmetricDim() != nl:
		return nil, fmt.Errorf("mpc: auxiliary cost matrix must be %d by %d", nl, nl)
	}
	if ar, ac := p.AFl.Dims(); ar != 2*nl || ac != 2*nl {
		return nil, fmt.Errorf("mpc: error dynamics must be %d by %d", 2*nl, 2*nl)
	}
	if br, bc := p.BFl.Dims(); br != 2*nl || bc != nl {
		return nil, fmt.Errorf("mpc: error input matrix must be %d by %d", 2*nl, nl)
	}

	return &FBLinMPC{
		dyn: dyn, p: p,
		nl: nl, m: m, n: n, k: k,
		uPrev: mat.NewVecDense(m, nil),
	}, nil
}

// Construct precomputes the static matrices, builds the QP structure
// once, and sets up the solver.
func (c *FBLinMPC) Construct() error {
	nl, N := c.nl, c.p.NPred
	nEta := 2 * nl

	// Lifted set point; the reference derivatives are zero for a fixed
	// set point.
	c.zd = c.liftOne(c.p.SetPt)

	// Σᵢ Gᵢ uᵢ at both control bounds, folded through Ch F.
	gumin := mat.NewDense(nl, nl, nil)
	gumax := mat.NewDense(nl, nl, nil)
	var tmp mat.Dense
	for i, G := range c.dyn.Bs {
		tmp.Scale(c.p.Umin[i], G)
		gumin.Add(gumin, &tmp)
		tmp.Scale(c.p.Umax[i], G)
		gumax.Add(gumax, &tmp)
	}
	chf := mat.NewDense(c.k, nl, nil)
	chf.Mul(c.p.Ch, c.dyn.A)
	c.mMin = mat.NewDense(c.k, nl, nil)
	c.mMin.Mul(chf, gumin)
	c.mMax = mat.NewDense(c.k, nl, nil)
	c.mMax.Mul(chf, gumax)
	c.ff = mat.NewDense(nl, nl, nil)
	c.ff.Mul(c.dyn.A, c.dyn.A)

	// Variable layout: η₀..η_N, then ν₀..ν_{N-1}.
	nv := (N+1)*nEta + N*nl
	mc := nEta + N*nEta + N*c.n + 2*N*c.k
	A := mat.NewDense(mc, nv, nil)
	c.l = make([]float64, mc)
	c.u = make([]float64, mc)

	etaCol := func(stage int) int { return stage * nEta }
	nuCol := func(stage int) int { return (N+1)*nEta + stage*nl }

	row := 0
	// η₀ pinned to the current error state (refreshed per Eval).
	for i := 0; i < nEta; i++ {
		A.Set(row+i, etaCol(0)+i, 1)
	}
	row += nEta

	// η_{k+1} = AFl η_k + BFl ν_k
	for s := 0; s < N; s++ {
		for i := 0; i < nEta; i++ {
			A.Set(row+i, etaCol(s+1)+i, 1)
			for j := 0; j < nEta; j++ {
				A.Set(row+i, etaCol(s)+j, -c.p.AFl.At(i, j))
			}
			for j := 0; j < nl; j++ {
				A.Set(row+i, nuCol(s)+j, -c.p.BFl.At(i, j))
			}
		}
		row += nEta
	}

	// Physical state bounds on the position block of η, the same band
	// at every stage.
	cxzd := mat.NewVecDense(c.n, nil)
	cxzd.MulVec(c.p.Cx, c.zd)
	stateLo := make([]float64, c.n)
	stateHi := make([]float64, c.n)
	for i := 0; i < c.n; i++ {
		stateLo[i] = c.p.Xmin[i] - cxzd.AtVec(i)
		stateHi[i] = c.p.Xmax[i] - cxzd.AtVec(i)
	}
	copy(c.l[row:], matx.Tile(stateLo, N))
	copy(c.u[row:], matx.Tile(stateHi, N))
	for s := 0; s < N; s++ {
		for i := 0; i < c.n; i++ {
			for j := 0; j < nl; j++ {
				A.Set(row+i, etaCol(s)+j, c.p.Cx.At(i, j))
			}
		}
		row += c.n
	}

	// Control-bound encoding: Ch ν_k - Ch F G(u_bnd) η_k^z against the
	// set-point offsets.
	bMin := c.inversionOffset(c.mMin)
	bMax := c.inversionOffset(c.mMax)
	inf := 1e30
	for s := 0; s < N; s++ {
		for i := 0; i < c.k; i++ {
			for j := 0; j < nl; j++ {
				A.Set(row+i, nuCol(s)+j, c.p.Ch.At(i, j))
				A.Set(row+i, etaCol(s)+j, -c.mMin.At(i, j))
				A.Set(row+c.k+i, nuCol(s)+j, c.p.Ch.At(i, j))
				A.Set(row+c.k+i, etaCol(s)+j, -c.mMax.At(i, j))
			}
			c.l[row+i] = bMin.AtVec(i)
			c.u[row+i] = inf
			c.l[row+c.k+i] = -inf
			c.u[row+c.k+i] = bMax.AtVec(i)
		}
		row += 2 * c.k
	}

	P := matx.SymFromDense(matx.BlockDiag(
		matx.Kron(matx.Eye(N), c.p.Q),
		c.p.QN,
		matx.Kron(matx.Eye(N), c.p.R),
	))
	// The objective is purely quadratic in the error coordinates.
	q := make([]float64, nv)

	c.solver = c.p.Solver
	if c.solver == nil {
		c.solver = qp.NewADMM()
	}
	opts := c.p.SolverOptions
	opts.WarmStart = true
	if err := c.solver.Setup(P, q, qp.FromDense(A), c.l, c.u, opts); err != nil {
		return err
	}
	c.constructed = true
	return nil
}

// inversionOffset computes M z_d + Ch(-z̈_d + F² z_d) with z̈_d = 0.
func (c *FBLinMPC) inversionOffset(M *mat.Dense) *mat.VecDense {
	res := mat.NewVecDense(c.k, nil)
	res.MulVec(M, c.zd)
	ffzd := mat.NewVecDense(c.nl, nil)
	ffzd.MulVec(c.ff, c.zd)
	tmp := mat.NewVecDense(c.k, nil)
	tmp.MulVec(c.p.Ch, ffzd)
	res.AddVec(res, tmp)
	return res
}

// Eval refreshes the QP parameters for the current physical state,
// solves the auxiliary problem, and recovers the physical control that
// realizes the auxiliary input in the bilinear dynamics. It panics when
// the solver does not report an optimal solution, and a singular
// actuation matrix is a fatal numerical error.
func (c *FBLinMPC) Eval(x mat.Vector, t float64) mat.Vector {
	if !c.constructed {
		panic(errors.New("mpc: controller not constructed"))
	}
	nl, nEta := c.nl, 2*c.nl

	xs := make([]float64, x.Len())
	for i := range xs {
		xs[i] = x.AtVec(i)
	}
	z := c.liftOne(xs)
	zDot := c.dyn.Derivative(z, c.uPrev)

	// η_init = [z - z_d; ż - ż_d]
	for i := 0; i < nl; i++ {
		c.l[i] = z.AtVec(i) - c.zd.AtVec(i)
		c.l[nl+i] = zDot.AtVec(i)
		c.u[i] = c.l[i]
		c.u[nl+i] = c.l[nl+i]
	}
	if err := c.solver.UpdateBounds(c.l, c.u); err != nil {
		panic(err)
	}
	res, err := c.solver.Solve()
	if err != nil {
		panic(err)
	}
	if res.Status != qp.StatusOptimal {
		panic(errors.New("mpc: auxiliary mpc not solved to optimality"))
	}
	nu0 := mat.NewVecDense(nl, res.X[(c.p.NPred+1)*nEta:(c.p.NPred+1)*nEta+nl])

	// Recover the physical action from ν₀ using the current state's
	// local actuation, not the guess's.
	act := mat.NewDense(nl, c.m, nil)
	var col mat.VecDense
	for i, G := range c.dyn.Bs {
		col.MulVec(G, z)
		act.SetCol(i, col.RawVector().Data)
	}
	lhs := mat.NewDense(c.k, c.m, nil)
	var chfact mat.Dense
	chfact.Mul(c.dyn.A, act)
	lhs.Mul(c.p.Ch, &chfact)

	ffzd := mat.NewVecDense(nl, nil)
	ffzd.MulVec(c.ff, c.zd)
	rhsLift := mat.NewVecDense(nl, nil)
	rhsLift.SubVec(nu0, ffzd)
	rhs := mat.NewVecDense(c.k, nil)
	rhs.MulVec(c.p.Ch, rhsLift)

	var u mat.VecDense
	if err := u.SolveVec(lhs, rhs); err != nil {
		panic(fmt.Errorf("mpc: actuation matrix is singular: %w", err))
	}
	c.uPrev = &u
	return &u
}

// liftOne lifts a single physical state.
func (c *FBLinMPC) liftOne(x []float64) *mat.VecDense {
	z := c.dyn.Basis(mat.NewDense(1, len(x), append([]float64(nil), x...)))
	return mat.NewVecDense(c.nl, mat.Row(nil, 0, z))
}

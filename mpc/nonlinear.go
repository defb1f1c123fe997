// Package mpc implements model-predictive controllers over lifted
// bilinear dynamics: a nonlinear successive-linearization controller and
// a simpler feedback-linearizing controller.
package mpc

import (
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/koopmanctl/koopman/lifted"
	"github.com/koopmanctl/koopman/matx"
	"github.com/koopmanctl/koopman/qp"
)

// Params configures a NonlinearMPC controller. Q, QN and Xr live in the
// physical output space (the row space of the dynamics' output matrix),
// R and the input bounds in the control space, the state/trajectory
// buffers in the lifted space.
type Params struct {
	// Prediction horizon, number of timesteps
	N int
	// Time step in seconds
	Dt float64
	// Control bounds
	Umin, Umax []float64
	// State bounds on the physical outputs
	Xmin, Xmax []float64
	// Stage, terminal and control cost matrices
	Q, QN, R *mat.SymDense
	// Reference output
	Xr []float64
	// Pin the final predicted output to the reference
	TerminalConstraint bool
	// QP backend; nil selects a warm-started ADMM solver
	Solver        qp.Solver
	SolverOptions qp.Options
}

// NonlinearMPC drives a quadratic program, formulated in deviation
// coordinates around the current trajectory guess, to convergence by
// successive linearization. One instance owns its QP structure and
// trajectory buffers exclusively; calls must be serialized by the
// caller.
type NonlinearMPC struct {
	dyn lifted.Dynamics
	lin lifted.Linearizer
	p   Params

	nx, nu, ns int
	C          mat.Matrix

	pattern *qp.Pattern
	solver  qp.Solver
	ctqc    *mat.Dense
	ctqnc   *mat.Dense

	curZ, curU *mat.Dense
	iterations int

	// Per-iteration diagnostics
	compTime []time.Duration
	zIter    []*mat.Dense
	uIter    []*mat.Dense
}

// NewNonlinearMPC validates the configuration. The dynamics must be
// linearizable; when they do not carry an output matrix the identity is
// used.
func NewNonlinearMPC(dyn lifted.Dynamics, p Params) (*NonlinearMPC, error) {
	lin, ok := dyn.(lifted.Linearizer)
	if !ok {
		return nil, errors.New("mpc: dynamics must provide a linearization")
	}
	nx := dyn.StateDim()
	nu := dyn.InputDim()

	var C mat.Matrix
	if om, ok := dyn.(lifted.OutputMapped); ok {
		C = om.Output()
	} else {
		C = matx.Eye(nx)
	}
	ns, _ := C.Dims()

	switch {
	case p.N < 1:
		return nil, errors.New("mpc: horizon must be positive")
	case p.Dt <= 0:
		return nil, errors.New("mpc: time step must be positive")
	case len(p.Umin) != nu || len(p.Umax) != nu:
		return nil, fmt.Errorf("mpc: control bounds must have %d entries", nu)
	case len(p.Xmin) != ns || len(p.Xmax) != ns:
		return nil, fmt.Errorf("mpc: state bounds must have %d entries", ns)
	case len(p.Xr) != ns:
		return nil, fmt.Errorf("mpc: reference must have %d entries", ns)
	case p.Q == nil || p.QN == nil || p.R == nil:
		return nil, errors.New("mpc: cost matrices are required")
	case p.Q.SymmetricDim() != ns || p.QN.SymmetricDim() != ns:
		return nil, fmt.Errorf("mpc: state cost matrices must be %d by %d", ns, ns)
	case p.R.SymmetricDim() != nu:
		return nil, fmt.Errorf("mpc: control cost matrix must be %d by %d", nu, nu)
	}

	c := &NonlinearMPC{dyn: dyn, lin: lin, p: p, nx: nx, nu: nu, ns: ns, C: C}

	// Cᵀ Q C and Cᵀ QN C are reused by every objective refresh.
	c.ctqc = mat.NewDense(nx, nx, nil)
	var tmp mat.Dense
	tmp.Mul(p.Q, C)
	c.ctqc.Mul(C.T(), &tmp)
	c.ctqnc = mat.NewDense(nx, nx, nil)
	tmp.Reset()
	tmp.Mul(p.QN, C)
	c.ctqnc.Mul(C.T(), &tmp)

	return c, nil
}

// Construct builds the QP structure around an initial trajectory guess
// and hands the numeric data to the solver for one-time setup with warm
// starting enabled. It must be called once before SolveToConvergence.
func (c *NonlinearMPC) Construct(zInit, uInit *mat.Dense) error {
	if err := c.checkGuess(zInit, uInit); err != nil {
		return err
	}

	P := matx.SymFromDense(matx.BlockDiag(
		matx.Kron(matx.Eye(c.p.N), c.ctqc),
		c.ctqnc,
		matx.Kron(matx.Eye(c.p.N), c.p.R),
	))

	pattern, err := qp.BuildPattern(c.p.N, c.nx, c.nu, c.C)
	if err != nil {
		return err
	}
	c.pattern = pattern

	// Placeholder linearization values; refreshed before every solve.
	ALst := make([]*mat.Dense, c.p.N)
	BLst := make([]*mat.Dense, c.p.N)
	rLst := make([]*mat.VecDense, c.p.N)
	for t := range ALst {
		ALst[t] = matx.Ones(c.nx, c.nx)
		BLst[t] = matx.Ones(c.nx, c.nu)
		rLst[t] = mat.NewVecDense(c.nx, nil)
	}
	pattern.Refresh(ALst, BLst)

	q := c.objective(zInit, uInit)
	l, u := c.constraintVecs(zInit.RowView(0), zInit, uInit, rLst)

	c.solver = c.p.Solver
	if c.solver == nil {
		c.solver = qp.NewADMM()
	}
	opts := c.p.SolverOptions
	opts.WarmStart = true
	return c.solver.Setup(P, q, pattern.Matrix, l, u, opts)
}

// SolveToConvergence runs successive-linearization iterations around the
// trajectory guess (zInit0, uInit0) for the current lifted state z at
// time t. The loop relinearizes, refreshes the QP numeric data in place,
// solves, and applies the returned step as a correction to the guess.
// It terminates when the control trajectory changes by less than eps
// between iterations or after maxIter iterations; maxIter < 1 means a
// single linearize-and-solve. A non-optimal solver status is returned as
// an error and the step is not applied.
func (c *NonlinearMPC) SolveToConvergence(z mat.Vector, t float64, zInit0, uInit0 *mat.Dense, eps float64, maxIter int) error {
	if c.pattern == nil {
		return errors.New("mpc: controller not constructed")
	}
	if err := c.checkGuess(zInit0, uInit0); err != nil {
		return err
	}
	if maxIter < 1 {
		maxIter = 1
	}

	c.curZ = mat.DenseCopyOf(zInit0)
	c.curU = mat.DenseCopyOf(uInit0)
	uPrev := mat.NewDense(c.p.N, c.nu, nil)
	c.compTime = c.compTime[:0]
	c.zIter = c.zIter[:0]
	c.uIter = c.uIter[:0]
	c.iterations = 0

	for iter := 0; (iter == 0 || trajectoryDiff(uPrev, c.curU) > eps) && iter < maxIter; iter++ {
		start := time.Now()
		uPrev.Copy(c.curU)
		zInit := mat.DenseCopyOf(c.curZ)
		uInit := mat.DenseCopyOf(c.curU)

		ALst, BLst, rLst := c.linearizeTrajectory(zInit, uInit, t)

		q := c.objective(zInit, uInit)
		l, u := c.constraintVecs(z, zInit, uInit, rLst)
		c.pattern.Refresh(ALst, BLst)

		if err := c.solver.UpdateQ(q); err != nil {
			return err
		}
		if err := c.solver.UpdateBounds(l, u); err != nil {
			return err
		}
		if err := c.solver.UpdateValues(c.pattern.Matrix.Data); err != nil {
			return err
		}
		res, err := c.solver.Solve()
		if err != nil {
			return err
		}
		if res.Status != qp.StatusOptimal {
			return fmt.Errorf("mpc: qp finished with status %q", res.Status)
		}

		c.applyStep(zInit, uInit, res.X)
		c.iterations = iter + 1
		c.compTime = append(c.compTime, time.Since(start))
		c.zIter = append(c.zIter, mat.DenseCopyOf(c.curZ))
		c.uIter = append(c.uIter, mat.DenseCopyOf(c.curU))
	}
	return nil
}

// linearizeTrajectory produces one linearization tuple per stage from
// consecutive state pairs of the guess.
func (c *NonlinearMPC) linearizeTrajectory(zInit, uInit *mat.Dense, t float64) ([]*mat.Dense, []*mat.Dense, []*mat.VecDense) {
	ALst := make([]*mat.Dense, c.p.N)
	BLst := make([]*mat.Dense, c.p.N)
	rLst := make([]*mat.VecDense, c.p.N)
	for k := 0; k < c.p.N; k++ {
		ALst[k], BLst[k], rLst[k] = c.lin.Linearize(
			zInit.RowView(k), zInit.RowView(k+1), uInit.RowView(k), t+float64(k)*c.p.Dt)
	}
	return ALst, BLst, rLst
}

// applyStep adds the QP correction to the guess: guess += step.
func (c *NonlinearMPC) applyStep(zInit, uInit *mat.Dense, x []float64) {
	for k := 0; k <= c.p.N; k++ {
		for i := 0; i < c.nx; i++ {
			c.curZ.Set(k, i, zInit.At(k, i)+x[k*c.nx+i])
		}
	}
	off := (c.p.N + 1) * c.nx
	for k := 0; k < c.p.N; k++ {
		for i := 0; i < c.nu; i++ {
			c.curU.Set(k, i, uInit.At(k, i)+x[off+k*c.nu+i])
		}
	}
}

// objective assembles the linear cost term around the guess.
func (c *NonlinearMPC) objective(zInit, uInit *mat.Dense) []float64 {
	N, nx, nu, ns := c.p.N, c.nx, c.nu, c.ns
	q := make([]float64, (N+1)*nx+N*nu)

	xr := mat.NewVecDense(ns, c.p.Xr)
	dev := mat.NewVecDense(ns, nil)
	var qz mat.VecDense
	var tmp mat.VecDense
	for k := 0; k <= N; k++ {
		dev.MulVec(c.C, zInit.RowView(k))
		dev.SubVec(dev, xr)
		if k < N {
			tmp.MulVec(c.p.Q, dev)
			qz.MulVec(c.C.T(), &tmp)
		} else {
			tmp.MulVec(c.p.QN, dev)
			qz.MulVec(c.C.T(), &tmp)
		}
		copy(q[k*nx:(k+1)*nx], qz.RawVector().Data)
	}
	off := (N + 1) * nx
	var qu mat.VecDense
	for k := 0; k < N; k++ {
		qu.MulVec(c.p.R, uInit.RowView(k))
		copy(q[off+k*nu:off+(k+1)*nu], qu.RawVector().Data)
	}
	return q
}

// constraintVecs assembles the stacked bound vectors in deviation
// coordinates: the initial condition pins the stage-0 deviation to
// (actual state - guess), the dynamics rows carry the negated
// linearization residuals, and every box bound is referenced to the
// guess's own value.
func (c *NonlinearMPC) constraintVecs(z mat.Vector, zInit, uInit *mat.Dense, rLst []*mat.VecDense) (l, u []float64) {
	N, nx, nu, ns := c.p.N, c.nx, c.nu, c.ns
	mEq := (N + 1) * nx
	mU := N * nu
	l = make([]float64, mEq+mU+(N+1)*ns)
	u = make([]float64, len(l))

	for i := 0; i < nx; i++ {
		l[i] = -(z.AtVec(i) - zInit.At(0, i))
		u[i] = l[i]
	}
	for k := 0; k < N; k++ {
		for i := 0; i < nx; i++ {
			l[(k+1)*nx+i] = -rLst[k].AtVec(i)
			u[(k+1)*nx+i] = l[(k+1)*nx+i]
		}
	}

	for k := 0; k < N; k++ {
		for i := 0; i < nu; i++ {
			l[mEq+k*nu+i] = c.p.Umin[i] - uInit.At(k, i)
			u[mEq+k*nu+i] = c.p.Umax[i] - uInit.At(k, i)
		}
	}

	cz := mat.NewVecDense(ns, nil)
	for k := 0; k <= N; k++ {
		cz.MulVec(c.C, zInit.RowView(k))
		for i := 0; i < ns; i++ {
			l[mEq+mU+k*ns+i] = c.p.Xmin[i] - cz.AtVec(i)
			u[mEq+mU+k*ns+i] = c.p.Xmax[i] - cz.AtVec(i)
		}
	}
	if c.p.TerminalConstraint {
		cz.MulVec(c.C, zInit.RowView(N))
		for i := 0; i < ns; i++ {
			l[mEq+mU+N*ns+i] = c.p.Xr[i] - cz.AtVec(i)
			u[mEq+mU+N*ns+i] = l[mEq+mU+N*ns+i]
		}
	}
	return l, u
}

func (c *NonlinearMPC) checkGuess(zInit, uInit *mat.Dense) error {
	zr, zc := zInit.Dims()
	ur, uc := uInit.Dims()
	if zr != c.p.N+1 || zc != c.nx {
		return fmt.Errorf("mpc: state guess must be %d by %d, got %d by %d", c.p.N+1, c.nx, zr, zc)
	}
	if ur != c.p.N || uc != c.nu {
		return fmt.Errorf("mpc: control guess must be %d by %d, got %d by %d", c.p.N, c.nu, ur, uc)
	}
	return nil
}

// StatePrediction returns the converged lifted state trajectory,
// (N+1 by nx).
func (c *NonlinearMPC) StatePrediction() *mat.Dense { return c.curZ }

// ControlPrediction returns the converged control trajectory, (N by nu).
func (c *NonlinearMPC) ControlPrediction() *mat.Dense { return c.curU }

// FirstControl returns the control action for the current time step.
// Retrieval is deliberately a separate step from solving.
func (c *NonlinearMPC) FirstControl() mat.Vector {
	return c.curU.RowView(0)
}

// Iterations reports how many successive-linearization iterations the
// last SolveToConvergence ran.
func (c *NonlinearMPC) Iterations() int { return c.iterations }

// CompTimes returns the wall-clock time of each iteration of the last
// solve.
func (c *NonlinearMPC) CompTimes() []time.Duration { return c.compTime }

// StateIterates and ControlIterates return the intermediate trajectories
// retained for diagnostics.
func (c *NonlinearMPC) StateIterates() []*mat.Dense   { return c.zIter }
func (c *NonlinearMPC) ControlIterates() []*mat.Dense { return c.uIter }

// trajectoryDiff is the Frobenius norm of the difference of two control
// trajectories.
func trajectoryDiff(a, b *mat.Dense) float64 {
	var d mat.Dense
	d.Sub(a, b)
	return mat.Norm(&d, 2)
}

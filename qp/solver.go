package qp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/koopmanctl/koopman/matx"
)

// Status reports the outcome of a Solve call.
type Status int

const (
	StatusUnsolved Status = iota
	// StatusOptimal is the sentinel a result must carry to be trusted.
	StatusOptimal
	StatusMaxIterations
)

func (s Status) String() string {
	switch s {
	case StatusOptimal:
		return "optimal"
	case StatusMaxIterations:
		return "maximum iterations reached"
	default:
		return "unsolved"
	}
}

// Result of a single Solve call. X is the flat primal solution, Y the
// dual variables of the stacked constraints.
type Result struct {
	X          []float64
	Y          []float64
	Status     Status
	Iterations int
	PriRes     float64
	DuaRes     float64
}

// Options configures a solver. Zero values select the defaults.
type Options struct {
	// ADMM step size and regularization
	Rho   float64
	Sigma float64
	// Over-relaxation, 0 < Alpha < 2
	Alpha float64
	// Absolute and relative termination tolerances
	EpsAbs float64
	EpsRel float64
	// The iteration stops when the number of iterations exceeds this limit
	MaxIterations int
	// Start each Solve from the previous solution
	WarmStart bool
}

func (o Options) withDefaults() Options {
	if o.Rho == 0 {
		o.Rho = 0.1
	}
	if o.Sigma == 0 {
		o.Sigma = 1e-6
	}
	if o.Alpha == 0 {
		o.Alpha = 1.6
	}
	if o.EpsAbs == 0 {
		o.EpsAbs = 1e-7
	}
	if o.EpsRel == 0 {
		o.EpsRel = 1e-7
	}
	if o.MaxIterations == 0 {
		o.MaxIterations = 20000
	}
	return o
}

func (o Options) validate() error {
	switch {
	case o.Rho <= 0:
		return errors.New("qp: step size must be positive")
	case o.Sigma <= 0:
		return errors.New("qp: regularization must be positive")
	case o.Alpha <= 0 || o.Alpha >= 2:
		return errors.New("qp: relaxation must lie in (0, 2)")
	case o.EpsAbs < 0 || o.EpsRel < 0:
		return errors.New("qp: tolerances must not be negative")
	case o.MaxIterations < 1:
		return errors.New("qp: iteration limit must be positive")
	}
	return nil
}

// Solver is the black-box convex QP contract:
//
// minimize ½ xᵀPx + qᵀx subject to l ≤ Ax ≤ u
//
// Setup is called once per problem structure; the Update methods replace
// numeric data without touching structure; Solve may be called
// repeatedly and reuses its internal state across calls when warm
// starting is enabled. A solver instance must not be shared between
// unrelated problems.
type Solver interface {
	Setup(P mat.Symmetric, q []float64, A *ConstraintMatrix, l, u []float64, opts Options) error
	UpdateQ(q []float64) error
	UpdateBounds(l, u []float64) error
	UpdateValues(data []float64) error
	Solve() (*Result, error)
}

// ADMM is a dense operator-splitting QP solver in the manner of OSQP:
// each iteration solves the σ/ρ-regularized KKT system (factorized once
// per numeric setup) and projects onto the constraint box. Equality rows
// (l == u) get a stiffer step size.
type ADMM struct {
	opts Options

	n, m int
	P    *mat.SymDense
	q    []float64
	A    *mat.Dense
	csc  *ConstraintMatrix
	l, u []float64
	rho  []float64

	chol  mat.Cholesky
	ready bool

	// warm-start state
	x, y, z []float64
	solved  bool
}

var _ Solver = (*ADMM)(nil)

// NewADMM returns an unconfigured solver; Setup must be called before
// Solve.
func NewADMM() *ADMM {
	return &ADMM{}
}

func (s *ADMM) Setup(P mat.Symmetric, q []float64, A *ConstraintMatrix, l, u []float64, opts Options) error {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return err
	}
	n := P.SymmetricDim()
	if A.Cols != n {
		return fmt.Errorf("qp: constraint matrix has %d columns, objective has %d variables", A.Cols, n)
	}
	if len(q) != n {
		return fmt.Errorf("qp: linear cost has %d entries, want %d", len(q), n)
	}
	if len(l) != A.Rows || len(u) != A.Rows {
		return fmt.Errorf("qp: bound vectors must have %d entries", A.Rows)
	}

	if matx.NaNOrInf(P) {
		return errors.New("qp: objective matrix has NaN or Inf entries")
	}

	s.opts = opts
	s.n, s.m = n, A.Rows
	s.P = mat.NewSymDense(n, nil)
	s.P.CopySym(P)
	s.q = append([]float64(nil), q...)
	s.csc = A.Clone()
	s.A = A.Dense()
	s.l = append([]float64(nil), l...)
	s.u = append([]float64(nil), u...)
	s.rho = s.stepSizes()

	s.x = make([]float64, n)
	s.y = make([]float64, s.m)
	s.z = make([]float64, s.m)
	s.solved = false

	return s.factorize()
}

func (s *ADMM) UpdateQ(q []float64) error {
	if len(q) != s.n {
		return fmt.Errorf("qp: linear cost has %d entries, want %d", len(q), s.n)
	}
	copy(s.q, q)
	return nil
}

func (s *ADMM) UpdateBounds(l, u []float64) error {
	if len(l) != s.m || len(u) != s.m {
		return fmt.Errorf("qp: bound vectors must have %d entries", s.m)
	}
	copy(s.l, l)
	copy(s.u, u)
	// Changed equality rows change the per-row step size.
	rho := s.stepSizes()
	for i := range rho {
		if rho[i] != s.rho[i] {
			s.rho = rho
			return s.factorize()
		}
	}
	return nil
}

func (s *ADMM) UpdateValues(data []float64) error {
	if len(data) != len(s.csc.Data) {
		return fmt.Errorf("qp: value array has %d entries, want %d", len(data), len(s.csc.Data))
	}
	copy(s.csc.Data, data)
	s.A = s.csc.Dense()
	// A diverged linearization guess shows up here first.
	if matx.NaNOrInf(s.A) {
		return errors.New("qp: constraint values have NaN or Inf entries")
	}
	return s.factorize()
}

// stepSizes assigns ρ per constraint row, stiffened for equalities.
func (s *ADMM) stepSizes() []float64 {
	rho := make([]float64, s.m)
	for i := range rho {
		if s.l[i] == s.u[i] {
			rho[i] = s.opts.Rho * 1e3
		} else {
			rho[i] = s.opts.Rho
		}
	}
	return rho
}

// factorize forms and factorizes P + σI + Aᵀ diag(ρ) A.
func (s *ADMM) factorize() error {
	var scaled mat.Dense
	scaled.CloneFrom(s.A)
	for i := 0; i < s.m; i++ {
		row := scaled.RawRowView(i)
		for j := range row {
			row[j] *= s.rho[i]
		}
	}
	var kkt mat.Dense
	kkt.Mul(s.A.T(), &scaled)

	sym := mat.NewSymDense(s.n, nil)
	for i := 0; i < s.n; i++ {
		for j := i; j < s.n; j++ {
			v := s.P.At(i, j) + kkt.At(i, j)
			if i == j {
				v += s.opts.Sigma
			}
			sym.SetSym(i, j, v)
		}
	}
	if ok := s.chol.Factorize(sym); !ok {
		return errors.New("qp: KKT matrix is not positive definite")
	}
	s.ready = true
	return nil
}

func (s *ADMM) Solve() (*Result, error) {
	if !s.ready {
		return nil, errors.New("qp: solver not set up")
	}
	if !s.opts.WarmStart || !s.solved {
		for i := range s.x {
			s.x[i] = 0
		}
		for i := range s.y {
			s.y[i] = 0
		}
		for i := range s.z {
			s.z[i] = 0
		}
	}

	rhs := mat.NewVecDense(s.n, nil)
	xt := mat.NewVecDense(s.n, nil)
	work := mat.NewVecDense(s.m, nil)
	zt := make([]float64, s.m)

	res := &Result{Status: StatusMaxIterations}
	for iter := 1; iter <= s.opts.MaxIterations; iter++ {
		// rhs = σx - q + Aᵀ(ρ∘z - y)
		for i := 0; i < s.m; i++ {
			work.SetVec(i, s.rho[i]*s.z[i]-s.y[i])
		}
		rhs.MulVec(s.A.T(), work)
		for i := 0; i < s.n; i++ {
			rhs.SetVec(i, rhs.AtVec(i)+s.opts.Sigma*s.x[i]-s.q[i])
		}
		if err := s.chol.SolveVecTo(xt, rhs); err != nil {
			return nil, fmt.Errorf("qp: KKT solve: %w", err)
		}
		work.MulVec(s.A, xt)

		alpha := s.opts.Alpha
		for i := 0; i < s.n; i++ {
			s.x[i] = alpha*xt.AtVec(i) + (1-alpha)*s.x[i]
		}
		for i := 0; i < s.m; i++ {
			zt[i] = alpha*work.AtVec(i) + (1-alpha)*s.z[i]
			zi := zt[i] + s.y[i]/s.rho[i]
			s.z[i] = math.Min(math.Max(zi, s.l[i]), s.u[i])
			s.y[i] += s.rho[i] * (zt[i] - s.z[i])
		}

		if iter%25 == 0 || iter == s.opts.MaxIterations {
			pri, dua, done := s.converged()
			res.PriRes, res.DuaRes = pri, dua
			if done {
				res.Status = StatusOptimal
				res.Iterations = iter
				break
			}
		}
		res.Iterations = iter
	}

	res.X = append([]float64(nil), s.x...)
	res.Y = append([]float64(nil), s.y...)
	s.solved = true
	return res, nil
}

// converged evaluates the OSQP-style primal/dual residual criteria.
func (s *ADMM) converged() (pri, dua float64, done bool) {
	x := mat.NewVecDense(s.n, s.x)
	y := mat.NewVecDense(s.m, s.y)

	ax := mat.NewVecDense(s.m, nil)
	ax.MulVec(s.A, x)
	var normAx, normZ float64
	for i := 0; i < s.m; i++ {
		pri = math.Max(pri, math.Abs(ax.AtVec(i)-s.z[i]))
		normAx = math.Max(normAx, math.Abs(ax.AtVec(i)))
		normZ = math.Max(normZ, math.Abs(s.z[i]))
	}

	px := mat.NewVecDense(s.n, nil)
	px.MulVec(s.P, x)
	aty := mat.NewVecDense(s.n, nil)
	aty.MulVec(s.A.T(), y)
	var normPx, normAty, normQ float64
	for i := 0; i < s.n; i++ {
		dua = math.Max(dua, math.Abs(px.AtVec(i)+s.q[i]+aty.AtVec(i)))
		normPx = math.Max(normPx, math.Abs(px.AtVec(i)))
		normAty = math.Max(normAty, math.Abs(aty.AtVec(i)))
		normQ = math.Max(normQ, math.Abs(s.q[i]))
	}

	tolPri := s.opts.EpsAbs + s.opts.EpsRel*math.Max(normAx, normZ)
	tolDua := s.opts.EpsAbs + s.opts.EpsRel*math.Max(normPx, math.Max(normAty, normQ))
	return pri, dua, pri <= tolPri && dua <= tolDua
}

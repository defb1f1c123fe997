package lifted

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Model is a bilinear lifted model
//
// z' = A z + Σᵢ uᵢ Bᵢ z, x = C z
//
// fitted by the edmd package and consumed by the mpc controllers. Dt
// distinguishes the time semantics: Dt == 0 means A and Bs describe the
// continuous-time generator, Dt > 0 means they describe a discrete-time
// step of length Dt. A Model is immutable after construction.
type Model struct {
	// State transition dynamics
	A *mat.Dense
	// Bilinear control coupling, one matrix per control channel
	Bs []*mat.Dense
	// Output/selection matrix
	C *mat.Dense
	// Lifting map (optional, required for controllers that lift online)
	Basis Basis
	// Sample period, zero for a continuous-time model
	Dt float64
}

// NewModel validates the model dimensions and returns the model.
func NewModel(A *mat.Dense, Bs []*mat.Dense, C *mat.Dense, basis Basis, dt float64) (*Model, error) {
	nl, nc := A.Dims()
	if nl != nc {
		return nil, fmt.Errorf("lifted: state transition matrix must be square, got %d by %d", nl, nc)
	}
	for i, B := range Bs {
		mb, nb := B.Dims()
		if mb != nl || nb != nl {
			return nil, fmt.Errorf("lifted: coupling matrix %d is %d by %d, want %d by %d", i, mb, nb, nl, nl)
		}
	}
	if C != nil {
		if _, cc := C.Dims(); cc != nl {
			return nil, errors.New("lifted: output matrix column count must match lifted dimension")
		}
	}
	if dt < 0 {
		return nil, errors.New("lifted: sample period must not be negative")
	}
	return &Model{A: A, Bs: Bs, C: C, Basis: basis, Dt: dt}, nil
}

// StateDim returns the lifted state dimension.
func (m *Model) StateDim() int {
	nl, _ := m.A.Dims()
	return nl
}

// InputDim returns the control input dimension.
func (m *Model) InputDim() int {
	return len(m.Bs)
}

// OutputDim returns the physical output dimension.
func (m *Model) OutputDim() int {
	n, _ := m.C.Dims()
	return n
}

// Output returns the output/selection matrix.
func (m *Model) Output() mat.Matrix {
	return m.C
}

// Step evaluates one application of the bilinear map
// A z + Σᵢ uᵢ Bᵢ z. For a discrete-time model this is the successor
// state; for a continuous-time model it is the state derivative.
func (m *Model) Step(z, u mat.Vector) *mat.VecDense {
	nl := m.StateDim()
	if zl, _ := z.Dims(); zl != nl {
		panic(errors.New("lifted: state vector doesn't match state transition matrix"))
	}
	if ul, _ := u.Dims(); ul != len(m.Bs) {
		panic(errors.New("lifted: input vector doesn't match number of coupling matrices"))
	}
	res := mat.NewVecDense(nl, nil)
	res.MulVec(m.A, z)
	var tmp mat.VecDense
	for i, B := range m.Bs {
		tmp.MulVec(B, z)
		res.AddScaledVec(res, u.AtVec(i), &tmp)
	}
	return res
}

// Derivative returns the continuous-time state derivative. It is Step
// under a different name, kept so callers integrating the model read
// naturally.
func (m *Model) Derivative(z, u mat.Vector) *mat.VecDense {
	return m.Step(z, u)
}

// Linearize returns the local linear approximants of the dynamics around
// the pair (z, zNext) at input u:
//
// A_t = A + Σᵢ uᵢ Bᵢ
// B_t = [B₀ z | ... | B_{m-1} z]
// r_t = Step(z, u) - zNext
func (m *Model) Linearize(z, zNext, u mat.Vector, t float64) (*mat.Dense, *mat.Dense, *mat.VecDense) {
	nl := m.StateDim()
	nu := m.InputDim()

	At := mat.NewDense(nl, nl, nil)
	At.Copy(m.A)
	var tmp mat.Dense
	for i, B := range m.Bs {
		tmp.Scale(u.AtVec(i), B)
		At.Add(At, &tmp)
	}

	Bt := mat.NewDense(nl, nu, nil)
	var col mat.VecDense
	for i, B := range m.Bs {
		col.MulVec(B, z)
		Bt.SetCol(i, col.RawVector().Data)
	}

	r := m.Step(z, u)
	r.SubVec(r, zNext)
	return At, Bt, r
}

// Discretize converts a continuous-time model to a discrete-time one by
// forward Euler: A_d = I + dt A, B_d = dt B.
func (m *Model) Discretize(dt float64) (*Model, error) {
	if m.Dt != 0 {
		return nil, errors.New("lifted: model is already discrete-time")
	}
	if dt <= 0 {
		return nil, errors.New("lifted: sample period must be positive")
	}
	nl := m.StateDim()
	Ad := mat.NewDense(nl, nl, nil)
	Ad.Scale(dt, m.A)
	for i := 0; i < nl; i++ {
		Ad.Set(i, i, Ad.At(i, i)+1)
	}
	Bd := make([]*mat.Dense, len(m.Bs))
	for i, B := range m.Bs {
		Bd[i] = mat.NewDense(nl, nl, nil)
		Bd[i].Scale(dt, B)
	}
	return NewModel(Ad, Bd, m.C, m.Basis, dt)
}

// Package experiment generates training trajectories for the fitter and
// scores the open-loop prediction quality of fitted models.
package experiment

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/koopmanctl/koopman/lifted"
)

// System is a controlled continuous-time system to collect data from.
type System interface {
	StateDim() int
	InputDim() int
	Derivative(t float64, x, u mat.Vector) *mat.VecDense
}

// Controller maps the current state and time to a control action.
type Controller interface {
	Eval(x mat.Vector, t float64) mat.Vector
}

// PD is a proportional-derivative regulator towards a set point. The
// state is split in half into positions and velocities.
type PD struct {
	Kp, Kd *mat.Dense
	SetPt  []float64
}

func (c *PD) Eval(x mat.Vector, t float64) mat.Vector {
	n := x.Len()
	half := n / 2
	m, _ := c.Kp.Dims()

	ep := mat.NewVecDense(half, nil)
	ev := mat.NewVecDense(half, nil)
	for i := 0; i < half; i++ {
		ep.SetVec(i, x.AtVec(i)-c.SetPt[i])
		ev.SetVec(i, x.AtVec(half+i)-c.SetPt[half+i])
	}
	u := mat.NewVecDense(m, nil)
	var tmp mat.VecDense
	u.MulVec(c.Kp, ep)
	tmp.MulVec(c.Kd, ev)
	u.AddVec(u, &tmp)
	u.ScaleVec(-1, u)
	return u
}

// Perturbed wraps a controller with white exploration noise, which the
// regression needs to excite the bilinear terms.
type Perturbed struct {
	Controller
	NoiseVar float64
	rnd      *rand.Rand
}

func NewPerturbed(ctrl Controller, noiseVar float64, seed int64) *Perturbed {
	return &Perturbed{Controller: ctrl, NoiseVar: noiseVar, rnd: rand.New(rand.NewSource(seed))}
}

func (p *Perturbed) Eval(x mat.Vector, t float64) mat.Vector {
	u := p.Controller.Eval(x, t)
	res := mat.NewVecDense(u.Len(), nil)
	for i := 0; i < u.Len(); i++ {
		res.SetVec(i, u.AtVec(i)+math.Sqrt(p.NoiseVar)*p.rnd.NormFloat64())
	}
	return res
}

// RK4Step advances the system one step of length dt under a
// zero-order-held control input, with the classical fourth order
// Runge-Kutta tableau.
func RK4Step(sys System, t, dt float64, x, u mat.Vector) *mat.VecDense {
	n := x.Len()
	k1 := sys.Derivative(t, x, u)

	stage := mat.NewVecDense(n, nil)
	stage.AddScaledVec(x, dt/2, k1)
	k2 := sys.Derivative(t+dt/2, stage, u)

	stage.AddScaledVec(x, dt/2, k2)
	k3 := sys.Derivative(t+dt/2, stage, u)

	stage.AddScaledVec(x, dt, k3)
	k4 := sys.Derivative(t+dt, stage, u)

	res := mat.NewVecDense(n, nil)
	res.AddScaledVec(res, dt/6, k1)
	res.AddScaledVec(res, dt/3, k2)
	res.AddScaledVec(res, dt/3, k3)
	res.AddScaledVec(res, dt/6, k4)
	res.AddVec(res, x)
	return res
}

// Config for trajectory collection.
type Config struct {
	// Number of trajectories and steps per trajectory
	NTraj, Steps int
	// Sample period
	Dt float64
	// Initial states are drawn uniformly from [-X0Max, X0Max]
	X0Max []float64
	// PD gains for the data-collection controller
	Kp, Kd *mat.Dense
	// Exploration noise variance
	NoiseVar float64
	Seed     int64
}

// CollectTrajectories simulates NTraj rollouts of the system under a
// perturbed PD regulator towards the origin and returns the state,
// control and time traces in the layout the fitter consumes.
func CollectTrajectories(sys System, cfg Config) (xs, us []*mat.Dense, ts [][]float64, err error) {
	n := sys.StateDim()
	m := sys.InputDim()
	if len(cfg.X0Max) != n {
		return nil, nil, nil, fmt.Errorf("experiment: initial state range must have %d entries", n)
	}
	if cfg.NTraj < 1 || cfg.Steps < 1 || cfg.Dt <= 0 {
		return nil, nil, nil, errors.New("experiment: trajectory count, steps and sample period must be positive")
	}

	rnd := rand.New(rand.NewSource(cfg.Seed))
	ctrl := NewPerturbed(&PD{Kp: cfg.Kp, Kd: cfg.Kd, SetPt: make([]float64, n)}, cfg.NoiseVar, cfg.Seed+1)

	xs = make([]*mat.Dense, cfg.NTraj)
	us = make([]*mat.Dense, cfg.NTraj)
	ts = make([][]float64, cfg.NTraj)
	for k := 0; k < cfg.NTraj; k++ {
		x := mat.NewVecDense(n, nil)
		for i := 0; i < n; i++ {
			x.SetVec(i, cfg.X0Max[i]*(2*rnd.Float64()-1))
		}

		xTrace := mat.NewDense(cfg.Steps+1, n, nil)
		uTrace := mat.NewDense(cfg.Steps, m, nil)
		tTrace := make([]float64, cfg.Steps+1)
		xTrace.SetRow(0, x.RawVector().Data)
		for s := 0; s < cfg.Steps; s++ {
			t := float64(s) * cfg.Dt
			u := ctrl.Eval(x, t)
			for i := 0; i < m; i++ {
				uTrace.Set(s, i, u.AtVec(i))
			}
			x = RK4Step(sys, t, cfg.Dt, x, u)
			xTrace.SetRow(s+1, x.RawVector().Data)
			tTrace[s+1] = t + cfg.Dt
		}
		xs[k], us[k], ts[k] = xTrace, uTrace, tTrace
	}
	return xs, us, ts, nil
}

// OpenLoopError replays the recorded controls through a fitted
// continuous-time model and reports the mean squared error and standard
// deviation of the physical-state prediction against the recorded
// trajectories.
func OpenLoopError(model *lifted.Model, xs, us []*mat.Dense, ts [][]float64) (mse, std float64, err error) {
	if model.Dt != 0 {
		return 0, 0, errors.New("experiment: open-loop scoring needs the continuous-time model")
	}
	if model.Basis == nil {
		return 0, 0, errors.New("experiment: model must carry its lifting basis")
	}

	var errs []float64
	for k := range xs {
		T, n := xs[k].Dims()
		T-- // steps
		z := liftRow(model, xs[k], 0)
		for s := 0; s < T; s++ {
			x := mat.NewVecDense(n, nil)
			x.MulVec(model.C, z)
			for i := 0; i < n; i++ {
				errs = append(errs, xs[k].At(s, i)-x.AtVec(i))
			}
			if s == T-1 {
				break
			}
			dt := ts[k][s+1] - ts[k][s]
			z = RK4Step(liftedSystem{model}, ts[k][s], dt, z, us[k].RowView(s))
		}
	}

	for _, e := range errs {
		mse += e * e
	}
	mse /= float64(len(errs))
	mean := 0.0
	for _, e := range errs {
		mean += e
	}
	mean /= float64(len(errs))
	for _, e := range errs {
		std += (e - mean) * (e - mean)
	}
	std = math.Sqrt(std / float64(len(errs)))
	return mse, std, nil
}

// liftedSystem adapts a lifted model to the System contract so the RK4
// stepper can integrate it.
type liftedSystem struct {
	model *lifted.Model
}

func (s liftedSystem) StateDim() int { return s.model.StateDim() }
func (s liftedSystem) InputDim() int { return s.model.InputDim() }
func (s liftedSystem) Derivative(t float64, x, u mat.Vector) *mat.VecDense {
	return s.model.Derivative(x, u)
}

func liftRow(model *lifted.Model, x *mat.Dense, row int) *mat.VecDense {
	_, n := x.Dims()
	z := model.Basis(x.Slice(row, row+1, 0, n))
	return mat.NewVecDense(model.StateDim(), mat.Row(nil, 0, z))
}

// Command koopmpc demonstrates the full pipeline on a damped pendulum:
// collect noisy PD-controlled trajectories, fit a bilinear lifted model
// with EDMD, reduce it, and drive it to a set point with the nonlinear
// MPC controller.
package main

import (
	"fmt"
	"log"
	"math"
	"os"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"github.com/koopmanctl/koopman/edmd"
	"github.com/koopmanctl/koopman/experiment"
	"github.com/koopmanctl/koopman/lifted"
	"github.com/koopmanctl/koopman/mpc"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "koopmpc",
		Short: "Koopman bilinear EDMD fitting and nonlinear MPC demo",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "yaml configuration file")

	fitCmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit a bilinear lifted pendulum model and report its open-loop error",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			_, err = fitModel(cfg)
			return err
		},
	}
	controlCmd := &cobra.Command{
		Use:   "control",
		Short: "Fit a model and run the nonlinear MPC to the configured reference",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			model, err := fitModel(cfg)
			if err != nil {
				return err
			}
			return runControl(cfg, model)
		},
	}
	root.AddCommand(fitCmd, controlCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// pendulum is the demo plant: θ'' = -(g/l) sin θ - b θ' + u.
type pendulum struct {
	g, l, b float64
}

func (p pendulum) StateDim() int { return 2 }
func (p pendulum) InputDim() int { return 1 }

func (p pendulum) Derivative(t float64, x, u mat.Vector) *mat.VecDense {
	res := mat.NewVecDense(2, nil)
	res.SetVec(0, x.AtVec(1))
	res.SetVec(1, -(p.g/p.l)*math.Sin(x.AtVec(0))-p.b*x.AtVec(1)+u.AtVec(0))
	return res
}

const nLift = 5

// pendulumBasis lifts [θ, θ'] to [1, θ, θ', sin θ, θ' cos θ].
func pendulumBasis(x mat.Matrix) *mat.Dense {
	rows, _ := x.Dims()
	z := mat.NewDense(rows, nLift, nil)
	for i := 0; i < rows; i++ {
		th, om := x.At(i, 0), x.At(i, 1)
		z.Set(i, 0, 1)
		z.Set(i, 1, th)
		z.Set(i, 2, om)
		z.Set(i, 3, math.Sin(th))
		z.Set(i, 4, om*math.Cos(th))
	}
	return z
}

func fitModel(cfg *Config) (*lifted.Model, error) {
	sys := pendulum{g: 9.81, l: 1, b: 0.2}

	log.Printf("collecting %d trajectories of %d steps", cfg.Trajectories, cfg.Steps)
	xs, us, ts, err := experiment.CollectTrajectories(sys, experiment.Config{
		NTraj: cfg.Trajectories, Steps: cfg.Steps, Dt: cfg.Dt,
		X0Max:    []float64{math.Pi / 2, 2},
		Kp:       mat.NewDense(1, 1, []float64{4}),
		Kd:       mat.NewDense(1, 1, []float64{2}),
		NoiseVar: cfg.NoiseVar,
		Seed:     cfg.Seed,
	})
	if err != nil {
		return nil, err
	}

	// x = C z selects the physical state back out of the lift.
	C := mat.NewDense(2, nLift, nil)
	C.Set(0, 1, 1)
	C.Set(1, 2, 1)

	fitter := &edmd.BilinearEDMD{
		N: 2, M: 1, NLift: nLift,
		Basis:     pendulumBasis,
		Optimizer: &edmd.Ridge{Alpha: cfg.Ridge},
		C:         C,
	}
	X, Y, err := fitter.Process(xs, us, ts)
	if err != nil {
		return nil, err
	}
	model, err := fitter.Fit(X, Y, edmd.FitOptions{OverrideKinematics: true, FirstObsConst: true})
	if err != nil {
		return nil, err
	}

	mse, std, err := experiment.OpenLoopError(model, xs, us, ts)
	if err != nil {
		return nil, err
	}
	log.Printf("open-loop prediction error: mse %.4g, std %.4g", mse, std)

	reduced, inUse := model.Reduce()
	log.Printf("model reduction: %d of %d observables in use", len(inUse), model.StateDim())
	return reduced, nil
}

func runControl(cfg *Config, model *lifted.Model) error {
	discrete, err := model.Discretize(cfg.Dt)
	if err != nil {
		return err
	}

	ctrl, err := mpc.NewNonlinearMPC(discrete, mpc.Params{
		N: cfg.Horizon, Dt: cfg.Dt,
		Umin: cfg.Umin, Umax: cfg.Umax,
		Xmin: cfg.Xmin, Xmax: cfg.Xmax,
		Q:  mat.NewSymDense(2, []float64{cfg.QWeights[0], 0, 0, cfg.QWeights[1]}),
		QN: mat.NewSymDense(2, []float64{cfg.QNWeights[0], 0, 0, cfg.QNWeights[1]}),
		R:  mat.NewSymDense(1, []float64{cfg.RWeights[0]}),
		Xr: cfg.Reference,
	})
	if err != nil {
		return err
	}

	// Start from a hanging perturbation and a resting guess.
	x0 := []float64{math.Pi / 4, 0}
	z0 := model.Basis(mat.NewDense(1, 2, x0))
	nx := discrete.StateDim()

	zInit := mat.NewDense(cfg.Horizon+1, nx, nil)
	for k := 0; k <= cfg.Horizon; k++ {
		zInit.SetRow(k, mat.Row(nil, 0, z0))
	}
	uInit := mat.NewDense(cfg.Horizon, 1, nil)

	if err := ctrl.Construct(zInit, uInit); err != nil {
		return err
	}
	z := mat.NewVecDense(nx, mat.Row(nil, 0, z0))
	if err := ctrl.SolveToConvergence(z, 0, zInit, uInit, cfg.Eps, cfg.MaxIter); err != nil {
		return err
	}

	log.Printf("converged in %d iterations", ctrl.Iterations())
	for i, d := range ctrl.CompTimes() {
		log.Printf("  iteration %d: %v", i+1, d)
	}
	u := ctrl.FirstControl()
	log.Printf("first control action: %.4f", u.AtVec(0))

	pred := ctrl.StatePrediction()
	final := mat.NewVecDense(2, nil)
	final.MulVec(discrete.Output(), pred.RowView(cfg.Horizon))
	log.Printf("predicted terminal state: (%.4f, %.4f)", final.AtVec(0), final.AtVec(1))
	return nil
}

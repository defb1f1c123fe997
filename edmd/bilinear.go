// Package edmd fits bilinear lifted models from trajectory data with
// bilinear Extended Dynamic Mode Decomposition. Trajectories are lifted
// with an externally supplied basis, augmented with control cross terms,
// and regressed against the time derivative of the plain lift.
package edmd

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/koopmanctl/koopman/lifted"
)

// BilinearEDMD holds the fitting configuration. N and M are the physical
// state and control dimensions, NLift the lifted dimension produced by
// Basis, and C the output/selection matrix of the fitted model.
type BilinearEDMD struct {
	N     int
	M     int
	NLift int
	Basis lifted.Basis
	// Regression backends
	Optimizer Optimizer
	CV        Optimizer
	// Optional feature standardizer, applied to the regressors only
	Standardizer Standardizer
	// Output matrix handed to the fitted model
	C *mat.Dense
}

// FitOptions selects between the configured regression backends and the
// structural priors applied to the learned operator.
type FitOptions struct {
	// Use the cross-validated optimizer instead of the plain one
	CV bool
	// Substitute the exact kinematic block position' = velocity for the
	// learned rows of the first half of the physical state
	OverrideKinematics bool
	// The first lifted coordinate is a constant/bias observable
	FirstObsConst bool
}

// Lift lifts every trajectory and augments it with the bilinear cross
// terms. xs holds one (T+1 by N) state trace per trajectory and us the
// matching (T by M) control trace. Each returned matrix is
// (T by (M+1)*NLift): the plain lift followed by one elementwise
// lift-times-control block per control channel.
func (b *BilinearEDMD) Lift(xs, us []*mat.Dense) ([]*mat.Dense, error) {
	if len(xs) != len(us) {
		return nil, fmt.Errorf("edmd: %d state traces but %d control traces", len(xs), len(us))
	}
	res := make([]*mat.Dense, len(xs))
	for k := range xs {
		z, err := b.liftLinear(xs[k], us[k])
		if err != nil {
			return nil, err
		}
		T, _ := z.Dims()
		zb := mat.NewDense(T, (b.M+1)*b.NLift, nil)
		zb.Slice(0, T, 0, b.NLift).(*mat.Dense).Copy(z)
		for i := 0; i < b.M; i++ {
			block := zb.Slice(0, T, (i+1)*b.NLift, (i+2)*b.NLift).(*mat.Dense)
			for t := 0; t < T; t++ {
				ut := us[k].At(t, i)
				for j := 0; j < b.NLift; j++ {
					block.Set(t, j, z.At(t, j)*ut)
				}
			}
		}
		res[k] = zb
	}
	return res, nil
}

// liftLinear applies the plain basis to the first T states of a single
// trajectory, where T is the control trace length.
func (b *BilinearEDMD) liftLinear(x, u *mat.Dense) (*mat.Dense, error) {
	tx, n := x.Dims()
	tu, m := u.Dims()
	if n != b.N {
		return nil, fmt.Errorf("edmd: trajectory state dimension %d, configured %d", n, b.N)
	}
	if m != b.M {
		return nil, fmt.Errorf("edmd: trajectory control dimension %d, configured %d", m, b.M)
	}
	if tx != tu+1 {
		return nil, fmt.Errorf("edmd: state trace length %d does not exceed control trace length %d by one", tx, tu)
	}
	z := b.Basis(x.Slice(0, tu, 0, n))
	if _, nl := z.Dims(); nl != b.NLift {
		return nil, fmt.Errorf("edmd: basis produced %d observables, configured %d", nl, b.NLift)
	}
	return z, nil
}

// Process lifts a batch of raw trajectories and assembles the regression
// problem: the bilinear lift as regressors and the time derivative of the
// plain lift as targets, flattened trajectory by trajectory into
// (samples by features) matrices. When a standardizer is configured it is
// fitted to the regressors and applied to them; targets are returned
// untouched. ts holds one time vector of length T+1 per trajectory.
func (b *BilinearEDMD) Process(xs, us []*mat.Dense, ts [][]float64) (X, Y *mat.Dense, err error) {
	if len(ts) != len(xs) {
		return nil, nil, fmt.Errorf("edmd: %d state traces but %d time vectors", len(xs), len(ts))
	}
	zb, err := b.Lift(xs, us)
	if err != nil {
		return nil, nil, err
	}

	var samples int
	for _, z := range zb {
		T, _ := z.Dims()
		samples += T
	}
	X = mat.NewDense(samples, (b.M+1)*b.NLift, nil)
	Y = mat.NewDense(samples, b.NLift, nil)

	row := 0
	for k := range xs {
		T, _ := zb[k].Dims()
		if len(ts[k]) != T+1 {
			return nil, nil, fmt.Errorf("edmd: trajectory %d has %d time samples, want %d", k, len(ts[k]), T+1)
		}
		if T < 3 {
			return nil, nil, fmt.Errorf("edmd: trajectory %d has %d samples, need at least three to differentiate", k, T)
		}
		z := zb[k].Slice(0, T, 0, b.NLift).(*mat.Dense)
		zDot := DifferentiateVec(z, ts[k][:T])
		X.Slice(row, row+T, 0, (b.M+1)*b.NLift).(*mat.Dense).Copy(zb[k])
		Y.Slice(row, row+T, 0, b.NLift).(*mat.Dense).Copy(zDot)
		row += T
	}

	if b.Standardizer != nil {
		b.Standardizer.Fit(X)
		X = b.Standardizer.Transform(X)
	}
	return X, Y, nil
}

// Fit regresses the bilinear operator from a processed regressor/target
// pair and assembles the continuous-time model. With the kinematic
// override the learned rows for the position half of the physical state
// are discarded and replaced with the exact identity coupling from the
// velocity block, so Y must carry only the remaining rows' targets (the
// caller passes the full target matrix, trimming happens here).
func (b *BilinearEDMD) Fit(X, Y *mat.Dense, opts FitOptions) (*lifted.Model, error) {
	nHalf := b.N / 2
	nConst := 0
	if opts.FirstObsConst {
		nConst = 1
	}

	targets := Y
	if opts.OverrideKinematics {
		ns, _ := Y.Dims()
		targets = Y.Slice(0, ns, nHalf+nConst, b.NLift).(*mat.Dense)
	}

	var opt Optimizer
	if opts.CV {
		if b.CV == nil {
			return nil, errors.New("edmd: no cross validation method specified")
		}
		opt = b.CV
	} else {
		if b.Optimizer == nil {
			return nil, errors.New("edmd: no optimizer specified")
		}
		opt = b.Optimizer
	}
	if err := opt.Fit(X, targets); err != nil {
		return nil, err
	}
	coefs := opt.Coefs()
	if b.Standardizer != nil {
		coefs = b.Standardizer.Transform(coefs)
	}

	nRows, nFeat := coefs.Dims()
	if nFeat != (b.M+1)*b.NLift {
		return nil, fmt.Errorf("edmd: optimizer produced %d features, want %d", nFeat, (b.M+1)*b.NLift)
	}

	var A *mat.Dense
	Bs := make([]*mat.Dense, b.M)
	if opts.OverrideKinematics {
		if want := b.NLift - nHalf - nConst; nRows != want {
			return nil, fmt.Errorf("edmd: optimizer produced %d target rows, want %d with kinematic override", nRows, want)
		}
		A = mat.NewDense(b.NLift, b.NLift, nil)
		// position' = velocity, exactly
		for i := 0; i < nHalf; i++ {
			A.Set(nConst+i, nConst+nHalf+i, 1)
		}
		A.Slice(nConst+nHalf, b.NLift, 0, b.NLift).(*mat.Dense).
			Copy(coefs.Slice(0, nRows, 0, b.NLift))
		for i := 0; i < b.M; i++ {
			Bs[i] = mat.NewDense(b.NLift, b.NLift, nil)
			Bs[i].Slice(nConst+nHalf, b.NLift, 0, b.NLift).(*mat.Dense).
				Copy(coefs.Slice(0, nRows, (i+1)*b.NLift, (i+2)*b.NLift))
		}
	} else {
		if nRows != b.NLift {
			return nil, fmt.Errorf("edmd: optimizer produced %d target rows, want %d", nRows, b.NLift)
		}
		A = mat.NewDense(b.NLift, b.NLift, nil)
		A.Copy(coefs.Slice(0, b.NLift, 0, b.NLift))
		for i := 0; i < b.M; i++ {
			Bs[i] = mat.NewDense(b.NLift, b.NLift, nil)
			Bs[i].Copy(coefs.Slice(0, b.NLift, (i+1)*b.NLift, (i+2)*b.NLift))
		}
	}

	return lifted.NewModel(A, Bs, b.C, b.Basis, 0)
}

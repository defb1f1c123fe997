package edmd

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Optimizer is the regression contract the fitter delegates to. Fit
// consumes a (samples by features) regressor matrix and a (samples by
// targets) target matrix; Coefs exposes the fitted coefficients as a
// (targets by features) matrix. Any linear-regression-family solver
// satisfying this shape is substitutable.
type Optimizer interface {
	Fit(X, Y *mat.Dense) error
	Coefs() *mat.Dense
}

// Standardizer rescales (samples by features) matrices. Applying
// Transform to fitted coefficient rows maps standardized-feature
// coefficients back to the raw feature coordinates, which is how the
// fitter uses it.
type Standardizer interface {
	Fit(X *mat.Dense)
	Transform(X *mat.Dense) *mat.Dense
	InverseTransform(X *mat.Dense) *mat.Dense
}

// OLS is an ordinary least squares optimizer backed by gonum's QR-based
// solve.
type OLS struct {
	coefs *mat.Dense
}

func (o *OLS) Fit(X, Y *mat.Dense) error {
	ns, nf := X.Dims()
	ny, nt := Y.Dims()
	if ns != ny {
		return fmt.Errorf("edmd: regressors have %d samples, targets have %d", ns, ny)
	}
	var w mat.Dense
	if err := w.Solve(X, Y); err != nil {
		return fmt.Errorf("edmd: least squares solve: %w", err)
	}
	coefs := mat.NewDense(nt, nf, nil)
	coefs.Copy(w.T())
	o.coefs = coefs
	return nil
}

func (o *OLS) Coefs() *mat.Dense { return o.coefs }

// Ridge is a Tikhonov-regularized least squares optimizer solved through
// the normal equations XᵀX + αI with a Cholesky factorization.
type Ridge struct {
	Alpha float64

	coefs *mat.Dense
}

func (r *Ridge) Fit(X, Y *mat.Dense) error {
	ns, nf := X.Dims()
	ny, nt := Y.Dims()
	if ns != ny {
		return fmt.Errorf("edmd: regressors have %d samples, targets have %d", ns, ny)
	}
	if r.Alpha < 0 {
		return errors.New("edmd: ridge penalty must not be negative")
	}

	gram := mat.NewDense(nf, nf, nil)
	gram.Mul(X.T(), X)
	for i := 0; i < nf; i++ {
		gram.Set(i, i, gram.At(i, i)+r.Alpha)
	}
	rhs := mat.NewDense(nf, nt, nil)
	rhs.Mul(X.T(), Y)

	var chol mat.Cholesky
	sym := mat.NewSymDense(nf, nil)
	for i := 0; i < nf; i++ {
		for j := i; j < nf; j++ {
			sym.SetSym(i, j, gram.At(i, j))
		}
	}
	if ok := chol.Factorize(sym); !ok {
		return errors.New("edmd: normal equations not positive definite, increase ridge penalty")
	}
	var w mat.Dense
	if err := chol.SolveTo(&w, rhs); err != nil {
		return fmt.Errorf("edmd: ridge solve: %w", err)
	}
	coefs := mat.NewDense(nt, nf, nil)
	coefs.Copy(w.T())
	r.coefs = coefs
	return nil
}

func (r *Ridge) Coefs() *mat.Dense { return r.coefs }

// RidgeCV selects the ridge penalty by k-fold cross validation over
// Alphas and refits on the full data with the winner.
type RidgeCV struct {
	Alphas []float64
	Folds  int

	alpha float64
	coefs *mat.Dense
}

func (r *RidgeCV) Fit(X, Y *mat.Dense) error {
	if len(r.Alphas) == 0 {
		return errors.New("edmd: no ridge penalties to cross validate over")
	}
	folds := r.Folds
	if folds == 0 {
		folds = 5
	}
	ns, _ := X.Dims()
	if folds < 2 || folds > ns {
		return fmt.Errorf("edmd: cannot split %d samples into %d folds", ns, folds)
	}

	best := math.Inf(1)
	for _, alpha := range r.Alphas {
		score, err := r.foldScore(X, Y, alpha, folds)
		if err != nil {
			return err
		}
		if score < best {
			best = score
			r.alpha = alpha
		}
	}

	final := Ridge{Alpha: r.alpha}
	if err := final.Fit(X, Y); err != nil {
		return err
	}
	r.coefs = final.Coefs()
	return nil
}

// foldScore returns the mean squared held-out error over contiguous
// folds for a single penalty.
func (r *RidgeCV) foldScore(X, Y *mat.Dense, alpha float64, folds int) (float64, error) {
	ns, nf := X.Dims()
	_, nt := Y.Dims()

	var sse float64
	var count int
	for f := 0; f < folds; f++ {
		lo := f * ns / folds
		hi := (f + 1) * ns / folds

		trainX := mat.NewDense(ns-(hi-lo), nf, nil)
		trainY := mat.NewDense(ns-(hi-lo), nt, nil)
		row := 0
		for i := 0; i < ns; i++ {
			if i >= lo && i < hi {
				continue
			}
			trainX.SetRow(row, mat.Row(nil, i, X))
			trainY.SetRow(row, mat.Row(nil, i, Y))
			row++
		}

		ridge := Ridge{Alpha: alpha}
		if err := ridge.Fit(trainX, trainY); err != nil {
			return 0, err
		}
		coefs := ridge.Coefs()

		var pred mat.Dense
		pred.Mul(X.Slice(lo, hi, 0, nf), coefs.T())
		for i := lo; i < hi; i++ {
			for j := 0; j < nt; j++ {
				d := pred.At(i-lo, j) - Y.At(i, j)
				sse += d * d
				count++
			}
		}
	}
	return sse / float64(count), nil
}

func (r *RidgeCV) Coefs() *mat.Dense { return r.coefs }

// Alpha returns the penalty selected by the last Fit.
func (r *RidgeCV) Alpha() float64 { return r.alpha }

// ScaleStandardizer rescales every feature column by its standard
// deviation, without centering. Columns with zero spread keep scale one.
type ScaleStandardizer struct {
	scale []float64
}

func (s *ScaleStandardizer) Fit(X *mat.Dense) {
	ns, nf := X.Dims()
	s.scale = make([]float64, nf)
	for j := 0; j < nf; j++ {
		var mean, sq float64
		for i := 0; i < ns; i++ {
			mean += X.At(i, j)
		}
		mean /= float64(ns)
		for i := 0; i < ns; i++ {
			d := X.At(i, j) - mean
			sq += d * d
		}
		s.scale[j] = math.Sqrt(sq / float64(ns))
		if s.scale[j] == 0 {
			s.scale[j] = 1
		}
	}
}

func (s *ScaleStandardizer) Transform(X *mat.Dense) *mat.Dense {
	return s.apply(X, func(v float64, scale float64) float64 { return v / scale })
}

func (s *ScaleStandardizer) InverseTransform(X *mat.Dense) *mat.Dense {
	return s.apply(X, func(v float64, scale float64) float64 { return v * scale })
}

func (s *ScaleStandardizer) apply(X *mat.Dense, f func(v, scale float64) float64) *mat.Dense {
	ns, nf := X.Dims()
	if nf != len(s.scale) {
		panic(errors.New("edmd: standardizer fitted for a different feature count"))
	}
	res := mat.NewDense(ns, nf, nil)
	for i := 0; i < ns; i++ {
		for j := 0; j < nf; j++ {
			res.Set(i, j, f(X.At(i, j), s.scale[j]))
		}
	}
	return res
}

package spatial

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/wmwv/meas-algorithms/pkg/lsq"
)

// Sample is one measurement of the fitted quantity at a field position.
// A Sigma <= 0 gives the sample unit weight.
type Sample struct {
	X, Y  float64
	Value float64
	Sigma float64
}

func (s Sample) weight() float64 {
	if s.Sigma <= 0 {
		return 1
	}
	return 1 / (s.Sigma * s.Sigma)
}

// FitResult is a fitted function with its coefficient covariance.
type FitResult struct {
	Function *Function
	Cov      *mat.SymDense
	// Chi2 is the weighted residual sum over the fitted samples.
	Chi2 float64
	// DOF is the number of samples minus the number of coefficients.
	DOF int
}

// Fit solves for the weighted least-squares function of the given style and
// order through samples.
func Fit(style Style, order int, bounds Bounds, samples []Sample) (*FitResult, error) {
	f, err := New(style, order, bounds)
	if err != nil {
		return nil, err
	}
	n := f.NumTerms()

	ne := lsq.NewNormalEquations(n)
	terms := make([]float64, n)
	for _, s := range samples {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			continue
		}
		terms = f.Terms(s.X, s.Y, terms)
		ne.AddRow(terms, s.Value, s.weight())
	}

	coeffs, err := ne.Solve()
	if err != nil {
		return nil, fmt.Errorf("fitting order %d %s function to %d samples: %w", order, style, len(samples), err)
	}
	copy(f.Coeffs, coeffs)

	cov, err := ne.Covariance()
	if err != nil {
		return nil, fmt.Errorf("coefficient covariance: %w", err)
	}

	res := &FitResult{Function: f, Cov: cov, DOF: ne.Rows() - n}
	for _, s := range samples {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			continue
		}
		res.Chi2 += res.Residual(s)
	}
	return res, nil
}

// Residual is the chi-squared contribution ((value - f)/sigma)² of s.
func (r *FitResult) Residual(s Sample) float64 {
	d := s.Value - r.Function.Eval(s.X, s.Y)
	return d * d * s.weight()
}

// ReducedChi2 is Chi2/DOF, or +Inf when the fit has no spare degrees of
// freedom.
func (r *FitResult) ReducedChi2() float64 {
	if r.DOF <= 0 {
		return math.Inf(1)
	}
	return r.Chi2 / float64(r.DOF)
}

// ComputeAt returns the function value at (x, y) and its propagated
// uncertainty sqrt(tᵀ C t), t being the basis terms at that position.
func (r *FitResult) ComputeAt(x, y float64) (float64, float64) {
	t := mat.NewVecDense(r.Function.NumTerms(), r.Function.Terms(x, y, nil))
	value := r.Function.Eval(x, y)
	if r.Cov == nil {
		return value, 0
	}
	variance := mat.Inner(t, r.Cov, t)
	if variance < 0 {
		return value, 0
	}
	return value, math.Sqrt(variance)
}

package lsq

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
)

// Problem is a non-linear least-squares problem: minimise Σ r_k(p)².
type Problem interface {
	NumResiduals() int
	NumParams() int
	// Evaluate fills r with the residuals at p. When jac is non-nil it is
	// NumResiduals x NumParams and receives dr/dp.
	Evaluate(p, r []float64, jac *mat.Dense)
}

// LMSettings controls LevenbergMarquardt. Lower, Upper and Scale are
// optional; when set they must have one entry per parameter.
type LMSettings struct {
	Tolerance     float64
	MaxIterations int
	Lower         []float64
	Upper         []float64
	Scale         []float64
}

// LMResult is the outcome of a Levenberg-Marquardt run.
type LMResult struct {
	X          []float64
	Cost       float64
	Iterations int
	Converged  bool
}

// LevenbergMarquardt minimises the problem starting from x0. It stops when
// the relative cost improvement of an accepted step drops below Tolerance,
// when the gradient is negligible, or after MaxIterations.
func LevenbergMarquardt(prob Problem, x0 []float64, s LMSettings) (*LMResult, error) {
	n := prob.NumParams()
	m := prob.NumResiduals()
	if len(x0) != n {
		return nil, fmt.Errorf("%w: %d starting values for %d parameters", fiterr.ErrConfiguration, len(x0), n)
	}
	if m < n {
		return nil, fmt.Errorf("%w: %d residuals for %d parameters", fiterr.ErrInsufficientData, m, n)
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = 200
	}

	x := make([]float64, n)
	copy(x, x0)
	for j := 0; j < n; j++ {
		x[j] = clampParam(x[j], j, s)
	}

	fi := make([]float64, m)
	fiNew := make([]float64, m)
	jac := mat.NewDense(m, n, nil)
	prob.Evaluate(x, fi, jac)
	cost := sumOfSquares(fi)
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return nil, fmt.Errorf("%w: non-finite cost at starting point", fiterr.ErrNumerical)
	}

	lambda := 1e-3
	nu := 2.0

	var jtj mat.SymDense
	var jtf mat.VecDense
	a := mat.NewDense(n, n, nil)
	rhs := mat.NewVecDense(n, nil)
	var dx mat.VecDense
	xNew := make([]float64, n)

	res := &LMResult{X: x, Cost: cost}
	for iter := 0; iter < s.MaxIterations; iter++ {
		res.Iterations = iter + 1

		jtj.SymOuterK(1, jac.T())
		jtf.MulVec(jac.T(), mat.NewVecDense(m, fi))

		if mat.Norm(&jtf, 2) < s.Tolerance*cost || cost == 0 {
			res.Converged = true
			break
		}

		accepted := false
		for tries := 0; tries < 20; tries++ {
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					a.Set(i, j, jtj.At(i, j))
				}
				sc := 1.0
				if s.Scale != nil {
					sc = s.Scale[i]
				}
				a.Set(i, i, a.At(i, i)+lambda*math.Max(sc*sc, jtj.At(i, i)))
				rhs.SetVec(i, -jtf.AtVec(i))
			}

			if err := dx.SolveVec(a, rhs); err != nil {
				lambda *= nu
				continue
			}

			for j := 0; j < n; j++ {
				xNew[j] = clampParam(x[j]+dx.AtVec(j), j, s)
			}
			prob.Evaluate(xNew, fiNew, nil)
			costNew := sumOfSquares(fiNew)

			if costNew < cost {
				improvement := (cost - costNew) / cost
				copy(x, xNew)
				cost = costNew
				lambda = math.Max(lambda/3.0, 1e-15)
				nu = 2.0
				prob.Evaluate(x, fi, jac)
				accepted = true

				if improvement < s.Tolerance {
					res.Converged = true
				}
				break
			}
			lambda *= nu
			nu *= 2.0
			if lambda > 1e16 {
				break
			}
		}
		if !accepted || res.Converged {
			// No downhill step left: the current point is a minimum
			// within the damping limit.
			res.Converged = true
			break
		}
	}

	res.Cost = cost
	return res, nil
}

func clampParam(v float64, j int, s LMSettings) float64 {
	if s.Lower != nil && v < s.Lower[j] {
		return s.Lower[j]
	}
	if s.Upper != nil && v > s.Upper[j] {
		return s.Upper[j]
	}
	return v
}

func sumOfSquares(fi []float64) float64 {
	sum := 0.0
	for _, v := range fi {
		sum += v * v
	}
	return sum
}

// Package lsq holds the least-squares solvers shared by the spatial fits:
// weighted linear least squares through accumulated normal equations, and a
// bounded Levenberg-Marquardt for the non-linear joint fits.
package lsq

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
)

// maxCondition is the largest condition number accepted before a normal
// matrix is treated as singular.
const maxCondition = 1e15

// NormalEquations accumulates AᵀWA and AᵀWb one design row at a time, so
// the full design matrix never has to be materialised.
type NormalEquations struct {
	n    int
	rows int
	ata  *mat.SymDense
	atb  *mat.VecDense
	chol *mat.Cholesky
}

// NewNormalEquations returns an empty system in n unknowns.
func NewNormalEquations(n int) *NormalEquations {
	return &NormalEquations{
		n:   n,
		ata: mat.NewSymDense(n, nil),
		atb: mat.NewVecDense(n, nil),
	}
}

// AddRow adds one observation rhs ≈ row·x with the given weight
// (1/variance). Rows with a non-positive or non-finite weight are ignored.
func (ne *NormalEquations) AddRow(row []float64, rhs, weight float64) {
	if weight <= 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return
	}
	x := mat.NewVecDense(ne.n, row)
	ne.ata.SymRankOne(ne.ata, weight, x)
	ne.atb.AddScaledVec(ne.atb, weight*rhs, x)
	ne.rows++
	ne.chol = nil
}

// Rows is the number of rows accumulated so far.
func (ne *NormalEquations) Rows() int { return ne.rows }

// Unknowns is the size of the system.
func (ne *NormalEquations) Unknowns() int { return ne.n }

// Solve returns the weighted least-squares solution. It fails with
// ErrInsufficientData when there are fewer rows than unknowns and with
// ErrNumerical when the normal matrix is singular.
func (ne *NormalEquations) Solve() ([]float64, error) {
	if ne.rows < ne.n {
		return nil, fmt.Errorf("%w: %d observations for %d unknowns", fiterr.ErrInsufficientData, ne.rows, ne.n)
	}

	var x mat.VecDense
	var chol mat.Cholesky
	if ok := chol.Factorize(ne.ata); ok && chol.Cond() < maxCondition {
		if err := chol.SolveVecTo(&x, ne.atb); err == nil {
			ne.chol = &chol
			return vecToSlice(&x), nil
		}
	}

	// Cholesky can fail on a semi-definite matrix that LU with pivoting
	// still solves to within the condition limit.
	var lu mat.LU
	lu.Factorize(ne.ata)
	if err := lu.SolveVecTo(&x, false, ne.atb); err != nil {
		return nil, fmt.Errorf("%w: singular normal matrix: %v", fiterr.ErrNumerical, err)
	}
	if lu.Cond() >= maxCondition {
		return nil, fmt.Errorf("%w: ill-conditioned normal matrix (cond=%g)", fiterr.ErrNumerical, lu.Cond())
	}
	return vecToSlice(&x), nil
}

// Covariance returns (AᵀWA)⁻¹, the covariance of the solution when the
// weights are inverse variances.
func (ne *NormalEquations) Covariance() (*mat.SymDense, error) {
	chol := ne.chol
	if chol == nil {
		chol = &mat.Cholesky{}
		if ok := chol.Factorize(ne.ata); !ok {
			return nil, fmt.Errorf("%w: normal matrix is not positive definite", fiterr.ErrNumerical)
		}
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return nil, fmt.Errorf("%w: inverting normal matrix: %v", fiterr.ErrNumerical, err)
	}
	return &cov, nil
}

func vecToSlice(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}

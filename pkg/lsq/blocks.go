package lsq

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
)

// BlockProblem is a least-squares problem whose residuals fall into
// blocks of equal size. Every block depends on the shared global
// parameters and on one local parameter of its own, so the normal matrix
// is arrow shaped and the locals can be eliminated block by block.
type BlockProblem interface {
	NumGlobal() int
	NumBlocks() int
	// BlockSize is the number of residuals of every block.
	BlockSize() int
	// EvaluateBlock fills r with the residuals of block b. When jg is
	// non-nil it is BlockSize x NumGlobal and receives dr/dglobal, and jl
	// receives dr/dlocal.
	EvaluateBlock(b int, global []float64, local float64, r []float64, jg *mat.Dense, jl []float64)
}

// BlockResult is the outcome of LevenbergMarquardtBlocks.
type BlockResult struct {
	Global     []float64
	Local      []float64
	Cost       float64
	Iterations int
	Converged  bool
}

// LevenbergMarquardtBlocks minimises a BlockProblem with the same damping
// and stopping rules as LevenbergMarquardt. The Jacobian is never formed:
// each block adds its part of the normal equations, and the local
// parameters are eliminated through the Schur complement, so memory grows
// linearly with the number of blocks. Lower, Upper and Scale are ignored.
func LevenbergMarquardtBlocks(prob BlockProblem, g0, l0 []float64, s LMSettings) (*BlockResult, error) {
	ng, nb, bs := prob.NumGlobal(), prob.NumBlocks(), prob.BlockSize()
	if ng <= 0 {
		return nil, fmt.Errorf("%w: block problem without global parameters", fiterr.ErrConfiguration)
	}
	if len(g0) != ng || len(l0) != nb {
		return nil, fmt.Errorf("%w: %d/%d starting values for %d global and %d local parameters",
			fiterr.ErrConfiguration, len(g0), len(l0), ng, nb)
	}
	if nb*bs < ng+nb {
		return nil, fmt.Errorf("%w: %d residuals for %d parameters", fiterr.ErrInsufficientData, nb*bs, ng+nb)
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = 200
	}

	g := append([]float64(nil), g0...)
	l := append([]float64(nil), l0...)

	r := make([]float64, bs)
	jl := make([]float64, bs)
	jg := mat.NewDense(bs, ng, nil)
	rv := mat.NewVecDense(bs, r)
	jlv := mat.NewVecDense(bs, jl)
	tmp := mat.NewVecDense(ng, nil)

	u := mat.NewSymDense(ng, nil)
	gg := mat.NewVecDense(ng, nil)
	w := mat.NewDense(nb, ng, nil)
	v := make([]float64, nb)
	gl := make([]float64, nb)

	linearize := func() float64 {
		u.Zero()
		gg.Zero()
		cost := 0.0
		for b := 0; b < nb; b++ {
			prob.EvaluateBlock(b, g, l[b], r, jg, jl)
			cost += sumOfSquares(r)
			u.SymRankK(u, 1, jg.T())
			tmp.MulVec(jg.T(), rv)
			gg.AddVec(gg, tmp)
			tmp.MulVec(jg.T(), jlv)
			w.SetRow(b, tmp.RawVector().Data)
			v[b] = floats.Dot(jl, jl)
			gl[b] = floats.Dot(jl, r)
		}
		return cost
	}
	costAt := func(gt, lt []float64) float64 {
		cost := 0.0
		for b := 0; b < nb; b++ {
			prob.EvaluateBlock(b, gt, lt[b], r, nil, nil)
			cost += sumOfSquares(r)
		}
		return cost
	}

	cost := linearize()
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return nil, fmt.Errorf("%w: non-finite cost at starting point", fiterr.ErrNumerical)
	}

	lambda := 1e-3
	nu := 2.0

	schur := mat.NewSymDense(ng, nil)
	rhs := mat.NewVecDense(ng, nil)
	vd := make([]float64, nb)
	var dg mat.VecDense
	gNew := make([]float64, ng)
	lNew := make([]float64, nb)

	res := &BlockResult{Global: g, Local: l, Cost: cost}
	for iter := 0; iter < s.MaxIterations; iter++ {
		res.Iterations = iter + 1

		grad := mat.Dot(gg, gg) + floats.Dot(gl, gl)
		if math.Sqrt(grad) < s.Tolerance*cost || cost == 0 {
			res.Converged = true
			break
		}

		accepted := false
		for tries := 0; tries < 20; tries++ {
			schur.CopySym(u)
			for i := 0; i < ng; i++ {
				d := u.At(i, i)
				schur.SetSym(i, i, d+lambda*math.Max(1, d))
			}
			rhs.ScaleVec(-1, gg)
			for b := 0; b < nb; b++ {
				vd[b] = v[b] + lambda*math.Max(1, v[b])
				wb := w.RowView(b)
				schur.SymRankOne(schur, -1/vd[b], wb)
				rhs.AddScaledVec(rhs, gl[b]/vd[b], wb)
			}

			if err := dg.SolveVec(schur, rhs); err != nil {
				lambda *= nu
				continue
			}

			for j := 0; j < ng; j++ {
				gNew[j] = g[j] + dg.AtVec(j)
			}
			for b := 0; b < nb; b++ {
				dl := (-gl[b] - mat.Dot(w.RowView(b), &dg)) / vd[b]
				lNew[b] = l[b] + dl
			}
			costNew := costAt(gNew, lNew)

			if costNew < cost {
				improvement := (cost - costNew) / cost
				copy(g, gNew)
				copy(l, lNew)
				lambda = math.Max(lambda/3.0, 1e-15)
				nu = 2.0
				cost = linearize()
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
			res.Converged = true
			break
		}
	}

	res.Cost = cost
	return res, nil
}

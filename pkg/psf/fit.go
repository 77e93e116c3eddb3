package psf

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
	"github.com/wmwv/meas-algorithms/pkg/lsq"
	"github.com/wmwv/meas-algorithms/pkg/spatial"
	"github.com/wmwv/meas-algorithms/pkg/spatialcell"
)

// FitOptions controls FitSpatial.
type FitOptions struct {
	NonLinear bool
	// RankingCap bounds how many candidates per cell enter the spatial fit.
	// Zero or negative means no cap.
	RankingCap  int
	Tolerance   float64
	Order       int
	Style       spatial.Style
	Bounds      spatial.Bounds
	BorderWidth int
}

// FitResult summarises one spatial fit.
type FitResult struct {
	// Chi2 is the mean reduced chi-squared of the spatial-fit candidates.
	Chi2 float64
	// NumFit is the number of candidates the spatial fit used.
	NumFit int
	// Iterations is the number of non-linear iterations, zero for the
	// linear path.
	Iterations int
}

type fitCandidate struct {
	idx   int
	prep  prepared
	terms []float64
	amp   float64
}

// FitSpatial fits how the coefficient of every basis image varies across
// the field, then re-solves the amplitude and residual of every candidate
// in the set against the fitted model.
//
// The linear path keeps candidate amplitudes fixed and solves one weighted
// least-squares system for all spatial coefficients. The non-linear path
// starts from that solution and refines coefficients and amplitudes
// together with Levenberg-Marquardt, holding the constant term of the first
// component fixed to pin the overall scale.
//
// A candidate that cannot be evaluated gets Chi2 = -1.
func FitSpatial(basis *Basis, cs *spatialcell.CellSet[Cutout], opts FitOptions) (*Model, *FitResult, error) {
	nComp := len(basis.Images)
	if nComp == 0 {
		return nil, nil, fmt.Errorf("%w: empty basis", fiterr.ErrInsufficientData)
	}
	proto, err := spatial.New(opts.Style, opts.Order, opts.Bounds)
	if err != nil {
		return nil, nil, err
	}
	nTerms := proto.NumTerms()
	width := basis.Width

	var cands []fitCandidate
	for _, idx := range cs.Select(opts.RankingCap) {
		if cs.Malformed(idx) {
			continue
		}
		c := cs.At(idx)
		p := prepare(c.Data, width, opts.BorderWidth)
		if !p.ok {
			continue
		}
		amp := c.Amplitude
		if !(amp > 0) || math.IsInf(amp, 0) {
			amp = p.sum
		}
		if !(amp > 0) || math.IsInf(amp, 0) {
			continue
		}
		cands = append(cands, fitCandidate{
			idx:   idx,
			prep:  p,
			terms: proto.Terms(c.X, c.Y, nil),
			amp:   amp,
		})
	}
	if len(cands) < nTerms {
		return nil, nil, fmt.Errorf("%w: %d candidates for a spatial function with %d terms",
			fiterr.ErrInsufficientData, len(cands), nTerms)
	}

	coeffs, err := solveLinear(basis, cands, nTerms)
	if err != nil {
		return nil, nil, fmt.Errorf("linear spatial fit: %w", err)
	}

	res := &FitResult{NumFit: len(cands)}
	// With a single coefficient there is nothing left to refine once a_00
	// is fixed; the amplitudes are re-solved below.
	if opts.NonLinear && len(coeffs) > 1 {
		prob := newJointProblem(basis, cands, nTerms, coeffs[0])
		g0, l0 := prob.start(coeffs)
		lm, err := lsq.LevenbergMarquardtBlocks(prob, g0, l0, lsq.LMSettings{Tolerance: opts.Tolerance})
		if err != nil {
			return nil, nil, fmt.Errorf("non-linear spatial fit: %w", err)
		}
		coeffs = prob.coefficients(lm.Global)
		res.Iterations = lm.Iterations
	}

	model := &Model{
		Width:   width,
		Basis:   basis.Images,
		Spatial: make([]*spatial.Function, nComp),
	}
	for k := 0; k < nComp; k++ {
		f := *proto
		f.Coeffs = append([]float64(nil), coeffs[k*nTerms:(k+1)*nTerms]...)
		if !f.IsFinite() {
			return nil, nil, fmt.Errorf("%w: non-finite spatial coefficients for component %d", fiterr.ErrNumerical, k)
		}
		model.Spatial[k] = &f
	}

	if err := computeResiduals(model, cs, opts.BorderWidth); err != nil {
		return nil, nil, err
	}

	dof := float64(width*width - 1)
	sum, n := 0.0, 0
	for _, fc := range cands {
		if chi2 := cs.At(fc.idx).Chi2; chi2 >= 0 {
			sum += chi2
			n++
		}
	}
	if n > 0 {
		res.Chi2 = sum / (float64(n) * dof)
	}
	return model, res, nil
}

// solveLinear fits the coefficients a_kt of d_ip ≈ A_i Σ_kt a_kt f_t(x_i) B_kp
// with the amplitudes A_i held fixed.
func solveLinear(basis *Basis, cands []fitCandidate, nTerms int) ([]float64, error) {
	nComp := len(basis.Images)
	ne := lsq.NewNormalEquations(nComp * nTerms)
	row := make([]float64, nComp*nTerms)
	for _, fc := range cands {
		for p, d := range fc.prep.data {
			iv := fc.prep.invVar[p]
			if iv == 0 {
				continue
			}
			for k, b := range basis.Images {
				for t, f := range fc.terms {
					row[k*nTerms+t] = fc.amp * f * b[p]
				}
			}
			ne.AddRow(row, d, iv)
		}
	}
	return ne.Solve()
}

// jointProblem is the non-linear fit of spatial coefficients and
// amplitudes. The global parameters are the coefficients without a_00;
// every candidate is one block whose local parameter is its amplitude.
type jointProblem struct {
	basis  *Basis
	cands  []fitCandidate
	nTerms int
	a00    float64
	npix   int
}

func newJointProblem(basis *Basis, cands []fitCandidate, nTerms int, a00 float64) *jointProblem {
	return &jointProblem{
		basis:  basis,
		cands:  cands,
		nTerms: nTerms,
		a00:    a00,
		npix:   basis.Width * basis.Width,
	}
}

func (jp *jointProblem) nCoeffs() int { return len(jp.basis.Images)*jp.nTerms - 1 }

func (jp *jointProblem) NumGlobal() int { return jp.nCoeffs() }
func (jp *jointProblem) NumBlocks() int { return len(jp.cands) }
func (jp *jointProblem) BlockSize() int { return jp.npix }

func (jp *jointProblem) start(coeffs []float64) (global, local []float64) {
	global = append([]float64(nil), coeffs[1:]...)
	local = make([]float64, len(jp.cands))
	for i, fc := range jp.cands {
		local[i] = fc.amp
	}
	return global, local
}

func (jp *jointProblem) coefficients(global []float64) []float64 {
	out := make([]float64, jp.nCoeffs()+1)
	out[0] = jp.a00
	copy(out[1:], global)
	return out
}

func (jp *jointProblem) EvaluateBlock(b int, global []float64, amp float64, r []float64, jg *mat.Dense, jl []float64) {
	fc := jp.cands[b]
	coeff := func(j int) float64 {
		if j == 0 {
			return jp.a00
		}
		return global[j-1]
	}

	weights := make([]float64, len(jp.basis.Images))
	for k := range weights {
		for t, f := range fc.terms {
			weights[k] += coeff(k*jp.nTerms+t) * f
		}
	}

	for p := 0; p < jp.npix; p++ {
		m := 0.0
		for k, img := range jp.basis.Images {
			m += weights[k] * img[p]
		}
		s := math.Sqrt(fc.prep.invVar[p])
		r[p] = (amp*m - fc.prep.data[p]) * s
		if jg == nil {
			continue
		}
		for k, img := range jp.basis.Images {
			for t, f := range fc.terms {
				j := k*jp.nTerms + t
				if j == 0 {
					continue
				}
				jg.Set(p, j-1, amp*f*img[p]*s)
			}
		}
		jl[p] = m * s
	}
}

// computeResiduals re-solves the amplitude of every candidate against the
// model at its position and records its raw chi-squared. Candidates with a
// malformed position get Chi2 = -1 without touching the model. Each worker
// only writes its own candidate.
func computeResiduals(model *Model, cs *spatialcell.CellSet[Cutout], border int) error {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i := 0; i < cs.Len(); i++ {
		c := cs.At(i)
		malformed := cs.Malformed(i) || !finite(c.X) || !finite(c.Y)
		g.Go(func() error {
			if malformed {
				c.Chi2 = -1
				return nil
			}
			p := prepare(c.Data, model.Width, border)
			if !p.ok {
				c.Chi2 = -1
				return nil
			}
			m := model.realize(c.X, c.Y, nil)

			num, den := 0.0, 0.0
			for k, d := range p.data {
				num += d * m[k] * p.invVar[k]
				den += m[k] * m[k] * p.invVar[k]
			}
			if math.IsNaN(den) || math.IsInf(den, 0) {
				return fmt.Errorf("%w: model is not finite at (%.1f, %.1f)", fiterr.ErrNumerical, c.X, c.Y)
			}
			if den <= 0 {
				c.Chi2 = -1
				return nil
			}

			amp := num / den
			chi2 := 0.0
			for k, d := range p.data {
				diff := d - amp*m[k]
				chi2 += diff * diff * p.invVar[k]
			}
			c.Amplitude = amp
			c.Chi2 = chi2
			return nil
		})
	}
	return g.Wait()
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Package psf estimates a spatially varying point-spread function from
// candidate star cutouts: a principal-component basis whose coefficients
// are low-order functions of field position, refined over several passes
// that reject candidates the model cannot describe.
package psf

import (
	"context"
	"fmt"
	"image"
	"math"
	"slices"

	"go.uber.org/zap"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
	"github.com/wmwv/meas-algorithms/pkg/quality"
	"github.com/wmwv/meas-algorithms/pkg/spatial"
	"github.com/wmwv/meas-algorithms/pkg/spatialcell"
)

// Threshold is the reduced chi-squared above which a candidate is rejected
// at iteration iter. It starts at maxIterations times the base threshold
// and tightens to the base threshold on the last pass.
func Threshold(reducedChi2Threshold float64, maxIterations, iter int) float64 {
	return reducedChi2Threshold * float64(maxIterations) / float64(iter+1)
}

// Classify maps the raw chi-squared of a candidate to its status for
// iteration iter. A negative value flags a candidate that could not be
// evaluated.
func Classify(chi2 float64, dof, iter int, cfg Config) spatialcell.Status {
	r := chi2 / float64(dof)
	if r < 0 || math.IsNaN(r) || r > Threshold(cfg.ReducedChi2Threshold, cfg.MaxIterations, iter) {
		return spatialcell.StatusBad
	}
	return spatialcell.StatusUnknown
}

// Result is the outcome of a PSF determination.
type Result struct {
	Model *Model
	// Chi2 is the mean reduced chi-squared of the last spatial fit.
	Chi2       float64
	Iterations int
	LowOrder   bool
	Good       int
	Available  int
	Ratings    []quality.Rating
}

// Determiner runs the iterative PSF fit.
type Determiner struct {
	cfg       Config
	logger    *zap.Logger
	observers []Observer
}

// Option configures a Determiner.
type Option func(*Determiner)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(d *Determiner) { d.logger = l }
}

// WithObserver adds an observer called after every iteration.
func WithObserver(o Observer) Option {
	return func(d *Determiner) { d.observers = append(d.observers, o) }
}

// NewDeterminer validates cfg and returns a Determiner.
func NewDeterminer(cfg Config, opts ...Option) (*Determiner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Determiner{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Config returns the configuration of d.
func (d *Determiner) Config() Config { return d.cfg }

// Determine fits a PSF model to the candidates of cs, updating their
// amplitude, residual and status in place. On return the candidates each
// cell retains are GOOD. Any failure aborts the whole session and no model
// is returned.
func (d *Determiner) Determine(ctx context.Context, cs *spatialcell.CellSet[Cutout]) (*Result, error) {
	cfg := d.cfg
	dof := cfg.DOF()
	nTerms := spatial.NumTerms(cfg.SpatialOrder)

	usable := cs.CountUsable()
	if usable < cfg.NEigenComponents || usable < nTerms {
		return nil, fmt.Errorf("%w: %d usable candidates for %d components and %d spatial terms",
			fiterr.ErrInsufficientData, usable, cfg.NEigenComponents, nTerms)
	}

	fitOpts := FitOptions{
		NonLinear:   cfg.NonLinearSpatialFit,
		RankingCap:  cfg.NStarPerCellSpatialFit,
		Tolerance:   cfg.Tolerance,
		Order:       cfg.SpatialOrder,
		Style:       cfg.SpatialStyle,
		Bounds:      fieldBounds(cs.Bounds()),
		BorderWidth: cfg.BorderWidth,
	}
	basisOpts := BasisOptions{
		Width:          cfg.CutoutSize,
		BorderWidth:    cfg.BorderWidth,
		ConstantWeight: cfg.ConstantWeight,
	}

	var (
		model    *Model
		fit      *FitResult
		lowOrder bool
		prevBad  []bool
		iter     int
	)
	for iter = 0; iter < cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		basis, err := EstimateBasis(cs, cfg.NEigenComponents, cfg.NStarPerCell, basisOpts)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: estimating basis: %w", iter, err)
		}
		lowOrder = basis.LowOrder
		if lowOrder {
			d.logger.Warn("basis has fewer components than requested",
				zap.Int("iteration", iter),
				zap.Int("components", len(basis.Images)),
				zap.Int("requested", cfg.NEigenComponents))
		}

		if iter == 0 && cfg.WarmStart && !cfg.NonLinearSpatialFit {
			warmStart(cs, cfg.CutoutSize, cfg.BorderWidth)
		}

		model, fit, err = FitSpatial(basis, cs, fitOpts)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: spatial fit: %w", iter, err)
		}
		model.EigenValues = make([]float64, len(basis.EigenValues))
		for k, l := range basis.EigenValues {
			model.EigenValues[k] = l / float64(basis.Selected*dof)
		}

		bad := make([]bool, cs.Len())
		nBad := 0
		for i := range bad {
			c := cs.At(i)
			c.Status = Classify(c.Chi2, dof, iter, cfg)
			if c.Status == spatialcell.StatusBad {
				bad[i] = true
				nBad++
			}
		}

		d.logger.Debug("psf pass complete",
			zap.Int("iteration", iter),
			zap.Float64("chi2", fit.Chi2),
			zap.Int("fit_candidates", fit.NumFit),
			zap.Int("lm_iterations", fit.Iterations),
			zap.Int("bad", nBad))

		d.notify(IterationState{
			Iteration:   iter,
			Threshold:   Threshold(cfg.ReducedChi2Threshold, cfg.MaxIterations, iter),
			Chi2:        fit.Chi2,
			Model:       model,
			EigenValues: model.EigenValues,
			LowOrder:    lowOrder,
			Candidates:  cs.Candidates(),
			Cells:       cs.Cells(),
			NumBad:      nBad,
		})

		if cfg.StopWhenStable && prevBad != nil && slices.Equal(bad, prevBad) {
			iter++
			break
		}
		prevBad = bad
	}

	cs.MarkGood(cfg.NStarPerCell)
	good, available := cs.Count()

	return &Result{
		Model:      model,
		Chi2:       fit.Chi2,
		Iterations: iter,
		LowOrder:   lowOrder,
		Good:       good,
		Available:  available,
		Ratings:    quality.Summarize(quality.PrefixPSF, good, available, fit.Chi2, lowOrder),
	}, nil
}

// warmStart seeds every amplitude with the background-subtracted flux of
// the candidate's cutout.
func warmStart(cs *spatialcell.CellSet[Cutout], width, border int) {
	for i := 0; i < cs.Len(); i++ {
		c := cs.At(i)
		if p := prepare(c.Data, width, border); p.ok {
			c.Amplitude = p.sum
		}
	}
}

func (d *Determiner) notify(s IterationState) {
	for _, o := range d.observers {
		o.OnIteration(s)
	}
}

// fieldBounds maps the pixel rectangle of the field to the domain of the
// spatial functions.
func fieldBounds(r image.Rectangle) spatial.Bounds {
	return spatial.Bounds{
		XMin: float64(r.Min.X),
		XMax: float64(r.Max.X),
		YMin: float64(r.Min.Y),
		YMax: float64(r.Max.Y),
	}
}

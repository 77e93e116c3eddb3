// Package apcorr fits the aperture correction of an exposure: the ratio of
// a target flux measurement to a reference one as a smooth function of
// field position, with iterative sigma clipping of discrepant stars.
package apcorr

import (
	"context"
	"fmt"
	"math"
	"slices"

	"go.uber.org/zap"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
	"github.com/wmwv/meas-algorithms/pkg/quality"
	"github.com/wmwv/meas-algorithms/pkg/spatial"
	"github.com/wmwv/meas-algorithms/pkg/spatialcell"
)

// Correction is a fitted aperture correction.
type Correction struct {
	Reference, Target Key
	Fit               *spatial.FitResult
	// Chi2 is the reduced chi-squared of the final fit.
	Chi2       float64
	Iterations int
	Good       int
	Available  int
	Ratings    []quality.Rating
}

// ComputeAt returns the correction at (x, y) and its uncertainty.
func (c *Correction) ComputeAt(x, y float64) (float64, float64) {
	return c.Fit.ComputeAt(x, y)
}

// Corrector fits aperture corrections.
type Corrector struct {
	cfg    Config
	logger *zap.Logger
}

// Option configures a Corrector.
type Option func(*Corrector)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Corrector) { c.logger = l }
}

// NewCorrector validates cfg and returns a Corrector.
func NewCorrector(cfg Config, opts ...Option) (*Corrector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Corrector{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ratio returns target/reference for one candidate and its uncertainty
// under the configured policy. ok is false when the candidate lacks a
// usable pair of measurements.
func (c *Corrector) Ratio(p Photometry) (ratio, sigma float64, ok bool) {
	ref, okRef := p[c.cfg.Reference()]
	tgt, okTgt := p[c.cfg.Target()]
	if !okRef || !okTgt || !usable(ref) || !usable(tgt) {
		return 0, 0, false
	}

	ratio = tgt.Flux / ref.Flux
	er, et := ref.FluxErr/ref.Flux, tgt.FluxErr/tgt.Flux
	switch c.cfg.ErrorPolicy {
	case ErrorQuadrature:
		sigma = ratio * math.Hypot(er, et)
	default:
		sigma = ratio * (er + et)
	}
	if !(sigma > 0) || math.IsInf(sigma, 0) {
		return 0, 0, false
	}
	return ratio, sigma, true
}

func usable(m Measurement) bool {
	return m.Flux > 0 && !math.IsInf(m.Flux, 0) && m.FluxErr >= 0 && !math.IsInf(m.FluxErr, 0)
}

// selected reports whether the reference flux passes the flux limits.
func (c *Corrector) selected(p Photometry) bool {
	ref := p[c.cfg.Reference()]
	if ref.Flux < c.cfg.MinFlux {
		return false
	}
	return c.cfg.MaxFlux <= 0 || ref.Flux <= c.cfg.MaxFlux
}

// Fit fits the correction to the candidates of cs, updating their residual
// and status in place. Candidates that are BAD on entry, lack a usable flux
// pair, or fail star selection when it is enabled stay BAD throughout.
func (c *Corrector) Fit(ctx context.Context, cs *spatialcell.CellSet[Photometry]) (*Correction, error) {
	cfg := c.cfg
	nTerms := spatial.NumTerms(cfg.PolynomialOrder)
	bounds := spatial.Bounds{
		XMin: float64(cs.Bounds().Min.X),
		XMax: float64(cs.Bounds().Max.X),
		YMin: float64(cs.Bounds().Min.Y),
		YMax: float64(cs.Bounds().Max.Y),
	}

	samples := make([]spatial.Sample, cs.Len())
	valid := make([]bool, cs.Len())
	nValid := 0
	for i := range samples {
		cand := cs.At(i)
		ratio, sigma, ok := c.Ratio(cand.Data)
		if ok && cfg.DoStarSelection && !c.selected(cand.Data) {
			ok = false
		}
		if !ok || cand.Status == spatialcell.StatusBad || cs.Malformed(i) {
			cand.Status = spatialcell.StatusBad
			cand.Chi2 = -1
			continue
		}
		samples[i] = spatial.Sample{X: cand.X, Y: cand.Y, Value: ratio, Sigma: sigma}
		valid[i] = true
		nValid++
	}
	if nValid < nTerms {
		return nil, fmt.Errorf("%w: %d usable candidates for an order %d correction",
			fiterr.ErrInsufficientData, nValid, cfg.PolynomialOrder)
	}

	var (
		fit     *spatial.FitResult
		prevBad []bool
		iter    int
	)
	for iter = 0; iter < cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sel := cs.Select(cfg.NStarPerCell)
		used := make([]spatial.Sample, 0, len(sel))
		for _, idx := range sel {
			used = append(used, samples[idx])
		}

		var err error
		fit, err = spatial.Fit(cfg.PolynomialStyle, cfg.PolynomialOrder, bounds, used)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", iter, err)
		}

		// The clip never tightens below nSigma.
		limit := cfg.NSigmaClip * cfg.NSigmaClip * math.Max(fit.ReducedChi2(), 1)
		bad := make([]bool, cs.Len())
		nBad := 0
		for i := range bad {
			cand := cs.At(i)
			if !valid[i] {
				bad[i] = true
				nBad++
				continue
			}
			cand.Chi2 = fit.Residual(samples[i])
			cand.Status = spatialcell.StatusUnknown
			if cand.Chi2 > limit {
				cand.Status = spatialcell.StatusBad
				bad[i] = true
				nBad++
			}
		}

		c.logger.Debug("aperture correction pass",
			zap.Int("iteration", iter),
			zap.Int("used", len(used)),
			zap.Float64("reduced_chi2", fit.ReducedChi2()),
			zap.Float64("limit", limit),
			zap.Int("bad", nBad))

		if prevBad != nil && slices.Equal(bad, prevBad) {
			iter++
			break
		}
		prevBad = bad
	}

	cs.MarkGood(cfg.NStarPerCell)
	good, available := cs.Count()
	chi2 := fit.ReducedChi2()

	c.logger.Info("aperture correction fitted",
		zap.Stringer("reference", cfg.Reference()),
		zap.Stringer("target", cfg.Target()),
		zap.Int("good", good),
		zap.Int("available", available),
		zap.Float64("reduced_chi2", chi2))

	return &Correction{
		Reference:  cfg.Reference(),
		Target:     cfg.Target(),
		Fit:        fit,
		Chi2:       chi2,
		Iterations: iter,
		Good:       good,
		Available:  available,
		Ratings:    quality.Summarize(quality.PrefixApCorr, good, available, chi2, false),
	}, nil
}

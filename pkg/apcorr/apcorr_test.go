package apcorr

import (
	"context"
	"errors"
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
	"github.com/wmwv/meas-algorithms/pkg/spatialcell"
)

const (
	field    = 256
	aperture = 3.0
	refFlux  = 1e4
)

func apCorrTheory(sigma, r float64) float64 {
	return 1.0 - math.Exp(-r*r/(2.0*sigma*sigma))
}

func sigmaAt(x, _ float64) float64 { return 1.4 + 0.2*x/field }

func measured(ref, tgt float64) Photometry {
	p := make(Photometry)
	p.Set(AlgorithmPSF, 0, Measurement{Flux: ref, FluxErr: math.Sqrt(ref)})
	p.Set(AlgorithmNaive, aperture, Measurement{Flux: tgt, FluxErr: math.Sqrt(tgt)})
	return p
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReferenceAlgorithm = AlgorithmPSF
	cfg.TargetAlgorithm = AlgorithmNaive
	cfg.TargetRadius = aperture
	cfg.PolynomialOrder = 2
	cfg.DoStarSelection = true
	cfg.MinFlux = 100
	return cfg
}

// gridCandidates returns a 7x7 grid of stars plus one faint star. The
// centre star has half the target flux it should.
func gridCandidates() []spatialcell.Candidate[Photometry] {
	var cands []spatialcell.Candidate[Photometry]
	id := 0
	for j := 0; j < 7; j++ {
		for i := 0; i < 7; i++ {
			x := field * (float64(i) + 0.5) / 7
			y := field * (float64(j) + 0.5) / 7
			tgt := refFlux * apCorrTheory(sigmaAt(x, y), aperture)
			if id == 24 {
				tgt /= 2
			}
			cands = append(cands, spatialcell.Candidate[Photometry]{
				ID: id, X: x, Y: y, Rank: refFlux, Data: measured(refFlux, tgt),
			})
			id++
		}
	}
	cands = append(cands, spatialcell.Candidate[Photometry]{
		ID: id, X: 30, Y: 200, Rank: 50, Data: measured(50, 50*apCorrTheory(sigmaAt(30, 200), aperture)),
	})
	return cands
}

func gridSet(t *testing.T) *spatialcell.CellSet[Photometry] {
	t.Helper()
	cs, err := spatialcell.Assign(gridCandidates(), image.Rect(0, 0, field, field), 64, 64)
	require.NoError(t, err)
	return cs
}

func TestParseAlgorithm(t *testing.T) {
	t.Parallel()

	for _, a := range []Algorithm{AlgorithmPSF, AlgorithmNaive, AlgorithmSinc, AlgorithmGaussian} {
		got, err := ParseAlgorithm(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	got, err := ParseAlgorithm("sinc")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmSinc, got)

	_, err = ParseAlgorithm("kron")
	assert.True(t, errors.Is(err, fiterr.ErrConfiguration))

	assert.Equal(t, NewKey(AlgorithmPSF, 0), NewKey(AlgorithmPSF, 5))
	assert.NotEqual(t, NewKey(AlgorithmSinc, 3), NewKey(AlgorithmSinc, 5))
}

func TestEnumStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Algorithm(42)", Algorithm(42).String())
	assert.Equal(t, "ErrorPolicy(9)", ErrorPolicy(9).String())
	assert.Equal(t, "quadrature", ErrorQuadrature.String())
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())
	for name, mutate := range map[string]func(*Config){
		"order":      func(c *Config) { c.PolynomialOrder = -1 },
		"iterations": func(c *Config) { c.MaxIterations = 0 },
		"clip":       func(c *Config) { c.NSigmaClip = 0 },
		"radius":     func(c *Config) { c.TargetRadius = 0 },
		"same":       func(c *Config) { c.TargetAlgorithm = AlgorithmPSF },
		"flux":       func(c *Config) { c.MinFlux, c.MaxFlux = 10, 5 },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.True(t, errors.Is(cfg.Validate(), fiterr.ErrConfiguration), name)
	}
}

func TestRatioErrorPolicies(t *testing.T) {
	t.Parallel()

	p := make(Photometry)
	p.Set(AlgorithmPSF, 0, Measurement{Flux: 100, FluxErr: 3})
	p.Set(AlgorithmNaive, aperture, Measurement{Flux: 80, FluxErr: 4})

	cfg := testConfig()
	c, err := NewCorrector(cfg)
	require.NoError(t, err)
	ratio, sigma, ok := c.Ratio(p)
	require.True(t, ok)
	assert.InDelta(t, 0.8, ratio, 1e-12)
	assert.InDelta(t, 0.8*(0.03+0.05), sigma, 1e-12)

	cfg.ErrorPolicy = ErrorQuadrature
	c, err = NewCorrector(cfg)
	require.NoError(t, err)
	_, sigma, ok = c.Ratio(p)
	require.True(t, ok)
	assert.InDelta(t, 0.8*math.Hypot(0.03, 0.05), sigma, 1e-12)

	delete(p, NewKey(AlgorithmNaive, aperture))
	_, _, ok = c.Ratio(p)
	assert.False(t, ok)
}

func TestScenarioKnownApertureCorrection(t *testing.T) {
	t.Parallel()

	cs := gridSet(t)
	c, err := NewCorrector(testConfig())
	require.NoError(t, err)

	ac, err := c.Fit(context.Background(), cs)
	require.NoError(t, err)

	assert.Equal(t, spatialcell.StatusBad, cs.At(24).Status, "outlier")
	assert.Equal(t, spatialcell.StatusBad, cs.At(49).Status, "faint star")
	assert.Equal(t, 48, ac.Good)
	assert.Equal(t, 50, ac.Available)

	for i := 0; i < 49; i++ {
		if i == 24 {
			continue
		}
		cand := cs.At(i)
		assert.Equal(t, spatialcell.StatusGood, cand.Status, "candidate %d", i)

		want := apCorrTheory(sigmaAt(cand.X, cand.Y), aperture)
		_, measErr, ok := c.Ratio(cand.Data)
		require.True(t, ok)

		got, fitErr := ac.ComputeAt(cand.X, cand.Y)
		assert.Greater(t, fitErr, 0.0)
		assert.Less(t, math.Abs(got-want), 3*measErr, "candidate %d", i)
	}

	want := apCorrTheory(sigmaAt(128, 128), aperture)
	got, fitErr := ac.ComputeAt(128, 128)
	assert.Less(t, math.Abs(got-want), 3*fitErr)

	require.Len(t, ac.Ratings, 4)
	assert.Equal(t, "phot.apCorr.numAvailStars", ac.Ratings[2].Name)
	assert.Equal(t, 50.0, ac.Ratings[2].Value)
}

func TestFitInsufficientData(t *testing.T) {
	t.Parallel()

	cands := []spatialcell.Candidate[Photometry]{
		{ID: 0, X: 10, Y: 10, Data: measured(1000, 800)},
		{ID: 1, X: 100, Y: 10, Data: measured(1000, 800)},
		{ID: 2, X: 10, Y: 100, Data: Photometry{}},
	}
	cs, err := spatialcell.Assign(cands, image.Rect(0, 0, 128, 128), 64, 64)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.PolynomialOrder = 1
	c, err := NewCorrector(cfg)
	require.NoError(t, err)

	_, err = c.Fit(context.Background(), cs)
	assert.True(t, errors.Is(err, fiterr.ErrInsufficientData))
	assert.Equal(t, spatialcell.StatusBad, cs.At(2).Status)
}

func TestOutOfFieldCandidateStaysBad(t *testing.T) {
	t.Parallel()

	cands := gridCandidates()
	tgt := refFlux * apCorrTheory(sigmaAt(field, 128), aperture)
	cands = append(cands, spatialcell.Candidate[Photometry]{
		ID: len(cands), X: 2 * field, Y: 128, Rank: refFlux, Data: measured(refFlux, tgt),
	})
	cs, err := spatialcell.Assign(cands, image.Rect(0, 0, field, field), 64, 64)
	require.NoError(t, err)
	last := cs.Len() - 1
	require.True(t, cs.Malformed(last))

	// A caller clearing the status does not make the position usable.
	cs.At(last).Status = spatialcell.StatusUnknown

	c, err := NewCorrector(testConfig())
	require.NoError(t, err)
	ac, err := c.Fit(context.Background(), cs)
	require.NoError(t, err)

	assert.Equal(t, spatialcell.StatusBad, cs.At(last).Status)
	assert.Equal(t, -1.0, cs.At(last).Chi2)
	assert.Equal(t, 48, ac.Good)
	assert.Equal(t, 51, ac.Available)
}

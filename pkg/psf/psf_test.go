package psf

import (
	"context"
	"errors"
	"image"
	"math"
	"math/rand/v2"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
	"github.com/wmwv/meas-algorithms/pkg/spatialcell"
)

const (
	fieldSize = 128
	stampSize = 11
)

func gaussianCutout(width int, sigma, flux, dx, dy float64) Cutout {
	c := float64(width-1) / 2
	pix := make([]float64, width*width)
	for y := 0; y < width; y++ {
		for x := 0; x < width; x++ {
			rx, ry := float64(x)-c-dx, float64(y)-c-dy
			pix[y*width+x] = flux * math.Exp(-(rx*rx+ry*ry)/(2*sigma*sigma)) / (2 * math.Pi * sigma * sigma)
		}
	}
	return Cutout{Width: width, Pixels: pix, Variance: unitVariance(width)}
}

func unitVariance(width int) []float64 {
	v := make([]float64, width*width)
	for i := range v {
		v[i] = 1
	}
	return v
}

// gridCandidates places 25 candidates on a 5x5 grid; sigmaAt gives the PSF
// width at each position.
func gridCandidates(sigmaAt func(x, y float64) float64) []spatialcell.Candidate[Cutout] {
	var cands []spatialcell.Candidate[Cutout]
	id := 0
	for j := 0; j < 5; j++ {
		for i := 0; i < 5; i++ {
			x := fieldSize * (float64(i) + 0.5) / 5
			y := fieldSize * (float64(j) + 0.5) / 5
			flux := 1000 + 10*float64(id)
			cands = append(cands, spatialcell.Candidate[Cutout]{
				ID:   id,
				X:    x,
				Y:    y,
				Rank: flux,
				Data: gaussianCutout(stampSize, sigmaAt(x, y), flux, 0, 0),
			})
			id++
		}
	}
	return cands
}

func gridSet(t *testing.T, sigmaAt func(x, y float64) float64) *spatialcell.CellSet[Cutout] {
	t.Helper()
	cs, err := spatialcell.Assign(gridCandidates(sigmaAt), image.Rect(0, 0, fieldSize, fieldSize), 64, 64)
	require.NoError(t, err)
	return cs
}

func constantSigma(float64, float64) float64 { return 1.5 }

func scenarioConfig() Config {
	cfg := DefaultConfig()
	cfg.NEigenComponents = 1
	cfg.SpatialOrder = 1
	cfg.MaxIterations = 1
	cfg.CutoutSize = stampSize
	cfg.NStarPerCell = 10
	cfg.NStarPerCellSpatialFit = 10
	return cfg
}

func TestThresholdTightens(t *testing.T) {
	t.Parallel()

	prev := math.Inf(1)
	for iter := 0; iter < 10; iter++ {
		th := Threshold(2.0, 10, iter)
		assert.LessOrEqual(t, th, prev)
		prev = th
	}
	assert.Equal(t, 2.0, Threshold(2.0, 10, 9))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cfg := scenarioConfig()
	cfg.MaxIterations = 4
	dof := cfg.DOF()
	assert.Equal(t, 120, dof)

	// r = 5 is accepted while T >= 5 and rejected once the threshold drops.
	chi2 := 5.0 * float64(dof)
	assert.Equal(t, spatialcell.StatusUnknown, Classify(chi2, dof, 0, cfg))
	assert.Equal(t, spatialcell.StatusBad, Classify(chi2, dof, 1, cfg))
	for iter := 1; iter < cfg.MaxIterations; iter++ {
		assert.Equal(t, spatialcell.StatusBad, Classify(chi2, dof, iter, cfg))
		assert.Equal(t, spatialcell.StatusBad, Classify(2*chi2, dof, iter, cfg))
	}

	assert.Equal(t, spatialcell.StatusBad, Classify(-1, dof, 0, cfg))
	assert.Equal(t, spatialcell.StatusBad, Classify(math.NaN(), dof, 0, cfg))

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		first := Classify(100, dof, iter, cfg)
		assert.Equal(t, first, Classify(100, dof, iter, cfg))
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	for name, mutate := range map[string]func(*Config){
		"components": func(c *Config) { c.NEigenComponents = 0 },
		"order":      func(c *Config) { c.SpatialOrder = -1 },
		"cutout":     func(c *Config) { c.CutoutSize = 1 },
		"border":     func(c *Config) { c.BorderWidth = c.CutoutSize },
		"iterations": func(c *Config) { c.MaxIterations = 0 },
		"tolerance":  func(c *Config) { c.Tolerance = 0 },
		"threshold":  func(c *Config) { c.ReducedChi2Threshold = -1 },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		err := cfg.Validate()
		assert.True(t, errors.Is(err, fiterr.ErrConfiguration), name)

		_, err = NewDeterminer(cfg)
		assert.True(t, errors.Is(err, fiterr.ErrConfiguration), name)
	}
}

func TestBasisOrthonormal(t *testing.T) {
	t.Parallel()

	cs := gridSet(t, func(x, y float64) float64 { return 1.2 + 0.8*x/fieldSize + 0.3*y/fieldSize })
	basis, err := EstimateBasis(cs, 3, 0, BasisOptions{Width: stampSize})
	require.NoError(t, err)
	require.Len(t, basis.Images, 3)
	assert.False(t, basis.LowOrder)
	assert.Equal(t, 25, basis.Selected)

	for i := range basis.Images {
		for j := range basis.Images {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, floats.Dot(basis.Images[i], basis.Images[j]), 1e-9, "<%d,%d>", i, j)
		}
	}
	for k := 1; k < len(basis.EigenValues); k++ {
		assert.GreaterOrEqual(t, basis.EigenValues[k-1], basis.EigenValues[k])
		assert.GreaterOrEqual(t, basis.EigenValues[k], 0.0)
	}
}

func TestBasisLowOrder(t *testing.T) {
	t.Parallel()

	// Identical profiles span a single dimension.
	cs := gridSet(t, constantSigma)
	basis, err := EstimateBasis(cs, 3, 0, BasisOptions{Width: stampSize, BorderWidth: 1})
	require.NoError(t, err)
	assert.Len(t, basis.Images, 1)
	assert.True(t, basis.LowOrder)

	for i := 0; i < cs.Len(); i++ {
		cs.At(i).Status = spatialcell.StatusBad
	}
	_, err = EstimateBasis(cs, 1, 0, BasisOptions{Width: stampSize})
	assert.True(t, errors.Is(err, fiterr.ErrInsufficientData))
}

func TestScenarioIdenticalStars(t *testing.T) {
	t.Parallel()

	cs := gridSet(t, constantSigma)
	d, err := NewDeterminer(scenarioConfig())
	require.NoError(t, err)

	res, err := d.Determine(context.Background(), cs)
	require.NoError(t, err)

	assert.Equal(t, 25, res.Good)
	assert.Equal(t, 25, res.Available)
	assert.Len(t, res.Model.EigenValues, 1)
	assert.Greater(t, res.Model.EigenValues[0], 0.0)
	assert.InDelta(t, 0, res.Chi2, 1e-10)
	assert.False(t, res.LowOrder)
	for i, s := range cs.Statuses() {
		assert.Equal(t, spatialcell.StatusGood, s, "candidate %d", i)
	}

	require.Len(t, res.Ratings, 4)
	assert.Equal(t, "phot.psf.numGoodStars", res.Ratings[1].Name)
	assert.Equal(t, 25.0, res.Ratings[1].Value)

	img, err := res.Model.ComputeImage(64, 64)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, floats.Sum(img), 1e-12)
}

func TestScenarioNoiseCandidateRejected(t *testing.T) {
	t.Parallel()

	cs := gridSet(t, constantSigma)
	rng := rand.New(rand.NewPCG(1, 2))
	noise := cs.At(12)
	for i := range noise.Data.Pixels {
		noise.Data.Pixels[i] = 10 * rng.NormFloat64()
	}

	d, err := NewDeterminer(scenarioConfig())
	require.NoError(t, err)
	res, err := d.Determine(context.Background(), cs)
	require.NoError(t, err)

	assert.Equal(t, spatialcell.StatusBad, cs.At(12).Status)
	assert.Equal(t, 24, res.Good)
	assert.Equal(t, 25, res.Available)
	for i := 0; i < cs.Len(); i++ {
		if i == 12 {
			continue
		}
		assert.Equal(t, spatialcell.StatusGood, cs.At(i).Status, "candidate %d", i)
	}
}

func TestScenarioTooFewCandidates(t *testing.T) {
	t.Parallel()

	var cands []spatialcell.Candidate[Cutout]
	for i := 0; i < 3; i++ {
		cands = append(cands, spatialcell.Candidate[Cutout]{
			ID:   i,
			X:    20 + 40*float64(i),
			Y:    64,
			Data: gaussianCutout(stampSize, 1.5, 1000, 0, 0),
		})
	}
	cs, err := spatialcell.Assign(cands, image.Rect(0, 0, fieldSize, fieldSize), 64, 64)
	require.NoError(t, err)

	cfg := scenarioConfig()
	cfg.NEigenComponents = 5
	d, err := NewDeterminer(cfg)
	require.NoError(t, err)

	res, err := d.Determine(context.Background(), cs)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, fiterr.ErrInsufficientData))
}

func TestMalformedCandidateMarkedBad(t *testing.T) {
	t.Parallel()

	cs := gridSet(t, constantSigma)
	cs.At(3).Data = gaussianCutout(stampSize+2, 1.5, 1000, 0, 0)
	cs.At(7).Data.Pixels[5] = math.NaN()

	d, err := NewDeterminer(scenarioConfig())
	require.NoError(t, err)
	res, err := d.Determine(context.Background(), cs)
	require.NoError(t, err)

	assert.Equal(t, spatialcell.StatusBad, cs.At(3).Status)
	assert.Equal(t, spatialcell.StatusBad, cs.At(7).Status)
	assert.Equal(t, -1.0, cs.At(3).Chi2)
	assert.Equal(t, 23, res.Good)
}

func TestNonLinearSpatialFit(t *testing.T) {
	t.Parallel()

	cs := gridSet(t, constantSigma)
	cfg := scenarioConfig()
	cfg.NonLinearSpatialFit = true
	cfg.MaxIterations = 2
	d, err := NewDeterminer(cfg)
	require.NoError(t, err)

	res, err := d.Determine(context.Background(), cs)
	require.NoError(t, err)
	assert.Equal(t, 25, res.Good)
	assert.Less(t, res.Chi2, 1e-6)
}

func TestSpatiallyVaryingPSF(t *testing.T) {
	t.Parallel()

	cs := gridSet(t, func(x, _ float64) float64 { return 1.2 + 0.6*x/fieldSize })
	cfg := scenarioConfig()
	cfg.NEigenComponents = 2
	cfg.MaxIterations = 2
	cfg.ReducedChi2Threshold = 10
	d, err := NewDeterminer(cfg)
	require.NoError(t, err)

	res, err := d.Determine(context.Background(), cs)
	require.NoError(t, err)
	require.Equal(t, 2, res.Model.NumComponents())

	left, err := res.Model.MeasureShape(10, 64)
	require.NoError(t, err)
	right, err := res.Model.MeasureShape(118, 64)
	require.NoError(t, err)
	assert.Less(t, left.SigmaX, right.SigmaX)
	assert.InDelta(t, 1.25, left.SigmaX, 0.15)
	assert.InDelta(t, 1.75, right.SigmaX, 0.15)

	field := AnalyzeField(res.Model, cs.Candidates(), cs.Bounds())
	assert.Positive(t, field.Zones[ZoneCenter].StarCount)
	assert.Less(t, field.Zones[ZoneLeft].MedianFWHM, field.Zones[ZoneCenter].MedianFWHM)
	assert.Less(t, field.Zones[ZoneCenter].MedianFWHM, field.Zones[ZoneRight].MedianFWHM)
	// One star per corner is too few to call a tilt.
	assert.Empty(t, field.WorstCorner)
	assert.False(t, field.Reliable)
}

func TestFitGaussianRecoversWidth(t *testing.T) {
	t.Parallel()

	c := gaussianCutout(15, 1.5, 1, 0, 0)
	shape, err := FitGaussian(c.Pixels, 15)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, shape.SigmaX, 0.02)
	assert.InDelta(t, 1.5, shape.SigmaY, 0.02)
	assert.InDelta(t, 1.5*sigmaToFWHM, shape.FWHMPixels, 0.05)
	assert.Greater(t, shape.RSquared, 0.999)

	_, err = FitGaussian(c.Pixels, 14)
	assert.True(t, errors.Is(err, fiterr.ErrConfiguration))
}

func TestObserversAndEarlyStop(t *testing.T) {
	t.Parallel()

	cs := gridSet(t, constantSigma)
	cfg := scenarioConfig()
	cfg.MaxIterations = 5
	cfg.StopWhenStable = true

	var seen []IterationState
	d, err := NewDeterminer(cfg, WithObserver(ObserverFunc(func(s IterationState) {
		seen = append(seen, s)
	})))
	require.NoError(t, err)

	res, err := d.Determine(context.Background(), cs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, seen, 2)
	assert.Equal(t, 0, seen[0].Iteration)
	assert.Greater(t, seen[0].Threshold, seen[1].Threshold)
	assert.Len(t, seen[1].Candidates, 25)
}

func TestDetermineHonoursCancellation(t *testing.T) {
	t.Parallel()

	cs := gridSet(t, constantSigma)
	d, err := NewDeterminer(scenarioConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := d.Determine(ctx, cs)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBadPositionCandidateStaysBad(t *testing.T) {
	t.Parallel()

	for name, x := range map[string]float64{
		"nan":          math.NaN(),
		"inf":          math.Inf(1),
		"out of field": 500,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cands := gridCandidates(constantSigma)
			cands[4].X = x
			cs, err := spatialcell.Assign(cands, image.Rect(0, 0, fieldSize, fieldSize), 64, 64)
			require.NoError(t, err)
			require.True(t, cs.Malformed(4))

			cfg := scenarioConfig()
			cfg.MaxIterations = 2
			d, err := NewDeterminer(cfg)
			require.NoError(t, err)

			res, err := d.Determine(context.Background(), cs)
			require.NoError(t, err)
			assert.Equal(t, spatialcell.StatusBad, cs.At(4).Status)
			assert.Equal(t, -1.0, cs.At(4).Chi2)
			assert.Equal(t, 24, res.Good)
		})
	}
}

func TestFitChi2IgnoresUnevaluatedCandidates(t *testing.T) {
	t.Parallel()

	cs := gridSet(t, constantSigma)
	rng := rand.New(rand.NewPCG(3, 4))
	for i := 0; i < cs.Len(); i++ {
		pix := cs.At(i).Data.Pixels
		for k := range pix {
			pix[k] += rng.NormFloat64()
		}
	}
	masked := cs.At(0)
	for k := range masked.Data.Variance {
		masked.Data.Variance[k] = math.Inf(1)
	}

	basis, err := EstimateBasis(cs, 1, 0, BasisOptions{Width: stampSize})
	require.NoError(t, err)
	_, res, err := FitSpatial(basis, cs, FitOptions{
		Tolerance: 1e-6,
		Order:     1,
		Bounds:    fieldBounds(cs.Bounds()),
	})
	require.NoError(t, err)
	require.Equal(t, 25, res.NumFit)
	require.Equal(t, -1.0, masked.Chi2)

	dof := float64(stampSize*stampSize - 1)
	sum := 0.0
	for i := 1; i < cs.Len(); i++ {
		require.Positive(t, cs.At(i).Chi2)
		sum += cs.At(i).Chi2
	}
	assert.InEpsilon(t, sum/(24*dof), res.Chi2, 1e-9)
}

func TestWarmStartSubtractsBackground(t *testing.T) {
	t.Parallel()

	const background = 50.0
	cands := gridCandidates(constantSigma)
	for i := range cands {
		for k := range cands[i].Data.Pixels {
			cands[i].Data.Pixels[k] += background
		}
	}
	cs, err := spatialcell.Assign(cands, image.Rect(0, 0, fieldSize, fieldSize), 64, 64)
	require.NoError(t, err)

	warmStart(cs, stampSize, 2)
	for i := 0; i < cs.Len(); i++ {
		c := cs.At(i)
		flux := 1000 + 10*float64(c.ID)
		assert.InEpsilon(t, flux, c.Amplitude, 0.05, "candidate %d", c.ID)
		assert.Less(t, c.Amplitude, c.Data.Sum()-0.9*background*stampSize*stampSize, "candidate %d", c.ID)
	}
}

// Not parallel: measures allocations of one large non-linear fit.
func TestNonLinearFitMemoryScalesWithCandidates(t *testing.T) {
	const (
		grid  = 20
		field = 640
		width = 21
	)
	var cands []spatialcell.Candidate[Cutout]
	for j := 0; j < grid; j++ {
		for i := 0; i < grid; i++ {
			x := field * (float64(i) + 0.5) / grid
			y := field * (float64(j) + 0.5) / grid
			flux := 1000 + float64(len(cands))
			cands = append(cands, spatialcell.Candidate[Cutout]{
				ID:   len(cands),
				X:    x,
				Y:    y,
				Rank: flux,
				Data: gaussianCutout(width, 1.5+0.8*x/field, flux, 0, 0),
			})
		}
	}
	cs, err := spatialcell.Assign(cands, image.Rect(0, 0, field, field), 64, 64)
	require.NoError(t, err)

	basis, err := EstimateBasis(cs, 2, 0, BasisOptions{Width: width})
	require.NoError(t, err)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, res, err := FitSpatial(basis, cs, FitOptions{
		NonLinear: true,
		Tolerance: 1e-6,
		Order:     2,
		Bounds:    fieldBounds(cs.Bounds()),
	})
	runtime.ReadMemStats(&after)
	require.NoError(t, err)
	assert.Equal(t, grid*grid, res.NumFit)
	assert.Positive(t, res.Iterations)

	// A dense Jacobian alone would be 400*441 rows by 411 columns, ~580 MB.
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(64<<20))
}

func TestZonePositionString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ZonePosition(99)", ZonePosition(99).String())
	assert.NotEqual(t, "ZonePosition(4)", ZoneCenter.String())
}

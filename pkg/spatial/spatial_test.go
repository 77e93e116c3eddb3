package spatial

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
)

func TestNumTerms(t *testing.T) {
	t.Parallel()

	for order, want := range []int{1, 3, 6, 10, 15} {
		assert.Equal(t, want, NumTerms(order), "order %d", order)
	}
	assert.Zero(t, NumTerms(-1))
}

func TestTermOrder(t *testing.T) {
	t.Parallel()

	f, err := New(StyleStandard, 2, Bounds{})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 6, 9}, f.Terms(2, 3, nil))

	leg, err := New(StyleLegendre, 2, Bounds{XMin: 0, XMax: 4, YMin: 0, YMax: 4})
	require.NoError(t, err)
	got := leg.Terms(3, 2, nil)
	want := []float64{1, 0.5, 0, -0.125, 0, -0.5}
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12, "term %d", i)
	}

	cheb, err := New(StyleChebyshev, 3, Bounds{XMin: 0, XMax: 10, YMin: 0, YMax: 10})
	require.NoError(t, err)
	for i, v := range cheb.Terms(10, 10, nil) {
		assert.InDelta(t, 1.0, v, 1e-12, "term %d", i)
	}
}

func TestParseStyle(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]Style{
		"standard":  StyleStandard,
		"Legendre":  StyleLegendre,
		"CHEBYSHEV": StyleChebyshev,
	} {
		got, err := ParseStyle(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseStyle("hermite")
	assert.True(t, errors.Is(err, fiterr.ErrConfiguration))

	var s Style
	require.NoError(t, s.UnmarshalText([]byte("legendre")))
	assert.Equal(t, StyleLegendre, s)

	assert.Equal(t, "Style(9)", Style(9).String())
}

func TestNewRejectsDegenerateBounds(t *testing.T) {
	t.Parallel()

	_, err := New(StyleChebyshev, 1, Bounds{XMin: 5, XMax: 5, YMin: 0, YMax: 1})
	assert.True(t, errors.Is(err, fiterr.ErrConfiguration))
	_, err = New(StyleStandard, -1, Bounds{})
	assert.True(t, errors.Is(err, fiterr.ErrConfiguration))
}

func TestFitRecoversPlane(t *testing.T) {
	t.Parallel()

	bounds := Bounds{XMin: 0, XMax: 100, YMin: 0, YMax: 100}
	plane := func(x, y float64) float64 { return 1 + 0.01*x - 0.02*y }

	var samples []Sample
	for j := 0; j < 5; j++ {
		for i := 0; i < 5; i++ {
			x, y := 10+20*float64(i), 10+20*float64(j)
			samples = append(samples, Sample{X: x, Y: y, Value: plane(x, y), Sigma: 0.01})
		}
	}

	for _, style := range []Style{StyleStandard, StyleLegendre, StyleChebyshev} {
		t.Run(style.String(), func(t *testing.T) {
			t.Parallel()
			res, err := Fit(style, 1, bounds, samples)
			require.NoError(t, err)
			assert.Equal(t, 22, res.DOF)
			assert.InDelta(t, 0, res.Chi2, 1e-12)
			assert.True(t, res.Function.IsFinite())
			for _, p := range [][2]float64{{0, 0}, {50, 50}, {77, 13}} {
				assert.InDelta(t, plane(p[0], p[1]), res.Function.Eval(p[0], p[1]), 1e-9)
			}
		})
	}
}

func TestComputeAtPropagatesError(t *testing.T) {
	t.Parallel()

	var samples []Sample
	for i := 0; i < 16; i++ {
		samples = append(samples, Sample{X: float64(i), Y: float64(i), Value: 2, Sigma: 0.1})
	}
	res, err := Fit(StyleStandard, 0, Bounds{}, samples)
	require.NoError(t, err)

	v, e := res.ComputeAt(3, 4)
	assert.InDelta(t, 2.0, v, 1e-12)
	assert.InDelta(t, 0.025, e, 1e-12)
}

func TestFitInsufficientSamples(t *testing.T) {
	t.Parallel()

	_, err := Fit(StyleStandard, 1, Bounds{}, []Sample{{X: 1, Y: 1, Value: 1}, {X: 2, Y: 2, Value: 2}})
	assert.True(t, errors.Is(err, fiterr.ErrInsufficientData))
}

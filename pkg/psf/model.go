package psf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
	"github.com/wmwv/meas-algorithms/pkg/spatial"
)

// Model is a spatially varying PSF: at (x, y) the PSF image is
// Σ_k Spatial[k](x, y) · Basis[k].
type Model struct {
	Width int
	Basis [][]float64
	// EigenValues are per degree of freedom per selected star.
	EigenValues []float64
	Spatial     []*spatial.Function
}

// NumComponents is the number of basis images in the model.
func (m *Model) NumComponents() int { return len(m.Basis) }

// Weights returns the coefficient of every basis image at (x, y).
func (m *Model) Weights(x, y float64) []float64 {
	w := make([]float64, len(m.Spatial))
	for k, f := range m.Spatial {
		w[k] = f.Eval(x, y)
	}
	return w
}

// realize writes the unnormalised model image at (x, y) into out.
func (m *Model) realize(x, y float64, out []float64) []float64 {
	npix := m.Width * m.Width
	if cap(out) < npix {
		out = make([]float64, npix)
	}
	out = out[:npix]
	for i := range out {
		out[i] = 0
	}
	for k, w := range m.Weights(x, y) {
		floats.AddScaled(out, w, m.Basis[k])
	}
	return out
}

// ComputeImage returns the model PSF at (x, y), normalised to unit sum.
func (m *Model) ComputeImage(x, y float64) ([]float64, error) {
	img := m.realize(x, y, nil)
	sum := floats.Sum(img)
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, fmt.Errorf("%w: PSF at (%.1f, %.1f) has sum %g", fiterr.ErrNumerical, x, y, sum)
	}
	floats.Scale(1/sum, img)
	return img, nil
}

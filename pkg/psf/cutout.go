package psf

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Cutout is the square postage stamp of one candidate, centred on its
// position. Pixels and Variance are row-major; a nil Variance means unit
// variance.
type Cutout struct {
	Width    int
	Pixels   []float64
	Variance []float64
}

// Sum returns the sum of the cutout pixels.
func (c Cutout) Sum() float64 {
	return floats.Sum(c.Pixels)
}

// prepared is a background-subtracted cutout ready for fitting.
type prepared struct {
	data   []float64
	invVar []float64
	sum    float64
	ok     bool
}

// prepare checks the cutout against the expected width, subtracts the
// median of the border ring and computes inverse variances. A cutout with a
// wrong shape or a non-finite pixel comes back with ok == false.
func prepare(c Cutout, width, border int) prepared {
	n := width * width
	if c.Width != width || len(c.Pixels) != n || (c.Variance != nil && len(c.Variance) != n) {
		return prepared{}
	}

	bg := 0.0
	if border > 0 {
		bg = borderMedian(c.Pixels, width, border)
	}

	p := prepared{
		data:   make([]float64, n),
		invVar: make([]float64, n),
		ok:     true,
	}
	for i, v := range c.Pixels {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return prepared{}
		}
		p.data[i] = v - bg
		p.sum += p.data[i]

		iv := 1.0
		if c.Variance != nil {
			switch vv := c.Variance[i]; {
			case vv > 0 && !math.IsInf(vv, 0):
				iv = 1 / vv
			default:
				// Masked pixel.
				iv = 0
			}
		}
		p.invVar[i] = iv
	}
	return p
}

func borderMedian(pix []float64, width, border int) float64 {
	ring := make([]float64, 0, 4*border*width)
	for y := 0; y < width; y++ {
		for x := 0; x < width; x++ {
			if x < border || y < border || x >= width-border || y >= width-border {
				ring = append(ring, pix[y*width+x])
			}
		}
	}
	sort.Float64s(ring)
	return stat.Quantile(0.5, stat.Empirical, ring, nil)
}

/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package psf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
	"github.com/wmwv/meas-algorithms/pkg/lsq"
)

var sigmaToFWHM = 2.0 * math.Sqrt(2.0*math.Log(2.0))

// Shape is an elliptical Gaussian fitted to a PSF image.
type Shape struct {
	OffsetX, OffsetY float64
	Peak             float64
	Background       float64
	SigmaX, SigmaY   float64
	FWHMx, FWHMy     float64
	ThetaRadians     float64
	FWHMPixels       float64
	Eccentricity     float64
	RSquared         float64
}

func (s *Shape) String() string {
	return fmt.Sprintf("{OffsetX=%f, OffsetY=%f, Peak=%f, SigmaX=%f, SigmaY=%f, FWHMx=%f, FWHMy=%f, FWHMPixels=%f, Eccentricity=%f, RSquared=%f}",
		s.OffsetX, s.OffsetY, s.Peak, s.SigmaX, s.SigmaY, s.FWHMx, s.FWHMy, s.FWHMPixels, s.Eccentricity, s.RSquared)
}

// MeasureShape fits an elliptical Gaussian to the model PSF at (x, y),
// giving its width and orientation in pixels.
func (m *Model) MeasureShape(x, y float64) (*Shape, error) {
	img, err := m.ComputeImage(x, y)
	if err != nil {
		return nil, err
	}
	return FitGaussian(img, m.Width)
}

// FitGaussian fits B + A·exp(-E) with an elliptical, rotated E to a square
// row-major image, coordinates measured from its centre.
func FitGaussian(img []float64, width int) (*Shape, error) {
	if width < 3 || len(img) != width*width {
		return nil, fmt.Errorf("%w: %d pixels for a %dx%d image", fiterr.ErrConfiguration, len(img), width, width)
	}

	g := &gaussian{
		inputs:  make([][2]float64, 0, len(img)),
		outputs: img,
	}
	c := float64(width-1) / 2
	peak := math.Inf(-1)
	for py := 0; py < width; py++ {
		for px := 0; px < width; px++ {
			g.inputs = append(g.inputs, [2]float64{float64(px) - c, float64(py) - c})
			peak = math.Max(peak, img[py*width+px])
		}
	}

	w := float64(width)
	sigmaUpper := math.Sqrt(2*w*w) / 2.0
	dLimit := w / 8.0
	x0 := []float64{math.Max(peak, 0), 0, 0, 0, w / 6.0, w / 6.0, 0}
	lower := []float64{0, -math.Abs(peak), -dLimit, -dLimit, 1e-3, 1e-3, -math.Pi / 2.0}
	upper := []float64{2 * math.Abs(peak), math.Abs(peak), dLimit, dLimit, sigmaUpper, sigmaUpper, math.Pi / 2.0}
	scale := []float64{0.01, 0.01, 0.1, 0.1, 1, 1, 1}

	res, err := lsq.LevenbergMarquardt(g, x0, lsq.LMSettings{
		Tolerance:     1e-8,
		MaxIterations: 200,
		Lower:         lower,
		Upper:         upper,
		Scale:         scale,
	})
	if err != nil {
		return nil, err
	}
	p := res.X

	sigX, sigY := p[4], p[5]
	if math.IsNaN(sigX) || math.IsNaN(sigY) {
		return nil, fmt.Errorf("%w: Gaussian fit did not converge", fiterr.ErrNumerical)
	}

	theta := euclidianModulus(p[6], math.Pi)
	if theta > math.Pi/2.0 {
		theta -= math.Pi
	}
	theta = -theta
	if sigY > sigX {
		if theta < 0 {
			theta += math.Pi / 2.0
		} else {
			theta -= math.Pi / 2.0
		}
		sigX, sigY = sigY, sigX
	}

	fwhmX := sigX * sigmaToFWHM
	fwhmY := sigY * sigmaToFWHM
	return &Shape{
		OffsetX:      p[2],
		OffsetY:      p[3],
		Peak:         p[0],
		Background:   p[1],
		SigmaX:       sigX,
		SigmaY:       sigY,
		FWHMx:        fwhmX,
		FWHMy:        fwhmY,
		ThetaRadians: theta,
		FWHMPixels:   math.Sqrt(fwhmX * fwhmY),
		Eccentricity: math.Sqrt(1 - (fwhmY*fwhmY)/(fwhmX*fwhmX)),
		RSquared:     g.rSquared(p),
	}, nil
}

func euclidianModulus(x, y float64) float64 {
	return math.Mod(math.Mod(x, y)+y, y)
}

// gaussian is the lsq.Problem of an elliptical Gaussian on a pixel grid.
// Parameters are A, B, x0, y0, σu, σv, θ.
type gaussian struct {
	inputs  [][2]float64
	outputs []float64
}

func (g *gaussian) NumResiduals() int { return len(g.inputs) }
func (g *gaussian) NumParams() int    { return 7 }

func (g *gaussian) Evaluate(p, r []float64, jac *mat.Dense) {
	var grad [7]float64
	for k, in := range g.inputs {
		r[k] = gaussianValue(p, in) - g.outputs[k]
		if jac != nil {
			gaussianGradient(p, in, grad[:])
			jac.SetRow(k, grad[:])
		}
	}
}

func (g *gaussian) rSquared(p []float64) float64 {
	yBar := 0.0
	for _, o := range g.outputs {
		yBar += o
	}
	yBar /= float64(len(g.outputs))

	tss, rss := 0.0, 0.0
	for k, in := range g.inputs {
		res := gaussianValue(p, in) - g.outputs[k]
		disp := g.outputs[k] - yBar
		rss += res * res
		tss += disp * disp
	}
	if tss > 0 {
		return 1.0 - rss/tss
	}
	return 0.0
}

func gaussianValue(p []float64, in [2]float64) float64 {
	A, B := p[0], p[1]
	x0, y0 := p[2], p[3]
	U, V, T := p[4], p[5], p[6]

	cosT, sinT := math.Cos(T), math.Sin(T)
	X := (in[0]-x0)*cosT + (in[1]-y0)*sinT
	Y := -(in[0]-x0)*sinT + (in[1]-y0)*cosT
	E := X*X/(2*U*U) + Y*Y/(2*V*V)
	return B + A*math.Exp(-E)
}

func gaussianGradient(p []float64, in [2]float64, grad []float64) {
	A := p[0]
	x0, y0 := p[2], p[3]
	U, V, T := p[4], p[5], p[6]

	cosT, sinT := math.Cos(T), math.Sin(T)
	X := (in[0]-x0)*cosT + (in[1]-y0)*sinT
	Y := -(in[0]-x0)*sinT + (in[1]-y0)*cosT
	X2, Y2 := X*X, Y*Y
	U2, V2 := U*U, V*V
	eE := math.Exp(-(X2/(2*U2) + Y2/(2*V2)))

	grad[0] = eE
	grad[1] = 1.0
	grad[2] = A * (cosT*X/U2 - sinT*Y/V2) * eE
	grad[3] = A * (sinT*X/U2 + cosT*Y/V2) * eE
	grad[4] = A * X2 / (U2 * U) * eE
	grad[5] = A * Y2 / (V2 * V) * eE
	grad[6] = A * X * Y * (1.0/V2 - 1.0/U2) * eE
}

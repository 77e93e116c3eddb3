package psf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
	"github.com/wmwv/meas-algorithms/pkg/spatialcell"
)

// minEigenRatio is the smallest eigenvalue, relative to the largest, that
// still yields a basis component.
const minEigenRatio = 1e-12

// Basis is an orthonormal set of component images ordered by decreasing
// eigenvalue.
type Basis struct {
	Width       int
	Images      [][]float64
	EigenValues []float64
	// Selected is the number of candidates that entered the decomposition.
	Selected int
	// LowOrder is set when fewer components than requested could be built.
	LowOrder bool
}

// BasisOptions describes how cutouts are prepared for the decomposition.
type BasisOptions struct {
	Width          int
	BorderWidth    int
	ConstantWeight bool
}

// EstimateBasis decomposes the best-ranked non-BAD cutouts of every cell,
// at most rankingCap per cell, into at most nComponents principal
// components.
//
// Each cutout is background subtracted and scaled to unit norm, so neither
// an additive offset nor the flux scale biases the basis, and weighted by
// its total signal. The decomposition is an uncentred weighted PCA done
// through the candidate Gram matrix, which is small next to the pixel
// covariance whenever there are fewer candidates than pixels.
func EstimateBasis(cs *spatialcell.CellSet[Cutout], nComponents, rankingCap int, opts BasisOptions) (*Basis, error) {
	if nComponents <= 0 {
		return nil, fmt.Errorf("%w: need at least one component, got %d", fiterr.ErrConfiguration, nComponents)
	}

	var (
		vecs    [][]float64
		weights []float64
	)
	for _, idx := range cs.Select(rankingCap) {
		if cs.Malformed(idx) {
			continue
		}
		p := prepare(cs.At(idx).Data, opts.Width, opts.BorderWidth)
		if !p.ok || !(p.sum > 0) || math.IsInf(p.sum, 0) {
			continue
		}
		norm := floats.Norm(p.data, 2)
		if norm == 0 {
			continue
		}
		floats.Scale(1/norm, p.data)
		w := p.sum
		if opts.ConstantWeight {
			w = 1
		}
		vecs = append(vecs, p.data)
		weights = append(weights, w)
	}

	n := len(vecs)
	if n == 0 {
		return nil, fmt.Errorf("%w: no usable candidates for the basis", fiterr.ErrInsufficientData)
	}

	gram := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			gram.SetSym(i, j, math.Sqrt(weights[i]*weights[j])*floats.Dot(vecs[i], vecs[j]))
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(gram, true); !ok {
		return nil, fmt.Errorf("%w: eigen-decomposition of %d candidates failed", fiterr.ErrNumerical, n)
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	npix := opts.Width * opts.Width
	basis := &Basis{Width: opts.Width, Selected: n}
	lambdaMax := values[n-1]

	// Values come back in ascending order.
	for k := n - 1; k >= 0 && len(basis.Images) < nComponents; k-- {
		lambda := values[k]
		if !(lambda > minEigenRatio*lambdaMax) {
			break
		}

		img := make([]float64, npix)
		for i := 0; i < n; i++ {
			floats.AddScaled(img, vectors.At(i, k)*math.Sqrt(weights[i]), vecs[i])
		}
		for _, prev := range basis.Images {
			floats.AddScaled(img, -floats.Dot(img, prev), prev)
		}
		norm := floats.Norm(img, 2)
		if norm == 0 {
			break
		}
		floats.Scale(1/norm, img)
		if floats.Sum(img) < 0 {
			floats.Scale(-1, img)
		}

		basis.Images = append(basis.Images, img)
		basis.EigenValues = append(basis.EigenValues, math.Max(lambda, 0))
	}

	basis.LowOrder = len(basis.Images) < nComponents
	return basis, nil
}

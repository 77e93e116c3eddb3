package exposure

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
	"github.com/wmwv/meas-algorithms/pkg/psf"
	"github.com/wmwv/meas-algorithms/pkg/spatialcell"
)

// CutoutOptions controls postage-stamp extraction.
type CutoutOptions struct {
	// Size is the side of the square stamp in pixels. It must be odd.
	Size int
	// Gain converts ADU to electrons for the Poisson term of the variance.
	// Zero or negative means 1.
	Gain float64
	// Noise is the sky level subtracted from every pixel and the sky noise
	// added to every variance.
	Noise KappaSigmaResult
}

func (o CutoutOptions) validate() error {
	if o.Size < 1 || o.Size%2 == 0 {
		return fmt.Errorf("%w: cutout size must be odd and positive, got %d", fiterr.ErrConfiguration, o.Size)
	}
	return nil
}

// ExtractCutout samples a sky-subtracted stamp centred on (x, y), with
// pixel centres at integer coordinates. Off-grid centres are resampled
// bilinearly. The variance of each pixel is the sky variance plus the
// Poisson variance of its positive signal.
func ExtractCutout(img Mat, x, y float64, opts CutoutOptions) (psf.Cutout, error) {
	if err := opts.validate(); err != nil {
		return psf.Cutout{}, err
	}
	half := float64(opts.Size-1) / 2
	if x-half < 0 || y-half < 0 || x+half > float64(img.Cols()-1) || y+half > float64(img.Rows()-1) ||
		math.IsNaN(x) || math.IsNaN(y) {
		return psf.Cutout{}, fmt.Errorf("%w: %dx%d stamp at (%.1f, %.1f) leaves the image",
			fiterr.ErrInsufficientData, opts.Size, opts.Size, x, y)
	}

	gain := opts.Gain
	if gain <= 0 {
		gain = 1
	}
	skyVar := opts.Noise.Sigma * opts.Noise.Sigma

	n := opts.Size * opts.Size
	c := psf.Cutout{
		Width:    opts.Size,
		Pixels:   make([]float64, n),
		Variance: make([]float64, n),
	}
	for py := 0; py < opts.Size; py++ {
		for px := 0; px < opts.Size; px++ {
			v := BilinearSamplePixelValue(img, y-half+float64(py), x-half+float64(px)) - opts.Noise.BackgroundMean
			i := py*opts.Size + px
			c.Pixels[i] = v
			c.Variance[i] = skyVar + math.Max(v, 0)/gain
		}
	}
	return c, nil
}

// FillCutouts extracts the stamp of every candidate into its Data. A stamp
// that leaves the image is left empty, which the fitter rejects, and is
// counted in the returned total.
func FillCutouts(ctx context.Context, img Mat, cands []spatialcell.Candidate[psf.Cutout], opts CutoutOptions) (int, error) {
	if err := opts.validate(); err != nil {
		return 0, err
	}

	var missing atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range cands {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c, err := ExtractCutout(img, cands[i].X, cands[i].Y, opts)
			if err != nil {
				missing.Add(1)
				cands[i].Data = psf.Cutout{}
				return nil
			}
			cands[i].Data = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return int(missing.Load()), nil
}

package display

import (
	"fmt"
	"image/color"
	"path/filepath"
	"strings"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/wmwv/meas-algorithms/pkg/psf"
)

// ChiPlot is a psf.Observer that records the fit quality of every
// iteration and plots it against the rejection threshold.
type ChiPlot struct {
	mu        sync.Mutex
	chi2      plotter.XYs
	threshold plotter.XYs
	rejected  plotter.XYs
}

// NewChiPlot returns an empty ChiPlot.
func NewChiPlot() *ChiPlot {
	return &ChiPlot{}
}

// OnIteration implements psf.Observer.
func (c *ChiPlot) OnIteration(s psf.IterationState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	x := float64(s.Iteration)
	c.chi2 = append(c.chi2, plotter.XY{X: x, Y: s.Chi2})
	c.threshold = append(c.threshold, plotter.XY{X: x, Y: s.Threshold})
	c.rejected = append(c.rejected, plotter.XY{X: x, Y: float64(s.NumBad)})
}

// Len is the number of recorded iterations.
func (c *ChiPlot) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chi2)
}

// Save writes the chi-squared and threshold history to path, and the
// rejected count to a second plot next to it. The format follows the file
// extension.
func (c *ChiPlot) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.chi2) == 0 {
		return fmt.Errorf("no iterations recorded")
	}

	p := plot.New()
	p.Title.Text = "PSF spatial fit"
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Reduced chi-squared"

	chiLine, chiPoints, err := plotter.NewLinePoints(c.chi2)
	if err != nil {
		return err
	}
	chiLine.Color = color.RGBA{R: 30, G: 90, B: 200, A: 255}
	chiLine.Width = vg.Points(1.5)
	chiPoints.Color = chiLine.Color
	p.Add(chiLine, chiPoints)
	p.Legend.Add("chi2/dof", chiLine, chiPoints)

	thrLine, err := plotter.NewLine(c.threshold)
	if err != nil {
		return err
	}
	thrLine.Color = color.RGBA{R: 220, G: 60, B: 60, A: 255}
	thrLine.Width = vg.Points(1)
	thrLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(thrLine)
	p.Legend.Add("threshold", thrLine)

	rej, err := plotter.NewScatter(c.rejected)
	if err != nil {
		return err
	}
	rej.Color = color.RGBA{R: 120, G: 120, B: 120, A: 255}
	pRej := plot.New()
	pRej.Title.Text = "Rejected candidates"
	pRej.X.Label.Text = "Iteration"
	pRej.Y.Label.Text = "Count"
	pRej.Add(rej)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("saving chi-squared plot: %w", err)
	}
	if err := pRej.Save(8*vg.Inch, 4*vg.Inch, rejectedPath(path)); err != nil {
		return fmt.Errorf("saving rejection plot: %w", err)
	}
	return nil
}

func rejectedPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_rejected" + ext
}

package display

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/wmwv/meas-algorithms/pkg/psf"
	"github.com/wmwv/meas-algorithms/pkg/spatialcell"
)

const targetWidth = 800

var (
	goodColor    = color.RGBA{80, 220, 80, 255}
	badColor     = color.RGBA{255, 80, 80, 255}
	unknownColor = color.RGBA{200, 200, 200, 255}
	gridColor    = color.RGBA{255, 255, 255, 180}
	textColor    = color.RGBA{220, 220, 220, 255}
)

func statusColor(s spatialcell.Status) color.RGBA {
	switch s {
	case spatialcell.StatusGood:
		return goodColor
	case spatialcell.StatusBad:
		return badColor
	default:
		return unknownColor
	}
}

// RenderCells draws the cell grid of a field with every candidate as a
// circle coloured by status, and the summary lines underneath.
func RenderCells[T any](bounds image.Rectangle, cells []spatialcell.Cell, cands []spatialcell.Candidate[T], summary []string) *image.RGBA {
	scale := float64(targetWidth) / float64(bounds.Dx())
	imgW := targetWidth
	imgH := int(float64(bounds.Dy()) * scale)
	if imgH < 100 {
		imgH = 100
	}
	summaryH := 18*len(summary) + 24
	totalH := imgH + summaryH

	img := image.NewRGBA(image.Rect(0, 0, imgW, totalH))
	for y := 0; y < totalH; y++ {
		for x := 0; x < imgW; x++ {
			img.Set(x, y, color.RGBA{0, 0, 0, 255})
		}
	}

	toImg := func(x, y float64) (int, int) {
		return int((x - float64(bounds.Min.X)) * scale), int((y - float64(bounds.Min.Y)) * scale)
	}

	face := basicfont.Face7x13
	for _, c := range cells {
		x0, y0 := toImg(float64(c.Bounds.Min.X), float64(c.Bounds.Min.Y))
		x1, y1 := toImg(float64(c.Bounds.Max.X), float64(c.Bounds.Max.Y))
		x1, y1 = min(x1, imgW-1), min(y1, imgH-1)
		drawLine(img, x0, y0, x1, y0, gridColor)
		drawLine(img, x0, y1, x1, y1, gridColor)
		drawLine(img, x0, y0, x0, y1, gridColor)
		drawLine(img, x1, y0, x1, y1, gridColor)
		drawText(img, face, fmt.Sprintf("%s n=%d", c.Label, c.Size()), x0+4, y0+14, textColor)
	}

	for _, cand := range cands {
		cx, cy := toImg(cand.X, cand.Y)
		col := statusColor(cand.Status)
		drawCircle(img, cx, cy, 5, col)
		if cand.Status == spatialcell.StatusGood {
			drawCircle(img, cx, cy, 3, col)
		}
	}

	for i, line := range summary {
		drawText(img, face, line, 10, imgH+15+18*i, textColor)
	}
	return img
}

// SaveJPEG writes img to a JPEG file.
func SaveJPEG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create overlay file: %w", err)
	}
	defer f.Close()

	return jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
}

// EncodeJPEG returns img as JPEG bytes.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Overlay is a psf.Observer that writes one cell overlay per iteration
// into a directory.
type Overlay struct {
	mu      sync.Mutex
	dir     string
	bounds  image.Rectangle
	written []string
	err     error
}

// NewOverlay returns an Overlay for a field with the given bounds.
func NewOverlay(dir string, bounds image.Rectangle) *Overlay {
	return &Overlay{dir: dir, bounds: bounds}
}

// OnIteration implements psf.Observer.
func (o *Overlay) OnIteration(s psf.IterationState) {
	summary := []string{
		fmt.Sprintf("Iteration %d  chi2/dof: %.3f  threshold: %.2f", s.Iteration, s.Chi2, s.Threshold),
		fmt.Sprintf("Rejected: %d of %d  components: %d", s.NumBad, len(s.Candidates), s.Model.NumComponents()),
	}
	if s.LowOrder {
		summary[1] += "  [LOW ORDER BASIS]"
	}
	img := RenderCells(o.bounds, s.Cells, s.Candidates, summary)
	path := filepath.Join(o.dir, fmt.Sprintf("psf_cells_%02d.jpg", s.Iteration))

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return
	}
	if err := SaveJPEG(path, img); err != nil {
		o.err = err
		return
	}
	o.written = append(o.written, path)
}

// Written returns the files written so far.
func (o *Overlay) Written() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.written...)
}

// Err returns the first write error, if any.
func (o *Overlay) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// drawText draws a string at (x, y) using the given font face.
func drawText(img *image.RGBA, face font.Face, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// drawCircle draws a circle outline using midpoint algorithm.
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	x := radius
	y := 0
	err := 0

	for x >= y {
		img.Set(cx+x, cy+y, c)
		img.Set(cx+y, cy+x, c)
		img.Set(cx-y, cy+x, c)
		img.Set(cx-x, cy+y, c)
		img.Set(cx-x, cy-y, c)
		img.Set(cx-y, cy-x, c)
		img.Set(cx+y, cy-x, c)
		img.Set(cx+x, cy-y, c)

		y++
		err += 1 + 2*y
		if 2*(err-x)+1 > 0 {
			x--
			err += 1 - 2*x
		}
	}
}

// drawLine draws a 1px line between two points using Bresenham's algorithm.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := intAbs(x1 - x0)
	dy := -intAbs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy

	for {
		img.Set(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			break
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func intAbs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

//go:build purego || js

package exposure

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"

	"golang.org/x/image/tiff"
)

// Mat is a pure Go 2D float32 matrix.
type Mat struct {
	data []float32
	rows int
	cols int
}

func NewMat() Mat { return Mat{} }

func NewMatWithSize(rows, cols int) Mat {
	return Mat{
		data: make([]float32, rows*cols),
		rows: rows,
		cols: cols,
	}
}

func (m Mat) Rows() int   { return m.rows }
func (m Mat) Cols() int   { return m.cols }
func (m Mat) Empty() bool { return m.data == nil || m.rows == 0 || m.cols == 0 }

func (m Mat) Clone() Mat {
	newData := make([]float32, len(m.data))
	copy(newData, m.data)
	return Mat{data: newData, rows: m.rows, cols: m.cols}
}

func (m *Mat) Close() {
	m.data = nil
	m.rows = 0
	m.cols = 0
}

// DataFloat32 returns the backing float32 slice.
func (m Mat) DataFloat32() []float32 {
	return m.data
}

func inRangeScalar(src Mat, lower, upper float32, dst *Mat) {
	if dst.rows != src.rows || dst.cols != src.cols || dst.data == nil {
		*dst = NewMatWithSize(src.rows, src.cols)
	}
	sd, dd := src.data, dst.data
	for i := range sd {
		if sd[i] >= lower && sd[i] <= upper {
			dd[i] = 1.0
		} else {
			dd[i] = 0
		}
	}
}

func matMeanStdDev(src Mat) (float64, float64) {
	n := len(src.data)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range src.data {
		sum += float64(v)
	}
	mean := sum / float64(n)
	var sse float64
	for _, v := range src.data {
		d := float64(v) - mean
		sse += d * d
	}
	return mean, math.Sqrt(sse / float64(n))
}

// WriteImage stretches m to the 16-bit range and writes it as a TIFF.
func WriteImage(path string, m Mat) error {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range m.data {
		lo = math.Min(lo, float64(v))
		hi = math.Max(hi, float64(v))
	}
	scale := 0.0
	if hi > lo {
		scale = 65535 / (hi - lo)
	}

	img := image.NewGray16(image.Rect(0, 0, m.cols, m.rows))
	for r := 0; r < m.rows; r++ {
		for c := 0; c < m.cols; c++ {
			v := (float64(m.data[r*m.cols+c]) - lo) * scale
			img.SetGray16(c, r, color.Gray16{Y: uint16(math.Round(v))})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating image file: %w", err)
	}
	defer f.Close()
	if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		return fmt.Errorf("encoding TIFF: %w", err)
	}
	return nil
}

// ReadImage decodes a TIFF or PNG image as a grayscale float32 Mat.
func ReadImage(path string) (Mat, error) {
	f, err := os.Open(path)
	if err != nil {
		return Mat{}, fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return Mat{}, fmt.Errorf("decoding image %s: %w", path, err)
	}
	b := img.Bounds()
	m := NewMatWithSize(b.Dy(), b.Dx())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
			m.data[(y-b.Min.Y)*m.cols+(x-b.Min.X)] = float32(g.Y)
		}
	}
	return m, nil
}

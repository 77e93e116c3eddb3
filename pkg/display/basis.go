// Package display renders diagnostics of a fit session: cell and status
// overlays, the chi-squared history and images of the PSF basis.
package display

import (
	"fmt"
	"path/filepath"

	"github.com/wmwv/meas-algorithms/pkg/exposure"
	"github.com/wmwv/meas-algorithms/pkg/psf"
)

func toMat(pix []float64, width int) exposure.Mat {
	m := exposure.NewMatWithSize(width, width)
	data := m.DataFloat32()
	for i, v := range pix {
		data[i] = float32(v)
	}
	return m
}

// SaveBasis writes every basis image of m as psf_basis_<k><ext> in dir and
// returns the paths.
func SaveBasis(dir, ext string, m *psf.Model) ([]string, error) {
	paths := make([]string, 0, m.NumComponents())
	for k, img := range m.Basis {
		path := filepath.Join(dir, fmt.Sprintf("psf_basis_%d%s", k, ext))
		mat := toMat(img, m.Width)
		err := exposure.WriteImage(path, mat)
		mat.Close()
		if err != nil {
			return paths, fmt.Errorf("basis %d: %w", k, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// SaveModelImage writes the PSF realised at (x, y).
func SaveModelImage(path string, m *psf.Model, x, y float64) error {
	img, err := m.ComputeImage(x, y)
	if err != nil {
		return err
	}
	mat := toMat(img, m.Width)
	defer mat.Close()
	return exposure.WriteImage(path, mat)
}

package psf

import (
	"fmt"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
	"github.com/wmwv/meas-algorithms/pkg/spatial"
)

// Config holds the knobs of one PSF determination.
type Config struct {
	NonLinearSpatialFit bool `yaml:"non_linear_spatial_fit"`
	NEigenComponents    int  `yaml:"n_eigen_components"`
	SpatialOrder        int  `yaml:"spatial_order"`
	// NStarPerCell caps the candidates each cell contributes to the basis
	// and to the final GOOD set. Zero or negative means no cap.
	NStarPerCell int `yaml:"n_star_per_cell"`
	// CutoutSize is the width in pixels of the square candidate cutouts.
	CutoutSize int `yaml:"cutout_size"`
	// BorderWidth is the width of the cutout edge ring used to estimate the
	// background. Zero disables background subtraction.
	BorderWidth            int     `yaml:"border_width"`
	NStarPerCellSpatialFit int     `yaml:"n_star_per_cell_spatial_fit"`
	Tolerance              float64 `yaml:"tolerance"`
	ReducedChi2Threshold   float64 `yaml:"reduced_chi2_threshold"`
	MaxIterations          int     `yaml:"max_iterations"`

	// ConstantWeight gives every candidate the same weight in the basis
	// decomposition instead of weighting by its flux.
	ConstantWeight bool          `yaml:"constant_weight"`
	SpatialStyle   spatial.Style `yaml:"spatial_style"`
	// WarmStart seeds every amplitude from the cutout sum before the first
	// linear spatial fit. When false, amplitudes set by the caller are kept.
	WarmStart      bool `yaml:"warm_start"`
	StopWhenStable bool `yaml:"stop_when_stable"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		NonLinearSpatialFit:    false,
		NEigenComponents:       4,
		SpatialOrder:           2,
		NStarPerCell:           3,
		CutoutSize:             21,
		BorderWidth:            0,
		NStarPerCellSpatialFit: 10,
		Tolerance:              1e-2,
		ReducedChi2Threshold:   2.0,
		MaxIterations:          3,
		ConstantWeight:         false,
		SpatialStyle:           spatial.StyleChebyshev,
		WarmStart:              true,
		StopWhenStable:         false,
	}
}

// Validate reports the first inconsistent setting as an ErrConfiguration.
func (c Config) Validate() error {
	switch {
	case c.NEigenComponents <= 0:
		return fmt.Errorf("%w: n_eigen_components must be positive, got %d", fiterr.ErrConfiguration, c.NEigenComponents)
	case c.SpatialOrder < 0:
		return fmt.Errorf("%w: spatial_order must be >= 0, got %d", fiterr.ErrConfiguration, c.SpatialOrder)
	case c.CutoutSize <= 1:
		return fmt.Errorf("%w: cutout_size must be > 1, got %d", fiterr.ErrConfiguration, c.CutoutSize)
	case c.BorderWidth < 0 || 2*c.BorderWidth >= c.CutoutSize:
		return fmt.Errorf("%w: border_width %d does not fit a %d pixel cutout", fiterr.ErrConfiguration, c.BorderWidth, c.CutoutSize)
	case c.MaxIterations <= 0:
		return fmt.Errorf("%w: max_iterations must be positive, got %d", fiterr.ErrConfiguration, c.MaxIterations)
	case c.Tolerance <= 0:
		return fmt.Errorf("%w: tolerance must be positive, got %g", fiterr.ErrConfiguration, c.Tolerance)
	case c.ReducedChi2Threshold <= 0:
		return fmt.Errorf("%w: reduced_chi2_threshold must be positive, got %g", fiterr.ErrConfiguration, c.ReducedChi2Threshold)
	}
	if _, err := spatial.ParseStyle(c.SpatialStyle.String()); err != nil {
		return err
	}
	return nil
}

// DOF is the number of degrees of freedom per candidate: the cutout pixel
// count minus one.
func (c Config) DOF() int {
	return c.CutoutSize*c.CutoutSize - 1
}

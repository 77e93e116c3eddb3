package apcorr

import (
	"fmt"
	"strings"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
	"github.com/wmwv/meas-algorithms/pkg/spatial"
)

// ErrorPolicy selects how the uncertainty of a flux ratio is derived from
// the uncertainties of its two fluxes.
type ErrorPolicy int

const (
	// ErrorLinear adds the relative errors: σ = ratio·(e_r/f_r + e_t/f_t).
	ErrorLinear ErrorPolicy = iota
	// ErrorQuadrature adds them in quadrature.
	ErrorQuadrature
)

func (p ErrorPolicy) String() string {
	switch p {
	case ErrorLinear:
		return "linear"
	case ErrorQuadrature:
		return "quadrature"
	default:
		return fmt.Sprintf("ErrorPolicy(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p ErrorPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *ErrorPolicy) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "linear", "":
		*p = ErrorLinear
	case "quadrature":
		*p = ErrorQuadrature
	default:
		return fmt.Errorf("%w: unknown error policy %q", fiterr.ErrConfiguration, b)
	}
	return nil
}

// Config holds the knobs of one aperture-correction fit.
type Config struct {
	PolynomialOrder    int           `yaml:"polynomial_order"`
	PolynomialStyle    spatial.Style `yaml:"polynomial_style"`
	ReferenceAlgorithm Algorithm     `yaml:"reference_algorithm"`
	TargetAlgorithm    Algorithm     `yaml:"target_algorithm"`
	ReferenceRadius    float64       `yaml:"reference_radius"`
	TargetRadius       float64       `yaml:"target_radius"`
	DoStarSelection    bool          `yaml:"do_star_selection"`

	// NStarPerCell caps the candidates each cell contributes to the fit.
	// Zero or negative means no cap.
	NStarPerCell  int         `yaml:"n_star_per_cell"`
	MaxIterations int         `yaml:"max_iterations"`
	NSigmaClip    float64     `yaml:"n_sigma_clip"`
	MinFlux       float64     `yaml:"min_flux"`
	MaxFlux       float64     `yaml:"max_flux"`
	ErrorPolicy   ErrorPolicy `yaml:"error_policy"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		PolynomialOrder:    2,
		PolynomialStyle:    spatial.StyleChebyshev,
		ReferenceAlgorithm: AlgorithmPSF,
		TargetAlgorithm:    AlgorithmSinc,
		ReferenceRadius:    0,
		TargetRadius:       7,
		DoStarSelection:    false,
		NStarPerCell:       5,
		MaxIterations:      5,
		NSigmaClip:         3,
		MinFlux:            0,
		MaxFlux:            0,
		ErrorPolicy:        ErrorLinear,
	}
}

// Validate reports the first inconsistent setting as an ErrConfiguration.
func (c Config) Validate() error {
	switch {
	case c.PolynomialOrder < 0:
		return fmt.Errorf("%w: polynomial_order must be >= 0, got %d", fiterr.ErrConfiguration, c.PolynomialOrder)
	case c.MaxIterations <= 0:
		return fmt.Errorf("%w: max_iterations must be positive, got %d", fiterr.ErrConfiguration, c.MaxIterations)
	case c.NSigmaClip <= 0:
		return fmt.Errorf("%w: n_sigma_clip must be positive, got %g", fiterr.ErrConfiguration, c.NSigmaClip)
	case c.ReferenceAlgorithm.Aperture() && c.ReferenceRadius <= 0:
		return fmt.Errorf("%w: %s needs a positive reference_radius", fiterr.ErrConfiguration, c.ReferenceAlgorithm)
	case c.TargetAlgorithm.Aperture() && c.TargetRadius <= 0:
		return fmt.Errorf("%w: %s needs a positive target_radius", fiterr.ErrConfiguration, c.TargetAlgorithm)
	case c.Reference() == c.Target():
		return fmt.Errorf("%w: reference and target are both %s", fiterr.ErrConfiguration, c.Target())
	case c.MaxFlux > 0 && c.MaxFlux <= c.MinFlux:
		return fmt.Errorf("%w: max_flux %g <= min_flux %g", fiterr.ErrConfiguration, c.MaxFlux, c.MinFlux)
	}
	if c.ReferenceAlgorithm.String() == "Unknown" || c.TargetAlgorithm.String() == "Unknown" {
		return fmt.Errorf("%w: unknown photometry algorithm", fiterr.ErrConfiguration)
	}
	return nil
}

// Reference is the measurement key of the reference flux.
func (c Config) Reference() Key { return NewKey(c.ReferenceAlgorithm, c.ReferenceRadius) }

// Target is the measurement key of the target flux.
func (c Config) Target() Key { return NewKey(c.TargetAlgorithm, c.TargetRadius) }

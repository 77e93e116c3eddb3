package apcorr

import (
	"fmt"
	"strings"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
)

// Algorithm names a photometric flux measurement.
type Algorithm int

const (
	AlgorithmPSF Algorithm = iota
	AlgorithmNaive
	AlgorithmSinc
	AlgorithmGaussian
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmPSF:
		return "PSF"
	case AlgorithmNaive:
		return "NAIVE"
	case AlgorithmSinc:
		return "SINC"
	case AlgorithmGaussian:
		return "GAUSSIAN"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

// Aperture reports whether the algorithm measures inside a radius.
func (a Algorithm) Aperture() bool {
	return a == AlgorithmNaive || a == AlgorithmSinc
}

// ParseAlgorithm resolves an algorithm name, case-insensitively.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "PSF":
		return AlgorithmPSF, nil
	case "NAIVE":
		return AlgorithmNaive, nil
	case "SINC":
		return AlgorithmSinc, nil
	case "GAUSSIAN":
		return AlgorithmGaussian, nil
	default:
		return 0, fmt.Errorf("%w: unknown photometry algorithm %q", fiterr.ErrConfiguration, name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Algorithm) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Algorithm) UnmarshalText(b []byte) error {
	v, err := ParseAlgorithm(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Key identifies one measurement of a candidate. Radius is ignored for
// algorithms that do not use an aperture.
type Key struct {
	Algorithm Algorithm
	Radius    float64
}

// NewKey returns the canonical key for an algorithm and radius.
func NewKey(a Algorithm, radius float64) Key {
	if !a.Aperture() {
		radius = 0
	}
	return Key{Algorithm: a, Radius: radius}
}

func (k Key) String() string {
	if k.Algorithm.Aperture() {
		return fmt.Sprintf("%s(r=%g)", k.Algorithm, k.Radius)
	}
	return k.Algorithm.String()
}

// Measurement is a flux and its uncertainty.
type Measurement struct {
	Flux    float64 `yaml:"flux"`
	FluxErr float64 `yaml:"flux_err"`
}

// Photometry holds the measurements of one candidate.
type Photometry map[Key]Measurement

// Set records a measurement under the canonical key.
func (p Photometry) Set(a Algorithm, radius float64, m Measurement) {
	p[NewKey(a, radius)] = m
}

// Get returns the measurement for an algorithm and radius.
func (p Photometry) Get(a Algorithm, radius float64) (Measurement, bool) {
	m, ok := p[NewKey(a, radius)]
	return m, ok
}

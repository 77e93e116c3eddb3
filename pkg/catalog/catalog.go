// Package catalog reads the candidate list of an exposure: positions and
// per-algorithm fluxes of detected objects, stored as YAML.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wmwv/meas-algorithms/pkg/apcorr"
	"github.com/wmwv/meas-algorithms/pkg/fiterr"
	"github.com/wmwv/meas-algorithms/pkg/psf"
	"github.com/wmwv/meas-algorithms/pkg/spatialcell"
)

// Flux is one photometric measurement of a source.
type Flux struct {
	Algorithm apcorr.Algorithm `yaml:"algorithm"`
	Radius    float64          `yaml:"radius,omitempty"`
	Flux      float64          `yaml:"flux"`
	FluxErr   float64          `yaml:"flux_err"`
}

// Source is one detected object.
type Source struct {
	ID int     `yaml:"id"`
	X  float64 `yaml:"x"`
	Y  float64 `yaml:"y"`
	// Rank orders sources within a spatial cell. When zero, the largest
	// flux of the source is used.
	Rank   float64 `yaml:"rank,omitempty"`
	Fluxes []Flux  `yaml:"fluxes,omitempty"`
}

// Catalog is the source list of one exposure.
type Catalog struct {
	Exposure string   `yaml:"exposure,omitempty"`
	Sources  []Source `yaml:"sources"`
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a catalog document. Unknown fields are
// rejected.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: failed to parse catalog: %v", fiterr.ErrConfiguration, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that source IDs are unique and positions finite.
func (c *Catalog) Validate() error {
	seen := make(map[int]bool, len(c.Sources))
	for _, s := range c.Sources {
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate source id %d", fiterr.ErrConfiguration, s.ID)
		}
		seen[s.ID] = true
		if math.IsNaN(s.X) || math.IsNaN(s.Y) || math.IsInf(s.X, 0) || math.IsInf(s.Y, 0) {
			return fmt.Errorf("%w: source %d has a non-finite position", fiterr.ErrConfiguration, s.ID)
		}
	}
	return nil
}

// Save writes the catalog as YAML.
func (c *Catalog) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	return nil
}

func (s Source) rank() float64 {
	if s.Rank != 0 {
		return s.Rank
	}
	r := 0.0
	for _, f := range s.Fluxes {
		r = math.Max(r, f.Flux)
	}
	return r
}

// PSFCandidates returns one PSF candidate per source with an empty cutout.
// The amplitude starts at the reference flux when the source has one.
func (c *Catalog) PSFCandidates(reference apcorr.Key) []spatialcell.Candidate[psf.Cutout] {
	cands := make([]spatialcell.Candidate[psf.Cutout], len(c.Sources))
	for i, s := range c.Sources {
		cands[i] = spatialcell.Candidate[psf.Cutout]{ID: s.ID, X: s.X, Y: s.Y, Rank: s.rank()}
		if m, ok := s.photometry().Get(reference.Algorithm, reference.Radius); ok {
			cands[i].Amplitude = m.Flux
		}
	}
	return cands
}

// ApCorrCandidates returns one aperture-correction candidate per source.
func (c *Catalog) ApCorrCandidates() []spatialcell.Candidate[apcorr.Photometry] {
	cands := make([]spatialcell.Candidate[apcorr.Photometry], len(c.Sources))
	for i, s := range c.Sources {
		cands[i] = spatialcell.Candidate[apcorr.Photometry]{
			ID: s.ID, X: s.X, Y: s.Y, Rank: s.rank(), Data: s.photometry(),
		}
	}
	return cands
}

func (s Source) photometry() apcorr.Photometry {
	p := make(apcorr.Photometry, len(s.Fluxes))
	for _, f := range s.Fluxes {
		p.Set(f.Algorithm, f.Radius, apcorr.Measurement{Flux: f.Flux, FluxErr: f.FluxErr})
	}
	return p
}

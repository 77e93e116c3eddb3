package catalog

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wmwv/meas-algorithms/pkg/apcorr"
	"github.com/wmwv/meas-algorithms/pkg/fiterr"
)

const doc = `
exposure: field.fits
sources:
  - id: 7
    x: 10.5
    y: 20.25
    fluxes:
      - algorithm: psf
        flux: 1200
        flux_err: 35
      - algorithm: SINC
        radius: 7
        flux: 1000
        flux_err: 40
  - id: 9
    x: 100
    y: 50
    rank: 3
`

func TestParse(t *testing.T) {
	t.Parallel()

	c, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "field.fits", c.Exposure)
	require.Len(t, c.Sources, 2)

	ap := c.ApCorrCandidates()
	require.Len(t, ap, 2)
	assert.Equal(t, 7, ap[0].ID)
	assert.Equal(t, 1200.0, ap[0].Rank)
	assert.Equal(t, 3.0, ap[1].Rank)

	want := apcorr.Photometry{
		apcorr.NewKey(apcorr.AlgorithmPSF, 0):  {Flux: 1200, FluxErr: 35},
		apcorr.NewKey(apcorr.AlgorithmSinc, 7): {Flux: 1000, FluxErr: 40},
	}
	if diff := cmp.Diff(want, ap[0].Data); diff != "" {
		t.Errorf("photometry mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, ap[1].Data)

	ps := c.PSFCandidates(apcorr.NewKey(apcorr.AlgorithmPSF, 0))
	require.Len(t, ps, 2)
	assert.Equal(t, 1200.0, ps[0].Amplitude)
	assert.Zero(t, ps[1].Amplitude)
	assert.Equal(t, 20.25, ps[0].Y)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	for name, text := range map[string]string{
		"duplicate id": "sources:\n  - {id: 1, x: 0, y: 0}\n  - {id: 1, x: 2, y: 2}\n",
		"unknown alg":  "sources:\n  - id: 1\n    fluxes:\n      - {algorithm: kron, flux: 1}\n",
		"unknown key":  "sources:\n  - {id: 1, x: 0, y: 0, colour: red}\n",
		"nan position": "sources:\n  - {id: 1, x: .nan, y: 0}\n",
	} {
		_, err := Parse([]byte(text))
		assert.True(t, errors.Is(err, fiterr.ErrConfiguration), name)
	}
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()

	c, err := Parse([]byte(doc))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, c.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("catalog mismatch (-want +got):\n%s", diff)
	}
}

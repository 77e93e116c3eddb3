// Package exposure loads astronomical images and cuts the postage stamps
// the PSF fitter works on. Images live in a float32 Mat backed by OpenCV,
// or by pure Go when built with the purego tag.
package exposure

import (
	"image"
	"path/filepath"
	"strings"
)

// Exposure is one image with its header.
type Exposure struct {
	Image    Mat
	Metadata *Metadata
}

// Load reads a FITS file, or any other image format the Mat backend can
// decode, by file extension.
func Load(path string) (*Exposure, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fits", ".fit", ".fts":
		img, md, err := ReadFITS(path)
		if err != nil {
			return nil, err
		}
		return &Exposure{Image: img, Metadata: md}, nil
	default:
		img, err := ReadImage(path)
		if err != nil {
			return nil, err
		}
		return &Exposure{Image: img, Metadata: NewMetadata()}, nil
	}
}

// Bounds returns the pixel rectangle of the image.
func (e *Exposure) Bounds() image.Rectangle {
	return image.Rect(0, 0, e.Image.Cols(), e.Image.Rows())
}

// Noise estimates the sky level and noise, clipping pixels further than
// clipSigma from the mean.
func (e *Exposure) Noise(clipSigma float64) KappaSigmaResult {
	return KappaSigmaNoiseEstimate(e.Image, clipSigma, 1e-4, 20)
}

// Gain returns the header gain, or 1 when the header has none.
func (e *Exposure) Gain() float64 {
	if g, ok := e.Metadata.Gain(); ok {
		return g
	}
	return 1
}

func (e *Exposure) Close() {
	e.Image.Close()
}

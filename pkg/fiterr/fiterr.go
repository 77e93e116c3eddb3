// Package fiterr defines the error kinds shared by the spatial fitting packages.
//
// Errors are wrapped with fmt.Errorf("%w: ...") at the point of failure, so
// callers distinguish them with errors.Is.
package fiterr

import "errors"

var (
	// ErrConfiguration reports an unusable configuration, e.g. a non-positive
	// cell size or a polynomial order that is negative.
	ErrConfiguration = errors.New("configuration error")

	// ErrInsufficientData reports fewer usable candidates than the configured
	// model needs. A caller may retry with a lower order.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrNumerical reports a singular system or a data/model inconsistency
	// that affects the whole fit.
	ErrNumerical = errors.New("numerical error")
)

package spatialcell

import "fmt"

// Status is the classification of a candidate during a fit session.
type Status int

const (
	// StatusUnknown means the candidate is not yet proven bad and may be used.
	StatusUnknown Status = iota
	// StatusGood means the candidate was retained by its cell in the final pass.
	StatusGood
	// StatusBad means the candidate is excluded from estimation.
	StatusBad
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusGood:
		return "GOOD"
	case StatusBad:
		return "BAD"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Candidate is one detected object considered as a calibrator. The payload
// T carries the measurement: a pixel cutout for PSF estimation or a set of
// fluxes for aperture correction.
type Candidate[T any] struct {
	ID int
	X  float64
	Y  float64
	// Rank orders candidates within a cell; larger is better (e.g. flux).
	Rank      float64
	Amplitude float64
	// Chi2 is the raw residual sum from the most recent fit. Negative
	// values flag a candidate the fitter could not evaluate.
	Chi2   float64
	Status Status
	Data   T
}

func (c *Candidate[T]) String() string {
	return fmt.Sprintf("{ID=%d, X=%f, Y=%f, Rank=%f, Amplitude=%f, Chi2=%f, Status=%s}",
		c.ID, c.X, c.Y, c.Rank, c.Amplitude, c.Chi2, c.Status)
}

package psf

import (
	"go.uber.org/zap"

	"github.com/wmwv/meas-algorithms/pkg/spatialcell"
)

// IterationState is what an Observer sees after each pass. Slices are
// copies or shared read-only data and must not be modified.
type IterationState struct {
	Iteration int
	Threshold float64
	Chi2      float64
	Model     *Model
	// EigenValues are normalised like Model.EigenValues.
	EigenValues []float64
	LowOrder    bool
	Candidates  []spatialcell.Candidate[Cutout]
	Cells       []spatialcell.Cell
	NumBad      int
}

// Observer is notified after every iteration of a Determiner. Observers
// cannot influence the fit.
type Observer interface {
	OnIteration(IterationState)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(IterationState)

// OnIteration calls f(s).
func (f ObserverFunc) OnIteration(s IterationState) { f(s) }

// LogObserver logs a one-line summary of every iteration.
func LogObserver(logger *zap.Logger) Observer {
	return ObserverFunc(func(s IterationState) {
		logger.Info("psf iteration",
			zap.Int("iteration", s.Iteration),
			zap.Float64("threshold", s.Threshold),
			zap.Float64("chi2", s.Chi2),
			zap.Int("components", s.Model.NumComponents()),
			zap.Float64s("eigenvalues", s.EigenValues),
			zap.Bool("low_order", s.LowOrder),
			zap.Int("bad", s.NumBad),
			zap.Int("candidates", len(s.Candidates)),
		)
	})
}

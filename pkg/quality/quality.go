// Package quality turns the final state of a fit session into named quality
// ratings.
package quality

import (
	"fmt"
	"math"
	"sync"
)

// Rating prefixes of the two fit sessions.
const (
	PrefixPSF    = "phot.psf"
	PrefixApCorr = "phot.apCorr"
)

// Rating is one named quality metric with the range it may take.
type Rating struct {
	Name  string
	Value float64
	Lower float64
	Upper float64
}

func (r Rating) String() string {
	return fmt.Sprintf("%s=%g [%g, %g]", r.Name, r.Value, r.Lower, r.Upper)
}

// RatingSet collects ratings from any number of sessions. Ratings can be
// appended but never changed or removed.
type RatingSet struct {
	mu      sync.Mutex
	ratings []Rating
}

// Append adds ratings to the set.
func (s *RatingSet) Append(r ...Rating) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratings = append(s.ratings, r...)
}

// All returns a copy of the ratings in insertion order.
func (s *RatingSet) All() []Rating {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Rating, len(s.ratings))
	copy(out, s.ratings)
	return out
}

// Get returns the most recent rating with the given name.
func (s *RatingSet) Get(name string) (Rating, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.ratings) - 1; i >= 0; i-- {
		if s.ratings[i].Name == name {
			return s.ratings[i], true
		}
	}
	return Rating{}, false
}

// Len is the number of ratings in the set.
func (s *RatingSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ratings)
}

// Summarize computes the ratings of one fit session from its final counts
// and global chi-squared. good is the number of candidates retained in the
// final pass and available the number assigned to any cell.
func Summarize(prefix string, good, available int, chi2 float64, lowOrder bool) []Rating {
	flag := 0.0
	if lowOrder {
		flag = 1
	}
	return []Rating{
		{Name: prefix + ".spatialFitChi2", Value: chi2, Lower: 0, Upper: math.Inf(1)},
		{Name: prefix + ".numGoodStars", Value: float64(good), Lower: 0, Upper: float64(available)},
		{Name: prefix + ".numAvailStars", Value: float64(available), Lower: 0, Upper: math.Inf(1)},
		{Name: prefix + ".spatialLowOrdFlag", Value: flag, Lower: 0, Upper: 1},
	}
}

// Package spatialcell partitions a field of view into rectangular cells and
// keeps the candidates of one fit session, ranked within their cell.
package spatialcell

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
)

// Cell is a rectangular region of the field. Members are candidate indices
// into the owning CellSet, ordered best-ranked first.
type Cell struct {
	Label   string
	Bounds  image.Rectangle
	members []int
}

// Members returns the candidate indices of the cell in rank order. The
// slice must not be modified.
func (c *Cell) Members() []int { return c.members }

// Size is the number of candidates assigned to the cell, BAD ones included.
func (c *Cell) Size() int { return len(c.members) }

// CellSet owns the candidates of one fit session and their cell membership.
// It is not safe for concurrent mutation; the fitter writes each candidate
// from at most one goroutine.
type CellSet[T any] struct {
	bounds     image.Rectangle
	sizeX      int
	sizeY      int
	nx         int
	ny         int
	cells      []Cell
	candidates []Candidate[T]
	cellOf     []int
	malformed  []bool
}

// Assign builds a CellSet of sizeX by sizeY pixel cells covering bounds and
// places every candidate in exactly one cell. Candidates with a position
// outside bounds or not finite are clamped into the nearest edge cell,
// marked BAD and reported by Malformed for the life of the set.
func Assign[T any](cands []Candidate[T], bounds image.Rectangle, sizeX, sizeY int) (*CellSet[T], error) {
	if sizeX <= 0 || sizeY <= 0 {
		return nil, fmt.Errorf("%w: cell size must be positive, got %dx%d", fiterr.ErrConfiguration, sizeX, sizeY)
	}
	if bounds.Empty() {
		return nil, fmt.Errorf("%w: empty field bounds %v", fiterr.ErrConfiguration, bounds)
	}

	nx := (bounds.Dx() + sizeX - 1) / sizeX
	ny := (bounds.Dy() + sizeY - 1) / sizeY

	cs := &CellSet[T]{
		bounds:     bounds,
		sizeX:      sizeX,
		sizeY:      sizeY,
		nx:         nx,
		ny:         ny,
		cells:      make([]Cell, 0, nx*ny),
		candidates: make([]Candidate[T], len(cands)),
		cellOf:     make([]int, len(cands)),
		malformed:  make([]bool, len(cands)),
	}
	copy(cs.candidates, cands)

	for row := 0; row < ny; row++ {
		for col := 0; col < nx; col++ {
			r := image.Rect(
				bounds.Min.X+col*sizeX,
				bounds.Min.Y+row*sizeY,
				bounds.Min.X+(col+1)*sizeX,
				bounds.Min.Y+(row+1)*sizeY,
			).Intersect(bounds)
			cs.cells = append(cs.cells, Cell{
				Label:   fmt.Sprintf("Cell %dx%d", col, row),
				Bounds:  r,
				members: make([]int, 0),
			})
		}
	}

	for i := range cs.candidates {
		c := &cs.candidates[i]
		idx, inside := cs.cellIndex(c.X, c.Y)
		if !inside {
			c.Status = StatusBad
			cs.malformed[i] = true
		}
		cs.cellOf[i] = idx
		cs.cells[idx].members = append(cs.cells[idx].members, i)
	}

	for ci := range cs.cells {
		cs.sortCell(&cs.cells[ci])
	}
	return cs, nil
}

// cellIndex maps a position to a cell by integer division of the offset
// from the field origin by the cell size.
func (cs *CellSet[T]) cellIndex(x, y float64) (int, bool) {
	inside := true
	if math.IsNaN(x) || math.IsInf(x, 0) {
		x, inside = float64(cs.bounds.Min.X), false
	}
	if math.IsNaN(y) || math.IsInf(y, 0) {
		y, inside = float64(cs.bounds.Min.Y), false
	}

	ix := int(math.Floor(x)) - cs.bounds.Min.X
	iy := int(math.Floor(y)) - cs.bounds.Min.Y
	col := ix / cs.sizeX
	row := iy / cs.sizeY
	if ix < 0 {
		col, inside = 0, false
	}
	if iy < 0 {
		row, inside = 0, false
	}
	if col >= cs.nx {
		col, inside = cs.nx-1, false
	}
	if row >= cs.ny {
		row, inside = cs.ny-1, false
	}
	return row*cs.nx + col, inside
}

func (cs *CellSet[T]) sortCell(c *Cell) {
	sort.SliceStable(c.members, func(a, b int) bool {
		ca := &cs.candidates[c.members[a]]
		cb := &cs.candidates[c.members[b]]
		if ca.Rank != cb.Rank {
			return ca.Rank > cb.Rank
		}
		return ca.ID < cb.ID
	})
}

// Bounds returns the field covered by the set.
func (cs *CellSet[T]) Bounds() image.Rectangle { return cs.bounds }

// Grid returns the number of cell columns and rows.
func (cs *CellSet[T]) Grid() (int, int) { return cs.nx, cs.ny }

// Cells returns the cells in row-major order. The slice must not be modified.
func (cs *CellSet[T]) Cells() []Cell { return cs.cells }

// Len is the number of candidates in the set.
func (cs *CellSet[T]) Len() int { return len(cs.candidates) }

// At returns the candidate with index i for in-place update.
func (cs *CellSet[T]) At(i int) *Candidate[T] { return &cs.candidates[i] }

// Malformed reports whether candidate i had a position outside the field
// or not finite when it was assigned. Such a candidate must stay BAD.
func (cs *CellSet[T]) Malformed(i int) bool { return cs.malformed[i] }

// CellOf returns the index of the cell holding candidate i.
func (cs *CellSet[T]) CellOf(i int) int { return cs.cellOf[i] }

// Indices returns every candidate index, cell by cell in rank order.
func (cs *CellSet[T]) Indices() []int {
	out := make([]int, 0, len(cs.candidates))
	for ci := range cs.cells {
		out = append(out, cs.cells[ci].members...)
	}
	return out
}

// Select returns, cell by cell, the indices of the best-ranked non-BAD
// candidates, at most limit per cell. A limit <= 0 selects every non-BAD
// candidate. Capped-out candidates are kept in the set.
func (cs *CellSet[T]) Select(limit int) []int {
	out := make([]int, 0, len(cs.candidates))
	for ci := range cs.cells {
		taken := 0
		for _, idx := range cs.cells[ci].members {
			if limit > 0 && taken >= limit {
				break
			}
			if cs.candidates[idx].Status == StatusBad {
				continue
			}
			out = append(out, idx)
			taken++
		}
	}
	return out
}

// CountUsable returns the number of non-BAD candidates.
func (cs *CellSet[T]) CountUsable() int {
	n := 0
	for i := range cs.candidates {
		if cs.candidates[i].Status != StatusBad {
			n++
		}
	}
	return n
}

// MarkGood promotes the candidates each cell retains under limit to GOOD.
// Previously GOOD candidates that are no longer retained drop to UNKNOWN.
func (cs *CellSet[T]) MarkGood(limit int) {
	for i := range cs.candidates {
		if cs.candidates[i].Status == StatusGood {
			cs.candidates[i].Status = StatusUnknown
		}
	}
	for _, idx := range cs.Select(limit) {
		cs.candidates[idx].Status = StatusGood
	}
}

// Count returns the number of GOOD candidates and the number of candidates
// available regardless of status.
func (cs *CellSet[T]) Count() (good, available int) {
	for i := range cs.candidates {
		if cs.candidates[i].Status == StatusGood {
			good++
		}
	}
	return good, len(cs.candidates)
}

// Statuses returns the status of every candidate, indexed like At.
func (cs *CellSet[T]) Statuses() []Status {
	out := make([]Status, len(cs.candidates))
	for i := range cs.candidates {
		out[i] = cs.candidates[i].Status
	}
	return out
}

// Candidates returns a copy of the candidate records.
func (cs *CellSet[T]) Candidates() []Candidate[T] {
	out := make([]Candidate[T], len(cs.candidates))
	copy(out, cs.candidates)
	return out
}

package spatialcell

import (
	"errors"
	"image"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wmwv/meas-algorithms/pkg/fiterr"
)

func gridCandidates(n int, field float64) []Candidate[struct{}] {
	cands := make([]Candidate[struct{}], 0, n*n)
	id := 0
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			cands = append(cands, Candidate[struct{}]{
				ID:   id,
				X:    field * (float64(i) + 0.5) / float64(n),
				Y:    field * (float64(j) + 0.5) / float64(n),
				Rank: float64(id),
			})
			id++
		}
	}
	return cands
}

func TestAssignRejectsBadCellSize(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name         string
		sizeX, sizeY int
	}{
		{"zero x", 0, 32},
		{"zero y", 32, 0},
		{"negative", -4, -4},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Assign(gridCandidates(2, 64), image.Rect(0, 0, 64, 64), tc.sizeX, tc.sizeY)
			require.Error(t, err)
			assert.True(t, errors.Is(err, fiterr.ErrConfiguration))
		})
	}
}

func TestAssignEveryCandidateInExactlyOneCell(t *testing.T) {
	t.Parallel()

	cs, err := Assign(gridCandidates(5, 128), image.Rect(0, 0, 128, 128), 32, 32)
	require.NoError(t, err)

	nx, ny := cs.Grid()
	assert.Equal(t, 4, nx)
	assert.Equal(t, 4, ny)

	seen := make(map[int]int)
	for ci, cell := range cs.Cells() {
		for _, idx := range cell.Members() {
			seen[idx]++
			assert.Equal(t, ci, cs.CellOf(idx))
			c := cs.At(idx)
			assert.True(t, image.Pt(int(c.X), int(c.Y)).In(cell.Bounds), "candidate %d outside %s", c.ID, cell.Label)
		}
	}
	require.Len(t, seen, 25)
	for idx, n := range seen {
		assert.Equal(t, 1, n, "candidate %d", idx)
	}
}

func TestAssignEmptyCellsAreValid(t *testing.T) {
	t.Parallel()

	cands := []Candidate[struct{}]{{ID: 0, X: 1, Y: 1}}
	cs, err := Assign(cands, image.Rect(0, 0, 100, 100), 10, 10)
	require.NoError(t, err)
	assert.Len(t, cs.Cells(), 100)
	assert.Equal(t, []int{0}, cs.Select(0))
}

func TestAssignClampsOutOfBounds(t *testing.T) {
	t.Parallel()

	cands := []Candidate[struct{}]{
		{ID: 0, X: 10, Y: 10},
		{ID: 1, X: -5, Y: 10},
		{ID: 2, X: 500, Y: 500},
		{ID: 3, X: math.NaN(), Y: 3},
	}
	cs, err := Assign(cands, image.Rect(0, 0, 64, 64), 32, 32)
	require.NoError(t, err)

	want := []Status{StatusUnknown, StatusBad, StatusBad, StatusBad}
	if diff := cmp.Diff(want, cs.Statuses()); diff != "" {
		t.Errorf("statuses mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0, cs.CellOf(1))
	assert.Equal(t, 3, cs.CellOf(2))

	for i, want := range []bool{false, true, true, true} {
		assert.Equal(t, want, cs.Malformed(i), "candidate %d", i)
	}
}

func TestSelectHonoursCapAndRank(t *testing.T) {
	t.Parallel()

	cands := []Candidate[struct{}]{
		{ID: 0, X: 1, Y: 1, Rank: 1},
		{ID: 1, X: 2, Y: 2, Rank: 5},
		{ID: 2, X: 3, Y: 3, Rank: 3},
		{ID: 3, X: 4, Y: 4, Rank: 9, Status: StatusBad},
	}
	cs, err := Assign(cands, image.Rect(0, 0, 10, 10), 10, 10)
	require.NoError(t, err)

	assert.Equal(t, []int{3, 1, 2, 0}, cs.Cells()[0].Members())
	assert.Equal(t, []int{1, 2}, cs.Select(2))
	assert.Equal(t, []int{1, 2, 0}, cs.Select(0))
	assert.Equal(t, 3, cs.CountUsable())
	assert.Len(t, cs.Indices(), 4)
}

func TestMarkGoodAndCount(t *testing.T) {
	t.Parallel()

	cs, err := Assign(gridCandidates(4, 40), image.Rect(0, 0, 40, 40), 20, 20)
	require.NoError(t, err)
	cs.At(0).Status = StatusBad

	cs.MarkGood(2)
	good, avail := cs.Count()
	assert.Equal(t, 16, avail)
	assert.Equal(t, 8, good)
	assert.Equal(t, StatusBad, cs.At(0).Status)
	assert.LessOrEqual(t, good, avail)
	assert.Equal(t, avail, good+(avail-good))

	cs.MarkGood(1)
	good, _ = cs.Count()
	assert.Equal(t, 4, good)
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "UNKNOWN", StatusUnknown.String())
	assert.Equal(t, "GOOD", StatusGood.String())
	assert.Equal(t, "BAD", StatusBad.String())
	assert.Equal(t, "Status(7)", Status(7).String())
}

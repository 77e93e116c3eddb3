package psf

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/wmwv/meas-algorithms/pkg/spatialcell"
)

const (
	fieldEdgeFraction    = 0.25
	minStarsPerZone      = 3
	minTotalStarsForTilt = 20
)

// ZonePosition identifies a zone in the 3x3 field grid.
type ZonePosition int

const (
	ZoneTopLeft ZonePosition = iota
	ZoneTop
	ZoneTopRight
	ZoneLeft
	ZoneCenter
	ZoneRight
	ZoneBottomLeft
	ZoneBottom
	ZoneBottomRight
)

var zoneLabels = map[ZonePosition]string{
	ZoneTopLeft:     "TL",
	ZoneTop:         "T",
	ZoneTopRight:    "TR",
	ZoneLeft:        "L",
	ZoneCenter:      "Center",
	ZoneRight:       "R",
	ZoneBottomLeft:  "BL",
	ZoneBottom:      "B",
	ZoneBottomRight: "BR",
}

func (p ZonePosition) String() string {
	if l, ok := zoneLabels[p]; ok {
		return l
	}
	return fmt.Sprintf("ZonePosition(%d)", int(p))
}

var cornerPositions = []ZonePosition{ZoneTopLeft, ZoneTopRight, ZoneBottomLeft, ZoneBottomRight}

// ZoneData holds the model PSF statistics of one zone, measured at the
// positions of its GOOD candidates.
type ZoneData struct {
	Label              string
	MedianFWHM         float64
	MedianEccentricity float64
	StarCount          int
}

// FieldAnalysis summarises how the model PSF width varies over a 3x3 grid
// of the field.
type FieldAnalysis struct {
	Zones       map[ZonePosition]ZoneData
	TiltPct     float64
	OffAxisPct  float64
	BestCorner  string
	WorstCorner string
	Reliable    bool
}

// AnalyzeField measures the model PSF at every GOOD candidate and compares
// the median FWHM of the corners and edges of the field to its centre.
// Candidates where the shape fit fails are skipped.
func AnalyzeField(m *Model, cands []spatialcell.Candidate[Cutout], bounds image.Rectangle) *FieldAnalysis {
	x0, y0 := float64(bounds.Min.X), float64(bounds.Min.Y)
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	xLo := x0 + w*fieldEdgeFraction
	xHi := x0 + w*(1.0-fieldEdgeFraction)
	yLo := y0 + h*fieldEdgeFraction
	yHi := y0 + h*(1.0-fieldEdgeFraction)

	zoneShapes := make(map[ZonePosition][]*Shape)
	total := 0
	for _, c := range cands {
		if c.Status != spatialcell.StatusGood {
			continue
		}
		s, err := m.MeasureShape(c.X, c.Y)
		if err != nil {
			continue
		}
		pos := classifyZone(c.X, c.Y, xLo, xHi, yLo, yHi)
		zoneShapes[pos] = append(zoneShapes[pos], s)
		total++
	}

	zones := make(map[ZonePosition]ZoneData, len(zoneLabels))
	for pos := range zoneLabels {
		zones[pos] = computeZoneData(pos, zoneShapes[pos])
	}
	result := &FieldAnalysis{Zones: zones}

	centerFWHM := zones[ZoneCenter].MedianFWHM
	if centerFWHM <= 0 {
		return result
	}

	// Tilt: compare corners to center
	var bestCorner, worstCorner ZonePosition
	bestFWHM := math.MaxFloat64
	worstFWHM := 0.0
	validCorners := 0
	for _, pos := range cornerPositions {
		z := zones[pos]
		if z.StarCount < minStarsPerZone {
			continue
		}
		validCorners++
		if z.MedianFWHM < bestFWHM {
			bestFWHM = z.MedianFWHM
			bestCorner = pos
		}
		if z.MedianFWHM > worstFWHM {
			worstFWHM = z.MedianFWHM
			worstCorner = pos
		}
	}
	if validCorners >= 2 && worstFWHM > 0 {
		result.TiltPct = (worstFWHM - bestFWHM) / centerFWHM * 100.0
		result.BestCorner = zoneLabels[bestCorner]
		result.WorstCorner = zoneLabels[worstCorner]
	}

	// Off-axis: average of all non-center zones vs center
	var offAxisSum float64
	offAxisCount := 0
	for pos, z := range zones {
		if pos == ZoneCenter || z.StarCount < minStarsPerZone {
			continue
		}
		offAxisSum += z.MedianFWHM
		offAxisCount++
	}
	if offAxisCount > 0 {
		result.OffAxisPct = (offAxisSum/float64(offAxisCount) - centerFWHM) / centerFWHM * 100.0
	}

	result.Reliable = total >= minTotalStarsForTilt && validCorners >= 4 && zones[ZoneCenter].StarCount >= minStarsPerZone
	return result
}

func classifyZone(x, y, xLo, xHi, yLo, yHi float64) ZonePosition {
	var col, row int
	if x < xLo {
		col = 0
	} else if x < xHi {
		col = 1
	} else {
		col = 2
	}
	if y < yLo {
		row = 0
	} else if y < yHi {
		row = 1
	} else {
		row = 2
	}

	grid := [3][3]ZonePosition{
		{ZoneTopLeft, ZoneTop, ZoneTopRight},
		{ZoneLeft, ZoneCenter, ZoneRight},
		{ZoneBottomLeft, ZoneBottom, ZoneBottomRight},
	}
	return grid[row][col]
}

func computeZoneData(pos ZonePosition, shapes []*Shape) ZoneData {
	zd := ZoneData{
		Label:     zoneLabels[pos],
		StarCount: len(shapes),
	}
	if len(shapes) == 0 {
		return zd
	}

	fwhm := make([]float64, len(shapes))
	ecc := make([]float64, len(shapes))
	for i, s := range shapes {
		fwhm[i] = s.FWHMPixels
		ecc[i] = s.Eccentricity
	}
	zd.MedianFWHM = medianFloat64(fwhm)
	zd.MedianEccentricity = medianFloat64(ecc)
	return zd
}

func medianFloat64(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2.0
	}
	return sorted[n/2]
}

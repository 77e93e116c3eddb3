//go:build js && wasm

package main

import (
	"context"
	"errors"
	"fmt"
	"syscall/js"

	"github.com/wmwv/meas-algorithms/pkg/apcorr"
	"github.com/wmwv/meas-algorithms/pkg/catalog"
	"github.com/wmwv/meas-algorithms/pkg/config"
	"github.com/wmwv/meas-algorithms/pkg/display"
	"github.com/wmwv/meas-algorithms/pkg/exposure"
	"github.com/wmwv/meas-algorithms/pkg/fiterr"
	"github.com/wmwv/meas-algorithms/pkg/psf"
	"github.com/wmwv/meas-algorithms/pkg/quality"
	"github.com/wmwv/meas-algorithms/pkg/spatialcell"
)

var (
	lastCells  *spatialcell.CellSet[psf.Cutout]
	lastResult *psf.Result
)

func main() {
	js.Global().Set("determinePSF", js.FuncOf(determinePSF))
	js.Global().Set("renderOverlay", js.FuncOf(renderOverlay))
	select {} // block forever
}

func copyBytes(v js.Value) []byte {
	b := make([]byte, v.Get("length").Int())
	js.CopyBytesToGo(b, v)
	return b
}

// determinePSF(fitsBytes, catalogYAML, configYAML?) fits the PSF and the
// aperture correction of one exposure held in memory.
func determinePSF(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return errorResult("usage: determinePSF(fitsBytes, catalogYAML, configYAML)")
	}

	var cfgText []byte
	if len(args) >= 3 && args[2].Type() == js.TypeString {
		cfgText = []byte(args[2].String())
	}
	cfg, err := config.Parse(cfgText)
	if err != nil {
		return errorResult("config error: " + err.Error())
	}
	logger, err := cfg.Logging.NewLogger(false)
	if err != nil {
		return errorResult(err.Error())
	}
	defer logger.Sync()

	cat, err := catalog.Parse([]byte(args[1].String()))
	if err != nil {
		return errorResult("catalog error: " + err.Error())
	}

	img, md, err := exposure.ReadFITSFromBytes(copyBytes(args[0]))
	if err != nil {
		return errorResult("FITS parse error: " + err.Error())
	}
	exp := &exposure.Exposure{Image: img, Metadata: md}
	defer exp.Close()

	noise := exp.Noise(cfg.Cutout.ClipSigma)
	gain := cfg.Cutout.Gain
	if gain <= 0 {
		gain = exp.Gain()
	}

	ctx := context.Background()
	cands := cat.PSFCandidates(cfg.ApCorr.Reference())
	missing, err := exposure.FillCutouts(ctx, exp.Image, cands, exposure.CutoutOptions{
		Size:  cfg.PSF.CutoutSize,
		Gain:  gain,
		Noise: noise,
	})
	if err != nil {
		return errorResult("cutout error: " + err.Error())
	}
	cs, err := spatialcell.Assign(cands, exp.Bounds(), cfg.Cells.SizeX, cfg.Cells.SizeY)
	if err != nil {
		return errorResult(err.Error())
	}

	det, err := psf.NewDeterminer(cfg.PSF, psf.WithLogger(logger))
	if err != nil {
		return errorResult(err.Error())
	}
	res, err := det.Determine(ctx, cs)
	if err != nil {
		return errorResult("PSF error: " + err.Error())
	}
	lastCells, lastResult = cs, res

	var ratings quality.RatingSet
	ratings.Append(res.Ratings...)

	jsResult := map[string]interface{}{
		"width":      exp.Image.Cols(),
		"height":     exp.Image.Rows(),
		"background": noise.BackgroundMean,
		"stddev":     noise.Sigma,
		"missing":    missing,
		"good":       res.Good,
		"available":  res.Available,
		"chi2":       res.Chi2,
		"iterations": res.Iterations,
		"lowOrder":   res.LowOrder,
	}

	jsStars := make([]interface{}, 0, cs.Len())
	for _, c := range cs.Candidates() {
		jsStars = append(jsStars, map[string]interface{}{
			"id":     c.ID,
			"x":      c.X,
			"y":      c.Y,
			"chi2":   c.Chi2,
			"status": c.Status.String(),
		})
	}
	jsResult["stars"] = jsStars

	if field := psf.AnalyzeField(res.Model, cs.Candidates(), cs.Bounds()); field != nil {
		zoneOrder := []psf.ZonePosition{
			psf.ZoneTopLeft, psf.ZoneTop, psf.ZoneTopRight,
			psf.ZoneLeft, psf.ZoneCenter, psf.ZoneRight,
			psf.ZoneBottomLeft, psf.ZoneBottom, psf.ZoneBottomRight,
		}
		jsZones := make([]interface{}, len(zoneOrder))
		for i, pos := range zoneOrder {
			z := field.Zones[pos]
			jsZones[i] = map[string]interface{}{
				"label":              z.Label,
				"medianFWHM":         z.MedianFWHM,
				"medianEccentricity": z.MedianEccentricity,
				"starCount":          z.StarCount,
			}
		}
		jsResult["field"] = map[string]interface{}{
			"zones":       jsZones,
			"tiltPct":     field.TiltPct,
			"offAxisPct":  field.OffAxisPct,
			"bestCorner":  field.BestCorner,
			"worstCorner": field.WorstCorner,
			"reliable":    field.Reliable,
		}
	}

	acs, err := spatialcell.Assign(cat.ApCorrCandidates(), exp.Bounds(), cfg.Cells.SizeX, cfg.Cells.SizeY)
	if err != nil {
		return errorResult(err.Error())
	}
	corr, err := apcorr.NewCorrector(cfg.ApCorr, apcorr.WithLogger(logger))
	if err != nil {
		return errorResult(err.Error())
	}
	ac, err := corr.Fit(ctx, acs)
	switch {
	case errors.Is(err, fiterr.ErrInsufficientData):
		jsResult["apcorrSkipped"] = err.Error()
	case err != nil:
		return errorResult("apcorr error: " + err.Error())
	default:
		ratings.Append(ac.Ratings...)
		v, e := ac.ComputeAt(float64(exp.Image.Cols())/2, float64(exp.Image.Rows())/2)
		jsResult["apcorr"] = map[string]interface{}{
			"target":    ac.Target.String(),
			"reference": ac.Reference.String(),
			"good":      ac.Good,
			"available": ac.Available,
			"chi2":      ac.Chi2,
			"center":    v,
			"centerErr": e,
		}
	}

	all := ratings.All()
	jsRatings := make([]interface{}, len(all))
	for i, r := range all {
		jsRatings[i] = map[string]interface{}{
			"name":  r.Name,
			"value": r.Value,
			"lower": r.Lower,
			"upper": r.Upper,
		}
	}
	jsResult["ratings"] = jsRatings

	return js.ValueOf(jsResult)
}

func renderOverlay(this js.Value, args []js.Value) interface{} {
	if lastCells == nil {
		return js.Null()
	}

	img := display.RenderCells(lastCells.Bounds(), lastCells.Cells(), lastCells.Candidates(), []string{
		fmt.Sprintf("%d good of %d available  chi2/dof: %.3f", lastResult.Good, lastResult.Available, lastResult.Chi2),
	})
	jpegBytes, err := display.EncodeJPEG(img)
	if err != nil {
		return js.Null()
	}

	uint8Array := js.Global().Get("Uint8Array").New(len(jpegBytes))
	js.CopyBytesToJS(uint8Array, jpegBytes)
	return uint8Array
}

func errorResult(msg string) interface{} {
	return js.ValueOf(map[string]interface{}{
		"error": msg,
	})
}

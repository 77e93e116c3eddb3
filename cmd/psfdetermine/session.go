package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wmwv/meas-algorithms/pkg/apcorr"
	"github.com/wmwv/meas-algorithms/pkg/catalog"
	"github.com/wmwv/meas-algorithms/pkg/config"
	"github.com/wmwv/meas-algorithms/pkg/display"
	"github.com/wmwv/meas-algorithms/pkg/exposure"
	"github.com/wmwv/meas-algorithms/pkg/fiterr"
	"github.com/wmwv/meas-algorithms/pkg/psf"
	"github.com/wmwv/meas-algorithms/pkg/quality"
	"github.com/wmwv/meas-algorithms/pkg/quality/store"
	"github.com/wmwv/meas-algorithms/pkg/spatialcell"
)

type sessionOptions struct {
	CatalogPath string
	ImagePath   string
	DBPath      string
	OutputDir   string
	SkipApCorr  bool
}

type sessionResult struct {
	Exposure   string
	Width      int
	Height     int
	Sources    int
	Missing    int
	Noise      exposure.KappaSigmaResult
	PSF        *psf.Result
	Field      *psf.FieldAnalysis
	ApCorr     *apcorr.Correction
	Ratings    []quality.Rating
	SessionID  uuid.UUID
	Diagnostic []string
	Elapsed    time.Duration
}

// runSession fits the PSF and aperture correction of one exposure.
func runSession(ctx context.Context, logger *zap.Logger, cfg *config.Config, opts sessionOptions) (*sessionResult, error) {
	start := time.Now()

	cat, err := catalog.Load(opts.CatalogPath)
	if err != nil {
		return nil, err
	}
	imgPath := opts.ImagePath
	if imgPath == "" {
		if cat.Exposure == "" {
			return nil, fmt.Errorf("%w: no image given and the catalog names none", fiterr.ErrConfiguration)
		}
		imgPath = cat.Exposure
		if !filepath.IsAbs(imgPath) {
			imgPath = filepath.Join(filepath.Dir(opts.CatalogPath), imgPath)
		}
	}

	exp, err := exposure.Load(imgPath)
	if err != nil {
		return nil, err
	}
	defer exp.Close()

	res := &sessionResult{
		Exposure: imgPath,
		Width:    exp.Image.Cols(),
		Height:   exp.Image.Rows(),
		Sources:  len(cat.Sources),
		Noise:    exp.Noise(cfg.Cutout.ClipSigma),
	}
	gain := cfg.Cutout.Gain
	if gain <= 0 {
		gain = exp.Gain()
	}
	logger.Info("exposure loaded",
		zap.String("path", imgPath),
		zap.Int("width", res.Width),
		zap.Int("height", res.Height),
		zap.Float64("sky", res.Noise.BackgroundMean),
		zap.Float64("sky_sigma", res.Noise.Sigma),
		zap.Float64("gain", gain))

	cands := cat.PSFCandidates(cfg.ApCorr.Reference())
	res.Missing, err = exposure.FillCutouts(ctx, exp.Image, cands, exposure.CutoutOptions{
		Size:  cfg.PSF.CutoutSize,
		Gain:  gain,
		Noise: res.Noise,
	})
	if err != nil {
		return nil, err
	}
	if res.Missing > 0 {
		logger.Warn("sources too close to the edge for a cutout", zap.Int("count", res.Missing))
	}

	cs, err := spatialcell.Assign(cands, exp.Bounds(), cfg.Cells.SizeX, cfg.Cells.SizeY)
	if err != nil {
		return nil, err
	}

	popts := []psf.Option{psf.WithLogger(logger), psf.WithObserver(psf.LogObserver(logger))}
	var (
		overlay *display.Overlay
		chiPlot *display.ChiPlot
	)
	if opts.OutputDir != "" {
		if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating output directory: %w", err)
		}
		overlay = display.NewOverlay(opts.OutputDir, exp.Bounds())
		chiPlot = display.NewChiPlot()
		popts = append(popts, psf.WithObserver(overlay), psf.WithObserver(chiPlot))
	}

	det, err := psf.NewDeterminer(cfg.PSF, popts...)
	if err != nil {
		return nil, err
	}
	res.PSF, err = det.Determine(ctx, cs)
	if err != nil {
		return nil, fmt.Errorf("psf: %w", err)
	}
	res.Field = psf.AnalyzeField(res.PSF.Model, cs.Candidates(), cs.Bounds())

	var ratings quality.RatingSet
	ratings.Append(res.PSF.Ratings...)

	if !opts.SkipApCorr {
		acs, err := spatialcell.Assign(cat.ApCorrCandidates(), exp.Bounds(), cfg.Cells.SizeX, cfg.Cells.SizeY)
		if err != nil {
			return nil, err
		}
		corr, err := apcorr.NewCorrector(cfg.ApCorr, apcorr.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		res.ApCorr, err = corr.Fit(ctx, acs)
		switch {
		case errors.Is(err, fiterr.ErrInsufficientData):
			logger.Warn("aperture correction skipped", zap.Error(err))
		case err != nil:
			return nil, fmt.Errorf("apcorr: %w", err)
		default:
			ratings.Append(res.ApCorr.Ratings...)
		}
	}
	res.Ratings = ratings.All()

	if opts.OutputDir != "" {
		if err := overlay.Err(); err != nil {
			return nil, err
		}
		res.Diagnostic = append(res.Diagnostic, overlay.Written()...)

		chiPath := filepath.Join(opts.OutputDir, "psf_chi2.png")
		if err := chiPlot.Save(chiPath); err != nil {
			return nil, err
		}
		res.Diagnostic = append(res.Diagnostic, chiPath)

		finalPath := filepath.Join(opts.OutputDir, "psf_cells_final.jpg")
		img := display.RenderCells(cs.Bounds(), cs.Cells(), cs.Candidates(), []string{
			fmt.Sprintf("Final: %d good of %d available  chi2/dof: %.3f", res.PSF.Good, res.PSF.Available, res.PSF.Chi2),
		})
		if err := display.SaveJPEG(finalPath, img); err != nil {
			return nil, err
		}
		res.Diagnostic = append(res.Diagnostic, finalPath)

		basis, err := display.SaveBasis(opts.OutputDir, ".tiff", res.PSF.Model)
		if err != nil {
			return nil, err
		}
		res.Diagnostic = append(res.Diagnostic, basis...)
	}

	if opts.DBPath != "" {
		db, err := store.Open(opts.DBPath)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		res.SessionID, err = db.Save(ctx, imgPath, res.Ratings)
		if err != nil {
			return nil, fmt.Errorf("storing ratings: %w", err)
		}
		logger.Info("ratings stored", zap.Stringer("session", res.SessionID), zap.String("db", opts.DBPath))
	}

	res.Elapsed = time.Since(start)
	return res, nil
}

func printSummary(res *sessionResult) {
	fmt.Println()
	fmt.Printf("=== PSF Determination (%.1fs) ===\n", res.Elapsed.Seconds())
	fmt.Printf("  Exposure:        %s\n", res.Exposure)
	fmt.Printf("  Image size:      %d x %d\n", res.Width, res.Height)
	fmt.Printf("  Sky:             %.2f +/- %.2f\n", res.Noise.BackgroundMean, res.Noise.Sigma)
	fmt.Printf("  Sources:         %d (%d without cutout)\n", res.Sources, res.Missing)
	fmt.Printf("  Good stars:      %d of %d\n", res.PSF.Good, res.PSF.Available)
	fmt.Printf("  Components:      %d\n", res.PSF.Model.NumComponents())
	fmt.Printf("  Iterations:      %d\n", res.PSF.Iterations)
	fmt.Printf("  Chi2/dof:        %.3f\n", res.PSF.Chi2)
	if res.PSF.LowOrder {
		fmt.Println("  [LOW ORDER BASIS]")
	}
	fmt.Println("==============================")

	if f := res.Field; f != nil {
		fmt.Println()
		fmt.Println("=== Field Analysis (3x3) ===")
		zoneOrder := []psf.ZonePosition{
			psf.ZoneTopLeft, psf.ZoneTop, psf.ZoneTopRight,
			psf.ZoneLeft, psf.ZoneCenter, psf.ZoneRight,
			psf.ZoneBottomLeft, psf.ZoneBottom, psf.ZoneBottomRight,
		}
		for i, pos := range zoneOrder {
			z := f.Zones[pos]
			fmt.Printf("  %-8s FWHM=%.3f  ecc=%.3f  n=%d\n", z.Label, z.MedianFWHM, z.MedianEccentricity, z.StarCount)
			if (i+1)%3 == 0 && i < 8 {
				fmt.Println("  ---")
			}
		}
		fmt.Printf("\n  Tilt:     %.1f%% (best: %s, worst: %s)\n", f.TiltPct, f.BestCorner, f.WorstCorner)
		fmt.Printf("  Off-axis: %.1f%%\n", f.OffAxisPct)
		if !f.Reliable {
			fmt.Println("  [LOW STAR COUNT - UNRELIABLE]")
		}
		fmt.Println("==============================")
	}

	if ac := res.ApCorr; ac != nil {
		fmt.Println()
		fmt.Println("=== Aperture Correction ===")
		fmt.Printf("  %s / %s\n", ac.Target, ac.Reference)
		fmt.Printf("  Good stars:      %d of %d\n", ac.Good, ac.Available)
		fmt.Printf("  Chi2/dof:        %.3f\n", ac.Chi2)
		cx, cy := float64(res.Width)/2, float64(res.Height)/2
		v, e := ac.ComputeAt(cx, cy)
		fmt.Printf("  At centre:       %.4f +/- %.4f\n", v, e)
		fmt.Println("==============================")
	}

	fmt.Println()
	fmt.Println("=== Quality Ratings ===")
	for _, r := range res.Ratings {
		fmt.Printf("  %s\n", r)
	}
	if res.SessionID != uuid.Nil {
		fmt.Printf("  Session: %s\n", res.SessionID)
	}
	for _, p := range res.Diagnostic {
		fmt.Printf("  Wrote %s\n", p)
	}
}

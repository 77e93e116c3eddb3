package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wmwv/meas-algorithms/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Session flags
	catalogPath string
	imagePath   string
	dbPath      string
	outputDir   string
	skipApCorr  bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "psfdetermine",
	Short: "Fit a spatially varying PSF and aperture correction to one exposure",
	Long: `psfdetermine cuts a postage stamp around every source of a catalog,
fits a principal-component PSF whose coefficients vary smoothly across the
field, then fits the aperture correction between two flux measurements.
Quality ratings are printed and can be stored in SQLite.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = cfg.Logging.NewLogger(verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := runSession(ctx, logger, cfg, sessionOptions{
			CatalogPath: catalogPath,
			ImagePath:   imagePath,
			DBPath:      dbPath,
			OutputDir:   outputDir,
			SkipApCorr:  skipApCorr,
		})
		if err != nil {
			return err
		}
		printSummary(res)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.Flags().StringVar(&catalogPath, "catalog", "", "YAML source catalog")
	rootCmd.Flags().StringVar(&imagePath, "image", "", "Exposure to cut stamps from (defaults to the catalog's exposure)")
	rootCmd.Flags().StringVar(&dbPath, "db", "", "SQLite database to store quality ratings in")
	rootCmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Directory for diagnostic images")
	rootCmd.Flags().BoolVar(&skipApCorr, "skip-apcorr", false, "Fit the PSF only")
	_ = rootCmd.MarkFlagRequired("catalog")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

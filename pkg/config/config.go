// Package config loads the settings of a fit session from YAML: the PSF
// and aperture-correction bundles, the spatial cell grid, cutout
// extraction and logging.
package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wmwv/meas-algorithms/pkg/apcorr"
	"github.com/wmwv/meas-algorithms/pkg/fiterr"
	"github.com/wmwv/meas-algorithms/pkg/psf"
)

// Config is the whole configuration of one session.
type Config struct {
	PSF     psf.Config    `yaml:"psf"`
	ApCorr  apcorr.Config `yaml:"apcorr"`
	Cells   CellsConfig   `yaml:"cells"`
	Cutout  CutoutConfig  `yaml:"cutout"`
	Logging LoggingConfig `yaml:"logging"`
}

// CellsConfig sets the size in pixels of the spatial cells.
type CellsConfig struct {
	SizeX int `yaml:"size_x"`
	SizeY int `yaml:"size_y"`
}

// CutoutConfig controls how stamps are cut from the exposure.
type CutoutConfig struct {
	// Gain overrides the header gain when positive.
	Gain float64 `yaml:"gain"`
	// ClipSigma is the kappa of the sky noise estimate.
	ClipSigma float64 `yaml:"clip_sigma"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		PSF:    psf.DefaultConfig(),
		ApCorr: apcorr.DefaultConfig(),
		Cells: CellsConfig{
			SizeX: 512,
			SizeY: 512,
		},
		Cutout: CutoutConfig{
			ClipSigma: 3.0,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Load reads configuration from a YAML file on top of the defaults. An
// empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse applies YAML data on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", fiterr.ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every bundle.
func (c *Config) Validate() error {
	if err := c.PSF.Validate(); err != nil {
		return fmt.Errorf("psf: %w", err)
	}
	if err := c.ApCorr.Validate(); err != nil {
		return fmt.Errorf("apcorr: %w", err)
	}
	if c.PSF.CutoutSize%2 == 0 {
		return fmt.Errorf("%w: psf: cutout_size must be odd, got %d", fiterr.ErrConfiguration, c.PSF.CutoutSize)
	}
	if c.Cells.SizeX <= 0 || c.Cells.SizeY <= 0 {
		return fmt.Errorf("%w: cells: size must be positive, got %dx%d", fiterr.ErrConfiguration, c.Cells.SizeX, c.Cells.SizeY)
	}
	if c.Cutout.ClipSigma <= 0 {
		return fmt.Errorf("%w: cutout: clip_sigma must be positive, got %g", fiterr.ErrConfiguration, c.Cutout.ClipSigma)
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging: %v", fiterr.ErrConfiguration, err)
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// NewLogger builds a production zap logger at the configured level, or at
// debug level when verbose is set.
func (l LoggingConfig) NewLogger(verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if l.Encoding != "" {
		config.Encoding = l.Encoding
	}
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: logging: %v", fiterr.ErrConfiguration, err)
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	config.Level = zap.NewAtomicLevelAt(level)

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// Package config provides configuration loading and management for wsitiler.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"wsitiler/internal/models"
)

// Failure policies for the slide pool.
const (
	FailurePolicyContinue = "continue"
	FailurePolicyAbort    = "abort"
)

// Chroma clamp policies for the normalizer.
const (
	ClampPolicyLegacy    = "legacy"
	ClampPolicySymmetric = "symmetric"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Input and output locations
	Data struct {
		// LoadDir holds the images/ folder and the two cart metadata documents
		LoadDir string `yaml:"loadDir"`

		// SaveDir is the dataset root tiles are written under
		SaveDir string `yaml:"saveDir"`
	} `yaml:"data"`

	// Tiling parameters
	Tiler struct {
		// TileSize is the square tile edge in pixels, before overlap
		TileSize int `yaml:"tileSize"`

		// Overlap is the number of pixels added on each shared edge
		Overlap int `yaml:"overlap"`

		// Quality is the JPEG quality of written tiles; 0 is raised to 1
		Quality int `yaml:"quality"`

		// BackgroundLimit is the maximum background percentage of a kept tile
		BackgroundLimit float64 `yaml:"backgroundLimit"`

		// LimitBounds crops slides to their non-empty region
		LimitBounds bool `yaml:"limitBounds"`

		// LevelLayout is "flat" or "per-level"
		LevelLayout string `yaml:"levelLayout"`
	} `yaml:"tiler"`

	// Worker pool parameters
	Workers struct {
		// NumWorkers is the number of slides tiled in parallel
		NumWorkers int `yaml:"numWorkers"`

		// Cooldown is the pause a worker takes after each slide
		Cooldown time.Duration `yaml:"cooldown"`

		// FailurePolicy is "continue" or "abort"
		FailurePolicy string `yaml:"failurePolicy"`
	} `yaml:"workers"`

	// Slide discovery
	Slides struct {
		ImagesDir         string `yaml:"imagesDir"`
		SlidePrefix       string `yaml:"slidePrefix"`
		MetadataPrefix    string `yaml:"metadataPrefix"`
		BiospecimenPrefix string `yaml:"biospecimenPrefix"`
	} `yaml:"slides"`

	// Color normalization
	Normalization struct {
		// Vector is the target L, a, b means followed by the L, a, b standard deviations
		Vector []float64 `yaml:"vector"`

		// ClampPolicy is "legacy" or "symmetric"
		ClampPolicy string `yaml:"clampPolicy"`
	} `yaml:"normalization"`

	// Dataset split
	Split struct {
		ValidSize int   `yaml:"validSize"`
		TestSize  int   `yaml:"testSize"`
		Seed      int64 `yaml:"seed"`
	} `yaml:"split"`

	// Slide overviews written next to the dataset
	Overview struct {
		// Enabled writes <saveDir>/overviews/<label>/<file id>.jpg per slide
		Enabled bool `yaml:"enabled"`

		// MaxEdge bounds the overview width and height in pixels
		MaxEdge int `yaml:"maxEdge"`
	} `yaml:"overview"`

	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`

		// Format is "console" or "json"
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Metrics struct {
		// Addr is the listen address of the /metrics endpoint; empty disables it
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Data.LoadDir = "data"
	cfg.Data.SaveDir = "tiles"

	cfg.Tiler.TileSize = 256
	cfg.Tiler.Overlap = 0
	cfg.Tiler.Quality = 90
	cfg.Tiler.BackgroundLimit = 30
	cfg.Tiler.LimitBounds = true
	cfg.Tiler.LevelLayout = string(models.LayoutFlat)

	cfg.Workers.NumWorkers = runtime.NumCPU()
	cfg.Workers.Cooldown = time.Second
	cfg.Workers.FailurePolicy = FailurePolicyContinue

	cfg.Slides.ImagesDir = "images"
	cfg.Slides.SlidePrefix = "TCGA"
	cfg.Slides.MetadataPrefix = "metadata.cart"
	cfg.Slides.BiospecimenPrefix = "biospecimen.cart"

	// Reference H&E profile in Lab space
	cfg.Normalization.Vector = []float64{65.22, 28.44, -12.16, 15.87, 8.95, 7.31}
	cfg.Normalization.ClampPolicy = ClampPolicyLegacy

	cfg.Split.ValidSize = 10
	cfg.Split.TestSize = 10
	cfg.Split.Seed = 42

	cfg.Overview.Enabled = false
	cfg.Overview.MaxEdge = 1024

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks every option and returns all violations joined together.
func (c *Config) Validate() error {
	var errs []error

	if c.Tiler.TileSize <= 0 {
		errs = append(errs, fmt.Errorf("tiler.tileSize must be positive, got %d", c.Tiler.TileSize))
	}
	if c.Tiler.Overlap < 0 {
		errs = append(errs, fmt.Errorf("tiler.overlap must be non-negative, got %d", c.Tiler.Overlap))
	}
	if c.Tiler.Quality < 0 || c.Tiler.Quality > 100 {
		errs = append(errs, fmt.Errorf("tiler.quality must be within 0-100, got %d", c.Tiler.Quality))
	}
	if c.Tiler.BackgroundLimit < 0 || c.Tiler.BackgroundLimit > 100 {
		errs = append(errs, fmt.Errorf("tiler.backgroundLimit must be within 0-100, got %g", c.Tiler.BackgroundLimit))
	}
	switch models.LevelLayout(c.Tiler.LevelLayout) {
	case models.LayoutFlat, models.LayoutPerLevel:
	default:
		errs = append(errs, fmt.Errorf("tiler.levelLayout must be %q or %q, got %q",
			models.LayoutFlat, models.LayoutPerLevel, c.Tiler.LevelLayout))
	}

	if c.Workers.NumWorkers <= 0 {
		errs = append(errs, fmt.Errorf("workers.numWorkers must be positive, got %d", c.Workers.NumWorkers))
	}
	if c.Workers.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("workers.cooldown must be non-negative, got %s", c.Workers.Cooldown))
	}
	switch c.Workers.FailurePolicy {
	case FailurePolicyContinue, FailurePolicyAbort:
	default:
		errs = append(errs, fmt.Errorf("workers.failurePolicy must be %q or %q, got %q",
			FailurePolicyContinue, FailurePolicyAbort, c.Workers.FailurePolicy))
	}

	if len(c.Normalization.Vector) != 6 {
		errs = append(errs, fmt.Errorf("normalization.vector needs 6 values, got %d", len(c.Normalization.Vector)))
	}
	switch c.Normalization.ClampPolicy {
	case ClampPolicyLegacy, ClampPolicySymmetric:
	default:
		errs = append(errs, fmt.Errorf("normalization.clampPolicy must be %q or %q, got %q",
			ClampPolicyLegacy, ClampPolicySymmetric, c.Normalization.ClampPolicy))
	}

	if c.Split.ValidSize < 0 || c.Split.TestSize < 0 {
		errs = append(errs, fmt.Errorf("split sizes must be non-negative, got valid=%d test=%d",
			c.Split.ValidSize, c.Split.TestSize))
	}

	if c.Overview.Enabled && c.Overview.MaxEdge <= 0 {
		errs = append(errs, fmt.Errorf("overview.maxEdge must be positive, got %d", c.Overview.MaxEdge))
	}

	return errors.Join(errs...)
}

// ValidateInputs checks that the input tree exists.
func (c *Config) ValidateInputs() error {
	info, err := os.Stat(c.Data.LoadDir)
	if err != nil {
		return fmt.Errorf("data.loadDir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data.loadDir %s is not a directory", c.Data.LoadDir)
	}

	imagesDir := filepath.Join(c.Data.LoadDir, c.Slides.ImagesDir)
	info, err = os.Stat(imagesDir)
	if err != nil {
		return fmt.Errorf("slides.imagesDir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("slides.imagesDir %s is not a directory", imagesDir)
	}

	return nil
}

// TilerConfig returns the tiling parameters as a value type.
func (c *Config) TilerConfig() models.TilerConfig {
	return models.TilerConfig{
		TileSize:        c.Tiler.TileSize,
		Overlap:         c.Tiler.Overlap,
		Quality:         c.Tiler.Quality,
		BackgroundLimit: c.Tiler.BackgroundLimit,
		LimitBounds:     c.Tiler.LimitBounds,
		LevelLayout:     models.LevelLayout(c.Tiler.LevelLayout),
	}
}

// NormalizationVector returns the configured target statistics.
// Validate must have succeeded first.
func (c *Config) NormalizationVector() models.NormalizationVector {
	var v models.NormalizationVector
	copy(v[:], c.Normalization.Vector)
	return v
}

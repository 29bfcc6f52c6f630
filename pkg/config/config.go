// Package config provides configuration loading and management for the
// preparation and postprocess tools. It handles loading configuration from
// YAML files, provides default values and validates them before any case is
// touched.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"prostatezones/pkg/augment"
	"prostatezones/pkg/postprocess"
	"prostatezones/pkg/preparation"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// SplitConfig sets the sample counts of one split
type SplitConfig struct {
	// Augmentations is the number of random draws per case
	Augmentations int `yaml:"augmentations"`

	// Flips is 1 (no mirroring) or 2 (also save the left-right mirror)
	Flips int `yaml:"flips"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Preprocess configures the augmentation and resampling run
	Preprocess struct {
		// Spacing is the working resolution in mm (x, y, z)
		Spacing [3]float64 `yaml:"spacing"`

		// OutputSize is the sample window in voxels (x, y, z)
		OutputSize [3]int `yaml:"outputSize"`

		Train    SplitConfig `yaml:"train"`
		Validate SplitConfig `yaml:"validate"`

		// Sequences lists extra sequences besides T2 ("adc", "hbv")
		Sequences []string `yaml:"sequences"`

		// Seed makes runs reproducible
		Seed uint64 `yaml:"seed"`
	} `yaml:"preprocess"`

	// Postprocess configures the label generation run
	Postprocess struct {
		// Mode is "full" or "simple"
		Mode string `yaml:"mode"`

		// UrethraRadiusMM is the radius of the redrawn urethra
		UrethraRadiusMM float64 `yaml:"urethraRadiusMM"`

		// FileIdentifier is the extension of the reference images
		FileIdentifier string `yaml:"fileIdentifier"`
	} `yaml:"postprocess"`

	// Processing parameters shared by both tools
	Processing struct {
		// NumWorkers is how many cases are processed concurrently
		NumWorkers int `yaml:"numWorkers"`

		// SkipFailedCases logs and skips failing cases instead of aborting
		SkipFailedCases bool `yaml:"skipFailedCases"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// QCDir receives PNG quality-control slices when set
		QCDir string `yaml:"qcDir"`

		// Format of the preparation output: "npz" samples or an "nnunet"
		// raw dataset
		Format string `yaml:"format"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		// Level is a zerolog level name
		Level string `yaml:"level"`

		// JSON switches from console to JSON lines output
		JSON bool `yaml:"json"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Preprocess.Spacing = preparation.DefaultSpacing
	cfg.Preprocess.OutputSize = augment.DefaultOutputSize
	cfg.Preprocess.Train = SplitConfig{Augmentations: 25, Flips: 2}
	cfg.Preprocess.Validate = SplitConfig{Augmentations: 5, Flips: 2}
	cfg.Preprocess.Sequences = []string{}
	cfg.Preprocess.Seed = 1

	cfg.Postprocess.Mode = postprocess.ModeFull.String()
	cfg.Postprocess.UrethraRadiusMM = postprocess.DefaultRadiusMM
	cfg.Postprocess.FileIdentifier = "nrrd"

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.SkipFailedCases = false

	cfg.Output.Format = preparation.FormatNPZ.String()

	cfg.Logging.Level = "info"

	return cfg
}

// Validate rejects values the runners cannot work with
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	for name, s := range map[string]SplitConfig{"train": c.Preprocess.Train, "validate": c.Preprocess.Validate} {
		if s.Augmentations < 1 {
			return invalid("%s augmentations must be at least 1, got %d", name, s.Augmentations)
		}
		if s.Flips < 1 || s.Flips > 2 {
			return invalid("%s flips must be 1 or 2, got %d", name, s.Flips)
		}
	}
	for i := 0; i < 3; i++ {
		if !(c.Preprocess.Spacing[i] > 0) {
			return invalid("spacing %v must be positive", c.Preprocess.Spacing)
		}
		if c.Preprocess.OutputSize[i] < 1 {
			return invalid("output size %v must be positive", c.Preprocess.OutputSize)
		}
	}
	for _, s := range c.Preprocess.Sequences {
		if s != "adc" && s != "hbv" {
			return invalid("unknown sequence %q (expected adc or hbv)", s)
		}
	}

	if _, err := preparation.ParseFormat(c.Output.Format); err != nil {
		return invalid("%v", err)
	}
	if _, err := postprocess.ParseMode(c.Postprocess.Mode); err != nil {
		return invalid("%v", err)
	}
	if !(c.Postprocess.UrethraRadiusMM > 0) {
		return invalid("urethra radius must be positive, got %f", c.Postprocess.UrethraRadiusMM)
	}
	if c.Postprocess.FileIdentifier == "" {
		return invalid("file identifier must not be empty")
	}
	if c.Processing.NumWorkers < 1 {
		return invalid("numWorkers must be at least 1, got %d", c.Processing.NumWorkers)
	}
	return nil
}

// PreparationParams builds the preparation run parameters
func (c *Config) PreparationParams(inputDir, outputDir string) (preparation.Params, error) {
	format, err := preparation.ParseFormat(c.Output.Format)
	if err != nil {
		return preparation.Params{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return preparation.Params{
		InputDir:  inputDir,
		OutputDir: outputDir,
		Format:    format,
		Splits: []preparation.SplitParams{
			{Mode: augment.Train, Augmentations: c.Preprocess.Train.Augmentations, Flips: c.Preprocess.Train.Flips},
			{Mode: augment.Validate, Augmentations: c.Preprocess.Validate.Augmentations, Flips: c.Preprocess.Validate.Flips},
			{Mode: augment.Inference, Augmentations: 1, Flips: 1},
		},
		Sequences:       c.Preprocess.Sequences,
		Spacing:         c.Preprocess.Spacing,
		OutputSize:      c.Preprocess.OutputSize,
		Seed:            c.Preprocess.Seed,
		NumWorkers:      c.Processing.NumWorkers,
		SkipFailedCases: c.Processing.SkipFailedCases,
		QCDir:           c.Output.QCDir,
	}, nil
}

// PostprocessParams builds the postprocess run parameters
func (c *Config) PostprocessParams(inputDir, outputDir string) (postprocess.Params, error) {
	mode, err := postprocess.ParseMode(c.Postprocess.Mode)
	if err != nil {
		return postprocess.Params{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return postprocess.Params{
		InputDir:        inputDir,
		OutputDir:       outputDir,
		FileIdentifier:  c.Postprocess.FileIdentifier,
		Options:         postprocess.Options{Mode: mode, RadiusMM: c.Postprocess.UrethraRadiusMM},
		NumWorkers:      c.Processing.NumWorkers,
		SkipFailedCases: c.Processing.SkipFailedCases,
		QCDir:           c.Output.QCDir,
	}, nil
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

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
	return SaveConfig(DefaultConfig(), configPath)
}

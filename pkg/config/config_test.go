package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"prostatezones/pkg/augment"
	"prostatezones/pkg/postprocess"
	"prostatezones/pkg/preparation"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default configuration rejected: %v", err)
	}
	if cfg.Preprocess.Train.Augmentations != 25 || cfg.Preprocess.Validate.Augmentations != 5 {
		t.Errorf("Unexpected augmentation defaults %+v / %+v", cfg.Preprocess.Train, cfg.Preprocess.Validate)
	}
	if cfg.Processing.NumWorkers < 1 {
		t.Errorf("Expected at least one worker, got %d", cfg.Processing.NumWorkers)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"train flips", func(c *Config) { c.Preprocess.Train.Flips = 3 }},
		{"validate augmentations", func(c *Config) { c.Preprocess.Validate.Augmentations = 0 }},
		{"spacing", func(c *Config) { c.Preprocess.Spacing[1] = -1 }},
		{"output size", func(c *Config) { c.Preprocess.OutputSize[2] = 0 }},
		{"sequence", func(c *Config) { c.Preprocess.Sequences = []string{"dwi"} }},
		{"mode", func(c *Config) { c.Postprocess.Mode = "fancy" }},
		{"radius", func(c *Config) { c.Postprocess.UrethraRadiusMM = 0 }},
		{"identifier", func(c *Config) { c.Postprocess.FileIdentifier = "" }},
		{"workers", func(c *Config) { c.Processing.NumWorkers = 0 }},
		{"format", func(c *Config) { c.Output.Format = "hdf5" }},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.modify(cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", tt.name, err)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	// missing file falls back to defaults
	cfg, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Postprocess.Mode != "full" {
		t.Errorf("Expected default mode full, got %s", cfg.Postprocess.Mode)
	}

	path := filepath.Join(dir, "config.yaml")
	yamlText := `
preprocess:
  spacing: [1, 1, 2.5]
  train:
    augmentations: 3
    flips: 1
  sequences: [adc]
postprocess:
  mode: simple
processing:
  numWorkers: 2
  skipFailedCases: true
output:
  format: nnunet
`
	if err := os.WriteFile(path, []byte(yamlText), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Preprocess.Spacing != [3]float64{1, 1, 2.5} {
		t.Errorf("Expected spacing [1 1 2.5], got %v", cfg.Preprocess.Spacing)
	}
	if cfg.Preprocess.Train.Augmentations != 3 || cfg.Preprocess.Train.Flips != 1 {
		t.Errorf("Unexpected train split %+v", cfg.Preprocess.Train)
	}
	// keys absent from the file keep their defaults
	if cfg.Preprocess.Validate.Augmentations != 5 || cfg.Postprocess.UrethraRadiusMM != postprocess.DefaultRadiusMM {
		t.Errorf("Defaults lost: %+v, radius %f", cfg.Preprocess.Validate, cfg.Postprocess.UrethraRadiusMM)
	}

	pp, err := cfg.PostprocessParams("in", "out")
	if err != nil {
		t.Fatalf("PostprocessParams failed: %v", err)
	}
	if pp.Options.Mode != postprocess.ModeSimple || pp.NumWorkers != 2 || !pp.SkipFailedCases {
		t.Errorf("Unexpected postprocess params %+v", pp)
	}

	prep, err := cfg.PreparationParams("in", "out")
	if err != nil {
		t.Fatalf("PreparationParams failed: %v", err)
	}
	if prep.Format != preparation.FormatNNUNet {
		t.Errorf("Expected the nnunet format, got %v", prep.Format)
	}
	if len(prep.Splits) != 3 || prep.Splits[0].Mode != augment.Train || prep.Splits[0].Augmentations != 3 {
		t.Errorf("Unexpected splits %+v", prep.Splits)
	}
	if last := prep.Splits[2]; last.Mode != augment.Inference || last.Augmentations != 1 || last.Flips != 1 {
		t.Errorf("Test split must produce a single unflipped sample, got %+v", last)
	}
	if err := prep.Validate(); err != nil {
		t.Errorf("Preparation params rejected: %v", err)
	}

	if err := os.WriteFile(path, []byte("preprocess: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected a parse error")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("CreateDefaultConfigFile failed: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	want := DefaultConfig()
	if cfg.Preprocess.OutputSize != want.Preprocess.OutputSize || cfg.Postprocess.FileIdentifier != want.Postprocess.FileIdentifier {
		t.Errorf("Round trip changed the configuration: %+v", cfg)
	}
}

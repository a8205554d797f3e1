package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the qat configuration file (~/.config/qat/config.yaml).
// Numeric fields are pointers so "not set" is distinguishable from zero.
type Config struct {
	// Data
	ImageSize  *int64 `yaml:"image_size"`
	BatchSize  *int64 `yaml:"batch_size"`
	NumBatches *int64 `yaml:"num_batches"`
	Dataset    string `yaml:"dataset"`

	// Calibration
	CalibBatches *int64 `yaml:"calib_batches"`

	// Finetune
	Epochs          *int64   `yaml:"epochs"`
	BatchesPerEpoch *int64   `yaml:"batches_per_epoch"`
	LR              *float64 `yaml:"lr"`
	FP16            *bool    `yaml:"fp16"`

	// Output
	Output    string `yaml:"output"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "qat", "config.yaml")
}

// applyDemoConfig applies config file defaults to demo command variables
// when the corresponding CLI flag was not explicitly set.
func applyDemoConfig(c *cli.Command, cfg Config,
	imageSize, batchSize, numBatches, calibBatches, epochs, batchesPerEpoch *int64,
	lr *float64, fp16 *bool, dataset, output, logLevel, logFormat *string,
) {
	if cfg.ImageSize != nil && !c.IsSet("image-size") {
		*imageSize = *cfg.ImageSize
	}
	if cfg.BatchSize != nil && !c.IsSet("batch-size") {
		*batchSize = *cfg.BatchSize
	}
	if cfg.NumBatches != nil && !c.IsSet("num-batches") {
		*numBatches = *cfg.NumBatches
	}
	if cfg.CalibBatches != nil && !c.IsSet("calib-batches") {
		*calibBatches = *cfg.CalibBatches
	}
	if cfg.Epochs != nil && !c.IsSet("epochs") {
		*epochs = *cfg.Epochs
	}
	if cfg.BatchesPerEpoch != nil && !c.IsSet("batches-per-epoch") {
		*batchesPerEpoch = *cfg.BatchesPerEpoch
	}
	if cfg.LR != nil && !c.IsSet("lr") {
		*lr = *cfg.LR
	}
	if cfg.FP16 != nil && !c.IsSet("fp16") {
		*fp16 = *cfg.FP16
	}
	if cfg.Dataset != "" && !c.IsSet("dataset") {
		*dataset = cfg.Dataset
	}
	if cfg.Output != "" && !c.IsSet("output") {
		*output = cfg.Output
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		*logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		*logFormat = cfg.LogFormat
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't
// exist or fails to parse.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

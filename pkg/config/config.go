// Package config provides configuration loading and management for deepiglu.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Prepare parameters control training example curation
	Prepare struct {
		// Directory is searched recursively for recordings
		Directory string `yaml:"directory"`

		// FileEndings selects which files in Directory are recordings
		FileEndings []string `yaml:"fileEndings"`

		// CropSize is the tile size of the activity map and the spatial crop size
		CropSize int `yaml:"cropSize"`

		// RoiSize is the expected ROI footprint used for box filtering
		RoiSize int `yaml:"roiSize"`

		// MinZScore is the activity threshold for foreground tiles
		MinZScore float64 `yaml:"minZScore"`

		// WindowSize is the number of frames in the rolling z-normalization window
		WindowSize int `yaml:"windowSize"`

		// NPre and NPost are the frames stored before and after the target frame
		NPre  int `yaml:"nPre"`
		NPost int `yaml:"nPost"`

		// ExpandBefore and ExpandAfter add neighbouring frames of every
		// foreground detection as positives
		ExpandBefore int `yaml:"expandBefore"`
		ExpandAfter  int `yaml:"expandAfter"`

		// FgBgSplit is the foreground share of all sampled examples, in (0, 1]
		FgBgSplit float64 `yaml:"fgBgSplit"`

		// Overwrite replaces an existing store instead of appending to it
		Overwrite bool `yaml:"overwrite"`

		// MemoryOptimized streams normalization frame by frame
		MemoryOptimized bool `yaml:"memoryOptimized"`

		// Workers is the number of recordings processed concurrently
		Workers int `yaml:"workers"`

		// MaxFailures stops scheduling new files once exceeded; 0 means never
		MaxFailures int `yaml:"maxFailures"`

		// Seed makes background sampling reproducible
		Seed uint64 `yaml:"seed"`
	} `yaml:"prepare"`

	// Store parameters control the persisted dataset
	Store struct {
		// Path is the dataset file
		Path string `yaml:"path"`

		// MetadataPath is the CSV side-file; empty derives it from Path
		MetadataPath string `yaml:"metadataPath"`

		// Compression is "zstd" or "none"
		Compression string `yaml:"compression"`

		// Precision is "float64", "float32" or "float16"
		Precision string `yaml:"precision"`
	} `yaml:"store"`

	// Filter parameters control the post-hoc intensity gate
	Filter struct {
		Input        string  `yaml:"input"`
		Output       string  `yaml:"output"`
		MinIntensity float64 `yaml:"minIntensity"`
		RoiSize      int     `yaml:"roiSize"`
	} `yaml:"filter"`

	// Denoise parameters control inference
	Denoise struct {
		// Path is a recording, or a directory in directory mode
		Path string `yaml:"path"`

		// OutputPath is a file, or a directory in directory mode
		OutputPath string `yaml:"outputPath"`

		DirectoryMode bool     `yaml:"directoryMode"`
		FileEndings   []string `yaml:"fileEndings"`

		// BatchSize is the number of frames predicted at once
		BatchSize int `yaml:"batchSize"`

		// BitDepth of the written output, 8 or 16
		BitDepth int `yaml:"bitDepth"`

		// ModelURL is the endpoint of the model server; empty uses the identity model
		ModelURL string `yaml:"modelURL"`

		// CPU asks the model server to run on the CPU
		CPU bool `yaml:"cpu"`

		// Retries for failed model requests
		Retries int `yaml:"retries"`
	} `yaml:"denoise"`

	// Output parameters
	Output struct {
		// SaveIntermediaryResults writes preview images during processing
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// IntermediaryDir is where previews are written
		IntermediaryDir string `yaml:"intermediaryDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default prepare parameters
	cfg.Prepare.FileEndings = []string{".npy", ".seq"}
	cfg.Prepare.CropSize = 32
	cfg.Prepare.RoiSize = 4
	cfg.Prepare.MinZScore = 2.0
	cfg.Prepare.WindowSize = 50
	cfg.Prepare.NPre = 2
	cfg.Prepare.NPost = 2
	cfg.Prepare.ExpandBefore = 2
	cfg.Prepare.ExpandAfter = 2
	cfg.Prepare.FgBgSplit = 0.5
	cfg.Prepare.Workers = runtime.NumCPU()
	cfg.Prepare.Seed = 1

	// Set default store parameters
	cfg.Store.Path = "train_data.db"
	cfg.Store.Compression = "zstd"
	cfg.Store.Precision = "float64"

	// Set default filter parameters
	cfg.Filter.MinIntensity = 2.0
	cfg.Filter.RoiSize = 4

	// Set default denoise parameters
	cfg.Denoise.FileEndings = []string{".npy", ".seq"}
	cfg.Denoise.BatchSize = 1
	cfg.Denoise.BitDepth = 16
	cfg.Denoise.Retries = 2

	// Set default output parameters
	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.IntermediaryDir = "intermediary_results"
	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
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

// ValidationError lists every invalid parameter found in a configuration.
// It is returned before any processing starts.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// ValidatePrepare checks the parameters used by dataset preparation
func (c *Config) ValidatePrepare() error {
	var problems []string
	p := c.Prepare

	if p.CropSize <= 0 {
		problems = append(problems, fmt.Sprintf("cropSize must be positive, got %d", p.CropSize))
	}
	if p.RoiSize <= 0 {
		problems = append(problems, fmt.Sprintf("roiSize must be positive, got %d", p.RoiSize))
	}
	if p.WindowSize <= 0 {
		problems = append(problems, fmt.Sprintf("windowSize must be positive, got %d", p.WindowSize))
	}
	if p.NPre < 0 || p.NPost < 0 {
		problems = append(problems, fmt.Sprintf("nPre and nPost must be non-negative, got %d and %d", p.NPre, p.NPost))
	}
	if p.ExpandBefore < 0 || p.ExpandAfter < 0 {
		problems = append(problems, "expandBefore and expandAfter must be non-negative")
	}
	// The background budget is (1/split - 1) * foreground
	if !(p.FgBgSplit > 0 && p.FgBgSplit <= 1) {
		problems = append(problems, fmt.Sprintf("fgBgSplit must be in (0, 1], got %g", p.FgBgSplit))
	}
	if len(p.FileEndings) == 0 {
		problems = append(problems, "fileEndings must not be empty")
	}
	if p.Workers < 0 {
		problems = append(problems, fmt.Sprintf("workers must be non-negative, got %d", p.Workers))
	}
	if p.MaxFailures < 0 {
		problems = append(problems, fmt.Sprintf("maxFailures must be non-negative, got %d", p.MaxFailures))
	}
	problems = append(problems, c.storeProblems()...)

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ValidateFilter checks the parameters used by the example filter
func (c *Config) ValidateFilter() error {
	var problems []string
	if c.Filter.RoiSize <= 0 {
		problems = append(problems, fmt.Sprintf("filter roiSize must be positive, got %d", c.Filter.RoiSize))
	}
	if c.Filter.Input != "" && c.Filter.Input == c.Filter.Output {
		problems = append(problems, "filter input and output must differ")
	}
	problems = append(problems, c.storeProblems()...)

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ValidateDenoise checks the parameters used by inference
func (c *Config) ValidateDenoise() error {
	var problems []string
	d := c.Denoise
	if d.BatchSize <= 0 {
		problems = append(problems, fmt.Sprintf("batchSize must be positive, got %d", d.BatchSize))
	}
	if d.BitDepth != 8 && d.BitDepth != 16 {
		problems = append(problems, fmt.Sprintf("bitDepth must be 8 or 16, got %d", d.BitDepth))
	}
	if d.DirectoryMode && len(d.FileEndings) == 0 {
		problems = append(problems, "fileEndings must not be empty in directory mode")
	}
	if d.Retries < 0 {
		problems = append(problems, fmt.Sprintf("retries must be non-negative, got %d", d.Retries))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) storeProblems() []string {
	var problems []string
	switch c.Store.Compression {
	case "zstd", "none", "":
	default:
		problems = append(problems, fmt.Sprintf("unknown store compression %q", c.Store.Compression))
	}
	switch c.Store.Precision {
	case "float64", "float32", "float16", "":
	default:
		problems = append(problems, fmt.Sprintf("unknown store precision %q", c.Store.Precision))
	}
	return problems
}

// MetadataPath returns the CSV side-file for a store path. An explicit
// metadataPath wins; otherwise the store extension is replaced by .csv.
func (c *Config) MetadataPath() string {
	if c.Store.MetadataPath != "" {
		return c.Store.MetadataPath
	}
	return DefaultMetadataPath(c.Store.Path)
}

// DefaultMetadataPath derives the metadata side-file from a store path
func DefaultMetadataPath(storePath string) string {
	return strings.TrimSuffix(storePath, filepath.Ext(storePath)) + ".csv"
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Prepare.CropSize != 32 {
		t.Errorf("Expected cropSize=32, got %d", cfg.Prepare.CropSize)
	}
	if cfg.Prepare.WindowSize != 50 {
		t.Errorf("Expected windowSize=50, got %d", cfg.Prepare.WindowSize)
	}
	if cfg.Store.Precision != "float64" {
		t.Errorf("Expected lossless store precision, got %q", cfg.Store.Precision)
	}
	if err := cfg.ValidatePrepare(); err != nil {
		t.Errorf("Default prepare config should be valid: %v", err)
	}
	if err := cfg.ValidateFilter(); err != nil {
		t.Errorf("Default filter config should be valid: %v", err)
	}
	if err := cfg.ValidateDenoise(); err != nil {
		t.Errorf("Default denoise config should be valid: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Prepare.MinZScore != 2.0 {
		t.Errorf("Expected default minZScore, got %f", cfg.Prepare.MinZScore)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Prepare.Directory = "/data/recordings"
	cfg.Prepare.FgBgSplit = 0.25
	cfg.Denoise.BatchSize = 8
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Prepare.Directory != "/data/recordings" {
		t.Errorf("Directory not preserved: %q", loaded.Prepare.Directory)
	}
	if loaded.Prepare.FgBgSplit != 0.25 {
		t.Errorf("FgBgSplit not preserved: %f", loaded.Prepare.FgBgSplit)
	}
	if loaded.Denoise.BatchSize != 8 {
		t.Errorf("BatchSize not preserved: %d", loaded.Denoise.BatchSize)
	}
}

func TestPartialConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "prepare:\n  minZScore: 3.5\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Prepare.MinZScore != 3.5 {
		t.Errorf("Expected minZScore=3.5, got %f", cfg.Prepare.MinZScore)
	}
	if cfg.Prepare.CropSize != 32 {
		t.Errorf("Unset fields should keep defaults, got cropSize=%d", cfg.Prepare.CropSize)
	}
}

func TestInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("prepare: [unclosed"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("Expected parse error")
	}
}

func TestValidatePrepareRejectsZeroSplit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Prepare.FgBgSplit = 0
	cfg.Prepare.CropSize = 0

	err := cfg.ValidatePrepare()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if len(verr.Problems) != 2 {
		t.Errorf("Expected 2 problems, got %v", verr.Problems)
	}
	if !strings.Contains(err.Error(), "fgBgSplit") {
		t.Errorf("Error should mention fgBgSplit: %v", err)
	}
}

func TestValidateDenoise(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Denoise.BitDepth = 12
	cfg.Denoise.BatchSize = 0
	if err := cfg.ValidateDenoise(); err == nil {
		t.Errorf("Expected invalid bit depth and batch size to be rejected")
	}
}

func TestValidateStoreOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Precision = "int8"
	if err := cfg.ValidateFilter(); err == nil {
		t.Errorf("Expected unknown precision to be rejected")
	}
}

func TestMetadataPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Path = "/tmp/train.db"
	if got := cfg.MetadataPath(); got != "/tmp/train.csv" {
		t.Errorf("Expected derived metadata path, got %q", got)
	}
	cfg.Store.MetadataPath = "/tmp/meta.csv"
	if got := cfg.MetadataPath(); got != "/tmp/meta.csv" {
		t.Errorf("Expected explicit metadata path, got %q", got)
	}
}

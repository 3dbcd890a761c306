package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.hujson"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := DefaultConfig()
	if cfg != want {
		t.Errorf("Load(missing) = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadOverlaysHuJSONOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.hujson")
	body := `{
		// data directory for this deployment
		"data_dir": "/var/lib/vectorkv",
		"dimension": 1536,
		"listen": "0.0.0.0:5051",
		"log": {
			"level": "debug",
		},
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/vectorkv" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Dimension != 1536 {
		t.Errorf("Dimension = %d", cfg.Dimension)
	}
	if cfg.Listen != "0.0.0.0:5051" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	// Fields absent from the file keep their defaults.
	if cfg.BlockCapacity != DefaultConfig().BlockCapacity {
		t.Errorf("BlockCapacity = %d, want default preserved", cfg.BlockCapacity)
	}
	if cfg.Reblock.TombstoneRatio != DefaultConfig().Reblock.TombstoneRatio {
		t.Errorf("Reblock.TombstoneRatio = %v, want default preserved", cfg.Reblock.TombstoneRatio)
	}
}

func TestLoadMalformedHuJSONIsCorruptError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.hujson")
	if err := os.WriteFile(path, []byte("{ not valid"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for malformed config")
	}
}

// Package config loads the engine's HuJSON configuration file: JSON with
// comments and trailing commas permitted, so an operator can annotate
// config.hujson in place inside the data directory.
package config

import (
	"encoding/json"
	"os"

	"github.com/tailscale/hujson"

	"github.com/vectorkv/vectorkv/pkg/verrors"
)

// Config covers every field spec.md §6 enumerates, plus the ambient logging,
// service, and reblocking knobs this build adds on top.
type Config struct {
	// DataDir is the root directory holding blocks/, directory, index,
	// ledger, and id_counter.
	DataDir string `json:"data_dir"`

	// Dimension is D, fixed at first build; every embedding inserted
	// thereafter must match it.
	Dimension int `json:"dimension"`
	// BlockCapacity is B, the slot-count cap per block.
	BlockCapacity int `json:"block_capacity"`

	// M is the HNSW max neighbors per node above layer 0.
	M int `json:"m"`
	// MMax0 is the max neighbors per node at layer 0. The engine does not
	// pass it to the HNSW index, which always caps layer 0 at 2*M.
	MMax0 int `json:"m_max0"`
	// EfConstruction is the beam width used while inserting.
	EfConstruction int `json:"ef_construction"`
	// EfSearch is the default beam width used while querying.
	EfSearch int `json:"ef_search"`

	// CacheCapacity bounds the embedding cache's resident vector count.
	CacheCapacity int `json:"cache_capacity"`

	// Embedder holds the external embedding endpoint's connection details.
	Embedder EmbedderConfig `json:"embedder"`

	// Listen is the service's TCP listen address, e.g. "127.0.0.1:5051".
	Listen string `json:"listen"`

	// Log carries the ambient logging knobs.
	Log LogConfig `json:"log"`
	// Service carries the ambient connection-handling knobs.
	Service ServiceConfig `json:"service"`
	// Reblock carries the ambient compaction-threshold knob.
	Reblock ReblockConfig `json:"reblock"`
}

// EmbedderConfig names the external embedding endpoint and its timeout.
type EmbedderConfig struct {
	Endpoint string `json:"endpoint"`
	TimeoutMS int   `json:"timeout_ms"`
}

// LogConfig controls the ambient structured logger.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `json:"level"`
	// Format names the log line format. It is not read: the logger always
	// writes plain text lines.
	Format string `json:"format"`
}

// ServiceConfig bounds the per-connection worker pool.
type ServiceConfig struct {
	MaxConnections int `json:"max_connections"`
}

// ReblockConfig sets the tombstone ratio above which an Add or Reindex
// triggers a reblock; opening the engine never reblocks.
type ReblockConfig struct {
	TombstoneRatio float64 `json:"tombstone_ratio"`
}

// DefaultConfig returns the configuration used when no config.hujson is
// present: a 5051 listener, 768-dimension embeddings, and the HNSW
// defaults this build's pkg/hnsw.New also falls back to.
func DefaultConfig() Config {
	return Config{
		DataDir:       "./data",
		Dimension:     768,
		BlockCapacity: 1024,
		M:             16,
		MMax0:         32,
		EfConstruction: 200,
		EfSearch:      200,
		CacheCapacity: 20 * 1024,
		Embedder: EmbedderConfig{
			Endpoint:  "http://127.0.0.1:8081/embed",
			TimeoutMS: 5000,
		},
		Listen: "127.0.0.1:5051",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Service: ServiceConfig{
			MaxConnections: 64,
		},
		Reblock: ReblockConfig{
			TombstoneRatio: 0.25,
		},
	}
}

// Load reads and parses a HuJSON config file at path, overlaying its fields
// onto DefaultConfig. A missing file is not an error: the caller gets
// defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, verrors.Wrap("Load", verrors.Io, err)
	}

	standard, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, verrors.Wrap("Load", verrors.Corrupt, err)
	}

	if err := json.Unmarshal(standard, &cfg); err != nil {
		return Config{}, verrors.Wrap("Load", verrors.Corrupt, err)
	}
	return cfg, nil
}

// Package config provides configuration loading and structs for the kao server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultThreshold is the similarity at or above which a query matches.
const DefaultThreshold = 0.6

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Index     IndexConfig     `yaml:"index"`
	Identify  IdentifyConfig  `yaml:"identify"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Source    SourceConfig    `yaml:"source"`
	Watch     WatchConfig     `yaml:"watch"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Catalog   CatalogConfig   `yaml:"catalog"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxUploadMB    int64         `yaml:"max_upload_mb"`
	// CORSOrigins lists the browser origins allowed to call the API; "*" allows any.
	// Empty disables CORS headers.
	CORSOrigins    []string      `yaml:"cors_origins"`
}

// StorageConfig selects the record store. Path is a database file for sqlite
// and a directory for badger.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// IndexConfig selects and tunes the similarity index.
type IndexConfig struct {
	Type string `yaml:"type"`
	// Dimensions of 0 adopts the length of the first stored vector.
	Dimensions   int           `yaml:"dimensions"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	VPTree       VPTreeConfig  `yaml:"vptree"`
	HNSW         HNSWConfig    `yaml:"hnsw"`
}

// VPTreeConfig tunes the vantage-point tree backend.
type VPTreeConfig struct {
	LeafSize   int `yaml:"leaf_size"`
	BufferSize int `yaml:"buffer_size"`
}

// HNSWConfig tunes the HNSW backend.
type HNSWConfig struct {
	M              int    `yaml:"m"`
	EfConstruction int    `yaml:"ef_construction"`
	EfSearch       int    `yaml:"ef_search"`
	Seed           uint64 `yaml:"seed"`
}

// IdentifyConfig holds decision settings.
type IdentifyConfig struct {
	Threshold *float64 `yaml:"threshold"`
	// TopK is the default number of candidates returned per face; 0 returns none.
	TopK    int `yaml:"top_k"`
	MaxTopK int `yaml:"max_top_k"`
}

// ThresholdOrDefault returns the configured threshold, or DefaultThreshold when unset.
func (c *IdentifyConfig) ThresholdOrDefault() float64 {
	if c.Threshold != nil {
		return *c.Threshold
	}
	return DefaultThreshold
}

// EmbeddingConfig configures the embedding producer.
type EmbeddingConfig struct {
	// Provider is "remote" or "mock".
	Provider  string        `yaml:"provider"`
	URL       string        `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int           `yaml:"cache_size"`
	// RateLimit is requests per second; 0 disables limiting.
	RateLimit  float64 `yaml:"rate_limit"`
	Burst      int     `yaml:"burst"`
	Dimensions int     `yaml:"dimensions"`
}

// SourceConfig configures the bulk-load vector source.
type SourceConfig struct {
	// Type is "dir", "minio" or "s3".
	Type       string   `yaml:"type"`
	Path       string   `yaml:"path"`
	Endpoint   string   `yaml:"endpoint"`
	Bucket     string   `yaml:"bucket"`
	Prefix     string   `yaml:"prefix"`
	Region     string   `yaml:"region"`
	AccessKey  string   `yaml:"access_key"`
	SecretKey  string   `yaml:"secret_key"`
	UseSSL     bool     `yaml:"use_ssl"`
	Workers    int      `yaml:"workers"`
	// BatchSize is how many objects are read and extracted before each ingest.
	BatchSize  int      `yaml:"batch_size"`
	Extensions []string `yaml:"extensions"`
}

// WatchConfig holds directory watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// SnapshotConfig controls the index warm-start snapshot.
type SnapshotConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Codec is "zstd", "lz4" or "none".
	Codec string `yaml:"codec"`
}

// CatalogConfig controls the label search catalogue. An empty Path keeps it in memory.
type CatalogConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// EnabledOrDefault returns whether the catalogue is built; defaults to true when unset.
func (c *CatalogConfig) EnabledOrDefault() bool {
	if c.Enabled != nil {
		return *c.Enabled
	}
	return true
}

// Load reads and parses the config file at path, applies environment overrides and
// defaults, and expands paths.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.Path = expandPath(cfg.Storage.Path, configDir)
	cfg.Snapshot.Path = expandPath(cfg.Snapshot.Path, configDir)
	if cfg.Catalog.Path != "" {
		cfg.Catalog.Path = expandPath(cfg.Catalog.Path, configDir)
	}
	if cfg.Source.Type == "dir" && cfg.Source.Path != "" {
		cfg.Source.Path = expandPath(cfg.Source.Path, configDir)
	}
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every default applied, for running without a config file.
func Default() (*Config, error) {
	var cfg Config
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path. Used for persisting watch directory add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if t := c.Identify.ThresholdOrDefault(); t < -1 || t > 1 {
		return fmt.Errorf("identify.threshold must be within [-1, 1], got %v", t)
	}
	if c.Index.Dimensions < 0 {
		return fmt.Errorf("index.dimensions must not be negative, got %d", c.Index.Dimensions)
	}
	switch c.Storage.Backend {
	case "sqlite", "badger":
	default:
		return fmt.Errorf("unknown storage.backend %q (supported: sqlite, badger)", c.Storage.Backend)
	}
	switch c.Index.Type {
	case "linear", "memory", "vptree", "hnsw":
	default:
		return fmt.Errorf("unknown index.type %q (supported: linear, vptree, hnsw)", c.Index.Type)
	}
	switch c.Embedding.Provider {
	case "mock":
	case "remote":
		if c.Embedding.URL == "" {
			return fmt.Errorf("embedding.url is required for the remote provider")
		}
	default:
		return fmt.Errorf("unknown embedding.provider %q (supported: remote, mock)", c.Embedding.Provider)
	}
	if c.Source.BatchSize < 0 {
		return fmt.Errorf("source.batch_size must not be negative, got %d", c.Source.BatchSize)
	}
	switch c.Source.Type {
	case "", "dir", "minio", "s3":
	default:
		return fmt.Errorf("unknown source.type %q (supported: dir, minio, s3)", c.Source.Type)
	}
	switch c.Snapshot.Codec {
	case "none", "zstd", "lz4":
	default:
		return fmt.Errorf("unknown snapshot.codec %q (supported: none, zstd, lz4)", c.Snapshot.Codec)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}

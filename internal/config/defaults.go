package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadMB == 0 {
		cfg.Server.MaxUploadMB = 32
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.Path == "" {
		if cfg.Storage.Backend == "badger" {
			cfg.Storage.Path = "/usr/local/var/kao/data/badger"
		} else {
			cfg.Storage.Path = "/usr/local/var/kao/data/db/vectors.db"
		}
	}
	if cfg.Index.Type == "" {
		cfg.Index.Type = "linear"
	}
	if cfg.Index.QueryTimeout == 0 {
		cfg.Index.QueryTimeout = 5 * time.Second
	}
	if cfg.Index.VPTree.LeafSize == 0 {
		cfg.Index.VPTree.LeafSize = 16
	}
	if cfg.Index.VPTree.BufferSize == 0 {
		cfg.Index.VPTree.BufferSize = 64
	}
	if cfg.Index.HNSW.M == 0 {
		cfg.Index.HNSW.M = 16
	}
	if cfg.Index.HNSW.EfConstruction == 0 {
		cfg.Index.HNSW.EfConstruction = 200
	}
	if cfg.Index.HNSW.EfSearch == 0 {
		cfg.Index.HNSW.EfSearch = 64
	}
	if cfg.Identify.Threshold == nil {
		t := DefaultThreshold
		cfg.Identify.Threshold = &t
	}
	if cfg.Identify.MaxTopK == 0 {
		cfg.Identify.MaxTopK = 20
	}
	if cfg.Embedding.Provider == "" {
		if cfg.Embedding.URL != "" {
			cfg.Embedding.Provider = "remote"
		} else {
			cfg.Embedding.Provider = "mock"
		}
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1024
	}
	if cfg.Embedding.Dimensions == 0 {
		if cfg.Index.Dimensions > 0 {
			cfg.Embedding.Dimensions = cfg.Index.Dimensions
		} else {
			cfg.Embedding.Dimensions = 128
		}
	}
	if cfg.Source.Workers == 0 {
		cfg.Source.Workers = 4
	}
	if cfg.Source.BatchSize == 0 {
		cfg.Source.BatchSize = 64
	}
	if cfg.Source.Extensions == nil {
		cfg.Source.Extensions = []string{".jpg", ".jpeg", ".png"}
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".jpg", ".jpeg", ".png"}
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
	if cfg.Snapshot.Path == "" {
		cfg.Snapshot.Path = "/usr/local/var/kao/data/index.snap"
	}
	if cfg.Snapshot.Codec == "" {
		cfg.Snapshot.Codec = "zstd"
	}
}

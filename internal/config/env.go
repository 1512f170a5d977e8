package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadEnv loads KEY=VALUE pairs from the given .env files into the process
// environment. Missing files are skipped; variables already set are kept.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg with KAO_* environment variables.
func ApplyEnv(cfg *Config) error {
	str := map[string]*string{
		"KAO_HOST":               &cfg.Server.Host,
		"KAO_STORAGE_BACKEND":    &cfg.Storage.Backend,
		"KAO_STORAGE_PATH":       &cfg.Storage.Path,
		"KAO_INDEX_TYPE":         &cfg.Index.Type,
		"KAO_EMBEDDING_PROVIDER": &cfg.Embedding.Provider,
		"KAO_EMBEDDING_URL":      &cfg.Embedding.URL,
		"KAO_SOURCE_TYPE":        &cfg.Source.Type,
		"KAO_SOURCE_PATH":        &cfg.Source.Path,
		"KAO_SOURCE_ENDPOINT":    &cfg.Source.Endpoint,
		"KAO_SOURCE_BUCKET":      &cfg.Source.Bucket,
		"KAO_SOURCE_REGION":      &cfg.Source.Region,
		"KAO_SOURCE_ACCESS_KEY":  &cfg.Source.AccessKey,
		"KAO_SOURCE_SECRET_KEY":  &cfg.Source.SecretKey,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("KAO_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid KAO_PORT %q: %w", v, err)
		}
		cfg.Server.Port = n
	}
	if v, ok := os.LookupEnv("KAO_DIMENSIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid KAO_DIMENSIONS %q: %w", v, err)
		}
		cfg.Index.Dimensions = n
	}
	if v, ok := os.LookupEnv("KAO_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid KAO_THRESHOLD %q: %w", v, err)
		}
		cfg.Identify.Threshold = &f
	}
	if v, ok := os.LookupEnv("KAO_DEBUG"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid KAO_DEBUG %q: %w", v, err)
		}
		cfg.Debug = b
	}
	return nil
}

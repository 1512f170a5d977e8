// Package source enumerates images for bulk loading: a local directory, a MinIO
// bucket, an S3 bucket, or an in-memory fixture.
package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hyperjump/kao/internal/config"
	"github.com/hyperjump/kao/internal/models"
)

// Object is one enumerable item. Key is relative to the source root and uses
// forward slashes.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Source lists and opens objects.
type Source interface {
	// Name describes the source for logs and status output.
	Name() string
	// List returns all objects sorted by key.
	List(ctx context.Context) ([]Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// New builds the source described by cfg. An empty type means "dir".
func New(ctx context.Context, cfg *config.SourceConfig) (Source, error) {
	switch cfg.Type {
	case "", "dir":
		if cfg.Path == "" {
			return nil, fmt.Errorf("source.path is required for dir sources")
		}
		return NewDirSource(cfg.Path, true), nil
	case "minio":
		return NewMinioSource(cfg)
	case "s3":
		return NewS3Source(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown source type: %s (supported: dir, minio, s3)", cfg.Type)
	}
}

// MatchExtension reports whether name has one of exts (case-insensitive, leading dot optional).
// An empty list matches everything.
func MatchExtension(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if strings.ToLower(strings.TrimPrefix(e, ".")) == ext {
			return true
		}
	}
	return false
}

// Filter keeps objects whose key matches exts.
func Filter(objects []Object, exts []string) []Object {
	out := objects[:0:0]
	for _, o := range objects {
		if MatchExtension(o.Key, exts) {
			out = append(out, o)
		}
	}
	return out
}

func sortObjects(objects []Object) {
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
}

// MemorySource serves objects from memory.
type MemorySource struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemorySource returns a source over the given key to content map.
func NewMemorySource(objects map[string][]byte) *MemorySource {
	m := &MemorySource{objects: make(map[string][]byte, len(objects))}
	for k, v := range objects {
		m.objects[k] = v
	}
	return m
}

// Put adds or replaces an object.
func (m *MemorySource) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
}

// Name returns "memory".
func (m *MemorySource) Name() string {
	return "memory"
}

// List returns all objects sorted by key.
func (m *MemorySource) List(ctx context.Context) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Object, 0, len(m.objects))
	for k, v := range m.objects {
		out = append(out, Object{Key: k, Size: int64(len(v))})
	}
	sortObjects(out)
	return out, nil
}

// Open returns a reader over the object's bytes.
func (m *MemorySource) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: object %s", models.ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

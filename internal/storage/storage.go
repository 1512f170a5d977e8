// Package storage persists vector records. The store is the source of truth;
// the similarity index is rebuilt from GetAll.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/kao/internal/models"
)

// Store persists immutable labeled vectors.
//
// Put either fully commits (durable and visible to GetAll) or fails with no partial
// write. The vector length is fixed by the first record; later mismatches fail with
// ErrDimensionMismatch. I/O failures surface as ErrStoreUnavailable.
type Store interface {
	Put(ctx context.Context, label string, vector []float32) (*models.VectorRecord, error)
	Get(ctx context.Context, id string) (*models.VectorRecord, error)
	// GetAll returns every record ordered by Seq. Safe to call concurrently with Put.
	GetAll(ctx context.Context) ([]*models.VectorRecord, error)
	// Delete removes a record and returns it; ErrNotFound if absent.
	Delete(ctx context.Context, id string) (*models.VectorRecord, error)
	Count(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (*models.StoreStats, error)
	// Labels returns per-label record counts ordered by label.
	Labels(ctx context.Context) ([]*models.LabelCount, error)
	Close() error
}

// Backend names.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Option configures a store.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	inMemory bool
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithInMemory keeps Badger data in memory only. Ignored by SQLite.
func WithInMemory() Option {
	return func(o *options) {
		o.inMemory = true
	}
}

func buildOptions(opts []Option) *options {
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// Open creates a store for the named backend. path is a database file for SQLite
// and a directory for Badger.
func Open(backend, path string, opts ...Option) (Store, error) {
	switch backend {
	case BackendSQLite, "":
		return NewSQLiteStore(path, opts...)
	case BackendBadger:
		return NewBadgerStore(path, opts...)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s (supported: sqlite, badger)", backend)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrStoreUnavailable, op, err)
}

func notFound(id string) error {
	return fmt.Errorf("%w: record %s", models.ErrNotFound, id)
}

func checkPut(label string, vector []float32, dims int) error {
	if label == "" {
		return models.Validationf("label is required")
	}
	if len(vector) == 0 {
		return models.Validationf("vector is empty")
	}
	if dims > 0 && len(vector) != dims {
		return models.NewDimensionMismatch(dims, len(vector))
	}
	return nil
}

// Package app owns the service context: it builds every component from the
// configuration, warms the index, and tears everything down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kao/internal/catalog"
	"github.com/hyperjump/kao/internal/config"
	"github.com/hyperjump/kao/internal/embedding"
	"github.com/hyperjump/kao/internal/fileid"
	"github.com/hyperjump/kao/internal/identify"
	"github.com/hyperjump/kao/internal/ingest"
	"github.com/hyperjump/kao/internal/models"
	"github.com/hyperjump/kao/internal/source"
	"github.com/hyperjump/kao/internal/storage"
	"github.com/hyperjump/kao/internal/vector"
)

// App holds initialized services.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Store     storage.Store
	Index     vector.Index
	Extractor embedding.Extractor
	// Catalog is nil when disabled.
	Catalog  *catalog.Catalog
	Pipeline *ingest.Pipeline
	Loader   *ingest.Loader
	Identify *identify.Service

	// WarmStart records how the index was populated: "snapshot" or "rebuild".
	WarmStart string

	mu   sync.Mutex
	seen map[string]string // path id -> content id of files ingested by IngestFile
}

// Option customizes New.
type Option func(*App)

// WithExtractor replaces the configured extractor.
func WithExtractor(e embedding.Extractor) Option {
	return func(a *App) {
		a.Extractor = e
	}
}

// New builds the service context. The index is restored from the snapshot when it
// matches the store exactly, otherwise rebuilt from the store.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, seen: make(map[string]string)}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			_ = a.close(false)
		}
	}()

	a.Store, err = storage.Open(cfg.Storage.Backend, cfg.Storage.Path, storage.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	stats, err := a.Store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	dims := cfg.Index.Dimensions
	if dims > 0 && stats.Count > 0 && stats.Dimensions != dims {
		return nil, fmt.Errorf("configured dimensions do not match stored records: %w",
			models.NewDimensionMismatch(dims, stats.Dimensions))
	}
	if dims == 0 {
		dims = stats.Dimensions
	}
	a.Index, err = vector.NewIndex(cfg.Index.Type, vector.Options{
		Dimensions: dims,
		VPTree: vector.VPTreeConfig{
			LeafSize:   cfg.Index.VPTree.LeafSize,
			BufferSize: cfg.Index.VPTree.BufferSize,
		},
		HNSW: vector.HNSWConfig{
			M:              cfg.Index.HNSW.M,
			EfConstruction: cfg.Index.HNSW.EfConstruction,
			EfSearch:       cfg.Index.HNSW.EfSearch,
			Seed:           cfg.Index.HNSW.Seed,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize index: %w", err)
	}
	if err := a.warm(ctx, stats); err != nil {
		return nil, err
	}

	if a.Extractor == nil {
		a.Extractor, err = NewExtractor(&cfg.Embedding, logger)
		if err != nil {
			return nil, err
		}
	}

	pipelineOpts := []ingest.Option{
		ingest.WithLogger(logger),
		ingest.WithExtractor(a.Extractor),
		ingest.WithWorkers(cfg.Source.Workers),
	}
	if cfg.Catalog.EnabledOrDefault() {
		a.Catalog, err = catalog.New(cfg.Catalog.Path)
		if err != nil {
			return nil, err
		}
		labels, err := a.Store.Labels(ctx)
		if err != nil {
			return nil, err
		}
		if err := a.Catalog.Rebuild(ctx, labels); err != nil {
			return nil, err
		}
		pipelineOpts = append(pipelineOpts, ingest.WithCatalog(a.Catalog))
	}
	a.Pipeline = ingest.NewPipeline(a.Store, a.Index, pipelineOpts...)
	a.Loader = ingest.NewLoader(a.Pipeline,
		ingest.WithExtensions(cfg.Source.Extensions),
		ingest.WithReadWorkers(cfg.Source.Workers),
		ingest.WithBatchSize(cfg.Source.BatchSize),
		ingest.WithLoaderLogger(logger))
	a.Identify = identify.NewService(a.Index, a.Extractor, &cfg.Identify,
		identify.WithQueryTimeout(cfg.Index.QueryTimeout),
		identify.WithLogger(logger))

	logger.Info("Service initialized",
		zap.String("store", cfg.Storage.Backend),
		zap.String("index", a.Index.Type()),
		zap.Int("records", a.Index.Size()),
		zap.Int("dimensions", a.Index.Dimensions()),
		zap.String("warm_start", a.WarmStart),
		zap.String("extractor", a.Extractor.Name()))
	return a, nil
}

// warm fills the index from the snapshot if it describes exactly the stored
// records, otherwise from the store.
func (a *App) warm(ctx context.Context, stats *models.StoreStats) error {
	start := time.Now()
	if a.Config.Snapshot.Enabled {
		snap, err := vector.LoadSnapshot(a.Config.Snapshot.Path)
		switch {
		case err != nil:
			a.Logger.Warn("Snapshot unreadable, rebuilding from store", zap.Error(err))
		case snap == nil:
		case int64(len(snap.Records)) != stats.Count || snap.LastSeq() != stats.LastSeq ||
			(stats.Count > 0 && snap.Dimensions != stats.Dimensions):
			a.Logger.Info("Snapshot is stale, rebuilding from store",
				zap.Int("snapshot_records", len(snap.Records)),
				zap.Int64("store_records", stats.Count))
		default:
			if err := vector.Restore(ctx, a.Index, snap); err != nil {
				return err
			}
			a.WarmStart = "snapshot"
			a.Logger.Info("Index restored from snapshot",
				zap.Int("records", len(snap.Records)),
				zap.Duration("took", time.Since(start)))
			return nil
		}
	}
	n, err := ingest.Rebuild(ctx, a.Store, a.Index)
	if err != nil {
		return err
	}
	a.WarmStart = "rebuild"
	a.Logger.Info("Index rebuilt from store", zap.Int("records", n), zap.Duration("took", time.Since(start)))
	return nil
}

// NewExtractor builds the configured extractor with its cache and rate limit.
func NewExtractor(cfg *config.EmbeddingConfig, logger *zap.Logger) (embedding.Extractor, error) {
	var base embedding.Extractor
	switch cfg.Provider {
	case "remote":
		r, err := embedding.NewRemoteExtractor(cfg.URL, cfg.Timeout, embedding.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		base = r
	case "mock", "":
		base = embedding.NewMockExtractor(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (supported: remote, mock)", cfg.Provider)
	}
	if cfg.RateLimit > 0 {
		base = embedding.NewRateLimitedExtractor(base, cfg.RateLimit, cfg.Burst)
	}
	if cfg.CacheSize > 0 {
		base = embedding.NewCachedExtractor(base, cfg.CacheSize)
	}
	return base, nil
}

// Load bulk-loads src, or the configured source when src is nil.
func (a *App) Load(ctx context.Context, src source.Source) (*models.IngestReport, error) {
	if src == nil {
		var err error
		src, err = source.New(ctx, &a.Config.Source)
		if err != nil {
			return nil, models.Validationf("%v", err)
		}
	}
	return a.Loader.Load(ctx, src)
}

// IngestFile ingests one image file. A file whose content was already ingested
// from the same path is skipped and yields (nil, nil).
func (a *App) IngestFile(ctx context.Context, path string) (*models.IngestReport, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", abs, err)
	}
	pathID, contentID := fileid.PathID(abs), fileid.ContentID(data)

	// Claim the content before ingesting so a concurrent scan and watch
	// event for the same file ingest it once.
	a.mu.Lock()
	prev, had := a.seen[pathID]
	if had && prev == contentID {
		a.mu.Unlock()
		a.Logger.Debug("Skipping unchanged file", zap.String("path", abs))
		return nil, nil
	}
	a.seen[pathID] = contentID
	a.mu.Unlock()

	report, err := a.Pipeline.IngestImages(ctx, []*ingest.Image{{Name: filepath.Base(abs), Data: data}})
	if err != nil {
		a.mu.Lock()
		if a.seen[pathID] == contentID {
			if had {
				a.seen[pathID] = prev
			} else {
				delete(a.seen, pathID)
			}
		}
		a.mu.Unlock()
		return nil, err
	}
	return report, nil
}

// ForgetFile lets a removed file be ingested again if it reappears.
func (a *App) ForgetFile(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	a.mu.Lock()
	delete(a.seen, fileid.PathID(abs))
	a.mu.Unlock()
}

// Status summarizes the running service.
func (a *App) Status(ctx context.Context) (*models.StatusResponse, error) {
	stats, err := a.Store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	labels, err := a.Store.Labels(ctx)
	if err != nil {
		return nil, err
	}
	status := &models.StatusResponse{
		Records:      stats.Count,
		IndexSize:    a.Index.Size(),
		IndexType:    a.Index.Type(),
		Dimensions:   a.Index.Dimensions(),
		Threshold:    a.Config.Identify.ThresholdOrDefault(),
		Labels:       len(labels),
		StoreBackend: a.Config.Storage.Backend,
		Extractor:    a.Extractor.Name(),
	}
	paths := append(storage.StorePaths(a.Config.Storage.Backend, a.Config.Storage.Path), a.Config.Catalog.Path)
	if a.Config.Snapshot.Enabled {
		paths = append(paths, a.Config.Snapshot.Path)
	}
	if n, err := storage.DiskUsageBytes(paths...); err == nil {
		status.DiskUsageBytes = n
	}
	return status, nil
}

// SaveSnapshot writes the index snapshot when snapshots are enabled.
func (a *App) SaveSnapshot() error {
	if !a.Config.Snapshot.Enabled {
		return nil
	}
	codec, err := vector.ParseCodec(a.Config.Snapshot.Codec)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := vector.SaveSnapshot(a.Config.Snapshot.Path, a.Index, codec); err != nil {
		return err
	}
	a.Logger.Info("Index snapshot saved",
		zap.String("path", a.Config.Snapshot.Path),
		zap.Int("records", a.Index.Size()),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Close saves the snapshot and releases every component.
func (a *App) Close() error {
	return a.close(true)
}

func (a *App) close(snapshot bool) error {
	var errs []error
	if snapshot && a.Index != nil {
		if err := a.SaveSnapshot(); err != nil {
			errs = append(errs, fmt.Errorf("save snapshot: %w", err))
		}
	}
	if a.Extractor != nil {
		errs = append(errs, a.Extractor.Close())
	}
	if a.Catalog != nil {
		errs = append(errs, a.Catalog.Close())
	}
	if a.Index != nil {
		errs = append(errs, a.Index.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

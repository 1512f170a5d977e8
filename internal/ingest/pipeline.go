// Package ingest turns (source name, vectors) items into stored, indexed records.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/kao/internal/embedding"
	"github.com/hyperjump/kao/internal/label"
	"github.com/hyperjump/kao/internal/models"
	"github.com/hyperjump/kao/internal/storage"
	"github.com/hyperjump/kao/internal/vector"
)

// Catalog is notified of stored and removed records. Failures are logged, not returned:
// the catalogue is rebuilt from the store.
type Catalog interface {
	Add(ctx context.Context, rec *models.VectorRecord) error
	Remove(ctx context.Context, rec *models.VectorRecord) error
}

// Image is one named image to ingest.
type Image struct {
	Name string
	Data []byte
}

// Pipeline validates items, writes them to the store, then inserts them into the index.
type Pipeline struct {
	store     storage.Store
	index     vector.Index
	extractor embedding.Extractor
	catalog   Catalog
	workers   int
	logger    *zap.Logger

	// mu keeps store and index in the same order for concurrent batches.
	mu sync.Mutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithExtractor enables IngestImages.
func WithExtractor(e embedding.Extractor) Option {
	return func(p *Pipeline) {
		p.extractor = e
	}
}

// WithCatalog registers a label catalogue.
func WithCatalog(c Catalog) Option {
	return func(p *Pipeline) {
		p.catalog = c
	}
}

// WithWorkers bounds concurrent extractions in IngestImages.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(store storage.Store, index vector.Index, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:   store,
		index:   index,
		workers: 4,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IngestBatch ingests each item independently. Items failing validation are reported
// in the result and do not stop the batch. A systemic failure (store unavailable,
// cancellation) aborts the call; items before it stay committed.
func (p *Pipeline) IngestBatch(ctx context.Context, items []*models.IngestItem) (*models.IngestReport, error) {
	report := models.NewIngestReport()
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids, err := p.ingestItem(ctx, item)
		if err != nil {
			if models.IsSystemic(err) || errors.Is(err, context.Canceled) {
				return nil, fmt.Errorf("ingest %s: %w", item.SourceName, err)
			}
			p.logger.Debug("Rejected item",
				zap.String("source", item.SourceName),
				zap.String("reason", models.Reason(err)),
				zap.Error(err))
			report.Fail(item.SourceName, err)
			continue
		}
		if len(ids) == 0 {
			report.Empty = append(report.Empty, item.SourceName)
			continue
		}
		report.Succeeded += len(ids)
		report.ItemsSucceeded++
		report.RecordIDs = append(report.RecordIDs, ids...)
	}
	return report, nil
}

// ingestItem stores all of an item's vectors or none of them.
func (p *Pipeline) ingestItem(ctx context.Context, item *models.IngestItem) ([]string, error) {
	if item == nil {
		return nil, models.Validationf("nil item")
	}
	lbl, err := label.Derive(item.SourceName)
	if err != nil {
		return nil, err
	}
	if len(item.Vectors) == 0 {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.validate(item.Vectors); err != nil {
		return nil, err
	}

	stored := make([]*models.VectorRecord, 0, len(item.Vectors))
	for _, v := range item.Vectors {
		rec, err := p.store.Put(ctx, lbl, v)
		if err != nil {
			p.rollback(stored)
			return nil, err
		}
		stored = append(stored, rec)
		if err := p.index.Insert(ctx, rec); err != nil {
			p.rollback(stored)
			return nil, fmt.Errorf("index insert: %w", err)
		}
	}

	ids := make([]string, len(stored))
	for i, rec := range stored {
		ids[i] = rec.ID
		if p.catalog != nil {
			if err := p.catalog.Add(ctx, rec); err != nil {
				p.logger.Warn("Catalog add failed", zap.String("label", rec.Label), zap.Error(err))
			}
		}
	}
	p.logger.Debug("Ingested item",
		zap.String("source", item.SourceName),
		zap.String("label", lbl),
		zap.Int("vectors", len(ids)))
	return ids, nil
}

// validate checks every vector of an item against the index dimension (or the
// item's first vector when none is fixed yet) before anything is written.
func (p *Pipeline) validate(vectors [][]float32) error {
	dims := p.index.Dimensions()
	if dims == 0 {
		dims = len(vectors[0])
	}
	for _, v := range vectors {
		if len(v) != dims {
			return models.NewDimensionMismatch(dims, len(v))
		}
		if _, err := vector.Normalize(v); err != nil {
			return err
		}
	}
	return nil
}

// rollback removes records written for a failed item. Must hold p.mu.
func (p *Pipeline) rollback(stored []*models.VectorRecord) {
	ctx := context.Background()
	ids := make([]string, len(stored))
	for i, rec := range stored {
		ids[i] = rec.ID
		if _, err := p.store.Delete(ctx, rec.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
			p.logger.Error("Rollback delete failed", zap.String("id", rec.ID), zap.Error(err))
		}
	}
	if err := p.index.Remove(ctx, ids); err != nil {
		p.logger.Error("Rollback index remove failed", zap.Error(err))
	}
}

// Remove deletes a record from the store, the index and the catalogue.
func (p *Pipeline) Remove(ctx context.Context, id string) (*models.VectorRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.store.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.index.Remove(ctx, []string{id}); err != nil {
		return nil, fmt.Errorf("index remove: %w", err)
	}
	if p.catalog != nil {
		if err := p.catalog.Remove(ctx, rec); err != nil {
			p.logger.Warn("Catalog remove failed", zap.String("label", rec.Label), zap.Error(err))
		}
	}
	p.logger.Debug("Removed record", zap.String("id", id), zap.String("label", rec.Label))
	return rec, nil
}

// Extract runs the extractor over images concurrently and returns one item per
// image, in input order. Any extraction failure aborts.
func (p *Pipeline) Extract(ctx context.Context, images []*Image) ([]*models.IngestItem, error) {
	if p.extractor == nil {
		return nil, fmt.Errorf("%w: no extractor configured", models.ErrEmbeddingExtractionFailed)
	}
	items := make([]*models.IngestItem, len(images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, img := range images {
		g.Go(func() error {
			vectors, err := p.extractor.Extract(gctx, img.Data)
			if err != nil {
				if !errors.Is(err, models.ErrEmbeddingExtractionFailed) && !errors.Is(err, models.ErrTimeout) && gctx.Err() == nil {
					err = fmt.Errorf("%w: %w", models.ErrEmbeddingExtractionFailed, err)
				}
				return fmt.Errorf("extract %s: %w", img.Name, err)
			}
			items[i] = &models.IngestItem{SourceName: img.Name, Vectors: vectors}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

// IngestImages extracts embeddings from each image and ingests them as one batch.
// Labels are checked first, so badly named files never reach the extractor.
func (p *Pipeline) IngestImages(ctx context.Context, images []*Image) (*models.IngestReport, error) {
	report := models.NewIngestReport()
	valid := make([]*Image, 0, len(images))
	for _, img := range images {
		if _, err := label.Derive(img.Name); err != nil {
			report.Fail(img.Name, err)
			continue
		}
		valid = append(valid, img)
	}
	if len(valid) == 0 {
		return report, nil
	}
	items, err := p.Extract(ctx, valid)
	if err != nil {
		return nil, err
	}
	batch, err := p.IngestBatch(ctx, items)
	if err != nil {
		return nil, err
	}
	report.Merge(batch)
	return report, nil
}

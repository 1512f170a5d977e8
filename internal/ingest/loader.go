package ingest

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/kao/internal/label"
	"github.com/hyperjump/kao/internal/models"
	"github.com/hyperjump/kao/internal/source"
)

// DefaultExtensions are the image types picked up by bulk loads.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

// Loader bulk-loads every image of a Source through a Pipeline.
type Loader struct {
	pipeline   *Pipeline
	extensions []string
	workers    int
	batchSize  int
	maxBytes   int64
	logger     *zap.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithExtensions sets the accepted file extensions.
func WithExtensions(exts []string) LoaderOption {
	return func(l *Loader) {
		if len(exts) > 0 {
			l.extensions = exts
		}
	}
}

// WithReadWorkers bounds concurrent object reads.
func WithReadWorkers(n int) LoaderOption {
	return func(l *Loader) {
		if n > 0 {
			l.workers = n
		}
	}
}

// WithBatchSize sets how many objects are read and extracted before each ingest.
func WithBatchSize(n int) LoaderOption {
	return func(l *Loader) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithLoaderLogger sets the logger.
func WithLoaderLogger(lg *zap.Logger) LoaderOption {
	return func(l *Loader) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// NewLoader creates a loader feeding p.
func NewLoader(p *Pipeline, opts ...LoaderOption) *Loader {
	l := &Loader{
		pipeline:   p,
		extensions: DefaultExtensions,
		workers:    4,
		batchSize:  64,
		maxBytes:   32 << 20,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load enumerates src and ingests every matching object. Objects that cannot be
// read or are badly named are reported per item; extraction and store failures abort.
func (l *Loader) Load(ctx context.Context, src source.Source) (*models.IngestReport, error) {
	start := time.Now()
	objects, err := src.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", src.Name(), err)
	}
	objects = source.Filter(objects, l.extensions)
	l.logger.Info("Bulk load started", zap.String("source", src.Name()), zap.Int("objects", len(objects)))

	report := models.NewIngestReport()
	for begin := 0; begin < len(objects); begin += l.batchSize {
		end := min(begin+l.batchSize, len(objects))
		batch, err := l.loadBatch(ctx, src, objects[begin:end])
		if err != nil {
			return nil, err
		}
		report.Merge(batch)
	}

	l.logger.Info("Bulk load finished",
		zap.String("source", src.Name()),
		zap.Int("records", report.Succeeded),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("took", time.Since(start)))
	return report, nil
}

func (l *Loader) loadBatch(ctx context.Context, src source.Source, objects []source.Object) (*models.IngestReport, error) {
	report := models.NewIngestReport()
	images := make([]*Image, len(objects))
	readErrs := make([]error, len(objects))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i, obj := range objects {
		name := path.Base(obj.Key)
		if _, err := label.Derive(name); err != nil {
			readErrs[i] = err
			continue
		}
		g.Go(func() error {
			data, err := l.read(gctx, src, obj)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				readErrs[i] = err
				return nil
			}
			images[i] = &Image{Name: name, Data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ready := make([]*Image, 0, len(images))
	for i, img := range images {
		if readErrs[i] != nil {
			report.Fail(objects[i].Key, readErrs[i])
			continue
		}
		ready = append(ready, img)
	}
	if len(ready) == 0 {
		return report, nil
	}
	ingested, err := l.pipeline.IngestImages(ctx, ready)
	if err != nil {
		return nil, err
	}
	report.Merge(ingested)
	return report, nil
}

func (l *Loader) read(ctx context.Context, src source.Source, obj source.Object) ([]byte, error) {
	if obj.Size > l.maxBytes {
		return nil, models.Validationf("object %s is %d bytes, limit is %d", obj.Key, obj.Size, l.maxBytes)
	}
	rc, err := src.Open(ctx, obj.Key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, l.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", obj.Key, err)
	}
	if int64(len(data)) > l.maxBytes {
		return nil, models.Validationf("object %s exceeds %d bytes", obj.Key, l.maxBytes)
	}
	return data, nil
}

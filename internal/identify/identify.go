// Package identify answers "who is this" for query vectors: nearest neighbour
// per vector plus the threshold decision.
package identify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/kao/internal/config"
	"github.com/hyperjump/kao/internal/embedding"
	"github.com/hyperjump/kao/internal/models"
	"github.com/hyperjump/kao/internal/vector"
)

// Service runs query vectors against the index.
type Service struct {
	index        vector.Index
	extractor    embedding.Extractor
	cfg          *config.IdentifyConfig
	queryTimeout time.Duration
	logger       *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithQueryTimeout bounds each per-vector query. Zero means only the caller's deadline applies.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.queryTimeout = d
	}
}

// NewService creates an identification service. extractor may be nil when only
// raw vectors are identified.
func NewService(index vector.Index, extractor embedding.Extractor, cfg *config.IdentifyConfig, opts ...Option) *Service {
	if cfg == nil {
		cfg = &config.IdentifyConfig{}
	}
	s := &Service{
		index:     index,
		extractor: extractor,
		cfg:       cfg,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Threshold resolves a per-call override against the configured default.
func (s *Service) Threshold(override *float64) (float64, error) {
	t := s.cfg.ThresholdOrDefault()
	if override != nil {
		t = *override
	}
	if math.IsNaN(t) || t < -1 || t > 1 {
		return 0, models.Validationf("threshold must be within [-1, 1], got %v", t)
	}
	return t, nil
}

// TopK clamps a requested candidate count to the configured maximum. Negative
// requests fall back to the configured default.
func (s *Service) TopK(requested int) int {
	k := requested
	if k < 0 {
		k = s.cfg.TopK
	}
	if s.cfg.MaxTopK > 0 && k > s.cfg.MaxTopK {
		k = s.cfg.MaxTopK
	}
	return k
}

// Identify returns one result per query vector, in input order.
func (s *Service) Identify(ctx context.Context, vectors [][]float32, threshold float64) ([]*models.QueryResult, error) {
	return s.IdentifyTopK(ctx, vectors, threshold, 0)
}

// IdentifyTopK is Identify that also attaches up to topK ranked candidates per result.
// Vectors are queried independently; any failure fails the whole call.
func (s *Service) IdentifyTopK(ctx context.Context, vectors [][]float32, threshold float64, topK int) ([]*models.QueryResult, error) {
	results := make([]*models.QueryResult, len(vectors))
	if len(vectors) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, v := range vectors {
		g.Go(func() error {
			r, err := s.identifyOne(gctx, v, threshold, topK)
			if err != nil {
				return fmt.Errorf("query vector %d: %w", i, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) identifyOne(ctx context.Context, v []float32, threshold float64, topK int) (*models.QueryResult, error) {
	if s.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
	}

	if topK <= 0 {
		d, err := s.index.NearestWithThreshold(ctx, v, threshold)
		if err != nil {
			return nil, err
		}
		return toResult(d), nil
	}

	hits, err := s.index.Query(ctx, v, topK)
	if err != nil {
		return nil, err
	}
	r := toResult(vector.Decide(hits, threshold))
	r.Candidates = candidates(hits)
	return r, nil
}

// Query returns up to k neighbours of v, best first, with no threshold applied.
// k is clamped to the configured maximum.
func (s *Service) Query(ctx context.Context, v []float32, k int) ([]*models.Candidate, error) {
	if k <= 0 {
		return nil, models.Validationf("k must be positive, got %d", k)
	}
	if s.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
	}
	hits, err := s.index.Query(ctx, v, s.TopK(k))
	if err != nil {
		return nil, err
	}
	return candidates(hits), nil
}

func candidates(hits []*vector.Hit) []*models.Candidate {
	out := make([]*models.Candidate, len(hits))
	for i, h := range hits {
		out[i] = &models.Candidate{
			RecordID:   h.Record.ID,
			Label:      h.Record.Label,
			Similarity: h.Similarity,
			Rank:       i + 1,
		}
	}
	return out
}

func toResult(d *vector.Decision) *models.QueryResult {
	return &models.QueryResult{
		Label:        d.BestLabel,
		Similarity:   d.Similarity,
		DecidedLabel: d.Label,
		RecordID:     d.RecordID,
	}
}

// IdentifyImage extracts the faces in image and identifies each. An image with
// no faces yields an empty result list.
func (s *Service) IdentifyImage(ctx context.Context, source string, image []byte, threshold float64, topK int) (*models.IdentifyResponse, error) {
	if s.extractor == nil {
		return nil, fmt.Errorf("%w: no extractor configured", models.ErrEmbeddingExtractionFailed)
	}
	start := time.Now()
	vectors, err := s.extractor.Extract(ctx, image)
	if err != nil {
		if !errors.Is(err, models.ErrEmbeddingExtractionFailed) && !errors.Is(err, models.ErrTimeout) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", models.ErrEmbeddingExtractionFailed, err)
		}
		return nil, err
	}
	results, err := s.IdentifyTopK(ctx, vectors, threshold, topK)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Identified image",
		zap.String("source", source),
		zap.Int("faces", len(results)),
		zap.Duration("took", time.Since(start)))
	return &models.IdentifyResponse{
		Source:    source,
		Threshold: threshold,
		Results:   results,
		QueryTime: time.Since(start).Milliseconds(),
	}, nil
}

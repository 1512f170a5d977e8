package embedding

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedExtractor bounds the request rate to the inner extractor.
type RateLimitedExtractor struct {
	inner   Extractor
	limiter *rate.Limiter
}

// NewRateLimitedExtractor allows rps requests per second with the given burst.
// rps <= 0 disables limiting.
func NewRateLimitedExtractor(inner Extractor, rps float64, burst int) *RateLimitedExtractor {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedExtractor{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

// Extract waits for a token, then calls the inner extractor.
func (r *RateLimitedExtractor) Extract(ctx context.Context, image []byte) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Extract(ctx, image)
}

// Name returns the inner extractor's name.
func (r *RateLimitedExtractor) Name() string {
	return r.inner.Name()
}

// Close closes the inner extractor.
func (r *RateLimitedExtractor) Close() error {
	return r.inner.Close()
}

// Package embedding obtains face embeddings from an external producer, with
// caching, rate limiting and a deterministic mock for tests.
package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/kao/internal/models"
)

// Extractor turns image bytes into zero or more fixed-length vectors, one per detected face.
type Extractor interface {
	Extract(ctx context.Context, image []byte) ([][]float32, error)
	// Name identifies the producer in status output.
	Name() string
	Close() error
}

// failed formats an ErrEmbeddingExtractionFailed error.
func failed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrEmbeddingExtractionFailed, fmt.Sprintf(format, args...))
}

func copyVectors(in [][]float32) [][]float32 {
	out := make([][]float32, len(in))
	for i, v := range in {
		out[i] = append([]float32(nil), v...)
	}
	return out
}

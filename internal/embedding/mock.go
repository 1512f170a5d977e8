package embedding

import (
	"context"
	"math"
	"sync"

	"github.com/hyperjump/kao/internal/fileid"
)

// MockExtractor is a deterministic extractor for tests and offline use. An empty
// image has no faces; any other image yields one unit vector derived from its
// digest, so the same bytes always produce the same embedding. Register overrides
// the output for specific images.
type MockExtractor struct {
	dimensions int

	mu       sync.RWMutex
	fixtures map[string][][]float32
	err      error
	calls    int
}

// NewMockExtractor returns a mock producing vectors of the given dimensions.
func NewMockExtractor(dimensions int) *MockExtractor {
	if dimensions <= 0 {
		dimensions = 128
	}
	return &MockExtractor{dimensions: dimensions, fixtures: make(map[string][][]float32)}
}

// Register makes Extract return vectors for image.
func (m *MockExtractor) Register(image []byte, vectors [][]float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixtures[fileid.ContentID(image)] = copyVectors(vectors)
}

// SetError makes every subsequent Extract fail with err (nil clears it).
func (m *MockExtractor) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many times Extract ran.
func (m *MockExtractor) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// Name returns "mock".
func (m *MockExtractor) Name() string {
	return "mock"
}

// Extract returns the registered vectors or a digest-derived embedding.
func (m *MockExtractor) Extract(ctx context.Context, image []byte) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.calls++
	err := m.err
	fixture, ok := m.fixtures[fileid.ContentID(image)]
	m.mu.Unlock()
	if err != nil {
		return nil, failed("%v", err)
	}
	if ok {
		return copyVectors(fixture), nil
	}
	if len(image) == 0 {
		return [][]float32{}, nil
	}
	return [][]float32{m.embed(image)}, nil
}

func (m *MockExtractor) embed(image []byte) []float32 {
	seed := fileid.ContentID(image)
	h := 0
	for _, c := range seed {
		h = 31*h + int(c)
	}
	if h < 0 {
		h = -h
	}
	emb := make([]float32, m.dimensions)
	var sum float64
	for i := range emb {
		emb[i] = float32(math.Sin(float64(h%100003*(i+1)))*0.1 + 0.01)
		sum += float64(emb[i]) * float64(emb[i])
	}
	norm := 1.0 / math.Sqrt(sum)
	for i := range emb {
		emb[i] = float32(float64(emb[i]) * norm)
	}
	return emb
}

// Close is a no-op for MockExtractor.
func (m *MockExtractor) Close() error {
	return nil
}

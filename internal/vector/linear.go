package vector

import (
	"context"
	"fmt"
	"sync"

	"github.com/hyperjump/kao/internal/models"
)

// LinearIndex scores every stored vector per query. It is exact and is the
// baseline the other backends are checked against.
type LinearIndex struct {
	mu         sync.RWMutex
	dimensions int
	entries    []*entry
	byID       map[string]int
	nextOrder  uint64
}

// NewLinearIndex creates a linear-scan index. dimensions may be 0 to adopt the
// length of the first inserted vector.
func NewLinearIndex(dimensions int) (*LinearIndex, error) {
	if dimensions < 0 {
		return nil, fmt.Errorf("dimensions must not be negative")
	}
	return &LinearIndex{
		dimensions: dimensions,
		entries:    make([]*entry, 0),
		byID:       make(map[string]int),
	}, nil
}

// Type returns the index type identifier.
func (l *LinearIndex) Type() string {
	return string(IndexTypeLinear)
}

// Insert adds rec, replacing any entry with the same id.
func (l *LinearIndex) Insert(ctx context.Context, rec *models.VectorRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	unit, err := prepare(rec.Vector, l.dimensions)
	if err != nil {
		return err
	}
	if pos, ok := l.byID[rec.ID]; ok {
		l.removeAt(map[int]bool{pos: true})
	}
	if l.dimensions == 0 {
		l.dimensions = len(unit)
	}
	l.nextOrder++
	l.byID[rec.ID] = len(l.entries)
	l.entries = append(l.entries, newEntry(rec, unit, l.nextOrder))
	return nil
}

// Remove drops entries by id by rebuilding the slice.
func (l *LinearIndex) Remove(ctx context.Context, ids []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	drop := make(map[int]bool, len(ids))
	for _, id := range ids {
		if pos, ok := l.byID[id]; ok {
			drop[pos] = true
		}
	}
	if len(drop) > 0 {
		l.removeAt(drop)
	}
	return nil
}

// removeAt drops the given positions. Caller holds l.mu for writing.
func (l *LinearIndex) removeAt(drop map[int]bool) {
	kept := make([]*entry, 0, len(l.entries)-len(drop))
	for i, e := range l.entries {
		if drop[i] {
			delete(l.byID, e.rec.ID)
			continue
		}
		l.byID[e.rec.ID] = len(kept)
		kept = append(kept, e)
	}
	l.entries = kept
}

// Query scores all entries and keeps the best k.
func (l *LinearIndex) Query(ctx context.Context, vector []float32, k int) ([]*Hit, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	q, err := prepare(vector, l.dimensions)
	if err != nil {
		return nil, err
	}
	if k <= 0 || len(l.entries) == 0 {
		return []*Hit{}, nil
	}
	best := newTopK(min(k, len(l.entries)))
	for i, e := range l.entries {
		if i%deadlineStride == 0 && i > 0 {
			if err := checkContext(ctx); err != nil {
				return nil, err
			}
		}
		best.offer(e, similarity(q, e.rec.Vector))
	}
	return best.hits(), nil
}

// NearestWithThreshold returns the thresholded best match.
func (l *LinearIndex) NearestWithThreshold(ctx context.Context, vector []float32, threshold float64) (*Decision, error) {
	hits, err := l.Query(ctx, vector, 1)
	if err != nil {
		return nil, err
	}
	return Decide(hits, threshold), nil
}

// Records returns copies of all records in insertion order.
func (l *LinearIndex) Records() []*models.VectorRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedRecords(l.entries)
}

// Size returns the number of vectors in the index.
func (l *LinearIndex) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Dimensions returns the fixed vector length, or 0 if not yet known.
func (l *LinearIndex) Dimensions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dimensions
}

// Close is a no-op for LinearIndex.
func (l *LinearIndex) Close() error {
	return nil
}

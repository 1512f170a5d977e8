// Package vector provides the similarity index: cosine similarity over unit-normalized
// vectors, with linear, vantage-point tree and HNSW backends behind one interface.
package vector

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperjump/kao/internal/models"
)

// Index stores labeled unit vectors and answers nearest-neighbour queries by cosine similarity.
// Implementations are safe for concurrent use: queries run in parallel and never observe
// a partially applied insert.
type Index interface {
	// Insert adds a record, normalizing a copy of its vector. Re-inserting an id replaces it.
	Insert(ctx context.Context, rec *models.VectorRecord) error
	// Remove drops records by id. Unknown ids are ignored.
	Remove(ctx context.Context, ids []string) error
	// Query returns at most k hits by descending similarity; ties go to the earliest insert.
	Query(ctx context.Context, vector []float32, k int) ([]*Hit, error)
	// NearestWithThreshold returns the best match, labelled "unknown" below threshold.
	NearestWithThreshold(ctx context.Context, vector []float32, threshold float64) (*Decision, error)
	// Records returns copies of all records in insertion order.
	Records() []*models.VectorRecord
	Size() int
	// Dimensions is 0 until fixed by configuration or the first insert.
	Dimensions() int
	Type() string
	Close() error
}

// Hit is a single query result.
type Hit struct {
	Record     *models.VectorRecord
	Similarity float64
}

// Decision is the thresholded best match for one query vector.
type Decision struct {
	// Label is BestLabel when Matched, otherwise "unknown".
	Label      string
	BestLabel  string
	RecordID   string
	Similarity float64
	Matched    bool
}

// Decide applies threshold to the best of hits (which must be sorted best-first).
// No hits yields ("unknown", -1).
func Decide(hits []*Hit, threshold float64) *Decision {
	if len(hits) == 0 {
		return &Decision{
			Label:      models.UnknownLabel,
			BestLabel:  models.UnknownLabel,
			Similarity: models.NoMatchSimilarity,
		}
	}
	best := hits[0]
	d := &Decision{
		Label:      models.UnknownLabel,
		BestLabel:  best.Record.Label,
		RecordID:   best.Record.ID,
		Similarity: best.Similarity,
	}
	if best.Similarity >= threshold {
		d.Label = best.Record.Label
		d.Matched = true
	}
	return d
}

// deadlineStride is how many vectors are scored between context checks.
const deadlineStride = 256

// entry is a record owned by an index plus its insertion order.
type entry struct {
	rec   *models.VectorRecord
	order uint64
}

func newEntry(rec *models.VectorRecord, unit []float32, order uint64) *entry {
	owned := *rec
	owned.Vector = unit
	owned.Normalized = true
	return &entry{rec: &owned, order: order}
}

// prepare checks v against dims (0 means unset) and returns a unit-length copy.
func prepare(v []float32, dims int) ([]float32, error) {
	if dims > 0 && len(v) != dims {
		return nil, models.NewDimensionMismatch(dims, len(v))
	}
	return Normalize(v)
}

// checkContext maps an expired deadline onto ErrTimeout so callers can tell it
// apart from "no match".
func checkContext(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: query deadline exceeded", models.ErrTimeout)
	}
	return err
}

func validateRecord(rec *models.VectorRecord) error {
	if rec == nil {
		return models.Validationf("nil record")
	}
	if rec.ID == "" {
		return models.Validationf("record id is required")
	}
	return nil
}

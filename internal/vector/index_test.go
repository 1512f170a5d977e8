package vector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kao/internal/models"
)

// backends lists every index type; each test in this file runs against all of them.
var backends = []struct {
	name string
	opts Options
}{
	{"linear", Options{}},
	{"vptree", Options{VPTree: VPTreeConfig{LeafSize: 2, BufferSize: 4}}},
	{"hnsw", Options{HNSW: HNSWConfig{M: 4, EfConstruction: 32, EfSearch: 16, Seed: 7}}},
}

func forEachBackend(t *testing.T, dims int, fn func(t *testing.T, idx Index)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			opts := b.opts
			opts.Dimensions = dims
			idx, err := NewIndex(b.name, opts)
			require.NoError(t, err)
			defer idx.Close()
			fn(t, idx)
		})
	}
}

func rec(id, label string, v ...float32) *models.VectorRecord {
	return &models.VectorRecord{ID: id, Label: label, Vector: v}
}

func TestIndex_Empty(t *testing.T) {
	forEachBackend(t, 3, func(t *testing.T, idx Index) {
		ctx := context.Background()
		hits, err := idx.Query(ctx, []float32{1, 0, 0}, 5)
		require.NoError(t, err)
		assert.Empty(t, hits)

		d, err := idx.NearestWithThreshold(ctx, []float32{1, 0, 0}, 0.6)
		require.NoError(t, err)
		assert.Equal(t, models.UnknownLabel, d.Label)
		assert.Equal(t, -1.0, d.Similarity)
		assert.False(t, d.Matched)
		assert.Equal(t, 0, idx.Size())
	})
}

func TestIndex_OrthonormalScenario(t *testing.T) {
	forEachBackend(t, 4, func(t *testing.T, idx Index) {
		ctx := context.Background()
		require.NoError(t, idx.Insert(ctx, rec("r1", "alice", 1, 0, 0, 0)))
		require.NoError(t, idx.Insert(ctx, rec("r2", "bob", 0, 1, 0, 0)))

		d, err := idx.NearestWithThreshold(ctx, []float32{1, 0, 0, 0}, 0.6)
		require.NoError(t, err)
		assert.Equal(t, "alice", d.Label)
		assert.Equal(t, "r1", d.RecordID)
		assert.InDelta(t, 1.0, d.Similarity, 1e-9)
		assert.True(t, d.Matched)

		d, err = idx.NearestWithThreshold(ctx, []float32{0, 0, 1, 0}, 0.6)
		require.NoError(t, err)
		assert.Equal(t, models.UnknownLabel, d.Label)
		assert.Contains(t, []string{"alice", "bob"}, d.BestLabel)
		assert.InDelta(t, 0.0, d.Similarity, 1e-9, "raw score is reported below threshold")
	})
}

func TestIndex_QueryOrderingAndLimit(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	forEachBackend(t, 8, func(t *testing.T, idx Index) {
		ctx := context.Background()
		for i := 0; i < 40; i++ {
			require.NoError(t, idx.Insert(ctx, rec(fmt.Sprintf("r%d", i), "p", randomVector(r, 8)...)))
		}
		for _, k := range []int{1, 3, 10, 40, 100} {
			hits, err := idx.Query(ctx, randomVector(r, 8), k)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(hits), k)
			assert.Equal(t, min(k, 40), len(hits))
			for i := 1; i < len(hits); i++ {
				assert.GreaterOrEqual(t, hits[i-1].Similarity, hits[i].Similarity)
			}
		}
		hits, err := idx.Query(ctx, randomVector(r, 8), 0)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestIndex_TiesBrokenByInsertionOrder(t *testing.T) {
	forEachBackend(t, 2, func(t *testing.T, idx Index) {
		ctx := context.Background()
		require.NoError(t, idx.Insert(ctx, rec("first", "a", 1, 0)))
		require.NoError(t, idx.Insert(ctx, rec("other", "c", 0, 1)))
		require.NoError(t, idx.Insert(ctx, rec("second", "b", 2, 0)))

		hits, err := idx.Query(ctx, []float32{1, 0}, 2)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "first", hits[0].Record.ID)
		assert.Equal(t, "second", hits[1].Record.ID)
		assert.Equal(t, hits[0].Similarity, hits[1].Similarity)
	})
}

func TestIndex_DimensionMismatch(t *testing.T) {
	forEachBackend(t, 3, func(t *testing.T, idx Index) {
		ctx := context.Background()
		err := idx.Insert(ctx, rec("x", "x", 1, 0))
		assert.True(t, errors.Is(err, models.ErrDimensionMismatch), "insert: %v", err)

		require.NoError(t, idx.Insert(ctx, rec("y", "y", 1, 0, 0)))
		_, err = idx.Query(ctx, []float32{1, 0, 0, 0}, 1)
		var dm *models.DimensionMismatchError
		require.True(t, errors.As(err, &dm), "query: %v", err)
		assert.Equal(t, 3, dm.Expected)
		assert.Equal(t, 4, dm.Actual)
	})
}

func TestIndex_AdoptsFirstDimension(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, idx Index) {
		ctx := context.Background()
		assert.Equal(t, 0, idx.Dimensions())
		require.NoError(t, idx.Insert(ctx, rec("a", "a", 1, 0, 0, 0, 0)))
		assert.Equal(t, 5, idx.Dimensions())
		err := idx.Insert(ctx, rec("b", "b", 1, 0))
		assert.True(t, errors.Is(err, models.ErrDimensionMismatch))
	})
}

func TestIndex_DegenerateVector(t *testing.T) {
	forEachBackend(t, 2, func(t *testing.T, idx Index) {
		ctx := context.Background()
		err := idx.Insert(ctx, rec("z", "z", 0, 0))
		assert.True(t, errors.Is(err, models.ErrDegenerateVector))
		assert.Equal(t, 0, idx.Size())

		require.NoError(t, idx.Insert(ctx, rec("a", "a", 1, 0)))
		_, err = idx.Query(ctx, []float32{0, 0}, 1)
		assert.True(t, errors.Is(err, models.ErrDegenerateVector))
	})
}

func TestIndex_StoresNormalizedCopy(t *testing.T) {
	forEachBackend(t, 2, func(t *testing.T, idx Index) {
		ctx := context.Background()
		in := rec("a", "a", 3, 4)
		require.NoError(t, idx.Insert(ctx, in))
		in.Vector[0] = 100

		hits, err := idx.Query(ctx, []float32{3, 4}, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
		assert.True(t, hits[0].Record.Normalized)
		assert.InDelta(t, 0.6, hits[0].Record.Vector[0], 1e-6)

		hits[0].Record.Vector[0] = 42
		again, err := idx.Query(ctx, []float32{3, 4}, 1)
		require.NoError(t, err)
		assert.InDelta(t, 0.6, again[0].Record.Vector[0], 1e-6, "hits must not alias index storage")
	})
}

func TestIndex_ReplaceAndRemove(t *testing.T) {
	forEachBackend(t, 2, func(t *testing.T, idx Index) {
		ctx := context.Background()
		require.NoError(t, idx.Insert(ctx, rec("a", "alice", 1, 0)))
		require.NoError(t, idx.Insert(ctx, rec("b", "bob", 0, 1)))
		require.NoError(t, idx.Insert(ctx, rec("a", "alice", 0, 1)))
		assert.Equal(t, 2, idx.Size())

		hits, err := idx.Query(ctx, []float32{1, 0}, 2)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.InDelta(t, 0.0, hits[0].Similarity, 1e-9)
		assert.Equal(t, "b", hits[0].Record.ID, "replaced record counts as a later insert")

		require.NoError(t, idx.Remove(ctx, []string{"b", "missing"}))
		assert.Equal(t, 1, idx.Size())
		hits, err = idx.Query(ctx, []float32{0, 1}, 5)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "a", hits[0].Record.ID)

		require.NoError(t, idx.Remove(ctx, []string{"a"}))
		d, err := idx.NearestWithThreshold(ctx, []float32{0, 1}, 0.5)
		require.NoError(t, err)
		assert.Equal(t, models.UnknownLabel, d.Label)
		assert.Equal(t, -1.0, d.Similarity)
	})
}

func TestIndex_ThresholdBoundary(t *testing.T) {
	forEachBackend(t, 2, func(t *testing.T, idx Index) {
		ctx := context.Background()
		require.NoError(t, idx.Insert(ctx, rec("a", "alice", 1, 0)))
		q := []float32{0.6, 0.8}

		hits, err := idx.Query(ctx, q, 1)
		require.NoError(t, err)
		score := hits[0].Similarity
		assert.InDelta(t, 0.6, score, 1e-6)

		d, err := idx.NearestWithThreshold(ctx, q, score)
		require.NoError(t, err)
		assert.Equal(t, "alice", d.Label, "score equal to threshold is a match")

		d, err = idx.NearestWithThreshold(ctx, q, math.Nextafter(score, 2))
		require.NoError(t, err)
		assert.Equal(t, models.UnknownLabel, d.Label)
		assert.Equal(t, score, d.Similarity)
	})
}

func TestIndex_Deadline(t *testing.T) {
	forEachBackend(t, 2, func(t *testing.T, idx Index) {
		require.NoError(t, idx.Insert(context.Background(), rec("a", "alice", 1, 0)))

		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()
		_, err := idx.Query(ctx, []float32{1, 0}, 1)
		assert.True(t, errors.Is(err, models.ErrTimeout), "got %v", err)
		_, err = idx.NearestWithThreshold(ctx, []float32{1, 0}, 0.5)
		assert.True(t, errors.Is(err, models.ErrTimeout), "timeout is not a no-match")

		cctx, ccancel := context.WithCancel(context.Background())
		ccancel()
		_, err = idx.Query(cctx, []float32{1, 0}, 1)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.False(t, errors.Is(err, models.ErrTimeout))
	})
}

func TestIndex_RebuildFromRecords(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 6))
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			opts := b.opts
			opts.Dimensions = 6
			live, err := NewIndex(b.name, opts)
			require.NoError(t, err)
			for i := 0; i < 30; i++ {
				require.NoError(t, live.Insert(ctx, rec(fmt.Sprintf("r%02d", i), fmt.Sprintf("p%d", i%4), randomVector(r, 6)...)))
			}
			records := live.Records()
			require.Len(t, records, 30)
			for i, rr := range records {
				assert.Equal(t, fmt.Sprintf("r%02d", i), rr.ID, "records come back in insertion order")
				assert.True(t, IsNormalized(rr.Vector))
			}

			rebuilt, err := NewIndex(b.name, opts)
			require.NoError(t, err)
			for _, rr := range records {
				require.NoError(t, rebuilt.Insert(ctx, rr))
			}
			for q := 0; q < 10; q++ {
				query := randomVector(r, 6)
				want, err := live.Query(ctx, query, 5)
				require.NoError(t, err)
				got, err := rebuilt.Query(ctx, query, 5)
				require.NoError(t, err)
				require.Equal(t, len(want), len(got))
				for i := range want {
					assert.Equal(t, want[i].Record.ID, got[i].Record.ID)
					assert.Equal(t, want[i].Similarity, got[i].Similarity)
				}
			}
		})
	}
}

func TestIndex_ConcurrentInsertAndQuery(t *testing.T) {
	forEachBackend(t, 16, func(t *testing.T, idx Index) {
		ctx := context.Background()
		const writers, perWriter = 8, 25
		var started atomic.Int64
		var wg sync.WaitGroup

		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				r := rand.New(rand.NewPCG(uint64(w), 99))
				for i := 0; i < perWriter; i++ {
					started.Add(1)
					err := idx.Insert(ctx, rec(fmt.Sprintf("w%d-%d", w, i), fmt.Sprintf("w%d", w), randomVector(r, 16)...))
					assert.NoError(t, err)
				}
			}(w)
		}
		for q := 0; q < 4; q++ {
			wg.Add(1)
			go func(q int) {
				defer wg.Done()
				r := rand.New(rand.NewPCG(uint64(q), 7))
				for i := 0; i < 50; i++ {
					hits, err := idx.Query(ctx, randomVector(r, 16), writers*perWriter)
					if !assert.NoError(t, err) {
						return
					}
					assert.LessOrEqual(t, int64(len(hits)), started.Load())
					for _, h := range hits {
						assert.Len(t, h.Record.Vector, 16)
						assert.InDelta(t, 1.0, L2Norm(h.Record.Vector), 1e-5)
					}
				}
			}(q)
		}
		wg.Wait()
		assert.Equal(t, writers*perWriter, idx.Size())
	})
}

func TestDecide(t *testing.T) {
	alice := &models.VectorRecord{ID: "1", Label: "alice"}
	tests := []struct {
		name      string
		score     float64
		threshold float64
		want      string
	}{
		{"equal is a match", 0.6, 0.6, "alice"},
		{"just below", 0.5999, 0.6, models.UnknownLabel},
		{"above", 0.9, 0.6, "alice"},
		{"negative threshold", -0.5, -0.6, "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide([]*Hit{{Record: alice, Similarity: tt.score}}, tt.threshold)
			assert.Equal(t, tt.want, d.Label)
			assert.Equal(t, "alice", d.BestLabel)
			assert.Equal(t, tt.score, d.Similarity)
		})
	}
	d := Decide(nil, 0.6)
	assert.Equal(t, models.UnknownLabel, d.Label)
	assert.Equal(t, -1.0, d.Similarity)
}

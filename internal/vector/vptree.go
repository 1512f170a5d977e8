package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hyperjump/kao/internal/models"
)

// VPTreeConfig tunes the vantage-point tree backend.
type VPTreeConfig struct {
	// LeafSize is the largest bucket scanned linearly at a leaf. Default: 16.
	LeafSize int
	// BufferSize is how many inserts accumulate before they are built into a tree. Default: 64.
	BufferSize int
}

func (c *VPTreeConfig) setDefaults() {
	if c.LeafSize <= 0 {
		c.LeafSize = 16
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
}

// pruneSlack widens the triangle-inequality bounds. Chord distances near zero
// amplify float32 rounding in the dot product by roughly its square root.
const pruneSlack = 1e-3

// VPTreeIndex is an exact index over a forest of immutable vantage-point trees.
//
// Readers load the current generation through an atomic pointer and never lock.
// Writers are serialized, build a new generation and swap it in, so a query sees
// either the state before an insert or after it. Trees are kept in a logarithmic
// forest (sizes roughly halve along the slice) and merged as they fill up, which
// keeps inserts amortized O(log² n). Distances are chord lengths between unit
// vectors, a true metric, so pruning never drops a true neighbour.
type VPTreeIndex struct {
	cfg     VPTreeConfig
	writeMu sync.Mutex
	current atomic.Pointer[vpGeneration]
	// byID and nextOrder are only touched by writers.
	byID      map[string]*entry
	nextOrder uint64
}

type vpGeneration struct {
	dimensions int
	trees      []*vpTree
	// buffer holds recent inserts not yet built into a tree.
	buffer []*entry
	size   int
}

type vpTree struct {
	root *vpNode
	size int
}

type vpNode struct {
	vantage   *entry
	threshold float64
	inside    *vpNode
	outside   *vpNode
	bucket    []*entry
}

// NewVPTreeIndex creates an empty VP-tree index. dimensions may be 0 to adopt the
// length of the first inserted vector.
func NewVPTreeIndex(dimensions int, cfg VPTreeConfig) (*VPTreeIndex, error) {
	if dimensions < 0 {
		return nil, fmt.Errorf("dimensions must not be negative")
	}
	cfg.setDefaults()
	v := &VPTreeIndex{cfg: cfg, byID: make(map[string]*entry)}
	v.current.Store(&vpGeneration{dimensions: dimensions})
	return v, nil
}

// Type returns the index type identifier.
func (v *VPTreeIndex) Type() string {
	return string(IndexTypeVPTree)
}

// Insert adds rec. Replacing an existing id rebuilds the forest without it.
func (v *VPTreeIndex) Insert(ctx context.Context, rec *models.VectorRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	gen := v.current.Load()
	unit, err := prepare(rec.Vector, gen.dimensions)
	if err != nil {
		return err
	}
	if _, ok := v.byID[rec.ID]; ok {
		gen = v.without(gen, map[string]bool{rec.ID: true})
	}
	v.nextOrder++
	e := newEntry(rec, unit, v.nextOrder)
	v.byID[rec.ID] = e

	next := &vpGeneration{
		dimensions: gen.dimensions,
		trees:      gen.trees,
		// Appending may write past the old generation's length into a shared array;
		// readers of the old generation never look beyond their own length.
		buffer: append(gen.buffer, e),
		size:   gen.size + 1,
	}
	if next.dimensions == 0 {
		next.dimensions = len(unit)
	}
	if len(next.buffer) >= v.cfg.BufferSize {
		next.trees = v.flush(next.trees, next.buffer)
		next.buffer = nil
	}
	v.current.Store(next)
	return nil
}

// flush builds the buffer into a tree and merges trees of similar size.
func (v *VPTreeIndex) flush(trees []*vpTree, buffer []*entry) []*vpTree {
	out := make([]*vpTree, len(trees), len(trees)+1)
	copy(out, trees)
	out = append(out, v.build(buffer))
	for len(out) >= 2 {
		last, prev := out[len(out)-1], out[len(out)-2]
		if prev.size > 2*last.size {
			break
		}
		merged := append(collect(prev.root, nil), collect(last.root, nil)...)
		out = append(out[:len(out)-2], v.build(merged))
	}
	return out
}

// Remove rebuilds the forest without the given ids.
func (v *VPTreeIndex) Remove(ctx context.Context, ids []string) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := v.byID[id]; ok {
			drop[id] = true
		}
	}
	if len(drop) == 0 {
		return nil
	}
	v.current.Store(v.without(v.current.Load(), drop))
	return nil
}

// without returns a generation that excludes drop. Caller holds writeMu.
func (v *VPTreeIndex) without(gen *vpGeneration, drop map[string]bool) *vpGeneration {
	var kept []*entry
	for _, t := range gen.trees {
		kept = collect(t.root, kept)
	}
	kept = append(kept, gen.buffer...)
	remaining := make([]*entry, 0, len(kept))
	for _, e := range kept {
		if drop[e.rec.ID] {
			delete(v.byID, e.rec.ID)
			continue
		}
		remaining = append(remaining, e)
	}
	next := &vpGeneration{dimensions: gen.dimensions, size: len(remaining)}
	if len(remaining) > 0 {
		next.trees = []*vpTree{v.build(remaining)}
	}
	return next
}

func (v *VPTreeIndex) build(entries []*entry) *vpTree {
	items := make([]*entry, len(entries))
	copy(items, entries)
	return &vpTree{root: v.buildNode(items), size: len(items)}
}

// buildNode takes the last item as vantage point and splits the rest at the
// median distance from it.
func (v *VPTreeIndex) buildNode(items []*entry) *vpNode {
	if len(items) == 0 {
		return nil
	}
	if len(items) <= v.cfg.LeafSize {
		return &vpNode{bucket: items}
	}
	vp := items[len(items)-1]
	rest := items[:len(items)-1]
	dists := make(map[*entry]float64, len(rest))
	for _, e := range rest {
		dists[e] = chordDistance(similarity(vp.rec.Vector, e.rec.Vector))
	}
	sort.Slice(rest, func(a, b int) bool { return dists[rest[a]] < dists[rest[b]] })
	mid := len(rest) / 2
	return &vpNode{
		vantage:   vp,
		threshold: dists[rest[mid]],
		inside:    v.buildNode(rest[:mid+1]),
		outside:   v.buildNode(rest[mid+1:]),
	}
}

func collect(n *vpNode, out []*entry) []*entry {
	if n == nil {
		return out
	}
	if n.bucket != nil {
		return append(out, n.bucket...)
	}
	out = append(out, n.vantage)
	out = collect(n.inside, out)
	return collect(n.outside, out)
}

// Query searches every tree and the buffer with a shared candidate set.
func (v *VPTreeIndex) Query(ctx context.Context, vector []float32, k int) ([]*Hit, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	gen := v.current.Load()
	q, err := prepare(vector, gen.dimensions)
	if err != nil {
		return nil, err
	}
	if k <= 0 || gen.size == 0 {
		return []*Hit{}, nil
	}
	s := &vpSearch{ctx: ctx, q: q, best: newTopK(min(k, gen.size))}
	for _, e := range gen.buffer {
		s.score(e)
	}
	for _, t := range gen.trees {
		s.visit(t.root)
		if s.err != nil {
			return nil, s.err
		}
	}
	return s.best.hits(), nil
}

type vpSearch struct {
	ctx    context.Context
	q      []float32
	best   *topK
	scored int
	err    error
}

func (s *vpSearch) score(e *entry) float64 {
	sim := similarity(s.q, e.rec.Vector)
	s.best.offer(e, sim)
	s.scored++
	if s.scored%deadlineStride == 0 && s.err == nil {
		s.err = checkContext(s.ctx)
	}
	return sim
}

func (s *vpSearch) visit(n *vpNode) {
	if n == nil || s.err != nil {
		return
	}
	if n.bucket != nil {
		for _, e := range n.bucket {
			s.score(e)
		}
		return
	}
	d := chordDistance(s.score(n.vantage))
	if d < n.threshold {
		if d-s.best.radius() <= n.threshold+pruneSlack {
			s.visit(n.inside)
		}
		if d+s.best.radius() >= n.threshold-pruneSlack {
			s.visit(n.outside)
		}
		return
	}
	if d+s.best.radius() >= n.threshold-pruneSlack {
		s.visit(n.outside)
	}
	if d-s.best.radius() <= n.threshold+pruneSlack {
		s.visit(n.inside)
	}
}

// NearestWithThreshold returns the thresholded best match.
func (v *VPTreeIndex) NearestWithThreshold(ctx context.Context, vector []float32, threshold float64) (*Decision, error) {
	hits, err := v.Query(ctx, vector, 1)
	if err != nil {
		return nil, err
	}
	return Decide(hits, threshold), nil
}

// Records returns copies of all records in insertion order.
func (v *VPTreeIndex) Records() []*models.VectorRecord {
	gen := v.current.Load()
	var all []*entry
	for _, t := range gen.trees {
		all = collect(t.root, all)
	}
	all = append(all, gen.buffer...)
	return sortedRecords(all)
}

// Size returns the number of vectors in the current generation.
func (v *VPTreeIndex) Size() int {
	return v.current.Load().size
}

// Dimensions returns the fixed vector length, or 0 if not yet known.
func (v *VPTreeIndex) Dimensions() int {
	return v.current.Load().dimensions
}

// Trees returns the number of trees in the forest.
func (v *VPTreeIndex) Trees() int {
	return len(v.current.Load().trees)
}

// Close is a no-op for VPTreeIndex.
func (v *VPTreeIndex) Close() error {
	return nil
}

package vector

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bitset"

	"github.com/hyperjump/kao/internal/models"
)

// HNSWConfig configures the HNSW backend.
type HNSWConfig struct {
	// M is the maximum number of connections per node per layer (2*M on layer 0). Default: 16.
	M int
	// EfConstruction is the candidate list size while building. Default: 200.
	EfConstruction int
	// EfSearch is the candidate list size while querying. Default: 64.
	EfSearch int
	// Seed makes level assignment reproducible.
	Seed uint64
}

func (c *HNSWConfig) setDefaults() {
	if c.M < 2 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 64
	}
}

func (c *HNSWConfig) maxConns(layer int) int {
	if layer == 0 {
		return c.M * 2
	}
	return c.M
}

type distItem struct {
	id   uint32
	dist float64
}

type minDistHeap []distItem

func (h minDistHeap) Len() int           { return len(h) }
func (h minDistHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minDistHeap) Push(x any)        { *h = append(*h, x.(distItem)) }
func (h *minDistHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type maxDistHeap []distItem

func (h maxDistHeap) Len() int           { return len(h) }
func (h maxDistHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxDistHeap) Push(x any)        { *h = append(*h, x.(distItem)) }
func (h *maxDistHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type hnswNode struct {
	e       *entry
	level   int
	friends [][]uint32
}

// HNSWIndex is an approximate index over a Hierarchical Navigable Small World graph.
// While the index holds no more vectors than the search beam it scans exhaustively,
// so small indexes return exact results.
type HNSWIndex struct {
	mu         sync.RWMutex
	cfg        HNSWConfig
	dimensions int
	nodes      []*hnswNode
	idMap      map[string]uint32
	entryID    int32
	maxLevel   int
	count      int
	free       *roaring.Bitmap
	levelMul   float64
	rng        *rand.Rand
	nextOrder  uint64
}

// NewHNSWIndex creates an empty HNSW index. dimensions may be 0 to adopt the
// length of the first inserted vector.
func NewHNSWIndex(dimensions int, cfg HNSWConfig) (*HNSWIndex, error) {
	if dimensions < 0 {
		return nil, fmt.Errorf("dimensions must not be negative")
	}
	cfg.setDefaults()
	return &HNSWIndex{
		cfg:        cfg,
		dimensions: dimensions,
		idMap:      make(map[string]uint32),
		entryID:    -1,
		free:       roaring.New(),
		levelMul:   1.0 / math.Log(float64(cfg.M)),
		rng:        rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Type returns the index type identifier.
func (h *HNSWIndex) Type() string {
	return string(IndexTypeHNSW)
}

func distance(a, b []float32) float64 {
	return 1 - similarity(a, b)
}

// Insert adds or replaces a record.
func (h *HNSWIndex) Insert(ctx context.Context, rec *models.VectorRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	vec, err := prepare(rec.Vector, h.dimensions)
	if err != nil {
		return err
	}
	if h.dimensions == 0 {
		h.dimensions = len(vec)
	}
	if old, ok := h.idMap[rec.ID]; ok {
		h.removeLocked(old)
	}

	var idx uint32
	if !h.free.IsEmpty() {
		idx = h.free.Minimum()
		h.free.Remove(idx)
	} else {
		idx = uint32(len(h.nodes))
		h.nodes = append(h.nodes, nil)
	}

	h.nextOrder++
	level := h.randomLevel()
	nd := &hnswNode{
		e:       newEntry(rec, vec, h.nextOrder),
		level:   level,
		friends: make([][]uint32, level+1),
	}
	h.nodes[idx] = nd
	h.idMap[rec.ID] = idx
	h.count++

	if h.entryID < 0 {
		h.entryID = int32(idx)
		h.maxLevel = level
		return nil
	}

	cur := h.greedy(vec, nd, uint32(h.entryID), h.maxLevel, level)

	top := min(level, h.maxLevel)
	ep := []uint32{cur}
	for lev := top; lev >= 0; lev-- {
		candidates, _ := h.searchLayer(context.Background(), vec, ep, h.cfg.EfConstruction, lev)
		candidates = removeFrom(candidates, idx)

		maxC := h.cfg.maxConns(lev)
		neighbors := h.selectClosest(vec, candidates, maxC)
		nd.friends[lev] = neighbors

		for _, nID := range neighbors {
			nn := h.nodes[nID]
			if nn == nil || lev >= len(nn.friends) {
				continue
			}
			nn.friends[lev] = append(nn.friends[lev], idx)
			if len(nn.friends[lev]) > maxC {
				nn.friends[lev] = h.selectClosest(nn.e.rec.Vector, nn.friends[lev], maxC)
			}
		}
		if len(candidates) > 0 {
			ep = candidates
		}
	}

	if level > h.maxLevel {
		h.entryID = int32(idx)
		h.maxLevel = level
	}
	return nil
}

// greedy walks from cur towards vec on each layer above floor, keeping only the
// closest node. self, the node being inserted, is never chosen: a reused slot may
// still be the target of stale edges.
func (h *HNSWIndex) greedy(vec []float32, self *hnswNode, cur uint32, from, floor int) uint32 {
	curDist := distance(vec, h.nodes[cur].e.rec.Vector)
	for lev := from; lev > floor; lev-- {
		changed := true
		for changed {
			changed = false
			nd := h.nodes[cur]
			if nd == nil || lev >= len(nd.friends) {
				break
			}
			for _, fID := range nd.friends[lev] {
				fn := h.nodes[fID]
				if fn == nil || fn == self {
					continue
				}
				if d := distance(vec, fn.e.rec.Vector); d < curDist {
					cur = fID
					curDist = d
					changed = true
				}
			}
		}
	}
	return cur
}

// Query returns the approximate top-k neighbours.
func (h *HNSWIndex) Query(ctx context.Context, vector []float32, k int) ([]*Hit, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	q, err := prepare(vector, h.dimensions)
	if err != nil {
		return nil, err
	}
	if k <= 0 || h.count == 0 {
		return []*Hit{}, nil
	}
	ef := max(h.cfg.EfSearch, k)
	best := newTopK(min(k, h.count))

	if h.count <= ef {
		scanned := 0
		for _, nd := range h.nodes {
			if nd == nil {
				continue
			}
			scanned++
			if scanned%deadlineStride == 0 {
				if err := checkContext(ctx); err != nil {
					return nil, err
				}
			}
			best.offer(nd.e, similarity(q, nd.e.rec.Vector))
		}
		return best.hits(), nil
	}

	cur := h.greedy(q, nil, uint32(h.entryID), h.maxLevel, 0)
	ids, err := h.searchLayer(ctx, q, []uint32{cur}, ef, 0)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if nd := h.nodes[id]; nd != nil {
			best.offer(nd.e, similarity(q, nd.e.rec.Vector))
		}
	}
	return best.hits(), nil
}

// NearestWithThreshold returns the thresholded best match.
func (h *HNSWIndex) NearestWithThreshold(ctx context.Context, vector []float32, threshold float64) (*Decision, error) {
	hits, err := h.Query(ctx, vector, 1)
	if err != nil {
		return nil, err
	}
	return Decide(hits, threshold), nil
}

// Remove deletes records by id and disconnects them from the graph.
func (h *HNSWIndex) Remove(ctx context.Context, ids []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		if idx, ok := h.idMap[id]; ok {
			h.removeLocked(idx)
		}
	}
	return nil
}

// randomLevel draws from P(level >= l) = exp(-l * ln(M)).
func (h *HNSWIndex) randomLevel() int {
	r := max(h.rng.Float64(), math.SmallestNonzeroFloat64)
	level := int(-math.Log(r) * h.levelMul)
	if level > 31 {
		level = 31
	}
	return level
}

// searchLayer is a beam search on one layer returning up to ef node ids.
func (h *HNSWIndex) searchLayer(ctx context.Context, query []float32, entryPoints []uint32, ef int, layer int) ([]uint32, error) {
	visited := bitset.New(uint(len(h.nodes)))

	var candidates minDistHeap
	var results maxDistHeap

	for _, ep := range entryPoints {
		nd := h.nodes[ep]
		if nd == nil || visited.Test(uint(ep)) {
			continue
		}
		visited.Set(uint(ep))
		d := distance(query, nd.e.rec.Vector)
		heap.Push(&candidates, distItem{id: ep, dist: d})
		heap.Push(&results, distItem{id: ep, dist: d})
	}

	scored := 0
	for candidates.Len() > 0 {
		closest := heap.Pop(&candidates).(distItem)
		if results.Len() >= ef && closest.dist > results[0].dist {
			break
		}
		nd := h.nodes[closest.id]
		if nd == nil || layer >= len(nd.friends) {
			continue
		}
		for _, fID := range nd.friends[layer] {
			if visited.Test(uint(fID)) {
				continue
			}
			visited.Set(uint(fID))
			fn := h.nodes[fID]
			if fn == nil {
				continue
			}
			scored++
			if scored%deadlineStride == 0 {
				if err := checkContext(ctx); err != nil {
					return nil, err
				}
			}
			d := distance(query, fn.e.rec.Vector)
			if results.Len() < ef || d < results[0].dist {
				heap.Push(&candidates, distItem{id: fID, dist: d})
				heap.Push(&results, distItem{id: fID, dist: d})
				if results.Len() > ef {
					heap.Pop(&results)
				}
			}
		}
	}

	out := make([]uint32, results.Len())
	for i := range out {
		out[i] = results[i].id
	}
	return out, nil
}

func (h *HNSWIndex) selectClosest(query []float32, candidates []uint32, maxN int) []uint32 {
	items := make([]distItem, 0, len(candidates))
	for _, cID := range candidates {
		if h.nodes[cID] == nil {
			continue
		}
		items = append(items, distItem{id: cID, dist: distance(query, h.nodes[cID].e.rec.Vector)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].dist < items[j].dist })
	if len(items) > maxN {
		items = items[:maxN]
	}
	out := make([]uint32, len(items))
	for i := range items {
		out[i] = items[i].id
	}
	return out
}

// removeLocked disconnects and frees a node. Caller holds h.mu for writing.
func (h *HNSWIndex) removeLocked(idx uint32) {
	nd := h.nodes[idx]
	if nd == nil {
		return
	}
	for lev := 0; lev < len(nd.friends); lev++ {
		for _, fID := range nd.friends[lev] {
			fn := h.nodes[fID]
			if fn == nil || lev >= len(fn.friends) {
				continue
			}
			fn.friends[lev] = removeFrom(fn.friends[lev], idx)
		}
	}
	// One-directional edges left by pruning are dropped lazily: a freed slot
	// is skipped until reused, and stale links to a reused slot are just extra edges.
	delete(h.idMap, nd.e.rec.ID)
	h.nodes[idx] = nil
	h.free.Add(idx)
	h.count--
	if h.entryID == int32(idx) {
		h.findNewEntry()
	}
}

func (h *HNSWIndex) findNewEntry() {
	if h.count == 0 {
		h.entryID = -1
		h.maxLevel = 0
		return
	}
	best := int32(-1)
	bestLevel := -1
	for i, nd := range h.nodes {
		if nd != nil && nd.level > bestLevel {
			best = int32(i)
			bestLevel = nd.level
		}
	}
	h.entryID = best
	h.maxLevel = bestLevel
}

func removeFrom(s []uint32, val uint32) []uint32 {
	for i, v := range s {
		if v == val {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// Records returns copies of all records in insertion order.
func (h *HNSWIndex) Records() []*models.VectorRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entries := make([]*entry, 0, h.count)
	for _, nd := range h.nodes {
		if nd != nil {
			entries = append(entries, nd.e)
		}
	}
	return sortedRecords(entries)
}

// Size returns the number of live vectors.
func (h *HNSWIndex) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Dimensions returns the fixed vector length, or 0 if not yet known.
func (h *HNSWIndex) Dimensions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dimensions
}

// Close is a no-op for HNSWIndex.
func (h *HNSWIndex) Close() error {
	return nil
}

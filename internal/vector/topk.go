package vector

import (
	"container/heap"
	"math"
	"sort"

	"github.com/hyperjump/kao/internal/models"
)

type candidate struct {
	e   *entry
	sim float64
}

// better orders by similarity, then by insertion order.
func better(a, b candidate) bool {
	if a.sim != b.sim {
		return a.sim > b.sim
	}
	return a.e.order < b.e.order
}

// worstFirst is a heap whose root is the weakest retained candidate.
type worstFirst []candidate

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(i, j int) bool { return better(h[j], h[i]) }
func (h worstFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *worstFirst) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topK keeps the k best candidates seen so far.
type topK struct {
	k int
	h worstFirst
}

func newTopK(k int) *topK {
	return &topK{k: k, h: make(worstFirst, 0, k)}
}

func (t *topK) offer(e *entry, sim float64) {
	c := candidate{e: e, sim: sim}
	if len(t.h) < t.k {
		heap.Push(&t.h, c)
		return
	}
	if better(c, t.h[0]) {
		t.h[0] = c
		heap.Fix(&t.h, 0)
	}
}

// radius is the chord distance a candidate must be within to possibly enter the set.
func (t *topK) radius() float64 {
	if len(t.h) < t.k {
		return math.Inf(1)
	}
	return chordDistance(t.h[0].sim)
}

func (t *topK) hits() []*Hit {
	out := make([]candidate, len(t.h))
	copy(out, t.h)
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	hits := make([]*Hit, len(out))
	for i, c := range out {
		hits[i] = &Hit{Record: c.e.rec.Clone(), Similarity: c.sim}
	}
	return hits
}

// sortedRecords returns record copies ordered by insertion.
func sortedRecords(entries []*entry) []*models.VectorRecord {
	sorted := make([]*entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].order < sorted[j].order })
	out := make([]*models.VectorRecord, len(sorted))
	for i, e := range sorted {
		out[i] = e.rec.Clone()
	}
	return out
}

// Package models defines the core data structures shared by the index, the store,
// the identification service and the HTTP API.
package models

import "time"

// UnknownLabel is reported when no stored vector clears the identification threshold.
const UnknownLabel = "unknown"

// NoMatchSimilarity is the score reported when the index is empty.
const NoMatchSimilarity = -1.0

// VectorRecord is one labeled embedding. Records are immutable once stored.
type VectorRecord struct {
	ID         string    `json:"id" db:"id"`
	Label      string    `json:"label" db:"label"`
	Vector     []float32 `json:"vector,omitempty" db:"vector"`
	Normalized bool      `json:"normalized" db:"normalized"`
	// Seq is the store-assigned insertion sequence; GetAll returns records in Seq order.
	Seq       uint64    `json:"seq" db:"seq"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Dimensions returns the vector length.
func (r *VectorRecord) Dimensions() int {
	return len(r.Vector)
}

// Clone returns a deep copy, so callers can hand out records without sharing the vector.
func (r *VectorRecord) Clone() *VectorRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Vector != nil {
		c.Vector = make([]float32, len(r.Vector))
		copy(c.Vector, r.Vector)
	}
	return &c
}

// StoreStats summarises the store contents.
type StoreStats struct {
	Count      int64 `json:"count"`
	Dimensions int   `json:"dimensions"`
	// LastSeq is the highest Seq currently stored (0 when empty).
	LastSeq uint64 `json:"last_seq"`
}

// LabelCount is the number of records enrolled under a label.
type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

package vector

import "fmt"

// IndexType represents the type of similarity index to use.
type IndexType string

const (
	// IndexTypeLinear scores every vector per query. Exact; good for small enrolments.
	IndexTypeLinear IndexType = "linear"
	// IndexTypeVPTree is an exact metric tree with lock-free reads.
	IndexTypeVPTree IndexType = "vptree"
	// IndexTypeHNSW is an approximate graph index for large enrolments.
	IndexTypeHNSW IndexType = "hnsw"
)

// Options carries backend-specific settings for NewIndex.
type Options struct {
	// Dimensions fixes the vector length; 0 adopts the first inserted vector's length.
	Dimensions int
	VPTree     VPTreeConfig
	HNSW       HNSWConfig
}

// SupportedTypes lists the accepted index type names.
func SupportedTypes() []string {
	return []string{string(IndexTypeLinear), string(IndexTypeVPTree), string(IndexTypeHNSW)}
}

// NewIndex creates an index of the specified type.
// Supported types: "linear" (default, also "memory"), "vptree", "hnsw".
func NewIndex(indexType string, opts Options) (Index, error) {
	switch IndexType(indexType) {
	case IndexTypeLinear, "memory", "":
		return NewLinearIndex(opts.Dimensions)
	case IndexTypeVPTree:
		return NewVPTreeIndex(opts.Dimensions, opts.VPTree)
	case IndexTypeHNSW:
		return NewHNSWIndex(opts.Dimensions, opts.HNSW)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: linear, vptree, hnsw)", indexType)
	}
}

package vector

import (
	"context"
	"testing"
)

func TestNewIndex_Types(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "linear"},
		{"memory", "linear"},
		{"linear", "linear"},
		{"vptree", "vptree"},
		{"hnsw", "hnsw"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			idx, err := NewIndex(tt.in, Options{Dimensions: 3})
			if err != nil {
				t.Fatalf("NewIndex(%q): %v", tt.in, err)
			}
			defer idx.Close()
			if idx.Type() != tt.want {
				t.Errorf("Type()=%s, want %s", idx.Type(), tt.want)
			}
			if err := idx.Insert(context.Background(), rec("a", "a", 1, 0, 0)); err != nil {
				t.Fatalf("Insert: %v", err)
			}
			if idx.Size() != 1 {
				t.Errorf("Size=%d, want 1", idx.Size())
			}
		})
	}
}

func TestNewIndex_Unknown(t *testing.T) {
	_, err := NewIndex("faiss", Options{Dimensions: 3})
	if err == nil {
		t.Error("expected error for unknown index type")
	}
}

func TestNewIndex_NegativeDimension(t *testing.T) {
	for _, typ := range SupportedTypes() {
		if _, err := NewIndex(typ, Options{Dimensions: -1}); err == nil {
			t.Errorf("%s: expected error for negative dimension", typ)
		}
	}
}

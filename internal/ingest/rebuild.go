package ingest

import (
	"context"
	"fmt"

	"github.com/hyperjump/kao/internal/storage"
	"github.com/hyperjump/kao/internal/vector"
)

// Rebuild inserts every stored record into idx in store order and returns the count.
// idx is expected to be empty.
func Rebuild(ctx context.Context, store storage.Store, idx vector.Index) (int, error) {
	records, err := store.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		if err := idx.Insert(ctx, rec); err != nil {
			return 0, fmt.Errorf("rebuild index at record %s: %w", rec.ID, err)
		}
	}
	return len(records), nil
}

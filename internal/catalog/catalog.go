// Package catalog keeps a searchable list of enrolled labels so clients can find
// an identity despite typos or partial names.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/kao/internal/models"
)

// Hit is one label search result.
type Hit struct {
	Label string  `json:"label"`
	Count int64   `json:"count"`
	Score float64 `json:"score"`
}

// Catalog indexes labels in Bleve. Record counts are tracked in memory and
// rebuilt from the store at startup.
type Catalog struct {
	mu     sync.Mutex
	index  bleve.Index
	counts map[string]int64
}

func newMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()
	labelField := bleve.NewTextFieldMapping()
	labelField.Analyzer = keyword.Name
	doc.AddFieldMappingsAt("label", labelField)
	doc.AddFieldMappingsAt("count", bleve.NewNumericFieldMapping())
	im.DefaultMapping = doc
	return im
}

// New opens the catalogue at path, creating it if needed. An empty path keeps it in memory.
func New(path string) (*Catalog, error) {
	var (
		index bleve.Index
		err   error
	)
	switch {
	case path == "":
		index, err = bleve.NewMemOnly(newMapping())
	default:
		if _, statErr := os.Stat(path); statErr == nil {
			index, err = bleve.Open(path)
		} else {
			index, err = bleve.New(path, newMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open label catalog: %w", err)
	}
	return &Catalog{index: index, counts: make(map[string]int64)}, nil
}

func labelDoc(label string, count int64) map[string]interface{} {
	return map[string]interface{}{"label": label, "count": count}
}

// Add counts rec under its label.
func (c *Catalog) Add(ctx context.Context, rec *models.VectorRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.counts[rec.Label] + 1
	if err := c.index.Index(rec.Label, labelDoc(rec.Label, n)); err != nil {
		return fmt.Errorf("index label %s: %w", rec.Label, err)
	}
	c.counts[rec.Label] = n
	return nil
}

// Remove uncounts rec; the label disappears with its last record.
func (c *Catalog) Remove(ctx context.Context, rec *models.VectorRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[rec.Label]
	if !ok {
		return nil
	}
	if n <= 1 {
		if err := c.index.Delete(rec.Label); err != nil {
			return fmt.Errorf("delete label %s: %w", rec.Label, err)
		}
		delete(c.counts, rec.Label)
		return nil
	}
	if err := c.index.Index(rec.Label, labelDoc(rec.Label, n-1)); err != nil {
		return fmt.Errorf("index label %s: %w", rec.Label, err)
	}
	c.counts[rec.Label] = n - 1
	return nil
}

// Rebuild replaces the catalogue contents with counts.
func (c *Catalog) Rebuild(ctx context.Context, counts []*models.LabelCount) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stale, err := c.allIDs()
	if err != nil {
		return err
	}
	batch := c.index.NewBatch()
	for _, id := range stale {
		batch.Delete(id)
	}
	next := make(map[string]int64, len(counts))
	for _, lc := range counts {
		if err := batch.Index(lc.Label, labelDoc(lc.Label, int64(lc.Count))); err != nil {
			return fmt.Errorf("index label %s: %w", lc.Label, err)
		}
		next[lc.Label] = int64(lc.Count)
	}
	if err := c.index.Batch(batch); err != nil {
		return fmt.Errorf("rebuild label catalog: %w", err)
	}
	c.counts = next
	return nil
}

func (c *Catalog) allIDs() ([]string, error) {
	total, err := c.index.DocCount()
	if err != nil {
		return nil, fmt.Errorf("count labels: %w", err)
	}
	if total == 0 {
		return nil, nil
	}
	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(total)
	res, err := c.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	ids := make([]string, len(res.Hits))
	for i, h := range res.Hits {
		ids[i] = h.ID
	}
	return ids, nil
}

// Search finds labels equal to, starting with, or within a small edit distance of q.
// Exact matches rank first, then prefix matches, then fuzzy matches.
func (c *Catalog) Search(ctx context.Context, q string, limit int) ([]*Hit, error) {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return nil, models.Validationf("search query is required")
	}
	if limit <= 0 {
		limit = 10
	}

	exact := bleve.NewTermQuery(q)
	exact.SetField("label")
	exact.SetBoost(10)
	prefix := bleve.NewPrefixQuery(q)
	prefix.SetField("label")
	prefix.SetBoost(3)
	fuzzy := bleve.NewFuzzyQuery(q)
	fuzzy.SetField("label")
	fuzzy.SetFuzziness(fuzziness(q))
	query := bleve.NewDisjunctionQuery([]blevequery.Query{exact, prefix, fuzzy}...)

	req := bleve.NewSearchRequest(query)
	req.Size = limit
	res, err := c.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("label search failed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		out = append(out, &Hit{Label: h.ID, Count: c.counts[h.ID], Score: h.Score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Label < out[j].Label
	})
	return out, nil
}

// fuzziness allows one edit for short queries and two otherwise.
func fuzziness(q string) int {
	if len(q) <= 4 {
		return 1
	}
	return 2
}

// Len returns the number of distinct labels.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.counts)
}

// Close closes the underlying index.
func (c *Catalog) Close() error {
	return c.index.Close()
}

package embedding

import (
	"container/list"
	"context"
	"sync"

	"github.com/hyperjump/kao/internal/fileid"
)

// EmbeddingCache is an LRU cache of extraction results keyed by content digest.
type EmbeddingCache struct {
	capacity int
	cache    map[string]*list.Element
	lru      *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	key   string
	value [][]float32
}

// NewEmbeddingCache creates a new cache with the given capacity.
func NewEmbeddingCache(capacity int) *EmbeddingCache {
	return &EmbeddingCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get returns a copy of the cached vectors for key if present.
func (c *EmbeddingCache) Get(key string) ([][]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		return copyVectors(elem.Value.(*cacheEntry).value), true
	}
	return nil, false
}

// Set stores vectors for key, evicting the oldest entry if at capacity.
func (c *EmbeddingCache) Set(key string, value [][]float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value = copyVectors(value)
	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	entry := &cacheEntry{key: key, value: value}
	elem := c.lru.PushFront(entry)
	c.cache[key] = elem

	if c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.cache, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Len returns the number of cached entries.
func (c *EmbeddingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// CachedExtractor serves repeated images from an EmbeddingCache. Failures are not cached.
type CachedExtractor struct {
	inner Extractor
	cache *EmbeddingCache
}

// NewCachedExtractor wraps inner with an LRU of the given capacity.
func NewCachedExtractor(inner Extractor, capacity int) *CachedExtractor {
	return &CachedExtractor{inner: inner, cache: NewEmbeddingCache(capacity)}
}

// Extract returns cached vectors for known content, otherwise calls the inner extractor.
func (c *CachedExtractor) Extract(ctx context.Context, image []byte) ([][]float32, error) {
	key := fileid.ContentID(image)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err := c.inner.Extract(ctx, image)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, v)
	return v, nil
}

// Name returns the inner extractor's name.
func (c *CachedExtractor) Name() string {
	return c.inner.Name()
}

// Close closes the inner extractor.
func (c *CachedExtractor) Close() error {
	return c.inner.Close()
}

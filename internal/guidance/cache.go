package guidance

import (
	"sync"
	"time"
)

type embeddingCacheEntry struct {
	vector    []float64
	timestamp time.Time
}

// embeddingCache provides a ring-buffer LRU cache for embedding API results.
// Uses O(1) eviction instead of O(n) slice copy.
type embeddingCache struct {
	mu      sync.Mutex
	entries map[string]embeddingCacheEntry
	ring    []string // ring buffer for eviction order
	head    int
	count   int
	maxSize int
	ttl     time.Duration
}

func newEmbeddingCache(maxSize int, ttl time.Duration) *embeddingCache {
	return &embeddingCache{
		entries: make(map[string]embeddingCacheEntry, maxSize),
		ring:    make([]string, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func (ec *embeddingCache) get(text string) ([]float64, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	entry, ok := ec.entries[text]
	if !ok || time.Since(entry.timestamp) > ec.ttl {
		if ok {
			delete(ec.entries, text)
		}
		return nil, false
	}
	return entry.vector, true
}

func (ec *embeddingCache) put(text string, vector []float64) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if _, ok := ec.entries[text]; !ok {
		if ec.count >= ec.maxSize {
			evictIdx := (ec.head - ec.count + ec.maxSize) % ec.maxSize
			delete(ec.entries, ec.ring[evictIdx])
		} else {
			ec.count++
		}
		ec.ring[ec.head] = text
		ec.head = (ec.head + 1) % ec.maxSize
	}
	ec.entries[text] = embeddingCacheEntry{vector: vector, timestamp: time.Now()}
}

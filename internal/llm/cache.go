package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// cacheEntry is a single TTL-bounded cached response, grounded on
// infrastructure/fallback/fallback.go's cacheEntry{Data, ExpiresAt}.
type cacheEntry struct {
	response  Response
	expiresAt time.Time
}

// DocsCache memoizes completions for TaskDocs requests, since documentation
// generation is idempotent for a given prompt+model and safe to reuse across
// callers within a short TTL.
type DocsCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

// NewDocsCache returns a cache with the given TTL (see spec.md section 6's
// DOCS_CACHE_TTL_MS).
func NewDocsCache(ttl time.Duration) *DocsCache {
	return &DocsCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

// Key computes the cache key H(prompt):taskKind:model.
func Key(prompt string, taskKind TaskKind, model string) string {
	sum := sha256.Sum256([]byte(prompt))
	return fmt.Sprintf("%s:%s:%s", hex.EncodeToString(sum[:]), taskKind, model)
}

// Get returns the cached response for key, if present and unexpired.
func (c *DocsCache) Get(key string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Response{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return Response{}, false
	}
	return entry.response, true
}

// Set stores response under key with the cache's configured TTL.
func (c *DocsCache) Set(key string, response Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{response: response, expiresAt: time.Now().Add(c.ttl)}
}

// Cleanup evicts all expired entries; intended to be run periodically by a
// ticker worker alongside the queue's DLQ sweep.
func (c *DocsCache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// Package respcache implements the in-process response cache for
// repeated identical queries, backed by dgraph-io/ristretto.
package respcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Entry is one cached generation.
type Entry struct {
	Text            string `json:"text"`
	ModelID         string `json:"modelId"`
	Tier            string `json:"tier"`
	TokensGenerated int    `json:"tokensGenerated"`
}

// Cache wraps a ristretto cache keyed by query fingerprint.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates the cache. maxCostBytes bounds the total size of cached
// response payloads.
func New(maxCostBytes int64) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10, // ~10x expected items
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Key fingerprints everything that affects a generation.
func Key(mode, query string, maxTokens int, temperature float64, useContext bool) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%.3f|%t|%s", mode, maxTokens, temperature, useContext, query))
	return hex.EncodeToString(h[:])
}

// Get returns the cached entry for the key, if present.
func (c *Cache) Get(key string) (*Entry, bool) {
	data, ok := c.c.Get(key)
	if !ok {
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false
	}
	return &e, true
}

// Set stores the entry with the given TTL. A zero TTL disables caching.
func (c *Cache) Set(key string, e *Entry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	c.c.SetWithTTL(key, data, int64(len(data)), ttl)
}

// Close releases cache resources.
func (c *Cache) Close() {
	c.c.Close()
}

// Wait blocks until pending writes are applied. Test helper; ristretto
// applies sets asynchronously.
func (c *Cache) Wait() {
	c.c.Wait()
}

// ============================================================================
// docflow Response Cache
// ============================================================================
//
// Package: internal/cache
// File: cache.go
// Purpose: TTL cache over the shared store for LLM responses and parse
//          results. Entries live under cache:<sha256-hex>.
//
// Semantics:
//   - Get on an absent or expired key is a miss (ErrMiss)
//   - Put overwrites; ttl <= 0 removes the key so the next Get misses
//   - Keys are content hashes, so a hit is always safe to reuse
//
// ============================================================================

package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ChuLiYu/docflow/internal/metrics"
	"github.com/ChuLiYu/docflow/internal/store"
)

// ErrMiss is returned by Get for absent or expired entries.
var ErrMiss = errors.New("cache miss")

// Cache is a namespaced view of the store.
type Cache struct {
	store     store.Store
	namespace string // e.g. "llm", "parse"
	metrics   *metrics.Collector
}

// New returns a Cache writing keys as cache:<namespace>:<hash>.
func New(st store.Store, namespace string, m *metrics.Collector) *Cache {
	return &Cache{store: st, namespace: namespace, metrics: m}
}

func (c *Cache) key(hash string) string {
	if c.namespace == "" {
		return store.CacheKey(hash)
	}
	return store.CacheKey(c.namespace + ":" + hash)
}

// Get returns the cached value for hash.
func (c *Cache) Get(ctx context.Context, hash string) ([]byte, error) {
	v, err := c.store.Get(ctx, c.key(hash))
	if errors.Is(err, store.ErrNotFound) {
		c.metrics.RecordCacheMiss(c.namespace)
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	c.metrics.RecordCacheHit(c.namespace)
	return v, nil
}

// Put stores value under hash for ttl.
func (c *Cache) Put(ctx context.Context, hash string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		// 零 TTL 代表立即過期：直接刪除，不寫入
		return c.store.Delete(ctx, c.key(hash))
	}
	return c.store.Set(ctx, c.key(hash), value, ttl)
}

// Delete drops hash from the cache.
func (c *Cache) Delete(ctx context.Context, hash string) error {
	return c.store.Delete(ctx, c.key(hash))
}

// GetJSON decodes a cached JSON value into v.
func (c *Cache) GetJSON(ctx context.Context, hash string, v any) error {
	b, err := c.Get(ctx, hash)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode cached %s: %w", hash, err)
	}
	return nil
}

// PutJSON encodes v and stores it.
func (c *Cache) PutJSON(ctx context.Context, hash string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	return c.Put(ctx, hash, b, ttl)
}

// ============================================================================
// Key helpers
// ============================================================================

// PromptKey hashes a prompt after collapsing whitespace, so prompts that
// differ only in formatting share an entry.
func PromptKey(prompt string) string {
	return hash([]byte(strings.Join(strings.Fields(prompt), " ")))
}

// ContentKey fingerprints file content together with the options that
// influence the cached result. Options are sorted so map order never leaks in.
func ContentKey(content []byte, options map[string]string) string {
	h := sha256.New()
	h.Write(content)
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(options[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

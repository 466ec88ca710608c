// Package llmcache implements the Response Cache (C10): a content-addressed
// Redis-backed cache of normalized LLM responses, keyed by the SHA-256 of
// the canonical JSON of a request's messages.
package llmcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL = time.Hour
	keyPrefix  = "llmcache:"
)

// Message mirrors the minimal shape needed to compute a stable cache key;
// the Dispatcher's full ChatRequest message type satisfies this via
// field-for-field equivalence.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Cache wraps a Redis client with canonical-key hashing and prefix-based
// invalidation.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Key computes the content-addressed key for a message slice. Field order
// within each message is fixed by the struct; slice order is preserved
// (message order is semantically significant, unlike map keys).
func Key(messages []Message) string {
	canonical, _ := json.Marshal(messages)
	sum := sha256.Sum256(canonical)
	return keyPrefix + hex.EncodeToString(sum[:])
}

// KeyWithProvider namespaces the key by provider id so prefix invalidation
// (on provider config change) can target just that provider's entries
// without a full flush.
func KeyWithProvider(providerID string, messages []Message) string {
	canonical, _ := json.Marshal(messages)
	sum := sha256.Sum256(append([]byte(providerID+":"), canonical...))
	return keyPrefix + providerID + ":" + hex.EncodeToString(sum[:])
}

// Get returns the cached value and true on hit, or (nil, false) on miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

// Set stores value under key with the cache's configured TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	return c.client.Set(ctx, key, value, c.ttl).Err()
}

// InvalidateProvider deletes every cache entry namespaced to providerID,
// used when that provider's config changes (spec §4.10 — no invalidation
// on its own, only on provider config change).
func (c *Cache) InvalidateProvider(ctx context.Context, providerID string) error {
	pattern := keyPrefix + providerID + ":*"
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Package cache provides the Redis-backed embedding and result caches. Both
// are best effort: a cache failure is logged and the caller proceeds as if it
// were a miss, so Redis being down never fails a request.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/archon-kb/archon/common"
)

const (
	// EmbeddingTTL keeps cached vectors for a week; content-addressed keys
	// make staleness impossible, the TTL only bounds memory.
	EmbeddingTTL = 7 * 24 * time.Hour

	// ResultTTL keeps fused search results briefly; ingestion can change
	// the corpus underneath them.
	ResultTTL = 5 * time.Minute
)

// Cache wraps a Redis client with the two cache namespaces.
type Cache struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(url string) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// NewWithClient wraps an existing client, used by tests with miniredis.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// EmbeddingKey builds the content-addressed cache key for one input text.
// The text is normalized (trimmed, whitespace collapsed) before hashing so
// insignificant formatting differences still hit.
func EmbeddingKey(provider, model string, dim int, text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", provider, model, dim, normalized)))
	return "emb:" + hex.EncodeToString(h[:])
}

// GetEmbedding returns the cached vector for a key, or nil on miss.
func (c *Cache) GetEmbedding(ctx context.Context, key string) []float32 {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		common.Logger.WithError(err).Warn("embedding cache read failed")
		return nil
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		common.Logger.WithError(err).Warn("embedding cache entry corrupt")
		return nil
	}
	return vec
}

// PutEmbedding stores a vector under its key.
func (c *Cache) PutEmbedding(ctx context.Context, key string, vec []float32) {
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, EmbeddingTTL).Err(); err != nil {
		common.Logger.WithError(err).Warn("embedding cache write failed")
	}
}

// ResultKey builds the cache key for a fused search result set. The key
// covers everything that affects the result: query, k, filters, and whether
// reranking ran.
func ResultKey(query string, k int, filtersFingerprint string, reranked bool) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%t", query, k, filtersFingerprint, reranked)))
	return "res:" + hex.EncodeToString(h[:])
}

// GetResults unmarshals a cached result set into out and reports a hit.
func (c *Cache) GetResults(ctx context.Context, key string, out interface{}) bool {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		common.Logger.WithError(err).Warn("result cache read failed")
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		common.Logger.WithError(err).Warn("result cache entry corrupt")
		return false
	}
	return true
}

// PutResults stores a result set under its key.
func (c *Cache) PutResults(ctx context.Context, key string, results interface{}) {
	data, err := json.Marshal(results)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, ResultTTL).Err(); err != nil {
		common.Logger.WithError(err).Warn("result cache write failed")
	}
}

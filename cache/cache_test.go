package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client)
}

func TestEmbeddingKeyNormalization(t *testing.T) {
	a := EmbeddingKey("openai", "text-embedding-3-small", 1536, "hello   world")
	b := EmbeddingKey("openai", "text-embedding-3-small", 1536, "  hello world\n")
	assert.Equal(t, a, b)

	c := EmbeddingKey("openai", "text-embedding-3-small", 768, "hello world")
	assert.NotEqual(t, a, c)

	d := EmbeddingKey("ollama", "text-embedding-3-small", 1536, "hello world")
	assert.NotEqual(t, a, d)
}

func TestEmbeddingRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	key := EmbeddingKey("openai", "m", 3, "some text")
	assert.Nil(t, c.GetEmbedding(ctx, key))

	c.PutEmbedding(ctx, key, []float32{0.1, 0.2, 0.3})
	got := c.GetEmbedding(ctx, key)
	require.Len(t, got, 3)
	assert.InDelta(t, 0.2, got[1], 1e-6)
}

func TestResultRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	type result struct {
		PageID string  `json:"page_id"`
		Score  float64 `json:"score"`
	}

	key := ResultKey("query", 10, "src=abc", true)
	var out []result
	assert.False(t, c.GetResults(ctx, key, &out))

	c.PutResults(ctx, key, []result{{PageID: "p1", Score: 0.5}})
	require.True(t, c.GetResults(ctx, key, &out))
	require.Len(t, out, 1)
	assert.Equal(t, "p1", out[0].PageID)
}

func TestResultKeyCoversRerank(t *testing.T) {
	a := ResultKey("q", 10, "f", true)
	b := ResultKey("q", 10, "f", false)
	assert.NotEqual(t, a, b)
}

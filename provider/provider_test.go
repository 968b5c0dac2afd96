package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archon-kb/archon/common"
)

func TestResolveValidation(t *testing.T) {
	_, _, err := resolve(Spec{Provider: "nope"}, CapEmbed)
	assert.True(t, common.IsKind(err, common.KindValidation))

	// openai cannot rerank
	_, _, err = resolve(Spec{Provider: "openai", APIKey: "k"}, CapRerank)
	assert.True(t, common.IsKind(err, common.KindValidation))

	// missing key for a key-requiring provider
	_, _, err = resolve(Spec{Provider: "openai"}, CapEmbed)
	assert.True(t, common.IsKind(err, common.KindValidation))

	// fallback key fills in
	_, spec, err := resolve(Spec{Provider: "openai", FallbackKey: "fb"}, CapEmbed)
	require.NoError(t, err)
	assert.Equal(t, "fb", spec.APIKey)
	assert.Equal(t, "https://api.openai.com/v1", spec.BaseURL)

	// ollama needs no key
	_, _, err = resolve(Spec{Provider: "ollama"}, CapEmbed)
	assert.NoError(t, err)
}

func TestEmbedBatchOrdering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// Answer out of order to prove index-based reassembly.
		resp := embeddingResponse{}
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: []float32{float32(i), 0}})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	d := descriptors["ollama"]
	e := newOpenAIEmbedder(d, Spec{Provider: "ollama", Model: "m", Dimension: 2, BaseURL: srv.URL}, time.Second)

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(0), vecs[0][0])
	assert.Equal(t, float32(2), vecs[2][0])
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embeddingResponse{Data: []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}{{Index: 0, Embedding: []float32{1, 2, 3}}}})
	}))
	defer srv.Close()

	d := descriptors["ollama"]
	e := newOpenAIEmbedder(d, Spec{Provider: "ollama", Model: "m", Dimension: 2, BaseURL: srv.URL}, time.Second)

	_, err := e.EmbedOne(context.Background(), "x")
	assert.True(t, common.IsKind(err, common.KindProviderUnavailable))
}

func TestRetryOnRateLimit(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(chatResponse{Choices: []struct {
			Message Message `json:"message"`
		}{{Message: Message{Role: "assistant", Content: "ok"}}}})
	}))
	defer srv.Close()

	d := descriptors["ollama"]
	c := newOpenAIChatter(d, Spec{Provider: "ollama", Model: "m", BaseURL: srv.URL}, time.Second)

	comp, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", comp.Content)
	assert.Equal(t, 2, calls)
}

func TestNoRetryOnAuthFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := descriptors["ollama"]
	c := newOpenAIChatter(d, Spec{Provider: "ollama", Model: "m", BaseURL: srv.URL}, time.Second)

	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, ChatOptions{})
	assert.True(t, common.IsKind(err, common.KindUnauthenticated))
	assert.Equal(t, 1, calls)
}

func TestEstimateCost(t *testing.T) {
	cost := EstimateCost("gpt-4o-mini", 1_000_000, 1_000_000)
	assert.InDelta(t, 0.75, cost, 1e-9)

	assert.Zero(t, EstimateCost("unknown-local-model", 5000, 5000))
}

func TestRerank(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rerankResponse{Results: []struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		}{{Index: 1, RelevanceScore: 0.9}, {Index: 0, RelevanceScore: 0.2}}})
	}))
	defer srv.Close()

	d := descriptors["jina"]
	rr := newJinaReranker(d, Spec{Provider: "jina", Model: "m", BaseURL: srv.URL, APIKey: "k"}, time.Second)

	scored, err := rr.Rerank(context.Background(), "q", []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, scored, 2)
	assert.Equal(t, 1, scored[0].Index)
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/archon-kb/archon/common"
)

// openAIClient speaks the OpenAI-compatible REST surface shared by OpenAI,
// Azure OpenAI, Ollama, and Google's compatibility endpoint.
type openAIClient struct {
	desc    Descriptor
	spec    Spec
	http    *http.Client
	timeout time.Duration
}

func newOpenAIClient(d Descriptor, spec Spec, timeout time.Duration) *openAIClient {
	return &openAIClient{
		desc:    d,
		spec:    spec,
		http:    &http.Client{},
		timeout: timeout,
	}
}

// post sends one JSON request and decodes the response, applying the per-call
// timeout and the shared error classification.
func (c *openAIClient) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return common.Wrap(common.KindInternal, err, "encode provider request")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.spec.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return common.Wrap(common.KindInternal, err, "build provider request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.spec.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.spec.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return common.E(common.KindProviderTimeout, "provider %s timed out", c.desc.ID)
		}
		return common.Wrap(common.KindProviderUnavailable, err, "provider %s unreachable", c.desc.ID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return classifyHTTP(resp.StatusCode, c.desc.ID)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return common.Wrap(common.KindProviderUnavailable, err, "decode provider response")
	}
	return nil
}

// openAIEmbedder implements Embedder over /embeddings.
type openAIEmbedder struct {
	*openAIClient
}

func newOpenAIEmbedder(d Descriptor, spec Spec, timeout time.Duration) *openAIEmbedder {
	return &openAIEmbedder{openAIClient: newOpenAIClient(d, spec, timeout)}
}

func (e *openAIEmbedder) Model() string      { return e.spec.Model }
func (e *openAIEmbedder) Dimension() int     { return e.spec.Dimension }
func (e *openAIEmbedder) ProviderID() string { return e.desc.ID }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *openAIEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts, splitting into requests of at most the provider's
// batch limit. Output order matches input order.
func (e *openAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	limit := e.desc.BatchLimit
	if limit <= 0 {
		limit = 100
	}

	for start := 0; start < len(texts); start += limit {
		end := start + limit
		if end > len(texts) {
			end = len(texts)
		}
		chunk := texts[start:end]

		var resp embeddingResponse
		err := withRetry(ctx, func() error {
			resp = embeddingResponse{}
			return e.post(ctx, "/embeddings", embeddingRequest{Model: e.spec.Model, Input: chunk}, &resp)
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Data) != len(chunk) {
			return nil, common.E(common.KindProviderUnavailable,
				"provider %s returned %d embeddings for %d inputs", e.desc.ID, len(resp.Data), len(chunk))
		}

		vecs := make([][]float32, len(chunk))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(chunk) {
				return nil, common.E(common.KindProviderUnavailable,
					"provider %s returned out-of-range embedding index %d", e.desc.ID, d.Index)
			}
			vecs[d.Index] = d.Embedding
		}
		for i, v := range vecs {
			if len(v) != e.spec.Dimension {
				return nil, common.E(common.KindProviderUnavailable,
					"provider %s returned a %d-dim vector, expected %d", e.desc.ID, len(vecs[i]), e.spec.Dimension)
			}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// openAIChatter implements Chatter over /chat/completions.
type openAIChatter struct {
	*openAIClient
}

func newOpenAIChatter(d Descriptor, spec Spec, timeout time.Duration) *openAIChatter {
	return &openAIChatter{openAIClient: newOpenAIClient(d, spec, timeout)}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (c *openAIChatter) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*Completion, error) {
	var resp chatResponse
	err := withRetry(ctx, func() error {
		resp = chatResponse{}
		return c.post(ctx, "/chat/completions", chatRequest{
			Model:       c.spec.Model,
			Messages:    messages,
			MaxTokens:   opts.MaxTokens,
			Temperature: opts.Temperature,
		}, &resp)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, common.E(common.KindProviderUnavailable, "provider %s returned no choices", c.desc.ID)
	}

	return &Completion{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		EstimatedCost:    EstimateCost(c.spec.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}, nil
}

// jinaReranker implements Reranker over Jina's /rerank endpoint.
type jinaReranker struct {
	*openAIClient
}

func newJinaReranker(d Descriptor, spec Spec, timeout time.Duration) *jinaReranker {
	return &jinaReranker{openAIClient: newOpenAIClient(d, spec, timeout)}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (r *jinaReranker) Rerank(ctx context.Context, query string, docs []string) ([]ScoredDoc, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	var resp rerankResponse
	err := withRetry(ctx, func() error {
		resp = rerankResponse{}
		return r.post(ctx, "/rerank", rerankRequest{Model: r.spec.Model, Query: query, Documents: docs}, &resp)
	})
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredDoc, 0, len(resp.Results))
	for _, res := range resp.Results {
		if res.Index < 0 || res.Index >= len(docs) {
			return nil, fmt.Errorf("reranker returned out-of-range index %d", res.Index)
		}
		scored = append(scored, ScoredDoc{Index: res.Index, Score: res.RelevanceScore})
	}
	return scored, nil
}

package search

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/provider"
	"github.com/archon-kb/archon/store"
)

type fakeSearcher struct {
	vectorHits []store.VectorHit
	textHits   []store.TextHit
	vectorErr  error
	textErr    error

	vectorCalled bool
	textCalled   bool
}

func (f *fakeSearcher) VectorSearch(ctx context.Context, dim int, query []float32, k int, filters store.SearchFilters) ([]store.VectorHit, error) {
	f.vectorCalled = true
	return f.vectorHits, f.vectorErr
}

func (f *fakeSearcher) TextSearch(ctx context.Context, query string, k int, filters store.SearchFilters) ([]store.TextHit, error) {
	f.textCalled = true
	return f.textHits, f.textErr
}

func (f *fakeSearcher) GetPageResults(ctx context.Context, ids []string) (map[string]*store.PageResult, error) {
	out := make(map[string]*store.PageResult, len(ids))
	for _, id := range ids {
		out[id] = &store.PageResult{PageID: id, SourceID: "s", URL: "u/" + id, Content: "content " + id}
	}
	return out, nil
}

type fakeEmbedder struct {
	err error
}

func (e *fakeEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0}, nil
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (e *fakeEmbedder) Model() string      { return "fake" }
func (e *fakeEmbedder) Dimension() int     { return 2 }
func (e *fakeEmbedder) ProviderID() string { return "fake" }

func TestSearchEmptyQuery(t *testing.T) {
	e := New(&fakeSearcher{}, &fakeEmbedder{}, nil, nil, Options{})
	_, err := e.Search(context.Background(), "   ", store.SearchFilters{}, 10)
	assert.True(t, common.IsKind(err, common.KindValidation))
}

func TestShortQuerySkipsLexical(t *testing.T) {
	s := &fakeSearcher{vectorHits: []store.VectorHit{{PageID: "a", Score: 0.9}}}
	e := New(s, &fakeEmbedder{}, nil, nil, Options{})

	env, err := e.Search(context.Background(), "api", store.SearchFilters{}, 5)
	require.NoError(t, err)
	assert.True(t, s.vectorCalled)
	assert.False(t, s.textCalled)
	require.Len(t, env.Results, 1)
	assert.Equal(t, MatchVector, env.Results[0].MatchType)
}

func TestFusionPrefersDoubleRanked(t *testing.T) {
	s := &fakeSearcher{
		vectorHits: []store.VectorHit{{PageID: "both", Score: 0.8}, {PageID: "veconly", Score: 0.9}},
		textHits:   []store.TextHit{{PageID: "both", Rank: 0.5}, {PageID: "textonly", Rank: 0.4}},
	}
	e := New(s, &fakeEmbedder{}, nil, nil, Options{})

	env, err := e.Search(context.Background(), "longer query", store.SearchFilters{}, 10)
	require.NoError(t, err)
	require.Len(t, env.Results, 3)
	assert.Equal(t, "both", env.Results[0].PageID)
	assert.Equal(t, MatchHybrid, env.Results[0].MatchType)
	assert.False(t, env.Degraded)
}

func TestVectorFailureFallsBackToLexical(t *testing.T) {
	s := &fakeSearcher{
		vectorErr: common.E(common.KindStorageUnavailable, "down"),
		textHits:  []store.TextHit{{PageID: "t1", Rank: 0.7}},
	}
	e := New(s, &fakeEmbedder{}, nil, nil, Options{})

	env, err := e.Search(context.Background(), "longer query", store.SearchFilters{}, 10)
	require.NoError(t, err)
	assert.True(t, env.Degraded)
	require.Len(t, env.Results, 1)
	assert.Equal(t, MatchText, env.Results[0].MatchType)
}

func TestEmbedFailureFallsBackToLexical(t *testing.T) {
	s := &fakeSearcher{textHits: []store.TextHit{{PageID: "t1", Rank: 0.7}}}
	e := New(s, &fakeEmbedder{err: common.E(common.KindProviderUnavailable, "down")}, nil, nil, Options{})

	env, err := e.Search(context.Background(), "longer query", store.SearchFilters{}, 10)
	require.NoError(t, err)
	assert.True(t, env.Degraded)
	assert.False(t, s.vectorCalled)
}

func TestEmbedFailureOnShortQueryErrors(t *testing.T) {
	e := New(&fakeSearcher{}, &fakeEmbedder{err: common.E(common.KindProviderUnavailable, "down")}, nil, nil, Options{})
	_, err := e.Search(context.Background(), "api", store.SearchFilters{}, 10)
	assert.True(t, common.IsKind(err, common.KindProviderUnavailable))
}

func TestBothBackendsFailing(t *testing.T) {
	s := &fakeSearcher{
		vectorErr: common.E(common.KindStorageUnavailable, "down"),
		textErr:   common.E(common.KindStorageUnavailable, "down"),
	}
	e := New(s, &fakeEmbedder{}, nil, nil, Options{})

	_, err := e.Search(context.Background(), "longer query", store.SearchFilters{}, 10)
	assert.True(t, common.IsKind(err, common.KindStorageUnavailable))
}

func TestTruncatesToK(t *testing.T) {
	var hits []store.VectorHit
	for i := 0; i < 20; i++ {
		hits = append(hits, store.VectorHit{PageID: fmt.Sprintf("p%02d", i), Score: 1 - float64(i)/100})
	}
	s := &fakeSearcher{vectorHits: hits}
	e := New(s, &fakeEmbedder{}, nil, nil, Options{})

	env, err := e.Search(context.Background(), "longer query", store.SearchFilters{}, 5)
	require.NoError(t, err)
	assert.Len(t, env.Results, 5)
	assert.Equal(t, "p00", env.Results[0].PageID)
}

func TestFuseMissingRankContribution(t *testing.T) {
	fused := fuse(
		[]store.VectorHit{{PageID: "a", Score: 0.9}},
		[]store.TextHit{{PageID: "a", Rank: 0.5}, {PageID: "b", Rank: 0.6}},
	)
	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].pageID)
	// b got rank 1 in text plus the missing-rank vector contribution.
	expected := 1.0/(60+1) + 1.0/(60+999)
	assert.InDelta(t, expected, fused[1].rrf, 1e-12)
}

// reverseReranker inverts the given order, proving reranker scores replace
// fusion scores.
type reverseReranker struct{}

func (r *reverseReranker) Rerank(ctx context.Context, query string, docs []string) ([]provider.ScoredDoc, error) {
	out := make([]provider.ScoredDoc, len(docs))
	for i := range docs {
		out[i] = provider.ScoredDoc{Index: i, Score: float64(i)}
	}
	return out, nil
}

func TestRerankReordersHead(t *testing.T) {
	s := &fakeSearcher{
		vectorHits: []store.VectorHit{{PageID: "a", Score: 0.9}, {PageID: "b", Score: 0.8}},
		textHits:   []store.TextHit{{PageID: "a", Rank: 0.9}, {PageID: "b", Rank: 0.8}},
	}
	rr := &reverseReranker{}
	e := New(s, &fakeEmbedder{}, rr, nil, Options{RerankFused: true})

	env, err := e.Search(context.Background(), "longer query", store.SearchFilters{}, 2)
	require.NoError(t, err)
	assert.True(t, env.Reranked)
	assert.Equal(t, "b", env.Results[0].PageID)
}

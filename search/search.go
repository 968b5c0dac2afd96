// Package search implements the hybrid query path: vector and lexical
// candidate generation in parallel, reciprocal-rank fusion, optional
// reranking, and a short result cache. The engine degrades instead of
// failing: losing the vector side or the embedding provider falls back to
// lexical-only with a degraded flag, and only when both sides are down does
// an error surface.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/archon-kb/archon/cache"
	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/provider"
	"github.com/archon-kb/archon/store"
)

const (
	// rrfK is the reciprocal-rank-fusion constant.
	rrfK = 60
	// missingRank stands in for a candidate absent from one ranking; at
	// 1/(60+999) its contribution is effectively zero.
	missingRank = 999
	// shortQueryLen is the lexical cutoff: trigram scans on shorter
	// queries are noise.
	shortQueryLen = 4
)

// MatchType tells which ranking produced a result.
type MatchType string

const (
	MatchVector MatchType = "vector"
	MatchText   MatchType = "text"
	MatchHybrid MatchType = "hybrid"
)

// Result is one ranked page.
type Result struct {
	PageID      string                 `json:"page_id"`
	SourceID    string                 `json:"source_id"`
	URL         string                 `json:"url"`
	ChunkNumber int                    `json:"chunk_number"`
	Content     string                 `json:"content"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Score       float64                `json:"score"`
	MatchType   MatchType              `json:"match_type"`
}

// Envelope wraps the result list with the degradation flag.
type Envelope struct {
	Results  []Result `json:"results"`
	Degraded bool     `json:"degraded"`
	Reranked bool     `json:"reranked"`
}

// Searcher is the slice of the storage adapter the engine reads through.
type Searcher interface {
	VectorSearch(ctx context.Context, dim int, query []float32, k int, filters store.SearchFilters) ([]store.VectorHit, error)
	TextSearch(ctx context.Context, query string, k int, filters store.SearchFilters) ([]store.TextHit, error)
	GetPageResults(ctx context.Context, ids []string) (map[string]*store.PageResult, error)
}

// Options tune the engine.
type Options struct {
	// RerankFused sends the fused top candidates to the reranker when one
	// is configured.
	RerankFused bool
}

// Engine executes searches.
type Engine struct {
	storage  Searcher
	embedder provider.Embedder
	reranker provider.Reranker
	cache    *cache.Cache
	opts     Options
	log      *logrus.Entry
}

// New builds an engine. reranker and c may be nil.
func New(storage Searcher, embedder provider.Embedder, reranker provider.Reranker, c *cache.Cache, opts Options) *Engine {
	return &Engine{
		storage:  storage,
		embedder: embedder,
		reranker: reranker,
		cache:    c,
		opts:     opts,
		log:      common.Logger.WithField("component", "search"),
	}
}

// filtersFingerprint renders filters deterministically for cache keys.
func filtersFingerprint(f store.SearchFilters, dim int, model string) string {
	return fmt.Sprintf("src=%s|kt=%s|tags=%s|proj=%s|dim=%d|model=%s",
		f.SourceID, f.KnowledgeType, strings.Join(f.Tags, ","), f.ProjectID, dim, model)
}

// Search runs the full query path and returns at most k results.
func (e *Engine) Search(ctx context.Context, query string, filters store.SearchFilters, k int) (*Envelope, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, common.E(common.KindValidation, "query must not be empty")
	}
	if k <= 0 {
		k = 10
	}

	useRerank := e.reranker != nil && e.opts.RerankFused
	cacheKey := ""
	if e.cache != nil {
		cacheKey = cache.ResultKey(query, k, filtersFingerprint(filters, e.embedder.Dimension(), e.embedder.Model()), useRerank)
		var cached Envelope
		if e.cache.GetResults(ctx, cacheKey, &cached) {
			return &cached, nil
		}
	}

	env, err := e.search(ctx, query, filters, k, useRerank)
	if err != nil {
		return nil, err
	}
	if e.cache != nil && !env.Degraded {
		e.cache.PutResults(ctx, cacheKey, env)
	}
	return env, nil
}

func (e *Engine) search(ctx context.Context, query string, filters store.SearchFilters, k int, useRerank bool) (*Envelope, error) {
	candidates := k * 4
	if candidates < 50 {
		candidates = 50
	}

	shortQuery := len(query) < shortQueryLen

	// Embed first; a provider failure demotes the query to lexical-only.
	var queryVec []float32
	degraded := false
	vec, err := e.embedQuery(ctx, query)
	if err != nil {
		if shortQuery {
			// No lexical fallback exists for short queries.
			return nil, err
		}
		e.log.WithError(err).Warn("query embedding failed, lexical-only fallback")
		degraded = true
	} else {
		queryVec = vec
	}

	var vectorHits []store.VectorHit
	var textHits []store.TextHit

	g, gctx := errgroup.WithContext(ctx)
	var vectorErr, textErr error

	if queryVec != nil {
		g.Go(func() error {
			vectorHits, vectorErr = e.storage.VectorSearch(gctx, e.embedder.Dimension(), queryVec, candidates, filters)
			return nil
		})
	}
	if !shortQuery {
		g.Go(func() error {
			textHits, textErr = e.storage.TextSearch(gctx, query, candidates, filters)
			return nil
		})
	}
	g.Wait()

	switch {
	case queryVec != nil && vectorErr != nil && shortQuery:
		return nil, vectorErr
	case queryVec != nil && vectorErr != nil && textErr != nil:
		return nil, common.E(common.KindStorageUnavailable, "both search backends failed")
	case queryVec != nil && vectorErr != nil:
		e.log.WithError(vectorErr).Warn("vector search failed, lexical-only fallback")
		degraded = true
		vectorHits = nil
	case textErr != nil && queryVec == nil:
		return nil, textErr
	case textErr != nil:
		e.log.WithError(textErr).Warn("text search failed, vector-only results")
		textHits = nil
	}

	fused := fuse(vectorHits, textHits)
	if len(fused) == 0 {
		return &Envelope{Results: []Result{}, Degraded: degraded}, nil
	}

	reranked := false
	if useRerank && !degraded && len(fused) >= k {
		reranked = e.rerank(ctx, query, fused, k)
	}

	if len(fused) > k {
		fused = fused[:k]
	}

	results, err := e.hydrate(ctx, fused)
	if err != nil {
		return nil, err
	}
	return &Envelope{Results: results, Degraded: degraded, Reranked: reranked}, nil
}

// embedQuery consults the embedding cache before the provider.
func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	var key string
	if e.cache != nil {
		key = cache.EmbeddingKey(e.embedder.ProviderID(), e.embedder.Model(), e.embedder.Dimension(), query)
		if vec := e.cache.GetEmbedding(ctx, key); vec != nil {
			return vec, nil
		}
	}

	vec, err := e.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.PutEmbedding(ctx, key, vec)
	}
	return vec, nil
}

// candidate carries fusion state for one page.
type candidate struct {
	pageID    string
	rrf       float64
	vectorSim float64
	hasVector bool
	hasText   bool
	// score is what the caller sees: rrf, or the reranker score when
	// reranking replaced it.
	score float64
}

// fuse merges the two rankings by reciprocal rank, sorted by descending
// score with the documented tie-breaks.
func fuse(vectorHits []store.VectorHit, textHits []store.TextHit) []*candidate {
	byID := make(map[string]*candidate)

	get := func(id string) *candidate {
		c, ok := byID[id]
		if !ok {
			c = &candidate{pageID: id}
			byID[id] = c
		}
		return c
	}

	for rank, h := range vectorHits {
		c := get(h.PageID)
		c.hasVector = true
		c.vectorSim = h.Score
		c.rrf += 1.0 / float64(rrfK+rank+1)
	}
	for rank, h := range textHits {
		c := get(h.PageID)
		c.hasText = true
		c.rrf += 1.0 / float64(rrfK+rank+1)
	}
	// One missing-rank contribution for every candidate absent from a
	// ranking keeps scores comparable.
	for _, c := range byID {
		if !c.hasVector {
			c.rrf += 1.0 / float64(rrfK+missingRank)
		}
		if !c.hasText {
			c.rrf += 1.0 / float64(rrfK+missingRank)
		}
		c.score = c.rrf
	}

	fused := make([]*candidate, 0, len(byID))
	for _, c := range byID {
		fused = append(fused, c)
	}
	sortCandidates(fused)
	return fused
}

// sortCandidates orders by score desc, then vector similarity desc, then
// page id. Chunk-number tie-breaking happens at hydration where the value is
// known.
func sortCandidates(fused []*candidate) {
	sort.Slice(fused, func(i, j int) bool {
		a, b := fused[i], fused[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.vectorSim != b.vectorSim {
			return a.vectorSim > b.vectorSim
		}
		return a.pageID < b.pageID
	})
}

// rerank sends the fused head to the reranker and replaces scores for the
// docs it returns. Failures leave the fusion order untouched.
func (e *Engine) rerank(ctx context.Context, query string, fused []*candidate, k int) bool {
	n := 3 * k
	if n > 30 {
		n = 30
	}
	if n > len(fused) {
		n = len(fused)
	}
	head := fused[:n]

	ids := make([]string, n)
	for i, c := range head {
		ids[i] = c.pageID
	}
	pages, err := e.storage.GetPageResults(ctx, ids)
	if err != nil {
		e.log.WithError(err).Warn("rerank hydration failed")
		return false
	}

	docs := make([]string, n)
	for i, c := range head {
		if p, ok := pages[c.pageID]; ok {
			docs[i] = p.Content
		}
	}

	scored, err := e.reranker.Rerank(ctx, query, docs)
	if err != nil {
		e.log.WithError(err).Warn("rerank failed, keeping fusion order")
		return false
	}
	for _, s := range scored {
		if s.Index >= 0 && s.Index < n {
			head[s.Index].score = s.Score
		}
	}
	sortCandidates(fused)
	return true
}

// hydrate loads page fields and assigns match types, applying the
// chunk-number tie-break now that chunk numbers are known.
func (e *Engine) hydrate(ctx context.Context, fused []*candidate) ([]Result, error) {
	ids := make([]string, len(fused))
	for i, c := range fused {
		ids[i] = c.pageID
	}
	pages, err := e.storage.GetPageResults(ctx, ids)
	if err != nil {
		return nil, err
	}

	type ranked struct {
		res Result
		sim float64
	}
	rs := make([]ranked, 0, len(fused))
	for _, c := range fused {
		p, ok := pages[c.pageID]
		if !ok {
			continue
		}
		mt := MatchHybrid
		switch {
		case c.hasVector && !c.hasText:
			mt = MatchVector
		case c.hasText && !c.hasVector:
			mt = MatchText
		}
		rs = append(rs, ranked{sim: c.vectorSim, res: Result{
			PageID:      p.PageID,
			SourceID:    p.SourceID,
			URL:         p.URL,
			ChunkNumber: p.ChunkNumber,
			Content:     p.Content,
			Metadata:    p.Metadata,
			Score:       c.score,
			MatchType:   mt,
		}})
	}

	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.res.Score != b.res.Score {
			return a.res.Score > b.res.Score
		}
		if a.sim != b.sim {
			return a.sim > b.sim
		}
		if a.res.ChunkNumber != b.res.ChunkNumber {
			return a.res.ChunkNumber < b.res.ChunkNumber
		}
		return a.res.PageID < b.res.PageID
	})

	results := make([]Result, len(rs))
	for i, r := range rs {
		results[i] = r.res
	}
	return results, nil
}

// Package ingest drives the crawl/upload pipeline: fetch, chunk, embed,
// store, extract code examples, finalize. It owns correctness under failure
// and cancellation; a cancelled pipeline leaves a valid partial source behind
// and a retried one re-embeds only changed chunks.
package ingest

import (
	"context"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/archon-kb/archon/chunker"
	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/crawler"
	"github.com/archon-kb/archon/provider"
	"github.com/archon-kb/archon/store"
)

// Storage is the slice of the storage adapter the pipeline writes through.
type Storage interface {
	FindSourceByOrigin(ctx context.Context, originURL string) (*store.Source, error)
	PutSource(ctx context.Context, src *store.Source) error
	InsertPages(ctx context.Context, batch []store.PageInsert) ([]store.PageInsert, error)
	PutEmbedding(ctx context.Context, pageID, model string, dim int, vec []float32) error
	InsertCodeExample(ctx context.Context, ex *store.CodeExample, model string, dim int, vec []float32) error
	UpdateSourceCounters(ctx context.Context, id string, pageCount int, wordCount int64) error
	PromoteSource(ctx context.Context, id, promotedBy string) (*store.Source, error)
	MarkSourcePrivate(ctx context.Context, id string, private bool) error
}

// Request describes one ingestion run.
type Request struct {
	URL                 string
	DisplayName         string
	KnowledgeType       store.KnowledgeType
	Tags                []string
	MaxDepth            int
	ExtractCodeExamples bool
	ProjectID           *string
	IsProjectPrivate    bool
	SendToKB            bool
	Subject             string
}

// Options tune the orchestrator.
type Options struct {
	MaxPipelines    int64
	MaxEmbedBatches int64
	ChunkSize       int
	UploadChunkSize int
	ChunkOverlap    int
	EmbedBatchSize  int
	CrawlerOptions  crawler.Options
}

func (o *Options) defaults() {
	if o.MaxPipelines <= 0 {
		o.MaxPipelines = 4
	}
	if o.MaxEmbedBatches <= 0 {
		o.MaxEmbedBatches = 8
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = chunker.DefaultMaxChunkSize
	}
	if o.UploadChunkSize <= 0 {
		o.UploadChunkSize = chunker.UploadMaxChunkSize
	}
	if o.ChunkOverlap <= 0 {
		o.ChunkOverlap = chunker.DefaultOverlap
	}
	if o.EmbedBatchSize <= 0 {
		o.EmbedBatchSize = 50
	}
}

// Orchestrator runs pipelines under the global concurrency caps.
type Orchestrator struct {
	storage  Storage
	embedder provider.Embedder
	chatter  provider.Chatter
	registry *Registry
	opts     Options

	pipeSem  *semaphore.Weighted
	embedSem *semaphore.Weighted
	log      *logrus.Entry
}

// New builds an orchestrator. chatter may be nil; code summaries then fall
// back to a trimmed first line.
func New(storage Storage, embedder provider.Embedder, chatter provider.Chatter, registry *Registry, opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		storage:  storage,
		embedder: embedder,
		chatter:  chatter,
		registry: registry,
		opts:     opts,
		pipeSem:  semaphore.NewWeighted(opts.MaxPipelines),
		embedSem: semaphore.NewWeighted(opts.MaxEmbedBatches),
		log:      common.Logger.WithField("component", "ingest"),
	}
}

// Registry exposes the progress registry for the API layer.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// StartCrawl validates the request and launches the pipeline in the
// background, returning the progress id immediately.
func (o *Orchestrator) StartCrawl(req Request) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", common.E(common.KindValidation, "invalid crawl URL %q", req.URL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	prog := o.registry.Create(cancel)

	go o.run(ctx, prog, func(ctx context.Context, prog *Progress) ([]page, error) {
		return o.crawlPages(ctx, prog, req)
	}, req, o.opts.ChunkSize)

	return prog.ID, nil
}

// StartUpload ingests an already-read file. The bytes are held in memory so
// the caller's transport can close before the pipeline runs.
func (o *Orchestrator) StartUpload(req Request, filename string, content []byte) (string, error) {
	if len(content) == 0 {
		return "", common.E(common.KindValidation, "uploaded file is empty")
	}
	if req.DisplayName == "" {
		req.DisplayName = filename
	}
	req.URL = "file://" + filename

	ctx, cancel := context.WithCancel(context.Background())
	prog := o.registry.Create(cancel)

	text := string(content)
	go o.run(ctx, prog, func(ctx context.Context, prog *Progress) ([]page, error) {
		prog.SetPhase(PhaseCrawl)
		prog.Update(func(c *Counters) { c.PagesFetched = 1 })
		prog.Logf("accepted upload %s (%s)", filename, humanize.Bytes(uint64(len(content))))
		return []page{{url: req.URL, markdown: text}}, nil
	}, req, o.opts.UploadChunkSize)

	return prog.ID, nil
}

// Cancel requests cooperative cancellation of a pipeline.
func (o *Orchestrator) Cancel(progressID string) bool {
	return o.registry.Cancel(progressID)
}

// Progress returns a snapshot for the poll endpoint.
func (o *Orchestrator) Progress(progressID string) (Snapshot, bool) {
	p, ok := o.registry.Get(progressID)
	if !ok {
		return Snapshot{}, false
	}
	return p.Snapshot(), true
}

// page is one normalized document awaiting chunking.
type page struct {
	url      string
	markdown string
}

type fetchFunc func(ctx context.Context, prog *Progress) ([]page, error)

// run executes the five pipeline phases.
func (o *Orchestrator) run(ctx context.Context, prog *Progress, fetch fetchFunc, req Request, chunkSize int) {
	if err := o.pipeSem.Acquire(ctx, 1); err != nil {
		prog.Complete(StatusCancelled, "")
		return
	}
	defer o.pipeSem.Release(1)

	pages, err := fetch(ctx, prog)
	if err != nil {
		o.finish(prog, ctx, err)
		return
	}
	if len(pages) == 0 {
		prog.Logf("no pages fetched, aborting without writes")
		prog.Complete(StatusFailed, "empty-result")
		return
	}

	src, err := o.resolveSource(ctx, req)
	if err != nil {
		o.finish(prog, ctx, err)
		return
	}
	prog.SetSourceID(src.ID)

	chunksStored, totalWords, err := o.storePages(ctx, prog, src.ID, pages, chunkSize)
	if err != nil {
		o.finish(prog, ctx, err)
		return
	}

	if req.ExtractCodeExamples && chunksStored > 0 {
		if err := o.extractCode(ctx, prog, src.ID, pages); err != nil {
			o.finish(prog, ctx, err)
			return
		}
	}

	prog.SetPhase(PhaseFinalize)
	if err := o.finalize(ctx, prog, src.ID, req, len(pages), totalWords); err != nil {
		o.finish(prog, ctx, err)
		return
	}
	prog.Logf("ingestion complete: %d pages, %d chunks, %s words",
		len(pages), chunksStored, humanize.Comma(totalWords))
	prog.Complete(StatusCompleted, "")
}

// finish classifies a pipeline error into cancelled or failed.
func (o *Orchestrator) finish(prog *Progress, ctx context.Context, err error) {
	if ctx.Err() != nil {
		prog.Logf("cancelled")
		prog.Complete(StatusCancelled, "")
		return
	}
	o.log.WithError(err).Warn("pipeline failed")
	prog.Logf("failed: %v", err)
	prog.Complete(StatusFailed, err.Error())
}

// crawlPages runs discovery and crawl, returning the fetched documents.
// llms.txt bodies are split into synthetic pages per section.
func (o *Orchestrator) crawlPages(ctx context.Context, prog *Progress, req Request) ([]page, error) {
	opts := o.opts.CrawlerOptions
	if req.MaxDepth > 0 {
		opts.MaxDepth = req.MaxDepth
	}
	cr := crawler.New(opts)

	prog.SetPhase(PhaseDiscovery)
	results, kind := cr.Crawl(ctx, req.URL)
	prog.Logf("strategy: %s", kind)

	prog.SetPhase(PhaseCrawl)
	var pages []page
	for res := range results {
		if res.Err != nil {
			prog.Update(func(c *Counters) { c.URLFailures++ })
			prog.Logf("failed %s: %v", res.URL, res.Err)
			continue
		}
		if res.Raw != "" {
			for _, sec := range chunker.SplitLLMSText(res.Raw) {
				pages = append(pages, page{
					url:      res.URL + "#" + chunker.SectionSlug(sec.Title),
					markdown: sec.Content,
				})
			}
		} else {
			pages = append(pages, page{url: res.URL, markdown: res.Markdown})
		}
		prog.Update(func(c *Counters) { c.PagesFetched = len(pages) })
		prog.Logf("fetched %s", res.URL)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return pages, nil
}

// resolveSource reuses the source for the same origin or creates a new one,
// so retried crawls upsert instead of duplicating.
func (o *Orchestrator) resolveSource(ctx context.Context, req Request) (*store.Source, error) {
	if req.URL != "" {
		src, err := o.storage.FindSourceByOrigin(ctx, req.URL)
		if err == nil {
			return src, nil
		}
		if !common.IsKind(err, common.KindNotFound) {
			return nil, err
		}
	}

	display := req.DisplayName
	if display == "" {
		if u, err := url.Parse(req.URL); err == nil && u.Host != "" {
			display = u.Host
		} else {
			display = req.URL
		}
	}
	src := &store.Source{
		DisplayName:         display,
		OriginURL:           req.URL,
		KnowledgeType:       req.KnowledgeType,
		Tags:                req.Tags,
		ExtractCodeExamples: req.ExtractCodeExamples,
		ProjectID:           req.ProjectID,
		IsProjectPrivate:    req.IsProjectPrivate && req.ProjectID != nil,
	}
	if err := o.storage.PutSource(ctx, src); err != nil {
		return nil, err
	}
	return src, nil
}

// storePages chunks and stores every page, embedding new or changed chunks.
// One transaction per page; cancellation checked every 10 stored chunks and
// between pages.
func (o *Orchestrator) storePages(ctx context.Context, prog *Progress, sourceID string, pages []page, chunkSize int) (int, int64, error) {
	prog.SetPhase(PhaseStore)
	ch := chunker.New(chunkSize, o.opts.ChunkOverlap)

	chunksStored := 0
	var totalWords int64

	for i, pg := range pages {
		if ctx.Err() != nil {
			return chunksStored, totalWords, ctx.Err()
		}

		chunks := ch.Split(pg.markdown)
		if len(chunks) == 0 {
			continue
		}
		totalWords += int64(len(strings.Fields(pg.markdown)))

		batch := make([]store.PageInsert, len(chunks))
		for j, c := range chunks {
			batch[j] = store.PageInsert{
				SourceID:    sourceID,
				URL:         pg.url,
				ChunkNumber: c.Number,
				Content:     c.Content,
				ContentHash: c.ContentHash,
				Metadata: map[string]interface{}{
					"start_position": c.StartPosition,
					"end_position":   c.EndPosition,
					"token_count":    c.TokenCount,
				},
			}
		}

		inserted, err := o.storage.InsertPages(ctx, batch)
		if err != nil {
			return chunksStored, totalWords, err
		}

		if err := o.embedInserted(ctx, prog, inserted, &chunksStored); err != nil {
			return chunksStored, totalWords, err
		}
		prog.SetFraction(float64(i+1) / float64(len(pages)))
	}
	return chunksStored, totalWords, nil
}

// embedInserted embeds the chunks flagged by the storage adapter, in batches
// bounded by the embedding semaphore.
func (o *Orchestrator) embedInserted(ctx context.Context, prog *Progress, inserted []store.PageInsert, chunksStored *int) error {
	var pending []store.PageInsert
	for _, ins := range inserted {
		*chunksStored++
		if *chunksStored%10 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		if ins.NeedsEmbedding {
			pending = append(pending, ins)
		}
	}
	prog.Update(func(c *Counters) { c.ChunksStored = *chunksStored })

	for start := 0; start < len(pending); start += o.opts.EmbedBatchSize {
		end := start + o.opts.EmbedBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		texts := make([]string, len(batch))
		for i, b := range batch {
			texts[i] = b.Content
		}

		if err := o.embedSem.Acquire(ctx, 1); err != nil {
			return err
		}
		vecs, err := o.embedder.EmbedBatch(ctx, texts)
		o.embedSem.Release(1)
		if err != nil {
			return err
		}

		for i, b := range batch {
			if err := o.storage.PutEmbedding(ctx, b.PageID, o.embedder.Model(), o.embedder.Dimension(), vecs[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// finalize writes the aggregate counters and resolves the privacy flags.
func (o *Orchestrator) finalize(ctx context.Context, prog *Progress, sourceID string, req Request, pageCount int, totalWords int64) error {
	if err := o.storage.UpdateSourceCounters(ctx, sourceID, pageCount, totalWords); err != nil {
		return err
	}

	if req.SendToKB {
		if _, err := o.storage.PromoteSource(ctx, sourceID, req.Subject); err != nil {
			if !common.IsKind(err, common.KindAlreadyGlobal) {
				return err
			}
		}
		return nil
	}
	if req.IsProjectPrivate && req.ProjectID != nil {
		return o.storage.MarkSourcePrivate(ctx, sourceID, true)
	}
	return nil
}

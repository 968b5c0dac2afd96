package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/crawler"
	"github.com/archon-kb/archon/store"
)

type fakeStorage struct {
	mu        sync.Mutex
	sources   map[string]*store.Source
	pages     []store.PageInsert
	vectors   map[string][]float32
	examples  []*store.CodeExample
	finalized bool
	promoted  bool
	nextID    int

	// insertHook runs after each InsertPages write; a returned error is
	// surfaced as the call's error. Lets tests block the store phase.
	insertHook func(ctx context.Context) error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		sources: make(map[string]*store.Source),
		vectors: make(map[string][]float32),
	}
}

func (f *fakeStorage) FindSourceByOrigin(ctx context.Context, originURL string) (*store.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sources {
		if s.OriginURL == originURL {
			return s, nil
		}
	}
	return nil, common.E(common.KindNotFound, "no source for %s", originURL)
}

func (f *fakeStorage) PutSource(ctx context.Context, src *store.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	src.ID = "src-" + strings.Repeat("0", 3) + string(rune('0'+f.nextID))
	f.sources[src.ID] = src
	return nil
}

func (f *fakeStorage) InsertPages(ctx context.Context, batch []store.PageInsert) ([]store.PageInsert, error) {
	f.mu.Lock()
	for i := range batch {
		f.nextID++
		batch[i].PageID = "page-" + string(rune('a'+f.nextID%26)) + string(rune('0'+f.nextID%10))
		batch[i].NeedsEmbedding = true
		f.pages = append(f.pages, batch[i])
	}
	f.mu.Unlock()

	if f.insertHook != nil {
		if err := f.insertHook(ctx); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

func (f *fakeStorage) storedPages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pages)
}

func (f *fakeStorage) PutEmbedding(ctx context.Context, pageID, model string, dim int, vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[pageID] = vec
	return nil
}

func (f *fakeStorage) InsertCodeExample(ctx context.Context, ex *store.CodeExample, model string, dim int, vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.examples = append(f.examples, ex)
	return nil
}

func (f *fakeStorage) UpdateSourceCounters(ctx context.Context, id string, pageCount int, wordCount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = true
	return nil
}

func (f *fakeStorage) PromoteSource(ctx context.Context, id, promotedBy string) (*store.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoted = true
	return f.sources[id], nil
}

func (f *fakeStorage) MarkSourcePrivate(ctx context.Context, id string, private bool) error {
	return nil
}

type fakeEmbedder struct{ dim int }

func (e *fakeEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, e.dim), nil
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, e.dim)
	}
	return out, nil
}

func (e *fakeEmbedder) Model() string      { return "fake-model" }
func (e *fakeEmbedder) Dimension() int     { return e.dim }
func (e *fakeEmbedder) ProviderID() string { return "fake" }

func waitTerminal(t *testing.T, o *Orchestrator, id string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := o.Progress(id)
		require.True(t, ok)
		if snap.TerminalStatus != "" {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("pipeline did not reach a terminal state")
	return Snapshot{}
}

func TestUploadPipelineCompletes(t *testing.T) {
	storage := newFakeStorage()
	o := New(storage, &fakeEmbedder{dim: 4}, nil, NewRegistry(), Options{})

	body := strings.Repeat("Some meaningful documentation sentence. ", 80)
	id, err := o.StartUpload(Request{
		KnowledgeType: store.KnowledgeTechnical,
		SendToKB:      true,
		Subject:       "tester",
	}, "guide.md", []byte(body))
	require.NoError(t, err)

	snap := waitTerminal(t, o, id)
	assert.Equal(t, StatusCompleted, snap.TerminalStatus)
	assert.Equal(t, float64(100), snap.Percent)
	assert.Greater(t, snap.Counters.ChunksStored, 0)
	assert.True(t, storage.finalized)
	assert.True(t, storage.promoted)
	assert.Len(t, storage.vectors, len(storage.pages))
}

func TestUploadEmptyFileRejected(t *testing.T) {
	o := New(newFakeStorage(), &fakeEmbedder{dim: 4}, nil, NewRegistry(), Options{})
	_, err := o.StartUpload(Request{}, "empty.md", nil)
	assert.True(t, common.IsKind(err, common.KindValidation))
}

func TestStartCrawlRejectsBadURL(t *testing.T) {
	o := New(newFakeStorage(), &fakeEmbedder{dim: 4}, nil, NewRegistry(), Options{})
	_, err := o.StartCrawl(Request{URL: "ftp://example.com"})
	assert.True(t, common.IsKind(err, common.KindValidation))
}

func TestCodeExtractionStoresExamples(t *testing.T) {
	storage := newFakeStorage()
	o := New(storage, &fakeEmbedder{dim: 4}, nil, NewRegistry(), Options{})

	code := strings.Repeat("func handle(w http.ResponseWriter, r *http.Request) {}\n", 4)
	body := "Intro text that explains the API in enough words to produce a chunk.\n\n```go\n" + code + "```\n"

	id, err := o.StartUpload(Request{ExtractCodeExamples: true}, "api.md", []byte(body))
	require.NoError(t, err)

	snap := waitTerminal(t, o, id)
	assert.Equal(t, StatusCompleted, snap.TerminalStatus)
	require.Len(t, storage.examples, 1)
	assert.Equal(t, "go", storage.examples[0].Language)
	assert.NotEmpty(t, storage.examples[0].Summary)
	assert.Equal(t, 1, snap.Counters.CodeExamples)
}

func TestExtractFences(t *testing.T) {
	md := "text\n```python\n" + strings.Repeat("print('hello world again')\n", 5) + "```\nmore\n```\nshort\n```\n"
	spans := extractFences(md)
	require.Len(t, spans, 1)
	assert.Equal(t, "python", spans[0].language)
}

func TestProgressRingBuffer(t *testing.T) {
	r := NewRegistry()
	p := r.Create(nil)
	for i := 0; i < 2*logRingSize; i++ {
		p.Logf("line %d", i)
	}
	snap := p.Snapshot()
	require.Len(t, snap.LogTail, logRingSize)
	assert.Contains(t, snap.LogTail[logRingSize-1], "line 399")
	assert.Contains(t, snap.LogTail[0], "line 200")
}

func TestProgressPercentWeighting(t *testing.T) {
	r := NewRegistry()
	p := r.Create(nil)

	p.SetPhase(PhaseStore)
	p.SetFraction(0.5)
	snap := p.Snapshot()
	// discovery 5 + crawl 40 + half of store's 35
	assert.InDelta(t, 62.5, snap.Percent, 1e-9)
}

func TestCancelUnknownPipeline(t *testing.T) {
	o := New(newFakeStorage(), &fakeEmbedder{dim: 4}, nil, NewRegistry(), Options{})
	assert.False(t, o.Cancel("missing"))
}

func TestCancelDuringStoreKeepsPartialWrites(t *testing.T) {
	storage := newFakeStorage()
	entered := make(chan struct{})
	var once sync.Once
	storage.insertHook = func(ctx context.Context) error {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return ctx.Err()
	}
	o := New(storage, &fakeEmbedder{dim: 4}, nil, NewRegistry(), Options{})

	body := strings.Repeat("A sentence that fills the store phase with work. ", 120)
	id, err := o.StartUpload(Request{SendToKB: true}, "big.md", []byte(body))
	require.NoError(t, err)

	<-entered
	require.True(t, o.Cancel(id))

	snap := waitTerminal(t, o, id)
	assert.Equal(t, StatusCancelled, snap.TerminalStatus)
	assert.Empty(t, snap.Failure)
	// Chunks written before the cancel stay behind; finalize never runs.
	assert.Greater(t, storage.storedPages(), 0)
	assert.False(t, storage.finalized)
	assert.False(t, storage.promoted)
}

func TestCancelAfterCompletionIsNoOp(t *testing.T) {
	storage := newFakeStorage()
	o := New(storage, &fakeEmbedder{dim: 4}, nil, NewRegistry(), Options{})

	id, err := o.StartUpload(Request{SendToKB: true}, "done.md",
		[]byte(strings.Repeat("Short document sentence. ", 40)))
	require.NoError(t, err)

	snap := waitTerminal(t, o, id)
	require.Equal(t, StatusCompleted, snap.TerminalStatus)

	// The cancel is acknowledged but the terminal state does not change.
	assert.True(t, o.Cancel(id))
	snap, ok := o.Progress(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, snap.TerminalStatus)
}

func TestCrawlCountsURLFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<html><body><p>`+
				strings.Repeat("Documentation words that become a chunk. ", 20)+
				`</p><a href="/missing">m</a></body></html>`)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	storage := newFakeStorage()
	o := New(storage, &fakeEmbedder{dim: 4}, nil, NewRegistry(), Options{
		CrawlerOptions: crawler.Options{PolitenessGap: time.Millisecond},
	})

	id, err := o.StartCrawl(Request{URL: srv.URL + "/", SendToKB: true})
	require.NoError(t, err)

	snap := waitTerminal(t, o, id)
	assert.Equal(t, StatusCompleted, snap.TerminalStatus)
	assert.Equal(t, 1, snap.Counters.PagesFetched)
	assert.Equal(t, 1, snap.Counters.URLFailures)

	var logged bool
	for _, line := range snap.LogTail {
		if strings.Contains(line, "failed "+srv.URL+"/missing") {
			logged = true
		}
	}
	assert.True(t, logged, "the skipped URL must appear in the log tail")
}

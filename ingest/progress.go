package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase enumerates the pipeline stages.
type Phase string

const (
	PhaseDiscovery Phase = "discovery"
	PhaseCrawl     Phase = "crawl"
	PhaseStore     Phase = "chunk_store"
	PhaseExtract   Phase = "code_extract"
	PhaseFinalize  Phase = "finalize"
)

// TerminalStatus is set once a pipeline stops.
type TerminalStatus string

const (
	StatusCompleted TerminalStatus = "completed"
	StatusCancelled TerminalStatus = "cancelled"
	StatusFailed    TerminalStatus = "failed"
)

// phaseWeights blend per-phase progress into one percent figure.
var phaseWeights = map[Phase]float64{
	PhaseDiscovery: 5,
	PhaseCrawl:     40,
	PhaseStore:     35,
	PhaseExtract:   15,
	PhaseFinalize:  5,
}

var phaseOrder = []Phase{PhaseDiscovery, PhaseCrawl, PhaseStore, PhaseExtract, PhaseFinalize}

// logRingSize bounds the kept log tail.
const logRingSize = 200

// Counters are the numeric progress figures exposed to pollers.
type Counters struct {
	PagesFetched int   `json:"pages_fetched"`
	ChunksStored int   `json:"chunks_stored"`
	CodeExamples int   `json:"code_examples"`
	TotalWords   int64 `json:"total_words"`
	URLFailures  int   `json:"url_failures"`
}

// Progress is the per-pipeline state read by the poll endpoint.
type Progress struct {
	mu sync.Mutex

	ID            string
	SourceID      string
	phase         Phase
	phaseFraction float64
	counters      Counters
	logs          [logRingSize]string
	logStart      int
	logCount      int
	terminal      TerminalStatus
	failure       string
	startedAt     time.Time

	cancel context.CancelFunc
}

// Snapshot is the externally visible progress shape.
type Snapshot struct {
	ProgressID     string         `json:"progress_id"`
	SourceID       string         `json:"source_id,omitempty"`
	Phase          Phase          `json:"phase"`
	Percent        float64        `json:"percent"`
	Counters       Counters       `json:"counters"`
	LogTail        []string       `json:"log_tail"`
	TerminalStatus TerminalStatus `json:"terminal_status,omitempty"`
	Failure        string         `json:"failure,omitempty"`
}

// Registry tracks live and recently finished pipelines in memory.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]*Progress
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[string]*Progress)}
}

// Create registers a new pipeline and returns its progress handle.
func (r *Registry) Create(cancel context.CancelFunc) *Progress {
	p := &Progress{
		ID:        uuid.NewString(),
		phase:     PhaseDiscovery,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	r.mu.Lock()
	r.pipelines[p.ID] = p
	r.mu.Unlock()
	return p
}

// Get returns the progress for an id.
func (r *Registry) Get(id string) (*Progress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[id]
	return p, ok
}

// Cancel requests cooperative cancellation; returns false for unknown ids.
func (r *Registry) Cancel(id string) bool {
	p, ok := r.Get(id)
	if !ok {
		return false
	}
	p.mu.Lock()
	terminal := p.terminal
	cancel := p.cancel
	p.mu.Unlock()
	if terminal != "" {
		return true
	}
	if cancel != nil {
		cancel()
	}
	return true
}

// ActiveCount reports pipelines that have not reached a terminal state.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.pipelines {
		p.mu.Lock()
		if p.terminal == "" {
			n++
		}
		p.mu.Unlock()
	}
	return n
}

// SetPhase moves the pipeline into a phase with zero fraction.
func (p *Progress) SetPhase(phase Phase) {
	p.mu.Lock()
	p.phase = phase
	p.phaseFraction = 0
	p.mu.Unlock()
}

// SetFraction updates progress within the current phase, clamped to [0, 1].
func (p *Progress) SetFraction(f float64) {
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	p.mu.Lock()
	p.phaseFraction = f
	p.mu.Unlock()
}

// Logf appends one formatted line to the ring buffer.
func (p *Progress) Logf(format string, args ...interface{}) {
	line := fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	p.mu.Lock()
	idx := (p.logStart + p.logCount) % logRingSize
	p.logs[idx] = line
	if p.logCount < logRingSize {
		p.logCount++
	} else {
		p.logStart = (p.logStart + 1) % logRingSize
	}
	p.mu.Unlock()
}

// Update applies a counter mutation under the lock.
func (p *Progress) Update(fn func(c *Counters)) {
	p.mu.Lock()
	fn(&p.counters)
	p.mu.Unlock()
}

// Complete marks the pipeline terminal.
func (p *Progress) Complete(status TerminalStatus, failure string) {
	p.mu.Lock()
	if p.terminal == "" {
		p.terminal = status
		p.failure = failure
		if status == StatusCompleted {
			p.phase = PhaseFinalize
			p.phaseFraction = 1
		}
	}
	p.mu.Unlock()
}

// SetSourceID records the source the pipeline writes to.
func (p *Progress) SetSourceID(id string) {
	p.mu.Lock()
	p.SourceID = id
	p.mu.Unlock()
}

// Snapshot renders the current state for pollers.
func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	percent := 0.0
	for _, ph := range phaseOrder {
		w := phaseWeights[ph]
		if ph == p.phase {
			percent += w * p.phaseFraction
			break
		}
		percent += w
	}
	if p.terminal == StatusCompleted {
		percent = 100
	}

	tail := make([]string, 0, p.logCount)
	for i := 0; i < p.logCount; i++ {
		tail = append(tail, p.logs[(p.logStart+i)%logRingSize])
	}

	return Snapshot{
		ProgressID:     p.ID,
		SourceID:       p.SourceID,
		Phase:          p.phase,
		Percent:        percent,
		Counters:       p.counters,
		LogTail:        tail,
		TerminalStatus: p.terminal,
		Failure:        p.failure,
	}
}

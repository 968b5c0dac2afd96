// Package provider is the single point of resolution for chat, embedding,
// and reranker capabilities. Providers are described by a static descriptor
// table; configuration picks a provider per capability and the gateway
// validates the pairing at load time, so unsupported combinations fail at
// startup instead of mid-request.
package provider

import (
	"context"
	"time"

	"github.com/archon-kb/archon/common"
)

// Capability names one of the three provider roles.
type Capability string

const (
	CapEmbed  Capability = "embed"
	CapChat   Capability = "chat"
	CapRerank Capability = "rerank"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions tune a completion call.
type ChatOptions struct {
	MaxTokens   int
	Temperature float64
}

// Completion is a chat result with usage accounting.
type Completion struct {
	Content          string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	EstimatedCost    float64
}

// ScoredDoc is one reranked document.
type ScoredDoc struct {
	Index int
	Score float64
}

// Embedder produces vectors for texts.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
	ProviderID() string
}

// Chatter produces completions.
type Chatter interface {
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (*Completion, error)
}

// Reranker reorders documents by relevance to a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]ScoredDoc, error)
}

// Descriptor declares what a provider can do and how to reach it.
type Descriptor struct {
	ID           string
	Capabilities map[Capability]bool
	RequiresKey  bool
	DefaultBase  string
	// BatchLimit caps one embed_batch call; texts beyond it are split into
	// multiple requests.
	BatchLimit int
}

// descriptors is the provider table. Unknown provider ids are rejected at
// configuration load.
var descriptors = map[string]Descriptor{
	"openai": {
		ID:           "openai",
		Capabilities: map[Capability]bool{CapEmbed: true, CapChat: true},
		RequiresKey:  true,
		DefaultBase:  "https://api.openai.com/v1",
		BatchLimit:   100,
	},
	"azure-openai": {
		ID:           "azure-openai",
		Capabilities: map[Capability]bool{CapEmbed: true, CapChat: true},
		RequiresKey:  true,
		BatchLimit:   100,
	},
	"ollama": {
		ID:           "ollama",
		Capabilities: map[Capability]bool{CapEmbed: true, CapChat: true},
		RequiresKey:  false,
		DefaultBase:  "http://localhost:11434/v1",
		BatchLimit:   32,
	},
	"google": {
		ID:           "google",
		Capabilities: map[Capability]bool{CapEmbed: true, CapChat: true},
		RequiresKey:  true,
		DefaultBase:  "https://generativelanguage.googleapis.com/v1beta/openai",
		BatchLimit:   100,
	},
	"jina": {
		ID:           "jina",
		Capabilities: map[Capability]bool{CapEmbed: true, CapRerank: true},
		RequiresKey:  true,
		DefaultBase:  "https://api.jina.ai/v1",
		BatchLimit:   100,
	},
}

// Lookup returns the descriptor for a provider id.
func Lookup(id string) (Descriptor, error) {
	d, ok := descriptors[id]
	if !ok {
		return Descriptor{}, common.E(common.KindValidation, "unknown provider %q", id)
	}
	return d, nil
}

// Spec is the configured binding of one capability to a provider.
type Spec struct {
	Provider  string
	Model     string
	Dimension int
	BaseURL   string
	APIKey    string
	// FallbackKey is tried when APIKey is empty.
	FallbackKey string
}

// resolve validates a spec against the descriptor table for a capability and
// fills in defaults.
func resolve(spec Spec, cap Capability) (Descriptor, Spec, error) {
	d, err := Lookup(spec.Provider)
	if err != nil {
		return Descriptor{}, spec, err
	}
	if !d.Capabilities[cap] {
		return Descriptor{}, spec, common.E(common.KindValidation,
			"provider %q does not support %s", spec.Provider, cap)
	}
	if spec.APIKey == "" {
		spec.APIKey = spec.FallbackKey
	}
	if spec.APIKey == "" && d.RequiresKey {
		return Descriptor{}, spec, common.E(common.KindValidation,
			"provider %q requires an API key", spec.Provider)
	}
	if spec.BaseURL == "" {
		spec.BaseURL = d.DefaultBase
	}
	if spec.BaseURL == "" {
		return Descriptor{}, spec, common.E(common.KindValidation,
			"provider %q needs an explicit base URL", spec.Provider)
	}
	return d, spec, nil
}

// Gateway holds the resolved capability clients.
type Gateway struct {
	embedder Embedder
	chatter  Chatter
	reranker Reranker
}

// Config selects a provider per capability. Chat and Rerank are optional;
// Embed is mandatory.
type Config struct {
	Embed  Spec
	Chat   *Spec
	Rerank *Spec
	// CallTimeout bounds one provider round trip, retries excluded.
	CallTimeout time.Duration
}

// NewGateway validates the configuration and builds the capability clients.
func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	g := &Gateway{}

	d, spec, err := resolve(cfg.Embed, CapEmbed)
	if err != nil {
		return nil, err
	}
	g.embedder = newOpenAIEmbedder(d, spec, cfg.CallTimeout)

	if cfg.Chat != nil {
		d, spec, err := resolve(*cfg.Chat, CapChat)
		if err != nil {
			return nil, err
		}
		g.chatter = newOpenAIChatter(d, spec, cfg.CallTimeout)
	}

	if cfg.Rerank != nil {
		d, spec, err := resolve(*cfg.Rerank, CapRerank)
		if err != nil {
			return nil, err
		}
		g.reranker = newJinaReranker(d, spec, cfg.CallTimeout)
	}

	return g, nil
}

// Embedder returns the configured embedder.
func (g *Gateway) Embedder() Embedder { return g.embedder }

// Chatter returns the configured chat client, or nil when chat is not
// configured.
func (g *Gateway) Chatter() Chatter { return g.chatter }

// Reranker returns the configured reranker, or nil.
func (g *Gateway) Reranker() Reranker { return g.reranker }

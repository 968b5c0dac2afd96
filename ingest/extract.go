package ingest

import (
	"context"
	"regexp"
	"strings"

	"github.com/archon-kb/archon/provider"
	"github.com/archon-kb/archon/store"
)

// fencedBlock matches ```lang\n...\n``` spans. The info string is optional.
var fencedBlock = regexp.MustCompile("(?s)```([a-zA-Z0-9+#_-]*)\\n(.*?)```")

// minCodeLength filters out trivial fences (prompts, single-line output).
const minCodeLength = 80

// codeSpan is one extracted fenced block.
type codeSpan struct {
	language string
	content  string
}

// extractFences scans markdown for fenced-code blocks worth keeping.
func extractFences(markdown string) []codeSpan {
	var spans []codeSpan
	for _, m := range fencedBlock.FindAllStringSubmatch(markdown, -1) {
		content := strings.TrimSpace(m[2])
		if len(content) < minCodeLength {
			continue
		}
		spans = append(spans, codeSpan{language: strings.ToLower(m[1]), content: content})
	}
	return spans
}

// extractCode runs the code-extraction phase: summarize each fenced block via
// the chat provider, embed code plus summary, and store the example.
// Cancellation is checked every 10 extractions.
func (o *Orchestrator) extractCode(ctx context.Context, prog *Progress, sourceID string, pages []page) error {
	prog.SetPhase(PhaseExtract)

	var spans []codeSpan
	for _, pg := range pages {
		spans = append(spans, extractFences(pg.markdown)...)
	}
	if len(spans) == 0 {
		return nil
	}

	stored := 0
	for i, span := range spans {
		if i%10 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}

		summary := o.summarize(ctx, span)

		if err := o.embedSem.Acquire(ctx, 1); err != nil {
			return err
		}
		vec, err := o.embedder.EmbedOne(ctx, span.content+"\n\n"+summary)
		o.embedSem.Release(1)
		if err != nil {
			return err
		}

		ex := &store.CodeExample{
			SourceID: sourceID,
			Language: span.language,
			Content:  span.content,
			Summary:  summary,
		}
		if err := o.storage.InsertCodeExample(ctx, ex, o.embedder.Model(), o.embedder.Dimension(), vec); err != nil {
			return err
		}
		stored++
		prog.Update(func(c *Counters) { c.CodeExamples = stored })
		prog.SetFraction(float64(i+1) / float64(len(spans)))
	}
	prog.Logf("stored %d code examples", stored)
	return nil
}

// summarize asks the chat provider for a one-sentence summary, falling back
// to the first code line when chat is unconfigured or failing.
func (o *Orchestrator) summarize(ctx context.Context, span codeSpan) string {
	if o.chatter != nil {
		comp, err := o.chatter.Chat(ctx, []provider.Message{
			{Role: "system", Content: "Summarize the given code snippet in one sentence. Name what it does, not how."},
			{Role: "user", Content: span.content},
		}, provider.ChatOptions{MaxTokens: 100})
		if err == nil && strings.TrimSpace(comp.Content) != "" {
			return strings.TrimSpace(comp.Content)
		}
		o.log.WithError(err).Debug("code summary fell back to first line")
	}

	line := span.content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if span.language != "" {
		return span.language + ": " + strings.TrimSpace(line)
	}
	return strings.TrimSpace(line)
}

package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEmpty(t *testing.T) {
	c := New(600, 200)
	assert.Nil(t, c.Split(""))
	assert.Nil(t, c.Split("   \n\t "))
}

func TestSplitShortText(t *testing.T) {
	c := New(600, 200)
	chunks := c.Split("A short paragraph that fits in one chunk.")
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Number)
	assert.NotEmpty(t, chunks[0].ContentHash)
	assert.Greater(t, chunks[0].TokenCount, 0)
}

func TestSplitRespectsMaxSize(t *testing.T) {
	c := New(100, 20)
	text := strings.Repeat("Some sentence here. ", 100)
	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)

	for i, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Content), 100, "chunk %d too large", i)
		assert.Equal(t, i, ch.Number)
	}
}

func TestSplitPrefersParagraphBoundary(t *testing.T) {
	para1 := strings.Repeat("aaaa ", 14) // ~70 chars
	para2 := strings.Repeat("bbbb ", 14)
	text := para1 + "\n\n" + para2

	c := New(100, 10)
	chunks := c.Split(text)
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.NotContains(t, chunks[0].Content, "bbbb")
}

func TestSplitHardCutWithoutWhitespace(t *testing.T) {
	c := New(50, 10)
	text := strings.Repeat("x", 200)
	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Content), 50)
	}
}

func TestSplitMultiByteTextStaysValidUTF8(t *testing.T) {
	c := New(600, 200)
	text := strings.Repeat("知識管理", 400)

	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)
	for i, ch := range chunks {
		assert.True(t, utf8.ValidString(ch.Content), "chunk %d contains invalid UTF-8", i)
		assert.LessOrEqual(t, len(ch.Content), 600)
	}
}

func TestSplitOverlapStartsOnRuneBoundary(t *testing.T) {
	c := New(100, 30)
	text := strings.Repeat("言葉", 200)

	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)
	for i, ch := range chunks {
		assert.True(t, utf8.ValidString(ch.Content), "chunk %d starts or ends mid-rune", i)
	}
}

func TestSplitOverlap(t *testing.T) {
	c := New(100, 30)
	text := strings.Repeat("word ", 100)
	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)

	// Consecutive chunks share the overlap window.
	assert.Less(t, chunks[1].StartPosition, chunks[0].EndPosition)
}

func TestSplitCoversWholeText(t *testing.T) {
	c := New(80, 20)
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 30)
	chunks := c.Split(text)
	require.NotEmpty(t, chunks)

	assert.Equal(t, 0, chunks[0].StartPosition)
	assert.Equal(t, len(strings.TrimSpace(text)), chunks[len(chunks)-1].EndPosition)
}

func TestSplitLLMSText(t *testing.T) {
	input := `# Project

An intro line.

## Docs

- [Guide](https://example.com/guide)

## Examples

- [Sample](https://example.com/sample)
`
	sections := SplitLLMSText(input)
	require.Len(t, sections, 3)
	assert.Equal(t, "Project", sections[0].Title)
	assert.Contains(t, sections[0].Content, "intro line")
	assert.Equal(t, "Docs", sections[1].Title)
	assert.Equal(t, "Examples", sections[2].Title)
	assert.Contains(t, sections[2].Content, "Sample")
}

func TestSplitLLMSTextNoMarkers(t *testing.T) {
	sections := SplitLLMSText("just one blob of text")
	require.Len(t, sections, 1)
	assert.Equal(t, "just one blob of text", sections[0].Content)

	assert.Nil(t, SplitLLMSText("   "))
}

func TestSectionSlug(t *testing.T) {
	assert.Equal(t, "getting-started", SectionSlug("Getting Started"))
	assert.Equal(t, "api-v2", SectionSlug("API (v2)"))
	assert.Equal(t, "section", SectionSlug("!!!"))
}

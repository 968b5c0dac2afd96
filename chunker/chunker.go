// Package chunker splits normalized markdown into ordered, overlapping
// chunks sized for embedding. Boundaries prefer paragraph breaks, then
// sentence ends, then whitespace; a hard character cut is the last resort so
// no chunk ever exceeds the configured maximum.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/archon-kb/archon/common"
)

// Defaults match ingestion; project-document uploads use a larger window.
const (
	DefaultMaxChunkSize = 600
	UploadMaxChunkSize  = 1500
	DefaultOverlap      = 200
)

// Chunk is one output record. Positions are byte offsets into the input.
type Chunk struct {
	Number        int
	Content       string
	StartPosition int
	EndPosition   int
	ContentHash   string
	TokenCount    int
}

// Chunker carries the sizing parameters and the tokenizer used for the
// approximate token counts.
type Chunker struct {
	maxSize int
	overlap int
	enc     *tiktoken.Tiktoken
}

// New builds a chunker. The BPE encoding is resolved once; when it cannot be
// loaded (offline environments) token counts fall back to a chars/4
// approximation.
func New(maxSize, overlap int) *Chunker {
	if maxSize <= 0 {
		maxSize = DefaultMaxChunkSize
	}
	if overlap < 0 || overlap >= maxSize {
		overlap = DefaultOverlap
		if overlap >= maxSize {
			overlap = maxSize / 4
		}
	}

	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		common.Logger.WithError(err).Warn("BPE encoding unavailable, using approximate token counts")
		enc = nil
	}
	return &Chunker{maxSize: maxSize, overlap: overlap, enc: enc}
}

// tokenCount counts BPE tokens, approximating when no encoder is loaded.
func (c *Chunker) tokenCount(text string) int {
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// Split chunks one text. Every chunk is at most maxSize bytes; consecutive
// chunks overlap by roughly the overlap window. Empty or whitespace-only
// input yields no chunks.
func (c *Chunker) Split(text string) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []Chunk
	start := 0
	number := 0

	for start < len(text) {
		end := start + c.maxSize
		if end >= len(text) {
			end = len(text)
		} else {
			end = c.boundary(text, start, end)
		}

		content := strings.TrimSpace(text[start:end])
		if content != "" {
			sum := sha256.Sum256([]byte(content))
			chunks = append(chunks, Chunk{
				Number:        number,
				Content:       content,
				StartPosition: start,
				EndPosition:   end,
				ContentHash:   hex.EncodeToString(sum[:]),
				TokenCount:    c.tokenCount(content),
			})
			number++
		}

		if end >= len(text) {
			break
		}
		next := runeStart(text, end-c.overlap)
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// boundary finds the best cut point in text[start:limit], searching backwards
// from the limit. Paragraph breaks win over sentence ends, sentence ends over
// plain whitespace; when nothing is found in the back half of the window the
// hard limit stands, snapped back to a rune start so multi-byte text never
// gets cut mid-rune.
func (c *Chunker) boundary(text string, start, limit int) int {
	window := text[start:limit]
	floor := len(window) / 2

	if i := strings.LastIndex(window, "\n\n"); i > floor {
		return start + i + 2
	}
	for _, mark := range []string{". ", ".\n", "! ", "? "} {
		if i := strings.LastIndex(window, mark); i > floor {
			return start + i + len(mark)
		}
	}
	if i := strings.LastIndexAny(window, " \t\n"); i > floor {
		return start + i + 1
	}

	cut := runeStart(text, limit)
	if cut <= start {
		_, size := utf8.DecodeRuneInString(text[start:])
		cut = start + size
	}
	return cut
}

// runeStart walks a byte offset back to the nearest rune boundary at or
// before it.
func runeStart(text string, i int) int {
	if i <= 0 {
		return 0
	}
	if i >= len(text) {
		return len(text)
	}
	for i > 0 && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

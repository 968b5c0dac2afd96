package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/archon-kb/archon/db"
)

// Store is the storage adapter. It owns all SQL against the Archon schema;
// callers never see driver errors, only the shared taxonomy via db.MapError.
type Store struct {
	db *db.Postgres
}

// New creates a storage adapter over an open connection pool.
func New(pg *db.Postgres) *Store {
	return &Store{db: pg}
}

// DB exposes the underlying pool wrapper for transactional composition by
// services that span multiple entity files.
func (s *Store) DB() *db.Postgres {
	return s.db
}

// embeddingColumns maps the supported dimensions to their column names; the
// allow-list keeps dimension values out of SQL string interpolation.
var embeddingColumns = map[int]string{
	384:  "embedding_384",
	768:  "embedding_768",
	1024: "embedding_1024",
	1536: "embedding_1536",
	3072: "embedding_3072",
	3584: "embedding_3584",
}

// embeddingColumn resolves the column for a dimension.
func embeddingColumn(dim int) (string, error) {
	col, ok := embeddingColumns[dim]
	if !ok {
		return "", fmt.Errorf("unsupported embedding dimension %d", dim)
	}
	return col, nil
}

// vectorLiteral renders a vector in pgvector's text format for a ::vector
// cast parameter.
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteByte(']')
	return b.String()
}

// dedupeTags returns tags deduplicated and sorted, preserving the invariant
// that a source's tag set has no repeats.
func dedupeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

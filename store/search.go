package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/archon-kb/archon/db"
)

// filterClause renders the candidate filters as SQL against the pages/sources
// join. Private sources are excluded unless the filter pins their project.
func filterClause(filters SearchFilters, args *[]interface{}) string {
	var b strings.Builder

	if filters.SourceID != "" {
		*args = append(*args, filters.SourceID)
		fmt.Fprintf(&b, " AND p.source_id = $%d", len(*args))
	}
	if filters.KnowledgeType != "" {
		*args = append(*args, filters.KnowledgeType)
		fmt.Fprintf(&b, " AND s.knowledge_type = $%d", len(*args))
	}
	for _, tag := range filters.Tags {
		*args = append(*args, tag)
		fmt.Fprintf(&b, " AND $%d = ANY(s.tags)", len(*args))
	}
	if filters.ProjectID != "" {
		*args = append(*args, filters.ProjectID)
		fmt.Fprintf(&b, " AND (s.is_project_private = FALSE OR s.project_id = $%d)", len(*args))
	} else {
		b.WriteString(" AND s.is_project_private = FALSE")
	}
	return b.String()
}

// VectorSearch returns the top-k pages by cosine similarity at the given
// dimension. Scores are cosine similarity in [-1, 1], descending. pgvector's
// <=> operator yields cosine distance, so similarity is 1 - distance.
func (s *Store) VectorSearch(ctx context.Context, dim int, query []float32, k int, filters SearchFilters) ([]VectorHit, error) {
	col, err := embeddingColumn(dim)
	if err != nil {
		return nil, err
	}
	if len(query) != dim {
		return nil, fmt.Errorf("query vector length %d does not match dimension %d", len(query), dim)
	}

	args := []interface{}{vectorLiteral(query), dim}
	where := filterClause(filters, &args)
	args = append(args, k)

	sql := fmt.Sprintf(`
		SELECT p.id, 1 - (e.%s <=> $1::vector) AS score
		FROM page_embeddings e
		JOIN pages p ON p.id = e.page_id
		JOIN sources s ON s.id = p.source_id
		WHERE e.dimension = $2 AND e.%s IS NOT NULL%s
		ORDER BY e.%s <=> $1::vector
		LIMIT $%d
	`, col, col, where, col, len(args))

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, db.MapError(err, "vector search")
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var h VectorHit
		if err := rows.Scan(&h.PageID, &h.Score); err != nil {
			return nil, db.MapError(err, "scan vector hit")
		}
		hits = append(hits, h)
	}
	return hits, db.MapError(rows.Err(), "vector search")
}

// TextSearch returns the top-k pages by trigram similarity rank, descending.
// The rank is opaque and non-negative; callers must not compare it against
// vector scores without normalization.
func (s *Store) TextSearch(ctx context.Context, query string, k int, filters SearchFilters) ([]TextHit, error) {
	args := []interface{}{query}
	where := filterClause(filters, &args)
	args = append(args, k)

	sql := fmt.Sprintf(`
		SELECT p.id, similarity(p.content, $1) AS rank
		FROM pages p
		JOIN sources s ON s.id = p.source_id
		WHERE p.content %% $1%s
		ORDER BY rank DESC
		LIMIT $%d
	`, where, len(args))

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, db.MapError(err, "text search")
	}
	defer rows.Close()

	var hits []TextHit
	for rows.Next() {
		var h TextHit
		if err := rows.Scan(&h.PageID, &h.Rank); err != nil {
			return nil, db.MapError(err, "scan text hit")
		}
		hits = append(hits, h)
	}
	return hits, db.MapError(rows.Err(), "text search")
}

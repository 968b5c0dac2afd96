package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/archon-kb/archon/db"
)

// InsertPages writes a batch of chunks atomically. A duplicate
// (source_id, url, chunk_number) upserts with content replacement; the
// returned inserts have PageID set, and NeedsEmbedding true for rows that are
// new or whose content hash changed. Unchanged rows keep their embeddings.
func (s *Store) InsertPages(ctx context.Context, batch []PageInsert) ([]PageInsert, error) {
	if len(batch) == 0 {
		return batch, nil
	}

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for i := range batch {
			p := &batch[i]

			var prevHash *string
			row := tx.QueryRow(ctx, `
				SELECT content_hash FROM pages
				WHERE source_id = $1 AND url = $2 AND chunk_number = $3
			`, p.SourceID, p.URL, p.ChunkNumber)
			var existing string
			switch err := row.Scan(&existing); err {
			case nil:
				prevHash = &existing
			case pgx.ErrNoRows:
			default:
				return db.MapError(err, "check existing page")
			}

			row = tx.QueryRow(ctx, `
				INSERT INTO pages (source_id, url, chunk_number, content, content_hash, metadata)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (source_id, url, chunk_number) DO UPDATE
				SET content = EXCLUDED.content,
				    content_hash = EXCLUDED.content_hash,
				    metadata = EXCLUDED.metadata,
				    updated_at = now()
				RETURNING id
			`, p.SourceID, p.URL, p.ChunkNumber, p.Content, p.ContentHash, p.Metadata)
			if err := row.Scan(&p.PageID); err != nil {
				return db.MapError(err, "insert page")
			}

			p.NeedsEmbedding = prevHash == nil || *prevHash != p.ContentHash
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// PutEmbedding stores the vector for a page at the given dimension, replacing
// any prior embedding at that dimension. The vector length must equal the
// dimension.
func (s *Store) PutEmbedding(ctx context.Context, pageID, model string, dim int, vec []float32) error {
	if len(vec) != dim {
		return fmt.Errorf("vector length %d does not match dimension %d", len(vec), dim)
	}
	col, err := embeddingColumn(dim)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO page_embeddings (page_id, model, dimension, %s)
		VALUES ($1, $2, $3, $4::vector)
		ON CONFLICT (page_id, dimension) DO UPDATE
		SET model = EXCLUDED.model, %s = EXCLUDED.%s, created_at = now()
	`, col, col, col)

	return db.MapError(s.db.Exec(ctx, query, pageID, model, dim, vectorLiteral(vec)), "put embedding")
}

// GetPages returns the ordered chunks of one page URL within a source.
func (s *Store) GetPages(ctx context.Context, sourceID, url string) ([]*Page, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, source_id, url, chunk_number, content, content_hash, metadata, created_at, updated_at
		FROM pages WHERE source_id = $1 AND url = $2
		ORDER BY chunk_number
	`, sourceID, url)
	if err != nil {
		return nil, db.MapError(err, "get pages")
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		var p Page
		if err := rows.Scan(&p.ID, &p.SourceID, &p.URL, &p.ChunkNumber, &p.Content,
			&p.ContentHash, &p.Metadata, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, db.MapError(err, "scan page")
		}
		pages = append(pages, &p)
	}
	return pages, db.MapError(rows.Err(), "get pages")
}

// GetPageResults loads the return-shape fields for a set of page ids,
// preserving no particular order; the retrieval engine reorders by score.
func (s *Store) GetPageResults(ctx context.Context, ids []string) (map[string]*PageResult, error) {
	if len(ids) == 0 {
		return map[string]*PageResult{}, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, source_id, url, chunk_number, content, metadata
		FROM pages WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, db.MapError(err, "get page results")
	}
	defer rows.Close()

	results := make(map[string]*PageResult, len(ids))
	for rows.Next() {
		var r PageResult
		if err := rows.Scan(&r.PageID, &r.SourceID, &r.URL, &r.ChunkNumber, &r.Content, &r.Metadata); err != nil {
			return nil, db.MapError(err, "scan page result")
		}
		results[r.PageID] = &r
	}
	return results, db.MapError(rows.Err(), "get page results")
}

// InsertCodeExample stores one extracted code example with its embedding.
// Language may be empty when the fence carried no info string.
func (s *Store) InsertCodeExample(ctx context.Context, ex *CodeExample, model string, dim int, vec []float32) error {
	col, err := embeddingColumn(dim)
	if err != nil {
		return err
	}
	if len(vec) != dim {
		return fmt.Errorf("vector length %d does not match dimension %d", len(vec), dim)
	}

	query := fmt.Sprintf(`
		INSERT INTO code_examples (source_id, language, content, summary, model, dimension, %s)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7::vector)
		RETURNING id, created_at
	`, col)

	row := s.db.QueryRow(ctx, query, ex.SourceID, ex.Language, ex.Content, ex.Summary, model, dim, vectorLiteral(vec))
	if err := row.Scan(&ex.ID, &ex.CreatedAt); err != nil {
		return db.MapError(err, "insert code example")
	}
	return nil
}

// CountCodeExamples reports how many code examples a source carries.
func (s *Store) CountCodeExamples(ctx context.Context, sourceID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM code_examples WHERE source_id = $1`, sourceID).Scan(&n)
	return n, db.MapError(err, "count code examples")
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/db"
)

const sourceColumns = `id, display_name, COALESCE(origin_url, ''), COALESCE(file_ref, ''),
	knowledge_type, tags, extract_code_examples, project_id, is_project_private,
	promoted_at, promoted_by, page_count, word_count, created_at, updated_at`

func scanSource(row pgx.Row) (*Source, error) {
	var src Source
	err := row.Scan(&src.ID, &src.DisplayName, &src.OriginURL, &src.FileRef,
		&src.KnowledgeType, &src.Tags, &src.ExtractCodeExamples, &src.ProjectID,
		&src.IsProjectPrivate, &src.PromotedAt, &src.PromotedBy,
		&src.PageCount, &src.WordCount, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// GetSource fetches a source by id.
func (s *Store) GetSource(ctx context.Context, id string) (*Source, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if err != nil {
		return nil, db.MapError(err, "get source")
	}
	return src, nil
}

// ListSources returns sources matching the filter, privacy filter applied
// before pagination.
func (s *Store) ListSources(ctx context.Context, filter SourceFilter) ([]*Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE 1=1`
	var args []interface{}

	if filter.KnowledgeType != "" {
		args = append(args, filter.KnowledgeType)
		query += fmt.Sprintf(" AND knowledge_type = $%d", len(args))
	}
	if filter.Tag != "" {
		args = append(args, filter.Tag)
		query += fmt.Sprintf(" AND $%d = ANY(tags)", len(args))
	}
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		query += fmt.Sprintf(" AND project_id = $%d", len(args))
	}
	if !filter.IncludePrivate {
		query += " AND is_project_private = FALSE"
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, db.MapError(err, "list sources")
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, db.MapError(err, "scan source")
		}
		sources = append(sources, src)
	}
	return sources, db.MapError(rows.Err(), "list sources")
}

// PutSource inserts or updates a source. Tags are deduplicated before the
// write; the database enforces the privacy invariants.
func (s *Store) PutSource(ctx context.Context, src *Source) error {
	src.Tags = dedupeTags(src.Tags)

	if src.ID == "" {
		row := s.db.QueryRow(ctx, `
			INSERT INTO sources (display_name, origin_url, file_ref, knowledge_type, tags,
				extract_code_examples, project_id, is_project_private)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8)
			RETURNING id, created_at, updated_at
		`, src.DisplayName, src.OriginURL, src.FileRef, src.KnowledgeType, src.Tags,
			src.ExtractCodeExamples, src.ProjectID, src.IsProjectPrivate)
		if err := row.Scan(&src.ID, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return db.MapError(err, "insert source")
		}
		return nil
	}

	err := s.db.Exec(ctx, `
		UPDATE sources SET display_name = $2, knowledge_type = $3, tags = $4,
			extract_code_examples = $5, is_project_private = $6, updated_at = now()
		WHERE id = $1
	`, src.ID, src.DisplayName, src.KnowledgeType, src.Tags,
		src.ExtractCodeExamples, src.IsProjectPrivate)
	return db.MapError(err, "update source")
}

// DeleteSource removes a source; pages, embeddings, code examples cascade via
// foreign keys and knowledge links referencing it are removed explicitly.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM sources WHERE id = $1`, id)
		if err != nil {
			return db.MapError(err, "delete source")
		}
		if tag.RowsAffected() == 0 {
			return common.E(common.KindNotFound, "source %s not found", id)
		}
		_, err = tx.Exec(ctx, `
			DELETE FROM knowledge_links WHERE item_type = 'source' AND item_id = $1
		`, id)
		return db.MapError(err, "delete source links")
	})
}

// UpdateSourceCounters refreshes the aggregate counters written by the
// finalize phase of ingestion.
func (s *Store) UpdateSourceCounters(ctx context.Context, id string, pageCount int, wordCount int64) error {
	err := s.db.Exec(ctx, `
		UPDATE sources SET page_count = $2, word_count = $3, updated_at = now() WHERE id = $1
	`, id, pageCount, wordCount)
	return db.MapError(err, "update source counters")
}

// PromoteSource moves a project-private source into the global knowledge
// base. A source that is already global fails with already_global and leaves
// state untouched; promotion is idempotent only through that safeguard.
func (s *Store) PromoteSource(ctx context.Context, id, promotedBy string) (*Source, error) {
	var promoted *Source
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT is_project_private FROM sources WHERE id = $1 FOR UPDATE`, id)
		var private bool
		if err := row.Scan(&private); err != nil {
			return db.MapError(err, "promote source")
		}
		if !private {
			return common.E(common.KindAlreadyGlobal, "source %s is already global", id)
		}

		row = tx.QueryRow(ctx, `
			UPDATE sources
			SET is_project_private = FALSE, promoted_at = $2, promoted_by = $3, updated_at = now()
			WHERE id = $1
			RETURNING `+sourceColumns, id, time.Now().UTC(), promotedBy)
		src, err := scanSource(row)
		if err != nil {
			return db.MapError(err, "promote source")
		}
		promoted = src
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// MarkSourcePrivate flips a source to project-private during finalize when
// the ingest request kept it out of the global knowledge base.
func (s *Store) MarkSourcePrivate(ctx context.Context, id string, private bool) error {
	err := s.db.Exec(ctx, `
		UPDATE sources SET is_project_private = $2, updated_at = now() WHERE id = $1
	`, id, private)
	return db.MapError(err, "mark source private")
}

// FindSourceByOrigin locates an existing source for the same origin URL so a
// retried crawl upserts instead of duplicating.
func (s *Store) FindSourceByOrigin(ctx context.Context, originURL string) (*Source, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE origin_url = $1`, originURL)
	src, err := scanSource(row)
	if err != nil {
		return nil, db.MapError(err, "find source by origin")
	}
	return src, nil
}

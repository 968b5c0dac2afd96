package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/db"
)

const linkColumns = `id, entity_type, entity_id, item_type, item_id, relevance, created_at`

func scanLink(row pgx.Row) (*KnowledgeLink, error) {
	var l KnowledgeLink
	err := row.Scan(&l.ID, &l.EntityType, &l.EntityID, &l.ItemType, &l.ItemID, &l.Relevance, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateLink associates a work entity with a knowledge item. Duplicate links
// surface as conflict through the unique constraint.
func (s *Store) CreateLink(ctx context.Context, l *KnowledgeLink) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO knowledge_links (entity_type, entity_id, item_type, item_id, relevance)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, l.EntityType, l.EntityID, l.ItemType, l.ItemID, l.Relevance)
	return db.MapError(row.Scan(&l.ID, &l.CreatedAt), "create knowledge link")
}

// ListLinksForEntity returns a work entity's knowledge links.
func (s *Store) ListLinksForEntity(ctx context.Context, entityType LinkEntity, entityID string) ([]*KnowledgeLink, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+linkColumns+` FROM knowledge_links
		WHERE entity_type = $1 AND entity_id = $2 ORDER BY created_at
	`, entityType, entityID)
	if err != nil {
		return nil, db.MapError(err, "list knowledge links")
	}
	defer rows.Close()

	var links []*KnowledgeLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, db.MapError(err, "scan knowledge link")
		}
		links = append(links, l)
	}
	return links, db.MapError(rows.Err(), "list knowledge links")
}

// ListLinksForItem returns the work entities linked to a knowledge item, used
// when a deletion needs to clean up the reverse direction.
func (s *Store) ListLinksForItem(ctx context.Context, itemType LinkItem, itemID string) ([]*KnowledgeLink, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+linkColumns+` FROM knowledge_links
		WHERE item_type = $1 AND item_id = $2 ORDER BY created_at
	`, itemType, itemID)
	if err != nil {
		return nil, db.MapError(err, "list knowledge links")
	}
	defer rows.Close()

	var links []*KnowledgeLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, db.MapError(err, "scan knowledge link")
		}
		links = append(links, l)
	}
	return links, db.MapError(rows.Err(), "list knowledge links")
}

// DeleteLink removes one link by id.
func (s *Store) DeleteLink(ctx context.Context, id string) error {
	tag, err := s.db.Pool().Exec(ctx, `DELETE FROM knowledge_links WHERE id = $1`, id)
	if err != nil {
		return db.MapError(err, "delete knowledge link")
	}
	if tag.RowsAffected() == 0 {
		return common.E(common.KindNotFound, "knowledge link %s not found", id)
	}
	return nil
}

// DeleteLinksForEntity removes all links of a work entity, called when the
// entity is archived or deleted.
func (s *Store) DeleteLinksForEntity(ctx context.Context, entityType LinkEntity, entityID string) error {
	err := s.db.Exec(ctx, `
		DELETE FROM knowledge_links WHERE entity_type = $1 AND entity_id = $2
	`, entityType, entityID)
	return db.MapError(err, "delete knowledge links")
}

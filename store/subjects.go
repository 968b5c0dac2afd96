package store

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/db"
)

const subjectColumns = `id, email, display_name, COALESCE(password_hash, ''), role, active, created_at`

func scanSubject(row pgx.Row) (*Subject, error) {
	var sub Subject
	err := row.Scan(&sub.ID, &sub.Email, &sub.DisplayName, &sub.PasswordHash,
		&sub.Role, &sub.Active, &sub.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetSubject fetches a subject by id.
func (s *Store) GetSubject(ctx context.Context, id string) (*Subject, error) {
	row := s.db.QueryRow(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE id = $1`, id)
	sub, err := scanSubject(row)
	if err != nil {
		return nil, db.MapError(err, "get subject")
	}
	return sub, nil
}

// GetSubjectByEmail fetches a subject by email, case-insensitively.
func (s *Store) GetSubjectByEmail(ctx context.Context, email string) (*Subject, error) {
	row := s.db.QueryRow(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE lower(email) = lower($1)`, email)
	sub, err := scanSubject(row)
	if err != nil {
		return nil, db.MapError(err, "get subject by email")
	}
	return sub, nil
}

// ListSubjects returns all subjects ordered by creation time.
func (s *Store) ListSubjects(ctx context.Context) ([]*Subject, error) {
	rows, err := s.db.Query(ctx, `SELECT `+subjectColumns+` FROM subjects ORDER BY created_at`)
	if err != nil {
		return nil, db.MapError(err, "list subjects")
	}
	defer rows.Close()

	var subjects []*Subject
	for rows.Next() {
		sub, err := scanSubject(rows)
		if err != nil {
			return nil, db.MapError(err, "scan subject")
		}
		subjects = append(subjects, sub)
	}
	return subjects, db.MapError(rows.Err(), "list subjects")
}

// CreateSubject inserts a subject. Duplicate emails surface as conflict.
func (s *Store) CreateSubject(ctx context.Context, sub *Subject) error {
	var email *string
	if sub.Email != nil {
		e := strings.ToLower(strings.TrimSpace(*sub.Email))
		email = &e
		sub.Email = &e
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO subjects (email, display_name, password_hash, role, active)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		RETURNING id, created_at
	`, email, sub.DisplayName, sub.PasswordHash, sub.Role, sub.Active)
	return db.MapError(row.Scan(&sub.ID, &sub.CreatedAt), "create subject")
}

// UpdateSubject applies role, display name, and active flag.
func (s *Store) UpdateSubject(ctx context.Context, sub *Subject) error {
	err := s.db.Exec(ctx, `
		UPDATE subjects SET display_name = $2, role = $3, active = $4 WHERE id = $1
	`, sub.ID, sub.DisplayName, sub.Role, sub.Active)
	return db.MapError(err, "update subject")
}

// SetPasswordHash rotates a subject's password hash.
func (s *Store) SetPasswordHash(ctx context.Context, id, hash string) error {
	err := s.db.Exec(ctx, `UPDATE subjects SET password_hash = $2 WHERE id = $1`, id, hash)
	return db.MapError(err, "set password hash")
}

// ListGrants returns the grants matching any of the given subject-or-role
// keys. The permission checker passes the subject id plus its role.
func (s *Store) ListGrants(ctx context.Context, keys []string) ([]*Grant, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, subject_or_role, resource_type, action, scope
		FROM permission_grants WHERE subject_or_role = ANY($1)
	`, keys)
	if err != nil {
		return nil, db.MapError(err, "list grants")
	}
	defer rows.Close()

	var grants []*Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.ID, &g.SubjectOrRole, &g.ResourceType, &g.Action, &g.Scope); err != nil {
			return nil, db.MapError(err, "scan grant")
		}
		grants = append(grants, &g)
	}
	return grants, db.MapError(rows.Err(), "list grants")
}

// AddGrant inserts a permission grant; the unique constraint makes repeats a
// conflict.
func (s *Store) AddGrant(ctx context.Context, g *Grant) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO permission_grants (subject_or_role, resource_type, action, scope)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, g.SubjectOrRole, g.ResourceType, g.Action, g.Scope)
	return db.MapError(row.Scan(&g.ID), "add grant")
}

// RemoveGrant deletes a grant by id.
func (s *Store) RemoveGrant(ctx context.Context, id string) error {
	err := s.db.Exec(ctx, `DELETE FROM permission_grants WHERE id = $1`, id)
	return db.MapError(err, "remove grant")
}

const invitationColumns = `id, org_id, email, role, token_hash, status, expires_at, created_at`

func scanInvitation(row pgx.Row) (*Invitation, error) {
	var inv Invitation
	err := row.Scan(&inv.ID, &inv.OrgID, &inv.Email, &inv.Role, &inv.TokenHash,
		&inv.Status, &inv.ExpiresAt, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// CreateInvitation inserts a pending invitation. The partial unique index
// makes a second pending invitation for the same org and email a conflict.
func (s *Store) CreateInvitation(ctx context.Context, inv *Invitation) error {
	inv.Email = strings.ToLower(strings.TrimSpace(inv.Email))
	row := s.db.QueryRow(ctx, `
		INSERT INTO invitations (org_id, email, role, token_hash, status, expires_at)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		RETURNING id, status, created_at
	`, inv.OrgID, inv.Email, inv.Role, inv.TokenHash, inv.ExpiresAt)
	return db.MapError(row.Scan(&inv.ID, &inv.Status, &inv.CreatedAt), "create invitation")
}

// ListInvitations returns an organization's invitations newest first.
func (s *Store) ListInvitations(ctx context.Context, orgID string) ([]*Invitation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+invitationColumns+` FROM invitations WHERE org_id = $1 ORDER BY created_at DESC
	`, orgID)
	if err != nil {
		return nil, db.MapError(err, "list invitations")
	}
	defer rows.Close()

	var invs []*Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, db.MapError(err, "scan invitation")
		}
		invs = append(invs, inv)
	}
	return invs, db.MapError(rows.Err(), "list invitations")
}

// AcceptInvitation consumes a pending invitation by token hash, marking
// expired invitations lazily as it encounters them.
func (s *Store) AcceptInvitation(ctx context.Context, tokenHash string, now time.Time) (*Invitation, error) {
	var accepted *Invitation
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+invitationColumns+` FROM invitations WHERE token_hash = $1 FOR UPDATE
		`, tokenHash)
		inv, err := scanInvitation(row)
		if err != nil {
			return db.MapError(err, "accept invitation")
		}
		if inv.Status != InvitationPending {
			return common.E(common.KindConflict, "invitation is %s", inv.Status)
		}
		if now.After(inv.ExpiresAt) {
			_, err := tx.Exec(ctx, `UPDATE invitations SET status = 'expired' WHERE id = $1`, inv.ID)
			if err != nil {
				return db.MapError(err, "expire invitation")
			}
			return common.E(common.KindTokenExpired, "invitation expired at %s", inv.ExpiresAt.Format(time.RFC3339))
		}
		if _, err := tx.Exec(ctx, `UPDATE invitations SET status = 'accepted' WHERE id = $1`, inv.ID); err != nil {
			return db.MapError(err, "accept invitation")
		}
		inv.Status = InvitationAccepted
		accepted = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accepted, nil
}

// RevokeInvitation cancels a pending invitation.
func (s *Store) RevokeInvitation(ctx context.Context, id string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT status FROM invitations WHERE id = $1 FOR UPDATE`, id)
		var status InvitationStatus
		if err := row.Scan(&status); err != nil {
			return db.MapError(err, "revoke invitation")
		}
		if status != InvitationPending {
			return common.E(common.KindConflict, "invitation is %s and cannot be revoked", status)
		}
		_, err := tx.Exec(ctx, `UPDATE invitations SET status = 'revoked' WHERE id = $1`, id)
		return db.MapError(err, "revoke invitation")
	})
}

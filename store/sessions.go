package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/db"
)

const sessionColumns = `id, client_type, COALESCE(client_version, ''), status, disconnect_reason,
	connected_at, last_activity_at, disconnected_at, reconnect_token_hash, reconnect_expires_at,
	reconnect_count, user_id, user_email, user_display_name`

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.ClientType, &sess.ClientVersion, &sess.Status,
		&sess.DisconnectReason, &sess.ConnectedAt, &sess.LastActivityAt, &sess.DisconnectedAt,
		&sess.ReconnectTokenHash, &sess.ReconnectExpiresAt, &sess.ReconnectCount,
		&sess.UserID, &sess.UserEmail, &sess.UserDisplayName)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// CreateSession registers a new active session.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO sessions (id, client_type, client_version, status, user_id, user_email, user_display_name)
		VALUES ($1, $2, NULLIF($3, ''), 'active', $4, $5, $6)
		RETURNING connected_at, last_activity_at
	`, sess.ID, sess.ClientType, sess.ClientVersion, sess.UserID, sess.UserEmail, sess.UserDisplayName)
	if err := row.Scan(&sess.ConnectedAt, &sess.LastActivityAt); err != nil {
		return db.MapError(err, "create session")
	}
	sess.Status = SessionActive
	return nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, db.MapError(err, "get session")
	}
	return sess, nil
}

// ListSessions returns sessions, optionally restricted to one status, most
// recently active first.
func (s *Store) ListSessions(ctx context.Context, status SessionStatus, limit int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []interface{}
	if status != "" {
		args = append(args, status)
		query += ` WHERE status = $1`
	}
	query += ` ORDER BY last_activity_at DESC`
	if limit > 0 {
		args = append(args, limit)
		if len(args) == 1 {
			query += ` LIMIT $1`
		} else {
			query += ` LIMIT $2`
		}
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, db.MapError(err, "list sessions")
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, db.MapError(err, "scan session")
		}
		sessions = append(sessions, sess)
	}
	return sessions, db.MapError(rows.Err(), "list sessions")
}

// TouchSession advances last_activity_at for an active session.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	err := s.db.Exec(ctx, `
		UPDATE sessions SET last_activity_at = now() WHERE id = $1 AND status = 'active'
	`, id)
	return db.MapError(err, "touch session")
}

// DisconnectSession transitions active -> disconnected with a reason.
// Disconnecting an already disconnected session fails with
// session_already_disconnected.
func (s *Store) DisconnectSession(ctx context.Context, id, reason string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, id)
		var status SessionStatus
		if err := row.Scan(&status); err != nil {
			return db.MapError(err, "disconnect session")
		}
		if status == SessionDisconnected {
			return common.E(common.KindSessionAlreadyDisconnected, "session %s is already disconnected", id)
		}
		_, err := tx.Exec(ctx, `
			UPDATE sessions SET status = 'disconnected', disconnect_reason = $2, disconnected_at = now()
			WHERE id = $1
		`, id, reason)
		return db.MapError(err, "disconnect session")
	})
}

// ReapIdleSessions disconnects active sessions whose last activity is older
// than the cutoff and returns how many were reaped.
func (s *Store) ReapIdleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE sessions SET status = 'disconnected', disconnect_reason = 'idle_timeout', disconnected_at = now()
		WHERE status = 'active' AND last_activity_at < $1
	`, cutoff)
	if err != nil {
		return 0, db.MapError(err, "reap idle sessions")
	}
	return int(tag.RowsAffected()), nil
}

// SetReconnectToken stores the hash and expiry of a freshly issued reconnect
// token.
func (s *Store) SetReconnectToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	err := s.db.Exec(ctx, `
		UPDATE sessions SET reconnect_token_hash = $2, reconnect_expires_at = $3 WHERE id = $1
	`, id, tokenHash, expiresAt)
	return db.MapError(err, "set reconnect token")
}

// Reconnect reactivates a disconnected session after token verification. The
// token hash stays in place so the same token serves repeated reconnects
// until it expires.
func (s *Store) Reconnect(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE sessions
		SET status = 'active', disconnect_reason = NULL, disconnected_at = NULL,
		    last_activity_at = now(), reconnect_count = reconnect_count + 1
		WHERE id = $1
		RETURNING `+sessionColumns, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, db.MapError(err, "reconnect session")
	}
	return sess, nil
}

// RecordRequest inserts one tracked tool invocation. Replays of the same
// request id are absorbed so retried deliveries never double-count usage.
func (s *Store) RecordRequest(ctx context.Context, r *Request) error {
	err := s.db.Exec(ctx, `
		INSERT INTO requests (id, session_id, method, tool_name, status, duration_ms,
			prompt_tokens, completion_tokens, total_tokens, estimated_cost, error_message)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, NULLIF($11, ''))
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.SessionID, r.Method, r.ToolName, r.Status, r.DurationMS,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.EstimatedCost, r.ErrorMessage)
	return db.MapError(err, "record request")
}

// ListSessionRequests returns one session's tracked invocations, newest
// first.
func (s *Store) ListSessionRequests(ctx context.Context, sessionID string, limit int) ([]*Request, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, method, COALESCE(tool_name, ''), status, duration_ms,
			prompt_tokens, completion_tokens, total_tokens, estimated_cost,
			COALESCE(error_message, ''), created_at
		FROM requests WHERE session_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, db.MapError(err, "list session requests")
	}
	defer rows.Close()

	var reqs []*Request
	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Method, &r.ToolName, &r.Status,
			&r.DurationMS, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.EstimatedCost, &r.ErrorMessage, &r.CreatedAt); err != nil {
			return nil, db.MapError(err, "scan request")
		}
		reqs = append(reqs, &r)
	}
	return reqs, db.MapError(rows.Err(), "list session requests")
}

// ListRequestErrors returns recent failed invocations, newest first.
func (s *Store) ListRequestErrors(ctx context.Context, limit int) ([]*Request, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, method, COALESCE(tool_name, ''), status, duration_ms,
			prompt_tokens, completion_tokens, total_tokens, estimated_cost,
			COALESCE(error_message, ''), created_at
		FROM requests WHERE status IN ('error', 'timeout')
		ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, db.MapError(err, "list request errors")
	}
	defer rows.Close()

	var reqs []*Request
	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Method, &r.ToolName, &r.Status,
			&r.DurationMS, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.EstimatedCost, &r.ErrorMessage, &r.CreatedAt); err != nil {
			return nil, db.MapError(err, "scan request")
		}
		reqs = append(reqs, &r)
	}
	return reqs, db.MapError(rows.Err(), "list request errors")
}

// UserUsage aggregates one user's tracked requests.
type UserUsage struct {
	UserID        string  `json:"user_id"`
	SessionCount  int     `json:"session_count"`
	RequestCount  int     `json:"request_count"`
	TotalTokens   int64   `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
	ErrorCount    int     `json:"error_count"`
}

// UserUsageStats aggregates request usage per user over the given window.
func (s *Store) UserUsageStats(ctx context.Context, since time.Time) ([]*UserUsage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT s.user_id,
			COUNT(DISTINCT s.id),
			COUNT(r.id),
			COALESCE(SUM(r.total_tokens), 0),
			COALESCE(SUM(r.estimated_cost), 0),
			COUNT(r.id) FILTER (WHERE r.status <> 'success')
		FROM sessions s
		LEFT JOIN requests r ON r.session_id = s.id AND r.created_at >= $1
		WHERE s.user_id IS NOT NULL
		GROUP BY s.user_id
		ORDER BY SUM(r.estimated_cost) DESC NULLS LAST
	`, since)
	if err != nil {
		return nil, db.MapError(err, "user usage stats")
	}
	defer rows.Close()

	var stats []*UserUsage
	for rows.Next() {
		var u UserUsage
		if err := rows.Scan(&u.UserID, &u.SessionCount, &u.RequestCount, &u.TotalTokens,
			&u.EstimatedCost, &u.ErrorCount); err != nil {
			return nil, db.MapError(err, "scan user usage")
		}
		stats = append(stats, &u)
	}
	return stats, db.MapError(rows.Err(), "user usage stats")
}

// SessionHealth buckets active sessions by idle time.
type SessionHealth struct {
	Active       int `json:"active"`
	IdleUnder5m  int `json:"idle_under_5m"`
	Idle5to10m   int `json:"idle_5_to_10m"`
	IdleOver10m  int `json:"idle_over_10m"`
	Disconnected int `json:"disconnected"`
}

// SessionHealthStats computes the idle-time buckets in one scan.
func (s *Store) SessionHealthStats(ctx context.Context) (*SessionHealth, error) {
	row := s.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status = 'active' AND now() - last_activity_at < interval '5 minutes'),
			COUNT(*) FILTER (WHERE status = 'active' AND now() - last_activity_at >= interval '5 minutes'
				AND now() - last_activity_at < interval '10 minutes'),
			COUNT(*) FILTER (WHERE status = 'active' AND now() - last_activity_at >= interval '10 minutes'),
			COUNT(*) FILTER (WHERE status = 'disconnected')
		FROM sessions
	`)
	var h SessionHealth
	if err := row.Scan(&h.Active, &h.IdleUnder5m, &h.Idle5to10m, &h.IdleOver10m, &h.Disconnected); err != nil {
		return nil, db.MapError(err, "session health stats")
	}
	return &h, nil
}

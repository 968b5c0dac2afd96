// Package mcp exposes the knowledge base and work management to AI coding
// assistants over the Model Context Protocol. Sessions are created lazily on
// the first tool call, every invocation is tracked with token usage and cost,
// and disconnected sessions can be recovered with short-lived reconnect
// tokens.
package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/archon-kb/archon/auth"
	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/store"
)

const (
	// DefaultIdleThreshold is how long a session may sit without activity
	// before the reaper disconnects it.
	DefaultIdleThreshold = 5 * time.Minute

	// DefaultReapInterval is how often the reaper wakes.
	DefaultReapInterval = 30 * time.Second

	// DefaultTokenValidity is the reconnect token lifetime.
	DefaultTokenValidity = 15 * time.Minute
)

// knownClients maps declared client names to the canonical client_type. The
// match is a case-insensitive substring test so "cursor-vscode 0.42" still
// resolves.
var knownClients = []string{
	"Claude Code",
	"Cursor",
	"Windsurf",
	"Cline",
	"Kiro",
	"Augment",
	"Gemini",
}

// UnknownClient is recorded when the declared client_info matches nothing.
const UnknownClient = "unknown-client"

// DeriveClientType resolves a declared client name to a canonical type.
func DeriveClientType(name string) string {
	lower := strings.ToLower(name)
	for _, known := range knownClients {
		if strings.Contains(lower, strings.ToLower(known)) {
			return known
		}
	}
	return UnknownClient
}

// SessionStore is the slice of the storage adapter the manager uses.
type SessionStore interface {
	CreateSession(ctx context.Context, sess *store.Session) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	ListSessions(ctx context.Context, status store.SessionStatus, limit int) ([]*store.Session, error)
	TouchSession(ctx context.Context, id string) error
	DisconnectSession(ctx context.Context, id, reason string) error
	ReapIdleSessions(ctx context.Context, cutoff time.Time) (int, error)
	SetReconnectToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error
	Reconnect(ctx context.Context, id string) (*store.Session, error)
	RecordRequest(ctx context.Context, r *store.Request) error
	ListSessionRequests(ctx context.Context, sessionID string, limit int) ([]*store.Request, error)
	ListRequestErrors(ctx context.Context, limit int) ([]*store.Request, error)
	UserUsageStats(ctx context.Context, since time.Time) ([]*store.UserUsage, error)
	SessionHealthStats(ctx context.Context) (*store.SessionHealth, error)
}

// ClientInfo is the client identity declared during MCP initialization.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ManagerOptions tune the session manager.
type ManagerOptions struct {
	IdleThreshold time.Duration
	ReapInterval  time.Duration
	TokenValidity time.Duration
}

func (o *ManagerOptions) defaults() {
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = DefaultIdleThreshold
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = DefaultReapInterval
	}
	if o.TokenValidity <= 0 {
		o.TokenValidity = DefaultTokenValidity
	}
}

// Manager owns the session lifecycle and request tracking.
type Manager struct {
	store  SessionStore
	tokens *auth.TokenService
	opts   ManagerOptions
	log    *logrus.Entry
}

// NewManager creates the session manager.
func NewManager(st SessionStore, tokens *auth.TokenService, opts ManagerOptions) *Manager {
	opts.defaults()
	return &Manager{
		store:  st,
		tokens: tokens,
		opts:   opts,
		log:    common.Logger.WithField("component", "mcp"),
	}
}

// Ensure resolves the session for a tool call, creating one lazily when the
// caller carries no usable session id. A disconnected session is not revived
// here; the caller gets a fresh id instead.
func (m *Manager) Ensure(ctx context.Context, sessionID string, info ClientInfo, subject *store.Subject) (*store.Session, error) {
	if sessionID != "" {
		sess, err := m.store.GetSession(ctx, sessionID)
		switch {
		case err == nil && sess.Status == store.SessionActive:
			if err := m.store.TouchSession(ctx, sessionID); err != nil {
				m.log.WithError(err).Warn("touch session failed")
			}
			return sess, nil
		case err == nil:
			m.log.WithField("session_id", sessionID).Info("stale session id, creating replacement")
		case !common.IsKind(err, common.KindNotFound):
			return nil, err
		}
	}

	sess := &store.Session{
		ID:            uuid.NewString(),
		ClientType:    DeriveClientType(info.Name),
		ClientVersion: info.Version,
	}
	if subject != nil {
		sess.UserID = &subject.ID
		sess.UserEmail = subject.Email
		sess.UserDisplayName = &subject.DisplayName
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{
		"session_id":  sess.ID,
		"client_type": sess.ClientType,
	}).Info("session created")
	return sess, nil
}

// Usage carries the provider accounting of one tool call.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	EstimatedCost    float64
}

// Track wraps one tool invocation: it runs fn, then records a request row
// with duration, token counts, and cost. Tracking failures are logged and
// never fail the tool call itself.
func (m *Manager) Track(ctx context.Context, sessionID, method, toolName string, fn func(ctx context.Context) (interface{}, Usage, error)) (interface{}, error) {
	started := time.Now()
	result, usage, err := fn(ctx)
	duration := time.Since(started)

	req := &store.Request{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		Method:           method,
		ToolName:         toolName,
		Status:           store.RequestSuccess,
		DurationMS:       duration.Milliseconds(),
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.PromptTokens + usage.CompletionTokens,
		EstimatedCost:    usage.EstimatedCost,
	}
	if err != nil {
		req.Status = store.RequestError
		if errors.Is(err, context.DeadlineExceeded) || common.IsKind(err, common.KindProviderTimeout) {
			req.Status = store.RequestTimeout
		}
		req.ErrorMessage = err.Error()
	}

	// Record with a detached context so a cancelled tool call still leaves
	// its tracking row.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if recErr := m.store.RecordRequest(recordCtx, req); recErr != nil {
		m.log.WithError(recErr).WithField("session_id", sessionID).Warn("request tracking failed")
	}

	return result, err
}

// IssueReconnectToken creates a reconnect token for a session and stores its
// hash. Reissuing replaces the previous token.
func (m *Manager) IssueReconnectToken(ctx context.Context, sessionID string) (token string, expiresAt time.Time, err error) {
	if _, err = m.store.GetSession(ctx, sessionID); err != nil {
		return "", time.Time{}, err
	}
	token, err = m.tokens.GenerateReconnectToken(sessionID, m.opts.TokenValidity)
	if err != nil {
		return "", time.Time{}, common.Wrap(common.KindInternal, err, "issue reconnect token")
	}
	expiresAt = time.Now().Add(m.opts.TokenValidity)
	if err = m.store.SetReconnectToken(ctx, sessionID, hashToken(token), expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// permanentDisconnects are disconnect reasons that block reconnection.
var permanentDisconnects = map[string]bool{"revoked": true, "replaced": true}

// Reconnect validates a reconnect token and reactivates the session. The
// same token serves repeated reconnects until expiry.
func (m *Manager) Reconnect(ctx context.Context, sessionID, token string) (*store.Session, error) {
	claims, err := m.tokens.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != auth.PurposeReconnect {
		return nil, common.E(common.KindInvalidToken, "not a reconnect token")
	}
	if claims.SessionID != sessionID {
		return nil, common.E(common.KindSessionIDMismatch, "token was issued for a different session")
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.ReconnectTokenHash == nil || *sess.ReconnectTokenHash != hashToken(token) {
		return nil, common.E(common.KindInvalidToken, "token does not match the session's active reconnect token")
	}
	if sess.Status == store.SessionDisconnected && sess.DisconnectReason != nil && permanentDisconnects[*sess.DisconnectReason] {
		return nil, common.E(common.KindSessionAlreadyDisconnected, "session %s was %s", sessionID, *sess.DisconnectReason)
	}

	return m.store.Reconnect(ctx, sessionID)
}

// Disconnect closes a session explicitly.
func (m *Manager) Disconnect(ctx context.Context, sessionID, reason string) error {
	return m.store.DisconnectSession(ctx, sessionID, reason)
}

// RunReaper disconnects idle sessions until ctx is done. Intended to run as
// a background goroutine.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.ReapIdleSessions(ctx, time.Now().Add(-m.opts.IdleThreshold))
			if err != nil {
				m.log.WithError(err).Warn("session reaper sweep failed")
				continue
			}
			if n > 0 {
				m.log.WithField("reaped", n).Info("disconnected idle sessions")
			}
		}
	}
}

// ActiveSessions lists currently active sessions.
func (m *Manager) ActiveSessions(ctx context.Context, limit int) ([]*store.Session, error) {
	return m.store.ListSessions(ctx, store.SessionActive, limit)
}

// Sessions lists sessions of any status.
func (m *Manager) Sessions(ctx context.Context, limit int) ([]*store.Session, error) {
	return m.store.ListSessions(ctx, "", limit)
}

// SessionDetail is a session with its recent request history.
type SessionDetail struct {
	Session  *store.Session   `json:"session"`
	Requests []*store.Request `json:"requests"`
}

// SessionDetails loads one session with its request history.
func (m *Manager) SessionDetails(ctx context.Context, sessionID string, historyLimit int) (*SessionDetail, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if historyLimit <= 0 {
		historyLimit = 50
	}
	reqs, err := m.store.ListSessionRequests(ctx, sessionID, historyLimit)
	if err != nil {
		return nil, err
	}
	return &SessionDetail{Session: sess, Requests: reqs}, nil
}

// RecentErrors lists recent failed invocations.
func (m *Manager) RecentErrors(ctx context.Context, limit int) ([]*store.Request, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.store.ListRequestErrors(ctx, limit)
}

// UserStats aggregates usage per user over the window.
func (m *Manager) UserStats(ctx context.Context, window time.Duration) ([]*store.UserUsage, error) {
	return m.store.UserUsageStats(ctx, time.Now().Add(-window))
}

// Health reports the session status and idle-age breakdown.
func (m *Manager) Health(ctx context.Context) (*store.SessionHealth, error) {
	return m.store.SessionHealthStats(ctx)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

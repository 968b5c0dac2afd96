package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archon-kb/archon/auth"
	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/store"
)

type fakeSessions struct {
	sessions map[string]*store.Session
	requests []*store.Request

	recordErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[string]*store.Session{}}
}

func (f *fakeSessions) CreateSession(ctx context.Context, sess *store.Session) error {
	sess.Status = store.SessionActive
	sess.ConnectedAt = time.Now()
	sess.LastActivityAt = sess.ConnectedAt
	f.sessions[sess.ID] = sess
	return nil
}

func (f *fakeSessions) GetSession(ctx context.Context, id string) (*store.Session, error) {
	if s, ok := f.sessions[id]; ok {
		return s, nil
	}
	return nil, common.E(common.KindNotFound, "session %s not found", id)
}

func (f *fakeSessions) ListSessions(ctx context.Context, status store.SessionStatus, limit int) ([]*store.Session, error) {
	var out []*store.Session
	for _, s := range f.sessions {
		if status == "" || s.Status == status {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSessions) TouchSession(ctx context.Context, id string) error {
	if s, ok := f.sessions[id]; ok && s.Status == store.SessionActive {
		s.LastActivityAt = time.Now()
	}
	return nil
}

func (f *fakeSessions) DisconnectSession(ctx context.Context, id, reason string) error {
	s, ok := f.sessions[id]
	if !ok {
		return common.E(common.KindNotFound, "session %s not found", id)
	}
	if s.Status == store.SessionDisconnected {
		return common.E(common.KindSessionAlreadyDisconnected, "session %s is already disconnected", id)
	}
	now := time.Now()
	s.Status = store.SessionDisconnected
	s.DisconnectReason = &reason
	s.DisconnectedAt = &now
	return nil
}

func (f *fakeSessions) ReapIdleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	n := 0
	for _, s := range f.sessions {
		if s.Status == store.SessionActive && s.LastActivityAt.Before(cutoff) {
			reason := "idle_timeout"
			now := time.Now()
			s.Status = store.SessionDisconnected
			s.DisconnectReason = &reason
			s.DisconnectedAt = &now
			n++
		}
	}
	return n, nil
}

func (f *fakeSessions) SetReconnectToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	s, ok := f.sessions[id]
	if !ok {
		return common.E(common.KindNotFound, "session %s not found", id)
	}
	s.ReconnectTokenHash = &tokenHash
	s.ReconnectExpiresAt = &expiresAt
	return nil
}

func (f *fakeSessions) Reconnect(ctx context.Context, id string) (*store.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, common.E(common.KindNotFound, "session %s not found", id)
	}
	s.Status = store.SessionActive
	s.DisconnectReason = nil
	s.DisconnectedAt = nil
	s.LastActivityAt = time.Now()
	s.ReconnectCount++
	return s, nil
}

func (f *fakeSessions) RecordRequest(ctx context.Context, r *store.Request) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.requests = append(f.requests, r)
	return nil
}

func (f *fakeSessions) ListSessionRequests(ctx context.Context, sessionID string, limit int) ([]*store.Request, error) {
	var out []*store.Request
	for _, r := range f.requests {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSessions) ListRequestErrors(ctx context.Context, limit int) ([]*store.Request, error) {
	var out []*store.Request
	for _, r := range f.requests {
		if r.Status != store.RequestSuccess {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSessions) UserUsageStats(ctx context.Context, since time.Time) ([]*store.UserUsage, error) {
	return nil, nil
}

func (f *fakeSessions) SessionHealthStats(ctx context.Context) (*store.SessionHealth, error) {
	return &store.SessionHealth{}, nil
}

func newManager(fs *fakeSessions) *Manager {
	return NewManager(fs, auth.NewTokenService("test-secret", time.Hour), ManagerOptions{})
}

func TestDeriveClientType(t *testing.T) {
	assert.Equal(t, "Claude Code", DeriveClientType("claude code 1.2"))
	assert.Equal(t, "Cursor", DeriveClientType("cursor-vscode"))
	assert.Equal(t, "Windsurf", DeriveClientType("Windsurf"))
	assert.Equal(t, "Gemini", DeriveClientType("gemini-cli"))
	assert.Equal(t, UnknownClient, DeriveClientType("my-editor"))
	assert.Equal(t, UnknownClient, DeriveClientType(""))
}

func TestEnsureCreatesLazily(t *testing.T) {
	fs := newFakeSessions()
	m := newManager(fs)

	sess, err := m.Ensure(context.Background(), "", ClientInfo{Name: "Cursor", Version: "0.42"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "Cursor", sess.ClientType)
	assert.Equal(t, store.SessionActive, sess.Status)

	again, err := m.Ensure(context.Background(), sess.ID, ClientInfo{}, nil)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID)
	assert.Len(t, fs.sessions, 1)
}

func TestEnsureReplacesDisconnectedSession(t *testing.T) {
	fs := newFakeSessions()
	m := newManager(fs)

	sess, err := m.Ensure(context.Background(), "", ClientInfo{Name: "Cline"}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Disconnect(context.Background(), sess.ID, "idle_timeout"))

	fresh, err := m.Ensure(context.Background(), sess.ID, ClientInfo{Name: "Cline"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, fresh.ID)
	assert.Equal(t, store.SessionActive, fresh.Status)
}

func TestTrackRecordsUsageAndStatus(t *testing.T) {
	fs := newFakeSessions()
	m := newManager(fs)

	res, err := m.Track(context.Background(), "s1", "tools/call", "manage_task",
		func(ctx context.Context) (interface{}, Usage, error) {
			return "ok", Usage{PromptTokens: 100, CompletionTokens: 20, EstimatedCost: 0.001}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", res)

	require.Len(t, fs.requests, 1)
	req := fs.requests[0]
	assert.Equal(t, store.RequestSuccess, req.Status)
	assert.Equal(t, int64(120), req.TotalTokens)
	assert.Equal(t, "manage_task", req.ToolName)

	_, err = m.Track(context.Background(), "s1", "tools/call", "find_tasks",
		func(ctx context.Context) (interface{}, Usage, error) {
			return nil, Usage{}, common.E(common.KindNotFound, "task missing")
		})
	assert.Error(t, err)
	assert.Equal(t, store.RequestError, fs.requests[1].Status)
	assert.Contains(t, fs.requests[1].ErrorMessage, "task missing")

	_, err = m.Track(context.Background(), "s1", "tools/call", "rag_search_knowledge_base",
		func(ctx context.Context) (interface{}, Usage, error) {
			return nil, Usage{}, common.E(common.KindProviderTimeout, "embed timed out")
		})
	assert.Error(t, err)
	assert.Equal(t, store.RequestTimeout, fs.requests[2].Status)
}

func TestTrackingFailureDoesNotFailToolCall(t *testing.T) {
	fs := newFakeSessions()
	fs.recordErr = common.E(common.KindStorageUnavailable, "db down")
	m := newManager(fs)

	res, err := m.Track(context.Background(), "s1", "tools/call", "health_check",
		func(ctx context.Context) (interface{}, Usage, error) {
			return "alive", Usage{}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, "alive", res)
}

func TestReconnectRoundTrip(t *testing.T) {
	fs := newFakeSessions()
	m := newManager(fs)

	sess, err := m.Ensure(context.Background(), "", ClientInfo{Name: "Claude Code"}, nil)
	require.NoError(t, err)

	token, expiresAt, err := m.IssueReconnectToken(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	require.NoError(t, m.Disconnect(context.Background(), sess.ID, "idle_timeout"))

	back, err := m.Reconnect(context.Background(), sess.ID, token)
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, back.Status)
	assert.Equal(t, 1, back.ReconnectCount)

	// The token is shared until expiry, so a second reconnect also works.
	require.NoError(t, m.Disconnect(context.Background(), sess.ID, "idle_timeout"))
	back, err = m.Reconnect(context.Background(), sess.ID, token)
	require.NoError(t, err)
	assert.Equal(t, 2, back.ReconnectCount)
}

func TestReconnectSessionIDMismatch(t *testing.T) {
	fs := newFakeSessions()
	m := newManager(fs)

	sess, err := m.Ensure(context.Background(), "", ClientInfo{}, nil)
	require.NoError(t, err)
	token, _, err := m.IssueReconnectToken(context.Background(), sess.ID)
	require.NoError(t, err)

	_, err = m.Reconnect(context.Background(), "other-session", token)
	assert.True(t, common.IsKind(err, common.KindSessionIDMismatch))
}

func TestReconnectRevokedSessionRejected(t *testing.T) {
	fs := newFakeSessions()
	m := newManager(fs)

	sess, err := m.Ensure(context.Background(), "", ClientInfo{}, nil)
	require.NoError(t, err)
	token, _, err := m.IssueReconnectToken(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NoError(t, m.Disconnect(context.Background(), sess.ID, "revoked"))

	_, err = m.Reconnect(context.Background(), sess.ID, token)
	assert.True(t, common.IsKind(err, common.KindSessionAlreadyDisconnected))
}

func TestReconnectExpiredToken(t *testing.T) {
	fs := newFakeSessions()
	ts := auth.NewTokenService("test-secret", time.Hour)
	m := NewManager(fs, ts, ManagerOptions{})

	sess, err := m.Ensure(context.Background(), "", ClientInfo{}, nil)
	require.NoError(t, err)

	token, err := ts.GenerateReconnectToken(sess.ID, -time.Minute)
	require.NoError(t, err)

	_, err = m.Reconnect(context.Background(), sess.ID, token)
	assert.True(t, common.IsKind(err, common.KindTokenExpired))
}

func TestReconnectForeignTokenRejected(t *testing.T) {
	fs := newFakeSessions()
	m := newManager(fs)

	sess, err := m.Ensure(context.Background(), "", ClientInfo{}, nil)
	require.NoError(t, err)
	_, _, err = m.IssueReconnectToken(context.Background(), sess.ID)
	require.NoError(t, err)

	// Valid signature and purpose, but not the token whose hash is stored.
	other, err := auth.NewTokenService("test-secret", time.Hour).GenerateReconnectToken(sess.ID, time.Minute)
	require.NoError(t, err)

	_, err = m.Reconnect(context.Background(), sess.ID, other)
	assert.True(t, common.IsKind(err, common.KindInvalidToken))
}

func newTestServer(fs *fakeSessions) *Server {
	m := newManager(fs)
	return NewServer(m, NewRegistry(m, nil, nil), "test")
}

func doRPC(t *testing.T, srv *Server, body string, header map[string]string) (*httptest.ResponseRecorder, *rpcResponse) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	require.NoError(t, srv.Handle(e.NewContext(req, rec)))

	raw := rec.Body.String()
	idx := strings.Index(raw, "data: ")
	if idx < 0 {
		return rec, nil
	}
	payload := strings.TrimSpace(raw[idx+len("data: "):])
	var resp rpcResponse
	require.NoError(t, json.Unmarshal([]byte(payload), &resp))
	return rec, &resp
}

func TestServerRejectsMissingAcceptHeader(t *testing.T) {
	srv := newTestServer(newFakeSessions())
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{}`))
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	require.NoError(t, srv.Handle(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}

func TestServerInitializeAssignsSession(t *testing.T) {
	fs := newFakeSessions()
	srv := newTestServer(fs)

	rec, resp := doRPC(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"Windsurf","version":"1.0"}}}`,
		nil)
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
	assert.NotEmpty(t, rec.Header().Get("Mcp-Session-Id"))
	assert.Len(t, fs.sessions, 1)
	for _, s := range fs.sessions {
		assert.Equal(t, "Windsurf", s.ClientType)
	}
}

func TestServerToolsList(t *testing.T) {
	srv := newTestServer(newFakeSessions())
	_, resp := doRPC(t, srv, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	out, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	for _, name := range []string{"health_check", "rag_search_knowledge_base", "find_projects",
		"find_tasks", "manage_project", "manage_task", "manage_sprint", "reconnect_session"} {
		assert.Contains(t, string(out), name)
	}
}

func TestServerHealthCheckCallTracksRequest(t *testing.T) {
	fs := newFakeSessions()
	srv := newTestServer(fs)

	rec, resp := doRPC(t, srv,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"health_check","arguments":{}}}`,
		nil)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	out, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	assert.Contains(t, string(out), `ok`)
	assert.NotEmpty(t, rec.Header().Get("Mcp-Session-Id"))

	// Lazy session creation plus one tracked request.
	assert.Len(t, fs.sessions, 1)
	require.Len(t, fs.requests, 1)
	assert.Equal(t, "health_check", fs.requests[0].ToolName)
	assert.Equal(t, store.RequestSuccess, fs.requests[0].Status)
}

func TestServerUnknownToolSurfacesKind(t *testing.T) {
	srv := newTestServer(newFakeSessions())
	_, resp := doRPC(t, srv,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"no_such_tool","arguments":{}}}`,
		nil)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)

	data, err := json.Marshal(resp.Error.Data)
	require.NoError(t, err)
	assert.Contains(t, string(data), "not_found")
}

func TestServerNotificationAccepted(t *testing.T) {
	srv := newTestServer(newFakeSessions())
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	req.Header.Set("Accept", "application/json, text/event-stream")
	rec := httptest.NewRecorder()
	require.NoError(t, srv.Handle(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestReaperDisconnectsIdleSessions(t *testing.T) {
	fs := newFakeSessions()
	m := newManager(fs)

	sess, err := m.Ensure(context.Background(), "", ClientInfo{}, nil)
	require.NoError(t, err)
	fs.sessions[sess.ID].LastActivityAt = time.Now().Add(-10 * time.Minute)

	n, err := fs.ReapIdleSessions(context.Background(), time.Now().Add(-DefaultIdleThreshold))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, store.SessionDisconnected, fs.sessions[sess.ID].Status)
	require.NotNil(t, fs.sessions[sess.ID].DisconnectReason)
	assert.Equal(t, "idle_timeout", *fs.sessions[sess.ID].DisconnectReason)
}

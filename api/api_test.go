package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archon-kb/archon/auth"
	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/ingest"
	"github.com/archon-kb/archon/store"
)

type fakeSubjects struct {
	byEmail map[string]*store.Subject
	byID    map[string]*store.Subject
}

func (f *fakeSubjects) GetSubjectByEmail(ctx context.Context, email string) (*store.Subject, error) {
	if s, ok := f.byEmail[email]; ok {
		return s, nil
	}
	return nil, common.E(common.KindNotFound, "no subject")
}

func (f *fakeSubjects) GetSubject(ctx context.Context, id string) (*store.Subject, error) {
	if s, ok := f.byID[id]; ok {
		return s, nil
	}
	return nil, common.E(common.KindNotFound, "no subject")
}

func testServer(t *testing.T) (*Server, *store.Subject) {
	t.Helper()
	hash, err := auth.HashPassword("correct horse")
	require.NoError(t, err)
	email := "dev@example.com"
	sub := &store.Subject{
		ID:           "u1",
		Email:        &email,
		DisplayName:  "Dev",
		PasswordHash: hash,
		Role:         "member",
		Active:       true,
	}
	subjects := &fakeSubjects{
		byEmail: map[string]*store.Subject{email: sub},
		byID:    map[string]*store.Subject{"u1": sub},
	}
	authSvc := auth.NewService(subjects, auth.NewTokenService("test-secret", time.Hour))
	srv := NewServer(Deps{
		Auth:     authSvc,
		Progress: ingest.NewRegistry(),
	}, Options{})
	return srv, sub
}

func doJSON(srv *Server, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(srv, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestLoginAndMe(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(srv, http.MethodPost, "/api/auth/login",
		`{"email":"dev@example.com","password":"correct horse"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)

	rec = doJSON(srv, http.MethodGet, "/api/auth/users/me", "", login.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"display_name":"Dev"`)
}

func TestLoginFailureMapsToUnauthenticated(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(srv, http.MethodPost, "/api/auth/login",
		`{"email":"dev@example.com","password":"wrong"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"unauthenticated"`)
}

func TestMissingBearerRejected(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(srv, http.MethodGet, "/api/auth/users/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"unauthenticated"`)
}

func TestAdminEndpointForbiddenForMembers(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(srv, http.MethodPost, "/api/auth/login",
		`{"email":"dev@example.com","password":"correct horse"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))

	rec = doJSON(srv, http.MethodGet, "/api/admin/users", "", login.Token)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"forbidden"`)
}

func TestProgressNotFound(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(srv, http.MethodPost, "/api/auth/login",
		`{"email":"dev@example.com","password":"correct horse"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))

	rec = doJSON(srv, http.MethodGet, "/api/progress/nope", "", login.Token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"not_found"`)
}

func TestReconnectTokenRejectedAsBearer(t *testing.T) {
	srv, _ := testServer(t)

	reconnect, err := auth.NewTokenService("test-secret", time.Hour).
		GenerateReconnectToken("sess-1", 15*time.Minute)
	require.NoError(t, err)

	rec := doJSON(srv, http.MethodGet, "/api/auth/users/me", "", reconnect)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_token")
}

func TestQueryInt(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/?limit=25&bad=x", nil)
	c := srv.Echo().NewContext(req, httptest.NewRecorder())
	assert.Equal(t, 25, queryInt(c, "limit", 100))
	assert.Equal(t, 100, queryInt(c, "bad", 100))
	assert.Equal(t, 100, queryInt(c, "missing", 100))
}

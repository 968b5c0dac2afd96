package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archon-kb/archon/common"
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

func testSubject(t *testing.T, password string, active bool) *store.Subject {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	email := "dev@example.com"
	return &store.Subject{
		ID:           "u1",
		Email:        &email,
		DisplayName:  "Dev",
		PasswordHash: hash,
		Role:         "member",
		Active:       active,
	}
}

func TestHashPasswordRejectsShort(t *testing.T) {
	_, err := HashPassword("short")
	assert.True(t, common.IsKind(err, common.KindValidation))
}

func TestLoginSuccess(t *testing.T) {
	sub := testSubject(t, "correct horse", true)
	svc := NewService(&fakeSubjects{
		byEmail: map[string]*store.Subject{"dev@example.com": sub},
	}, NewTokenService("secret", time.Hour))

	res, err := svc.Login(context.Background(), "dev@example.com", "correct horse")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)

	claims, err := svc.Tokens().ValidateToken(res.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "member", claims.Role)
}

func TestLoginWrongPasswordAndUnknownEmailLookAlike(t *testing.T) {
	sub := testSubject(t, "correct horse", true)
	svc := NewService(&fakeSubjects{
		byEmail: map[string]*store.Subject{"dev@example.com": sub},
	}, NewTokenService("secret", time.Hour))

	_, err1 := svc.Login(context.Background(), "dev@example.com", "wrong")
	_, err2 := svc.Login(context.Background(), "nobody@example.com", "wrong")

	assert.True(t, common.IsKind(err1, common.KindUnauthenticated))
	assert.True(t, common.IsKind(err2, common.KindUnauthenticated))
	assert.Equal(t, err1.Error(), err2.Error())
}

func TestLoginDisabledAccount(t *testing.T) {
	sub := testSubject(t, "correct horse", false)
	svc := NewService(&fakeSubjects{
		byEmail: map[string]*store.Subject{"dev@example.com": sub},
	}, NewTokenService("secret", time.Hour))

	_, err := svc.Login(context.Background(), "dev@example.com", "correct horse")
	assert.True(t, common.IsKind(err, common.KindForbidden))
}

func TestValidateTokenExpired(t *testing.T) {
	ts := NewTokenService("secret", -time.Minute)
	token, err := ts.GenerateToken("u1", "member", "")
	require.NoError(t, err)

	_, err = ts.ValidateToken(token)
	assert.True(t, common.IsKind(err, common.KindTokenExpired))
}

func TestValidateTokenTampered(t *testing.T) {
	ts := NewTokenService("secret", time.Hour)
	other := NewTokenService("other-secret", time.Hour)

	token, err := other.GenerateToken("u1", "member", "")
	require.NoError(t, err)

	_, err = ts.ValidateToken(token)
	assert.True(t, common.IsKind(err, common.KindInvalidToken))
}

func TestValidateTokenTamperedAndExpired(t *testing.T) {
	ts := NewTokenService("secret", time.Hour)
	forger := NewTokenService("other-secret", -time.Minute)

	// Expired AND signed with the wrong key: the forged signature must win
	// the classification.
	token, err := forger.GenerateToken("u1", "member", "")
	require.NoError(t, err)

	_, err = ts.ValidateToken(token)
	assert.True(t, common.IsKind(err, common.KindInvalidToken))
	assert.False(t, common.IsKind(err, common.KindTokenExpired))
}

func TestReconnectTokenCannotAuthenticate(t *testing.T) {
	ts := NewTokenService("secret", time.Hour)
	svc := NewService(&fakeSubjects{byID: map[string]*store.Subject{}}, ts)

	token, err := ts.GenerateReconnectToken("sess-1", 15*time.Minute)
	require.NoError(t, err)

	claims, err := ts.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, PurposeReconnect, claims.Purpose)

	_, err = svc.Resolve(context.Background(), claims)
	assert.True(t, common.IsKind(err, common.KindInvalidToken))
}

// Package auth provides credential verification and JWT issuance for the
// HTTP surface, plus the reconnect tokens used by MCP session recovery.
package auth

import (
	"context"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/store"
)

// SubjectStore is the slice of storage the service authenticates against.
type SubjectStore interface {
	GetSubjectByEmail(ctx context.Context, email string) (*store.Subject, error)
	GetSubject(ctx context.Context, id string) (*store.Subject, error)
}

// Service authenticates subjects and issues tokens.
type Service struct {
	subjects SubjectStore
	tokens   *TokenService
}

// NewService creates the auth service.
func NewService(subjects SubjectStore, tokens *TokenService) *Service {
	return &Service{subjects: subjects, tokens: tokens}
}

// Tokens exposes the token service for middleware wiring.
func (s *Service) Tokens() *TokenService { return s.tokens }

// LoginResult carries the issued token and the authenticated subject.
type LoginResult struct {
	Token   string         `json:"token"`
	Subject *store.Subject `json:"user"`
}

// Login verifies credentials and issues an access token. Lookup failure and
// password mismatch are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	sub, err := s.subjects.GetSubjectByEmail(ctx, email)
	if err != nil {
		if common.IsKind(err, common.KindNotFound) {
			return nil, common.E(common.KindUnauthenticated, "invalid email or password")
		}
		return nil, err
	}
	if !sub.Active {
		return nil, common.E(common.KindForbidden, "account is disabled")
	}
	if err := ValidatePassword(password, sub.PasswordHash); err != nil {
		return nil, err
	}

	email = ""
	if sub.Email != nil {
		email = *sub.Email
	}
	token, err := s.tokens.GenerateToken(sub.ID, sub.Role, email)
	if err != nil {
		return nil, common.Wrap(common.KindInternal, err, "issue token")
	}
	return &LoginResult{Token: token, Subject: sub}, nil
}

// Resolve loads the subject behind validated claims, rejecting tokens whose
// subject has been deactivated since issuance.
func (s *Service) Resolve(ctx context.Context, claims *Claims) (*store.Subject, error) {
	if claims.Purpose == PurposeReconnect {
		return nil, common.E(common.KindInvalidToken, "reconnect tokens cannot authenticate API calls")
	}
	sub, err := s.subjects.GetSubject(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if !sub.Active {
		return nil, common.E(common.KindForbidden, "account is disabled")
	}
	return sub, nil
}

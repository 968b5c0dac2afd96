package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/archon-kb/archon/common"
)

// PurposeReconnect marks tokens issued for MCP session reconnection; they
// are never accepted for API authentication.
const PurposeReconnect = "session_reconnect"

// Claims represents the JWT claims carried by Archon tokens
type Claims struct {
	Role      string `json:"role,omitempty"`
	Email     string `json:"email,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Purpose   string `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

// TokenService handles JWT token operations
type TokenService struct {
	secret     []byte
	expiration time.Duration
	issuer     string
}

// NewTokenService creates a new token service
func NewTokenService(secret string, expiration time.Duration) *TokenService {
	return &TokenService{
		secret:     []byte(secret),
		expiration: expiration,
		issuer:     "archon",
	}
}

// Secret exposes the signing key for the HTTP middleware.
func (s *TokenService) Secret() []byte { return s.secret }

// GenerateToken generates an access token for a subject
func (s *TokenService) GenerateToken(subjectID, role, email string) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:  role,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   subjectID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// GenerateReconnectToken issues a session-reconnect token with its own
// purpose claim and validity window.
func (s *TokenService) GenerateReconnectToken(sessionID string, validity time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		SessionID: sessionID,
		Purpose:   PurposeReconnect,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   sessionID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken validates a token and returns its claims. Expired tokens are
// distinguished from malformed or tampered ones; expiry is only reported
// after the signature verified, so a tampered-but-stale token still reads as
// invalid.
func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.E(common.KindTokenExpired, "token has expired")
		}
		return nil, common.E(common.KindInvalidToken, "invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, common.E(common.KindInvalidToken, "invalid token")
	}
	return claims, nil
}

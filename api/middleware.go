package api

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/archon-kb/archon/auth"
	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/rbac"
	"github.com/archon-kb/archon/store"
)

// resolveSubject loads the subject behind the validated JWT and stores it on
// the request context. Requests the JWT middleware let through without a
// token (anonymous reads) pass with no subject.
func (s *Server) resolveSubject(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, ok := c.Get("user").(*jwt.Token)
		if !ok {
			return next(c)
		}
		claims, ok := token.Claims.(*auth.Claims)
		if !ok {
			return common.E(common.KindInvalidToken, "invalid token")
		}
		sub, err := s.auth.Resolve(c.Request().Context(), claims)
		if err != nil {
			return err
		}
		c.Set("subject", sub)
		return next(c)
	}
}

// withOptionalAuth validates a bearer token when present but does not
// require one. Used by the MCP transport, which tracks identity per session.
func (s *Server) withOptionalAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if header == "" {
			return next(c)
		}
		raw := strings.TrimPrefix(header, "Bearer ")
		claims, err := s.auth.Tokens().ValidateToken(raw)
		if err != nil {
			return err
		}
		sub, err := s.auth.Resolve(c.Request().Context(), claims)
		if err != nil {
			return err
		}
		c.Set("subject", sub)
		return next(c)
	}
}

// subject returns the authenticated subject, or nil for anonymous reads.
func subject(c echo.Context) *store.Subject {
	sub, _ := c.Get("subject").(*store.Subject)
	return sub
}

// principal maps the request's subject onto an RBAC principal. Anonymous
// requests carry an empty principal, which the engine rejects for any
// guarded action.
func principal(c echo.Context) rbac.Principal {
	if sub := subject(c); sub != nil {
		return rbac.Principal{SubjectID: sub.ID, Role: sub.Role}
	}
	return rbac.Principal{}
}

// requireAdmin gates the admin endpoints.
func requireAdmin(c echo.Context) error {
	sub := subject(c)
	if sub == nil {
		return common.E(common.KindUnauthenticated, "no authenticated subject")
	}
	if sub.Role != rbac.RoleAdmin {
		return common.E(common.KindForbidden, "admin role required")
	}
	return nil
}

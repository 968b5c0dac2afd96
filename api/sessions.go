package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/archon-kb/archon/common"
)

func (s *Server) handleMCPClients(c echo.Context) error {
	sessions, err := s.sessions.ActiveSessions(c.Request().Context(), queryInt(c, "limit", 100))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"clients": sessions})
}

func (s *Server) handleMCPSessions(c echo.Context) error {
	sessions, err := s.sessions.Sessions(c.Request().Context(), queryInt(c, "limit", 100))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleMCPSession(c echo.Context) error {
	detail, err := s.sessions.SessionDetails(c.Request().Context(),
		c.Param("session_id"), queryInt(c, "history", 50))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, detail)
}

func (s *Server) handleMCPHealth(c echo.Context) error {
	health, err := s.sessions.Health(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, health)
}

func (s *Server) handleMCPErrors(c echo.Context) error {
	errs, err := s.sessions.RecentErrors(c.Request().Context(), queryInt(c, "limit", 50))
	if err != nil {
		return err
	}

	severity := c.QueryParam("severity")
	if severity != "" && severity != "all" {
		filtered := errs[:0]
		for _, r := range errs {
			if string(r.Status) == severity {
				filtered = append(filtered, r)
			}
		}
		errs = filtered
	}
	if sessionID := c.QueryParam("session_id"); sessionID != "" {
		filtered := errs[:0]
		for _, r := range errs {
			if r.SessionID == sessionID {
				filtered = append(filtered, r)
			}
		}
		errs = filtered
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"errors": errs,
		"summary": map[string]int{
			"total": len(errs),
		},
	})
}

func (s *Server) handleMCPUsage(c echo.Context) error {
	window := 24 * time.Hour
	if raw := c.QueryParam("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return common.ValidationField("window", "window must be a duration like 24h")
		}
		window = d
	}
	stats, err := s.sessions.UserStats(c.Request().Context(), window)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"users": stats})
}

func (s *Server) handleMCPReconnect(c echo.Context) error {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	sess, err := s.sessions.Reconnect(c.Request().Context(), c.Param("session_id"), req.Token)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleMCPToken(c echo.Context) error {
	token, expiresAt, err := s.sessions.IssueReconnectToken(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

package api

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/archon-kb/archon/auth"
	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/rbac"
	"github.com/archon-kb/archon/store"
)

const invitationValidity = 7 * 24 * time.Hour

func (s *Server) handleLogin(c echo.Context) error {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	res, err := s.auth.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleMe(c echo.Context) error {
	sub := subject(c)
	if sub == nil {
		return common.E(common.KindUnauthenticated, "no authenticated subject")
	}
	return c.JSON(http.StatusOK, sub)
}

func (s *Server) handleListUsers(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	users, err := s.store.ListSubjects(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"users": users})
}

type userRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
	Role        string `json:"role"`
	Active      *bool  `json:"active"`
}

func (s *Server) handleCreateUser(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	var req userRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	if req.Role == "" {
		req.Role = "member"
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return err
	}
	sub := &store.Subject{
		Email:        &req.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
		Role:         req.Role,
		Active:       true,
	}
	if err := s.store.CreateSubject(c.Request().Context(), sub); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sub)
}

func (s *Server) handleUpdateUser(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	sub, err := s.store.GetSubject(c.Request().Context(), c.Param("user_id"))
	if err != nil {
		return err
	}
	var req userRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	if req.DisplayName != "" {
		sub.DisplayName = req.DisplayName
	}
	if req.Role != "" {
		sub.Role = req.Role
	}
	if req.Active != nil {
		sub.Active = *req.Active
	}
	if err := s.store.UpdateSubject(c.Request().Context(), sub); err != nil {
		return err
	}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			return err
		}
		if err := s.store.SetPasswordHash(c.Request().Context(), sub.ID, hash); err != nil {
			return err
		}
	}
	return c.JSON(http.StatusOK, sub)
}

func (s *Server) handleAddMember(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	var req struct {
		SubjectOrRole string `json:"subject_or_role"`
		ResourceType  string `json:"resource_type"`
		Action        string `json:"action"`
	}
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	if req.ResourceType == "" {
		req.ResourceType = "project"
	}
	if req.Action == "" {
		req.Action = rbac.ActionTeamManage
	}
	g := &store.Grant{
		SubjectOrRole: req.SubjectOrRole,
		ResourceType:  req.ResourceType,
		Action:        req.Action,
		Scope:         c.Param("project_id"),
	}
	if err := s.store.AddGrant(c.Request().Context(), g); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, g)
}

func (s *Server) handleRemoveMember(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	if err := s.store.RemoveGrant(c.Request().Context(), c.Param("grant_id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListInvitations(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	invs, err := s.store.ListInvitations(c.Request().Context(), c.QueryParam("org_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"invitations": invs})
}

func (s *Server) handleCreateInvitation(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	var req struct {
		OrgID string `json:"org_id"`
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	if req.Role == "" {
		req.Role = "member"
	}

	token, err := inviteToken()
	if err != nil {
		return err
	}
	inv := &store.Invitation{
		OrgID:     req.OrgID,
		Email:     req.Email,
		Role:      req.Role,
		TokenHash: hashInviteToken(token),
		ExpiresAt: time.Now().Add(invitationValidity),
	}
	if err := s.store.CreateInvitation(c.Request().Context(), inv); err != nil {
		return err
	}
	// The raw token is returned exactly once; only its hash is stored.
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"invitation": inv,
		"token":      token,
	})
}

func (s *Server) handleRevokeInvitation(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	if err := s.store.RevokeInvitation(c.Request().Context(), c.Param("invitation_id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleAcceptInvitation(c echo.Context) error {
	var req struct {
		Token       string `json:"token"`
		DisplayName string `json:"display_name"`
		Password    string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "malformed request body")
	}
	inv, err := s.store.AcceptInvitation(c.Request().Context(), hashInviteToken(req.Token), time.Now())
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return err
	}
	sub := &store.Subject{
		Email:        &inv.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
		Role:         inv.Role,
		Active:       true,
	}
	if err := s.store.CreateSubject(c.Request().Context(), sub); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sub)
}

func inviteToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", common.Wrap(common.KindInternal, err, "generate invitation token")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashInviteToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

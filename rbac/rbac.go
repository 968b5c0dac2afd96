// Package rbac evaluates permission grants. A grant is
// (subject_or_role, resource_type, action, scope) with scope "*" or one
// project id. Admins and the internal service principal short-circuit to
// allow; everyone else needs a matching grant for their subject or one of
// their roles.
package rbac

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/store"
)

// ScopeAll matches any project.
const ScopeAll = "*"

// RoleAdmin short-circuits authorization.
const RoleAdmin = "admin"

// ServicePrincipal is the backend-internal caller identity; it bypasses all
// checks.
const ServicePrincipal = "service:archon"

// Actions used by the core.
const (
	ActionDocumentManage  = "document:manage"
	ActionSprintManage    = "sprint:manage"
	ActionTeamManage      = "team:manage"
	ActionKnowledgeRead   = "knowledge:read"
	ActionKnowledgeManage = "knowledge:manage"
	ActionReportsRead     = "reports:read"
	ActionTaskAssign      = "task:assign"
	ActionUsersManage     = "users:manage"
)

// Principal is the authenticated caller as seen by the engine.
type Principal struct {
	SubjectID string
	Role      string
}

// GrantSource loads grants for a set of subject-or-role keys.
type GrantSource interface {
	ListGrants(ctx context.Context, keys []string) ([]*store.Grant, error)
}

// Engine answers authorization queries.
type Engine struct {
	grants GrantSource
	// permissive allows every authenticated caller; set only when the
	// policy store was unavailable at startup and fallback mode was
	// explicitly configured.
	permissive bool
	log        *logrus.Entry
}

// New builds an engine over the policy store.
func New(grants GrantSource) *Engine {
	return &Engine{grants: grants, log: common.Logger.WithField("component", "rbac")}
}

// NewPermissive builds the development fallback engine that allows every
// authenticated caller. The degraded posture is logged prominently.
func NewPermissive() *Engine {
	e := &Engine{permissive: true, log: common.Logger.WithField("component", "rbac")}
	e.log.Warn("RBAC RUNNING IN PERMISSIVE MODE: every authenticated user is allowed all actions")
	return e
}

// Permissive reports whether the fallback mode is active.
func (e *Engine) Permissive() bool { return e.permissive }

// Authorize returns nil when the principal may perform action on the
// resource within scope, or a forbidden error.
func (e *Engine) Authorize(ctx context.Context, p Principal, resourceType, action, scope string) error {
	if p.SubjectID == "" {
		return common.E(common.KindUnauthenticated, "no authenticated subject")
	}
	if p.SubjectID == ServicePrincipal {
		return nil
	}
	if e.permissive {
		return nil
	}
	if p.Role == RoleAdmin {
		return nil
	}

	keys := []string{p.SubjectID}
	if p.Role != "" {
		keys = append(keys, p.Role)
	}
	grants, err := e.grants.ListGrants(ctx, keys)
	if err != nil {
		return err
	}

	for _, g := range grants {
		if g.ResourceType != resourceType || g.Action != action {
			continue
		}
		if g.Scope == ScopeAll || g.Scope == scope {
			return nil
		}
	}
	return common.E(common.KindForbidden, "%s is not allowed to %s on %s", p.SubjectID, action, resourceType)
}

package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/store"
)

type fakeGrants struct {
	grants []*store.Grant
	err    error
	keys   []string
}

func (f *fakeGrants) ListGrants(ctx context.Context, keys []string) ([]*store.Grant, error) {
	f.keys = keys
	return f.grants, f.err
}

func TestAuthorizeAdminShortCircuit(t *testing.T) {
	e := New(&fakeGrants{})
	err := e.Authorize(context.Background(), Principal{SubjectID: "u1", Role: RoleAdmin},
		"project", ActionTeamManage, "p1")
	assert.NoError(t, err)
}

func TestAuthorizeServicePrincipalBypass(t *testing.T) {
	g := &fakeGrants{}
	e := New(g)
	err := e.Authorize(context.Background(), Principal{SubjectID: ServicePrincipal},
		"project", ActionUsersManage, ScopeAll)
	assert.NoError(t, err)
	assert.Nil(t, g.keys, "service principal must not hit the policy store")
}

func TestAuthorizeUnauthenticated(t *testing.T) {
	e := New(&fakeGrants{})
	err := e.Authorize(context.Background(), Principal{}, "project", ActionReportsRead, "p1")
	assert.True(t, common.IsKind(err, common.KindUnauthenticated))
}

func TestAuthorizeExactScope(t *testing.T) {
	g := &fakeGrants{grants: []*store.Grant{
		{SubjectOrRole: "u1", ResourceType: "project", Action: ActionSprintManage, Scope: "p1"},
	}}
	e := New(g)

	p := Principal{SubjectID: "u1", Role: "member"}
	assert.NoError(t, e.Authorize(context.Background(), p, "project", ActionSprintManage, "p1"))

	err := e.Authorize(context.Background(), p, "project", ActionSprintManage, "p2")
	assert.True(t, common.IsKind(err, common.KindForbidden))
}

func TestAuthorizeWildcardScope(t *testing.T) {
	g := &fakeGrants{grants: []*store.Grant{
		{SubjectOrRole: "member", ResourceType: "knowledge", Action: ActionKnowledgeRead, Scope: ScopeAll},
	}}
	e := New(g)

	p := Principal{SubjectID: "u1", Role: "member"}
	assert.NoError(t, e.Authorize(context.Background(), p, "knowledge", ActionKnowledgeRead, "any-project"))
	assert.Equal(t, []string{"u1", "member"}, g.keys)
}

func TestAuthorizeActionMismatch(t *testing.T) {
	g := &fakeGrants{grants: []*store.Grant{
		{SubjectOrRole: "u1", ResourceType: "knowledge", Action: ActionKnowledgeRead, Scope: ScopeAll},
	}}
	e := New(g)

	err := e.Authorize(context.Background(), Principal{SubjectID: "u1"},
		"knowledge", ActionKnowledgeManage, ScopeAll)
	assert.True(t, common.IsKind(err, common.KindForbidden))
}

func TestPermissiveModeAllowsAuthenticated(t *testing.T) {
	e := NewPermissive()
	assert.True(t, e.Permissive())

	assert.NoError(t, e.Authorize(context.Background(), Principal{SubjectID: "u1"},
		"project", ActionTeamManage, "p1"))

	err := e.Authorize(context.Background(), Principal{}, "project", ActionTeamManage, "p1")
	assert.True(t, common.IsKind(err, common.KindUnauthenticated))
}

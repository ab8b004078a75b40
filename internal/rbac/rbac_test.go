package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyflow/engagement/internal/apperr"
)

func TestPermissionMonotonicity(t *testing.T) {
	all := AllPermissions()
	require.NotEmpty(t, all)

	for i := 1; i < len(Roles); i++ {
		lower, higher := Roles[i-1], Roles[i]
		for _, p := range all {
			if HasPermission(lower, p) {
				assert.Truef(t, HasPermission(higher, p), "%s has %s but %s does not", lower, p, higher)
			}
		}
	}
}

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleMember, PermQueueView, true},
		{RoleMember, PermQueueApprove, false},
		{RoleReviewer, PermQueueApprove, true},
		{RoleReviewer, PermQueueEdit, true},
		{RoleReviewer, PermRulesManage, false},
		{RoleAdmin, PermRulesManage, true},
		{RoleAdmin, PermQueueSkip, true},
		{RoleAdmin, PermRolesManage, false},
		{RoleOwner, PermRolesManage, true},
		{Role("guest"), PermQueueView, false},
		{"", PermQueueView, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.perm), func(t *testing.T) {
			assert.Equal(t, tt.want, HasPermission(tt.role, tt.perm))
		})
	}
}

func TestPermissionsReturnsCopy(t *testing.T) {
	p := Permissions(RoleMember)
	p[0] = PermRolesManage
	assert.False(t, HasPermission(RoleMember, PermRolesManage))
}

func TestCanManageRole(t *testing.T) {
	tests := []struct {
		actor, target Role
		want          bool
	}{
		{RoleOwner, RoleMember, true},
		{RoleOwner, RoleReviewer, true},
		{RoleOwner, RoleAdmin, true},
		{RoleOwner, RoleOwner, false},
		{RoleAdmin, RoleMember, false},
		{RoleAdmin, RoleOwner, false},
		{RoleReviewer, RoleMember, false},
		{RoleMember, RoleMember, false},
		{RoleOwner, Role("ghost"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.actor)+"->"+string(tt.target), func(t *testing.T) {
			assert.Equal(t, tt.want, CanManageRole(tt.actor, tt.target))
		})
	}
}

func TestRoleOrdering(t *testing.T) {
	assert.True(t, RoleOwner.AtLeast(RoleAdmin))
	assert.True(t, RoleReviewer.AtLeast(RoleReviewer))
	assert.False(t, RoleMember.AtLeast(RoleReviewer))
	assert.False(t, Role("x").AtLeast(RoleMember))

	r, ok := ParseRole("admin")
	assert.True(t, ok)
	assert.Equal(t, RoleAdmin, r)
	_, ok = ParseRole("superuser")
	assert.False(t, ok)
}

func TestActorRequire(t *testing.T) {
	a := Actor{Role: RoleReviewer}
	assert.NoError(t, a.Require(PermQueueApprove))

	err := a.Require(PermQueueSkip)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, PermQueueSkip, denied.Permission)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}

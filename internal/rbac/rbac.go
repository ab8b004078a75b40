// Package rbac holds the organization role hierarchy and the fixed role → permission table.
//
// Roles are totally ordered (member < reviewer < admin < owner) and every role's permission
// set is a superset of the sets of all roles below it. The table is built once at package
// initialization and never mutated.
package rbac

import (
	"sort"
)

// Role is a user's role inside one organization.
type Role string

const (
	RoleMember   Role = "member"
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
	RoleOwner    Role = "owner"
)

// Permission names one gated action.
type Permission string

const (
	PermQueueView    Permission = "queue.view"
	PermActivityView Permission = "activity.view"

	PermQueueApprove Permission = "queue.approve"
	PermQueueReject  Permission = "queue.reject"
	PermQueueEdit    Permission = "queue.edit"
	PermQueueBulkAct Permission = "queue.bulk_act"

	PermQueueSkip     Permission = "queue.skip"
	PermRulesManage   Permission = "rules.manage"
	PermPolicyManage  Permission = "policy.manage"
	PermMembersManage Permission = "members.manage"
	PermAuditExport   Permission = "audit.export"

	PermRolesManage Permission = "roles.manage"
)

// Roles lists every role from lowest to highest.
var Roles = []Role{RoleMember, RoleReviewer, RoleAdmin, RoleOwner}

// grants is what each role adds on top of the role directly below it.
var grants = map[Role][]Permission{
	RoleMember:   {PermQueueView, PermActivityView},
	RoleReviewer: {PermQueueApprove, PermQueueReject, PermQueueEdit, PermQueueBulkAct},
	RoleAdmin:    {PermQueueSkip, PermRulesManage, PermPolicyManage, PermMembersManage, PermAuditExport},
	RoleOwner:    {PermRolesManage},
}

var table = buildTable()

func buildTable() map[Role]map[Permission]struct{} {
	out := make(map[Role]map[Permission]struct{}, len(Roles))
	acc := make(map[Permission]struct{})
	for _, r := range Roles {
		for _, p := range grants[r] {
			acc[p] = struct{}{}
		}
		set := make(map[Permission]struct{}, len(acc))
		for p := range acc {
			set[p] = struct{}{}
		}
		out[r] = set
	}
	return out
}

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	_, ok := table[r]
	return ok
}

// Rank returns the position of r in the hierarchy, or -1 for an unknown role.
func (r Role) Rank() int {
	for i, x := range Roles {
		if x == r {
			return i
		}
	}
	return -1
}

// AtLeast reports whether r ranks at or above min.
func (r Role) AtLeast(min Role) bool {
	return r.Valid() && r.Rank() >= min.Rank()
}

// ParseRole converts s into a Role, reporting false for unknown values.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	return r, r.Valid()
}

// HasPermission reports whether role grants perm. Unknown roles grant nothing.
func HasPermission(role Role, perm Permission) bool {
	set, ok := table[role]
	if !ok {
		return false
	}
	_, ok = set[perm]
	return ok
}

// Permissions returns a sorted copy of role's permission set.
func Permissions(role Role) []Permission {
	set := table[role]
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AllPermissions returns every permission known to the table, sorted.
func AllPermissions() []Permission {
	return Permissions(RoleOwner)
}

// CanManageRole reports whether a user with actorRole may change the role of, or remove,
// a user currently holding targetRole. Only owners manage roles, and owners are never
// demoted or removed through this interface.
func CanManageRole(actorRole, targetRole Role) bool {
	if !HasPermission(actorRole, PermRolesManage) {
		return false
	}
	if !targetRole.Valid() {
		return false
	}
	return targetRole != RoleOwner
}

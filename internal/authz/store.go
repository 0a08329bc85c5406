package authz

import (
	"context"
	"time"
)

// Store describes persistence for roles, permissions and assignments.
// Implementations write the audit entry for each mutation atomically with the
// mutation itself.
type Store interface {
	RoleByName(ctx context.Context, name string) (Role, error)
	RoleByID(ctx context.Context, id string) (Role, error)

	// RolesForUser returns only grants whose assignment is active at now.
	RolesForUser(ctx context.Context, userID string, now time.Time) ([]RoleGrant, error)

	// PermissionsForRole is a direct lookup; no inheritance across roles.
	PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error)

	// AssignRole creates the assignment and its audit entry in one step.
	// Returns ErrDuplicateAssignment when an active assignment already exists
	// for the same (user, role, organization).
	AssignRole(ctx context.Context, a UserRoleAssignment) (UserRoleAssignment, error)

	// RevokeRole deactivates an active assignment, auditing old and new state.
	// Returns ErrNotFound when no active assignment exists.
	RevokeRole(ctx context.Context, userID, roleID, organizationID, revokedBy string) error

	// EnsureCatalog idempotently installs role and permission definitions and
	// role-permission grants (role name -> permission names). Used at bootstrap.
	EnsureCatalog(ctx context.Context, roles []Role, perms []Permission, grants map[string][]string) error
}

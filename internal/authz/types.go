// Package authz holds the role and permission model and the resolver that
// answers access checks from it. Roles are flat in permission terms; the
// hierarchy level orders approval authority only.
package authz

import "time"

// Role is a named bundle of permissions with a strict hierarchy level.
// System roles cannot be deleted; Bypass marks the explicit super-user
// capability (granting it is itself an audited mutation).
type Role struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	HierarchyLevel int       `json:"hierarchy_level"`
	IsSystemRole   bool      `json:"is_system_role"`
	Bypass         bool      `json:"bypass"`
	CreatedAt      time.Time `json:"created_at"`
}

// Permission is a binary capability on a (resource, action) pair.
type Permission struct {
	ID        string    `json:"id"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// RolePermission links a role to a permission.
type RolePermission struct {
	RoleID       string    `json:"role_id"`
	PermissionID string    `json:"permission_id"`
	GrantedBy    string    `json:"granted_by"`
	GrantedAt    time.Time `json:"granted_at"`
}

// UserRoleAssignment is a time-bounded grant of a role to a user, optionally
// scoped to one organization. An empty OrganizationID counts everywhere.
type UserRoleAssignment struct {
	UserID         string     `json:"user_id"`
	RoleID         string     `json:"role_id"`
	OrganizationID string     `json:"organization_id,omitempty"`
	AssignedBy     string     `json:"assigned_by"`
	AssignedAt     time.Time  `json:"assigned_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Active         bool       `json:"active"`
}

// ActiveAt reports whether the assignment is effective at the given instant.
// An assignment past its expiry is inactive even before any sweep flips the
// Active flag.
func (a UserRoleAssignment) ActiveAt(now time.Time) bool {
	if !a.Active {
		return false
	}
	if a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
		return false
	}
	return true
}

// AppliesTo reports whether the assignment counts for the given organization.
func (a UserRoleAssignment) AppliesTo(orgID string) bool {
	return a.OrganizationID == "" || a.OrganizationID == orgID
}

// RoleGrant pairs an active assignment with its role definition.
type RoleGrant struct {
	Role       Role               `json:"role"`
	Assignment UserRoleAssignment `json:"assignment"`
}

// CanActOn is the sole authority comparison in the system: an actor may act
// upon (approve for, assign to) a target role iff it sits strictly above it.
func CanActOn(actor, target Role) bool {
	return actor.HierarchyLevel > target.HierarchyLevel
}

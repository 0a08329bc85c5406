package authz

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Service validates input and delegates to the Store. It is the role &
// permission half of the engine; approval workflow lives in internal/approval.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService constructs a Service.
func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}, nil
}

// WithClock overrides the service clock. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RolesForUser returns the user's currently active role grants. An empty
// result is valid: an actor with no roles simply has no permissions.
func (s *Service) RolesForUser(ctx context.Context, userID string) ([]RoleGrant, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.RolesForUser(ctx, userID, s.now())
}

// RoleByName resolves a role definition.
func (s *Service) RoleByName(ctx context.Context, name string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	return s.store.RoleByName(ctx, name)
}

// PermissionsForRole is a direct lookup, no inheritance.
func (s *Service) PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.PermissionsForRole(ctx, roleID)
}

// AssignRole grants roleName to userID, optionally scoped to an organization
// and bounded to ttlDays. The store writes the audit entry atomically.
func (s *Service) AssignRole(ctx context.Context, userID, roleName, organizationID, assignedBy string, ttlDays int) (UserRoleAssignment, error) {
	userID = strings.TrimSpace(userID)
	assignedBy = strings.TrimSpace(assignedBy)
	if userID == "" || assignedBy == "" {
		return UserRoleAssignment{}, fmt.Errorf("%w: user_id and assigned_by are required", ErrInvalidInput)
	}
	if ttlDays < 0 {
		return UserRoleAssignment{}, fmt.Errorf("%w: ttl_days must not be negative", ErrInvalidInput)
	}
	role, err := s.RoleByName(ctx, roleName)
	if err != nil {
		return UserRoleAssignment{}, err
	}

	now := s.now()
	a := UserRoleAssignment{
		UserID:         userID,
		RoleID:         role.ID,
		OrganizationID: strings.TrimSpace(organizationID),
		AssignedBy:     assignedBy,
		AssignedAt:     now,
		Active:         true,
	}
	if ttlDays > 0 {
		expiry := now.Add(time.Duration(ttlDays) * 24 * time.Hour)
		a.ExpiresAt = &expiry
	}
	return s.store.AssignRole(ctx, a)
}

// RevokeRole deactivates an active assignment.
func (s *Service) RevokeRole(ctx context.Context, userID, roleName, organizationID, revokedBy string) error {
	userID = strings.TrimSpace(userID)
	revokedBy = strings.TrimSpace(revokedBy)
	if userID == "" || revokedBy == "" {
		return fmt.Errorf("%w: user_id and revoked_by are required", ErrInvalidInput)
	}
	role, err := s.RoleByName(ctx, roleName)
	if err != nil {
		return err
	}
	return s.store.RevokeRole(ctx, userID, role.ID, strings.TrimSpace(organizationID), revokedBy)
}

// EnsureCatalog installs the builtin roles and permissions.
func (s *Service) EnsureCatalog(ctx context.Context) error {
	return s.store.EnsureCatalog(ctx, BuiltinRoles, BuiltinPermissions, BuiltinGrants)
}

// HighestRole returns the grant with the greatest hierarchy level among the
// user's active grants applying to orgID, and false when the user holds none.
func (s *Service) HighestRole(ctx context.Context, userID, orgID string) (Role, bool, error) {
	grants, err := s.RolesForUser(ctx, userID)
	if err != nil {
		return Role{}, false, err
	}
	var top Role
	found := false
	for _, g := range grants {
		if !g.Assignment.AppliesTo(orgID) {
			continue
		}
		if !found || g.Role.HierarchyLevel > top.HierarchyLevel {
			top = g.Role
			found = true
		}
	}
	return top, found, nil
}

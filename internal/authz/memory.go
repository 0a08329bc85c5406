package authz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"authzcore.org/internal/audit"
	"authzcore.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. Production
// wiring uses the Postgres store; this implementation backs tests and local
// development.
type InMemory struct {
	mu          sync.RWMutex
	rolesByID   map[string]Role
	rolesByName map[string]string // name -> id
	perms       map[string]Permission
	permsByName map[string]string
	grants      map[string][]string // roleID -> permission ids
	assignments []UserRoleAssignment

	rec audit.Recorder
}

// NewInMemory creates an empty store. Mutations are audited through rec.
func NewInMemory(rec audit.Recorder) *InMemory {
	return &InMemory{
		rolesByID:   make(map[string]Role),
		rolesByName: make(map[string]string),
		perms:       make(map[string]Permission),
		permsByName: make(map[string]string),
		grants:      make(map[string][]string),
		rec:         rec,
	}
}

func (s *InMemory) RoleByName(ctx context.Context, name string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.rolesByName[name]
	if !ok {
		return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, name)
	}
	return s.rolesByID[id], nil
}

func (s *InMemory) RoleByID(ctx context.Context, id string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.rolesByID[id]
	if !ok {
		return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, id)
	}
	return role, nil
}

func (s *InMemory) RolesForUser(ctx context.Context, userID string, now time.Time) ([]RoleGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var grants []RoleGrant
	for _, a := range s.assignments {
		if a.UserID != userID || !a.ActiveAt(now) {
			continue
		}
		role, ok := s.rolesByID[a.RoleID]
		if !ok {
			continue
		}
		grants = append(grants, RoleGrant{Role: role, Assignment: a})
	}
	return grants, nil
}

func (s *InMemory) PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.rolesByID[roleID]; !ok {
		return nil, fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	var perms []Permission
	for _, pid := range s.grants[roleID] {
		if p, ok := s.perms[pid]; ok {
			perms = append(perms, p)
		}
	}
	return perms, nil
}

func (s *InMemory) AssignRole(ctx context.Context, a UserRoleAssignment) (UserRoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rolesByID[a.RoleID]; !ok {
		return UserRoleAssignment{}, fmt.Errorf("%w: role %s", ErrNotFound, a.RoleID)
	}
	for _, existing := range s.assignments {
		if existing.UserID == a.UserID && existing.RoleID == a.RoleID &&
			existing.OrganizationID == a.OrganizationID && existing.ActiveAt(a.AssignedAt) {
			return UserRoleAssignment{}, ErrDuplicateAssignment
		}
	}

	entry := audit.NewEntry(a.AssignedBy, "authz.role.assign", "user_role_assignment",
		a.UserID+":"+a.RoleID, nil, audit.JSON(a))
	if err := s.rec.Append(ctx, entry); err != nil {
		return UserRoleAssignment{}, fmt.Errorf("%w: %v", audit.ErrConsistency, err)
	}
	s.assignments = append(s.assignments, a)
	return a, nil
}

func (s *InMemory) RevokeRole(ctx context.Context, userID, roleID, organizationID, revokedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for i, a := range s.assignments {
		if a.UserID != userID || a.RoleID != roleID || a.OrganizationID != organizationID || !a.ActiveAt(now) {
			continue
		}
		updated := a
		updated.Active = false
		entry := audit.NewEntry(revokedBy, "authz.role.revoke", "user_role_assignment",
			userID+":"+roleID, audit.JSON(a), audit.JSON(updated))
		if err := s.rec.Append(ctx, entry); err != nil {
			return fmt.Errorf("%w: %v", audit.ErrConsistency, err)
		}
		s.assignments[i] = updated
		return nil
	}
	return fmt.Errorf("%w: no active assignment for user %s", ErrNotFound, userID)
}

func (s *InMemory) EnsureCatalog(ctx context.Context, roles []Role, perms []Permission, grants map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, r := range roles {
		if _, ok := s.rolesByName[r.Name]; ok {
			continue
		}
		r.ID = ids.New()
		r.CreatedAt = now
		s.rolesByID[r.ID] = r
		s.rolesByName[r.Name] = r.ID
	}
	for _, p := range perms {
		if _, ok := s.permsByName[p.Name]; ok {
			continue
		}
		p.ID = ids.New()
		p.CreatedAt = now
		s.perms[p.ID] = p
		s.permsByName[p.Name] = p.ID
	}
	for roleName, permNames := range grants {
		roleID, ok := s.rolesByName[roleName]
		if !ok {
			return fmt.Errorf("%w: role %s", ErrNotFound, roleName)
		}
		for _, permName := range permNames {
			permID, ok := s.permsByName[permName]
			if !ok {
				return fmt.Errorf("%w: permission %s", ErrNotFound, permName)
			}
			if !containsString(s.grants[roleID], permID) {
				s.grants[roleID] = append(s.grants[roleID], permID)
			}
		}
	}
	return nil
}

func containsString(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"authzcore.org/internal/audit"
)

func newService(t *testing.T) (*Service, *audit.InMemory) {
	t.Helper()
	log := audit.NewInMemory()
	svc, err := NewService(NewInMemory(log))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc.EnsureCatalog(context.Background()); err != nil {
		t.Fatalf("EnsureCatalog: %v", err)
	}
	return svc, log
}

func TestAssignRoleRoundTrip(t *testing.T) {
	svc, log := newService(t)
	ctx := context.Background()

	a, err := svc.AssignRole(ctx, "user-1", RoleClientHead, "org-1", "admin-1", 0)
	if err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if a.ExpiresAt != nil {
		t.Fatalf("zero ttl must not set an expiry: %v", a.ExpiresAt)
	}

	grants, err := svc.RolesForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("RolesForUser: %v", err)
	}
	if len(grants) != 1 || grants[0].Role.Name != RoleClientHead {
		t.Fatalf("unexpected grants: %+v", grants)
	}
	if log.Len() != 1 {
		t.Fatalf("assignment must write exactly one audit entry, got %d", log.Len())
	}

	if err := svc.RevokeRole(ctx, "user-1", RoleClientHead, "org-1", "admin-1"); err != nil {
		t.Fatalf("RevokeRole: %v", err)
	}
	grants, err = svc.RolesForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("RolesForUser: %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("revoked role still visible: %+v", grants)
	}
	if log.Len() != 2 {
		t.Fatalf("revoke must write an audit entry, got %d", log.Len())
	}
}

func TestDuplicateAssignmentIsRefused(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.AssignRole(ctx, "user-1", RoleMember, "org-1", "admin-1", 0); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	_, err := svc.AssignRole(ctx, "user-1", RoleMember, "org-1", "admin-1", 0)
	if !errors.Is(err, ErrDuplicateAssignment) {
		t.Fatalf("expected ErrDuplicateAssignment, got %v", err)
	}

	// The same role scoped to another organization is a distinct assignment.
	if _, err := svc.AssignRole(ctx, "user-1", RoleMember, "org-2", "admin-1", 0); err != nil {
		t.Fatalf("AssignRole other org: %v", err)
	}
}

func TestExpiredAssignmentIsInactive(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.AssignRole(ctx, "user-1", RoleMember, "", "admin-1", 7); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	// Move the clock past the expiry; no sweep has run.
	svc.WithClock(func() time.Time { return time.Now().UTC().Add(8 * 24 * time.Hour) })
	grants, err := svc.RolesForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("RolesForUser: %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("expired assignment must be inactive: %+v", grants)
	}
}

func TestRevokeWithoutAssignment(t *testing.T) {
	svc, _ := newService(t)
	err := svc.RevokeRole(context.Background(), "user-9", RoleMember, "", "admin-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCanActOn(t *testing.T) {
	sponsor := Role{Name: RoleProjectSponsor, HierarchyLevel: 80}
	head := Role{Name: RoleClientHead, HierarchyLevel: 70}
	if !CanActOn(sponsor, head) {
		t.Fatal("sponsor must act on client head")
	}
	if CanActOn(head, sponsor) {
		t.Fatal("client head must not act on sponsor")
	}
	if CanActOn(head, head) {
		t.Fatal("equal levels must not act on each other")
	}
}

func TestHighestRoleRespectsOrgScope(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.AssignRole(ctx, "user-1", RoleMember, "", "admin-1", 0); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if _, err := svc.AssignRole(ctx, "user-1", RoleProjectSponsor, "org-2", "admin-1", 0); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	top, ok, err := svc.HighestRole(ctx, "user-1", "org-1")
	if err != nil || !ok {
		t.Fatalf("HighestRole: %v ok=%v", err, ok)
	}
	if top.Name != RoleMember {
		t.Fatalf("org-scoped sponsor role must not apply to org-1: %s", top.Name)
	}

	top, ok, err = svc.HighestRole(ctx, "user-1", "org-2")
	if err != nil || !ok {
		t.Fatalf("HighestRole: %v ok=%v", err, ok)
	}
	if top.Name != RoleProjectSponsor {
		t.Fatalf("expected sponsor for org-2, got %s", top.Name)
	}
}

package authz

import (
	"context"
	"testing"
	"time"
)

type staticLicenses struct {
	licensed map[string]bool // orgID|moduleID
}

func (s *staticLicenses) IsLicensed(ctx context.Context, organizationID, moduleID string, now time.Time) (bool, error) {
	return s.licensed[organizationID+"|"+moduleID], nil
}

type countingCache struct {
	perms  map[string]bool
	hits   int
	misses int
	writes int
}

func newCountingCache() *countingCache {
	return &countingCache{perms: make(map[string]bool)}
}

func (c *countingCache) GetPermission(ctx context.Context, userID, resource, action string) (bool, bool) {
	v, ok := c.perms[userID+"|"+resource+"|"+action]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

func (c *countingCache) SetPermission(ctx context.Context, userID, resource, action string, allowed bool) {
	c.perms[userID+"|"+resource+"|"+action] = allowed
	c.writes++
}

func (c *countingCache) GetModuleAccess(ctx context.Context, userID, organizationID, moduleID string) (bool, bool) {
	return false, false
}

func (c *countingCache) SetModuleAccess(ctx context.Context, userID, organizationID, moduleID string, allowed bool) {
}

func (c *countingCache) InvalidateUser(ctx context.Context, userID string) error { return nil }

func (c *countingCache) InvalidateOrganization(ctx context.Context, organizationID string) error {
	return nil
}

func newResolver(t *testing.T, licensed map[string]bool, cache DecisionCache) (*Resolver, *Service) {
	t.Helper()
	svc, _ := newService(t)
	r, err := NewResolver(svc.store, &staticLicenses{licensed: licensed}, cache)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r, svc
}

func TestCheckPermissionUnionsRoles(t *testing.T) {
	r, svc := newResolver(t, nil, nil)
	ctx := context.Background()

	if _, err := svc.AssignRole(ctx, "user-1", RoleMember, "", "admin-1", 0); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	d, err := r.CheckPermission(ctx, "user-1", "module", "request")
	if err != nil {
		t.Fatalf("CheckPermission: %v", err)
	}
	if !d.Allow {
		t.Fatalf("member must hold module.request: %+v", d)
	}

	// Not in the member's set until a second role contributes it.
	d, err = r.CheckPermission(ctx, "user-1", "module", "approve")
	if err != nil {
		t.Fatalf("CheckPermission: %v", err)
	}
	if d.Allow {
		t.Fatal("member must not hold module.approve")
	}

	if _, err := svc.AssignRole(ctx, "user-1", RoleClientHead, "", "admin-1", 0); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	d, err = r.CheckPermission(ctx, "user-1", "module", "approve")
	if err != nil {
		t.Fatalf("CheckPermission: %v", err)
	}
	if !d.Allow {
		t.Fatal("union across roles must include module.approve")
	}
}

func TestDenyIsADecisionNotAnError(t *testing.T) {
	r, _ := newResolver(t, nil, nil)

	d, err := r.CheckPermission(context.Background(), "nobody", "module", "approve")
	if err != nil {
		t.Fatalf("unknown user must not error: %v", err)
	}
	if d.Allow || d.Reason == "" {
		t.Fatalf("expected a reasoned deny: %+v", d)
	}
}

func TestBypassShortCircuits(t *testing.T) {
	r, svc := newResolver(t, nil, nil)
	ctx := context.Background()

	if _, err := svc.AssignRole(ctx, "admin-1", RolePlatformAdmin, "", "root", 0); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	d, err := r.CheckPermission(ctx, "admin-1", "anything", "at-all")
	if err != nil {
		t.Fatalf("CheckPermission: %v", err)
	}
	if !d.Allow {
		t.Fatal("bypass role must allow without a matching grant")
	}

	// Module access likewise ignores licensing for a bypass holder.
	d, err = r.CheckModuleAccess(ctx, "admin-1", "org-1", "risk-analysis")
	if err != nil {
		t.Fatalf("CheckModuleAccess: %v", err)
	}
	if !d.Allow {
		t.Fatal("bypass role must allow unlicensed module access")
	}
}

func TestModuleAccessRequiresLicense(t *testing.T) {
	licensed := map[string]bool{"org-1|risk-analysis": true}
	r, svc := newResolver(t, licensed, nil)
	ctx := context.Background()

	if _, err := svc.AssignRole(ctx, "user-1", RoleMember, "", "admin-1", 0); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	d, err := r.CheckModuleAccess(ctx, "user-1", "org-1", "risk-analysis")
	if err != nil {
		t.Fatalf("CheckModuleAccess: %v", err)
	}
	if !d.Allow {
		t.Fatal("licensed module must be accessible")
	}

	d, err = r.CheckModuleAccess(ctx, "user-1", "org-2", "risk-analysis")
	if err != nil {
		t.Fatalf("CheckModuleAccess: %v", err)
	}
	if d.Allow {
		t.Fatal("license must not leak across organizations")
	}
}

func TestPermissionCacheIsConsulted(t *testing.T) {
	cache := newCountingCache()
	r, svc := newResolver(t, nil, cache)
	ctx := context.Background()

	if _, err := svc.AssignRole(ctx, "user-1", RoleMember, "", "admin-1", 0); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	for i := 0; i < 3; i++ {
		d, err := r.CheckPermission(ctx, "user-1", "module", "request")
		if err != nil {
			t.Fatalf("CheckPermission: %v", err)
		}
		if !d.Allow {
			t.Fatalf("call %d: expected allow", i)
		}
	}
	if cache.misses != 1 || cache.writes != 1 || cache.hits != 2 {
		t.Fatalf("cache usage misses=%d writes=%d hits=%d", cache.misses, cache.writes, cache.hits)
	}
}

// Allow holds iff the user carries a bypass role or some active role grants
// the permission, across a mix of assignments including an expired one.
func TestAllowMatchesRoleGrantTable(t *testing.T) {
	r, svc := newResolver(t, nil, nil)
	ctx := context.Background()

	type want struct {
		user     string
		resource string
		action   string
		allow    bool
	}
	setups := []struct {
		user    string
		role    string
		ttlDays int
	}{
		{"u-member", RoleMember, 0},
		{"u-head", RoleClientHead, 0},
		{"u-sponsor", RoleProjectSponsor, 0},
		{"u-admin", RolePlatformAdmin, 0},
		{"u-expired", RoleProjectSponsor, 1},
	}
	for _, s := range setups {
		if _, err := svc.AssignRole(ctx, s.user, s.role, "", "root", s.ttlDays); err != nil {
			t.Fatalf("AssignRole %s: %v", s.user, err)
		}
	}
	// Jump past u-expired's ttl.
	future := time.Now().UTC().Add(48 * time.Hour)
	r.WithClock(func() time.Time { return future })

	cases := []want{
		{"u-member", "module", "request", true},
		{"u-member", "module", "approve", false},
		{"u-member", "audit", "read", false},
		{"u-head", "module", "approve", true},
		{"u-head", "audit", "read", false},
		{"u-sponsor", "module", "approve", true},
		{"u-sponsor", "audit", "read", true},
		{"u-admin", "audit", "read", true},
		{"u-admin", "license", "manage", true},
		{"u-expired", "module", "approve", false},
		{"u-nobody", "module", "request", false},
	}
	for _, tc := range cases {
		d, err := r.CheckPermission(ctx, tc.user, tc.resource, tc.action)
		if err != nil {
			t.Fatalf("%s %s.%s: %v", tc.user, tc.resource, tc.action, err)
		}
		if d.Allow != tc.allow {
			t.Fatalf("%s %s.%s: allow=%v want %v", tc.user, tc.resource, tc.action, d.Allow, tc.allow)
		}
	}
}

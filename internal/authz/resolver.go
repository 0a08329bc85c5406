package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"authzcore.org/internal/obs"
)

// Decision is the outcome of an access check. Deny is a normal result, never
// an error.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// LicenseChecker answers whether a module is licensed for an organization.
// Satisfied by license.Registry.
type LicenseChecker interface {
	IsLicensed(ctx context.Context, organizationID, moduleID string, now time.Time) (bool, error)
}

// DecisionCache caches resolver answers with a short TTL. All methods must be
// cheap and failure-tolerant: a cache error is a miss, never a Deny.
type DecisionCache interface {
	GetPermission(ctx context.Context, userID, resource, action string) (allowed, ok bool)
	SetPermission(ctx context.Context, userID, resource, action string, allowed bool)
	GetModuleAccess(ctx context.Context, userID, organizationID, moduleID string) (allowed, ok bool)
	SetModuleAccess(ctx context.Context, userID, organizationID, moduleID string, allowed bool)
	InvalidateUser(ctx context.Context, userID string) error
	InvalidateOrganization(ctx context.Context, organizationID string) error
}

// Resolver combines the role store with the license registry to answer access
// checks. Both checks are pure reads, safe at high call frequency.
type Resolver struct {
	store    Store
	licenses LicenseChecker
	cache    DecisionCache
	now      func() time.Time
}

// NewResolver constructs a Resolver. cache may be nil (caching disabled).
func NewResolver(store Store, licenses LicenseChecker, cache DecisionCache) (*Resolver, error) {
	if store == nil || licenses == nil {
		return nil, fmt.Errorf("%w: store and license checker are required", ErrInvalidInput)
	}
	return &Resolver{
		store:    store,
		licenses: licenses,
		cache:    cache,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the resolver clock. Tests only.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// CheckPermission unions permissions across the user's active roles and
// reports whether (resource, action) is in that union. A bypass role
// short-circuits to Allow.
func (r *Resolver) CheckPermission(ctx context.Context, userID, resource, action string) (Decision, error) {
	userID = strings.TrimSpace(userID)
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if userID == "" || resource == "" || action == "" {
		return Decision{}, fmt.Errorf("%w: user_id, resource and action are required", ErrInvalidInput)
	}

	if r.cache != nil {
		if allowed, ok := r.cache.GetPermission(ctx, userID, resource, action); ok {
			return r.decided("permission", allowed, "cached"), nil
		}
	}

	grants, err := r.store.RolesForUser(ctx, userID, r.now())
	if err != nil {
		return Decision{}, err
	}
	allowed := false
	reason := "permission not granted"
	for _, g := range grants {
		if g.Role.Bypass {
			allowed = true
			reason = "bypass role " + g.Role.Name
			break
		}
		perms, err := r.store.PermissionsForRole(ctx, g.Role.ID)
		if err != nil {
			return Decision{}, err
		}
		for _, p := range perms {
			if p.Resource == resource && p.Action == action {
				allowed = true
				reason = "granted via role " + g.Role.Name
				break
			}
		}
		if allowed {
			break
		}
	}

	if r.cache != nil {
		r.cache.SetPermission(ctx, userID, resource, action, allowed)
	}
	return r.decided("permission", allowed, reason), nil
}

// CheckModuleAccess allows iff the user holds a bypass role or the module is
// licensed (or always-on) for the organization.
func (r *Resolver) CheckModuleAccess(ctx context.Context, userID, organizationID, moduleID string) (Decision, error) {
	userID = strings.TrimSpace(userID)
	organizationID = strings.TrimSpace(organizationID)
	moduleID = strings.TrimSpace(moduleID)
	if userID == "" || organizationID == "" || moduleID == "" {
		return Decision{}, fmt.Errorf("%w: user_id, organization_id and module_id are required", ErrInvalidInput)
	}

	if r.cache != nil {
		if allowed, ok := r.cache.GetModuleAccess(ctx, userID, organizationID, moduleID); ok {
			return r.decided("module_access", allowed, "cached"), nil
		}
	}

	grants, err := r.store.RolesForUser(ctx, userID, r.now())
	if err != nil {
		return Decision{}, err
	}
	allowed := false
	reason := "module not licensed"
	for _, g := range grants {
		if g.Role.Bypass {
			allowed = true
			reason = "bypass role " + g.Role.Name
			break
		}
	}
	if !allowed {
		licensed, err := r.licenses.IsLicensed(ctx, organizationID, moduleID, r.now())
		if err != nil {
			return Decision{}, err
		}
		if licensed {
			allowed = true
			reason = "licensed"
		}
	}

	if r.cache != nil {
		r.cache.SetModuleAccess(ctx, userID, organizationID, moduleID, allowed)
	}
	return r.decided("module_access", allowed, reason), nil
}

func (r *Resolver) decided(check string, allowed bool, reason string) Decision {
	obs.ObserveDecision(check, allowed)
	if allowed {
		return Decision{Allow: true}
	}
	return Decision{Allow: false, Reason: reason}
}

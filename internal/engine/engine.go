// Package engine is the authorization facade: the single enforcement boundary
// every caller goes through. Inner components trust their callers because the
// facade is the sole production caller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authzcore.org/internal/approval"
	"authzcore.org/internal/audit"
	"authzcore.org/internal/authz"
	"authzcore.org/internal/license"
	"authzcore.org/internal/obs"
)

var (
	// ErrTimeout marks a persistence deadline expiry. Retryable; callers must
	// never read it as a denial.
	ErrTimeout = errors.New("operation timed out")
	// ErrForbidden is a guard failure on a mutating call.
	ErrForbidden = errors.New("forbidden")
	// ErrUnknownModule rejects requests for modules outside the catalog.
	ErrUnknownModule = errors.New("unknown module")
)

// Engine wires the role store, resolver, license registry, approval workflow
// and audit log behind guarded operations.
type Engine struct {
	cfg       Config
	roles     *authz.Service
	resolver  *authz.Resolver
	licenses  *license.Registry
	approvals approval.Service
	auditLog  audit.Log
	cache     authz.DecisionCache
}

// New assembles the facade. cache may be nil.
func New(cfg Config, roles *authz.Service, resolver *authz.Resolver, licenses *license.Registry, approvals approval.Service, auditLog audit.Log, cache authz.DecisionCache) (*Engine, error) {
	if roles == nil || resolver == nil || licenses == nil || approvals == nil || auditLog == nil {
		return nil, errors.New("engine: all components except the cache are required")
	}
	return &Engine{
		cfg:       cfg,
		roles:     roles,
		resolver:  resolver,
		licenses:  licenses,
		approvals: approvals,
		auditLog:  auditLog,
		cache:     cache,
	}, nil
}

// Modules exposes the configured catalog, for the API's module listing.
func (e *Engine) Modules() []string {
	out := make([]string, len(e.cfg.Modules))
	copy(out, e.cfg.Modules)
	return out
}

// CheckPermission answers whether userID may perform action on resource.
func (e *Engine) CheckPermission(ctx context.Context, userID, resource, action string) (authz.Decision, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	d, err := e.resolver.CheckPermission(ctx, userID, resource, action)
	return d, e.mapErr(err)
}

// CheckModuleAccess answers whether userID may use moduleID within the
// organization.
func (e *Engine) CheckModuleAccess(ctx context.Context, userID, organizationID, moduleID string) (authz.Decision, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	d, err := e.resolver.CheckModuleAccess(ctx, userID, organizationID, moduleID)
	return d, e.mapErr(err)
}

// RequestModule opens an approval request on behalf of actorID.
func (e *Engine) RequestModule(ctx context.Context, actorID, organizationID, moduleID, reason string) (approval.ModuleRequest, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	if !e.cfg.knownModule(moduleID) {
		return approval.ModuleRequest{}, fmt.Errorf("%w: %s", ErrUnknownModule, moduleID)
	}
	if err := e.requirePermission(ctx, actorID, "module", "request"); err != nil {
		return approval.ModuleRequest{}, err
	}
	req, err := e.approvals.CreateRequest(ctx, actorID, organizationID, moduleID, reason)
	return req, e.mapErr(err)
}

// Approve records actorID's approval on a request. The acting approver role is
// derived from the actor's assignments scoped to the request's organization;
// an actor holding both approver roles is tried as client head first and falls
// through to project sponsor when that slot is already taken.
func (e *Engine) Approve(ctx context.Context, requestID, actorID string) (approval.ModuleRequest, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	req, err := e.approvals.Get(ctx, requestID)
	if err != nil {
		return approval.ModuleRequest{}, e.mapErr(err)
	}
	held, err := e.approverRoles(ctx, actorID, req.OrganizationID)
	if err != nil {
		return approval.ModuleRequest{}, e.mapErr(err)
	}
	if len(held) == 0 {
		return approval.ModuleRequest{}, fmt.Errorf("%w: no approver role for organization %s", ErrForbidden, req.OrganizationID)
	}

	var lastErr error
	for _, role := range held {
		updated, err := e.approvals.Approve(ctx, requestID, actorID, role)
		if errors.Is(err, approval.ErrAlreadyApproved) {
			lastErr = err
			continue
		}
		if err != nil {
			return updated, e.mapErr(err)
		}
		if updated.Status == approval.StatusApproved {
			e.invalidateOrganization(ctx, updated.OrganizationID)
		}
		return updated, nil
	}
	return req, lastErr
}

// Reject closes a request with a rejection comment.
func (e *Engine) Reject(ctx context.Context, requestID, actorID, comments string) (approval.ModuleRequest, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	req, err := e.approvals.Get(ctx, requestID)
	if err != nil {
		return approval.ModuleRequest{}, e.mapErr(err)
	}
	held, err := e.approverRoles(ctx, actorID, req.OrganizationID)
	if err != nil {
		return approval.ModuleRequest{}, e.mapErr(err)
	}
	if len(held) == 0 {
		return approval.ModuleRequest{}, fmt.Errorf("%w: no approver role for organization %s", ErrForbidden, req.OrganizationID)
	}
	updated, err := e.approvals.Reject(ctx, requestID, actorID, held[0], comments)
	return updated, e.mapErr(err)
}

// AssignRole grants roleName to userID. The actor needs the assign permission
// and, unless holding a bypass role, a strictly higher hierarchy level than
// the granted role.
func (e *Engine) AssignRole(ctx context.Context, actorID, userID, roleName, organizationID string, ttlDays int) (authz.UserRoleAssignment, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	if err := e.requirePermission(ctx, actorID, "authz.role", "assign"); err != nil {
		return authz.UserRoleAssignment{}, err
	}
	if err := e.requireAuthorityOver(ctx, actorID, roleName, organizationID); err != nil {
		return authz.UserRoleAssignment{}, err
	}
	a, err := e.roles.AssignRole(ctx, userID, roleName, organizationID, actorID, ttlDays)
	if err != nil {
		return authz.UserRoleAssignment{}, e.mapErr(err)
	}
	e.invalidateUser(ctx, userID)
	return a, nil
}

// RevokeRole deactivates userID's assignment of roleName.
func (e *Engine) RevokeRole(ctx context.Context, actorID, userID, roleName, organizationID string) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	if err := e.requirePermission(ctx, actorID, "authz.role", "revoke"); err != nil {
		return err
	}
	if err := e.requireAuthorityOver(ctx, actorID, roleName, organizationID); err != nil {
		return err
	}
	if err := e.roles.RevokeRole(ctx, userID, roleName, organizationID, actorID); err != nil {
		return e.mapErr(err)
	}
	e.invalidateUser(ctx, userID)
	return nil
}

// SetLicense upserts an organization's license record for a module.
func (e *Engine) SetLicense(ctx context.Context, actorID, organizationID, moduleID string, licensed bool, start, expiry *time.Time) (license.License, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	if !e.cfg.knownModule(moduleID) {
		return license.License{}, fmt.Errorf("%w: %s", ErrUnknownModule, moduleID)
	}
	if err := e.requirePermission(ctx, actorID, "license", "manage"); err != nil {
		return license.License{}, err
	}
	l, err := e.licenses.SetLicense(ctx, organizationID, moduleID, licensed, start, expiry, actorID)
	if err != nil {
		return license.License{}, e.mapErr(err)
	}
	e.invalidateOrganization(ctx, organizationID)
	return l, nil
}

// OpenRequests lists the organization's non-terminal requests for approver
// dashboards.
func (e *Engine) OpenRequests(ctx context.Context, actorID, organizationID string) ([]approval.ModuleRequest, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	held, err := e.approverRoles(ctx, actorID, organizationID)
	if err != nil {
		return nil, e.mapErr(err)
	}
	if len(held) == 0 {
		return nil, fmt.Errorf("%w: no approver role for organization %s", ErrForbidden, organizationID)
	}
	reqs, err := e.approvals.ListOpen(ctx, organizationID)
	return reqs, e.mapErr(err)
}

// GetRequest fetches a single request. The requester, and anyone holding an
// approver role for its organization, may read it.
func (e *Engine) GetRequest(ctx context.Context, requestID, actorID string) (approval.ModuleRequest, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	req, err := e.approvals.Get(ctx, requestID)
	if err != nil {
		return approval.ModuleRequest{}, e.mapErr(err)
	}
	if req.UserID == actorID {
		return req, nil
	}
	held, err := e.approverRoles(ctx, actorID, req.OrganizationID)
	if err != nil {
		return approval.ModuleRequest{}, e.mapErr(err)
	}
	if len(held) == 0 {
		return approval.ModuleRequest{}, fmt.Errorf("%w: not the requester and no approver role", ErrForbidden)
	}
	return req, nil
}

// AuditTrail reads the audit log.
func (e *Engine) AuditTrail(ctx context.Context, actorID string, filter audit.Filter) ([]audit.Entry, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	if err := e.requirePermission(ctx, actorID, "audit", "read"); err != nil {
		return nil, err
	}
	entries, err := e.auditLog.List(ctx, filter)
	return entries, e.mapErr(err)
}

func (e *Engine) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.timeout())
}

func (e *Engine) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func (e *Engine) requirePermission(ctx context.Context, actorID, resource, action string) error {
	d, err := e.resolver.CheckPermission(ctx, actorID, resource, action)
	if err != nil {
		return e.mapErr(err)
	}
	if !d.Allow {
		return fmt.Errorf("%w: %s.%s", ErrForbidden, resource, action)
	}
	return nil
}

// requireAuthorityOver enforces the hierarchy rule on role grants: the actor's
// strongest role in scope must sit strictly above the role being touched.
// Bypass roles skip the comparison.
func (e *Engine) requireAuthorityOver(ctx context.Context, actorID, roleName, organizationID string) error {
	target, err := e.roles.RoleByName(ctx, roleName)
	if err != nil {
		return e.mapErr(err)
	}
	top, ok, err := e.roles.HighestRole(ctx, actorID, organizationID)
	if err != nil {
		return e.mapErr(err)
	}
	if !ok {
		return fmt.Errorf("%w: actor holds no role in scope", ErrForbidden)
	}
	if top.Bypass {
		return nil
	}
	if !authz.CanActOn(top, target) {
		return fmt.Errorf("%w: %s cannot act on %s", ErrForbidden, top.Name, target.Name)
	}
	return nil
}

// approverRoles returns the approval roles the actor may act as for the
// organization, client head first. A bypass role stands in for both.
func (e *Engine) approverRoles(ctx context.Context, actorID, organizationID string) ([]approval.Role, error) {
	grants, err := e.roles.RolesForUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	var head, sponsor bool
	for _, g := range grants {
		if !g.Assignment.AppliesTo(organizationID) {
			continue
		}
		switch {
		case g.Role.Bypass:
			head, sponsor = true, true
		case g.Role.Name == authz.RoleClientHead:
			head = true
		case g.Role.Name == authz.RoleProjectSponsor:
			sponsor = true
		}
	}
	var held []approval.Role
	if head {
		held = append(held, approval.RoleClientHead)
	}
	if sponsor {
		held = append(held, approval.RoleProjectSponsor)
	}
	return held, nil
}

func (e *Engine) invalidateUser(ctx context.Context, userID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.InvalidateUser(ctx, userID); err != nil {
		obs.Logger().Warnw("cache invalidation failed", "user_id", userID, "error", err)
	}
}

func (e *Engine) invalidateOrganization(ctx context.Context, organizationID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.InvalidateOrganization(ctx, organizationID); err != nil {
		obs.Logger().Warnw("cache invalidation failed", "organization_id", organizationID, "error", err)
	}
}

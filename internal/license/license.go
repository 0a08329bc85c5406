// Package license is the per-organization module licensing registry. A module
// is unlicensed until explicitly granted; the only exception is a fixed
// allow-list of always-available modules supplied as configuration.
package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("license: not found")
	ErrInvalidWindow = errors.New("license: start date after expiry date")
	ErrInvalidInput  = errors.New("license: invalid input")
)

// License is the licensing record for one (organization, module) pair.
type License struct {
	OrganizationID string     `json:"organization_id"`
	ModuleID       string     `json:"module_id"`
	Licensed       bool       `json:"licensed"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	ExpiryDate     *time.Time `json:"expiry_date,omitempty"`
	UpdatedBy      string     `json:"updated_by"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// EffectiveAt reports whether the license grants access at the given instant:
// licensed, and now inside [start, expiry] where bounds are present.
func (l License) EffectiveAt(now time.Time) bool {
	if !l.Licensed {
		return false
	}
	if l.StartDate != nil && now.Before(*l.StartDate) {
		return false
	}
	if l.ExpiryDate != nil && now.After(*l.ExpiryDate) {
		return false
	}
	return true
}

// Store persists licenses. Upsert writes the audit entry (with previous and
// new values) atomically with the row.
type Store interface {
	Find(ctx context.Context, organizationID, moduleID string) (License, error)
	Upsert(ctx context.Context, l License) (License, error)
}

// Registry validates input, applies the always-on allow-list and delegates
// persistence. It never decides who may call SetLicense; the facade does.
type Registry struct {
	store    Store
	alwaysOn map[string]struct{}
}

// NewRegistry constructs a Registry. alwaysOn lists module ids that are
// available to every organization without an explicit grant.
func NewRegistry(store Store, alwaysOn []string) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	set := make(map[string]struct{}, len(alwaysOn))
	for _, m := range alwaysOn {
		m = strings.TrimSpace(m)
		if m != "" {
			set[m] = struct{}{}
		}
	}
	return &Registry{store: store, alwaysOn: set}, nil
}

// IsLicensed reports effective licensing at now. Absence of a record is false.
func (r *Registry) IsLicensed(ctx context.Context, organizationID, moduleID string, now time.Time) (bool, error) {
	organizationID = strings.TrimSpace(organizationID)
	moduleID = strings.TrimSpace(moduleID)
	if organizationID == "" || moduleID == "" {
		return false, fmt.Errorf("%w: organization_id and module_id are required", ErrInvalidInput)
	}
	if _, ok := r.alwaysOn[moduleID]; ok {
		return true, nil
	}
	l, err := r.store.Find(ctx, organizationID, moduleID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return l.EffectiveAt(now), nil
}

// Get returns the stored record without window evaluation.
func (r *Registry) Get(ctx context.Context, organizationID, moduleID string) (License, error) {
	organizationID = strings.TrimSpace(organizationID)
	moduleID = strings.TrimSpace(moduleID)
	if organizationID == "" || moduleID == "" {
		return License{}, fmt.Errorf("%w: organization_id and module_id are required", ErrInvalidInput)
	}
	return r.store.Find(ctx, organizationID, moduleID)
}

// SetLicense upserts the record, auditing previous and new values.
func (r *Registry) SetLicense(ctx context.Context, organizationID, moduleID string, licensed bool, start, expiry *time.Time, actorID string) (License, error) {
	organizationID = strings.TrimSpace(organizationID)
	moduleID = strings.TrimSpace(moduleID)
	actorID = strings.TrimSpace(actorID)
	if organizationID == "" || moduleID == "" || actorID == "" {
		return License{}, fmt.Errorf("%w: organization_id, module_id and actor are required", ErrInvalidInput)
	}
	if start != nil && expiry != nil && start.After(*expiry) {
		return License{}, ErrInvalidWindow
	}
	return r.store.Upsert(ctx, License{
		OrganizationID: organizationID,
		ModuleID:       moduleID,
		Licensed:       licensed,
		StartDate:      start,
		ExpiryDate:     expiry,
		UpdatedBy:      actorID,
		UpdatedAt:      time.Now().UTC(),
	})
}

// Grant marks the module licensed with no validity bounds. Used by the
// approval workflow on final approval.
func (r *Registry) Grant(ctx context.Context, organizationID, moduleID, actorID string) error {
	_, err := r.SetLicense(ctx, organizationID, moduleID, true, nil, nil, actorID)
	return err
}

package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"authzcore.org/internal/audit"
	"authzcore.org/internal/license"
)

func (s *Store) Find(ctx context.Context, organizationID, moduleID string) (license.License, error) {
	var (
		l             license.License
		start, expiry sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select organization_id, module_id, licensed, start_date, expiry_date, updated_by, updated_at
		from organization_module_licenses
		where organization_id = $1 and module_id = $2
	`, organizationID, moduleID).Scan(&l.OrganizationID, &l.ModuleID, &l.Licensed, &start, &expiry, &l.UpdatedBy, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return license.License{}, license.ErrNotFound
	}
	if err != nil {
		return license.License{}, err
	}
	l.StartDate = timePtr(start)
	l.ExpiryDate = timePtr(expiry)
	return l, nil
}

func (s *Store) Upsert(ctx context.Context, l license.License) (license.License, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return license.License{}, err
	}
	defer func() { _ = tx.Rollback() }()

	l, err = upsertLicenseTx(ctx, tx, l)
	if err != nil {
		return license.License{}, err
	}
	if err := tx.Commit(); err != nil {
		return license.License{}, err
	}
	return l, nil
}

// upsertLicenseTx writes the license row and its audit entry inside the
// caller's transaction. The approval workflow reuses it so a final approval
// and its grant land atomically.
func upsertLicenseTx(ctx context.Context, tx *sql.Tx, l license.License) (license.License, error) {
	var oldRaw json.RawMessage
	var (
		old           license.License
		start, expiry sql.NullTime
	)
	err := tx.QueryRowContext(ctx, `
		select organization_id, module_id, licensed, start_date, expiry_date, updated_by, updated_at
		from organization_module_licenses
		where organization_id = $1 and module_id = $2
		for update
	`, l.OrganizationID, l.ModuleID).Scan(&old.OrganizationID, &old.ModuleID, &old.Licensed, &start, &expiry, &old.UpdatedBy, &old.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First grant for this pair.
	case err != nil:
		return license.License{}, err
	default:
		old.StartDate = timePtr(start)
		old.ExpiryDate = timePtr(expiry)
		oldRaw = audit.JSON(old)
	}

	if _, err := tx.ExecContext(ctx, `
		insert into organization_module_licenses (organization_id, module_id, licensed, start_date, expiry_date, updated_by, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (organization_id, module_id) do update
		set licensed = excluded.licensed,
		    start_date = excluded.start_date,
		    expiry_date = excluded.expiry_date,
		    updated_by = excluded.updated_by,
		    updated_at = excluded.updated_at
	`, l.OrganizationID, l.ModuleID, l.Licensed, nullTime(l.StartDate), nullTime(l.ExpiryDate), l.UpdatedBy, l.UpdatedAt); err != nil {
		return license.License{}, err
	}

	entry := audit.NewEntry(l.UpdatedBy, "license.set", "organization_module_license",
		l.OrganizationID+":"+l.ModuleID, oldRaw, audit.JSON(l))
	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return license.License{}, err
	}
	return l, nil
}

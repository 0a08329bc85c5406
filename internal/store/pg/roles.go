package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"authzcore.org/internal/audit"
	"authzcore.org/internal/authz"
	"authzcore.org/internal/ids"
)

func (s *Store) RoleByName(ctx context.Context, name string) (authz.Role, error) {
	return s.scanRole(s.db.QueryRowContext(ctx, `
		select id, name, hierarchy_level, is_system_role, bypass, created_at
		from roles
		where name = $1
	`, name))
}

func (s *Store) RoleByID(ctx context.Context, id string) (authz.Role, error) {
	return s.scanRole(s.db.QueryRowContext(ctx, `
		select id, name, hierarchy_level, is_system_role, bypass, created_at
		from roles
		where id = $1
	`, id))
}

func (s *Store) scanRole(row *sql.Row) (authz.Role, error) {
	var r authz.Role
	err := row.Scan(&r.ID, &r.Name, &r.HierarchyLevel, &r.IsSystemRole, &r.Bypass, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Role{}, authz.ErrNotFound
	}
	if err != nil {
		return authz.Role{}, err
	}
	return r, nil
}

func (s *Store) RolesForUser(ctx context.Context, userID string, now time.Time) ([]authz.RoleGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, r.hierarchy_level, r.is_system_role, r.bypass, r.created_at,
		       a.user_id, a.organization_id, a.assigned_by, a.assigned_at, a.expires_at
		from user_role_assignments a
		join roles r on r.id = a.role_id
		where a.user_id = $1
		  and a.active
		  and (a.expires_at is null or a.expires_at > $2)
		order by a.assigned_at
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []authz.RoleGrant
	for rows.Next() {
		var (
			g       authz.RoleGrant
			expires sql.NullTime
		)
		if err := rows.Scan(&g.Role.ID, &g.Role.Name, &g.Role.HierarchyLevel, &g.Role.IsSystemRole,
			&g.Role.Bypass, &g.Role.CreatedAt,
			&g.Assignment.UserID, &g.Assignment.OrganizationID, &g.Assignment.AssignedBy,
			&g.Assignment.AssignedAt, &expires); err != nil {
			return nil, err
		}
		g.Assignment.RoleID = g.Role.ID
		g.Assignment.ExpiresAt = timePtr(expires)
		g.Assignment.Active = true
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}

func (s *Store) PermissionsForRole(ctx context.Context, roleID string) ([]authz.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.resource, p.action, p.name, p.created_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.name
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []authz.Permission
	for rows.Next() {
		var p authz.Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func (s *Store) AssignRole(ctx context.Context, a authz.UserRoleAssignment) (authz.UserRoleAssignment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return authz.UserRoleAssignment{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into user_role_assignments (id, user_id, role_id, organization_id, assigned_by, assigned_at, expires_at, active)
		values ($1, $2, $3, $4, $5, $6, $7, true)
	`, ids.New(), a.UserID, a.RoleID, a.OrganizationID, a.AssignedBy, a.AssignedAt, nullTime(a.ExpiresAt)); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return authz.UserRoleAssignment{}, authz.ErrDuplicateAssignment
			case pgErrForeignKeyViolation:
				return authz.UserRoleAssignment{}, authz.ErrNotFound
			}
		}
		return authz.UserRoleAssignment{}, err
	}

	entry := audit.NewEntry(a.AssignedBy, "authz.role.assign", "user_role_assignment",
		a.UserID+":"+a.RoleID, nil, audit.JSON(a))
	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return authz.UserRoleAssignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return authz.UserRoleAssignment{}, err
	}
	return a, nil
}

func (s *Store) RevokeRole(ctx context.Context, userID, roleID, organizationID, revokedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var old authz.UserRoleAssignment
	var expires sql.NullTime
	err = tx.QueryRowContext(ctx, `
		select id, user_id, role_id, organization_id, assigned_by, assigned_at, expires_at
		from user_role_assignments
		where user_id = $1 and role_id = $2 and organization_id = $3 and active
		  and (expires_at is null or expires_at > now())
		for update
	`, userID, roleID, organizationID).Scan(new(string), &old.UserID, &old.RoleID,
		&old.OrganizationID, &old.AssignedBy, &old.AssignedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.ErrNotFound
	}
	if err != nil {
		return err
	}
	old.ExpiresAt = timePtr(expires)
	old.Active = true

	if _, err := tx.ExecContext(ctx, `
		update user_role_assignments
		set active = false
		where user_id = $1 and role_id = $2 and organization_id = $3 and active
	`, userID, roleID, organizationID); err != nil {
		return err
	}

	updated := old
	updated.Active = false
	entry := audit.NewEntry(revokedBy, "authz.role.revoke", "user_role_assignment",
		userID+":"+roleID, audit.JSON(old), audit.JSON(updated))
	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) EnsureCatalog(ctx context.Context, roles []authz.Role, perms []authz.Permission, grants map[string][]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range roles {
		if _, err := tx.ExecContext(ctx, `
			insert into roles (id, name, hierarchy_level, is_system_role, bypass)
			values ($1, $2, $3, $4, $5)
			on conflict (name) do nothing
		`, ids.New(), r.Name, r.HierarchyLevel, r.IsSystemRole, r.Bypass); err != nil {
			return err
		}
	}
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (id, resource, action, name)
			values ($1, $2, $3, $4)
			on conflict (name) do nothing
		`, ids.New(), p.Resource, p.Action, p.Name); err != nil {
			return err
		}
	}
	for roleName, permNames := range grants {
		for _, permName := range permNames {
			if _, err := tx.ExecContext(ctx, `
				insert into role_permissions (role_id, permission_id)
				select r.id, p.id from roles r, permissions p
				where r.name = $1 and p.name = $2
				on conflict do nothing
			`, roleName, permName); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

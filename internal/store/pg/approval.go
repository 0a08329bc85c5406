package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"authzcore.org/internal/approval"
	"authzcore.org/internal/audit"
	"authzcore.org/internal/ids"
	"authzcore.org/internal/license"
	"authzcore.org/internal/obs"
)

func (s *Store) CreateRequest(ctx context.Context, userID, organizationID, moduleID, reason string) (approval.ModuleRequest, error) {
	userID = strings.TrimSpace(userID)
	organizationID = strings.TrimSpace(organizationID)
	moduleID = strings.TrimSpace(moduleID)
	if userID == "" || organizationID == "" || moduleID == "" {
		return approval.ModuleRequest{}, approval.ErrInvalidInput
	}

	now := time.Now().UTC()
	req := approval.ModuleRequest{
		ID:             ids.New(),
		UserID:         userID,
		OrganizationID: organizationID,
		ModuleID:       moduleID,
		Reason:         strings.TrimSpace(reason),
		Status:         approval.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return approval.ModuleRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into module_requests (id, user_id, organization_id, module_id, reason, status, comments, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, '', $7, $8)
	`, req.ID, req.UserID, req.OrganizationID, req.ModuleID, req.Reason, req.Status, req.CreatedAt, req.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return approval.ModuleRequest{}, approval.ErrDuplicateRequest
		}
		return approval.ModuleRequest{}, err
	}

	entry := audit.NewEntry(userID, "module_request.created", "module_request", req.ID, nil, audit.JSON(req))
	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return approval.ModuleRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return approval.ModuleRequest{}, err
	}
	return req, nil
}

func (s *Store) Approve(ctx context.Context, requestID, actorID string, role approval.Role) (approval.ModuleRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return approval.ModuleRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := lockRequestTx(ctx, tx, requestID)
	if err != nil {
		return approval.ModuleRequest{}, err
	}
	next, err := approval.NextOnApprove(current.Status, role)
	if err != nil {
		return current, err
	}

	updated := current
	updated.Status = next
	updated.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		update module_requests set status = $2, updated_at = $3 where id = $1
	`, requestID, updated.Status, updated.UpdatedAt); err != nil {
		return current, err
	}

	entry := audit.NewEntry(actorID, "module_request."+string(role)+".approved",
		"module_request", current.ID, audit.JSON(current), audit.JSON(updated))
	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return current, err
	}

	if next == approval.StatusApproved {
		if _, err := upsertLicenseTx(ctx, tx, license.License{
			OrganizationID: current.OrganizationID,
			ModuleID:       current.ModuleID,
			Licensed:       true,
			UpdatedBy:      actorID,
			UpdatedAt:      updated.UpdatedAt,
		}); err != nil {
			return current, err
		}
	}

	if err := tx.Commit(); err != nil {
		return current, err
	}
	obs.ObserveTransition(string(current.Status), string(next))
	return updated, nil
}

func (s *Store) Reject(ctx context.Context, requestID, actorID string, role approval.Role, comments string) (approval.ModuleRequest, error) {
	if role != approval.RoleClientHead && role != approval.RoleProjectSponsor {
		return approval.ModuleRequest{}, approval.ErrInvalidRole
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return approval.ModuleRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := lockRequestTx(ctx, tx, requestID)
	if err != nil {
		return approval.ModuleRequest{}, err
	}
	if err := approval.CheckRejectable(current.Status); err != nil {
		return current, err
	}

	updated := current
	updated.Status = approval.StatusRejected
	updated.Comments = strings.TrimSpace(comments)
	updated.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		update module_requests set status = $2, comments = $3, updated_at = $4 where id = $1
	`, requestID, updated.Status, updated.Comments, updated.UpdatedAt); err != nil {
		return current, err
	}

	entry := audit.NewEntry(actorID, "module_request.rejected",
		"module_request", current.ID, audit.JSON(current), audit.JSON(updated))
	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return current, err
	}
	if err := tx.Commit(); err != nil {
		return current, err
	}
	obs.ObserveTransition(string(current.Status), string(approval.StatusRejected))
	return updated, nil
}

func (s *Store) Get(ctx context.Context, requestID string) (approval.ModuleRequest, error) {
	var req approval.ModuleRequest
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, organization_id, module_id, reason, status, comments, created_at, updated_at
		from module_requests
		where id = $1
	`, requestID).Scan(&req.ID, &req.UserID, &req.OrganizationID, &req.ModuleID,
		&req.Reason, &req.Status, &req.Comments, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return approval.ModuleRequest{}, approval.ErrNotFound
	}
	if err != nil {
		return approval.ModuleRequest{}, err
	}
	return req, nil
}

func (s *Store) ListOpen(ctx context.Context, organizationID string) ([]approval.ModuleRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, organization_id, module_id, reason, status, comments, created_at, updated_at
		from module_requests
		where organization_id = $1 and status not in ('approved', 'rejected')
		order by created_at
	`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []approval.ModuleRequest
	for rows.Next() {
		var req approval.ModuleRequest
		if err := rows.Scan(&req.ID, &req.UserID, &req.OrganizationID, &req.ModuleID,
			&req.Reason, &req.Status, &req.Comments, &req.CreatedAt, &req.UpdatedAt); err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reqs, nil
}

// lockRequestTx takes the row lock that serializes transitions per request id.
func lockRequestTx(ctx context.Context, tx *sql.Tx, requestID string) (approval.ModuleRequest, error) {
	var req approval.ModuleRequest
	err := tx.QueryRowContext(ctx, `
		select id, user_id, organization_id, module_id, reason, status, comments, created_at, updated_at
		from module_requests
		where id = $1
		for update
	`, requestID).Scan(&req.ID, &req.UserID, &req.OrganizationID, &req.ModuleID,
		&req.Reason, &req.Status, &req.Comments, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return approval.ModuleRequest{}, approval.ErrNotFound
	}
	if err != nil {
		return approval.ModuleRequest{}, err
	}
	return req, nil
}

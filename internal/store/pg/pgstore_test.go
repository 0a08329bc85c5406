package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"authzcore.org/internal/approval"
	"authzcore.org/internal/audit"
	"authzcore.org/internal/authz"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func requestColumns() []string {
	return []string{"id", "user_id", "organization_id", "module_id", "reason", "status", "comments", "created_at", "updated_at"}
}

func pendingRequestRow(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(requestColumns()).
		AddRow("req-1", "user-1", "org-1", "risk-analysis", "need it", "pending", "", now, now)
}

func TestAssignRoleMapsUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into user_role_assignments").
		WithArgs(sqlmock.AnyArg(), "user-1", "role-1", "org-1", "admin-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	_, err := s.AssignRole(context.Background(), authz.UserRoleAssignment{
		UserID: "user-1", RoleID: "role-1", OrganizationID: "org-1",
		AssignedBy: "admin-1", AssignedAt: time.Now().UTC(), Active: true,
	})
	if !errors.Is(err, authz.ErrDuplicateAssignment) {
		t.Fatalf("expected ErrDuplicateAssignment, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAssignRoleMapsForeignKeyViolation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into user_role_assignments").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	mock.ExpectRollback()

	_, err := s.AssignRole(context.Background(), authz.UserRoleAssignment{
		UserID: "user-1", RoleID: "ghost", AssignedBy: "admin-1",
		AssignedAt: time.Now().UTC(), Active: true,
	})
	if !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApproveTakesRowLockAndAudits(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from module_requests(.+)for update").
		WithArgs("req-1").
		WillReturnRows(pendingRequestRow(now))
	mock.ExpectExec("update module_requests set status").
		WithArgs("req-1", "client_head_approved", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	req, err := s.Approve(context.Background(), "req-1", "head-1", approval.RoleClientHead)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if req.Status != approval.StatusClientHeadApproved {
		t.Fatalf("status = %s", req.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFinalApprovalGrantsLicenseInSameTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from module_requests(.+)for update").
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows(requestColumns()).
			AddRow("req-1", "user-1", "org-1", "risk-analysis", "need it", "client_head_approved", "", now, now))
	mock.ExpectExec("update module_requests set status").
		WithArgs("req-1", "approved", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("select (.+) from organization_module_licenses(.+)for update").
		WithArgs("org-1", "risk-analysis").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("insert into organization_module_licenses").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	req, err := s.Approve(context.Background(), "req-1", "sponsor-1", approval.RoleProjectSponsor)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if req.Status != approval.StatusApproved {
		t.Fatalf("status = %s", req.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFailedAuditAbortsApproval(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from module_requests(.+)for update").
		WithArgs("req-1").
		WillReturnRows(pendingRequestRow(now))
	mock.ExpectExec("update module_requests set status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into audit_log").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := s.Approve(context.Background(), "req-1", "head-1", approval.RoleClientHead)
	if !errors.Is(err, audit.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApproveTerminalState(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from module_requests(.+)for update").
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows(requestColumns()).
			AddRow("req-1", "user-1", "org-1", "risk-analysis", "need it", "rejected", "no", now, now))
	mock.ExpectRollback()

	_, err := s.Approve(context.Background(), "req-1", "head-1", approval.RoleClientHead)
	if !errors.Is(err, approval.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateRequestMapsActiveDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into module_requests").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	_, err := s.CreateRequest(context.Background(), "user-1", "org-1", "risk-analysis", "need it")
	if !errors.Is(err, approval.ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetRequestNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select (.+) from module_requests").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), "ghost")
	if !errors.Is(err, approval.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditListAppliesFilters(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("select (.+) from audit_log(.+)where actor_id = (.+) and resource_type = (.+) order by created_at desc").
		WithArgs("admin-1", "module_request", 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "actor_id", "action", "resource_type", "resource_id", "old_value", "new_value", "created_at"}).
			AddRow("e-1", "admin-1", "module_request.created", "module_request", "req-1", nil, `{"id":"req-1"}`, now))

	entries, err := s.List(context.Background(), audit.Filter{
		ActorID:      "admin-1",
		ResourceType: "module_request",
		Limit:        50,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "module_request.created" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0].OldValue != nil {
		t.Fatalf("old value must stay empty: %s", entries[0].OldValue)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRevokeRoleWithoutActiveAssignment(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from user_role_assignments(.+)for update").
		WithArgs("user-1", "role-1", "org-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.RevokeRole(context.Background(), "user-1", "role-1", "org-1", "admin-1")
	if !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

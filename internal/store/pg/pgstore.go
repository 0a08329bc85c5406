// Package pg is the Postgres persistence layer. Every mutating method writes
// its audit entry inside the same transaction as the state change, so a failed
// append rolls the whole operation back.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"authzcore.org/internal/approval"
	"authzcore.org/internal/audit"
	"authzcore.org/internal/authz"
	"authzcore.org/internal/license"
	"authzcore.org/internal/obs"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var (
	_ authz.Store      = (*Store)(nil)
	_ license.Store    = (*Store)(nil)
	_ approval.Service = (*Store)(nil)
	_ audit.Log        = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection. Tests use this with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// appendAuditTx writes an audit entry inside the caller's transaction. A
// failure here means the whole transaction must abort.
func appendAuditTx(ctx context.Context, tx *sql.Tx, e *audit.Entry) error {
	_, err := tx.ExecContext(ctx, `
		insert into audit_log (id, actor_id, action, resource_type, resource_id, old_value, new_value, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.ActorID, e.Action, e.ResourceType, e.ResourceID, nullIfEmptyJSON(e.OldValue), nullIfEmptyJSON(e.NewValue), e.CreatedAt)
	if err != nil {
		obs.ObserveConsistencyFailure()
		return fmt.Errorf("%w: %v", audit.ErrConsistency, err)
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmptyJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

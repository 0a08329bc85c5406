package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"authzcore.org/internal/audit"
	"authzcore.org/internal/obs"
)

// Append writes a standalone audit entry. Mutating store methods do not call
// this; they append inside their own transaction via appendAuditTx.
func (s *Store) Append(ctx context.Context, e *audit.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, actor_id, action, resource_type, resource_id, old_value, new_value, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.ActorID, e.Action, e.ResourceType, e.ResourceID, nullIfEmptyJSON(e.OldValue), nullIfEmptyJSON(e.NewValue), e.CreatedAt)
	if err != nil {
		obs.ObserveConsistencyFailure()
		return fmt.Errorf("%w: %v", audit.ErrConsistency, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, cond+" = $"+strconv.Itoa(len(args)))
	}
	add("actor_id", f.ActorID)
	add("resource_type", f.ResourceType)
	add("resource_id", f.ResourceID)

	query := `
		select id, actor_id, action, resource_type, resource_id, old_value, new_value, created_at
		from audit_log`
	if len(conds) > 0 {
		query += "\n\t\twhere " + strings.Join(conds, " and ")
	}
	query += "\n\t\torder by created_at desc, id desc"
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query += "\n\t\tlimit $" + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e              audit.Entry
			oldVal, newVal sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.ResourceType, &e.ResourceID, &oldVal, &newVal, &e.CreatedAt); err != nil {
			return nil, err
		}
		if oldVal.Valid {
			e.OldValue = []byte(oldVal.String)
		}
		if newVal.Valid {
			e.NewValue = []byte(newVal.String)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

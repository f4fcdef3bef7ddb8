package audit

import (
	"context"
	"fmt"

	"hms/internal/authz"
	"hms/pkg/db"
)

// Insert appends e to audit_log in whatever namespace q is bound to.
func Insert(ctx context.Context, q db.Querier, e Entry) error {
	_, err := q.Exec(ctx, `INSERT INTO audit_log
  (id, tenant_id, principal_id, action, resource, resource_id, outcome, occurred_at, request_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.TenantID, e.PrincipalID, string(e.Action), string(e.Resource), e.ResourceID,
		string(e.Outcome), e.OccurredAt, e.RequestID)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns the newest entries first.
func List(ctx context.Context, q db.Querier, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := q.Query(ctx, `SELECT id, tenant_id, principal_id, action, resource, resource_id, outcome, occurred_at, request_id
FROM audit_log ORDER BY occurred_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		var e Entry
		var action, resource, outcome string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.PrincipalID, &action, &resource, &e.ResourceID, &outcome, &e.OccurredAt, &e.RequestID); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action, e.Resource, e.Outcome = authz.Action(action), authz.ResourceClass(resource), Outcome(outcome)
		out = append(out, e)
	}
	return out, rows.Err()
}

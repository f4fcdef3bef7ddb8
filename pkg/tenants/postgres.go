// pkg/tenants/postgres.go
package tenants

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"hms/pkg/db"
	"hms/pkg/problems"
)

// pgRegistry implements Registry on hms_registry.tenants. Every query goes
// through an admin-scoped connection.
type pgRegistry struct {
	mgr *db.Manager
	log *zap.SugaredLogger
}

// NewPostgresRegistry constructs a PostgreSQL-backed tenant registry.
func NewPostgresRegistry(mgr *db.Manager, log *zap.SugaredLogger) Registry {
	return &pgRegistry{mgr: mgr, log: log}
}

// EnsureSchema creates the registry and void schemas plus the tenants table
// and its guard trigger. Safe to call repeatedly (idempotent); concurrent
// callers are serialized by an advisory lock held for the implicit
// transaction of the batch.
func EnsureSchema(ctx context.Context, mgr *db.Manager) error {
	return mgr.WithAdminConnection(ctx, func(ctx context.Context, c db.Conn) error {
		_, err := c.Exec(ctx, registryDDL)
		return err
	})
}

const registryDDL = `
SELECT pg_advisory_xact_lock(hashtext('hms_registry'));
CREATE SCHEMA IF NOT EXISTS hms_void;
REVOKE ALL ON SCHEMA hms_void FROM PUBLIC;
CREATE SCHEMA IF NOT EXISTS hms_registry;
REVOKE ALL ON SCHEMA hms_registry FROM PUBLIC;
CREATE TABLE IF NOT EXISTS hms_registry.tenants (
  id text PRIMARY KEY CHECK (id ~ '^[a-z][a-z0-9_]{1,47}$'),
  display_name text NOT NULL,
  namespace text NOT NULL UNIQUE,
  status text NOT NULL CHECK (status IN ('provisioning','active','suspended')),
  manifest_version int NOT NULL DEFAULT 0,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS tenants_status_idx ON hms_registry.tenants(status);
CREATE OR REPLACE FUNCTION hms_registry.guard_tenant_row() RETURNS trigger
LANGUAGE plpgsql AS $$
BEGIN
  IF TG_OP = 'DELETE' THEN
    IF OLD.status <> 'provisioning' THEN
      RAISE EXCEPTION 'tenant % is % and cannot be deleted', OLD.id, OLD.status;
    END IF;
    RETURN OLD;
  END IF;
  IF NEW.namespace <> OLD.namespace AND OLD.status <> 'provisioning' THEN
    RAISE EXCEPTION 'namespace of tenant % is immutable', OLD.id;
  END IF;
  IF NEW.status = 'provisioning' AND OLD.status <> 'provisioning' THEN
    RAISE EXCEPTION 'tenant % cannot return to provisioning', OLD.id;
  END IF;
  NEW.updated_at := NOW();
  RETURN NEW;
END $$;
DROP TRIGGER IF EXISTS tenants_guard ON hms_registry.tenants;
CREATE TRIGGER tenants_guard BEFORE UPDATE OR DELETE ON hms_registry.tenants
  FOR EACH ROW EXECUTE FUNCTION hms_registry.guard_tenant_row();
`

const tenantColumns = `id, display_name, namespace, status, manifest_version, created_at`

func scanTenant(row pgx.Row) (Tenant, error) {
	var t Tenant
	var status string
	if err := row.Scan(&t.ID, &t.DisplayName, &t.Namespace, &status, &t.ManifestVersion, &t.CreatedAt); err != nil {
		return Tenant{}, err
	}
	t.Status = Status(status)
	return t, nil
}

// Lookup reads one tenant row through q, which must be able to see the
// registry. It returns ErrUnknownTenant on a miss.
func Lookup(ctx context.Context, q db.Querier, id string) (Tenant, error) {
	if !ValidID(id) {
		return Tenant{}, fmt.Errorf("%w: malformed id", problems.ErrUnknownTenant)
	}
	t, err := scanTenant(q.QueryRow(ctx, `SELECT `+tenantColumns+` FROM hms_registry.tenants WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, fmt.Errorf("%w: %s", problems.ErrUnknownTenant, id)
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("registry lookup %s: %w", id, err)
	}
	return t, nil
}

// List reads tenants through q, optionally filtered by status.
func List(ctx context.Context, q db.Querier, status Status) ([]Tenant, error) {
	rows, err := q.Query(ctx, `SELECT `+tenantColumns+` FROM hms_registry.tenants
WHERE $1 = '' OR status = $1 ORDER BY id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()
	out := []Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Get fetches a tenant by id. Malformed ids never reach the database.
func (p *pgRegistry) Get(ctx context.Context, id string) (Tenant, error) {
	if !ValidID(id) {
		return Tenant{}, fmt.Errorf("%w: malformed id", problems.ErrUnknownTenant)
	}
	var t Tenant
	var miss error
	// A miss is an answer, not a failure; the connection stays reusable.
	err := p.mgr.WithAdminConnection(ctx, func(ctx context.Context, c db.Conn) error {
		var err error
		t, err = Lookup(ctx, c, id)
		if errors.Is(err, problems.ErrUnknownTenant) {
			miss = err
			return nil
		}
		return err
	})
	if err != nil {
		return Tenant{}, err
	}
	if miss != nil {
		return Tenant{}, miss
	}
	return t, nil
}

func (p *pgRegistry) ListByStatus(ctx context.Context, status Status) ([]Tenant, error) {
	var out []Tenant
	err := p.mgr.WithAdminConnection(ctx, func(ctx context.Context, c db.Conn) error {
		var err error
		out, err = List(ctx, c, status)
		return err
	})
	return out, err
}

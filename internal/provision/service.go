package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hms/pkg/db"
	"hms/pkg/metrics"
	"hms/pkg/problems"
	"hms/pkg/tenants"
)

// TxRunner runs fn in one transaction on the admin connection path.
// *db.Manager implements it.
type TxRunner interface {
	WithAdminTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
}

// Service creates and maintains tenant namespaces.
type Service struct {
	tx  TxRunner
	reg tenants.Registry
	log *zap.SugaredLogger
}

func NewService(tx TxRunner, reg tenants.Registry, log *zap.SugaredLogger) *Service {
	return &Service{tx: tx, reg: reg, log: log}
}

const tenantReturning = `RETURNING id, display_name, namespace, status, manifest_version, created_at`

func scanTenant(row pgx.Row) (tenants.Tenant, error) {
	var t tenants.Tenant
	var status string
	if err := row.Scan(&t.ID, &t.DisplayName, &t.Namespace, &status, &t.ManifestVersion, &t.CreatedAt); err != nil {
		return tenants.Tenant{}, err
	}
	t.Status = tenants.Status(status)
	return t, nil
}

func lockTenant(ctx context.Context, tx pgx.Tx, id string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "hms_tenant:"+id)
	return err
}

// Provision creates the registry row, role, schema, manifest objects and
// seed data for a new tenant in one transaction. Either all of it exists
// afterwards and the tenant is active, or none of it does.
func (s *Service) Provision(ctx context.Context, id, displayName string) (tenants.Tenant, error) {
	displayName = strings.TrimSpace(displayName)
	if !tenants.ValidID(id) {
		return tenants.Tenant{}, fmt.Errorf("%w: tenant id must match ^[a-z][a-z0-9_]{1,47}$", problems.ErrInvalidRequest)
	}
	if displayName == "" {
		return tenants.Tenant{}, fmt.Errorf("%w: display_name required", problems.ErrInvalidRequest)
	}

	var out tenants.Tenant
	err := s.tx.WithAdminTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		out, err = s.provisionTx(ctx, tx, id, displayName)
		return err
	})
	switch {
	case err == nil:
		metrics.ProvisioningOutcomes.WithLabelValues("created").Inc()
		s.log.Infow("tenant provisioned", "tenant", id, "namespace", out.Namespace, "manifest_version", out.ManifestVersion)
		return out, nil
	case errors.Is(err, problems.ErrTenantAlreadyExists):
		metrics.ProvisioningOutcomes.WithLabelValues("exists").Inc()
		return tenants.Tenant{}, err
	default:
		metrics.ProvisioningOutcomes.WithLabelValues("failed").Inc()
		s.log.Errorw("tenant provisioning rolled back", "tenant", id, "err", err)
		return tenants.Tenant{}, fmt.Errorf("%w: %w", problems.ErrProvisioningFailed, err)
	}
}

func (s *Service) provisionTx(ctx context.Context, tx pgx.Tx, id, displayName string) (tenants.Tenant, error) {
	ns := tenants.NamespaceFor(id)
	role := db.RoleFor(ns)

	if err := lockTenant(ctx, tx, id); err != nil {
		return tenants.Tenant{}, fmt.Errorf("lock: %w", err)
	}

	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM hms_registry.tenants WHERE id=$1`, id).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return tenants.Tenant{}, fmt.Errorf("read registry: %w", err)
	case tenants.Status(status) == tenants.StatusProvisioning:
		s.log.Warnw("reclaiming tenant stuck in provisioning", "tenant", id)
		if _, err := tx.Exec(ctx, render(`DROP SCHEMA IF EXISTS {{schema}} CASCADE; DROP ROLE IF EXISTS {{role}};`, ns, role)); err != nil {
			return tenants.Tenant{}, fmt.Errorf("drop stale namespace: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM hms_registry.tenants WHERE id=$1`, id); err != nil {
			return tenants.Tenant{}, fmt.Errorf("drop stale registry row: %w", err)
		}
	default:
		return tenants.Tenant{}, fmt.Errorf("%w: %s", problems.ErrTenantAlreadyExists, id)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO hms_registry.tenants (id, display_name, namespace, status) VALUES ($1, $2, $3, 'provisioning') ON CONFLICT (id) DO NOTHING`,
		id, displayName, ns)
	if err != nil {
		return tenants.Tenant{}, fmt.Errorf("insert registry row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenants.Tenant{}, fmt.Errorf("%w: %s", problems.ErrTenantAlreadyExists, id)
	}

	if _, err := tx.Exec(ctx, render(`
CREATE ROLE {{role}} NOLOGIN;
GRANT {{role}} TO CURRENT_USER;
CREATE SCHEMA {{schema}};
REVOKE ALL ON SCHEMA {{schema}} FROM PUBLIC;
GRANT USAGE ON SCHEMA {{schema}} TO {{role}};
`, ns, role)); err != nil {
		return tenants.Tenant{}, fmt.Errorf("create namespace: %w", err)
	}

	version, err := applyMigrations(ctx, tx, ns, role, 0)
	if err != nil {
		return tenants.Tenant{}, err
	}

	if err := seed(ctx, tx, ns, displayName); err != nil {
		return tenants.Tenant{}, err
	}

	t, err := scanTenant(tx.QueryRow(ctx,
		`UPDATE hms_registry.tenants SET status='active', manifest_version=$2 WHERE id=$1 `+tenantReturning,
		id, version))
	if err != nil {
		return tenants.Tenant{}, fmt.Errorf("activate: %w", err)
	}
	return t, nil
}

// applyMigrations runs every manifest step newer than from and returns the
// version reached.
func applyMigrations(ctx context.Context, tx pgx.Tx, ns, role string, from int) (int, error) {
	version := from
	for _, m := range pending(from) {
		if _, err := tx.Exec(ctx, render(m.SQL, ns, role)); err != nil {
			return version, fmt.Errorf("manifest v%d %s: %w", m.Version, m.Name, err)
		}
		version = m.Version
	}
	return version, nil
}

func seed(ctx context.Context, tx pgx.Tx, ns, displayName string) error {
	schema := pgx.Identifier{ns}.Sanitize()
	for _, r := range defaultRoles {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+schema+`.roles (name, description) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
			r.name, r.description); err != nil {
			return fmt.Errorf("seed role %s: %w", r.name, err)
		}
	}
	config := []struct {
		key   string
		value any
	}{
		{"display_name", displayName},
		{"timezone", "UTC"},
		{"locale", "en"},
		{"appointment_slot_minutes", 15},
	}
	for _, c := range config {
		raw, err := json.Marshal(c.value)
		if err != nil {
			return fmt.Errorf("seed config %s: %w", c.key, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+schema+`.tenant_config (key, value) VALUES ($1, $2::jsonb) ON CONFLICT (key) DO NOTHING`,
			c.key, raw); err != nil {
			return fmt.Errorf("seed config %s: %w", c.key, err)
		}
	}
	return nil
}

// Suspend stops a tenant from serving requests. Its namespace and data stay.
// Suspending a suspended tenant is a no-op.
func (s *Service) Suspend(ctx context.Context, id string) (tenants.Tenant, error) {
	return s.setStatus(ctx, id, tenants.StatusActive, tenants.StatusSuspended)
}

// Resume reactivates a suspended tenant.
func (s *Service) Resume(ctx context.Context, id string) (tenants.Tenant, error) {
	return s.setStatus(ctx, id, tenants.StatusSuspended, tenants.StatusActive)
}

func (s *Service) setStatus(ctx context.Context, id string, from, to tenants.Status) (tenants.Tenant, error) {
	if !tenants.ValidID(id) {
		return tenants.Tenant{}, fmt.Errorf("%w: %s", problems.ErrNotFound, id)
	}
	var out tenants.Tenant
	err := s.tx.WithAdminTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := lockTenant(ctx, tx, id); err != nil {
			return err
		}
		t, err := scanTenant(tx.QueryRow(ctx,
			`SELECT id, display_name, namespace, status, manifest_version, created_at FROM hms_registry.tenants WHERE id=$1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", problems.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		switch t.Status {
		case to:
			out = t
			return nil
		case from:
		default:
			return fmt.Errorf("%w: %s is %s", problems.ErrInvalidRequest, id, t.Status)
		}
		out, err = scanTenant(tx.QueryRow(ctx,
			`UPDATE hms_registry.tenants SET status=$2 WHERE id=$1 `+tenantReturning, id, string(to)))
		return err
	})
	if err != nil {
		return tenants.Tenant{}, err
	}
	s.log.Infow("tenant status changed", "tenant", id, "status", out.Status)
	return out, nil
}

// Reconcile brings every active tenant up to the latest manifest version.
// Each tenant upgrades in its own transaction; one failure does not stop
// the others.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	active, err := s.reg.ListByStatus(ctx, tenants.StatusActive)
	if err != nil {
		return 0, err
	}
	latest := LatestVersion()

	var (
		mu       sync.Mutex
		upgraded int
		errs     []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, t := range active {
		if t.ManifestVersion >= latest {
			continue
		}
		t := t
		g.Go(func() error {
			err := s.upgrade(gctx, t.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Errorw("manifest upgrade failed", "tenant", t.ID, "from", t.ManifestVersion, "err", err)
				errs = append(errs, fmt.Errorf("%s: %w", t.ID, err))
				return nil
			}
			upgraded++
			return nil
		})
	}
	_ = g.Wait()
	return upgraded, errors.Join(errs...)
}

func (s *Service) upgrade(ctx context.Context, id string) error {
	return s.tx.WithAdminTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := lockTenant(ctx, tx, id); err != nil {
			return err
		}
		var ns, status string
		var current int
		err := tx.QueryRow(ctx,
			`SELECT namespace, status, manifest_version FROM hms_registry.tenants WHERE id=$1`, id).Scan(&ns, &status, &current)
		if err != nil {
			return err
		}
		if tenants.Status(status) != tenants.StatusActive {
			return nil
		}
		version, err := applyMigrations(ctx, tx, ns, db.RoleFor(ns), current)
		if err != nil {
			return err
		}
		if version == current {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE hms_registry.tenants SET manifest_version=$2 WHERE id=$1`, id, version)
		if err == nil {
			s.log.Infow("manifest upgraded", "tenant", id, "from", current, "to", version)
		}
		return err
	})
}

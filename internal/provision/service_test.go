package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hms/pkg/logger"
	"hms/pkg/problems"
	"hms/pkg/tenants"
)

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("scan: %d dest, %d values", len(dest), len(r.vals))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.vals[i].(string)
		case *int:
			*p = r.vals[i].(int)
		case *time.Time:
			*p = r.vals[i].(time.Time)
		default:
			return fmt.Errorf("scan: unsupported %T", d)
		}
	}
	return nil
}

// scriptTx records statements and answers QueryRow by SQL substring.
type scriptTx struct {
	pgx.Tx
	execs  []string
	failOn string
	rows   map[string]fakeRow
}

func (t *scriptTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	if t.failOn != "" && strings.Contains(sql, t.failOn) {
		return pgconn.CommandTag{}, errors.New("ERROR: syntax error (SQLSTATE 42601)")
	}
	if strings.HasPrefix(strings.TrimSpace(sql), "INSERT") {
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.NewCommandTag("OK"), nil
}

func (t *scriptTx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	t.execs = append(t.execs, sql)
	for sub, row := range t.rows {
		if strings.Contains(sql, sub) {
			return row
		}
	}
	return fakeRow{err: pgx.ErrNoRows}
}

func (t *scriptTx) ran(sub string) bool {
	for _, s := range t.execs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

type fakeRunner struct {
	tx         *scriptTx
	calls      int
	rolledBack bool
}

func (r *fakeRunner) WithAdminTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	r.calls++
	err := fn(ctx, r.tx)
	if err != nil {
		r.rolledBack = true
	}
	return err
}

func activated(id string, version int) fakeRow {
	return fakeRow{vals: []any{id, "Clinic 9", tenants.NamespaceFor(id), "active", version, time.Now()}}
}

func newTestService(tx *scriptTx, reg tenants.Registry) (*Service, *fakeRunner) {
	r := &fakeRunner{tx: tx}
	return NewService(r, reg, logger.Nop()), r
}

func TestProvisionCreatesEverythingInOrder(t *testing.T) {
	t.Parallel()
	tx := &scriptTx{rows: map[string]fakeRow{"SET status='active'": activated("clinic_9", LatestVersion())}}
	svc, run := newTestService(tx, nil)

	got, err := svc.Provision(context.Background(), "clinic_9", "Clinic 9")
	require.NoError(t, err)
	assert.Equal(t, tenants.StatusActive, got.Status)
	assert.Equal(t, "t_clinic_9", got.Namespace)
	assert.Equal(t, LatestVersion(), got.ManifestVersion)
	assert.False(t, run.rolledBack)

	order := []string{
		"pg_advisory_xact_lock",
		"INSERT INTO hms_registry.tenants",
		`CREATE ROLE "t_clinic_9_app" NOLOGIN`,
		`CREATE TABLE "t_clinic_9".patients`,
		`ALTER TABLE "t_clinic_9".notifications ADD COLUMN IF NOT EXISTS read_at`,
		`INSERT INTO "t_clinic_9".roles`,
		`INSERT INTO "t_clinic_9".tenant_config`,
		"SET status='active'",
	}
	idx := 0
	for _, s := range tx.execs {
		if idx < len(order) && strings.Contains(s, order[idx]) {
			idx++
		}
	}
	assert.Equal(t, len(order), idx, "statement %q missing or out of order", order[min(idx, len(order)-1)])
}

func TestProvisionExistingTenant(t *testing.T) {
	t.Parallel()
	for _, status := range []string{"active", "suspended"} {
		tx := &scriptTx{rows: map[string]fakeRow{"SELECT status FROM": {vals: []any{status}}}}
		svc, _ := newTestService(tx, nil)

		_, err := svc.Provision(context.Background(), "clinic_9", "Clinic 9")
		assert.ErrorIs(t, err, problems.ErrTenantAlreadyExists, status)
		assert.NotErrorIs(t, err, problems.ErrProvisioningFailed, status)
		assert.False(t, tx.ran("CREATE SCHEMA"), status)
	}
}

func TestProvisionReclaimsStuckTenant(t *testing.T) {
	t.Parallel()
	tx := &scriptTx{rows: map[string]fakeRow{
		"SELECT status FROM":   {vals: []any{"provisioning"}},
		"SET status='active'": activated("clinic_9", LatestVersion()),
	}}
	svc, _ := newTestService(tx, nil)

	_, err := svc.Provision(context.Background(), "clinic_9", "Clinic 9")
	require.NoError(t, err)
	assert.True(t, tx.ran(`DROP SCHEMA IF EXISTS "t_clinic_9" CASCADE`))
	assert.True(t, tx.ran("DELETE FROM hms_registry.tenants"))
	assert.True(t, tx.ran(`CREATE SCHEMA "t_clinic_9"`))
}

func TestProvisionFailureRollsBack(t *testing.T) {
	t.Parallel()
	tx := &scriptTx{failOn: "CREATE TABLE", rows: map[string]fakeRow{"SET status='active'": activated("clinic_9", 2)}}
	svc, run := newTestService(tx, nil)

	_, err := svc.Provision(context.Background(), "clinic_9", "Clinic 9")
	require.ErrorIs(t, err, problems.ErrProvisioningFailed)
	assert.True(t, run.rolledBack)
	assert.False(t, tx.ran("SET status='active'"))
}

func TestProvisionValidatesInput(t *testing.T) {
	t.Parallel()
	svc, run := newTestService(&scriptTx{}, nil)
	for _, tc := range []struct{ id, name string }{
		{"Clinic-9", "Clinic 9"},
		{`x"; DROP SCHEMA public; --`, "Clinic"},
		{"clinic_9", "   "},
	} {
		_, err := svc.Provision(context.Background(), tc.id, tc.name)
		assert.ErrorIs(t, err, problems.ErrInvalidRequest, tc.id)
	}
	assert.Zero(t, run.calls)
}

func TestSuspend(t *testing.T) {
	t.Parallel()
	tx := &scriptTx{rows: map[string]fakeRow{
		"SET status=$2": {vals: []any{"clinic_9", "Clinic 9", "t_clinic_9", "suspended", 2, time.Now()}},
		"FROM hms_registry.tenants WHERE id=$1": {vals: []any{"clinic_9", "Clinic 9", "t_clinic_9", "active", 2, time.Now()}},
	}}
	svc, _ := newTestService(tx, nil)

	got, err := svc.Suspend(context.Background(), "clinic_9")
	require.NoError(t, err)
	assert.Equal(t, tenants.StatusSuspended, got.Status)
}

func TestSuspendUnknownTenant(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(&scriptTx{}, nil)
	_, err := svc.Suspend(context.Background(), "ghost")
	assert.ErrorIs(t, err, problems.ErrNotFound)
}

func TestReconcileUpgradesOutdatedTenants(t *testing.T) {
	t.Parallel()
	reg := tenants.NewMemoryRegistry(
		tenants.Tenant{ID: "old_clinic", Status: tenants.StatusActive, ManifestVersion: 1},
		tenants.Tenant{ID: "new_clinic", Status: tenants.StatusActive, ManifestVersion: LatestVersion()},
	)
	tx := &scriptTx{rows: map[string]fakeRow{
		"SELECT namespace, status, manifest_version": {vals: []any{"t_old_clinic", "active", 1}},
	}}
	svc, run := newTestService(tx, reg)

	n, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, run.calls)
	assert.True(t, tx.ran(`ALTER TABLE "t_old_clinic".notifications`))
	assert.False(t, tx.ran(`CREATE TABLE "t_old_clinic".patients`))
	assert.True(t, tx.ran("SET manifest_version=$2"))
}

func TestRenderQuotesIdentifiers(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `GRANT USAGE ON SCHEMA "t_a" TO "t_a_app";`, render(`GRANT USAGE ON SCHEMA {{schema}} TO {{role}};`, "t_a", "t_a_app"))
}

func TestManifestVersionsIncrease(t *testing.T) {
	t.Parallel()
	for i := 1; i < len(Manifest); i++ {
		assert.Greater(t, Manifest[i].Version, Manifest[i-1].Version)
	}
	assert.Len(t, pending(0), len(Manifest))
	assert.Empty(t, pending(LatestVersion()))
}

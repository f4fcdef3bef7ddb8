package tenants

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hms/pkg/db"
	"hms/pkg/logger"
	"hms/pkg/problems"
)

func TestValidID(t *testing.T) {
	t.Parallel()
	for id, want := range map[string]bool{
		"clinic_9":             true,
		"st_marys":             true,
		"a1":                   true,
		"a":                    false,
		"9clinic":              false,
		"Clinic9":              false,
		"clinic-9":             false,
		"clinic_9;drop":        false,
		"":                     false,
		"a234567890123456789012345678901234567890123456789": false,
	} {
		assert.Equal(t, want, ValidID(id), id)
	}
}

func TestBinding(t *testing.T) {
	t.Parallel()
	active := Tenant{ID: "clinic_9", Namespace: NamespaceFor("clinic_9"), Status: StatusActive}
	ns, err := active.Binding()
	require.NoError(t, err)
	assert.Equal(t, db.Namespace{Tenant: "clinic_9", Schema: "t_clinic_9", Role: "t_clinic_9_app"}, ns)

	for _, s := range []Status{StatusSuspended, StatusProvisioning} {
		_, err := Tenant{ID: "clinic_9", Namespace: "t_clinic_9", Status: s}.Binding()
		assert.ErrorIs(t, err, problems.ErrTenantUnavailable, string(s))
	}
}

func TestMemoryRegistry(t *testing.T) {
	t.Setenv("TENANT_SEED_JSON", `[{"id":"clinic_9","display_name":"Clinic 9"},{"id":"clinic_2","status":"suspended"},{"id":"BAD"}]`)
	reg := NewMemoryRegistryFromEnv(logger.Nop())
	ctx := context.Background()

	got, err := reg.Get(ctx, "clinic_9")
	require.NoError(t, err)
	assert.Equal(t, "t_clinic_9", got.Namespace)
	assert.Equal(t, StatusActive, got.Status)

	_, err = reg.Get(ctx, "BAD")
	assert.ErrorIs(t, err, problems.ErrUnknownTenant)

	suspended, err := reg.ListByStatus(ctx, StatusSuspended)
	require.NoError(t, err)
	require.Len(t, suspended, 1)
	assert.Equal(t, "clinic_2", suspended[0].ID)
}

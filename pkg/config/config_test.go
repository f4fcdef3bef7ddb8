package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HMS_ENV", "")
	t.Setenv("DB_ACQUIRE_TIMEOUT", "")
	t.Setenv("TENANT_CLAIM", "")

	cfg := Load()

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, 2*time.Second, cfg.AcquireTimeout)
	assert.Equal(t, "tid", cfg.TenantClaim)
	assert.Equal(t, "groups", cfg.GroupsClaimPath)
}

func TestEnvDur(t *testing.T) {
	t.Setenv("X_DUR", "750ms")
	assert.Equal(t, 750*time.Millisecond, envDur("X_DUR", time.Second))

	t.Setenv("X_DUR", "5")
	assert.Equal(t, 5*time.Second, envDur("X_DUR", time.Second))

	t.Setenv("X_DUR", "soon")
	assert.Equal(t, time.Second, envDur("X_DUR", time.Second))
}

func TestIssuerTrailingSlashTrimmed(t *testing.T) {
	t.Setenv("OIDC_ISSUER", "https://idp.example.com/realms/hms/")
	cfg := Load()
	assert.Equal(t, "https://idp.example.com/realms/hms", cfg.Issuer)
}

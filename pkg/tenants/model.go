package tenants

import (
	"fmt"
	"regexp"
	"time"

	"hms/pkg/db"
	"hms/pkg/problems"
)

type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusSuspended    Status = "suspended"
)

// Tenant is one hospital or clinic organization.
type Tenant struct {
	ID              string    `json:"id"`
	DisplayName     string    `json:"display_name"`
	Namespace       string    `json:"namespace"` // Postgres schema, immutable once active
	Status          Status    `json:"status"`
	ManifestVersion int       `json:"manifest_version"`
	CreatedAt       time.Time `json:"created_at"`
}

// IDs are URL-safe and double as a SQL identifier fragment.
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{1,47}$`)

func ValidID(id string) bool { return idPattern.MatchString(id) }

// NamespaceFor derives the schema name for a tenant id.
func NamespaceFor(id string) string { return "t_" + id }

// Binding returns the connection namespace for this tenant, or
// ErrTenantUnavailable when it may not serve requests.
func (t Tenant) Binding() (db.Namespace, error) {
	if t.Status != StatusActive {
		return db.Namespace{}, fmt.Errorf("%w: %s is %s", problems.ErrTenantUnavailable, t.ID, t.Status)
	}
	return db.TenantNamespace(t.ID, t.Namespace), nil
}

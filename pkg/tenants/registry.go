package tenants

import "context"

// Registry is the platform-wide record of tenants. Get returns an error
// wrapping problems.ErrUnknownTenant when no row exists.
type Registry interface {
	Get(ctx context.Context, id string) (Tenant, error)
	// ListByStatus is used by reconciliation. An empty status lists all.
	ListByStatus(ctx context.Context, status Status) ([]Tenant, error)
}

package adminapi

import (
	"context"

	"go.uber.org/zap"

	"hms/pkg/tenants"
)

// Provisioner is the slice of provision.Service the operator API drives.
type Provisioner interface {
	Provision(ctx context.Context, id, displayName string) (tenants.Tenant, error)
	Suspend(ctx context.Context, id string) (tenants.Tenant, error)
	Resume(ctx context.Context, id string) (tenants.Tenant, error)
}

// Config holds admin-api specific configuration.
type Config struct {
	CORSOrigins []string
}

// App is the operator API. Handlers have methods on this type; shared deps
// and config only, request-scoped work goes through the context.
type App struct {
	log  *zap.SugaredLogger
	prov Provisioner
	cfg  Config
}

func New(log *zap.SugaredLogger, prov Provisioner, cfg Config) *App {
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"http://localhost:3001"}
	}
	return &App{log: log, prov: prov, cfg: cfg}
}

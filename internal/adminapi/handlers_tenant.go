package adminapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"hms/internal/authz"
	"hms/internal/gateway"
	"hms/pkg/authn"
	"hms/pkg/db"
	"hms/pkg/problems"
	"hms/pkg/tenants"
)

type createTenantBody struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Routes are the operator-surface operations. None of them carries a tenant
// hint, so only tenant-agnostic roles can pass the permission gate. Reads run
// on a registry-bound connection; lifecycle changes run their own admin
// transaction inside the provisioning service.
func (a *App) Routes() []gateway.Route {
	op := func(method, pattern, summary string, act authz.Action, b gateway.Binding, h gateway.Handler) gateway.Route {
		rt := gateway.Route{
			Method: method, Pattern: pattern, Summary: summary,
			Surface: authz.SurfaceOperator, Resource: authz.ResourceTenant, Action: act,
			Binding: b, Handler: h,
		}
		if strings.Contains(pattern, "{id}") {
			rt.ResourceIDParam = "id"
		}
		return rt
	}
	return []gateway.Route{
		op(http.MethodGet, "/admin/tenants", "List tenants", authz.ActionRead, gateway.BindAdmin, a.listTenants),
		op(http.MethodPost, "/admin/tenants", "Provision a tenant", authz.ActionWrite, gateway.BindNone, a.createTenant),
		op(http.MethodGet, "/admin/tenants/{id}", "Get a tenant", authz.ActionRead, gateway.BindAdmin, a.getTenant),
		op(http.MethodPost, "/admin/tenants/{id}/suspend", "Suspend a tenant", authz.ActionWrite, gateway.BindNone, a.suspendTenant),
		op(http.MethodPost, "/admin/tenants/{id}/resume", "Resume a tenant", authz.ActionWrite, gateway.BindNone, a.resumeTenant),
	}
}

func (a *App) createTenant(ctx context.Context, _ db.Conn, p authn.Principal, _ tenants.Tenant, r *http.Request) (gateway.Result, error) {
	var b createTenantBody
	if err := gateway.DecodeJSON(r, &b); err != nil {
		return gateway.Result{}, err
	}
	t, err := a.prov.Provision(ctx, strings.TrimSpace(b.ID), b.DisplayName)
	if err != nil {
		return gateway.Result{}, err
	}
	a.log.Infow("tenant provisioned", "tenant", t.ID, "by", p.UserID)
	return gateway.Result{Status: http.StatusCreated, Body: t, ResourceID: t.ID}, nil
}

func (a *App) getTenant(ctx context.Context, conn db.Conn, _ authn.Principal, _ tenants.Tenant, r *http.Request) (gateway.Result, error) {
	t, err := tenants.Lookup(ctx, conn, chi.URLParam(r, "id"))
	if err != nil {
		return gateway.Result{}, notFound(err)
	}
	return gateway.Result{Body: t}, nil
}

func (a *App) listTenants(ctx context.Context, conn db.Conn, _ authn.Principal, _ tenants.Tenant, r *http.Request) (gateway.Result, error) {
	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		return gateway.Result{}, err
	}
	ts, err := tenants.List(ctx, conn, status)
	if err != nil {
		return gateway.Result{}, err
	}
	return gateway.Result{Body: map[string]any{"tenants": ts}}, nil
}

func (a *App) suspendTenant(ctx context.Context, _ db.Conn, p authn.Principal, _ tenants.Tenant, r *http.Request) (gateway.Result, error) {
	t, err := a.prov.Suspend(ctx, chi.URLParam(r, "id"))
	if err != nil {
		return gateway.Result{}, err
	}
	a.log.Infow("tenant suspended", "tenant", t.ID, "by", p.UserID)
	return gateway.Result{Body: t, ResourceID: t.ID}, nil
}

func (a *App) resumeTenant(ctx context.Context, _ db.Conn, p authn.Principal, _ tenants.Tenant, r *http.Request) (gateway.Result, error) {
	t, err := a.prov.Resume(ctx, chi.URLParam(r, "id"))
	if err != nil {
		return gateway.Result{}, err
	}
	a.log.Infow("tenant resumed", "tenant", t.ID, "by", p.UserID)
	return gateway.Result{Body: t, ResourceID: t.ID}, nil
}

// notFound turns the registry's enumeration-safe miss into a plain 404;
// operators are allowed to know which tenants exist.
func notFound(err error) error {
	if problems.Status(err) == http.StatusForbidden {
		return fmt.Errorf("%w: %v", problems.ErrNotFound, err)
	}
	return err
}

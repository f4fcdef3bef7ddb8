package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"hms/internal/audit"
	"hms/internal/authz"
	"hms/pkg/authn"
	"hms/pkg/db"
	"hms/pkg/middleware"
	"hms/pkg/problems"
	"hms/pkg/reqctx"
	"hms/pkg/tenants"
)

// Binding selects the namespace a route's handler runs in.
type Binding int

const (
	// BindTenant runs the handler on a connection bound to the resolved tenant.
	BindTenant Binding = iota
	// BindAdmin runs the handler on a connection bound to the registry namespace.
	BindAdmin
	// BindNone runs the handler without a connection.
	BindNone
)

// Result is what a business handler hands back. ResourceID, when set, is
// recorded in the audit entry.
type Result struct {
	Status     int
	Body       any
	ResourceID string
}

// Handler is business logic. It receives an already bound connection and an
// already authorized principal; it never binds or checks permissions itself.
// conn is nil for BindNone routes and t is zero for routes without a tenant.
type Handler func(ctx context.Context, conn db.Conn, p authn.Principal, t tenants.Tenant, r *http.Request) (Result, error)

// Route declares one operation and what it touches. Every route goes through
// the same authorization path; there are no per-route checks.
type Route struct {
	Method          string
	Pattern         string
	Summary         string
	Surface         authz.Surface
	Resource        authz.ResourceClass
	Action          authz.Action
	Binding         Binding
	ResourceIDParam string
	Handler         Handler
}

type Connector interface {
	WithTenantConnection(ctx context.Context, ns db.Namespace, fn func(ctx context.Context, c db.Conn) error) error
	WithAdminConnection(ctx context.Context, fn func(ctx context.Context, c db.Conn) error) error
}

type Authorizer interface {
	Authorize(ctx context.Context, req authz.Request) error
}

type Pipeline struct {
	conns  Connector
	engine Authorizer
	audit  *audit.Interceptor
	log    *zap.SugaredLogger
}

func New(conns Connector, engine Authorizer, auditor *audit.Interceptor, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{conns: conns, engine: engine, audit: auditor, log: log}
}

// Mount registers every route on r.
func (p *Pipeline) Mount(r chi.Router, routes []Route) {
	for _, rt := range routes {
		r.Method(rt.Method, rt.Pattern, p.Wrap(rt))
	}
}

// Wrap turns a route into an http.Handler that authorizes, binds, runs and
// audits, in that order.
func (p *Pipeline) Wrap(rt Route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		rid := reqctx.RequestID(ctx)

		principal, ok := authn.PrincipalFrom(ctx)
		if !ok {
			problems.Write(w, problems.ErrUnauthenticated, rid)
			return
		}

		var t tenants.Tenant
		if rt.Binding == BindTenant {
			var err error
			t, err = middleware.TenantFrom(ctx)
			if err != nil {
				// Unknown and unavailable tenants answer exactly like a refusal.
				p.log.Infow("request refused", "request_id", rid, "principal", principal.UserID, "cause", err)
				problems.Write(w, err, rid)
				return
			}
		}

		req := authz.Request{
			Principal: principal,
			TenantID:  t.ID,
			Surface:   rt.Surface,
			Resource:  rt.Resource,
			Action:    rt.Action,
			AppID:     r.Header.Get(authz.HeaderAppID),
			AppSecret: r.Header.Get(authz.HeaderAppSecret),
		}
		if err := p.engine.Authorize(ctx, req); err != nil {
			p.log.Infow("request refused", "request_id", rid, "principal", principal.UserID,
				"tenant", t.ID, "resource", rt.Resource, "action", rt.Action, "cause", err)
			p.auditRefusal(ctx, rt, principal, t, r)
			problems.Write(w, err, rid)
			return
		}

		res, err := p.run(ctx, rt, principal, t, r)
		if err != nil {
			if problems.Status(err) >= http.StatusInternalServerError {
				p.log.Errorw("handler failed", "request_id", rid, "route", rt.Pattern, "err", err)
			}
			problems.Write(w, err, rid)
			return
		}
		writeResult(w, res)
	})
}

func (p *Pipeline) run(ctx context.Context, rt Route, principal authn.Principal, t tenants.Tenant, r *http.Request) (res Result, err error) {
	audited := audit.Audited(rt.Action)
	switch rt.Binding {
	case BindTenant:
		ns, berr := t.Binding()
		if berr != nil {
			return Result{}, berr
		}
		defer func() {
			if rec := recover(); rec != nil {
				if audited {
					p.audit.Record(context.WithoutCancel(ctx), t, p.entry(ctx, rt, principal, t, r, "", audit.OutcomeFailure))
				}
				panic(rec)
			}
		}()
		err = p.conns.WithTenantConnection(ctx, ns, func(ctx context.Context, c db.Conn) error {
			var herr error
			res, herr = rt.Handler(ctx, c, principal, t, r)
			if herr != nil {
				return herr
			}
			if audited {
				p.audit.RecordOn(ctx, c, p.entry(ctx, rt, principal, t, r, res.ResourceID, audit.OutcomeSuccess))
			}
			return nil
		})
		if err != nil && audited {
			// The handler's connection is gone; the failure goes on a fresh one.
			p.audit.Record(context.WithoutCancel(ctx), t, p.entry(ctx, rt, principal, t, r, res.ResourceID, audit.OutcomeFailure))
		}
		return res, err

	case BindAdmin:
		err = p.conns.WithAdminConnection(ctx, func(ctx context.Context, c db.Conn) error {
			var herr error
			res, herr = rt.Handler(ctx, c, principal, t, r)
			return herr
		})
		p.operatorTrail(ctx, rt, principal, r, res, err)
		return res, err

	case BindNone:
		res, err = rt.Handler(ctx, nil, principal, t, r)
		p.operatorTrail(ctx, rt, principal, r, res, err)
		return res, err
	}
	return Result{}, fmt.Errorf("route %s %s: unknown binding %d", rt.Method, rt.Pattern, rt.Binding)
}

// auditRefusal records a refused state-changing request in the tenant's own
// trail. Refusals on routes without a tenant have no trail to write to.
func (p *Pipeline) auditRefusal(ctx context.Context, rt Route, principal authn.Principal, t tenants.Tenant, r *http.Request) {
	if rt.Binding != BindTenant || !audit.Audited(rt.Action) {
		return
	}
	p.audit.Record(context.WithoutCancel(ctx), t, p.entry(ctx, rt, principal, t, r, "", audit.OutcomeFailure))
}

// operatorTrail logs state-changing operator actions. They run outside any
// tenant namespace, so there is no audit table to append to.
func (p *Pipeline) operatorTrail(ctx context.Context, rt Route, principal authn.Principal, r *http.Request, res Result, err error) {
	if !audit.Audited(rt.Action) {
		return
	}
	outcome := audit.OutcomeSuccess
	if err != nil {
		outcome = audit.OutcomeFailure
	}
	p.log.Infow("operator action",
		"request_id", reqctx.RequestID(ctx), "principal", principal.UserID,
		"resource", rt.Resource, "action", rt.Action, "resource_id", resourceID(rt, r, res.ResourceID),
		"outcome", outcome)
}

func (p *Pipeline) entry(ctx context.Context, rt Route, principal authn.Principal, t tenants.Tenant, r *http.Request, id string, out audit.Outcome) audit.Entry {
	return p.audit.NewEntry(ctx, principal, t, rt.Resource, rt.Action, resourceID(rt, r, id), out)
}

func resourceID(rt Route, r *http.Request, fromResult string) string {
	if fromResult != "" {
		return fromResult
	}
	if rt.ResourceIDParam == "" {
		return ""
	}
	return chi.URLParam(r, rt.ResourceIDParam)
}

func writeResult(w http.ResponseWriter, res Result) {
	status := res.Status
	if status == 0 {
		status = http.StatusOK
		if res.Body == nil {
			status = http.StatusNoContent
		}
	}
	if res.Body == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res.Body)
}

// DecodeJSON reads a request body into v, rejecting unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w: body too large", problems.ErrInvalidRequest)
		}
		return fmt.Errorf("%w: %v", problems.ErrInvalidRequest, err)
	}
	return nil
}

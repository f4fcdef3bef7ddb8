package authz

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"hms/pkg/authn"
	"hms/pkg/metrics"
	"hms/pkg/problems"
)

// Request is everything the engine looks at. TenantID is empty for routes
// that are not scoped to a tenant.
type Request struct {
	Principal authn.Principal
	TenantID  string
	Surface   Surface
	Resource  ResourceClass
	Action    Action
	AppID     string
	AppSecret string
}

// Result explains a decision for logs and tests.
type Result struct {
	Decision Decision
	Role     string
}

func (r Result) Allowed() bool { return r.Decision == DecisionAllow }

type Engine struct {
	apps    *AppGate
	grants  *GrantTable
	refiner *RegoRefiner // optional
	log     *zap.SugaredLogger
}

func NewEngine(apps *AppGate, grants *GrantTable, refiner *RegoRefiner, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{apps: apps, grants: grants, refiner: refiner, log: log}
}

// NewEngineFromPolicy wires the app gate and grant table from one file.
func NewEngineFromPolicy(p *Policy, refiner *RegoRefiner, log *zap.SugaredLogger) *Engine {
	return NewEngine(NewAppGate(p.Apps), NewGrantTable(p.Grants, p.TenantAgnostic), refiner, log)
}

// Authorize returns nil or an error wrapping problems.ErrForbidden.
func (e *Engine) Authorize(ctx context.Context, req Request) error {
	res := e.Decide(ctx, req)
	metrics.AuthzDecisions.WithLabelValues(string(res.Decision), string(req.Resource)).Inc()
	if res.Allowed() {
		return nil
	}
	return fmt.Errorf("%w: %s %s on %s", problems.ErrForbidden, res.Decision, req.Action, req.Resource)
}

// Decide runs the application gate, the tenant check, the grant table and
// the optional refiner, in that order. The first denial ends evaluation.
func (e *Engine) Decide(ctx context.Context, req Request) Result {
	if e.apps == nil || !e.apps.Allow(req.AppID, req.AppSecret, req.Surface) {
		return Result{Decision: DecisionDenyApp}
	}
	if e.grants == nil {
		return Result{Decision: DecisionDenyDefault}
	}

	roles := e.effectiveRoles(req)
	if len(roles) == 0 {
		if req.TenantID != "" && req.Principal.TenantID != req.TenantID {
			return Result{Decision: DecisionDenyTenant}
		}
		return Result{Decision: DecisionDenyDefault}
	}

	dec, role := e.grants.Evaluate(roles, req.Resource, req.Action)
	if dec != DecisionAllow {
		return Result{Decision: dec, Role: role}
	}

	if e.refiner != nil {
		deny, err := e.refiner.Deny(ctx, regoInput(req))
		if err != nil {
			e.log.Errorw("rego refinement failed; denying", "err", err)
		}
		if deny {
			return Result{Decision: DecisionDenyRefiner, Role: role}
		}
	}
	return Result{Decision: DecisionAllow, Role: role}
}

// effectiveRoles drops every role that does not apply to this request. A
// principal from another tenant, or any principal on a tenant-less route,
// only keeps its tenant-agnostic roles.
func (e *Engine) effectiveRoles(req Request) []string {
	sameTenant := req.TenantID != "" && req.Principal.TenantID == req.TenantID
	var out []string
	for _, g := range req.Principal.Groups {
		if sameTenant || e.grants.TenantAgnostic(g) {
			out = append(out, g)
		}
	}
	return out
}

func regoInput(req Request) map[string]any {
	groups := make([]any, 0, len(req.Principal.Groups))
	for _, g := range req.Principal.Groups {
		groups = append(groups, g)
	}
	return map[string]any{
		"principal": map[string]any{
			"user_id":   req.Principal.UserID,
			"tenant_id": req.Principal.TenantID,
			"groups":    groups,
		},
		"tenant_id": req.TenantID,
		"surface":   string(req.Surface),
		"resource":  string(req.Resource),
		"action":    string(req.Action),
		"app_id":    req.AppID,
	}
}

// LoadEngine reads the policy file and, when regoFile is set, the deny-only
// refinement module.
func LoadEngine(ctx context.Context, policyFile, regoFile string, log *zap.SugaredLogger) (*Engine, error) {
	p, err := LoadPolicy(policyFile)
	if err != nil {
		return nil, err
	}
	var refiner *RegoRefiner
	if regoFile != "" {
		if refiner, err = LoadRegoRefiner(ctx, regoFile); err != nil {
			return nil, err
		}
	}
	if log != nil {
		log.Infow("authorization policy loaded", "applications", len(p.Apps), "grants", len(p.Grants), "rego", refiner != nil)
	}
	return NewEngineFromPolicy(p, refiner, log), nil
}

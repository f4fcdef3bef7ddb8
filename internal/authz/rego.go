package authz

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// RegoQuery is the rule a refinement module must define. It can only take
// away access the grant table gave.
const RegoQuery = "data.hms.authz.deny"

// RegoRefiner evaluates an operator-supplied OPA module after the matrix
// allowed a request.
type RegoRefiner struct {
	pq rego.PreparedEvalQuery
}

func NewRegoRefiner(ctx context.Context, module string) (*RegoRefiner, error) {
	pq, err := rego.New(
		rego.Query(RegoQuery),
		rego.Module("hms_authz.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare rego: %w", err)
	}
	return &RegoRefiner{pq: pq}, nil
}

func LoadRegoRefiner(ctx context.Context, path string) (*RegoRefiner, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rego %s: %w", path, err)
	}
	return NewRegoRefiner(ctx, string(b))
}

// Deny reports true when the module denies, or when it cannot be evaluated.
func (r *RegoRefiner) Deny(ctx context.Context, input map[string]any) (bool, error) {
	rs, err := r.pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return true, fmt.Errorf("eval rego: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		// Undefined rule: nothing to refine.
		return false, nil
	}
	deny, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return true, fmt.Errorf("rego %s returned %T, want bool", RegoQuery, rs[0].Expressions[0].Value)
	}
	return deny, nil
}

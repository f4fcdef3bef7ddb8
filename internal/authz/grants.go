package authz

type grantKey struct {
	role     string
	resource ResourceClass
	action   Action
}

// GrantTable is the single declarative permission matrix. A deny row for a
// key overrides an allow row for the same key regardless of file order.
type GrantTable struct {
	rows           map[grantKey]Effect
	tenantAgnostic map[string]bool
}

func NewGrantTable(grants []Grant, tenantAgnostic map[string]bool) *GrantTable {
	t := &GrantTable{rows: map[grantKey]Effect{}, tenantAgnostic: map[string]bool{}}
	for _, g := range grants {
		k := grantKey{g.Role, g.Resource, g.Action}
		if t.rows[k] == EffectDeny {
			continue
		}
		t.rows[k] = g.Effect
	}
	for r, ok := range tenantAgnostic {
		if ok {
			t.tenantAgnostic[r] = true
		}
	}
	return t
}

func (t *GrantTable) TenantAgnostic(role string) bool { return t.tenantAgnostic[role] }

// Evaluate folds the roles over one (resource, action) pair: any deny wins,
// otherwise any allow, otherwise the default deny.
func (t *GrantTable) Evaluate(roles []string, resource ResourceClass, action Action) (Decision, string) {
	allowedBy := ""
	for _, r := range roles {
		switch t.rows[grantKey{r, resource, action}] {
		case EffectDeny:
			return DecisionDenyExplicit, r
		case EffectAllow:
			if allowedBy == "" {
				allowedBy = r
			}
		}
	}
	if allowedBy != "" {
		return DecisionAllow, allowedBy
	}
	return DecisionDenyDefault, ""
}

// pkg/authn/principal.go
package authn

import (
	"context"
	"time"
)

// Principal is the verified caller. It lives for one request only.
type Principal struct {
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id,omitempty"` // empty for tenant-less operators
	Groups    []string  `json:"groups"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (p Principal) HasGroup(g string) bool {
	for _, x := range p.Groups {
		if x == g {
			return true
		}
	}
	return false
}

type ctxPrincipalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipalKey{}, p)
}

// PrincipalFrom reports false when the request was never authenticated.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxPrincipalKey{}).(Principal)
	return p, ok
}

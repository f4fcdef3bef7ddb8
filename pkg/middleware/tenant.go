// pkg/middleware/tenant.go
package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"hms/pkg/problems"
	"hms/pkg/reqctx"
	"hms/pkg/tenants"
)

const HeaderTenantID = "X-Tenant-ID"

type ctxTenantKey struct{}

// resolution is what the resolver learned. A lookup that found nothing
// usable is carried forward instead of answered, so the response for an
// unknown tenant is produced at the same stage and with the same body as a
// refusal.
type resolution struct {
	tenant tenants.Tenant
	err    error
}

// WithTenant resolves the tenant hint of every request. There is no default
// tenant: a request without a hint ends here.
func WithTenant(reg tenants.Registry, baseDomain string, log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypass(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			rid := reqctx.RequestID(r.Context())
			hint := TenantHint(r, baseDomain)
			if hint == "" {
				problems.Write(w, problems.ErrMissingTenantContext, rid)
				return
			}
			res := resolution{}
			t, err := reg.Get(r.Context(), hint)
			switch {
			case err == nil:
				if _, berr := t.Binding(); berr != nil {
					res.err = berr
				} else {
					res.tenant = t
				}
			case errors.Is(err, problems.ErrUnknownTenant):
				res.err = err
			default:
				log.Errorw("tenant registry unavailable", "request_id", rid, "err", err)
				problems.Write(w, err, rid)
				return
			}
			if res.err != nil {
				log.Infow("tenant not resolvable", "request_id", rid, "hint", hint, "cause", res.err)
			}
			ctx := context.WithValue(r.Context(), ctxTenantKey{}, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantFrom returns the resolved tenant, the deferred resolution failure, or
// ErrMissingTenantContext when the resolver never ran.
func TenantFrom(ctx context.Context) (tenants.Tenant, error) {
	res, ok := ctx.Value(ctxTenantKey{}).(resolution)
	if !ok {
		return tenants.Tenant{}, problems.ErrMissingTenantContext
	}
	return res.tenant, res.err
}

// TenantHint reads X-Tenant-ID, falling back to the left-most label of a
// host under baseDomain (clinic9.hms.example.com with base hms.example.com).
func TenantHint(r *http.Request, baseDomain string) string {
	if h := strings.TrimSpace(r.Header.Get(HeaderTenantID)); h != "" {
		return h
	}
	if baseDomain == "" {
		return ""
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	base := strings.ToLower(strings.Trim(baseDomain, "."))
	if !strings.HasSuffix(host, "."+base) {
		return ""
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return ""
	}
	return labels[0]
}

func bypass(path string) bool {
	switch path {
	case "/healthz", "/metrics", "/openapi.json":
		return true
	}
	return false
}

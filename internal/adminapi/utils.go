package adminapi

import (
	"fmt"
	"net/http"
	"strings"

	"hms/pkg/problems"
	"hms/pkg/tenants"
)

func parseStatus(s string) (tenants.Status, error) {
	switch st := tenants.Status(strings.TrimSpace(s)); st {
	case "", tenants.StatusProvisioning, tenants.StatusActive, tenants.StatusSuspended:
		return st, nil
	}
	return "", fmt.Errorf("%w: status %q", problems.ErrInvalidRequest, s)
}

// cors sets CORS headers for allowed origins and answers their preflight
// requests. allowed may contain exact origins or "*". Credentials are only
// allowed for exact origins; a wildcard match gets "*" without them.
func cors(allowed []string) func(http.Handler) http.Handler {
	match := func(origin string) (ok, exact bool) {
		if origin == "" {
			return false, false
		}
		for _, a := range allowed {
			if a = strings.TrimSpace(a); a == origin {
				return true, true
			} else if a == "*" {
				ok = true
			}
		}
		return ok, false
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if ok, exact := match(origin); ok {
				if exact {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Credentials", "true")
					w.Header().Set("Vary", "Origin")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-App-ID, X-App-Secret, X-Request-Id")
				w.Header().Set("Access-Control-Max-Age", "86400")
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORSOrigins parses a comma separated origin list.
func CORSOrigins(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// pkg/middleware/auth.go
package middleware

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"hms/pkg/authn"
	"hms/pkg/problems"
	"hms/pkg/reqctx"
)

// Authenticate verifies the bearer credential and stores the Principal.
// Nothing past this point runs for an unauthenticated request.
func Authenticate(v *authn.Verifier, log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypass(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			rid := reqctx.RequestID(r.Context())
			p, err := v.Verify(r.Context(), BearerToken(r))
			if err != nil {
				log.Infow("authentication failed", "request_id", rid, "err", err)
				problems.Write(w, problems.ErrUnauthenticated, rid)
				return
			}
			next.ServeHTTP(w, r.WithContext(authn.WithPrincipal(r.Context(), p)))
		})
	}
}

func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

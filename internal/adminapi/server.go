package adminapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"hms/internal/gateway"
)

const prefix = "/admin"

// Mount registers the operator routes under /admin behind CORS and
// authenticate. Preflight requests from allowed origins are answered before
// authentication.
func (a *App) Mount(r chi.Router, p *gateway.Pipeline, authenticate func(http.Handler) http.Handler) {
	r.Route(prefix, func(ar chi.Router) {
		ar.Use(cors(a.cfg.CORSOrigins))
		ar.Use(authenticate)
		for _, rt := range a.Routes() {
			ar.Method(rt.Method, strings.TrimPrefix(rt.Pattern, prefix), p.Wrap(rt))
		}
	})
}

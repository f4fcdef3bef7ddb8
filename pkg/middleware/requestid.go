// pkg/middleware/requestid.go
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"hms/pkg/reqctx"
)

const HeaderRequestID = "X-Request-Id"

// RequestID accepts a caller-supplied id only if it is a sane length;
// otherwise a fresh uuid is minted.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderRequestID)
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, id)
			next.ServeHTTP(w, r.WithContext(reqctx.WithRequestID(r.Context(), id)))
		})
	}
}

// pkg/middleware/recover.go
package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"hms/pkg/problems"
	"hms/pkg/reqctx"
)

var errPanic = errors.New("panic")

func Recover(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					rid := reqctx.RequestID(r.Context())
					log.Errorw("panic", "request_id", rid, "err", rec, "stack", string(debug.Stack()))
					problems.Write(w, errPanic, rid)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// pkg/middleware/ratelimit.go
package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// RateLimit is a per-client-IP token bucket in front of the pipeline so
// credential and tenant probing is bounded before any registry or JWKS work.
// Only RemoteAddr is used; forwarded headers are spoofable.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	var clients sync.Map // ip -> *clientLimiter

	go func() {
		for {
			time.Sleep(5 * time.Minute)
			clients.Range(func(key, value any) bool {
				cl := value.(*clientLimiter)
				cl.mu.Lock()
				stale := time.Since(cl.lastSeen) > 10*time.Minute
				cl.mu.Unlock()
				if stale {
					clients.Delete(key)
				}
				return true
			})
		}
	}()

	get := func(ip string) *rate.Limiter {
		v, _ := clients.LoadOrStore(ip, &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)})
		cl := v.(*clientLimiter)
		cl.mu.Lock()
		cl.lastSeen = time.Now()
		cl.mu.Unlock()
		return cl.limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypass(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			res := get(clientIP(r)).Reserve()
			if !res.OK() {
				tooMany(w, 1)
				return
			}
			if d := res.Delay(); d > 0 {
				res.Cancel()
				tooMany(w, int(d.Seconds())+1)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func tooMany(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"type":"about:blank","title":"Too many requests","status":429}`))
}

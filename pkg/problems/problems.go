// pkg/problems/problems.go
package problems

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// Terminal failures of the request pipeline. Callers wrap them with %w and
// inspect with errors.Is; Write maps them to a status and a generic body.
var (
	ErrMissingTenantContext    = errors.New("missing tenant context")
	ErrUnknownTenant           = errors.New("unknown tenant")
	ErrTenantUnavailable       = errors.New("tenant unavailable")
	ErrUnauthenticated         = errors.New("unauthenticated")
	ErrForbidden               = errors.New("forbidden")
	ErrTenantAlreadyExists     = errors.New("tenant already exists")
	ErrProvisioningFailed      = errors.New("provisioning failed")
	ErrConnectionPoolExhausted = errors.New("connection pool exhausted")
	ErrInvalidRequest          = errors.New("invalid request")
	ErrNotFound                = errors.New("not found")
)

// Base returns the base URL for problem type identifiers.
// Order of precedence:
// 1. PROBLEM_BASE_URL (exact base, e.g. https://mydomain.com/problems)
// 2. BASE_PUBLIC_URL + "/problems" (if set)
// 3. https://example.com/problems (fallback)
func Base() string {
	if b := os.Getenv("PROBLEM_BASE_URL"); b != "" {
		return strings.TrimRight(b, "/")
	}
	if b := os.Getenv("BASE_PUBLIC_URL"); b != "" {
		return strings.TrimRight(b, "/") + "/problems"
	}
	return "https://example.com/problems"
}

// Type builds a full problem type URL for the given slug.
func Type(slug string) string { return Base() + "/" + slug }

// Problem is an RFC 7807 body.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RetryAfterSeconds is advertised on 503 responses caused by pool exhaustion.
const RetryAfterSeconds = 1

type mapping struct {
	status int
	slug   string
	title  string
}

// UnknownTenant and TenantUnavailable deliberately share the forbidden mapping
// so a caller cannot tell a missing tenant from a refused one.
var table = []struct {
	err error
	m   mapping
}{
	{ErrMissingTenantContext, mapping{http.StatusBadRequest, "missing-tenant-context", "Tenant context required"}},
	{ErrUnauthenticated, mapping{http.StatusUnauthorized, "unauthenticated", "Authentication required"}},
	{ErrUnknownTenant, mapping{http.StatusForbidden, "forbidden", "Forbidden"}},
	{ErrTenantUnavailable, mapping{http.StatusForbidden, "forbidden", "Forbidden"}},
	{ErrForbidden, mapping{http.StatusForbidden, "forbidden", "Forbidden"}},
	{ErrTenantAlreadyExists, mapping{http.StatusConflict, "tenant-already-exists", "Tenant already exists"}},
	{ErrProvisioningFailed, mapping{http.StatusServiceUnavailable, "provisioning-failed", "Provisioning failed"}},
	{ErrConnectionPoolExhausted, mapping{http.StatusServiceUnavailable, "busy", "Service busy"}},
	{ErrInvalidRequest, mapping{http.StatusBadRequest, "invalid-request", "Invalid request"}},
	{ErrNotFound, mapping{http.StatusNotFound, "not-found", "Not found"}},
}

func lookup(err error) mapping {
	for _, e := range table {
		if errors.Is(err, e.err) {
			return e.m
		}
	}
	return mapping{http.StatusInternalServerError, "internal", "Internal error"}
}

// Status returns the HTTP status an error maps to.
func Status(err error) int { return lookup(err).status }

// IsCallerError reports whether err is one of the 4xx sentinels: a refusal
// of the request itself rather than a fault of the server or its storage.
func IsCallerError(err error) bool {
	s := lookup(err).status
	return s >= 400 && s < 500
}

// Write renders err as application/problem+json. Only the generic title is
// sent; the wrapped detail stays in the logs.
func Write(w http.ResponseWriter, err error, requestID string) {
	m := lookup(err)
	if errors.Is(err, ErrConnectionPoolExhausted) || errors.Is(err, ErrProvisioningFailed) {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(m.status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:      Type(m.slug),
		Title:     m.title,
		Status:    m.status,
		RequestID: requestID,
	})
}

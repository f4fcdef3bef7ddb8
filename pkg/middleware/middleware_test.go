package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hms/pkg/authn"
	"hms/pkg/logger"
	"hms/pkg/problems"
	"hms/pkg/reqctx"
	"hms/pkg/tenants"
)

func TestTenantHint(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, header, host, base, want string
	}{
		{"header wins", "clinic_9", "other.hms.example.com", "hms.example.com", "clinic_9"},
		{"subdomain", "", "clinic9.hms.example.com", "hms.example.com", "clinic9"},
		{"subdomain with port", "", "clinic9.hms.example.com:8443", "hms.example.com", "clinic9"},
		{"bare base domain", "", "hms.example.com", "hms.example.com", ""},
		{"foreign domain", "", "clinic9.evil.com", "hms.example.com", ""},
		{"no base configured", "", "clinic9.hms.example.com", "", ""},
		{"two labels", "", "clinic9.localhost", "localhost", ""},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/patients", nil)
		r.Host = tc.host
		if tc.header != "" {
			r.Header.Set(HeaderTenantID, tc.header)
		}
		assert.Equal(t, tc.want, TenantHint(r, tc.base), tc.name)
	}
}

func TestWithTenant(t *testing.T) {
	t.Parallel()
	reg := tenants.NewMemoryRegistry(
		tenants.Tenant{ID: "clinic_9", Status: tenants.StatusActive},
		tenants.Tenant{ID: "clinic_2", Status: tenants.StatusSuspended},
	)
	var gotTenant tenants.Tenant
	var gotErr error
	h := WithTenant(reg, "", logger.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant, gotErr = TenantFrom(r.Context())
	}))

	serve := func(hint string) int {
		gotTenant, gotErr = tenants.Tenant{}, nil
		r := httptest.NewRequest(http.MethodGet, "/patients", nil)
		if hint != "" {
			r.Header.Set(HeaderTenantID, hint)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec.Code
	}

	assert.Equal(t, http.StatusBadRequest, serve(""))

	require.Equal(t, http.StatusOK, serve("clinic_9"))
	require.NoError(t, gotErr)
	assert.Equal(t, "t_clinic_9", gotTenant.Namespace)

	// Unknown and suspended tenants pass through with a deferred error.
	require.Equal(t, http.StatusOK, serve("nope"))
	assert.ErrorIs(t, gotErr, problems.ErrUnknownTenant)

	require.Equal(t, http.StatusOK, serve("clinic_2"))
	assert.ErrorIs(t, gotErr, problems.ErrTenantUnavailable)
	assert.Empty(t, gotTenant.ID)
}

func TestTenantFromWithoutResolver(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := TenantFrom(r.Context())
	assert.ErrorIs(t, err, problems.ErrMissingTenantContext)
}

func TestAuthenticateRejectsMissingBearer(t *testing.T) {
	t.Parallel()
	v, err := authn.NewVerifier(authn.VerifierConfig{Issuer: "https://idp.test"}, nil, nil)
	require.NoError(t, err)
	called := false
	h := Authenticate(v, logger.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	for _, hdr := range []string{"", "Basic dXNlcjpwYXNz", "Bearer "} {
		r := httptest.NewRequest(http.MethodGet, "/patients", nil)
		if hdr != "" {
			r.Header.Set("Authorization", hdr)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, hdr)
	}
	assert.False(t, called)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "bearer  abc.def.ghi ")
	assert.Equal(t, "abc.def.ghi", BearerToken(r))
}

func TestRequestIDPropagates(t *testing.T) {
	t.Parallel()
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = reqctx.RequestID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderRequestID, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get(HeaderRequestID))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
}

func TestRecoverWritesProblem(t *testing.T) {
	t.Parallel()
	h := Recover(logger.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	h := RateLimit(1, 2)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/patients", nil)
		r.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

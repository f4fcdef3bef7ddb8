package adminapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hms/internal/audit"
	"hms/internal/authz"
	"hms/internal/gateway"
	"hms/pkg/authn"
	"hms/pkg/db"
	"hms/pkg/logger"
	"hms/pkg/problems"
	"hms/pkg/tenants"
)

const testPolicy = `
applications:
  - id: operator-console
    secret: op-secret
    surfaces: [operator]
roles:
  - name: doctor
    grants:
      - resource: patient_record
        actions: [read]
  - name: platform_operator
    tenant_agnostic: true
    grants:
      - resource: tenant
        actions: [read, write]
`

type fakeProv struct {
	provisioned []string
	err         error
}

func (f *fakeProv) Provision(_ context.Context, id, name string) (tenants.Tenant, error) {
	if f.err != nil {
		return tenants.Tenant{}, f.err
	}
	f.provisioned = append(f.provisioned, id)
	return tenants.Tenant{ID: id, DisplayName: name, Namespace: tenants.NamespaceFor(id), Status: tenants.StatusActive}, nil
}

func (f *fakeProv) Suspend(_ context.Context, id string) (tenants.Tenant, error) {
	return tenants.Tenant{ID: id, Status: tenants.StatusSuspended}, f.err
}

func (f *fakeProv) Resume(_ context.Context, id string) (tenants.Tenant, error) {
	return tenants.Tenant{ID: id, Status: tenants.StatusActive}, f.err
}

// missConn answers every lookup with no rows.
type missConn struct{}

func (missConn) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (missConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}
func (missConn) QueryRow(context.Context, string, ...any) pgx.Row { return noRow{} }
func (missConn) Namespace() db.Namespace                         { return db.Namespace{Schema: db.RegistrySchema} }
func (missConn) RequestID() string                               { return "" }

type noRow struct{}

func (noRow) Scan(...any) error { return pgx.ErrNoRows }

type adminConns struct{ admin int }

func (c *adminConns) WithTenantConnection(context.Context, db.Namespace, func(context.Context, db.Conn) error) error {
	return errors.New("operator routes never bind a tenant")
}

func (c *adminConns) WithAdminConnection(ctx context.Context, fn func(context.Context, db.Conn) error) error {
	c.admin++
	return fn(ctx, missConn{})
}

// fakeAuth reads the caller's groups from a test header.
func fakeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g := r.Header.Get("X-Test-Groups")
		if g == "" {
			problems.Write(w, problems.ErrUnauthenticated, "")
			return
		}
		p := authn.Principal{UserID: "op-1", Groups: strings.Split(g, ",")}
		next.ServeHTTP(w, r.WithContext(authn.WithPrincipal(r.Context(), p)))
	})
}

func newServer(t *testing.T, prov *fakeProv) (*httptest.Server, *adminConns) {
	t.Helper()
	log := logger.Nop()
	pol, err := authz.ParsePolicy([]byte(testPolicy))
	require.NoError(t, err)
	conns := &adminConns{}
	p := gateway.New(conns, authz.NewEngineFromPolicy(pol, nil, log), audit.NewInterceptor(conns, log), log)

	r := chi.NewRouter()
	New(log, prov, Config{CORSOrigins: []string{"https://ops.example.com"}}).Mount(r, p, fakeAuth)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, conns
}

func send(t *testing.T, srv *httptest.Server, method, path, groups, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(authz.HeaderAppID, "operator-console")
	req.Header.Set(authz.HeaderAppSecret, "op-secret")
	if groups != "" {
		req.Header.Set("X-Test-Groups", groups)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestProvisionRequiresOperatorRole(t *testing.T) {
	t.Parallel()
	prov := &fakeProv{}
	srv, _ := newServer(t, prov)

	resp := send(t, srv, http.MethodPost, "/admin/tenants", "doctor", `{"id":"clinic_9","display_name":"Clinic 9"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, prov.provisioned)

	resp = send(t, srv, http.MethodPost, "/admin/tenants", "platform_operator", `{"id":"clinic_9","display_name":"Clinic 9"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{"clinic_9"}, prov.provisioned)

	resp = send(t, srv, http.MethodPost, "/admin/tenants", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProvisionErrorsMapToProblems(t *testing.T) {
	t.Parallel()
	for err, want := range map[error]int{
		problems.ErrTenantAlreadyExists: http.StatusConflict,
		problems.ErrProvisioningFailed:  http.StatusServiceUnavailable,
		problems.ErrInvalidRequest:      http.StatusBadRequest,
	} {
		srv, _ := newServer(t, &fakeProv{err: err})
		resp := send(t, srv, http.MethodPost, "/admin/tenants", "platform_operator", `{"id":"clinic_9","display_name":"Clinic 9"}`)
		assert.Equal(t, want, resp.StatusCode, err.Error())
	}
}

func TestGetTenantRunsOnRegistryConnection(t *testing.T) {
	t.Parallel()
	srv, conns := newServer(t, &fakeProv{})
	resp := send(t, srv, http.MethodGet, "/admin/tenants/ghost", "platform_operator", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 1, conns.admin)

	resp = send(t, srv, http.MethodGet, "/admin/tenants?status=bogus", "platform_operator", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSuspendAndResume(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, &fakeProv{})
	assert.Equal(t, http.StatusOK, send(t, srv, http.MethodPost, "/admin/tenants/clinic_9/suspend", "platform_operator", "").StatusCode)
	assert.Equal(t, http.StatusOK, send(t, srv, http.MethodPost, "/admin/tenants/clinic_9/resume", "platform_operator", "").StatusCode)
}

func TestPreflightSkipsAuthentication(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, &fakeProv{})
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/admin/tenants", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://ops.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://ops.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
}

func TestWildcardOriginNeverAllowsCredentials(t *testing.T) {
	t.Parallel()
	h := cors([]string{"*", "https://ops.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/tenants", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = httptest.NewRecorder()
	req.Header.Set("Origin", "https://ops.example.com")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestParseStatusAndOrigins(t *testing.T) {
	t.Parallel()
	st, err := parseStatus("suspended")
	require.NoError(t, err)
	assert.Equal(t, tenants.StatusSuspended, st)
	_, err = parseStatus("deleted")
	assert.ErrorIs(t, err, problems.ErrInvalidRequest)
	assert.Equal(t, []string{"a", "b"}, CORSOrigins(" a, ,b "))
}

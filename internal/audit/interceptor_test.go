package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hms/internal/authz"
	"hms/pkg/authn"
	"hms/pkg/db"
	"hms/pkg/logger"
	"hms/pkg/reqctx"
	"hms/pkg/tenants"
)

type recConn struct {
	ns   db.Namespace
	args [][]any
	fail error
}

func (c *recConn) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	if c.fail != nil {
		return pgconn.CommandTag{}, c.fail
	}
	c.args = append(c.args, args)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}
func (c *recConn) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, errors.New("n/a") }
func (c *recConn) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (c *recConn) Namespace() db.Namespace                                 { return c.ns }
func (c *recConn) RequestID() string                                       { return "" }

type recConnector struct {
	conn  *recConn
	bound []db.Namespace
	err   error
}

func (r *recConnector) WithTenantConnection(ctx context.Context, ns db.Namespace, fn func(context.Context, db.Conn) error) error {
	if r.err != nil {
		return r.err
	}
	r.bound = append(r.bound, ns)
	r.conn.ns = ns
	return fn(ctx, r.conn)
}

var clinic9 = tenants.Tenant{ID: "clinic_9", Namespace: "t_clinic_9", Status: tenants.StatusActive}

func TestNewEntry(t *testing.T) {
	t.Parallel()
	i := NewInterceptor(nil, logger.Nop())
	ctx := reqctx.WithRequestID(context.Background(), "req-1")
	p := authn.Principal{UserID: "nurse-1"}

	e := i.NewEntry(ctx, p, clinic9, authz.ResourcePatientRecord, authz.ActionWrite, "", OutcomeFailure)
	assert.Nil(t, e.ResourceID)
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, "clinic_9", e.TenantID)
	assert.Equal(t, OutcomeFailure, e.Outcome)

	e = i.NewEntry(ctx, p, clinic9, authz.ResourcePatientRecord, authz.ActionDelete, "p-7", OutcomeSuccess)
	require.NotNil(t, e.ResourceID)
	assert.Equal(t, "p-7", *e.ResourceID)
}

func TestRecordUsesFreshTenantConnection(t *testing.T) {
	t.Parallel()
	conns := &recConnector{conn: &recConn{}}
	i := NewInterceptor(conns, logger.Nop())
	e := i.NewEntry(context.Background(), authn.Principal{UserID: "u"}, clinic9, authz.ResourcePatientRecord, authz.ActionWrite, "", OutcomeFailure)

	i.Record(context.Background(), clinic9, e)
	require.Len(t, conns.bound, 1)
	assert.Equal(t, "t_clinic_9", conns.bound[0].Schema)
	require.Len(t, conns.conn.args, 1)
	assert.Equal(t, "failure", conns.conn.args[0][6])
}

func TestRecordFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	conns := &recConnector{err: errors.New("pool exhausted")}
	i := NewInterceptor(conns, logger.Nop())
	e := i.NewEntry(context.Background(), authn.Principal{UserID: "u"}, clinic9, authz.ResourcePatientRecord, authz.ActionWrite, "", OutcomeSuccess)

	assert.NotPanics(t, func() { i.Record(context.Background(), clinic9, e) })
	assert.NotPanics(t, func() { i.RecordOn(context.Background(), &recConn{fail: errors.New("permission denied")}, e) })
}

func TestAudited(t *testing.T) {
	t.Parallel()
	assert.False(t, Audited(authz.ActionRead))
	assert.True(t, Audited(authz.ActionWrite))
	assert.True(t, Audited(authz.ActionDelete))
}

// pkg/db/scoped.go
package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"hms/pkg/metrics"
	"hms/pkg/problems"
	"hms/pkg/reqctx"
)

var (
	ErrConnReleased    = errors.New("connection already released")
	ErrNamespaceEscape = errors.New("statement changes session role or search_path")
)

// Namespace is what a connection gets bound to: the tenant's schema and the
// role that owns its grants. An empty Role means no role switch.
type Namespace struct {
	Tenant string
	Schema string
	Role   string
}

// RoleFor returns the login-less role provisioned for a tenant schema.
func RoleFor(schema string) string { return schema + "_app" }

// TenantNamespace builds the binding for a tenant schema.
func TenantNamespace(tenantID, schema string) Namespace {
	return Namespace{Tenant: tenantID, Schema: schema, Role: RoleFor(schema)}
}

func adminNamespace() Namespace { return Namespace{Schema: RegistrySchema} }

// Querier is the statement surface handed to request code.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Conn is a connection bound to exactly one namespace for its lifetime.
type Conn interface {
	Querier
	Namespace() Namespace
	RequestID() string
}

type connState int

const (
	stateNeutral connState = iota
	stateBound
	stateTainted
)

func (s connState) String() string {
	switch s {
	case stateNeutral:
		return "neutral"
	case stateBound:
		return "bound"
	default:
		return "tainted"
	}
}

// BoundConn is handed to request code between bind and revert. It refuses
// statements that change the session role or search_path and is unusable
// once the scope has exited.
type BoundConn struct {
	mu        sync.Mutex
	raw       physicalConn
	ns        Namespace
	requestID string
	state     connState
	cause     string
	released  bool
}

func (b *BoundConn) Namespace() Namespace { return b.ns }
func (b *BoundConn) RequestID() string    { return b.requestID }

func (b *BoundConn) check(sql string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return ErrConnReleased
	}
	if escapesSession(sql) {
		b.state = stateTainted
		b.cause = "namespace_escape"
		return ErrNamespaceEscape
	}
	return nil
}

func (b *BoundConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if err := b.check(sql); err != nil {
		return pgconn.CommandTag{}, err
	}
	return b.raw.Exec(ctx, sql, args...)
}

func (b *BoundConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if err := b.check(sql); err != nil {
		return nil, err
	}
	return b.raw.Query(ctx, sql, args...)
}

func (b *BoundConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if err := b.check(sql); err != nil {
		return errRow{err}
	}
	return b.raw.QueryRow(ctx, sql, args...)
}

func (b *BoundConn) taint(cause string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateTainted {
		b.state = stateTainted
		b.cause = cause
	}
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// Manager is the only way request code obtains a connection. A connection is
// bound on entry and reverted to the void namespace on every exit path;
// anything that leaves its session state in doubt is destroyed instead of
// being returned to the pool.
type Manager struct {
	src           connSource
	revertTimeout time.Duration
	log           *zap.SugaredLogger
}

func NewManager(p *Pool, revertTimeout time.Duration, log *zap.SugaredLogger) *Manager {
	return newManager(p, revertTimeout, log)
}

func newManager(src connSource, revertTimeout time.Duration, log *zap.SugaredLogger) *Manager {
	if revertTimeout <= 0 {
		revertTimeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{src: src, revertTimeout: revertTimeout, log: log}
}

// WithTenantConnection runs fn on a connection bound to ns. fn's context is
// detached from the caller's cancellation so an in-flight statement is never
// interrupted half way through by a client disconnect.
func (m *Manager) WithTenantConnection(ctx context.Context, ns Namespace, fn func(ctx context.Context, c Conn) error) error {
	if ns.Schema == "" || ns.Role == "" {
		return fmt.Errorf("tenant namespace incomplete: schema=%q role=%q", ns.Schema, ns.Role)
	}
	return m.scoped(ctx, ns, func(ctx context.Context, b *BoundConn) error { return fn(ctx, b) })
}

// WithAdminConnection runs fn against the registry schema without a role
// switch. Only platform code (registry, provisioning) uses it.
func (m *Manager) WithAdminConnection(ctx context.Context, fn func(ctx context.Context, c Conn) error) error {
	return m.scoped(ctx, adminNamespace(), func(ctx context.Context, b *BoundConn) error { return fn(ctx, b) })
}

// WithAdminTx runs fn inside one transaction on an admin connection. The
// transaction is committed only when fn returns nil.
func (m *Manager) WithAdminTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return m.scoped(ctx, adminNamespace(), func(ctx context.Context, b *BoundConn) error {
		tx, err := b.raw.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

func (m *Manager) scoped(ctx context.Context, ns Namespace, fn func(ctx context.Context, b *BoundConn) error) (err error) {
	raw, err := m.src.acquire(ctx)
	if err != nil {
		return err
	}
	b := &BoundConn{raw: raw, ns: ns, requestID: reqctx.RequestID(ctx), state: stateNeutral}
	work := context.WithoutCancel(ctx)

	defer func() {
		rec := recover()
		switch {
		case rec != nil:
			b.taint("panic")
		case err != nil && sessionInDoubt(err):
			b.taint("handler_error")
		}
		m.release(ctx, b)
		if rec != nil {
			panic(rec)
		}
	}()

	if berr := bind(work, raw, ns); berr != nil {
		b.taint("bind_failed")
		return fmt.Errorf("bind %s: %w", ns.Schema, berr)
	}
	b.mu.Lock()
	b.state = stateBound
	b.mu.Unlock()

	return fn(work, b)
}

// sessionInDoubt reports whether a scope error may have left server side
// state behind. Caller errors (not found, invalid input) leave the session
// as bound unless a driver or server error is wrapped inside them; those and
// errors of unknown class taint the connection. Revert still runs for the
// rest and destroys the connection if it fails.
func sessionInDoubt(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return true
	}
	return !problems.IsCallerError(err)
}

func bind(ctx context.Context, raw physicalConn, ns Namespace) error {
	sql := "SET search_path TO " + pgx.Identifier{ns.Schema}.Sanitize()
	if ns.Role != "" {
		sql = "SET ROLE " + pgx.Identifier{ns.Role}.Sanitize() + "; " + sql
	}
	_, err := raw.Exec(ctx, sql)
	return err
}

const revertSQL = "RESET ROLE; SET search_path TO " + VoidSchema

// release reverts and returns the connection, or destroys it. A revert that
// fails is never ignored: the connection is closed so nothing can observe the
// leftover binding.
func (m *Manager) release(ctx context.Context, b *BoundConn) {
	b.mu.Lock()
	b.released = true
	state, cause := b.state, b.cause
	b.mu.Unlock()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.revertTimeout)
	defer cancel()

	if state != stateTainted {
		_, err := b.raw.Exec(rctx, revertSQL)
		if err == nil {
			b.raw.Release()
			return
		}
		cause = "revert_failed"
		m.log.Errorw("namespace revert failed; destroying connection",
			"tenant", b.ns.Tenant, "request_id", b.requestID, "err", err)
	}

	metrics.ConnectionsDestroyed.WithLabelValues(cause).Inc()
	if err := b.raw.Destroy(rctx); err != nil {
		m.log.Warnw("close destroyed connection", "cause", cause, "state", state, "err", err)
	}
}

package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hms/internal/authz"
	"hms/pkg/authn"
	"hms/pkg/db"
	"hms/pkg/metrics"
	"hms/pkg/reqctx"
	"hms/pkg/tenants"
)

// Connector is the slice of db.Manager the interceptor needs.
type Connector interface {
	WithTenantConnection(ctx context.Context, ns db.Namespace, fn func(ctx context.Context, c db.Conn) error) error
}

// Interceptor records state-changing operations. A failed write is logged
// and counted but never changes the business result.
type Interceptor struct {
	conns Connector
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewInterceptor(conns Connector, log *zap.SugaredLogger) *Interceptor {
	return &Interceptor{conns: conns, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Audited reports whether an action is recorded at all.
func Audited(a authz.Action) bool { return a.StateChanging() }

// NewEntry fills the fields common to every record.
func (i *Interceptor) NewEntry(ctx context.Context, p authn.Principal, t tenants.Tenant, res authz.ResourceClass, act authz.Action, resourceID string, out Outcome) Entry {
	e := Entry{
		ID:          uuid.New(),
		TenantID:    t.ID,
		PrincipalID: p.UserID,
		Action:      act,
		Resource:    res,
		Outcome:     out,
		OccurredAt:  i.now(),
		RequestID:   reqctx.RequestID(ctx),
	}
	if resourceID != "" {
		e.ResourceID = &resourceID
	}
	return e
}

// RecordOn writes e on the connection the handler used, before it is
// released.
func (i *Interceptor) RecordOn(ctx context.Context, conn db.Conn, e Entry) {
	if err := Insert(ctx, conn, e); err != nil {
		i.failed(e, err)
	}
}

// Record writes e on a fresh connection bound to t. Used when the handler's
// connection is gone (handler error) or was never taken (refused request).
func (i *Interceptor) Record(ctx context.Context, t tenants.Tenant, e Entry) {
	ns, err := t.Binding()
	if err != nil {
		i.failed(e, err)
		return
	}
	err = i.conns.WithTenantConnection(ctx, ns, func(ctx context.Context, c db.Conn) error {
		return Insert(ctx, c, e)
	})
	if err != nil {
		i.failed(e, err)
	}
}

func (i *Interceptor) failed(e Entry, err error) {
	metrics.AuditWriteFailures.Inc()
	i.log.Errorw("audit write failed",
		"tenant", e.TenantID, "principal", e.PrincipalID, "action", e.Action,
		"resource", e.Resource, "outcome", e.Outcome, "request_id", e.RequestID, "err", err)
}

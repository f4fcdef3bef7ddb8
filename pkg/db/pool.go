// pkg/db/pool.go
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"hms/pkg/config"
	"hms/pkg/metrics"
	"hms/pkg/problems"
)

const (
	// RegistrySchema holds the platform-wide tenant registry.
	RegistrySchema = "hms_registry"
	// VoidSchema is empty and grants nothing; unbound connections point here.
	VoidSchema = "hms_void"
)

// physicalConn is one exclusive checkout from the pool.
type physicalConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	// Release hands the connection back for reuse.
	Release()
	// Destroy removes the connection from the pool and closes it.
	Destroy(ctx context.Context) error
}

type connSource interface {
	acquire(ctx context.Context) (physicalConn, error)
}

// Pool is a bounded set of Postgres connections. Checkouts are exclusive and
// never wait longer than the configured acquire timeout.
type Pool struct {
	pg             *pgxpool.Pool
	acquireTimeout time.Duration
	log            *zap.SugaredLogger
}

func Open(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = int32(cfg.DBMaxConns)
	}
	// Fresh connections start neutral, same as a reverted one.
	pcfg.AfterConnect = func(ctx context.Context, c *pgx.Conn) error {
		_, err := c.Exec(ctx, "SET search_path TO "+pgx.Identifier{VoidSchema}.Sanitize())
		return err
	}
	pg, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	return &Pool{pg: pg, acquireTimeout: cfg.AcquireTimeout, log: log}, nil
}

func (p *Pool) Ping(ctx context.Context) error { return p.pg.Ping(ctx) }

func (p *Pool) Close() { p.pg.Close() }

func (p *Pool) acquire(ctx context.Context) (physicalConn, error) {
	actx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}
	c, err := p.pg.Acquire(actx)
	if err != nil {
		return nil, classifyAcquireErr(ctx, err)
	}
	return pgxConn{c}, nil
}

// classifyAcquireErr separates "the pool had nothing for us in time" from the
// caller going away or the server refusing connections.
func classifyAcquireErr(parent context.Context, err error) error {
	if parent.Err() != nil {
		metrics.PoolAcquireFailures.WithLabelValues("canceled").Inc()
		return fmt.Errorf("acquire connection: %w", parent.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.PoolAcquireFailures.WithLabelValues("timeout").Inc()
		return fmt.Errorf("acquire connection: %w", problems.ErrConnectionPoolExhausted)
	}
	metrics.PoolAcquireFailures.WithLabelValues("error").Inc()
	return fmt.Errorf("acquire connection: %w", err)
}

type pgxConn struct{ c *pgxpool.Conn }

func (p pgxConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.c.Exec(ctx, sql, args...)
}

func (p pgxConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.c.Query(ctx, sql, args...)
}

func (p pgxConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.c.QueryRow(ctx, sql, args...)
}

func (p pgxConn) Begin(ctx context.Context) (pgx.Tx, error) { return p.c.Begin(ctx) }

func (p pgxConn) Release() { p.c.Release() }

func (p pgxConn) Destroy(ctx context.Context) error {
	// Hijack takes ownership away from the pool, which then opens a
	// replacement on demand.
	return p.c.Hijack().Close(ctx)
}

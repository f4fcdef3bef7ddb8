// cmd/gateway-service/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"hms/internal/audit"
	"hms/internal/authz"
	"hms/internal/gateway"
	"hms/internal/records"
	"hms/pkg/authn"
	"hms/pkg/config"
	"hms/pkg/db"
	"hms/pkg/logger"
	"hms/pkg/metrics"
	"hms/pkg/middleware"
	"hms/pkg/openapi"
	"hms/pkg/tenants"
)

const service = "hms-gateway"

func main() {
	// 1. Configuration, logging, metrics.
	cfg := config.Load()
	log := logger.New(cfg.Env, service)
	defer log.Sync()
	metrics.Init()

	// 2. Postgres: pool, scoped connection manager, tenant registry.
	pool := db.MustConnect(cfg, log)
	defer pool.Close()
	mgr := db.NewManager(pool, cfg.RevertTimeout, log)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := tenants.EnsureSchema(ctx, mgr); err != nil {
		log.Fatalw("ensure registry schema", "err", err)
	}
	cancel()
	reg := tenants.NewPostgresRegistry(mgr, log)

	// 3. Identity provider keys, shared across replicas when Redis is configured.
	keyOpts := []authn.KeySetOption{authn.WithLogger(log)}
	if rdb := db.MustRedis(cfg, log); rdb != nil {
		defer rdb.Close()
		keyOpts = append(keyOpts, authn.WithSharedCache(authn.NewRedisCache(rdb)))
	}
	keys := authn.NewKeySet(cfg.JWKSURL, cfg.JWKSMinRefresh, cfg.JWKSMaxAge, keyOpts...)
	verifier, err := authn.NewVerifier(authn.VerifierConfigFrom(cfg), keys, log)
	if err != nil {
		log.Fatalw("verifier", "err", err)
	}

	// 4. Authorization: grant table, application allowlist, optional rego refinement.
	engine, err := authz.LoadEngine(context.Background(), cfg.PolicyFile, cfg.RegoPolicyFile, log)
	if err != nil {
		log.Fatalw("authorization policy", "err", err)
	}

	// 5. Router.
	pipe := gateway.New(mgr, engine, audit.NewInterceptor(mgr, log), log)
	routes := records.Routes()
	docs := openapi.NewRegistry()
	docs.Register(gateway.Operations("records", routes)...)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing(service, log))
	r.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	r.Use(metrics.Instrument)
	r.Use(middleware.WithTenant(reg, cfg.TenantBaseDomain, log))
	r.Use(middleware.Authenticate(verifier, log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/openapi.json", docs.ServeHandler(service, "1.0.0"))
	pipe.Mount(r, routes)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infow("gateway-service listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Infow("gateway-service stopped")
}

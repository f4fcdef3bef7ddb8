// cmd/admin-api-service/main.go
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

	"hms/internal/adminapi"
	"hms/internal/audit"
	"hms/internal/authz"
	"hms/internal/gateway"
	"hms/internal/provision"
	"hms/pkg/authn"
	"hms/pkg/config"
	"hms/pkg/db"
	"hms/pkg/logger"
	"hms/pkg/metrics"
	"hms/pkg/middleware"
	"hms/pkg/openapi"
	"hms/pkg/problems"
	"hms/pkg/tenants"
)

const service = "hms-admin-api"

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, service)
	defer log.Sync()
	metrics.Init()

	pool := db.MustConnect(cfg, log)
	defer pool.Close()
	mgr := db.NewManager(pool, cfg.RevertTimeout, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := tenants.EnsureSchema(ctx, mgr); err != nil {
		log.Fatalw("ensure registry schema", "err", err)
	}
	cancel()
	reg := tenants.NewPostgresRegistry(mgr, log)
	svc := provision.NewService(mgr, reg, log)

	seedTenants(svc, log)
	if cfg.ReconcileOnStart {
		go func() {
			n, err := svc.Reconcile(context.Background())
			if err != nil {
				log.Errorw("reconcile", "upgraded", n, "err", err)
				return
			}
			log.Infow("reconcile done", "upgraded", n)
		}()
	}

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
	engine, err := authz.LoadEngine(context.Background(), cfg.PolicyFile, cfg.RegoPolicyFile, log)
	if err != nil {
		log.Fatalw("authorization policy", "err", err)
	}

	app := adminapi.New(log, svc, adminapi.Config{CORSOrigins: adminapi.CORSOrigins(os.Getenv("ADMIN_CORS_ORIGINS"))})
	pipe := gateway.New(mgr, engine, audit.NewInterceptor(mgr, log), log)
	docs := openapi.NewRegistry()
	docs.Register(gateway.Operations("tenants", app.Routes())...)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing(service, log))
	r.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	r.Use(metrics.Instrument)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/openapi.json", docs.ServeHandler(service, "1.0.0"))
	app.Mount(r, pipe, middleware.Authenticate(verifier, log))

	srv := &http.Server{Addr: cfg.AdminAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infow("admin-api listening", "addr", cfg.AdminAddr)
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
	log.Infow("admin-api stopped")
}

// seedTenants provisions the tenants listed in TENANT_SEED_JSON. Existing
// ones are left alone, so restarts are harmless.
func seedTenants(svc *provision.Service, log logger.Sugared) {
	seeds, _ := tenants.NewMemoryRegistryFromEnv(log).ListByStatus(context.Background(), "")
	for _, t := range seeds {
		name := t.DisplayName
		if name == "" {
			name = t.ID
		}
		_, err := svc.Provision(context.Background(), t.ID, name)
		if err != nil && !errors.Is(err, problems.ErrTenantAlreadyExists) {
			log.Warnw("seed tenant failed", "tenant", t.ID, "err", err)
			continue
		}
		if t.Status == tenants.StatusSuspended {
			if _, err := svc.Suspend(context.Background(), t.ID); err != nil {
				log.Warnw("seed tenant suspend failed", "tenant", t.ID, "err", err)
			}
		}
	}
}

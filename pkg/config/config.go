// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env       string
	HTTPAddr  string // gateway-service (hospital surface)
	AdminAddr string // admin-api-service (operator surface)

	// Postgres pool
	DatabaseURL    string
	DBMaxConns     int
	AcquireTimeout time.Duration // max wait for a pooled connection before failing loudly
	RevertTimeout  time.Duration // budget for the namespace revert on release

	// Optional shared JWKS cache across replicas
	RedisURL string

	// Identity provider
	Issuer          string
	Audience        string
	JWKSURL         string
	JWKSMinRefresh  time.Duration
	JWKSMaxAge      time.Duration
	TokenClockSkew  time.Duration
	TenantClaim     string
	GroupsClaimPath string // JMESPath over the token claims

	// Tenant hint from subdomain (clinic9.hms.example.com) when no header is sent
	TenantBaseDomain string

	// Declarative grants + application identities, optional deny-only rego module
	PolicyFile     string
	RegoPolicyFile string

	RateLimitRPS   float64
	RateLimitBurst int

	ReconcileOnStart bool
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:              env("HMS_ENV", "dev"),
		HTTPAddr:         env("HMS_HTTP_ADDR", ":8080"),
		AdminAddr:        env("HMS_ADMIN_ADDR", ":8082"),
		DatabaseURL:      env("DATABASE_URL", ""),
		DBMaxConns:       envInt("DB_MAX_CONNS", 20),
		AcquireTimeout:   envDur("DB_ACQUIRE_TIMEOUT", 2*time.Second),
		RevertTimeout:    envDur("DB_REVERT_TIMEOUT", 2*time.Second),
		RedisURL:         env("REDIS_URL", ""),
		Issuer:           strings.TrimRight(env("OIDC_ISSUER", ""), "/"),
		Audience:         env("OIDC_AUDIENCE", ""),
		JWKSURL:          env("JWKS_URL", ""),
		JWKSMinRefresh:   envDur("JWKS_MIN_REFRESH", 30*time.Second),
		JWKSMaxAge:       envDur("JWKS_MAX_AGE", 6*time.Hour),
		TokenClockSkew:   envDur("TOKEN_CLOCK_SKEW", 30*time.Second),
		TenantClaim:      env("TENANT_CLAIM", "tid"),
		GroupsClaimPath:  env("GROUPS_CLAIM_PATH", "groups"),
		TenantBaseDomain: env("TENANT_BASE_DOMAIN", ""),
		PolicyFile:       env("POLICY_FILE", "policy.yaml"),
		RegoPolicyFile:   env("REGO_POLICY_FILE", ""),
		RateLimitRPS:     envFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst:   envInt("RATE_LIMIT_BURST", 100),
		ReconcileOnStart: envBool("HMS_RECONCILE_ON_START", false),
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set; services will refuse to start")
	}
	if cfg.Issuer == "" || cfg.JWKSURL == "" {
		log.Println("[WARN] OIDC_ISSUER/JWKS_URL not set; every bearer credential will be rejected")
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return def
		}
		return b
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return def
		}
		return i
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return def
		}
		return f
	}
	return def
}

// envDur accepts Go durations ("2s", "500ms") or bare seconds.
func envDur(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if i, err := strconv.Atoi(v); err == nil {
		return time.Duration(i) * time.Second
	}
	return def
}

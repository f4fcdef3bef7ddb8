// pkg/authn/verifier.go
package authn

import (
	"context"
	"fmt"
	"strings"
	"time"

	jmes "github.com/jmespath/go-jmespath"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"

	"hms/pkg/config"
	"hms/pkg/metrics"
	"hms/pkg/problems"
)

// Only asymmetric algorithms; the IdP publishes public keys.
var allowedAlgs = map[jwa.SignatureAlgorithm]bool{
	jwa.RS256: true, jwa.RS384: true, jwa.RS512: true,
	jwa.PS256: true, jwa.PS384: true, jwa.PS512: true,
	jwa.ES256: true, jwa.ES384: true, jwa.ES512: true,
	jwa.EdDSA: true,
}

type VerifierConfig struct {
	Issuer          string
	Audience        string // optional
	ClockSkew       time.Duration
	TenantClaim     string
	GroupsClaimPath string // JMESPath over the claim set
}

func VerifierConfigFrom(cfg config.Config) VerifierConfig {
	return VerifierConfig{
		Issuer:          cfg.Issuer,
		Audience:        cfg.Audience,
		ClockSkew:       cfg.TokenClockSkew,
		TenantClaim:     cfg.TenantClaim,
		GroupsClaimPath: cfg.GroupsClaimPath,
	}
}

// Verifier turns a bearer credential into a Principal. Every failure is
// reported as problems.ErrUnauthenticated; the wrapped text carries the
// internal reason for logs only.
type Verifier struct {
	keys   *KeySet
	cfg    VerifierConfig
	groups *jmes.JMESPath
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewVerifier(cfg VerifierConfig, keys *KeySet, log *zap.SugaredLogger) (*Verifier, error) {
	if cfg.TenantClaim == "" {
		cfg.TenantClaim = "tid"
	}
	if cfg.GroupsClaimPath == "" {
		cfg.GroupsClaimPath = "groups"
	}
	expr, err := jmes.Compile(cfg.GroupsClaimPath)
	if err != nil {
		return nil, fmt.Errorf("groups claim path %q: %w", cfg.GroupsClaimPath, err)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Verifier{keys: keys, cfg: cfg, groups: expr, log: log, now: time.Now}, nil
}

func fail(reason string, err error) error {
	metrics.AuthnFailures.WithLabelValues(reason).Inc()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", problems.ErrUnauthenticated, reason, err)
	}
	return fmt.Errorf("%w: %s", problems.ErrUnauthenticated, reason)
}

// Verify checks signature, expiry, issuer and (when configured) audience.
func (v *Verifier) Verify(ctx context.Context, raw string) (Principal, error) {
	if raw == "" {
		return Principal{}, fail("missing", nil)
	}
	if v.cfg.Issuer == "" || v.keys == nil {
		return Principal{}, fail("not_configured", nil)
	}
	msg, err := jws.Parse([]byte(raw))
	if err != nil {
		return Principal{}, fail("malformed", err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return Principal{}, fail("malformed", fmt.Errorf("%d signatures", len(sigs)))
	}
	hdr := sigs[0].ProtectedHeaders()
	kid, alg := hdr.KeyID(), hdr.Algorithm()
	if kid == "" {
		return Principal{}, fail("no_kid", nil)
	}
	if !allowedAlgs[alg] {
		return Principal{}, fail("alg", fmt.Errorf("%s not accepted", alg))
	}
	key, err := v.keys.Key(ctx, kid)
	if err != nil {
		return Principal{}, fail("key", err)
	}
	if ka := key.Algorithm(); ka != nil && ka.String() != "" && ka.String() != alg.String() {
		return Principal{}, fail("alg", fmt.Errorf("header %s, key %s", alg, ka))
	}

	opts := []jwt.ParseOption{
		jwt.WithKey(alg, key),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAcceptableSkew(v.cfg.ClockSkew),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
		jwt.WithRequiredClaim(jwt.SubjectKey),
		jwt.WithClock(jwt.ClockFunc(v.now)),
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	tok, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return Principal{}, fail("invalid", err)
	}

	claims, err := tok.AsMap(ctx)
	if err != nil {
		return Principal{}, fail("claims", err)
	}
	p := Principal{UserID: tok.Subject(), ExpiresAt: tok.Expiration()}
	if tid, ok := claims[v.cfg.TenantClaim].(string); ok {
		p.TenantID = tid
	}
	p.Groups = v.extractGroups(claims)
	return p, nil
}

// extractGroups accepts a list or a single string. Path-style group names
// ("/nurse") are reduced to their last segment.
func (v *Verifier) extractGroups(claims map[string]any) []string {
	res, err := v.groups.Search(claims)
	if err != nil || res == nil {
		return nil
	}
	var out []string
	add := func(s string) {
		if i := strings.LastIndex(s, "/"); i >= 0 {
			s = s[i+1:]
		}
		if s != "" {
			out = append(out, s)
		}
	}
	switch g := res.(type) {
	case string:
		add(g)
	case []any:
		for _, x := range g {
			if s, ok := x.(string); ok {
				add(s)
			}
		}
	case []string:
		for _, s := range g {
			add(s)
		}
	}
	return out
}

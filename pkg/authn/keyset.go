// pkg/authn/keyset.go
package authn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"hms/pkg/metrics"
)

var (
	errUnknownKeyID = errors.New("unknown key id")
	errNoKeys       = errors.New("no verification keys available")
)

// SharedCache lets replicas reuse a key set another replica already fetched.
// Load returns nil, nil on a miss.
type SharedCache interface {
	Load(ctx context.Context, url string) ([]byte, error)
	Store(ctx context.Context, url string, raw []byte, ttl time.Duration) error
}

// KeySet caches the identity provider's JWKS. An unknown kid triggers a
// refetch at most once per minRefresh; the whole set is refetched after
// maxAge. Concurrent refreshes collapse into one request. On fetch failure
// the previous keys stay in use.
type KeySet struct {
	url        string
	client     *http.Client
	minRefresh time.Duration
	maxAge     time.Duration
	shared     SharedCache
	log        *zap.SugaredLogger
	now        func() time.Time

	sf singleflight.Group

	mu          sync.RWMutex
	set         jwk.Set
	fetchedAt   time.Time
	lastAttempt time.Time
}

type KeySetOption func(*KeySet)

func WithHTTPClient(c *http.Client) KeySetOption { return func(k *KeySet) { k.client = c } }
func WithSharedCache(c SharedCache) KeySetOption { return func(k *KeySet) { k.shared = c } }
func WithClock(now func() time.Time) KeySetOption {
	return func(k *KeySet) { k.now = now }
}
func WithLogger(l *zap.SugaredLogger) KeySetOption { return func(k *KeySet) { k.log = l } }

func NewKeySet(url string, minRefresh, maxAge time.Duration, opts ...KeySetOption) *KeySet {
	k := &KeySet{
		url:        url,
		client:     &http.Client{Timeout: 5 * time.Second},
		minRefresh: minRefresh,
		maxAge:     maxAge,
		log:        zap.NewNop().Sugar(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

func (k *KeySet) snapshot() (jwk.Set, time.Time, time.Time) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.set, k.fetchedAt, k.lastAttempt
}

// Key returns the verification key for kid.
func (k *KeySet) Key(ctx context.Context, kid string) (jwk.Key, error) {
	set, fetchedAt, lastAttempt := k.snapshot()
	now := k.now()
	fresh := set != nil && now.Sub(fetchedAt) < k.maxAge

	if fresh {
		if key, ok := set.LookupKeyID(kid); ok {
			return key, nil
		}
	}
	// Throttle every refetch, including the unknown-kid path an attacker
	// can trigger at will.
	if lastAttempt.IsZero() || now.Sub(lastAttempt) >= k.minRefresh {
		// The shared cache may hold the very set that lacks kid, so it is
		// only consulted for an expired or empty local set.
		if err := k.refresh(ctx, !fresh); err != nil {
			k.log.Warnw("jwks refresh failed; keeping previous keys", "url", k.url, "err", err)
		}
		set, _, _ = k.snapshot()
	}
	if set == nil {
		return nil, errNoKeys
	}
	if key, ok := set.LookupKeyID(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %q", errUnknownKeyID, kid)
}

// refresh runs at most one fetch at a time per key set. Callers that join an
// in-flight refresh take its result whichever source the leader chose.
func (k *KeySet) refresh(ctx context.Context, allowShared bool) error {
	_, err, _ := k.sf.Do("jwks", func() (any, error) {
		// A flight that finished between our snapshot and here already did
		// the work.
		k.mu.RLock()
		last := k.lastAttempt
		k.mu.RUnlock()
		if !last.IsZero() && k.now().Sub(last) < k.minRefresh {
			return nil, nil
		}
		defer func() {
			k.mu.Lock()
			k.lastAttempt = k.now()
			k.mu.Unlock()
		}()

		// Shared across waiters; one caller's cancellation must not fail the rest.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		if allowShared && k.shared != nil {
			if set, ok := k.loadShared(fctx); ok {
				k.install(set)
				metrics.JWKSRefreshes.WithLabelValues("shared", "ok").Inc()
				return nil, nil
			}
		}
		set, err := jwk.Fetch(fctx, k.url, jwk.WithHTTPClient(k.client))
		if err != nil {
			metrics.JWKSRefreshes.WithLabelValues("idp", "error").Inc()
			return nil, err
		}
		k.install(set)
		metrics.JWKSRefreshes.WithLabelValues("idp", "ok").Inc()
		if k.shared != nil {
			if raw, err := json.Marshal(set); err == nil {
				if err := k.shared.Store(fctx, k.url, raw, k.maxAge); err != nil {
					k.log.Warnw("jwks shared cache store failed", "err", err)
				}
			}
		}
		return nil, nil
	})
	return err
}

func (k *KeySet) loadShared(ctx context.Context) (jwk.Set, bool) {
	raw, err := k.shared.Load(ctx, k.url)
	if err != nil {
		k.log.Warnw("jwks shared cache load failed", "err", err)
		return nil, false
	}
	if len(raw) == 0 {
		return nil, false
	}
	set, err := jwk.Parse(raw)
	if err != nil || set.Len() == 0 {
		return nil, false
	}
	return set, true
}

func (k *KeySet) install(set jwk.Set) {
	k.mu.Lock()
	k.set = set
	k.fetchedAt = k.now()
	k.mu.Unlock()
}

package authz

import (
	"crypto/sha256"
	"crypto/subtle"
)

const (
	HeaderAppID     = "X-App-ID"
	HeaderAppSecret = "X-App-Secret"
)

type registeredApp struct {
	digest   [sha256.Size]byte
	surfaces map[Surface]bool
}

// AppGate is the allowlist of client applications. Secrets are compared as
// SHA-256 digests in constant time, and an unknown id costs the same
// comparison as a known one.
type AppGate struct {
	apps map[string]registeredApp
}

// dummy stands in for unknown ids so the comparison still runs.
var dummy = sha256.Sum256([]byte("hms-unknown-application"))

// NewAppGate skips identities without a secret; they can never pass.
func NewAppGate(apps []AppIdentity) *AppGate {
	g := &AppGate{apps: map[string]registeredApp{}}
	for _, a := range apps {
		if a.Secret == "" {
			continue
		}
		ra := registeredApp{digest: sha256.Sum256([]byte(a.Secret)), surfaces: map[Surface]bool{}}
		for _, s := range a.Surfaces {
			ra.surfaces[s] = true
		}
		g.apps[a.ID] = ra
	}
	return g
}

// Allow reports whether id/secret is a registered application permitted on
// surface.
func (g *AppGate) Allow(id, secret string, surface Surface) bool {
	ra, known := g.apps[id]
	want := dummy
	if known {
		want = ra.digest
	}
	got := sha256.Sum256([]byte(secret))
	match := subtle.ConstantTimeCompare(got[:], want[:]) == 1
	return known && match && secret != "" && ra.surfaces[surface]
}

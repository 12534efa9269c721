/*
identity.go - Resolves a presented credential to a principal.

PURPOSE:
  Hashes a presented API key with SHA-256, exactly the way the Python
  bridge this broker replaces does (hashlib.sha256(x_api_key).hexdigest()),
  so credential hashes already stored by any existing client remain
  valid. Looks up hash -> principal, and checks the principal's role
  against what the calling endpoint expects.
*/
package broker

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/nateajmera/nexus-broker/ledger"
)

// IdentityResolver resolves presented credentials to principals.
type IdentityResolver struct {
	store ledger.Store
}

// NewIdentityResolver constructs a resolver over the given store.
func NewIdentityResolver(store ledger.Store) *IdentityResolver {
	return &IdentityResolver{store: store}
}

// HashAPIKey returns the hex-encoded SHA-256 digest of an API key.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Resolve looks up apiKey's hash and requires the resolved principal to
// have the given role. A hash that resolves to the wrong role is
// reported as ErrUnknownPrincipal, not ErrWrongRole: a caller presenting
// a stranger's key should not learn that the key is valid for some
// other role.
func (r *IdentityResolver) Resolve(ctx context.Context, apiKey string, want ledger.Role) (ledger.Principal, error) {
	if apiKey == "" {
		return ledger.Principal{}, ledger.ErrUnknownPrincipal
	}

	p, err := r.store.GetPrincipalByAPIKeyHash(ctx, HashAPIKey(apiKey))
	if err != nil {
		return ledger.Principal{}, err
	}
	if p.Role != want {
		return ledger.Principal{}, ledger.ErrUnknownPrincipal
	}
	return p, nil
}

// CheckAdminKey compares a presented admin key against the configured
// value in constant time, per spec section 4.F.
func CheckAdminKey(presented, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

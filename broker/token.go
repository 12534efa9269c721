/*
token.go - Opaque token id generation.

PURPOSE:
  Produces the 128-bit random, URL-safe, opaque token ids spec section 6
  requires. Deliberately not github.com/google/uuid here: a token id is
  a bearer capability, not a business-entity identifier, so it gets raw
  high-entropy bytes rather than UUID's structured (version/variant)
  layout. Ledger entry ids, which ARE business-entity identifiers, use
  uuid - see store/sqlite and store/memory.
*/
package broker

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/nateajmera/nexus-broker/ledger"
)

// tokenIDBytes is 128 bits of entropy per spec section 6.
const tokenIDBytes = 16

// NewTokenID generates a fresh opaque, URL-safe token id.
func NewTokenID() (ledger.TokenID, error) {
	b := make([]byte, tokenIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}
	return ledger.TokenID(base64.RawURLEncoding.EncodeToString(b)), nil
}

/*
mint.go - Implements request_access: the Mint Service.

PURPOSE:
  Authenticates a buyer, validates the seller, and delegates to the
  store's single-transaction TX_MINT to debit balance, credit escrow,
  and insert the token + idempotency record atomically. The service
  itself never branches on balance or writes a principal row directly
  (it only reads the seller row to check its role): all mutation lives
  inside the store transaction, per spec section 9's
  re-architecture guidance against two-step read-then-write.
*/
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nateajmera/nexus-broker/ledger"
)

// MintService implements spec section 4.D's request_access operation.
type MintService struct {
	store  ledger.Store
	idents *IdentityResolver
	clock  Clock
	policy Policy
}

// NewMintService constructs a MintService.
func NewMintService(store ledger.Store, idents *IdentityResolver, clock Clock, policy Policy) *MintService {
	return &MintService{store: store, idents: idents, clock: clock, policy: policy}
}

// MintRequest is the validated input to Mint.
type MintRequest struct {
	APIKey         string
	IdempotencyKey string
	SellerID       ledger.PrincipalID
	TTL            time.Duration // zero means "use default"
}

// MintResponse is the successful result of Mint: the opaque auth_token.
type MintResponse struct {
	Token ledger.Token
}

// Mint authenticates the buyer, validates the seller, and mints (or
// replays) a token. The same (buyer, idempotency_key) pair always
// returns the same token regardless of how many concurrent callers race,
// because the replay check and the mutation live in the same store
// transaction.
func (m *MintService) Mint(ctx context.Context, req MintRequest) (MintResponse, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return MintResponse{}, ledger.ErrMissingIdempotencyKey
	}
	if strings.TrimSpace(string(req.SellerID)) == "" {
		return MintResponse{}, fmt.Errorf("%w: seller_id is required", ledger.ErrInvalidRequest)
	}

	buyer, err := m.idents.Resolve(ctx, req.APIKey, ledger.RoleBuyer)
	if err != nil {
		return MintResponse{}, err
	}

	seller, err := m.store.GetPrincipal(ctx, req.SellerID)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownPrincipal) {
			return MintResponse{}, ledger.ErrUnknownSeller
		}
		return MintResponse{}, err
	}
	if seller.Role != ledger.RoleSeller {
		return MintResponse{}, ledger.ErrUnknownSeller
	}

	tokenID, err := NewTokenID()
	if err != nil {
		return MintResponse{}, err
	}

	outcome, err := m.store.TxMint(ctx, ledger.MintParams{
		BuyerID:  buyer.ID,
		SellerID: seller.ID,
		Amount:   m.policy.Cost,
		IdemKey:  req.IdempotencyKey,
		TTL:      ClampTTL(req.TTL),
		TokenID:  tokenID,
		Now:      m.clock.Now(),
	})
	if err != nil {
		return MintResponse{}, err
	}

	switch outcome.Status {
	case ledger.MintMinted, ledger.MintReplayed:
		return MintResponse{Token: outcome.Token}, nil
	case ledger.MintInsufficientFunds:
		return MintResponse{}, ledger.ErrInsufficientBalance
	default:
		return MintResponse{}, errors.New("mint: unrecognized store outcome")
	}
}

/*
settle.go - Implements verify: the Settle Service.

PURPOSE:
  Authenticates a seller and delegates to the store's single-transaction
  TX_SETTLE, which burns the token and credits the seller's earnings in
  the same commit. At-most-once settlement is a direct consequence of
  deleting the token row under the store's serialized transaction: a
  concurrent second caller holding the same token observes NotFound
  because the row is already gone.
*/
package broker

import (
	"context"
	"errors"

	"github.com/nateajmera/nexus-broker/ledger"
)

// SettleErrorCode is the caller-facing error code returned alongside
// valid:false, per spec section 4.E.
type SettleErrorCode string

const (
	SettleCodeNone           SettleErrorCode = ""
	SettleCodeNotFound       SettleErrorCode = "NOT_FOUND"
	SettleCodeAlreadyUsed    SettleErrorCode = "ALREADY_USED"
	SettleCodeSellerMismatch SettleErrorCode = "SELLER_MISMATCH"
	SettleCodeExpired        SettleErrorCode = "EXPIRED"
)

// SettleService implements spec section 4.E's verify operation.
type SettleService struct {
	store  ledger.Store
	idents *IdentityResolver
	clock  Clock
	policy Policy
}

// NewSettleService constructs a SettleService.
func NewSettleService(store ledger.Store, idents *IdentityResolver, clock Clock, policy Policy) *SettleService {
	return &SettleService{store: store, idents: idents, clock: clock, policy: policy}
}

// SettleRequest is the validated input to Settle.
type SettleRequest struct {
	SellerAPIKey string
	TokenID      ledger.TokenID
}

// SettleResult is Settle's caller-facing result: either Valid with the
// buyer id, or not Valid with a specific Code explaining why, per the
// policy's collapse/distinguish choices.
type SettleResult struct {
	Valid   bool
	BuyerID ledger.PrincipalID
	Code    SettleErrorCode
}

// Settle authenticates the seller and attempts to redeem tokenID.
// Authentication failure (unknown seller credential) is returned as an
// error for the caller to map to 401; every other outcome - including
// "never existed", "already used", wrong seller, and expired - is
// returned as a non-error SettleResult so retries stay in the
// retry-safe body-level path spec section 4.E prefers.
func (s *SettleService) Settle(ctx context.Context, req SettleRequest) (SettleResult, error) {
	seller, err := s.idents.Resolve(ctx, req.SellerAPIKey, ledger.RoleSeller)
	if err != nil {
		return SettleResult{}, err
	}

	outcome, err := s.store.TxSettle(ctx, ledger.SettleParams{
		TokenID:              req.TokenID,
		SellerID:             seller.ID,
		Now:                  s.clock.Now(),
		BurnOnSellerMismatch: s.policy.SellerMismatchBurnsToken,
	})
	if err != nil {
		return SettleResult{}, err
	}

	switch outcome.Status {
	case ledger.SettleSettled:
		return SettleResult{Valid: true, BuyerID: outcome.BuyerID}, nil
	case ledger.SettleNotFound:
		if s.policy.CollapseNotFoundIntoAlreadyUsed {
			return SettleResult{Code: SettleCodeAlreadyUsed}, nil
		}
		return SettleResult{Code: SettleCodeNotFound}, nil
	case ledger.SettleSellerMismatch:
		return SettleResult{Code: SettleCodeSellerMismatch}, nil
	case ledger.SettleExpired:
		if s.policy.ExpiredIsDistinctFromUsed {
			return SettleResult{Code: SettleCodeExpired}, nil
		}
		return SettleResult{Code: SettleCodeAlreadyUsed}, nil
	default:
		return SettleResult{}, errors.New("settle: unrecognized store outcome")
	}
}

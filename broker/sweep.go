/*
sweep.go - Implements sweep_expired: the Sweep Service.

PURPOSE:
  Bounded-batch reclamation of expired, unredeemed tokens. Delegates to
  the store's TX_SWEEP, which refunds escrow to buyers and deletes the
  token rows. Idempotent: running Sweep twice with no new expiries
  between runs reclaims 0 the second time, because there is nothing left
  to select.
*/
package broker

import (
	"context"

	"github.com/nateajmera/nexus-broker/ledger"
)

// SweepService implements spec section 4.F's sweep_expired operation.
type SweepService struct {
	store ledger.Store
	clock Clock
}

// NewSweepService constructs a SweepService.
func NewSweepService(store ledger.Store, clock Clock) *SweepService {
	return &SweepService{store: store, clock: clock}
}

// SweepRequest is the validated input to Sweep.
type SweepRequest struct {
	Limit       int
	TriggeredBy string // audit label; not persisted by this broker today
}

// Sweep reclaims up to the clamped limit of expired tokens and returns
// the count actually reclaimed.
func (s *SweepService) Sweep(ctx context.Context, req SweepRequest) (int, error) {
	return s.store.TxSweep(ctx, s.clock.Now(), ClampSweepLimit(req.Limit))
}

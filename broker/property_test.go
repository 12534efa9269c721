package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/nateajmera/nexus-broker/ledger"
)

// TestConcurrentMintSameIdempotencyKeyMintsOnce races many callers
// against the same (buyer, idempotency_key) pair and asserts exactly
// one debit happened regardless of how many requests raced.
func TestConcurrentMintSameIdempotencyKeyMintsOnce(t *testing.T) {
	h := newHarness(t, 100)
	svc := h.mintService()

	const callers = 20
	tokenIDs := make([]ledger.TokenID, callers)

	var g errgroup.Group
	for i := 0; i < callers; i++ {
		i := i
		g.Go(func() error {
			resp, err := svc.Mint(context.Background(), MintRequest{
				APIKey:         h.buyerKey,
				IdempotencyKey: "race-key",
				SellerID:       h.sellerID,
			})
			if err != nil {
				return err
			}
			tokenIDs[i] = resp.Token.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	first := tokenIDs[0]
	for _, id := range tokenIDs {
		assert.Equal(t, first, id, "every racing caller must observe the same token")
	}

	buyer, err := h.store.GetPrincipal(context.Background(), h.buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(100-DefaultCost), buyer.Balance, "balance must be debited exactly once")
}

// TestConcurrentSettleAtMostOnce races many sellers holding the same
// token against Settle and asserts exactly one succeeds.
func TestConcurrentSettleAtMostOnce(t *testing.T) {
	h := newHarness(t, 100)
	tokenID := mintOne(t, h)

	const callers = 20
	results := make([]bool, callers)

	var g errgroup.Group
	for i := 0; i < callers; i++ {
		i := i
		g.Go(func() error {
			result, err := h.settleService().Settle(context.Background(), SettleRequest{
				SellerAPIKey: h.sellerKey,
				TokenID:      ledgerTokenID(tokenID),
			})
			if err != nil {
				return err
			}
			results[i] = result.Valid
			return nil
		})
	}
	require.NoError(t, g.Wait())

	successes := 0
	for _, ok := range results {
		if ok {
			successes++
		}
	}
	assert.Equal(t, 1, successes, "exactly one concurrent settle must succeed")

	seller, err := h.store.GetPrincipal(context.Background(), h.sellerID)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultCost), seller.TotalEarned, "seller must be credited exactly once")
}

// TestConservationAfterMints mints a batch of tokens and asserts that
// live-token count and escrow owed match the mints, and that balance +
// escrow + seller earnings still equals the starting balance.
func TestConservationAfterMints(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()

	const mints = 10
	for i := 0; i < mints; i++ {
		_, err := h.mintService().Mint(ctx, MintRequest{
			APIKey:         h.buyerKey,
			IdempotencyKey: idemKeyForIndex(i),
			SellerID:       h.sellerID,
		})
		require.NoError(t, err)
	}

	snap, err := h.store.InvariantSnapshot(ctx, h.buyerID, h.sellerID)
	require.NoError(t, err)
	assert.Equal(t, mints, snap.LiveTokens)
	assert.Equal(t, int64(mints)*DefaultCost, snap.EscrowOwed)

	total := snap.Buyer.Balance + snap.Buyer.Escrow + snap.Seller.TotalEarned
	assert.Equal(t, int64(1000), total, "conservation must hold before any settlement")
}

func idemKeyForIndex(i int) string {
	return "conservation-" + string(rune('a'+i))
}

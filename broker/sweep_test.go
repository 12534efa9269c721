package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepReclaimsExpiredEscrow(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	tokenID := mintOne(t, h)
	h.clock.Advance(2 * time.Hour)

	n, err := h.sweepService().Sweep(ctx, SweepRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	buyer, err := h.store.GetPrincipal(ctx, h.buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), buyer.Balance, "sweep must return the escrowed credits to the balance")
	assert.Equal(t, int64(0), buyer.Escrow, "sweep must refund escrow")

	// The token is gone: settling it afterward reports not-found/already-used.
	result, err := h.settleService().Settle(ctx, SettleRequest{SellerAPIKey: h.sellerKey, TokenID: ledgerTokenID(tokenID)})
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestSweepIsIdempotent(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	mintOne(t, h)
	h.clock.Advance(2 * time.Hour)

	first, err := h.sweepService().Sweep(ctx, SweepRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, first)

	second, err := h.sweepService().Sweep(ctx, SweepRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, second, "nothing left to sweep")
}

func TestSweepDoesNotTouchLiveTokens(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	mintOne(t, h)

	n, err := h.sweepService().Sweep(ctx, SweepRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	buyer, err := h.store.GetPrincipal(ctx, h.buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultCost), buyer.Escrow)
}

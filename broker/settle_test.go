package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mintOne(t *testing.T, h *testHarness) string {
	t.Helper()
	resp, err := h.mintService().Mint(context.Background(), MintRequest{
		APIKey:         h.buyerKey,
		IdempotencyKey: "req-1",
		SellerID:       h.sellerID,
	})
	require.NoError(t, err)
	return string(resp.Token.ID)
}

func TestSettleSuccess(t *testing.T) {
	h := newHarness(t, 100)
	tokenID := mintOne(t, h)

	result, err := h.settleService().Settle(context.Background(), SettleRequest{
		SellerAPIKey: h.sellerKey,
		TokenID:      ledgerTokenID(tokenID),
	})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, h.buyerID, result.BuyerID)

	seller, err := h.store.GetPrincipal(context.Background(), h.sellerID)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultCost), seller.TotalEarned)
	assert.Equal(t, int64(1), seller.Reputation)

	buyer, err := h.store.GetPrincipal(context.Background(), h.buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), buyer.Escrow)
}

func TestSettleAtMostOnce(t *testing.T) {
	h := newHarness(t, 100)
	tokenID := mintOne(t, h)
	ctx := context.Background()

	first, err := h.settleService().Settle(ctx, SettleRequest{SellerAPIKey: h.sellerKey, TokenID: ledgerTokenID(tokenID)})
	require.NoError(t, err)
	assert.True(t, first.Valid)

	second, err := h.settleService().Settle(ctx, SettleRequest{SellerAPIKey: h.sellerKey, TokenID: ledgerTokenID(tokenID)})
	require.NoError(t, err)
	assert.False(t, second.Valid)
	assert.Equal(t, SettleCodeAlreadyUsed, second.Code)
}

func TestSettleSellerMismatchDoesNotBurnToken(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	require.NoError(t, h.store.UpsertPrincipal(ctx, ledgerPrincipal("seller-2", "impostor-key")))

	tokenID := mintOne(t, h)

	mismatch, err := h.settleService().Settle(ctx, SettleRequest{SellerAPIKey: "impostor-key", TokenID: ledgerTokenID(tokenID)})
	require.NoError(t, err)
	assert.False(t, mismatch.Valid)
	assert.Equal(t, SettleCodeSellerMismatch, mismatch.Code)

	// Token must still be live for the bound seller.
	ok, err := h.settleService().Settle(ctx, SettleRequest{SellerAPIKey: h.sellerKey, TokenID: ledgerTokenID(tokenID)})
	require.NoError(t, err)
	assert.True(t, ok.Valid)
}

func TestSettleSellerMismatchBurnsTokenWhenPolicyEnabled(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	h.policy.SellerMismatchBurnsToken = true

	require.NoError(t, h.store.UpsertPrincipal(ctx, ledgerPrincipal("seller-2", "impostor-key")))

	tokenID := mintOne(t, h)

	mismatch, err := h.settleService().Settle(ctx, SettleRequest{SellerAPIKey: "impostor-key", TokenID: ledgerTokenID(tokenID)})
	require.NoError(t, err)
	assert.False(t, mismatch.Valid)
	assert.Equal(t, SettleCodeSellerMismatch, mismatch.Code)

	// The token is gone even for the rightful seller now.
	again, err := h.settleService().Settle(ctx, SettleRequest{SellerAPIKey: h.sellerKey, TokenID: ledgerTokenID(tokenID)})
	require.NoError(t, err)
	assert.False(t, again.Valid)

	buyer, err := h.store.GetPrincipal(ctx, h.buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), buyer.Escrow, "escrow must be released on burn")
}

func TestMintReplayAfterSettleDoesNotDoubleDebit(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	tokenID := mintOne(t, h)
	_, err := h.settleService().Settle(ctx, SettleRequest{SellerAPIKey: h.sellerKey, TokenID: ledgerTokenID(tokenID)})
	require.NoError(t, err)

	// A retry of the same (buyer, idempotency_key) after the token has
	// been burned must still replay rather than minting a fresh token.
	replay, err := h.mintService().Mint(ctx, MintRequest{
		APIKey:         h.buyerKey,
		IdempotencyKey: "req-1",
		SellerID:       h.sellerID,
	})
	require.NoError(t, err)
	assert.Equal(t, ledgerTokenID(tokenID), replay.Token.ID)

	buyer, err := h.store.GetPrincipal(ctx, h.buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(100-DefaultCost), buyer.Balance, "replay after settle must not debit again")
}

func TestMintReplayAfterSweepDoesNotDoubleDebit(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	_, err := h.mintService().Mint(ctx, MintRequest{
		APIKey:         h.buyerKey,
		IdempotencyKey: "req-1",
		SellerID:       h.sellerID,
		TTL:            time.Second,
	})
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	reclaimed, err := h.sweepService().Sweep(ctx, SweepRequest{Limit: 100, TriggeredBy: "test"})
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)

	replay, err := h.mintService().Mint(ctx, MintRequest{
		APIKey:         h.buyerKey,
		IdempotencyKey: "req-1",
		SellerID:       h.sellerID,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, replay.Token.ID)

	buyer, err := h.store.GetPrincipal(ctx, h.buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), buyer.Balance, "replay after sweep must not debit again")
}

func TestSettleExpiredToken(t *testing.T) {
	h := newHarness(t, 100)
	tokenID := mintOne(t, h)

	h.clock.Advance(2 * time.Hour)

	result, err := h.settleService().Settle(context.Background(), SettleRequest{SellerAPIKey: h.sellerKey, TokenID: ledgerTokenID(tokenID)})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, SettleCodeExpired, result.Code)
}

func TestSettleNeverExistedCollapsesIntoAlreadyUsed(t *testing.T) {
	h := newHarness(t, 100)

	result, err := h.settleService().Settle(context.Background(), SettleRequest{SellerAPIKey: h.sellerKey, TokenID: "nonexistent-token"})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, SettleCodeAlreadyUsed, result.Code)
}

func TestSettleUnknownSellerKey(t *testing.T) {
	h := newHarness(t, 100)
	tokenID := mintOne(t, h)

	_, err := h.settleService().Settle(context.Background(), SettleRequest{SellerAPIKey: "not-a-key", TokenID: ledgerTokenID(tokenID)})
	assertAuthFailure(t, err)
}

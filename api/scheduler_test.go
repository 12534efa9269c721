package api

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nateajmera/nexus-broker/broker"
	"github.com/nateajmera/nexus-broker/ledger"
	"github.com/nateajmera/nexus-broker/store/memory"
)

func TestSweepSchedulerReclaimsOnTick(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	clock := broker.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, store.UpsertPrincipal(ctx, ledger.Principal{
		ID: "buyer-1", Role: ledger.RoleBuyer, APIKeyHash: broker.HashAPIKey("buyer-key"), Balance: 100,
	}))
	require.NoError(t, store.UpsertPrincipal(ctx, ledger.Principal{
		ID: "seller-1", Role: ledger.RoleSeller, APIKeyHash: broker.HashAPIKey("seller-key"),
	}))

	idents := broker.NewIdentityResolver(store)
	mintSvc := broker.NewMintService(store, idents, clock, broker.DefaultPolicy())
	_, err := mintSvc.Mint(ctx, broker.MintRequest{
		APIKey: "buyer-key", IdempotencyKey: "k1", SellerID: "seller-1", TTL: 5 * time.Second,
	})
	require.NoError(t, err)

	clock.Advance(time.Hour)

	sweepSvc := broker.NewSweepService(store, clock)
	scheduler := NewSweepScheduler(sweepSvc, zerolog.Nop())
	scheduler.CheckInterval = 20 * time.Millisecond

	scheduler.Start()
	require.Eventually(t, func() bool {
		snap, err := store.InvariantSnapshot(ctx, "buyer-1", "seller-1")
		return err == nil && snap.LiveTokens == 0
	}, time.Second, 10*time.Millisecond)
	scheduler.Stop()

	buyer, err := store.GetPrincipal(ctx, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), buyer.Escrow)
}

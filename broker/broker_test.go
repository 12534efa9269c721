package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nateajmera/nexus-broker/ledger"
	"github.com/nateajmera/nexus-broker/store/memory"
)

// testHarness wires a fresh in-memory store plus buyer/seller credentials
// used across mint/settle/sweep tests.
type testHarness struct {
	store    *memory.Store
	clock    *FakeClock
	policy   Policy
	idents   *IdentityResolver
	buyerKey string
	sellerKey string
	buyerID  ledger.PrincipalID
	sellerID ledger.PrincipalID
}

func newHarness(t *testing.T, buyerBalance int64) *testHarness {
	t.Helper()

	store := memory.New()
	ctx := context.Background()

	h := &testHarness{
		store:     store,
		clock:     NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		policy:    DefaultPolicy(),
		idents:    NewIdentityResolver(store),
		buyerKey:  "buyer-key",
		sellerKey: "seller-key",
		buyerID:   "buyer-1",
		sellerID:  "seller-1",
	}

	require.NoError(t, store.UpsertPrincipal(ctx, ledger.Principal{
		ID: h.buyerID, Role: ledger.RoleBuyer, APIKeyHash: HashAPIKey(h.buyerKey), Balance: buyerBalance,
	}))
	require.NoError(t, store.UpsertPrincipal(ctx, ledger.Principal{
		ID: h.sellerID, Role: ledger.RoleSeller, APIKeyHash: HashAPIKey(h.sellerKey),
	}))

	return h
}

func (h *testHarness) mintService() *MintService {
	return NewMintService(h.store, h.idents, h.clock, h.policy)
}

func (h *testHarness) settleService() *SettleService {
	return NewSettleService(h.store, h.idents, h.clock, h.policy)
}

func (h *testHarness) sweepService() *SweepService {
	return NewSweepService(h.store, h.clock)
}

func ledgerTokenID(id string) ledger.TokenID { return ledger.TokenID(id) }

func ledgerPrincipal(id ledger.PrincipalID, apiKey string) ledger.Principal {
	return ledger.Principal{ID: id, Role: ledger.RoleSeller, APIKeyHash: HashAPIKey(apiKey)}
}

func assertAuthFailure(t *testing.T, err error) {
	t.Helper()
	assert.True(t, ledger.IsAuthFailure(err), "expected an auth failure, got %v", err)
}

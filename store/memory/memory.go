/*
Package memory provides an in-process implementation of ledger.Store.

PURPOSE:
  A single sync.Mutex guarding plain Go maps, used by unit and property
  tests that want the real TX_* semantics without a SQLite file or the
  BEGIN IMMEDIATE retry path. The mutex plays the same role store/sqlite
  gives the one-connection pool: every TX_* body runs fully serialized.
*/
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nateajmera/nexus-broker/ledger"
)

// Store implements ledger.Store and ledger.AdminStore in memory.
type Store struct {
	mu sync.Mutex

	principals map[ledger.PrincipalID]ledger.Principal
	byAPIKey   map[string]ledger.PrincipalID
	tokens     map[ledger.TokenID]ledger.Token
	idemIndex  map[idemKey]ledger.Token // independent of tokens: outlives Settle/Sweep
	entries    []ledger.LedgerEntry
}

type idemKey struct {
	buyer ledger.PrincipalID
	key   string
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		principals: make(map[ledger.PrincipalID]ledger.Principal),
		byAPIKey:   make(map[string]ledger.PrincipalID),
		tokens:     make(map[ledger.TokenID]ledger.Token),
		idemIndex:  make(map[idemKey]ledger.Token),
	}
}

func (s *Store) GetPrincipal(ctx context.Context, id ledger.PrincipalID) (ledger.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return ledger.Principal{}, ledger.ErrUnknownPrincipal
	}
	return p, nil
}

func (s *Store) GetPrincipalByAPIKeyHash(ctx context.Context, hash string) (ledger.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byAPIKey[hash]
	if !ok {
		return ledger.Principal{}, ledger.ErrUnknownPrincipal
	}
	return s.principals[id], nil
}

// UpsertPrincipal creates or updates a principal.
func (s *Store) UpsertPrincipal(ctx context.Context, p ledger.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.principals[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
		p.TotalEarned = existing.TotalEarned
		p.Reputation = existing.Reputation
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	s.principals[p.ID] = p
	s.byAPIKey[p.APIKeyHash] = p.ID
	return nil
}

func (s *Store) TxMint(ctx context.Context, p ledger.MintParams) (ledger.MintOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The idempotency record is checked independently of the tokens
	// map: it must still answer "replayed" after the token it names has
	// been burned by Settle or reclaimed by Sweep.
	key := idemKey{buyer: p.BuyerID, key: p.IdemKey}
	if rec, ok := s.idemIndex[key]; ok {
		return ledger.MintOutcome{Status: ledger.MintReplayed, Token: rec}, nil
	}

	buyer, ok := s.principals[p.BuyerID]
	if !ok {
		return ledger.MintOutcome{}, ledger.ErrUnknownPrincipal
	}

	if buyer.Balance < p.Amount {
		return ledger.MintOutcome{Status: ledger.MintInsufficientFunds}, nil
	}

	buyer.Balance -= p.Amount
	buyer.Escrow += p.Amount
	s.principals[p.BuyerID] = buyer

	tok := ledger.Token{
		ID:             p.TokenID,
		BuyerID:        p.BuyerID,
		SellerID:       p.SellerID,
		Amount:         p.Amount,
		CreatedAt:      p.Now,
		ExpiresAt:      p.Now.Add(p.TTL),
		IdempotencyKey: p.IdemKey,
	}
	s.tokens[tok.ID] = tok
	s.idemIndex[key] = tok

	return ledger.MintOutcome{Status: ledger.MintMinted, Token: tok}, nil
}

func (s *Store) TxSettle(ctx context.Context, p ledger.SettleParams) (ledger.SettleOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[p.TokenID]
	if !ok {
		return ledger.SettleOutcome{Status: ledger.SettleNotFound}, nil
	}

	if tok.SellerID != p.SellerID {
		if p.BurnOnSellerMismatch {
			delete(s.tokens, tok.ID)
			buyer := s.principals[tok.BuyerID]
			buyer.Balance += tok.Amount
			buyer.Escrow -= tok.Amount
			if buyer.Escrow < 0 {
				buyer.Escrow = 0
			}
			s.principals[tok.BuyerID] = buyer
		}
		return ledger.SettleOutcome{Status: ledger.SettleSellerMismatch}, nil
	}

	if tok.Expired(p.Now) {
		return ledger.SettleOutcome{Status: ledger.SettleExpired}, nil
	}

	delete(s.tokens, tok.ID)

	buyer := s.principals[tok.BuyerID]
	buyer.Escrow -= tok.Amount
	if buyer.Escrow < 0 {
		buyer.Escrow = 0
	}
	s.principals[tok.BuyerID] = buyer

	seller := s.principals[tok.SellerID]
	seller.TotalEarned += tok.Amount
	seller.Reputation++
	s.principals[tok.SellerID] = seller

	s.entries = append(s.entries, ledger.LedgerEntry{
		ID:        uuid.New().String(),
		BuyerID:   tok.BuyerID,
		SellerID:  tok.SellerID,
		Amount:    tok.Amount,
		TokenID:   tok.ID,
		SettledAt: p.Now,
	})

	return ledger.SettleOutcome{Status: ledger.SettleSettled, BuyerID: tok.BuyerID}, nil
}

func (s *Store) TxSweep(ctx context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed int
	for id, tok := range s.tokens {
		if reclaimed >= limit {
			break
		}
		if !tok.Expired(now) {
			continue
		}

		delete(s.tokens, id)

		buyer := s.principals[tok.BuyerID]
		buyer.Balance += tok.Amount
		buyer.Escrow -= tok.Amount
		if buyer.Escrow < 0 {
			buyer.Escrow = 0
		}
		s.principals[tok.BuyerID] = buyer

		reclaimed++
	}
	return reclaimed, nil
}

func (s *Store) InvariantSnapshot(ctx context.Context, buyerID, sellerID ledger.PrincipalID) (ledger.InvariantSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buyer, ok := s.principals[buyerID]
	if !ok {
		return ledger.InvariantSnapshot{}, ledger.ErrUnknownPrincipal
	}
	seller, ok := s.principals[sellerID]
	if !ok {
		return ledger.InvariantSnapshot{}, ledger.ErrUnknownPrincipal
	}

	var liveTokens int
	var escrowOwed int64
	for _, tok := range s.tokens {
		if tok.BuyerID != buyerID {
			continue
		}
		liveTokens++
		escrowOwed += tok.Amount
	}

	return ledger.InvariantSnapshot{
		Buyer:      buyer,
		Seller:     seller,
		LiveTokens: liveTokens,
		EscrowOwed: escrowOwed,
	}, nil
}

/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for the broker's HTTP surface. These types
  decouple ledger/broker's domain model from the wire contract the
  original bridge's buyer/seller agents already speak.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

SEE ALSO:
  - handlers.go: uses these types
  - ledger/types.go: the domain types these wrap
*/
package api

import (
	"time"

	"github.com/nateajmera/nexus-broker/ledger"
)

// MintRequestDTO is the request body for POST /request_access.
type MintRequestDTO struct {
	SellerID       string `json:"seller_id"`
	IdempotencyKey string `json:"idempotency_key"`
	TTLSeconds     int64  `json:"ttl_seconds,omitempty"`
}

// MintResponseDTO is the response body for a successful mint.
type MintResponseDTO struct {
	AuthToken string `json:"auth_token"`
	ExpiresAt string `json:"expires_at"`
	Cost      int64  `json:"cost"`
}

// SettleResponseDTO is the response body for GET /verify/{token}.
type SettleResponseDTO struct {
	Valid   bool   `json:"valid"`
	BuyerID string `json:"buyer_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SweepRequestDTO is the request body for POST /sweep_expired.
type SweepRequestDTO struct {
	Limit int `json:"limit,omitempty"`
}

// SweepResponseDTO is the response body for a sweep invocation.
type SweepResponseDTO struct {
	Status string `json:"status"`
	Swept  int    `json:"swept"`
}

// PrincipalDTO represents a buyer or seller account, as returned by the
// admin seeding endpoint. APIKeyHash is never returned; the raw API key
// is only ever known by the caller that set it.
type PrincipalDTO struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Balance     int64  `json:"balance"`
	Escrow      int64  `json:"escrow_balance"`
	TotalEarned int64  `json:"total_earned,omitempty"`
	Reputation  int64  `json:"reputation,omitempty"`
}

// CreatePrincipalRequestDTO is the request body for the admin principal
// provisioning endpoint.
type CreatePrincipalRequestDTO struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	APIKey  string `json:"api_key"`
	Balance int64  `json:"balance"`
}

// InvariantSnapshotDTO is the response body for GET /invariants.
type InvariantSnapshotDTO struct {
	Buyer      PrincipalDTO `json:"buyer"`
	Seller     PrincipalDTO `json:"seller"`
	LiveTokens int          `json:"live_tokens"`
	EscrowOwed int64        `json:"escrow_owed"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toPrincipalDTO(p ledger.Principal) PrincipalDTO {
	return PrincipalDTO{
		ID:          string(p.ID),
		Role:        string(p.Role),
		Balance:     p.Balance,
		Escrow:      p.Escrow,
		TotalEarned: p.TotalEarned,
		Reputation:  p.Reputation,
	}
}

func toInvariantSnapshotDTO(snap ledger.InvariantSnapshot) InvariantSnapshotDTO {
	return InvariantSnapshotDTO{
		Buyer:      toPrincipalDTO(snap.Buyer),
		Seller:     toPrincipalDTO(snap.Seller),
		LiveTokens: snap.LiveTokens,
		EscrowOwed: snap.EscrowOwed,
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

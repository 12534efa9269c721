/*
handlers.go - HTTP handlers for the broker's buyer/seller surface

PURPOSE:
  Implements the HTTP endpoints buyer and seller agents call:
  request_access (mint), verify (settle), sweep_expired, plus an
  /invariants diagnostic endpoint and a small admin surface for
  provisioning principals. Each handler does request parsing and status
  mapping only; all domain logic lives in package broker.

AUTHENTICATION:
  Buyer and seller endpoints take the caller's credential from the
  X-Api-Key header, matching the bridge this broker replaces. The admin
  endpoints take X-Admin-Key instead, compared in constant time.
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nateajmera/nexus-broker/broker"
	"github.com/nateajmera/nexus-broker/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     ledger.Store
	Admin     ledger.AdminStore
	Mint      *broker.MintService
	Settle    *broker.SettleService
	Sweep     *broker.SweepService
	AdminKey  string
}

// NewHandler wires a Handler from a store and the services built over it.
func NewHandler(store ledger.Store, admin ledger.AdminStore, adminKey string, clock broker.Clock, policy broker.Policy) *Handler {
	idents := broker.NewIdentityResolver(store)
	return &Handler{
		Store:    store,
		Admin:    admin,
		Mint:     broker.NewMintService(store, idents, clock, policy),
		Settle:   broker.NewSettleService(store, idents, clock, policy),
		Sweep:    broker.NewSweepService(store, clock),
		AdminKey: adminKey,
	}
}

// =============================================================================
// REQUEST_ACCESS
// =============================================================================

// RequestAccess mints a new token against the caller's escrow balance.
// POST /request_access
func (h *Handler) RequestAccess(w http.ResponseWriter, r *http.Request) {
	var body MintRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	resp, err := h.Mint.Mint(r.Context(), broker.MintRequest{
		APIKey:         apiKeyFromHeader(r),
		IdempotencyKey: body.IdempotencyKey,
		SellerID:       ledger.PrincipalID(body.SellerID),
		TTL:            secondsToDuration(body.TTLSeconds),
	})
	if err != nil {
		writeMintError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, MintResponseDTO{
		AuthToken: string(resp.Token.ID),
		ExpiresAt: formatTime(resp.Token.ExpiresAt),
		Cost:      resp.Token.Amount,
	})
}

func writeMintError(w http.ResponseWriter, err error) {
	switch {
	case ledger.IsSellerNotFound(err):
		writeError(w, http.StatusNotFound, "unknown seller", nil)
	case ledger.IsAuthFailure(err):
		writeError(w, http.StatusUnauthorized, "unknown principal", nil)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "insufficient balance", nil)
	case errors.Is(err, ledger.ErrMissingIdempotencyKey), errors.Is(err, ledger.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "mint failed", err)
	}
}

// =============================================================================
// VERIFY
// =============================================================================

// Verify redeems a token for the calling seller.
// GET /verify/{token}
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "token")

	result, err := h.Settle.Settle(r.Context(), broker.SettleRequest{
		SellerAPIKey: apiKeyFromHeader(r),
		TokenID:      ledger.TokenID(tokenID),
	})
	if err != nil {
		if ledger.IsAuthFailure(err) {
			writeError(w, http.StatusUnauthorized, "unknown principal", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "verify failed", err)
		return
	}

	writeJSON(w, http.StatusOK, SettleResponseDTO{
		Valid:   result.Valid,
		BuyerID: string(result.BuyerID),
		Error:   string(result.Code),
	})
}

// =============================================================================
// SWEEP_EXPIRED
// =============================================================================

// SweepExpired reclaims expired, unredeemed tokens. Admin-key gated: it
// mutates every buyer's escrow balance, not just the caller's own.
// POST /sweep_expired
func (h *Handler) SweepExpired(w http.ResponseWriter, r *http.Request) {
	if !broker.CheckAdminKey(adminKeyFromHeader(r), h.AdminKey) {
		writeError(w, http.StatusUnauthorized, "invalid admin key", nil)
		return
	}

	var body SweepRequestDTO
	// An empty body is valid: Limit defaults to zero, which
	// broker.ClampSweepLimit turns into DefaultSweepLimit.
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	reclaimed, err := h.Sweep.Sweep(r.Context(), broker.SweepRequest{Limit: body.Limit, TriggeredBy: "http"})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sweep failed", err)
		return
	}

	writeJSON(w, http.StatusOK, SweepResponseDTO{Status: "ok", Swept: reclaimed})
}

// =============================================================================
// INVARIANTS (diagnostic)
// =============================================================================

// Invariants returns a read-only snapshot of a buyer/seller pair, used
// by operators and concurrency tests to assert conservation. Admin-key
// gated since it exposes both principals' balances in one call.
// GET /invariants?buyer_id=...&seller_id=...
func (h *Handler) Invariants(w http.ResponseWriter, r *http.Request) {
	if !broker.CheckAdminKey(adminKeyFromHeader(r), h.AdminKey) {
		writeError(w, http.StatusUnauthorized, "invalid admin key", nil)
		return
	}

	buyerID := ledger.PrincipalID(r.URL.Query().Get("buyer_id"))
	sellerID := ledger.PrincipalID(r.URL.Query().Get("seller_id"))
	if buyerID == "" || sellerID == "" {
		writeError(w, http.StatusBadRequest, "buyer_id and seller_id are required", nil)
		return
	}

	snap, err := h.Store.InvariantSnapshot(r.Context(), buyerID, sellerID)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownPrincipal) {
			writeError(w, http.StatusNotFound, "unknown principal", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "invariant snapshot failed", err)
		return
	}

	writeJSON(w, http.StatusOK, toInvariantSnapshotDTO(snap))
}

// =============================================================================
// ADMIN: PRINCIPAL PROVISIONING
// =============================================================================

// CreatePrincipal provisions (or updates) a buyer or seller account.
// Spec section 1 treats identity as an external collaborator; this
// endpoint is the concrete seam demos and tests use instead.
// POST /admin/principals
func (h *Handler) CreatePrincipal(w http.ResponseWriter, r *http.Request) {
	if !broker.CheckAdminKey(adminKeyFromHeader(r), h.AdminKey) {
		writeError(w, http.StatusUnauthorized, "invalid admin key", nil)
		return
	}

	var body CreatePrincipalRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	role := ledger.Role(body.Role)
	if role != ledger.RoleBuyer && role != ledger.RoleSeller {
		writeError(w, http.StatusBadRequest, "role must be buyer or seller", nil)
		return
	}
	if strings.TrimSpace(body.ID) == "" || strings.TrimSpace(body.APIKey) == "" {
		writeError(w, http.StatusBadRequest, "id and api_key are required", nil)
		return
	}

	p := ledger.Principal{
		ID:         ledger.PrincipalID(body.ID),
		Role:       role,
		APIKeyHash: broker.HashAPIKey(body.APIKey),
		Balance:    body.Balance,
	}
	if err := h.Admin.UpsertPrincipal(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create principal", err)
		return
	}

	stored, err := h.Store.GetPrincipal(r.Context(), p.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load created principal", err)
		return
	}

	writeJSON(w, http.StatusCreated, toPrincipalDTO(stored))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func apiKeyFromHeader(r *http.Request) string {
	return r.Header.Get("X-Api-Key")
}

func adminKeyFromHeader(r *http.Request) string {
	return r.Header.Get("X-Admin-Key")
}

// secondsToDuration converts a caller-supplied ttl_seconds into a
// time.Duration. Zero or negative means "use the default", handled by
// broker.ClampTTL downstream.
func secondsToDuration(seconds int64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

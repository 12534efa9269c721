/*
policy.go - Service constants and the configurable open-question resolutions.

PURPOSE:
  Spec section 9 leaves three behaviors as open questions rather than
  guessed intent. Policy captures the documented resolution for each,
  following the default behavior of the original bridge this broker
  replaces, while keeping every choice a runtime-overridable field
  instead of a hardcoded branch.
*/
package broker

import "time"

const (
	// DefaultCost is the fixed credit cost of a single mint, matching the
	// original bridge's module-level COST = 10.
	DefaultCost int64 = 10

	// DefaultTTL is used when a mint request omits ttl_seconds or
	// supplies a non-positive value.
	DefaultTTL = 600 * time.Second

	// MinTTL and MaxTTL bound a client-requested ttl_seconds.
	MinTTL = 5 * time.Second
	MaxTTL = 3600 * time.Second

	// DefaultSweepLimit bounds a single sweep invocation when the caller
	// does not specify one.
	DefaultSweepLimit = 500

	// MaxSweepLimit is the hard ceiling on a caller-specified sweep limit.
	MaxSweepLimit = 5000
)

// Policy captures the documented resolutions to spec section 9's open
// questions. The zero value is NOT safe to use; construct with
// DefaultPolicy.
type Policy struct {
	// Cost is the credit amount debited per mint.
	Cost int64

	// CollapseNotFoundIntoAlreadyUsed: when true, a token that never
	// existed and a token that was already settled/swept both surface as
	// the ALREADY_USED settle error code, preserving the original
	// bridge's refusal to distinguish the two (privacy: a caller probing
	// random token ids learns nothing about which case occurred).
	CollapseNotFoundIntoAlreadyUsed bool

	// ExpiredIsDistinctFromUsed: when true, a live-but-expired token
	// presented to Settle returns the EXPIRED code rather than folding
	// into ALREADY_USED.
	ExpiredIsDistinctFromUsed bool

	// SellerMismatchBurnsToken: when true, a SELLER_MISMATCH response
	// also burns the token. Default false: the token stays live and a
	// subsequent call by the bound seller still succeeds (spec section
	// 8, scenario 4).
	SellerMismatchBurnsToken bool
}

// DefaultPolicy returns the broker's documented default resolutions.
func DefaultPolicy() Policy {
	return Policy{
		Cost:                            DefaultCost,
		CollapseNotFoundIntoAlreadyUsed: true,
		ExpiredIsDistinctFromUsed:       true,
		SellerMismatchBurnsToken:        false,
	}
}

// ClampTTL applies the spec's 5s-3600s clamp, substituting DefaultTTL
// for a non-positive request.
func ClampTTL(requested time.Duration) time.Duration {
	if requested <= 0 {
		return DefaultTTL
	}
	if requested < MinTTL {
		return MinTTL
	}
	if requested > MaxTTL {
		return MaxTTL
	}
	return requested
}

// ClampSweepLimit applies the sweep batch cap, substituting
// DefaultSweepLimit for a non-positive request.
func ClampSweepLimit(requested int) int {
	if requested <= 0 {
		return DefaultSweepLimit
	}
	if requested > MaxSweepLimit {
		return MaxSweepLimit
	}
	return requested
}

/*
Package fund implements the policy funding ledger.

PURPOSE:
  A policy carries up to three money pools that excess claim amounts draw
  from, in fixed priority order:

    1. ASO fund         - employer-funded claim pool
    2. Buffer fund      - insurer-held risk pool
    3. Non-benefit fund - pool for non-medical charges

  Multiple claims draw concurrently from the same pools, so this is real
  global mutable state. It is modelled as an explicit ledger with two-phase
  draws: Reserve holds money atomically (never overdrawing), and the claim
  either Commits the reservation when the whole line commits, or Releases
  it so the money returns to the pool.

CRITICAL INVARIANTS:
  1. NON-NEGATIVE: no balance ever goes below zero
  2. BOUNDED GRANTS: a reserve grants at most the current balance; the
     shortfall is reported, never silently absorbed
  3. TWO-PHASE: reserved money is invisible to other claims until released
  4. AUDITABLE: committed draws are recorded per claim line for reversal

SEE ALSO:
  - memory.go: In-memory implementation
  - store/sqlite: Durable implementation with versioned policy_funding rows
*/
package fund

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/meridian/claims-engine/benefit"
)

// =============================================================================
// FUNDS
// =============================================================================

// Fund identifies one pool on a policy.
type Fund string

const (
	ASO        Fund = "aso"
	Buffer     Fund = "buffer"
	NonBenefit Fund = "non_benefit"
)

// DrawPriority is the fixed order excess amounts are offered to funds.
var DrawPriority = []Fund{ASO, Buffer, NonBenefit}

// Balances is a snapshot of one policy's pools.
type Balances struct {
	PolicyID   benefit.PolicyID
	ASO        decimal.Decimal
	Buffer     decimal.Decimal
	NonBenefit decimal.Decimal
	Version    int64
}

// Of returns the balance of one fund.
func (b Balances) Of(f Fund) decimal.Decimal {
	switch f {
	case ASO:
		return b.ASO
	case Buffer:
		return b.Buffer
	case NonBenefit:
		return b.NonBenefit
	}
	return decimal.Zero
}

// =============================================================================
// RESERVATIONS
// =============================================================================

// Draw is money held from (or committed against) one fund.
type Draw struct {
	Fund   Fund
	Amount decimal.Decimal
}

// Reservation is money held pending a claim commit.
type Reservation struct {
	ID          string
	PolicyID    benefit.PolicyID
	ClaimLineID string
	Draws       []Draw
	Granted     decimal.Decimal

	// Shortfall is the requested amount the pools could not cover.
	// ShortfallFund names the highest-priority fund that fell short; the
	// pipeline derives the pend reason (INSUFFICIENT_<FUND>_FUNDS) from it.
	Shortfall     decimal.Decimal
	ShortfallFund Fund
}

// Covered reports whether the full requested amount was granted.
func (r *Reservation) Covered() bool { return r.Shortfall.IsZero() }

// DrawOf returns the reserved amount against one fund.
func (r *Reservation) DrawOf(f Fund) decimal.Decimal {
	for _, d := range r.Draws {
		if d.Fund == f {
			return d.Amount
		}
	}
	return decimal.Zero
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnknownPolicy is returned when a policy has no funding row.
	ErrUnknownPolicy = errors.New("policy funding not found")

	// ErrUnknownReservation is returned for commit/release of an id that
	// does not exist (already settled, or never made).
	ErrUnknownReservation = errors.New("reservation not found")

	// ErrInvalidAmount rejects non-positive deposits and reserves.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// InsufficientFundsReason maps a fund to its pend reason code.
func InsufficientFundsReason(f Fund) string {
	switch f {
	case ASO:
		return "INSUFFICIENT_ASO_FUNDS"
	case Buffer:
		return "INSUFFICIENT_BUFFER_FUNDS"
	case NonBenefit:
		return "INSUFFICIENT_NON_BENEFIT_FUNDS"
	}
	return fmt.Sprintf("INSUFFICIENT_%s_FUNDS", f)
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger holds policy fund balances with atomic, bounded-at-zero draws.
type Ledger interface {
	// Balances returns the current pool snapshot for a policy.
	Balances(ctx context.Context, policy benefit.PolicyID) (Balances, error)

	// Reserve atomically holds up to amount across the allowed funds in
	// DrawPriority order. Grants are bounded by current balances; the
	// reservation reports any shortfall. The held money is not visible to
	// other reserves until released.
	Reserve(ctx context.Context, policy benefit.PolicyID, claimLineID string, amount decimal.Decimal, allowed []Fund) (*Reservation, error)

	// Commit finalizes a reservation. The draws become permanent and are
	// recorded against the claim line id for later reversal.
	Commit(ctx context.Context, reservationID string) error

	// Release returns a reservation's money to the pools.
	Release(ctx context.Context, reservationID string) error

	// Deposit tops up one fund. Used by employer funding events; a later
	// re-submission of a pended claim line draws from the new balance.
	Deposit(ctx context.Context, policy benefit.PolicyID, f Fund, amount decimal.Decimal) error

	// Refund returns previously committed draws for a claim line id to the
	// pools. Used on claim void. Idempotent: refunding twice is a no-op.
	Refund(ctx context.Context, claimLineID string) error
}

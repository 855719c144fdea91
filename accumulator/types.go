/*
Package accumulator tracks running benefit usage per scope/period/layer.

PURPOSE:
  Accumulators are the engine-owned mutable state behind every limit check:
  how much of a benefit a member (or family) has used in a period, how much
  deductible they have met, and how much out-of-pocket coinsurance they have
  paid. Each total lives under its own key and is bumped exactly once per
  successfully adjudicated claim line.

CRITICAL INVARIANTS:
  1. IDEMPOTENT: applying the same claim line id to a key twice is a no-op
  2. MONOTONIC: amounts only grow within a period, except explicit voids
  3. BOUNDED: usage never exceeds the benefit limit for the key (the
     pipeline computes deltas from current state under optimistic versioning)
  4. REVERSIBLE: a void replays the exact negative of the recorded deltas

CONCURRENCY:
  Writes are optimistic: each key carries a version, and Apply accepts
  per-key version expectations. A conflicting concurrent writer surfaces as
  ErrConcurrentModification and the caller recomputes from fresh state.

SEE ALSO:
  - memory.go: In-memory implementation
  - store/sqlite: Durable implementation with a unique (key, claim_line_id)
    constraint backing the idempotency guarantee
*/
package accumulator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/meridian/claims-engine/benefit"
)

// =============================================================================
// KEYS
// =============================================================================

// ScopeKind distinguishes member-year from family-year accumulators.
type ScopeKind string

const (
	ScopeMember ScopeKind = "member"
	ScopeFamily ScopeKind = "family"
)

// Bucket separates the independent totals tracked per benefit/layer.
type Bucket string

const (
	BucketUsage       Bucket = "usage"         // scheduled allowed consumed
	BucketDeductible  Bucket = "deductible"    // deductible met
	BucketOutOfPocket Bucket = "out_of_pocket" // member coinsurance paid
)

// Key identifies one accumulator total.
type Key struct {
	Scope   ScopeKind
	ScopeID string // member id or family id
	Plan    benefit.PlanID
	Code    benefit.BenefitCode
	Period  string // year, service date, or incident id per limit basis
	Layer   benefit.Layer
	Bucket  Bucket
}

func (k Key) String() string {
	return strings.Join([]string{
		string(k.Scope), k.ScopeID, string(k.Plan), string(k.Code),
		k.Period, string(k.Layer), string(k.Bucket),
	}, "/")
}

// =============================================================================
// VALUES
// =============================================================================

// Usage is the current state of one key.
type Usage struct {
	Amount  decimal.Decimal
	Qty     int64
	Version int64 // bumped on every committed write; used for CAS
}

// Delta is one pending change to a key. Expect, when non-nil, is the version
// the caller read; Apply fails with ErrConcurrentModification if the key has
// moved since.
type Delta struct {
	Key    Key
	Amount decimal.Decimal
	Qty    int64
	Expect *int64
}

// AppliedDelta is a committed delta, retained for voids and audit.
type AppliedDelta struct {
	ClaimLineID string
	Key         Key
	Amount      decimal.Decimal
	Qty         int64
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrConcurrentModification is returned when a version expectation
	// fails. The caller should recompute from fresh state and retry.
	ErrConcurrentModification = errors.New("concurrent accumulator modification")

	// ErrNotApplied is returned by Void when the claim line id has no
	// recorded deltas to reverse.
	ErrNotApplied = errors.New("claim line has no applied accumulator deltas")
)

// ConflictError reports which key failed its version expectation.
type ConflictError struct {
	Key      Key
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("accumulator %s: version %d expected, %d found", e.Key, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrentModification }

// =============================================================================
// STORE
// =============================================================================

// Store holds and atomically updates accumulator totals.
type Store interface {
	// Get returns the current usage for a key. Unknown keys are zero-valued
	// with version 0.
	Get(ctx context.Context, key Key) (Usage, error)

	// Applied reports whether the claim line id has committed deltas.
	Applied(ctx context.Context, claimLineID string) (bool, error)

	// Apply commits all deltas atomically under the claim line id.
	// Returns (false, nil) without touching anything when the id was
	// already applied - safe retries never double count. Version
	// expectations are checked across all deltas before any is applied.
	Apply(ctx context.Context, claimLineID string, deltas []Delta) (bool, error)

	// Void atomically applies the negative of every delta previously
	// recorded for the claim line id. Idempotent: voiding twice is a no-op
	// returning (false, nil). Voiding an unknown id returns ErrNotApplied.
	Void(ctx context.Context, claimLineID string) (bool, error)

	// DeltaHistory returns the committed deltas for a key in commit order.
	// Supports audit and the conservation property: the sum of history
	// equals the current amount.
	DeltaHistory(ctx context.Context, key Key) ([]AppliedDelta, error)
}

// GroupUsed derives the combined usage across a set of keys. Shared limit
// groups are a read-time aggregation over individual keys, never a second
// mutable total, so the two can never drift.
func GroupUsed(ctx context.Context, s Store, keys []Key) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, k := range keys {
		u, err := s.Get(ctx, k)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(u.Amount)
	}
	return total, nil
}

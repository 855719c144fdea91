package accumulator_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/claims-engine/accumulator"
	"github.com/meridian/claims-engine/benefit"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func key(member, code string) accumulator.Key {
	return accumulator.Key{
		Scope:   accumulator.ScopeMember,
		ScopeID: member,
		Plan:    "plan",
		Code:    benefit.BenefitCode(code),
		Period:  "2025",
		Layer:   benefit.LayerIL,
		Bucket:  accumulator.BucketUsage,
	}
}

func delta(k accumulator.Key, amount int64, expect int64) accumulator.Delta {
	return accumulator.Delta{Key: k, Amount: decimal.NewFromInt(amount), Expect: &expect}
}

// =============================================================================
// APPLY
// =============================================================================

func TestApply_BumpsUsageAndVersion(t *testing.T) {
	// GIVEN: A fresh store
	// WHEN: A delta commits under a claim line id
	// THEN: The key carries the amount at version 1

	store := accumulator.NewMemory()
	ctx := context.Background()
	k := key("m1", "INPATIENT")

	applied, err := store.Apply(ctx, "c1", []accumulator.Delta{delta(k, 500, 0)})
	require.NoError(t, err)
	assert.True(t, applied)

	u, err := store.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, u.Amount.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, int64(1), u.Version)

	seen, err := store.Applied(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestApply_SameClaimLineTwice_NoDoubleCount(t *testing.T) {
	// GIVEN: A committed claim line
	// WHEN: The same id applies again
	// THEN: (false, nil) and the total is unchanged

	store := accumulator.NewMemory()
	ctx := context.Background()
	k := key("m1", "INPATIENT")

	_, err := store.Apply(ctx, "c1", []accumulator.Delta{delta(k, 500, 0)})
	require.NoError(t, err)

	applied, err := store.Apply(ctx, "c1", []accumulator.Delta{delta(k, 500, 1)})
	require.NoError(t, err)
	assert.False(t, applied)

	u, err := store.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, u.Amount.Equal(decimal.NewFromInt(500)), "no double count")
	assert.Equal(t, int64(1), u.Version)
}

func TestApply_StaleVersion_ConflictWithoutPartialWrite(t *testing.T) {
	// GIVEN: Two keys; the second delta carries a stale version expectation
	// WHEN: Apply runs
	// THEN: ErrConcurrentModification and NEITHER key moved

	store := accumulator.NewMemory()
	ctx := context.Background()
	k1 := key("m1", "INPATIENT")
	k2 := key("m1", "SURGERY")

	// Move k2 to version 1 so an Expect of 0 goes stale.
	_, err := store.Apply(ctx, "warmup", []accumulator.Delta{delta(k2, 100, 0)})
	require.NoError(t, err)

	_, err = store.Apply(ctx, "c1", []accumulator.Delta{
		delta(k1, 500, 0),
		delta(k2, 200, 0), // stale: k2 is at version 1
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, accumulator.ErrConcurrentModification)

	var conflict *accumulator.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, k2, conflict.Key)

	u1, err := store.Get(ctx, k1)
	require.NoError(t, err)
	assert.True(t, u1.Amount.IsZero(), "first delta must not land when a later one conflicts")

	u2, err := store.Get(ctx, k2)
	require.NoError(t, err)
	assert.True(t, u2.Amount.Equal(decimal.NewFromInt(100)))

	seen, err := store.Applied(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, seen, "conflicted claim line can retry")
}

func TestApply_NilExpect_SkipsVersionCheck(t *testing.T) {
	// GIVEN: A key already at version 1
	// WHEN: A delta without a version expectation applies
	// THEN: It commits regardless of the current version

	store := accumulator.NewMemory()
	ctx := context.Background()
	k := key("m1", "INPATIENT")

	_, err := store.Apply(ctx, "c1", []accumulator.Delta{delta(k, 100, 0)})
	require.NoError(t, err)

	applied, err := store.Apply(ctx, "c2", []accumulator.Delta{
		{Key: k, Amount: decimal.NewFromInt(50)},
	})
	require.NoError(t, err)
	assert.True(t, applied)

	u, err := store.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, u.Amount.Equal(decimal.NewFromInt(150)))
}

// =============================================================================
// VOID
// =============================================================================

func TestVoid_ReplaysExactNegative(t *testing.T) {
	// GIVEN: A claim line that bumped two keys
	// WHEN: The claim line is voided
	// THEN: Both keys return to their prior amounts, versions keep growing

	store := accumulator.NewMemory()
	ctx := context.Background()
	k1 := key("m1", "INPATIENT")
	k2 := key("m1", "SURGERY")

	_, err := store.Apply(ctx, "c1", []accumulator.Delta{
		delta(k1, 500, 0),
		{Key: k2, Amount: decimal.NewFromInt(200), Qty: 3},
	})
	require.NoError(t, err)

	voided, err := store.Void(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, voided)

	u1, err := store.Get(ctx, k1)
	require.NoError(t, err)
	assert.True(t, u1.Amount.IsZero())
	assert.Equal(t, int64(2), u1.Version, "reversal is a new write, not an erase")

	u2, err := store.Get(ctx, k2)
	require.NoError(t, err)
	assert.True(t, u2.Amount.IsZero())
	assert.Equal(t, int64(0), u2.Qty)
}

func TestVoid_Twice_NoOp(t *testing.T) {
	// GIVEN: A voided claim line
	// WHEN: Void runs again
	// THEN: (false, nil) and the key does not move

	store := accumulator.NewMemory()
	ctx := context.Background()
	k := key("m1", "INPATIENT")

	_, err := store.Apply(ctx, "c1", []accumulator.Delta{delta(k, 500, 0)})
	require.NoError(t, err)
	_, err = store.Void(ctx, "c1")
	require.NoError(t, err)

	voided, err := store.Void(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, voided)

	u, err := store.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, u.Amount.IsZero())
	assert.Equal(t, int64(2), u.Version, "no second reversal")
}

func TestVoid_UnknownClaimLine_ErrNotApplied(t *testing.T) {
	// GIVEN: A claim line id that never applied
	// WHEN: Void runs
	// THEN: ErrNotApplied

	store := accumulator.NewMemory()
	_, err := store.Void(context.Background(), "ghost")
	assert.ErrorIs(t, err, accumulator.ErrNotApplied)
}

// =============================================================================
// HISTORY & DERIVED READS
// =============================================================================

func TestHistory_SumEqualsCurrentAmount(t *testing.T) {
	// GIVEN: Applies and a void against one key
	// WHEN: Reading back the history
	// THEN: The entries sum to the current amount (conservation)

	store := accumulator.NewMemory()
	ctx := context.Background()
	k := key("m1", "INPATIENT")

	_, err := store.Apply(ctx, "c1", []accumulator.Delta{delta(k, 500, 0)})
	require.NoError(t, err)
	_, err = store.Apply(ctx, "c2", []accumulator.Delta{delta(k, 300, 1)})
	require.NoError(t, err)
	_, err = store.Void(ctx, "c1")
	require.NoError(t, err)

	history, err := store.DeltaHistory(ctx, k)
	require.NoError(t, err)
	require.Len(t, history, 3)

	sum := decimal.Zero
	for _, ad := range history {
		sum = sum.Add(ad.Amount)
	}
	u, err := store.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, sum.Equal(u.Amount), "history sums to current state")
	assert.True(t, u.Amount.Equal(decimal.NewFromInt(300)))
}

func TestGroupUsed_SumsAcrossKeys(t *testing.T) {
	// GIVEN: Two benefit codes in a shared limit group, each with usage
	// WHEN: Deriving the group total
	// THEN: The sum of individual keys comes back; unknown keys count zero

	store := accumulator.NewMemory()
	ctx := context.Background()
	physio := key("m1", "PHYSIO")
	chiro := key("m1", "CHIRO")

	_, err := store.Apply(ctx, "c1", []accumulator.Delta{delta(physio, 400, 0)})
	require.NoError(t, err)
	_, err = store.Apply(ctx, "c2", []accumulator.Delta{delta(chiro, 250, 0)})
	require.NoError(t, err)

	total, err := accumulator.GroupUsed(ctx, store, []accumulator.Key{physio, chiro, key("m1", "ACUPUNCTURE")})
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(650)))
}

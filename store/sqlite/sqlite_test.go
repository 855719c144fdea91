package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/claims-engine/accumulator"
	"github.com/meridian/claims-engine/benefit"
	"github.com/meridian/claims-engine/engine"
	"github.com/meridian/claims-engine/fund"
	"github.com/meridian/claims-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func money(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func jan1() time.Time { return time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC) }

func usageKey(member, code string) accumulator.Key {
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
	return accumulator.Delta{Key: k, Amount: money(amount), Expect: &expect}
}

func result(claimLineID string, status engine.Status) engine.AdjudicationResult {
	r := engine.AdjudicationResult{
		ID:          uuid.NewString(),
		ClaimLineID: claimLineID,
		MemberID:    "m1",
		BenefitCode: "INPATIENT",
		Status:      status,
		ReasonCodes: []string{},
		CreatedAt:   time.Now().UTC(),
	}
	r.ScheduledAllowed = decimal.Zero
	r.DeductibleApplied = decimal.Zero
	r.CoinsMember = decimal.Zero
	r.ILPortion = decimal.Zero
	r.ACPortion = decimal.Zero
	r.ASODraw = decimal.Zero
	r.BufferDraw = decimal.Zero
	r.NonBenefitDraw = decimal.Zero
	r.PayerLiability = decimal.Zero
	r.MemberLiability = decimal.Zero
	return r
}

// =============================================================================
// PLAN SOURCE
// =============================================================================

func TestBenefitRoundTrip(t *testing.T) {
	// GIVEN: A benefit version with layer terms, exclusions and channels
	// WHEN: Saved and read back
	// THEN: Every configured field survives the JSON column

	store := newTestStore(t)
	ctx := context.Background()

	b := benefit.PlanBenefit{
		PlanID:   "plan",
		Code:     "SURGERY",
		Category: "inpatient",
		Coverage: benefit.Covered,
		Scope:    benefit.ScopeFamily,
		Applies:  benefit.ApplyBoth,
		IL: &benefit.LayerTerms{
			LimitBasis: benefit.BasisIncident,
			LimitValue: money(2_000_000),
			QtyValue:   4,
		},
		AC: &benefit.LayerTerms{
			LimitBasis:     benefit.BasisYear,
			LimitValue:     money(10_000_000),
			CoinsurancePct: money(20),
			Deductible:     money(5_000),
		},
		SharedLimitGroup:  "SURGICAL",
		AllowedChannels:   []benefit.Channel{benefit.ChannelInpatient},
		AllowExcessDraw:   true,
		Excess:            benefit.ExcessExceptException,
		BedUpgrade:        benefit.BedUpgradeAsCharged,
		NonMedical:        benefit.NonMedicalFund,
		WaitingPeriodDays: 30,
		ExcludedDiagnoses: []string{"D1", "D2"},
		EffectiveFrom:     jan1(),
		Version:           1,
	}
	require.NoError(t, store.SaveBenefit(ctx, b))

	versions, err := store.BenefitVersions(ctx, "plan", "SURGERY")
	require.NoError(t, err)
	require.Len(t, versions, 1)

	got := versions[0]
	assert.Equal(t, b.Category, got.Category)
	assert.Equal(t, b.Scope, got.Scope)
	assert.Equal(t, b.Applies, got.Applies)
	require.NotNil(t, got.IL)
	assert.True(t, got.IL.LimitValue.Equal(b.IL.LimitValue))
	assert.Equal(t, int64(4), got.IL.QtyValue)
	require.NotNil(t, got.AC)
	assert.True(t, got.AC.CoinsurancePct.Equal(money(20)))
	assert.Equal(t, b.SharedLimitGroup, got.SharedLimitGroup)
	assert.Equal(t, b.AllowedChannels, got.AllowedChannels)
	assert.True(t, got.AllowExcessDraw)
	assert.Equal(t, b.Excess, got.Excess)
	assert.Equal(t, b.ExcludedDiagnoses, got.ExcludedDiagnoses)
	assert.Equal(t, 30, got.WaitingPeriodDays)
	assert.True(t, got.EffectiveFrom.Equal(jan1()))
	assert.True(t, got.EffectiveTo.IsZero())
}

func TestLayerAssignments_OrderedByPrecedence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAssignment(ctx, benefit.MemberCoverageLayer{
		MemberID: "m1", Layer: benefit.LayerAC, PlanID: "plan", Precedence: 2, EffectiveFrom: jan1(),
	}))
	require.NoError(t, store.SaveAssignment(ctx, benefit.MemberCoverageLayer{
		MemberID: "m1", Layer: benefit.LayerIL, PlanID: "plan", Precedence: 1, EffectiveFrom: jan1(),
	}))

	layers, err := store.LayerAssignments(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.Equal(t, benefit.LayerIL, layers[0].Layer)
	assert.Equal(t, benefit.LayerAC, layers[1].Layer)

	none, err := store.LayerAssignments(ctx, "stranger")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGroupBenefits_ListsCodesInGroup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, code := range []benefit.BenefitCode{"PHYSIO", "CHIRO"} {
		require.NoError(t, store.SaveBenefit(ctx, benefit.PlanBenefit{
			PlanID: "plan", Code: code, Coverage: benefit.Covered,
			Scope: benefit.ScopeMember, Applies: benefit.ApplyIL,
			IL:               &benefit.LayerTerms{LimitBasis: benefit.BasisYear, LimitValue: money(1000)},
			SharedLimitGroup: "THERAPY",
			Excess:           benefit.ExcessStandard,
			BedUpgrade:       benefit.BedUpgradeToMember,
			NonMedical:       benefit.NonMedicalDeny,
			EffectiveFrom:    jan1(), Version: 1,
		}))
	}

	codes, err := store.GroupBenefits(ctx, "plan", "THERAPY")
	require.NoError(t, err)
	assert.ElementsMatch(t, []benefit.BenefitCode{"PHYSIO", "CHIRO"}, codes)
}

// =============================================================================
// ACCUMULATORS
// =============================================================================

func TestAccumulator_ApplyGetHistory(t *testing.T) {
	// GIVEN: A fresh key
	// WHEN: Two claim lines apply deltas
	// THEN: State and history agree, version counts both writes

	store := newTestStore(t)
	ctx := context.Background()
	k := usageKey("m1", "INPATIENT")

	applied, err := store.Apply(ctx, "c1", []accumulator.Delta{delta(k, 500, 0)})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.Apply(ctx, "c2", []accumulator.Delta{delta(k, 300, 1)})
	require.NoError(t, err)
	assert.True(t, applied)

	u, err := store.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, u.Amount.Equal(money(800)))
	assert.Equal(t, int64(2), u.Version)

	history, err := store.DeltaHistory(ctx, k)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "c1", history[0].ClaimLineID)
	assert.Equal(t, "c2", history[1].ClaimLineID)
}

func TestAccumulator_ReplaySameClaimLine_NoDoubleCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	k := usageKey("m1", "INPATIENT")

	_, err := store.Apply(ctx, "c1", []accumulator.Delta{delta(k, 500, 0)})
	require.NoError(t, err)

	applied, err := store.Apply(ctx, "c1", []accumulator.Delta{delta(k, 500, 1)})
	require.NoError(t, err)
	assert.False(t, applied)

	u, err := store.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, u.Amount.Equal(money(500)))
}

func TestAccumulator_StaleVersion_ConflictRollsBackEverything(t *testing.T) {
	// GIVEN: One fresh key and one key already at version 1
	// WHEN: A claim applies with a stale expectation on the second key
	// THEN: The conflict reports, and the first key did not move either

	store := newTestStore(t)
	ctx := context.Background()
	k1 := usageKey("m1", "INPATIENT")
	k2 := usageKey("m1", "SURGERY")

	_, err := store.Apply(ctx, "warmup", []accumulator.Delta{delta(k2, 100, 0)})
	require.NoError(t, err)

	_, err = store.Apply(ctx, "c1", []accumulator.Delta{
		delta(k1, 500, 0),
		delta(k2, 200, 0),
	})
	require.ErrorIs(t, err, accumulator.ErrConcurrentModification)

	u1, err := store.Get(ctx, k1)
	require.NoError(t, err)
	assert.True(t, u1.Amount.IsZero())

	seen, err := store.Applied(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestAccumulator_VoidReversesAndIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	k := usageKey("m1", "INPATIENT")

	_, err := store.Apply(ctx, "c1", []accumulator.Delta{
		{Key: k, Amount: money(500), Qty: 2},
	})
	require.NoError(t, err)

	voided, err := store.Void(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, voided)

	u, err := store.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, u.Amount.IsZero())
	assert.Equal(t, int64(0), u.Qty)
	assert.Equal(t, int64(2), u.Version)

	voided, err = store.Void(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, voided, "second void is a no-op")

	u, err = store.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, u.Amount.IsZero())
	assert.Equal(t, int64(2), u.Version)

	history, err := store.DeltaHistory(ctx, k)
	require.NoError(t, err)
	assert.Len(t, history, 2, "forward row plus one reversal row")
}

func TestAccumulator_VoidUnknownClaim_ErrNotApplied(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Void(context.Background(), "ghost")
	assert.ErrorIs(t, err, accumulator.ErrNotApplied)
}

// =============================================================================
// FUND LEDGER
// =============================================================================

func TestFunds_ReserveCommitRefund(t *testing.T) {
	// GIVEN: ASO 300 and buffer 1000
	// WHEN: 500 is reserved, committed, then refunded on void
	// THEN: Balances drain in priority order and come back exactly once

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SetBalances(ctx, "pol", money(300), money(1000), money(0)))

	res, err := store.Reserve(ctx, "pol", "c1", money(500), fund.DrawPriority)
	require.NoError(t, err)
	assert.True(t, res.Covered())
	assert.True(t, res.DrawOf(fund.ASO).Equal(money(300)))
	assert.True(t, res.DrawOf(fund.Buffer).Equal(money(200)))

	require.NoError(t, store.Commit(ctx, res.ID))
	assert.ErrorIs(t, store.Commit(ctx, res.ID), fund.ErrUnknownReservation)

	b, err := store.Balances(ctx, "pol")
	require.NoError(t, err)
	assert.True(t, b.ASO.IsZero())
	assert.True(t, b.Buffer.Equal(money(800)))

	require.NoError(t, store.Refund(ctx, "c1"))
	require.NoError(t, store.Refund(ctx, "c1")) // idempotent

	b, err = store.Balances(ctx, "pol")
	require.NoError(t, err)
	assert.True(t, b.ASO.Equal(money(300)))
	assert.True(t, b.Buffer.Equal(money(1000)))
}

func TestFunds_ReleaseRestoresBalances(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SetBalances(ctx, "pol", money(0), money(1000), money(0)))

	res, err := store.Reserve(ctx, "pol", "c1", money(400), fund.DrawPriority)
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, res.ID))

	b, err := store.Balances(ctx, "pol")
	require.NoError(t, err)
	assert.True(t, b.Buffer.Equal(money(1000)))
}

func TestFunds_PartialGrant_NamesFirstShortfallFund(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SetBalances(ctx, "pol", money(0), money(100), money(0)))

	res, err := store.Reserve(ctx, "pol", "c1", money(500), fund.DrawPriority)
	require.NoError(t, err)
	assert.False(t, res.Covered())
	assert.True(t, res.Shortfall.Equal(money(400)))
	assert.Equal(t, fund.ASO, res.ShortfallFund)
}

func TestFunds_DepositCreatesRowAndTopsUp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Balances(ctx, "pol")
	assert.ErrorIs(t, err, fund.ErrUnknownPolicy)

	require.NoError(t, store.Deposit(ctx, "pol", fund.ASO, money(1_000_000)))

	b, err := store.Balances(ctx, "pol")
	require.NoError(t, err)
	assert.True(t, b.ASO.Equal(money(1_000_000)))
	assert.True(t, b.Buffer.IsZero())
}

// =============================================================================
// RESULTS
// =============================================================================

func TestResults_LatestAndHistory(t *testing.T) {
	// GIVEN: A pended result followed by an approved one for the same line
	// WHEN: Reading back
	// THEN: Latest is the approval; history keeps both in order

	store := newTestStore(t)
	ctx := context.Background()

	pended := result("c1", engine.StatusPended)
	pended.ReasonCodes = []string{"INSUFFICIENT_ASO_FUNDS"}
	pended.CreatedAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.Save(ctx, pended))

	approved := result("c1", engine.StatusApproved)
	approved.PriorResultID = pended.ID
	approved.PayerLiability = money(1500)
	approved.FundSource = "benefit+aso"
	require.NoError(t, store.Save(ctx, approved))

	latest, err := store.Latest(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, approved.ID, latest.ID)
	assert.Equal(t, engine.StatusApproved, latest.Status)
	assert.Equal(t, pended.ID, latest.PriorResultID)
	assert.True(t, latest.PayerLiability.Equal(money(1500)))
	assert.Equal(t, "benefit+aso", latest.FundSource)

	history, err := store.History(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, pended.ID, history[0].ID)
	assert.Equal(t, []string{"INSUFFICIENT_ASO_FUNDS"}, history[0].ReasonCodes)

	missing, err := store.Latest(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestResults_IncidentSeen(t *testing.T) {
	// GIVEN: A committed approval carrying an incident id
	// WHEN: Another claim line asks about the same incident
	// THEN: Seen for other lines, never for the committed line itself,
	//       and denials do not count

	store := newTestStore(t)
	ctx := context.Background()

	approved := result("c1", engine.StatusApproved)
	approved.IncidentID = "incident-x"
	require.NoError(t, store.Save(ctx, approved))

	denied := result("c2", engine.StatusDenied)
	denied.IncidentID = "incident-y"
	require.NoError(t, store.Save(ctx, denied))

	seen, err := store.IncidentSeen(ctx, "m1", "INPATIENT", "incident-x", "c9")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = store.IncidentSeen(ctx, "m1", "INPATIENT", "incident-x", "c1")
	require.NoError(t, err)
	assert.False(t, seen, "a line does not collide with itself")

	seen, err = store.IncidentSeen(ctx, "m1", "INPATIENT", "incident-y", "c9")
	require.NoError(t, err)
	assert.False(t, seen, "denied results do not block an incident")
}

package benefit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/claims-engine/benefit"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func jan1() time.Time  { return time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC) }
func jun15() time.Time { return time.Date(2025, time.June, 15, 0, 0, 0, 0, time.UTC) }

func coveredBenefit(plan benefit.PlanID, code benefit.BenefitCode) benefit.PlanBenefit {
	return benefit.PlanBenefit{
		PlanID:   plan,
		Code:     code,
		Coverage: benefit.Covered,
		Scope:    benefit.ScopeMember,
		Applies:  benefit.ApplyIL,
		IL: &benefit.LayerTerms{
			LimitBasis: benefit.BasisYear,
			LimitValue: decimal.NewFromInt(1_000_000),
		},
		Excess:        benefit.ExcessStandard,
		BedUpgrade:    benefit.BedUpgradeToMember,
		NonMedical:    benefit.NonMedicalDeny,
		EffectiveFrom: jan1(),
		Version:       1,
	}
}

func assignment(member benefit.MemberID, layer benefit.Layer, plan benefit.PlanID, precedence int) benefit.MemberCoverageLayer {
	return benefit.MemberCoverageLayer{
		MemberID: member, Layer: layer, PlanID: plan,
		Precedence: precedence, EffectiveFrom: jan1(),
	}
}

func input(member benefit.MemberID, code benefit.BenefitCode) benefit.ResolveInput {
	return benefit.ResolveInput{
		MemberID:    member,
		BenefitCode: code,
		ServiceDate: jun15(),
		Channel:     benefit.ChannelInpatient,
	}
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

func TestResolve_ActiveCoverage_ReturnsBenefitAndLayers(t *testing.T) {
	// GIVEN: A covered benefit and a member holding IL then AC
	// WHEN: Resolving on a date inside both windows
	// THEN: The benefit row and the layers in precedence order come back

	src := benefit.NewMemory()
	src.AddBenefit(coveredBenefit("plan", "INPATIENT"))
	src.AddAssignment(assignment("m1", benefit.LayerAC, "plan", 2))
	src.AddAssignment(assignment("m1", benefit.LayerIL, "plan", 1))

	res, err := benefit.NewResolver(src).Resolve(context.Background(), input("m1", "INPATIENT"))
	require.NoError(t, err)

	assert.Equal(t, benefit.BenefitCode("INPATIENT"), res.Benefit.Code)
	require.Len(t, res.Layers, 2)
	assert.Equal(t, benefit.LayerIL, res.Layers[0].Layer, "IL precedes AC")
	assert.Equal(t, benefit.LayerAC, res.Layers[1].Layer)
	assert.True(t, res.HasLayer(benefit.LayerIL))
	assert.Empty(t, res.GroupCodes)
}

func TestResolve_NoAssignment_NotEligible(t *testing.T) {
	// GIVEN: A member with no coverage layers
	// WHEN: Resolving
	// THEN: ErrNotEligible, which is a business denial

	src := benefit.NewMemory()
	src.AddBenefit(coveredBenefit("plan", "INPATIENT"))

	_, err := benefit.NewResolver(src).Resolve(context.Background(), input("stranger", "INPATIENT"))
	assert.ErrorIs(t, err, benefit.ErrNotEligible)
	assert.True(t, benefit.IsDenial(err))
}

func TestResolve_AssignmentExpired_NotEligible(t *testing.T) {
	// GIVEN: A coverage layer that ended before the service date
	// WHEN: Resolving
	// THEN: ErrNotEligible

	src := benefit.NewMemory()
	src.AddBenefit(coveredBenefit("plan", "INPATIENT"))
	a := assignment("m1", benefit.LayerIL, "plan", 1)
	a.EffectiveTo = time.Date(2025, time.March, 31, 0, 0, 0, 0, time.UTC)
	src.AddAssignment(a)

	_, err := benefit.NewResolver(src).Resolve(context.Background(), input("m1", "INPATIENT"))
	assert.ErrorIs(t, err, benefit.ErrNotEligible)
}

func TestResolve_NotCovered_Denied(t *testing.T) {
	// GIVEN: A benefit configured as not covered
	// WHEN: Resolving
	// THEN: ErrBenefitNotCovered

	src := benefit.NewMemory()
	b := coveredBenefit("plan", "COSMETIC")
	b.Coverage = benefit.NotCovered
	src.AddBenefit(b)
	src.AddAssignment(assignment("m1", benefit.LayerIL, "plan", 1))

	_, err := benefit.NewResolver(src).Resolve(context.Background(), input("m1", "COSMETIC"))
	assert.ErrorIs(t, err, benefit.ErrBenefitNotCovered)
}

func TestResolve_UnknownBenefitCode_Denied(t *testing.T) {
	// GIVEN: No configuration row for the claimed code
	// WHEN: Resolving
	// THEN: ErrBenefitNotCovered

	src := benefit.NewMemory()
	src.AddAssignment(assignment("m1", benefit.LayerIL, "plan", 1))

	_, err := benefit.NewResolver(src).Resolve(context.Background(), input("m1", "UNKNOWN"))
	assert.ErrorIs(t, err, benefit.ErrBenefitNotCovered)
}

func TestResolve_ExcludedDiagnosis_Denied(t *testing.T) {
	// GIVEN: A benefit excluding diagnosis code D123
	// WHEN: A claim with that diagnosis resolves
	// THEN: ErrBenefitNotCovered

	src := benefit.NewMemory()
	b := coveredBenefit("plan", "INPATIENT")
	b.ExcludedDiagnoses = []string{"D123"}
	src.AddBenefit(b)
	src.AddAssignment(assignment("m1", benefit.LayerIL, "plan", 1))

	in := input("m1", "INPATIENT")
	in.Diagnosis = "D123"
	_, err := benefit.NewResolver(src).Resolve(context.Background(), in)
	assert.ErrorIs(t, err, benefit.ErrBenefitNotCovered)

	in.Diagnosis = "D999"
	_, err = benefit.NewResolver(src).Resolve(context.Background(), in)
	assert.NoError(t, err, "other diagnoses resolve normally")
}

func TestResolve_ChannelRestricted_Denied(t *testing.T) {
	// GIVEN: A dental-only benefit
	// WHEN: A claim arrives through the inpatient channel
	// THEN: ErrChannelNotAllowed

	src := benefit.NewMemory()
	b := coveredBenefit("plan", "DENTAL")
	b.AllowedChannels = []benefit.Channel{benefit.ChannelDental}
	src.AddBenefit(b)
	src.AddAssignment(assignment("m1", benefit.LayerIL, "plan", 1))

	_, err := benefit.NewResolver(src).Resolve(context.Background(), input("m1", "DENTAL"))
	assert.ErrorIs(t, err, benefit.ErrChannelNotAllowed)
}

func TestResolve_WaitingPeriod_RunsFromEarliestAssignment(t *testing.T) {
	// GIVEN: A 90-day waiting period; coverage started Jan 1
	// WHEN: Resolving before and after the period elapses
	// THEN: Denied inside the window, allowed after

	src := benefit.NewMemory()
	b := coveredBenefit("plan", "MATERNITY")
	b.WaitingPeriodDays = 90
	src.AddBenefit(b)
	src.AddAssignment(assignment("m1", benefit.LayerIL, "plan", 1))

	in := input("m1", "MATERNITY")
	in.ServiceDate = time.Date(2025, time.February, 15, 0, 0, 0, 0, time.UTC)
	_, err := benefit.NewResolver(src).Resolve(context.Background(), in)
	assert.ErrorIs(t, err, benefit.ErrWaitingPeriod)

	in.ServiceDate = jun15()
	_, err = benefit.NewResolver(src).Resolve(context.Background(), in)
	assert.NoError(t, err)
}

// =============================================================================
// VERSIONING
// =============================================================================

func TestResolve_PicksVersionEffectiveOnServiceDate(t *testing.T) {
	// GIVEN: Version 1 closed at March 31, version 2 effective April 1 with a
	//        different limit
	// WHEN: Resolving a June service date
	// THEN: Version 2 applies

	src := benefit.NewMemory()

	v1 := coveredBenefit("plan", "INPATIENT")
	v1.EffectiveTo = time.Date(2025, time.March, 31, 0, 0, 0, 0, time.UTC)
	src.AddBenefit(v1)

	v2 := coveredBenefit("plan", "INPATIENT")
	v2.IL.LimitValue = decimal.NewFromInt(2_000_000)
	v2.EffectiveFrom = time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	v2.Version = 2
	src.AddBenefit(v2)

	src.AddAssignment(assignment("m1", benefit.LayerIL, "plan", 1))

	res, err := benefit.NewResolver(src).Resolve(context.Background(), input("m1", "INPATIENT"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Benefit.Version)
	assert.True(t, res.Benefit.IL.LimitValue.Equal(decimal.NewFromInt(2_000_000)))
}

func TestResolve_OverlappingWindows_ConfigError(t *testing.T) {
	// GIVEN: Two versions whose effective windows overlap on the service date
	// WHEN: Resolving
	// THEN: A configuration error, not a business denial

	src := benefit.NewMemory()
	v1 := coveredBenefit("plan", "INPATIENT")
	src.AddBenefit(v1)

	v2 := coveredBenefit("plan", "INPATIENT")
	v2.EffectiveFrom = time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	v2.Version = 2
	src.AddBenefit(v2)

	src.AddAssignment(assignment("m1", benefit.LayerIL, "plan", 1))

	_, err := benefit.NewResolver(src).Resolve(context.Background(), input("m1", "INPATIENT"))
	assert.ErrorIs(t, err, benefit.ErrBenefitConfig)
	assert.False(t, benefit.IsDenial(err))

	var cfgErr *benefit.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Detail, "overlapping")
}

func TestResolve_ApplicableLayerWithoutTerms_ConfigError(t *testing.T) {
	// GIVEN: A benefit applicable to both layers but carrying only IL terms
	// WHEN: Resolving
	// THEN: A configuration error

	src := benefit.NewMemory()
	b := coveredBenefit("plan", "INPATIENT")
	b.Applies = benefit.ApplyBoth // AC terms missing
	src.AddBenefit(b)
	src.AddAssignment(assignment("m1", benefit.LayerIL, "plan", 1))

	_, err := benefit.NewResolver(src).Resolve(context.Background(), input("m1", "INPATIENT"))
	assert.ErrorIs(t, err, benefit.ErrBenefitConfig)
}

func TestResolve_MixedPlansAcrossLayers_ConfigError(t *testing.T) {
	// GIVEN: A member holding active layers under two different plans
	// WHEN: Resolving
	// THEN: A configuration error

	src := benefit.NewMemory()
	src.AddBenefit(coveredBenefit("plan-a", "INPATIENT"))
	src.AddAssignment(assignment("m1", benefit.LayerIL, "plan-a", 1))
	src.AddAssignment(assignment("m1", benefit.LayerAC, "plan-b", 2))

	_, err := benefit.NewResolver(src).Resolve(context.Background(), input("m1", "INPATIENT"))
	assert.ErrorIs(t, err, benefit.ErrBenefitConfig)
}

// =============================================================================
// SHARED LIMIT GROUPS
// =============================================================================

func TestResolve_SharedLimitGroup_ListsGroupCodes(t *testing.T) {
	// GIVEN: Two benefits sharing one limit group under the plan
	// WHEN: Resolving either of them
	// THEN: The resolution lists every code in the group

	src := benefit.NewMemory()
	b1 := coveredBenefit("plan", "PHYSIO")
	b1.SharedLimitGroup = "THERAPY"
	src.AddBenefit(b1)

	b2 := coveredBenefit("plan", "CHIRO")
	b2.SharedLimitGroup = "THERAPY"
	src.AddBenefit(b2)

	src.AddAssignment(assignment("m1", benefit.LayerIL, "plan", 1))

	res, err := benefit.NewResolver(src).Resolve(context.Background(), input("m1", "PHYSIO"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []benefit.BenefitCode{"PHYSIO", "CHIRO"}, res.GroupCodes)
}

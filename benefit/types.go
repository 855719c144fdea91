/*
Package benefit defines the plan configuration model and the Benefit Resolver.

PURPOSE:
  This package contains the read-only configuration the adjudication engine
  works from: what a plan covers, under which limits, in which coverage
  layers, and which members hold which layers. Configuration is created by
  benefit administration and is immutable once effective - a change is a new
  version row, never an in-place mutation.

KEY CONCEPTS IN THIS FILE (types.go):
  - PlanBenefit: The complete ruleset for one benefit under one plan
  - LayerTerms: Limit/coinsurance/deductible terms for a single coverage layer
  - MemberCoverageLayer: Which layers a member holds, and in which order
  - Layer: Inner-Limit (IL) vs As-Charged (AC) coverage

DESIGN PRINCIPLES:
  1. Immutability: Benefit rows are versioned, never mutated in place
  2. Precision: Uses decimal.Decimal for all money and percentages
  3. Per-layer terms: IL and AC carry independent limits and cost sharing

SEE ALSO:
  - resolver.go: Effective-dated lookup and eligibility checks
*/
package benefit

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type FamilyID string
type PlanID string
type PolicyID string
type BenefitCode string
type GroupCode string

// =============================================================================
// COVERAGE LAYERS
// =============================================================================

// Layer identifies a coverage layer. Inner-Limit coverage applies first and
// caps each benefit individually; As-Charged coverage picks up the residual
// the inner limit could not absorb.
type Layer string

const (
	LayerIL Layer = "IL" // Inner-Limit
	LayerAC Layer = "AC" // As-Charged
)

// LayerApplicability states which layers a benefit may be paid under.
type LayerApplicability string

const (
	ApplyIL   LayerApplicability = "IL"
	ApplyAC   LayerApplicability = "AC"
	ApplyBoth LayerApplicability = "BOTH"
)

// Includes reports whether the given layer may pay this benefit.
func (la LayerApplicability) Includes(l Layer) bool {
	switch la {
	case ApplyBoth:
		return true
	case ApplyIL:
		return l == LayerIL
	case ApplyAC:
		return l == LayerAC
	default:
		return false
	}
}

// =============================================================================
// ENUMERATIONS
// =============================================================================

type CoverageType string

const (
	Covered    CoverageType = "covered"
	NotCovered CoverageType = "not_covered"
)

// LimitBasis determines the period an accumulator key is scoped to.
type LimitBasis string

const (
	BasisIncident LimitBasis = "incident" // per incident_id
	BasisDay      LimitBasis = "day"      // per service date
	BasisYear     LimitBasis = "year"     // per calendar year
)

// Channel is the service setting a claim line arrived from.
type Channel string

const (
	ChannelInpatient  Channel = "inpatient"
	ChannelOutpatient Channel = "outpatient"
	ChannelDental     Channel = "dental"
	ChannelOptical    Channel = "optical"
	ChannelPharmacy   Channel = "pharmacy"
)

// AccumScope determines whether usage accumulates per member or per family.
type AccumScope string

const (
	ScopeMember AccumScope = "member"
	ScopeFamily AccumScope = "family"
)

// ExcessPolicy governs what happens to billed amounts above the scheduled
// allowed once both layers are exhausted.
type ExcessPolicy string

const (
	// ExcessStandard: excess is always member liability, never fund-drawn.
	ExcessStandard ExcessPolicy = "standard"
	// ExcessAnyCause: excess may be drawn from funds regardless of cause.
	ExcessAnyCause ExcessPolicy = "any_cause"
	// ExcessExceptException: drawable unless the diagnosis is an exception.
	ExcessExceptException ExcessPolicy = "except_exception"
	// ExcessExceptExceptionNonMedical: as above, and non-medical charges are
	// never drawable either.
	ExcessExceptExceptionNonMedical ExcessPolicy = "except_exception_non_medical"
)

// BedUpgradePolicy routes the daily upgrade fee when a member stays in a
// higher bed class than entitled.
type BedUpgradePolicy string

const (
	BedUpgradeToMember     BedUpgradePolicy = "member"      // full fee to member
	BedUpgradeCoinsurance  BedUpgradePolicy = "coinsurance" // member pays coinsurance share of fee
	BedUpgradeAsCharged    BedUpgradePolicy = "as_charged"  // fee absorbed by the AC layer
)

// BedUpgradeReason is why the member occupied a higher bed class.
type BedUpgradeReason string

const (
	BedReasonUnavailability BedUpgradeReason = "unavailability"
	BedReasonMemberRequest  BedUpgradeReason = "member_request"
)

// NonMedicalPolicy routes non-medical charges riding on a claim.
type NonMedicalPolicy string

const (
	NonMedicalDeny    NonMedicalPolicy = "deny"
	NonMedicalFund    NonMedicalPolicy = "non_benefit" // drawn from the non-benefit fund
	NonMedicalMember  NonMedicalPolicy = "member"
)

// =============================================================================
// PLAN BENEFIT - versioned benefit configuration
// =============================================================================

// LayerTerms are the limit and cost-sharing terms for one coverage layer.
// IL and AC terms are independent: a benefit applicable to BOTH carries a
// separate inner limit and a separate as-charged limit.
type LayerTerms struct {
	LimitBasis     LimitBasis
	LimitValue     decimal.Decimal // zero = unlimited within the layer
	QtyValue       int64           // zero = no quantity cap
	CoinsurancePct decimal.Decimal // member share, 0..100
	Deductible     decimal.Decimal // per period, tracked on its own accumulator key
	OutOfPocketMax decimal.Decimal // caps member coinsurance per period; zero = uncapped
}

// Unlimited reports whether the layer has no amount cap.
func (t LayerTerms) Unlimited() bool { return t.LimitValue.IsZero() }

// PlanBenefit is the complete ruleset for one benefit under one plan.
//
// INVARIANT: Immutable once effective. A configuration change is a new row
// with a higher Version and a fresh effective window; the resolver picks the
// single row whose window contains the service date.
type PlanBenefit struct {
	PlanID    PlanID
	Code      BenefitCode
	Category  string
	Coverage  CoverageType
	Scope     AccumScope
	Applies   LayerApplicability
	IL        *LayerTerms // required when Applies includes IL
	AC        *LayerTerms // required when Applies includes AC

	// Cross-benefit cap: benefits sharing a group code share one combined
	// limit, derived from their individual accumulator keys at read time.
	SharedLimitGroup GroupCode

	// Channel restrictions. Empty = all channels allowed.
	AllowedChannels []Channel

	// Excess handling
	AllowExcessDraw bool
	Excess          ExcessPolicy

	// Auxiliary line routing
	BedUpgrade BedUpgradePolicy
	NonMedical NonMedicalPolicy

	// Eligibility refinements
	WaitingPeriodDays  int
	ExcludedDiagnoses  []string

	EffectiveFrom time.Time
	EffectiveTo   time.Time // zero = open-ended
	Version       int
}

// Terms returns the layer terms for the given layer, or nil when the layer
// does not apply to this benefit.
func (b *PlanBenefit) Terms(l Layer) *LayerTerms {
	if !b.Applies.Includes(l) {
		return nil
	}
	switch l {
	case LayerIL:
		return b.IL
	case LayerAC:
		return b.AC
	}
	return nil
}

// ChannelAllowed reports whether the claim channel matches the plan's
// allowed channels.
func (b *PlanBenefit) ChannelAllowed(ch Channel) bool {
	if len(b.AllowedChannels) == 0 {
		return true
	}
	for _, c := range b.AllowedChannels {
		if c == ch {
			return true
		}
	}
	return false
}

// DiagnosisExcluded reports whether the diagnosis code is excluded.
func (b *PlanBenefit) DiagnosisExcluded(dx string) bool {
	for _, d := range b.ExcludedDiagnoses {
		if d == dx {
			return true
		}
	}
	return false
}

// EffectiveAt reports whether the row is effective on the given date.
func (b *PlanBenefit) EffectiveAt(at time.Time) bool {
	if at.Before(b.EffectiveFrom) {
		return false
	}
	return b.EffectiveTo.IsZero() || !at.After(b.EffectiveTo)
}

// =============================================================================
// MEMBER COVERAGE LAYER - which layers a member holds
// =============================================================================

// MemberCoverageLayer assigns a coverage layer to a member under a plan.
// Precedence orders layer application; by convention IL precedes AC.
type MemberCoverageLayer struct {
	MemberID      MemberID
	Layer         Layer
	PlanID        PlanID
	Precedence    int
	EffectiveFrom time.Time
	EffectiveTo   time.Time // zero = open-ended
}

// EffectiveAt reports whether the assignment covers the given date.
func (m *MemberCoverageLayer) EffectiveAt(at time.Time) bool {
	if at.Before(m.EffectiveFrom) {
		return false
	}
	return m.EffectiveTo.IsZero() || !at.After(m.EffectiveTo)
}

// PeriodRef returns the accumulator period reference for a limit basis:
// the calendar year for year-basis, the service date for day-basis, and
// the incident id for incident-basis benefits.
func PeriodRef(basis LimitBasis, serviceDate time.Time, incidentID string) string {
	switch basis {
	case BasisDay:
		return serviceDate.UTC().Format("2006-01-02")
	case BasisIncident:
		return incidentID
	default:
		return serviceDate.UTC().Format("2006")
	}
}

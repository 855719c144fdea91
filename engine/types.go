/*
Package engine adjudicates claim lines.

PURPOSE:
  This package is the orchestrator: given a validated claim line, the
  member's benefit configuration (via the benefit resolver), and current
  accumulator/fund state, it computes payer liability, member liability and
  fund draws through an ordered pipeline of business rules, then commits
  the resulting state changes atomically.

KEY CONCEPTS IN THIS FILE (types.go):
  - ClaimLine: the unit of adjudication, supplied by intake (out of scope)
  - AdjudicationResult: immutable output, one per adjudication attempt
  - Status/reason codes: business outcomes are results, never Go errors

DESIGN PRINCIPLES:
  1. Outcomes are data: denial, pend and partial approval are statuses with
     reason codes on the result. Only infrastructure failures are errors.
  2. Append-only results: a correction references the prior result id;
     nothing is overwritten after finalization.
  3. All money is decimal.Decimal; rounding happens exactly once, at the
     end, using banker's rounding.

SEE ALSO:
  - pipeline.go: The ordered stages and the commit protocol
  - layering.go: Inner-Limit then As-Charged coverage
  - allocation.go: Multiple-procedure (surgery) allocation
*/
package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian/claims-engine/benefit"
)

// =============================================================================
// CLAIM LINE - the unit of adjudication
// =============================================================================

// ProcedureLine is one procedure on a surgical claim.
type ProcedureLine struct {
	Code   string
	Billed decimal.Decimal
	Class  SurgeryClass
}

// SurgeryClass splits a procedure's recognized charge into components.
// Percentages are 0..100 and normally sum to 100.
type SurgeryClass struct {
	Name          string
	SurgeonPct    decimal.Decimal
	TheatrePct    decimal.Decimal
	AnesthesiaPct decimal.Decimal
}

// BedUpgradeEvent rides on an inpatient claim line when the member occupied
// a higher bed class than entitled.
type BedUpgradeEvent struct {
	UsedDailyRate     decimal.Decimal
	EntitledDailyRate decimal.Decimal
	Days              int64
	Reason            benefit.BedUpgradeReason
	ApprovalRef       string // required for member_request
}

// Fee returns the total upgrade fee: (used - entitled) per day, floored at
// zero when the member downgraded.
func (e *BedUpgradeEvent) Fee() decimal.Decimal {
	perDay := e.UsedDailyRate.Sub(e.EntitledDailyRate)
	if perDay.IsNegative() {
		return decimal.Zero
	}
	return perDay.Mul(decimal.NewFromInt(e.Days))
}

// NonMedicalCharge is an auxiliary charge with its own routing policy.
type NonMedicalCharge struct {
	Description string
	Amount      decimal.Decimal
}

// ClaimLine is the validated input to adjudication.
type ClaimLine struct {
	ID          string
	MemberID    benefit.MemberID
	FamilyID    benefit.FamilyID
	PolicyID    benefit.PolicyID
	BenefitCode benefit.BenefitCode
	ServiceDate time.Time
	Billed      decimal.Decimal
	Quantity    int64
	Channel     benefit.Channel
	IncidentID  string
	Diagnosis   string

	// ExceptionDiagnosis marks diagnoses the excess policy variants treat
	// specially (except_exception*).
	ExceptionDiagnosis bool

	Procedures []ProcedureLine
	BedUpgrade *BedUpgradeEvent
	NonMedical []NonMedicalCharge
}

// =============================================================================
// STATUS & REASON CODES
// =============================================================================

type Status string

const (
	StatusApproved          Status = "approved"
	StatusPartiallyApproved Status = "partially_approved"
	StatusDenied            Status = "denied"   // terminal, no funds moved
	StatusPended            Status = "pended"   // retryable after external action
	StatusVoided            Status = "voided"   // reversal result
)

// Terminal reports whether the status ends the claim line's lifecycle.
// Pended lines re-enter the pipeline with the same id.
func (s Status) Terminal() bool { return s != StatusPended }

// Reason codes carried on results. Business vocabulary shared with EOB
// generation downstream.
const (
	ReasonNotEligible        = "NOT_ELIGIBLE"
	ReasonBenefitNotCovered  = "BENEFIT_NOT_COVERED"
	ReasonChannelNotAllowed  = "CHANNEL_NOT_ALLOWED"
	ReasonWaitingPeriod      = "WAITING_PERIOD_UNMET"
	ReasonDuplicateClaim     = "DUPLICATE_CLAIM"
	ReasonLimitExhausted     = "LIMIT_EXHAUSTED"
	ReasonQtyExhausted       = "QUANTITY_EXHAUSTED"
	ReasonExcessToMember     = "EXCESS_TO_MEMBER"
	ReasonExcessDenied       = "EXCESS_DENIED"
	ReasonProcedureReduction = "MULTI_PROCEDURE_REDUCTION"
	ReasonBedUpgradeApproval = "BED_UPGRADE_APPROVAL_REQUIRED"
	ReasonBedUpgradeReason   = "BED_UPGRADE_REASON_INVALID"
	ReasonNonMedicalDenied   = "NON_MEDICAL_DENIED"
	ReasonNonMedicalMember   = "NON_MEDICAL_TO_MEMBER"
	ReasonRetryExhausted     = "RETRY_EXHAUSTED"
	ReasonVoid               = "CLAIM_VOIDED"
)

// =============================================================================
// ADJUDICATION RESULT - immutable, append-only
// =============================================================================

// AdjudicationResult is created once per adjudication attempt and never
// mutated. A correction or void produces a new result referencing the
// prior one.
type AdjudicationResult struct {
	ID            string
	ClaimLineID   string
	PriorResultID string // set on re-entries and voids
	MemberID      benefit.MemberID
	BenefitCode   benefit.BenefitCode
	IncidentID    string
	Status        Status
	ReasonCodes   []string

	ScheduledAllowed  decimal.Decimal
	DeductibleApplied decimal.Decimal
	CoinsMember       decimal.Decimal
	ILPortion         decimal.Decimal // payer-side amount paid under IL
	ACPortion         decimal.Decimal // payer-side amount paid under AC
	ASODraw           decimal.Decimal
	BufferDraw        decimal.Decimal
	NonBenefitDraw    decimal.Decimal
	PayerLiability    decimal.Decimal
	MemberLiability   decimal.Decimal

	// FundSource summarizes where payer money came from, e.g. "benefit",
	// "benefit+buffer", "aso". Empty on denials and pends.
	FundSource string

	CreatedAt time.Time
}

// TotalDraw is the sum of committed fund draws.
func (r *AdjudicationResult) TotalDraw() decimal.Decimal {
	return r.ASODraw.Add(r.BufferDraw).Add(r.NonBenefitDraw)
}

// HasReason reports whether a reason code is present.
func (r *AdjudicationResult) HasReason(code string) bool {
	for _, c := range r.ReasonCodes {
		if c == code {
			return true
		}
	}
	return false
}

// =============================================================================
// RESULT STORE - append-only result history
// =============================================================================

// ResultStore persists adjudication results. Append-only: results are
// never updated or deleted, and the latest result for a claim line id
// determines whether a re-submission is an idempotent replay (terminal) or
// a pend re-entry.
type ResultStore interface {
	// Save appends a result.
	Save(ctx context.Context, r AdjudicationResult) error

	// Latest returns the most recent result for a claim line id, or nil.
	Latest(ctx context.Context, claimLineID string) (*AdjudicationResult, error)

	// History returns all results for a claim line id, oldest first.
	History(ctx context.Context, claimLineID string) ([]AdjudicationResult, error)

	// IncidentSeen reports whether a different claim line already holds a
	// committed (approved/partial) result for the same member, benefit and
	// incident. Backs duplicate-incident denial for incident-basis benefits.
	IncidentSeen(ctx context.Context, member benefit.MemberID, code benefit.BenefitCode, incidentID, excludeClaimLineID string) (bool, error)
}

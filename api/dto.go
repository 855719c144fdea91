/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  All money fields are decimal strings on the wire ("1500.00"), parsed
  with shopspring/decimal. Floats never touch a money field.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/meridian/claims-engine/benefit"
	"github.com/meridian/claims-engine/engine"
)

// =============================================================================
// CLAIM SUBMISSION
// =============================================================================

// ProcedureDTO is one procedure on a surgical claim line.
type ProcedureDTO struct {
	Code          string          `json:"code"`
	Billed        decimal.Decimal `json:"billed"`
	ClassName     string          `json:"class_name,omitempty"`
	SurgeonPct    decimal.Decimal `json:"surgeon_pct"`
	TheatrePct    decimal.Decimal `json:"theatre_pct"`
	AnesthesiaPct decimal.Decimal `json:"anesthesia_pct"`
}

// BedUpgradeDTO describes a bed-class upgrade riding on an inpatient line.
type BedUpgradeDTO struct {
	UsedDailyRate     decimal.Decimal `json:"used_daily_rate"`
	EntitledDailyRate decimal.Decimal `json:"entitled_daily_rate"`
	Days              int64           `json:"days"`
	Reason            string          `json:"reason"`
	ApprovalRef       string          `json:"approval_ref,omitempty"`
}

// NonMedicalDTO is an auxiliary non-medical charge.
type NonMedicalDTO struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// SubmitClaimRequest is the request to adjudicate a claim line. The id is
// the idempotency key: resubmitting a terminal line replays its result.
type SubmitClaimRequest struct {
	ID                 string          `json:"id"`
	MemberID           string          `json:"member_id"`
	FamilyID           string          `json:"family_id,omitempty"`
	PolicyID           string          `json:"policy_id"`
	BenefitCode        string          `json:"benefit_code"`
	ServiceDate        string          `json:"service_date"` // YYYY-MM-DD
	Billed             decimal.Decimal `json:"billed"`
	Quantity           int64           `json:"quantity,omitempty"`
	Channel            string          `json:"channel"`
	IncidentID         string          `json:"incident_id,omitempty"`
	Diagnosis          string          `json:"diagnosis,omitempty"`
	ExceptionDiagnosis bool            `json:"exception_diagnosis,omitempty"`

	Procedures []ProcedureDTO  `json:"procedures,omitempty"`
	BedUpgrade *BedUpgradeDTO  `json:"bed_upgrade,omitempty"`
	NonMedical []NonMedicalDTO `json:"non_medical,omitempty"`
}

// ResultDTO represents one adjudication result in API responses.
type ResultDTO struct {
	ID            string   `json:"id"`
	ClaimLineID   string   `json:"claim_line_id"`
	PriorResultID string   `json:"prior_result_id,omitempty"`
	Status        string   `json:"status"`
	ReasonCodes   []string `json:"reason_codes,omitempty"`

	ScheduledAllowed  decimal.Decimal `json:"scheduled_allowed"`
	DeductibleApplied decimal.Decimal `json:"deductible_applied"`
	CoinsMember       decimal.Decimal `json:"coins_member"`
	ILPortion         decimal.Decimal `json:"il_portion"`
	ACPortion         decimal.Decimal `json:"ac_portion"`
	ASODraw           decimal.Decimal `json:"aso_draw"`
	BufferDraw        decimal.Decimal `json:"buffer_draw"`
	NonBenefitDraw    decimal.Decimal `json:"non_benefit_draw"`
	PayerLiability    decimal.Decimal `json:"payer_liability"`
	MemberLiability   decimal.Decimal `json:"member_liability"`
	FundSource        string          `json:"fund_source,omitempty"`
	CreatedAt         string          `json:"created_at"`
}

func toResultDTO(r *engine.AdjudicationResult) ResultDTO {
	return ResultDTO{
		ID:                r.ID,
		ClaimLineID:       r.ClaimLineID,
		PriorResultID:     r.PriorResultID,
		Status:            string(r.Status),
		ReasonCodes:       r.ReasonCodes,
		ScheduledAllowed:  r.ScheduledAllowed,
		DeductibleApplied: r.DeductibleApplied,
		CoinsMember:       r.CoinsMember,
		ILPortion:         r.ILPortion,
		ACPortion:         r.ACPortion,
		ASODraw:           r.ASODraw,
		BufferDraw:        r.BufferDraw,
		NonBenefitDraw:    r.NonBenefitDraw,
		PayerLiability:    r.PayerLiability,
		MemberLiability:   r.MemberLiability,
		FundSource:        r.FundSource,
		CreatedAt:         r.CreatedAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
}

// =============================================================================
// ACCUMULATORS
// =============================================================================

// AccumulatorDTO is one accumulator total in API responses.
type AccumulatorDTO struct {
	Scope   string          `json:"scope"`
	ScopeID string          `json:"scope_id"`
	Plan    string          `json:"plan_id"`
	Code    string          `json:"benefit_code"`
	Period  string          `json:"period"`
	Layer   string          `json:"layer"`
	Bucket  string          `json:"bucket"`
	Amount  decimal.Decimal `json:"amount_used"`
	Qty     int64           `json:"qty_used"`
	Version int64           `json:"version"`
}

// =============================================================================
// FUNDING
// =============================================================================

// FundingDTO is a policy's fund balances.
type FundingDTO struct {
	PolicyID   string          `json:"policy_id"`
	ASO        decimal.Decimal `json:"aso_balance"`
	Buffer     decimal.Decimal `json:"buffer_balance"`
	NonBenefit decimal.Decimal `json:"non_benefit_balance"`
	Version    int64           `json:"version"`
}

// TopUpRequest deposits into one fund of a policy.
type TopUpRequest struct {
	Fund   string          `json:"fund"`
	Amount decimal.Decimal `json:"amount"`
}

// =============================================================================
// BENEFIT CONFIGURATION
// =============================================================================

// LayerTermsDTO carries one layer's limit and cost-sharing terms.
type LayerTermsDTO struct {
	LimitBasis     string          `json:"limit_basis"`
	LimitValue     decimal.Decimal `json:"limit_value"`
	QtyValue       int64           `json:"qty_value,omitempty"`
	CoinsurancePct decimal.Decimal `json:"coinsurance_pct"`
	Deductible     decimal.Decimal `json:"deductible"`
	OutOfPocketMax decimal.Decimal `json:"out_of_pocket_max"`
}

func (d *LayerTermsDTO) toTerms() *benefit.LayerTerms {
	if d == nil {
		return nil
	}
	return &benefit.LayerTerms{
		LimitBasis:     benefit.LimitBasis(d.LimitBasis),
		LimitValue:     d.LimitValue,
		QtyValue:       d.QtyValue,
		CoinsurancePct: d.CoinsurancePct,
		Deductible:     d.Deductible,
		OutOfPocketMax: d.OutOfPocketMax,
	}
}

// CreateBenefitRequest creates one benefit version under a plan.
type CreateBenefitRequest struct {
	PlanID            string         `json:"plan_id"`
	Code              string         `json:"benefit_code"`
	Category          string         `json:"category,omitempty"`
	Coverage          string         `json:"coverage"`
	Scope             string         `json:"scope,omitempty"`
	Applies           string         `json:"applies"`
	IL                *LayerTermsDTO `json:"il,omitempty"`
	AC                *LayerTermsDTO `json:"ac,omitempty"`
	SharedLimitGroup  string         `json:"shared_limit_group,omitempty"`
	AllowedChannels   []string       `json:"allowed_channels,omitempty"`
	AllowExcessDraw   bool           `json:"allow_excess_draw"`
	Excess            string         `json:"excess,omitempty"`
	BedUpgrade        string         `json:"bed_upgrade,omitempty"`
	NonMedical        string         `json:"non_medical,omitempty"`
	WaitingPeriodDays int            `json:"waiting_period_days,omitempty"`
	ExcludedDiagnoses []string       `json:"excluded_diagnoses,omitempty"`
	EffectiveFrom     string         `json:"effective_from"` // YYYY-MM-DD
	EffectiveTo       string         `json:"effective_to,omitempty"`
	Version           int            `json:"version"`
}

// CreateAssignmentRequest assigns a coverage layer to a member.
type CreateAssignmentRequest struct {
	MemberID      string `json:"member_id"`
	Layer         string `json:"layer"`
	PlanID        string `json:"plan_id"`
	Precedence    int    `json:"precedence"`
	EffectiveFrom string `json:"effective_from"`
	EffectiveTo   string `json:"effective_to,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

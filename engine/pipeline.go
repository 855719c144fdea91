/*
pipeline.go - The ordered adjudication pipeline

PURPOSE:
  Orchestrates adjudication in strict order:

    1. Eligibility/channel check (benefit resolver)    - may DENY
    2. Multiple-procedure allocation forms the recognized charge
    3. Scheduled allowed / deductible / coinsurance / layering (IL -> AC)
    4. Excess handling against the fund ledger (ASO -> buffer -> non-benefit)
    5. Bed-upgrade fee routing                          - may PEND
    6. Non-medical charge routing
    7. Banker's rounding, applied once at the very end
    8. Atomic commit: fund reservations + accumulator deltas + result

  Business outcomes (deny/pend/partial) are statuses on the result, never
  errors. Only infrastructure failures return errors, and they never leave
  partial state: fund money is held via reservations that are released on
  any non-commit path, and accumulator deltas land in a single idempotent
  Apply keyed by claim line id.

CONCURRENCY:
  Optimistic: stages compute over a snapshot; the commit carries version
  expectations. On conflict the whole computation reruns against fresh
  state, up to RetryBudget attempts, after which the line PENDs with
  RETRY_EXHAUSTED and nothing applied.

RE-ENTRY:
  A pended line re-enters with the same claim line id (e.g. after a fund
  top-up). A terminal result replays idempotently: same result, no second
  delta.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridian/claims-engine/accumulator"
	"github.com/meridian/claims-engine/benefit"
	"github.com/meridian/claims-engine/fund"
)

// DefaultRetryBudget bounds optimistic commit attempts per claim line.
const DefaultRetryBudget = 3

// Pipeline wires the resolver, stores and sinks into the adjudication flow.
type Pipeline struct {
	Resolver    *benefit.Resolver
	Accums      accumulator.Store
	Funds       fund.Ledger
	Results     ResultStore
	Events      EventSink
	Logger      zerolog.Logger
	RetryBudget int
}

func NewPipeline(resolver *benefit.Resolver, accums accumulator.Store, funds fund.Ledger, results ResultStore, events EventSink, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		Resolver:    resolver,
		Accums:      accums,
		Funds:       funds,
		Results:     results,
		Events:      events,
		Logger:      logger,
		RetryBudget: DefaultRetryBudget,
	}
}

// =============================================================================
// ADJUDICATE
// =============================================================================

// Adjudicate runs one claim line through the pipeline and returns its
// result. Safe to call repeatedly with the same claim line id.
func (p *Pipeline) Adjudicate(ctx context.Context, line ClaimLine) (*AdjudicationResult, error) {
	if line.ID == "" {
		return nil, errors.New("claim line id required")
	}

	// Idempotent replay: a terminal result stands; a pended line re-enters.
	prior, err := p.Results.Latest(ctx, line.ID)
	if err != nil {
		return nil, fmt.Errorf("load prior result: %w", err)
	}
	if prior != nil && prior.Status.Terminal() {
		return prior, nil
	}

	// Stage 1: eligibility. Resolver denials become DENY results;
	// configuration faults stay internal errors.
	res, err := p.Resolver.Resolve(ctx, benefit.ResolveInput{
		MemberID:    line.MemberID,
		BenefitCode: line.BenefitCode,
		ServiceDate: line.ServiceDate,
		Channel:     line.Channel,
		Diagnosis:   line.Diagnosis,
	})
	if err != nil {
		if benefit.IsDenial(err) {
			return p.deny(ctx, &line, prior, denialReason(err)), nil
		}
		p.Logger.Error().Err(err).Str("claim_line_id", line.ID).Msg("benefit configuration error")
		return nil, err
	}

	// Duplicate incident: one committed adjudication per incident for
	// incident-basis benefits.
	if dup, err := p.duplicateIncident(ctx, &line, res); err != nil {
		return nil, err
	} else if dup {
		return p.deny(ctx, &line, prior, ReasonDuplicateClaim), nil
	}

	budget := p.RetryBudget
	if budget <= 0 {
		budget = DefaultRetryBudget
	}

	for attempt := 0; attempt < budget; attempt++ {
		result, retry, err := p.attempt(ctx, &line, res, prior)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		return result, nil
	}

	// Bounded retry budget exhausted: PEND, nothing applied.
	return p.pend(ctx, &line, prior, nil, ReasonRetryExhausted), nil
}

// attempt runs one optimistic compute-and-commit cycle.
// retry=true signals a version conflict; the caller reruns on fresh state.
func (p *Pipeline) attempt(ctx context.Context, line *ClaimLine, res *benefit.Resolution, prior *AdjudicationResult) (*AdjudicationResult, bool, error) {
	comp, err := p.compute(ctx, line, res)
	if err != nil {
		return nil, false, err
	}

	// PEND decided before any money moves (bed-upgrade approval missing).
	if comp.Pend {
		return p.pend(ctx, line, prior, comp, comp.PendReason), false, nil
	}

	// Nothing payable at all: terminal denial.
	if !comp.Layering.ScheduledAllowed.IsPositive() && !comp.Bed.Payer.IsPositive() &&
		comp.Layering.Residual.IsPositive() {
		return p.deny(ctx, line, prior, ReasonLimitExhausted), false, nil
	}

	// Stage: offer excess and non-medical amounts to the fund ledger.
	// Reservations hold the money; any non-commit path releases them.
	var reservations []*fund.Reservation
	release := func() {
		for _, r := range reservations {
			if rerr := p.Funds.Release(ctx, r.ID); rerr != nil {
				p.Logger.Error().Err(rerr).Str("reservation", r.ID).Msg("release failed")
			}
		}
	}

	for _, req := range comp.FundRequests {
		r, err := p.Funds.Reserve(ctx, line.PolicyID, line.ID, req.Amount, req.Allowed)
		if err != nil {
			release()
			return nil, false, fmt.Errorf("reserve funds: %w", err)
		}
		reservations = append(reservations, r)
		if !r.Covered() {
			reason := fund.InsufficientFundsReason(r.ShortfallFund)
			release()
			return p.pend(ctx, line, prior, comp, reason), false, nil
		}
	}

	// Commit accumulator deltas atomically under the claim line id.
	applied, err := p.Accums.Apply(ctx, line.ID, mergeDeltas(comp.Deltas))
	if err != nil {
		release()
		if errors.Is(err, accumulator.ErrConcurrentModification) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("apply accumulator deltas: %w", err)
	}
	if !applied {
		// A concurrent worker committed this claim line first.
		release()
		stored, err := p.Results.Latest(ctx, line.ID)
		if err != nil {
			return nil, false, err
		}
		if stored != nil && stored.Status.Terminal() {
			return stored, false, nil
		}
		return nil, false, fmt.Errorf("claim line %s applied concurrently without result", line.ID)
	}

	for _, r := range reservations {
		if err := p.Funds.Commit(ctx, r.ID); err != nil {
			// Deltas are committed; a failed reservation commit is an
			// infrastructure fault the caller must retry. Money stays held.
			return nil, false, fmt.Errorf("commit reservation %s: %w", r.ID, err)
		}
	}

	result := buildResult(line, comp, reservations, prior)
	if err := p.Results.Save(ctx, *result); err != nil {
		return nil, false, fmt.Errorf("save result: %w", err)
	}

	p.emitCommitted(ctx, line, result, comp)
	return result, false, nil
}

// =============================================================================
// COMPUTE - pure stages over a state snapshot
// =============================================================================

type fundRequest struct {
	Amount  decimal.Decimal
	Allowed []fund.Fund
}

type computation struct {
	Charge    decimal.Decimal // recognized charge after procedure allocation
	Reduction decimal.Decimal // unrecognized surgery remainder, member liability

	Layering layeringOutcome
	Bed      bedUpgradeOutcome
	NonMed   nonMedicalOutcome

	ExcessDraw   decimal.Decimal
	ExcessMember decimal.Decimal
	ExcessDenied decimal.Decimal

	FundRequests []fundRequest
	Deltas       []accumulator.Delta
	Reasons      []string

	Pend       bool
	PendReason string
}

func (p *Pipeline) compute(ctx context.Context, line *ClaimLine, res *benefit.Resolution) (*computation, error) {
	comp := &computation{
		Charge:       line.Billed,
		Reduction:    decimal.Zero,
		ExcessDraw:   decimal.Zero,
		ExcessMember: decimal.Zero,
		ExcessDenied: decimal.Zero,
	}

	// Multiple-procedure allocation forms the adjudicable charge.
	if len(line.Procedures) > 0 {
		alloc := AllocateProcedures(line.Procedures)
		comp.Charge = alloc.Recognized
		comp.Reduction = alloc.Reduction
		if alloc.Reduction.IsPositive() {
			comp.Reasons = append(comp.Reasons, ReasonProcedureReduction)
		}
	}

	// Layering: IL then AC against their own accumulators.
	states, err := loadLayerStates(ctx, p.Accums, line, res)
	if err != nil {
		return nil, err
	}
	comp.Layering = computeLayers(line, states, comp.Charge)
	comp.Deltas = append(comp.Deltas, comp.Layering.Deltas...)
	comp.Reasons = append(comp.Reasons, comp.Layering.Reasons...)

	// Excess handling: only after both layers are exhausted.
	if comp.Layering.Residual.IsPositive() {
		p.routeExcess(line, &res.Benefit, comp)
	}

	// Bed-upgrade fee.
	if line.BedUpgrade != nil {
		var acState *layerState
		acScheduled := decimal.Zero
		for i := range states {
			if states[i].Layer == benefit.LayerAC {
				acState = &states[i]
			}
		}
		for _, lo := range comp.Layering.Layers {
			if lo.Layer == benefit.LayerAC {
				acScheduled = acScheduled.Add(lo.Scheduled)
			}
		}
		comp.Bed = computeBedUpgrade(line.BedUpgrade, res.Benefit.BedUpgrade, primaryCoinsPct(states), acState, acScheduled)
		if comp.Bed.Pend {
			comp.Pend = true
			comp.PendReason = comp.Bed.PendReason
			return comp, nil
		}
		if comp.Bed.Delta != nil {
			comp.Deltas = append(comp.Deltas, *comp.Bed.Delta)
		}
	} else {
		comp.Bed = bedUpgradeOutcome{Fee: decimal.Zero, Payer: decimal.Zero, Member: decimal.Zero}
	}

	// Non-medical charges. An exception diagnosis under the
	// except_exception_non_medical policy closes the non-benefit pool.
	nonMedFundBlocked := line.ExceptionDiagnosis &&
		res.Benefit.Excess == benefit.ExcessExceptExceptionNonMedical
	comp.NonMed = computeNonMedical(line.NonMedical, res.Benefit.NonMedical, nonMedFundBlocked)
	comp.Reasons = append(comp.Reasons, comp.NonMed.Reasons...)
	if comp.NonMed.FundRequest.IsPositive() {
		comp.FundRequests = append(comp.FundRequests, fundRequest{
			Amount:  comp.NonMed.FundRequest,
			Allowed: []fund.Fund{fund.NonBenefit},
		})
	}

	return comp, nil
}

// routeExcess decides where the limit-refused residual goes: offered to
// the funds in priority order, left to the member, or denied, per the
// benefit's allow_excess_draw flag and claim_excess policy.
func (p *Pipeline) routeExcess(line *ClaimLine, b *benefit.PlanBenefit, comp *computation) {
	excess := comp.Layering.Residual

	if b.AllowExcessDraw {
		exception := line.ExceptionDiagnosis &&
			(b.Excess == benefit.ExcessExceptException || b.Excess == benefit.ExcessExceptExceptionNonMedical)
		if exception {
			comp.ExcessMember = excess
			comp.Reasons = append(comp.Reasons, ReasonExcessToMember)
			return
		}
		comp.ExcessDraw = excess
		comp.FundRequests = append(comp.FundRequests, fundRequest{
			Amount:  excess,
			Allowed: fund.DrawPriority,
		})
		return
	}

	switch b.Excess {
	case benefit.ExcessExceptException, benefit.ExcessExceptExceptionNonMedical:
		if line.ExceptionDiagnosis {
			comp.ExcessDenied = excess
			comp.Reasons = append(comp.Reasons, ReasonExcessDenied)
			return
		}
		comp.ExcessMember = excess
		comp.Reasons = append(comp.Reasons, ReasonExcessToMember)
	default: // standard, any_cause
		comp.ExcessMember = excess
		comp.Reasons = append(comp.Reasons, ReasonExcessToMember)
	}
}

// primaryCoinsPct is the coinsurance of the highest-precedence applicable
// layer, used for bed-upgrade coinsurance routing.
func primaryCoinsPct(states []layerState) decimal.Decimal {
	if len(states) == 0 {
		return decimal.Zero
	}
	return states[0].Terms.CoinsurancePct
}

// duplicateIncident reports whether another claim line already committed
// against the same incident, for incident-basis benefits.
func (p *Pipeline) duplicateIncident(ctx context.Context, line *ClaimLine, res *benefit.Resolution) (bool, error) {
	if line.IncidentID == "" {
		return false, nil
	}
	incidentBasis := false
	for _, l := range []benefit.Layer{benefit.LayerIL, benefit.LayerAC} {
		if t := res.Benefit.Terms(l); t != nil && t.LimitBasis == benefit.BasisIncident {
			incidentBasis = true
		}
	}
	if !incidentBasis {
		return false, nil
	}
	return p.Results.IncidentSeen(ctx, line.MemberID, line.BenefitCode, line.IncidentID, line.ID)
}

// =============================================================================
// VOID
// =============================================================================

// Void reverses a committed claim line: accumulator deltas are replayed
// negatively, fund draws return to their pools, and a voided result is
// appended referencing the prior one. Idempotent.
func (p *Pipeline) Void(ctx context.Context, claimLineID string) (*AdjudicationResult, error) {
	prior, err := p.Results.Latest(ctx, claimLineID)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, fmt.Errorf("claim line %s: %w", claimLineID, accumulator.ErrNotApplied)
	}
	if prior.Status == StatusVoided {
		return prior, nil
	}
	if prior.Status != StatusApproved && prior.Status != StatusPartiallyApproved {
		return nil, fmt.Errorf("claim line %s has status %s, nothing to void", claimLineID, prior.Status)
	}

	if _, err := p.Accums.Void(ctx, claimLineID); err != nil && !errors.Is(err, accumulator.ErrNotApplied) {
		return nil, fmt.Errorf("void accumulators: %w", err)
	}
	if err := p.Funds.Refund(ctx, claimLineID); err != nil {
		return nil, fmt.Errorf("refund fund draws: %w", err)
	}

	result := &AdjudicationResult{
		ID:            uuid.NewString(),
		ClaimLineID:   claimLineID,
		PriorResultID: prior.ID,
		MemberID:      prior.MemberID,
		BenefitCode:   prior.BenefitCode,
		IncidentID:    prior.IncidentID,
		Status:        StatusVoided,
		ReasonCodes:   []string{ReasonVoid},
		CreatedAt:     time.Now().UTC(),
	}
	zeroMoney(result)
	if err := p.Results.Save(ctx, *result); err != nil {
		return nil, fmt.Errorf("save void result: %w", err)
	}

	p.Events.Emit(ctx, newEvent(EventClaimVoided, claimLineID, map[string]any{
		"prior_result_id": prior.ID,
	}))
	p.Events.Emit(ctx, newEvent(EventAccumulatorsUpdated, claimLineID, map[string]any{
		"reversal": true,
	}))
	return result, nil
}

// =============================================================================
// OUTCOME HELPERS
// =============================================================================

func (p *Pipeline) deny(ctx context.Context, line *ClaimLine, prior *AdjudicationResult, reason string) *AdjudicationResult {
	result := emptyResult(line, prior, StatusDenied, reason)
	if err := p.Results.Save(ctx, *result); err != nil {
		p.Logger.Error().Err(err).Str("claim_line_id", line.ID).Msg("save denial failed")
	}
	p.Events.Emit(ctx, newEvent(EventClaimAdjudicated, line.ID, map[string]any{
		"status": string(StatusDenied),
		"reason": reason,
	}))
	return result
}

// pend records the stage outputs computed so far for audit; no money moved.
func (p *Pipeline) pend(ctx context.Context, line *ClaimLine, prior *AdjudicationResult, comp *computation, reason string) *AdjudicationResult {
	result := emptyResult(line, prior, StatusPended, reason)
	if comp != nil {
		result.ScheduledAllowed = comp.Layering.ScheduledAllowed.RoundBank(0)
		result.DeductibleApplied = comp.Layering.Deductible.RoundBank(0)
		result.CoinsMember = comp.Layering.Coins.RoundBank(0)
	}
	if err := p.Results.Save(ctx, *result); err != nil {
		p.Logger.Error().Err(err).Str("claim_line_id", line.ID).Msg("save pend failed")
	}
	p.Events.Emit(ctx, newEvent(EventClaimPended, line.ID, map[string]any{
		"reason": reason,
	}))
	return result
}

func (p *Pipeline) emitCommitted(ctx context.Context, line *ClaimLine, r *AdjudicationResult, comp *computation) {
	p.Events.Emit(ctx, newEvent(EventClaimAdjudicated, line.ID, map[string]any{
		"status":           string(r.Status),
		"payer_liability":  r.PayerLiability.String(),
		"member_liability": r.MemberLiability.String(),
	}))
	if len(comp.Deltas) > 0 {
		p.Events.Emit(ctx, newEvent(EventAccumulatorsUpdated, line.ID, map[string]any{
			"deltas": len(comp.Deltas),
		}))
	}
	if r.PayerLiability.IsPositive() {
		p.Events.Emit(ctx, newEvent(EventPaymentApproved, line.ID, map[string]any{
			"fund_source": r.FundSource,
			"amount":      r.PayerLiability.String(),
		}))
	}
}

func denialReason(err error) string {
	switch {
	case errors.Is(err, benefit.ErrNotEligible):
		return ReasonNotEligible
	case errors.Is(err, benefit.ErrBenefitNotCovered):
		return ReasonBenefitNotCovered
	case errors.Is(err, benefit.ErrChannelNotAllowed):
		return ReasonChannelNotAllowed
	case errors.Is(err, benefit.ErrWaitingPeriod):
		return ReasonWaitingPeriod
	default:
		return ReasonBenefitNotCovered
	}
}

// mergeDeltas combines deltas targeting the same key so Apply sees one
// change per key (the bed-upgrade route may touch a key layering already
// touched).
func mergeDeltas(deltas []accumulator.Delta) []accumulator.Delta {
	var out []accumulator.Delta
	index := make(map[accumulator.Key]int)
	for _, d := range deltas {
		if i, ok := index[d.Key]; ok {
			out[i].Amount = out[i].Amount.Add(d.Amount)
			out[i].Qty += d.Qty
			continue
		}
		index[d.Key] = len(out)
		out = append(out, d)
	}
	return out
}

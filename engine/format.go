/*
format.go - Output formatting: rounding, reason codes, fund source

PURPOSE:
  Assembles the final AdjudicationResult. Rounding happens exactly once,
  here, using banker's rounding (round-half-to-even) to the smallest
  currency unit - payer and member liability are rounded independently so
  they still sum to scheduled allowed plus granted draws within one minor
  unit.
*/
package engine

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian/claims-engine/fund"
)

func buildResult(line *ClaimLine, comp *computation, reservations []*fund.Reservation, prior *AdjudicationResult) *AdjudicationResult {
	r := emptyResult(line, prior, StatusApproved, "")
	r.ReasonCodes = dedupe(comp.Reasons)

	aso, buffer, nonBenefit := decimal.Zero, decimal.Zero, decimal.Zero
	for _, res := range reservations {
		aso = aso.Add(res.DrawOf(fund.ASO))
		buffer = buffer.Add(res.DrawOf(fund.Buffer))
		nonBenefit = nonBenefit.Add(res.DrawOf(fund.NonBenefit))
	}
	totalDraw := aso.Add(buffer).Add(nonBenefit)

	payer := comp.Layering.Payer.Add(comp.Bed.Payer).Add(totalDraw)
	member := comp.Layering.Deductible.
		Add(comp.Layering.Coins).
		Add(comp.ExcessMember).
		Add(comp.Reduction).
		Add(comp.Bed.Member).
		Add(comp.NonMed.Member)

	// Partial approval: some billed amount beyond plain cost sharing was
	// refused - left to the member or denied outright.
	if comp.ExcessMember.IsPositive() || comp.ExcessDenied.IsPositive() ||
		comp.Reduction.IsPositive() || comp.NonMed.Member.IsPositive() ||
		comp.NonMed.Denied.IsPositive() {
		r.Status = StatusPartiallyApproved
	}

	r.ScheduledAllowed = comp.Layering.ScheduledAllowed.RoundBank(0)
	r.DeductibleApplied = comp.Layering.Deductible.RoundBank(0)
	r.CoinsMember = comp.Layering.Coins.RoundBank(0)
	r.ILPortion = comp.Layering.ILPortion.RoundBank(0)
	r.ACPortion = comp.Layering.ACPortion.Add(comp.Bed.Payer).RoundBank(0)
	r.ASODraw = aso.RoundBank(0)
	r.BufferDraw = buffer.RoundBank(0)
	r.NonBenefitDraw = nonBenefit.RoundBank(0)
	r.PayerLiability = payer.RoundBank(0)
	r.MemberLiability = member.RoundBank(0)
	r.FundSource = fundSource(comp, aso, buffer, nonBenefit)
	return r
}

// fundSource summarizes where payer money came from, in draw priority
// order, e.g. "benefit", "benefit+buffer", "aso+non_benefit".
func fundSource(comp *computation, aso, buffer, nonBenefit decimal.Decimal) string {
	var parts []string
	if comp.Layering.Payer.Add(comp.Bed.Payer).IsPositive() {
		parts = append(parts, "benefit")
	}
	if aso.IsPositive() {
		parts = append(parts, string(fund.ASO))
	}
	if buffer.IsPositive() {
		parts = append(parts, string(fund.Buffer))
	}
	if nonBenefit.IsPositive() {
		parts = append(parts, string(fund.NonBenefit))
	}
	return strings.Join(parts, "+")
}

func emptyResult(line *ClaimLine, prior *AdjudicationResult, status Status, reason string) *AdjudicationResult {
	r := &AdjudicationResult{
		ID:          uuid.NewString(),
		ClaimLineID: line.ID,
		MemberID:    line.MemberID,
		BenefitCode: line.BenefitCode,
		IncidentID:  line.IncidentID,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}
	if prior != nil {
		r.PriorResultID = prior.ID
	}
	if reason != "" {
		r.ReasonCodes = []string{reason}
	}
	zeroMoney(r)
	return r
}

func zeroMoney(r *AdjudicationResult) {
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
}

func dedupe(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	var out []string
	for _, c := range codes {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

/*
bedupgrade.go - Bed-class upgrade fee routing and non-medical charges

PURPOSE:
  Two auxiliary line items ride on a claim and carry their own routing
  policy, independent of the main benefit math:

  Bed upgrade: upgrade_fee_per_day = used_daily_rate - entitled_daily_rate.
  The fee requires a valid reason (unavailability or member_request), and a
  member_request additionally requires an approval record - otherwise the
  whole line PENDs. The fee routes to the member, to coinsurance splitting,
  or to the As-Charged layer per the plan's bed_upgrade_policy.

  Non-medical charges route per the plan's non-medical policy: denied,
  drawn from the non-benefit fund, or member liability. Under the
  except_exception_non_medical excess policy an exception diagnosis also
  blocks the non-benefit pool, so a fund-routed charge falls to the member.
*/
package engine

import (
	"github.com/shopspring/decimal"

	"github.com/meridian/claims-engine/accumulator"
	"github.com/meridian/claims-engine/benefit"
)

// =============================================================================
// BED UPGRADE
// =============================================================================

type bedUpgradeOutcome struct {
	Fee    decimal.Decimal
	Payer  decimal.Decimal
	Member decimal.Decimal

	// Pend is set when the upgrade lacks a valid reason or approval; the
	// pipeline pends the whole line.
	Pend       bool
	PendReason string

	// Delta bumps the AC usage accumulator when the fee is absorbed
	// as-charged.
	Delta *accumulator.Delta
}

// computeBedUpgrade routes the upgrade fee. acState is the member's AC
// layer state when one applies (nil otherwise); acScheduled is the AC
// usage this claim already added, so the as-charged route respects the
// remaining AC limit.
func computeBedUpgrade(ev *BedUpgradeEvent, policy benefit.BedUpgradePolicy, primaryCoinsPct decimal.Decimal, acState *layerState, acScheduled decimal.Decimal) bedUpgradeOutcome {
	out := bedUpgradeOutcome{
		Fee:    decimal.Zero,
		Payer:  decimal.Zero,
		Member: decimal.Zero,
	}

	switch ev.Reason {
	case benefit.BedReasonUnavailability:
		// No approval needed.
	case benefit.BedReasonMemberRequest:
		if ev.ApprovalRef == "" {
			out.Pend = true
			out.PendReason = ReasonBedUpgradeApproval
			return out
		}
	default:
		out.Pend = true
		out.PendReason = ReasonBedUpgradeReason
		return out
	}

	fee := ev.Fee()
	out.Fee = fee
	if !fee.IsPositive() {
		return out
	}

	switch policy {
	case benefit.BedUpgradeCoinsurance:
		out.Member = fee.Mul(primaryCoinsPct).Div(hundred)
		out.Payer = fee.Sub(out.Member)

	case benefit.BedUpgradeAsCharged:
		if acState == nil {
			// No AC layer to absorb the fee; it falls to the member.
			out.Member = fee
			return out
		}
		covered := fee
		if !acState.Terms.Unlimited() {
			remaining := acState.Terms.LimitValue.Sub(acState.Usage.Amount).Sub(acScheduled)
			if remaining.IsNegative() {
				remaining = decimal.Zero
			}
			covered = decimal.Min(fee, remaining)
		}
		out.Payer = covered
		out.Member = fee.Sub(covered)
		if covered.IsPositive() {
			v := acState.Usage.Version
			out.Delta = &accumulator.Delta{
				Key: acState.UsageKey, Amount: covered, Expect: &v,
			}
		}

	default: // BedUpgradeToMember
		out.Member = fee
	}

	return out
}

// =============================================================================
// NON-MEDICAL CHARGES
// =============================================================================

type nonMedicalOutcome struct {
	Total  decimal.Decimal
	Member decimal.Decimal
	Denied decimal.Decimal

	// FundRequest is offered to the non-benefit fund only.
	FundRequest decimal.Decimal

	Reasons []string
}

// computeNonMedical totals the charges and routes them per policy.
// fundBlocked marks an exception-diagnosis claim under the
// except_exception_non_medical excess policy: the non-benefit pool is off
// limits, so a fund-routed total becomes member liability instead.
func computeNonMedical(charges []NonMedicalCharge, policy benefit.NonMedicalPolicy, fundBlocked bool) nonMedicalOutcome {
	out := nonMedicalOutcome{
		Total:       decimal.Zero,
		Member:      decimal.Zero,
		Denied:      decimal.Zero,
		FundRequest: decimal.Zero,
	}
	for _, c := range charges {
		out.Total = out.Total.Add(c.Amount)
	}
	if !out.Total.IsPositive() {
		return out
	}

	switch policy {
	case benefit.NonMedicalFund:
		if fundBlocked {
			out.Member = out.Total
			out.Reasons = append(out.Reasons, ReasonNonMedicalMember)
			return out
		}
		out.FundRequest = out.Total
	case benefit.NonMedicalMember:
		out.Member = out.Total
		out.Reasons = append(out.Reasons, ReasonNonMedicalMember)
	default: // NonMedicalDeny
		out.Denied = out.Total
		out.Reasons = append(out.Reasons, ReasonNonMedicalDenied)
	}
	return out
}

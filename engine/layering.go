/*
layering.go - Inner-Limit then As-Charged coverage

PURPOSE:
  Coverage applies in layer order: the Inner-Limit (IL) layer pays first,
  capped by the benefit's inner limit, and the residual the limit refused
  is offered to the As-Charged (AC) layer - only when the benefit is
  applicable to AC and the member actually holds an AC layer assignment.
  Each layer runs its own limit, deductible and coinsurance against its own
  accumulator keys; IL and AC totals are never merged.

PURITY:
  computeLayers is pure over pre-loaded accumulator state. The pipeline
  loads state, computes, and commits the produced deltas with version
  expectations; a concurrent writer shows up as a version conflict and the
  whole computation reruns on fresh state.
*/
package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/meridian/claims-engine/accumulator"
	"github.com/meridian/claims-engine/benefit"
)

// =============================================================================
// LAYER STATE - accumulator snapshot for one layer
// =============================================================================

type layerState struct {
	Layer benefit.Layer
	Terms benefit.LayerTerms

	UsageKey accumulator.Key
	DedKey   accumulator.Key
	OOPKey   accumulator.Key

	Usage accumulator.Usage
	Ded   accumulator.Usage
	OOP   accumulator.Usage

	// GroupUsed is the combined usage across the shared limit group
	// (including this benefit). Zero value means no shared group.
	GroupUsed decimal.Decimal
	HasGroup  bool
}

// accumKey builds the key for one bucket of one layer of the claim's benefit.
func accumKey(line *ClaimLine, b *benefit.PlanBenefit, terms benefit.LayerTerms, layer benefit.Layer, bucket accumulator.Bucket) accumulator.Key {
	scope := accumulator.ScopeMember
	scopeID := string(line.MemberID)
	if b.Scope == benefit.ScopeFamily && line.FamilyID != "" {
		scope = accumulator.ScopeFamily
		scopeID = string(line.FamilyID)
	}
	return accumulator.Key{
		Scope:   scope,
		ScopeID: scopeID,
		Plan:    b.PlanID,
		Code:    line.BenefitCode,
		Period:  benefit.PeriodRef(terms.LimitBasis, line.ServiceDate, line.IncidentID),
		Layer:   layer,
		Bucket:  bucket,
	}
}

// loadLayerStates snapshots accumulator state for every applicable layer,
// in the member's precedence order.
func loadLayerStates(ctx context.Context, accums accumulator.Store, line *ClaimLine, res *benefit.Resolution) ([]layerState, error) {
	var states []layerState
	seen := map[benefit.Layer]bool{}

	for _, a := range res.Layers {
		if seen[a.Layer] {
			continue
		}
		seen[a.Layer] = true

		terms := res.Benefit.Terms(a.Layer)
		if terms == nil {
			continue // benefit not applicable to this layer
		}

		st := layerState{
			Layer:    a.Layer,
			Terms:    *terms,
			UsageKey: accumKey(line, &res.Benefit, *terms, a.Layer, accumulator.BucketUsage),
			DedKey:   accumKey(line, &res.Benefit, *terms, a.Layer, accumulator.BucketDeductible),
			OOPKey:   accumKey(line, &res.Benefit, *terms, a.Layer, accumulator.BucketOutOfPocket),
		}

		var err error
		if st.Usage, err = accums.Get(ctx, st.UsageKey); err != nil {
			return nil, err
		}
		if st.Ded, err = accums.Get(ctx, st.DedKey); err != nil {
			return nil, err
		}
		if st.OOP, err = accums.Get(ctx, st.OOPKey); err != nil {
			return nil, err
		}

		// Shared limit group: derived read across all member benefit codes
		// in the group, own code included.
		if len(res.GroupCodes) > 0 {
			keys := make([]accumulator.Key, 0, len(res.GroupCodes))
			for _, code := range res.GroupCodes {
				k := st.UsageKey
				k.Code = code
				keys = append(keys, k)
			}
			used, err := accumulator.GroupUsed(ctx, accums, keys)
			if err != nil {
				return nil, err
			}
			st.GroupUsed = used
			st.HasGroup = true
		}

		states = append(states, st)
	}
	return states, nil
}

// =============================================================================
// LAYER COMPUTATION - pure
// =============================================================================

type layerOutcome struct {
	Layer      benefit.Layer
	Scheduled  decimal.Decimal // covered charge under this layer
	Deductible decimal.Decimal
	Coins      decimal.Decimal
	Payer      decimal.Decimal // Scheduled - Deductible - Coins
	QtyUsed    int64
}

type layeringOutcome struct {
	Layers   []layerOutcome
	Residual decimal.Decimal // charge both layers refused (limit-driven)

	ScheduledAllowed decimal.Decimal
	Deductible       decimal.Decimal
	Coins            decimal.Decimal
	ILPortion        decimal.Decimal
	ACPortion        decimal.Decimal
	Payer            decimal.Decimal

	Deltas  []accumulator.Delta
	Reasons []string
}

// computeLayers runs pipeline steps 2-5 over pre-loaded state: scheduled
// allowed (honoring shared limit groups and quantity caps), deductible,
// coinsurance, in IL-then-AC order. Residual from limit exhaustion - never
// from cost sharing - flows to the next layer.
func computeLayers(line *ClaimLine, states []layerState, charge decimal.Decimal) layeringOutcome {
	out := layeringOutcome{
		ScheduledAllowed: decimal.Zero,
		Deductible:       decimal.Zero,
		Coins:            decimal.Zero,
		ILPortion:        decimal.Zero,
		ACPortion:        decimal.Zero,
		Payer:            decimal.Zero,
	}

	remaining := charge
	for _, st := range states {
		if !remaining.IsPositive() {
			break
		}

		lo := computeOneLayer(line, st, remaining)
		out.Layers = append(out.Layers, lo)

		out.ScheduledAllowed = out.ScheduledAllowed.Add(lo.Scheduled)
		out.Deductible = out.Deductible.Add(lo.Deductible)
		out.Coins = out.Coins.Add(lo.Coins)
		out.Payer = out.Payer.Add(lo.Payer)
		switch st.Layer {
		case benefit.LayerIL:
			out.ILPortion = out.ILPortion.Add(lo.Payer)
		case benefit.LayerAC:
			out.ACPortion = out.ACPortion.Add(lo.Payer)
		}

		// Accumulators bump independently per layer; deltas carry the
		// versions read so a concurrent writer is detected at commit.
		if lo.Scheduled.IsPositive() || lo.QtyUsed != 0 {
			v := st.Usage.Version
			out.Deltas = append(out.Deltas, accumulator.Delta{
				Key: st.UsageKey, Amount: lo.Scheduled, Qty: lo.QtyUsed, Expect: &v,
			})
		}
		if lo.Deductible.IsPositive() {
			v := st.Ded.Version
			out.Deltas = append(out.Deltas, accumulator.Delta{
				Key: st.DedKey, Amount: lo.Deductible, Expect: &v,
			})
		}
		if lo.Coins.IsPositive() {
			v := st.OOP.Version
			out.Deltas = append(out.Deltas, accumulator.Delta{
				Key: st.OOPKey, Amount: lo.Coins, Expect: &v,
			})
		}

		remaining = remaining.Sub(lo.Scheduled)
	}

	out.Residual = remaining
	if out.Residual.IsPositive() && len(states) > 0 {
		out.Reasons = append(out.Reasons, ReasonLimitExhausted)
	}
	return out
}

func computeOneLayer(line *ClaimLine, st layerState, remaining decimal.Decimal) layerOutcome {
	lo := layerOutcome{
		Layer:      st.Layer,
		Scheduled:  decimal.Zero,
		Deductible: decimal.Zero,
		Coins:      decimal.Zero,
		Payer:      decimal.Zero,
	}

	// Scheduled allowed: min(charge, limit remaining, quantity-capped charge).
	scheduled := remaining

	if !st.Terms.Unlimited() {
		usedForCap := st.Usage.Amount
		if st.HasGroup {
			// The group's combined used-to-date counts against this
			// benefit's individual cap.
			usedForCap = decimal.Max(usedForCap, st.GroupUsed)
		}
		limitRemaining := st.Terms.LimitValue.Sub(usedForCap)
		if limitRemaining.IsNegative() {
			limitRemaining = decimal.Zero
		}
		scheduled = decimal.Min(scheduled, limitRemaining)
	}

	if st.Terms.QtyValue > 0 && line.Quantity > 0 {
		qtyRemaining := st.Terms.QtyValue - st.Usage.Qty
		if qtyRemaining < 0 {
			qtyRemaining = 0
		}
		allowedQty := line.Quantity
		if qtyRemaining < allowedQty {
			allowedQty = qtyRemaining
		}
		lo.QtyUsed = allowedQty
		// Pro-rate the charge to the allowed quantity.
		qtyCapped := remaining.
			Mul(decimal.NewFromInt(allowedQty)).
			Div(decimal.NewFromInt(line.Quantity))
		scheduled = decimal.Min(scheduled, qtyCapped)
	} else {
		lo.QtyUsed = line.Quantity
	}

	if !scheduled.IsPositive() {
		lo.QtyUsed = 0
		return lo
	}
	lo.Scheduled = scheduled

	// Deductible: reduces the payer-side amount first, tracked on its own
	// accumulator key.
	if st.Terms.Deductible.IsPositive() {
		dedRemaining := st.Terms.Deductible.Sub(st.Ded.Amount)
		if dedRemaining.IsPositive() {
			lo.Deductible = decimal.Min(scheduled, dedRemaining)
		}
	}
	post := scheduled.Sub(lo.Deductible)

	// Coinsurance, capped by remaining out-of-pocket max.
	if st.Terms.CoinsurancePct.IsPositive() && post.IsPositive() {
		coins := post.Mul(st.Terms.CoinsurancePct).Div(hundred)
		if st.Terms.OutOfPocketMax.IsPositive() {
			oopRemaining := st.Terms.OutOfPocketMax.Sub(st.OOP.Amount)
			if oopRemaining.IsNegative() {
				oopRemaining = decimal.Zero
			}
			coins = decimal.Min(coins, oopRemaining)
		}
		lo.Coins = coins
	}

	lo.Payer = post.Sub(lo.Coins)
	return lo
}

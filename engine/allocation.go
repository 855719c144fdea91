/*
allocation.go - Multiple-procedure (surgery) allocation

PURPOSE:
  When one claim line carries several surgical procedures, the payer does
  not recognize each at full charge. Procedures are ordered by billed
  amount descending and scaled:

    primary        100% of billed
    secondary       50%
    all subsequent  25%

  Each procedure's scaled charge is then split into surgeon / operating
  theatre / anesthesia components per its surgery class; the recognized
  charge is the sum of components, so a class whose percentages sum below
  100 caps the procedure further. The unrecognized remainder is member
  liability, reported with MULTI_PROCEDURE_REDUCTION.
*/
package engine

import (
	"sort"

	"github.com/shopspring/decimal"
)

var (
	allocScales = []decimal.Decimal{
		decimal.NewFromInt(1),                  // primary
		decimal.NewFromFloat(0.5),              // secondary
		decimal.NewFromFloat(0.25),             // all subsequent
	}
	hundred = decimal.NewFromInt(100)
)

// ProcedureAllocation is the allocation outcome for one procedure.
type ProcedureAllocation struct {
	Code       string
	Billed     decimal.Decimal
	Scale      decimal.Decimal // 1, 0.5 or 0.25
	Surgeon    decimal.Decimal
	Theatre    decimal.Decimal
	Anesthesia decimal.Decimal
	Recognized decimal.Decimal // sum of components
}

// AllocationResult is the claim-level outcome.
type AllocationResult struct {
	Procedures []ProcedureAllocation
	Recognized decimal.Decimal // adjudicable charge
	Reduction  decimal.Decimal // billed - recognized, member liability
}

// AllocateProcedures applies the 100/50/25 ordering rule and the surgery
// class component split. Pure.
func AllocateProcedures(procs []ProcedureLine) AllocationResult {
	ordered := make([]ProcedureLine, len(procs))
	copy(ordered, procs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Billed.GreaterThan(ordered[j].Billed)
	})

	out := AllocationResult{Recognized: decimal.Zero, Reduction: decimal.Zero}
	totalBilled := decimal.Zero

	for i, p := range ordered {
		scale := allocScales[len(allocScales)-1]
		if i < len(allocScales) {
			scale = allocScales[i]
		}
		scaled := p.Billed.Mul(scale)

		alloc := ProcedureAllocation{
			Code:       p.Code,
			Billed:     p.Billed,
			Scale:      scale,
			Surgeon:    scaled.Mul(p.Class.SurgeonPct).Div(hundred),
			Theatre:    scaled.Mul(p.Class.TheatrePct).Div(hundred),
			Anesthesia: scaled.Mul(p.Class.AnesthesiaPct).Div(hundred),
		}
		alloc.Recognized = alloc.Surgeon.Add(alloc.Theatre).Add(alloc.Anesthesia)

		out.Procedures = append(out.Procedures, alloc)
		out.Recognized = out.Recognized.Add(alloc.Recognized)
		totalBilled = totalBilled.Add(p.Billed)
	}

	out.Reduction = totalBilled.Sub(out.Recognized)
	return out
}

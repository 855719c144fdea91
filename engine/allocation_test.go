package engine_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/claims-engine/engine"
)

func fullClass() engine.SurgeryClass {
	return engine.SurgeryClass{
		Name: "general", SurgeonPct: money(60), TheatrePct: money(30), AnesthesiaPct: money(10),
	}
}

func TestAllocateProcedures_OrdersByBilledDescending(t *testing.T) {
	// GIVEN: Procedures listed out of order: 50K, 100K, 20K
	// WHEN: Allocation runs
	// THEN: The 100K procedure is primary (100%), 50K secondary (50%),
	//       20K subsequent (25%)

	out := engine.AllocateProcedures([]engine.ProcedureLine{
		{Code: "P2", Billed: money(50_000), Class: fullClass()},
		{Code: "P1", Billed: money(100_000), Class: fullClass()},
		{Code: "P3", Billed: money(20_000), Class: fullClass()},
	})

	require.Len(t, out.Procedures, 3)
	assert.Equal(t, "P1", out.Procedures[0].Code)
	assert.True(t, out.Procedures[0].Scale.Equal(money(1)))
	assert.Equal(t, "P2", out.Procedures[1].Code)
	assert.True(t, out.Procedures[1].Scale.Equal(decimal.NewFromFloat(0.5)))
	assert.Equal(t, "P3", out.Procedures[2].Code)
	assert.True(t, out.Procedures[2].Scale.Equal(decimal.NewFromFloat(0.25)))

	// 100K + 25K + 5K recognized, 40K reduction against 170K billed.
	assertMoney(t, 130_000, out.Recognized, "recognized")
	assertMoney(t, 40_000, out.Reduction, "reduction")
}

func TestAllocateProcedures_AllSubsequentAtQuarter(t *testing.T) {
	// GIVEN: Five equal procedures
	// WHEN: Allocation runs
	// THEN: Everything past the second scales at 25%

	procs := make([]engine.ProcedureLine, 5)
	for i := range procs {
		procs[i] = engine.ProcedureLine{Code: "P", Billed: money(10_000), Class: fullClass()}
	}
	out := engine.AllocateProcedures(procs)

	// 10K + 5K + 2.5K * 3
	assertMoney(t, 22_500, out.Recognized, "recognized")
	assertMoney(t, 27_500, out.Reduction, "reduction")
}

func TestAllocateProcedures_ClassSplitCapsBelowScale(t *testing.T) {
	// GIVEN: A surgery class whose components sum to 80%
	// WHEN: A single 100K procedure allocates
	// THEN: Only 80K is recognized; the class split shows per component

	out := engine.AllocateProcedures([]engine.ProcedureLine{
		{Code: "P1", Billed: money(100_000), Class: engine.SurgeryClass{
			Name: "minor", SurgeonPct: money(50), TheatrePct: money(20), AnesthesiaPct: money(10),
		}},
	})

	require.Len(t, out.Procedures, 1)
	assertMoney(t, 50_000, out.Procedures[0].Surgeon, "surgeon")
	assertMoney(t, 20_000, out.Procedures[0].Theatre, "theatre")
	assertMoney(t, 10_000, out.Procedures[0].Anesthesia, "anesthesia")
	assertMoney(t, 80_000, out.Recognized, "recognized")
	assertMoney(t, 20_000, out.Reduction, "reduction")
}

func TestAllocateProcedures_Empty(t *testing.T) {
	out := engine.AllocateProcedures(nil)
	assert.True(t, out.Recognized.IsZero())
	assert.True(t, out.Reduction.IsZero())
	assert.Empty(t, out.Procedures)
}

/*
seed.go - Demo dataset loaders for testing and demonstrations

PURPOSE:

	Provides pre-built datasets that populate the database with realistic
	plan configuration for testing and demos. Each seed creates benefits,
	coverage layer assignments and policy funding that demonstrate specific
	engine behaviors.

AVAILABLE SEEDS:

	inpatient-basic: Single IL benefit with a yearly limit and buffer-funded
	                 excess draws
	dual-layer:      IL and AC layers with independent limits
	pending-topup:   ASO-funded excess with an empty pool, for the
	                 pend-then-topup-then-resubmit flow
	surgical:        Surgery benefit exercising multi-procedure allocation
	                 and bed upgrades

USAGE VIA API:

	POST /api/seeds/load
	{"seed_id": "dual-layer"}

NOTE:

	Seeds add configuration rows; they do not clear existing data. Only use
	in development/demo environments.

SEE ALSO:
  - handlers.go: Response helpers
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian/claims-engine/benefit"
	"github.com/meridian/claims-engine/store/sqlite"
)

// SeedDTO describes one demo dataset.
type SeedDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var seeds = []SeedDTO{
	{
		ID:          "inpatient-basic",
		Name:        "Inpatient Basic",
		Description: "IL benefit with a 10M yearly limit; excess drawable from a 5M buffer",
	},
	{
		ID:          "dual-layer",
		Name:        "Dual Layer",
		Description: "IL (5M) and AC (20M) layers with independent limits and coinsurance",
	},
	{
		ID:          "pending-topup",
		Name:        "Pending Top-Up",
		Description: "ASO-funded excess with an empty pool; pend, top up, resubmit",
	},
	{
		ID:          "surgical",
		Name:        "Surgical",
		Description: "Surgery benefit with multi-procedure allocation and bed upgrades",
	},
}

// ListSeeds returns available demo datasets.
func (h *Handler) ListSeeds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, seeds)
}

// LoadSeed loads a predefined dataset.
func (h *Handler) LoadSeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SeedID string `json:"seed_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := ApplySeed(r.Context(), h.Store, req.SeedID); err != nil {
		if errors.Is(err, ErrUnknownSeed) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown seed: %s", req.SeedID), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load seed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"loaded": req.SeedID})
}

// ErrUnknownSeed is returned for seed ids not in the catalog.
var ErrUnknownSeed = errors.New("unknown seed")

// ApplySeed loads one demo dataset into the store. Also used by the
// server's seed subcommand.
func ApplySeed(ctx context.Context, store *sqlite.Store, seedID string) error {
	switch seedID {
	case "inpatient-basic":
		return seedInpatientBasic(ctx, store)
	case "dual-layer":
		return seedDualLayer(ctx, store)
	case "pending-topup":
		return seedPendingTopup(ctx, store)
	case "surgical":
		return seedSurgical(ctx, store)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownSeed, seedID)
	}
}

func seedStart() time.Time {
	return time.Date(time.Now().UTC().Year(), 1, 1, 0, 0, 0, 0, time.UTC)
}

func seedInpatientBasic(ctx context.Context, store *sqlite.Store) error {
	b := benefit.PlanBenefit{
		PlanID:   "plan-inpatient",
		Code:     "INPATIENT_STAY",
		Category: "hospitalization",
		Coverage: benefit.Covered,
		Scope:    benefit.ScopeMember,
		Applies:  benefit.ApplyIL,
		IL: &benefit.LayerTerms{
			LimitBasis: benefit.BasisYear,
			LimitValue: decimal.NewFromInt(10_000_000),
		},
		AllowedChannels: []benefit.Channel{benefit.ChannelInpatient},
		AllowExcessDraw: true,
		Excess:          benefit.ExcessAnyCause,
		BedUpgrade:      benefit.BedUpgradeToMember,
		NonMedical:      benefit.NonMedicalDeny,
		EffectiveFrom:   seedStart(),
		Version:         1,
	}
	if err := store.SaveBenefit(ctx, b); err != nil {
		return err
	}
	if err := store.SaveAssignment(ctx, benefit.MemberCoverageLayer{
		MemberID:      "member-001",
		Layer:         benefit.LayerIL,
		PlanID:        "plan-inpatient",
		Precedence:    1,
		EffectiveFrom: seedStart(),
	}); err != nil {
		return err
	}
	return store.SetBalances(ctx, "policy-001",
		decimal.Zero, decimal.NewFromInt(5_000_000), decimal.Zero)
}

func seedDualLayer(ctx context.Context, store *sqlite.Store) error {
	b := benefit.PlanBenefit{
		PlanID:   "plan-dual",
		Code:     "MAJOR_MEDICAL",
		Category: "hospitalization",
		Coverage: benefit.Covered,
		Scope:    benefit.ScopeMember,
		Applies:  benefit.ApplyBoth,
		IL: &benefit.LayerTerms{
			LimitBasis: benefit.BasisYear,
			LimitValue: decimal.NewFromInt(5_000_000),
		},
		AC: &benefit.LayerTerms{
			LimitBasis:     benefit.BasisYear,
			LimitValue:     decimal.NewFromInt(20_000_000),
			CoinsurancePct: decimal.NewFromInt(10),
		},
		Excess:        benefit.ExcessStandard,
		BedUpgrade:    benefit.BedUpgradeCoinsurance,
		NonMedical:    benefit.NonMedicalMember,
		EffectiveFrom: seedStart(),
		Version:       1,
	}
	if err := store.SaveBenefit(ctx, b); err != nil {
		return err
	}
	for i, layer := range []benefit.Layer{benefit.LayerIL, benefit.LayerAC} {
		if err := store.SaveAssignment(ctx, benefit.MemberCoverageLayer{
			MemberID:      "member-002",
			Layer:         layer,
			PlanID:        "plan-dual",
			Precedence:    i + 1,
			EffectiveFrom: seedStart(),
		}); err != nil {
			return err
		}
	}
	return store.SetBalances(ctx, "policy-002", decimal.Zero, decimal.Zero, decimal.Zero)
}

func seedPendingTopup(ctx context.Context, store *sqlite.Store) error {
	b := benefit.PlanBenefit{
		PlanID:   "plan-aso",
		Code:     "SPECIALIST_CARE",
		Category: "outpatient",
		Coverage: benefit.Covered,
		Scope:    benefit.ScopeMember,
		Applies:  benefit.ApplyIL,
		IL: &benefit.LayerTerms{
			LimitBasis: benefit.BasisYear,
			LimitValue: decimal.NewFromInt(500_000),
		},
		AllowExcessDraw: true,
		Excess:          benefit.ExcessAnyCause,
		BedUpgrade:      benefit.BedUpgradeToMember,
		NonMedical:      benefit.NonMedicalDeny,
		EffectiveFrom:   seedStart(),
		Version:         1,
	}
	if err := store.SaveBenefit(ctx, b); err != nil {
		return err
	}
	if err := store.SaveAssignment(ctx, benefit.MemberCoverageLayer{
		MemberID:      "member-003",
		Layer:         benefit.LayerIL,
		PlanID:        "plan-aso",
		Precedence:    1,
		EffectiveFrom: seedStart(),
	}); err != nil {
		return err
	}
	// Empty pools: an excess draw pends with INSUFFICIENT_ASO_FUNDS until
	// POST /api/policies/policy-003/funding/topup deposits into "aso".
	return store.SetBalances(ctx, "policy-003", decimal.Zero, decimal.Zero, decimal.Zero)
}

func seedSurgical(ctx context.Context, store *sqlite.Store) error {
	b := benefit.PlanBenefit{
		PlanID:   "plan-surgical",
		Code:     "SURGERY",
		Category: "surgical",
		Coverage: benefit.Covered,
		Scope:    benefit.ScopeMember,
		Applies:  benefit.ApplyBoth,
		IL: &benefit.LayerTerms{
			LimitBasis: benefit.BasisIncident,
			LimitValue: decimal.NewFromInt(2_000_000),
		},
		AC: &benefit.LayerTerms{
			LimitBasis:     benefit.BasisYear,
			LimitValue:     decimal.NewFromInt(10_000_000),
			CoinsurancePct: decimal.NewFromInt(20),
		},
		AllowedChannels: []benefit.Channel{benefit.ChannelInpatient},
		Excess:          benefit.ExcessStandard,
		BedUpgrade:      benefit.BedUpgradeAsCharged,
		NonMedical:      benefit.NonMedicalFund,
		EffectiveFrom:   seedStart(),
		Version:         1,
	}
	if err := store.SaveBenefit(ctx, b); err != nil {
		return err
	}
	for i, layer := range []benefit.Layer{benefit.LayerIL, benefit.LayerAC} {
		if err := store.SaveAssignment(ctx, benefit.MemberCoverageLayer{
			MemberID:      "member-004",
			Layer:         layer,
			PlanID:        "plan-surgical",
			Precedence:    i + 1,
			EffectiveFrom: seedStart(),
		}); err != nil {
			return err
		}
	}
	return store.SetBalances(ctx, "policy-004",
		decimal.NewFromInt(1_000_000), decimal.Zero, decimal.NewFromInt(200_000))
}

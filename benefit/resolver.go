/*
resolver.go - Effective-dated benefit lookup and eligibility checks

PURPOSE:
  The Resolver answers one question: for this member, this benefit code,
  this service date and this channel - which benefit terms apply, and in
  which layer order? It is a pure lookup with no side effects; every
  stateful decision happens later in the pipeline.

FAILURE MODES:
  - ErrNotEligible:       no active coverage layer on the service date
  - ErrBenefitNotCovered: benefit exists but coverage_type = not_covered,
                          or the diagnosis is excluded
  - ErrChannelNotAllowed: claim channel not in the plan's allowed channels
  - ErrWaitingPeriod:     coverage active but inside the waiting period
  - ErrBenefitConfig:     configuration is missing or inconsistent for an
                          otherwise-eligible claim (internal, not a denial)
*/
package benefit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotEligible is returned when the member has no active coverage
	// layer on the service date.
	ErrNotEligible = errors.New("member not eligible on service date")

	// ErrBenefitNotCovered is returned when the benefit is configured as
	// not covered, or the claim diagnosis is excluded.
	ErrBenefitNotCovered = errors.New("benefit not covered")

	// ErrChannelNotAllowed is returned when the claim channel mismatches
	// the plan's allowed channels.
	ErrChannelNotAllowed = errors.New("channel not allowed")

	// ErrWaitingPeriod is returned when coverage is active but the waiting
	// period has not elapsed by the service date.
	ErrWaitingPeriod = errors.New("waiting period unmet")

	// ErrBenefitConfig flags missing or inconsistent plan configuration for
	// an otherwise-eligible claim. This is an internal error, distinct from
	// a business denial.
	ErrBenefitConfig = errors.New("inconsistent benefit configuration")
)

// IsDenial reports whether a resolver error is a business denial (as
// opposed to a configuration fault the caller should surface internally).
func IsDenial(err error) bool {
	return errors.Is(err, ErrNotEligible) ||
		errors.Is(err, ErrBenefitNotCovered) ||
		errors.Is(err, ErrChannelNotAllowed) ||
		errors.Is(err, ErrWaitingPeriod)
}

// ConfigError carries detail about inconsistent configuration.
type ConfigError struct {
	PlanID PlanID
	Code   BenefitCode
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("benefit config %s/%s: %s", e.PlanID, e.Code, e.Detail)
}

func (e *ConfigError) Unwrap() error { return ErrBenefitConfig }

// =============================================================================
// PLAN SOURCE - persistence interface the resolver reads from
// =============================================================================

// PlanSource supplies benefit configuration. Implementations: store/sqlite
// for production, Memory below for tests and seeding.
type PlanSource interface {
	// BenefitVersions returns all version rows for a plan+code, any window.
	BenefitVersions(ctx context.Context, plan PlanID, code BenefitCode) ([]PlanBenefit, error)

	// LayerAssignments returns all coverage layer rows for a member.
	LayerAssignments(ctx context.Context, member MemberID) ([]MemberCoverageLayer, error)

	// GroupBenefits returns the benefit codes sharing a limit group under a
	// plan. Used to derive combined group usage across accumulator keys.
	GroupBenefits(ctx context.Context, plan PlanID, group GroupCode) ([]BenefitCode, error)
}

// =============================================================================
// RESOLVER
// =============================================================================

// ResolveInput identifies the claim line being resolved.
type ResolveInput struct {
	MemberID    MemberID
	BenefitCode BenefitCode
	ServiceDate time.Time
	Channel     Channel
	Diagnosis   string
}

// Resolution is the resolver's output: the single effective benefit row and
// the member's layer assignments in precedence order.
type Resolution struct {
	Benefit PlanBenefit
	Layers  []MemberCoverageLayer // ordered by precedence, IL before AC by convention

	// GroupCodes lists the member benefit codes sharing the benefit's limit
	// group (including the benefit itself). Empty when the benefit is not
	// in a shared limit group.
	GroupCodes []BenefitCode
}

// HasLayer reports whether the member holds the given layer.
func (r *Resolution) HasLayer(l Layer) bool {
	for _, a := range r.Layers {
		if a.Layer == l {
			return true
		}
	}
	return false
}

// Resolver performs effective-dated benefit lookup. Pure: no side effects.
type Resolver struct {
	Source PlanSource
}

func NewResolver(src PlanSource) *Resolver {
	return &Resolver{Source: src}
}

// Resolve returns the effective benefit terms and layer order for a claim
// line, or one of the sentinel errors above.
func (r *Resolver) Resolve(ctx context.Context, in ResolveInput) (*Resolution, error) {
	assignments, err := r.Source.LayerAssignments(ctx, in.MemberID)
	if err != nil {
		return nil, fmt.Errorf("load layer assignments: %w", err)
	}

	// Active layers on the service date, ordered by precedence.
	var active []MemberCoverageLayer
	for _, a := range assignments {
		if a.EffectiveAt(in.ServiceDate) {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		return nil, ErrNotEligible
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Precedence < active[j].Precedence
	})

	// All active layers must share one plan; mixed plans on one service
	// date is a configuration fault.
	plan := active[0].PlanID
	for _, a := range active[1:] {
		if a.PlanID != plan {
			return nil, &ConfigError{PlanID: plan, Code: in.BenefitCode,
				Detail: "member holds layers under multiple plans"}
		}
	}

	versions, err := r.Source.BenefitVersions(ctx, plan, in.BenefitCode)
	if err != nil {
		return nil, fmt.Errorf("load benefit versions: %w", err)
	}

	row, err := effectiveVersion(versions, plan, in.BenefitCode, in.ServiceDate)
	if err != nil {
		return nil, err
	}

	if row.Coverage == NotCovered {
		return nil, ErrBenefitNotCovered
	}
	if in.Diagnosis != "" && row.DiagnosisExcluded(in.Diagnosis) {
		return nil, ErrBenefitNotCovered
	}
	if !row.ChannelAllowed(in.Channel) {
		return nil, ErrChannelNotAllowed
	}

	// Waiting period runs from the earliest active assignment start.
	if row.WaitingPeriodDays > 0 {
		start := earliestStart(active)
		if in.ServiceDate.Before(start.AddDate(0, 0, row.WaitingPeriodDays)) {
			return nil, ErrWaitingPeriod
		}
	}

	// Every applicable layer must carry terms.
	for _, l := range []Layer{LayerIL, LayerAC} {
		if row.Applies.Includes(l) && row.Terms(l) == nil {
			return nil, &ConfigError{PlanID: plan, Code: in.BenefitCode,
				Detail: fmt.Sprintf("layer %s applicable but has no terms", l)}
		}
	}

	res := &Resolution{Benefit: *row, Layers: active}

	if row.SharedLimitGroup != "" {
		codes, err := r.Source.GroupBenefits(ctx, plan, row.SharedLimitGroup)
		if err != nil {
			return nil, fmt.Errorf("load limit group %s: %w", row.SharedLimitGroup, err)
		}
		res.GroupCodes = codes
	}

	return res, nil
}

// effectiveVersion picks the single row whose window contains the service
// date. Overlapping windows are a configuration fault; when windows are
// identical the highest version wins.
func effectiveVersion(versions []PlanBenefit, plan PlanID, code BenefitCode, at time.Time) (*PlanBenefit, error) {
	var match *PlanBenefit
	for i := range versions {
		v := &versions[i]
		if !v.EffectiveAt(at) {
			continue
		}
		if match != nil {
			if match.EffectiveFrom.Equal(v.EffectiveFrom) && match.EffectiveTo.Equal(v.EffectiveTo) {
				if v.Version > match.Version {
					match = v
				}
				continue
			}
			return nil, &ConfigError{PlanID: plan, Code: code,
				Detail: "overlapping effective windows"}
		}
		match = v
	}
	if match == nil {
		return nil, ErrBenefitNotCovered
	}
	return match, nil
}

func earliestStart(assignments []MemberCoverageLayer) time.Time {
	start := assignments[0].EffectiveFrom
	for _, a := range assignments[1:] {
		if a.EffectiveFrom.Before(start) {
			start = a.EffectiveFrom
		}
	}
	return start
}

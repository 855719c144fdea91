package benefit

import (
	"context"
	"sync"
)

// =============================================================================
// MEMORY PLAN SOURCE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	benefits    map[benefitKey][]PlanBenefit
	assignments map[MemberID][]MemberCoverageLayer
	groups      map[groupKey][]BenefitCode
}

type benefitKey struct {
	Plan PlanID
	Code BenefitCode
}

type groupKey struct {
	Plan  PlanID
	Group GroupCode
}

func NewMemory() *Memory {
	return &Memory{
		benefits:    make(map[benefitKey][]PlanBenefit),
		assignments: make(map[MemberID][]MemberCoverageLayer),
		groups:      make(map[groupKey][]BenefitCode),
	}
}

// AddBenefit registers a benefit version row and indexes its limit group.
func (m *Memory) AddBenefit(b PlanBenefit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := benefitKey{Plan: b.PlanID, Code: b.Code}
	m.benefits[k] = append(m.benefits[k], b)

	if b.SharedLimitGroup != "" {
		gk := groupKey{Plan: b.PlanID, Group: b.SharedLimitGroup}
		for _, c := range m.groups[gk] {
			if c == b.Code {
				return
			}
		}
		m.groups[gk] = append(m.groups[gk], b.Code)
	}
}

// AddAssignment registers a member coverage layer.
func (m *Memory) AddAssignment(a MemberCoverageLayer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[a.MemberID] = append(m.assignments[a.MemberID], a)
}

func (m *Memory) BenefitVersions(_ context.Context, plan PlanID, code BenefitCode) ([]PlanBenefit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.benefits[benefitKey{Plan: plan, Code: code}]
	out := make([]PlanBenefit, len(rows))
	copy(out, rows)
	return out, nil
}

func (m *Memory) LayerAssignments(_ context.Context, member MemberID) ([]MemberCoverageLayer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.assignments[member]
	out := make([]MemberCoverageLayer, len(rows))
	copy(out, rows)
	return out, nil
}

func (m *Memory) GroupBenefits(_ context.Context, plan PlanID, group GroupCode) ([]BenefitCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	codes := m.groups[groupKey{Plan: plan, Group: group}]
	out := make([]BenefitCode, len(codes))
	copy(out, codes)
	return out, nil
}

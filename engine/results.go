package engine

import (
	"context"
	"sync"

	"github.com/meridian/claims-engine/benefit"
)

// =============================================================================
// MEMORY RESULT STORE - In-memory implementation (for testing/dev)
// =============================================================================

type MemoryResults struct {
	mu      sync.RWMutex
	byClaim map[string][]AdjudicationResult
	// incident index: member/code/incident -> claim line ids with committed money
	incidents map[incidentKey]map[string]bool
}

type incidentKey struct {
	Member   benefit.MemberID
	Code     benefit.BenefitCode
	Incident string
}

func NewMemoryResults() *MemoryResults {
	return &MemoryResults{
		byClaim:   make(map[string][]AdjudicationResult),
		incidents: make(map[incidentKey]map[string]bool),
	}
}

func (m *MemoryResults) Save(_ context.Context, r AdjudicationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byClaim[r.ClaimLineID] = append(m.byClaim[r.ClaimLineID], r)

	// Committed results index under their incident for duplicate detection.
	if r.IncidentID != "" && (r.Status == StatusApproved || r.Status == StatusPartiallyApproved) {
		k := incidentKey{Member: r.MemberID, Code: r.BenefitCode, Incident: r.IncidentID}
		if m.incidents[k] == nil {
			m.incidents[k] = make(map[string]bool)
		}
		m.incidents[k][r.ClaimLineID] = true
	}
	return nil
}

func (m *MemoryResults) Latest(_ context.Context, claimLineID string) (*AdjudicationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs := m.byClaim[claimLineID]
	if len(rs) == 0 {
		return nil, nil
	}
	r := rs[len(rs)-1]
	return &r, nil
}

func (m *MemoryResults) History(_ context.Context, claimLineID string) ([]AdjudicationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs := m.byClaim[claimLineID]
	out := make([]AdjudicationResult, len(rs))
	copy(out, rs)
	return out, nil
}

func (m *MemoryResults) IncidentSeen(_ context.Context, member benefit.MemberID, code benefit.BenefitCode, incidentID, excludeClaimLineID string) (bool, error) {
	if incidentID == "" {
		return false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id := range m.incidents[incidentKey{Member: member, Code: code, Incident: incidentID}] {
		if id != excludeClaimLineID {
			return true, nil
		}
	}
	return false, nil
}

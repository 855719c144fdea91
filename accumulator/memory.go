package accumulator

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	usage   map[Key]Usage
	applied map[string][]AppliedDelta // claim line id -> committed deltas
	voided  map[string]bool
	history map[Key][]AppliedDelta
}

func NewMemory() *Memory {
	return &Memory{
		usage:   make(map[Key]Usage),
		applied: make(map[string][]AppliedDelta),
		voided:  make(map[string]bool),
		history: make(map[Key][]AppliedDelta),
	}
}

func (m *Memory) Get(_ context.Context, key Key) (Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.usage[key]
	if !ok {
		return Usage{Amount: decimal.Zero}, nil
	}
	return u, nil
}

func (m *Memory) Applied(_ context.Context, claimLineID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.applied[claimLineID]
	return ok, nil
}

func (m *Memory) Apply(_ context.Context, claimLineID string, deltas []Delta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.applied[claimLineID]; ok {
		return false, nil
	}

	// Check all version expectations before applying any delta.
	for _, d := range deltas {
		if d.Expect == nil {
			continue
		}
		if actual := m.usage[d.Key].Version; actual != *d.Expect {
			return false, &ConflictError{Key: d.Key, Expected: *d.Expect, Actual: actual}
		}
	}

	record := make([]AppliedDelta, 0, len(deltas))
	for _, d := range deltas {
		m.bump(d.Key, d.Amount, d.Qty)
		ad := AppliedDelta{ClaimLineID: claimLineID, Key: d.Key, Amount: d.Amount, Qty: d.Qty}
		record = append(record, ad)
		m.history[d.Key] = append(m.history[d.Key], ad)
	}
	m.applied[claimLineID] = record
	return true, nil
}

func (m *Memory) Void(_ context.Context, claimLineID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.applied[claimLineID]
	if !ok {
		return false, ErrNotApplied
	}
	if m.voided[claimLineID] {
		return false, nil
	}

	for _, ad := range record {
		m.bump(ad.Key, ad.Amount.Neg(), -ad.Qty)
		m.history[ad.Key] = append(m.history[ad.Key], AppliedDelta{
			ClaimLineID: claimLineID, Key: ad.Key, Amount: ad.Amount.Neg(), Qty: -ad.Qty,
		})
	}
	m.voided[claimLineID] = true
	return true, nil
}

func (m *Memory) DeltaHistory(_ context.Context, key Key) ([]AppliedDelta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AppliedDelta, len(m.history[key]))
	copy(out, m.history[key])
	return out, nil
}

func (m *Memory) bump(key Key, amount decimal.Decimal, qty int64) {
	u := m.usage[key]
	u.Amount = u.Amount.Add(amount)
	u.Qty += qty
	u.Version++
	m.usage[key] = u
}

package fund

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian/claims-engine/benefit"
)

// =============================================================================
// MEMORY LEDGER - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.Mutex
	balances     map[benefit.PolicyID]*Balances
	reservations map[string]*Reservation
	committed    map[string][]committedDraw // claim line id -> draws
	refunded     map[string]bool
}

type committedDraw struct {
	Policy benefit.PolicyID
	Fund   Fund
	Amount decimal.Decimal
}

func NewMemory() *Memory {
	return &Memory{
		balances:     make(map[benefit.PolicyID]*Balances),
		reservations: make(map[string]*Reservation),
		committed:    make(map[string][]committedDraw),
		refunded:     make(map[string]bool),
	}
}

// SetBalances seeds a policy funding row.
func (m *Memory) SetBalances(policy benefit.PolicyID, aso, buffer, nonBenefit decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[policy] = &Balances{
		PolicyID: policy, ASO: aso, Buffer: buffer, NonBenefit: nonBenefit,
	}
}

func (m *Memory) Balances(_ context.Context, policy benefit.PolicyID) (Balances, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[policy]
	if !ok {
		return Balances{}, ErrUnknownPolicy
	}
	return *b, nil
}

func (m *Memory) Reserve(_ context.Context, policy benefit.PolicyID, claimLineID string, amount decimal.Decimal, allowed []Fund) (*Reservation, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[policy]
	if !ok {
		return nil, ErrUnknownPolicy
	}

	res := &Reservation{
		ID:          uuid.NewString(),
		PolicyID:    policy,
		ClaimLineID: claimLineID,
		Granted:     decimal.Zero,
	}

	remaining := amount
	shortfallSeen := false
	for _, f := range allowed {
		if remaining.IsZero() {
			break
		}
		avail := b.Of(f)
		grant := decimal.Min(avail, remaining)
		if grant.LessThan(remaining) && !shortfallSeen {
			// Highest-priority fund that could not absorb the remainder.
			res.ShortfallFund = f
			shortfallSeen = true
		}
		if grant.IsPositive() {
			m.debit(b, f, grant)
			res.Draws = append(res.Draws, Draw{Fund: f, Amount: grant})
			res.Granted = res.Granted.Add(grant)
			remaining = remaining.Sub(grant)
		}
	}
	res.Shortfall = remaining
	if res.Shortfall.IsZero() {
		res.ShortfallFund = ""
	}

	m.reservations[res.ID] = res
	return res, nil
}

func (m *Memory) Commit(_ context.Context, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	delete(m.reservations, reservationID)

	// Money already left the pools at reserve time; record the draws so a
	// void can return them.
	for _, d := range res.Draws {
		m.committed[res.ClaimLineID] = append(m.committed[res.ClaimLineID], committedDraw{
			Policy: res.PolicyID, Fund: d.Fund, Amount: d.Amount,
		})
	}
	return nil
}

func (m *Memory) Release(_ context.Context, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	delete(m.reservations, reservationID)

	b := m.balances[res.PolicyID]
	for _, d := range res.Draws {
		m.credit(b, d.Fund, d.Amount)
	}
	return nil
}

func (m *Memory) Deposit(_ context.Context, policy benefit.PolicyID, f Fund, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[policy]
	if !ok {
		b = &Balances{PolicyID: policy}
		m.balances[policy] = b
	}
	m.credit(b, f, amount)
	return nil
}

func (m *Memory) Refund(_ context.Context, claimLineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refunded[claimLineID] {
		return nil
	}
	draws := m.committed[claimLineID]
	for _, d := range draws {
		if b, ok := m.balances[d.Policy]; ok {
			m.credit(b, d.Fund, d.Amount)
		}
	}
	if len(draws) > 0 {
		m.refunded[claimLineID] = true
	}
	return nil
}

func (m *Memory) debit(b *Balances, f Fund, amount decimal.Decimal) {
	m.adjust(b, f, amount.Neg())
}

func (m *Memory) credit(b *Balances, f Fund, amount decimal.Decimal) {
	m.adjust(b, f, amount)
}

func (m *Memory) adjust(b *Balances, f Fund, delta decimal.Decimal) {
	switch f {
	case ASO:
		b.ASO = b.ASO.Add(delta)
	case Buffer:
		b.Buffer = b.Buffer.Add(delta)
	case NonBenefit:
		b.NonBenefit = b.NonBenefit.Add(delta)
	}
	b.Version++
}

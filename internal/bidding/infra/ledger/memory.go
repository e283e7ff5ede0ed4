package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type reservationState int

const (
	held reservationState = iota
	released
	captured
)

type reservation struct {
	bidderID uuid.UUID
	amount   decimal.Decimal
	state    reservationState
}

// Memory is an in-process token ledger. It backs local runs without LEDGER_URL and the tests.
// Reserve moves tokens from available to held, Release gives them back, Capture consumes them.
type Memory struct {
	mu           sync.Mutex
	available    map[uuid.UUID]decimal.Decimal
	reservations map[string]*reservation
}

func NewMemory() *Memory {
	return &Memory{
		available:    make(map[uuid.UUID]decimal.Decimal),
		reservations: make(map[string]*reservation),
	}
}

// Deposit credits a student's available balance.
func (m *Memory) Deposit(bidderID uuid.UUID, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available[bidderID] = m.available[bidderID].Add(amount)
}

// Balance is what the student can still reserve.
func (m *Memory) Balance(bidderID uuid.UUID) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available[bidderID]
}

// Held sums the reservations of a student that were neither released nor captured.
func (m *Memory) Held(bidderID uuid.UUID) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, r := range m.reservations {
		if r.bidderID == bidderID && r.state == held {
			total = total.Add(r.amount)
		}
	}
	return total
}

// Reserve is idempotent per reservation id.
func (m *Memory) Reserve(ctx context.Context, reservationID string, bidderID uuid.UUID, amount decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.reservations[reservationID]; ok {
		if r.bidderID == bidderID && r.amount.Equal(amount) && r.state == held {
			return nil
		}
		return fmt.Errorf("ledger: reservation %s already used", reservationID)
	}
	if m.available[bidderID].LessThan(amount) {
		return fmt.Errorf("%w: available %s, requested %s", domain.ErrInsufficientFunds, m.available[bidderID], amount)
	}
	m.available[bidderID] = m.available[bidderID].Sub(amount)
	m.reservations[reservationID] = &reservation{bidderID: bidderID, amount: amount, state: held}
	return nil
}

func (m *Memory) Release(ctx context.Context, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[reservationID]
	if !ok || r.state != held {
		return nil
	}
	r.state = released
	m.available[r.bidderID] = m.available[r.bidderID].Add(r.amount)
	return nil
}

func (m *Memory) Capture(ctx context.Context, reservationID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[reservationID]
	if !ok {
		return fmt.Errorf("%w: unknown reservation %s", domain.ErrSettlementFailed, reservationID)
	}
	switch r.state {
	case captured:
		return nil
	case released:
		return fmt.Errorf("%w: reservation %s was released", domain.ErrSettlementFailed, reservationID)
	}
	r.state = captured
	return nil
}

package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/bidding/infra/ledger"
	"github.com/cristianortiz/biddingEngine/internal/bidding/infra/repository/memory"
	"github.com/cristianortiz/biddingEngine/internal/bidding/infra/repository/storetest"
	"github.com/cristianortiz/biddingEngine/internal/shared/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store *memory.ItemStore
	// mem is nil when the test supplies its own ledger
	mem   *ledger.Memory
	clock *clock.Manual
	uc    UseCases
}

func newFixture(t *testing.T, l domain.Ledger, events domain.EventPublisher, opts BidOptions) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.NewItemStore(),
		clock: clock.NewManual(storetest.Base.Add(time.Minute)),
	}
	if l == nil {
		f.mem = ledger.NewMemory()
		l = f.mem
	}
	f.uc = NewUseCases(f.store, l, events, f.clock, opts, LifecycleOptions{
		SweepConcurrency: 4,
		SettlementGrace:  time.Minute,
		LedgerTimeout:    time.Second,
	})
	return f
}

func (f *fixture) activeAuction(t *testing.T) *domain.Item {
	t.Helper()
	return f.activate(t, storetest.NewAuction(t, uuid.New()))
}

func (f *fixture) activeContract(t *testing.T) *domain.Item {
	t.Helper()
	return f.activate(t, storetest.NewContract(t, uuid.New()))
}

func (f *fixture) activate(t *testing.T, item *domain.Item) *domain.Item {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, item))
	active, err := f.store.Transition(ctx, item.ID, domain.Transition{From: domain.StatusDraft, To: domain.StatusActive, At: storetest.Base})
	require.NoError(t, err)
	return active
}

// bidder returns a new student holding balance tokens at the in-memory ledger.
func (f *fixture) bidder(balance int64) uuid.UUID {
	id := uuid.New()
	if f.mem != nil {
		f.mem.Deposit(id, dec(balance))
	}
	return id
}

func (f *fixture) bid(ctx context.Context, itemID, bidderID uuid.UUID, amount int64) (*domain.Bid, error) {
	return f.uc.PlaceBid.Execute(ctx, PlaceBidDTO{ItemID: itemID, BidderID: bidderID, Amount: dec(amount)})
}

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// eventLog records published events, it backs gomock publishers through DoAndReturn.
type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) record(_ context.Context, e domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) types() []domain.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

// barrierLedger holds every Reserve until n of them are in flight at once.
type barrierLedger struct {
	*ledger.Memory
	arrived sync.WaitGroup
}

func newBarrierLedger(n int) *barrierLedger {
	b := &barrierLedger{Memory: ledger.NewMemory()}
	b.arrived.Add(n)
	return b
}

func (b *barrierLedger) Reserve(ctx context.Context, reservationID string, bidderID uuid.UUID, amount decimal.Decimal) error {
	b.arrived.Done()
	b.arrived.Wait()
	return b.Memory.Reserve(ctx, reservationID, bidderID, amount)
}

package domain

//go:generate mockgen -destination=mocks/mock_interfaces.go -package=mocks github.com/cristianortiz/biddingEngine/internal/bidding/domain Ledger,EventPublisher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Snapshot is the optimistic read the admission protocol validates against.
type Snapshot struct {
	Item      *Item
	LatestBid *Bid
}

// Transition is a lifecycle move guarded by the expected current status.
type Transition struct {
	From ItemStatus
	To   ItemStatus
	At   time.Time
}

// ItemFilter narrows List; zero values mean "any".
type ItemFilter struct {
	Status    ItemStatus
	Kind      ItemKind
	CreatorID *uuid.UUID
	Limit     int
	Offset    int
}

// ItemStore is the single source of truth for items and their bid logs.
// Every mutation is a compare-and-set against the stored state, no lock is held by callers.
type ItemStore interface {
	Create(ctx context.Context, item *Item) error
	Get(ctx context.Context, id uuid.UUID) (*Item, error)
	Snapshot(ctx context.Context, id uuid.UUID) (*Snapshot, error)

	// AppendBid admits an auction bid only if CurrentPrice still equals expectedPrice.
	AppendBid(ctx context.Context, id uuid.UUID, bid *Bid, expectedPrice decimal.Decimal) (*Item, error)
	// AppendContractBid admits a PENDING contract bid while the item is ACTIVE.
	AppendContractBid(ctx context.Context, id uuid.UUID, bid *Bid) (*Item, error)
	// AcceptBid accepts one PENDING contract bid, rejects its siblings and completes the item.
	AcceptBid(ctx context.Context, id, bidID uuid.UUID, at time.Time) (*Item, error)
	Transition(ctx context.Context, id uuid.UUID, tr Transition) (*Item, error)

	UpdateDraft(ctx context.Context, item *Item) (*Item, error)
	DeleteDraft(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, filter ItemFilter) ([]*Item, error)
	Bids(ctx context.Context, id uuid.UUID) ([]*Bid, error)

	DueForActivation(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	DueForClose(ctx context.Context, now time.Time) ([]uuid.UUID, error)

	SettlementCandidates(ctx context.Context, staleBefore time.Time) ([]*Item, error)
	ClaimSettlement(ctx context.Context, id uuid.UUID, expectedAttempts int, at time.Time) (*Item, error)
	RecordSettlement(ctx context.Context, id uuid.UUID, state SettlementState, errMsg string, at time.Time) (*Item, error)
}

// Ledger is the external token ledger. Reservation ids are minted by the caller
// so a timed out Reserve can still be released.
type Ledger interface {
	Reserve(ctx context.Context, reservationID string, bidderID uuid.UUID, amount decimal.Decimal) error
	// Release must be idempotent, releasing an unknown or settled reservation is not an error.
	Release(ctx context.Context, reservationID string) error
	Capture(ctx context.Context, reservationID string) error
}

// EventPublisher receives lifecycle and bid events, delivery is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BidStatus is stored for contract bids and derived for auction bids.
type BidStatus string

const (
	BidPending    BidStatus = "PENDING"
	BidAccepted   BidStatus = "ACCEPTED"
	BidRejected   BidStatus = "REJECTED"
	BidActive     BidStatus = "ACTIVE"
	BidSuperseded BidStatus = "SUPERSEDED"
)

// Bid represents an individual admitted bid, it is an entity inside the Item aggregate.
type Bid struct {
	ID       uuid.UUID
	ItemID   uuid.UUID
	BidderID uuid.UUID
	Amount   decimal.Decimal
	Comment  string
	Status   BidStatus
	// Seq is assigned by the store, strictly increasing per item.
	Seq           int64
	ReservationID string
	CreatedAt     time.Time
}

// NewBid creates a new Bid instance, Seq is left for the store.
func NewBid(id, itemID, bidderID uuid.UUID, amount decimal.Decimal, createdAt time.Time) *Bid {
	return &Bid{
		ID:        id,
		ItemID:    itemID,
		BidderID:  bidderID,
		Amount:    amount,
		CreatedAt: createdAt,
	}
}

func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	cp := *b
	return &cp
}

// DeriveAuctionStatuses marks the last bid of an auction log ACTIVE and the rest SUPERSEDED.
// bids must be ordered by Seq.
func DeriveAuctionStatuses(bids []*Bid) {
	for i, b := range bids {
		if i == len(bids)-1 {
			b.Status = BidActive
		} else {
			b.Status = BidSuperseded
		}
	}
}

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventBidAdmitted      EventType = "bid_admitted"
	EventItemActivated    EventType = "item_activated"
	EventItemClosed       EventType = "item_closed"
	EventItemCancelled    EventType = "item_cancelled"
	EventContractAccepted EventType = "contract_accepted"
)

// Event is what the notification subsystem consumes.
type Event struct {
	EventID    uuid.UUID        `json:"event_id"`
	Type       EventType        `json:"type"`
	ItemID     uuid.UUID        `json:"item_id"`
	ItemKind   ItemKind         `json:"item_kind"`
	ActorID    *uuid.UUID       `json:"actor_id,omitempty"`
	BidID      *uuid.UUID       `json:"bid_id,omitempty"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Status     ItemStatus       `json:"status"`
	WinnerID   *uuid.UUID       `json:"winner_id,omitempty"`
	Price      decimal.Decimal  `json:"current_price"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// NewItemEvent fills the fields every event carries from the resulting item state.
func NewItemEvent(typ EventType, item *Item, actorID *uuid.UUID, at time.Time) Event {
	return Event{
		EventID:    uuid.New(),
		Type:       typ,
		ItemID:     item.ID,
		ItemKind:   item.Kind,
		ActorID:    cloneID(actorID),
		Status:     item.Status,
		WinnerID:   cloneID(item.WinnerID),
		Price:      item.CurrentPrice,
		OccurredAt: at,
	}
}

// WithBid attaches the bid that produced the event.
func (e Event) WithBid(bid *Bid) Event {
	id := bid.ID
	amount := bid.Amount
	e.BidID = &id
	e.Amount = &amount
	return e
}

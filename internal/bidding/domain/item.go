package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ItemKind distinguishes ascending auctions from contracts.
type ItemKind string

const (
	KindAuction  ItemKind = "auction"
	KindContract ItemKind = "contract"
)

// ItemStatus represents the lifecycle state of an item.
type ItemStatus string

const (
	StatusDraft     ItemStatus = "DRAFT"
	StatusActive    ItemStatus = "ACTIVE"
	StatusCompleted ItemStatus = "COMPLETED"
	StatusCancelled ItemStatus = "CANCELLED"
)

// IsTerminal reports whether no transition may leave the status.
func (s ItemStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// SettlementState tracks the ledger side of a closed item.
type SettlementState string

const (
	SettlementNone    SettlementState = "none"
	SettlementPending SettlementState = "pending"
	SettlementSettled SettlementState = "settled"
	SettlementFailed  SettlementState = "failed"
)

// Item is a lot or a contract. The store owns it, everybody else works on copies.
type Item struct {
	ID           uuid.UUID
	Kind         ItemKind
	Title        string
	Description  string
	BasePrice    decimal.Decimal
	MinIncrement decimal.Decimal // auctions
	MinBid       decimal.Decimal // contracts
	CurrentPrice decimal.Decimal
	StartTime    time.Time
	EndTime      time.Time
	Status       ItemStatus
	CreatorID    uuid.UUID

	// provisional winner while the auction runs
	LeaderID     *uuid.UUID
	LeadingBidID *uuid.UUID

	WinnerID     *uuid.UUID
	WinningBidID *uuid.UUID

	BidCount int
	LastSeq  int64
	Version  int64

	Settlement         SettlementState
	SettlementError    string
	SettlementAttempts int

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// Amounts are stored as NUMERIC(20, 4).
const (
	AmountScale     = 4
	amountIntDigits = 16
)

var maxAmount = decimal.New(1, amountIntDigits)

// CheckAmount reports an amount the stores cannot keep exactly: more than
// AmountScale decimal places or more than 16 integer digits.
func CheckAmount(field string, amount decimal.Decimal) *FieldError {
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return &FieldError{Field: field, Error: "must have at most 4 decimal places"}
	}
	if amount.Abs().GreaterThanOrEqual(maxAmount) {
		return &FieldError{Field: field, Error: "is too large"}
	}
	return nil
}

// ItemSpec is the administrator input for a new or edited item.
type ItemSpec struct {
	Kind         ItemKind
	Title        string
	Description  string
	BasePrice    decimal.Decimal
	MinIncrement decimal.Decimal
	MinBid       decimal.Decimal
	StartTime    time.Time
	EndTime      time.Time
}

// Validate checks the ItemSpec without touching any state.
func (s ItemSpec) Validate() error {
	var flds []FieldError
	if strings.TrimSpace(s.Title) == "" {
		flds = append(flds, FieldError{Field: "title", Error: "this field is required"})
	}
	if !s.EndTime.After(s.StartTime) {
		flds = append(flds, FieldError{Field: "end_time", Error: "must be after start_time"})
	}
	if !s.BasePrice.IsPositive() {
		flds = append(flds, FieldError{Field: "base_price", Error: "must be positive"})
	}
	for _, a := range []struct {
		field  string
		amount decimal.Decimal
	}{{"base_price", s.BasePrice}, {"min_increment", s.MinIncrement}, {"min_bid", s.MinBid}} {
		if fe := CheckAmount(a.field, a.amount); fe != nil {
			flds = append(flds, *fe)
		}
	}
	switch s.Kind {
	case KindAuction:
		if !s.MinIncrement.IsPositive() {
			flds = append(flds, FieldError{Field: "min_increment", Error: "must be positive"})
		}
	case KindContract:
		if !s.MinBid.IsPositive() {
			flds = append(flds, FieldError{Field: "min_bid", Error: "must be positive"})
		} else if s.MinBid.GreaterThan(s.BasePrice) {
			flds = append(flds, FieldError{Field: "min_bid", Error: "must not exceed base_price"})
		}
	default:
		flds = append(flds, FieldError{Field: "kind", Error: "must be auction or contract"})
	}
	if len(flds) > 0 {
		return NewValidationError(flds...)
	}
	return nil
}

// NewItem builds a DRAFT item from a validated spec.
func NewItem(id, creatorID uuid.UUID, spec ItemSpec, now time.Time) (*Item, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	item := &Item{
		ID:         id,
		CreatorID:  creatorID,
		Status:     StatusDraft,
		Settlement: SettlementNone,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	item.ApplySpec(spec)
	return item, nil
}

// ApplySpec overwrites the editable fields. Only meaningful on drafts.
func (it *Item) ApplySpec(spec ItemSpec) {
	it.Kind = spec.Kind
	it.Title = strings.TrimSpace(spec.Title)
	it.Description = spec.Description
	it.BasePrice = spec.BasePrice
	it.CurrentPrice = spec.BasePrice
	it.StartTime = spec.StartTime
	it.EndTime = spec.EndTime
	it.MinIncrement = decimal.Zero
	it.MinBid = decimal.Zero
	if spec.Kind == KindAuction {
		it.MinIncrement = spec.MinIncrement
	} else {
		it.MinBid = spec.MinBid
	}
}

// AcceptsBidsAt reports whether a bid created at now falls inside the bidding window.
func (it *Item) AcceptsBidsAt(now time.Time) bool {
	return it.Status == StatusActive && now.Before(it.EndTime)
}

// MinimumNextBid is the lowest amount a new bid must carry.
func (it *Item) MinimumNextBid() decimal.Decimal {
	if it.Kind == KindContract {
		return it.MinBid
	}
	return it.CurrentPrice.Add(it.MinIncrement)
}

// IsDueForActivation reports whether a draft has reached its start time.
func (it *Item) IsDueForActivation(now time.Time) bool {
	return it.Status == StatusDraft && !now.Before(it.StartTime)
}

// IsDueForClose reports whether an active item has reached its deadline.
func (it *Item) IsDueForClose(now time.Time) bool {
	return it.Status == StatusActive && !now.Before(it.EndTime)
}

// TimeRemaining is zero once the deadline passed or the item left ACTIVE.
func (it *Item) TimeRemaining(now time.Time) time.Duration {
	if it.Status != StatusActive || !now.Before(it.EndTime) {
		return 0
	}
	return it.EndTime.Sub(now)
}

// Clone returns a deep copy so callers never share pointers with the store.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	cp := *it
	cp.LeaderID = cloneID(it.LeaderID)
	cp.LeadingBidID = cloneID(it.LeadingBidID)
	cp.WinnerID = cloneID(it.WinnerID)
	cp.WinningBidID = cloneID(it.WinningBidID)
	if it.ClosedAt != nil {
		t := *it.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

func cloneID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// CanTransition encodes the lifecycle state machine.
func CanTransition(from, to ItemStatus) bool {
	switch from {
	case StatusDraft:
		return to == StatusActive || to == StatusCancelled
	case StatusActive:
		return to == StatusCompleted || to == StatusCancelled
	default:
		return false
	}
}

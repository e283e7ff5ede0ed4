package application

import (
	"context"
	"fmt"
	"time"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/shared/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ItemStateDTO is the output DTO for exposing item state to REST and WS clients
type ItemStateDTO struct {
	ItemID          uuid.UUID              `json:"item_id"`
	Kind            domain.ItemKind        `json:"kind"`
	Title           string                 `json:"title"`
	Description     string                 `json:"description"`
	Status          domain.ItemStatus      `json:"status"`
	BasePrice       decimal.Decimal        `json:"base_price"`
	CurrentPrice    decimal.Decimal        `json:"current_price"`
	MinIncrement    *decimal.Decimal       `json:"min_increment,omitempty"`
	MinBid          *decimal.Decimal       `json:"min_bid,omitempty"`
	MinimumNextBid  *decimal.Decimal       `json:"minimum_next_bid,omitempty"`
	StartTime       time.Time              `json:"start_time"`
	EndTime         time.Time              `json:"end_time"`
	TimeRemainingMs int64                  `json:"time_remaining_ms"`
	BidCount        int                    `json:"bid_count"`
	LeaderID        *uuid.UUID             `json:"leader_id,omitempty"`
	WinnerID        *uuid.UUID             `json:"winner_id,omitempty"`
	WinningBidID    *uuid.UUID             `json:"winning_bid_id,omitempty"`
	CreatorID       uuid.UUID              `json:"creator_id"`
	Settlement      domain.SettlementState `json:"settlement"`
	SettlementError string                 `json:"settlement_error,omitempty"`
	Halted          bool                   `json:"halted,omitempty"`
	Version         int64                  `json:"version"`
	CreatedAt       time.Time              `json:"created_at"`
	ClosedAt        *time.Time             `json:"closed_at,omitempty"`
}

// BidDTO is one entry of an item's bid history.
type BidDTO struct {
	BidID     uuid.UUID        `json:"bid_id"`
	ItemID    uuid.UUID        `json:"item_id"`
	BidderID  uuid.UUID        `json:"bidder_id"`
	Amount    decimal.Decimal  `json:"amount"`
	Comment   string           `json:"comment,omitempty"`
	Status    domain.BidStatus `json:"status"`
	Seq       int64            `json:"seq"`
	CreatedAt time.Time        `json:"created_at"`
}

// NewItemStateDTO renders item as seen at now.
func NewItemStateDTO(item *domain.Item, now time.Time, halted bool) *ItemStateDTO {
	dto := &ItemStateDTO{
		ItemID:          item.ID,
		Kind:            item.Kind,
		Title:           item.Title,
		Description:     item.Description,
		Status:          item.Status,
		BasePrice:       item.BasePrice,
		CurrentPrice:    item.CurrentPrice,
		StartTime:       item.StartTime,
		EndTime:         item.EndTime,
		TimeRemainingMs: item.TimeRemaining(now).Milliseconds(),
		BidCount:        item.BidCount,
		LeaderID:        item.LeaderID,
		WinnerID:        item.WinnerID,
		WinningBidID:    item.WinningBidID,
		CreatorID:       item.CreatorID,
		Settlement:      item.Settlement,
		SettlementError: item.SettlementError,
		Halted:          halted,
		Version:         item.Version,
		CreatedAt:       item.CreatedAt,
		ClosedAt:        item.ClosedAt,
	}
	if item.Kind == domain.KindAuction {
		inc := item.MinIncrement
		dto.MinIncrement = &inc
	} else {
		minBid := item.MinBid
		dto.MinBid = &minBid
	}
	// only meaningful while bids are accepted
	if item.AcceptsBidsAt(now) {
		next := item.MinimumNextBid()
		dto.MinimumNextBid = &next
	}
	return dto
}

func NewBidDTO(b *domain.Bid) BidDTO {
	return BidDTO{
		BidID:     b.ID,
		ItemID:    b.ItemID,
		BidderID:  b.BidderID,
		Amount:    b.Amount,
		Comment:   b.Comment,
		Status:    b.Status,
		Seq:       b.Seq,
		CreatedAt: b.CreatedAt,
	}
}

// GetItemStateUseCase retrieves the current state of an item.
type GetItemStateUseCase struct {
	store domain.ItemStore
	clock clock.Clock
	halts *HaltRegistry
}

func NewGetItemStateUseCase(store domain.ItemStore, clk clock.Clock, halts *HaltRegistry) *GetItemStateUseCase {
	return &GetItemStateUseCase{store: store, clock: clk, halts: halts}
}

func (uc *GetItemStateUseCase) Execute(ctx context.Context, itemID uuid.UUID) (*ItemStateDTO, error) {
	item, err := uc.store.Get(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("get item state: %w", err)
	}
	return NewItemStateDTO(item, uc.clock.Now(), uc.halts.IsHalted(item.ID)), nil
}

// QueryService serves listings and bid histories.
type QueryService struct {
	store domain.ItemStore
	clock clock.Clock
	halts *HaltRegistry
}

func NewQueryService(store domain.ItemStore, clk clock.Clock, halts *HaltRegistry) *QueryService {
	return &QueryService{store: store, clock: clk, halts: halts}
}

func (q *QueryService) ListItems(ctx context.Context, filter domain.ItemFilter) ([]*ItemStateDTO, error) {
	items, err := q.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	now := q.clock.Now()
	out := make([]*ItemStateDTO, 0, len(items))
	for _, it := range items {
		out = append(out, NewItemStateDTO(it, now, q.halts.IsHalted(it.ID)))
	}
	return out, nil
}

// BidHistory returns the bid log in admission order.
func (q *QueryService) BidHistory(ctx context.Context, itemID uuid.UUID) ([]BidDTO, error) {
	bids, err := q.store.Bids(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("bid history %s: %w", itemID, err)
	}
	out := make([]BidDTO, 0, len(bids))
	for _, b := range bids {
		out = append(out, NewBidDTO(b))
	}
	return out, nil
}

package application

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/shared/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxCommentLength = 2000

// PlaceContractBidUseCase records a PENDING offer on a contract. Offers do not move
// the item's price and have no ledger effect until the contract owner accepts one.
type PlaceContractBidUseCase struct {
	store  domain.ItemStore
	events domain.EventPublisher
	clock  clock.Clock
	halts  *HaltRegistry
}

func NewPlaceContractBidUseCase(store domain.ItemStore, events domain.EventPublisher, clk clock.Clock, halts *HaltRegistry) *PlaceContractBidUseCase {
	return &PlaceContractBidUseCase{store: store, events: events, clock: clk, halts: halts}
}

func (uc *PlaceContractBidUseCase) Execute(ctx context.Context, cmd PlaceBidDTO) (*domain.Bid, error) {
	log.Info("Executing PlaceContractBidUseCase",
		zap.String("itemID", cmd.ItemID.String()),
		zap.String("bidderID", cmd.BidderID.String()),
		zap.String("amount", cmd.Amount.String()),
	)
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	comment := strings.TrimSpace(cmd.Comment)
	if utf8.RuneCountInString(comment) > maxCommentLength {
		return nil, domain.NewValidationError(domain.FieldError{Field: "comment", Error: fmt.Sprintf("must be at most %d characters", maxCommentLength)})
	}
	if err := uc.halts.Check(cmd.ItemID); err != nil {
		return nil, fmt.Errorf("place contract bid use case: %w", err)
	}

	bid := domain.NewBid(uuid.New(), cmd.ItemID, cmd.BidderID, cmd.Amount, uc.clock.Now())
	bid.Comment = comment
	updated, err := uc.store.AppendContractBid(ctx, cmd.ItemID, bid)
	if err != nil {
		uc.halts.guard(cmd.ItemID, "place contract bid", err)
		logRejection("PlaceContractBidUseCase", cmd, err)
		return nil, fmt.Errorf("place contract bid use case: bid on item %s: %w", cmd.ItemID, err)
	}

	log.Info("PlaceContractBidUseCase: offer recorded",
		zap.String("itemID", cmd.ItemID.String()),
		zap.String("bidderID", cmd.BidderID.String()),
		zap.String("bidID", bid.ID.String()),
		zap.Int64("seq", bid.Seq),
	)
	actor := cmd.BidderID
	publish(ctx, uc.events, domain.NewItemEvent(domain.EventBidAdmitted, updated, &actor, bid.CreatedAt).WithBid(bid))
	return bid, nil
}

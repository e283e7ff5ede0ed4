package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/shared/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AcceptBidDTO is the input of AcceptBidUseCase. The caller must already be authorized.
type AcceptBidDTO struct {
	ItemID  uuid.UUID
	BidID   uuid.UUID
	AdminID uuid.UUID
}

// AcceptBidUseCase accepts one pending contract offer, which completes the contract.
type AcceptBidUseCase struct {
	store  domain.ItemStore
	events domain.EventPublisher
	clock  clock.Clock
	halts  *HaltRegistry
}

func NewAcceptBidUseCase(store domain.ItemStore, events domain.EventPublisher, clk clock.Clock, halts *HaltRegistry) *AcceptBidUseCase {
	return &AcceptBidUseCase{store: store, events: events, clock: clk, halts: halts}
}

func (uc *AcceptBidUseCase) Execute(ctx context.Context, cmd AcceptBidDTO) (*domain.Item, error) {
	log.Info("Executing AcceptBidUseCase",
		zap.String("itemID", cmd.ItemID.String()),
		zap.String("bidID", cmd.BidID.String()),
		zap.String("adminID", cmd.AdminID.String()),
	)
	if err := uc.halts.Check(cmd.ItemID); err != nil {
		return nil, fmt.Errorf("accept bid use case: %w", err)
	}

	now := uc.clock.Now()
	item, err := uc.store.AcceptBid(ctx, cmd.ItemID, cmd.BidID, now)
	if err != nil {
		uc.halts.guard(cmd.ItemID, "accept bid", err)
		if isBusinessError(err) {
			log.Warn("AcceptBidUseCase: acceptance rejected",
				zap.String("itemID", cmd.ItemID.String()),
				zap.String("bidID", cmd.BidID.String()),
				zap.Error(err),
			)
		} else {
			log.Error("AcceptBidUseCase: acceptance failed",
				zap.String("itemID", cmd.ItemID.String()),
				zap.String("bidID", cmd.BidID.String()),
				zap.Error(err),
			)
		}
		return nil, fmt.Errorf("accept bid use case: accept bid %s on item %s: %w", cmd.BidID, cmd.ItemID, err)
	}

	log.Info("AcceptBidUseCase: contract awarded",
		zap.String("itemID", cmd.ItemID.String()),
		zap.String("bidID", cmd.BidID.String()),
	)
	actor := cmd.AdminID
	accepted := domain.NewItemEvent(domain.EventContractAccepted, item, &actor, now)
	if bid, err := uc.acceptedBid(ctx, cmd); err == nil {
		accepted = accepted.WithBid(bid)
	} else {
		log.Warn("AcceptBidUseCase: accepted bid not loaded for the event",
			zap.String("itemID", cmd.ItemID.String()),
			zap.Error(err),
		)
		id := cmd.BidID
		accepted.BidID = &id
	}
	publish(ctx, uc.events, accepted)
	publish(ctx, uc.events, domain.NewItemEvent(domain.EventItemClosed, item, &actor, now))
	return item, nil
}

func (uc *AcceptBidUseCase) acceptedBid(ctx context.Context, cmd AcceptBidDTO) (*domain.Bid, error) {
	bids, err := uc.store.Bids(ctx, cmd.ItemID)
	if err != nil {
		return nil, err
	}
	for _, b := range bids {
		if b.ID == cmd.BidID {
			return b, nil
		}
	}
	return nil, errors.New("accepted bid missing from the bid log")
}

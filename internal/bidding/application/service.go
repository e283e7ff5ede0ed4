package application

import (
	"context"
	"fmt"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/shared/clock"
	"github.com/google/uuid"
)

// BiddingService defines application interface layer of bidding module,
// exposes use cases to the infra layer (REST, WS, scheduler)
type BiddingService interface {
	// SubmitBid routes a bid to the auction or contract admission by item kind.
	SubmitBid(ctx context.Context, cmd PlaceBidDTO) (*domain.Bid, error)
	AcceptBid(ctx context.Context, cmd AcceptBidDTO) (*ItemStateDTO, error)

	CreateItem(ctx context.Context, spec domain.ItemSpec, creatorID uuid.UUID) (*ItemStateDTO, error)
	UpdateDraft(ctx context.Context, itemID uuid.UUID, spec domain.ItemSpec) (*ItemStateDTO, error)
	DeleteDraft(ctx context.Context, itemID uuid.UUID) error
	CancelItem(ctx context.Context, itemID, adminID uuid.UUID) (*ItemStateDTO, error)

	GetItemState(ctx context.Context, itemID uuid.UUID) (*ItemStateDTO, error)
	ListItems(ctx context.Context, filter domain.ItemFilter) ([]*ItemStateDTO, error)
	BidHistory(ctx context.Context, itemID uuid.UUID) ([]BidDTO, error)
}

// UseCases groups the use cases the service delegates to.
type UseCases struct {
	PlaceBid         *PlaceBidUseCase
	PlaceContractBid *PlaceContractBidUseCase
	AcceptBid        *AcceptBidUseCase
	GetItemState     *GetItemStateUseCase
	Lifecycle        *LifecycleManager
	Queries          *QueryService
	Halts            *HaltRegistry
}

// NewUseCases builds every use case over one store, ledger and publisher, sharing a halt registry.
func NewUseCases(store domain.ItemStore,
	ledger domain.Ledger,
	events domain.EventPublisher,
	clk clock.Clock,
	bidOpts BidOptions,
	lifecycleOpts LifecycleOptions) UseCases {

	halts := NewHaltRegistry()
	if lifecycleOpts.LedgerTimeout <= 0 {
		lifecycleOpts.LedgerTimeout = bidOpts.LedgerTimeout
	}
	return UseCases{
		PlaceBid:         NewPlaceBidUseCase(store, ledger, events, clk, halts, bidOpts),
		PlaceContractBid: NewPlaceContractBidUseCase(store, events, clk, halts),
		AcceptBid:        NewAcceptBidUseCase(store, events, clk, halts),
		GetItemState:     NewGetItemStateUseCase(store, clk, halts),
		Lifecycle:        NewLifecycleManager(store, ledger, events, clk, halts, lifecycleOpts),
		Queries:          NewQueryService(store, clk, halts),
		Halts:            halts,
	}
}

// concrete implementation of BiddingService
type biddingService struct {
	store domain.ItemStore
	uc    UseCases
}

func NewBiddingService(store domain.ItemStore, uc UseCases) BiddingService {
	return &biddingService{store: store, uc: uc}
}

func (s *biddingService) SubmitBid(ctx context.Context, cmd PlaceBidDTO) (*domain.Bid, error) {
	item, err := s.store.Get(ctx, cmd.ItemID)
	if err != nil {
		return nil, fmt.Errorf("submit bid: %w", err)
	}
	if item.Kind == domain.KindContract {
		return s.uc.PlaceContractBid.Execute(ctx, cmd)
	}
	return s.uc.PlaceBid.Execute(ctx, cmd)
}

func (s *biddingService) AcceptBid(ctx context.Context, cmd AcceptBidDTO) (*ItemStateDTO, error) {
	if _, err := s.uc.AcceptBid.Execute(ctx, cmd); err != nil {
		return nil, err
	}
	return s.uc.GetItemState.Execute(ctx, cmd.ItemID)
}

func (s *biddingService) CreateItem(ctx context.Context, spec domain.ItemSpec, creatorID uuid.UUID) (*ItemStateDTO, error) {
	item, err := s.uc.Lifecycle.CreateItem(ctx, spec, creatorID)
	if err != nil {
		return nil, err
	}
	return s.uc.GetItemState.Execute(ctx, item.ID)
}

func (s *biddingService) UpdateDraft(ctx context.Context, itemID uuid.UUID, spec domain.ItemSpec) (*ItemStateDTO, error) {
	if _, err := s.uc.Lifecycle.UpdateDraft(ctx, itemID, spec); err != nil {
		return nil, err
	}
	return s.uc.GetItemState.Execute(ctx, itemID)
}

func (s *biddingService) DeleteDraft(ctx context.Context, itemID uuid.UUID) error {
	return s.uc.Lifecycle.DeleteDraft(ctx, itemID)
}

func (s *biddingService) CancelItem(ctx context.Context, itemID, adminID uuid.UUID) (*ItemStateDTO, error) {
	if _, err := s.uc.Lifecycle.Cancel(ctx, itemID, adminID); err != nil {
		return nil, err
	}
	return s.uc.GetItemState.Execute(ctx, itemID)
}

func (s *biddingService) GetItemState(ctx context.Context, itemID uuid.UUID) (*ItemStateDTO, error) {
	return s.uc.GetItemState.Execute(ctx, itemID)
}

func (s *biddingService) ListItems(ctx context.Context, filter domain.ItemFilter) ([]*ItemStateDTO, error) {
	return s.uc.Queries.ListItems(ctx, filter)
}

func (s *biddingService) BidHistory(ctx context.Context, itemID uuid.UUID) ([]BidDTO, error) {
	return s.uc.Queries.BidHistory(ctx, itemID)
}

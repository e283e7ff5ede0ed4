package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/shared/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultBidMaxAttempts = 5
	DefaultLedgerTimeout  = 3 * time.Second
)

// BidOptions tunes the admission protocol.
type BidOptions struct {
	// MaxAttempts bounds the snapshot/commit rounds a bid may spend losing CAS races.
	MaxAttempts   int
	LedgerTimeout time.Duration
}

func (o BidOptions) withDefaults() BidOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultBidMaxAttempts
	}
	if o.LedgerTimeout <= 0 {
		o.LedgerTimeout = DefaultLedgerTimeout
	}
	return o
}

// PlaceBidDTO is the input of the bid use cases. Comment only applies to contracts.
type PlaceBidDTO struct {
	ItemID   uuid.UUID
	BidderID uuid.UUID
	Amount   decimal.Decimal
	Comment  string
}

func (cmd PlaceBidDTO) validate() error {
	if !cmd.Amount.IsPositive() {
		return domain.NewValidationError(domain.FieldError{Field: "amount", Error: "must be positive"})
	}
	if fe := domain.CheckAmount("amount", cmd.Amount); fe != nil {
		return domain.NewValidationError(*fe)
	}
	if cmd.BidderID == uuid.Nil {
		return domain.NewValidationError(domain.FieldError{Field: "bidder_id", Error: "this field is required"})
	}
	return nil
}

// PlaceBidUseCase admits auction bids. Funds are reserved at the ledger before the
// price is committed with a compare-and-set, so nothing is locked while the ledger answers.
type PlaceBidUseCase struct {
	store  domain.ItemStore
	ledger domain.Ledger
	events domain.EventPublisher
	clock  clock.Clock
	halts  *HaltRegistry
	opts   BidOptions
}

func NewPlaceBidUseCase(store domain.ItemStore,
	ledger domain.Ledger,
	events domain.EventPublisher,
	clk clock.Clock,
	halts *HaltRegistry,
	opts BidOptions) *PlaceBidUseCase {

	return &PlaceBidUseCase{
		store:  store,
		ledger: ledger,
		events: events,
		clock:  clk,
		halts:  halts,
		opts:   opts.withDefaults(),
	}
}

func (uc *PlaceBidUseCase) Execute(ctx context.Context, cmd PlaceBidDTO) (*domain.Bid, error) {
	log.Info("Executing PlaceBidUseCase",
		zap.String("itemID", cmd.ItemID.String()),
		zap.String("bidderID", cmd.BidderID.String()),
		zap.String("amount", cmd.Amount.String()),
	)
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	if err := uc.halts.Check(cmd.ItemID); err != nil {
		return nil, fmt.Errorf("place bid use case: %w", err)
	}

	bidID := uuid.New()
	// the bid id doubles as the reservation id, so a retried Reserve is idempotent
	reservationID := bidID.String()
	reserved := false

	for attempt := 1; ; attempt++ {
		bid, err := uc.attempt(ctx, cmd, bidID, reservationID, &reserved)
		if err == nil {
			return bid, nil
		}
		if errors.Is(err, domain.ErrConflict) && attempt < uc.opts.MaxAttempts {
			log.Debug("PlaceBidUseCase: lost the race, retrying against a fresh snapshot",
				zap.String("itemID", cmd.ItemID.String()),
				zap.String("bidderID", cmd.BidderID.String()),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if reserved {
			releaseReservation(ctx, uc.ledger, reservationID, uc.opts.LedgerTimeout)
		}
		uc.halts.guard(cmd.ItemID, "place bid", err)
		logRejection("PlaceBidUseCase", cmd, err)
		return nil, fmt.Errorf("place bid use case: bid on item %s: %w", cmd.ItemID, err)
	}
}

// attempt runs one snapshot, validate, reserve, commit round.
func (uc *PlaceBidUseCase) attempt(ctx context.Context, cmd PlaceBidDTO, bidID uuid.UUID, reservationID string, reserved *bool) (*domain.Bid, error) {
	snap, err := uc.store.Snapshot(ctx, cmd.ItemID)
	if err != nil {
		return nil, err
	}
	item := snap.Item
	if err := checkAuctionBid(item, cmd, uc.clock.Now()); err != nil {
		return nil, err
	}

	if !*reserved {
		if err := uc.reserve(ctx, reservationID, cmd); err != nil {
			return nil, err
		}
		*reserved = true
	}

	bid := domain.NewBid(bidID, cmd.ItemID, cmd.BidderID, cmd.Amount, uc.clock.Now())
	bid.ReservationID = reservationID
	updated, err := uc.store.AppendBid(ctx, cmd.ItemID, bid, item.CurrentPrice)
	if err != nil {
		return nil, err
	}

	// the CAS matched the snapshot price and prices only go up, so the snapshot's
	// latest bid is the leader this bid just displaced
	if prev := snap.LatestBid; prev != nil && prev.ReservationID != "" {
		releaseReservation(ctx, uc.ledger, prev.ReservationID, uc.opts.LedgerTimeout)
	}

	log.Info("PlaceBidUseCase: bid admitted",
		zap.String("itemID", cmd.ItemID.String()),
		zap.String("bidderID", cmd.BidderID.String()),
		zap.String("bidID", bid.ID.String()),
		zap.Int64("seq", bid.Seq),
		zap.String("currentPrice", updated.CurrentPrice.String()),
	)
	actor := cmd.BidderID
	publish(ctx, uc.events, domain.NewItemEvent(domain.EventBidAdmitted, updated, &actor, bid.CreatedAt).WithBid(bid))
	return bid, nil
}

// checkAuctionBid is the optimistic validation against a snapshot, the store repeats
// the price check atomically at commit.
func checkAuctionBid(item *domain.Item, cmd PlaceBidDTO, now time.Time) error {
	if item.Kind != domain.KindAuction {
		return domain.ErrWrongItemKind
	}
	if !item.AcceptsBidsAt(now) {
		return fmt.Errorf("%w: item is %s, deadline %s", domain.ErrInvalidState, item.Status, item.EndTime.Format(time.RFC3339))
	}
	if minimum := item.MinimumNextBid(); cmd.Amount.LessThan(minimum) {
		return &domain.BidTooLowError{Amount: cmd.Amount, Minimum: minimum}
	}
	if item.LeaderID != nil && *item.LeaderID == cmd.BidderID {
		return domain.ErrSelfBidNotAllowed
	}
	return nil
}

func (uc *PlaceBidUseCase) reserve(ctx context.Context, reservationID string, cmd PlaceBidDTO) error {
	rctx, cancel := context.WithTimeout(ctx, uc.opts.LedgerTimeout)
	defer cancel()
	err := uc.ledger.Reserve(rctx, reservationID, cmd.BidderID, cmd.Amount)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrInsufficientFunds) {
		return err
	}
	log.Error("PlaceBidUseCase: ledger reserve failed",
		zap.String("itemID", cmd.ItemID.String()),
		zap.String("bidderID", cmd.BidderID.String()),
		zap.String("reservationID", reservationID),
		zap.Error(err),
	)
	// the ledger may have applied a reserve we never heard back from
	releaseReservation(ctx, uc.ledger, reservationID, uc.opts.LedgerTimeout)
	if errors.Is(err, domain.ErrLedgerUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
}

// releaseReservation is best effort and survives the caller's cancellation.
// Settlement releases anything left behind.
func releaseReservation(ctx context.Context, ledger domain.Ledger, reservationID string, timeout time.Duration) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := ledger.Release(rctx, reservationID); err != nil {
		log.Warn("Reservation release failed",
			zap.String("reservationID", reservationID),
			zap.Error(err),
		)
	}
}

// logRejection logs expected business outcomes at Warn and everything else at Error.
func logRejection(useCase string, cmd PlaceBidDTO, err error) {
	fields := []zap.Field{
		zap.String("itemID", cmd.ItemID.String()),
		zap.String("bidderID", cmd.BidderID.String()),
		zap.String("amount", cmd.Amount.String()),
		zap.Error(err),
	}
	if isBusinessError(err) {
		log.Warn(useCase+": bid rejected", fields...)
		return
	}
	log.Error(useCase+": bid failed", fields...)
}

func isBusinessError(err error) bool {
	for _, target := range []error{
		domain.ErrValidation,
		domain.ErrNotFound,
		domain.ErrBidNotFound,
		domain.ErrInvalidState,
		domain.ErrNotDraft,
		domain.ErrBidTooLow,
		domain.ErrBidTooHigh,
		domain.ErrSelfBidNotAllowed,
		domain.ErrWrongItemKind,
		domain.ErrInsufficientFunds,
		domain.ErrConflict,
		domain.ErrItemHalted,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// The Apply* methods are the write half of the Item aggregate. Stores call them on the
// state they loaded and persist the result only if nothing changed underneath (CAS).
// Each method validates fully before mutating, so a returned error leaves the item untouched.

// ApplyAuctionBid admits bid if the stored price still equals expectedPrice.
// It assigns bid.Seq and makes the bidder the provisional leader.
func (it *Item) ApplyAuctionBid(bid *Bid, expectedPrice decimal.Decimal) error {
	if it.Kind != KindAuction {
		return ErrWrongItemKind
	}
	if !it.AcceptsBidsAt(bid.CreatedAt) {
		return fmt.Errorf("%w: item is %s, ends %s", ErrInvalidState, it.Status, it.EndTime.Format(time.RFC3339))
	}
	if !it.CurrentPrice.Equal(expectedPrice) {
		return fmt.Errorf("%w: expected price %s, current %s", ErrConflict, expectedPrice, it.CurrentPrice)
	}
	if !bid.Amount.GreaterThan(it.CurrentPrice) {
		return fmt.Errorf("%w: bid %s would not raise current price %s", ErrIntegrityViolation, bid.Amount, it.CurrentPrice)
	}

	it.LastSeq++
	bid.Seq = it.LastSeq
	bid.ItemID = it.ID
	bid.Status = BidActive

	leader, leadingBid := bid.BidderID, bid.ID
	it.CurrentPrice = bid.Amount
	it.LeaderID = &leader
	it.LeadingBidID = &leadingBid
	it.BidCount++
	it.touch(bid.CreatedAt)
	return nil
}

// ApplyContractBid admits a PENDING offer on an ACTIVE contract.
func (it *Item) ApplyContractBid(bid *Bid) error {
	if it.Kind != KindContract {
		return ErrWrongItemKind
	}
	if !it.AcceptsBidsAt(bid.CreatedAt) {
		return fmt.Errorf("%w: item is %s, ends %s", ErrInvalidState, it.Status, it.EndTime.Format(time.RFC3339))
	}
	if bid.Amount.LessThan(it.MinBid) {
		return &BidTooLowError{Amount: bid.Amount, Minimum: it.MinBid}
	}
	if bid.Amount.GreaterThan(it.BasePrice) {
		return fmt.Errorf("%w: %s > %s", ErrBidTooHigh, bid.Amount, it.BasePrice)
	}

	it.LastSeq++
	bid.Seq = it.LastSeq
	bid.ItemID = it.ID
	bid.Status = BidPending
	it.BidCount++
	it.touch(bid.CreatedAt)
	return nil
}

// ApplyAcceptance accepts bidID, rejects every other bid and completes the contract.
// bids is the item's full bid log and is updated in place.
func (it *Item) ApplyAcceptance(bids []*Bid, bidID uuid.UUID, at time.Time) error {
	if it.Kind != KindContract {
		return ErrWrongItemKind
	}
	if !it.AcceptsBidsAt(at) {
		return fmt.Errorf("%w: item is %s, ends %s", ErrInvalidState, it.Status, it.EndTime.Format(time.RFC3339))
	}
	var accepted *Bid
	for _, b := range bids {
		if b.ID == bidID {
			accepted = b
			break
		}
	}
	if accepted == nil {
		return ErrBidNotFound
	}
	if accepted.Status != BidPending {
		return fmt.Errorf("%w: bid is %s", ErrInvalidState, accepted.Status)
	}

	for _, b := range bids {
		switch {
		case b.ID == bidID:
			b.Status = BidAccepted
		case b.Status == BidPending:
			b.Status = BidRejected
		}
	}
	winner, winningBid := accepted.BidderID, accepted.ID
	it.WinnerID = &winner
	it.WinningBidID = &winningBid
	it.Status = StatusCompleted
	closedAt := at
	it.ClosedAt = &closedAt
	it.touch(at)
	return nil
}

// ApplyTransition performs a lifecycle move guarded by the expected status.
// Closing an auction promotes the leader to winner, closing or cancelling a contract
// rejects its pending offers. Any terminal item holding reservations is marked for settlement.
func (it *Item) ApplyTransition(bids []*Bid, tr Transition) error {
	if !CanTransition(tr.From, tr.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, tr.From, tr.To)
	}
	if it.Status != tr.From {
		return fmt.Errorf("%w: expected status %s, current %s", ErrConflict, tr.From, it.Status)
	}

	switch tr.To {
	case StatusActive:
		if tr.At.Before(it.StartTime) {
			return fmt.Errorf("%w: starts %s", ErrInvalidState, it.StartTime.Format(time.RFC3339))
		}
	case StatusCompleted:
		if tr.At.Before(it.EndTime) {
			return fmt.Errorf("%w: ends %s", ErrInvalidState, it.EndTime.Format(time.RFC3339))
		}
		if it.Kind == KindAuction && it.LeaderID != nil {
			winner, winningBid := *it.LeaderID, *it.LeadingBidID
			it.WinnerID = &winner
			it.WinningBidID = &winningBid
		}
	}

	if tr.To.IsTerminal() {
		if it.Kind == KindContract {
			for _, b := range bids {
				if b.Status == BidPending {
					b.Status = BidRejected
				}
			}
		}
		if it.Kind == KindAuction && it.BidCount > 0 {
			it.Settlement = SettlementPending
			it.SettlementAttempts = 1
		}
		closedAt := tr.At
		it.ClosedAt = &closedAt
	}
	it.Status = tr.To
	it.touch(tr.At)
	return nil
}

// ApplyDraftUpdate replaces the editable fields of a draft.
func (it *Item) ApplyDraftUpdate(spec ItemSpec, at time.Time) error {
	if it.Status != StatusDraft {
		return ErrNotDraft
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	it.ApplySpec(spec)
	it.touch(at)
	return nil
}

// ApplySettlementClaim hands the settlement of a terminal item to one worker.
func (it *Item) ApplySettlementClaim(expectedAttempts int, at time.Time) error {
	if !it.Status.IsTerminal() || it.Settlement == SettlementNone || it.Settlement == SettlementSettled {
		return fmt.Errorf("%w: settlement is %s on %s item", ErrInvalidState, it.Settlement, it.Status)
	}
	if it.SettlementAttempts != expectedAttempts {
		return fmt.Errorf("%w: settlement attempts %d, expected %d", ErrConflict, it.SettlementAttempts, expectedAttempts)
	}
	it.Settlement = SettlementPending
	it.SettlementAttempts++
	it.touch(at)
	return nil
}

// ApplySettlementResult records the outcome of a settlement run.
func (it *Item) ApplySettlementResult(state SettlementState, errMsg string, at time.Time) error {
	if state != SettlementSettled && state != SettlementFailed {
		return fmt.Errorf("%w: settlement cannot be recorded as %s", ErrInvalidState, state)
	}
	it.Settlement = state
	it.SettlementError = errMsg
	it.touch(at)
	return nil
}

// IsSettlementCandidate reports whether a retry pass should pick the item up.
func (it *Item) IsSettlementCandidate(staleBefore time.Time) bool {
	if !it.Status.IsTerminal() {
		return false
	}
	switch it.Settlement {
	case SettlementFailed:
		return true
	case SettlementPending:
		return it.UpdatedAt.Before(staleBefore)
	default:
		return false
	}
}

// MatchesFilter is used by stores that filter in process.
func (it *Item) MatchesFilter(f ItemFilter) bool {
	if f.Status != "" && it.Status != f.Status {
		return false
	}
	if f.Kind != "" && it.Kind != f.Kind {
		return false
	}
	if f.CreatorID != nil && it.CreatorID != *f.CreatorID {
		return false
	}
	return true
}

func (it *Item) touch(at time.Time) {
	it.Version++
	if at.After(it.UpdatedAt) {
		it.UpdatedAt = at
	}
}

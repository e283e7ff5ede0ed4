package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func activeAuction(t *testing.T, start time.Time) *Item {
	t.Helper()
	item, err := NewItem(uuid.New(), uuid.New(), auctionSpec(start), start)
	require.NoError(t, err)
	require.NoError(t, item.ApplyTransition(nil, Transition{From: StatusDraft, To: StatusActive, At: start}))
	return item
}

func activeContract(t *testing.T, start time.Time) *Item {
	t.Helper()
	spec := auctionSpec(start)
	spec.Kind = KindContract
	spec.MinBid = decimal.NewFromInt(400)
	item, err := NewItem(uuid.New(), uuid.New(), spec, start)
	require.NoError(t, err)
	require.NoError(t, item.ApplyTransition(nil, Transition{From: StatusDraft, To: StatusActive, At: start}))
	return item
}

func TestApplyAuctionBid(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("raises_price_and_sets_leader", func(t *testing.T) {
		item := activeAuction(t, start)
		version := item.Version
		bid := NewBid(uuid.New(), item.ID, uuid.New(), decimal.NewFromInt(1010), start.Add(time.Minute))

		require.NoError(t, item.ApplyAuctionBid(bid, decimal.NewFromInt(1000)))
		require.True(t, item.CurrentPrice.Equal(decimal.NewFromInt(1010)))
		require.Equal(t, bid.BidderID, *item.LeaderID)
		require.Equal(t, bid.ID, *item.LeadingBidID)
		require.Equal(t, int64(1), bid.Seq)
		require.Equal(t, BidActive, bid.Status)
		require.Equal(t, 1, item.BidCount)
		require.Equal(t, version+1, item.Version)
	})

	t.Run("stale_expected_price_conflicts", func(t *testing.T) {
		item := activeAuction(t, start)
		bid := NewBid(uuid.New(), item.ID, uuid.New(), decimal.NewFromInt(1050), start)
		err := item.ApplyAuctionBid(bid, decimal.NewFromInt(990))
		require.ErrorIs(t, err, ErrConflict)
		require.Zero(t, item.BidCount)
	})

	t.Run("non_raising_amount_is_integrity_violation", func(t *testing.T) {
		item := activeAuction(t, start)
		bid := NewBid(uuid.New(), item.ID, uuid.New(), decimal.NewFromInt(1000), start)
		require.ErrorIs(t, item.ApplyAuctionBid(bid, decimal.NewFromInt(1000)), ErrIntegrityViolation)
	})

	t.Run("at_deadline_is_rejected", func(t *testing.T) {
		item := activeAuction(t, start)
		bid := NewBid(uuid.New(), item.ID, uuid.New(), decimal.NewFromInt(1010), item.EndTime)
		require.ErrorIs(t, item.ApplyAuctionBid(bid, decimal.NewFromInt(1000)), ErrInvalidState)
	})

	t.Run("contract_is_wrong_kind", func(t *testing.T) {
		item := activeContract(t, start)
		bid := NewBid(uuid.New(), item.ID, uuid.New(), decimal.NewFromInt(500), start)
		require.ErrorIs(t, item.ApplyAuctionBid(bid, item.CurrentPrice), ErrWrongItemKind)
	})
}

func TestApplyContractBidAndAcceptance(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	item := activeContract(t, start)

	var bids []*Bid
	for _, amount := range []int64{900, 450, 700} {
		b := NewBid(uuid.New(), item.ID, uuid.New(), decimal.NewFromInt(amount), start.Add(time.Minute))
		require.NoError(t, item.ApplyContractBid(b))
		require.Equal(t, BidPending, b.Status)
		bids = append(bids, b)
	}
	require.Equal(t, 3, item.BidCount)
	require.True(t, item.CurrentPrice.Equal(item.BasePrice), "contract offers do not move the price")

	low := NewBid(uuid.New(), item.ID, uuid.New(), decimal.NewFromInt(399), start)
	require.ErrorIs(t, item.ApplyContractBid(low), ErrBidTooLow)
	high := NewBid(uuid.New(), item.ID, uuid.New(), decimal.NewFromInt(1001), start)
	require.ErrorIs(t, item.ApplyContractBid(high), ErrBidTooHigh)

	require.ErrorIs(t, item.ApplyAcceptance(bids, uuid.New(), start.Add(2*time.Minute)), ErrBidNotFound)

	require.NoError(t, item.ApplyAcceptance(bids, bids[1].ID, start.Add(2*time.Minute)))
	require.Equal(t, StatusCompleted, item.Status)
	require.Equal(t, bids[1].BidderID, *item.WinnerID)
	require.Equal(t, BidRejected, bids[0].Status)
	require.Equal(t, BidAccepted, bids[1].Status)
	require.Equal(t, BidRejected, bids[2].Status)
	require.Equal(t, SettlementNone, item.Settlement)

	require.ErrorIs(t, item.ApplyAcceptance(bids, bids[0].ID, start.Add(3*time.Minute)), ErrInvalidState)
}

func TestApplyTransition(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("activation_before_start_is_refused", func(t *testing.T) {
		item, err := NewItem(uuid.New(), uuid.New(), auctionSpec(start), start)
		require.NoError(t, err)
		err = item.ApplyTransition(nil, Transition{From: StatusDraft, To: StatusActive, At: start.Add(-time.Second)})
		require.ErrorIs(t, err, ErrInvalidState)
		require.Equal(t, StatusDraft, item.Status)
	})

	t.Run("stale_from_status_conflicts", func(t *testing.T) {
		item := activeAuction(t, start)
		err := item.ApplyTransition(nil, Transition{From: StatusDraft, To: StatusCancelled, At: start})
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("terminal_is_absorbing", func(t *testing.T) {
		item := activeAuction(t, start)
		require.NoError(t, item.ApplyTransition(nil, Transition{From: StatusActive, To: StatusCancelled, At: start}))
		err := item.ApplyTransition(nil, Transition{From: StatusCancelled, To: StatusActive, At: start})
		require.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("close_before_deadline_is_refused", func(t *testing.T) {
		item := activeAuction(t, start)
		err := item.ApplyTransition(nil, Transition{From: StatusActive, To: StatusCompleted, At: item.EndTime.Add(-time.Second)})
		require.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("close_promotes_leader_and_marks_settlement", func(t *testing.T) {
		item := activeAuction(t, start)
		bid := NewBid(uuid.New(), item.ID, uuid.New(), decimal.NewFromInt(1010), start)
		require.NoError(t, item.ApplyAuctionBid(bid, item.CurrentPrice))

		require.NoError(t, item.ApplyTransition(nil, Transition{From: StatusActive, To: StatusCompleted, At: item.EndTime}))
		require.Equal(t, bid.BidderID, *item.WinnerID)
		require.Equal(t, bid.ID, *item.WinningBidID)
		require.Equal(t, SettlementPending, item.Settlement)
		require.Equal(t, 1, item.SettlementAttempts)
		require.NotNil(t, item.ClosedAt)
	})

	t.Run("close_without_bids_has_no_winner", func(t *testing.T) {
		item := activeAuction(t, start)
		require.NoError(t, item.ApplyTransition(nil, Transition{From: StatusActive, To: StatusCompleted, At: item.EndTime}))
		require.Nil(t, item.WinnerID)
		require.Equal(t, SettlementNone, item.Settlement)
	})

	t.Run("contract_close_rejects_pending", func(t *testing.T) {
		item := activeContract(t, start)
		b := NewBid(uuid.New(), item.ID, uuid.New(), decimal.NewFromInt(500), start)
		require.NoError(t, item.ApplyContractBid(b))
		require.NoError(t, item.ApplyTransition([]*Bid{b}, Transition{From: StatusActive, To: StatusCompleted, At: item.EndTime}))
		require.Nil(t, item.WinnerID)
		require.Equal(t, BidRejected, b.Status)
	})
}

func TestApplySettlementClaim(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	item := activeAuction(t, start)
	require.NoError(t, item.ApplyAuctionBid(NewBid(uuid.New(), item.ID, uuid.New(), decimal.NewFromInt(1010), start), item.CurrentPrice))
	require.NoError(t, item.ApplyTransition(nil, Transition{From: StatusActive, To: StatusCompleted, At: item.EndTime}))

	at := item.EndTime.Add(time.Minute)
	require.NoError(t, item.ApplySettlementResult(SettlementFailed, "ledger down", at))
	require.True(t, item.IsSettlementCandidate(at))

	require.ErrorIs(t, item.ApplySettlementClaim(5, at), ErrConflict)
	require.NoError(t, item.ApplySettlementClaim(1, at))
	require.Equal(t, 2, item.SettlementAttempts)
	require.Equal(t, SettlementPending, item.Settlement)
	require.False(t, item.IsSettlementCandidate(at), "fresh claim is not stale yet")
	require.True(t, item.IsSettlementCandidate(at.Add(time.Second)))

	require.NoError(t, item.ApplySettlementResult(SettlementSettled, "", at))
	require.False(t, item.IsSettlementCandidate(at.Add(time.Hour)))
	require.ErrorIs(t, item.ApplySettlementClaim(2, at), ErrInvalidState)
	require.ErrorIs(t, item.ApplySettlementResult(SettlementPending, "", at), ErrInvalidState)
}

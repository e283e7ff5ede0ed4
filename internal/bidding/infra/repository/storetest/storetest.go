// Package storetest holds the behaviour every domain.ItemStore implementation must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// Factory returns a store ready for use. Implementations backed by shared
// infrastructure may return the same store every time, tests only rely on ids they create.
type Factory func(t *testing.T) domain.ItemStore

// Base is the reference instant of every scenario, truncated so that
// database round trips compare equal.
var Base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s domain.ItemStore)
	}{
		{"create_and_get", testCreateAndGet},
		{"append_bid_cas", testAppendBidCAS},
		{"append_bid_guards", testAppendBidGuards},
		{"concurrent_appends_keep_log_increasing", testConcurrentAppends},
		{"contract_bids_and_accept", testContractAccept},
		{"transition", testTransition},
		{"draft_crud", testDraftCRUD},
		{"list_and_due", testListAndDue},
		{"settlement", testSettlement},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// NewAuction builds a DRAFT auction starting at Base, base price 1000 and increment 10.
func NewAuction(t *testing.T, creator uuid.UUID) *domain.Item {
	t.Helper()
	item, err := domain.NewItem(uuid.New(), creator, domain.ItemSpec{
		Kind:         domain.KindAuction,
		Title:        "Robotics kit",
		Description:  "Lego Mindstorms, complete",
		BasePrice:    decimal.NewFromInt(1000),
		MinIncrement: decimal.NewFromInt(10),
		StartTime:    Base,
		EndTime:      Base.Add(time.Hour),
	}, Base.Add(-time.Hour))
	require.NoError(t, err)
	return item
}

// NewContract builds a DRAFT contract with reward 1000 and minimum offer 400.
func NewContract(t *testing.T, creator uuid.UUID) *domain.Item {
	t.Helper()
	item, err := domain.NewItem(uuid.New(), creator, domain.ItemSpec{
		Kind:      domain.KindContract,
		Title:     "Tutor first graders",
		BasePrice: decimal.NewFromInt(1000),
		MinBid:    decimal.NewFromInt(400),
		StartTime: Base,
		EndTime:   Base.Add(time.Hour),
	}, Base.Add(-time.Hour))
	require.NoError(t, err)
	return item
}

func createActive(t *testing.T, s domain.ItemStore, item *domain.Item) *domain.Item {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, item))
	active, err := s.Transition(ctx, item.ID, domain.Transition{From: domain.StatusDraft, To: domain.StatusActive, At: Base})
	require.NoError(t, err)
	return active
}

func bid(item *domain.Item, amount int64, at time.Time) *domain.Bid {
	b := domain.NewBid(uuid.New(), item.ID, uuid.New(), decimal.NewFromInt(amount), at)
	b.ReservationID = uuid.NewString()
	return b
}

func testCreateAndGet(t *testing.T, s domain.ItemStore) {
	ctx := context.Background()
	item := NewAuction(t, uuid.New())
	require.NoError(t, s.Create(ctx, item))
	require.ErrorIs(t, s.Create(ctx, item), domain.ErrConflict)

	got, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, item.ID, got.ID)
	require.Equal(t, domain.StatusDraft, got.Status)
	require.Equal(t, "Robotics kit", got.Title)
	require.True(t, got.CurrentPrice.Equal(decimal.NewFromInt(1000)))
	require.True(t, got.StartTime.Equal(Base))
	require.Equal(t, domain.SettlementNone, got.Settlement)

	_, err = s.Get(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Snapshot(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func testAppendBidCAS(t *testing.T, s domain.ItemStore) {
	ctx := context.Background()
	item := createActive(t, s, NewAuction(t, uuid.New()))

	first := bid(item, 1010, Base.Add(time.Minute))
	updated, err := s.AppendBid(ctx, item.ID, first, decimal.NewFromInt(1000))
	require.NoError(t, err)
	require.True(t, updated.CurrentPrice.Equal(decimal.NewFromInt(1010)))
	require.Equal(t, first.BidderID, *updated.LeaderID)
	require.Equal(t, int64(1), first.Seq)
	require.Equal(t, 1, updated.BidCount)

	// a second writer that read the old price loses
	stale := bid(item, 1010, Base.Add(time.Minute))
	_, err = s.AppendBid(ctx, item.ID, stale, decimal.NewFromInt(1000))
	require.ErrorIs(t, err, domain.ErrConflict)

	second := bid(item, 1020, Base.Add(2*time.Minute))
	_, err = s.AppendBid(ctx, item.ID, second, decimal.NewFromInt(1010))
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Seq)

	snap, err := s.Snapshot(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, snap.Item.CurrentPrice.Equal(decimal.NewFromInt(1020)))
	require.NotNil(t, snap.LatestBid)
	require.Equal(t, second.ID, snap.LatestBid.ID)

	bids, err := s.Bids(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, bids, 2)
	require.Equal(t, first.ID, bids[0].ID)
	require.Equal(t, first.ReservationID, bids[0].ReservationID)
	require.Equal(t, domain.BidSuperseded, bids[0].Status)
	require.Equal(t, domain.BidActive, bids[1].Status)
}

func testAppendBidGuards(t *testing.T, s domain.ItemStore) {
	ctx := context.Background()

	draft := NewAuction(t, uuid.New())
	require.NoError(t, s.Create(ctx, draft))
	_, err := s.AppendBid(ctx, draft.ID, bid(draft, 1010, Base), decimal.NewFromInt(1000))
	require.ErrorIs(t, err, domain.ErrInvalidState, "drafts take no bids")

	item := createActive(t, s, NewAuction(t, uuid.New()))
	_, err = s.AppendBid(ctx, item.ID, bid(item, 1010, item.EndTime), decimal.NewFromInt(1000))
	require.ErrorIs(t, err, domain.ErrInvalidState, "bid at the deadline")

	_, err = s.AppendBid(ctx, item.ID, bid(item, 990, Base), decimal.NewFromInt(1000))
	require.ErrorIs(t, err, domain.ErrIntegrityViolation)

	contract := createActive(t, s, NewContract(t, uuid.New()))
	_, err = s.AppendBid(ctx, contract.ID, bid(contract, 1010, Base), contract.CurrentPrice)
	require.ErrorIs(t, err, domain.ErrWrongItemKind)

	_, err = s.AppendBid(ctx, uuid.New(), bid(item, 1010, Base), decimal.NewFromInt(1000))
	require.ErrorIs(t, err, domain.ErrNotFound)

	got, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Zero(t, got.BidCount)
}

func testConcurrentAppends(t *testing.T, s domain.ItemStore) {
	ctx := context.Background()
	item := createActive(t, s, NewAuction(t, uuid.New()))

	const writers = 8
	const perWriter = 5
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for placed := 0; placed < perWriter; {
				snap, err := s.Snapshot(ctx, item.ID)
				if err != nil {
					t.Error(err)
					return
				}
				next := snap.Item.CurrentPrice.Add(decimal.NewFromInt(10))
				b := domain.NewBid(uuid.New(), item.ID, uuid.New(), next, Base.Add(time.Minute))
				_, err = s.AppendBid(ctx, item.ID, b, snap.Item.CurrentPrice)
				if err == nil {
					placed++
					continue
				}
				if !isConflict(err) {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, writers*perWriter, got.BidCount)
	require.True(t, got.CurrentPrice.Equal(decimal.NewFromInt(1000+10*writers*perWriter)))

	bids, err := s.Bids(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, bids, writers*perWriter)
	for i := 1; i < len(bids); i++ {
		require.Greater(t, bids[i].Seq, bids[i-1].Seq)
		require.True(t, bids[i].Amount.GreaterThan(bids[i-1].Amount))
	}
	require.True(t, bids[len(bids)-1].Amount.Equal(got.CurrentPrice))
}

func testContractAccept(t *testing.T, s domain.ItemStore) {
	ctx := context.Background()
	item := createActive(t, s, NewContract(t, uuid.New()))

	var offers []*domain.Bid
	for _, amount := range []int64{900, 500, 700} {
		b := bid(item, amount, Base.Add(time.Minute))
		b.ReservationID = ""
		b.Comment = "I can start monday"
		_, err := s.AppendContractBid(ctx, item.ID, b)
		require.NoError(t, err)
		require.Equal(t, domain.BidPending, b.Status)
		offers = append(offers, b)
	}

	_, err := s.AcceptBid(ctx, item.ID, uuid.New(), Base.Add(2*time.Minute))
	require.ErrorIs(t, err, domain.ErrBidNotFound)

	done, err := s.AcceptBid(ctx, item.ID, offers[1].ID, Base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, done.Status)
	require.Equal(t, offers[1].BidderID, *done.WinnerID)
	require.Equal(t, offers[1].ID, *done.WinningBidID)

	_, err = s.AcceptBid(ctx, item.ID, offers[0].ID, Base.Add(3*time.Minute))
	require.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = s.AppendContractBid(ctx, item.ID, bid(item, 600, Base.Add(3*time.Minute)))
	require.ErrorIs(t, err, domain.ErrInvalidState)

	bids, err := s.Bids(ctx, item.ID)
	require.NoError(t, err)
	accepted := 0
	for _, b := range bids {
		if b.Status == domain.BidAccepted {
			accepted++
			require.Equal(t, offers[1].ID, b.ID)
		} else {
			require.Equal(t, domain.BidRejected, b.Status)
		}
		require.Equal(t, "I can start monday", b.Comment)
	}
	require.Equal(t, 1, accepted)
}

func testTransition(t *testing.T, s domain.ItemStore) {
	ctx := context.Background()
	item := createActive(t, s, NewAuction(t, uuid.New()))
	leader := bid(item, 1050, Base.Add(time.Minute))
	_, err := s.AppendBid(ctx, item.ID, leader, decimal.NewFromInt(1000))
	require.NoError(t, err)

	_, err = s.Transition(ctx, item.ID, domain.Transition{From: domain.StatusActive, To: domain.StatusCompleted, At: item.EndTime.Add(-time.Second)})
	require.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = s.Transition(ctx, item.ID, domain.Transition{From: domain.StatusDraft, To: domain.StatusActive, At: item.EndTime})
	require.ErrorIs(t, err, domain.ErrConflict)

	closed, err := s.Transition(ctx, item.ID, domain.Transition{From: domain.StatusActive, To: domain.StatusCompleted, At: item.EndTime})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, closed.Status)
	require.Equal(t, leader.BidderID, *closed.WinnerID)
	require.Equal(t, domain.SettlementPending, closed.Settlement)
	require.Equal(t, 1, closed.SettlementAttempts)
	require.NotNil(t, closed.ClosedAt)

	_, err = s.Transition(ctx, item.ID, domain.Transition{From: domain.StatusActive, To: domain.StatusCompleted, At: item.EndTime})
	require.ErrorIs(t, err, domain.ErrConflict, "second close loses")

	contract := createActive(t, s, NewContract(t, uuid.New()))
	offer := bid(contract, 500, Base)
	_, err = s.AppendContractBid(ctx, contract.ID, offer)
	require.NoError(t, err)
	cancelled, err := s.Transition(ctx, contract.ID, domain.Transition{From: domain.StatusActive, To: domain.StatusCancelled, At: Base.Add(time.Minute)})
	require.NoError(t, err)
	require.Nil(t, cancelled.WinnerID)
	bids, err := s.Bids(ctx, contract.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BidRejected, bids[0].Status)
}

func testDraftCRUD(t *testing.T, s domain.ItemStore) {
	ctx := context.Background()
	item := NewAuction(t, uuid.New())
	require.NoError(t, s.Create(ctx, item))

	edit, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	edit.Title = "Robotics kit v2"
	edit.BasePrice = decimal.NewFromInt(1500)
	edit.UpdatedAt = Base.Add(-30 * time.Minute)
	updated, err := s.UpdateDraft(ctx, edit)
	require.NoError(t, err)
	require.Equal(t, "Robotics kit v2", updated.Title)
	require.True(t, updated.CurrentPrice.Equal(decimal.NewFromInt(1500)))
	require.Greater(t, updated.Version, edit.Version)

	// edit based on a stale read
	_, err = s.UpdateDraft(ctx, edit)
	require.ErrorIs(t, err, domain.ErrConflict)

	require.NoError(t, s.DeleteDraft(ctx, item.ID))
	_, err = s.Get(ctx, item.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.ErrorIs(t, s.DeleteDraft(ctx, item.ID), domain.ErrNotFound)

	active := createActive(t, s, NewAuction(t, uuid.New()))
	require.ErrorIs(t, s.DeleteDraft(ctx, active.ID), domain.ErrNotDraft)
	_, err = s.UpdateDraft(ctx, active)
	require.ErrorIs(t, err, domain.ErrNotDraft)
}

func testListAndDue(t *testing.T, s domain.ItemStore) {
	ctx := context.Background()
	creator := uuid.New()

	draft := NewAuction(t, creator)
	require.NoError(t, s.Create(ctx, draft))
	active := createActive(t, s, NewAuction(t, creator))
	contract := createActive(t, s, NewContract(t, creator))

	all, err := s.List(ctx, domain.ItemFilter{CreatorID: &creator})
	require.NoError(t, err)
	require.Len(t, all, 3)

	actives, err := s.List(ctx, domain.ItemFilter{CreatorID: &creator, Status: domain.StatusActive})
	require.NoError(t, err)
	require.Len(t, actives, 2)

	contracts, err := s.List(ctx, domain.ItemFilter{CreatorID: &creator, Kind: domain.KindContract})
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	require.Equal(t, contract.ID, contracts[0].ID)

	page, err := s.List(ctx, domain.ItemFilter{CreatorID: &creator, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	rest, err := s.List(ctx, domain.ItemFilter{CreatorID: &creator, Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, rest, 1)

	due, err := s.DueForActivation(ctx, Base)
	require.NoError(t, err)
	require.Contains(t, due, draft.ID)
	notYet, err := s.DueForActivation(ctx, Base.Add(-time.Second))
	require.NoError(t, err)
	require.NotContains(t, notYet, draft.ID)

	closing, err := s.DueForClose(ctx, active.EndTime)
	require.NoError(t, err)
	require.Contains(t, closing, active.ID)
	require.Contains(t, closing, contract.ID)
	require.NotContains(t, closing, draft.ID)
	early, err := s.DueForClose(ctx, active.EndTime.Add(-time.Second))
	require.NoError(t, err)
	require.NotContains(t, early, active.ID)
}

func testSettlement(t *testing.T, s domain.ItemStore) {
	ctx := context.Background()
	item := createActive(t, s, NewAuction(t, uuid.New()))
	_, err := s.AppendBid(ctx, item.ID, bid(item, 1010, Base), decimal.NewFromInt(1000))
	require.NoError(t, err)
	closed, err := s.Transition(ctx, item.ID, domain.Transition{From: domain.StatusActive, To: domain.StatusCompleted, At: item.EndTime})
	require.NoError(t, err)

	_, err = s.RecordSettlement(ctx, item.ID, domain.SettlementFailed, "ledger timeout", item.EndTime)
	require.NoError(t, err)

	candidates, err := s.SettlementCandidates(ctx, item.EndTime)
	require.NoError(t, err)
	require.Contains(t, ids(candidates), item.ID)

	claimed, err := s.ClaimSettlement(ctx, item.ID, closed.SettlementAttempts, item.EndTime.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, claimed.SettlementAttempts)
	require.Equal(t, domain.SettlementPending, claimed.Settlement)

	// a second worker holding the same candidate loses the claim
	_, err = s.ClaimSettlement(ctx, item.ID, closed.SettlementAttempts, item.EndTime.Add(time.Minute))
	require.ErrorIs(t, err, domain.ErrConflict)

	fresh, err := s.SettlementCandidates(ctx, item.EndTime.Add(time.Minute))
	require.NoError(t, err)
	require.NotContains(t, ids(fresh), item.ID)

	settled, err := s.RecordSettlement(ctx, item.ID, domain.SettlementSettled, "", item.EndTime.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, domain.SettlementSettled, settled.Settlement)
	require.Empty(t, settled.SettlementError)

	later, err := s.SettlementCandidates(ctx, item.EndTime.Add(time.Hour))
	require.NoError(t, err)
	require.NotContains(t, ids(later), item.ID)
}

func ids(items []*domain.Item) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func isConflict(err error) bool {
	return errors.Is(err, domain.ErrConflict)
}

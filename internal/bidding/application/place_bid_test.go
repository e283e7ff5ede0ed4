package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/bidding/domain/mocks"
	"github.com/cristianortiz/biddingEngine/internal/bidding/infra/ledger"
	"github.com/cristianortiz/biddingEngine/internal/bidding/infra/repository/memory"
	"github.com/cristianortiz/biddingEngine/internal/bidding/infra/repository/storetest"
	"github.com/cristianortiz/biddingEngine/internal/shared/clock"
	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPlaceBid_OutbidRoundTrip(t *testing.T) {
	f := newFixture(t, nil, nil, BidOptions{})
	ctx := context.Background()
	item := f.activeAuction(t)
	alice, bob := f.bidder(5000), f.bidder(5000)

	// the base price alone is not enough, the first bid needs the increment too
	_, err := f.bid(ctx, item.ID, alice, 1000)
	require.ErrorIs(t, err, domain.ErrBidTooLow)
	var low *domain.BidTooLowError
	require.ErrorAs(t, err, &low)
	require.True(t, low.Minimum.Equal(dec(1010)), "minimum was %s", low.Minimum)
	require.True(t, f.mem.Held(alice).IsZero(), "a rejected bid reserves nothing")

	first, err := f.bid(ctx, item.ID, alice, 1010)
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Seq)
	require.Equal(t, domain.BidActive, first.Status)

	_, err = f.bid(ctx, item.ID, bob, 1005)
	require.ErrorIs(t, err, domain.ErrBidTooLow)
	require.ErrorAs(t, err, &low)
	require.True(t, low.Minimum.Equal(dec(1020)), "minimum was %s", low.Minimum)

	_, err = f.bid(ctx, item.ID, bob, 1020)
	require.NoError(t, err)

	state, err := f.uc.GetItemState.Execute(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, state.CurrentPrice.Equal(dec(1020)))
	require.Equal(t, bob, *state.LeaderID)
	require.Nil(t, state.WinnerID, "the leader only becomes the winner at close")
	require.Equal(t, 2, state.BidCount)
	require.NotNil(t, state.MinimumNextBid)
	require.True(t, state.MinimumNextBid.Equal(dec(1030)))
	require.Equal(t, (59 * time.Minute).Milliseconds(), state.TimeRemainingMs)

	// the outbid student got the tokens back, the leader's stay held
	require.True(t, f.mem.Held(alice).IsZero())
	require.True(t, f.mem.Balance(alice).Equal(dec(5000)))
	require.True(t, f.mem.Held(bob).Equal(dec(1020)))
	require.True(t, f.mem.Balance(bob).Equal(dec(3980)))

	history, err := f.uc.Queries.BidHistory(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, domain.BidSuperseded, history[0].Status)
	require.Equal(t, domain.BidActive, history[1].Status)
	require.True(t, history[1].Amount.Equal(dec(1020)))
}

func TestPlaceBid_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, f *fixture) PlaceBidDTO
		wantErr error
	}{
		{
			name: "self_bid",
			setup: func(t *testing.T, f *fixture) PlaceBidDTO {
				item := f.activeAuction(t)
				alice := f.bidder(5000)
				_, err := f.bid(context.Background(), item.ID, alice, 1010)
				require.NoError(t, err)
				return PlaceBidDTO{ItemID: item.ID, BidderID: alice, Amount: dec(1100)}
			},
			wantErr: domain.ErrSelfBidNotAllowed,
		},
		{
			name: "zero_amount",
			setup: func(t *testing.T, f *fixture) PlaceBidDTO {
				return PlaceBidDTO{ItemID: f.activeAuction(t).ID, BidderID: f.bidder(5000), Amount: decimal.Zero}
			},
			wantErr: domain.ErrValidation,
		},
		{
			name: "amount_below_storage_scale",
			setup: func(t *testing.T, f *fixture) PlaceBidDTO {
				return PlaceBidDTO{ItemID: f.activeAuction(t).ID, BidderID: f.bidder(5000), Amount: decimal.RequireFromString("1020.00004")}
			},
			wantErr: domain.ErrValidation,
		},
		{
			name: "unknown_item",
			setup: func(t *testing.T, f *fixture) PlaceBidDTO {
				return PlaceBidDTO{ItemID: uuid.New(), BidderID: f.bidder(5000), Amount: dec(1010)}
			},
			wantErr: domain.ErrNotFound,
		},
		{
			name: "contract_item",
			setup: func(t *testing.T, f *fixture) PlaceBidDTO {
				return PlaceBidDTO{ItemID: f.activeContract(t).ID, BidderID: f.bidder(5000), Amount: dec(500)}
			},
			wantErr: domain.ErrWrongItemKind,
		},
		{
			name: "insufficient_funds",
			setup: func(t *testing.T, f *fixture) PlaceBidDTO {
				return PlaceBidDTO{ItemID: f.activeAuction(t).ID, BidderID: f.bidder(100), Amount: dec(1010)}
			},
			wantErr: domain.ErrInsufficientFunds,
		},
		{
			name: "draft_item",
			setup: func(t *testing.T, f *fixture) PlaceBidDTO {
				item := storetest.NewAuction(t, uuid.New())
				require.NoError(t, f.store.Create(context.Background(), item))
				return PlaceBidDTO{ItemID: item.ID, BidderID: f.bidder(5000), Amount: dec(1010)}
			},
			wantErr: domain.ErrInvalidState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil, BidOptions{})
			cmd := tt.setup(t, f)
			before, _ := f.store.Get(context.Background(), cmd.ItemID)

			_, err := f.uc.PlaceBid.Execute(context.Background(), cmd)
			require.ErrorIs(t, err, tt.wantErr)

			require.True(t, f.mem.Held(cmd.BidderID).IsZero() || tt.wantErr == domain.ErrSelfBidNotAllowed)
			if before != nil {
				after, err := f.store.Get(context.Background(), cmd.ItemID)
				require.NoError(t, err)
				require.Equal(t, before.Version, after.Version, "a rejected bid leaves the item untouched")
			}
		})
	}
}

func TestPlaceBid_Deadline(t *testing.T) {
	f := newFixture(t, nil, nil, BidOptions{})
	ctx := context.Background()
	item := f.activeAuction(t)
	alice := f.bidder(5000)

	f.clock.Set(item.EndTime.Add(-time.Millisecond))
	_, err := f.bid(ctx, item.ID, alice, 1010)
	require.NoError(t, err)

	f.clock.Set(item.EndTime)
	_, err = f.bid(ctx, item.ID, f.bidder(5000), 1020)
	require.ErrorIs(t, err, domain.ErrInvalidState, "a bid at the deadline is late")

	state, err := f.uc.GetItemState.Execute(ctx, item.ID)
	require.NoError(t, err)
	require.Zero(t, state.TimeRemainingMs)
	require.Nil(t, state.MinimumNextBid)
}

func TestPlaceBid_SimultaneousEqualBids(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		loserErr    error
	}{
		// the loser sees the lost race itself
		{name: "single_attempt", maxAttempts: 1, loserErr: domain.ErrConflict},
		// the loser re-validates against the new price
		{name: "with_retries", maxAttempts: 0, loserErr: domain.ErrBidTooLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bl := newBarrierLedger(2)
			f := newFixture(t, bl, nil, BidOptions{MaxAttempts: tt.maxAttempts})
			item := f.activeAuction(t)
			bidders := []uuid.UUID{uuid.New(), uuid.New()}
			for _, b := range bidders {
				bl.Deposit(b, dec(5000))
			}

			errs := make([]error, len(bidders))
			var wg sync.WaitGroup
			for i, b := range bidders {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, errs[i] = f.bid(context.Background(), item.ID, b, 1010)
				}()
			}
			wg.Wait()

			winner, loser := 0, 1
			if errs[0] != nil {
				winner, loser = 1, 0
			}
			require.NoError(t, errs[winner])
			require.ErrorIs(t, errs[loser], tt.loserErr)

			got, err := f.store.Get(context.Background(), item.ID)
			require.NoError(t, err)
			require.True(t, got.CurrentPrice.Equal(dec(1010)))
			require.Equal(t, bidders[winner], *got.LeaderID)
			require.Equal(t, 1, got.BidCount)

			require.True(t, bl.Held(bidders[winner]).Equal(dec(1010)))
			require.True(t, bl.Held(bidders[loser]).IsZero(), "the loser's reservation is released")
			require.True(t, bl.Balance(bidders[loser]).Equal(dec(5000)))
		})
	}
}

func TestPlaceBid_LedgerTimeoutReleasesReservation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	l := mocks.NewMockLedger(ctrl)
	f := newFixture(t, l, nil, BidOptions{LedgerTimeout: 20 * time.Millisecond})
	item := f.activeAuction(t)
	alice := uuid.New()

	var reserved string
	l.EXPECT().Reserve(gomock.Any(), gomock.Any(), alice, gomock.Any()).
		DoAndReturn(func(ctx context.Context, id string, _ uuid.UUID, _ decimal.Decimal) error {
			reserved = id
			<-ctx.Done()
			return ctx.Err()
		})
	l.EXPECT().Release(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, id string) error {
			require.Equal(t, reserved, id)
			require.NoError(t, ctx.Err(), "release runs on a fresh deadline")
			return nil
		})

	_, err := f.bid(context.Background(), item.ID, alice, 1010)
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)

	got, err := f.store.Get(context.Background(), item.ID)
	require.NoError(t, err)
	require.True(t, got.CurrentPrice.Equal(dec(1000)))
	require.Zero(t, got.BidCount)
}

func TestPlaceBid_ReleasesDisplacedLeaderAndPublishes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	l := mocks.NewMockLedger(ctrl)
	pub := mocks.NewMockEventPublisher(ctrl)
	events := &eventLog{}
	f := newFixture(t, l, pub, BidOptions{})
	item := f.activeAuction(t)
	alice, bob := uuid.New(), uuid.New()

	var mu sync.Mutex
	reservations := map[uuid.UUID]string{}
	l.EXPECT().Reserve(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(2).
		DoAndReturn(func(_ context.Context, id string, bidder uuid.UUID, _ decimal.Decimal) error {
			mu.Lock()
			defer mu.Unlock()
			reservations[bidder] = id
			return nil
		})
	l.EXPECT().Release(gomock.Any(), gomock.Any()).Times(1).
		DoAndReturn(func(_ context.Context, id string) error {
			mu.Lock()
			defer mu.Unlock()
			require.Equal(t, reservations[alice], id, "only the displaced leader is released")
			return nil
		})
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).Times(2).DoAndReturn(events.record)

	first, err := f.bid(context.Background(), item.ID, alice, 1010)
	require.NoError(t, err)
	require.Equal(t, first.ID.String(), reservations[alice], "the bid id is the reservation id")
	_, err = f.bid(context.Background(), item.ID, bob, 1050)
	require.NoError(t, err)

	require.Equal(t, []domain.EventType{domain.EventBidAdmitted, domain.EventBidAdmitted}, events.types())
	last := events.events[1]
	require.Equal(t, item.ID, last.ItemID)
	require.Equal(t, bob, *last.ActorID)
	require.True(t, last.Amount.Equal(dec(1050)))
	require.True(t, last.Price.Equal(dec(1050)))
}

func TestPlaceBid_PublisherFailureDoesNotFailBid(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	pub := mocks.NewMockEventPublisher(ctrl)
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("buffer full"))
	f := newFixture(t, nil, pub, BidOptions{})
	item := f.activeAuction(t)

	_, err := f.bid(context.Background(), item.ID, f.bidder(5000), 1010)
	require.NoError(t, err)
}

// corruptStore reports an integrity violation on every append.
type corruptStore struct {
	domain.ItemStore
}

func (corruptStore) AppendBid(ctx context.Context, id uuid.UUID, bid *domain.Bid, expectedPrice decimal.Decimal) (*domain.Item, error) {
	return nil, fmt.Errorf("%w: stored price below the last bid", domain.ErrIntegrityViolation)
}

func TestPlaceBid_IntegrityViolationHaltsItem(t *testing.T) {
	f := newFixture(t, nil, nil, BidOptions{})
	item := f.activeAuction(t)
	uc := NewUseCases(corruptStore{f.store}, f.mem, nil, f.clock, BidOptions{}, LifecycleOptions{})
	alice := f.bidder(5000)

	_, err := uc.PlaceBid.Execute(context.Background(), PlaceBidDTO{ItemID: item.ID, BidderID: alice, Amount: dec(1010)})
	require.ErrorIs(t, err, domain.ErrIntegrityViolation)
	require.True(t, f.mem.Held(alice).IsZero())

	_, err = uc.PlaceBid.Execute(context.Background(), PlaceBidDTO{ItemID: item.ID, BidderID: alice, Amount: dec(1010)})
	require.ErrorIs(t, err, domain.ErrItemHalted)

	_, err = uc.Lifecycle.Close(context.Background(), item.ID)
	require.ErrorIs(t, err, domain.ErrItemHalted)

	state, err := uc.GetItemState.Execute(context.Background(), item.ID)
	require.NoError(t, err)
	require.True(t, state.Halted)
}

// Concurrent bidders never produce a decreasing log and the final price is the
// highest admitted amount.
func TestPlaceBid_ConcurrentEscalationProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		amounts := rapid.SliceOfN(rapid.Int64Range(1010, 1300), 2, 12).Draw(rt, "amounts")

		f := newFixture(t, nil, nil, BidOptions{})
		item := f.activeAuction(t)
		bidders := make([]uuid.UUID, len(amounts))
		for i := range bidders {
			bidders[i] = f.bidder(10000)
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted []decimal.Decimal
			failures []error
		)
		for i, amount := range amounts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.bid(context.Background(), item.ID, bidders[i], amount)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					admitted = append(admitted, dec(amount))
				case errors.Is(err, domain.ErrBidTooLow), errors.Is(err, domain.ErrConflict):
				default:
					failures = append(failures, err)
				}
			}()
		}
		wg.Wait()
		require.Empty(rt, failures)

		got, err := f.store.Get(context.Background(), item.ID)
		require.NoError(rt, err)
		bids, err := f.store.Bids(context.Background(), item.ID)
		require.NoError(rt, err)
		require.Len(rt, bids, len(admitted))
		require.NotEmpty(rt, admitted, "the first committed bid always clears the base price")

		highest := admitted[0]
		for _, a := range admitted[1:] {
			highest = decimal.Max(highest, a)
		}
		require.True(rt, got.CurrentPrice.Equal(highest), "price %s, highest admitted %s", got.CurrentPrice, highest)

		for i := 1; i < len(bids); i++ {
			require.Greater(rt, bids[i].Seq, bids[i-1].Seq)
			require.True(rt, bids[i].Amount.GreaterThanOrEqual(bids[i-1].Amount.Add(item.MinIncrement)))
		}

		// only the leader still has tokens held
		for _, b := range bidders {
			if b == *got.LeaderID {
				require.True(rt, f.mem.Held(b).Equal(highest))
				continue
			}
			require.True(rt, f.mem.Held(b).IsZero())
		}
	})
}

func BenchmarkPlaceBid(b *testing.B) {
	store := memory.NewItemStore()
	mem := ledger.NewMemory()
	clk := clock.NewManual(storetest.Base.Add(time.Minute))
	uc := NewUseCases(store, mem, nil, clk, BidOptions{}, LifecycleOptions{})

	item, err := domain.NewItem(uuid.New(), uuid.New(), domain.ItemSpec{
		Kind:         domain.KindAuction,
		Title:        "Benchmark lot",
		BasePrice:    dec(1),
		MinIncrement: dec(1),
		StartTime:    storetest.Base,
		EndTime:      storetest.Base.Add(time.Hour),
	}, storetest.Base)
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Create(ctx, item); err != nil {
		b.Fatal(err)
	}
	if _, err := store.Transition(ctx, item.ID, domain.Transition{From: domain.StatusDraft, To: domain.StatusActive, At: storetest.Base}); err != nil {
		b.Fatal(err)
	}
	bidders := []uuid.UUID{uuid.New(), uuid.New()}
	for _, id := range bidders {
		mem.Deposit(id, decimal.NewFromInt(int64(b.N)+10))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cmd := PlaceBidDTO{ItemID: item.ID, BidderID: bidders[i%2], Amount: dec(int64(i) + 2)}
		if _, err := uc.PlaceBid.Execute(ctx, cmd); err != nil {
			b.Fatal(err)
		}
	}
}

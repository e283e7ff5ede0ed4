package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func auctionSpec(start time.Time) ItemSpec {
	return ItemSpec{
		Kind:         KindAuction,
		Title:        "Robotics kit",
		BasePrice:    decimal.NewFromInt(1000),
		MinIncrement: decimal.NewFromInt(10),
		StartTime:    start,
		EndTime:      start.Add(time.Hour),
	}
}

func TestItemSpec_Validate(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		mutate    func(s *ItemSpec)
		wantField string
	}{
		{name: "valid_auction", mutate: func(s *ItemSpec) {}},
		{name: "valid_contract", mutate: func(s *ItemSpec) {
			s.Kind = KindContract
			s.MinIncrement = decimal.Zero
			s.MinBid = decimal.NewFromInt(100)
		}},
		{name: "blank_title", mutate: func(s *ItemSpec) { s.Title = "  " }, wantField: "title"},
		{name: "end_equals_start", mutate: func(s *ItemSpec) { s.EndTime = s.StartTime }, wantField: "end_time"},
		{name: "end_before_start", mutate: func(s *ItemSpec) { s.EndTime = s.StartTime.Add(-time.Minute) }, wantField: "end_time"},
		{name: "zero_base_price", mutate: func(s *ItemSpec) { s.BasePrice = decimal.Zero }, wantField: "base_price"},
		{name: "negative_base_price", mutate: func(s *ItemSpec) { s.BasePrice = decimal.NewFromInt(-5) }, wantField: "base_price"},
		{name: "zero_increment", mutate: func(s *ItemSpec) { s.MinIncrement = decimal.Zero }, wantField: "min_increment"},
		{name: "contract_without_min_bid", mutate: func(s *ItemSpec) { s.Kind = KindContract }, wantField: "min_bid"},
		{name: "contract_min_bid_above_reward", mutate: func(s *ItemSpec) {
			s.Kind = KindContract
			s.MinBid = decimal.NewFromInt(2000)
		}, wantField: "min_bid"},
		{name: "base_price_below_storage_scale", mutate: func(s *ItemSpec) { s.BasePrice = decimal.RequireFromString("1000.00005") }, wantField: "base_price"},
		{name: "trailing_zeros_are_fine", mutate: func(s *ItemSpec) { s.MinIncrement = decimal.RequireFromString("10.500000") }},
		{name: "base_price_too_large", mutate: func(s *ItemSpec) { s.BasePrice = decimal.New(1, 16) }, wantField: "base_price"},
		{name: "unknown_kind", mutate: func(s *ItemSpec) { s.Kind = "raffle" }, wantField: "kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := auctionSpec(start)
			tt.mutate(&spec)

			err := spec.Validate()
			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			fields := make([]string, 0, len(verr.Fields))
			for _, f := range verr.Fields {
				fields = append(fields, f.Field)
			}
			require.Contains(t, fields, tt.wantField)
		})
	}
}

func TestNewItem_StartsAsDraftAtBasePrice(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	item, err := NewItem(uuid.New(), uuid.New(), auctionSpec(now), now)
	require.NoError(t, err)

	require.Equal(t, StatusDraft, item.Status)
	require.True(t, item.CurrentPrice.Equal(item.BasePrice))
	require.Equal(t, SettlementNone, item.Settlement)
	require.Nil(t, item.WinnerID)
	require.True(t, item.MinimumNextBid().Equal(decimal.NewFromInt(1010)))
}

func TestItem_Windows(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	item, err := NewItem(uuid.New(), uuid.New(), auctionSpec(start), start)
	require.NoError(t, err)

	require.True(t, item.IsDueForActivation(start))
	require.False(t, item.IsDueForActivation(start.Add(-time.Second)))
	require.False(t, item.AcceptsBidsAt(start), "drafts take no bids")

	item.Status = StatusActive
	require.True(t, item.AcceptsBidsAt(item.EndTime.Add(-time.Nanosecond)))
	require.False(t, item.AcceptsBidsAt(item.EndTime))
	require.False(t, item.IsDueForClose(item.EndTime.Add(-time.Nanosecond)))
	require.True(t, item.IsDueForClose(item.EndTime))
	require.Equal(t, 30*time.Minute, item.TimeRemaining(start.Add(30*time.Minute)))
	require.Zero(t, item.TimeRemaining(item.EndTime.Add(time.Second)))
}

func TestCanTransition(t *testing.T) {
	all := []ItemStatus{StatusDraft, StatusActive, StatusCompleted, StatusCancelled}
	allowed := map[[2]ItemStatus]bool{
		{StatusDraft, StatusActive}:     true,
		{StatusDraft, StatusCancelled}:  true,
		{StatusActive, StatusCompleted}: true,
		{StatusActive, StatusCancelled}: true,
	}
	for _, from := range all {
		for _, to := range all {
			require.Equal(t, allowed[[2]ItemStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestItem_CloneDoesNotShareState(t *testing.T) {
	now := time.Now().UTC()
	item, err := NewItem(uuid.New(), uuid.New(), auctionSpec(now), now)
	require.NoError(t, err)
	leader := uuid.New()
	item.LeaderID = &leader

	cp := item.Clone()
	*cp.LeaderID = uuid.New()
	cp.Status = StatusCancelled

	require.Equal(t, leader, *item.LeaderID)
	require.Equal(t, StatusDraft, item.Status)
}

func TestBidTooLowError(t *testing.T) {
	err := error(&BidTooLowError{Amount: decimal.NewFromInt(1005), Minimum: decimal.NewFromInt(1020)})
	require.ErrorIs(t, err, ErrBidTooLow)
	require.Contains(t, err.Error(), "1020")
}

func TestDeriveAuctionStatuses(t *testing.T) {
	bids := []*Bid{{Seq: 1}, {Seq: 2}, {Seq: 3}}
	DeriveAuctionStatuses(bids)
	require.Equal(t, BidSuperseded, bids[0].Status)
	require.Equal(t, BidSuperseded, bids[1].Status)
	require.Equal(t, BidActive, bids[2].Status)
}

func TestCheckAmount(t *testing.T) {
	tests := []struct {
		amount string
		ok     bool
	}{
		{"1020", true},
		{"1020.0001", true},
		{"1020.00010", true},
		{"1020.00004", false},
		{"9999999999999999.9999", true},
		{"10000000000000000", false},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			fe := CheckAmount("amount", decimal.RequireFromString(tt.amount))
			if tt.ok {
				require.Nil(t, fe)
				return
			}
			require.NotNil(t, fe)
			require.Equal(t, "amount", fe.Field)
		})
	}
}

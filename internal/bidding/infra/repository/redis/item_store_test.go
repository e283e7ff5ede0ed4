package redis

import (
	"context"
	"os"
	"testing"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/bidding/infra/repository/storetest"
	"github.com/cristianortiz/biddingEngine/internal/shared/config"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to TEST_REDIS_ADDR under a throwaway key prefix.
func newTestStore(t *testing.T) *ItemStore {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb, err := NewClient(config.RedisConfig{Addr: addr})
	require.NoError(t, err)
	prefix := "biddingtest:" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := rdb.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = rdb.Del(ctx, keys...).Err()
		}
		_ = rdb.Close()
	})
	return NewItemStore(rdb, prefix)
}

func TestItemStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.ItemStore { return newTestStore(t) })
}

func TestItemStore_SnapshotDerivesLeader(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := storetest.NewAuction(t, uuid.New())
	require.NoError(t, store.Create(ctx, item))
	_, err := store.Transition(ctx, item.ID, domain.Transition{From: domain.StatusDraft, To: domain.StatusActive, At: storetest.Base})
	require.NoError(t, err)

	for i, amount := range []int64{1010, 1020} {
		b := domain.NewBid(uuid.New(), item.ID, uuid.New(), decimal.NewFromInt(amount), storetest.Base)
		_, err := store.AppendBid(ctx, item.ID, b, decimal.NewFromInt(1000+int64(i)*10))
		require.NoError(t, err)
	}

	snap, err := store.Snapshot(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BidActive, snap.LatestBid.Status)
	require.True(t, snap.LatestBid.Amount.Equal(decimal.NewFromInt(1020)))
	require.Equal(t, int64(2), snap.LatestBid.Seq)
}

package ledger

import (
	"context"
	"testing"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestMemory_ReserveReleaseCapture(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	alice := uuid.New()
	m.Deposit(alice, decimal.NewFromInt(1500))

	require.NoError(t, m.Reserve(ctx, "r1", alice, decimal.NewFromInt(1010)))
	require.True(t, m.Balance(alice).Equal(decimal.NewFromInt(490)))
	require.True(t, m.Held(alice).Equal(decimal.NewFromInt(1010)))

	// same key, same request
	require.NoError(t, m.Reserve(ctx, "r1", alice, decimal.NewFromInt(1010)))
	require.True(t, m.Balance(alice).Equal(decimal.NewFromInt(490)))

	err := m.Reserve(ctx, "r2", alice, decimal.NewFromInt(500))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	require.NoError(t, m.Release(ctx, "r1"))
	require.NoError(t, m.Release(ctx, "r1"))
	require.NoError(t, m.Release(ctx, "never-reserved"))
	require.True(t, m.Balance(alice).Equal(decimal.NewFromInt(1500)))
	require.True(t, m.Held(alice).IsZero())

	require.ErrorIs(t, m.Capture(ctx, "r1"), domain.ErrSettlementFailed)
	require.ErrorIs(t, m.Capture(ctx, "unknown"), domain.ErrSettlementFailed)

	require.NoError(t, m.Reserve(ctx, "r3", alice, decimal.NewFromInt(1200)))
	require.NoError(t, m.Capture(ctx, "r3"))
	require.NoError(t, m.Capture(ctx, "r3"))
	require.NoError(t, m.Release(ctx, "r3"), "release after capture is a no-op")
	require.True(t, m.Balance(alice).Equal(decimal.NewFromInt(300)))
	require.True(t, m.Held(alice).IsZero())
}

func TestMemory_ReservationKeyCannotBeReused(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	alice, bob := uuid.New(), uuid.New()
	m.Deposit(alice, decimal.NewFromInt(100))
	m.Deposit(bob, decimal.NewFromInt(100))

	require.NoError(t, m.Reserve(ctx, "r1", alice, decimal.NewFromInt(10)))
	require.Error(t, m.Reserve(ctx, "r1", bob, decimal.NewFromInt(10)))
	require.True(t, m.Balance(bob).Equal(decimal.NewFromInt(100)))
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMemory()
	alice := uuid.New()
	m.Deposit(alice, decimal.NewFromInt(100))

	require.ErrorIs(t, m.Reserve(ctx, "r1", alice, decimal.NewFromInt(10)), domain.ErrLedgerUnavailable)
	require.True(t, m.Balance(alice).Equal(decimal.NewFromInt(100)))
}

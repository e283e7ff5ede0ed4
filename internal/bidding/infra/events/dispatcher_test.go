package events

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	name string
	err  error

	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func event(typ domain.EventType) domain.Event {
	return domain.Event{EventID: uuid.New(), Type: typ, ItemID: uuid.New()}
}

func TestDispatcher_DeliversInOrderToEverySink(t *testing.T) {
	failing := &recordingSink{name: "failing", err: errors.New("broker down")}
	ok := &recordingSink{name: "ok"}
	d := NewDispatcher(8, failing)
	d.Attach(ok)
	go d.Run()

	ctx := context.Background()
	require.NoError(t, d.Publish(ctx, event(domain.EventItemActivated)))
	require.NoError(t, d.Publish(ctx, event(domain.EventBidAdmitted)))
	require.NoError(t, d.Publish(ctx, event(domain.EventItemClosed)))
	require.NoError(t, d.Close(ctx))

	want := []domain.EventType{domain.EventItemActivated, domain.EventBidAdmitted, domain.EventItemClosed}
	require.Equal(t, want, ok.types())
	require.Equal(t, want, failing.types(), "a failing sink still sees every event")
	require.EqualValues(t, 3, d.Delivered())
}

func TestDispatcher_FullBufferDrops(t *testing.T) {
	d := NewDispatcher(1)
	ctx := context.Background()

	require.NoError(t, d.Publish(ctx, event(domain.EventBidAdmitted)))
	require.ErrorIs(t, d.Publish(ctx, event(domain.EventBidAdmitted)), ErrBufferFull)
	require.EqualValues(t, 1, d.Dropped())

	go d.Run()
	require.NoError(t, d.Close(ctx))
	require.ErrorIs(t, d.Publish(ctx, event(domain.EventBidAdmitted)), ErrClosed)
	require.NoError(t, d.Close(ctx), "close is idempotent")
}

func TestDispatcher_CloseHonoursDeadline(t *testing.T) {
	d := NewDispatcher(4)
	require.NoError(t, d.Publish(context.Background(), event(domain.EventItemClosed)))

	// Run never started, the backlog cannot drain
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
}

func TestNatsSink_Subject(t *testing.T) {
	s := &NatsSink{prefix: "bidding"}
	e := event(domain.EventBidAdmitted)
	require.Equal(t, "bidding.bid_admitted."+e.ItemID.String(), s.Subject(e))
	require.Equal(t, "nats", s.Name())
}

// TestNatsSink_Publish runs against a real server when TEST_NATS_URL is set.
func TestNatsSink_Publish(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}
	conn, err := ConnectNats(url)
	require.NoError(t, err)
	defer conn.Close()

	prefix := "test" + uuid.NewString()[:8]
	sub, err := conn.SubscribeSync(prefix + ".>")
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	sink, err := NewNatsSink(context.Background(), conn, prefix, "")
	require.NoError(t, err)
	e := event(domain.EventContractAccepted)
	require.NoError(t, sink.Deliver(context.Background(), e))

	var msg *nats.Msg
	msg, err = sub.NextMsg(time.Second)
	require.NoError(t, err)
	require.Equal(t, sink.Subject(e), msg.Subject)
	require.Contains(t, string(msg.Data), e.EventID.String())
}

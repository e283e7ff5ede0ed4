package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := NewHub()
	go h.Run(ctx)
	return h
}

func watcher(h *Hub, id, itemID string, buffer int) *Client {
	return &Client{Hub: h, Send: make(chan []byte, buffer), ID: id, ItemID: itemID}
}

func waitWatchers(t *testing.T, h *Hub, itemID string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, err := h.Watchers(context.Background(), itemID)
		return err == nil && n == want
	}, time.Second, 5*time.Millisecond)
}

func TestHub_BroadcastReachesOnlyItemWatchers(t *testing.T) {
	h := startHub(t)
	a := watcher(h, "a", "item-1", 4)
	b := watcher(h, "b", "item-1", 4)
	other := watcher(h, "c", "item-2", 4)
	h.RegisterClient(a)
	h.RegisterClient(b)
	h.RegisterClient(other)
	waitWatchers(t, h, "item-1", 2)

	require.True(t, h.BroadcastToItem("item-1", []byte(`{"type":"server_item_update"}`)))

	for _, c := range []*Client{a, b} {
		select {
		case msg := <-c.Send:
			require.JSONEq(t, `{"type":"server_item_update"}`, string(msg))
		case <-time.After(time.Second):
			t.Fatalf("client %s got nothing", c.ID)
		}
	}
	select {
	case <-other.Send:
		t.Fatal("watcher of another item received the message")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	h := startHub(t)
	slow := watcher(h, "slow", "item-1", 1)
	h.RegisterClient(slow)
	waitWatchers(t, h, "item-1", 1)

	h.BroadcastToItem("item-1", []byte("1"))
	h.BroadcastToItem("item-1", []byte("2"))
	waitWatchers(t, h, "item-1", 0)

	require.Equal(t, []byte("1"), <-slow.Send)
	_, open := <-slow.Send
	require.False(t, open, "hub closes the send channel of a dropped client")
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	h := startHub(t)
	c := watcher(h, "a", "item-1", 1)
	h.RegisterClient(c)
	waitWatchers(t, h, "item-1", 1)

	h.UnregisterClient(c)
	h.UnregisterClient(c)
	waitWatchers(t, h, "item-1", 0)
}

func TestHub_SendToClientSkipsUnregistered(t *testing.T) {
	h := startHub(t)
	c := watcher(h, "a", "item-1", 2)
	h.RegisterClient(c)
	waitWatchers(t, h, "item-1", 1)

	require.True(t, h.SendToClient(c, []byte(`{"type":"server_error"}`)))
	select {
	case msg := <-c.Send:
		require.JSONEq(t, `{"type":"server_error"}`, string(msg))
	case <-time.After(time.Second):
		t.Fatal("direct message not delivered")
	}

	h.UnregisterClient(c)
	waitWatchers(t, h, "item-1", 0)
	// the send channel is closed already, the hub must not write to it
	h.SendToClient(c, []byte("late"))
	waitWatchers(t, h, "item-1", 0)
	_, open := <-c.Send
	require.False(t, open)
}

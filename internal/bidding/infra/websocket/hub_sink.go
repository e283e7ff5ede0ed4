package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cristianortiz/biddingEngine/internal/bidding/application"
	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/shared/websocket"
	"github.com/google/uuid"
)

var ErrBroadcastDropped = errors.New("hub broadcast queue full")

// StateReader is the part of the bidding service the sink needs.
type StateReader interface {
	GetItemState(ctx context.Context, itemID uuid.UUID) (*application.ItemStateDTO, error)
}

// HubSink relays domain events to the watchers of the item, followed by the fresh item state.
type HubSink struct {
	hub    *websocket.Hub
	states StateReader
}

func NewHubSink(hub *websocket.Hub, states StateReader) *HubSink {
	return &HubSink{hub: hub, states: states}
}

func (s *HubSink) Name() string { return "websocket" }

func (s *HubSink) Deliver(ctx context.Context, event domain.Event) error {
	itemID := event.ItemID.String()
	n, err := s.hub.Watchers(ctx, itemID)
	if err != nil {
		return fmt.Errorf("hub sink: count watchers of %s: %w", itemID, err)
	}
	if n == 0 {
		return nil
	}

	if err := s.broadcast(itemID, newItemEvent(event)); err != nil {
		return err
	}
	state, err := s.states.GetItemState(ctx, event.ItemID)
	if err != nil {
		return fmt.Errorf("hub sink: read state of %s: %w", itemID, err)
	}
	return s.broadcast(itemID, newItemUpdate(state))
}

func (s *HubSink) broadcast(itemID string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("hub sink: marshal: %w", err)
	}
	if !s.hub.BroadcastToItem(itemID, data) {
		return fmt.Errorf("hub sink: item %s: %w", itemID, ErrBroadcastDropped)
	}
	return nil
}

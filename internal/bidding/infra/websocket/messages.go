package websocket

import (
	"github.com/cristianortiz/biddingEngine/internal/bidding/application"
	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/bidding/infra/rest"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MessageType defines ws type message
type MessageType string

const (
	MessageTypeClientBid          MessageType = "client_bid"           // client msg to place a bid or offer
	MessageTypeServerItemUpdate   MessageType = "server_item_update"   // server msg with the item state after a change
	MessageTypeServerItemEvent    MessageType = "server_item_event"    // server msg relaying a domain event
	MessageTypeServerError        MessageType = "server_error"         // server msg indicating error, sent only to the caller
	MessageTypeServerInitialState MessageType = "server_initial_state" // server msg with the item state on connect
)

// recentBids is how many bids the initial state carries.
const recentBids = 20

// BaseMessage is base struct for all the WS messages, includes a Type field for identify the message type
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// ClientBidMessage is sent by a watcher to bid on the item it watches.
// The bidder is the connection identity, never a payload field.
type ClientBidMessage struct {
	BaseMessage
	Payload struct {
		ItemID  uuid.UUID        `json:"item_id"`
		Amount  *decimal.Decimal `json:"amount"`
		Comment string           `json:"comment"`
	} `json:"payload"`
}

type ServerItemUpdateMessage struct {
	BaseMessage
	Payload *application.ItemStateDTO `json:"payload"`
}

type ServerItemEventMessage struct {
	BaseMessage
	Payload domain.Event `json:"payload"`
}

type ServerErrorMessage struct {
	BaseMessage
	Payload rest.ErrorResponse `json:"payload"`
}

// ServerInitialStateMessage is sent once to a client right after it connects.
type ServerInitialStateMessage struct {
	BaseMessage
	Payload struct {
		Item       *application.ItemStateDTO `json:"item"`
		RecentBids []application.BidDTO      `json:"recent_bids"`
	} `json:"payload"`
}

func newItemUpdate(state *application.ItemStateDTO) ServerItemUpdateMessage {
	return ServerItemUpdateMessage{BaseMessage: BaseMessage{Type: MessageTypeServerItemUpdate}, Payload: state}
}

func newItemEvent(event domain.Event) ServerItemEventMessage {
	return ServerItemEventMessage{BaseMessage: BaseMessage{Type: MessageTypeServerItemEvent}, Payload: event}
}

func newInitialState(state *application.ItemStateDTO, bids []application.BidDTO) ServerInitialStateMessage {
	if len(bids) > recentBids {
		bids = bids[len(bids)-recentBids:]
	}
	msg := ServerInitialStateMessage{BaseMessage: BaseMessage{Type: MessageTypeServerInitialState}}
	msg.Payload.Item = state
	msg.Payload.RecentBids = bids
	return msg
}

package websocket

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cristianortiz/biddingEngine/internal/bidding/application"
	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/bidding/infra/rest"
	"github.com/cristianortiz/biddingEngine/internal/shared/logger"
	"github.com/cristianortiz/biddingEngine/internal/shared/websocket"
	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

const userIDLocal = "ws_user_id"

// BiddingWSHandler handles the ws inbound msgs of the bidding module and serves the item watch endpoint.
type BiddingWSHandler struct {
	service application.BiddingService // application layer dependency
	hub     *websocket.Hub             // shared hub dependency to send msgs
}

func NewBiddingWSHandler(service application.BiddingService, hub *websocket.Hub) *BiddingWSHandler {
	return &BiddingWSHandler{
		service: service,
		hub:     hub,
	}
}

// ListenForMessages consumes the hub inbound channel until ctx is done, one goroutine per message.
func (h *BiddingWSHandler) ListenForMessages(ctx context.Context) {
	log.Info("BiddingWSHandler started listening for inbound messages from hub")
	for {
		select {
		case <-ctx.Done():
			log.Info("BiddingWSHandler stopped listening for inbound messages from hub")
			return
		case msg := <-h.hub.InboundMessages:
			go h.processMessage(ctx, msg.Client, msg.Data)
		}
	}
}

// processMessage dispatch the message by this type
func (h *BiddingWSHandler) processMessage(ctx context.Context, client *websocket.Client, data []byte) {
	var baseMsg BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		h.sendError(client, domain.NewValidationError(domain.FieldError{Field: "message", Error: "invalid message format"}))
		return
	}
	switch baseMsg.Type {
	case MessageTypeClientBid:
		h.handleClientBid(ctx, client, data)
	default:
		h.sendError(client, domain.NewValidationError(domain.FieldError{Field: "type", Error: "unknown message type"}))
	}
}

func (h *BiddingWSHandler) handleClientBid(ctx context.Context, client *websocket.Client, data []byte) {
	var bidMsg ClientBidMessage
	if err := json.Unmarshal(data, &bidMsg); err != nil {
		h.sendError(client, domain.NewValidationError(domain.FieldError{Field: "payload", Error: "invalid bid message format"}))
		return
	}
	bidderID, err := uuid.Parse(client.UserID)
	if err != nil {
		h.sendError(client, rest.ErrUnauthorized)
		return
	}
	itemID, err := uuid.Parse(client.ItemID)
	if err != nil {
		h.sendError(client, domain.ErrNotFound)
		return
	}
	if bidMsg.Payload.ItemID != uuid.Nil && bidMsg.Payload.ItemID != itemID {
		h.sendError(client, domain.NewValidationError(domain.FieldError{Field: "item_id", Error: "does not match the watched item"}))
		return
	}
	if bidMsg.Payload.Amount == nil {
		h.sendError(client, domain.NewValidationError(domain.FieldError{Field: "amount", Error: "this field is required"}))
		return
	}

	bid, err := h.service.SubmitBid(ctx, application.PlaceBidDTO{
		ItemID:   itemID,
		BidderID: bidderID,
		Amount:   *bidMsg.Payload.Amount,
		Comment:  bidMsg.Payload.Comment,
	})
	if err != nil {
		h.sendError(client, err)
		return
	}
	// watchers, the bidder included, learn about the bid from the BidAdmitted event
	log.Debug("ws bid admitted",
		zap.String("clientID", client.ID),
		zap.String("itemID", client.ItemID),
		zap.String("bidID", bid.ID.String()),
	)
}

// sendError serializes err the way the REST API reports it and queues it for client only.
func (h *BiddingWSHandler) sendError(client *websocket.Client, err error) {
	_, body := rest.Describe(err)
	data, merr := json.Marshal(ServerErrorMessage{BaseMessage: BaseMessage{Type: MessageTypeServerError}, Payload: body})
	if merr != nil {
		log.Error("failed to marshal ServerErrorMessage", zap.Error(merr))
		return
	}
	if !h.hub.SendToClient(client, data) {
		log.Warn("could not queue error msg for client", zap.String("clientID", client.ID))
	}
}

// Upgrade rejects plain HTTP requests on the ws route and resolves the caller
// identity from the identity header or the user_id query param.
func (h *BiddingWSHandler) Upgrade(c *fiber.Ctx) error {
	if !fiberws.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	raw := strings.TrimSpace(c.Get(rest.HeaderUserID))
	if raw == "" {
		raw = strings.TrimSpace(c.Query("user_id"))
	}
	if raw != "" {
		if _, err := uuid.Parse(raw); err != nil {
			return rest.ErrUnauthorized
		}
	}
	c.Locals(userIDLocal, raw)
	return c.Next()
}

// Serve returns the handler of /ws/items/:id. The connection lives until the peer
// leaves or ctx is done.
func (h *BiddingWSHandler) Serve(ctx context.Context) fiber.Handler {
	return fiberws.New(func(conn *fiberws.Conn) {
		itemID, err := uuid.Parse(conn.Params("id"))
		if err != nil {
			h.reject(conn, domain.NewValidationError(domain.FieldError{Field: "id", Error: "must be a valid uuid"}))
			return
		}
		initial, err := h.initialState(ctx, itemID)
		if err != nil {
			h.reject(conn, err)
			return
		}

		userID, _ := conn.Locals(userIDLocal).(string)
		client := websocket.NewClient(h.hub, conn, uuid.NewString(), itemID.String(), userID)
		// nothing else knows the client yet, so Send can be written directly
		client.Send <- initial
		h.hub.RegisterClient(client)

		go client.WritePump(ctx)
		client.ReadPump(ctx)
	})
}

func (h *BiddingWSHandler) initialState(ctx context.Context, itemID uuid.UUID) ([]byte, error) {
	state, err := h.service.GetItemState(ctx, itemID)
	if err != nil {
		return nil, err
	}
	bids, err := h.service.BidHistory(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(newInitialState(state, bids))
}

// reject writes a server_error on a connection that never joined the hub.
func (h *BiddingWSHandler) reject(conn *fiberws.Conn, err error) {
	_, body := rest.Describe(err)
	data, merr := json.Marshal(ServerErrorMessage{BaseMessage: BaseMessage{Type: MessageTypeServerError}, Payload: body})
	if merr == nil {
		_ = conn.WriteMessage(fiberws.TextMessage, data)
	}
	_ = conn.WriteMessage(fiberws.CloseMessage, fiberws.FormatCloseMessage(fiberws.ClosePolicyViolation, body.Error))
	_ = conn.Close()
}

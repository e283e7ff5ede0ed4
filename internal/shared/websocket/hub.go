package websocket

import (
	"context"
	"time"

	"github.com/cristianortiz/biddingEngine/internal/shared/logger"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024

	// hubQueue sizes the hub's control and broadcast channels.
	hubQueue = 256

	// SendBuffer is the per client outbound queue, a client that falls this far behind is dropped.
	SendBuffer = 64
)

// Conn is the part of *websocket.Conn the pumps use.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Hub keeps the registry of watchers grouped by item and fans messages out to them.
// All registry state is owned by the Run goroutine.
type Hub struct {
	// item id -> set of clients
	clients map[string]map[*Client]bool

	broadcast  chan *Message
	direct     chan *directMessage
	register   chan *Client
	unregister chan *Client
	counts     chan countRequest

	// InboundMessages is consumed by the module specific handler (bid placement).
	InboundMessages chan *ClientMessage
}

// Client represents a ws individual connection
type Client struct {
	Hub  *Hub
	Conn Conn
	// Buffered channel of outbound messages.
	Send chan []byte
	// The item this client watches.
	ItemID string
	// UserID is the caller identity taken from the upgrade request, empty for anonymous watchers.
	UserID string
	ID     string
	Remote string
}

type Message struct {
	ItemID string
	Data   []byte
}

// ClientMessage is used for wraping the client and data message received.
type ClientMessage struct {
	Client *Client
	Data   []byte
}

type directMessage struct {
	client *Client
	data   []byte
}

type countRequest struct {
	itemID string
	reply  chan int
}

func NewHub() *Hub {
	return &Hub{
		broadcast:       make(chan *Message, hubQueue),
		direct:          make(chan *directMessage, hubQueue),
		register:        make(chan *Client, hubQueue),
		unregister:      make(chan *Client, hubQueue),
		counts:          make(chan countRequest),
		clients:         make(map[string]map[*Client]bool),
		InboundMessages: make(chan *ClientMessage, hubQueue),
	}
}

// NewClient builds a client for an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, id, itemID, userID string) *Client {
	return &Client{
		Hub:    hub,
		Conn:   conn,
		Send:   make(chan []byte, SendBuffer),
		ItemID: itemID,
		UserID: userID,
		ID:     id,
		Remote: conn.RemoteAddr().String(),
	}
}

// Run starts the hub listening in their channels
func (h *Hub) Run(ctx context.Context) {
	log.Info("Websocket Hub started")
	for {
		select {
		case <-ctx.Done():
			log.Info("WebSocket Hub shutting down due to context cancellation")
			for _, group := range h.clients {
				for client := range group {
					close(client.Send)
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			return

		case client := <-h.register:
			if _, ok := h.clients[client.ItemID]; !ok {
				h.clients[client.ItemID] = make(map[*Client]bool)
			}
			h.clients[client.ItemID][client] = true
			log.Info("Client registered",
				zap.String("clientID", client.ID),
				zap.String("itemID", client.ItemID),
				zap.String("remote_addr", client.Remote),
				zap.Int("total_clients", h.total()),
			)

		case client := <-h.unregister:
			h.remove(client, "Client unregistered")

		case message := <-h.broadcast:
			clients, ok := h.clients[message.ItemID]
			if !ok {
				continue
			}
			log.Debug("Broadcasting message to item", zap.String("itemID", message.ItemID), zap.Int("clients", len(clients)))
			for client := range clients {
				select {
				case client.Send <- message.Data:
				default:
					// slow consumer, drop it rather than stall every watcher
					h.remove(client, "Failed to Send message to client, unregistering")
				}
			}

		case msg := <-h.direct:
			// the client may already be gone, its Send channel closed
			if !h.clients[msg.client.ItemID][msg.client] {
				continue
			}
			select {
			case msg.client.Send <- msg.data:
			default:
				h.remove(msg.client, "Failed to Send message to client, unregistering")
			}

		case req := <-h.counts:
			req.reply <- len(h.clients[req.itemID])
		}
	}
}

func (h *Hub) remove(client *Client, reason string) {
	clients, ok := h.clients[client.ItemID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	log.Info(reason,
		zap.String("clientID", client.ID),
		zap.String("itemID", client.ItemID),
		zap.String("remote_addr", client.Remote),
		zap.Int("total_clients", h.total()),
	)
	if len(clients) == 0 {
		delete(h.clients, client.ItemID)
	}
}

func (h *Hub) total() int {
	count := 0
	for _, group := range h.clients {
		count += len(group)
	}
	return count
}

// Watchers reports how many clients watch itemID. It blocks until Run answers or ctx ends.
func (h *Hub) Watchers(ctx context.Context, itemID string) (int, error) {
	req := countRequest{itemID: itemID, reply: make(chan int, 1)}
	select {
	case h.counts <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-req.reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// RegisterClient register a new client in the hub
func (h *Hub) RegisterClient(client *Client) {
	select {
	case h.register <- client:
		log.Debug("Client queued for registration",
			zap.String("clientID", client.ID),
			zap.String("itemID", client.ItemID),
		)
	default:
		log.Error("Register channel is full, client registration failed",
			zap.String("clientID", client.ID),
			zap.String("itemID", client.ItemID),
		)
		if client.Conn != nil {
			_ = client.Conn.Close()
		}
	}
}

// UnregisterClient delete a client from the hub
func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	default:
		log.Error("Unregister channel is full, client unregistration failed",
			zap.String("clientID", client.ID),
			zap.String("itemID", client.ItemID),
		)
	}
}

// BroadcastToItem queues data for every watcher of itemID. It never blocks.
func (h *Hub) BroadcastToItem(itemID string, data []byte) bool {
	select {
	case h.broadcast <- &Message{ItemID: itemID, Data: data}:
		return true
	default:
		log.Error("Broadcast channel is full, message dropped", zap.String("itemID", itemID))
		return false
	}
}

// SendToClient queues data for a single registered client. It never blocks.
func (h *Hub) SendToClient(client *Client, data []byte) bool {
	select {
	case h.direct <- &directMessage{client: client, data: data}:
		return true
	default:
		log.Error("Direct channel is full, message dropped", zap.String("clientID", client.ID))
		return false
	}
}

// ReadPump forwards client frames to InboundMessages. One goroutine per client.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.Hub.UnregisterClient(c)
		c.Conn.Close()
		log.Info("ReadPump stopped for client",
			zap.String("clientID", c.ID),
			zap.String("itemID", c.ItemID),
			zap.String("remote_addr", c.Remote),
		)
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { return c.Conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error("WebSocket read error",
					zap.String("clientID", c.ID),
					zap.String("itemID", c.ItemID),
					zap.String("remote_addr", c.Remote),
					zap.Error(err),
				)
			} else {
				log.Info("WebSocket connection closed by peer",
					zap.String("clientID", c.ID),
					zap.String("itemID", c.ItemID),
					zap.Error(err),
				)
			}
			return
		}

		select {
		case c.Hub.InboundMessages <- &ClientMessage{Client: c, Data: message}:
		default:
			log.Error("Hub InboundMessages channel is full, dropping message",
				zap.String("clientID", c.ID),
				zap.String("itemID", c.ItemID),
			)
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
// It is the only writer of the connection.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Hub.UnregisterClient(c)
		c.Conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			err := c.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			if err != nil {
				log.Debug("Failed to send close control message", zap.String("clientID", c.ID), zap.Error(err))
			}
			return

		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The Hub closed the channel.
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// one JSON document per frame, watchers parse frames independently
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error("Failed to write message to client",
					zap.String("clientID", c.ID),
					zap.String("itemID", c.ItemID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			if err := c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Error("Failed to write ping message to client",
					zap.String("clientID", c.ID),
					zap.String("itemID", c.ItemID),
					zap.Error(err),
				)
				return
			}
		}
	}
}

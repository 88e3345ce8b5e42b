package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/codesync/internal/ids"
	"github.com/manpreetbhatti/codesync/internal/metrics"
	"github.com/manpreetbhatti/codesync/internal/protocol"
	"github.com/manpreetbhatti/codesync/internal/ratelimit"
	"github.com/manpreetbhatti/codesync/internal/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024

	// Clients that keep flooding past the limit are disconnected.
	maxRateLimitWarnings = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	roomID      string
	room        *room.Room
	rateLimiter *ratelimit.Limiter
	id          string
	logger      *slog.Logger
}

// ServeWs upgrades a request for /ws/{roomId} and joins the caller to the
// room. The first frame it receives is the room's current code.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	doc, err := hub.Room(r.Context(), roomID)
	if err != nil {
		hub.logger.Error("load room failed", "room_id", roomID, "error", err)
		http.Error(w, "room unavailable", http.StatusInternalServerError)
		return
	}

	clientID, err := ids.NewULID(time.Now())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("upgrade failed", "room_id", roomID, "error", err)
		return
	}

	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 512),
		roomID:      roomID,
		room:        doc,
		rateLimiter: hub.limiters.Get(clientID),
		id:          clientID,
		logger:      hub.logger.With("room_id", roomID, "client_id", clientID),
	}

	if !enqueue(hub.done, hub.register, client) {
		hub.limiters.Remove(clientID)
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		enqueue(c.hub.done, c.hub.unregister, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket error", "error", err)
			}
			return
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			c.hub.metrics.RelayMessage(metrics.RelayRateLimited)
			if rateLimitWarnings%100 == 1 {
				c.logger.Warn("rate limit exceeded", "warnings", rateLimitWarnings)
			}
			if rateLimitWarnings > maxRateLimitWarnings {
				c.logger.Warn("disconnecting for excessive rate limit violations")
				return
			}
			continue
		}

		msg, err := validateMessage(data)
		if err != nil {
			c.hub.metrics.RelayMessage(metrics.RelayInvalid)
			c.logger.Debug("invalid message", "error", err)
			continue
		}

		if !enqueue(c.hub.done, c.hub.broadcast, &Message{
			RoomID: c.roomID,
			Code:   msg.Code,
			Data:   data,
			Sender: c,
		}) {
			return
		}
	}
}

// Only update_code frames are accepted from clients; init is relay-only.
func validateMessage(data []byte) (protocol.Message, error) {
	msg, err := protocol.Decode(data)
	if err != nil {
		return protocol.Message{}, err
	}
	if msg.Type != protocol.TypeUpdateCode {
		return protocol.Message{}, protocol.ErrMalformed
	}
	return msg, nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

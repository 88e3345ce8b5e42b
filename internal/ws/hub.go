package ws

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/manpreetbhatti/codesync/internal/db"
	"github.com/manpreetbhatti/codesync/internal/logging"
	"github.com/manpreetbhatti/codesync/internal/metrics"
	"github.com/manpreetbhatti/codesync/internal/protocol"
	"github.com/manpreetbhatti/codesync/internal/ratelimit"
	"github.com/manpreetbhatti/codesync/internal/room"
)

// Store loads a room's persisted code the first time it is joined.
type Store interface {
	GetRoom(ctx context.Context, id string) (*db.Room, error)
}

// Updates waiting to be published to other relays. Older ones are dropped
// when it is full; the room code is whole-document so the next publish wins.
const outboxSize = 256

type HubOptions struct {
	Store             Store
	Fanout            Fanout
	MessagesPerSecond float64
	MessageBurst      int
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

// Hub owns the connected clients of every room and relays code updates
// between them.
type Hub struct {
	// Connected clients by room
	clients map[string]map[*Client]struct{}

	// Documents by room; they outlive their clients so they can be flushed
	rooms map[string]*room.Room

	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client

	// Closed once Run returns
	done chan struct{}

	store    Store
	fanout   Fanout
	outbox   chan *Message
	limiters *ratelimit.ClientLimiters
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu sync.RWMutex
}

type Message struct {
	RoomID string
	Code   string
	Data   []byte
	Sender *Client

	// Set for updates that arrived through the fanout.
	remote bool
}

func NewHub(opts HubOptions) *Hub {
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 100
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 200
	}
	logger := logging.OrDefault(opts.Logger)
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]*room.Room),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		store:      opts.Store,
		fanout:     opts.Fanout,
		outbox:     make(chan *Message, outboxSize),
		limiters:   ratelimit.NewClientLimiters(opts.MessagesPerSecond, opts.MessageBurst),
		logger:     logger.With("component", "hub"),
		metrics:    opts.Metrics,
	}
}

// Run processes registrations and broadcasts until ctx is done, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	if h.fanout != nil {
		go h.publishLoop(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case message := <-h.broadcast:
			h.relay(ctx, message)
		}
	}
}

// Room returns the document for id, loading it from the store on first use.
func (h *Hub) Room(ctx context.Context, id string) (*room.Room, error) {
	h.mu.RLock()
	r, ok := h.rooms[id]
	h.mu.RUnlock()
	if ok {
		return r, nil
	}

	code := ""
	if h.store != nil {
		stored, err := h.store.GetRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			code = stored.Code
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[id]; ok {
		return r, nil
	}
	r = room.NewRoom(id, code)
	h.rooms[id] = r
	return r, nil
}

// Lookup returns a room only if it is already held in memory.
func (h *Hub) Lookup(id string) (*room.Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[id]
	return r, ok
}

// ClientsIn reports how many clients are connected to a room.
func (h *Hub) ClientsIn(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[id])
}

// Rooms lists every document held in memory.
func (h *Hub) Rooms() []*room.Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, r)
	}
	return out
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.clients {
		n += len(clients)
	}
	return n
}

// ActiveRooms lists rooms with at least one connected client.
func (h *Hub) ActiveRooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for id := range h.clients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Deliver relays an update received from another relay instance.
func (h *Hub) Deliver(roomID, code string) {
	data, err := protocol.Encode(protocol.NewUpdate(code))
	if err != nil {
		return
	}
	enqueue(h.done, h.broadcast, &Message{RoomID: roomID, Code: code, Data: data, remote: true})
}

// enqueue gives up once the hub has stopped.
func enqueue[T any](done <-chan struct{}, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-done:
		return false
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.roomID]; !ok {
		h.clients[client.roomID] = make(map[*Client]struct{})
	}
	h.clients[client.roomID][client] = struct{}{}
	count := len(h.clients[client.roomID])
	h.metrics.RelayRooms(len(h.clients))
	h.mu.Unlock()

	h.metrics.RelayConnections(1)
	h.logger.Info("client joined", "room_id", client.roomID, "client_id", client.id, "total", count)

	// Queued from the hub loop so the snapshot is ordered with broadcasts.
	init, err := protocol.Encode(protocol.NewInit(client.room.Code()))
	if err != nil {
		return
	}
	client.send <- init
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.clients[client.roomID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	h.drop(clients, client)

	if len(clients) == 0 {
		delete(h.clients, client.roomID)
		h.metrics.RelayRooms(len(h.clients))
		h.logger.Info("room idle", "room_id", client.roomID)
	} else {
		h.logger.Info("client left", "room_id", client.roomID, "client_id", client.id, "remaining", len(clients))
	}
}

// drop must be called with h.mu held.
func (h *Hub) drop(clients map[*Client]struct{}, client *Client) {
	delete(clients, client)
	close(client.send)
	h.limiters.Remove(client.id)
	h.metrics.RelayConnections(-1)
}

func (h *Hub) relay(ctx context.Context, message *Message) {
	r, err := h.Room(ctx, message.RoomID)
	if err != nil {
		h.logger.Warn("load room failed", "room_id", message.RoomID, "error", err)
		return
	}
	r.SetCode(message.Code)

	h.mu.Lock()
	if clients, ok := h.clients[message.RoomID]; ok {
		for client := range clients {
			if client == message.Sender {
				continue
			}
			select {
			case client.send <- message.Data:
			default:
				h.logger.Warn("dropping slow client", "room_id", message.RoomID, "client_id", client.id)
				h.drop(clients, client)
			}
		}
		if len(clients) == 0 {
			delete(h.clients, message.RoomID)
			h.metrics.RelayRooms(len(h.clients))
		}
	}
	h.mu.Unlock()

	h.metrics.RelayMessage(metrics.RelayRelayed)

	if h.fanout != nil && !message.remote {
		select {
		case h.outbox <- message:
		default:
			h.logger.Warn("fanout backlog full, dropping update", "room_id", message.RoomID)
		}
	}
}

// publishLoop keeps fanout latency off the hub loop.
func (h *Hub) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-h.outbox:
			if err := h.fanout.Publish(ctx, message.RoomID, message.Code); err != nil {
				h.logger.Warn("fanout publish failed", "room_id", message.RoomID, "error", err)
			}
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, clients := range h.clients {
		for client := range clients {
			h.drop(clients, client)
		}
		delete(h.clients, id)
	}
	h.metrics.RelayRooms(0)
	h.limiters.Stop()
}

// Package channel holds one client websocket link to a room on the relay.
//
// A Channel moves Connecting -> Open -> Closed, or to Failed from either of
// the first two. Closed and Failed are terminal; reconnecting means opening a
// new Channel.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/codesync/internal/logging"
	"github.com/manpreetbhatti/codesync/internal/metrics"
	"github.com/manpreetbhatti/codesync/internal/protocol"
)

const (
	defaultWriteWait     = 10 * time.Second
	defaultPongWait      = 60 * time.Second
	defaultHandshake     = 10 * time.Second
	defaultSendQueueSize = 512
	maxMessageSize       = 1024 * 1024
	closeFrameWriteWait  = time.Second
)

var (
	// ErrNotConnected is returned by Send when the channel is not Open.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrSendQueueFull is returned by Send when the writer is not keeping up.
	ErrSendQueueFull = errors.New("channel: send queue full")
)

type State int

const (
	Connecting State = iota
	Open
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Closed || s == Failed
}

// Handler receives every decoded inbound frame, in arrival order, on the
// channel's reader goroutine.
type Handler func(protocol.Message)

// StateFunc observes transitions. reason is non-nil only for Failed. It is
// called synchronously and must not call Close.
type StateFunc func(state State, reason error)

type Options struct {
	Dialer *websocket.Dialer
	Header http.Header

	OnMessage Handler
	OnState   StateFunc

	SendQueueSize int
	WriteWait     time.Duration
	PongWait      time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Channel struct {
	url     string
	roomID  string
	dialer  *websocket.Dialer
	header  http.Header
	onState StateFunc
	log     *slog.Logger
	metrics *metrics.Metrics

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration

	send chan []byte
	done chan struct{}

	// stateMu serializes transitions together with their OnState callback.
	stateMu sync.Mutex

	mu      sync.Mutex
	state   State
	err     error
	conn    *websocket.Conn
	handler Handler

	closeOnce   sync.Once
	releaseOnce sync.Once
	wg          sync.WaitGroup
}

// URL joins the relay address and a room id as {relay}/{roomId}.
func URL(relay, roomID string) (string, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return "", errors.New("channel: empty room id")
	}
	u, err := url.Parse(relay)
	if err != nil {
		return "", fmt.Errorf("channel: relay address: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("channel: unsupported relay scheme %q", u.Scheme)
	}
	return u.JoinPath(url.PathEscape(roomID)).String(), nil
}

// Dial starts connecting to roomID on relay and returns immediately in the
// Connecting state. ctx bounds the handshake only. A bad address yields a
// channel that is already Failed.
func Dial(ctx context.Context, relay, roomID string, opts Options) *Channel {
	c := &Channel{
		roomID:  roomID,
		dialer:  opts.Dialer,
		header:  opts.Header,
		onState: opts.OnState,
		handler: opts.OnMessage,
		log:     logging.OrDefault(opts.Logger).With("room_id", roomID),
		metrics: opts.Metrics,

		writeWait: opts.WriteWait,
		pongWait:  opts.PongWait,

		done:  make(chan struct{}),
		state: Connecting,
	}

	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshake,
		}
	}
	if c.writeWait <= 0 {
		c.writeWait = defaultWriteWait
	}
	if c.pongWait <= 0 {
		c.pongWait = defaultPongWait
	}
	c.pingPeriod = (c.pongWait * 9) / 10

	size := opts.SendQueueSize
	if size <= 0 {
		size = defaultSendQueueSize
	}
	c.send = make(chan []byte, size)

	target, err := URL(relay, roomID)
	if err != nil {
		c.transition(Failed, err)
		return c
	}
	c.url = target

	c.wg.Add(1)
	go c.connect(ctx)

	return c
}

// OnMessage replaces the inbound handler.
func (c *Channel) OnMessage(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the reason the channel failed, or nil.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) RoomID() string {
	return c.roomID
}

// Send queues msg for the writer. It never blocks and returns
// ErrNotConnected instead of failing when the link is not Open.
func (c *Channel) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Open {
		return ErrNotConnected
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close shuts the link down and releases the socket. It is idempotent,
// always returns nil, and waits for the channel's goroutines to exit.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.transition(Closed, nil)
		close(c.done)
		c.wg.Wait()
		c.release()
	})
	return nil
}

func (c *Channel) connect(ctx context.Context) {
	defer c.wg.Done()

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	conn, resp, err := c.dialer.DialContext(dialCtx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.transition(Failed, fmt.Errorf("dial %s: %w", c.url, err))
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if !c.transition(Open, nil) {
		c.release()
		return
	}

	stop := make(chan struct{})
	c.wg.Add(2)
	go c.writePump(conn, stop)
	go c.readPump(conn, stop)
}

func (c *Channel) readPump(conn *websocket.Conn, stop chan struct{}) {
	defer func() {
		close(stop)
		c.release()
		c.wg.Done()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.readFailed(err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.metrics.MalformedFrame()
			c.log.Warn("channel.frame.drop", "err", err, "bytes", len(data))
			continue
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()

		if h != nil {
			h(msg)
		}
	}
}

func (c *Channel) readFailed(err error) {
	select {
	case <-c.done:
		// Close already moved us to Closed.
		return
	default:
	}

	// Any close frame from the relay ends the channel cleanly. 1006 is never
	// sent on the wire; gorilla reports it for a dropped connection.
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		c.transition(Closed, nil)
		return
	}
	c.transition(Failed, fmt.Errorf("read: %w", err))
}

func (c *Channel) writePump(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.wg.Done()
	}()

	for {
		select {
		case <-stop:
			return

		case <-c.done:
			conn.SetWriteDeadline(time.Now().Add(closeFrameWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			c.release()
			return

		case data := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.transition(Failed, fmt.Errorf("write: %w", err))
				c.release()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.transition(Failed, fmt.Errorf("ping: %w", err))
				c.release()
				return
			}
		}
	}
}

// transition applies a state change unless the channel is already terminal
// (or, for Open, no longer Connecting). It reports whether it applied.
func (c *Channel) transition(to State, reason error) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	c.mu.Lock()
	from := c.state
	if from.Terminal() || (to == Open && from != Connecting) {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.err = reason
	c.mu.Unlock()

	c.metrics.ChannelState(to.String())
	if reason != nil {
		c.log.Warn("channel.state", "from", from.String(), "to", to.String(), "err", reason)
	} else {
		c.log.Info("channel.state", "from", from.String(), "to", to.String())
	}

	if c.onState != nil {
		c.onState(to, reason)
	}
	return true
}

// release closes the underlying socket exactly once.
func (c *Channel) release() {
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
	})
}

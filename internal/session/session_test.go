package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codesync/internal/channel"
	"github.com/manpreetbhatti/codesync/internal/completion"
	"github.com/manpreetbhatti/codesync/internal/logging"
	"github.com/manpreetbhatti/codesync/internal/metrics"
	"github.com/manpreetbhatti/codesync/internal/protocol"
	"github.com/manpreetbhatti/codesync/internal/reconcile"
)

const testDebounce = 60 * time.Millisecond

// fakeRelay accepts a single room connection, sends init and records every
// frame the session broadcasts.
type fakeRelay struct {
	t    *testing.T
	addr string
	init string

	mu       sync.Mutex
	conn     *websocket.Conn
	received []protocol.Message
	roomPath string

	connected chan struct{}
}

func newFakeRelay(t *testing.T, init string) *fakeRelay {
	t.Helper()

	r := &fakeRelay{t: t, init: init, connected: make(chan struct{})}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		r.mu.Lock()
		r.conn = conn
		r.roomPath = req.URL.Path
		r.mu.Unlock()

		if data, err := protocol.Encode(protocol.NewInit(r.init)); err == nil {
			r.write(data)
		}
		close(r.connected)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			r.mu.Lock()
			r.received = append(r.received, msg)
			r.mu.Unlock()
		}
	}))
	t.Cleanup(srv.Close)

	r.addr = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return r
}

func (r *fakeRelay) write(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		r.t.Logf("fake relay write: %v", err)
	}
}

func (r *fakeRelay) push(msg protocol.Message) {
	<-r.connected
	data, err := protocol.Encode(msg)
	require.NoError(r.t, err)
	r.write(data)
}

func (r *fakeRelay) pushRaw(raw string) {
	<-r.connected
	r.write([]byte(raw))
}

func (r *fakeRelay) RoomPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomPath
}

func (r *fakeRelay) Received() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Message, len(r.received))
	copy(out, r.received)
	return out
}

// recordingCompleter answers every request from a fixed table.
type recordingCompleter struct {
	mu      sync.Mutex
	answers map[string]string
	calls   []completion.Request
}

func (c *recordingCompleter) Complete(_ context.Context, req completion.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	return c.answers[req.Code], nil
}

func (c *recordingCompleter) Calls() []completion.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]completion.Request, len(c.calls))
	copy(out, c.calls)
	return out
}

func startSession(t *testing.T, relay string, comp completion.Completer) *Session {
	t.Helper()
	return startSessionWithDebounce(t, relay, comp, testDebounce)
}

func startSessionWithDebounce(t *testing.T, relay string, comp completion.Completer, debounce time.Duration) *Session {
	t.Helper()

	s, err := Start(context.Background(), Config{
		RelayURL:  relay,
		RoomID:    "r1",
		Completer: comp,
		Debounce:  debounce,
		Logger:    logging.Discard(),
		Metrics:   metrics.New(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Teardown() })
	return s
}

func waitOpen(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, _ := s.Status()
		return st == channel.Open
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartValidatesConfig(t *testing.T) {
	comp := &recordingCompleter{}

	_, err := Start(context.Background(), Config{RoomID: "r1", Completer: comp})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Start(context.Background(), Config{RelayURL: "ws://x/ws", Completer: comp})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Start(context.Background(), Config{RelayURL: "ws://x/ws", RoomID: "r1"})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEndToEndInitEditSuggestion(t *testing.T) {
	relay := newFakeRelay(t, "print(1)")
	comp := &recordingCompleter{answers: map[string]string{"print(1)\n": "print(1+1)"}}
	s := startSession(t, relay.addr, comp)

	require.Eventually(t, func() bool { return s.Document() == "print(1)" }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, reconcile.OriginRemote, s.Origin())
	require.False(t, s.Suggestion().Valid)
	require.Empty(t, relay.Received(), "init must not be echoed back")

	waitOpen(t, s)
	s.Edit("print(1)\n")

	require.Eventually(t, func() bool { return len(relay.Received()) == 1 }, 2*time.Second, time.Millisecond)
	require.Equal(t, protocol.NewUpdate("print(1)\n"), relay.Received()[0])

	require.Eventually(t, func() bool { return s.Suggestion().Valid }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "print(1+1)", s.Suggestion().Text)

	calls := comp.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, completion.Request{Code: "print(1)\n", CursorPosition: 9, Language: "python"}, calls[0])
	require.Equal(t, "/ws/r1", relay.RoomPath())
}

func TestRemoteUpdateIsNeverBroadcastOrCompleted(t *testing.T) {
	relay := newFakeRelay(t, "")
	comp := &recordingCompleter{}
	s := startSession(t, relay.addr, comp)
	waitOpen(t, s)

	relay.push(protocol.NewUpdate("x"))
	require.Eventually(t, func() bool { return s.Document() == "x" }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(3 * testDebounce)
	require.Empty(t, relay.Received())
	require.Empty(t, comp.Calls())
}

func TestBroadcastsFollowLocalEditsInOrder(t *testing.T) {
	relay := newFakeRelay(t, "")
	comp := &recordingCompleter{}
	s := startSessionWithDebounce(t, relay.addr, comp, 200*time.Millisecond)
	waitOpen(t, s)

	edits := []string{"d", "de", "def", "def ", "def f"}
	for _, e := range edits {
		s.Edit(e)
	}

	require.Eventually(t, func() bool { return len(relay.Received()) == len(edits) }, 2*time.Second, 5*time.Millisecond)
	for i, msg := range relay.Received() {
		require.Equal(t, protocol.NewUpdate(edits[i]), msg)
	}

	// One quiet window after a burst yields one completion for the last text.
	require.Eventually(t, func() bool { return len(comp.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(400 * time.Millisecond)
	require.Len(t, comp.Calls(), 1)
	require.Equal(t, "def f", comp.Calls()[0].Code)
	require.Equal(t, "def f", s.Document())
}

func TestRemoteUpdateOverwritesLocalEdit(t *testing.T) {
	relay := newFakeRelay(t, "")
	s := startSession(t, relay.addr, &recordingCompleter{})
	waitOpen(t, s)

	s.Edit("mine")
	require.Eventually(t, func() bool { return len(relay.Received()) == 1 }, 2*time.Second, 5*time.Millisecond)

	relay.push(protocol.NewUpdate("theirs"))
	require.Eventually(t, func() bool { return s.Document() == "theirs" }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, reconcile.OriginRemote, s.Origin())
}

func TestMalformedFrameDoesNotEndSession(t *testing.T) {
	relay := newFakeRelay(t, "a")
	s := startSession(t, relay.addr, &recordingCompleter{})
	waitOpen(t, s)

	relay.pushRaw(`{"type":"cursor"}`)
	relay.pushRaw(`garbage`)
	relay.push(protocol.NewUpdate("b"))

	require.Eventually(t, func() bool { return s.Document() == "b" }, 2*time.Second, 5*time.Millisecond)
	st, _ := s.Status()
	require.Equal(t, channel.Open, st)
}

func TestEditsWithoutRelayStillComplete(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	srv.Close()

	comp := &recordingCompleter{answers: map[string]string{"x = ": "x = 1"}}
	s := startSession(t, addr, comp)

	require.Eventually(t, func() bool {
		st, _ := s.Status()
		return st == channel.Failed
	}, 2*time.Second, 5*time.Millisecond)
	_, reason := s.Status()
	require.Error(t, reason)

	s.Edit("x = ")
	require.Eventually(t, func() bool { return s.Suggestion().Text == "x = 1" }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "x = ", s.Document())
}

func TestTeardownCancelsPendingCompletion(t *testing.T) {
	relay := newFakeRelay(t, "")
	comp := &recordingCompleter{}
	s := startSessionWithDebounce(t, relay.addr, comp, 300*time.Millisecond)
	waitOpen(t, s)

	s.Edit("pending")
	require.Eventually(t, func() bool { return len(relay.Received()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Teardown())
	require.NoError(t, s.Teardown())

	time.Sleep(500 * time.Millisecond)
	require.Empty(t, comp.Calls())

	st, _ := s.Status()
	require.Equal(t, channel.Closed, st)

	// Edits after teardown are ignored rather than blocking.
	done := make(chan struct{})
	go func() {
		s.Edit("late")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Edit blocked after teardown")
	}
	require.Equal(t, "pending", s.Document())
}

// callGate counts backend calls that arrive after teardown returned.
type callGate struct {
	mu       sync.Mutex
	stopping bool
	late     int
}

func (g *callGate) Complete(_ context.Context, _ completion.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopping {
		g.late++
	}
	return "", nil
}

func (g *callGate) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopping = true
}

func (g *callGate) Late() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.late
}

func TestTeardownRacingSettleNeverReachesBackend(t *testing.T) {
	const debounce = 20 * time.Millisecond

	for i := 0; i < 20; i++ {
		gate := &callGate{}
		s, err := Start(context.Background(), Config{
			RelayURL:  "ws://127.0.0.1:1/ws",
			RoomID:    "r1",
			Completer: gate,
			Debounce:  debounce,
			Logger:    logging.Discard(),
		})
		require.NoError(t, err)

		s.Edit("x")
		// Land the teardown around the moment the edit settles.
		time.Sleep(debounce + time.Duration(i%5)*time.Millisecond - 2*time.Millisecond)

		require.NoError(t, s.Teardown())
		gate.stop()

		time.Sleep(2 * debounce)
		require.Zero(t, gate.Late(), "iteration %d", i)
	}
}

func TestEventsReportChanges(t *testing.T) {
	relay := newFakeRelay(t, "init")
	comp := &recordingCompleter{answers: map[string]string{"init!": "init!()"}}
	s := startSession(t, relay.addr, comp)
	waitOpen(t, s)

	s.Edit("init!")
	require.Eventually(t, func() bool { return s.Suggestion().Valid }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Teardown())

	seen := map[EventKind]bool{}
	var lastStatus channel.State
	for ev := range s.Events() {
		seen[ev.Kind] = true
		if ev.Kind == StatusChanged {
			lastStatus = ev.Status
		}
	}

	require.True(t, seen[DocumentChanged])
	require.True(t, seen[SuggestionChanged])
	require.True(t, seen[StatusChanged])
	require.Equal(t, channel.Closed, lastStatus)
}

package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codesync/internal/db"
	"github.com/manpreetbhatti/codesync/internal/metrics"
	"github.com/manpreetbhatti/codesync/internal/protocol"
)

type fakeStore map[string]string

func (s fakeStore) GetRoom(_ context.Context, id string) (*db.Room, error) {
	code, ok := s[id]
	if !ok {
		return nil, nil
	}
	return &db.Room{ID: id, Code: code}, nil
}

type recordingFanout struct {
	mu        sync.Mutex
	published []string
}

func (f *recordingFanout) Publish(_ context.Context, roomID, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, roomID+":"+code)
	return nil
}

func (f *recordingFanout) Published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

func startHub(t *testing.T, opts HubOptions) (*Hub, string) {
	t.Helper()

	hub := NewHub(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	router := mux.NewRouter()
	router.HandleFunc("/ws/{roomId}", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"
}

func dial(t *testing.T, base, roomID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+roomID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func sendUpdate(t *testing.T, conn *websocket.Conn, code string) {
	t.Helper()
	data, err := protocol.Encode(protocol.NewUpdate(code))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestJoinReceivesStoredCode(t *testing.T) {
	_, base := startHub(t, HubOptions{Store: fakeStore{"r1": "print(1)"}})

	conn := dial(t, base, "r1")
	require.Equal(t, protocol.NewInit("print(1)"), readFrame(t, conn))

	fresh := dial(t, base, "r2")
	require.Equal(t, protocol.NewInit(""), readFrame(t, fresh))
}

func TestBroadcastSkipsSender(t *testing.T) {
	hub, base := startHub(t, HubOptions{})

	a := dial(t, base, "room")
	b := dial(t, base, "room")
	readFrame(t, a)
	readFrame(t, b)

	sendUpdate(t, a, "x = 1")
	require.Equal(t, protocol.NewUpdate("x = 1"), readFrame(t, b))

	a.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := a.ReadMessage()
	require.Error(t, err, "sender must not receive its own update")

	require.Equal(t, 2, hub.ClientCount())
	require.Equal(t, []string{"room"}, hub.ActiveRooms())
}

func TestLateJoinerGetsLatestCode(t *testing.T) {
	hub, base := startHub(t, HubOptions{})

	a := dial(t, base, "room")
	b := dial(t, base, "room")
	readFrame(t, a)
	readFrame(t, b)

	sendUpdate(t, a, "first")
	require.Equal(t, "first", readFrame(t, b).Code)
	sendUpdate(t, b, "second")
	require.Equal(t, "second", readFrame(t, a).Code)

	c := dial(t, base, "room")
	require.Equal(t, protocol.NewInit("second"), readFrame(t, c))

	rooms := hub.Rooms()
	require.Len(t, rooms, 1)
	require.Equal(t, "second", rooms[0].Code())
}

func TestRoomsAreIsolated(t *testing.T) {
	_, base := startHub(t, HubOptions{})

	a := dial(t, base, "one")
	b := dial(t, base, "two")
	readFrame(t, a)
	readFrame(t, b)

	sendUpdate(t, a, "only one")

	b.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := b.ReadMessage()
	require.Error(t, err)
}

func TestInvalidFramesAreDropped(t *testing.T) {
	m := metrics.New()
	_, base := startHub(t, HubOptions{Metrics: m})

	a := dial(t, base, "room")
	b := dial(t, base, "room")
	readFrame(t, a)
	readFrame(t, b)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("not json")))
	init, _ := protocol.Encode(protocol.NewInit("forged"))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, init))
	sendUpdate(t, a, "valid")

	require.Equal(t, protocol.NewUpdate("valid"), readFrame(t, b))
}

func gaugeValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}

func TestActiveRoomsGaugeCountsConnectedRooms(t *testing.T) {
	m := metrics.New()
	hub, base := startHub(t, HubOptions{Metrics: m})

	a := dial(t, base, "one")
	readFrame(t, a)
	b := dial(t, base, "two")
	readFrame(t, b)
	require.Equal(t, float64(2), gaugeValue(t, m, "codesync_relay_active_rooms"))

	b.Close()
	require.Eventually(t, func() bool {
		return gaugeValue(t, m, "codesync_relay_active_rooms") == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The document stays loaded for flushing but no longer counts as active.
	require.Equal(t, 2, hub.RoomCount())
}

func TestRateLimitDropsExcessFrames(t *testing.T) {
	_, base := startHub(t, HubOptions{MessagesPerSecond: 0.001, MessageBurst: 1})

	a := dial(t, base, "room")
	b := dial(t, base, "room")
	readFrame(t, a)
	readFrame(t, b)

	sendUpdate(t, a, "allowed")
	sendUpdate(t, a, "limited")

	require.Equal(t, "allowed", readFrame(t, b).Code)
	b.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := b.ReadMessage()
	require.Error(t, err)
}

func TestFanoutPublishesLocalUpdatesOnly(t *testing.T) {
	fan := &recordingFanout{}
	hub, base := startHub(t, HubOptions{Fanout: fan})

	a := dial(t, base, "room")
	readFrame(t, a)

	hub.Deliver("room", "from elsewhere")
	require.Equal(t, protocol.NewUpdate("from elsewhere"), readFrame(t, a))

	b := dial(t, base, "room")
	require.Equal(t, "from elsewhere", readFrame(t, b).Code)

	sendUpdate(t, b, "local")
	require.Equal(t, "local", readFrame(t, a).Code)
	require.Eventually(t, func() bool {
		return len(fan.Published()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"room:local"}, fan.Published())
}

// blockingFanout holds every publish until released.
type blockingFanout struct {
	release chan struct{}
}

func (f *blockingFanout) Publish(ctx context.Context, _, _ string) error {
	select {
	case <-f.release:
	case <-ctx.Done():
	}
	return nil
}

func TestSlowFanoutDoesNotStallRooms(t *testing.T) {
	fan := &blockingFanout{release: make(chan struct{})}
	defer close(fan.release)
	_, base := startHub(t, HubOptions{Fanout: fan})

	a := dial(t, base, "one")
	b := dial(t, base, "one")
	readFrame(t, a)
	readFrame(t, b)

	sendUpdate(t, a, "first")
	require.Equal(t, "first", readFrame(t, b).Code)

	// The first publish is still blocked; later rooms keep flowing.
	c := dial(t, base, "two")
	d := dial(t, base, "two")
	readFrame(t, c)
	readFrame(t, d)
	sendUpdate(t, c, "second")
	require.Equal(t, "second", readFrame(t, d).Code)
}

func TestShutdownDisconnectsClients(t *testing.T) {
	hub := NewHub(HubOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	router := mux.NewRouter()
	router.HandleFunc("/ws/{roomId}", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/", "room")
	readFrame(t, conn)

	cancel()
	<-done

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Equal(t, 0, hub.ClientCount())
}

func TestFanoutDecode(t *testing.T) {
	f := NewRedisFanout(nil, "me", nil)

	_, ok := f.decode(`{"origin":"me","room":"r","code":"x"}`)
	require.False(t, ok, "own messages are skipped")

	_, ok = f.decode(`garbage`)
	require.False(t, ok)

	env, ok := f.decode(`{"origin":"other","room":"r","code":"x"}`)
	require.True(t, ok)
	require.Equal(t, envelope{Origin: "other", Room: "r", Code: "x"}, env)
}

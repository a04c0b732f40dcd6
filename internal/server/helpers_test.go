package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/presence-relay/internal/eventbus"
	"github.com/Tyrowin/presence-relay/internal/metrics"
	"github.com/Tyrowin/presence-relay/internal/shard"
)

const testOrigin = "http://localhost:8080"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn records what the manager sends to it.
type fakeConn struct {
	id      string
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	sendErr error
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fixture bundles a manager and dispatcher without any sockets.
type fixture struct {
	bus        *eventbus.Bus
	shards     *shard.Assigner
	metrics    *metrics.Metrics
	manager    *Manager
	dispatcher *Dispatcher
}

func newFixture() *fixture {
	m := metrics.New()
	bus := eventbus.New(quietLogger())
	shards := shard.New(quietLogger())
	shards.Listen(bus)
	manager := NewManager(shards, bus, m, quietLogger())
	return &fixture{
		bus:        bus,
		shards:     shards,
		metrics:    m,
		manager:    manager,
		dispatcher: NewDispatcher(manager, m, quietLogger()),
	}
}

// recorder captures messages published on a set of topics.
type recorder struct {
	ch chan eventbus.Message
}

func record(bus *eventbus.Bus, topics ...string) *recorder {
	r := &recorder{ch: make(chan eventbus.Message, 64)}
	for _, topic := range topics {
		bus.Subscribe(topic, func(m eventbus.Message) error {
			r.ch <- m
			return nil
		})
	}
	return r
}

func (r *recorder) next(t *testing.T) eventbus.Message {
	t.Helper()
	select {
	case m := <-r.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return eventbus.Message{}
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case m := <-r.ch:
		t.Fatalf("unexpected event on %s", m.Topic)
	case <-time.After(wait):
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Port = 8080
	return cfg
}

// startTestServer runs srv behind an httptest server and returns its ws URL.
func startTestServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	srv := New(cfg, quietLogger())
	ts := httptest.NewServer(srv.SetupRoutes())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

// connectWebSocket dials url with a browser-like Origin header.
func connectWebSocket(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	headers.Set("Origin", testOrigin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// closeWebSocket sends a normal close frame and closes the socket.
func closeWebSocket(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
}

// wsPair returns the server and client ends of one WebSocket connection.
func wsPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	t.Cleanup(ts.Close)

	client := connectWebSocket(t, "ws"+strings.TrimPrefix(ts.URL, "http"))
	select {
	case server := <-accepted:
		t.Cleanup(func() { _ = server.Close() })
		return server, client
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server side of WebSocket")
		return nil, nil
	}
}

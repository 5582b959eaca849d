package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/go-relay/config"
	"github.com/agentuity/go-relay/eventing"
	"github.com/agentuity/go-relay/logger"
	"github.com/agentuity/go-relay/protocol"
	"github.com/agentuity/go-relay/relay"
	"github.com/agentuity/go-relay/session"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readTimeout = 2 * time.Second

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.ShutdownTimeout = config.Duration(2 * time.Second)
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	s, err := New(context.Background(), logger.NewTestLogger(), cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, s *Server, path string) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(v map[string]any) {
	c.t.Helper()
	if _, ok := v["timestamp"]; !ok {
		v["timestamp"] = time.Now().UnixMilli()
	}
	require.NoError(c.t, c.ws.WriteJSON(v))
}

func (c *client) read() *protocol.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(readTimeout)))
	var env protocol.Envelope
	require.NoError(c.t, c.ws.ReadJSON(&env))
	return &env
}

// closed waits for the server to close the socket.
func (c *client) closed() bool {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return !strings.Contains(err.Error(), "timeout")
		}
	}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.SendBuffer = 0
	_, err := New(context.Background(), logger.NewTestLogger(), cfg)
	assert.Error(t, err)
}

func TestEndToEndPairing(t *testing.T) {
	s := startServer(t, testConfig())
	a := dial(t, s, "/")
	b := dial(t, s, "/ws")

	a.send(map[string]any{"type": "init_connection", "session_id": "S", "user_id": "A"})
	env := a.read()
	assert.Equal(t, protocol.TypeConnectionConfirmed, env.Type)
	require.NotNil(t, env.IsActive)
	assert.False(t, *env.IsActive)

	b.send(map[string]any{"type": "init_connection", "session_id": "S", "user_id": "B"})
	assert.Equal(t, protocol.TypeSessionActive, a.read().Type)
	assert.Equal(t, protocol.TypeSessionActive, b.read().Type)
	env = b.read()
	assert.Equal(t, protocol.TypeConnectionConfirmed, env.Type)
	assert.True(t, *env.IsActive)

	a.send(map[string]any{"type": "translation_message", "session_id": "S", "user_id": "A", "encrypted_message": "X"})
	env = b.read()
	assert.Equal(t, protocol.TypeTranslationMessage, env.Type)
	assert.Equal(t, "X", env.EncryptedMessage)
	assert.NotZero(t, env.Timestamp)

	var stats relay.Stats
	assert.Equal(t, http.StatusOK, getJSON(t, "http://"+s.Addr()+"/stats", &stats))
	assert.Equal(t, relay.Stats{ActiveConnections: 2, ActiveSessions: 1, TotalParticipantBindings: 2}, stats)

	var sessions []session.Info
	getJSON(t, "http://"+s.Addr()+"/sessions", &sessions)
	require.Len(t, sessions, 1)
	assert.Equal(t, "S", sessions[0].SessionID)
	assert.Equal(t, "B", sessions[0].JoinerID)
	assert.True(t, sessions[0].IsActive)

	a.send(map[string]any{"type": "end_session", "session_id": "S", "user_id": "A"})
	assert.Equal(t, protocol.TypeSessionEnded, a.read().Type)
	assert.Equal(t, protocol.TypeSessionEnded, b.read().Type)
	assert.True(t, a.closed())
	assert.True(t, b.closed())

	require.Eventually(t, func() bool {
		return s.Relay().Stats() == relay.Stats{}
	}, readTimeout, 10*time.Millisecond)
}

func TestInvalidFramesKeepConnectionOpen(t *testing.T) {
	s := startServer(t, testConfig())
	c := dial(t, s, "/")

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	env := c.read()
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, protocol.ReasonInvalidFormat, env.Error)

	require.NoError(t, c.ws.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"heartbeat"}`)))
	assert.Equal(t, protocol.ReasonInvalidFormat, c.read().Error)

	c.send(map[string]any{"type": "dance", "session_id": "S", "user_id": "A"})
	assert.Equal(t, protocol.ReasonUnknownType, c.read().Error)

	c.send(map[string]any{"type": "heartbeat", "session_id": "S", "user_id": "A"})
	env = c.read()
	assert.Equal(t, protocol.TypeHeartbeatResponse, env.Type)
	assert.Equal(t, "S", env.SessionID)
}

func TestDisconnectTearsDownSession(t *testing.T) {
	for _, notify := range []bool{false, true} {
		cfg := testConfig()
		cfg.NotifyOnDisconnect = notify
		s := startServer(t, cfg)
		a := dial(t, s, "/")
		b := dial(t, s, "/")

		a.send(map[string]any{"type": "init_connection", "session_id": "S", "user_id": "A"})
		a.read()
		b.send(map[string]any{"type": "init_connection", "session_id": "S", "user_id": "B"})
		a.read()
		b.read()
		b.read()

		require.NoError(t, a.ws.Close())
		if notify {
			assert.Equal(t, protocol.TypeSessionEnded, b.read().Type)
		}
		assert.True(t, b.closed())
		require.Eventually(t, func() bool {
			return s.Relay().Stats() == relay.Stats{}
		}, readTimeout, 10*time.Millisecond)
	}
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageBytes = 128
	s := startServer(t, cfg)
	c := dial(t, s, "/")
	c.send(map[string]any{"type": "heartbeat", "session_id": strings.Repeat("s", 256), "user_id": "A"})
	assert.True(t, c.closed())
}

func TestStopEndsSessions(t *testing.T) {
	s, err := New(context.Background(), logger.NewTestLogger(), testConfig())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)

	a := dial(t, s, "/")
	idle := dial(t, s, "/")
	a.send(map[string]any{"type": "init_connection", "session_id": "S", "user_id": "A"})
	a.read()
	idle.send(map[string]any{"type": "heartbeat", "session_id": "S", "user_id": "I"})
	idle.read()

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Equal(t, protocol.TypeSessionEnded, a.read().Type)
	assert.True(t, a.closed())
	assert.True(t, idle.closed(), "connections outside a session are closed too")
}

func TestHealthz(t *testing.T) {
	s, err := New(context.Background(), logger.NewTestLogger(), testConfig())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	addr := s.Addr()

	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, "http://"+addr+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])
	require.NoError(t, s.Stop())
}

func TestRunStopsWithContext(t *testing.T) {
	s, err := New(context.Background(), logger.NewTestLogger(), testConfig())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, readTimeout, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunListenError(t *testing.T) {
	first := startServer(t, testConfig())
	cfg := testConfig()
	_, port, err := net.SplitHostPort(first.Addr())
	require.NoError(t, err)
	cfg.Port, err = strconv.Atoi(port)
	require.NoError(t, err)
	s, err := New(context.Background(), logger.NewTestLogger(), cfg)
	require.NoError(t, err)
	assert.Error(t, s.Run(context.Background()))
}

func TestLifecycleEventsPublished(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	received := make(chan eventing.Event, 8)
	sub, err := eventing.Subscribe(context.Background(), logger.NewTestLogger(), rdb, "", func(_ context.Context, e eventing.Event) {
		received <- e
	})
	require.NoError(t, err)
	defer sub.Close()

	s := startServer(t, testConfig(), WithPublisher(eventing.NewRedisPublisher(logger.NewTestLogger(), rdb)))
	a := dial(t, s, "/")
	a.send(map[string]any{"type": "init_connection", "session_id": "S", "user_id": "A", "encrypted_message": "never published"})
	a.read()
	a.send(map[string]any{"type": "end_session", "session_id": "S", "user_id": "A"})

	var kinds []eventing.Kind
	for len(kinds) < 2 {
		select {
		case e := <-received:
			assert.Equal(t, "S", e.SessionID)
			kinds = append(kinds, e.Kind)
		case <-time.After(readTimeout):
			t.Fatalf("only received %v", kinds)
		}
	}
	assert.Equal(t, []eventing.Kind{eventing.KindCreated, eventing.KindEnded}, kinds)
}

type countingPublisher struct {
	mu     sync.Mutex
	events []eventing.Event
	closed bool
}

func (p *countingPublisher) Publish(_ context.Context, e eventing.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *countingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestStopDrainsQueuedEvents(t *testing.T) {
	pub := &countingPublisher{}
	s := startServer(t, testConfig(), WithPublisher(pub))
	a := dial(t, s, "/")
	a.send(map[string]any{"type": "init_connection", "session_id": "S", "user_id": "A"})
	a.read()

	require.NoError(t, s.Stop())
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.True(t, pub.closed)
	kinds := make([]eventing.Kind, 0, len(pub.events))
	reasons := make([]string, 0, len(pub.events))
	for _, e := range pub.events {
		kinds = append(kinds, e.Kind)
		reasons = append(reasons, e.Reason)
	}
	assert.ElementsMatch(t, []eventing.Kind{eventing.KindCreated, eventing.KindEnded}, kinds)
	assert.Contains(t, reasons, eventing.ReasonShutdown)
}

package revoagent

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Server
// ============================================================================

type wsTestServer struct {
	*httptest.Server
	accepts int32

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// trackingListener records every accepted net.Conn so the test server can
// sever hijacked (websocket) connections, which httptest itself stops
// tracking once a handler hijacks them.
type trackingListener struct {
	net.Listener
	ts *wsTestServer
}

func (l *trackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		l.ts.connMu.Lock()
		l.ts.conns[c] = struct{}{}
		l.ts.connMu.Unlock()
	}
	return c, err
}

// CloseClientConnections closes every connection accepted by the server,
// including hijacked websocket connections that the embedded
// httptest.Server's own CloseClientConnections no longer tracks.
func (ts *wsTestServer) CloseClientConnections() {
	ts.Server.CloseClientConnections()
	ts.connMu.Lock()
	defer ts.connMu.Unlock()
	for c := range ts.conns {
		c.Close()
		delete(ts.conns, c)
	}
}

// newWSTestServer runs handler once per accepted connection. The socket is
// closed when the handler returns.
func newWSTestServer(t *testing.T, handler func(ctx context.Context, sock *websocket.Conn)) *wsTestServer {
	t.Helper()
	ts := &wsTestServer{conns: make(map[net.Conn]struct{})}
	ts.Server = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt32(&ts.accepts, 1)
		defer sock.Close(websocket.StatusNormalClosure, "")
		handler(r.Context(), sock)
	}))
	ts.Server.Listener = &trackingListener{Listener: ts.Server.Listener, ts: ts}
	ts.Server.Start()
	t.Cleanup(ts.Close)
	return ts
}

func (ts *wsTestServer) acceptCount() int32 {
	return atomic.LoadInt32(&ts.accepts)
}

func newTestManager(t *testing.T, ts *wsTestServer, cfg *Config) *Manager {
	t.Helper()
	m := NewClient(WithBaseURL(ts.URL)).Realtime(cfg)
	t.Cleanup(func() { m.Close() })
	return m
}

func writeFrame(ctx context.Context, sock *websocket.Conn, raw string) error {
	return sock.Write(ctx, websocket.MessageText, []byte(raw))
}

// holdOpen blocks until the peer goes away.
func holdOpen(ctx context.Context, sock *websocket.Conn) {
	for {
		if _, _, err := sock.Read(ctx); err != nil {
			return
		}
	}
}

// ============================================================================
// Stream Assembly End-to-End
// ============================================================================

func TestManagerStreamAssembly(t *testing.T) {
	ts := newWSTestServer(t, func(ctx context.Context, sock *websocket.Conn) {
		frames := []string{
			`{"type":"connection","status":"connected"}`,
			`not even json`,
			`{"type":"typing","status":"thinking"}`,
			`{"type":"stream_start","model":"m1"}`,
			`{"type":"stream_chunk","content":"Hel","progress":50,"word_index":1,"total_words":2}`,
			`{"type":"stream_chunk","content":"lo","progress":99,"word_index":2,"total_words":2}`,
			`{"type":"stream_complete"}`,
		}
		for _, f := range frames {
			if err := writeFrame(ctx, sock, f); err != nil {
				return
			}
		}
		holdOpen(ctx, sock)
	})

	m := newTestManager(t, ts, &Config{AutoReconnect: false})

	finalized := make(chan ChatMessage, 1)
	typing := make(chan TypingPayload, 1)
	var opened, frames int32
	m.OnMessageFinalized(func(_ string, msg ChatMessage) {
		select {
		case finalized <- msg:
		default:
		}
	})
	m.OnTyping(func(_ string, p TypingPayload) {
		select {
		case typing <- p:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.Connect(ctx, "chat", Callbacks{
		OnOpen:    func() { atomic.AddInt32(&opened, 1) },
		OnMessage: func(Frame) { atomic.AddInt32(&frames, 1) },
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	var msg ChatMessage
	select {
	case msg = <-finalized:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for finalized message")
	}

	if msg.Content != "Hello" {
		t.Errorf("content: %q", msg.Content)
	}
	if msg.Model != "m1" {
		t.Errorf("model: %q", msg.Model)
	}
	if msg.Streaming || !msg.Complete || msg.Errored {
		t.Errorf("flags: %+v", msg)
	}
	if msg.Progress != 100 {
		t.Errorf("progress: %v", msg.Progress)
	}

	select {
	case <-typing:
	case <-time.After(time.Second):
		t.Error("typing indicator not routed")
	}

	if atomic.LoadInt32(&opened) != 1 {
		t.Error("per-connection OnOpen did not fire")
	}
	// The malformed frame is dropped before reaching callbacks.
	if n := atomic.LoadInt32(&frames); n != 6 {
		t.Errorf("expected 6 parsed frames, got %d", n)
	}

	if !m.Healthy() {
		t.Error("expected healthy while connected")
	}
	if m.State("chat") != StateConnected {
		t.Errorf("state: %s", m.State("chat"))
	}
}

// ============================================================================
// Best-Effort Send / Broadcast
// ============================================================================

func TestManagerSendWhenDisconnected(t *testing.T) {
	m := NewClient().Realtime(nil)
	if m.Send(context.Background(), "chat", map[string]string{"type": "ping"}) {
		t.Fatal("send on untracked endpoint must be a no-op")
	}
	if m.SendChat(context.Background(), "chat", &ChatRequest{Message: "hi"}) {
		t.Fatal("chat send on untracked endpoint must be a no-op")
	}
}

func TestManagerBroadcast(t *testing.T) {
	recv := make(chan string, 16)
	ts := newWSTestServer(t, func(ctx context.Context, sock *websocket.Conn) {
		for {
			_, data, err := sock.Read(ctx)
			if err != nil {
				return
			}
			recv <- string(data)
		}
	})

	m := newTestManager(t, ts, &Config{AutoReconnect: false})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Connect(ctx, "chat", Callbacks{}); err != nil {
		t.Fatalf("connect chat: %v", err)
	}
	if err := m.Connect(ctx, "dashboard", Callbacks{}); err != nil {
		t.Fatalf("connect dashboard: %v", err)
	}

	if n := m.Broadcast(ctx, map[string]string{"type": "notice"}); n != 2 {
		t.Fatalf("expected delivery to 2 endpoints, got %d", n)
	}
	for i := 0; i < 2; i++ {
		select {
		case raw := <-recv:
			if !strings.Contains(raw, "notice") {
				t.Errorf("unexpected frame: %s", raw)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast frame not received")
		}
	}

	if err := m.Disconnect("dashboard"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if n := m.Broadcast(ctx, map[string]string{"type": "notice"}); n != 1 {
		t.Fatalf("expected partial delivery to 1 endpoint, got %d", n)
	}
}

func TestManagerConnectIdempotent(t *testing.T) {
	ts := newWSTestServer(t, holdOpen)
	m := newTestManager(t, ts, &Config{AutoReconnect: false})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Connect(ctx, "chat", Callbacks{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Connect(ctx, "chat", Callbacks{}); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := ts.acceptCount(); n != 1 {
		t.Fatalf("expected a single connection, got %d", n)
	}
}

// ============================================================================
// Connection Loss & Reconnection
// ============================================================================

func TestManagerConnectionLossMidStream(t *testing.T) {
	ts := newWSTestServer(t, func(ctx context.Context, sock *websocket.Conn) {
		frames := []string{
			`{"type":"stream_start","model":"m1"}`,
			`{"type":"stream_chunk","content":"Hel"}`,
			`{"type":"stream_chunk","content":"lo"}`,
		}
		for _, f := range frames {
			if err := writeFrame(ctx, sock, f); err != nil {
				return
			}
		}
		// Returning closes the socket with the exchange still open.
	})

	m := newTestManager(t, ts, &Config{
		AutoReconnect:        true,
		ReconnectBaseDelay:   20 * time.Millisecond,
		ReconnectMaxDelay:    100 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})

	errored := make(chan ChatMessage, 1)
	reconnecting := make(chan struct{}, 1)
	m.OnMessageError(func(_ string, msg ChatMessage) {
		select {
		case errored <- msg:
		default:
		}
	})
	m.OnReconnecting(func(string, int, time.Duration) {
		select {
		case reconnecting <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx, "chat", Callbacks{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var msg ChatMessage
	select {
	case msg = <-errored:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for errored message")
	}
	if msg.Content != "Hello" {
		t.Errorf("partial content: %q", msg.Content)
	}
	if msg.Complete || msg.Streaming || !msg.Errored {
		t.Errorf("flags: %+v", msg)
	}

	select {
	case <-reconnecting:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reconnect to be scheduled")
	}

	m.Disconnect("chat")
}

func TestManagerDisconnectSuppressesPendingReconnect(t *testing.T) {
	ts := newWSTestServer(t, func(ctx context.Context, sock *websocket.Conn) {
		// Close immediately: every connection is an unexpected close.
	})

	m := newTestManager(t, ts, &Config{
		AutoReconnect:        true,
		ReconnectBaseDelay:   80 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 5,
	})

	reconnecting := make(chan struct{}, 1)
	m.OnReconnecting(func(string, int, time.Duration) {
		select {
		case reconnecting <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx, "chat", Callbacks{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case <-reconnecting:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reconnect to be scheduled")
	}

	// Explicit close while the reconnect timer is pending.
	if err := m.Disconnect("chat"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	time.Sleep(400 * time.Millisecond)
	if n := ts.acceptCount(); n != 1 {
		t.Fatalf("reconnect fired after explicit disconnect: %d connections", n)
	}
	if s := m.State("chat"); s != StateDisconnected {
		t.Errorf("state after disconnect: %s", s)
	}
}

func TestManagerDisconnectDuringDial(t *testing.T) {
	var once sync.Once
	dialing := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(dialing) })
		<-release
		sock, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer sock.Close(websocket.StatusNormalClosure, "")
		writeFrame(r.Context(), sock, `{"type":"typing","status":"thinking"}`)
		holdOpen(r.Context(), sock)
	}))
	t.Cleanup(srv.Close)

	m := NewClient(WithBaseURL(srv.URL)).Realtime(&Config{AutoReconnect: false})
	t.Cleanup(func() { m.Close() })

	var connectedEvents, typingEvents, opened int32
	m.OnConnected(func(string) { atomic.AddInt32(&connectedEvents, 1) })
	typing := make(chan struct{}, 1)
	m.OnTyping(func(string, TypingPayload) {
		atomic.AddInt32(&typingEvents, 1)
		select {
		case typing <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- m.Connect(ctx, "chat", Callbacks{
			OnOpen: func() { atomic.AddInt32(&opened, 1) },
		})
	}()

	// Close the endpoint while the handshake is still in flight.
	<-dialing
	if err := m.Disconnect("chat"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	close(release)
	<-done

	// The late-arriving socket must not be adopted.
	time.Sleep(200 * time.Millisecond)
	if n := atomic.LoadInt32(&connectedEvents); n != 0 {
		t.Errorf("connected event fired %d time(s) after explicit disconnect", n)
	}
	if n := atomic.LoadInt32(&opened); n != 0 {
		t.Errorf("OnOpen fired %d time(s) after explicit disconnect", n)
	}
	if n := atomic.LoadInt32(&typingEvents); n != 0 {
		t.Errorf("%d frame(s) dispatched after explicit disconnect", n)
	}
	if s := m.State("chat"); s != StateDisconnected {
		t.Errorf("state after abandoned dial: %s", s)
	}

	// A later Connect starts clean and owns the only live socket.
	if err := m.Connect(ctx, "chat", Callbacks{}); err != nil {
		t.Fatalf("connect after abandoned dial: %v", err)
	}
	select {
	case <-typing:
	case <-time.After(2 * time.Second):
		t.Fatal("fresh connection is not receiving frames")
	}
	if s := m.State("chat"); s != StateConnected {
		t.Errorf("state after fresh connect: %s", s)
	}
}

func TestManagerReconnectExhaustion(t *testing.T) {
	ts := newWSTestServer(t, holdOpen)

	m := newTestManager(t, ts, &Config{
		AutoReconnect:        true,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    50 * time.Millisecond,
		MaxReconnectAttempts: 3,
		DialTimeout:          time.Second,
	})

	var attempts int32
	exhausted := make(chan struct{}, 1)
	m.OnReconnecting(func(string, int, time.Duration) { atomic.AddInt32(&attempts, 1) })
	m.OnReconnectExhausted(func(string) {
		select {
		case exhausted <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx, "chat", Callbacks{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Take the backend away so every reconnect dial fails.
	ts.CloseClientConnections()
	ts.Close()

	select {
	case <-exhausted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exhaustion")
	}

	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("expected exactly max_attempts=3 scheduled reconnects, got %d", n)
	}
	if s := m.State("chat"); s != StateDisconnected {
		t.Errorf("state after exhaustion: %s", s)
	}
	if m.Healthy() {
		t.Error("manager must report unhealthy after exhaustion")
	}

	// Automatic retries are done; only a manual Connect may try again.
	time.Sleep(200 * time.Millisecond)
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("reconnects continued past the ceiling: %d", n)
	}
	if err := m.Connect(ctx, "chat", Callbacks{}); err == nil {
		t.Error("manual connect against a dead backend should report the dial error")
	}
}

func TestManagerReconnectRestoresConnection(t *testing.T) {
	ts := newWSTestServer(t, func(ctx context.Context, sock *websocket.Conn) {
		holdOpen(ctx, sock)
	})

	m := newTestManager(t, ts, &Config{
		AutoReconnect:        true,
		ReconnectBaseDelay:   20 * time.Millisecond,
		ReconnectMaxDelay:    100 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})

	connected := make(chan struct{}, 4)
	m.OnConnected(func(string) {
		select {
		case connected <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx, "chat", Callbacks{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-connected

	// Kill the live socket; the server keeps accepting.
	ts.CloseClientConnections()

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("connection was not restored")
	}
	if ts.acceptCount() < 2 {
		t.Errorf("expected a second connection, got %d", ts.acceptCount())
	}
	if m.State("chat") != StateConnected {
		t.Errorf("state after recovery: %s", m.State("chat"))
	}
}

// ============================================================================
// Heartbeat
// ============================================================================

func TestManagerHeartbeat(t *testing.T) {
	t.Run("silent peer is forced closed", func(t *testing.T) {
		ts := newWSTestServer(t, func(ctx context.Context, sock *websocket.Conn) {
			holdOpen(ctx, sock) // reads pings, never answers
		})

		m := newTestManager(t, ts, &Config{
			AutoReconnect:     false,
			HeartbeatInterval: 40 * time.Millisecond,
			HeartbeatTimeout:  100 * time.Millisecond,
		})

		disconnected := make(chan struct{}, 1)
		m.OnDisconnected(func(string, error) {
			select {
			case disconnected <- struct{}{}:
			default:
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Connect(ctx, "chat", Callbacks{}); err != nil {
			t.Fatalf("connect: %v", err)
		}

		select {
		case <-disconnected:
		case <-time.After(3 * time.Second):
			t.Fatal("silent connection was not detected as dead")
		}
	})

	t.Run("pong keeps the connection alive", func(t *testing.T) {
		ts := newWSTestServer(t, func(ctx context.Context, sock *websocket.Conn) {
			for {
				_, data, err := sock.Read(ctx)
				if err != nil {
					return
				}
				if strings.Contains(string(data), `"ping"`) {
					if err := writeFrame(ctx, sock, `{"type":"pong"}`); err != nil {
						return
					}
				}
			}
		})

		m := newTestManager(t, ts, &Config{
			AutoReconnect:     false,
			HeartbeatInterval: 50 * time.Millisecond,
			HeartbeatTimeout:  200 * time.Millisecond,
		})

		disconnected := make(chan struct{}, 1)
		m.OnDisconnected(func(string, error) {
			select {
			case disconnected <- struct{}{}:
			default:
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Connect(ctx, "chat", Callbacks{}); err != nil {
			t.Fatalf("connect: %v", err)
		}

		select {
		case <-disconnected:
			t.Fatal("responsive connection was dropped")
		case <-time.After(500 * time.Millisecond):
		}
		if !m.Healthy() {
			t.Error("expected healthy connection")
		}
	})
}

func TestManagerAnswersServerPing(t *testing.T) {
	gotPong := make(chan struct{}, 1)
	ts := newWSTestServer(t, func(ctx context.Context, sock *websocket.Conn) {
		if err := writeFrame(ctx, sock, `{"type":"ping"}`); err != nil {
			return
		}
		for {
			_, data, err := sock.Read(ctx)
			if err != nil {
				return
			}
			if strings.Contains(string(data), `"pong"`) {
				select {
				case gotPong <- struct{}{}:
				default:
				}
			}
		}
	})

	m := newTestManager(t, ts, &Config{AutoReconnect: false})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx, "chat", Callbacks{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case <-gotPong:
	case <-time.After(2 * time.Second):
		t.Fatal("server ping was not answered")
	}
}

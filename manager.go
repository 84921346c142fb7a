package revoagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures a connection Manager.
type Config struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	DialTimeout          time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
}

// ConnState is the lifecycle state of one endpoint connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateClosing      ConnState = "closing"
)

// Callbacks carries the per-connection lifecycle hooks passed to Connect.
// All fields are optional; registered Manager-level handlers fire as well.
type Callbacks struct {
	OnOpen    func()
	OnClose   func(reason error)
	OnError   func(err error)
	OnMessage func(frame Frame)
}

// ============================================================================
// Connection Manager
// ============================================================================

// connection is one endpoint entry. The entry exclusively owns its socket
// and releases it on every exit path: explicit close, transport error, or
// replacement by a reconnect.
type connection struct {
	key            string
	state          ConnState
	sock           *websocket.Conn
	callbacks      Callbacks
	recon          *reconnector
	intentional    bool
	reconnectTimer *time.Timer
	cancel         context.CancelFunc
	lastPong       time.Time
}

// Manager owns the endpoint-key → connection mapping and drives
// open/close/reconnect/send/broadcast. One instance per process is the
// expected usage, constructed via Client.Realtime; there is no package-level
// singleton.
type Manager struct {
	client *Client
	config *Config
	logger zerolog.Logger

	dispatcher *dispatcher
	events     *messageEvents

	mu         sync.Mutex
	conns      map[string]*connection
	assemblers map[string]*assembler
}

func newManager(client *Client, config *Config) *Manager {
	return &Manager{
		client:     client,
		config:     config,
		logger:     client.logger,
		dispatcher: newDispatcher(client.logger),
		events:     &messageEvents{},
		conns:      make(map[string]*connection),
		assemblers: make(map[string]*assembler),
	}
}

// Connect opens a connection for an endpoint key. It is idempotent per key:
// if a live connection exists this is a no-op. A manual Connect on a
// previously exhausted endpoint starts over with a fresh attempt counter.
func (m *Manager) Connect(ctx context.Context, key string, cb Callbacks) error {
	m.mu.Lock()
	if existing, ok := m.conns[key]; ok {
		if existing.state == StateConnected || existing.state == StateConnecting {
			m.mu.Unlock()
			return nil
		}
		if existing.reconnectTimer != nil {
			existing.reconnectTimer.Stop()
			existing.reconnectTimer = nil
		}
		// Replaced entry must never reconnect on its own.
		existing.intentional = true
	}
	c := &connection{
		key:       key,
		state:     StateConnecting,
		callbacks: cb,
		recon:     newReconnector(m.config),
	}
	m.conns[key] = c
	m.mu.Unlock()

	if err := m.dial(ctx, c); err != nil {
		m.mu.Lock()
		if m.conns[key] == c {
			delete(m.conns, key)
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect closes an endpoint connection and suppresses any automatic
// reconnect, including a reconnect timer that is already pending.
func (m *Manager) Disconnect(key string) error {
	m.mu.Lock()
	c, ok := m.conns[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	c.intentional = true
	c.state = StateClosing
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	sock := c.sock
	delete(m.conns, key)
	m.mu.Unlock()

	if sock != nil {
		return sock.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	m.dispatcher.emitDisconnected(key, nil)
	return nil
}

// Close disconnects every tracked endpoint.
func (m *Manager) Close() error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.conns))
	for key := range m.conns {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	var firstErr error
	for _, key := range keys {
		if err := m.Disconnect(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Send serializes and transmits only when the endpoint is connected.
// Delivery is best-effort: a send on a missing or disconnected endpoint is a
// reported no-op, never an error.
func (m *Manager) Send(ctx context.Context, key string, v interface{}) bool {
	m.mu.Lock()
	var sock *websocket.Conn
	if c, ok := m.conns[key]; ok && c.state == StateConnected {
		sock = c.sock
	}
	m.mu.Unlock()

	if sock == nil {
		m.logger.Debug().Str("endpoint", key).Msg("send skipped: not connected")
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn().Err(err).Str("endpoint", key).Msg("send skipped: marshal failed")
		return false
	}
	if err := sock.Write(ctx, websocket.MessageText, data); err != nil {
		m.logger.Warn().Err(err).Str("endpoint", key).Msg("send failed")
		return false
	}
	return true
}

// SendChat initiates a streamed exchange. A session id is generated when the
// request does not carry one.
func (m *Manager) SendChat(ctx context.Context, key string, req *ChatRequest) bool {
	r := *req
	if r.SessionID == "" {
		r.SessionID = uuid.NewString()
	}
	return m.Send(ctx, key, &r)
}

// Broadcast sends to every currently connected endpoint and returns how many
// received the message. Partial delivery is expected, not an error.
func (m *Manager) Broadcast(ctx context.Context, v interface{}) int {
	m.mu.Lock()
	keys := make([]string, 0, len(m.conns))
	for key, c := range m.conns {
		if c.state == StateConnected {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	delivered := 0
	for _, key := range keys {
		if m.Send(ctx, key, v) {
			delivered++
		}
	}
	return delivered
}

// Healthy reports whether every tracked connection is currently connected.
// Status only; Send never consults it.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		if c.state != StateConnected {
			return false
		}
	}
	return true
}

// State returns the lifecycle state for one endpoint key.
func (m *Manager) State(key string) ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[key]; ok {
		return c.state
	}
	return StateDisconnected
}

// States returns a snapshot of every tracked endpoint's state.
func (m *Manager) States() map[string]ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ConnState, len(m.conns))
	for key, c := range m.conns {
		out[key] = c.state
	}
	return out
}

// ============================================================================
// Handler registration
// ============================================================================

// On registers a generic subscriber for a frame type.
func (m *Manager) On(frameType string, h FrameHandler) {
	m.dispatcher.mu.Lock()
	m.dispatcher.generic[frameType] = append(m.dispatcher.generic[frameType], h)
	m.dispatcher.mu.Unlock()
}

// OnTyping registers a handler for typing indicators.
func (m *Manager) OnTyping(h func(endpoint string, p TypingPayload)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onTyping = append(m.dispatcher.onTyping, h)
	m.dispatcher.mu.Unlock()
}

// OnStatusUpdate registers a handler for dashboard activity updates.
func (m *Manager) OnStatusUpdate(h func(endpoint string, p StatusUpdatePayload)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onStatusUpdate = append(m.dispatcher.onStatusUpdate, h)
	m.dispatcher.mu.Unlock()
}

// OnResponse registers a handler for non-streamed replies.
func (m *Manager) OnResponse(h func(endpoint string, p ResponsePayload)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onResponse = append(m.dispatcher.onResponse, h)
	m.dispatcher.mu.Unlock()
}

// OnServerError registers a handler for server-side errors outside an
// exchange.
func (m *Manager) OnServerError(h func(endpoint string, p ServerErrorPayload)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onServerError = append(m.dispatcher.onServerError, h)
	m.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (m *Manager) OnConnected(h func(endpoint string)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onConnected = append(m.dispatcher.onConnected, h)
	m.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (m *Manager) OnDisconnected(h func(endpoint string, reason error)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onDisconnected = append(m.dispatcher.onDisconnected, h)
	m.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler fired when a reconnect attempt is
// scheduled.
func (m *Manager) OnReconnecting(h func(endpoint string, attempt int, delay time.Duration)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onReconnecting = append(m.dispatcher.onReconnecting, h)
	m.dispatcher.mu.Unlock()
}

// OnReconnectExhausted registers a handler fired when automatic reconnection
// gives up. A manual Connect resumes from there.
func (m *Manager) OnReconnectExhausted(h func(endpoint string)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onReconnectExhausted = append(m.dispatcher.onReconnectExhausted, h)
	m.dispatcher.mu.Unlock()
}

// OnMessageCreated registers a handler fired when a streamed exchange opens.
func (m *Manager) OnMessageCreated(h func(endpoint string, msg ChatMessage)) {
	m.events.mu.Lock()
	m.events.onCreated = append(m.events.onCreated, h)
	m.events.mu.Unlock()
}

// OnMessageAppend registers a handler fired on every chunk; the message
// carries the full accumulated content so far.
func (m *Manager) OnMessageAppend(h func(endpoint string, msg ChatMessage)) {
	m.events.mu.Lock()
	m.events.onAppend = append(m.events.onAppend, h)
	m.events.mu.Unlock()
}

// OnMessageFinalized registers a handler fired when an exchange completes.
func (m *Manager) OnMessageFinalized(h func(endpoint string, msg ChatMessage)) {
	m.events.mu.Lock()
	m.events.onFinalized = append(m.events.onFinalized, h)
	m.events.mu.Unlock()
}

// OnMessageError registers a handler fired when an exchange fails; the
// message retains the partial content assembled up to the failure.
func (m *Manager) OnMessageError(h func(endpoint string, msg ChatMessage)) {
	m.events.mu.Lock()
	m.events.onErrored = append(m.events.onErrored, h)
	m.events.mu.Unlock()
}

// ============================================================================
// Connection lifecycle
// ============================================================================

// dial opens the socket for an entry and starts its read and heartbeat
// loops. Used by Connect and by scheduled reconnects.
func (m *Manager) dial(ctx context.Context, c *connection) error {
	wsURL := m.client.WSUrl(c.key)
	sock, resp, err := websocket.Dial(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		m.mu.Lock()
		c.state = StateDisconnected
		m.mu.Unlock()
		return fmt.Errorf("websocket dial %s: %w", c.key, err)
	}

	m.mu.Lock()
	if c.intentional || m.conns[c.key] != c {
		// The entry was closed or replaced while the dial was in flight.
		// The fresh socket must not be adopted: no callbacks, no loops.
		m.mu.Unlock()
		sock.Close(websocket.StatusNormalClosure, "")
		return nil
	}
	connCtx, cancel := context.WithCancel(context.Background())
	c.sock = sock
	c.state = StateConnected
	c.cancel = cancel
	c.lastPong = time.Now()
	m.mu.Unlock()
	c.recon.reset()

	m.logger.Debug().Str("endpoint", c.key).Str("url", wsURL).Msg("connected")

	if c.callbacks.OnOpen != nil {
		c.callbacks.OnOpen()
	}
	m.dispatcher.emitConnected(c.key)

	go m.readLoop(connCtx, c, sock)
	go m.heartbeatLoop(connCtx, c, sock)
	return nil
}

func (m *Manager) readLoop(ctx context.Context, c *connection, sock *websocket.Conn) {
	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			m.handleClose(c, sock, err)
			return
		}

		frame, perr := parseFrame(data)
		if perr != nil {
			// Malformed frames are dropped with a local diagnostic only.
			m.logger.Debug().Err(perr).Str("endpoint", c.key).Msg("dropped unparseable frame")
			continue
		}

		if c.callbacks.OnMessage != nil {
			c.callbacks.OnMessage(frame)
		}

		switch frame.Type {
		case "stream_start", "stream_chunk", "stream_complete", "stream_error":
			m.assembler(c.key).handle(frame)
		case "pong":
			m.mu.Lock()
			c.lastPong = time.Now()
			m.mu.Unlock()
		case "ping":
			if err := m.writeJSON(ctx, sock, map[string]string{"type": "pong"}); err != nil {
				m.logger.Debug().Err(err).Str("endpoint", c.key).Msg("pong reply failed")
			}
		default:
			m.dispatcher.dispatch(c.key, frame)
		}
	}
}

// handleClose releases the socket, force-errors any in-flight exchange, and
// decides whether a reconnect is scheduled. The transport's close is the
// authoritative cleanup signal; OnError alone never tears down a connection.
func (m *Manager) handleClose(c *connection, sock *websocket.Conn, reason error) {
	sock.Close(websocket.StatusNormalClosure, "")

	m.mu.Lock()
	if c.sock != sock {
		// Entry already re-owned by a newer socket.
		m.mu.Unlock()
		return
	}
	intentional := c.intentional
	c.sock = nil
	c.state = StateDisconnected
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	m.mu.Unlock()

	m.assembler(c.key).fail("connection closed")

	if c.callbacks.OnClose != nil {
		c.callbacks.OnClose(reason)
	}
	m.dispatcher.emitDisconnected(c.key, reason)

	if intentional {
		return
	}

	m.logger.Warn().Err(reason).Str("endpoint", c.key).Msg("connection lost")

	if m.config.AutoReconnect && !c.recon.exhausted() {
		m.scheduleReconnect(c)
		return
	}
	if m.config.AutoReconnect {
		m.logger.Warn().Str("endpoint", c.key).Msg("reconnect attempts exhausted")
		m.dispatcher.emitReconnectExhausted(c.key)
	}
}

// scheduleReconnect arms the backoff timer for one entry. The attempt is
// consumed before the timer is armed so a second close observed in the same
// window cannot double-schedule.
func (m *Manager) scheduleReconnect(c *connection) {
	m.mu.Lock()
	if c.intentional || c.reconnectTimer != nil || m.conns[c.key] != c {
		m.mu.Unlock()
		return
	}
	delay := c.recon.nextDelay()
	attempt := c.recon.attempt
	c.reconnectTimer = time.AfterFunc(delay, func() { m.reconnect(c) })
	m.mu.Unlock()

	m.logger.Debug().
		Str("endpoint", c.key).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("reconnect scheduled")
	m.dispatcher.emitReconnecting(c.key, attempt, delay)
}

func (m *Manager) reconnect(c *connection) {
	m.mu.Lock()
	c.reconnectTimer = nil
	// Desired state may have changed while the timer was pending.
	if c.intentional || m.conns[c.key] != c {
		m.mu.Unlock()
		return
	}
	c.state = StateConnecting
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.config.DialTimeout)
	defer cancel()

	if err := m.dial(ctx, c); err != nil {
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(err)
		}
		if !c.recon.exhausted() {
			m.scheduleReconnect(c)
			return
		}
		m.logger.Warn().Str("endpoint", c.key).Msg("reconnect attempts exhausted")
		m.dispatcher.emitReconnectExhausted(c.key)
	}
}

func (m *Manager) writeJSON(ctx context.Context, sock *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return sock.Write(ctx, websocket.MessageText, data)
}

// assembler returns the per-endpoint assembler, creating it on first use.
func (m *Manager) assembler(key string) *assembler {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assemblers[key]
	if !ok {
		a = newAssembler(key, m.events, m.logger)
		m.assemblers[key] = a
	}
	return a
}

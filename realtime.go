package feiralivre

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatedPayload is sent when a realtime connection is authenticated.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// ChatAckPayload acknowledges an outbound chat:message command with the
// server-assigned message id.
type ChatAckPayload struct {
	RequestID string `json:"requestId"`
	ID        string `json:"id"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeEnvelope is the wire format for all realtime events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime connection. AutoReconnect is off by
// default: a failed connect surfaces as a connect-error event and retry is
// driven by the user.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu              sync.RWMutex
	onAuthenticated []func(AuthenticatedPayload)
	onChatMessage   []func(json.RawMessage)
	onChatHistory   []func([]json.RawMessage)
	onError         []func(RealtimeErrorPayload)
	onConnected     []func()
	onDisconnected  []func(code int, reason string)
	onConnectError  []func(reason string)
	onReconnecting  []func(attempt int, delay time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{}
}

// dispatch delivers data events synchronously so they stay on one logical
// timeline in socket arrival order; meta events are delivered async.
func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case "authenticated":
		var p AuthenticatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onAuthenticated {
				go h(p)
			}
		}
	case "chat:message":
		for _, h := range d.onChatMessage {
			h(env.Payload)
		}
	case "chat:history":
		var batch []json.RawMessage
		if json.Unmarshal(env.Payload, &batch) == nil {
			for _, h := range d.onChatHistory {
				h(batch)
			}
		}
	case "error":
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onError {
				go h(p)
			}
		}
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitConnectError(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onConnectError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the bidirectional chat socket. It never auto-connects;
// callers trigger Connect explicitly, and on failure retry is manual unless
// AutoReconnect was enabled.
type RealtimeClient struct {
	baseURL          string
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	pingCounter      int
	pendingPings     map[string]chan PongPayload
	pendingAcks      map[string]func(ChatAckPayload)
	pendingMu        sync.Mutex
}

// OnAuthenticated registers a handler for the authenticated event.
func (c *RealtimeClient) OnAuthenticated(h func(AuthenticatedPayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onAuthenticated = append(c.dispatcher.onAuthenticated, h)
	c.dispatcher.mu.Unlock()
}

// OnChatMessage registers a handler for single live message payloads. The
// payload is the raw wire shape; run it through NormalizeMessage before use.
func (c *RealtimeClient) OnChatMessage(h func(json.RawMessage)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onChatMessage = append(c.dispatcher.onChatMessage, h)
	c.dispatcher.mu.Unlock()
}

// OnChatHistory registers a handler for bulk history backfill payloads.
func (c *RealtimeClient) OnChatHistory(h func([]json.RawMessage)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onChatHistory = append(c.dispatcher.onChatHistory, h)
	c.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (c *RealtimeClient) OnError(h func(RealtimeErrorPayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onError = append(c.dispatcher.onError, h)
	c.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (c *RealtimeClient) OnConnected(h func()) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onConnected = append(c.dispatcher.onConnected, h)
	c.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (c *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onDisconnected = append(c.dispatcher.onDisconnected, h)
	c.dispatcher.mu.Unlock()
}

// OnConnectError registers a handler for failed connect attempts. The
// consumer surfaces a banner with a manual retry.
func (c *RealtimeClient) OnConnectError(h func(reason string)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onConnectError = append(c.dispatcher.onConnectError, h)
	c.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (c *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onReconnecting = append(c.dispatcher.onReconnecting, h)
	c.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (c *RealtimeClient) State() RealtimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetToken updates the auth credential used by the next connect attempt. An
// already-open connection is not forcibly reconnected.
func (c *RealtimeClient) SetToken(token string) {
	c.mu.Lock()
	c.config.Token = token
	c.mu.Unlock()
}

// Connect establishes the websocket connection and waits for the server's
// authenticated handshake. Returns ErrNotReady when no token is set.
func (c *RealtimeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.config.Token == "" {
		c.mu.Unlock()
		return ErrNotReady
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	token := c.config.Token
	c.mu.Unlock()

	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.dispatcher.emitConnectError(err.Error())
		return transportErr("websocket dial", err)
	}

	// Read first message (should be "authenticated")
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.dispatcher.emitConnectError(err.Error())
		return transportErr("read auth message", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		reason := fmt.Sprintf("expected 'authenticated', got '%s'", env.Type)
		c.dispatcher.emitConnectError(reason)
		return transportErr(reason, nil)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()
	c.recon.markConnected()

	c.dispatcher.dispatch(env)
	c.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancelFn = cancel
	c.mu.Unlock()

	go c.readLoop(connCtx)
	go c.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (c *RealtimeClient) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.clearPending()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// Join announces interest in a conversation's room. Must be re-sent after
// every (re)connect before live events for that room can be expected.
func (c *RealtimeClient) Join(ctx context.Context, roomID string) error {
	return c.Send(ctx, &RealtimeCommand{
		Type:    "chat:join",
		Payload: map[string]string{"roomId": roomID},
	})
}

// SendChatMessage emits an outbound message addressed to roomID. clientID is
// the local placeholder id; it doubles as the ack correlation id and is
// echoed by the server in the broadcast event. ack fires once when the
// server acknowledges with the assigned message id.
func (c *RealtimeClient) SendChatMessage(ctx context.Context, roomID, clientID, text string, ack func(ChatAckPayload)) error {
	if ack != nil {
		c.pendingMu.Lock()
		c.pendingAcks[clientID] = ack
		c.pendingMu.Unlock()
	}

	err := c.Send(ctx, &RealtimeCommand{
		Type: "chat:message",
		Payload: map[string]string{
			"roomId":   roomID,
			"text":     text,
			"clientId": clientID,
		},
		RequestID: clientID,
	})
	if err != nil && ack != nil {
		c.pendingMu.Lock()
		delete(c.pendingAcks, clientID)
		c.pendingMu.Unlock()
	}
	return err
}

// RequestHistory asks for a history backfill over the socket. The response
// arrives as a chat:history event; this is the degraded path used when the
// REST fetch fails.
func (c *RealtimeClient) RequestHistory(ctx context.Context, roomID string) error {
	return c.Send(ctx, &RealtimeCommand{
		Type:    "chat:history",
		Payload: map[string]string{"roomId": roomID},
	})
}

// Send sends a raw command over the socket.
func (c *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (c *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	c.mu.Lock()
	c.pingCounter++
	requestID := fmt.Sprintf("ping-%d", c.pingCounter)
	c.mu.Unlock()

	ch := make(chan PongPayload, 1)
	c.pendingMu.Lock()
	c.pendingPings[requestID] = ch
	c.pendingMu.Unlock()

	err := c.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pendingPings, requestID)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case pong := <-ch:
		return &pong, nil
	case <-time.After(10 * time.Second):
		c.pendingMu.Lock()
		delete(c.pendingPings, requestID)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pendingPings, requestID)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *RealtimeClient) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			c.mu.Unlock()
			if intentional {
				return
			}

			c.mu.Lock()
			c.state = StateDisconnected
			c.conn = nil
			// Stop the heartbeat loop too, so a quick manual reconnect never
			// has a stale loop pinging the new connection.
			if c.cancelFn != nil {
				c.cancelFn()
				c.cancelFn = nil
			}
			c.mu.Unlock()

			c.dispatcher.emitDisconnected(0, err.Error())

			if c.config.AutoReconnect && c.recon.shouldReconnect() {
				// The connection context is gone; reconnect attempts get a
				// fresh one from Connect.
				c.scheduleReconnect(context.Background())
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case "pong":
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				c.pendingMu.Lock()
				ch, ok := c.pendingPings[p.RequestID]
				if ok {
					delete(c.pendingPings, p.RequestID)
				}
				c.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		case "chat:ack":
			var p ChatAckPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				c.pendingMu.Lock()
				ack, ok := c.pendingAcks[p.RequestID]
				if ok {
					delete(c.pendingAcks, p.RequestID)
				}
				c.pendingMu.Unlock()
				if ok {
					ack(p)
				}
			}
		}

		c.dispatcher.dispatch(env)
	}
}

func (c *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			s := c.state
			c.mu.Unlock()
			if s != StateConnected {
				return
			}

			_, err := c.Ping(ctx)
			if err != nil {
				// Heartbeat failed — force close
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (c *RealtimeClient) scheduleReconnect(ctx context.Context) {
	delay := c.recon.nextDelay()
	c.mu.Lock()
	c.state = StateReconnecting
	c.mu.Unlock()

	c.dispatcher.emitReconnecting(c.recon.attempt, delay)

	time.Sleep(delay)

	if err := c.Connect(ctx); err != nil {
		if c.config.AutoReconnect && c.recon.shouldReconnect() {
			c.scheduleReconnect(ctx)
		} else {
			c.mu.Lock()
			c.state = StateDisconnected
			c.mu.Unlock()
		}
	}
}

func (c *RealtimeClient) clearPending() {
	c.pendingMu.Lock()
	for k, ch := range c.pendingPings {
		close(ch)
		delete(c.pendingPings, k)
	}
	for k := range c.pendingAcks {
		delete(c.pendingAcks, k)
	}
	c.pendingMu.Unlock()
}

// ============================================================================
// SocketManager
// ============================================================================

// SocketManager owns the single realtime connection shared across every
// conversation visited in a session. It is an explicitly injected object,
// not module state; Release at session end, Acquire builds fresh state after.
type SocketManager struct {
	mu      sync.Mutex
	baseURL string
	config  RealtimeConfig
	conn    *RealtimeClient
}

// NewSocketManager creates a socket manager for the given API base URL.
func NewSocketManager(baseURL string, cfg RealtimeConfig) *SocketManager {
	cfg.defaults()
	return &SocketManager{baseURL: baseURL, config: cfg}
}

// Acquire returns the shared connection, creating it on first call. A
// non-empty token that differs from the current credential is applied to the
// next connect attempt; an open connection is left undisturbed.
func (m *SocketManager) Acquire(token string) *RealtimeClient {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		cfg := m.config
		if token != "" {
			cfg.Token = token
		}
		m.conn = &RealtimeClient{
			baseURL:      m.baseURL,
			config:       &cfg,
			state:        StateDisconnected,
			dispatcher:   newEventDispatcher(),
			recon:        newReconnector(&cfg),
			pendingPings: make(map[string]chan PongPayload),
			pendingAcks:  make(map[string]func(ChatAckPayload)),
		}
		return m.conn
	}

	if token != "" {
		m.conn.SetToken(token)
	}
	return m.conn
}

// Release tears down the connection and clears the manager so a subsequent
// Acquire starts from scratch. Used when the session ends.
func (m *SocketManager) Release() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
}

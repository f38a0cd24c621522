package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Format
// ============================================================================

// RealtimeEnvelope is the wire format for all server-to-client frames.
// RequestID is set on "ack" and "pong" frames.
type RealtimeEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// RealtimeCommand is a client-to-server frame.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// AuthenticatedPayload is the first frame of every connection.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

type ackPayload struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push channel.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	AckTimeout           time.Duration
	Logger               *zap.Logger
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
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
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
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
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
// WSChannel
// ============================================================================

type pendingAck struct {
	ack   AckFunc
	timer *time.Timer
}

// WSChannel is a WebSocket push channel with acknowledgements, heartbeat and
// auto-reconnect. It implements PushChannel; inbound frames are decoded into
// Events and delivered, in arrival order, to handlers registered with OnEvent.
type WSChannel struct {
	baseURL          string
	config           *RealtimeConfig
	log              *zap.Logger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	recon            *reconnector
	parent           context.Context
	cancelFn         context.CancelFunc

	handlersMu     sync.RWMutex
	onEvent        []func(Event)
	onConnected    []func(AuthenticatedPayload)
	onDisconnected []func(error)
	onReconnecting []func(int, time.Duration)

	pendingMu sync.Mutex
	pending   map[string]*pendingAck
}

// NewWSChannel creates a push channel for the server at baseURL.
func NewWSChannel(baseURL string, config *RealtimeConfig) *WSChannel {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	return &WSChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  config,
		log:     config.Logger,
		state:   StateDisconnected,
		recon:   newReconnector(config),
		pending: make(map[string]*pendingAck),
	}
}

// OnEvent registers a handler for decoded inbound events.
func (ws *WSChannel) OnEvent(h func(Event)) {
	ws.handlersMu.Lock()
	ws.onEvent = append(ws.onEvent, h)
	ws.handlersMu.Unlock()
}

// OnConnected registers a handler called after every successful handshake.
func (ws *WSChannel) OnConnected(h func(AuthenticatedPayload)) {
	ws.handlersMu.Lock()
	ws.onConnected = append(ws.onConnected, h)
	ws.handlersMu.Unlock()
}

// OnDisconnected registers a handler for unexpected disconnects.
func (ws *WSChannel) OnDisconnected(h func(err error)) {
	ws.handlersMu.Lock()
	ws.onDisconnected = append(ws.onDisconnected, h)
	ws.handlersMu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *WSChannel) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.handlersMu.Lock()
	ws.onReconnecting = append(ws.onReconnecting, h)
	ws.handlersMu.Unlock()
}

// State returns the current connection state.
func (ws *WSChannel) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *WSChannel) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *WSChannel) dialURL() string {
	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return wsURL + "/ws?token=" + url.QueryEscape(ws.config.Token)
}

// Connect establishes the WebSocket connection and waits for the
// "authenticated" frame. ctx bounds the connection's lifetime, including
// reconnects.
func (ws *WSChannel) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.parent = ctx
	ws.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ws.dialURL(), nil)
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// Read first message (should be "authenticated")
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}
	var auth AuthenticatedPayload
	_ = json.Unmarshal(env.Payload, &auth)

	connCtx, cancel := context.WithCancel(ctx)
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.log.Info("push channel connected", zap.String("user", auth.UserID))

	ws.handlersMu.RLock()
	handlers := append([]func(AuthenticatedPayload){}, ws.onConnected...)
	ws.handlersMu.RUnlock()
	for _, h := range handlers {
		safely(ws.log, "connected", func() { h(auth) })
	}

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection. Pending acknowledgements fail
// with ErrNotConnected.
func (ws *WSChannel) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.failPending(ErrNotConnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send writes a raw command.
func (ws *WSChannel) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Emit sends a fire-and-forget event.
func (ws *WSChannel) Emit(ctx context.Context, event string, payload any) error {
	return ws.Send(ctx, &RealtimeCommand{Type: event, Payload: payload})
}

// EmitWithAck sends an event and calls ack once with the server's "ack"
// frame, or with ErrAckTimeout after AckTimeout. If EmitWithAck returns an
// error, ack is never called.
func (ws *WSChannel) EmitWithAck(ctx context.Context, event string, payload any, ack AckFunc) error {
	requestID := uuid.NewString()
	ws.register(requestID, ack)

	err := ws.Send(ctx, &RealtimeCommand{Type: event, Payload: payload, RequestID: requestID})
	if err != nil {
		ws.take(requestID)
		return err
	}
	return nil
}

// Ping sends a ping and waits for the matching pong.
func (ws *WSChannel) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	requestID := uuid.NewString()
	ws.register(requestID, func(_ json.RawMessage, err error) { done <- err })

	if err := ws.Send(ctx, &RealtimeCommand{Type: "ping", RequestID: requestID}); err != nil {
		ws.take(requestID)
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		ws.take(requestID)
		return ctx.Err()
	}
}

func (ws *WSChannel) register(requestID string, ack AckFunc) {
	p := &pendingAck{ack: ack}
	ws.pendingMu.Lock()
	ws.pending[requestID] = p
	p.timer = time.AfterFunc(ws.config.AckTimeout, func() {
		if p := ws.take(requestID); p != nil {
			safely(ws.log, "ack", func() { p.ack(nil, ErrAckTimeout) })
		}
	})
	ws.pendingMu.Unlock()
}

// take removes and returns the pending entry, stopping its timer.
func (ws *WSChannel) take(requestID string) *pendingAck {
	ws.pendingMu.Lock()
	defer ws.pendingMu.Unlock()
	p, ok := ws.pending[requestID]
	if !ok {
		return nil
	}
	delete(ws.pending, requestID)
	p.timer.Stop()
	return p
}

func (ws *WSChannel) resolve(requestID string, data json.RawMessage, err error) {
	p := ws.take(requestID)
	if p == nil {
		ws.log.Debug("ack for unknown request", zap.String("request", requestID))
		return
	}
	safely(ws.log, "ack", func() { p.ack(data, err) })
}

func (ws *WSChannel) failPending(err error) {
	ws.pendingMu.Lock()
	pending := ws.pending
	ws.pending = make(map[string]*pendingAck)
	ws.pendingMu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		ack := p.ack
		safely(ws.log, "ack", func() { ack(nil, err) })
	}
}

func (ws *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional {
				ws.state = StateDisconnected
				ws.conn = nil
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.log.Warn("push channel lost", zap.Error(err))
			ws.failPending(ErrNotConnected)

			ws.handlersMu.RLock()
			handlers := append([]func(error){}, ws.onDisconnected...)
			ws.handlersMu.RUnlock()
			for _, h := range handlers {
				safely(ws.log, "disconnected", func() { h(err) })
			}

			if ws.config.AutoReconnect {
				ws.reconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			ws.log.Debug("malformed frame", zap.Error(err))
			continue
		}
		ws.handle(env)
	}
}

func (ws *WSChannel) handle(env RealtimeEnvelope) {
	switch env.Type {
	case "ack":
		var p ackPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			ws.resolve(env.RequestID, nil, fmt.Errorf("decode ack: %w", err))
			return
		}
		if !p.OK {
			var err error = errors.New("request rejected")
			if p.Error != nil {
				err = p.Error
			}
			ws.resolve(env.RequestID, nil, err)
			return
		}
		ws.resolve(env.RequestID, p.Data, nil)
	case "pong":
		ws.resolve(env.RequestID, nil, nil)
	case "error":
		var p RealtimeErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		ws.log.Warn("server error", zap.String("message", p.Message))
	default:
		ev, err := DecodeEvent(env.Type, env.Payload)
		if err != nil {
			ws.log.Debug("dropping frame", zap.String("type", env.Type), zap.Error(err))
			return
		}
		ws.handlersMu.RLock()
		handlers := append([]func(Event){}, ws.onEvent...)
		ws.handlersMu.RUnlock()
		for _, h := range handlers {
			safely(ws.log, env.Type, func() { h(ev) })
		}
	}
}

func (ws *WSChannel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if err := ws.Ping(ctx); err != nil {
				ws.log.Warn("heartbeat failed", zap.Error(err))
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *WSChannel) reconnect() {
	ws.mu.Lock()
	parent := ws.parent
	ws.mu.Unlock()

	for ws.recon.shouldReconnect() {
		delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)

		ws.handlersMu.RLock()
		handlers := append([]func(int, time.Duration){}, ws.onReconnecting...)
		ws.handlersMu.RUnlock()
		for _, h := range handlers {
			attempt := ws.recon.attempt
			safely(ws.log, "reconnecting", func() { h(attempt, delay) })
		}

		select {
		case <-parent.Done():
			ws.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}

		ws.setState(StateDisconnected)
		if err := ws.Connect(parent); err != nil {
			ws.log.Warn("reconnect failed", zap.Int("attempt", ws.recon.attempt), zap.Error(err))
			continue
		}
		return
	}
	ws.setState(StateDisconnected)
}

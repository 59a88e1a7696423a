// Package client provides a high-level WebSocket client SDK for PulseGate.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/pulsegate/pulsegate/internal/core/observability/log"
)

// Server event types as they appear on the wire.
const (
	EventConnectionEstablished = "connection_established"
	EventSubscriptionUpdated   = "subscription_updated"
	EventChatMessage           = "chat_message"
	EventChatResponse          = "chat_response"
	EventRateLimitExceeded     = "rate_limit_exceeded"
	EventError                 = "error"
	EventHeartbeat             = "heartbeat"
	EventPong                  = "pong"
)

// Event is one server frame as delivered to handlers.
type Event struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	UserID       string         `json:"user_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Priority     int            `json:"priority,omitempty"`
}

// EventHandler handles one server event. Handlers run on the read loop,
// so a blocking handler stalls delivery for this client.
type EventHandler func(evt *Event) error

// LifecycleType represents connection lifecycle transitions.
type LifecycleType string

const (
	LifecycleConnected    LifecycleType = "connected"
	LifecycleDisconnected LifecycleType = "disconnected"
	LifecycleReconnecting LifecycleType = "reconnecting"
)

// LifecycleEvent reports a connection lifecycle transition.
type LifecycleEvent struct {
	Type      LifecycleType
	Timestamp time.Time
	Attempt   int
	Err       error
}

// LifecycleHandler handles a lifecycle transition.
type LifecycleHandler func(evt LifecycleEvent) error

// Config holds configuration for the client.
type Config struct {
	// ServerURL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	ServerURL string

	// Token authenticates the connection; it must be the first frame the
	// server sees.
	Token string

	// SessionID groups this connection with others of the same session.
	SessionID string

	// Channels are subscribed during authentication.
	Channels []string

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration

	// HeartbeatInterval paces client pings. The server advertises its own
	// cadence during the handshake and that value takes precedence.
	HeartbeatInterval time.Duration

	ReconnectInterval    time.Duration
	MaxReconnectAttempts int

	LogLevel string
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		ServerURL:            "ws://localhost:8080/ws",
		ConnectTimeout:       10 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		HeartbeatInterval:    20 * time.Second,
		ReconnectInterval:    5 * time.Second,
		MaxReconnectAttempts: 5,
		LogLevel:             "info",
	}
}

// Client is a PulseGate websocket client. It authenticates on connect,
// answers server heartbeats, reconnects on transport failure, and hands
// incoming events to registered handlers in arrival order.
type Client struct {
	cfg    Config
	logger log.Log

	mu             sync.RWMutex
	conn           *websocket.Conn
	connectionID   string
	userID         string
	available      []string
	heartbeatEvery time.Duration

	writeMu sync.Mutex

	handlerMu         sync.RWMutex
	handlers          map[string][]EventHandler
	lifecycleHandlers []LifecycleHandler

	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	workers   sync.WaitGroup
}

// New creates a client. The returned client is idle until Connect.
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.Wrap(ErrInvalidConfig, "server url is required")
	}
	if cfg.Token == "" {
		return nil, errors.Wrap(ErrInvalidConfig, "token is required")
	}

	d := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = d.HandshakeTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = d.ReconnectInterval
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}

	logger := log.New(log.ParseLevel(cfg.LogLevel), "console")
	return &Client{
		cfg:            cfg,
		logger:         logger.With(log.String("component", "client")),
		heartbeatEvery: cfg.HeartbeatInterval,
		handlers:       make(map[string][]EventHandler),
		done:           make(chan struct{}),
	}, nil
}

// frame is the client-to-server message shape.
type frame struct {
	Type                string         `json:"type"`
	Token               string         `json:"token,omitempty"`
	UserID              string         `json:"user_id,omitempty"`
	SessionID           string         `json:"session_id,omitempty"`
	Channels            []string       `json:"channels,omitempty"`
	UnsubscribeChannels []string       `json:"unsubscribe_channels,omitempty"`
	Content             string         `json:"content,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// Connect dials the server and completes the authentication handshake.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !c.connected.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.connected.Store(false)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.emitLifecycle(LifecycleEvent{Type: LifecycleConnected, Timestamp: time.Now()})

	c.workers.Add(2)
	go c.readPump()
	go c.heartbeatPump()
	return nil
}

// dial opens the socket, authenticates, and records the server's
// connection acknowledgement.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "client: dial")
	}

	auth := frame{
		Type:      "auth",
		Token:     c.cfg.Token,
		SessionID: c.cfg.SessionID,
		Channels:  c.cfg.Channels,
	}
	if err = c.writeTo(conn, auth); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "client: send auth")
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		if websocket.IsCloseError(err, 4001) {
			return nil, ErrAuthRejected
		}
		return nil, errors.Wrap(ErrHandshakeFailed, err.Error())
	}
	_ = conn.SetReadDeadline(time.Time{})

	evt, err := parseEvent(data)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(ErrHandshakeFailed, err.Error())
	}
	if evt.Type != EventConnectionEstablished {
		_ = conn.Close()
		return nil, errors.Wrapf(ErrHandshakeFailed, "unexpected first event %q", evt.Type)
	}

	c.recordEstablished(evt)
	c.logger.Info("connected",
		log.String("connection_id", c.ConnectionID()),
		log.String("user_id", c.UserID()))
	return conn, nil
}

func (c *Client) recordEstablished(evt *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connectionID, _ = evt.Payload["connection_id"].(string)
	c.userID, _ = evt.Payload["user_id"].(string)

	c.available = c.available[:0]
	if raw, ok := evt.Payload["available_channels"].([]any); ok {
		for _, ch := range raw {
			if s, ok := ch.(string); ok {
				c.available = append(c.available, s)
			}
		}
	}

	if secs, ok := evt.Payload["heartbeat_interval_seconds"].(float64); ok && secs > 0 {
		c.heartbeatEvery = time.Duration(secs) * time.Second
	}
}

// Subscribe adds channels to this connection's subscription set. The
// server acknowledges with a subscription_updated event.
func (c *Client) Subscribe(channels ...string) error {
	return c.send(frame{Type: "subscribe", Channels: channels})
}

// Unsubscribe removes channels from this connection's subscription set.
func (c *Client) Unsubscribe(channels ...string) error {
	return c.send(frame{Type: "subscribe", UnsubscribeChannels: channels})
}

// SendChat submits one chat message for fan-out to the session.
func (c *Client) SendChat(content string) error {
	return c.SendChatWithMetadata(content, nil)
}

// SendChatWithMetadata submits one chat message with attached metadata.
func (c *Client) SendChatWithMetadata(content string, metadata map[string]any) error {
	return c.send(frame{
		Type:      "chat_message",
		UserID:    c.UserID(),
		SessionID: c.cfg.SessionID,
		Content:   content,
		Metadata:  metadata,
	})
}

// Ping nudges the server immediately; the pong arrives as an event.
func (c *Client) Ping() error {
	return c.send(frame{Type: "ping"})
}

// On registers a handler for a server event type.
func (c *Client) On(eventType string, handler EventHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
}

// OnLifecycle registers a handler for lifecycle transitions.
func (c *Client) OnLifecycle(handler LifecycleHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.lifecycleHandlers = append(c.lifecycleHandlers, handler)
}

// ConnectionID returns the server-assigned connection identity.
func (c *Client) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionID
}

// UserID returns the identity the server derived from the token.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// AvailableChannels returns the channels the server advertised.
func (c *Client) AvailableChannels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.available...)
}

// IsConnected reports whether the client holds a live connection.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// IsClosed reports whether the client has been closed.
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// Close tears the client down. It is safe to call more than once but
// must not be called from an event handler.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.connected.Store(false)

	c.workers.Wait()
	c.logger.Info("client closed")
	return nil
}

// readPump owns the read side of the socket and the reconnect cycle.
func (c *Client) readPump() {
	defer c.workers.Done()

	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.connected.Store(false)
			c.emitLifecycle(LifecycleEvent{Type: LifecycleDisconnected, Timestamp: time.Now(), Err: err})
			if !c.reconnect() {
				return
			}
			continue
		}

		evt, err := parseEvent(data)
		if err != nil {
			c.logger.Warn("dropping malformed event", log.Error(err))
			continue
		}
		c.dispatch(evt)
	}
}

func (c *Client) dispatch(evt *Event) {
	if evt.Type == EventHeartbeat {
		// Answer server pings so the connection never goes stale.
		if err := c.send(frame{Type: "pong"}); err != nil {
			c.logger.Debug("pong failed", log.Error(err))
		}
	}

	c.handlerMu.RLock()
	handlers := append([]EventHandler(nil), c.handlers[evt.Type]...)
	c.handlerMu.RUnlock()

	for _, h := range handlers {
		if err := h(evt); err != nil {
			c.logger.Error("event handler error", log.String("type", evt.Type), log.Error(err))
		}
	}
}

// reconnect re-dials until the attempt budget runs out. It reports
// whether a new connection is installed.
func (c *Client) reconnect() bool {
	if c.cfg.MaxReconnectAttempts <= 0 {
		return false
	}

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		if c.closed.Load() {
			return false
		}
		c.emitLifecycle(LifecycleEvent{Type: LifecycleReconnecting, Timestamp: time.Now(), Attempt: attempt})
		c.logger.Info("reconnecting", log.Int("attempt", attempt))

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			c.connected.Store(true)
			c.emitLifecycle(LifecycleEvent{Type: LifecycleConnected, Timestamp: time.Now(), Attempt: attempt})
			return true
		}

		c.logger.Warn("reconnect failed", log.Int("attempt", attempt), log.Error(err))
		select {
		case <-c.done:
			return false
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}

	c.logger.Error("reconnect attempts exhausted")
	return false
}

// heartbeatPump keeps the server's liveness tracking warm between
// application messages.
func (c *Client) heartbeatPump() {
	defer c.workers.Done()

	ticker := time.NewTicker(c.heartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.connected.Load() {
				continue
			}
			if err := c.send(frame{Type: "ping"}); err != nil {
				c.logger.Debug("ping failed", log.Error(err))
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) heartbeatInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.heartbeatEvery
}

func (c *Client) send(f frame) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.writeTo(conn, f)
}

func (c *Client) writeTo(conn *websocket.Conn, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		return errors.Wrap(err, "client: write")
	}
	return nil
}

func (c *Client) emitLifecycle(evt LifecycleEvent) {
	c.handlerMu.RLock()
	handlers := append([]LifecycleHandler(nil), c.lifecycleHandlers...)
	c.handlerMu.RUnlock()

	for _, h := range handlers {
		if err := h(evt); err != nil {
			c.logger.Error("lifecycle handler error", log.String("type", string(evt.Type)), log.Error(err))
		}
	}
}

func parseEvent(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, errors.Wrap(err, "client: malformed event")
	}
	if evt.Type == "" {
		return nil, errors.New("client: event has no type")
	}
	return &evt, nil
}
